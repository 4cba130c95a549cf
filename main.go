package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qvint/kmsd/client"
	"github.com/qvint/kmsd/config"
	"github.com/qvint/kmsd/kms"
	"github.com/qvint/kmsd/logger"
	"github.com/qvint/kmsd/server"
	"github.com/qvint/kmsd/store"
	"github.com/qvint/kmsd/wire"
)

func main() {
	root := &cobra.Command{
		Use:   "kmsd",
		Short: "KMS volume-activation host emulator",
	}
	root.AddCommand(serveCmd(), clientCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		port       int
		epid       string
		hwid       string
		count      int
		dbPath     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the KMS host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, extras, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addrs = []string{addr}
			}
			if port > 0 {
				cfg.Port = port
			}
			if epid != "" {
				cfg.EPID = epid
			}
			if hwid != "" {
				cfg.HWID = hwid
			}
			if count > 0 {
				cfg.ClientCount = count
			}
			if dbPath != "" {
				extras.DBPath = dbPath
			}
			if logLevel != "" {
				extras.LogLevel = logLevel
			}
			logger.Init(extras.LogLevel)

			identity, err := kms.NewIdentity(cfg, rand.Reader)
			if err != nil {
				return err
			}

			var st store.Store
			if extras.DBPath != "" {
				db, err := store.OpenSQLite(extras.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()
				st = db
			} else {
				st = store.NewMemory()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, kms.NewDispatcher(identity, cfg, st))
			if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (empty for dual-stack wildcard)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default 1688)")
	cmd.Flags().StringVar(&epid, "epid", "", "fixed ePID (synthesized per application when empty)")
	cmd.Flags().StringVar(&hwid, "hwid", "", "hardware id: 16 hex chars or 'random'")
	cmd.Flags().IntVar(&count, "count", 0, "reported activated-machine count (default 50)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite client history path (in-memory when empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	return cmd
}

func clientCmd() *cobra.Command {
	cfg := client.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Request activation from a KMS host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Mode == "list" {
				modes := make([]string, 0, len(client.Products))
				for name := range client.Products {
					modes = append(modes, name)
				}
				sort.Strings(modes)
				for _, name := range modes {
					fmt.Println(name)
				}
				return nil
			}

			resp, err := client.Run(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("ePID:                %s\n", resp.EPID)
			fmt.Printf("client machine id:   %s\n", resp.ClientMachineID)
			fmt.Printf("response time:       %s\n", wire.FiletimeToTime(resp.ResponseTime))
			fmt.Printf("client count:        %d\n", resp.CurrentClientCount)
			fmt.Printf("activation interval: %d minutes\n", resp.VLActivationInterval)
			fmt.Printf("renewal interval:    %d minutes\n", resp.VLRenewalInterval)
			if resp.Major() == 6 {
				fmt.Printf("hwid:                %X\n", resp.HWID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "KMS host address")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "KMS host port")
	cmd.Flags().StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "product mode ('list' to enumerate)")
	cmd.Flags().StringVar(&cfg.CMID, "cmid", "", "client machine id (random when empty)")
	cmd.Flags().StringVar(&cfg.Machine, "name", "", "machine name (random when empty)")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "connection timeout")
	return cmd
}
