// Package config loads server configuration from YAML. Environment
// variables take precedence over the file, the file over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/qvint/kmsd/kms"
)

type rawConfig struct {
	Addrs              []string `yaml:"addrs"`
	Port               int      `yaml:"port"`
	Workers            int      `yaml:"workers"`
	QueueHighWater     int      `yaml:"queue_high_water"`
	EPID               string   `yaml:"epid"`
	HWID               string   `yaml:"hwid"`
	LCID               int      `yaml:"lcid"`
	ActivationInterval int      `yaml:"activation_interval"`
	RenewalInterval    int      `yaml:"renewal_interval"`
	ClientCount        int      `yaml:"client_count"`
	MaxClients         int      `yaml:"max_clients"`
	IdleTimeoutSec     int      `yaml:"idle_timeout_sec"`
	ReadTimeoutSec     int      `yaml:"read_timeout_sec"`
	DBPath             string   `yaml:"db_path"`
	LogLevel           string   `yaml:"log_level"`
}

// Extras carries settings consumed outside the protocol core.
type Extras struct {
	DBPath   string
	LogLevel string
}

// Load resolves the final configuration. A missing file is not an error;
// defaults apply. Env overrides: KMSD_PORT, KMSD_HWID, KMSD_EPID,
// KMSD_DB_PATH, KMSD_LOG_LEVEL.
func Load(path string) (*kms.Config, *Extras, error) {
	cfg := kms.DefaultConfig()
	extras := &Extras{LogLevel: "INFO"}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			var raw rawConfig
			if err := yaml.Unmarshal(b, &raw); err != nil {
				return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			apply(cfg, extras, &raw)
		}
	}

	if v := os.Getenv("KMSD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("config: KMSD_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("KMSD_HWID"); v != "" {
		cfg.HWID = v
	}
	if v := os.Getenv("KMSD_EPID"); v != "" {
		cfg.EPID = v
	}
	if v := os.Getenv("KMSD_DB_PATH"); v != "" {
		extras.DBPath = v
	}
	if v := os.Getenv("KMSD_LOG_LEVEL"); v != "" {
		extras.LogLevel = v
	}

	return cfg, extras, nil
}

func apply(cfg *kms.Config, extras *Extras, raw *rawConfig) {
	if len(raw.Addrs) > 0 {
		cfg.Addrs = raw.Addrs
	}
	if raw.Port > 0 {
		cfg.Port = raw.Port
	}
	if raw.Workers > 0 {
		cfg.Workers = raw.Workers
	}
	if raw.QueueHighWater > 0 {
		cfg.QueueHighWater = raw.QueueHighWater
	}
	if raw.EPID != "" {
		cfg.EPID = raw.EPID
	}
	if raw.HWID != "" {
		cfg.HWID = raw.HWID
	}
	if raw.LCID > 0 {
		cfg.LCID = raw.LCID
	}
	if raw.ActivationInterval > 0 {
		cfg.ActivationInterval = raw.ActivationInterval
	}
	if raw.RenewalInterval > 0 {
		cfg.RenewalInterval = raw.RenewalInterval
	}
	if raw.ClientCount > 0 {
		cfg.ClientCount = raw.ClientCount
	}
	if raw.MaxClients > 0 {
		cfg.MaxClients = raw.MaxClients
	}
	if raw.IdleTimeoutSec > 0 {
		cfg.IdleTimeout = time.Duration(raw.IdleTimeoutSec) * time.Second
	}
	if raw.ReadTimeoutSec > 0 {
		cfg.ReadTimeout = time.Duration(raw.ReadTimeoutSec) * time.Second
	}
	if raw.DBPath != "" {
		extras.DBPath = raw.DBPath
	}
	if raw.LogLevel != "" {
		extras.LogLevel = raw.LogLevel
	}
}
