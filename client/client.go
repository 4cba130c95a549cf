// Package client implements a volume-license activation client. It drives
// the same codecs as the server and backs both the CLI probe and the
// end-to-end tests.
package client

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/qvint/kmsd/kms"
	"github.com/qvint/kmsd/rpc"
	"github.com/qvint/kmsd/wire"
)

// Config selects the target host and the product to activate.
type Config struct {
	Host    string
	Port    int
	Mode    string
	CMID    string // client machine id; random when empty
	Machine string // machine name; random when empty
	Timeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Host:    "127.0.0.1",
		Port:    1688,
		Mode:    "Windows8.1",
		Timeout: 10 * time.Second,
	}
}

// NewRequest builds the activation request for a product.
func NewRequest(product Product, cmid wire.GUID, machine string, requestTime time.Time) (*kms.Request, error) {
	if len(machine) > kms.MaxMachineName {
		return nil, fmt.Errorf("client: machine name %q exceeds %d characters", machine, kms.MaxMachineName)
	}
	return &kms.Request{
		Version:             product.Version,
		LicenseStatus:       2, // grace period
		GraceTime:           43200 * 2,
		ApplicationID:       wire.MustGUID(product.ApplicationID),
		SKUID:               wire.MustGUID(product.SKUID),
		KMSCountedID:        wire.MustGUID(product.KMSCountedID),
		ClientMachineID:     cmid,
		RequiredClientCount: product.RequiredCount,
		RequestTime:         wire.TimeToFiletime(requestTime.UTC()),
		MachineName:         machine,
	}, nil
}

// Run performs one activation exchange and returns the verified response.
func Run(cfg *Config) (*kms.Response, error) {
	product, ok := Products[cfg.Mode]
	if !ok {
		return nil, fmt.Errorf("client: unknown product mode %q", cfg.Mode)
	}

	cmid := wire.RandomGUID()
	if cfg.CMID != "" {
		var err error
		if cmid, err = wire.ParseGUID(cfg.CMID); err != nil {
			return nil, fmt.Errorf("client: invalid cmid: %w", err)
		}
	}
	machine := cfg.Machine
	if machine == "" {
		machine = randomMachineName()
	}

	req, err := NewRequest(product, cmid, machine, time.Now())
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(cfg.Timeout))

	return Exchange(conn, req)
}

// Exchange runs the bind plus one activation request over an established
// connection.
func Exchange(conn net.Conn, req *kms.Request) (*kms.Response, error) {
	if err := Bind(conn, 1); err != nil {
		return nil, err
	}
	return Activate(conn, req, 2)
}

// Bind negotiates the KMS interface over NDR32.
func Bind(conn net.Conn, callID uint32) error {
	if _, err := conn.Write(rpc.BuildBind(callID, rpc.KMSContexts())); err != nil {
		return fmt.Errorf("client: send bind: %w", err)
	}
	pdu, err := RecvPDU(conn)
	if err != nil {
		return fmt.Errorf("client: receive bind ack: %w", err)
	}
	h, err := rpc.ParseHeader(pdu)
	if err != nil {
		return err
	}
	if h.Ptype != rpc.PtypeBindAck {
		return fmt.Errorf("client: expected bind ack, got PDU type 0x%02x", h.Ptype)
	}
	body, err := rpc.Body(h, pdu)
	if err != nil {
		return err
	}
	results, err := rpc.ParseBindAck(body)
	if err != nil {
		return err
	}
	if !rpc.Accepted(results) {
		return fmt.Errorf("client: server rejected every presentation context")
	}
	return nil
}

// Activate sends one sealed request and opens the response.
func Activate(conn net.Conn, req *kms.Request, callID uint32) (*kms.Response, error) {
	env, err := kms.SealRequest(req, rand.Reader)
	if err != nil {
		return nil, err
	}
	out := rpc.BuildRequest(callID, 0, 0, rpc.WrapStub(env))
	if _, err := conn.Write(out); err != nil {
		return nil, fmt.Errorf("client: send request: %w", err)
	}

	pdu, err := RecvPDU(conn)
	if err != nil {
		return nil, fmt.Errorf("client: receive response: %w", err)
	}
	h, err := rpc.ParseHeader(pdu)
	if err != nil {
		return nil, err
	}
	switch h.Ptype {
	case rpc.PtypeResponse:
	case rpc.PtypeFault:
		status, _ := rpc.FaultStatus(pdu)
		return nil, fmt.Errorf("client: server fault, status %#08x", status)
	default:
		return nil, fmt.Errorf("client: unexpected PDU type 0x%02x", h.Ptype)
	}

	resp, err := rpc.ParseResponse(pdu)
	if err != nil {
		return nil, err
	}
	stub, err := rpc.UnwrapStub(resp.Stub)
	if err != nil {
		return nil, err
	}

	opened, err := kms.OpenResponse(stub, req.RequestTime)
	if err != nil {
		return nil, err
	}
	if opened.ClientMachineID != req.ClientMachineID {
		return nil, fmt.Errorf("client: response for foreign machine id %s", opened.ClientMachineID)
	}
	if opened.Version != req.Version {
		return nil, fmt.Errorf("client: response version %#08x for request %#08x", opened.Version, req.Version)
	}
	return opened, nil
}

// RecvPDU reads exactly one PDU from conn, using the frag_length field of
// the common header.
func RecvPDU(conn net.Conn) ([]byte, error) {
	head := make([]byte, rpc.HeaderSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, err
	}
	fragLen := binary.LittleEndian.Uint16(head[8:10])
	if int(fragLen) <= rpc.HeaderSize {
		return head, nil
	}
	pdu := make([]byte, fragLen)
	copy(pdu, head)
	if _, err := io.ReadFull(conn, pdu[rpc.HeaderSize:]); err != nil {
		return nil, err
	}
	return pdu, nil
}

func randomMachineName() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "KMSCLIENT"
	}
	var sb strings.Builder
	for _, v := range b[:8+int(b[8])%5] {
		sb.WriteByte(chars[int(v)%len(chars)])
	}
	return sb.String()
}
