package kms

import (
	"context"
	"log/slog"
	"time"

	"github.com/qvint/kmsd/logger"
	"github.com/qvint/kmsd/store"
	"github.com/qvint/kmsd/wire"
)

// Dispatcher turns decoded KMS request payloads into response payloads. It
// is stateless given its collaborators: the identity is read-only, and all
// cross-request state lives behind the Store.
type Dispatcher struct {
	Identity *Identity
	Config   *Config
	Store    store.Store // optional; nil disables history

	// now is stubbed in tests.
	now func() time.Time
}

func NewDispatcher(id *Identity, cfg *Config, st store.Store) *Dispatcher {
	return &Dispatcher{Identity: id, Config: cfg, Store: st, now: time.Now}
}

// Dispatch processes one request envelope and returns the response envelope.
// Errors map to the caller's fault/close policy: ErrUnknownVersion warrants
// a Fault, ErrAuthFailure and ErrDecryptMismatch close the connection
// without a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) ([]byte, error) {
	req, err := OpenRequest(data)
	if err != nil {
		return nil, err
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "activation request",
		slog.String("machine_name", req.MachineName),
		slog.String("client_machine_id", req.ClientMachineID.String()),
		slog.String("application_id", req.ApplicationID.String()),
		slog.String("sku_id", req.SKUID.String()),
		slog.String("license_status", LicenseStates[req.LicenseStatus]),
		slog.Uint64("required_count", uint64(req.RequiredClientCount)),
		slog.Time("request_time", wire.FiletimeToTime(req.RequestTime)))

	d.record(ctx, req)

	now := d.now().UTC()
	epid, err := d.Identity.EPIDFor(req.ApplicationID, now)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Version:              req.Version,
		ClientMachineID:      req.ClientMachineID,
		ResponseTime:         req.RequestTime,
		CurrentClientCount:   d.clientCount(req.RequiredClientCount),
		VLActivationInterval: uint32(d.Config.ActivationInterval),
		VLRenewalInterval:    uint32(d.Config.RenewalInterval),
		EPID:                 epid,
		HWID:                 d.Identity.HWID,
	}
	return SealResponse(resp, req, d.Identity.Rand)
}

// record persists the client history. Persistence is advisory: activation
// never fails because a history write did.
func (d *Dispatcher) record(ctx context.Context, req *Request) {
	if d.Store == nil {
		return
	}
	err := d.Store.Upsert(ctx, store.ClientRecord{
		ClientMachineID: req.ClientMachineID,
		ApplicationID:   req.ApplicationID,
		SKUID:           req.SKUID,
		LicenseStatus:   req.LicenseStatus,
		LastActivation:  req.RequestTime,
		MachineName:     req.MachineName,
	})
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelWarn, "client history write failed", slog.Any("error", err))
	}
}

// clientCount computes the activated-machine count reported to a client:
// at least one above the client's threshold, capped by the configured
// ceiling.
func (d *Dispatcher) clientCount(required uint32) uint32 {
	count := uint32(d.Config.ClientCount)
	if required+1 > count {
		count = required + 1
	}
	if max := uint32(d.Config.MaxClients); max > 0 && count > max {
		count = max
	}
	return count
}
