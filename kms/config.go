package kms

import "time"

// Config is the static configuration the protocol core consumes. Loading it
// from files or flags is the caller's concern.
type Config struct {
	// Addrs are the listen addresses. Empty host means wildcard; a
	// wildcard bind is dual-stack where the OS allows it.
	Addrs []string
	Port  int

	// Workers bounds concurrent request dispatches. Zero means
	// runtime.NumCPU.
	Workers int
	// QueueHighWater pauses the acceptors while this many dispatches are
	// waiting for a worker.
	QueueHighWater int

	// EPID, when set, is returned verbatim to every client. HWID is the
	// 8-byte server hardware id; "random" draws one at startup.
	EPID string
	HWID string
	LCID int

	// ActivationInterval and RenewalInterval are reported to clients, in
	// minutes.
	ActivationInterval int
	RenewalInterval    int

	// ClientCount is the activated-machine count reported to clients.
	// MaxClients caps the count even when a client demands more.
	ClientCount int
	MaxClients  int

	// IdleTimeout closes connections with no complete PDU activity.
	// ReadTimeout bounds the wait for the remainder of a partial PDU.
	IdleTimeout time.Duration
	ReadTimeout time.Duration
}

// DefaultConfig returns the stock server configuration: port 1688 on the
// wildcard address, a 50-machine count and the documented 2h/7d intervals.
func DefaultConfig() *Config {
	return &Config{
		Addrs:              []string{""},
		Port:               1688,
		QueueHighWater:     256,
		HWID:               "364F463A8863D35F",
		LCID:               1033,
		ActivationInterval: 120,
		RenewalInterval:    10080,
		ClientCount:        50,
		MaxClients:         1000,
		IdleTimeout:        30 * time.Second,
		ReadTimeout:        10 * time.Second,
	}
}
