package kms

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Identity is the stable server-side state threaded through the dispatcher:
// the hardware id, the optional fixed EPID and the process CSPRNG. It is
// read-only after construction.
type Identity struct {
	HWID [8]byte
	EPID string
	LCID int

	// Rand supplies every salt, IV and randomized EPID field. It must be
	// a CSPRNG and safe for concurrent readers.
	Rand io.Reader
}

// NewIdentity resolves the configured HWID and EPID override. The HWID is
// either 16 hex characters or the literal "random", which draws 8 bytes from
// rng once and retains them for the process lifetime.
func NewIdentity(cfg *Config, rng io.Reader) (*Identity, error) {
	id := &Identity{EPID: cfg.EPID, LCID: cfg.LCID, Rand: rng}
	if id.LCID == 0 {
		id.LCID = 1033
	}

	hwid := strings.TrimPrefix(cfg.HWID, "0x")
	if strings.EqualFold(hwid, "random") {
		if _, err := io.ReadFull(rng, id.HWID[:]); err != nil {
			return nil, fmt.Errorf("kms: drawing random hwid: %w", err)
		}
		return id, nil
	}

	raw, err := hex.DecodeString(hwid)
	if err != nil || len(raw) != 8 {
		return nil, fmt.Errorf("kms: hwid %q must be 16 hex characters", cfg.HWID)
	}
	copy(id.HWID[:], raw)
	return id, nil
}
