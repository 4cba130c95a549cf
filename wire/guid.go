package wire

import (
	"github.com/google/uuid"
)

// GUID is a 128-bit identifier in its wire layout: Data1/2/3 little-endian,
// Data4 as-is. All GUID fields in both the RPC and KMS layers use this order.
type GUID [16]byte

// swapGUID converts between RFC 4122 byte order and the wire layout. The
// transform is its own inverse.
func swapGUID(in [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	out[4], out[5] = in[5], in[4]
	out[6], out[7] = in[7], in[6]
	copy(out[8:], in[8:])
	return out
}

// ParseGUID parses a canonical UUID string into wire order.
func ParseGUID(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, err
	}
	return GUID(swapGUID(u)), nil
}

// MustGUID is ParseGUID for compile-time constants.
func MustGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

// RandomGUID draws a version 4 UUID and returns it in wire order.
func RandomGUID() GUID {
	return GUID(swapGUID(uuid.New()))
}

// UUID returns the RFC 4122 form.
func (g GUID) UUID() uuid.UUID {
	return uuid.UUID(swapGUID(g))
}

func (g GUID) String() string {
	return g.UUID().String()
}

// IsZero reports whether every byte is zero (the nil GUID).
func (g GUID) IsZero() bool {
	return g == GUID{}
}
