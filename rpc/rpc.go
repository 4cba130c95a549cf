// Package rpc implements the connection-oriented DCE/RPC 5.0 subset the KMS
// activation interface uses: Bind/BindAck with presentation-context
// negotiation, Request/Response with fragmentation, and Fault.
package rpc

import (
	"errors"
	"fmt"

	"github.com/qvint/kmsd/wire"
)

// PDU types.
const (
	PtypeRequest  = 0x00
	PtypeResponse = 0x02
	PtypeFault    = 0x03
	PtypeBind     = 0x0B
	PtypeBindAck  = 0x0C
	PtypeBindNak  = 0x0D
	PtypeAlterCtx = 0x0E
	PtypeShutdown = 0x11
)

// PFC flags.
const (
	FlagFirstFrag  = 0x01
	FlagLastFrag   = 0x02
	FlagConcMpx    = 0x10
	FlagObjectUUID = 0x80
)

// Presentation context negotiation results.
const (
	ResultAcceptance        = 0
	ResultUserRejection     = 1
	ResultProviderRejection = 2
)

// NCA status codes carried in Fault PDUs.
const (
	StatusOpRngError = 0x1C010002
	StatusProtoError = 0x1C01000B
)

// dataRepresentation is little-endian integers, ASCII characters, IEEE
// floats.
const dataRepresentation = 0x00000010

// Syntax identifiers for the KMS activation service.
var (
	// KMSInterface is the abstract syntax the host exposes, version 1.0.
	KMSInterface = wire.MustGUID("51C82175-844E-4750-B0D8-EC255555BC06")
	// NDR32 is the sole transfer syntax accepted, version 2.0.
	NDR32 = wire.MustGUID("8A885D04-1CEB-11C9-9FE8-08002B104860")
)

const (
	KMSInterfaceVersion = 1
	NDR32Version        = 2
)

var (
	// ErrUnknownOpnum reports a Request for an operation the interface does
	// not implement; the caller answers with a Fault and keeps the
	// connection open.
	ErrUnknownOpnum = errors.New("rpc: unknown operation number")
	// ErrDesync reports framing damage that leaves the byte stream
	// unparseable; the only recovery is closing the connection.
	ErrDesync = errors.New("rpc: connection desynchronized")
)

// HeaderSize is the fixed common header length.
const HeaderSize = 16

// Header is the common prefix of every connection-oriented PDU.
type Header struct {
	VerMajor       uint8
	VerMinor       uint8
	Ptype          uint8
	Flags          uint8
	Representation uint32
	FragLen        uint16
	AuthLen        uint16
	CallID         uint32
}

// ParseHeader decodes the 16-byte common header.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	r := wire.NewReader(data)
	var err error
	if h.VerMajor, err = r.U8(); err != nil {
		return h, err
	}
	if h.VerMinor, err = r.U8(); err != nil {
		return h, err
	}
	if h.Ptype, err = r.U8(); err != nil {
		return h, err
	}
	if h.Flags, err = r.U8(); err != nil {
		return h, err
	}
	if h.Representation, err = r.U32(); err != nil {
		return h, err
	}
	if h.FragLen, err = r.U16(); err != nil {
		return h, err
	}
	if h.AuthLen, err = r.U16(); err != nil {
		return h, err
	}
	if h.CallID, err = r.U32(); err != nil {
		return h, err
	}
	if h.VerMajor != 5 || h.VerMinor != 0 {
		return h, fmt.Errorf("%w: RPC version %d.%d", ErrDesync, h.VerMajor, h.VerMinor)
	}
	if int(h.FragLen) < HeaderSize {
		return h, fmt.Errorf("%w: frag_length %d below header size", ErrDesync, h.FragLen)
	}
	return h, nil
}

func (h Header) append(b *wire.Builder) {
	b.U8(h.VerMajor)
	b.U8(h.VerMinor)
	b.U8(h.Ptype)
	b.U8(h.Flags)
	b.U32(h.Representation)
	b.U16(h.FragLen)
	b.U16(h.AuthLen)
	b.U32(h.CallID)
}

// newHeader fills the constant fields of an outgoing PDU header.
func newHeader(ptype, flags uint8, fragLen int, callID uint32) Header {
	return Header{
		VerMajor:       5,
		VerMinor:       0,
		Ptype:          ptype,
		Flags:          flags,
		Representation: dataRepresentation,
		FragLen:        uint16(fragLen),
		CallID:         callID,
	}
}

// Body returns the stub bytes of a complete PDU: everything between the
// fixed header and the auth trailer.
func Body(h Header, pdu []byte) ([]byte, error) {
	end := int(h.FragLen)
	if h.AuthLen > 0 {
		// 8-byte sec_trailer precedes the auth token.
		end -= int(h.AuthLen) + 8
	}
	if end < HeaderSize || end > len(pdu) {
		return nil, fmt.Errorf("%w: body bounds [%d:%d] in %d-byte PDU", wire.ErrShortBuffer, HeaderSize, end, len(pdu))
	}
	return pdu[HeaderSize:end], nil
}
