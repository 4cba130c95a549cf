package rpc

import (
	"fmt"

	"github.com/qvint/kmsd/wire"
)

// requestHeadSize is the fixed part of a Request PDU: common header plus
// alloc_hint, context id and opnum.
const requestHeadSize = HeaderSize + 8

// Request is a decoded Request PDU.
type Request struct {
	Header    Header
	AllocHint uint32
	ContextID uint16
	Opnum     uint16
	Stub      []byte
}

// ParseRequest decodes a complete Request PDU.
func ParseRequest(pdu []byte) (*Request, error) {
	h, err := ParseHeader(pdu)
	if err != nil {
		return nil, err
	}
	body, err := Body(h, pdu)
	if err != nil {
		return nil, err
	}

	r := wire.NewReader(body)
	req := &Request{Header: h}
	if req.AllocHint, err = r.U32(); err != nil {
		return nil, err
	}
	if req.ContextID, err = r.U16(); err != nil {
		return nil, err
	}
	if req.Opnum, err = r.U16(); err != nil {
		return nil, err
	}
	if h.Flags&FlagObjectUUID != 0 {
		if err := r.Skip(16); err != nil {
			return nil, err
		}
	}
	req.Stub = body[r.Consumed():]
	return req, nil
}

// BuildResponse wraps a stub into one or more Response PDUs. The stub is
// split whenever a single PDU would exceed maxXmitFrag, preserving the call
// id and setting first/last fragment flags per chunk.
func BuildResponse(callID uint32, contextID uint16, stub []byte, maxXmitFrag uint16) [][]byte {
	maxStub := int(maxXmitFrag) - requestHeadSize
	if maxStub < 16 {
		maxStub = 16
	}

	var pdus [][]byte
	for off := 0; ; off += maxStub {
		end := off + maxStub
		if end > len(stub) {
			end = len(stub)
		}
		chunk := stub[off:end]

		var flags uint8
		if off == 0 {
			flags |= FlagFirstFrag
		}
		if end == len(stub) {
			flags |= FlagLastFrag
		}

		b := wire.NewBuilder()
		newHeader(PtypeResponse, flags, requestHeadSize+len(chunk), callID).append(b)
		b.U32(uint32(len(chunk))) // alloc_hint
		b.U16(contextID)
		b.U8(0) // cancel_count
		b.U8(0) // reserved
		b.Bytes(chunk)
		pdus = append(pdus, b.Out())

		if end == len(stub) {
			return pdus
		}
	}
}

// BuildRequest emits a single-fragment client Request PDU.
func BuildRequest(callID uint32, contextID uint16, opnum uint16, stub []byte) []byte {
	b := wire.NewBuilder()
	newHeader(PtypeRequest, FlagFirstFrag|FlagLastFrag, requestHeadSize+len(stub), callID).append(b)
	b.U32(uint32(len(stub))) // alloc_hint
	b.U16(contextID)
	b.U16(opnum)
	b.Bytes(stub)
	return b.Out()
}

// ParseResponse decodes a Response PDU, returning its stub fragment.
func ParseResponse(pdu []byte) (*Request, error) {
	h, err := ParseHeader(pdu)
	if err != nil {
		return nil, err
	}
	body, err := Body(h, pdu)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(body)
	resp := &Request{Header: h}
	if resp.AllocHint, err = r.U32(); err != nil {
		return nil, err
	}
	if resp.ContextID, err = r.U16(); err != nil {
		return nil, err
	}
	if err := r.Skip(2); err != nil { // cancel_count, reserved
		return nil, err
	}
	resp.Stub = body[r.Consumed():]
	return resp, nil
}

// BuildFault emits a Fault PDU carrying an NCA status.
func BuildFault(callID uint32, contextID uint16, status uint32) []byte {
	b := wire.NewBuilder()
	newHeader(PtypeFault, FlagFirstFrag|FlagLastFrag, requestHeadSize+8, callID).append(b)
	b.U32(0) // alloc_hint
	b.U16(contextID)
	b.U8(0) // cancel_count
	b.U8(0) // reserved
	b.U32(status)
	b.U32(0) // reserved2
	return b.Out()
}

// FaultStatus extracts the NCA status from a Fault PDU body.
func FaultStatus(pdu []byte) (uint32, error) {
	h, err := ParseHeader(pdu)
	if err != nil {
		return 0, err
	}
	if h.Ptype != PtypeFault {
		return 0, fmt.Errorf("rpc: PDU type 0x%02x is not a fault", h.Ptype)
	}
	body, err := Body(h, pdu)
	if err != nil {
		return 0, err
	}
	r := wire.NewReader(body)
	if err := r.Skip(8); err != nil {
		return 0, err
	}
	return r.U32()
}

// WrapStub encloses opaque bytes in the NDR conformant byte array the KMS
// opnum exchanges: a 4-byte max count, the bytes, then 4-byte alignment
// padding.
func WrapStub(data []byte) []byte {
	b := wire.NewBuilder()
	b.U32(uint32(len(data)))
	b.Bytes(data)
	if pad := (4 - len(data)%4) % 4; pad > 0 {
		b.Zero(pad)
	}
	return b.Out()
}

// UnwrapStub reverses WrapStub.
func UnwrapStub(stub []byte) ([]byte, error) {
	r := wire.NewReader(stub)
	count, err := r.U32()
	if err != nil {
		return nil, err
	}
	data, err := r.Bytes(int(count))
	if err != nil {
		return nil, err
	}
	// Anything past the padding is framing damage.
	if r.Remaining() >= 4 {
		return nil, fmt.Errorf("%w: %d trailing bytes after conformant array", wire.ErrMalformedField, r.Remaining())
	}
	return data, nil
}

// maxPendingStub bounds per-call reassembly buffers.
const maxPendingStub = 1 << 20

// Assembler reassembles fragmented Request stubs keyed by call id. A Request
// carrying both fragment flags passes straight through.
type Assembler struct {
	pending map[uint32]*Request
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[uint32]*Request)}
}

// Feed accepts one Request PDU. It returns the completed request once the
// last fragment arrives, or nil while fragments are still outstanding.
func (a *Assembler) Feed(req *Request) (*Request, error) {
	first := req.Header.Flags&FlagFirstFrag != 0
	last := req.Header.Flags&FlagLastFrag != 0

	switch {
	case first && last:
		return req, nil
	case first:
		if _, dup := a.pending[req.Header.CallID]; dup {
			return nil, fmt.Errorf("%w: duplicate first fragment for call %d", ErrDesync, req.Header.CallID)
		}
		stub := make([]byte, len(req.Stub))
		copy(stub, req.Stub)
		req.Stub = stub
		a.pending[req.Header.CallID] = req
		return nil, nil
	default:
		head, ok := a.pending[req.Header.CallID]
		if !ok {
			return nil, fmt.Errorf("%w: continuation for unknown call %d", ErrDesync, req.Header.CallID)
		}
		if len(head.Stub)+len(req.Stub) > maxPendingStub {
			delete(a.pending, req.Header.CallID)
			return nil, fmt.Errorf("%w: reassembled stub exceeds %d bytes", ErrDesync, maxPendingStub)
		}
		head.Stub = append(head.Stub, req.Stub...)
		if !last {
			return nil, nil
		}
		delete(a.pending, req.Header.CallID)
		head.Header.Flags |= FlagFirstFrag | FlagLastFrag
		return head, nil
	}
}
