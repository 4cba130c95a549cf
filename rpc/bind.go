package rpc

import (
	"fmt"

	"github.com/qvint/kmsd/wire"
)

// TransferSyntax is one (uuid, version) pair offered for a presentation
// context.
type TransferSyntax struct {
	ID      wire.GUID
	Version uint32
}

// ContextElem is one presentation context from a Bind: an abstract syntax
// plus the transfer syntaxes the client offers for it.
type ContextElem struct {
	ContextID uint16
	Abstract  TransferSyntax
	Transfers []TransferSyntax
}

// Bind is a decoded Bind PDU body.
type Bind struct {
	MaxXmitFrag uint16
	MaxRecvFrag uint16
	AssocGroup  uint32
	Contexts    []ContextElem
}

// ContextResult is the server's verdict on one offered context.
type ContextResult struct {
	Result   uint16
	Reason   uint16
	Transfer TransferSyntax
}

// ParseBind decodes a Bind PDU body (everything after the common header).
// Context elements may carry more than one transfer syntax each.
func ParseBind(body []byte) (*Bind, error) {
	r := wire.NewReader(body)
	b := &Bind{}
	var err error
	if b.MaxXmitFrag, err = r.U16(); err != nil {
		return nil, err
	}
	if b.MaxRecvFrag, err = r.U16(); err != nil {
		return nil, err
	}
	if b.AssocGroup, err = r.U32(); err != nil {
		return nil, err
	}
	ctxNum, err := r.U8()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(3); err != nil { // reserved
		return nil, err
	}

	for i := 0; i < int(ctxNum); i++ {
		var elem ContextElem
		if elem.ContextID, err = r.U16(); err != nil {
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		transItems, err := r.U8()
		if err != nil {
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		if err := r.Skip(1); err != nil { // reserved
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		if elem.Abstract.ID, err = r.GUID(); err != nil {
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		if elem.Abstract.Version, err = r.U32(); err != nil {
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
		if transItems == 0 {
			return nil, fmt.Errorf("%w: context %d offers no transfer syntax", wire.ErrMalformedField, i)
		}
		for j := 0; j < int(transItems); j++ {
			var ts TransferSyntax
			if ts.ID, err = r.GUID(); err != nil {
				return nil, fmt.Errorf("context %d transfer %d: %w", i, j, err)
			}
			if ts.Version, err = r.U32(); err != nil {
				return nil, fmt.Errorf("context %d transfer %d: %w", i, j, err)
			}
			elem.Transfers = append(elem.Transfers, ts)
		}
		b.Contexts = append(b.Contexts, elem)
	}
	return b, nil
}

// Negotiate evaluates every offered context. A context is accepted when its
// abstract syntax is the KMS interface v1.0 and it offers NDR32 v2.0; all
// others are rejected by the provider.
func (b *Bind) Negotiate() []ContextResult {
	results := make([]ContextResult, len(b.Contexts))
	for i, elem := range b.Contexts {
		results[i] = ContextResult{
			Result: ResultProviderRejection,
			Reason: ResultProviderRejection,
		}
		if elem.Abstract.ID != KMSInterface || elem.Abstract.Version != KMSInterfaceVersion {
			continue
		}
		for _, ts := range elem.Transfers {
			if ts.ID == NDR32 && ts.Version == NDR32Version {
				results[i] = ContextResult{
					Result:   ResultAcceptance,
					Transfer: TransferSyntax{ID: NDR32, Version: NDR32Version},
				}
				break
			}
		}
	}
	return results
}

// Accepted reports whether any offered context negotiated successfully.
func Accepted(results []ContextResult) bool {
	for _, res := range results {
		if res.Result == ResultAcceptance {
			return true
		}
	}
	return false
}

// secondaryAddr is the endpoint echoed in every BindAck. The KMS service
// reports the epmapper port regardless of the port it listens on.
const secondaryAddr = "135"

// BuildBindAck emits the BindAck answering a Bind. assocGroup must be
// non-zero: either the incoming group or a freshly allocated one.
func BuildBindAck(h Header, bind *Bind, assocGroup uint32, results []ContextResult) []byte {
	b := wire.NewBuilder()
	// Header is patched with the final frag length below.
	newHeader(PtypeBindAck, FlagFirstFrag|FlagLastFrag, 0, h.CallID).append(b)

	b.U16(bind.MaxXmitFrag)
	b.U16(bind.MaxRecvFrag)
	b.U32(assocGroup)

	addrLen := len(secondaryAddr) + 1
	b.U16(uint16(addrLen))
	b.Bytes([]byte(secondaryAddr))
	b.U8(0)
	// Pad the variable-length address so the result list lands 4-aligned.
	if pad := (4 - b.Len()%4) % 4; pad > 0 {
		b.Zero(pad)
	}

	b.U8(uint8(len(results)))
	b.Zero(3) // reserved
	for _, res := range results {
		b.U16(res.Result)
		b.U16(res.Reason)
		b.GUID(res.Transfer.ID)
		b.U32(res.Transfer.Version)
	}

	out := b.Out()
	patchFragLen(out)
	return out
}

// BuildBind emits a client-side Bind offering the given presentation
// contexts (KMSContexts for the KMS interface over NDR32).
func BuildBind(callID uint32, contexts []ContextElem) []byte {
	b := wire.NewBuilder()
	newHeader(PtypeBind, FlagFirstFrag|FlagLastFrag, 0, callID).append(b)

	b.U16(5840) // max_xmit_frag
	b.U16(5840) // max_recv_frag
	b.U32(0)    // assoc_group: ask the server to allocate
	b.U8(uint8(len(contexts)))
	b.Zero(3)
	for _, elem := range contexts {
		b.U16(elem.ContextID)
		b.U8(uint8(len(elem.Transfers)))
		b.Zero(1)
		b.GUID(elem.Abstract.ID)
		b.U32(elem.Abstract.Version)
		for _, ts := range elem.Transfers {
			b.GUID(ts.ID)
			b.U32(ts.Version)
		}
	}

	out := b.Out()
	patchFragLen(out)
	return out
}

// KMSContexts is the context list a KMS client offers.
func KMSContexts() []ContextElem {
	return []ContextElem{{
		ContextID: 0,
		Abstract:  TransferSyntax{ID: KMSInterface, Version: KMSInterfaceVersion},
		Transfers: []TransferSyntax{{ID: NDR32, Version: NDR32Version}},
	}}
}

// ParseBindAck decodes enough of a BindAck to validate negotiation: it
// returns the per-context results.
func ParseBindAck(body []byte) ([]ContextResult, error) {
	r := wire.NewReader(body)
	if err := r.Skip(8); err != nil { // max frags, assoc group
		return nil, err
	}
	addrLen, err := r.U16()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(int(addrLen)); err != nil {
		return nil, err
	}
	if pad := (4 - (2+int(addrLen))%4) % 4; pad > 0 {
		if err := r.Skip(pad); err != nil {
			return nil, err
		}
	}
	count, err := r.U8()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(3); err != nil {
		return nil, err
	}
	results := make([]ContextResult, count)
	for i := range results {
		if results[i].Result, err = r.U16(); err != nil {
			return nil, err
		}
		if results[i].Reason, err = r.U16(); err != nil {
			return nil, err
		}
		if results[i].Transfer.ID, err = r.GUID(); err != nil {
			return nil, err
		}
		if results[i].Transfer.Version, err = r.U32(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// patchFragLen writes the final length into a marshaled PDU's frag_length
// slot (offset 8).
func patchFragLen(pdu []byte) {
	pdu[8] = byte(len(pdu))
	pdu[9] = byte(len(pdu) >> 8)
}
