// Package kms implements the KMS activation message layer: the request and
// response codecs, the V4/V5/V6 cryptographic wrappings, EPID synthesis and
// the request dispatcher.
package kms

import (
	"errors"
	"fmt"

	"github.com/qvint/kmsd/wire"
)

var (
	// ErrUnknownVersion reports a request whose protocol version is not 4,
	// 5 or 6.
	ErrUnknownVersion = errors.New("kms: unknown protocol version")
	// ErrAuthFailure reports a V4 hash or V6 HMAC mismatch. Connections
	// failing authentication are closed without a reply.
	ErrAuthFailure = errors.New("kms: request authentication failed")
	// ErrDecryptMismatch reports a V5/V6 request whose decrypted version
	// field disagrees with the envelope.
	ErrDecryptMismatch = errors.New("kms: decrypted version mismatch")
)

// Protocol versions as the 32-bit wire value major<<16|minor.
const (
	V4 = uint32(4 << 16)
	V5 = uint32(5 << 16)
	V6 = uint32(6 << 16)
)

// Request body sizes.
const (
	requestSizeV4V5 = 236
	requestSizeV6   = 244

	// machineNameBytes is the fixed width of the machine name field:
	// 63 UTF-16 code units plus the terminator.
	machineNameBytes = 128
	// MaxMachineName is the longest client machine name the codec accepts.
	MaxMachineName = 63
)

// Request is a decoded activation request.
type Request struct {
	Version                 uint32
	IsClientVM              uint32
	LicenseStatus           uint32
	GraceTime               uint32
	ApplicationID           wire.GUID
	SKUID                   wire.GUID
	KMSCountedID            wire.GUID
	ClientMachineID         wire.GUID
	RequiredClientCount     uint32
	RequestTime             uint64
	PreviousClientMachineID wire.GUID
	MachineName             string
	HWInfo                  [8]byte // V6 only
}

// Major returns the protocol major version.
func (r *Request) Major() uint16 { return uint16(r.Version >> 16) }

// LicenseStates names the client licenseStatus values for logging.
var LicenseStates = map[uint32]string{
	0: "Unlicensed",
	1: "Activated",
	2: "Grace Period",
	3: "Out-of-Tolerance Grace Period",
	4: "Non-Genuine Grace Period",
	5: "Notifications Mode",
	6: "Extended Grace Period",
}

// ParseRequest decodes a request body. V6 bodies carry a trailing 8-byte
// hardware info block; V4 and V5 end at the machine name.
func ParseRequest(data []byte) (*Request, error) {
	r := wire.NewReader(data)
	req := &Request{}
	var err error
	if req.Version, err = r.U32(); err != nil {
		return nil, err
	}
	if req.IsClientVM, err = r.U32(); err != nil {
		return nil, err
	}
	if req.LicenseStatus, err = r.U32(); err != nil {
		return nil, err
	}
	if req.GraceTime, err = r.U32(); err != nil {
		return nil, err
	}
	if req.ApplicationID, err = r.GUID(); err != nil {
		return nil, err
	}
	if req.SKUID, err = r.GUID(); err != nil {
		return nil, err
	}
	if req.KMSCountedID, err = r.GUID(); err != nil {
		return nil, err
	}
	if req.ClientMachineID, err = r.GUID(); err != nil {
		return nil, err
	}
	if req.RequiredClientCount, err = r.U32(); err != nil {
		return nil, err
	}
	if req.RequestTime, err = r.Filetime(); err != nil {
		return nil, err
	}
	if req.PreviousClientMachineID, err = r.GUID(); err != nil {
		return nil, err
	}
	if req.MachineName, err = r.FixedUTF16(machineNameBytes); err != nil {
		return nil, err
	}

	switch req.Major() {
	case 4, 5:
	case 6:
		hw, err := r.Bytes(8)
		if err != nil {
			return nil, err
		}
		copy(req.HWInfo[:], hw)
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, req.Version)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after V%d request", wire.ErrMalformedField, r.Remaining(), req.Major())
	}
	return req, nil
}

// Marshal encodes the request body.
func (r *Request) Marshal() ([]byte, error) {
	b := wire.NewBuilder()
	b.U32(r.Version)
	b.U32(r.IsClientVM)
	b.U32(r.LicenseStatus)
	b.U32(r.GraceTime)
	b.GUID(r.ApplicationID)
	b.GUID(r.SKUID)
	b.GUID(r.KMSCountedID)
	b.GUID(r.ClientMachineID)
	b.U32(r.RequiredClientCount)
	b.Filetime(r.RequestTime)
	b.GUID(r.PreviousClientMachineID)
	if err := b.FixedUTF16(r.MachineName, machineNameBytes); err != nil {
		return nil, err
	}
	if r.Major() == 6 {
		b.Bytes(r.HWInfo[:])
	}
	return b.Out(), nil
}

// Response is a decoded activation response. RandomSalt is meaningful for V5
// and V6; HWID and HMAC only for V6.
type Response struct {
	Version              uint32
	ClientMachineID      wire.GUID
	ResponseTime         uint64
	CurrentClientCount   uint32
	VLActivationInterval uint32
	VLRenewalInterval    uint32
	EPID                 string
	RandomSalt           [16]byte
	HWID                 [8]byte
	HMAC                 [32]byte
}

// Major returns the protocol major version.
func (r *Response) Major() uint16 { return uint16(r.Version >> 16) }

// marshalCore encodes the fields shared by every version, through the EPID.
func (r *Response) marshalCore() []byte {
	epid := wire.EncodeUTF16LE(r.EPID)
	pidSize := len(epid) + 2 // UTF-16 terminator included

	b := wire.NewBuilder()
	b.U32(r.Version)
	b.GUID(r.ClientMachineID)
	b.Filetime(r.ResponseTime)
	b.U32(r.CurrentClientCount)
	b.U32(r.VLActivationInterval)
	b.U32(r.VLRenewalInterval)
	b.U16(uint16(pidSize))
	b.Bytes(epid)
	b.Zero(2)
	return b.Out()
}

// ParseResponse decodes a response body (the plaintext for V5/V6).
func ParseResponse(data []byte) (*Response, error) {
	r := wire.NewReader(data)
	resp := &Response{}
	var err error
	if resp.Version, err = r.U32(); err != nil {
		return nil, err
	}
	if resp.ClientMachineID, err = r.GUID(); err != nil {
		return nil, err
	}
	if resp.ResponseTime, err = r.Filetime(); err != nil {
		return nil, err
	}
	if resp.CurrentClientCount, err = r.U32(); err != nil {
		return nil, err
	}
	if resp.VLActivationInterval, err = r.U32(); err != nil {
		return nil, err
	}
	if resp.VLRenewalInterval, err = r.U32(); err != nil {
		return nil, err
	}
	pidSize, err := r.U16()
	if err != nil {
		return nil, err
	}
	if pidSize < 2 || pidSize%2 != 0 {
		return nil, fmt.Errorf("%w: pid size %d", wire.ErrMalformedField, pidSize)
	}
	epid, err := r.FixedUTF16(int(pidSize))
	if err != nil {
		return nil, err
	}
	resp.EPID = epid

	switch resp.Major() {
	case 4:
	case 5, 6:
		salt, err := r.Bytes(16)
		if err != nil {
			return nil, err
		}
		copy(resp.RandomSalt[:], salt)
		if resp.Major() == 6 {
			hwid, err := r.Bytes(8)
			if err != nil {
				return nil, err
			}
			copy(resp.HWID[:], hwid)
			tag, err := r.Bytes(32)
			if err != nil {
				return nil, err
			}
			copy(resp.HMAC[:], tag)
		}
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, resp.Version)
	}
	return resp, nil
}
