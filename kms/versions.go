package kms

import (
	"bytes"
	"fmt"
	"io"

	"github.com/qvint/kmsd/crypto"
	"github.com/qvint/kmsd/wire"
)

// The KMS payload exchanged over the RPC stub is a version envelope: a
// 32-bit version word followed by the version-specific payload. V4 carries
// the body in the clear with a 16-byte chained-AES authenticator; V5 and V6
// carry a 16-byte IV and the CBC ciphertext of the padded body.

const hashSize = 16

// OpenRequest authenticates and decodes a request envelope.
func OpenRequest(data []byte) (*Request, error) {
	r := wire.NewReader(data)
	version, err := r.U32()
	if err != nil {
		return nil, err
	}
	payload := data[r.Consumed():]

	switch version >> 16 {
	case 4:
		return openV4Request(version, payload)
	case 5:
		return openV5V6Request(version, payload, false)
	case 6:
		return openV5V6Request(version, payload, true)
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, version)
	}
}

func openV4Request(version uint32, payload []byte) (*Request, error) {
	if len(payload) < hashSize {
		return nil, fmt.Errorf("%w: V4 payload of %d bytes", wire.ErrShortBuffer, len(payload))
	}
	body := payload[:len(payload)-hashSize]
	tag := payload[len(payload)-hashSize:]
	if !bytes.Equal(crypto.RequestHash(body), tag) {
		return nil, fmt.Errorf("%w: V4 hash mismatch", ErrAuthFailure)
	}

	req, err := ParseRequest(body)
	if err != nil {
		return nil, err
	}
	if req.Version != version {
		return nil, fmt.Errorf("%w: body version %#08x under envelope %#08x", wire.ErrMalformedField, req.Version, version)
	}
	return req, nil
}

func openV5V6Request(version uint32, payload []byte, v6 bool) (*Request, error) {
	if len(payload) < 32 || len(payload)%16 != 0 {
		return nil, fmt.Errorf("%w: V5/V6 payload of %d bytes", wire.ErrShortBuffer, len(payload))
	}
	iv := payload[:16]
	plain, err := crypto.DecryptCBC(payload[16:], iv, v6)
	if err != nil {
		return nil, err
	}
	body, err := crypto.Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptMismatch, err)
	}

	// Fidelity check before full parsing: the inner version word must
	// agree with the envelope, or the ciphertext did not decrypt under
	// this version's key.
	inner, err := wire.NewReader(body).U32()
	if err != nil {
		return nil, err
	}
	if inner != version {
		return nil, fmt.Errorf("%w: inner %#08x, envelope %#08x", ErrDecryptMismatch, inner, version)
	}
	return ParseRequest(body)
}

// SealRequest builds the client-side request envelope.
func SealRequest(req *Request, rng io.Reader) ([]byte, error) {
	body, err := req.Marshal()
	if err != nil {
		return nil, err
	}

	b := wire.NewBuilder()
	b.U32(req.Version)

	switch req.Major() {
	case 4:
		b.Bytes(body)
		b.Bytes(crypto.RequestHash(body))
	case 5, 6:
		iv, err := crypto.Salt(rng)
		if err != nil {
			return nil, err
		}
		ct, err := crypto.EncryptCBC(crypto.Pad(body), iv, req.Major() == 6)
		if err != nil {
			return nil, err
		}
		b.Bytes(iv)
		b.Bytes(ct)
	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, req.Version)
	}
	return b.Out(), nil
}

// SealResponse builds the server-side response envelope. For V5 and V6 a
// fresh salt doubles as the CBC IV and the echoed randomSalt field; V6
// additionally appends the hardware id and the HMAC-SHA256 trailer keyed off
// the salt and the client's request time.
func SealResponse(resp *Response, req *Request, rng io.Reader) ([]byte, error) {
	b := wire.NewBuilder()
	b.U32(resp.Version)

	switch resp.Major() {
	case 4:
		core := resp.marshalCore()
		b.Bytes(core)
		b.Bytes(crypto.RequestHash(core))

	case 5, 6:
		salt, err := crypto.Salt(rng)
		if err != nil {
			return nil, err
		}
		copy(resp.RandomSalt[:], salt)

		body := wire.NewBuilder()
		body.Bytes(resp.marshalCore())
		body.Bytes(salt)
		if resp.Major() == 6 {
			body.Bytes(resp.HWID[:])
			macKey := crypto.ResponseMACKey(salt, req.RequestTime)
			tag := crypto.ResponseHMAC(macKey, body.Out())
			copy(resp.HMAC[:], tag)
			body.Bytes(tag)
		}

		ct, err := crypto.EncryptCBC(crypto.Pad(body.Out()), salt, resp.Major() == 6)
		if err != nil {
			return nil, err
		}
		b.Bytes(salt)
		b.Bytes(ct)

	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, resp.Version)
	}
	return b.Out(), nil
}

// OpenResponse decodes and verifies a response envelope (the client side).
func OpenResponse(data []byte, requestTime uint64) (*Response, error) {
	r := wire.NewReader(data)
	version, err := r.U32()
	if err != nil {
		return nil, err
	}
	payload := data[r.Consumed():]

	switch version >> 16 {
	case 4:
		if len(payload) < hashSize {
			return nil, fmt.Errorf("%w: V4 payload of %d bytes", wire.ErrShortBuffer, len(payload))
		}
		body := payload[:len(payload)-hashSize]
		tag := payload[len(payload)-hashSize:]
		if !bytes.Equal(crypto.RequestHash(body), tag) {
			return nil, fmt.Errorf("%w: V4 response hash mismatch", ErrAuthFailure)
		}
		return parseVersioned(body, version)

	case 5, 6:
		v6 := version>>16 == 6
		if len(payload) < 32 || (len(payload)-16)%16 != 0 {
			return nil, fmt.Errorf("%w: V5/V6 payload of %d bytes", wire.ErrShortBuffer, len(payload))
		}
		salt := payload[:16]
		plain, err := crypto.DecryptCBC(payload[16:], salt, v6)
		if err != nil {
			return nil, err
		}
		body, err := crypto.Unpad(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptMismatch, err)
		}
		resp, err := parseVersioned(body, version)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(resp.RandomSalt[:], salt) {
			return nil, fmt.Errorf("%w: response salt echo mismatch", ErrDecryptMismatch)
		}
		if v6 {
			macKey := crypto.ResponseMACKey(salt, requestTime)
			if !crypto.VerifyHMAC(macKey, body[:len(body)-32], resp.HMAC[:]) {
				return nil, fmt.Errorf("%w: V6 response HMAC mismatch", ErrAuthFailure)
			}
		}
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownVersion, version)
	}
}

func parseVersioned(body []byte, version uint32) (*Response, error) {
	resp, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}
	if resp.Version != version {
		return nil, fmt.Errorf("%w: inner %#08x, envelope %#08x", ErrDecryptMismatch, resp.Version, version)
	}
	return resp, nil
}
