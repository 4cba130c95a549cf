// Package wire implements the primitive byte codec shared by the RPC and KMS
// layers: fixed-width integers, mixed-endian GUIDs, Windows filetimes and
// NUL-padded fixed-width strings.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

var (
	// ErrShortBuffer reports a read past the end of the input slice.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrMalformedField reports a field that decoded but violated its format,
	// such as non-zero bytes after the NUL terminator of a padded string.
	ErrMalformedField = errors.New("wire: malformed field")
)

// Reader consumes a byte slice front to back. It never copies the underlying
// data except where a decoded value requires it.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Consumed returns the number of bytes read so far.
func (r *Reader) Consumed() int { return r.off }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())
	}
	return nil
}

func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) U16BE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) U32BE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) U64BE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// Bytes returns a copy of the next n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += n
	return out, nil
}

// Skip advances past n bytes without decoding them.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.off += n
	return nil
}

func (r *Reader) GUID() (GUID, error) {
	var g GUID
	if err := r.need(16); err != nil {
		return g, err
	}
	copy(g[:], r.buf[r.off:])
	r.off += 16
	return g, nil
}

// Filetime reads a Windows 64-bit timestamp (100-ns ticks since 1601-01-01).
func (r *Reader) Filetime() (uint64, error) {
	return r.U64()
}

// FixedUTF16 reads a NUL-padded UTF-16LE field occupying exactly nbytes.
// The decoded string stops at the first NUL code unit; every byte after it up
// to the field width must be zero or the field is rejected as malformed.
func (r *Reader) FixedUTF16(nbytes int) (string, error) {
	if nbytes%2 != 0 {
		return "", fmt.Errorf("%w: UTF-16 field width %d is odd", ErrMalformedField, nbytes)
	}
	if err := r.need(nbytes); err != nil {
		return "", err
	}
	raw := r.buf[r.off : r.off+nbytes]
	r.off += nbytes

	units := make([]uint16, nbytes/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	end := len(units)
	for i, u := range units {
		if u == 0 {
			end = i
			break
		}
	}
	for _, u := range units[end:] {
		if u != 0 {
			return "", fmt.Errorf("%w: non-zero pad after NUL in UTF-16 field", ErrMalformedField)
		}
	}
	return string(utf16.Decode(units[:end])), nil
}

// FixedASCII reads a NUL-padded ASCII field occupying exactly nbytes, with the
// same trailing-pad validation as FixedUTF16.
func (r *Reader) FixedASCII(nbytes int) (string, error) {
	if err := r.need(nbytes); err != nil {
		return "", err
	}
	raw := r.buf[r.off : r.off+nbytes]
	r.off += nbytes

	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	for _, b := range raw[end:] {
		if b != 0 {
			return "", fmt.Errorf("%w: non-zero pad after NUL in ASCII field", ErrMalformedField)
		}
	}
	return string(raw[:end]), nil
}

// Builder appends wire-encoded values to a growing buffer.
type Builder struct {
	buf []byte
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Len() int { return len(b.buf) }

// Out returns the accumulated bytes. The builder must not be reused after.
func (b *Builder) Out() []byte { return b.buf }

func (b *Builder) U8(v uint8)   { b.buf = append(b.buf, v) }
func (b *Builder) U16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }
func (b *Builder) U32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *Builder) U64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }

func (b *Builder) U16BE(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }
func (b *Builder) U32BE(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }
func (b *Builder) U64BE(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

func (b *Builder) Bytes(p []byte) { b.buf = append(b.buf, p...) }

func (b *Builder) GUID(g GUID) { b.buf = append(b.buf, g[:]...) }

func (b *Builder) Filetime(ft uint64) { b.U64(ft) }

// Zero appends n zero bytes.
func (b *Builder) Zero(n int) {
	b.buf = append(b.buf, make([]byte, n)...)
}

// FixedUTF16 encodes s as UTF-16LE and NUL-pads it to exactly nbytes.
func (b *Builder) FixedUTF16(s string, nbytes int) error {
	enc := EncodeUTF16LE(s)
	if len(enc)+2 > nbytes {
		return fmt.Errorf("%w: string needs %d bytes, field holds %d", ErrMalformedField, len(enc)+2, nbytes)
	}
	b.Bytes(enc)
	b.Zero(nbytes - len(enc))
	return nil
}

// EncodeUTF16LE encodes a string to UTF-16LE bytes without a terminator.
func EncodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// DecodeUTF16LE decodes UTF-16LE bytes, trimming trailing NUL units.
func DecodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}
