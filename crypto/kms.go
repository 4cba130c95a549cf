package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Per-version key material. These are the compiled-in KMS protocol constants;
// they are public, documented material, not secrets.
var (
	// v4Key is the 160-bit key driving the V4 chained-block hash.
	v4Key = []byte{0x05, 0x3D, 0x83, 0x07, 0xF9, 0xE5, 0xF0, 0x88, 0xEB, 0x5E, 0xA6, 0x68, 0x6C, 0xF0, 0x37, 0xC7, 0xE4, 0xEF, 0xD2, 0xD6}
	// V5Key is the AES-128 key for V5 request/response encryption.
	V5Key = []byte{0xCD, 0x7E, 0x79, 0x6F, 0x2A, 0xB2, 0x5D, 0xCB, 0x55, 0xFF, 0xC8, 0xEF, 0x83, 0x64, 0xC4, 0x70}
	// V6Key is the AES-128 key for the patched V6 cipher.
	V6Key = []byte{0xA9, 0x4A, 0x41, 0x95, 0xE2, 0x01, 0x43, 0x2D, 0x9B, 0xCB, 0x46, 0x04, 0x05, 0xD8, 0x4A, 0x21}
)

var (
	v4Cipher = sync.OnceValue(func() *blockCipher {
		return newBlockCipher(v4Key, 11, noPatch)
	})
	v6Cipher = sync.OnceValue(func() *blockCipher {
		return newBlockCipher(V6Key, 10, v6Patch)
	})
)

// Pad appends PKCS#7 padding to a 16-byte boundary. Aligned input gains a
// full block of 0x10.
func Pad(data []byte) []byte {
	n := 16 - len(data)%16
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// Unpad strips PKCS#7 padding.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%16 != 0 {
		return nil, fmt.Errorf("crypto: padded length %d is not a positive multiple of 16", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > 16 {
		return nil, fmt.Errorf("crypto: invalid padding byte %d", n)
	}
	for i := len(data) - n; i < len(data); i++ {
		if data[i] != byte(n) {
			return nil, fmt.Errorf("crypto: inconsistent padding at offset %d", i)
		}
	}
	return data[:len(data)-n], nil
}

// RequestHash computes the 16-byte V4 authenticator: a zero-IV chained-AES
// digest over the message with 0x80 bit padding on the final block.
func RequestHash(message []byte) []byte {
	c := v4Cipher()
	var state, encrypted [16]byte

	full := len(message) >> 4
	rest := len(message) & 0xf

	for i := range full {
		base := i * 16
		for j := range 16 {
			state[j] ^= message[base+j]
		}
		c.EncryptBlock(encrypted[:], state[:])
		state = encrypted
	}

	var last [16]byte
	copy(last[:], message[full*16:])
	last[rest] = 0x80

	for j := range 16 {
		state[j] ^= last[j]
	}
	c.EncryptBlock(encrypted[:], state[:])

	out := make([]byte, 16)
	copy(out, encrypted[:])
	return out
}

// EncryptCBC encrypts an already padded V5 or V6 payload. V5 is plain
// AES-128-CBC; V6 uses the round-patched cipher.
func EncryptCBC(data, iv []byte, v6 bool) ([]byte, error) {
	if v6 {
		return v6Cipher().cbcEncrypt(data, iv)
	}
	block, err := aes.NewCipher(V5Key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: plaintext length %d is not block aligned", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC decrypts a V5 or V6 payload.
func DecryptCBC(data, iv []byte, v6 bool) ([]byte, error) {
	if v6 {
		return v6Cipher().cbcDecrypt(data, iv)
	}
	block, err := aes.NewCipher(V5Key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ciphertext length %d is not block aligned", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// Salt draws a 16-byte salt from rng.
func Salt(rng io.Reader) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rng, salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	return salt, nil
}

// ResponseMACKey derives the V6 HMAC key: the high half of the response salt
// concatenated with the request filetime, encrypted once under the V6 cipher.
func ResponseMACKey(salt []byte, requestTime uint64) []byte {
	var block [16]byte
	copy(block[:8], salt[8:16])
	binary.LittleEndian.PutUint64(block[8:], requestTime)

	key := make([]byte, 16)
	v6Cipher().EncryptBlock(key, block[:])
	return key
}

// ResponseHMAC computes the 32-byte HMAC-SHA256 trailer over a V6 response
// body (everything up to the trailer itself).
func ResponseHMAC(macKey, body []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	h.Write(body)
	return h.Sum(nil)
}

// VerifyHMAC compares an HMAC trailer in constant time.
func VerifyHMAC(macKey, body, tag []byte) bool {
	return hmac.Equal(ResponseHMAC(macKey, body), tag)
}
