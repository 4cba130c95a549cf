// Package crypto implements the AES constructions used by the KMS protocol:
// the V4 chained-block hash (160-bit key schedule), V5 AES-128-CBC, the V6
// round-patched AES-CBC variant and the V6 response HMAC.
//
// V4 and V6 cannot be built on crypto/aes: V4 runs 11 rounds off a 160-bit
// key and V6 XORs fixed patch bytes into the state at rounds 4, 6 and 8.
// The block core below is a plain table-driven Rijndael with those two hooks.
package crypto

import (
	"fmt"
)

// Rijndael S-box.
var sbox = [256]byte{
	0x63, 0x7c, 0x77, 0x7b, 0xf2, 0x6b, 0x6f, 0xc5, 0x30, 0x01, 0x67, 0x2b, 0xfe, 0xd7, 0xab, 0x76,
	0xca, 0x82, 0xc9, 0x7d, 0xfa, 0x59, 0x47, 0xf0, 0xad, 0xd4, 0xa2, 0xaf, 0x9c, 0xa4, 0x72, 0xc0,
	0xb7, 0xfd, 0x93, 0x26, 0x36, 0x3f, 0xf7, 0xcc, 0x34, 0xa5, 0xe5, 0xf1, 0x71, 0xd8, 0x31, 0x15,
	0x04, 0xc7, 0x23, 0xc3, 0x18, 0x96, 0x05, 0x9a, 0x07, 0x12, 0x80, 0xe2, 0xeb, 0x27, 0xb2, 0x75,
	0x09, 0x83, 0x2c, 0x1a, 0x1b, 0x6e, 0x5a, 0xa0, 0x52, 0x3b, 0xd6, 0xb3, 0x29, 0xe3, 0x2f, 0x84,
	0x53, 0xd1, 0x00, 0xed, 0x20, 0xfc, 0xb1, 0x5b, 0x6a, 0xcb, 0xbe, 0x39, 0x4a, 0x4c, 0x58, 0xcf,
	0xd0, 0xef, 0xaa, 0xfb, 0x43, 0x4d, 0x33, 0x85, 0x45, 0xf9, 0x02, 0x7f, 0x50, 0x3c, 0x9f, 0xa8,
	0x51, 0xa3, 0x40, 0x8f, 0x92, 0x9d, 0x38, 0xf5, 0xbc, 0xb6, 0xda, 0x21, 0x10, 0xff, 0xf3, 0xd2,
	0xcd, 0x0c, 0x13, 0xec, 0x5f, 0x97, 0x44, 0x17, 0xc4, 0xa7, 0x7e, 0x3d, 0x64, 0x5d, 0x19, 0x73,
	0x60, 0x81, 0x4f, 0xdc, 0x22, 0x2a, 0x90, 0x88, 0x46, 0xee, 0xb8, 0x14, 0xde, 0x5e, 0x0b, 0xdb,
	0xe0, 0x32, 0x3a, 0x0a, 0x49, 0x06, 0x24, 0x5c, 0xc2, 0xd3, 0xac, 0x62, 0x91, 0x95, 0xe4, 0x79,
	0xe7, 0xc8, 0x37, 0x6d, 0x8d, 0xd5, 0x4e, 0xa9, 0x6c, 0x56, 0xf4, 0xea, 0x65, 0x7a, 0xae, 0x08,
	0xba, 0x78, 0x25, 0x2e, 0x1c, 0xa6, 0xb4, 0xc6, 0xe8, 0xdd, 0x74, 0x1f, 0x4b, 0xbd, 0x8b, 0x8a,
	0x70, 0x3e, 0xb5, 0x66, 0x48, 0x03, 0xf6, 0x0e, 0x61, 0x35, 0x57, 0xb9, 0x86, 0xc1, 0x1d, 0x9e,
	0xe1, 0xf8, 0x98, 0x11, 0x69, 0xd9, 0x8e, 0x94, 0x9b, 0x1e, 0x87, 0xe9, 0xce, 0x55, 0x28, 0xdf,
	0x8c, 0xa1, 0x89, 0x0d, 0xbf, 0xe6, 0x42, 0x68, 0x41, 0x99, 0x2d, 0x0f, 0xb0, 0x54, 0xbb, 0x16,
}

// Rijndael inverse S-box.
var rsbox = [256]byte{
	0x52, 0x09, 0x6a, 0xd5, 0x30, 0x36, 0xa5, 0x38, 0xbf, 0x40, 0xa3, 0x9e, 0x81, 0xf3, 0xd7, 0xfb,
	0x7c, 0xe3, 0x39, 0x82, 0x9b, 0x2f, 0xff, 0x87, 0x34, 0x8e, 0x43, 0x44, 0xc4, 0xde, 0xe9, 0xcb,
	0x54, 0x7b, 0x94, 0x32, 0xa6, 0xc2, 0x23, 0x3d, 0xee, 0x4c, 0x95, 0x0b, 0x42, 0xfa, 0xc3, 0x4e,
	0x08, 0x2e, 0xa1, 0x66, 0x28, 0xd9, 0x24, 0xb2, 0x76, 0x5b, 0xa2, 0x49, 0x6d, 0x8b, 0xd1, 0x25,
	0x72, 0xf8, 0xf6, 0x64, 0x86, 0x68, 0x98, 0x16, 0xd4, 0xa4, 0x5c, 0xcc, 0x5d, 0x65, 0xb6, 0x92,
	0x6c, 0x70, 0x48, 0x50, 0xfd, 0xed, 0xb9, 0xda, 0x5e, 0x15, 0x46, 0x57, 0xa7, 0x8d, 0x9d, 0x84,
	0x90, 0xd8, 0xab, 0x00, 0x8c, 0xbc, 0xd3, 0x0a, 0xf7, 0xe4, 0x58, 0x05, 0xb8, 0xb3, 0x45, 0x06,
	0xd0, 0x2c, 0x1e, 0x8f, 0xca, 0x3f, 0x0f, 0x02, 0xc1, 0xaf, 0xbd, 0x03, 0x01, 0x13, 0x8a, 0x6b,
	0x3a, 0x91, 0x11, 0x41, 0x4f, 0x67, 0xdc, 0xea, 0x97, 0xf2, 0xcf, 0xce, 0xf0, 0xb4, 0xe6, 0x73,
	0x96, 0xac, 0x74, 0x22, 0xe7, 0xad, 0x35, 0x85, 0xe2, 0xf9, 0x37, 0xe8, 0x1c, 0x75, 0xdf, 0x6e,
	0x47, 0xf1, 0x1a, 0x71, 0x1d, 0x29, 0xc5, 0x89, 0x6f, 0xb7, 0x62, 0x0e, 0xaa, 0x18, 0xbe, 0x1b,
	0xfc, 0x56, 0x3e, 0x4b, 0xc6, 0xd2, 0x79, 0x20, 0x9a, 0xdb, 0xc0, 0xfe, 0x78, 0xcd, 0x5a, 0xf4,
	0x1f, 0xdd, 0xa8, 0x33, 0x88, 0x07, 0xc7, 0x31, 0xb1, 0x12, 0x10, 0x59, 0x27, 0x80, 0xec, 0x5f,
	0x60, 0x51, 0x7f, 0xa9, 0x19, 0xb5, 0x4a, 0x0d, 0x2d, 0xe5, 0x7a, 0x9f, 0x93, 0xc9, 0x9c, 0xef,
	0xa0, 0xe0, 0x3b, 0x4d, 0xae, 0x2a, 0xf5, 0xb0, 0xc8, 0xeb, 0xbb, 0x3c, 0x83, 0x53, 0x99, 0x61,
	0x17, 0x2b, 0x04, 0x7e, 0xba, 0x77, 0xd6, 0x26, 0xe1, 0x69, 0x14, 0x63, 0x55, 0x21, 0x0c, 0x7d,
}

var rcon = [30]byte{
	0x8d, 0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80, 0x1b, 0x36,
	0x6c, 0xd8, 0xab, 0x4d, 0x9a, 0x2f, 0x5e, 0xbc, 0x63, 0xc6, 0x97,
	0x35, 0x6a, 0xd4, 0xb3, 0x7d, 0xfa, 0xef, 0xc5,
}

func galoisMult(a, b byte) byte {
	var p byte
	for range 8 {
		if b&1 != 0 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func buildMulTable(mult byte) [256]byte {
	var table [256]byte
	for i := range 256 {
		table[i] = galoisMult(byte(i), mult)
	}
	return table
}

var (
	mul2Table  = buildMulTable(2)
	mul3Table  = buildMulTable(3)
	mul9Table  = buildMulTable(9)
	mul11Table = buildMulTable(11)
	mul13Table = buildMulTable(13)
	mul14Table = buildMulTable(14)
)

// roundPatch returns the XOR byte folded into state[0] after MixColumns in
// the given round. Zero means no modification.
type roundPatch func(round int) byte

func noPatch(int) byte { return 0 }

// v6Patch is the KMS V6 cipher modification: 0x73 at round 4, 0x09 at round
// 6, 0xE4 at round 8.
func v6Patch(round int) byte {
	switch round {
	case 4:
		return 0x73
	case 6:
		return 0x09
	case 8:
		return 0xE4
	default:
		return 0
	}
}

// blockCipher is a Rijndael block core with a precomputed key schedule and an
// optional per-round state patch.
type blockCipher struct {
	roundKeys [][16]byte
	rounds    int
	patch     roundPatch
}

func newBlockCipher(key []byte, rounds int, patch roundPatch) *blockCipher {
	expandedSize := (rounds + 1) * 16
	return &blockCipher{
		roundKeys: buildRoundKeys(expandKey(key, len(key), expandedSize), rounds),
		rounds:    rounds,
		patch:     patch,
	}
}

func expandKey(key []byte, size, expandedSize int) []byte {
	expanded := make([]byte, expandedSize)
	copy(expanded, key[:size])
	current := size
	rconIteration := 1

	for current < expandedSize {
		var t [4]byte
		copy(t[:], expanded[current-4:current])

		if current%size == 0 {
			t[0], t[1], t[2], t[3] = t[1], t[2], t[3], t[0]
			for i := range t {
				t[i] = sbox[t[i]]
			}
			t[0] ^= rcon[rconIteration]
			rconIteration++
		}
		if size == 32 && current%size == 16 {
			for i := range t {
				t[i] = sbox[t[i]]
			}
		}

		for i := range 4 {
			expanded[current] = expanded[current-size] ^ t[i]
			current++
		}
	}
	return expanded
}

// buildRoundKeys transposes the expanded key into the column-major state
// layout the round functions use.
func buildRoundKeys(expanded []byte, rounds int) [][16]byte {
	keys := make([][16]byte, rounds+1)
	for r := 0; r <= rounds; r++ {
		off := r * 16
		for i := range 4 {
			for j := range 4 {
				keys[r][j*4+i] = expanded[off+i*4+j]
			}
		}
	}
	return keys
}

func subBytes(state []byte, inv bool) {
	box := &sbox
	if inv {
		box = &rsbox
	}
	for i := range state {
		state[i] = box[state[i]]
	}
}

func shiftRows(state []byte, inv bool) {
	if inv {
		state[4], state[5], state[6], state[7] = state[7], state[4], state[5], state[6]
		state[8], state[9], state[10], state[11] = state[10], state[11], state[8], state[9]
		state[12], state[13], state[14], state[15] = state[13], state[14], state[15], state[12]
		return
	}
	state[4], state[5], state[6], state[7] = state[5], state[6], state[7], state[4]
	state[8], state[9], state[10], state[11] = state[10], state[11], state[8], state[9]
	state[12], state[13], state[14], state[15] = state[15], state[12], state[13], state[14]
}

func mixColumn(state []byte, i0, i1, i2, i3 int, inv bool) {
	a0, a1, a2, a3 := state[i0], state[i1], state[i2], state[i3]
	if inv {
		state[i0] = mul14Table[a0] ^ mul9Table[a3] ^ mul13Table[a2] ^ mul11Table[a1]
		state[i1] = mul14Table[a1] ^ mul9Table[a0] ^ mul13Table[a3] ^ mul11Table[a2]
		state[i2] = mul14Table[a2] ^ mul9Table[a1] ^ mul13Table[a0] ^ mul11Table[a3]
		state[i3] = mul14Table[a3] ^ mul9Table[a2] ^ mul13Table[a1] ^ mul11Table[a0]
		return
	}
	state[i0] = mul2Table[a0] ^ a3 ^ a2 ^ mul3Table[a1]
	state[i1] = mul2Table[a1] ^ a0 ^ a3 ^ mul3Table[a2]
	state[i2] = mul2Table[a2] ^ a1 ^ a0 ^ mul3Table[a3]
	state[i3] = mul2Table[a3] ^ a2 ^ a1 ^ mul3Table[a0]
}

func mixColumns(state []byte, inv bool) {
	mixColumn(state, 0, 4, 8, 12, inv)
	mixColumn(state, 1, 5, 9, 13, inv)
	mixColumn(state, 2, 6, 10, 14, inv)
	mixColumn(state, 3, 7, 11, 15, inv)
}

func addRoundKey(state []byte, roundKey *[16]byte) {
	for i := range 16 {
		state[i] ^= roundKey[i]
	}
}

// EncryptBlock encrypts one 16-byte block. dst and src may alias.
func (c *blockCipher) EncryptBlock(dst, src []byte) {
	var state [16]byte
	for i := range 4 {
		for j := range 4 {
			state[i+j*4] = src[i*4+j]
		}
	}

	addRoundKey(state[:], &c.roundKeys[0])

	for r := 1; r < c.rounds; r++ {
		subBytes(state[:], false)
		shiftRows(state[:], false)
		mixColumns(state[:], false)
		if p := c.patch(r); p != 0 {
			state[0] ^= p
		}
		addRoundKey(state[:], &c.roundKeys[r])
	}

	subBytes(state[:], false)
	shiftRows(state[:], false)
	addRoundKey(state[:], &c.roundKeys[c.rounds])

	for i := range 4 {
		for j := range 4 {
			dst[i*4+j] = state[i+j*4]
		}
	}
}

// DecryptBlock decrypts one 16-byte block. dst and src may alias.
func (c *blockCipher) DecryptBlock(dst, src []byte) {
	var state [16]byte
	for i := range 4 {
		for j := range 4 {
			state[i+j*4] = src[i*4+j]
		}
	}

	addRoundKey(state[:], &c.roundKeys[c.rounds])

	for r := c.rounds - 1; r > 0; r-- {
		shiftRows(state[:], true)
		subBytes(state[:], true)
		addRoundKey(state[:], &c.roundKeys[r])
		if p := c.patch(r); p != 0 {
			state[0] ^= p
		}
		mixColumns(state[:], true)
	}

	shiftRows(state[:], true)
	subBytes(state[:], true)
	addRoundKey(state[:], &c.roundKeys[0])

	for i := range 4 {
		for j := range 4 {
			dst[i*4+j] = state[i+j*4]
		}
	}
}

// cbcEncrypt runs CBC over whole blocks with this cipher.
func (c *blockCipher) cbcEncrypt(data, iv []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("crypto: plaintext length %d is not block aligned", len(data))
	}
	out := make([]byte, len(data))
	var prev, block [16]byte
	copy(prev[:], iv)
	for i := 0; i < len(data); i += 16 {
		for j := range 16 {
			block[j] = data[i+j] ^ prev[j]
		}
		c.EncryptBlock(out[i:i+16], block[:])
		copy(prev[:], out[i:i+16])
	}
	return out, nil
}

func (c *blockCipher) cbcDecrypt(data, iv []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("crypto: ciphertext length %d is not block aligned", len(data))
	}
	out := make([]byte, len(data))
	var prev, plain [16]byte
	copy(prev[:], iv)
	for i := 0; i < len(data); i += 16 {
		c.DecryptBlock(plain[:], data[i:i+16])
		for j := range 16 {
			out[i+j] = plain[j] ^ prev[j]
		}
		copy(prev[:], data[i:i+16])
	}
	return out, nil
}
