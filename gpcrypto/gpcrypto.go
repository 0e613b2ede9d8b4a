// Package gpcrypto implements the symmetric cryptographic primitives the
// GlobalPlatform secure channel protocols and the OTA envelope builder
// share: single-DES-ECB, 3DES-CBC, AES-128-CBC, AES-CMAC (NIST SP 800-38B),
// the ISO 9797-1 MAC Algorithm 3 ("retail MAC") used by SCP02, ISO 7816-4
// padding, and CSPRNG challenge generation (spec.md §4.2). There is no
// 3DES-ECB mode; AES-ECB is used only internally, by AESCMAC.
//
// Grounded on card/globalplatform_scp02.go and card/globalplatform_scp03.go
// in the teacher repo, pulled out of the protocol-specific files because
// both the secure channel engine (C4) and the OTA envelope builder (C7)
// need the same primitives independently of SCP02/SCP03 framing.
package gpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
)

// Expand3DESKey converts a 16-byte two-key 3DES key into the 24-byte
// K1||K2||K1 form GlobalPlatform expects (spec.md §4.2).
func Expand3DESKey(k []byte) ([]byte, error) {
	switch len(k) {
	case 16:
		out := make([]byte, 24)
		copy(out[0:16], k)
		copy(out[16:24], k[0:8])
		return out, nil
	case 24:
		return append([]byte(nil), k...), nil
	default:
		return nil, fmt.Errorf("gpcrypto: 3DES key must be 16 or 24 bytes, got %d", len(k))
	}
}

// PadISO7816_4 appends 0x80 then 0x00 bytes until the result is a multiple
// of blockSize. Always appended, even when in is already block-aligned,
// per spec.md §4.2.
func PadISO7816_4(in []byte, blockSize int) []byte {
	out := make([]byte, len(in), len(in)+blockSize)
	copy(out, in)
	out = append(out, 0x80)
	for len(out)%blockSize != 0 {
		out = append(out, 0x00)
	}
	return out
}

// UnpadISO7816_4 strips 0x80 00* padding, returning an error if the
// padding marker is absent. unpad(pad(m)) == m for all m (P9).
func UnpadISO7816_4(in []byte) ([]byte, error) {
	for i := len(in) - 1; i >= 0; i-- {
		switch in[i] {
		case 0x00:
			continue
		case 0x80:
			return in[:i], nil
		default:
			return nil, fmt.Errorf("gpcrypto: invalid ISO 7816-4 padding")
		}
	}
	return nil, fmt.Errorf("gpcrypto: no ISO 7816-4 padding marker found")
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// TripleDESCBCEncrypt encrypts data (a multiple of 8 bytes) with 3DES-CBC
// under a 24-byte key and an 8-byte IV.
func TripleDESCBCEncrypt(key24, iv8, data []byte) ([]byte, error) {
	if len(key24) != 24 {
		return nil, fmt.Errorf("gpcrypto: 3DES key must be 24 bytes, got %d", len(key24))
	}
	if len(iv8) != 8 {
		return nil, fmt.Errorf("gpcrypto: IV must be 8 bytes, got %d", len(iv8))
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("gpcrypto: data must be a multiple of 8 bytes, got %d", len(data))
	}
	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	iv := append([]byte(nil), iv8...)
	buf := make([]byte, 8)
	for i := 0; i < len(data); i += 8 {
		copy(buf, xorBytes(data[i:i+8], iv))
		block.Encrypt(out[i:i+8], buf)
		copy(iv, out[i:i+8])
	}
	return out, nil
}

// TripleDESCBCDecrypt decrypts data (a multiple of 8 bytes) with 3DES-CBC
// under a 24-byte key and an 8-byte IV.
func TripleDESCBCDecrypt(key24, iv8, data []byte) ([]byte, error) {
	if len(key24) != 24 {
		return nil, fmt.Errorf("gpcrypto: 3DES key must be 24 bytes, got %d", len(key24))
	}
	if len(iv8) != 8 {
		return nil, fmt.Errorf("gpcrypto: IV must be 8 bytes, got %d", len(iv8))
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("gpcrypto: data must be a multiple of 8 bytes, got %d", len(data))
	}
	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	iv := append([]byte(nil), iv8...)
	plain := make([]byte, 8)
	for i := 0; i < len(data); i += 8 {
		block.Decrypt(plain, data[i:i+8])
		copy(out[i:i+8], xorBytes(plain, iv))
		copy(iv, data[i:i+8])
	}
	return out, nil
}

// DESECBEncrypt encrypts a single 8-byte block with single-DES ECB.
func DESECBEncrypt(key8, block8 []byte) ([]byte, error) {
	if len(key8) != 8 || len(block8) != 8 {
		return nil, fmt.Errorf("gpcrypto: DES key and block must be 8 bytes")
	}
	c, err := des.NewCipher(key8)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	c.Encrypt(out, block8)
	return out, nil
}

// DESECBDecrypt decrypts a single 8-byte block with single-DES ECB.
func DESECBDecrypt(key8, block8 []byte) ([]byte, error) {
	if len(key8) != 8 || len(block8) != 8 {
		return nil, fmt.Errorf("gpcrypto: DES key and block must be 8 bytes")
	}
	c, err := des.NewCipher(key8)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	c.Decrypt(out, block8)
	return out, nil
}

// RetailMAC computes ISO 9797-1 MAC Algorithm 3 ("retail MAC") as used by
// SCP02: CBC-MAC with single-DES under K1 chained from icv8, then a final
// DES-ECB-decrypt(K2)/DES-ECB-encrypt(K1) transform on the last block.
// data is padded with PadISO7816_4 before MACing.
func RetailMAC(key24, icv8, data []byte) ([]byte, error) {
	key24, err := Expand3DESKey(key24)
	if err != nil {
		return nil, err
	}
	if len(icv8) != 8 {
		return nil, fmt.Errorf("gpcrypto: ICV must be 8 bytes, got %d", len(icv8))
	}
	k1 := key24[0:8]
	k2 := key24[8:16]

	padded := PadISO7816_4(data, 8)

	c, err := des.NewCipher(k1)
	if err != nil {
		return nil, err
	}
	iv := append([]byte(nil), icv8...)
	tmp := make([]byte, 8)
	for i := 0; i < len(padded); i += 8 {
		copy(tmp, xorBytes(padded[i:i+8], iv))
		c.Encrypt(iv, tmp)
	}
	last := append([]byte(nil), iv...)

	last, err = DESECBDecrypt(k2, last)
	if err != nil {
		return nil, err
	}
	return DESECBEncrypt(k1, last)
}

// AESCBCEncrypt encrypts data (a multiple of 16 bytes) with AES-CBC.
func AESCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(iv) != 16 {
		return nil, fmt.Errorf("gpcrypto: AES IV must be 16 bytes, got %d", len(iv))
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("gpcrypto: data must be a multiple of 16 bytes, got %d", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// AESCBCDecrypt decrypts data (a multiple of 16 bytes) with AES-CBC.
func AESCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(iv) != 16 {
		return nil, fmt.Errorf("gpcrypto: AES IV must be 16 bytes, got %d", len(iv))
	}
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("gpcrypto: data must be a multiple of 16 bytes, got %d", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncryptBlock(key, block16 []byte) ([]byte, error) {
	if len(block16) != 16 {
		return nil, fmt.Errorf("gpcrypto: block must be 16 bytes, got %d", len(block16))
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	b.Encrypt(out, block16)
	return out, nil
}

func leftShiftOneBit128(in []byte) []byte {
	out := make([]byte, 16)
	var carry byte
	for i := 15; i >= 0; i-- {
		b := in[i]
		out[i] = (b << 1) | carry
		carry = (b >> 7) & 0x01
	}
	return out
}

func pad80Block16(in []byte) []byte {
	out := make([]byte, len(in), len(in)+16)
	copy(out, in)
	out = append(out, 0x80)
	for len(out)%16 != 0 {
		out = append(out, 0x00)
	}
	return out
}

// AESCMAC computes AES-CMAC (NIST SP 800-38B) with a 16-byte output.
func AESCMAC(key, msg []byte) ([]byte, error) {
	L, err := aesECBEncryptBlock(key, make([]byte, 16))
	if err != nil {
		return nil, err
	}
	const rb = 0x87
	k1 := leftShiftOneBit128(L)
	if L[0]&0x80 != 0 {
		k1[15] ^= rb
	}
	k2 := leftShiftOneBit128(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	var n int
	if len(msg) == 0 {
		n = 1
	} else {
		n = (len(msg) + 15) / 16
	}
	complete := len(msg) != 0 && len(msg)%16 == 0

	var last []byte
	if complete {
		start := (n - 1) * 16
		last = xorBytes(msg[start:start+16], k1)
	} else {
		padded := pad80Block16(msg)
		start := (n - 1) * 16
		last = xorBytes(padded[start:start+16], k2)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n*16)
	if len(msg) >= 16 {
		copy(buf, msg[:(n-1)*16])
	}
	copy(buf[(n-1)*16:], last)
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(buf, buf)
	return buf[len(buf)-16:], nil
}

// RandomChallenge returns n CSPRNG bytes, used for the 8-byte host
// challenge and any IVs (spec.md §4.2).
func RandomChallenge(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("gpcrypto: random challenge: %w", err)
	}
	return buf, nil
}
