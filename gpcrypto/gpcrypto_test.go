package gpcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

// P9: unpad(pad(m)) == m for all m, including length 0 and block multiples.
func TestPadUnpadRoundTrip(t *testing.T) {
	tests := [][]byte{
		{},
		{0x01},
		make([]byte, 7),
		make([]byte, 8),
		make([]byte, 9),
		make([]byte, 16),
	}
	for _, m := range tests {
		padded := PadISO7816_4(m, 8)
		if len(padded)%8 != 0 {
			t.Fatalf("padded length %d not a multiple of 8", len(padded))
		}
		got, err := UnpadISO7816_4(padded)
		if err != nil {
			t.Fatalf("UnpadISO7816_4() error = %v", err)
		}
		if !bytes.Equal(got, m) {
			t.Fatalf("round trip mismatch: got %X, want %X", got, m)
		}
	}
}

func TestExpand3DESKey(t *testing.T) {
	k16 := make([]byte, 16)
	for i := range k16 {
		k16[i] = byte(i)
	}
	k24, err := Expand3DESKey(k16)
	if err != nil {
		t.Fatalf("Expand3DESKey() error = %v", err)
	}
	if len(k24) != 24 {
		t.Fatalf("len = %d, want 24", len(k24))
	}
	if !bytes.Equal(k24[16:24], k16[0:8]) {
		t.Fatalf("third DES key segment should repeat the first 8 bytes")
	}
}

// Test vectors from NIST SP 800-38B, same vectors the teacher repo pins
// for its SCP03 AES-CMAC tests.
func TestAESCMACVectors(t *testing.T) {
	key, _ := hex.DecodeString("2B7E151628AED2A6ABF7158809CF4F3C")
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"empty message", "", "bb1d6929e95937287fa37d129b756746"},
		{"16 bytes", "6BC1BEE22E409F96E93D7E117393172A", "070a16b46b4d4144f79bdd9dd04a287c"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := hex.DecodeString(tc.message)
			mac, err := AESCMAC(key, msg)
			if err != nil {
				t.Fatalf("AESCMAC() error = %v", err)
			}
			got := hex.EncodeToString(mac)
			if got != tc.want {
				t.Errorf("AESCMAC() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTripleDESCBCRoundTrip(t *testing.T) {
	key24 := make([]byte, 24)
	for i := range key24 {
		key24[i] = byte(i * 3)
	}
	iv := make([]byte, 8)
	plain := []byte("01234567abcdefgh")
	ct, err := TripleDESCBCEncrypt(key24, iv, plain)
	if err != nil {
		t.Fatalf("encrypt error = %v", err)
	}
	pt, err := TripleDESCBCDecrypt(key24, iv, ct)
	if err != nil {
		t.Fatalf("decrypt error = %v", err)
	}
	if !bytes.Equal(pt, plain) {
		t.Fatalf("round trip mismatch: got %X, want %X", pt, plain)
	}
}

func TestAESCBCRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	plain := make([]byte, 32)
	for i := range plain {
		plain[i] = byte(i)
	}
	ct, err := AESCBCEncrypt(key, iv, plain)
	if err != nil {
		t.Fatalf("encrypt error = %v", err)
	}
	pt, err := AESCBCDecrypt(key, iv, ct)
	if err != nil {
		t.Fatalf("decrypt error = %v", err)
	}
	if !bytes.Equal(pt, plain) {
		t.Fatalf("round trip mismatch: got %X, want %X", pt, plain)
	}
}

func TestRandomChallengeLength(t *testing.T) {
	c, err := RandomChallenge(8)
	if err != nil {
		t.Fatalf("RandomChallenge() error = %v", err)
	}
	if len(c) != 8 {
		t.Fatalf("len = %d, want 8", len(c))
	}
}
