package apdu

import (
	"bytes"
	"testing"
)

func TestCommandRoundTrip(t *testing.T) {
	le := byte(0x00)
	tests := []struct {
		name string
		cmd  Command
	}{
		{"no data no Le", Command{CLA: 0x80, INS: 0xF2, P1: 0x80, P2: 0x00}},
		{"GET STATUS with Le", Command{CLA: 0x80, INS: 0xF2, P1: 0x80, P2: 0x00, Le: &le}},
		{"with data", Command{CLA: 0x80, INS: 0xE6, P1: 0x0C, P2: 0x00, Data: []byte{0x01, 0x02, 0x03}}},
		{"with data and Le", Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xA0, 0x00, 0x00, 0x01, 0x51}, Le: &le}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.cmd.Bytes()
			got, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got.CLA != tc.cmd.CLA || got.INS != tc.cmd.INS || got.P1 != tc.cmd.P1 || got.P2 != tc.cmd.P2 {
				t.Fatalf("header mismatch: got %+v, want %+v", got, tc.cmd)
			}
			if !bytes.Equal(got.Data, tc.cmd.Data) {
				t.Fatalf("data mismatch: got %X, want %X", got.Data, tc.cmd.Data)
			}
			if (got.Le == nil) != (tc.cmd.Le == nil) {
				t.Fatalf("Le presence mismatch: got %v, want %v", got.Le, tc.cmd.Le)
			}
			if got.Le != nil && *got.Le != *tc.cmd.Le {
				t.Fatalf("Le mismatch: got %02X, want %02X", *got.Le, *tc.cmd.Le)
			}
		})
	}
}

// S1: APDU encode scenario from spec.md §8.
func TestEncodeScenarioS1(t *testing.T) {
	le := byte(0x00)
	cmd := Command{CLA: 0x80, INS: 0xF2, P1: 0x80, P2: 0x00, Le: &le}
	want := []byte{0x80, 0xF2, 0x80, 0x00, 0x00}
	if got := cmd.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = % X, want % X", got, want)
	}
}

// S2: APDU response parse scenario from spec.md §8.
func TestParseResponseScenarioS2(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x90, 0x00}
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !bytes.Equal(resp.Data, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("Data = % X, want 01 02 03", resp.Data)
	}
	if resp.SW1 != 0x90 || resp.SW2 != 0x00 {
		t.Fatalf("SW1/SW2 = %02X %02X, want 90 00", resp.SW1, resp.SW2)
	}
	if !resp.IsSuccess() {
		t.Fatalf("IsSuccess() = false, want true")
	}
}

func TestResponseClassification(t *testing.T) {
	tests := []struct {
		sw   uint16
		want StatusClass
	}{
		{0x9000, StatusSuccess},
		{0x6310, StatusMoreData},
		{0x6283, StatusWarning},
		{0x6A88, StatusFailure},
		{0x6985, StatusFailure},
	}
	for _, tc := range tests {
		r := Response{SW1: byte(tc.sw >> 8), SW2: byte(tc.sw)}
		if got := r.Class(); got != tc.want {
			t.Errorf("Class(%04X) = %v, want %v", tc.sw, got, tc.want)
		}
	}
}

func TestParseResponseTooShort(t *testing.T) {
	if _, err := ParseResponse([]byte{0x90}); err == nil {
		t.Fatal("expected error for short response")
	}
}
