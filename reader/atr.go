package reader

import "fmt"

// CardInfo is a best-effort descriptor decoded from a card's ATR — just
// the historical bytes and a coarse category, not a full TS 102.221
// PPS/Fi/Di decode (this tool has no use for baud-rate negotiation
// details). Grounded on the teacher's card/atr.go, trimmed to the one
// field the `card-info` command surface needs.
type CardInfo struct {
	ATR        []byte
	Historical []byte
	Category   string
}

// categoryName classifies ATR historical bytes by their leading category
// indicator byte (ISO/IEC 7816-4 §8.2.1).
func categoryName(b byte) string {
	switch {
	case b == 0x00:
		return "status info (proprietary format)"
	case b == 0x10:
		return "status info (issuer reference data)"
	case b == 0x80:
		return "compact-TLV data objects"
	case b >= 0x81 && b <= 0x8F:
		return "RFU"
	default:
		return "proprietary"
	}
}

// DecodeATR walks the ISO/IEC 7816-3 interface-byte structure (TS, T0,
// then TAi/TBi/TCi/TDi groups chained by TDi) to locate and return the
// historical bytes, skipping TCK when T=0 is the only protocol offered
// (this tool does not need to verify it). Malformed or truncated ATRs
// yield whatever prefix is available rather than an error — this is
// diagnostic output, not a protocol-critical path.
func DecodeATR(atr []byte) CardInfo {
	info := CardInfo{ATR: atr}
	if len(atr) < 2 {
		return info
	}
	t0 := atr[1]
	k := int(t0 & 0x0F)
	y := t0 >> 4
	idx := 2
	for {
		if y&0x01 != 0 {
			idx++
		}
		if y&0x02 != 0 {
			idx++
		}
		if y&0x04 != 0 {
			idx++
		}
		if y&0x08 == 0 {
			break
		}
		if idx >= len(atr) {
			return info
		}
		td := atr[idx]
		idx++
		y = td >> 4
	}
	if idx >= len(atr) {
		return info
	}
	if idx+k > len(atr) {
		k = len(atr) - idx
	}
	info.Historical = append([]byte(nil), atr[idx:idx+k]...)
	if len(info.Historical) > 0 {
		info.Category = categoryName(info.Historical[0])
	}
	return info
}

// String renders the descriptor as a single summary line.
func (i CardInfo) String() string {
	if len(i.Historical) == 0 {
		return fmt.Sprintf("ATR=%X (no historical bytes)", i.ATR)
	}
	return fmt.Sprintf("ATR=%X historical=%X (%s)", i.ATR, i.Historical, i.Category)
}

// Info decodes this channel's captured ATR into a CardInfo descriptor.
func (c *PCSCChannel) Info() CardInfo { return DecodeATR(c.atr) }
