// Package tlv implements a BER-TLV parser and encoder restricted to the
// single-byte tag, single-byte length form spec.md §4.1 specifies as
// sufficient for the GlobalPlatform response formats this tool consumes
// with it (GET DATA responses, via globalplatform.GetData; GET STATUS
// entries use their own flat AID/LC/privileges layout and parser in
// package globalplatform). Malformed input is not
// tolerated: parsing stops at the first truncation and returns whatever
// complete entries it already found, as spec.md §4.1 requires.
package tlv

import "fmt"

// Entry is one (tag, value) pair.
type Entry struct {
	Tag   byte
	Value []byte
}

// ErrTruncated is returned when an Entry's declared length overruns the
// remaining bytes. Parse still returns any entries already decoded.
var ErrTruncated = fmt.Errorf("tlv: truncated entry")

// Parse decodes a sequence of back-to-back (tag, length, value) entries.
// On truncation it returns the entries successfully parsed so far along
// with ErrTruncated, so callers (e.g. globalplatform.GetData) can choose
// to use the partial result instead of discarding it outright.
func Parse(data []byte) ([]Entry, error) {
	var entries []Entry
	idx := 0
	for idx < len(data) {
		if idx+2 > len(data) {
			return entries, ErrTruncated
		}
		tag := data[idx]
		length := int(data[idx+1])
		idx += 2
		if idx+length > len(data) {
			return entries, ErrTruncated
		}
		entries = append(entries, Entry{Tag: tag, Value: append([]byte(nil), data[idx:idx+length]...)})
		idx += length
	}
	return entries, nil
}

// Encode serializes entries back into their (tag, length, value) wire form.
func Encode(entries []Entry) ([]byte, error) {
	out := make([]byte, 0, len(entries)*2)
	for _, e := range entries {
		if len(e.Value) > 0xFF {
			return nil, fmt.Errorf("tlv: value for tag %02X is %d bytes, exceeds single-byte length", e.Tag, len(e.Value))
		}
		out = append(out, e.Tag, byte(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out, nil
}

// Find returns the value of the first entry matching tag, if any.
func Find(entries []Entry, tag byte) ([]byte, bool) {
	for _, e := range entries {
		if e.Tag == tag {
			return e.Value, true
		}
	}
	return nil, false
}
