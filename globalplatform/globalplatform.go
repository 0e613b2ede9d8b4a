// Package globalplatform implements the GlobalPlatform card-management
// command layer: SELECT, GET STATUS (paged), INSTALL [for install and
// make selectable], SET STATUS (CLFDB and extradition), and GET DATA.
// Grounded on sim/globalplatform.go and sim/gp_manage.go in the teacher
// repo, routed through a securechannel.Session instead of a bare reader so
// every command can be sent wrapped or in the clear through one call site.
package globalplatform

import (
	"fmt"

	"github.com/veenone/ccm-tool/apdu"
	"github.com/veenone/ccm-tool/tlv"
)

// DefaultISDAID is the Card Manager AID used when none is configured
// (spec.md §4.5).
var DefaultISDAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

// Transport is the capability this layer consumes: send one APDU, get one
// response. A securechannel.Session satisfies it directly; RawTransport
// adapts a bare reader.CardChannel for unauthenticated commands (SELECT,
// GET DATA before a secure channel exists).
type Transport interface {
	WrapAndSend(cmd apdu.Command) (apdu.Response, error)
}

// RawTransport sends APDUs unwrapped over a channel that merely transmits
// bytes and returns the raw response.
type RawTransport struct {
	Channel interface {
		Transmit([]byte) ([]byte, error)
	}
}

func (t RawTransport) WrapAndSend(cmd apdu.Command) (apdu.Response, error) {
	raw, err := t.Channel.Transmit(cmd.Bytes())
	if err != nil {
		return apdu.Response{}, err
	}
	resp, err := apdu.ParseResponse(raw)
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.HasMoreData() {
		le := resp.SW2
		more, err := t.Channel.Transmit(apdu.Command{CLA: 0x00, INS: 0xC0, P1: 0x00, P2: 0x00, Le: &le}.Bytes())
		if err == nil {
			if moreResp, perr := apdu.ParseResponse(more); perr == nil {
				return moreResp, nil
			}
		}
	}
	return resp, nil
}

// CardError is a non-success, non-warning status word the card returned
// (spec.md §7). The SW is surfaced verbatim.
type CardError struct {
	Op string
	SW uint16
}

func (e *CardError) Error() string { return fmt.Sprintf("globalplatform: %s: SW=%04X", e.Op, e.SW) }

// Kind classifies a GET STATUS entry that carries the Security-Domain
// privilege bit (spec.md §3).
type Kind string

const (
	KindApplication Kind = "Application"
	KindISD         Kind = "ISD"
	KindSSD         Kind = "SSD"
	KindDMSD        Kind = "DMSD"
)

// Privilege bits (spec.md §3).
const (
	PrivSecurityDomain     byte = 0x80
	PrivDAPVerification    byte = 0x40
	PrivDelegatedManagement byte = 0x20
	PrivCardLock           byte = 0x10
	PrivCardTerminate      byte = 0x08
	PrivCardReset          byte = 0x04
	PrivCVMManagement      byte = 0x02
	PrivMandatedDAP        byte = 0x01
)

// Entry is one parsed GET STATUS record.
type Entry struct {
	AID        []byte
	LifeCycle  byte
	Privileges byte
	Kind       Kind
}

// Scope selects which GET STATUS P1 subset to query (spec.md §4.5).
type Scope byte

const (
	ScopeISDOnly    Scope = 0x80
	ScopeAppsAndSDs Scope = 0x40
	ScopeLoadFiles  Scope = 0x20
)

// SelectCardManager issues SELECT against the ISD AID, defaulting to
// DefaultISDAID when aid is empty (spec.md §4.5).
func SelectCardManager(t Transport, aid []byte) (apdu.Response, error) {
	if len(aid) == 0 {
		aid = DefaultISDAID
	}
	resp, err := t.WrapAndSend(apdu.Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: aid, Le: bytePtr(0x00)})
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.Err() != nil {
		return resp, &CardError{Op: "SELECT", SW: resp.SW()}
	}
	return resp, nil
}

// GetStatus sends GET STATUS for scope, re-issuing with P2=0x01 while the
// card reports SW=6310 ("more data"), and merges pages in order (spec.md
// §4.5, P6).
func GetStatus(t Transport, scope Scope, isdAID []byte) ([]Entry, error) {
	var entries []Entry
	p2 := byte(0x00)
	for {
		resp, err := t.WrapAndSend(apdu.Command{
			CLA: 0x80, INS: 0xF2, P1: byte(scope), P2: p2,
			Data: []byte{0x4F, 0x00}, Le: bytePtr(0x00),
		})
		if err != nil {
			return entries, err
		}
		if resp.SW() != 0x9000 && resp.SW() != 0x6310 {
			return entries, &CardError{Op: "GET STATUS", SW: resp.SW()}
		}

		page, err := parseGetStatusEntries(resp.Data, isdAID)
		if err != nil {
			return entries, err
		}
		entries = append(entries, page...)

		if resp.SW() != 0x6310 {
			return entries, nil
		}
		p2 = 0x01
	}
}

// parseGetStatusEntries decodes the flat "AIDlen | AID | LC | Privileges"
// entries GET STATUS returns (spec.md §4.5), classifying each by kind.
func parseGetStatusEntries(data []byte, isdAID []byte) ([]Entry, error) {
	var entries []Entry
	idx := 0
	for idx < len(data) {
		if idx+1 > len(data) {
			return entries, fmt.Errorf("globalplatform: truncated GET STATUS entry")
		}
		aidLen := int(data[idx])
		idx++
		if idx+aidLen+2 > len(data) {
			return entries, fmt.Errorf("globalplatform: truncated GET STATUS entry")
		}
		aid := append([]byte(nil), data[idx:idx+aidLen]...)
		idx += aidLen
		lc := data[idx]
		idx++
		priv := data[idx]
		idx++

		entries = append(entries, Entry{
			AID: aid, LifeCycle: lc, Privileges: priv,
			Kind: classify(aid, priv, isdAID),
		})
	}
	return entries, nil
}

func classify(aid []byte, priv byte, isdAID []byte) Kind {
	if priv&PrivSecurityDomain == 0 {
		return KindApplication
	}
	if isdAID != nil && bytesEqual(aid, isdAID) {
		return KindISD
	}
	if priv&PrivDelegatedManagement != 0 {
		return KindDMSD
	}
	return KindSSD
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CreateSecurityDomain issues INSTALL [for install and make selectable]
// for a bare security domain: the executable load file and module AIDs
// are empty, as is the install parameter and token field (spec.md §4.5).
func CreateSecurityDomain(t Transport, aid []byte, privileges byte) (apdu.Response, error) {
	data := tlvLen(nil)
	data = append(data, tlvLen(nil)...)
	data = append(data, tlvLen(aid)...)
	data = append(data, tlvLen([]byte{privileges})...)
	data = append(data, tlvLen(nil)...)
	data = append(data, tlvLen(nil)...)

	resp, err := t.WrapAndSend(apdu.Command{CLA: 0x80, INS: 0xE6, P1: 0x0C, P2: 0x00, Data: data, Le: bytePtr(0x00)})
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.Err() != nil {
		return resp, &CardError{Op: "INSTALL [for install and make selectable]", SW: resp.SW()}
	}
	return resp, nil
}

// tlvLen prepends a single-byte length to v (used by INSTALL's
// length-prefixed AID/privilege/parameter fields, not BER-TLV).
func tlvLen(v []byte) []byte {
	return append([]byte{byte(len(v))}, v...)
}

// CLFDBOp is a card life-cycle transition issued via SET STATUS.
type CLFDBOp string

const (
	OpLock           CLFDBOp = "lock"
	OpUnlock         CLFDBOp = "unlock"
	OpTerminate      CLFDBOp = "terminate"
	OpMakeSelectable CLFDBOp = "make_selectable"
)

// LifeCycleByte maps a CLFDB operation to its SET STATUS LC byte, total
// and injective per spec.md P5: lock->0x87, unlock->0x07, terminate->0xFF,
// make_selectable->0x07. This follows spec.md's mapping, not the CLFDB
// byte values the original Python tool's lifecycle table used (see
// DESIGN.md Open Question (c)).
func LifeCycleByte(op CLFDBOp) (byte, error) {
	switch op {
	case OpLock:
		return 0x87, nil
	case OpUnlock:
		return 0x07, nil
	case OpTerminate:
		return 0xFF, nil
	case OpMakeSelectable:
		return 0x07, nil
	default:
		return 0, fmt.Errorf("globalplatform: unknown CLFDB operation %q", op)
	}
}

// ApplicationScope selects the SET STATUS P1 byte for the given CLFDB
// target kind: 0x80 application, 0x40 security domain (spec.md §4.5,
// resolving REDESIGN FLAG (c): scope-aware P1, not a hardcoded 0x80).
func ApplicationScope(targetIsSD bool) byte {
	if targetIsSD {
		return 0x40
	}
	return 0x80
}

// PerformCLFDB issues SET STATUS to transition targetAID's life-cycle.
func PerformCLFDB(t Transport, targetAID []byte, op CLFDBOp, targetIsSD bool) (apdu.Response, error) {
	lc, err := LifeCycleByte(op)
	if err != nil {
		return apdu.Response{}, err
	}
	data := append(tlvLen(targetAID), lc)
	resp, err := t.WrapAndSend(apdu.Command{
		CLA: 0x80, INS: 0xF0, P1: ApplicationScope(targetIsSD), P2: 0x00,
		Data: data, Le: bytePtr(0x00),
	})
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.Err() != nil {
		return resp, &CardError{Op: "SET STATUS", SW: resp.SW()}
	}
	return resp, nil
}

// Extradite reparents objectAID to targetSDAID via SET STATUS P1=0x60
// (spec.md §4.5).
func Extradite(t Transport, objectAID, targetSDAID []byte) (apdu.Response, error) {
	data := append(tlvLen(objectAID), tlvLen(targetSDAID)...)
	resp, err := t.WrapAndSend(apdu.Command{CLA: 0x80, INS: 0xF0, P1: 0x60, P2: 0x00, Data: data, Le: bytePtr(0x00)})
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.Err() != nil {
		return resp, &CardError{Op: "extradite", SW: resp.SW()}
	}
	return resp, nil
}

// GetData issues GET DATA for the given two-byte tag (P1/P2, spec.md §4.5)
// and unwraps the response with the single-byte tag/length tlv codec: it
// returns the value of the first entry whose tag equals the tag's low byte,
// or the whole response data when no entry matches. A response whose first
// entry does not parse as single-byte tag and length is an error.
func GetData(t Transport, tag uint16) ([]byte, error) {
	resp, err := t.WrapAndSend(apdu.Command{
		CLA: 0x80, INS: 0xCA, P1: byte(tag >> 8), P2: byte(tag), Le: bytePtr(0x00),
	})
	if err != nil {
		return nil, err
	}
	if resp.Err() != nil {
		return nil, &CardError{Op: "GET DATA", SW: resp.SW()}
	}
	entries, err := tlv.Parse(resp.Data)
	if err != nil && len(entries) == 0 {
		return nil, fmt.Errorf("globalplatform: GET DATA response: %w", err)
	}
	if v, ok := tlv.Find(entries, byte(tag)); ok {
		return v, nil
	}
	return resp.Data, nil
}

func bytePtr(b byte) *byte { return &b }
