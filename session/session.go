// Package session is the card-session façade (spec.md §4.8): one object a
// caller holds that opens a card channel, optionally establishes a secure
// channel against a named keyset, and offers high-level operations over
// the GlobalPlatform command layer and the OTA envelope builder.
//
// Grounded on sim/gp_manage.go's OpenGPSCP02/ListAppletsSecure
// orchestration, generalized to inject the secure channel, command layer,
// and OTA builder rather than constructing them inline, and to support
// SCP03 as well as the teacher's SCP02-only path (spec.md Design Note 9 —
// dependency injection instead of a global session singleton).
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/ota"
	"github.com/veenone/ccm-tool/reader"
	"github.com/veenone/ccm-tool/securechannel"
	"github.com/veenone/ccm-tool/store"
)

// ErrNotConnected is returned by any operation that needs a card channel
// when none is open (spec.md §7).
var ErrNotConnected = errors.New("session: not connected to a reader")

// ErrNotAuthenticated is returned by any operation that needs a secure
// channel when none is open (spec.md §4.8, §7).
var ErrNotAuthenticated = errors.New("session: secure channel not established")

// ReaderDialer opens a card channel by reader name and timeout. Injected
// rather than called globally so tests can substitute a fake; production
// callers pass a thin wrapper around reader.Connect.
type ReaderDialer func(readerName string, timeout time.Duration) (reader.CardChannel, error)

// Session coordinates a card channel, an optional secure channel, the
// GlobalPlatform command layer, and the OTA envelope builder behind one
// façade (spec.md §4.8).
type Session struct {
	store  *store.Store
	dial   ReaderDialer
	ch     reader.CardChannel
	secure securechannel.Session
	isdAID []byte
}

// New constructs a Session with injected dependencies — a persistent
// store and a way to open reader channels — never global state (spec.md
// Design Note 9).
func New(st *store.Store, dial ReaderDialer) *Session {
	return &Session{store: st, dial: dial, isdAID: globalplatform.DefaultISDAID}
}

// DialPCSC adapts reader.Connect to the ReaderDialer signature for
// production callers; tests inject their own fake dialer instead.
func DialPCSC(readerName string, timeout time.Duration) (reader.CardChannel, error) {
	return reader.Connect(readerName, timeout)
}

// Connect opens the named reader's card channel and selects the Card
// Manager (ISD). It does not establish a secure channel.
func (s *Session) Connect(readerName string, timeout time.Duration) error {
	ch, err := s.dial(readerName, timeout)
	if err != nil {
		return fmt.Errorf("session: connect %q: %w", readerName, err)
	}
	transport := globalplatform.RawTransport{Channel: ch}
	if _, err := globalplatform.SelectCardManager(transport, s.isdAID); err != nil {
		ch.Close()
		return fmt.Errorf("session: select card manager: %w", err)
	}
	s.ch = ch
	return nil
}

// Disconnect closes the secure channel (if any) and the card channel.
func (s *Session) Disconnect() error {
	if s.secure != nil {
		_ = s.secure.Close()
		s.secure = nil
	}
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}

// Close releases all resources held by the session; equivalent to
// Disconnect.
func (s *Session) Close() error { return s.Disconnect() }

// EstablishSecureChannel opens SCP02 or SCP03 against the named keyset,
// per the keyset's own Protocol field (spec.md §4.4, §4.8).
func (s *Session) EstablishSecureChannel(keysetName, valueSet string, kvn byte, level securechannel.SecurityLevel) error {
	if s.ch == nil {
		return ErrNotConnected
	}
	ks, err := s.store.GetKeyset(keysetName, valueSet)
	if err != nil {
		return fmt.Errorf("session: load keyset %q: %w", keysetName, err)
	}
	keys, err := decodeKeySet(ks)
	if err != nil {
		return err
	}

	var sc securechannel.Session
	switch ks.Protocol {
	case "SCP02":
		sc, err = securechannel.OpenSCP02(s.ch, keys, kvn, level)
	case "SCP03":
		sc, err = securechannel.OpenSCP03(s.ch, keys, kvn, level)
	default:
		return fmt.Errorf("session: keyset %q has unsupported protocol %q", keysetName, ks.Protocol)
	}
	if err != nil {
		return fmt.Errorf("session: establish secure channel: %w", err)
	}
	s.secure = sc
	return nil
}

// CloseSecureChannel tears down the active secure channel, leaving the
// card channel itself connected.
func (s *Session) CloseSecureChannel() error {
	if s.secure == nil {
		return ErrNotAuthenticated
	}
	err := s.secure.Close()
	s.secure = nil
	return err
}

// SecureChannelInfo reports the protocol and security level of the active
// secure channel, if any — used by status-reporting callers such as the
// CLI's `status` command.
func (s *Session) SecureChannelInfo() (protocol securechannel.Protocol, level securechannel.SecurityLevel, ok bool) {
	if s.secure == nil {
		return "", 0, false
	}
	return s.secure.Protocol(), s.secure.SecurityLevel(), true
}

// CardInfo decodes the connected channel's ATR into a best-effort card
// descriptor, for the CLI's `card-info` command.
func (s *Session) CardInfo() (reader.CardInfo, error) {
	if s.ch == nil {
		return reader.CardInfo{}, ErrNotConnected
	}
	return reader.DecodeATR(s.ch.ATR()), nil
}

func decodeKeySet(k store.Keyset) (securechannel.KeySet, error) {
	enc, err := hexKey(k.EncKeyHex)
	if err != nil {
		return securechannel.KeySet{}, fmt.Errorf("session: ENC key: %w", err)
	}
	mac, err := hexKey(k.MACKeyHex)
	if err != nil {
		return securechannel.KeySet{}, fmt.Errorf("session: MAC key: %w", err)
	}
	dek, err := hexKey(k.DEKKeyHex)
	if err != nil {
		return securechannel.KeySet{}, fmt.Errorf("session: DEK key: %w", err)
	}
	return securechannel.KeySet{ENC: enc, MAC: mac, DEK: dek}, nil
}

func hexKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 16 && len(b) != 24 {
		return nil, fmt.Errorf("key must be 16 or 24 bytes, got %d", len(b))
	}
	return b, nil
}

// transport returns the active secure channel if one is open, otherwise
// the plain (unauthenticated) card channel — used by operations that can
// run either way (e.g. GET STATUS often does not require a secure
// channel, but CLFDB always does per spec.md §4.5).
func (s *Session) transport() (globalplatform.Transport, error) {
	if s.ch == nil {
		return nil, ErrNotConnected
	}
	if s.secure != nil {
		return s.secure, nil
	}
	return &globalplatform.RawTransport{Channel: s.ch}, nil
}

func (s *Session) securedTransport() (globalplatform.Transport, error) {
	if s.ch == nil {
		return nil, ErrNotConnected
	}
	if s.secure == nil {
		return nil, ErrNotAuthenticated
	}
	return s.secure, nil
}

// ListSecurityDomains returns every registry entry classified as a
// security domain (ISD, SSD, or DMSD) — spec.md §4.5 scenario S3.
func (s *Session) ListSecurityDomains() ([]globalplatform.Entry, error) {
	entries, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []globalplatform.Entry
	for _, e := range entries {
		if e.Kind != globalplatform.KindApplication {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListApplications returns every registry entry classified as a plain
// application.
func (s *Session) ListApplications() ([]globalplatform.Entry, error) {
	entries, err := s.listAll()
	if err != nil {
		return nil, err
	}
	var out []globalplatform.Entry
	for _, e := range entries {
		if e.Kind == globalplatform.KindApplication {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Session) listAll() ([]globalplatform.Entry, error) {
	t, err := s.transport()
	if err != nil {
		return nil, err
	}
	return globalplatform.GetStatus(t, globalplatform.ScopeAppsAndSDs, s.isdAID)
}

// CreateSD issues INSTALL [for install and make selectable] for a new
// security domain (spec.md §4.5) under the active secure channel.
func (s *Session) CreateSD(aid []byte, privileges byte) error {
	t, err := s.securedTransport()
	if err != nil {
		return err
	}
	if _, err := globalplatform.CreateSecurityDomain(t, aid, privileges); err != nil {
		return fmt.Errorf("session: create security domain: %w", err)
	}
	return nil
}

// CLFDB applies a life-cycle change to aid (spec.md §4.5 scenario S4);
// targetIsSD selects the scope-aware P1 byte.
func (s *Session) CLFDB(aid []byte, op globalplatform.CLFDBOp, targetIsSD bool) error {
	t, err := s.securedTransport()
	if err != nil {
		return err
	}
	if _, err := globalplatform.PerformCLFDB(t, aid, op, targetIsSD); err != nil {
		return fmt.Errorf("session: clfdb: %w", err)
	}
	return nil
}

// Extradite moves objectAID under targetSDAID's management (spec.md §4.5).
func (s *Session) Extradite(objectAID, targetSDAID []byte) error {
	t, err := s.securedTransport()
	if err != nil {
		return err
	}
	if _, err := globalplatform.Extradite(t, objectAID, targetSDAID); err != nil {
		return fmt.Errorf("session: extradite: %w", err)
	}
	return nil
}

// BuildOTA generates and persists a CLFDB OTA message (spec.md §4.7); it
// does not require a card channel or secure channel, since the builder
// only assembles an SMS-PP envelope for out-of-band delivery.
func (s *Session) BuildOTA(p ota.GenerateCLFDBParams) (store.OTAMessage, error) {
	return ota.GenerateCLFDB(s.store, p)
}

// BuildOTACustom generates and persists a custom-APDU OTA message.
func (s *Session) BuildOTACustom(templateName string, targetAID []byte, apduHex, keysetName, valueSet string) (store.OTAMessage, error) {
	return ota.GenerateCustom(s.store, templateName, targetAID, apduHex, keysetName, valueSet)
}
