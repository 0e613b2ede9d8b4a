// Package securechannel implements the GlobalPlatform Secure Channel
// Protocol engine: SCP02 (3DES) and SCP03 (AES-CMAC) mutual authentication,
// session-key derivation, and per-APDU secure messaging (C-MAC, C-ENC, and
// R-MAC for SCP03). Grounded on card/globalplatform_scp02.go and
// card/globalplatform_scp03.go in the teacher repo, generalized behind a
// common Session interface so the GlobalPlatform command layer (C5) and
// the session façade (C8) do not need to branch on protocol.
package securechannel

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/veenone/ccm-tool/apdu"
	"github.com/veenone/ccm-tool/gpcrypto"
	"github.com/veenone/ccm-tool/reader"
)

// Protocol identifies which secure channel variant a session speaks.
type Protocol string

const (
	SCP02 Protocol = "SCP02"
	SCP03 Protocol = "SCP03"
)

// SecurityLevel mirrors the GlobalPlatform security level byte carried in
// EXTERNAL AUTHENTICATE's P1 (spec.md §4.4).
type SecurityLevel byte

const (
	LevelCMAC        SecurityLevel = 0x01
	LevelCMACAndENC  SecurityLevel = 0x03
	LevelCMACENCRMAC SecurityLevel = 0x33
)

// KeySet is a static triple of symmetric keys (spec.md §3 Keyset).
type KeySet struct {
	ENC []byte
	MAC []byte
	DEK []byte
}

// ErrNotEstablished is returned when an operation is attempted on a
// session that failed to open or has already been closed (spec.md §4.4).
var ErrNotEstablished = errors.New("securechannel: session not established")

// Error wraps a secure-channel-fatal condition: card cryptogram mismatch,
// MAC verification failure, or a malformed handshake response. Per
// spec.md §7, it is always fatal for the session.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("securechannel: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Session is the common capability the GlobalPlatform layer consumes: an
// open secure channel able to wrap and send one APDU at a time, and to
// close, zeroizing its keys (spec.md §5).
type Session interface {
	Protocol() Protocol
	SecurityLevel() SecurityLevel
	WrapAndSend(cmd apdu.Command) (apdu.Response, error)
	Close() error
}

type state int

const (
	stateOpen state = iota
	stateClosed
)

// --- SCP02 ---

type scp02Session struct {
	ch    reader.CardChannel
	kvn   byte
	level SecurityLevel
	state state

	senc []byte
	smac []byte
	sdek []byte

	icv        []byte
	icvEncrypt bool
}

// OpenSCP02 performs the SCP02 handshake (INITIALIZE UPDATE / EXTERNAL
// AUTHENTICATE) over ch and, on success, returns an open Session
// (spec.md §4.4). The session-key derivation block uses the two response
// bytes that follow KDD|KVN|SCP_ID: GlobalPlatform's layout names them the
// sequence counter (seq below), and they are card_challenge[0:2] when the
// next eight bytes are read as one card challenge, as DESIGN.md's Open
// Question (a) does.
func OpenSCP02(ch reader.CardChannel, static KeySet, kvn byte, level SecurityLevel) (Session, error) {
	enc, err := gpcrypto.Expand3DESKey(static.ENC)
	if err != nil {
		return nil, &Error{Op: "ENC key", Err: err}
	}
	mac, err := gpcrypto.Expand3DESKey(static.MAC)
	if err != nil {
		return nil, &Error{Op: "MAC key", Err: err}
	}
	var dek []byte
	if len(static.DEK) > 0 {
		dek, err = gpcrypto.Expand3DESKey(static.DEK)
		if err != nil {
			return nil, &Error{Op: "DEK key", Err: err}
		}
	}

	hostChallenge, err := gpcrypto.RandomChallenge(8)
	if err != nil {
		return nil, &Error{Op: "host challenge", Err: err}
	}

	cmd := apdu.Command{CLA: 0x80, INS: 0x50, P1: kvn, P2: 0x00, Data: hostChallenge}
	resp, err := transmit(ch, cmd)
	if err != nil {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: resp.Err()}
	}
	if len(resp.Data) < 28 {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: fmt.Errorf("response too short: %d bytes", len(resp.Data))}
	}

	seq := resp.Data[12:14]
	cardChallenge := resp.Data[14:20]
	cardCryptogram := resp.Data[20:28]

	senc, err := scp02Derive(enc, 0x01, 0x82, seq)
	if err != nil {
		return nil, &Error{Op: "derive S_ENC", Err: err}
	}
	smac, err := scp02Derive(mac, 0x01, 0x01, seq)
	if err != nil {
		return nil, &Error{Op: "derive S_MAC", Err: err}
	}
	var sdek []byte
	if len(dek) > 0 {
		sdek, err = scp02Derive(dek, 0x01, 0x81, seq)
		if err != nil {
			return nil, &Error{Op: "derive S_DEK", Err: err}
		}
	}

	expectedCryptogram, err := scp02Cryptogram(senc, hostChallenge, seq, cardChallenge)
	if err != nil {
		return nil, &Error{Op: "card cryptogram", Err: err}
	}
	if !bytes.Equal(expectedCryptogram, cardCryptogram) {
		return nil, &Error{Op: "card cryptogram", Err: fmt.Errorf("mismatch: expected %X, got %X", expectedCryptogram, cardCryptogram)}
	}

	s := &scp02Session{
		ch: ch, kvn: kvn, level: level, state: stateOpen,
		senc: senc, smac: smac, sdek: sdek,
		icv: make([]byte, 8), icvEncrypt: true,
	}

	hostCryptogram, err := scp02Cryptogram(senc, seq, cardChallenge, hostChallenge)
	if err != nil {
		return nil, &Error{Op: "host cryptogram", Err: err}
	}
	macBytes, err := s.computeCMAC([]byte{0x84, 0x82, byte(level), 0x00}, hostCryptogram, true)
	if err != nil {
		return nil, &Error{Op: "EXTERNAL AUTHENTICATE MAC", Err: err}
	}
	extData := append(append([]byte(nil), hostCryptogram...), macBytes...)
	resp, err = transmit(ch, apdu.Command{CLA: 0x84, INS: 0x82, P1: byte(level), P2: 0x00, Data: extData})
	if err != nil {
		return nil, &Error{Op: "EXTERNAL AUTHENTICATE", Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "EXTERNAL AUTHENTICATE", Err: resp.Err()}
	}

	return s, nil
}

// scp02Derive computes one SCP02 session key: 3DES-CBC-encrypt a
// constant||sequence-counter||zero-pad block under a static key, then
// expand the 16-byte result to 24 bytes (spec.md §4.4 step 4).
func scp02Derive(static24 []byte, c0, c1 byte, seq []byte) ([]byte, error) {
	block := make([]byte, 0, 16)
	block = append(block, c0, c1)
	block = append(block, seq...)
	block = append(block, make([]byte, 12)...)
	out, err := gpcrypto.TripleDESCBCEncrypt(static24, make([]byte, 8), block)
	if err != nil {
		return nil, err
	}
	return gpcrypto.Expand3DESKey(out)
}

// scp02Cryptogram computes either the card or host cryptogram: ISO 7816-4
// pad(a||b||c), 3DES-CBC under S_ENC, last 8 bytes of the result. Swapping
// argument order between the two calls yields card vs. host cryptograms
// (spec.md §4.4 steps 5-6).
func scp02Cryptogram(senc24, a, b, c []byte) ([]byte, error) {
	in := append(append(append([]byte(nil), a...), b...), c...)
	in = gpcrypto.PadISO7816_4(in, 8)
	out, err := gpcrypto.TripleDESCBCEncrypt(senc24, make([]byte, 8), in)
	if err != nil {
		return nil, err
	}
	return out[len(out)-8:], nil
}

// computeCMAC computes SCP02's retail MAC over header||Lc'||data, chaining
// from the session's current ICV (or a reset zero ICV for the handshake
// MAC), then advances the ICV per the "ICV-encrypted" variant: the new ICV
// is DES-ECB-encrypt(K1, mac) rather than the raw mac (spec.md §4.4,
// resolving REDESIGN FLAG (b): proper retail-MAC chaining from the prior
// command's MAC, not a fresh zero ICV each time).
func (s *scp02Session) computeCMAC(header4, data []byte, resetICV bool) ([]byte, error) {
	icv := s.icv
	if resetICV || len(icv) != 8 {
		icv = make([]byte, 8)
	}
	lc := byte(len(data) + 8)
	msg := append(append([]byte(nil), header4...), lc)
	msg = append(msg, data...)

	mac, err := gpcrypto.RetailMAC(s.smac, icv, msg)
	if err != nil {
		return nil, err
	}
	if s.icvEncrypt {
		newICV, err := gpcrypto.DESECBEncrypt(s.smac[0:8], mac)
		if err != nil {
			return nil, err
		}
		s.icv = newICV
	} else {
		s.icv = append([]byte(nil), mac...)
	}
	return mac, nil
}

func (s *scp02Session) Protocol() Protocol           { return SCP02 }
func (s *scp02Session) SecurityLevel() SecurityLevel { return s.level }

func (s *scp02Session) WrapAndSend(cmd apdu.Command) (apdu.Response, error) {
	if s.state != stateOpen {
		return apdu.Response{}, ErrNotEstablished
	}
	secureCLA := byte(0x84)
	data := cmd.Data
	if (s.level == LevelCMACAndENC || s.level == LevelCMACENCRMAC) && len(data) > 0 {
		padded := gpcrypto.PadISO7816_4(data, 8)
		enc, err := gpcrypto.TripleDESCBCEncrypt(s.senc, make([]byte, 8), padded)
		if err != nil {
			s.invalidate()
			return apdu.Response{}, &Error{Op: "C-ENC", Err: err}
		}
		data = enc
	}

	mac, err := s.computeCMAC([]byte{secureCLA, cmd.INS, cmd.P1, cmd.P2}, data, false)
	if err != nil {
		s.invalidate()
		return apdu.Response{}, &Error{Op: "C-MAC", Err: err}
	}
	wrapped := apdu.Command{
		CLA: secureCLA, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2,
		Data: append(append([]byte(nil), data...), mac...),
		Le:   cmd.Le,
	}

	resp, err := transmit(s.ch, wrapped)
	if err != nil {
		s.invalidate()
		return apdu.Response{}, &Error{Op: "transmit", Err: err}
	}
	if resp.Err() != nil && !resp.HasMoreData() {
		return resp, nil
	}
	return resp, nil
}

func (s *scp02Session) Close() error {
	s.invalidate()
	return nil
}

func (s *scp02Session) invalidate() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	zero(s.senc)
	zero(s.smac)
	zero(s.sdek)
	zero(s.icv)
}

// --- SCP03 ---

type scp03Session struct {
	ch    reader.CardChannel
	kvn   byte
	level SecurityLevel
	state state

	senc  []byte
	smac  []byte
	srmac []byte

	chaining []byte
	counter  uint32
}

// OpenSCP03 performs the SCP03 handshake and returns an open Session
// (spec.md §4.4).
func OpenSCP03(ch reader.CardChannel, static KeySet, kvn byte, level SecurityLevel) (Session, error) {
	if len(static.ENC) != 16 || len(static.MAC) != 16 {
		return nil, &Error{Op: "static keys", Err: fmt.Errorf("SCP03 requires 16-byte AES-128 keys")}
	}

	hostChallenge, err := gpcrypto.RandomChallenge(8)
	if err != nil {
		return nil, &Error{Op: "host challenge", Err: err}
	}

	cmd := apdu.Command{CLA: 0x80, INS: 0x50, P1: kvn, P2: 0x00, Data: hostChallenge}
	resp, err := transmit(ch, cmd)
	if err != nil {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: resp.Err()}
	}
	if len(resp.Data) < 10+3+8+8 {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: fmt.Errorf("response too short: %d bytes", len(resp.Data))}
	}
	if resp.Data[11] != 0x03 {
		return nil, &Error{Op: "INITIALIZE UPDATE", Err: fmt.Errorf("card did not select SCP03 (scp_id=0x%02X)", resp.Data[11])}
	}
	cardChallenge := resp.Data[13:21]
	cardCryptogram := resp.Data[21:29]

	context := append(append([]byte(nil), hostChallenge...), cardChallenge...)
	senc, err := scp03KDF(0x04, context, static.ENC, 16)
	if err != nil {
		return nil, &Error{Op: "derive S_ENC", Err: err}
	}
	smac, err := scp03KDF(0x06, context, static.MAC, 16)
	if err != nil {
		return nil, &Error{Op: "derive S_MAC", Err: err}
	}
	srmac, err := scp03KDF(0x07, context, static.MAC, 16)
	if err != nil {
		return nil, &Error{Op: "derive S_RMAC", Err: err}
	}

	expectedCryptogram, err := scp03KDF(0x00, context, smac, len(cardCryptogram))
	if err != nil {
		return nil, &Error{Op: "card cryptogram", Err: err}
	}
	if !bytes.Equal(expectedCryptogram, cardCryptogram) {
		return nil, &Error{Op: "card cryptogram", Err: fmt.Errorf("mismatch: expected %X, got %X", expectedCryptogram, cardCryptogram)}
	}

	s := &scp03Session{
		ch: ch, kvn: kvn, level: level, state: stateOpen,
		senc: senc, smac: smac, srmac: srmac,
		chaining: make([]byte, 16),
	}

	hostCryptogram, err := scp03KDF(0x01, context, smac, len(cardCryptogram))
	if err != nil {
		return nil, &Error{Op: "host cryptogram", Err: err}
	}
	resp, err = s.WrapAndSend(apdu.Command{CLA: 0x80, INS: 0x82, P1: byte(level), P2: 0x00, Data: hostCryptogram, Le: bytePtr(0x00)})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "EXTERNAL AUTHENTICATE", Err: resp.Err()}
	}

	return s, nil
}

// scp03KDF implements the SP 800-108 CMAC counter-mode KDF GlobalPlatform
// Amendment D specifies: info = 11 zero bytes || constant || 0x00 ||
// L(2, big-endian bits) || counter(1) || context, a single iteration
// suffices for outputs up to 16 bytes (spec.md §4.4 step 3).
func scp03KDF(constant byte, context, baseKey []byte, outLen int) ([]byte, error) {
	if len(baseKey) != 16 {
		return nil, fmt.Errorf("securechannel: SCP03 KDF requires a 16-byte base key")
	}
	lBits := outLen * 8
	label := append(bytes.Repeat([]byte{0x00}, 11), constant)
	info := make([]byte, 0, len(label)+1+2+1+len(context))
	info = append(info, label...)
	info = append(info, 0x00)
	info = append(info, byte(lBits>>8), byte(lBits))
	info = append(info, 0x01)
	info = append(info, context...)
	dk, err := gpcrypto.AESCMAC(baseKey, info)
	if err != nil {
		return nil, err
	}
	return dk[:outLen], nil
}

func (s *scp03Session) Protocol() Protocol          { return SCP03 }
func (s *scp03Session) SecurityLevel() SecurityLevel { return s.level }

func (s *scp03Session) WrapAndSend(cmd apdu.Command) (apdu.Response, error) {
	if s.state != stateOpen {
		return apdu.Response{}, ErrNotEstablished
	}
	secureCLA := byte(0x84)
	data := cmd.Data
	if (s.level == LevelCMACAndENC || s.level == LevelCMACENCRMAC) && len(data) > 0 {
		padded := gpcrypto.PadISO7816_4(data, 16)
		enc, err := gpcrypto.AESCBCEncrypt(s.senc, s.chainingIV(), padded)
		if err != nil {
			s.invalidate()
			return apdu.Response{}, &Error{Op: "C-ENC", Err: err}
		}
		data = enc
	}

	const macLen = 8
	header := []byte{secureCLA, cmd.INS, cmd.P1, cmd.P2, byte(len(data) + macLen)}
	macInput := append(append([]byte(nil), s.chaining...), header...)
	macInput = append(macInput, data...)
	fullMAC, err := gpcrypto.AESCMAC(s.smac, macInput)
	if err != nil {
		s.invalidate()
		return apdu.Response{}, &Error{Op: "C-MAC", Err: err}
	}
	s.chaining = fullMAC
	s.counter++

	wrapped := apdu.Command{
		CLA: secureCLA, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2,
		Data: append(append([]byte(nil), data...), fullMAC[:macLen]...),
		Le:   cmd.Le,
	}

	resp, err := transmit(s.ch, wrapped)
	if err != nil {
		s.invalidate()
		return apdu.Response{}, &Error{Op: "transmit", Err: err}
	}

	if s.level == LevelCMACENCRMAC {
		unwrapped, err := s.unwrapRMAC(resp)
		if err != nil {
			s.invalidate()
			return apdu.Response{}, err
		}
		return unwrapped, nil
	}
	return resp, nil
}

// unwrapRMAC peels and verifies a trailing 8-byte R-MAC from resp.Data,
// computed over the chaining value, the remaining response data, and
// SW1 SW2 (spec.md §4.4 "Per-APDU unwrap"). It does not update the C-MAC
// chain: the next outgoing command continues from the last C-MAC value.
func (s *scp03Session) unwrapRMAC(resp apdu.Response) (apdu.Response, error) {
	if len(resp.Data) < 8 {
		return apdu.Response{}, &Error{Op: "R-MAC", Err: fmt.Errorf("response too short to carry R-MAC")}
	}
	payload := resp.Data[:len(resp.Data)-8]
	rmac := resp.Data[len(resp.Data)-8:]

	msg := append(append([]byte(nil), s.chaining...), payload...)
	msg = append(msg, resp.SW1, resp.SW2)
	expected, err := gpcrypto.AESCMAC(s.srmac, msg)
	if err != nil {
		return apdu.Response{}, &Error{Op: "R-MAC", Err: err}
	}
	if !bytes.Equal(expected[:8], rmac) {
		return apdu.Response{}, &Error{Op: "R-MAC", Err: fmt.Errorf("verification failed")}
	}
	return apdu.Response{Data: payload, SW1: resp.SW1, SW2: resp.SW2}, nil
}

func (s *scp03Session) chainingIV() []byte {
	if len(s.chaining) == 16 {
		return s.chaining
	}
	return make([]byte, 16)
}

func (s *scp03Session) Close() error {
	s.invalidate()
	return nil
}

func (s *scp03Session) invalidate() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	zero(s.senc)
	zero(s.smac)
	zero(s.srmac)
	zero(s.chaining)
}

// --- shared helpers ---

func transmit(ch reader.CardChannel, cmd apdu.Command) (apdu.Response, error) {
	raw, err := ch.Transmit(cmd.Bytes())
	if err != nil {
		return apdu.Response{}, err
	}
	resp, err := apdu.ParseResponse(raw)
	if err != nil {
		return apdu.Response{}, err
	}
	if resp.HasMoreData() {
		le := resp.SW2
		more, err := ch.Transmit(apdu.Command{CLA: 0x00, INS: 0xC0, P1: 0x00, P2: 0x00, Le: &le}.Bytes())
		if err == nil {
			if moreResp, perr := apdu.ParseResponse(more); perr == nil {
				return moreResp, nil
			}
		}
	}
	return resp, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func bytePtr(b byte) *byte { return &b }
