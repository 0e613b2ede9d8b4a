// Package ota builds ETSI TS 102.225 / 102.226 OTA SMS-PP command packets
// and wraps them in an SMS-DELIVER TPDU with a User Data Header, ready to
// hand to a cellular bearer (spec.md §4.7). Grounded on
// original_source/src/ota_manager.py — the teacher repo has no OTA layer
// of its own — reworked to the spec's header layout (2-byte SPI, separate
// KIc/KID fields, ISO 7816-4 padding instead of PKCS#7) and its lifecycle
// mapping rather than the Python original's.
package ota

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/gpcrypto"
	"github.com/veenone/ccm-tool/store"
)

// Operation is the CLFDB action a generated OTA message carries.
type Operation string

const (
	OpLock           Operation = "LOCK"
	OpUnlock         Operation = "UNLOCK"
	OpTerminate      Operation = "TERMINATE"
	OpMakeSelectable Operation = "MAKE_SELECTABLE"
	OpCustom         Operation = "CUSTOM"
)

func (op Operation) clfdbOp() (globalplatform.CLFDBOp, error) {
	switch op {
	case OpLock:
		return globalplatform.OpLock, nil
	case OpUnlock:
		return globalplatform.OpUnlock, nil
	case OpTerminate:
		return globalplatform.OpTerminate, nil
	case OpMakeSelectable:
		return globalplatform.OpMakeSelectable, nil
	default:
		return "", fmt.Errorf("ota: operation %q has no CLFDB life-cycle byte", op)
	}
}

// BuildCommand substitutes a template's placeholders and returns the
// resulting command APDU bytes (spec.md §4.7 step 1, §6 placeholder
// grammar). Supported identifiers: aid, aid_length, lifecycle, counter,
// spi, tar. Any other `{...}` substring is an error.
func BuildCommand(tpl store.OTATemplate, aid []byte, op Operation, counter uint32) ([]byte, error) {
	text := tpl.CommandTemplate

	if strings.Contains(text, "{lifecycle}") {
		gpOp, err := op.clfdbOp()
		if err != nil {
			return nil, err
		}
		lc, err := globalplatform.LifeCycleByte(gpOp)
		if err != nil {
			return nil, err
		}
		text = strings.ReplaceAll(text, "{lifecycle}", fmt.Sprintf("%02X", lc))
	}
	text = strings.ReplaceAll(text, "{aid_length}", fmt.Sprintf("%02X", len(aid)))
	text = strings.ReplaceAll(text, "{aid}", strings.ToUpper(hex.EncodeToString(aid)))
	text = strings.ReplaceAll(text, "{counter}", fmt.Sprintf("%06X", counter&0xFFFFFF))
	text = strings.ReplaceAll(text, "{spi}", strings.ToUpper(tpl.SPIHex))
	text = strings.ReplaceAll(text, "{tar}", strings.ToUpper(tpl.TARHex))

	if i := strings.IndexByte(text, '{'); i != -1 {
		return nil, fmt.Errorf("ota: unknown placeholder in template %q: %s", tpl.Name, text[i:])
	}

	cmd, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("ota: template %q did not decode to valid hex: %w", tpl.Name, err)
	}
	return cmd, nil
}

// Header is the decoded ETSI TS 102.225 command packet security header
// (spec.md §4.7 step 2).
type Header struct {
	SPI     [2]byte
	KIc     byte
	KID     byte
	TAR     [3]byte
	Counter uint32 // truncated to 3 bytes on the wire
	PCNTR   byte
}

func headerFromTemplate(tpl store.OTATemplate, counter uint32) (Header, error) {
	spi, err := hex.DecodeString(tpl.SPIHex)
	if err != nil || len(spi) != 2 {
		return Header{}, fmt.Errorf("ota: template %q has invalid SPI %q", tpl.Name, tpl.SPIHex)
	}
	kic, err := hex.DecodeString(tpl.KIcHex)
	if err != nil || len(kic) != 1 {
		return Header{}, fmt.Errorf("ota: template %q has invalid KIc %q", tpl.Name, tpl.KIcHex)
	}
	kid, err := hex.DecodeString(tpl.KIDHex)
	if err != nil || len(kid) != 1 {
		return Header{}, fmt.Errorf("ota: template %q has invalid KID %q", tpl.Name, tpl.KIDHex)
	}
	tar, err := hex.DecodeString(tpl.TARHex)
	if err != nil || len(tar) != 3 {
		return Header{}, fmt.Errorf("ota: template %q has invalid TAR %q", tpl.Name, tpl.TARHex)
	}
	var h Header
	h.SPI[0], h.SPI[1] = spi[0], spi[1]
	h.KIc = kic[0]
	h.KID = kid[0]
	copy(h.TAR[:], tar)
	h.Counter = counter
	h.PCNTR = byte(tpl.PaddingCounter)
	return h, nil
}

func (h Header) bytes() []byte {
	cntr := []byte{byte(h.Counter >> 16), byte(h.Counter >> 8), byte(h.Counter)}
	out := make([]byte, 0, 11)
	out = append(out, h.SPI[0], h.SPI[1], h.KIc, h.KID)
	out = append(out, h.TAR[:]...)
	out = append(out, cntr...)
	out = append(out, h.PCNTR)
	return out
}

// SecureCommand produces the security packet: header bytes followed by
// the (optionally encrypted) command and an optional trailing MAC
// (spec.md §4.7 step 2).
func SecureCommand(command []byte, h Header, keyset store.Keyset) ([]byte, error) {
	packet := h.bytes()

	payload := command
	if h.SPI[0]&0x02 != 0 {
		encrypted, err := encryptPayload(command, keyset)
		if err != nil {
			return nil, fmt.Errorf("ota: encrypt command: %w", err)
		}
		payload = encrypted
	}
	packet = append(packet, payload...)

	if h.SPI[0]&0x01 != 0 {
		mac, err := macPayload(packet, keyset)
		if err != nil {
			return nil, fmt.Errorf("ota: MAC command: %w", err)
		}
		packet = append(packet, mac...)
	}
	return packet, nil
}

func encryptPayload(command []byte, keyset store.Keyset) ([]byte, error) {
	enc, err := hex.DecodeString(keyset.EncKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode K_ENC: %w", err)
	}
	if keyset.Protocol == "SCP03" {
		key := enc
		if len(key) > 16 {
			key = key[:16]
		}
		iv, err := gpcrypto.RandomChallenge(16)
		if err != nil {
			return nil, err
		}
		padded := gpcrypto.PadISO7816_4(command, 16)
		ct, err := gpcrypto.AESCBCEncrypt(key, iv, padded)
		if err != nil {
			return nil, err
		}
		return append(iv, ct...), nil
	}

	key24, err := gpcrypto.Expand3DESKey(enc)
	if err != nil {
		return nil, err
	}
	padded := gpcrypto.PadISO7816_4(command, 8)
	ct, err := gpcrypto.TripleDESCBCEncrypt(key24, make([]byte, 8), padded)
	if err != nil {
		return nil, err
	}
	return ct, nil
}

func macPayload(packet []byte, keyset store.Keyset) ([]byte, error) {
	mac, err := hex.DecodeString(keyset.MACKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode K_MAC: %w", err)
	}
	if keyset.Protocol == "SCP03" {
		key := mac
		if len(key) > 16 {
			key = key[:16]
		}
		full, err := gpcrypto.AESCMAC(key, packet)
		if err != nil {
			return nil, err
		}
		return full[:8], nil
	}
	key24, err := gpcrypto.Expand3DESKey(mac)
	if err != nil {
		return nil, err
	}
	full, err := gpcrypto.RetailMAC(key24, make([]byte, 8), packet)
	if err != nil {
		return nil, err
	}
	return full[:8], nil
}

const udhIEI = 0x70

// Envelope returns the User Data Header (IEI 0x70 and IEDL, the length of
// the secured packet) and, separately, the secured packet itself as the SMS
// user data (spec.md §4.7 step 3).
func Envelope(securedPacket []byte) (udh, userData []byte) {
	udh = []byte{udhIEI, byte(len(securedPacket))}
	return udh, securedPacket
}

// placeholderOriginatingAddress is the OTA server number used to build the
// originating-address TLV; spec.md leaves transport out of scope so any
// digit string that round-trips through BCD packing is acceptable.
const placeholderOriginatingAddress = "1234567890"

// BuildSMSTPDU assembles an SMS-DELIVER TPDU carrying udh and userData
// (spec.md §4.7 step 4).
func BuildSMSTPDU(udh, userData []byte) []byte {
	tpdu := make([]byte, 0, 16+len(udh)+len(userData))
	tpdu = append(tpdu, 0x44) // SMS-DELIVER, UDHI=1

	oa := placeholderOriginatingAddress
	tpdu = append(tpdu, byte(len(oa)), 0x91)
	tpdu = append(tpdu, bcdPack(oa)...)

	tpdu = append(tpdu, 0x7F) // PID: USIM download
	tpdu = append(tpdu, 0x00) // DCS
	tpdu = append(tpdu, make([]byte, 7)...) // SCTS

	udl := len(udh) + 1 + len(userData)
	tpdu = append(tpdu, byte(udl), byte(len(udh)))
	tpdu = append(tpdu, udh...)
	tpdu = append(tpdu, userData...)
	return tpdu
}

func bcdPack(digits string) []byte {
	var out []byte
	for i := 0; i < len(digits); i += 2 {
		lo := digits[i] - '0'
		hi := byte(0x0F)
		if i+1 < len(digits) {
			hi = digits[i+1] - '0'
		}
		out = append(out, hi<<4|lo)
	}
	return out
}

// GenerateCLFDBParams are the inputs to a CLFDB OTA message generation.
type GenerateCLFDBParams struct {
	TemplateName string
	TargetAID    []byte
	Operation    Operation
	KeysetName   string
	ValueSet     string
}

// GenerateCLFDB looks up the named template and keyset, advances the
// template's counter, builds and secures the CLFDB command, assembles the
// SMS-DELIVER TPDU, and persists the resulting OTAMessage with status
// PENDING (spec.md §4.7; "PENDING", not the Python original's "CREATED").
func GenerateCLFDB(s *store.Store, p GenerateCLFDBParams) (store.OTAMessage, error) {
	tpl, err := s.GetTemplate(p.TemplateName)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: template %q: %w", p.TemplateName, err)
	}
	keyset, err := s.GetKeyset(p.KeysetName, p.ValueSet)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: keyset %q in %q: %w", p.KeysetName, p.ValueSet, err)
	}
	if len(p.TargetAID) < 5 || len(p.TargetAID) > 16 {
		return store.OTAMessage{}, fmt.Errorf("ota: AID must be 5-16 bytes, got %d", len(p.TargetAID))
	}

	counter, err := s.AdvanceCounter(tpl.ID)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: advance counter: %w", err)
	}

	command, err := BuildCommand(tpl, p.TargetAID, p.Operation, counter)
	if err != nil {
		return store.OTAMessage{}, err
	}
	header, err := headerFromTemplate(tpl, counter)
	if err != nil {
		return store.OTAMessage{}, err
	}
	secured, err := SecureCommand(command, header, keyset)
	if err != nil {
		return store.OTAMessage{}, err
	}
	udh, userData := Envelope(secured)
	tpdu := BuildSMSTPDU(udh, userData)

	params, _ := json.Marshal(map[string]any{"template": p.TemplateName, "counter": counter})
	msg := store.OTAMessage{
		TemplateID: tpl.ID, TargetAID: strings.ToUpper(hex.EncodeToString(p.TargetAID)),
		Operation: string(p.Operation), ParametersJSON: string(params),
		SMSTPDUHex: strings.ToUpper(hex.EncodeToString(tpdu)),
		UDHHex:     strings.ToUpper(hex.EncodeToString(udh)),
		UserDataHex: strings.ToUpper(hex.EncodeToString(userData)),
		Status:      "PENDING",
	}
	id, err := s.AddMessage(msg)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: persist message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// GenerateCustom secures a caller-supplied raw APDU instead of one
// synthesized from a CLFDB template placeholder (spec.md §6 "ota-custom").
func GenerateCustom(s *store.Store, templateName string, targetAID []byte, commandHex, keysetName, valueSet string) (store.OTAMessage, error) {
	tpl, err := s.GetTemplate(templateName)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: template %q: %w", templateName, err)
	}
	keyset, err := s.GetKeyset(keysetName, valueSet)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: keyset %q in %q: %w", keysetName, valueSet, err)
	}
	command, err := hex.DecodeString(strings.TrimSpace(commandHex))
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: invalid APDU hex: %w", err)
	}

	counter, err := s.AdvanceCounter(tpl.ID)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: advance counter: %w", err)
	}
	header, err := headerFromTemplate(tpl, counter)
	if err != nil {
		return store.OTAMessage{}, err
	}
	secured, err := SecureCommand(command, header, keyset)
	if err != nil {
		return store.OTAMessage{}, err
	}
	udh, userData := Envelope(secured)
	tpdu := BuildSMSTPDU(udh, userData)

	params, _ := json.Marshal(map[string]any{"custom_apdu": commandHex})
	msg := store.OTAMessage{
		TemplateID: tpl.ID, TargetAID: strings.ToUpper(hex.EncodeToString(targetAID)),
		Operation: string(OpCustom), ParametersJSON: string(params),
		SMSTPDUHex: strings.ToUpper(hex.EncodeToString(tpdu)),
		UDHHex:     strings.ToUpper(hex.EncodeToString(udh)),
		UserDataHex: strings.ToUpper(hex.EncodeToString(userData)),
		Status:      "PENDING",
	}
	id, err := s.AddMessage(msg)
	if err != nil {
		return store.OTAMessage{}, fmt.Errorf("ota: persist message: %w", err)
	}
	msg.ID = id
	return msg, nil
}
