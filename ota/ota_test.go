package ota

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/veenone/ccm-tool/store"
)

func openTestStoreForOTA(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ota_test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func lockTemplate() store.OTATemplate {
	return store.OTATemplate{
		ID: 1, Name: "clfdb_lock", Type: "CLFDB",
		SPIHex: "0200", KIcHex: "01", KIDHex: "01", TARHex: "000000",
		CommandTemplate: "80E600{lifecycle}{aid_length}{aid}",
	}
}

func TestBuildCommand_LockUsesSpecLifecycleByte(t *testing.T) {
	aid := []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	cmd, err := BuildCommand(lockTemplate(), aid, OpLock, 1)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	want := []byte{0x80, 0xE6, 0x00, 0x87, 0x08, 0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	if len(cmd) != len(want) {
		t.Fatalf("len(cmd) = %d, want %d (cmd=% X)", len(cmd), len(want), cmd)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("cmd[%d] = %02X, want %02X (cmd=% X)", i, cmd[i], want[i], cmd)
		}
	}
}

func TestBuildCommand_UnknownPlaceholderErrors(t *testing.T) {
	tpl := lockTemplate()
	tpl.CommandTemplate = "80E600{lifecycle}{bogus}"
	if _, err := BuildCommand(tpl, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, OpLock, 1); err == nil {
		t.Fatal("expected error for unknown placeholder")
	}
}

func TestBuildCommand_CustomOperationWithoutLifecycleHasNoPlaceholder(t *testing.T) {
	tpl := lockTemplate()
	tpl.CommandTemplate = "80F2{aid_length}{aid}"
	aid := []byte{0xA0, 0x00, 0x00, 0x01, 0x51}
	cmd, err := BuildCommand(tpl, aid, OpCustom, 1)
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	if cmd[2] != byte(len(aid)) {
		t.Fatalf("aid_length byte = %02X, want %02X", cmd[2], len(aid))
	}
}

// S6: SMS-DELIVER TPDU first byte is 0x44, PID=0x7F, DCS=0x00, 7 zero SCTS
// bytes, and UDH/user data are carried verbatim after the UDL/UDHL bytes.
func TestBuildSMSTPDU_Layout(t *testing.T) {
	udh, userData := []byte{0x70, 0x02, 0xAA, 0xBB}, []byte{0xCC, 0xDD, 0xEE}
	tpdu := BuildSMSTPDU(udh, userData)

	if tpdu[0] != 0x44 {
		t.Fatalf("tpdu[0] = %02X, want 0x44 (SMS-DELIVER, UDHI=1)", tpdu[0])
	}
	oaLen := int(tpdu[1])
	if oaLen != len(placeholderOriginatingAddress) {
		t.Fatalf("OA length = %d, want %d", oaLen, len(placeholderOriginatingAddress))
	}
	if tpdu[2] != 0x91 {
		t.Fatalf("type-of-address = %02X, want 0x91", tpdu[2])
	}
	bcdLen := (len(placeholderOriginatingAddress) + 1) / 2
	off := 3 + bcdLen
	if tpdu[off] != 0x7F {
		t.Fatalf("PID = %02X, want 0x7F", tpdu[off])
	}
	if tpdu[off+1] != 0x00 {
		t.Fatalf("DCS = %02X, want 0x00", tpdu[off+1])
	}
	scts := tpdu[off+2 : off+9]
	for i, b := range scts {
		if b != 0 {
			t.Fatalf("SCTS[%d] = %02X, want 0x00", i, b)
		}
	}
	udl := int(tpdu[off+9])
	udhl := int(tpdu[off+10])
	if udl != len(udh)+1+len(userData) {
		t.Fatalf("UDL = %d, want %d", udl, len(udh)+1+len(userData))
	}
	if udhl != len(udh) {
		t.Fatalf("UDHL = %d, want %d", udhl, len(udh))
	}
	rest := tpdu[off+11:]
	if len(rest) != len(udh)+len(userData) {
		t.Fatalf("remaining bytes = %d, want %d", len(rest), len(udh)+len(userData))
	}
}

func TestEnvelope_HeaderCarriesLengthByte(t *testing.T) {
	secured := make([]byte, 37)
	udh, userData := Envelope(secured)
	if udh[0] != udhIEI || udh[1] != byte(len(secured)) {
		t.Fatalf("udh = % X, want IEI %02X and length %d", udh, udhIEI, len(secured))
	}
	if len(userData) != len(secured) {
		t.Fatalf("len(userData) = %d, want %d", len(userData), len(secured))
	}
}

func scp03Keyset() store.Keyset {
	return store.Keyset{
		Name: "test_scp03", ValueSet: "testing", Protocol: "SCP03",
		EncKeyHex: "000102030405060708090A0B0C0D0E0F",
		MACKeyHex: "101112131415161718191A1B1C1D1E1F",
		DEKKeyHex: "202122232425262728292A2B2C2D2E2F",
	}
}

func scp02Keyset() store.Keyset {
	return store.Keyset{
		Name: "default_scp02", ValueSet: "production", Protocol: "SCP02",
		EncKeyHex: "404142434445464748494A4B4C4D4E4F",
		MACKeyHex: "404142434445464748494A4B4C4D4E4F",
		DEKKeyHex: "404142434445464748494A4B4C4D4E4F",
	}
}

func TestSecureCommand_SCP03_EncryptAndMACBothRequested(t *testing.T) {
	h, err := headerFromTemplate(lockTemplate(), 1)
	if err != nil {
		t.Fatalf("headerFromTemplate() error = %v", err)
	}
	h.SPI[0] = 0x03 // bit0 MAC, bit1 encrypt
	packet, err := SecureCommand([]byte{0x80, 0xE6, 0x00, 0x87, 0x00}, h, scp03Keyset())
	if err != nil {
		t.Fatalf("SecureCommand() error = %v", err)
	}
	// header(11) + IV(16) + >=1 ciphertext block(16) + MAC(8)
	if len(packet) < 11+16+16+8 {
		t.Fatalf("len(packet) = %d, too short for header+IV+ciphertext+MAC", len(packet))
	}
}

func TestSecureCommand_SCP02_EncryptOnly(t *testing.T) {
	h, err := headerFromTemplate(lockTemplate(), 1)
	if err != nil {
		t.Fatalf("headerFromTemplate() error = %v", err)
	}
	h.SPI[0] = 0x02 // encrypt only, no trailing MAC
	packet, err := SecureCommand([]byte{0x80, 0xE6, 0x00, 0x87, 0x00}, h, scp02Keyset())
	if err != nil {
		t.Fatalf("SecureCommand() error = %v", err)
	}
	if len(packet) < 11+8 {
		t.Fatalf("len(packet) = %d, too short for header+ciphertext", len(packet))
	}
	if (len(packet)-11)%8 != 0 {
		t.Fatalf("ciphertext length %d not a multiple of the 3DES block size", len(packet)-11)
	}
}

func TestHeaderFromTemplate_RejectsBadHex(t *testing.T) {
	tpl := lockTemplate()
	tpl.TARHex = "zz"
	if _, err := headerFromTemplate(tpl, 1); err == nil {
		t.Fatal("expected error for malformed TAR hex")
	}
}

func TestBCDPack_OddLengthPadsWithF(t *testing.T) {
	packed := bcdPack("123")
	if len(packed) != 2 {
		t.Fatalf("len(packed) = %d, want 2", len(packed))
	}
	if packed[1] != 0xF3 {
		t.Fatalf("packed[1] = %02X, want 0xF3 (filler nibble 0xF, digit 3)", packed[1])
	}
}

func TestGenerateCLFDB_PersistsPendingMessageWithAdvancingCounter(t *testing.T) {
	s := openTestStoreForOTA(t)
	target := []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}

	msg1, err := GenerateCLFDB(s, GenerateCLFDBParams{
		TemplateName: "clfdb_lock", TargetAID: target, Operation: OpLock,
		KeysetName: "test_scp03", ValueSet: "testing",
	})
	if err != nil {
		t.Fatalf("GenerateCLFDB() error = %v", err)
	}
	if msg1.Status != "PENDING" {
		t.Fatalf("Status = %q, want PENDING", msg1.Status)
	}
	if len(msg1.SMSTPDUHex) == 0 || !strings.HasPrefix(msg1.SMSTPDUHex, "44") {
		t.Fatalf("SMSTPDUHex = %q, want non-empty and starting with 44", msg1.SMSTPDUHex)
	}

	msg2, err := GenerateCLFDB(s, GenerateCLFDBParams{
		TemplateName: "clfdb_lock", TargetAID: target, Operation: OpLock,
		KeysetName: "test_scp03", ValueSet: "testing",
	})
	if err != nil {
		t.Fatalf("GenerateCLFDB() second call error = %v", err)
	}
	if msg2.ID == msg1.ID {
		t.Fatal("expected distinct message ids across two generations")
	}
	// CNTR follows SPI(2) KIc(1) KID(1) TAR(3) in the secured packet.
	cntr1, err := strconv.ParseUint(msg1.UserDataHex[14:20], 16, 32)
	if err != nil {
		t.Fatalf("first CNTR parse error = %v", err)
	}
	cntr2, err := strconv.ParseUint(msg2.UserDataHex[14:20], 16, 32)
	if err != nil {
		t.Fatalf("second CNTR parse error = %v", err)
	}
	if cntr2 != cntr1+1 {
		t.Fatalf("CNTR = %d then %d, want consecutive", cntr1, cntr2)
	}

	pending, err := s.ListMessages("PENDING", "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
}

func TestGenerateCLFDB_RejectsShortAID(t *testing.T) {
	s := openTestStoreForOTA(t)
	if _, err := GenerateCLFDB(s, GenerateCLFDBParams{
		TemplateName: "clfdb_lock", TargetAID: []byte{0x01, 0x02}, Operation: OpLock,
		KeysetName: "test_scp03", ValueSet: "testing",
	}); err == nil {
		t.Fatal("expected error for AID shorter than 5 bytes")
	}
}

func TestGenerateCLFDB_UnknownTemplateErrors(t *testing.T) {
	s := openTestStoreForOTA(t)
	target := []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	if _, err := GenerateCLFDB(s, GenerateCLFDBParams{
		TemplateName: "does_not_exist", TargetAID: target, Operation: OpLock,
		KeysetName: "test_scp03", ValueSet: "testing",
	}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestGenerateCustom_UsesCallerSuppliedAPDU(t *testing.T) {
	s := openTestStoreForOTA(t)
	target := []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	msg, err := GenerateCustom(s, "clfdb_lock", target, "80F2000002", "test_scp03", "testing")
	if err != nil {
		t.Fatalf("GenerateCustom() error = %v", err)
	}
	if msg.Operation != string(OpCustom) {
		t.Fatalf("Operation = %q, want CUSTOM", msg.Operation)
	}
}

func TestGenerateCustom_RejectsInvalidHex(t *testing.T) {
	s := openTestStoreForOTA(t)
	target := []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}
	if _, err := GenerateCustom(s, "clfdb_lock", target, "not-hex", "test_scp03", "testing"); err == nil {
		t.Fatal("expected error for invalid APDU hex")
	}
}
