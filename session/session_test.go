package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/veenone/ccm-tool/globalplatform"
	"github.com/veenone/ccm-tool/ota"
	"github.com/veenone/ccm-tool/reader"
	"github.com/veenone/ccm-tool/store"
)

// fakeCardChannel answers every transmit with a fixed status word.
type fakeCardChannel struct {
	sw     [2]byte
	closed bool
}

func (f *fakeCardChannel) Transmit(raw []byte) ([]byte, error) { return []byte{f.sw[0], f.sw[1]}, nil }
func (f *fakeCardChannel) ATR() []byte                         { return []byte{0x3B, 0x00} }
func (f *fakeCardChannel) Close() error                        { f.closed = true; return nil }

func openTestStoreForSession(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "session_test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func okDialer(ch reader.CardChannel) ReaderDialer {
	return func(name string, timeout time.Duration) (reader.CardChannel, error) { return ch, nil }
}

func TestCLFDB_WithoutSecureChannel_ReturnsNotAuthenticated(t *testing.T) {
	st := openTestStoreForSession(t)
	fc := &fakeCardChannel{sw: [2]byte{0x90, 0x00}}
	s := New(st, okDialer(fc))

	if err := s.Connect("reader0", time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	err := s.CLFDB([]byte{0xA0, 0x00, 0x00, 0x01, 0x51}, globalplatform.OpLock, false)
	if err != ErrNotAuthenticated {
		t.Fatalf("CLFDB() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestCLFDB_WithoutConnect_ReturnsNotConnected(t *testing.T) {
	st := openTestStoreForSession(t)
	s := New(st, okDialer(&fakeCardChannel{sw: [2]byte{0x90, 0x00}}))

	err := s.CLFDB([]byte{0xA0, 0x00, 0x00, 0x01, 0x51}, globalplatform.OpLock, false)
	if err != ErrNotConnected {
		t.Fatalf("CLFDB() error = %v, want ErrNotConnected", err)
	}
}

func TestEstablishSecureChannel_WithoutConnect_ReturnsNotConnected(t *testing.T) {
	st := openTestStoreForSession(t)
	s := New(st, okDialer(&fakeCardChannel{sw: [2]byte{0x90, 0x00}}))

	err := s.EstablishSecureChannel("test_scp03", "testing", 0x01, 0x01)
	if err != ErrNotConnected {
		t.Fatalf("EstablishSecureChannel() error = %v, want ErrNotConnected", err)
	}
}

func TestCloseSecureChannel_WithoutOne_ReturnsNotAuthenticated(t *testing.T) {
	st := openTestStoreForSession(t)
	fc := &fakeCardChannel{sw: [2]byte{0x90, 0x00}}
	s := New(st, okDialer(fc))
	if err := s.Connect("reader0", time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.CloseSecureChannel(); err != ErrNotAuthenticated {
		t.Fatalf("CloseSecureChannel() error = %v, want ErrNotAuthenticated", err)
	}
}

func TestDisconnect_ClosesUnderlyingChannel(t *testing.T) {
	st := openTestStoreForSession(t)
	fc := &fakeCardChannel{sw: [2]byte{0x90, 0x00}}
	s := New(st, okDialer(fc))
	if err := s.Connect("reader0", time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !fc.closed {
		t.Fatal("expected underlying channel to be closed")
	}
}

func TestBuildOTA_DoesNotRequireConnection(t *testing.T) {
	st := openTestStoreForSession(t)
	s := New(st, okDialer(&fakeCardChannel{sw: [2]byte{0x90, 0x00}}))

	msg, err := s.BuildOTA(ota.GenerateCLFDBParams{
		TemplateName: "clfdb_lock",
		TargetAID:    []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00},
		Operation:    ota.OpLock,
		KeysetName:   "test_scp03",
		ValueSet:     "testing",
	})
	if err != nil {
		t.Fatalf("BuildOTA() error = %v", err)
	}
	if msg.Status != "PENDING" {
		t.Fatalf("Status = %q, want PENDING", msg.Status)
	}
}
