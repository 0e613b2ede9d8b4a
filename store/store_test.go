package store

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SeedsDefaults(t *testing.T) {
	s := openTestStore(t)

	keysets, err := s.ListKeysets("", "")
	if err != nil {
		t.Fatalf("ListKeysets() error = %v", err)
	}
	if len(keysets) != 3 {
		t.Fatalf("len(keysets) = %d, want 3", len(keysets))
	}

	templates, err := s.ListTemplates("")
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(templates) != 4 {
		t.Fatalf("len(templates) = %d, want 4", len(templates))
	}
}

func TestOpen_SeedingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	defer s2.Close()

	keysets, err := s2.ListKeysets("", "")
	if err != nil {
		t.Fatalf("ListKeysets() error = %v", err)
	}
	if len(keysets) != 3 {
		t.Fatalf("len(keysets) = %d after reopen, want 3 (seeding must not duplicate)", len(keysets))
	}
}

// P7: duplicate (name, value_set) against an active row fails; a
// soft-deleted predecessor does not block the retry.
func TestAddKeyset_UniquenessAndSoftDelete(t *testing.T) {
	s := openTestStore(t)

	id, err := s.AddKeyset(Keyset{
		Name: "k1", ValueSet: "staging", Protocol: "SCP03",
		EncKeyHex: "00", MACKeyHex: "00", DEKKeyHex: "00", KeyVersion: 1, SecurityLevel: 1,
	})
	if err != nil {
		t.Fatalf("AddKeyset() error = %v", err)
	}

	_, err = s.AddKeyset(Keyset{
		Name: "k1", ValueSet: "staging", Protocol: "SCP03",
		EncKeyHex: "11", MACKeyHex: "11", DEKKeyHex: "11", KeyVersion: 1, SecurityLevel: 1,
	})
	if err != ErrDuplicate {
		t.Fatalf("AddKeyset() duplicate error = %v, want ErrDuplicate", err)
	}

	if err := s.DeleteKeyset(id); err != nil {
		t.Fatalf("DeleteKeyset() error = %v", err)
	}

	if _, err := s.AddKeyset(Keyset{
		Name: "k1", ValueSet: "staging", Protocol: "SCP03",
		EncKeyHex: "22", MACKeyHex: "22", DEKKeyHex: "22", KeyVersion: 1, SecurityLevel: 1,
	}); err != nil {
		t.Fatalf("AddKeyset() after soft delete error = %v, want success", err)
	}
}

func TestGetKeyset_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetKeyset("nonexistent", "production")
	if err != ErrNotFound {
		t.Fatalf("GetKeyset() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteKeyset_ExcludesFromGetAndList(t *testing.T) {
	s := openTestStore(t)
	keysets, _ := s.ListKeysets("production", "")
	var target Keyset
	for _, k := range keysets {
		if k.Name == "default_scp02" {
			target = k
		}
	}
	if target.ID == 0 {
		t.Fatalf("expected seeded default_scp02 keyset")
	}
	if err := s.DeleteKeyset(target.ID); err != nil {
		t.Fatalf("DeleteKeyset() error = %v", err)
	}
	if _, err := s.GetKeyset("default_scp02", "production"); err != ErrNotFound {
		t.Fatalf("GetKeyset() after delete error = %v, want ErrNotFound", err)
	}
}

func TestListValueSets(t *testing.T) {
	s := openTestStore(t)
	sets, err := s.ListValueSets()
	if err != nil {
		t.Fatalf("ListValueSets() error = %v", err)
	}
	want := map[string]bool{"production": true, "testing": true}
	for _, v := range sets {
		delete(want, v)
	}
	if len(want) != 0 {
		t.Fatalf("ListValueSets() = %v, missing %v", sets, want)
	}
}

// P8: two successive AdvanceCounter calls against the same template
// produce values differing by exactly 1.
func TestAdvanceCounter_Monotonic(t *testing.T) {
	s := openTestStore(t)
	tpl, err := s.GetTemplate("clfdb_lock")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}

	first, err := s.AdvanceCounter(tpl.ID)
	if err != nil {
		t.Fatalf("AdvanceCounter() error = %v", err)
	}
	second, err := s.AdvanceCounter(tpl.ID)
	if err != nil {
		t.Fatalf("AdvanceCounter() error = %v", err)
	}
	if second != first+1 {
		t.Fatalf("counters = %d, %d; want consecutive", first, second)
	}
}

func TestAddAndListMessages(t *testing.T) {
	s := openTestStore(t)
	tpl, _ := s.GetTemplate("clfdb_lock")

	id, err := s.AddMessage(OTAMessage{
		TemplateID: tpl.ID, TargetAID: "A0000001510000", Operation: "LOCK",
		SMSTPDUHex: "44...", UDHHex: "7003", UserDataHex: "AABBCC",
	})
	if err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	if id == 0 {
		t.Fatal("AddMessage() returned id 0")
	}

	msgs, err := s.ListMessages("PENDING", "")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != "PENDING" {
		t.Fatalf("ListMessages() = %+v, want one PENDING message", msgs)
	}
}

func TestExportImportYAML_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "keysets.yaml")

	if err := s.ExportYAML("production", file); err != nil {
		t.Fatalf("ExportYAML() error = %v", err)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("exported file missing: %v", err)
	}

	imported, skipped, err := s.ImportYAML(file, "restored")
	if err != nil {
		t.Fatalf("ImportYAML() error = %v", err)
	}
	if imported != 2 || skipped != 0 {
		t.Fatalf("imported=%d skipped=%d, want 2,0", imported, skipped)
	}

	restored, err := s.ListKeysets("restored", "")
	if err != nil {
		t.Fatalf("ListKeysets() error = %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("len(restored) = %d, want 2", len(restored))
	}
}

func TestImportYAML_MissingKeysetsSection(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(file, []byte("not_keysets: {}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, _, err := s.ImportYAML(file, "x"); err == nil {
		t.Fatal("expected error for missing 'keysets' section")
	}
}
