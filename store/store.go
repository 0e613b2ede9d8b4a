// Package store is the persistent keyset and OTA message store (spec.md
// §4.6): three tables (keysets, OTA templates, OTA message history),
// schema init with idempotent seeding, transactional CRUD, soft deletion,
// and YAML import/export. Grounded on original_source/src/database_manager.py
// (the schema, seed rows, and insert-or-ignore seeding strategy this tool's
// Python predecessor used) and on original_source/src/config_manager.py for
// the YAML grammar, reworked as Go with database/sql over
// modernc.org/sqlite and gopkg.in/yaml.v3 — the teacher repo carries no
// persistence layer of its own to generalize from.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned by AddKeyset when an active row with the same
// (name, value_set) already exists (spec.md P7).
var ErrDuplicate = errors.New("store: keyset already exists in this value set")

// ErrNotFound is returned when a lookup by id or name finds no row.
var ErrNotFound = errors.New("store: not found")

// Keyset is one row of the keysets table (spec.md §3).
type Keyset struct {
	ID            int64
	Name          string
	ValueSet      string
	Protocol      string // SCP02 or SCP03
	EncKeyHex     string
	MACKeyHex     string
	DEKKeyHex     string
	KeyVersion    int
	SecurityLevel int
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Active        bool
}

// OTATemplate is one row of the ota_templates table (spec.md §3).
type OTATemplate struct {
	ID              int64
	Name            string
	Type            string
	SPIHex          string
	KIcHex          string
	KIDHex          string
	TARHex          string
	Counter         uint32
	PaddingCounter  int
	CommandTemplate string
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Active          bool
}

// OTAMessage is one row of the ota_messages table (spec.md §3).
type OTAMessage struct {
	ID             int64
	TemplateID     int64
	TargetAID      string
	Operation      string
	ParametersJSON string
	SMSTPDUHex     string
	UDHHex         string
	UserDataHex    string
	CreatedAt      time.Time
	Status         string // PENDING, SENT, DELIVERED, FAILED
}

// Store is the persistent store handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, runs
// idempotent schema creation, and seeds default rows if they are not
// already present (spec.md §4.6).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS keysets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value_set TEXT NOT NULL,
			protocol TEXT NOT NULL CHECK (protocol IN ('SCP02', 'SCP03')),
			enc_key TEXT NOT NULL,
			mac_key TEXT NOT NULL,
			dek_key TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			security_level INTEGER NOT NULL CHECK (security_level IN (1, 2, 3)),
			description TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_keysets_unique_active
			ON keysets(name, value_set) WHERE active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_keysets_value_set ON keysets(value_set)`,
		`CREATE TABLE IF NOT EXISTS ota_templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			spi TEXT NOT NULL,
			kic TEXT NOT NULL,
			kid TEXT NOT NULL,
			tar TEXT NOT NULL,
			counter INTEGER NOT NULL,
			pcounter INTEGER NOT NULL,
			template TEXT NOT NULL,
			description TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS ota_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			template_id INTEGER NOT NULL REFERENCES ota_templates(id),
			target_aid TEXT NOT NULL,
			operation TEXT NOT NULL,
			parameters_json TEXT,
			sms_tpdu TEXT NOT NULL,
			udh TEXT NOT NULL,
			user_data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ota_messages_status ON ota_messages(status)`,
		`CREATE INDEX IF NOT EXISTS idx_ota_messages_target_aid ON ota_messages(target_aid)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// seedDefaults inserts the two production keysets (one per protocol), one
// test keyset, and the four CLFDB templates, using INSERT OR IGNORE so
// repeated opens against an existing database are safe (spec.md §4.6).
func (s *Store) seedDefaults() error {
	now := nowString()
	keysets := []Keyset{
		{
			Name: "default_scp02", ValueSet: "production", Protocol: "SCP02",
			EncKeyHex: "404142434445464748494A4B4C4D4E4F",
			MACKeyHex: "404142434445464748494A4B4C4D4E4F",
			DEKKeyHex: "404142434445464748494A4B4C4D4E4F",
			KeyVersion: 1, SecurityLevel: 3,
			Description: "Default SCP02 production keyset",
		},
		{
			Name: "default_scp03", ValueSet: "production", Protocol: "SCP03",
			EncKeyHex: "404142434445464748494A4B4C4D4E4F",
			MACKeyHex: "404142434445464748494A4B4C4D4E4F",
			DEKKeyHex: "404142434445464748494A4B4C4D4E4F",
			KeyVersion: 1, SecurityLevel: 3,
			Description: "Default SCP03 production keyset",
		},
		{
			Name: "test_scp03", ValueSet: "testing", Protocol: "SCP03",
			EncKeyHex: "000102030405060708090A0B0C0D0E0F",
			MACKeyHex: "101112131415161718191A1B1C1D1E1F",
			DEKKeyHex: "202122232425262728292A2B2C2D2E2F",
			KeyVersion: 2, SecurityLevel: 1,
			Description: "Test SCP03 keyset with distinct keys",
		},
	}
	for _, k := range keysets {
		_, err := s.db.Exec(`INSERT OR IGNORE INTO keysets
			(name, value_set, protocol, enc_key, mac_key, dek_key, key_version,
			 security_level, description, created_at, updated_at, active)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,1)`,
			k.Name, k.ValueSet, k.Protocol, k.EncKeyHex, k.MACKeyHex, k.DEKKeyHex,
			k.KeyVersion, k.SecurityLevel, k.Description, now, now)
		if err != nil {
			return fmt.Errorf("store: seed keyset %q: %w", k.Name, err)
		}
	}

	templates := []OTATemplate{
		{Name: "clfdb_lock", Type: "CLFDB", SPIHex: "0200", KIcHex: "01", KIDHex: "01", TARHex: "000000", Counter: 1, Description: "CLFDB LOCK operation template"},
		{Name: "clfdb_unlock", Type: "CLFDB", SPIHex: "0200", KIcHex: "01", KIDHex: "01", TARHex: "000000", Counter: 1, Description: "CLFDB UNLOCK operation template"},
		{Name: "clfdb_terminate", Type: "CLFDB", SPIHex: "0200", KIcHex: "01", KIDHex: "01", TARHex: "000000", Counter: 1, Description: "CLFDB TERMINATE operation template"},
		{Name: "clfdb_make_selectable", Type: "CLFDB", SPIHex: "0200", KIcHex: "01", KIDHex: "01", TARHex: "000000", Counter: 1, Description: "CLFDB MAKE_SELECTABLE operation template"},
	}
	const commandTemplate = "80E600{lifecycle}{aid_length}{aid}"
	for _, tpl := range templates {
		_, err := s.db.Exec(`INSERT OR IGNORE INTO ota_templates
			(name, type, spi, kic, kid, tar, counter, pcounter, template,
			 description, created_at, updated_at, active)
			VALUES (?,?,?,?,?,?,?,0,?,?,?,?,1)`,
			tpl.Name, tpl.Type, tpl.SPIHex, tpl.KIcHex, tpl.KIDHex, tpl.TARHex,
			tpl.Counter, commandTemplate, tpl.Description, now, now)
		if err != nil {
			return fmt.Errorf("store: seed template %q: %w", tpl.Name, err)
		}
	}
	return nil
}

// AddKeyset inserts a new keyset row. Per P7, inserting a (name, value_set)
// pair that collides with an active row fails with ErrDuplicate; a prior
// soft-deleted row with the same pair does not block the insert, since the
// partial unique index only covers active=1 rows.
func (s *Store) AddKeyset(k Keyset) (int64, error) {
	now := nowString()
	res, err := s.db.Exec(`INSERT INTO keysets
		(name, value_set, protocol, enc_key, mac_key, dek_key, key_version,
		 security_level, description, created_at, updated_at, active)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,1)`,
		k.Name, k.ValueSet, k.Protocol, k.EncKeyHex, k.MACKeyHex, k.DEKKeyHex,
		k.KeyVersion, k.SecurityLevel, k.Description, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("store: add keyset: %w", err)
	}
	return res.LastInsertId()
}

// GetKeyset returns the active keyset matching (name, valueSet).
func (s *Store) GetKeyset(name, valueSet string) (Keyset, error) {
	row := s.db.QueryRow(`SELECT id, name, value_set, protocol, enc_key, mac_key, dek_key,
		key_version, security_level, description, created_at, updated_at, active
		FROM keysets WHERE name = ? AND value_set = ? AND active = 1`, name, valueSet)
	return scanKeyset(row)
}

// ListKeysets returns active keysets, optionally filtered by value set
// and/or protocol (empty string means "no filter").
func (s *Store) ListKeysets(valueSet, protocol string) ([]Keyset, error) {
	query := `SELECT id, name, value_set, protocol, enc_key, mac_key, dek_key,
		key_version, security_level, description, created_at, updated_at, active
		FROM keysets WHERE active = 1`
	var args []any
	if valueSet != "" {
		query += " AND value_set = ?"
		args = append(args, valueSet)
	}
	if protocol != "" {
		query += " AND protocol = ?"
		args = append(args, protocol)
	}
	query += " ORDER BY value_set, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list keysets: %w", err)
	}
	defer rows.Close()

	var out []Keyset
	for rows.Next() {
		k, err := scanKeyset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKeyset updates an existing keyset by id.
func (s *Store) UpdateKeyset(k Keyset) error {
	res, err := s.db.Exec(`UPDATE keysets SET protocol=?, enc_key=?, mac_key=?, dek_key=?,
		key_version=?, security_level=?, description=?, updated_at=?
		WHERE id=?`,
		k.Protocol, k.EncKeyHex, k.MACKeyHex, k.DEKKeyHex, k.KeyVersion,
		k.SecurityLevel, k.Description, nowString(), k.ID)
	if err != nil {
		return fmt.Errorf("store: update keyset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update keyset: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteKeyset soft-deletes a keyset by id (active -> false).
func (s *Store) DeleteKeyset(id int64) error {
	res, err := s.db.Exec(`UPDATE keysets SET active = 0, updated_at = ? WHERE id = ?`, nowString(), id)
	if err != nil {
		return fmt.Errorf("store: delete keyset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete keyset: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListValueSets returns the distinct value sets carrying at least one
// active keyset.
func (s *Store) ListValueSets() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT value_set FROM keysets WHERE active = 1 ORDER BY value_set`)
	if err != nil {
		return nil, fmt.Errorf("store: list value sets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: list value sets: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKeyset(row scanner) (Keyset, error) {
	var k Keyset
	var created, updated string
	var active int
	err := row.Scan(&k.ID, &k.Name, &k.ValueSet, &k.Protocol, &k.EncKeyHex, &k.MACKeyHex,
		&k.DEKKeyHex, &k.KeyVersion, &k.SecurityLevel, &k.Description, &created, &updated, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Keyset{}, ErrNotFound
	}
	if err != nil {
		return Keyset{}, fmt.Errorf("store: scan keyset: %w", err)
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)
	k.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	k.Active = active != 0
	return k, nil
}

// ListTemplates returns active OTA templates, optionally filtered by type.
func (s *Store) ListTemplates(templateType string) ([]OTATemplate, error) {
	query := `SELECT id, name, type, spi, kic, kid, tar, counter, pcounter, template,
		description, created_at, updated_at, active FROM ota_templates WHERE active = 1`
	var args []any
	if templateType != "" {
		query += " AND type = ?"
		args = append(args, templateType)
	}
	query += " ORDER BY type, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var out []OTATemplate
	for rows.Next() {
		var t OTATemplate
		var created, updated string
		var active int
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.SPIHex, &t.KIcHex, &t.KIDHex,
			&t.TARHex, &t.Counter, &t.PaddingCounter, &t.CommandTemplate, &t.Description,
			&created, &updated, &active); err != nil {
			return nil, fmt.Errorf("store: list templates: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTemplate returns an active OTA template by name.
func (s *Store) GetTemplate(name string) (OTATemplate, error) {
	row := s.db.QueryRow(`SELECT id, name, type, spi, kic, kid, tar, counter, pcounter, template,
		description, created_at, updated_at, active FROM ota_templates WHERE name = ? AND active = 1`, name)
	var t OTATemplate
	var created, updated string
	var active int
	err := row.Scan(&t.ID, &t.Name, &t.Type, &t.SPIHex, &t.KIcHex, &t.KIDHex,
		&t.TARHex, &t.Counter, &t.PaddingCounter, &t.CommandTemplate, &t.Description,
		&created, &updated, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return OTATemplate{}, ErrNotFound
	}
	if err != nil {
		return OTATemplate{}, fmt.Errorf("store: get template: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	t.Active = active != 0
	return t, nil
}

// AdvanceCounter reads the template's counter, increments it, writes it
// back, and returns the value that was read (pre-increment), all in one
// transaction so concurrent generations never reuse a counter value
// (spec.md §4.7, P8).
func (s *Store) AdvanceCounter(templateID int64) (uint32, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: advance counter: %w", err)
	}
	defer tx.Rollback()

	var counter uint32
	if err := tx.QueryRow(`SELECT counter FROM ota_templates WHERE id = ?`, templateID).Scan(&counter); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: advance counter: %w", err)
	}
	if _, err := tx.Exec(`UPDATE ota_templates SET counter = ?, updated_at = ? WHERE id = ?`,
		counter+1, nowString(), templateID); err != nil {
		return 0, fmt.Errorf("store: advance counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: advance counter: %w", err)
	}
	return counter, nil
}

// AddMessage persists a generated OTA message with status PENDING
// (spec.md §4.7).
func (s *Store) AddMessage(m OTAMessage) (int64, error) {
	if m.Status == "" {
		m.Status = "PENDING"
	}
	res, err := s.db.Exec(`INSERT INTO ota_messages
		(template_id, target_aid, operation, parameters_json, sms_tpdu, udh, user_data, created_at, status)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.TemplateID, m.TargetAID, m.Operation, m.ParametersJSON, m.SMSTPDUHex,
		m.UDHHex, m.UserDataHex, nowString(), m.Status)
	if err != nil {
		return 0, fmt.Errorf("store: add message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns OTA messages filtered by status and/or target AID,
// newest first.
func (s *Store) ListMessages(status, targetAID string) ([]OTAMessage, error) {
	query := `SELECT id, template_id, target_aid, operation, parameters_json, sms_tpdu,
		udh, user_data, created_at, status FROM ota_messages WHERE 1=1`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if targetAID != "" {
		query += " AND target_aid = ?"
		args = append(args, targetAID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []OTAMessage
	for rows.Next() {
		var m OTAMessage
		var created string
		if err := rows.Scan(&m.ID, &m.TemplateID, &m.TargetAID, &m.Operation,
			&m.ParametersJSON, &m.SMSTPDUHex, &m.UDHHex, &m.UserDataHex, &created, &m.Status); err != nil {
			return nil, fmt.Errorf("store: list messages: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nowString() string { return time.Now().UTC().Format(time.RFC3339) }

func isUniqueViolation(err error) bool {
	return err != nil && contains(err.Error(), "UNIQUE constraint failed")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
