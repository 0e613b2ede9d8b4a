package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlKeyset is one entry under the top-level "keysets:" mapping
// (spec.md §6 "YAML import/export grammar").
type yamlKeyset struct {
	Protocol      string `yaml:"protocol"`
	EncKey        string `yaml:"enc_key"`
	MACKey        string `yaml:"mac_key"`
	DEKKey        string `yaml:"dek_key"`
	KeyVersion    int    `yaml:"key_version"`
	SecurityLevel int    `yaml:"security_level,omitempty"`
	Description   string `yaml:"description,omitempty"`
}

type yamlDocument struct {
	Keysets map[string]yamlKeyset `yaml:"keysets"`
}

// ExportYAML writes every active keyset in valueSet to file under a
// top-level "keysets:" mapping keyed by name (spec.md §4.6, §6).
func (s *Store) ExportYAML(valueSet, file string) error {
	keysets, err := s.ListKeysets(valueSet, "")
	if err != nil {
		return err
	}
	doc := yamlDocument{Keysets: make(map[string]yamlKeyset, len(keysets))}
	for _, k := range keysets {
		doc.Keysets[k.Name] = yamlKeyset{
			Protocol: k.Protocol, EncKey: k.EncKeyHex, MACKey: k.MACKeyHex, DEKKey: k.DEKKeyHex,
			KeyVersion: k.KeyVersion, SecurityLevel: k.SecurityLevel, Description: k.Description,
		}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal keysets YAML: %w", err)
	}
	if err := os.WriteFile(file, out, 0o644); err != nil {
		return fmt.Errorf("store: write %q: %w", file, err)
	}
	return nil
}

// ImportYAML reads file and inserts each entry into targetValueSet,
// returning the counts of keysets imported and skipped. A keyset is
// skipped (not an error) when it collides with an existing active row
// (spec.md §4.6, §6).
func (s *Store) ImportYAML(file, targetValueSet string) (imported, skipped int, err error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return 0, 0, fmt.Errorf("store: read %q: %w", file, err)
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, 0, fmt.Errorf("store: parse %q: %w", file, err)
	}
	if doc.Keysets == nil {
		return 0, 0, fmt.Errorf("store: %q: missing top-level 'keysets' mapping", file)
	}

	for name, k := range doc.Keysets {
		securityLevel := k.SecurityLevel
		if securityLevel == 0 {
			securityLevel = 3
		}
		description := k.Description
		if description == "" {
			description = fmt.Sprintf("Imported from %s", file)
		}
		_, err := s.AddKeyset(Keyset{
			Name: name, ValueSet: targetValueSet, Protocol: k.Protocol,
			EncKeyHex: k.EncKey, MACKeyHex: k.MACKey, DEKKeyHex: k.DEKKey,
			KeyVersion: k.KeyVersion, SecurityLevel: securityLevel, Description: description,
		})
		if err != nil {
			skipped++
			continue
		}
		imported++
	}
	return imported, skipped, nil
}
