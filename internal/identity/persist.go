package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// document is the on-disk shape of the identities.json file.
type document struct {
	Identities map[string]*Identity `json:"identities"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("identity: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("identity: parse %s: %w", s.path, err)
	}
	if doc.Identities != nil {
		s.byID = doc.Identities
	}
	return nil
}

// saveLocked atomically rewrites the identities document: write to a temp
// file in the same directory, fsync, then rename over the target. Caller
// must hold s.mu.
func (s *Store) saveLocked() error {
	doc := document{Identities: s.byID}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("identity: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".identities-*.json.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	return nil
}
