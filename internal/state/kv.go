package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ksi-project/ksid/internal/sqlitedriver"
)

// KVEntry is one row of agent_shared_state, with value already decoded
// from its stored JSON (or left as a string when it isn't valid JSON, for
// backward compatibility with plain-string values).
type KVEntry struct {
	Key          string  `json:"key"`
	Value        any     `json:"value"`
	Namespace    string  `json:"namespace,omitempty"`
	OwnerAgentID string  `json:"owner_agent_id"`
	Scope        string  `json:"scope"`
	CreatedAt    string  `json:"created_at"`
	ExpiresAt    *string `json:"expires_at,omitempty"`
	Metadata     any     `json:"metadata,omitempty"`
}

const (
	ScopePrivate     = "private"
	ScopeShared      = "shared"
	ScopeCoordination = "coordination"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_shared_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  namespace TEXT,
  owner_agent_id TEXT NOT NULL,
  scope TEXT DEFAULT 'shared',
  created_at TEXT NOT NULL,
  expires_at TEXT,
  metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_namespace ON agent_shared_state(namespace);
CREATE INDEX IF NOT EXISTS idx_owner     ON agent_shared_state(owner_agent_id);
CREATE INDEX IF NOT EXISTS idx_expires   ON agent_shared_state(expires_at);
`

// KVStore is the SQLite-backed agent_shared_state table.
type KVStore struct {
	db *sql.DB
}

// OpenKVStore opens (creating if necessary) the KV database at path and
// applies its schema.
func OpenKVStore(path string) (*KVStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("state: open kv store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite single-writer; keeps WAL contention simple
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: apply kv schema: %w", err)
	}
	return &KVStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *KVStore) Close() error {
	return s.db.Close()
}

// namespaceOf derives the namespace from the first two dotted segments of
// key, or "" for a single-segment key.
func namespaceOf(key string) string {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// Set upserts key with value (marshalled to JSON), owner, scope,
// expiresAt (RFC3339, optional) and metadata (optional).
func (s *KVStore) Set(ctx context.Context, key string, value any, ownerAgentID, scope string, expiresAt *string, metadata any) error {
	if scope == "" {
		scope = ScopeShared
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: marshal value for key %q: %w", key, err)
	}
	var metaJSON []byte
	if metadata != nil {
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("state: marshal metadata for key %q: %w", key, err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_shared_state (key, value, namespace, owner_agent_id, scope, created_at, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			namespace = excluded.namespace,
			owner_agent_id = excluded.owner_agent_id,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			metadata = excluded.metadata
	`, key, string(valueJSON), namespaceOf(key), ownerAgentID, scope, nowRFC3339(), expiresAt, nullableString(metaJSON))
	if err != nil {
		return fmt.Errorf("state: set key %q: %w", key, err)
	}
	return nil
}

// Get returns the entry for key, or ok=false if missing or expired.
// Expired rows are deleted as a side effect (lazy sweep on read).
func (s *KVStore) Get(ctx context.Context, key string) (KVEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, namespace, owner_agent_id, scope, created_at, expires_at, metadata
		FROM agent_shared_state WHERE key = ?
	`, key)
	entry, expired, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return KVEntry{}, false, nil
	}
	if err != nil {
		return KVEntry{}, false, fmt.Errorf("state: get key %q: %w", key, err)
	}
	if expired {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM agent_shared_state WHERE key = ?`, key)
		return KVEntry{}, false, nil
	}
	return entry, true, nil
}

// Delete removes key, regardless of expiry. Returns whether a row existed.
func (s *KVStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_shared_state WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("state: delete key %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpired deletes every row whose expires_at has passed. Returns the
// number of rows removed. Intended to be called periodically; Get also
// sweeps individual rows lazily.
func (s *KVStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM agent_shared_state
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, nowRFC3339())
	if err != nil {
		return 0, fmt.Errorf("state: sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (KVEntry, bool, error) {
	var (
		e           KVEntry
		valueRaw    string
		namespace   sql.NullString
		expiresAt   sql.NullString
		metadataRaw sql.NullString
	)
	if err := row.Scan(&e.Key, &valueRaw, &namespace, &e.OwnerAgentID, &e.Scope, &e.CreatedAt, &expiresAt, &metadataRaw); err != nil {
		return KVEntry{}, false, err
	}
	e.Namespace = namespace.String
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.String
	}
	e.Value = decodeJSONOrString(valueRaw)
	if metadataRaw.Valid && metadataRaw.String != "" {
		e.Metadata = decodeJSONOrString(metadataRaw.String)
	}
	expired := e.ExpiresAt != nil && *e.ExpiresAt <= nowRFC3339()
	return e, expired, nil
}

// decodeJSONOrString tries to parse raw as JSON; on failure it is returned
// as-is, preserving values written before this store existed.
func decodeJSONOrString(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
