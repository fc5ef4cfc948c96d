package cache

import (
	"database/sql"
	"fmt"

	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/forgebuild/forge/pkg/forge/opid"
	"github.com/forgebuild/forge/pkg/logging"
)

// SqliteStore is an opt-in CacheStore backend for build graphs too large to
// comfortably round-trip as a single YAML document. Each Entry is stored as
// a row keyed by its OpId's string form; begin/commit/discard map onto a
// single SQL transaction spanning the whole session, giving the same
// all-or-nothing commit guarantee as FileStore's rename-based approach.
type SqliteStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewSqliteStore opens (creating if necessary) a sqlite-backed cache at
// path.
func NewSqliteStore(path string, logger *logging.Logger) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite cache: %w", err)
	}
	schema := `
		CREATE TABLE IF NOT EXISTS forge_cache_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS forge_cache_entries (
			op_id TEXT PRIMARY KEY,
			document TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize sqlite cache schema: %w", err)
	}
	return &SqliteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Load implements Store.Load.
func (s *SqliteStore) Load() (*State, error) {
	var completed string
	err := s.db.QueryRow(`SELECT value FROM forge_cache_meta WHERE key = 'completed'`).Scan(&completed)
	if err == sql.ErrNoRows || completed != "true" {
		return Empty(), nil
	} else if err != nil {
		s.logger.Warnf("Treating sqlite cache as empty after metadata read failure: %s", err.Error())
		return Empty(), nil
	}

	var outputsDocument string
	if err := s.db.QueryRow(`SELECT value FROM forge_cache_meta WHERE key = 'outputs'`).Scan(&outputsDocument); err != nil && err != sql.ErrNoRows {
		s.logger.Warnf("Treating sqlite cache as empty after outputs read failure: %s", err.Error())
		return Empty(), nil
	}
	var outputs []string
	if outputsDocument != "" {
		if err := yaml.Unmarshal([]byte(outputsDocument), &outputs); err != nil {
			s.logger.Warnf("Treating sqlite cache as empty after outputs decode failure: %s", err.Error())
			return Empty(), nil
		}
	}

	rows, err := s.db.Query(`SELECT document FROM forge_cache_entries`)
	if err != nil {
		s.logger.Warnf("Treating sqlite cache as empty after entry scan failure: %s", err.Error())
		return Empty(), nil
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return Empty(), nil
		}
		var e Entry
		if err := yaml.Unmarshal([]byte(document), &e); err != nil {
			return Empty(), nil
		}
		entries = append(entries, e)
	}

	return &State{FormatVersion: FormatVersion, Completed: true, Entries: entries, Outputs: outputs}, nil
}

// sqliteSession implements Session over a single SQL transaction.
type sqliteSession struct {
	store *SqliteStore
	tx    *sql.Tx
}

// Begin implements Store.Begin. sessionID is unused beyond logging since
// sqlite's own locking already serializes concurrent writers.
func (s *SqliteStore) Begin(sessionID string) (Session, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("unable to begin sqlite cache transaction: %w", err)
	}
	return &sqliteSession{store: s, tx: tx}, nil
}

// Commit implements Session.Commit.
func (s *sqliteSession) Commit(state *State) error {
	if _, err := s.tx.Exec(`DELETE FROM forge_cache_entries`); err != nil {
		s.tx.Rollback()
		return fmt.Errorf("unable to clear sqlite cache entries: %w", err)
	}
	for _, entry := range state.Entries {
		document, err := yaml.Marshal(entry)
		if err != nil {
			s.tx.Rollback()
			return fmt.Errorf("unable to encode cache entry %s: %w", entry.ID, err)
		}
		if _, err := s.tx.Exec(
			`INSERT INTO forge_cache_entries (op_id, document) VALUES (?, ?)`,
			opIDKey(entry.ID), string(document),
		); err != nil {
			s.tx.Rollback()
			return fmt.Errorf("unable to persist cache entry %s: %w", entry.ID, err)
		}
	}

	outputsDocument, err := yaml.Marshal(state.Outputs)
	if err != nil {
		s.tx.Rollback()
		return fmt.Errorf("unable to encode output paths: %w", err)
	}
	if _, err := s.tx.Exec(
		`INSERT OR REPLACE INTO forge_cache_meta (key, value) VALUES ('outputs', ?)`, string(outputsDocument),
	); err != nil {
		s.tx.Rollback()
		return fmt.Errorf("unable to persist output paths: %w", err)
	}
	if _, err := s.tx.Exec(`INSERT OR REPLACE INTO forge_cache_meta (key, value) VALUES ('completed', 'true')`); err != nil {
		s.tx.Rollback()
		return fmt.Errorf("unable to persist completion marker: %w", err)
	}

	return s.tx.Commit()
}

// Discard implements Session.Discard.
func (s *sqliteSession) Discard() error {
	return s.tx.Rollback()
}

func opIDKey(id opid.ID) string {
	return id.String()
}
