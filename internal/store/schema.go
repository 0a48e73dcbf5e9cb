package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migrate compares the stored metadata.schema_version against
// CurrentSchemaVersion and applies each v_n -> v_{n+1} step within its own
// IMMEDIATE transaction. Migrations are idempotent: re-running a step that
// has already applied must be a no-op, matching the round-trip law in
// spec §8 ("migrate_to_current applied twice equals applied once").
func (s *Store) migrate() error {
	if err := s.ensureMetadataTable(); err != nil {
		return err
	}

	stored, err := s.schemaVersion()
	if err != nil {
		return err
	}

	if stored > CurrentSchemaVersion {
		return fmt.Errorf("store: database version %d newer than supported version %d", stored, CurrentSchemaVersion)
	}

	for v := stored; v < CurrentSchemaVersion; v++ {
		if err := s.applyMigration(v + 1); err != nil {
			return fmt.Errorf("store: migration to v%d: %w", v+1, err)
		}
		if s.logger != nil {
			s.logger.Info("applied schema migration", zap.Int("to_version", v+1))
		}
	}
	return nil
}

func (s *Store) ensureMetadataTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read schema_version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("store: parse schema_version %q: %w", value, err)
	}
	return v, nil
}

// applyMigration runs one migration step inside an explicit IMMEDIATE
// transaction. The store holds its connection pool at size 1 (see Open),
// so the BEGIN IMMEDIATE / COMMIT pair below is guaranteed to execute on
// the same underlying connection and behaves as a single atomic step.
func (s *Store) applyMigration(target int) error {
	if _, err := s.db.Exec(`BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.db.Exec(`ROLLBACK`)
		}
	}()

	tx := s.db

	switch target {
	case 1:
		if err := migrateToV1(tx); err != nil {
			return err
		}
	case 2:
		if err := migrateToV2(tx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown migration target v%d", target)
	}

	if _, err := tx.Exec(`INSERT INTO metadata(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", target)); err != nil {
		return err
	}

	if _, err := s.db.Exec(`COMMIT`); err != nil {
		return err
	}
	committed = true
	return nil
}

// execQuerier is the subset of *sql.DB / *sql.Tx the migration helpers need;
// migrations run directly against the store's single connection (see
// applyMigration) rather than through database/sql's Tx wrapper, since
// IMMEDIATE locking must be requested before any statement executes.
type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

// migrateToV1 creates the base tables. Using CREATE TABLE IF NOT EXISTS
// makes this idempotent even if schema_version bookkeeping was lost.
func migrateToV1(tx execQuerier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			session_id BLOB NOT NULL,
			seq INTEGER NOT NULL,
			ts_us INTEGER NOT NULL,
			event_type INTEGER NOT NULL,
			payload_ct BLOB NOT NULL,
			payload_nonce BLOB NOT NULL,
			meta BLOB NOT NULL,
			PRIMARY KEY(session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS session_keys (
			session_id BLOB PRIMARY KEY,
			wrapped_key BLOB NOT NULL,
			wrap_nonce BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trauma_registry (
			sig_hash BLOB PRIMARY KEY,
			severity_ema REAL NOT NULL,
			count INTEGER NOT NULL,
			last_ts_us INTEGER NOT NULL,
			decay_rate REAL NOT NULL,
			inhibit_until_ts_us INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("v1: %s: %w", stmt, err)
		}
	}
	return nil
}

// migrateToV2 adds events.hash_version (default 1) and the append_log
// audit-of-audit table. Column addition is guarded by a table_info probe so
// re-running this step is a no-op, matching the teacher's columnExists
// idiom in the reference migration runner.
func migrateToV2(tx execQuerier) error {
	has, err := columnExists(tx, "events", "hash_version")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.Exec(`ALTER TABLE events ADD COLUMN hash_version INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("v2: add hash_version: %w", err)
		}
	}

	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS append_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id BLOB NOT NULL,
		attempt_ts_us INTEGER NOT NULL,
		seq_start INTEGER NOT NULL,
		seq_end INTEGER NOT NULL,
		event_count INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error_msg TEXT
	)`)
	if err != nil {
		return fmt.Errorf("v2: create append_log: %w", err)
	}
	return nil
}

func columnExists(tx execQuerier, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
