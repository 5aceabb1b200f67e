// Package store persists submitted checklist records in a local SQLite
// database. The table is a durable, idempotent key-value set: re-ingesting a
// record id replaces the prior row, never duplicates it. All columns are
// stored as text to avoid lossy type coercion from the heterogeneous source
// feed.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ChecklistRecord is one submitted checklist response. Field values are kept
// as raw text exactly as exported by the portal.
type ChecklistRecord struct {
	RecordID      string // id_resposta, primary key
	CompanyID     string // id_empresa
	ChecklistID   string // id_checklist
	ChecklistName string // checklist
	StartTime     string // data_inicio
	EndTime       string // data_fim
	AssetID       string // id_ativo
	AssetName     string // ativo
	QRCode        string // qr_code, join key to scheduled environments
	User          string // usuario
	SubmittedAt   string // data_registro
}

// StoreUnavailableError reports that the backing storage could not be
// opened. It is fatal for the run; retrying the pipeline will not help.
type StoreUnavailableError struct {
	Path string
	Err  error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("record store unavailable at %s: %v", e.Path, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

const schema = `
CREATE TABLE IF NOT EXISTS checklists (
	id_resposta   TEXT PRIMARY KEY,
	id_empresa    TEXT,
	id_checklist  TEXT,
	checklist     TEXT,
	data_inicio   TEXT,
	data_fim      TEXT,
	id_ativo      TEXT,
	ativo         TEXT,
	qr_code       TEXT,
	usuario       TEXT,
	data_registro TEXT
)`

// RecordStore wraps the SQLite database holding the checklists table.
// Single-writer access is assumed; concurrent pipeline runs are not
// supported (they would need advisory locking, out of scope for now).
type RecordStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path, creating the
// schema if needed.
func Open(path string) (*RecordStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreUnavailableError{Path: path, Err: err}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &StoreUnavailableError{Path: path, Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, &StoreUnavailableError{Path: path, Err: err}
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, &StoreUnavailableError{Path: path, Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StoreUnavailableError{Path: path, Err: err}
	}

	return &RecordStore{db: db, dbPath: path}, nil
}

// Close releases the database handle.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *RecordStore) Path() string { return s.dbPath }

// UpsertBatch inserts or replaces each record by its record id and returns
// the number applied. Each upsert is individually atomic; a crash mid-batch
// leaves the already-applied prefix in place, which the next run simply
// re-applies (last write wins).
func (s *RecordStore) UpsertBatch(records []ChecklistRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt, err := s.db.Prepare(`
		INSERT OR REPLACE INTO checklists (
			id_resposta, id_empresa, id_checklist, checklist, data_inicio,
			data_fim, id_ativo, ativo, qr_code, usuario, data_registro
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, r := range records {
		if r.RecordID == "" {
			continue
		}
		if _, err := stmt.Exec(
			r.RecordID, r.CompanyID, r.ChecklistID, r.ChecklistName,
			r.StartTime, r.EndTime, r.AssetID, r.AssetName,
			r.QRCode, r.User, r.SubmittedAt,
		); err != nil {
			return count, fmt.Errorf("failed to upsert record %s: %w", r.RecordID, err)
		}
		count++
	}
	return count, nil
}

// All returns every stored record ordered by record id, so that callers see
// a stable point-in-time snapshot.
func (s *RecordStore) All() ([]ChecklistRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id_resposta, id_empresa, id_checklist, checklist, data_inicio,
		       data_fim, id_ativo, ativo, qr_code, usuario, data_registro
		FROM checklists
		ORDER BY id_resposta`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []ChecklistRecord
	for rows.Next() {
		var r ChecklistRecord
		if err := rows.Scan(
			&r.RecordID, &r.CompanyID, &r.ChecklistID, &r.ChecklistName,
			&r.StartTime, &r.EndTime, &r.AssetID, &r.AssetName,
			&r.QRCode, &r.User, &r.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *RecordStore) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM checklists").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
