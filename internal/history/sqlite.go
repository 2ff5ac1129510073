package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zombor/pillchecker/internal/drug"
)

// SQLiteStore implements Store on SQLite. Timestamps are stored as Unix
// nanoseconds and come back in UTC.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS checks (
        id TEXT PRIMARY KEY,
        drug_a TEXT NOT NULL,
        drug_b TEXT NOT NULL,
        drug_a_key TEXT NOT NULL,
        drug_b_key TEXT NOT NULL,
        safe INTEGER NOT NULL,
        findings TEXT NOT NULL,
        checked_at INTEGER NOT NULL,
        source TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_checks_checked_at ON checks(checked_at);
    CREATE INDEX IF NOT EXISTS idx_checks_drug_a ON checks(drug_a_key);
    CREATE INDEX IF NOT EXISTS idx_checks_drug_b ON checks(drug_b_key);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, drug_a, drug_b, safe, findings, checked_at, source FROM checks`

// Save upserts a record by id
func (s *SQLiteStore) Save(record *Record) error {
	record.CheckedAt = storedTime(record.CheckedAt)
	findings, err := json.Marshal(record.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}

	query := `
        INSERT INTO checks (id, drug_a, drug_b, drug_a_key, drug_b_key, safe, findings, checked_at, source)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            drug_a = excluded.drug_a,
            drug_b = excluded.drug_b,
            drug_a_key = excluded.drug_a_key,
            drug_b_key = excluded.drug_b_key,
            safe = excluded.safe,
            findings = excluded.findings,
            checked_at = excluded.checked_at,
            source = excluded.source
    `
	_, err = s.db.Exec(query,
		record.ID, record.DrugA, record.DrugB,
		drug.FoldName(record.DrugA), drug.FoldName(record.DrugB),
		record.Safe, string(findings), record.CheckedAt.UnixNano(), string(record.Source))
	if err != nil {
		return fmt.Errorf("failed to save check: %w", err)
	}
	return nil
}

// Get retrieves a record by id
func (s *SQLiteStore) Get(id string) (*Record, bool, error) {
	record, err := scanRecord(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get check %s: %w", id, err)
	}
	return record, true, nil
}

// Delete removes a record
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM checks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete check: %w", err)
	}
	return nil
}

// List returns all records, newest first
func (s *SQLiteStore) List() ([]*Record, error) {
	return s.query(selectColumns + ` ORDER BY checked_at DESC, id DESC`)
}

// Search returns records where either drug name contains query
func (s *SQLiteStore) Search(query string) ([]*Record, error) {
	folded := drug.FoldName(query)
	if folded == "" {
		return s.List()
	}
	return s.query(selectColumns+`
        WHERE instr(drug_a_key, ?) > 0 OR instr(drug_b_key, ?) > 0
        ORDER BY checked_at DESC, id DESC`, folded, folded)
}

func (s *SQLiteStore) query(query string, args ...any) ([]*Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checks: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		findings  string
		checkedAt int64
		source    string
	)
	if err := row.Scan(&record.ID, &record.DrugA, &record.DrugB, &record.Safe, &findings, &checkedAt, &source); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(findings), &record.Findings); err != nil {
		return nil, fmt.Errorf("failed to parse findings: %w", err)
	}
	record.CheckedAt = time.Unix(0, checkedAt).UTC()
	record.Source = Source(source)
	return &record, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
