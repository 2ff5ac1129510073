package history

import (
	"errors"
	"time"

	"github.com/zombor/pillchecker/internal/drug"
)

// Source records whether a check involved scanning at any point
type Source string

const (
	SourceScan   Source = "scan"
	SourceManual Source = "manual"
)

// Record is a completed, persisted check. Records are never updated in place.
type Record struct {
	ID        string         `json:"id"`
	DrugA     string         `json:"drug_a"`
	DrugB     string         `json:"drug_b"`
	Safe      bool           `json:"safe"`
	Findings  []drug.Finding `json:"findings"`
	CheckedAt time.Time      `json:"checked_at"`
	Source    Source         `json:"source"`
}

// ErrUnavailable is returned by writes when the underlying database could not be opened
var ErrUnavailable = errors.New("check store unavailable")

// Store is durable storage for completed checks
type Store interface {
	// Save inserts or overwrites a record by ID. It sets record.CheckedAt to
	// the same instant in UTC with no monotonic reading, as Get returns it.
	Save(record *Record) error

	// Get returns the record for id; ok is false when there is none
	Get(id string) (record *Record, ok bool, err error)

	// Delete removes a record. Deleting a missing id is not an error.
	Delete(id string) error

	// List returns every record, newest CheckedAt first
	List() ([]*Record, error)

	// Search returns records whose drug names contain query, case-insensitively, newest first
	Search(query string) ([]*Record, error)

	// Close releases the database
	Close() error
}

// storedTime is t as the stores read it back
func storedTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}
