package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/pillchecker/internal/drug"
)

const (
	checksBucket = "checks"
	byTimeBucket = "checks_by_time"
	byDrugBucket = "checks_by_drug"
)

// BoltStore implements Store using BoltDB. Records live in one bucket keyed
// by id; two index buckets order them by time and by folded drug name.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{checksBucket, byTimeBucket, byDrugBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// timeKey sorts by CheckedAt, then by id
func timeKey(r *Record) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.CheckedAt.UnixNano())^(1<<63))
	return append(key, r.ID...)
}

func drugKeys(r *Record) [][]byte {
	keys := make([][]byte, 0, 2)
	for _, name := range []string{r.DrugA, r.DrugB} {
		keys = append(keys, drugKey(drug.FoldName(name), r.ID))
	}
	return keys
}

func drugKey(folded, id string) []byte {
	key := make([]byte, 0, len(folded)+1+len(id))
	key = append(key, folded...)
	key = append(key, 0)
	return append(key, id...)
}

// Save writes a record and its index entries, replacing any record with the same id
func (b *BoltStore) Save(record *Record) error {
	record.CheckedAt = storedTime(record.CheckedAt)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling check: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		checks := tx.Bucket([]byte(checksBucket))
		if old := checks.Get([]byte(record.ID)); old != nil {
			var previous Record
			if err := json.Unmarshal(old, &previous); err != nil {
				return fmt.Errorf("unmarshaling previous check: %w", err)
			}
			if err := deleteIndexes(tx, &previous); err != nil {
				return err
			}
		}

		if err := checks.Put([]byte(record.ID), data); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(byTimeBucket)).Put(timeKey(record), []byte(record.ID)); err != nil {
			return err
		}
		byDrug := tx.Bucket([]byte(byDrugBucket))
		for _, key := range drugKeys(record) {
			if err := byDrug.Put(key, []byte(record.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func deleteIndexes(tx *bbolt.Tx, r *Record) error {
	if err := tx.Bucket([]byte(byTimeBucket)).Delete(timeKey(r)); err != nil {
		return err
	}
	byDrug := tx.Bucket([]byte(byDrugBucket))
	for _, key := range drugKeys(r) {
		if err := byDrug.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a record by id
func (b *BoltStore) Get(id string) (*Record, bool, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(checksBucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading check %s: %w", id, err)
	}
	return record, record != nil, nil
}

// Delete removes a record and its index entries
func (b *BoltStore) Delete(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		checks := tx.Bucket([]byte(checksBucket))
		data := checks.Get([]byte(id))
		if data == nil {
			return nil
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("unmarshaling check: %w", err)
		}
		if err := deleteIndexes(tx, &record); err != nil {
			return err
		}
		return checks.Delete([]byte(id))
	})
}

// List returns all records, newest first
func (b *BoltStore) List() ([]*Record, error) {
	return b.newestFirst(nil)
}

// Search returns records where either drug name contains query
func (b *BoltStore) Search(query string) ([]*Record, error) {
	folded := drug.FoldName(query)
	if folded == "" {
		return b.List()
	}

	matches := make(map[string]struct{})
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(byDrugBucket)).ForEach(func(k, v []byte) error {
			name, _, found := bytes.Cut(k, []byte{0})
			if found && strings.Contains(string(name), folded) {
				matches[string(v)] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("searching checks: %w", err)
	}
	if len(matches) == 0 {
		return make([]*Record, 0), nil
	}
	return b.newestFirst(matches)
}

// newestFirst walks the time index backwards. A nil filter accepts every id.
func (b *BoltStore) newestFirst(filter map[string]struct{}) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		checks := tx.Bucket([]byte(checksBucket))
		c := tx.Bucket([]byte(byTimeBucket)).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if filter != nil {
				if _, ok := filter[string(id)]; !ok {
					continue
				}
			}
			data := checks.Get(id)
			if data == nil {
				continue
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("unmarshaling check: %w", err)
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
