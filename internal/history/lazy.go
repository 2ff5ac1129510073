package history

import (
	"fmt"
	"log/slog"
	"sync"
)

// Opener creates the underlying Store
type Opener func() (Store, error)

// Lazy is the shared Store handle. The database is opened on first use and
// reused by every later call. If opening fails the handle stays unavailable
// until Close: reads return empty results and writes return ErrUnavailable.
type Lazy struct {
	open Opener

	mu      sync.Mutex
	store   Store
	openErr error
	tried   bool
}

// NewLazy creates a Lazy handle. Nothing is opened until the first call.
func NewLazy(open Opener) *Lazy {
	return &Lazy{open: open}
}

// handle returns the open store, or nil when it is unavailable
func (l *Lazy) handle() Store {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.tried {
		l.tried = true
		l.store, l.openErr = l.open()
		if l.openErr != nil {
			l.store = nil
			slog.Error("Check store unavailable, history is disabled", "error", l.openErr)
		}
	}
	return l.store
}

// Available opens the store if needed and reports whether it is usable
func (l *Lazy) Available() bool {
	return l.handle() != nil
}

// Save writes a record, failing with ErrUnavailable when the store could not be opened
func (l *Lazy) Save(record *Record) error {
	store := l.handle()
	if store == nil {
		return l.unavailable()
	}
	return store.Save(record)
}

// Get reads a record; an unavailable store holds no records
func (l *Lazy) Get(id string) (*Record, bool, error) {
	store := l.handle()
	if store == nil {
		return nil, false, nil
	}
	return store.Get(id)
}

// Delete removes a record, failing with ErrUnavailable when the store could not be opened
func (l *Lazy) Delete(id string) error {
	store := l.handle()
	if store == nil {
		return l.unavailable()
	}
	return store.Delete(id)
}

// List returns all records; an unavailable store lists nothing
func (l *Lazy) List() ([]*Record, error) {
	store := l.handle()
	if store == nil {
		return make([]*Record, 0), nil
	}
	return store.List()
}

// Search finds records by drug name; an unavailable store finds nothing
func (l *Lazy) Search(query string) ([]*Record, error) {
	store := l.handle()
	if store == nil {
		return make([]*Record, 0), nil
	}
	return store.Search(query)
}

// Close tears down the handle. The next call opens the database again.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	store := l.store
	l.store, l.openErr, l.tried = nil, nil, false
	if store == nil {
		return nil
	}
	return store.Close()
}

func (l *Lazy) unavailable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrUnavailable, l.openErr)
}
