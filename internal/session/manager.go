package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zombor/pillchecker/internal/drug"
)

// ErrSlotIndex is returned for a slot index outside 0..SlotCount-1
var ErrSlotIndex = errors.New("slot index out of range")

// errMalformedState marks stored state that cannot be rehydrated
var errMalformedState = errors.New("malformed session state")

// Manager owns the two working slots of one session. Every mutation is
// applied and persisted under one lock, so consecutive calls never lose
// an update.
type Manager struct {
	mu    sync.Mutex
	store Store
	key   string
	state State
}

// Open returns the Manager for the session stored under key. Stored state
// is rehydrated when it is well formed; anything else starts two empty slots.
func Open(store Store, key string) *Manager {
	m := &Manager{store: store, key: key}

	data, ok := store.Get(key)
	if !ok {
		return m
	}
	state, err := decodeState(data)
	if err != nil {
		slog.Debug("Discarding stored session state", "key", key, "error", err)
		store.Delete(key)
		return m
	}
	m.state = state
	return m
}

// decodeState parses persisted slots. It accepts exactly SlotCount slot
// shaped entries and nothing else.
func decodeState(data []byte) (State, error) {
	var raw struct {
		Slots   []json.RawMessage `json:"slots"`
		Scanned bool              `json:"scanned"`
	}
	if err := decodeStrict(data, &raw); err != nil {
		return State{}, fmt.Errorf("%w: %v", errMalformedState, err)
	}
	if len(raw.Slots) != SlotCount {
		return State{}, fmt.Errorf("%w: %d slots", errMalformedState, len(raw.Slots))
	}

	state := State{Scanned: raw.Scanned}
	for i, entry := range raw.Slots {
		if bytes.Equal(bytes.TrimSpace(entry), []byte("null")) {
			return State{}, fmt.Errorf("%w: slot %d is null", errMalformedState, i)
		}
		var slot Slot
		if err := decodeStrict(entry, &slot); err != nil {
			return State{}, fmt.Errorf("%w: slot %d: %v", errMalformedState, i, err)
		}
		if !slot.valid() {
			return State{}, fmt.Errorf("%w: slot %d breaks slot invariants", errMalformedState, i)
		}
		state.Slots[i] = slot
	}
	return state, nil
}

// decodeStrict decodes exactly one JSON value into v, refusing unknown fields
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

// SetFromCandidate fills a slot with a scanned candidate and marks the session as scanned
func (m *Manager) SetFromCandidate(index int, candidate drug.Candidate) error {
	return m.update(index, func(state *State) {
		state.Slots[index] = Slot{Candidate: &candidate}
		state.Scanned = true
	})
}

// SetManualName fills a slot with a typed name, dropping any candidate
func (m *Manager) SetManualName(index int, name string) error {
	return m.update(index, func(state *State) {
		state.Slots[index] = Slot{ManualName: strings.TrimSpace(name)}
	})
}

// Clear empties a slot
func (m *Manager) Clear(index int) error {
	return m.update(index, func(state *State) {
		state.Slots[index] = Slot{}
	})
}

// Reset empties both slots, forgets the scan flag and removes the stored entry
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = State{}
	m.store.Delete(m.key)
}

// Apply commits a pending assignment
func (m *Manager) Apply(a Assignment) error {
	if a.Candidate != nil {
		return m.SetFromCandidate(a.Slot, *a.Candidate)
	}
	return m.SetManualName(a.Slot, a.Name)
}

// Accept takes the pending assignment out of h, if any, and applies it.
// It reports whether an assignment was consumed.
func (m *Manager) Accept(h *Handoff) (bool, error) {
	a, ok := h.Take()
	if !ok {
		return false, nil
	}
	return true, m.Apply(a)
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// BothFilled reports whether both slots have a display name
func (m *Manager) BothFilled() bool {
	return m.Snapshot().BothFilled()
}

// DisplayNames returns the display names in slot order. Check BothFilled first.
func (m *Manager) DisplayNames() []string {
	return m.Snapshot().DisplayNames()
}

// WasEverScanned reports whether any slot was filled from a scan since the last reset
func (m *Manager) WasEverScanned() bool {
	return m.Snapshot().Scanned
}

func (m *Manager) update(index int, mutate func(*State)) error {
	if index < 0 || index >= SlotCount {
		return fmt.Errorf("%w: %d", ErrSlotIndex, index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mutate(&m.state)
	data, err := json.Marshal(m.state)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	m.store.Set(m.key, data)
	return nil
}

func (s State) clone() State {
	out := s
	for i, slot := range s.Slots {
		if slot.Candidate != nil {
			c := *slot.Candidate
			out.Slots[i].Candidate = &c
		}
	}
	return out
}
