package session

import (
	"strings"

	"github.com/zombor/pillchecker/internal/drug"
)

// SlotCount is the number of drug positions in a check
const SlotCount = 2

// Slot holds either a scanned candidate or a typed name, never both
type Slot struct {
	Candidate  *drug.Candidate `json:"candidate,omitempty"`
	ManualName string          `json:"manual_name,omitempty"`
}

// DisplayName returns the candidate name when a candidate is set, otherwise
// the trimmed manual name. ok is false for an empty slot.
func (s Slot) DisplayName() (name string, ok bool) {
	if s.Candidate != nil {
		name = s.Candidate.Name
	} else {
		name = s.ManualName
	}
	name = strings.TrimSpace(name)
	return name, name != ""
}

// Filled reports whether the slot has a display name
func (s Slot) Filled() bool {
	_, ok := s.DisplayName()
	return ok
}

// valid reports whether a decoded slot respects the slot invariants
func (s Slot) valid() bool {
	if s.Candidate == nil {
		return true
	}
	return s.ManualName == "" && s.Candidate.Valid()
}

// State is a point-in-time copy of a session's slots
type State struct {
	Slots   [SlotCount]Slot `json:"slots"`
	Scanned bool            `json:"scanned"`
}

// BothFilled reports whether every slot has a display name
func (s State) BothFilled() bool {
	for _, slot := range s.Slots {
		if !slot.Filled() {
			return false
		}
	}
	return true
}

// DisplayNames returns the display names of the filled slots in slot order.
// Only meaningful when BothFilled is true.
func (s State) DisplayNames() []string {
	names := make([]string, 0, SlotCount)
	for _, slot := range s.Slots {
		if name, ok := slot.DisplayName(); ok {
			names = append(names, name)
		}
	}
	return names
}
