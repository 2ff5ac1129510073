package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/pillchecker/internal/drug"
	"github.com/zombor/pillchecker/internal/gateway"
	"github.com/zombor/pillchecker/internal/history"
)

var (
	// ErrIncomplete is returned when a check is requested before both slots are filled
	ErrIncomplete = errors.New("both drugs are required")
	// ErrNoPendingVerdict is returned by Save when there is no looked-up result to persist
	ErrNoPendingVerdict = errors.New("no check result to save")
	// ErrSlotsChanged is returned when a slot changed while the lookup was in flight
	ErrSlotsChanged = errors.New("drugs changed during the check")
)

// Lookup asks the remote service about a pair of drugs
type Lookup interface {
	LookupInteractions(ctx context.Context, names []string) (*gateway.Interactions, error)
}

// IDGenerator generates unique IDs for check records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Verdict is the result of an interaction lookup waiting to be saved
type Verdict struct {
	Drugs    []string       `json:"drugs"`
	Findings []drug.Finding `json:"findings"`
	Safe     bool           `json:"safe"`
	Source   history.Source `json:"source"`
}

// Service runs interaction checks and keeps their history
type Service struct {
	lookup      Lookup
	store       history.Store
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with uuid IDs and the wall clock
func NewService(lookup Lookup, store history.Store) *Service {
	return NewServiceWithDeps(lookup, store, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(lookup Lookup, store history.Store, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		lookup:      lookup,
		store:       store,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Check looks up the interactions between the two slotted drugs and holds
// the result on the session until Save. Both slots are read in a single
// snapshot. On failure the slots are left as they were.
func (s *Service) Check(ctx context.Context, sess *Session) (*Verdict, error) {
	state, version, err := sess.snapshot()
	if err != nil {
		return nil, err
	}
	if !state.BothFilled() {
		return nil, ErrIncomplete
	}
	names := state.DisplayNames()

	result, err := s.lookup.LookupInteractions(ctx, names)
	if err != nil {
		slog.Warn("Interaction lookup failed", "drugs", names, "error", err)
		return nil, err
	}

	findings := result.Findings
	if findings == nil {
		findings = []drug.Finding{}
	}
	safe := len(findings) == 0
	if safe != result.Safe {
		slog.Warn("Interaction service safe flag disagrees with findings",
			"drugs", names,
			"safe", result.Safe,
			"findings", len(findings),
		)
	}

	source := history.SourceManual
	if state.Scanned {
		source = history.SourceScan
	}

	verdict := &Verdict{
		Drugs:    names,
		Findings: findings,
		Safe:     safe,
		Source:   source,
	}
	if !sess.hold(verdict, version) {
		return nil, ErrSlotsChanged
	}
	return verdict, nil
}

// Save persists the session's pending verdict exactly once and resets the
// session. Slots edited while the record was being written are kept. If the
// store refuses the write the verdict stays pending so the user can try again.
func (s *Service) Save(sess *Session) (*history.Record, error) {
	verdict, ok := sess.take()
	if !ok {
		return nil, ErrNoPendingVerdict
	}

	record := &history.Record{
		ID:        s.idGenerator.Generate(),
		DrugA:     verdict.Drugs[0],
		DrugB:     verdict.Drugs[1],
		Safe:      verdict.Safe,
		Findings:  verdict.Findings,
		CheckedAt: s.timeSource.Now().UTC().Round(0),
		Source:    verdict.Source,
	}
	if err := s.store.Save(record); err != nil {
		sess.restore(verdict)
		return nil, fmt.Errorf("saving check: %w", err)
	}

	slog.Info("Check saved", "id", record.ID, "drug_a", record.DrugA, "drug_b", record.DrugB, "safe", record.Safe)
	if !sess.saved() {
		slog.Debug("Keeping slots edited during save", "session", sess.ID)
	}
	return record, nil
}

// History returns saved checks newest first, filtered by drug name when
// query is not blank
func (s *Service) History(query string) ([]*history.Record, error) {
	if strings.TrimSpace(query) == "" {
		return s.store.List()
	}
	return s.store.Search(query)
}

// Record returns a single saved check
func (s *Service) Record(id string) (*history.Record, bool, error) {
	return s.store.Get(id)
}

// DeleteRecord removes a saved check
func (s *Service) DeleteRecord(id string) error {
	return s.store.Delete(id)
}
