package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zombor/pillchecker/internal/drug"
	"github.com/zombor/pillchecker/internal/gateway"
	"github.com/zombor/pillchecker/internal/session"
)

// Stage is a step of a scan attempt
type Stage string

const (
	StageIdle        Stage = "IDLE"
	StageCapturing   Stage = "CAPTURING"
	StageRecognizing Stage = "RECOGNIZING"
	StageExtracting  Stage = "EXTRACTING"
	StageResult      Stage = "RESULT"
)

// Failure says why the last attempt ended back in IDLE
type Failure string

const (
	FailureNone        Failure = ""
	FailureNoText      Failure = "NO_TEXT_RECOGNIZED"
	FailureNoCandidate Failure = "NO_CANDIDATE_FOUND"
	FailureRecognition Failure = "RECOGNITION_FAILED"
	FailureExtraction  Failure = "EXTRACTION_FAILED"
)

const (
	ReasonNoText      = "Could not read text from image. Try again or type manually."
	ReasonNoCandidate = "No drug found in image. Try again or type manually."
	ReasonRecognition = "Recognition failed. Please try again."
)

var (
	// ErrNotReady is returned when an operation does not apply to the current stage
	ErrNotReady = errors.New("scan is not at the right stage")
	// ErrStaleAttempt is returned to a caller whose attempt was retaken or replaced
	// while a collaborator call was in flight. Its result was discarded.
	ErrStaleAttempt = errors.New("scan attempt was superseded")
	// ErrEmptyName is returned by Confirm when the edited result name is blank.
	// The result stays up for editing.
	ErrEmptyName = errors.New("drug name is required")
	// ErrClosed is returned by Capture and Process once the pipeline is closed
	ErrClosed = errors.New("scan pipeline is closed")
)

// Extractor finds drug candidates in recognized text
type Extractor interface {
	ExtractDrugs(ctx context.Context, text string) (*gateway.Analysis, error)
}

// State is a snapshot of the current attempt
type State struct {
	Stage     Stage           `json:"stage"`
	Slot      int             `json:"slot"`
	Candidate *drug.Candidate `json:"candidate,omitempty"`
	Name      string          `json:"name,omitempty"`
	RawText   string          `json:"raw_text,omitempty"`
	Failure   Failure         `json:"failure,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Pipeline runs one scan attempt at a time: capture, recognition,
// extraction, then user confirmation. Collaborator calls happen outside the
// lock; a response is applied only if its attempt is still the current one.
type Pipeline struct {
	recognizer Recognizer
	extractor  Extractor

	mu      sync.Mutex
	attempt uint64
	state   State
	preview *Image
	closed  bool
}

// NewPipeline creates a Pipeline in the IDLE stage
func NewPipeline(recognizer Recognizer, extractor Extractor) *Pipeline {
	return &Pipeline{
		recognizer: recognizer,
		extractor:  extractor,
		state:      State{Stage: StageIdle},
	}
}

// Capture starts a new attempt for slot with img. Any attempt in progress
// is abandoned.
func (p *Pipeline) Capture(slot int, img Image) (State, error) {
	if slot < 0 || slot >= session.SlotCount {
		return State{}, fmt.Errorf("%w: %d", session.ErrSlotIndex, slot)
	}
	if len(img.Data) == 0 {
		return State{}, fmt.Errorf("empty image")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return State{}, ErrClosed
	}
	p.attempt++
	p.preview = &img
	p.state = State{Stage: StageCapturing, Slot: slot}
	return p.state, nil
}

// Process runs recognition then extraction for the captured image.
// Collaborator failures and empty results end the attempt in IDLE with a
// reason and are not returned as errors.
func (p *Pipeline) Process(ctx context.Context) (State, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return State{}, ErrClosed
	}
	if p.state.Stage != StageCapturing || p.preview == nil {
		p.mu.Unlock()
		return State{}, ErrNotReady
	}
	id := p.attempt
	img := *p.preview
	p.state.Stage = StageRecognizing
	p.mu.Unlock()

	text, err := p.recognizer.Recognize(ctx, img)

	p.mu.Lock()
	if !p.current(id, StageRecognizing) {
		p.mu.Unlock()
		slog.Debug("Discarding stale recognition result", "attempt", id)
		return State{}, ErrStaleAttempt
	}
	if err != nil {
		slog.Warn("Recognition failed", "error", err)
		state := p.fail(FailureRecognition, ReasonRecognition)
		p.mu.Unlock()
		return state, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		state := p.fail(FailureNoText, ReasonNoText)
		p.mu.Unlock()
		return state, nil
	}
	p.state.Stage = StageExtracting
	p.state.RawText = text
	p.mu.Unlock()

	analysis, err := p.extractor.ExtractDrugs(ctx, text)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.current(id, StageExtracting) {
		slog.Debug("Discarding stale extraction result", "attempt", id)
		return State{}, ErrStaleAttempt
	}
	if err != nil {
		slog.Warn("Extraction failed", "error", err)
		return p.fail(FailureExtraction, gateway.Message(err)), nil
	}
	if len(analysis.Drugs) == 0 {
		return p.fail(FailureNoCandidate, ReasonNoCandidate), nil
	}

	candidate := analysis.Drugs[0]
	p.state.Stage = StageResult
	p.state.Candidate = &candidate
	p.state.Name = candidate.Name
	return p.snapshot(), nil
}

// Scan captures img for slot and processes it
func (p *Pipeline) Scan(ctx context.Context, slot int, img Image) (State, error) {
	if _, err := p.Capture(slot, img); err != nil {
		return State{}, err
	}
	return p.Process(ctx)
}

// Edit replaces the editable name of the working candidate
func (p *Pipeline) Edit(name string) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Stage != StageResult {
		return State{}, ErrNotReady
	}
	p.state.Name = name
	return p.snapshot(), nil
}

// Retake discards the working candidate and preview. Any call still in
// flight for the old attempt is ignored when it returns.
func (p *Pipeline) Retake() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempt++
	p.reset()
	return p.state
}

// Confirm turns the result into a slot assignment and resets the pipeline.
// An edited name no longer describes the candidate, so it is committed as a
// manual name without the candidate's identifier or dosage.
func (p *Pipeline) Confirm() (session.Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.Stage != StageResult || p.state.Candidate == nil {
		return session.Assignment{}, ErrNotReady
	}
	name := strings.TrimSpace(p.state.Name)
	if name == "" {
		return session.Assignment{}, ErrEmptyName
	}

	assignment := session.Assignment{Slot: p.state.Slot, Name: name}
	if name == strings.TrimSpace(p.state.Candidate.Name) {
		candidate := *p.state.Candidate
		assignment.Candidate = &candidate
	}

	p.attempt++
	p.reset()
	return assignment, nil
}

// Preview returns the captured image, if one is held
func (p *Pipeline) Preview() (Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.preview == nil {
		return Image{}, false
	}
	return *p.preview, true
}

// Snapshot returns the current state
func (p *Pipeline) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// Close releases the preview and abandons any attempt. The pipeline
// cannot be used afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempt++
	p.closed = true
	p.reset()
}

// current reports whether attempt id is still live at stage. Caller holds mu.
func (p *Pipeline) current(id uint64, stage Stage) bool {
	return !p.closed && p.attempt == id && p.state.Stage == stage
}

// fail ends the attempt in IDLE. Caller holds mu.
func (p *Pipeline) fail(failure Failure, reason string) State {
	slot := p.state.Slot
	p.reset()
	p.state.Slot = slot
	p.state.Failure = failure
	p.state.Reason = reason
	return p.state
}

// reset returns to a clean IDLE state. Caller holds mu.
func (p *Pipeline) reset() {
	p.preview = nil
	p.state = State{Stage: StageIdle}
}

func (p *Pipeline) snapshot() State {
	state := p.state
	if state.Candidate != nil {
		candidate := *state.Candidate
		state.Candidate = &candidate
	}
	return state
}
