package drug

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CandidateSource records how the analysis service arrived at a candidate
type CandidateSource string

const (
	// SourceRecognized means the drug was recognized directly in the text
	SourceRecognized CandidateSource = "RECOGNIZED"
	// SourceFallbackLookup means the drug came from a terminology fallback lookup
	SourceFallbackLookup CandidateSource = "FALLBACK_LOOKUP"
)

// Candidate is a provisional drug identification produced by recognition and extraction.
// Candidates are passed by value and never mutated after construction.
type Candidate struct {
	ExternalID string          `json:"external_id,omitempty"` // RxNorm concept id
	Name       string          `json:"name"`
	Dosage     string          `json:"dosage,omitempty"`
	Form       string          `json:"form,omitempty"`
	Source     CandidateSource `json:"source"`
	Confidence float64         `json:"confidence"`
}

// Valid reports whether the candidate carries a usable name
func (c Candidate) Valid() bool {
	return strings.TrimSpace(c.Name) != ""
}

// Severity orders interaction findings: Minor < Moderate < Major
type Severity int

const (
	Minor Severity = iota
	Moderate
	Major
)

func (s Severity) String() string {
	switch s {
	case Major:
		return "MAJOR"
	case Moderate:
		return "MODERATE"
	default:
		return "MINOR"
	}
}

// ParseSeverity maps a server supplied label onto a Severity.
// Unknown labels are treated as Minor.
func ParseSeverity(label string) Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "major":
		return Major
	case "moderate":
		return Moderate
	default:
		return Minor
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	*s = ParseSeverity(string(text))
	return nil
}

// Finding is one reported pairwise interaction
type Finding struct {
	DrugA       string   `json:"drug_a"`
	DrugB       string   `json:"drug_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Management  string   `json:"management,omitempty"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s + %s (%s)", f.DrugA, f.DrugB, f.Severity)
}

// FoldName returns the comparison key for a drug name: NFKC normalized,
// trimmed and case folded. Casers keep state, so each call gets its own.
func FoldName(name string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(name)))
}
