package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/pillchecker/internal/drug"
)

// DefaultTimeout bounds a single exchange with the analysis service
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read
const maxResponseSize int64 = 8 << 20

// Analysis is the result of extracting drugs from recognized text
type Analysis struct {
	Drugs   []drug.Candidate
	RawText string
}

// Interactions is the result of an interaction lookup
type Interactions struct {
	Findings []drug.Finding
	Safe     bool
}

// Client talks to the remote analysis service.
// It performs no retries; every failure is returned as an *Error.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewClient creates a Client for the service at baseURL.
// A non-positive timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, timeout, &http.Client{})
}

// NewClientWithHTTP creates a Client using a custom http.Client
func NewClientWithHTTP(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  httpClient,
	}
}

// wire formats of the analysis service

type analyzeRequest struct {
	Text string `json:"text"`
}

type drugResult struct {
	RxCUI      *string `json:"rxcui"`
	Name       string  `json:"name"`
	Dosage     *string `json:"dosage"`
	Form       *string `json:"form"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

type analyzeResponse struct {
	Drugs   []drugResult `json:"drugs"`
	RawText string       `json:"raw_text"`
}

type interactionsRequest struct {
	Drugs []string `json:"drugs"`
}

type interactionResult struct {
	DrugA       string  `json:"drug_a"`
	DrugB       string  `json:"drug_b"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Management  *string `json:"management"`
}

type interactionsResponse struct {
	Interactions []interactionResult `json:"interactions"`
	Safe         bool                `json:"safe"`
}

// ExtractDrugs sends recognized text to the analysis service and returns the drug candidates found in it
func (c *Client) ExtractDrugs(ctx context.Context, text string) (*Analysis, error) {
	var resp analyzeResponse
	if err := c.post(ctx, "/analyze", analyzeRequest{Text: text}, &resp); err != nil {
		return nil, err
	}

	analysis := &Analysis{
		Drugs:   make([]drug.Candidate, 0, len(resp.Drugs)),
		RawText: resp.RawText,
	}
	for _, d := range resp.Drugs {
		candidate := d.candidate()
		if !candidate.Valid() {
			slog.Debug("Dropping nameless candidate", "source", d.Source)
			continue
		}
		analysis.Drugs = append(analysis.Drugs, candidate)
	}
	return analysis, nil
}

// LookupInteractions asks the analysis service for interactions between exactly two drugs
func (c *Client) LookupInteractions(ctx context.Context, names []string) (*Interactions, error) {
	if len(names) != 2 {
		return nil, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("need exactly 2 drug names, got %d", len(names))}
	}

	var resp interactionsResponse
	if err := c.post(ctx, "/interactions", interactionsRequest{Drugs: names}, &resp); err != nil {
		return nil, err
	}

	result := &Interactions{
		Findings: make([]drug.Finding, 0, len(resp.Interactions)),
		Safe:     resp.Safe,
	}
	for _, in := range resp.Interactions {
		result.Findings = append(result.Findings, drug.Finding{
			DrugA:       in.DrugA,
			DrugB:       in.DrugB,
			Severity:    drug.ParseSeverity(in.Severity),
			Description: in.Description,
			Management:  deref(in.Management),
		})
	}
	return result, nil
}

// post performs one JSON exchange. The gateway timeout is applied to the
// request context so a slow exchange is aborted, not merely abandoned.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(exchangeCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		gwErr := classifyTransport(ctx, exchangeCtx, err)
		slog.Warn("Analysis service exchange failed", "path", path, "kind", gwErr.Kind, "error", err)
		return gwErr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("Analysis service rejected request", "path", path, "status", resp.StatusCode, "body", string(detail))
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return &Error{Kind: KindInvalidRequest, StatusCode: resp.StatusCode}
		}
		return &Error{Kind: KindServerError, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return classifyTransport(ctx, exchangeCtx, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func (d drugResult) candidate() drug.Candidate {
	source := drug.SourceRecognized
	if d.Source == "rxnorm_fallback" {
		source = drug.SourceFallbackLookup
	}
	confidence := d.Confidence
	if math.IsNaN(confidence) {
		confidence = 0
	}
	return drug.Candidate{
		ExternalID: deref(d.RxCUI),
		Name:       strings.TrimSpace(d.Name),
		Dosage:     deref(d.Dosage),
		Form:       deref(d.Form),
		Source:     source,
		Confidence: math.Min(1, math.Max(0, confidence)),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
