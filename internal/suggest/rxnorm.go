package suggest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultRxNormURL is the public RxNav REST endpoint
const DefaultRxNormURL = "https://rxnav.nlm.nih.gov/REST"

const maxTerminologyResponse int64 = 1 << 20

// RxNorm is a read-only client for the RxNav terminology service
type RxNorm struct {
	baseURL    string
	maxEntries int
	client     *http.Client
}

// NewRxNorm creates an RxNorm client. maxEntries bounds the approximate match result size.
func NewRxNorm(baseURL string, maxEntries int) *RxNorm {
	if baseURL == "" {
		baseURL = DefaultRxNormURL
	}
	if maxEntries <= 0 {
		maxEntries = 5
	}
	return &RxNorm{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxEntries: maxEntries,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ApproximateMatch returns the concept identifiers matching term, in service order.
// Identifiers may repeat.
func (r *RxNorm) ApproximateMatch(ctx context.Context, term string) ([]string, error) {
	query := url.Values{}
	query.Set("term", term)
	query.Set("maxEntries", strconv.Itoa(r.maxEntries))

	body, err := r.get(ctx, "/approximateTerm.json?"+query.Encode())
	if err != nil {
		return nil, err
	}

	candidates := gjson.GetBytes(body, "approximateGroup.candidate")
	if !candidates.Exists() {
		return nil, nil
	}
	if !candidates.IsArray() {
		return nil, fmt.Errorf("approximate match: candidate is not a list")
	}

	ids := make([]string, 0, len(candidates.Array()))
	for _, c := range candidates.Array() {
		if id := c.Get("rxcui").String(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ResolveName returns the canonical name of a concept identifier
func (r *RxNorm) ResolveName(ctx context.Context, id string) (string, error) {
	body, err := r.get(ctx, "/rxcui/"+url.PathEscape(id)+"/properties.json")
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(gjson.GetBytes(body, "properties.name").String())
	if name == "" {
		return "", fmt.Errorf("rxcui %s has no name", id)
	}
	return name, nil
}

func (r *RxNorm) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling rxnorm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rxnorm error (status %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTerminologyResponse))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("rxnorm returned malformed JSON")
	}
	return body, nil
}
