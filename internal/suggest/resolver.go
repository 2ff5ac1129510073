package suggest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// MinQueryLength is the shortest trimmed query that reaches the terminology service
const MinQueryLength = 2

// maxConcurrentResolutions bounds the name resolution fan-out
const maxConcurrentResolutions = 8

// Terminology is the external service suggestions come from
type Terminology interface {
	// ApproximateMatch returns concept identifiers for a search term, in relevance order
	ApproximateMatch(ctx context.Context, term string) ([]string, error)
	// ResolveName returns the canonical display name for an identifier
	ResolveName(ctx context.Context, id string) (string, error)
}

// Resolver turns a partial drug name into display name suggestions.
// Callers should debounce keystrokes; every call may cost 1+N round trips.
type Resolver struct {
	terminology Terminology
	names       *cache.Cache
}

// NewResolver creates a Resolver. Resolved names are cached for nameTTL;
// a non-positive nameTTL disables caching.
func NewResolver(terminology Terminology, nameTTL time.Duration) *Resolver {
	r := &Resolver{terminology: terminology}
	if nameTTL > 0 {
		r.names = cache.New(nameTTL, 2*nameTTL)
	}
	return r
}

// Suggest returns display names for query. It never fails: any error at
// the match step yields an empty list, and identifiers that fail to
// resolve are left out.
func (r *Resolver) Suggest(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinQueryLength {
		return []string{}
	}

	ids, err := r.terminology.ApproximateMatch(ctx, query)
	if err != nil {
		slog.Warn("Suggestion lookup failed", "query", query, "error", err)
		return []string{}
	}

	unique := dedupe(ids)
	names := make([]string, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentResolutions)
	for i, id := range unique {
		g.Go(func() error {
			names[i] = r.resolve(gctx, id)
			return nil
		})
	}
	_ = g.Wait() // resolution goroutines never fail

	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// resolve returns the name for id, or "" when it cannot be resolved
func (r *Resolver) resolve(ctx context.Context, id string) string {
	if r.names != nil {
		if name, ok := r.names.Get(id); ok {
			return name.(string)
		}
	}

	name, err := r.terminology.ResolveName(ctx, id)
	if err != nil {
		slog.Debug("Dropping unresolvable suggestion", "rxcui", id, "error", err)
		return ""
	}
	if r.names != nil {
		r.names.SetDefault(id, name)
	}
	return name
}

// dedupe keeps the first occurrence of each identifier
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
