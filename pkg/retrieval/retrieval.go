// Package retrieval reserves the boundary for semantic repository
// retrieval. No implementation ships; the daemon's exact-match tools
// cover lookup today, and a future index plugs in behind this
// interface without touching the turn loop.
package retrieval

import "context"

// Hit is one ranked retrieval result.
type Hit struct {
	Path    string  `json:"path"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Index ranks repository content against a natural-language query.
type Index interface {
	// Query returns up to limit hits, best first.
	Query(ctx context.Context, query string, limit int) ([]Hit, error)
}
