// Package oracle is the boundary to the analysis oracle that turns scoped
// source text into candidate findings. The oracle is fallible by contract:
// callers own retries and must treat its output as untrusted until validated.
package oracle

import "context"

// Request scopes one analysis call.
type Request struct {
	RunID   string
	Kind    string // file-analysis, directory-resolution, global-resolution
	Path    string
	Content string
}

// Candidate is one raw assertion from the oracle about a relationship
// between two code entities.
type Candidate struct {
	SourceFile        string    `json:"source_file"`
	SourceName        string    `json:"source_name"`
	TargetFile        string    `json:"target_file"`
	TargetName        string    `json:"target_name"`
	Type              string    `json:"type"`
	SupportsExistence bool      `json:"supports_existence"`
	InitialScore      float64   `json:"initial_score"`
	Boosts            []float64 `json:"boosts,omitempty"`
	Penalties         []float64 `json:"penalties,omitempty"`
	Evidence          string    `json:"evidence,omitempty"`
}

// Valid reports whether a candidate satisfies the finding contract. Invalid
// candidates are skipped by workers, never fatal.
func (c Candidate) Valid() bool {
	return c.SourceFile != "" && c.SourceName != "" && c.TargetFile != "" && c.TargetName != "" && c.Type != ""
}

type Client interface {
	Analyze(ctx context.Context, req Request) ([]Candidate, error)
}
