// Package relevance scores retrieved chunks against a query with a language model.
//
// All candidates are rated in a single batched prompt. The response is parsed with an
// ordered fallback chain so that a malformed answer degrades to neutral scores instead of
// failing the query.
//
// # Trade-offs
//
//   - Latency: one extra LLM call per query regardless of K
//   - Quality: the model sees query and chunk together, which separates near-tied vectors
//   - Robustness: parse failures fall back to the neutral score 5, which passes the default
//     relevance threshold, and are reported through Scores.Degraded
package relevance

import (
	"context"
)

// Score bounds and the neutral fallback value.
const (
	MinScore     = 1
	MaxScore     = 10
	DefaultScore = 5
)

// Method identifies which parse step produced the scores.
type Method string

const (
	MethodNone        Method = "none"
	MethodBracketList Method = "bracket_list"
	MethodOutOfTen    Method = "out_of_ten"
	MethodIntegerScan Method = "integer_scan"
	MethodDefault     Method = "default"
)

// Scores holds one score per candidate, in candidate order.
type Scores struct {
	Values []int
	Method Method
	// Degraded is set when no scores could be parsed and every value is DefaultScore.
	Degraded bool
}

// Scorer rates candidates for relevance to a query.
type Scorer interface {
	Score(ctx context.Context, query string, candidates []string) (Scores, error)
}
