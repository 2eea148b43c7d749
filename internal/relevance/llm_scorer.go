package relevance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/logging"
)

// LLMScorer asks a language model to rate every candidate in one prompt.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
	maxTokens int
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// WithMaxTokens limits the scoring response length.
func WithMaxTokens(n int) LLMScorerOption {
	return func(s *LLMScorer) {
		s.maxTokens = n
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		maxTokens: 256,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Score rates candidates against query. An empty candidate list makes no model call.
// Model errors are returned unchanged.
func (s *LLMScorer) Score(ctx context.Context, query string, candidates []string) (Scores, error) {
	if len(candidates) == 0 {
		return Scores{Values: []int{}, Method: MethodNone}, nil
	}

	response, err := s.llmClient.Generate(ctx, llm.ScoringPrompt(query, candidates), llm.GenerateOptions{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return Scores{}, fmt.Errorf("scoring %d candidates: %w", len(candidates), err)
	}

	scores := ParseScores(response, len(candidates))
	if scores.Degraded {
		logging.FromContext(ctx).Warn("score parse degraded, using default scores",
			"kind", "score_parse_degraded",
			"candidates", len(candidates),
			"response", truncate(response, 200),
		)
	} else {
		logging.FromContext(ctx).Debug("scored candidates",
			"method", string(scores.Method),
			"scores", scores.Values,
		)
	}
	return scores, nil
}

var (
	bracketList  = regexp.MustCompile(`\[([^\[\]]*)\]`)
	outOfTen     = regexp.MustCompile(`(?i)(-?\d+)\s+out\s+of\s+10\b`)
	integerInRng = regexp.MustCompile(`\b([1-9]|10)\b`)
)

// ParseScores extracts n scores from a model response:
//
//  1. the first bracketed integer list of length n, clamped to [1,10];
//  2. "X out of 10" phrases when at least n are present, first n, clamped;
//  3. integers in [1,10] in order of appearance when at least n are present, first n;
//  4. DefaultScore for every candidate, marked Degraded.
func ParseScores(response string, n int) Scores {
	if n <= 0 {
		return Scores{Values: []int{}, Method: MethodNone}
	}

	for _, m := range bracketList.FindAllStringSubmatch(response, -1) {
		if values, ok := parseIntList(m[1]); ok && len(values) == n {
			return Scores{Values: clampAll(values), Method: MethodBracketList}
		}
	}

	if matches := outOfTen.FindAllStringSubmatch(response, -1); len(matches) >= n {
		values := make([]int, n)
		for i := range values {
			v, _ := strconv.Atoi(matches[i][1])
			values[i] = v
		}
		return Scores{Values: clampAll(values), Method: MethodOutOfTen}
	}

	if matches := integerInRng.FindAllString(response, -1); len(matches) >= n {
		values := make([]int, n)
		for i := range values {
			values[i], _ = strconv.Atoi(matches[i])
		}
		return Scores{Values: values, Method: MethodIntegerScan}
	}

	values := make([]int, n)
	for i := range values {
		values[i] = DefaultScore
	}
	return Scores{Values: values, Method: MethodDefault, Degraded: true}
}

// parseIntList parses "7, 8,6" style lists. Any non-integer item rejects the list.
func parseIntList(s string) ([]int, bool) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	if len(fields) == 0 {
		return nil, false
	}
	values := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func clampAll(values []int) []int {
	for i, v := range values {
		values[i] = Clamp(v)
	}
	return values
}

// Clamp bounds v to [MinScore, MaxScore].
func Clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

var _ Scorer = (*LLMScorer)(nil)
