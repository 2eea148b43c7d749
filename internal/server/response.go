package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/logging"
	"github.com/knoguchi/medrag/internal/pipeline"
)

// Runner is the query surface served by the HTTP and gRPC front ends.
type Runner interface {
	RunQuery(ctx context.Context, query string, cached [][]float32) (*pipeline.Result, error)
	ClearCache(ctx context.Context) ([]string, error)
	Ready(ctx context.Context) error
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type chunkResponse struct {
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
	Score      *int    `json:"score,omitempty"`
}

type queryResponse struct {
	Status           string           `json:"status"`
	QueryID          string           `json:"query_id"`
	Query            string           `json:"query"`
	ExpandedQuery    string           `json:"expanded_query,omitempty"`
	Answer           string           `json:"answer"`
	NoRelevant       bool             `json:"no_relevant"`
	Retrieved        []chunkResponse  `json:"retrieved"`
	Relevant         []chunkResponse  `json:"relevant"`
	ScoreMethod      string           `json:"score_method,omitempty"`
	Degraded         bool             `json:"degraded"`
	ChunksReused     bool             `json:"chunks_reused"`
	EmbeddingsSource string           `json:"embeddings_source,omitempty"`
	TimingsMS        map[string]int64 `json:"timings_ms"`
	TotalMS          int64            `json:"total_ms"`
	Logs             []logging.Entry  `json:"logs"`
}

type errorResponse struct {
	Status  string          `json:"status"`
	QueryID string          `json:"query_id,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message"`
	Logs    []logging.Entry `json:"logs,omitempty"`
}

// runResponse is the legacy /run payload, with logs flattened into one string.
type runResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Logs        string `json:"logs"`
	FinalAnswer string `json:"final_answer,omitempty"`
}

func newQueryResponse(res *pipeline.Result) queryResponse {
	out := queryResponse{
		Status:           StatusSuccess,
		QueryID:          res.QueryID,
		Query:            res.Query,
		ExpandedQuery:    res.ExpandedQuery,
		Answer:           res.Answer,
		NoRelevant:       res.NoRelevant,
		Retrieved:        []chunkResponse{},
		Relevant:         []chunkResponse{},
		ScoreMethod:      string(res.ScoreMethod),
		Degraded:         res.Degraded,
		ChunksReused:     res.ChunksReused,
		EmbeddingsSource: res.EmbeddingsSource,
		TimingsMS:        make(map[string]int64, len(res.Timings)),
		TotalMS:          res.Total.Milliseconds(),
		Logs:             res.Logs,
	}

	if len(res.Scored) > 0 {
		for _, s := range res.Scored {
			out.Retrieved = append(out.Retrieved, scoredChunk(s))
		}
	} else {
		for _, r := range res.Retrieved {
			out.Retrieved = append(out.Retrieved, chunkResponse{Index: r.Chunk.Index, Text: r.Chunk.Text, Similarity: r.Similarity})
		}
	}
	for _, s := range res.Relevant {
		out.Relevant = append(out.Relevant, scoredChunk(s))
	}
	for stage, d := range res.Timings {
		out.TimingsMS[string(stage)] = d.Milliseconds()
	}
	return out
}

func scoredChunk(s domain.Scored) chunkResponse {
	score := s.Score
	return chunkResponse{Index: s.Chunk.Index, Text: s.Chunk.Text, Similarity: s.Similarity, Score: &score}
}

func newErrorResponse(res *pipeline.Result, err error) errorResponse {
	out := errorResponse{
		Status:  StatusError,
		Kind:    domain.Kind(err),
		Message: err.Error(),
	}
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		out.Stage = string(stageErr.Stage)
	}
	if res != nil {
		out.QueryID = res.QueryID
		out.Logs = res.Logs
	}
	return out
}

func logText(res *pipeline.Result) string {
	if res == nil {
		return ""
	}
	lines := make([]string, len(res.Logs))
	for i, e := range res.Logs {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// toStruct converts a JSON-tagged value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}
