// Package domain defines the data model shared by the retrieval pipeline: documents, chunks,
// retrieval results, relevance scores and the cached corpus.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Document is the cleaned source text of a corpus.
type Document struct {
	Path string
	Text string
	Hash string
}

// NewDocument builds a Document and computes its content hash.
func NewDocument(path, text string) Document {
	return Document{Path: path, Text: text, Hash: HashContent(text)}
}

// Chunk is a bounded contiguous segment of a Document.
// Start and End are rune offsets into the cleaned document text.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Retrieved pairs a chunk with its cosine similarity to the query.
type Retrieved struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

// Scored pairs a retrieved chunk with its 1-10 relevance score.
type Scored struct {
	Retrieved
	Score int `json:"score"`
}

// Pool is the searchable set of chunk/vector pairs for one corpus.
// Key identifies the corpus so index-backed retrievers can reuse a collection.
type Pool struct {
	Key        string
	Chunks     []Chunk
	Embeddings [][]float32
}

// Len returns the number of searchable entries.
func (p Pool) Len() int {
	if len(p.Embeddings) < len(p.Chunks) {
		return len(p.Embeddings)
	}
	return len(p.Chunks)
}

// CorpusParams are the settings that change a corpus' chunks or vectors.
type CorpusParams struct {
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	ChunkMethod    string `json:"chunk_method"`
	MaxChunks      int    `json:"max_chunks"`
	EmbeddingModel string `json:"embedding_model"`
}

// Corpus is the cache entry for one document under one set of CorpusParams.
type Corpus struct {
	Key          string `json:"key"`
	DocumentHash string `json:"document_hash"`
	CorpusParams
	Chunks     []Chunk     `json:"chunks"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Processed  bool        `json:"processed"`
}

// Pool returns the corpus as a retrieval pool.
func (c *Corpus) Pool() Pool {
	return Pool{Key: c.Key, Chunks: c.Chunks, Embeddings: c.Embeddings}
}

// CorpusKey derives the cache key for a document hash and corpus parameters.
func CorpusKey(documentHash string, params CorpusParams) string {
	return HashContent(fmt.Sprintf("%s:%d:%d:%s:%d:%s", documentHash,
		params.ChunkSize, params.ChunkOverlap, params.ChunkMethod, params.MaxChunks, params.EmbeddingModel))
}

// HashContent returns the hex SHA-256 of s.
func HashContent(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
