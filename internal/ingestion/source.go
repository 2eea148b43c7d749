package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/viant/afs"

	"github.com/knoguchi/medrag/internal/domain"
)

// Source reads a raw document. A missing or empty document is domain.ErrDocumentUnavailable.
type Source interface {
	Read(ctx context.Context, location string) (string, error)
}

// Versioned is implemented by sources that can report when a document last changed.
type Versioned interface {
	ModTime(ctx context.Context, location string) (time.Time, error)
}

// AFSSource reads documents through afs, so locations may be local paths or storage URLs.
type AFSSource struct {
	fs afs.Service
}

// NewAFSSource creates a Source backed by the default afs service.
func NewAFSSource() *AFSSource {
	return &AFSSource{fs: afs.New()}
}

// Read downloads the document at location.
func (s *AFSSource) Read(ctx context.Context, location string) (string, error) {
	exists, err := s.fs.Exists(ctx, location)
	if err != nil {
		return "", fmt.Errorf("%w: checking %s: %v", domain.ErrDocumentUnavailable, location, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: %s not found", domain.ErrDocumentUnavailable, location)
	}

	data, err := s.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", domain.ErrDocumentUnavailable, location, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: %s is empty", domain.ErrDocumentUnavailable, location)
	}
	return string(data), nil
}

// ModTime returns the modification time of the document at location.
func (s *AFSSource) ModTime(ctx context.Context, location string) (time.Time, error) {
	obj, err := s.fs.Object(ctx, location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stat %s: %v", domain.ErrDocumentUnavailable, location, err)
	}
	return obj.ModTime(), nil
}

// StaticSource serves in-memory documents keyed by location.
type StaticSource map[string]string

// Read implements Source.
func (s StaticSource) Read(_ context.Context, location string) (string, error) {
	text, ok := s[location]
	if !ok || strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrDocumentUnavailable, location)
	}
	return text, nil
}

var (
	_ Source    = (*AFSSource)(nil)
	_ Versioned = (*AFSSource)(nil)
	_ Source    = StaticSource(nil)
)
