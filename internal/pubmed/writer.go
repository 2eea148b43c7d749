package pubmed

import (
	"context"
	"fmt"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/knoguchi/medrag/internal/logging"
)

// Line renders the article as one corpus line: title followed by abstract.
func (a Article) Line() string {
	line := strings.TrimSpace(a.Title + " " + a.Abstract)
	return strings.Join(strings.Fields(line), " ")
}

// Writer stores fetched abstracts where the query service reads its document.
type Writer struct {
	fs afs.Service
}

// NewWriter creates a Writer backed by the default afs service.
func NewWriter() *Writer {
	return &Writer{fs: afs.New()}
}

// Write stores one line per article with an abstract at location, replacing its content.
// It returns the number of lines written.
func (w *Writer) Write(ctx context.Context, location string, articles []Article) (int, error) {
	var b strings.Builder
	written := 0
	for _, a := range articles {
		if strings.TrimSpace(a.Abstract) == "" {
			continue
		}
		b.WriteString(a.Line())
		b.WriteByte('\n')
		written++
	}
	if written == 0 {
		return 0, fmt.Errorf("no abstracts to write to %s", location)
	}

	if err := w.fs.Upload(ctx, location, file.DefaultFileOsMode, strings.NewReader(b.String())); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", location, err)
	}

	logging.FromContext(ctx).Info("wrote abstracts", "location", location, "articles", written, "skipped", len(articles)-written)
	return written, nil
}
