package ingestion

import (
	"regexp"
	"strings"
)

// Cleaner strips boilerplate from a document before chunking. Implementations must be pure.
type Cleaner interface {
	Clean(text string) string
}

// CleanerFunc adapts a function to Cleaner.
type CleanerFunc func(text string) string

// Clean implements Cleaner.
func (f CleanerFunc) Clean(text string) string { return f(text) }

// Chain applies cleaners in order.
type Chain []Cleaner

// Clean implements Cleaner.
func (c Chain) Clean(text string) string {
	for _, cl := range c {
		text = cl.Clean(text)
	}
	return text
}

// affiliationMarker matches numbered author/affiliation markers such as "(1)".
var affiliationMarker = regexp.MustCompile(`\(\d+\)`)

// DropConflictBlocks removes paragraphs that open with a conflict-of-interest statement.
// Remaining paragraphs are joined with a single newline.
func DropConflictBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	kept := blocks[:0]
	for _, b := range blocks {
		if strings.HasPrefix(strings.ToLower(b), "conflict") {
			continue
		}
		kept = append(kept, b)
	}
	return strings.Join(kept, "\n")
}

// DropAuthorLines removes lines that carry numbered affiliation markers.
func DropAuthorLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if affiliationMarker.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// DefaultCleaner is the filter chain applied to PubMed abstract dumps.
func DefaultCleaner() Cleaner {
	return Chain{
		CleanerFunc(DropConflictBlocks),
		CleanerFunc(DropAuthorLines),
		CleanerFunc(strings.TrimSpace),
	}
}
