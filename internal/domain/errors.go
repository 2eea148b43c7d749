package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidConfiguration is returned for bad chunk size/overlap or other settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidArgument is returned for caller mistakes such as k <= 0.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDocumentUnavailable is returned when the source document is missing or empty.
	ErrDocumentUnavailable = errors.New("document unavailable")
	// ErrEmbeddingBackend is returned when the embedding backend fails.
	ErrEmbeddingBackend = errors.New("embedding backend error")
	// ErrBackendTimeout is returned when a model or embedding call exceeds its deadline.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrModelInvocation is returned when the language model is unreachable or errors.
	ErrModelInvocation = errors.New("model invocation error")
)

// ClassifyBackend wraps err with kind, or with ErrBackendTimeout when err is a deadline.
// A nil err stays nil and errors already carrying a kind are returned as is.
func ClassifyBackend(err error, kind error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendTimeout) || errors.Is(err, kind) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Kind returns the name of the error kind carried by err, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrDocumentUnavailable):
		return "document_unavailable"
	case errors.Is(err, ErrBackendTimeout):
		return "backend_timeout"
	case errors.Is(err, ErrEmbeddingBackend):
		return "embedding_backend_error"
	case errors.Is(err, ErrModelInvocation):
		return "model_invocation_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
