package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/medrag/internal/domain"
)

// statusClientClosedRequest is reported when the caller went away mid-query.
const statusClientClosedRequest = 499

// HTTPStatus maps a pipeline error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDocumentUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrEmbeddingBackend), errors.Is(err, domain.ErrModelInvocation):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a pipeline error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidConfiguration):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrDocumentUnavailable):
		return codes.NotFound
	case errors.Is(err, domain.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, domain.ErrEmbeddingBackend), errors.Is(err, domain.ErrModelInvocation):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error, keeping existing statuses.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(GRPCCode(err), err.Error())
}
