package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/convo/internal/call"
	"github.com/matheus3301/convo/internal/channel"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/rest"
)

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var (
		offline *call.PeerOfflineError
		upload  *conversation.UploadError
		send    *conversation.SendFailure
		connErr *channel.ConnectionError
		apiErr  *rest.APIError
	)
	code := codes.Internal
	switch {
	case errors.As(err, &offline):
		code = codes.FailedPrecondition
	case errors.As(err, &upload):
		code = codes.InvalidArgument
	case errors.As(err, &send):
		code = codes.Unavailable
	case errors.As(err, &connErr):
		code = codes.Unavailable
		if connErr.Auth {
			code = codes.Unauthenticated
		}
	case errors.Is(err, conversation.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, conversation.ErrEmptyMessage), errors.Is(err, conversation.ErrInvalidProposal):
		code = codes.InvalidArgument
	case errors.Is(err, call.ErrCallInProgress), errors.Is(err, call.ErrNoCall):
		code = codes.FailedPrecondition
	case errors.Is(err, call.ErrAbandoned):
		code = codes.Aborted
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrOutboxFull):
		code = codes.Unavailable
	case errors.As(err, &apiErr):
		code = httpCode(apiErr.Status)
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, err.Error())
}

func httpCode(status int) codes.Code {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	default:
		if status >= 500 {
			return codes.Unavailable
		}
		return codes.Unknown
	}
}
