package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/classbook/internal/common"
)

var ErrUnavailable = errors.New("peer unavailable")

// toStatus maps the error taxonomy onto gRPC status codes. Auth failures
// carry their reason as the message so the caller can rebuild them.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var ae *common.AuthError
	if errors.As(err, &ae) {
		return status.Error(codes.Unauthenticated, string(ae.Reason))
	}
	var ie *common.IntegrityError
	if errors.As(err, &ie) {
		return status.Error(codes.DataLoss, ie.Reason)
	}

	switch {
	case errors.Is(err, common.ErrIntegrityFailure):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, common.ErrSyncInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, common.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrNotPaired):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, common.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, common.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// mapError turns a status received from a peer back into the taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unauthenticated:
		return common.NewAuthError(common.AuthReason(st.Message()))
	case codes.DataLoss:
		return &common.IntegrityError{Reason: "peer: " + st.Message()}
	case codes.Aborted:
		return fmt.Errorf("peer: %w", common.ErrSyncInProgress)
	case codes.NotFound:
		return fmt.Errorf("peer: %s: %w", st.Message(), common.ErrNotFound)
	case codes.FailedPrecondition:
		return fmt.Errorf("peer: %w", common.ErrNotPaired)
	case codes.AlreadyExists:
		return fmt.Errorf("peer: %s: %w", st.Message(), common.ErrConflict)
	case codes.InvalidArgument:
		return fmt.Errorf("peer: %s: %w", st.Message(), common.ErrValidation)
	case codes.DeadlineExceeded:
		return fmt.Errorf("peer: %w", context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("peer: %w", context.Canceled)
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return fmt.Errorf("peer: %s", st.Message())
	}
}
