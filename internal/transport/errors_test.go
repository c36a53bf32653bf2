package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/classbook/internal/common"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		in   error
		code codes.Code
		want error
	}{
		{"auth", common.NewAuthError(common.ReasonPinExpired), codes.Unauthenticated, common.ErrAuthFailure},
		{"integrity", &common.IntegrityError{Reason: "checksum mismatch"}, codes.DataLoss, common.ErrIntegrityFailure},
		{"busy", fmt.Errorf("peer x: %w", common.ErrSyncInProgress), codes.Aborted, common.ErrSyncInProgress},
		{"not found", fmt.Errorf("student: %w", common.ErrNotFound), codes.NotFound, common.ErrNotFound},
		{"not paired", common.ErrNotPaired, codes.FailedPrecondition, common.ErrNotPaired},
		{"conflict", &common.ConflictError{Object: "class", ID: "c1", Count: 2}, codes.AlreadyExists, common.ErrConflict},
		{"validation", common.ErrValidation, codes.InvalidArgument, common.ErrValidation},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := toStatus(tt.in)
			assert.Equal(t, tt.code, status.Code(st))
			assert.ErrorIs(t, mapError(st), tt.want)
		})
	}
}

func TestStatusMapping_AuthReasonSurvives(t *testing.T) {
	err := mapError(toStatus(common.NewAuthError(common.ReasonUnknownPeer)))
	var ae *common.AuthError
	assert.True(t, errors.As(err, &ae))
	assert.Equal(t, common.ReasonUnknownPeer, ae.Reason)
}

func TestStatusMapping_InternalHidesDetail(t *testing.T) {
	st := toStatus(errors.New("disk path /home/x leaked"))
	assert.Equal(t, codes.Internal, status.Code(st))
	assert.Equal(t, "internal error", status.Convert(st).Message())
	assert.Nil(t, toStatus(nil))
	assert.Nil(t, mapError(nil))
}

func TestStatusMapping_Unavailable(t *testing.T) {
	assert.ErrorIs(t, mapError(status.Error(codes.Unavailable, "connection refused")), ErrUnavailable)
}
