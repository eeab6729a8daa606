package server

import (
	"context"
	"errors"

	"StockLedger/internal/core"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeOf maps an engine failure kind onto a gRPC code.
func CodeOf(kind core.Kind) codes.Code {
	switch kind {
	case core.KindNotFound:
		return codes.NotFound
	case core.KindInvalidArgument:
		return codes.InvalidArgument
	case core.KindInvalidState, core.KindInsufficientStock:
		return codes.FailedPrecondition
	case core.KindVersionConflict:
		return codes.Aborted
	case core.KindGuardTimeout:
		return codes.Unavailable
	case core.KindCanceled:
		return codes.Canceled
	}
	return codes.Internal
}

// toStatus converts err into a status error. The message is prefixed with
// the failure kind so clients can tell InvalidState from InsufficientStock.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	kind := core.KindOf(err)
	if kind == core.KindInternal {
		return status.Error(codes.Internal, string(kind)+": internal error")
	}
	return status.Error(CodeOf(kind), string(kind)+": "+err.Error())
}
