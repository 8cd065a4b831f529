// internal/handler/errors.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SyedDaiam9101/triton-bridge/internal/bridge"
	"github.com/SyedDaiam9101/triton-bridge/internal/triton"
)

// grpcError maps bridge errors to appropriate gRPC status errors. Status
// errors pass through unchanged.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(grpcCode(err), err.Error())
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	var be *bridge.Error
	if !errors.As(err, &be) {
		return codes.Internal
	}
	switch be.Kind {
	case bridge.KindInput, bridge.KindFFI:
		return codes.InvalidArgument
	case bridge.KindLoad:
		return codes.NotFound
	case bridge.KindAllocation:
		return codes.ResourceExhausted
	case bridge.KindChannel:
		return codes.Unavailable
	case bridge.KindInitialization:
		return codes.FailedPrecondition
	case bridge.KindExecution:
		switch be.Code {
		case triton.ErrInvalidArg:
			return codes.InvalidArgument
		case triton.ErrUnavailable:
			return codes.Unavailable
		case triton.ErrUnsupported:
			return codes.Unimplemented
		}
	}
	return codes.Internal
}

// httpStatus maps a gRPC code onto the status the REST path answers with.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	case codes.Unavailable, codes.ResourceExhausted:
		return http.StatusServiceUnavailable
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// invalidArgumentError creates an InvalidArgument gRPC error
func invalidArgumentError(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// failedPreconditionError creates a FailedPrecondition gRPC error
func failedPreconditionError(format string, args ...interface{}) error {
	return status.Errorf(codes.FailedPrecondition, format, args...)
}

// internalError creates an Internal gRPC error
func internalError(format string, args ...interface{}) error {
	return status.Errorf(codes.Internal, format, args...)
}
