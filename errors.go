package fireview

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidQuery is matched by every *ValidationError.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrStaleListen is matched by every *StaleListenError.
	ErrStaleListen = errors.New("stale listen")
	// ErrMutationRejected is matched by every *MutationRejectedError.
	ErrMutationRejected = errors.New("mutation rejected")
	// ErrMalformedSnapshot is matched by every *MalformedSnapshotError.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrEngineClosed is returned by operations on a closed SyncEngine.
	ErrEngineClosed = errors.New("sync engine closed")
)

// ValidationError reports a query construction mistake. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidQuery
}

func invalidQuery(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StaleListenError is returned by a ListenStream when the resume token was rejected.
type StaleListenError struct {
	TargetID int
	Err      error
}

func (e *StaleListenError) Error() string {
	return fmt.Sprintf("stale listen for target %d: %v", e.TargetID, e.Err)
}

func (e *StaleListenError) Unwrap() error {
	return e.Err
}

func (e *StaleListenError) Is(target error) bool {
	return target == ErrStaleListen
}

// MutationRejectedError carries the backend status for a rejected write.
type MutationRejectedError struct {
	MutationID string
	Code       codes.Code
	Err        error
}

func (e *MutationRejectedError) Error() string {
	return fmt.Sprintf("mutation %s rejected (%s): %v", e.MutationID, e.Code, e.Err)
}

func (e *MutationRejectedError) Unwrap() error {
	return e.Err
}

func (e *MutationRejectedError) Is(target error) bool {
	return target == ErrMutationRejected
}

// NewMutationRejectedError wraps a write failure, keeping its gRPC status code.
func NewMutationRejectedError(mutationID string, err error) *MutationRejectedError {
	return &MutationRejectedError{
		MutationID: mutationID,
		Code:       status.Code(err),
		Err:        err,
	}
}

// MalformedSnapshotError means the remote sent data the view cannot apply.
type MalformedSnapshotError struct {
	TargetID int
	Reason   string
}

func (e *MalformedSnapshotError) Error() string {
	return fmt.Sprintf("malformed snapshot for target %d: %s", e.TargetID, e.Reason)
}

func (e *MalformedSnapshotError) Is(target error) bool {
	return target == ErrMalformedSnapshot
}

// IsNotFoundError reports whether the backend answered NotFound, e.g. for a
// patch of a document that does not exist.
func IsNotFoundError(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

// IsStaleListenError reports whether a listen failure should be recovered by
// discarding the resume token and listening again from scratch.
func IsStaleListenError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStaleListen) {
		return true
	}
	statusCode := status.Code(err)
	return statusCode == codes.OutOfRange || statusCode == codes.DataLoss
}

// IsPermanentWriteError reports whether the backend will never accept the write
// as sent, as opposed to a transient transport failure.
func IsPermanentWriteError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.PermissionDenied,
		codes.FailedPrecondition, codes.Aborted, codes.OutOfRange, codes.Unimplemented, codes.DataLoss:
		return true
	}
	return false
}
