package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// Status is the result of one transfer attempt
type Status int

const (
	// StatusTransferred means the artifact was copied to the destination
	StatusTransferred Status = iota
	// StatusAlreadyPresent means the destination already held the artifact
	StatusAlreadyPresent
	// StatusFailed means the transfer failed; the key is eligible for a later run
	StatusFailed
	// StatusNotAttempted means the run was cancelled before the key was started
	StatusNotAttempted
)

func (s Status) String() string {
	switch s {
	case StatusTransferred:
		return "transferred"
	case StatusAlreadyPresent:
		return "already_present"
	case StatusFailed:
		return "failed"
	case StatusNotAttempted:
		return "not_attempted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what an Executor reports for a key it handled without error
type Result struct {
	Status Status
	Bytes  int64
}

// Transferred reports a completed copy of n bytes
func Transferred(n int64) Result {
	return Result{Status: StatusTransferred, Bytes: n}
}

// AlreadyPresent reports that no work was needed
func AlreadyPresent() Result {
	return Result{Status: StatusAlreadyPresent}
}

// Executor performs one unit of transfer work. Returning an error marks the
// key failed; executors do not retry.
type Executor interface {
	Transfer(ctx context.Context, key partitions.Key) (Result, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, key partitions.Key) (Result, error)

// Transfer calls f
func (f ExecutorFunc) Transfer(ctx context.Context, key partitions.Key) (Result, error) {
	return f(ctx, key)
}

// TransferFailedError records why a key could not be transferred
type TransferFailedError struct {
	Key partitions.Key
	Err error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer of %s failed: %v", e.Key, e.Err)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}

// Outcome is the recorded result for one key
type Outcome struct {
	Key      partitions.Key
	Status   Status
	Bytes    int64
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Reason returns the failure message, or "" for non-failures
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
