package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// ErrRunFailed is returned by RunReport.Err when at least one task failed
var ErrRunFailed = errors.New("one or more transfers failed")

// RunReport aggregates per-key outcomes. Record is safe for concurrent use;
// a later outcome for the same key replaces the earlier one.
type RunReport struct {
	Stage    string
	Started  time.Time
	Finished time.Time

	mu        sync.Mutex
	outcomes  map[partitions.Key]Outcome
	cancelled bool
}

// NewRunReport creates an empty report for stage
func NewRunReport(stage string) *RunReport {
	return &RunReport{
		Stage:    stage,
		Started:  time.Now(),
		outcomes: make(map[partitions.Key]Outcome),
	}
}

// Record stores the outcome for its key
func (r *RunReport) Record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[o.Key] = o
}

func (r *RunReport) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

// Cancelled reports whether the run stopped before attempting every key
func (r *RunReport) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Outcomes returns every recorded outcome in ascending key order
func (r *RunReport) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Outcome, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Before(out[j].Key) })
	return out
}

func (r *RunReport) keysWith(status Status) []partitions.Key {
	var keys []partitions.Key
	for _, o := range r.Outcomes() {
		if o.Status == status {
			keys = append(keys, o.Key)
		}
	}
	return keys
}

// Succeeded returns the keys transferred in this run
func (r *RunReport) Succeeded() []partitions.Key {
	return r.keysWith(StatusTransferred)
}

// Skipped returns the keys that were already present at execution time
func (r *RunReport) Skipped() []partitions.Key {
	return r.keysWith(StatusAlreadyPresent)
}

// NotAttempted returns the keys left over by a cancelled run
func (r *RunReport) NotAttempted() []partitions.Key {
	return r.keysWith(StatusNotAttempted)
}

// Failures returns the failed outcomes with their reasons
func (r *RunReport) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes() {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// BytesTransferred sums bytes over transferred keys
func (r *RunReport) BytesTransferred() int64 {
	var total int64
	for _, o := range r.Outcomes() {
		if o.Status == StatusTransferred {
			total += o.Bytes
		}
	}
	return total
}

// Total is the number of keys with a recorded outcome
func (r *RunReport) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

// Failed reports whether any task failed
func (r *RunReport) Failed() bool {
	return len(r.Failures()) > 0
}

// Err summarizes the run: nil when nothing failed, otherwise ErrRunFailed
// joined with each TransferFailedError.
func (r *RunReport) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	errs := []error{fmt.Errorf("%w: %d of %d", ErrRunFailed, len(failures), r.Total())}
	for _, o := range failures {
		errs = append(errs, o.Err)
	}
	return errors.Join(errs...)
}

// Summary returns a one-line count of outcomes
func (r *RunReport) Summary() string {
	return fmt.Sprintf("%d transferred, %d already present, %d failed, %d not attempted",
		len(r.Succeeded()), len(r.Skipped()), len(r.Failures()), len(r.NotAttempted()))
}
