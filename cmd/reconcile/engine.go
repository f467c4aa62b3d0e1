package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// Reconcile returns the desired keys missing from existing
func Reconcile(desired, existing partitions.Set) partitions.Set {
	return desired.Difference(existing)
}

// Observer is notified as tasks start and finish. Calls may come from
// several goroutines at once.
type Observer interface {
	TaskStarted(stage string, key partitions.Key)
	TaskFinished(stage string, outcome Outcome)
}

// Options tune the drive loop
type Options struct {
	// Workers bounds concurrent transfers; values below 1 mean 1
	Workers int
	// Order is the chronological order tasks are started in
	Order partitions.Order
	// TaskTimeout bounds a single transfer; zero disables the bound
	TaskTimeout time.Duration
}

// Engine drives an Executor over a set of missing keys
type Engine struct {
	opts      Options
	logger    *slog.Logger
	observers []Observer
}

// NewEngine creates an engine
func NewEngine(opts Options, logger *slog.Logger, observers ...Observer) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{opts: opts, logger: logger, observers: observers}
}

// Run attempts every key in missing and never stops on a task failure. When
// ctx is cancelled no new task starts; tasks already running finish or hit
// their timeout, and the remaining keys are recorded as not attempted.
func (e *Engine) Run(ctx context.Context, stage string, missing partitions.Set, exec Executor) *RunReport {
	report := NewRunReport(stage)
	keys := missing.Sorted(e.opts.Order)

	e.logger.Debug(fmt.Sprintf("Starting %s run over %d partitions (workers=%d, order=%s)",
		stage, len(keys), e.opts.Workers, e.opts.Order))

	var g errgroup.Group
	workers := semaphore.NewWeighted(int64(e.opts.Workers))

	for i, key := range keys {
		// Checkpoint between tasks: wait for a free worker, then stop if the
		// run was cancelled meanwhile.
		err := workers.Acquire(ctx, 1)
		if err == nil && ctx.Err() != nil {
			workers.Release(1)
			err = ctx.Err()
		}
		if err != nil {
			report.markCancelled()
			for _, k := range keys[i:] {
				report.Record(Outcome{Key: k, Status: StatusNotAttempted})
			}
			e.logger.Warn(fmt.Sprintf("⚠️  Run cancelled, %d partitions not attempted", len(keys)-i))
			break
		}

		key := key
		g.Go(func() error {
			defer workers.Release(1)
			report.Record(e.runTask(ctx, stage, key, exec))
			return nil
		})
	}

	_ = g.Wait()
	report.Finished = time.Now()
	return report
}

func (e *Engine) runTask(ctx context.Context, stage string, key partitions.Key, exec Executor) Outcome {
	for _, o := range e.observers {
		o.TaskStarted(stage, key)
	}

	// In-flight transfers are not interrupted by run cancellation
	taskCtx := context.WithoutCancel(ctx)
	if e.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, e.opts.TaskTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := e.safeTransfer(taskCtx, key, exec)
	outcome := Outcome{
		Key:      key,
		Status:   result.Status,
		Bytes:    result.Bytes,
		Started:  started,
		Duration: time.Since(started),
	}

	switch {
	case err != nil:
		outcome.Status = StatusFailed
		outcome.Bytes = 0
		outcome.Err = &TransferFailedError{Key: key, Err: err}
		e.logger.Error(fmt.Sprintf("❌ %s %s: %v", stage, key, err))
	case result.Status == StatusAlreadyPresent:
		e.logger.Info(fmt.Sprintf("⏭️  %s %s already present", stage, key))
	default:
		e.logger.Info(fmt.Sprintf("✅ %s %s (%s, %s)", stage, key, FormatBytes(result.Bytes), outcome.Duration.Round(time.Millisecond)))
	}

	for _, o := range e.observers {
		o.TaskFinished(stage, outcome)
	}
	return outcome
}

// safeTransfer turns an executor panic into a task failure
func (e *Engine) safeTransfer(ctx context.Context, key partitions.Key, exec Executor) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Transfer(ctx, key)
}

// FormatBytes renders n with a binary unit suffix, e.g. "2.0 KB"
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
