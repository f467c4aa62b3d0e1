package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func keys(specs ...string) partitions.Set {
	set := partitions.NewSet()
	for _, s := range specs {
		k, err := partitions.ParseKey(s)
		if err != nil {
			panic(err)
		}
		set.Add(k)
	}
	return set
}

func keyStrings(ks []partitions.Key) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.String()
	}
	return out
}

// memoryDestination is an executor that copies into a map, skipping keys it
// already holds.
type memoryDestination struct {
	mu      sync.Mutex
	held    map[partitions.Key]bool
	failing map[partitions.Key]bool
	order   []partitions.Key
}

func newMemoryDestination(failing ...string) *memoryDestination {
	d := &memoryDestination{held: make(map[partitions.Key]bool), failing: make(map[partitions.Key]bool)}
	for k := range keys(failing...) {
		d.failing[k] = true
	}
	return d
}

func (d *memoryDestination) Transfer(_ context.Context, key partitions.Key) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.order = append(d.order, key)

	if d.held[key] {
		return AlreadyPresent(), nil
	}
	if d.failing[key] {
		return Result{}, errors.New("source returned 503")
	}
	d.held[key] = true
	return Transferred(100), nil
}

func TestReconcile(t *testing.T) {
	desired := keys("2024-01", "2024-02", "2024-03")
	existing := keys("2024-01")

	missing := Reconcile(desired, existing)
	if got := missing.Strings(); !reflect.DeepEqual(got, []string{"2024-02", "2024-03"}) {
		t.Errorf("missing = %v", got)
	}

	if Reconcile(desired, desired).Len() != 0 {
		t.Error("reconcile(S, S) must be empty")
	}
	if got := Reconcile(desired, partitions.NewSet()).Strings(); !reflect.DeepEqual(got, desired.Strings()) {
		t.Errorf("reconcile(S, {}) = %v", got)
	}
	if desired.Len() != 3 || existing.Len() != 1 {
		t.Error("inputs must not be modified")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	dest := newMemoryDestination("2024-02")
	engine := NewEngine(Options{Workers: 1}, newTestLogger())

	report := engine.Run(context.Background(), "download", keys("2024-01", "2024-02", "2024-03"), dest)

	if got := keyStrings(report.Succeeded()); !reflect.DeepEqual(got, []string{"2024-01", "2024-03"}) {
		t.Errorf("succeeded = %v", got)
	}
	failures := report.Failures()
	if len(failures) != 1 || failures[0].Key.String() != "2024-02" {
		t.Fatalf("failures = %+v", failures)
	}
	var tfe *TransferFailedError
	if !errors.As(failures[0].Err, &tfe) || tfe.Key.String() != "2024-02" {
		t.Errorf("failure should be a TransferFailedError, got %v", failures[0].Err)
	}
	if failures[0].Reason() == "" {
		t.Error("failure should carry a reason")
	}
	if got := keyStrings(dest.order); !reflect.DeepEqual(got, []string{"2024-01", "2024-02", "2024-03"}) {
		t.Errorf("attempt order = %v; the third key must be attempted after the failure", got)
	}
	if !report.Failed() || !errors.Is(report.Err(), ErrRunFailed) {
		t.Errorf("run should fail, got %v", report.Err())
	}
}

func TestRunIdempotence(t *testing.T) {
	dest := newMemoryDestination()
	engine := NewEngine(Options{Workers: 3}, newTestLogger())
	missing := keys("2024-01", "2024-02", "2024-03")

	first := engine.Run(context.Background(), "upload", missing, dest)
	if len(first.Succeeded()) != 3 || first.BytesTransferred() != 300 {
		t.Fatalf("first run: %s, %d bytes", first.Summary(), first.BytesTransferred())
	}

	second := engine.Run(context.Background(), "upload", missing, dest)
	if len(second.Skipped()) != 3 {
		t.Errorf("second run should skip every key, got %s", second.Summary())
	}
	if second.BytesTransferred() != 0 {
		t.Errorf("second run transferred %d bytes", second.BytesTransferred())
	}
	if second.Err() != nil {
		t.Errorf("second run should succeed, got %v", second.Err())
	}
}

func TestRunOrder(t *testing.T) {
	tests := []struct {
		order partitions.Order
		want  []string
	}{
		{partitions.Ascending, []string{"2023-12", "2024-01", "2024-02"}},
		{partitions.Descending, []string{"2024-02", "2024-01", "2023-12"}},
	}

	for _, tt := range tests {
		t.Run(tt.order.String(), func(t *testing.T) {
			dest := newMemoryDestination()
			engine := NewEngine(Options{Workers: 1, Order: tt.order}, newTestLogger())
			engine.Run(context.Background(), "download", keys("2024-01", "2023-12", "2024-02"), dest)
			if got := keyStrings(dest.order); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	var inFlight, peak int32
	exec := ExecutorFunc(func(context.Context, partitions.Key) (Result, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return Transferred(1), nil
	})

	missing, _ := partitions.ExpandStrings("2023-2024", "1-12")
	report := NewEngine(Options{Workers: 4}, newTestLogger()).Run(context.Background(), "download", missing, exec)

	if len(report.Succeeded()) != 24 {
		t.Errorf("expected 24 transfers, got %s", report.Summary())
	}
	if peak > 4 {
		t.Errorf("peak concurrency %d exceeds 4 workers", peak)
	}
}

func TestRunCancellationBetweenTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	exec := ExecutorFunc(func(taskCtx context.Context, key partitions.Key) (Result, error) {
		atomic.AddInt32(&calls, 1)
		if key.Month == 1 {
			cancel()
			// The in-flight task keeps a live context
			if taskCtx.Err() != nil {
				return Result{}, taskCtx.Err()
			}
		}
		return Transferred(10), nil
	})

	report := NewEngine(Options{Workers: 1}, newTestLogger()).Run(ctx, "download", keys("2024-01", "2024-02", "2024-03"), exec)

	if calls != 1 {
		t.Errorf("expected 1 attempted task, got %d", calls)
	}
	if len(report.Succeeded()) != 1 {
		t.Errorf("the in-flight task should complete, got %s", report.Summary())
	}
	if got := keyStrings(report.NotAttempted()); !reflect.DeepEqual(got, []string{"2024-02", "2024-03"}) {
		t.Errorf("not attempted = %v", got)
	}
	if !report.Cancelled() {
		t.Error("report should be marked cancelled")
	}
	if report.Failed() {
		t.Error("cancellation alone is not a task failure")
	}
}

func TestRunTaskTimeout(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, key partitions.Key) (Result, error) {
		if key.Month == 2 {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}
		return Transferred(1), nil
	})

	report := NewEngine(Options{Workers: 2, TaskTimeout: 20 * time.Millisecond}, newTestLogger()).
		Run(context.Background(), "download", keys("2024-01", "2024-02"), exec)

	failures := report.Failures()
	if len(failures) != 1 || !errors.Is(failures[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected one timeout failure, got %+v", failures)
	}
	if len(report.Succeeded()) != 1 {
		t.Errorf("other task should succeed, got %s", report.Summary())
	}
}

func TestRunRecoversPanics(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, partitions.Key) (Result, error) {
		panic("nil stage")
	})
	report := NewEngine(Options{}, newTestLogger()).Run(context.Background(), "upload", keys("2024-01"), exec)
	if len(report.Failures()) != 1 {
		t.Errorf("panic should be recorded as failure, got %s", report.Summary())
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished []Outcome
}

func (o *recordingObserver) TaskStarted(string, partitions.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) TaskFinished(_ string, outcome Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, outcome)
}

func TestObserversSeeEveryTask(t *testing.T) {
	obs := &recordingObserver{}
	dest := newMemoryDestination("2024-03")
	NewEngine(Options{Workers: 2}, newTestLogger(), obs).
		Run(context.Background(), "download", keys("2024-01", "2024-02", "2024-03"), dest)

	if obs.started != 3 || len(obs.finished) != 3 {
		t.Errorf("observer saw %d starts and %d finishes", obs.started, len(obs.finished))
	}
}

func TestEmptyRun(t *testing.T) {
	report := NewEngine(Options{}, newTestLogger()).Run(context.Background(), "download", partitions.NewSet(), newMemoryDestination())
	if report.Total() != 0 || report.Err() != nil {
		t.Errorf("empty run should be a no-op, got %s / %v", report.Summary(), report.Err())
	}
}

func TestRunReportConcurrentRecord(t *testing.T) {
	report := NewRunReport("download")
	set, _ := partitions.ExpandStrings("2020-2024", "1-12")

	var wg sync.WaitGroup
	for k := range set {
		wg.Add(1)
		go func(k partitions.Key) {
			defer wg.Done()
			report.Record(Outcome{Key: k, Status: StatusTransferred, Bytes: 1})
		}(k)
	}
	wg.Wait()

	if report.Total() != 60 || report.BytesTransferred() != 60 {
		t.Errorf("lost updates: total=%d bytes=%d", report.Total(), report.BytesTransferred())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{2048, "2.0 KB"},
		{1536 * 1024, "1.5 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
