package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
	"github.com/airframesio/tripdata-sync/cmd/stages"
)

var (
	// ErrLocalMissing is returned when a partition has no local artifact to push
	ErrLocalMissing = errors.New("local artifact missing")
	// ErrLocalEmpty is returned for a zero-byte local artifact
	ErrLocalEmpty = errors.New("local artifact is empty")
)

// Uploader pushes cached partitions into a stage
type Uploader struct {
	stage  stages.Stage
	cache  *stages.LocalCache
	logger *slog.Logger
}

// NewUploader creates an uploader
func NewUploader(stage stages.Stage, cache *stages.LocalCache, logger *slog.Logger) *Uploader {
	return &Uploader{stage: stage, cache: cache, logger: logger}
}

// Transfer re-checks the stage, pushes the local artifact and reclassifies
// benign provider responses as success.
func (u *Uploader) Transfer(ctx context.Context, key partitions.Key) (reconcile.Result, error) {
	exists, err := u.stage.Exists(ctx, key)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to check %s: %w", u.stage.Name(), err)
	}
	if exists {
		return reconcile.AlreadyPresent(), nil
	}

	localPath := u.cache.Path(key)
	size, err := u.cache.Size(key)
	if errors.Is(err, os.ErrNotExist) {
		return reconcile.Result{}, fmt.Errorf("%w: %s", ErrLocalMissing, localPath)
	}
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to check local cache: %w", err)
	}
	if size == 0 {
		return reconcile.Result{}, fmt.Errorf("%w: %s", ErrLocalEmpty, localPath)
	}

	u.logger.Debug(fmt.Sprintf("  ⬆️  %s: pushing %s to %s", key, reconcile.FormatBytes(size), u.stage.Name()))
	n, err := u.stage.Push(ctx, key, localPath)
	if errors.Is(err, stages.ErrAlreadyPresent) {
		return reconcile.AlreadyPresent(), nil
	}
	if err != nil {
		c := stages.ClassifyPushError(err)
		if !c.Benign {
			return reconcile.Result{}, err
		}
		u.logger.Debug(fmt.Sprintf("  %s: provider code %d treated as success (%s)", key, c.Code, c.Reason))
	}
	return reconcile.Transferred(n), nil
}
