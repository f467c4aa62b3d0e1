package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/airframesio/tripdata-sync/cmd/formatters"
	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
	"github.com/airframesio/tripdata-sync/cmd/stages"
)

// chunkSize is the copy buffer for source downloads
const chunkSize = 8192

// TripColumns are the fields every high-volume FHV trip file should carry
var TripColumns = []string{
	"hvfhs_license_num", "request_datetime", "pickup_datetime", "dropoff_datetime",
	"PULocationID", "DOLocationID", "trip_miles", "trip_time",
	"base_passenger_fare", "driver_pay",
}

// Source streams partition files
type Source interface {
	URL(key partitions.Key) string
	Open(ctx context.Context, key partitions.Key) (io.ReadCloser, int64, error)
}

// Downloader fetches missing partitions from the source into the local cache
type Downloader struct {
	source          Source
	cache           *stages.LocalCache
	limiter         *rate.Limiter
	expectedColumns []string
	logger          *slog.Logger
}

// NewDownloader creates a downloader. A nil limiter does not throttle.
func NewDownloader(source Source, cache *stages.LocalCache, limiter *rate.Limiter, logger *slog.Logger) *Downloader {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Downloader{
		source:          source,
		cache:           cache,
		limiter:         limiter,
		expectedColumns: TripColumns,
		logger:          logger,
	}
}

// Transfer downloads key into a temp file, verifies it as Parquet and moves it
// into place. An artifact already in the cache is never re-downloaded or replaced.
func (d *Downloader) Transfer(ctx context.Context, key partitions.Key) (reconcile.Result, error) {
	exists, err := d.cache.Exists(ctx, key)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("failed to check local cache: %w", err)
	}
	if exists {
		return reconcile.AlreadyPresent(), nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return reconcile.Result{}, fmt.Errorf("rate limiter: %w", err)
	}

	url := d.source.URL(key)
	d.logger.Debug(fmt.Sprintf("  ⬇️  Downloading %s from %s", key, url))

	body, _, err := d.source.Open(ctx, key)
	if err != nil {
		return reconcile.Result{}, err
	}
	defer body.Close()

	tmp, err := d.cache.CreateTemp(key)
	if err != nil {
		return reconcile.Result{}, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			if err := d.cache.Remove(tmpPath); err != nil {
				d.logger.Warn(fmt.Sprintf("⚠️  Failed to remove %s: %v", tmpPath, err))
			}
		}
	}()

	n, err := io.CopyBuffer(tmp, body, make([]byte, chunkSize))
	if err != nil {
		tmp.Close()
		return reconcile.Result{}, fmt.Errorf("download of %s interrupted after %d bytes: %w", url, n, err)
	}

	info, err := formatters.InspectParquet(tmp, n)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("downloaded file for %s rejected: %w", key, err)
	}

	if missing := info.MissingColumns(d.expectedColumns); len(missing) > 0 {
		d.logger.Warn(fmt.Sprintf("⚠️  %s is missing expected columns: %s", key, strings.Join(missing, ", ")))
	}

	if err := d.cache.Commit(tmpPath, key); err != nil {
		if errors.Is(err, stages.ErrAlreadyPresent) {
			return reconcile.AlreadyPresent(), nil
		}
		return reconcile.Result{}, err
	}
	committed = true

	d.logger.Debug(fmt.Sprintf("  💾 %s: %d rows in %d row groups", key, info.NumRows, info.RowGroups))
	return reconcile.Transferred(n), nil
}
