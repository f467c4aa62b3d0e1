package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/formatters"
)

// ZoneLookupHeader is the normalized header of the zone reference table
var ZoneLookupHeader = []string{"location_id", "borough", "zone", "service_zone"}

// Getter streams an arbitrary URL
type Getter interface {
	Get(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// FetchZoneLookup downloads the taxi zone reference CSV to dest with its
// header normalized. An existing file is not downloaded again, but its header
// is normalized in place when needed. Reports whether a download happened.
func FetchZoneLookup(ctx context.Context, getter Getter, url string, fs afero.Fs, dest string, logger *slog.Logger) (bool, error) {
	exists, err := afero.Exists(fs, dest)
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	if exists {
		logger.Debug(fmt.Sprintf("Zone lookup already at %s", dest))
		return false, normalizeZoneLookup(fs, dest, logger)
	}

	body, _, err := getter.Get(ctx, url)
	if err != nil {
		return false, err
	}
	defer body.Close()

	var buf bytes.Buffer
	replaced, err := formatters.RewriteCSVHeader(body, &buf, ZoneLookupHeader, ZoneLookupHeader[0])
	if err != nil {
		return false, fmt.Errorf("zone lookup from %s: %w", url, err)
	}
	if replaced {
		logger.Debug("Normalized zone lookup header")
	}

	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	if err := afero.WriteFile(fs, dest, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	logger.Info(fmt.Sprintf("🗺️  Zone lookup saved to %s", dest))
	return true, nil
}

func normalizeZoneLookup(fs afero.Fs, dest string, logger *slog.Logger) error {
	data, err := afero.ReadFile(fs, dest)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dest, err)
	}

	var buf bytes.Buffer
	replaced, err := formatters.RewriteCSVHeader(bytes.NewReader(data), &buf, ZoneLookupHeader, ZoneLookupHeader[0])
	if err != nil {
		return fmt.Errorf("zone lookup at %s: %w", dest, err)
	}
	if !replaced {
		return nil
	}
	if err := afero.WriteFile(fs, dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	logger.Info(fmt.Sprintf("🗺️  Normalized zone lookup header in %s", dest))
	return nil
}
