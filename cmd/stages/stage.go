package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

var (
	// ErrInventoryUnavailable is returned when a stage listing fails. The
	// existing set is unknown and must not be treated as empty.
	ErrInventoryUnavailable = errors.New("inventory unavailable")

	// ErrAlreadyPresent is returned when a write would replace an existing artifact
	ErrAlreadyPresent = errors.New("artifact already present")
)

// Lister enumerates raw entry names at a stage. A stage that does not exist
// yet lists as empty.
type Lister interface {
	Name() string
	List(ctx context.Context) ([]string, error)
}

// Stage is a remote holding area partitions are pushed into before loading
type Stage interface {
	Lister

	// Exists reports whether an artifact for key is present, under any
	// accepted name variant.
	Exists(ctx context.Context, key partitions.Key) (bool, error)

	// Push copies the local artifact for key into the stage and returns the
	// number of source bytes read.
	Push(ctx context.Context, key partitions.Key, localPath string) (int64, error)
}

// Inventory lists the stage and normalizes every entry into the key space.
// Entries that are not partition artifacts are ignored. Several entries that
// normalize to the same key collapse into one.
func Inventory(ctx context.Context, lister Lister, normalizer partitions.Normalizer, logger *slog.Logger) (partitions.Set, error) {
	entries, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInventoryUnavailable, lister.Name(), err)
	}

	keys := make(partitions.Set, len(entries))
	ignored, duplicates := 0, 0
	for _, entry := range entries {
		k, ok := normalizer.Normalize(entry)
		if !ok {
			ignored++
			logger.Debug(fmt.Sprintf("Ignoring non-partition entry %s in %s", entry, lister.Name()))
			continue
		}
		if !keys.Add(k) {
			duplicates++
			logger.Debug(fmt.Sprintf("Entry %s duplicates partition %s", entry, k))
		}
	}

	logger.Debug(fmt.Sprintf("Inventory of %s: %d entries, %d partitions, %d ignored, %d duplicates",
		lister.Name(), len(entries), keys.Len(), ignored, duplicates))
	return keys, nil
}
