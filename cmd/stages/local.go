package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// LocalCache is the on-disk cache laid out as {root}/{YYYY}/{YYYY-MM}.parquet
type LocalCache struct {
	fs         afero.Fs
	root       string
	normalizer partitions.Normalizer
}

// NewLocalCache creates a cache rooted at root on fs
func NewLocalCache(fs afero.Fs, root string) *LocalCache {
	return &LocalCache{
		fs:         fs,
		root:       root,
		normalizer: partitions.NewNormalizer(partitions.Extension).WithYearDir(),
	}
}

// Name identifies the cache in logs
func (c *LocalCache) Name() string {
	return "local:" + c.root
}

// Normalizer recognizes only canonical cache artifacts: uncompressed files in
// their year directory
func (c *LocalCache) Normalizer() partitions.Normalizer {
	return c.normalizer
}

// Path returns where the artifact for key lives
func (c *LocalCache) Path(key partitions.Key) string {
	return filepath.Join(c.root, strconv.Itoa(key.Year), c.normalizer.FileName(key))
}

// List walks the cache and returns the relative path of every regular file.
// A missing root lists as empty.
func (c *LocalCache) List(ctx context.Context) ([]string, error) {
	if _, err := c.fs.Stat(c.root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var entries []string
	err := afero.Walk(c.fs, c.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", c.root, err)
	}
	return entries, nil
}

// Exists reports whether the artifact for key is on disk
func (c *LocalCache) Exists(_ context.Context, key partitions.Key) (bool, error) {
	return afero.Exists(c.fs, c.Path(key))
}

// Size returns the artifact size in bytes
func (c *LocalCache) Size(key partitions.Key) (int64, error) {
	info, err := c.fs.Stat(c.Path(key))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// CreateTemp creates a scratch file beside the final artifact location,
// creating the year directory as needed.
func (c *LocalCache) CreateTemp(key partitions.Key) (afero.File, error) {
	dir := filepath.Dir(c.Path(key))
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := afero.TempFile(c.fs, dir, "."+key.String()+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// Commit moves a finished temp file into place. An existing artifact is
// never replaced; ErrAlreadyPresent is returned instead.
func (c *LocalCache) Commit(tmpPath string, key partitions.Key) error {
	dest := c.Path(key)
	exists, err := afero.Exists(c.fs, dest)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dest, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, dest)
	}
	if err := c.fs.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", tmpPath, err)
	}
	return nil
}

// Remove deletes a scratch file, ignoring files that are already gone
func (c *LocalCache) Remove(path string) error {
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
