package stages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/snowsql"
)

// SnowflakeOptions configures an internal stage
type SnowflakeOptions struct {
	// Name is the possibly qualified stage name, e.g. FHV_DB.RAW.FHV_INTERNAL_STAGE
	Name string

	// AutoCompress asks the driver to gzip files during PUT
	AutoCompress bool

	// Parallel is the PUT transfer parallelism hint (1-99)
	Parallel int
}

// SnowflakeStage stages partitions in a Snowflake internal stage
type SnowflakeStage struct {
	db         *sql.DB
	name       string
	ref        string
	opts       SnowflakeOptions
	normalizer partitions.Normalizer
	logger     *slog.Logger
}

// NewSnowflakeStage validates the stage name and returns the stage
func NewSnowflakeStage(db *sql.DB, opts SnowflakeOptions, logger *slog.Logger) (*SnowflakeStage, error) {
	ref, err := snowsql.StageRef(opts.Name)
	if err != nil {
		return nil, err
	}
	if opts.Parallel < 1 {
		opts.Parallel = 16
	}
	if opts.Parallel > 99 {
		opts.Parallel = 99
	}

	return &SnowflakeStage{
		db:         db,
		name:       opts.Name,
		ref:        ref,
		opts:       opts,
		normalizer: partitions.DefaultNormalizer(),
		logger:     logger,
	}, nil
}

// Name identifies the stage in logs
func (s *SnowflakeStage) Name() string {
	return "@" + s.name
}

// Ensure creates the stage if it does not exist
func (s *SnowflakeStage) Ensure(ctx context.Context) error {
	quoted := strings.TrimPrefix(s.ref, "@")
	if _, err := s.db.ExecContext(ctx, "CREATE STAGE IF NOT EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to create stage %s: %w", s.name, err)
	}
	s.logger.Debug(fmt.Sprintf("Stage %s ensured", s.name))
	return nil
}

// List runs LIST on the stage and returns the name column. A stage that does
// not exist lists as empty.
func (s *SnowflakeStage) List(ctx context.Context) ([]string, error) {
	return s.list(ctx, "LIST "+s.ref)
}

// Exists lists only names that mention the partition and normalizes them
func (s *SnowflakeStage) Exists(ctx context.Context, key partitions.Key) (bool, error) {
	pattern := ".*" + regexp.QuoteMeta(s.normalizer.FileName(key)) + ".*"
	names, err := s.list(ctx, fmt.Sprintf("LIST %s PATTERN = %s", s.ref, snowsql.QuoteLiteral(pattern)))
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if got, ok := s.normalizer.Normalize(name); ok && got == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *SnowflakeStage) list(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if snowsql.IsObjectNotExist(err) {
			s.logger.Warn(fmt.Sprintf("⚠️  Stage %s does not exist yet, treating it as empty", s.name))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list stage %s: %w", s.name, err)
	}
	defer rows.Close()

	names, err := scanColumn(rows, "name")
	if err != nil {
		return nil, fmt.Errorf("LIST %s: %w", s.name, err)
	}
	// Names are stage-relative; only the file name identifies the partition
	for i, name := range names {
		names[i] = path.Base(name)
	}
	return names, nil
}

// PutStatement renders the PUT command for a local file
func (s *SnowflakeStage) PutStatement(localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", localPath, err)
	}
	uri := "file://" + filepath.ToSlash(abs)
	if !strings.HasPrefix(filepath.ToSlash(abs), "/") {
		uri = "file:///" + filepath.ToSlash(abs)
	}

	autoCompress := "FALSE"
	if s.opts.AutoCompress {
		autoCompress = "TRUE"
	}

	return fmt.Sprintf("PUT %s %s AUTO_COMPRESS=%s PARALLEL=%d OVERWRITE=FALSE",
		snowsql.QuoteLiteral(uri), s.ref, autoCompress, s.opts.Parallel), nil
}

// Push uploads the local artifact with PUT. Provider errors are returned
// unclassified; callers run them through ClassifyPushError. The file size is
// returned with the error so a benign response still reports the bytes sent.
// A SKIPPED status row means another writer staged the file first and is
// reported as ErrAlreadyPresent.
func (s *SnowflakeStage) Push(ctx context.Context, _ partitions.Key, localPath string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	stmt, err := s.PutStatement(localPath)
	if err != nil {
		return 0, err
	}

	s.logger.Debug(fmt.Sprintf("  ☁️  %s", stmt))
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return info.Size(), fmt.Errorf("PUT %s failed: %w", localPath, err)
	}
	defer rows.Close()

	statuses, err := scanColumn(rows, "status")
	if err != nil {
		return info.Size(), fmt.Errorf("PUT %s: %w", localPath, err)
	}
	for _, status := range statuses {
		if strings.EqualFold(status, putStatusSkipped) {
			return 0, fmt.Errorf("%w: PUT skipped %s", ErrAlreadyPresent, filepath.Base(localPath))
		}
	}
	return info.Size(), nil
}

const putStatusSkipped = "SKIPPED"

// scanColumn collects one named column from every row. A result without the
// column yields no values.
func scanColumn(rows *sql.Rows, column string) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}
	idx := -1
	for i, c := range cols {
		if strings.EqualFold(c, column) {
			idx = i
			break
		}
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	var out []string
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		if idx >= 0 && values[idx].Valid {
			out = append(out, values[idx].String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate result rows: %w", err)
	}
	return out, nil
}
