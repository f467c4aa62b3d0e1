package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/airframesio/tripdata-sync/cmd/snowsql"
)

// Load statuses reported per file by COPY INTO
const (
	StatusLoaded          = "LOADED"
	StatusLoadFailed      = "LOAD_FAILED"
	StatusPartiallyLoaded = "PARTIALLY_LOADED"
)

// DefaultPattern matches staged Parquet artifacts the warehouse can decompress
const DefaultPattern = `.*\.parquet(\.gz|\.zst)?`

// Options configures the loader
type Options struct {
	// FileFormat is the named Parquet file format used by COPY INTO
	FileFormat string
	// Pattern selects staged files; defaults to DefaultPattern
	Pattern string
	// OnError is the per-file error policy; defaults to SKIP_FILE
	OnError string
}

// Loader ingests staged partitions into the raw trip table
type Loader struct {
	db      *sql.DB
	opts    Options
	columns []Column
	logger  *slog.Logger
}

// NewLoader creates a loader over the v1 trip column set
func NewLoader(db *sql.DB, opts Options, logger *slog.Logger) *Loader {
	if opts.Pattern == "" {
		opts.Pattern = DefaultPattern
	}
	if opts.OnError == "" {
		opts.OnError = "SKIP_FILE"
	}
	return &Loader{db: db, opts: opts, columns: TripColumns, logger: logger}
}

// FileLoad is one row of the COPY INTO result
type FileLoad struct {
	File       string
	Status     string
	RowsParsed int64
	RowsLoaded int64
	ErrorsSeen int64
	FirstError string
}

// LoadReport aggregates a bulk load
type LoadReport struct {
	Table string
	Stage string
	Files []FileLoad
	// Message is set when the warehouse reports a status line instead of per-file rows
	Message string
}

// RowsLoaded sums rows loaded across files
func (r *LoadReport) RowsLoaded() int64 {
	var total int64
	for _, f := range r.Files {
		total += f.RowsLoaded
	}
	return total
}

// Failed returns files that were skipped because of errors
func (r *LoadReport) Failed() []FileLoad {
	var failed []FileLoad
	for _, f := range r.Files {
		if f.Status != StatusLoaded {
			failed = append(failed, f)
		}
	}
	return failed
}

// Ensure creates the file format and the raw table when absent
func (l *Loader) Ensure(ctx context.Context, table string) error {
	stmts, err := l.EnsureStatements(table)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run %q: %w", firstLine(stmt), err)
		}
	}
	l.logger.Debug(fmt.Sprintf("File format %s and table %s ensured (schema %s)", l.opts.FileFormat, table, SchemaVersion))
	return nil
}

// EnsureStatements renders the file format and table DDL
func (l *Loader) EnsureStatements(table string) ([]string, error) {
	format, err := snowsql.QuoteName(l.opts.FileFormat)
	if err != nil {
		return nil, fmt.Errorf("file format: %w", err)
	}
	tableName, err := snowsql.QuoteName(table)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}

	var cols strings.Builder
	for _, c := range l.columns {
		col, err := snowsql.QuoteName(c.Name)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&cols, "    %s %s", col, c.Type)
		if c.Extra != "" {
			cols.WriteString(" " + c.Extra)
		}
		cols.WriteString(",\n")
	}
	cols.WriteString(`    "INGESTION_TS" TIMESTAMP_LTZ DEFAULT CURRENT_TIMESTAMP()`)

	pickup, _ := snowsql.QuoteName("pickup_datetime")
	return []string{
		fmt.Sprintf("CREATE FILE FORMAT IF NOT EXISTS %s TYPE = 'PARQUET' COMPRESSION = 'AUTO'", format),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n) CLUSTER BY (TO_DATE(%s))", tableName, cols.String(), pickup),
	}, nil
}

// CopyStatement renders the pattern-matched bulk load
func (l *Loader) CopyStatement(stage, table string) (string, error) {
	stageRef, err := snowsql.StageRef(stage)
	if err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	tableName, err := snowsql.QuoteName(table)
	if err != nil {
		return "", fmt.Errorf("table: %w", err)
	}
	format, err := snowsql.QuoteName(l.opts.FileFormat)
	if err != nil {
		return "", fmt.Errorf("file format: %w", err)
	}

	targets := make([]string, 0, len(l.columns)+1)
	selects := make([]string, 0, len(l.columns)+1)
	for _, c := range l.columns {
		col, err := snowsql.QuoteName(c.Name)
		if err != nil {
			return "", err
		}
		targets = append(targets, col)
		selects = append(selects, fmt.Sprintf("$1:%s::%s", c.source(), c.cast()))
	}
	targets = append(targets, `"INGESTION_TS"`)
	selects = append(selects, "CURRENT_TIMESTAMP()")

	return fmt.Sprintf("COPY INTO %s (%s)\nFROM (\n    SELECT %s\n    FROM %s\n)\nPATTERN = %s\nFILE_FORMAT = (FORMAT_NAME = %s)\nON_ERROR = %s",
		tableName,
		strings.Join(targets, ", "),
		strings.Join(selects, ",\n        "),
		stageRef,
		snowsql.QuoteLiteral(l.opts.Pattern),
		format,
		snowsql.QuoteLiteral(l.opts.OnError),
	), nil
}

// LoadAll loads every staged file matching the pattern into table. Files the
// warehouse has already loaded are skipped by its own load metadata.
func (l *Loader) LoadAll(ctx context.Context, stage, table string) (*LoadReport, error) {
	stmt, err := l.CopyStatement(stage, table)
	if err != nil {
		return nil, err
	}

	l.logger.Debug(fmt.Sprintf("Running COPY INTO %s from @%s", table, stage))
	rows, err := l.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("COPY INTO %s failed: %w", table, err)
	}
	defer rows.Close()

	report, err := parseCopyResult(rows)
	if err != nil {
		return nil, err
	}
	report.Table = table
	report.Stage = stage

	for _, f := range report.Failed() {
		l.logger.Warn(fmt.Sprintf("⚠️  %s %s: %s", f.File, strings.ToLower(f.Status), f.FirstError))
	}
	return report, nil
}

// parseCopyResult reads the per-file result set. When nothing new is found
// the warehouse returns a single status column instead.
func parseCopyResult(rows *sql.Rows) (*LoadReport, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read COPY result columns: %w", err)
	}

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToLower(c)] = i
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	field := func(name string) string {
		if i, ok := index[name]; ok && values[i].Valid {
			return values[i].String
		}
		return ""
	}
	number := func(name string) int64 {
		n, _ := strconv.ParseInt(field(name), 10, 64)
		return n
	}

	report := &LoadReport{}
	_, perFile := index["file"]

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan COPY result: %w", err)
		}
		if !perFile {
			report.Message = field("status")
			continue
		}
		report.Files = append(report.Files, FileLoad{
			File:       field("file"),
			Status:     strings.ToUpper(field("status")),
			RowsParsed: number("rows_parsed"),
			RowsLoaded: number("rows_loaded"),
			ErrorsSeen: number("errors_seen"),
			FirstError: field("first_error"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate COPY result: %w", err)
	}
	return report, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
