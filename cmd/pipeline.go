package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
	"github.com/airframesio/tripdata-sync/cmd/snowsql"
	"github.com/airframesio/tripdata-sync/cmd/stages"
	"github.com/airframesio/tripdata-sync/cmd/transfer"
	"github.com/airframesio/tripdata-sync/cmd/warehouse"
)

// Stage names used in logs, metrics, and reports
const (
	stageDownload = "download"
	stageUpload   = "upload"
)

var (
	// ErrLoadFailed is returned when COPY INTO skipped at least one file
	ErrLoadFailed = errors.New("one or more staged files failed to load")

	// ErrZoneLookupFailed wraps a failure to fetch the zone reference table
	ErrZoneLookupFailed = errors.New("zone lookup download failed")
)

// Source is the partition source plus the raw URL getter the zone lookup needs
type Source interface {
	transfer.Source
	transfer.Getter
}

// Pipeline wires the reconciliation engine to the configured source,
// cache, stage, and warehouse. Dependencies are built lazily and can be
// injected with PipelineOptions.
type Pipeline struct {
	config     *Config
	logger     *slog.Logger
	fs         afero.Fs
	out        io.Writer
	now        func() time.Time
	normalizer partitions.Normalizer

	source Source
	cache  *stages.LocalCache
	stage  stages.Stage
	db     *sql.DB
	ownsDB bool

	metrics   *Metrics
	status    *StatusFile
	display   *ProgressDisplay
	observers []reconcile.Observer
}

// PipelineOption customizes a Pipeline
type PipelineOption func(*Pipeline)

// WithFs sets the filesystem for the cache, zone lookup, and outputs
func WithFs(fs afero.Fs) PipelineOption {
	return func(p *Pipeline) { p.fs = fs }
}

// WithOutput sets where machine-readable results are written
func WithOutput(w io.Writer) PipelineOption {
	return func(p *Pipeline) { p.out = w }
}

// WithClock sets the clock used to exclude unpublished months
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithSource replaces the HTTP source
func WithSource(source Source) PipelineOption {
	return func(p *Pipeline) { p.source = source }
}

// WithStage replaces the configured stage backend
func WithStage(stage stages.Stage) PipelineOption {
	return func(p *Pipeline) { p.stage = stage }
}

// WithDB supplies an open warehouse connection; the pipeline will not close it
func WithDB(db *sql.DB) PipelineOption {
	return func(p *Pipeline) { p.db = db }
}

// WithMetrics records run metrics
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStatusFile keeps a run status file current
func WithStatusFile(s *StatusFile) PipelineOption {
	return func(p *Pipeline) { p.status = s }
}

// WithProgressDisplay feeds an interactive display
func WithProgressDisplay(d *ProgressDisplay) PipelineOption {
	return func(p *Pipeline) { p.display = d }
}

// NewPipeline creates a pipeline for config
func NewPipeline(config *Config, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		config:     config,
		logger:     logger,
		fs:         afero.NewOsFs(),
		out:        os.Stdout,
		now:        time.Now,
		normalizer: partitions.DefaultNormalizer(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.cache = stages.NewLocalCache(p.fs, config.Cache.Dir)
	if p.source == nil {
		// Per-task deadlines come from the engine's task timeout
		p.source = stages.NewHTTPSource(&http.Client{}, config.Source.URLTemplate)
	}

	if p.metrics != nil {
		p.observers = append(p.observers, p.metrics)
	}
	if p.status != nil {
		p.observers = append(p.observers, p.status)
	}
	if p.display != nil {
		p.observers = append(p.observers, p.display)
	}
	return p
}

// Close releases the warehouse connection if the pipeline opened it
func (p *Pipeline) Close() error {
	if p.db != nil && p.ownsDB {
		return p.db.Close()
	}
	return nil
}

// Check reports which requested partitions are missing from the stage
func (p *Pipeline) Check(ctx context.Context) (CheckResult, error) {
	desired, err := p.config.DesiredKeys(p.now(), p.logger)
	if err != nil {
		return CheckResult{}, err
	}

	result, _, err := p.check(ctx, desired)
	if err != nil {
		return CheckResult{}, err
	}

	if err := WriteCheckResult(p.out, p.fs, p.config.OutputFormat, result); err != nil {
		return result, fmt.Errorf("failed to write check result: %w", err)
	}
	return result, nil
}

func (p *Pipeline) check(ctx context.Context, desired partitions.Set) (CheckResult, partitions.Set, error) {
	stage, err := p.stageBackend(ctx, false)
	if err != nil {
		return CheckResult{}, nil, err
	}

	p.logger.Info(fmt.Sprintf("🔍 Checking %d requested partitions against %s", desired.Len(), stage.Name()))
	existing, err := stages.Inventory(ctx, stage, p.normalizer, p.logger)
	if err != nil {
		return CheckResult{}, nil, err
	}

	missing := reconcile.Reconcile(desired, existing)
	if p.metrics != nil {
		p.metrics.ObserveMissing("check", missing.Len())
	}

	result := NewCheckResult(stage.Name(), desired, existing, missing)
	if result.DownloadNeeded {
		p.logger.Info(fmt.Sprintf("📋 %d partitions missing from %s: %s",
			missing.Len(), stage.Name(), strings.Join(result.MissingDates, ", ")))
	} else {
		p.logger.Info(fmt.Sprintf("✅ All %d requested partitions are present in %s", desired.Len(), stage.Name()))
	}
	return result, missing, nil
}

// Download fetches missing partitions from the source into the local cache.
// In range mode the zone lookup reference file is fetched as well.
func (p *Pipeline) Download(ctx context.Context) (*reconcile.RunReport, error) {
	desired, err := p.config.DesiredKeys(p.now(), p.logger)
	if err != nil {
		return nil, err
	}

	var zoneErr error
	if p.config.RangeMode() && !p.config.SkipZoneLookup && !p.config.DryRun {
		zoneErr = p.fetchZoneLookup(ctx)
	}

	report, err := p.download(ctx, desired)
	if err != nil {
		return nil, err
	}
	p.writeRunReport(report)
	return report, errors.Join(zoneErr, report.Err())
}

func (p *Pipeline) download(ctx context.Context, desired partitions.Set) (*reconcile.RunReport, error) {
	existing, err := stages.Inventory(ctx, p.cache, p.cache.Normalizer(), p.logger)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if p.config.Source.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.config.Source.RateLimit), 1)
	}
	downloader := transfer.NewDownloader(p.source, p.cache, limiter, p.logger)

	return p.run(ctx, stageDownload, desired, existing, downloader), nil
}

func (p *Pipeline) fetchZoneLookup(ctx context.Context) error {
	fetchCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	_, err := transfer.FetchZoneLookup(fetchCtx, p.source, p.config.Source.ZoneLookupURL,
		p.fs, p.config.Cache.ZoneLookupPath, p.logger)
	if err != nil {
		p.logger.Error(fmt.Sprintf("❌ Failed to download zone lookup: %v", err))
		return fmt.Errorf("%w: %w", ErrZoneLookupFailed, err)
	}
	return nil
}

// Upload pushes cached partitions missing from the stage. When scope is
// non-nil only those partitions are considered.
func (p *Pipeline) Upload(ctx context.Context, scope partitions.Set) (*reconcile.RunReport, error) {
	report, err := p.upload(ctx, scope)
	if err != nil {
		return nil, err
	}
	p.writeRunReport(report)
	return report, report.Err()
}

func (p *Pipeline) upload(ctx context.Context, scope partitions.Set) (*reconcile.RunReport, error) {
	stage, err := p.stageBackend(ctx, !p.config.DryRun)
	if err != nil {
		return nil, err
	}

	local, err := stages.Inventory(ctx, p.cache, p.cache.Normalizer(), p.logger)
	if err != nil {
		return nil, err
	}
	desired := local
	if scope != nil {
		desired = local.Intersect(scope)
		if skipped := scope.Difference(local); skipped.Len() > 0 {
			p.logger.Warn(fmt.Sprintf("⚠️  %d requested partitions are not cached locally: %s",
				skipped.Len(), strings.Join(skipped.Strings(), ", ")))
		}
	}

	existing, err := stages.Inventory(ctx, stage, p.normalizer, p.logger)
	if err != nil {
		return nil, err
	}

	uploader := transfer.NewUploader(stage, p.cache, p.logger)
	return p.run(ctx, stageUpload, desired, existing, uploader), nil
}

// Load ensures the raw table exists and bulk-loads every staged file the
// warehouse has not loaded before.
func (p *Pipeline) Load(ctx context.Context) (*warehouse.LoadReport, error) {
	table := p.config.Warehouse.Table
	stage := p.config.Stage.Name

	if p.config.DryRun {
		// Rendering the statement needs no connection
		statement, err := p.newLoader(nil).CopyStatement(stage, table)
		if err != nil {
			return nil, err
		}
		p.logger.Info(fmt.Sprintf("🔍 Dry run: would load @%s into %s", stage, table))
		p.logger.Debug(statement)
		return &warehouse.LoadReport{Table: table, Stage: stage}, nil
	}

	loader, err := p.loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := loader.Ensure(ctx, table); err != nil {
		return nil, err
	}

	p.logger.Info(fmt.Sprintf("📥 Loading @%s into %s", stage, table))
	report, err := loader.LoadAll(ctx, stage, table)
	if err != nil {
		return nil, err
	}
	p.printLoadSummary(report)

	if failed := report.Failed(); len(failed) > 0 {
		return report, fmt.Errorf("%w: %d of %d", ErrLoadFailed, len(failed), len(report.Files))
	}
	return report, nil
}

// Sync runs check, download, upload, and load in order. A stage with any
// failure stops the later stages; nothing runs when the stage is complete.
func (p *Pipeline) Sync(ctx context.Context) error {
	desired, err := p.config.DesiredKeys(p.now(), p.logger)
	if err != nil {
		return err
	}

	result, missing, err := p.check(ctx, desired)
	if err != nil {
		return err
	}
	if err := WriteCheckResult(p.out, p.fs, p.config.OutputFormat, result); err != nil {
		return fmt.Errorf("failed to write check result: %w", err)
	}
	if !result.DownloadNeeded {
		p.logger.Info("✅ Nothing to sync")
		return nil
	}

	if p.config.RangeMode() && !p.config.SkipZoneLookup && !p.config.DryRun {
		if err := p.fetchZoneLookup(ctx); err != nil {
			return err
		}
	}

	report, err := p.download(ctx, missing)
	if err != nil {
		return err
	}
	if err := stageError(ctx, report); err != nil {
		return err
	}

	report, err = p.upload(ctx, missing)
	if err != nil {
		return err
	}
	if err := stageError(ctx, report); err != nil {
		return err
	}

	_, err = p.Load(ctx)
	return err
}

// stageError stops a multi-stage run after failures or cancellation
func stageError(ctx context.Context, report *reconcile.RunReport) error {
	if err := report.Err(); err != nil {
		return err
	}
	if report.Cancelled() {
		return context.Cause(ctx)
	}
	return nil
}

// run reconciles desired against existing and drives exec over the gap
func (p *Pipeline) run(ctx context.Context, stage string, desired, existing partitions.Set, exec reconcile.Executor) *reconcile.RunReport {
	missing := reconcile.Reconcile(desired, existing)
	if p.metrics != nil {
		p.metrics.ObserveMissing(stage, missing.Len())
	}

	p.logger.Info(fmt.Sprintf("📋 %s: %d requested, %d present, %d missing",
		stageLabel(stage), desired.Len(), desired.Intersect(existing).Len(), missing.Len()))

	if p.config.DryRun {
		for _, key := range missing.Sorted(p.order()) {
			p.logger.Info(fmt.Sprintf("🔍 Dry run: would %s %s", stage, key))
		}
		report := reconcile.NewRunReport(stage)
		report.Finished = time.Now()
		return report
	}

	if p.status != nil {
		p.status.BeginStage(stage, missing.Len())
	}
	if p.display != nil {
		p.display.BeginStage(stageLabel(stage), missing.Len())
	}

	engine := reconcile.NewEngine(reconcile.Options{
		Workers:     p.config.Workers,
		Order:       p.order(),
		TaskTimeout: p.config.Timeout,
	}, p.logger, p.observers...)

	report := engine.Run(ctx, stage, missing, exec)
	p.printSummary(report)
	return report
}

func (p *Pipeline) writeRunReport(report *reconcile.RunReport) {
	if err := WriteRunReport(p.out, p.fs, p.config.OutputFormat, report); err != nil {
		p.logger.Warn(fmt.Sprintf("⚠️  Failed to write %s report: %v", report.Stage, err))
	}
}

func (p *Pipeline) order() partitions.Order {
	order, _ := partitions.ParseOrder(p.config.Order)
	return order
}

// stageBackend returns the configured stage, opening it on first use.
// ensure creates a Snowflake stage that does not exist yet.
func (p *Pipeline) stageBackend(ctx context.Context, ensure bool) (stages.Stage, error) {
	if p.stage != nil {
		return p.stage, nil
	}

	switch p.config.Stage.Type {
	case stageTypeS3:
		opts := stages.S3Options{
			Endpoint:         p.config.S3.Endpoint,
			Bucket:           p.config.S3.Bucket,
			Prefix:           p.config.S3.Prefix,
			AccessKey:        p.config.S3.AccessKey,
			SecretKey:        p.config.S3.SecretKey,
			Region:           p.config.S3.Region,
			Compression:      p.config.Stage.Compression,
			CompressionLevel: p.config.Stage.CompressionLevel,
			Parallel:         p.config.Stage.Parallel,
		}
		if opts.Region == "" || opts.Region == regionAuto {
			opts.Region = "us-east-1"
		}
		sess, err := stages.NewS3Session(opts)
		if err != nil {
			return nil, err
		}
		stage, err := stages.NewS3StageFromSession(sess, p.fs, opts, p.logger)
		if err != nil {
			return nil, err
		}
		p.stage = stage
	default:
		db, err := p.warehouseDB(ctx)
		if err != nil {
			return nil, err
		}
		stage, err := stages.NewSnowflakeStage(db, stages.SnowflakeOptions{
			Name:         p.config.Stage.Name,
			AutoCompress: p.config.Stage.Compression == "gzip",
			Parallel:     p.config.Stage.Parallel,
		}, p.logger)
		if err != nil {
			return nil, err
		}
		if ensure {
			if err := stage.Ensure(ctx); err != nil {
				return nil, err
			}
		}
		p.stage = stage
	}

	p.logger.Debug(fmt.Sprintf("Using stage %s", p.stage.Name()))
	return p.stage, nil
}

func (p *Pipeline) loader(ctx context.Context) (*warehouse.Loader, error) {
	db, err := p.warehouseDB(ctx)
	if err != nil {
		return nil, err
	}
	return p.newLoader(db), nil
}

func (p *Pipeline) newLoader(db *sql.DB) *warehouse.Loader {
	return warehouse.NewLoader(db, warehouse.Options{
		FileFormat: p.config.Warehouse.FileFormat,
		Pattern:    p.config.Warehouse.Pattern,
	}, p.logger)
}

func (p *Pipeline) warehouseDB(ctx context.Context) (*sql.DB, error) {
	if p.db != nil {
		return p.db, nil
	}

	p.logger.Debug(fmt.Sprintf("Connecting to Snowflake account %s", p.config.Snowflake.Account))
	db, err := snowsql.Open(ctx, snowsql.Config{
		Account:      p.config.Snowflake.Account,
		User:         p.config.Snowflake.User,
		Password:     p.config.Snowflake.Password,
		Warehouse:    p.config.Snowflake.Warehouse,
		Database:     p.config.Snowflake.Database,
		Schema:       p.config.Snowflake.Schema,
		Role:         p.config.Snowflake.Role,
		LoginTimeout: p.config.Timeout,
	})
	if err != nil {
		return nil, err
	}
	p.db = db
	p.ownsDB = true
	return db, nil
}

func (p *Pipeline) printSummary(report *reconcile.RunReport) {
	p.logger.Info("")
	p.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	p.logger.Info(fmt.Sprintf("📈 %s Summary", stageLabel(report.Stage)))
	p.logger.Info(fmt.Sprintf("✅ Transferred: %d", len(report.Succeeded())))
	p.logger.Info(fmt.Sprintf("⏭️  Already present: %d", len(report.Skipped())))
	failures := report.Failures()
	if len(failures) > 0 {
		p.logger.Info(fmt.Sprintf("❌ Failed: %d", len(failures)))
	}
	if notAttempted := report.NotAttempted(); len(notAttempted) > 0 {
		p.logger.Info(fmt.Sprintf("⏸  Not attempted: %d", len(notAttempted)))
	}
	if total := report.BytesTransferred(); total > 0 {
		p.logger.Info(fmt.Sprintf("💾 Total transferred: %s", reconcile.FormatBytes(total)))
	}
	if !report.Finished.IsZero() {
		p.logger.Info(fmt.Sprintf("⏱️  Duration: %s", report.Finished.Sub(report.Started).Round(time.Millisecond)))
	}

	for _, o := range failures {
		p.logger.Error(fmt.Sprintf("❌ %s: %s", o.Key, o.Reason()))
	}
}

func (p *Pipeline) printLoadSummary(report *warehouse.LoadReport) {
	p.logger.Info("")
	p.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	p.logger.Info("📈 Load Summary")
	if report.Message != "" {
		p.logger.Info(fmt.Sprintf("ℹ️  %s", report.Message))
		return
	}

	failed := report.Failed()
	p.logger.Info(fmt.Sprintf("✅ Files loaded: %d", len(report.Files)-len(failed)))
	p.logger.Info(fmt.Sprintf("📊 Rows loaded: %d", report.RowsLoaded()))
	if len(failed) > 0 {
		p.logger.Info(fmt.Sprintf("❌ Files skipped: %d", len(failed)))
	}
	for _, f := range failed {
		p.logger.Error(fmt.Sprintf("❌ %s (%s): %s", f.File, f.Status, f.FirstError))
	}
}
