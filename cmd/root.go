package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/airframesio/tripdata-sync/cmd/compressors"
	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/stages"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/tripdata-sync/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// Exit codes
const (
	exitFailure   = 1
	exitCancelled = 130
)

// SetSignalContext stores the signal-aware context created in main()
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// flagKeys maps command-line flags to their configuration keys
var flagKeys = map[string]string{
	"debug":               "debug",
	"log-format":          "log_format",
	"dry-run":             "dry_run",
	"output":              "output",
	"workers":             "workers",
	"timeout":             "timeout",
	"order":               "order",
	"years":               "years",
	"months":              "months",
	"dates":               "dates",
	"exclude-future":      "exclude_future",
	"skip-zone-lookup":    "skip_zone_lookup",
	"url-template":        "source.url_template",
	"zone-lookup-url":     "source.zone_lookup_url",
	"rate-limit":          "source.rate_limit",
	"cache-dir":           "cache.dir",
	"zone-lookup-path":    "cache.zone_lookup_path",
	"stage-type":          "stage.type",
	"stage-name":          "stage.name",
	"compression":         "stage.compression",
	"compression-level":   "stage.compression_level",
	"stage-parallel":      "stage.parallel",
	"s3-endpoint":         "s3.endpoint",
	"s3-bucket":           "s3.bucket",
	"s3-prefix":           "s3.prefix",
	"s3-access-key":       "s3.access_key",
	"s3-secret-key":       "s3.secret_key",
	"s3-region":           "s3.region",
	"snowflake-account":   "snowflake.account",
	"snowflake-user":      "snowflake.user",
	"snowflake-password":  "snowflake.password",
	"snowflake-warehouse": "snowflake.warehouse",
	"snowflake-database":  "snowflake.database",
	"snowflake-schema":    "snowflake.schema",
	"snowflake-role":      "snowflake.role",
	"table":               "warehouse.table",
	"file-format":         "warehouse.file_format",
	"pattern":             "warehouse.pattern",
	"pushgateway":         "metrics.pushgateway",
}

// legacyEnv keeps the variable names used by existing deployments working
var legacyEnv = map[string]string{
	"snowflake.account":     "SNOWFLAKE_ACCOUNT",
	"snowflake.user":        "SNOWFLAKE_USER",
	"snowflake.password":    "SNOWFLAKE_PASSWORD",
	"snowflake.warehouse":   "SNOWFLAKE_WAREHOUSE",
	"snowflake.database":    "SNOWFLAKE_DATABASE",
	"snowflake.schema":      "SNOWFLAKE_SCHEMA",
	"stage.name":            "SNOWFLAKE_STAGE",
	"warehouse.file_format": "SNOWFLAKE_FILE_FORMAT",
	"years":                 "DATA_YEAR_RANGE",
}

// lockedWriter serializes writes from handlers that do not lock
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: &lockedWriter{w: w},
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

// Attributes such as run_id are dropped in text mode
func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for the debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger initializes the package logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stderr, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "tripdata-sync",
	Version: Version,
	Short:   "🚕 Incrementally sync monthly trip-data files into a warehouse",
	Long: titleStyle.Render("Trip Data Sync") + `

Moves monthly trip-record Parquet files from the public HTTP source, through a
local cache, into a remote stage (Snowflake internal stage or S3), and loads
them into a warehouse table. Every step reconciles what is requested against
what already exists downstream and only transfers the missing months.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report which requested months are missing from the stage",
	Long: `Lists the stage, compares it with the requested months, and prints a
machine-readable result (download_needed, missing_dates) for schedulers.`,
	PreRun: bindFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runCommand("check", (*Config).ValidateStage, func(ctx context.Context, p *Pipeline, _ *Config) error {
			_, err := p.Check(ctx)
			return err
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download missing months from the source into the local cache",
	PreRun: bindFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runCommand("download", (*Config).ValidateSource, func(ctx context.Context, p *Pipeline, _ *Config) error {
			_, err := p.Download(ctx)
			return err
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Push cached months that are missing from the stage",
	Long: `Pushes every locally cached month that the stage does not hold yet.
When --years/--months or --dates is given, only those months are considered.`,
	PreRun: bindFlags,
	Run: func(cmd *cobra.Command, _ []string) {
		scoped := cmd.Flags().Changed("years") || cmd.Flags().Changed("months") ||
			cmd.Flags().Changed("dates") || viper.InConfig("dates")
		runCommand("upload", validateAll((*Config).ValidateSource, (*Config).ValidateStage), func(ctx context.Context, p *Pipeline, c *Config) error {
			var scope partitions.Set
			if scoped {
				keys, err := c.DesiredKeys(p.now(), p.logger)
				if err != nil {
					return err
				}
				scope = keys
			}
			_, err := p.Upload(ctx, scope)
			return err
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load staged files into the warehouse table",
	Long: `Creates the file format and raw table if needed, then runs a single
pattern-matched COPY INTO. Files loaded before are skipped by the warehouse.`,
	PreRun: bindFlags,
	Run: func(_ *cobra.Command, _ []string) {
		runCommand("load", (*Config).ValidateWarehouse, func(ctx context.Context, p *Pipeline, _ *Config) error {
			_, err := p.Load(ctx)
			return err
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run check, download, upload, and load in order",
	PreRun: bindFlags,
	Run: func(_ *cobra.Command, _ []string) {
		validate := validateAll((*Config).ValidateSource, (*Config).ValidateStage, (*Config).ValidateWarehouse)
		runCommand("sync", validate, func(ctx context.Context, p *Pipeline, _ *Config) error {
			return p.Sync(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of a running sync",
	Run: func(_ *cobra.Command, _ []string) {
		runStatus()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(checkCmd, downloadCmd, uploadCmd, loadCmd, syncCmd, statusCmd)

	// Persistent flags (available to all subcommands)
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tripdata-sync.yaml)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	flags.Bool("dry-run", false, "report what would be transferred without side effects")
	flags.String("output", outputGitHub, "result format: github, json, jsonl, csv")
	flags.Int("workers", 4, "number of parallel transfers")
	flags.Duration("timeout", 30*time.Minute, "timeout for a single transfer (0 = none)")
	flags.String("order", "asc", "chronological order transfers are attempted in: asc, desc")
	flags.String("pushgateway", "", "Prometheus Pushgateway URL for run metrics")

	for _, c := range []*cobra.Command{checkCmd, downloadCmd, uploadCmd, syncCmd} {
		addRangeFlags(c.Flags())
	}
	for _, c := range []*cobra.Command{downloadCmd, uploadCmd, syncCmd} {
		addSourceFlags(c.Flags())
	}
	for _, c := range []*cobra.Command{checkCmd, uploadCmd, loadCmd, syncCmd} {
		addStageFlags(c.Flags())
		addSnowflakeFlags(c.Flags())
	}
	for _, c := range []*cobra.Command{loadCmd, syncCmd} {
		addWarehouseFlags(c.Flags())
	}

	// Note: validation happens in Config.Validate* after the config file and
	// environment are merged, so no flag is marked required here.
}

func addRangeFlags(f *pflag.FlagSet) {
	f.String("years", "2025-2026", "year range, e.g. 2020-2025")
	f.String("months", "1-12", "month range, e.g. 1-12")
	f.String("dates", "", "comma-separated months, e.g. 2024-01,2024-03 (overrides --years/--months)")
	f.Bool("exclude-future", true, "ignore the current and future months, which are not published yet")
}

func addSourceFlags(f *pflag.FlagSet) {
	f.String("url-template", stages.DefaultURLTemplate, "source URL with {YYYY} and {MM} placeholders")
	f.String("zone-lookup-url", stages.DefaultZoneLookupURL, "taxi zone lookup CSV URL")
	f.Bool("skip-zone-lookup", false, "do not fetch the taxi zone lookup CSV")
	f.Float64("rate-limit", 0, "maximum source requests per second (0 = unlimited)")
	f.String("cache-dir", "data/parquet", "local cache directory")
	f.String("zone-lookup-path", "seeds/seed_zone_lookup.csv", "where the zone lookup CSV is written")
}

func addStageFlags(f *pflag.FlagSet) {
	f.String("stage-type", stageTypeSnowflake, "stage backend: snowflake, s3")
	f.String("stage-name", "FHV_DB.RAW.FHV_INTERNAL_STAGE", "stage name")
	f.String("compression", "gzip", "stage compression: "+strings.Join(compressors.Names(), ", ")+" (snowflake: gzip or none)")
	f.Int("compression-level", 0, "compression level (0 = codec default)")
	f.Int("stage-parallel", 16, "transfer parallelism hint for a single push (1-99)")
	f.String("s3-endpoint", "", "S3-compatible endpoint URL")
	f.String("s3-bucket", "", "S3 bucket name")
	f.String("s3-prefix", "trip-data", "S3 key prefix")
	f.String("s3-access-key", "", "S3 access key")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-region", regionAuto, "S3 region")
}

func addSnowflakeFlags(f *pflag.FlagSet) {
	f.String("snowflake-account", "", "Snowflake account identifier")
	f.String("snowflake-user", "", "Snowflake user")
	f.String("snowflake-password", "", "Snowflake password")
	f.String("snowflake-warehouse", "COMPUTE_WH", "Snowflake virtual warehouse")
	f.String("snowflake-database", "FHV_DB", "Snowflake database")
	f.String("snowflake-schema", "RAW", "Snowflake schema")
	f.String("snowflake-role", "", "Snowflake role")
}

func addWarehouseFlags(f *pflag.FlagSet) {
	f.String("table", "FHV_TRIPS", "raw trip table")
	f.String("file-format", "FHV_DB.RAW.FHV_PARQUET_FORMAT", "named Parquet file format")
	f.String("pattern", "", "regular expression selecting staged files (default matches .parquet[.gz|.zst])")
}

// bindFlags binds the running command's flags to their configuration keys.
// Binding per command avoids one command's flag shadowing another's.
func bindFlags(cmd *cobra.Command, _ []string) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = viper.BindPFlag(key, f)
		}
	})
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tripdata-sync")
	}

	viper.SetEnvPrefix("TRIPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = viper.BindEnv(key, "TRIPSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the Config from flags, config file, and environment
func loadConfig() *Config {
	return &Config{
		Debug:          viper.GetBool("debug"),
		LogFormat:      viper.GetString("log_format"),
		DryRun:         viper.GetBool("dry_run"),
		Workers:        viper.GetInt("workers"),
		Timeout:        viper.GetDuration("timeout"),
		Years:          viper.GetString("years"),
		Months:         viper.GetString("months"),
		Dates:          viper.GetString("dates"),
		Order:          viper.GetString("order"),
		OutputFormat:   viper.GetString("output"),
		SkipZoneLookup: viper.GetBool("skip_zone_lookup"),
		ExcludeFuture:  viper.GetBool("exclude_future"),
		Source: SourceConfig{
			URLTemplate:   viper.GetString("source.url_template"),
			ZoneLookupURL: viper.GetString("source.zone_lookup_url"),
			RateLimit:     viper.GetFloat64("source.rate_limit"),
		},
		Cache: CacheConfig{
			Dir:            viper.GetString("cache.dir"),
			ZoneLookupPath: viper.GetString("cache.zone_lookup_path"),
		},
		Stage: StageConfig{
			Type:             viper.GetString("stage.type"),
			Name:             viper.GetString("stage.name"),
			Compression:      viper.GetString("stage.compression"),
			CompressionLevel: viper.GetInt("stage.compression_level"),
			Parallel:         viper.GetInt("stage.parallel"),
		},
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			Prefix:    viper.GetString("s3.prefix"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
		},
		Snowflake: SnowflakeConfig{
			Account:   viper.GetString("snowflake.account"),
			User:      viper.GetString("snowflake.user"),
			Password:  viper.GetString("snowflake.password"),
			Warehouse: viper.GetString("snowflake.warehouse"),
			Database:  viper.GetString("snowflake.database"),
			Schema:    viper.GetString("snowflake.schema"),
			Role:      viper.GetString("snowflake.role"),
		},
		Warehouse: WarehouseConfig{
			Table:      viper.GetString("warehouse.table"),
			FileFormat: viper.GetString("warehouse.file_format"),
			Pattern:    viper.GetString("warehouse.pattern"),
		},
		Metrics: MetricsConfig{
			Pushgateway: viper.GetString("metrics.pushgateway"),
		},
	}
}

func validateAll(checks ...func(*Config) error) func(*Config) error {
	return func(c *Config) error {
		for _, check := range checks {
			if err := check(c); err != nil {
				return err
			}
		}
		return nil
	}
}

// runCommand is the shared lifecycle of every pipeline command. It exits the
// process with the code returned by executeCommand.
func runCommand(name string, validate func(*Config) error, run func(context.Context, *Pipeline, *Config) error) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(exitFailure)
		}
	}()

	if code := executeCommand(name, loadConfig(), validate, run); code != 0 {
		os.Exit(code)
	}
}

// heldLogs buffers log output while the progress display owns the terminal
type heldLogs struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (h *heldLogs) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Write(p)
}

func (h *heldLogs) flush(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprint(w, h.buf.String())
	h.buf.Reset()
}

func executeCommand(name string, config *Config, validate func(*Config) error, run func(context.Context, *Pipeline, *Config) error) int {
	initLogger(config.Debug, config.LogFormat)

	runID := uuid.NewString()
	log := logger.With("run_id", runID, "command", name)

	log.Info("")
	log.Info(fmt.Sprintf("🚀 Trip Data Sync v%s - %s", Version, name))
	log.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Debug(fmt.Sprintf("Run ID: %s", runID))

	log.Debug("Validating configuration...")
	if err := validateAll((*Config).Validate, validate)(config); err != nil {
		log.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	log.Debug("Configuration validated successfully")

	ctx := signalContext
	if ctx == nil {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	signalled := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fs := afero.NewOsFs()

	updates := make(chan VersionCheckResult, 1)
	go func() {
		updates <- NewUpdateChecker(fs).Check(ctx, Version)
	}()

	metrics := NewMetrics()
	status := NewStatusFile(fs, GetRunStatusPath(), runID, name, log)
	opts := []PipelineOption{WithFs(fs), WithMetrics(metrics), WithStatusFile(status)}

	var display *ProgressDisplay
	if !config.DryRun && useProgressDisplay(config.Debug, config.LogFormat) {
		held := &heldLogs{}
		defer held.flush(os.Stderr)
		log = newLogger(held, config.Debug, config.LogFormat).With("run_id", runID, "command", name)
		display = NewProgressDisplay(os.Stderr, "Trip Data Sync - "+stageLabel(name), cancel)
		display.Start()
		opts = append(opts, WithProgressDisplay(display))
	} else {
		go func() {
			<-ctx.Done()
			if signalled.Err() != nil {
				log.Info("")
				log.Info("⚠️  Interrupt signal received, finishing in-flight transfers...")
			}
		}()
	}

	pipeline := NewPipeline(config, log, opts...)
	start := time.Now()
	err := run(ctx, pipeline, config)

	if display != nil {
		display.Stop()
	}
	if cerr := pipeline.Close(); cerr != nil {
		log.Debug(fmt.Sprintf("Error closing warehouse connection: %v", cerr))
	}
	if rerr := status.Remove(); rerr != nil {
		log.Debug(fmt.Sprintf("Failed to remove run status: %v", rerr))
	}

	metrics.ObserveRun(time.Since(start))
	if config.Metrics.Pushgateway != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if perr := metrics.Push(pushCtx, config.Metrics.Pushgateway, name); perr != nil {
			log.Warn(fmt.Sprintf("⚠️  %v", perr))
		}
		pushCancel()
	}

	select {
	case result := <-updates:
		if result.UpdateAvailable {
			log.Info("")
			log.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil {
			log.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	default:
	}

	if ctx.Err() != nil {
		log.Info("")
		log.Info(fmt.Sprintf("⚠️  %s cancelled by user", stageLabel(name)))
		return exitCancelled
	}
	if err != nil {
		log.Error(fmt.Sprintf("❌ %s failed: %s", stageLabel(name), err.Error()))
		return exitFailure
	}

	log.Info("")
	log.Info(fmt.Sprintf("✅ %s completed successfully!", stageLabel(name)))
	return 0
}

func runStatus() {
	initLogger(debug, logFormat)

	fs := afero.NewOsFs()
	status, err := ReadRunStatus(fs, GetRunStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println(infoStyle.Render("No sync is running"))
			return
		}
		logger.Error(fmt.Sprintf("❌ Failed to read run status: %v", err))
		os.Exit(exitFailure)
	}

	state := "running"
	if !IsProcessRunning(status.PID) {
		state = "not running (stale status file)"
	}

	fmt.Println(titleStyle.Render("Trip Data Sync status"))
	fmt.Printf("  Command:   %s (PID %d, %s)\n", status.Command, status.PID, state)
	fmt.Printf("  Run ID:    %s\n", status.RunID)
	fmt.Printf("  Started:   %s (%s ago)\n", status.StartTime.Format(time.RFC3339), time.Since(status.StartTime).Round(time.Second))
	if status.Stage != "" {
		fmt.Printf("  Stage:     %s\n", status.Stage)
		fmt.Printf("  Progress:  %d/%d (%.0f%%), %d failed\n",
			status.CompletedItems, status.TotalItems, status.Progress*100, status.FailedItems)
	}
	if len(status.CurrentKeys) > 0 {
		fmt.Printf("  In flight: %s\n", strings.Join(status.CurrentKeys, ", "))
	}
	fmt.Printf("  Updated:   %s\n", status.LastUpdate.Format(time.RFC3339))
}
