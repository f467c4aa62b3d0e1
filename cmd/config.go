package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/tripdata-sync/cmd/compressors"
	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

// Static errors for configuration validation
var (
	ErrWorkersMinimum            = errors.New("workers must be at least 1")
	ErrWorkersMaximum            = errors.New("workers must not exceed 64")
	ErrTimeoutInvalid            = errors.New("timeout must be >= 0")
	ErrOrderInvalid              = errors.New("order must be one of: asc, desc")
	ErrLogFormatInvalid          = errors.New("log format must be one of: text, logfmt, json")
	ErrOutputFormatInvalid       = errors.New("output format must be one of: github, json, jsonl, csv")
	ErrURLTemplateInvalid        = errors.New("source URL template must be an http(s) URL containing {YYYY} and {MM} or {YYYY-MM}")
	ErrRateLimitInvalid          = errors.New("source rate limit must be >= 0")
	ErrCacheDirRequired          = errors.New("cache directory is required")
	ErrStageTypeInvalid          = errors.New("stage type must be one of: snowflake, s3")
	ErrStageNameInvalid          = errors.New("stage name is invalid: must be a dotted identifier such as DB.SCHEMA.STAGE")
	ErrStageParallelInvalid      = errors.New("stage parallel must be between 1 and 99")
	ErrCompressionInvalid        = errors.New("compression must be one of: gzip, zstd, lz4, none")
	ErrCompressionUnsupported    = errors.New("snowflake stages only support gzip (AUTO_COMPRESS) or none")
	ErrCompressionLevelInvalid   = errors.New("invalid compression level")
	ErrS3BucketRequired          = errors.New("S3 bucket is required")
	ErrS3RegionInvalid           = errors.New("S3 region contains invalid characters or is too long")
	ErrS3CredentialsIncomplete   = errors.New("S3 access key and secret key must be set together")
	ErrSnowflakeAccountRequired  = errors.New("snowflake account is required")
	ErrSnowflakeUserRequired     = errors.New("snowflake user is required")
	ErrSnowflakePasswordRequired = errors.New("snowflake password is required")
	ErrTableNameInvalid          = errors.New("table name is invalid: must be a dotted identifier of letters, numbers, and underscores")
	ErrFileFormatInvalid         = errors.New("file format name is invalid: must be a dotted identifier of letters, numbers, and underscores")
	ErrPatternInvalid            = errors.New("load pattern is not a valid regular expression")
	ErrPushgatewayInvalid        = errors.New("pushgateway must be an http(s) URL")
)

const (
	stageTypeSnowflake = "snowflake"
	stageTypeS3        = "s3"
	regionAuto         = "auto"
)

type Config struct {
	Debug          bool
	LogFormat      string
	DryRun         bool
	Workers        int
	Timeout        time.Duration
	Years          string
	Months         string
	Dates          string // explicit YYYY-MM list; overrides Years and Months
	Order          string
	OutputFormat   string
	SkipZoneLookup bool
	ExcludeFuture  bool
	Source         SourceConfig
	Cache          CacheConfig
	Stage          StageConfig
	S3             S3Config
	Snowflake      SnowflakeConfig
	Warehouse      WarehouseConfig
	Metrics        MetricsConfig
}

type SourceConfig struct {
	URLTemplate   string
	ZoneLookupURL string
	RateLimit     float64 // requests per second, 0 = unlimited
}

type CacheConfig struct {
	Dir            string
	ZoneLookupPath string
}

type StageConfig struct {
	Type             string // snowflake or s3
	Name             string
	Compression      string
	CompressionLevel int
	Parallel         int
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
}

type SnowflakeConfig struct {
	Account   string
	User      string
	Password  string
	Warehouse string
	Database  string
	Schema    string
	Role      string
}

type WarehouseConfig struct {
	Table      string
	FileFormat string
	Pattern    string
}

type MetricsConfig struct {
	Pushgateway string
}

// validIdentifierPath matches unquoted, optionally qualified object names
var validIdentifierPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)

// isValidObjectName validates that a (possibly qualified) name is safe to quote
func isValidObjectName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	return validIdentifierPath.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidURLTemplate requires an absolute http(s) URL with month placeholders
func isValidURLTemplate(template string) bool {
	u, err := url.Parse(strings.NewReplacer("{", "", "}", "").Replace(template))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if strings.Contains(template, "{YYYY-MM}") {
		return true
	}
	return strings.Contains(template, "{YYYY}") && strings.Contains(template, "{MM}")
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "logfmt", "json":
		return true
	}
	return false
}

func isValidOutputFormat(format string) bool {
	switch format {
	case outputGitHub, outputJSON, outputJSONL, outputCSV:
		return true
	}
	return false
}

// Validate checks the settings shared by every command
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return ErrWorkersMinimum
	}
	if c.Workers > 64 {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w, got %s", ErrTimeoutInvalid, c.Timeout)
	}
	if _, err := partitions.ParseOrder(c.Order); err != nil {
		return fmt.Errorf("%w: '%s'", ErrOrderInvalid, c.Order)
	}
	if !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("%w: '%s'", ErrLogFormatInvalid, c.LogFormat)
	}
	if !isValidOutputFormat(c.OutputFormat) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, c.OutputFormat)
	}

	// Range syntax is checked up front so a typo fails before any I/O
	if c.RangeMode() {
		if _, err := partitions.ExpandStrings(c.Years, c.Months); err != nil {
			return err
		}
	}

	if c.Metrics.Pushgateway != "" {
		u, err := url.Parse(c.Metrics.Pushgateway)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: '%s'", ErrPushgatewayInvalid, c.Metrics.Pushgateway)
		}
	}
	return nil
}

// ValidateSource checks the settings used by download
func (c *Config) ValidateSource() error {
	if !isValidURLTemplate(c.Source.URLTemplate) {
		return fmt.Errorf("%w: '%s'", ErrURLTemplateInvalid, c.Source.URLTemplate)
	}
	if c.Source.RateLimit < 0 {
		return fmt.Errorf("%w, got %g", ErrRateLimitInvalid, c.Source.RateLimit)
	}
	if c.Cache.Dir == "" {
		return ErrCacheDirRequired
	}
	return nil
}

// ValidateStage checks the settings used by check and upload
func (c *Config) ValidateStage() error {
	switch c.Stage.Type {
	case stageTypeSnowflake:
		if !isValidObjectName(c.Stage.Name) {
			return fmt.Errorf("%w: '%s'", ErrStageNameInvalid, c.Stage.Name)
		}
		if err := c.validateSnowflake(); err != nil {
			return err
		}
		if c.Stage.Compression != "gzip" && c.Stage.Compression != "none" {
			return fmt.Errorf("%w: '%s'", ErrCompressionUnsupported, c.Stage.Compression)
		}
	case stageTypeS3:
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			return ErrS3CredentialsIncomplete
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrStageTypeInvalid, c.Stage.Type)
	}

	if c.Stage.Parallel < 1 || c.Stage.Parallel > 99 {
		return fmt.Errorf("%w, got %d", ErrStageParallelInvalid, c.Stage.Parallel)
	}
	compressor, err := compressors.GetCompressor(c.Stage.Compression)
	if err != nil {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Stage.Compression)
	}
	if err := compressors.ValidateLevel(compressor, c.Stage.CompressionLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrCompressionLevelInvalid, err)
	}
	return nil
}

// ValidateWarehouse checks the settings used by load
func (c *Config) ValidateWarehouse() error {
	if !isValidObjectName(c.Stage.Name) {
		return fmt.Errorf("%w: '%s'", ErrStageNameInvalid, c.Stage.Name)
	}
	if !isValidObjectName(c.Warehouse.Table) {
		return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, c.Warehouse.Table)
	}
	if !isValidObjectName(c.Warehouse.FileFormat) {
		return fmt.Errorf("%w: '%s'", ErrFileFormatInvalid, c.Warehouse.FileFormat)
	}
	if c.Warehouse.Pattern != "" {
		if _, err := regexp.Compile(c.Warehouse.Pattern); err != nil {
			return fmt.Errorf("%w: %w", ErrPatternInvalid, err)
		}
	}
	return c.validateSnowflake()
}

func (c *Config) validateSnowflake() error {
	if c.Snowflake.Account == "" {
		return ErrSnowflakeAccountRequired
	}
	if c.Snowflake.User == "" {
		return ErrSnowflakeUserRequired
	}
	if c.Snowflake.Password == "" {
		return ErrSnowflakePasswordRequired
	}
	return nil
}

// RangeMode reports whether the desired set comes from year and month ranges
// rather than an explicit date list.
func (c *Config) RangeMode() bool {
	return strings.TrimSpace(c.Dates) == ""
}

// DesiredKeys resolves the requested partitions. Malformed tokens in an
// explicit date list are skipped with a warning. With ExcludeFuture set,
// partitions for the current and later months are dropped since the source
// has not published them yet.
func (c *Config) DesiredKeys(now time.Time, logger *slog.Logger) (partitions.Set, error) {
	var desired partitions.Set
	if c.RangeMode() {
		keys, err := partitions.ExpandStrings(c.Years, c.Months)
		if err != nil {
			return nil, err
		}
		desired = keys
	} else {
		keys, skipped := partitions.ParseTokens(c.Dates)
		for _, token := range skipped {
			logger.Warn(fmt.Sprintf("⚠️  Skipping invalid date token '%s' (expected YYYY-MM)", token))
		}
		desired = keys
	}

	if c.ExcludeFuture {
		current := partitions.Key{Year: now.Year(), Month: int(now.Month())}
		before := desired.Len()
		desired = desired.Filter(func(k partitions.Key) bool { return k.Before(current) })
		if dropped := before - desired.Len(); dropped > 0 {
			logger.Debug(fmt.Sprintf("Ignoring %d unpublished partitions from %s onward", dropped, current))
		}
	}

	if desired.Len() == 0 {
		logger.Warn("⚠️  No partitions requested")
	}
	return desired, nil
}
