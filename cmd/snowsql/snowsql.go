// Package snowsql holds the Snowflake connection and statement helpers shared
// by the internal stage and the warehouse loader.
package snowsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/snowflakedb/gosnowflake"
)

// DriverName is the database/sql driver registered by gosnowflake
const DriverName = "snowflake"

// Provider error codes referenced by the stage and loader
const (
	// CodeObjectNotExist is "Object does not exist or not authorized"
	CodeObjectNotExist = 2003
	// CodePutNoResultSet is reported by a successful PUT that returns no result set
	CodePutNoResultSet = 253005
)

var (
	// ErrInvalidIdentifier is returned for object names that cannot be quoted safely
	ErrInvalidIdentifier = errors.New("invalid identifier")

	identPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
)

// Config holds connection settings
type Config struct {
	Account      string
	User         string
	Password     string
	Warehouse    string
	Database     string
	Schema       string
	Role         string
	LoginTimeout time.Duration
}

// DSN builds a gosnowflake data source name
func DSN(cfg Config) (string, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:      cfg.Account,
		User:         cfg.User,
		Password:     cfg.Password,
		Warehouse:    cfg.Warehouse,
		Database:     cfg.Database,
		Schema:       cfg.Schema,
		Role:         cfg.Role,
		LoginTimeout: cfg.LoginTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build snowflake DSN: %w", err)
	}
	return dsn, nil
}

// Open connects and pings the warehouse
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to snowflake account %s: %w", cfg.Account, err)
	}
	return db, nil
}

// QuoteName quotes a possibly qualified object name (db.schema.object).
// Each part is upper-cased before quoting so the quoted form resolves to the
// same object as the unquoted one.
func QuoteName(name string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}

	quoted := make([]string, len(parts))
	for i, part := range parts {
		if !identPart.MatchString(part) {
			return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
		quoted[i] = pq.QuoteIdentifier(strings.ToUpper(part))
	}
	return strings.Join(quoted, "."), nil
}

// StageRef returns the @-reference for a stage name
func StageRef(name string) (string, error) {
	quoted, err := QuoteName(name)
	if err != nil {
		return "", err
	}
	return "@" + quoted, nil
}

// QuoteLiteral returns s as a single-quoted string literal
func QuoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `''`)
	return "'" + s + "'"
}

// ErrorCode extracts the provider error number from err
func ErrorCode(err error) (int, bool) {
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		return sfErr.Number, true
	}
	return 0, false
}

// IsObjectNotExist reports whether err says the referenced object is missing
func IsObjectNotExist(err error) bool {
	code, ok := ErrorCode(err)
	return ok && code == CodeObjectNotExist
}
