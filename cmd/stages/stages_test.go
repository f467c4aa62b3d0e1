package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/snowflakedb/gosnowflake"
	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/snowsql"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeLister struct {
	entries []string
	err     error
}

func (f *fakeLister) Name() string { return "fake" }

func (f *fakeLister) List(context.Context) ([]string, error) {
	return f.entries, f.err
}

func TestInventoryNormalizesAndCollapses(t *testing.T) {
	lister := &fakeLister{entries: []string{
		"stage/2024-01.parquet",
		"stage/2024-02.parquet.gz",
		"stage/2024-02.parquet",
		"readme.txt",
		"2024-03.parquet.zst",
		"legacy/fhvhv_tripdata_2019-02.parquet",
	}}

	keys, err := Inventory(context.Background(), lister, partitions.DefaultNormalizer(), newTestLogger())
	if err != nil {
		t.Fatalf("Inventory failed: %v", err)
	}

	want := []string{"2024-01", "2024-02", "2024-03"}
	if got := keys.Strings(); !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestInventoryEmptyStage(t *testing.T) {
	keys, err := Inventory(context.Background(), &fakeLister{}, partitions.DefaultNormalizer(), newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys.Len() != 0 {
		t.Errorf("expected empty set, got %v", keys.Strings())
	}
}

func TestInventoryUnavailable(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection reset by peer")}
	keys, err := Inventory(context.Background(), lister, partitions.DefaultNormalizer(), newTestLogger())
	if !errors.Is(err, ErrInventoryUnavailable) {
		t.Fatalf("expected ErrInventoryUnavailable, got %v", err)
	}
	if keys != nil {
		t.Errorf("an unavailable inventory must not yield a key set, got %v", keys)
	}
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cache := NewLocalCache(fs, "data/parquet")
	key := partitions.Key{Year: 2024, Month: 2}

	t.Run("missing root lists empty", func(t *testing.T) {
		entries, err := cache.List(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no entries, got %v", entries)
		}
	})

	t.Run("path layout", func(t *testing.T) {
		want := filepath.Join("data/parquet", "2024", "2024-02.parquet")
		if got := cache.Path(key); got != want {
			t.Errorf("Path = %s, want %s", got, want)
		}
	})

	t.Run("commit moves temp into place", func(t *testing.T) {
		tmp, err := cache.CreateTemp(key)
		if err != nil {
			t.Fatalf("CreateTemp: %v", err)
		}
		if _, err := tmp.WriteString("PAR1"); err != nil {
			t.Fatalf("write: %v", err)
		}
		tmp.Close()

		if err := cache.Commit(tmp.Name(), key); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		exists, err := cache.Exists(ctx, key)
		if err != nil || !exists {
			t.Fatalf("expected artifact to exist, got %v, %v", exists, err)
		}
		if size, _ := cache.Size(key); size != 4 {
			t.Errorf("Size = %d, want 4", size)
		}
	})

	t.Run("commit never overwrites", func(t *testing.T) {
		tmp, err := cache.CreateTemp(key)
		if err != nil {
			t.Fatalf("CreateTemp: %v", err)
		}
		tmp.WriteString("PAR1 newer")
		tmp.Close()

		err = cache.Commit(tmp.Name(), key)
		if !errors.Is(err, ErrAlreadyPresent) {
			t.Fatalf("expected ErrAlreadyPresent, got %v", err)
		}
		data, _ := afero.ReadFile(fs, cache.Path(key))
		if string(data) != "PAR1" {
			t.Errorf("existing artifact was modified: %q", data)
		}
		if err := cache.Remove(tmp.Name()); err != nil {
			t.Errorf("Remove: %v", err)
		}
	})

	t.Run("inventory", func(t *testing.T) {
		afero.WriteFile(fs, "data/parquet/2023/2023-12.parquet", []byte("PAR1"), 0o644)
		afero.WriteFile(fs, "data/parquet/2023/notes.md", []byte("x"), 0o644)
		// Stray files that are not canonical cache artifacts
		afero.WriteFile(fs, "data/parquet/2024/2024-01.parquet.gz", []byte("gz"), 0o644)
		afero.WriteFile(fs, "data/parquet/2023/2024-03.parquet", []byte("PAR1"), 0o644)
		afero.WriteFile(fs, "data/parquet/2024-04.parquet", []byte("PAR1"), 0o644)

		keys, err := Inventory(ctx, cache, cache.Normalizer(), newTestLogger())
		if err != nil {
			t.Fatalf("Inventory: %v", err)
		}
		want := []string{"2023-12", "2024-02"}
		if got := keys.Strings(); !reflect.DeepEqual(got, want) {
			t.Errorf("keys = %v, want %v", got, want)
		}
	})
}

func TestHTTPSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/trip-data/fhvhv_tripdata_2024-01.parquet":
			w.Write([]byte("PAR1 data PAR1"))
		case "/trip-data/fhvhv_tripdata_2024-02.parquet":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	source := NewHTTPSource(server.Client(), server.URL+"/trip-data/fhvhv_tripdata_{YYYY}-{MM}.parquet")
	ctx := context.Background()

	if got := source.URL(partitions.Key{Year: 2024, Month: 1}); got != server.URL+"/trip-data/fhvhv_tripdata_2024-01.parquet" {
		t.Errorf("URL = %s", got)
	}

	body, size, err := source.Open(ctx, partitions.Key{Year: 2024, Month: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "PAR1 data PAR1" || size != int64(len(data)) {
		t.Errorf("got %q (size %d)", data, size)
	}

	if _, _, err := source.Open(ctx, partitions.Key{Year: 2024, Month: 2}); !errors.Is(err, ErrNotPublished) {
		t.Errorf("expected ErrNotPublished, got %v", err)
	}
	if _, _, err := source.Open(ctx, partitions.Key{Year: 2024, Month: 3}); !errors.Is(err, ErrSourceStatus) {
		t.Errorf("expected ErrSourceStatus, got %v", err)
	}
}

func TestClassifyPushError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantBenign bool
		wantCode   int
	}{
		{"nil", nil, true, 0},
		{"no result set", fmt.Errorf("PUT failed: %w", &gosnowflake.SnowflakeError{Number: snowsql.CodePutNoResultSet}), true, snowsql.CodePutNoResultSet},
		{"other provider code", &gosnowflake.SnowflakeError{Number: 253006, Message: "file not found"}, false, 253006},
		{"message mentioning the benign code", errors.New("error 253005: no result set"), false, 0},
		{"network", errors.New("i/o timeout"), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassifyPushError(tt.err)
			if c.Benign != tt.wantBenign {
				t.Errorf("Benign = %v, want %v (%+v)", c.Benign, tt.wantBenign, c)
			}
			if c.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", c.Code, tt.wantCode)
			}
		})
	}
}

func TestIsBenignTable(t *testing.T) {
	if _, ok := IsBenign(ProviderSnowflake, snowsql.CodePutNoResultSet); !ok {
		t.Error("expected the PUT no-result-set code to be benign")
	}
	if _, ok := IsBenign(Provider("s3"), snowsql.CodePutNoResultSet); ok {
		t.Error("benign codes are scoped to their provider")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", p, err)
	}
	return p
}
