package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/snowflakedb/gosnowflake"
	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
	"github.com/airframesio/tripdata-sync/cmd/snowsql"
	"github.com/airframesio/tripdata-sync/cmd/stages"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type tripRow struct {
	HvfhsLicenseNum string  `parquet:"hvfhs_license_num"`
	PULocationID    int32   `parquet:"PULocationID"`
	DOLocationID    int32   `parquet:"DOLocationID"`
	TripMiles       float64 `parquet:"trip_miles"`
}

func parquetBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[tripRow](&buf)
	if _, err := w.Write([]tripRow{{"HV0003", 132, 48, 18.2}, {"HV0005", 7, 7, 0.9}}); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close parquet: %v", err)
	}
	return buf.Bytes()
}

type sourceServer struct {
	*httptest.Server
	hits int32
}

func newSourceServer(t *testing.T) *sourceServer {
	t.Helper()
	good := parquetBytes(t)
	s := &sourceServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		switch r.URL.Path {
		case "/2024-01.parquet", "/2024-03.parquet":
			w.Write(good)
		case "/2024-04.parquet":
			w.Write([]byte("<html>maintenance</html>"))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestDownloader(t *testing.T) (*Downloader, *stages.LocalCache, *sourceServer) {
	t.Helper()
	server := newSourceServer(t)
	cache := stages.NewLocalCache(afero.NewMemMapFs(), "data/parquet")
	source := stages.NewHTTPSource(server.Client(), server.URL+"/{YYYY}-{MM}.parquet")
	return NewDownloader(source, cache, nil, newTestLogger()), cache, server
}

func mustKey(s string) partitions.Key {
	k, err := partitions.ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func tempFiles(t *testing.T, cache *stages.LocalCache) []string {
	t.Helper()
	entries, err := cache.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var tmp []string
	for _, e := range entries {
		if strings.HasSuffix(e, ".part") {
			tmp = append(tmp, e)
		}
	}
	return tmp
}

func TestDownloaderTransfersThenSkips(t *testing.T) {
	d, cache, server := newTestDownloader(t)
	ctx := context.Background()
	key := mustKey("2024-01")

	res, err := d.Transfer(ctx, key)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.Status != reconcile.StatusTransferred || res.Bytes == 0 {
		t.Errorf("first transfer = %+v", res)
	}
	if ok, _ := cache.Exists(ctx, key); !ok {
		t.Fatal("artifact should be in the cache")
	}

	res, err = d.Transfer(ctx, key)
	if err != nil || res.Status != reconcile.StatusAlreadyPresent {
		t.Errorf("second transfer = %+v, %v; want already present", res, err)
	}
	if server.hits != 1 {
		t.Errorf("source hit %d times, want 1", server.hits)
	}
}

func TestDownloaderFailures(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"not published", "2024-02", stages.ErrNotPublished},
		{"not parquet", "2024-04", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cache, _ := newTestDownloader(t)
			key := mustKey(tt.key)

			_, err := d.Transfer(context.Background(), key)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if ok, _ := cache.Exists(context.Background(), key); ok {
				t.Error("a failed download must not leave an artifact")
			}
			if tmp := tempFiles(t, cache); len(tmp) != 0 {
				t.Errorf("temp files left behind: %v", tmp)
			}
		})
	}
}

func TestDownloaderWithEngine(t *testing.T) {
	d, _, _ := newTestDownloader(t)
	engine := reconcile.NewEngine(reconcile.Options{Workers: 2}, newTestLogger())

	missing, err := partitions.ExpandStrings("2024-2024", "1-3")
	if err != nil {
		t.Fatalf("ExpandStrings: %v", err)
	}
	report := engine.Run(context.Background(), "download", missing, d)

	if len(report.Succeeded()) != 2 || len(report.Failures()) != 1 {
		t.Fatalf("unexpected report: %s", report.Summary())
	}
	if report.Failures()[0].Key != mustKey("2024-02") {
		t.Errorf("wrong key failed: %v", report.Failures()[0].Key)
	}
}

type fakeStage struct {
	present map[partitions.Key]bool
	pushErr error
	pushed  []partitions.Key
}

func (f *fakeStage) Name() string                           { return "@fake" }
func (f *fakeStage) List(context.Context) ([]string, error) { return nil, nil }

func (f *fakeStage) Exists(_ context.Context, key partitions.Key) (bool, error) {
	return f.present[key], nil
}

func (f *fakeStage) Push(_ context.Context, key partitions.Key, _ string) (int64, error) {
	f.pushed = append(f.pushed, key)
	if f.pushErr != nil {
		return 42, f.pushErr
	}
	f.present[key] = true
	return 42, nil
}

func TestUploader(t *testing.T) {
	fs := afero.NewMemMapFs()
	cache := stages.NewLocalCache(fs, "data/parquet")
	afero.WriteFile(fs, cache.Path(mustKey("2024-01")), []byte("PAR1"), 0o644)
	ctx := context.Background()

	t.Run("pushes then skips", func(t *testing.T) {
		stage := &fakeStage{present: map[partitions.Key]bool{}}
		u := NewUploader(stage, cache, newTestLogger())

		res, err := u.Transfer(ctx, mustKey("2024-01"))
		if err != nil || res.Status != reconcile.StatusTransferred || res.Bytes != 42 {
			t.Fatalf("first upload = %+v, %v", res, err)
		}
		res, err = u.Transfer(ctx, mustKey("2024-01"))
		if err != nil || res.Status != reconcile.StatusAlreadyPresent {
			t.Errorf("second upload = %+v, %v", res, err)
		}
		if len(stage.pushed) != 1 {
			t.Errorf("pushed %d times", len(stage.pushed))
		}
	})

	t.Run("benign provider code is success", func(t *testing.T) {
		stage := &fakeStage{
			present: map[partitions.Key]bool{},
			pushErr: fmt.Errorf("PUT failed: %w", &gosnowflake.SnowflakeError{Number: snowsql.CodePutNoResultSet}),
		}
		res, err := NewUploader(stage, cache, newTestLogger()).Transfer(ctx, mustKey("2024-01"))
		if err != nil {
			t.Fatalf("benign response should succeed, got %v", err)
		}
		if res.Status != reconcile.StatusTransferred || res.Bytes != 42 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("other provider error fails", func(t *testing.T) {
		stage := &fakeStage{
			present: map[partitions.Key]bool{},
			pushErr: &gosnowflake.SnowflakeError{Number: 253006, Message: "File doesn't exist"},
		}
		if _, err := NewUploader(stage, cache, newTestLogger()).Transfer(ctx, mustKey("2024-01")); err == nil {
			t.Fatal("expected failure")
		}
	})

	t.Run("push skipped by the stage is already present", func(t *testing.T) {
		stage := &fakeStage{
			present: map[partitions.Key]bool{},
			pushErr: fmt.Errorf("%w: PUT skipped 2024-01.parquet", stages.ErrAlreadyPresent),
		}
		res, err := NewUploader(stage, cache, newTestLogger()).Transfer(ctx, mustKey("2024-01"))
		if err != nil {
			t.Fatalf("skipped push should not fail, got %v", err)
		}
		if res.Status != reconcile.StatusAlreadyPresent {
			t.Errorf("status = %s, want already_present", res.Status)
		}
	})

	t.Run("empty local artifact", func(t *testing.T) {
		afero.WriteFile(fs, cache.Path(mustKey("2024-06")), nil, 0o644)
		stage := &fakeStage{present: map[partitions.Key]bool{}}
		_, err := NewUploader(stage, cache, newTestLogger()).Transfer(ctx, mustKey("2024-06"))
		if !errors.Is(err, ErrLocalEmpty) {
			t.Errorf("expected ErrLocalEmpty, got %v", err)
		}
		if len(stage.pushed) != 0 {
			t.Error("nothing should be pushed")
		}
	})

	t.Run("missing local artifact", func(t *testing.T) {
		stage := &fakeStage{present: map[partitions.Key]bool{}}
		_, err := NewUploader(stage, cache, newTestLogger()).Transfer(ctx, mustKey("2024-05"))
		if !errors.Is(err, ErrLocalMissing) {
			t.Errorf("expected ErrLocalMissing, got %v", err)
		}
		if len(stage.pushed) != 0 {
			t.Error("nothing should be pushed")
		}
	})
}

type staticGetter struct {
	body string
	hits int
}

func (g *staticGetter) Get(context.Context, string) (io.ReadCloser, int64, error) {
	g.hits++
	return io.NopCloser(strings.NewReader(g.body)), int64(len(g.body)), nil
}

func TestFetchZoneLookup(t *testing.T) {
	fs := afero.NewMemMapFs()
	getter := &staticGetter{body: "\"LocationID\",\"Borough\",\"Zone\",\"service_zone\"\n1,\"EWR\",\"Newark Airport\",\"EWR\"\n"}
	ctx := context.Background()

	wrote, err := FetchZoneLookup(ctx, getter, "http://example/zones.csv", fs, "seeds/seed_zone_lookup.csv", newTestLogger())
	if err != nil || !wrote {
		t.Fatalf("FetchZoneLookup = %v, %v", wrote, err)
	}
	data, _ := afero.ReadFile(fs, "seeds/seed_zone_lookup.csv")
	if !strings.HasPrefix(string(data), "location_id,borough,zone,service_zone\n") {
		t.Errorf("header not normalized: %q", data)
	}

	wrote, err = FetchZoneLookup(ctx, getter, "http://example/zones.csv", fs, "seeds/seed_zone_lookup.csv", newTestLogger())
	if err != nil || wrote {
		t.Errorf("second fetch = %v, %v; want skip", wrote, err)
	}
	if getter.hits != 1 {
		t.Errorf("source fetched %d times", getter.hits)
	}
}

func TestFetchZoneLookupNormalizesExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := "\"LocationID\",\"Borough\",\"Zone\",\"service_zone\"\n2,Queens,Jamaica Bay,Boro Zone\n"
	afero.WriteFile(fs, "seeds/seed_zone_lookup.csv", []byte(raw), 0o644)
	getter := &staticGetter{body: "unused"}

	wrote, err := FetchZoneLookup(context.Background(), getter, "http://example/zones.csv", fs, "seeds/seed_zone_lookup.csv", newTestLogger())
	if err != nil || wrote {
		t.Fatalf("FetchZoneLookup = %v, %v; want no download", wrote, err)
	}
	if getter.hits != 0 {
		t.Errorf("source fetched %d times", getter.hits)
	}
	data, _ := afero.ReadFile(fs, "seeds/seed_zone_lookup.csv")
	want := "location_id,borough,zone,service_zone\n2,Queens,Jamaica Bay,Boro Zone\n"
	if string(data) != want {
		t.Errorf("existing file = %q, want %q", data, want)
	}
}
