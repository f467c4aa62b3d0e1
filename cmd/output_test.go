package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
)

func keySet(t *testing.T, specs ...string) partitions.Set {
	t.Helper()
	set := partitions.NewSet()
	for _, s := range specs {
		k, err := partitions.ParseKey(s)
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", s, err)
		}
		set.Add(k)
	}
	return set
}

func mustKey(t *testing.T, s string) partitions.Key {
	t.Helper()
	k, err := partitions.ParseKey(s)
	if err != nil {
		t.Fatalf("ParseKey(%q): %v", s, err)
	}
	return k
}

func TestCheckResultGitHubLines(t *testing.T) {
	t.Run("MissingMonths", func(t *testing.T) {
		desired := keySet(t, "2024-01", "2024-02", "2024-03")
		existing := keySet(t, "2024-01")
		result := NewCheckResult("check", desired, existing, reconcile.Reconcile(desired, existing))

		want := "download_needed=true\nmissing_dates=2024-02,2024-03\n"
		if got := result.GitHubLines(); got != want {
			t.Errorf("GitHubLines() = %q, want %q", got, want)
		}
		if result.Desired != 3 || result.Present != 1 {
			t.Errorf("Desired/Present = %d/%d, want 3/1", result.Desired, result.Present)
		}
	})

	t.Run("NothingMissing", func(t *testing.T) {
		desired := keySet(t, "2024-01")
		existing := keySet(t, "2024-01", "2023-12")
		result := NewCheckResult("check", desired, existing, reconcile.Reconcile(desired, existing))

		want := "download_needed=false\nmissing_dates=\n"
		if got := result.GitHubLines(); got != want {
			t.Errorf("GitHubLines() = %q, want %q", got, want)
		}
		if result.Present != 1 {
			t.Errorf("Present = %d, want 1 (extra stage files are not counted)", result.Present)
		}
	})
}

func TestWriteCheckResult(t *testing.T) {
	desired := keySet(t, "2024-01", "2024-02", "2024-03")
	existing := keySet(t, "2024-01")
	result := NewCheckResult("check", desired, existing, reconcile.Reconcile(desired, existing))

	t.Run("GitHubAppendsStepOutput", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		if err := afero.WriteFile(fs, "/runner/output", []byte("previous=1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("GITHUB_OUTPUT", "/runner/output")

		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, fs, outputGitHub, result); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}
		if buf.String() != result.GitHubLines() {
			t.Errorf("stdout = %q", buf.String())
		}

		data, err := afero.ReadFile(fs, "/runner/output")
		if err != nil {
			t.Fatal(err)
		}
		want := "previous=1\ndownload_needed=true\nmissing_dates=2024-02,2024-03\n"
		if string(data) != want {
			t.Errorf("GITHUB_OUTPUT = %q, want %q", string(data), want)
		}
	})

	t.Run("GitHubWithoutStepOutput", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		t.Setenv("GITHUB_OUTPUT", "")

		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, fs, outputGitHub, result); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}
		if !strings.Contains(buf.String(), "download_needed=true") {
			t.Errorf("stdout = %q", buf.String())
		}
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, afero.NewMemMapFs(), outputJSON, result); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}

		var decoded CheckResult
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON %q: %v", buf.String(), err)
		}
		if !decoded.DownloadNeeded || strings.Join(decoded.MissingDates, ",") != "2024-02,2024-03" {
			t.Errorf("decoded = %+v", decoded)
		}
	})

	t.Run("JSONEmptyListIsArray", func(t *testing.T) {
		empty := NewCheckResult("check", partitions.NewSet(), partitions.NewSet(), partitions.NewSet())
		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, afero.NewMemMapFs(), outputJSON, empty); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}
		if !strings.Contains(buf.String(), `"missing_dates": []`) {
			t.Errorf("expected empty array, got %s", buf.String())
		}
	})

	t.Run("CSV", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, afero.NewMemMapFs(), outputCSV, result); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}
		want := "stage,download_needed,missing_dates,desired,present\n" +
			"check,true,\"2024-02,2024-03\",3,1\n"
		if buf.String() != want {
			t.Errorf("CSV = %q, want %q", buf.String(), want)
		}
	})

	t.Run("JSONL", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteCheckResult(&buf, afero.NewMemMapFs(), outputJSONL, result); err != nil {
			t.Fatalf("WriteCheckResult() error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("expected 1 summary line, got %d: %q", len(lines), buf.String())
		}
		var decoded CheckResult
		if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
			t.Fatal(err)
		}
		if !decoded.DownloadNeeded || decoded.Stage != "check" || strings.Join(decoded.MissingDates, ",") != "2024-02,2024-03" {
			t.Errorf("summary = %+v", decoded)
		}
	})

	t.Run("NothingMissingStillWritesSummary", func(t *testing.T) {
		all := keySet(t, "2024-01", "2024-02")
		done := NewCheckResult("check", all, all, reconcile.Reconcile(all, all))

		var jsonl bytes.Buffer
		if err := WriteCheckResult(&jsonl, afero.NewMemMapFs(), outputJSONL, done); err != nil {
			t.Fatalf("WriteCheckResult(jsonl) error = %v", err)
		}
		want := `{"desired":2,"download_needed":false,"missing_dates":[],"present":2,"stage":"check"}` + "\n"
		if jsonl.String() != want {
			t.Errorf("jsonl = %q, want %q", jsonl.String(), want)
		}

		var csvOut bytes.Buffer
		if err := WriteCheckResult(&csvOut, afero.NewMemMapFs(), outputCSV, done); err != nil {
			t.Fatalf("WriteCheckResult(csv) error = %v", err)
		}
		want = "stage,download_needed,missing_dates,desired,present\ncheck,false,,2,2\n"
		if csvOut.String() != want {
			t.Errorf("csv = %q, want %q", csvOut.String(), want)
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		err := WriteCheckResult(&bytes.Buffer{}, afero.NewMemMapFs(), "yaml", result)
		if !errors.Is(err, ErrOutputFormatInvalid) {
			t.Errorf("expected ErrOutputFormatInvalid, got %v", err)
		}
	})
}

func TestWriteRunReport(t *testing.T) {
	report := reconcile.NewRunReport(stageDownload)
	report.Record(reconcile.Outcome{Key: mustKey(t, "2024-01"), Status: reconcile.StatusAlreadyPresent})
	report.Record(reconcile.Outcome{Key: mustKey(t, "2024-02"), Status: reconcile.StatusTransferred, Bytes: 2048, Duration: 1500 * time.Millisecond})
	report.Record(reconcile.Outcome{Key: mustKey(t, "2024-03"), Status: reconcile.StatusFailed, Err: errors.New("HTTP 404")})

	t.Run("GitHub", func(t *testing.T) {
		t.Setenv("GITHUB_OUTPUT", "")
		var buf bytes.Buffer
		if err := WriteRunReport(&buf, afero.NewMemMapFs(), outputGitHub, report); err != nil {
			t.Fatalf("WriteRunReport() error = %v", err)
		}
		want := "transferred_dates=2024-02\nfailed_dates=2024-03\n"
		if buf.String() != want {
			t.Errorf("output = %q, want %q", buf.String(), want)
		}
	})

	t.Run("CSV", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteRunReport(&buf, afero.NewMemMapFs(), outputCSV, report); err != nil {
			t.Fatalf("WriteRunReport() error = %v", err)
		}
		want := "date,stage,status,bytes,duration_ms,error\n" +
			"2024-01,download,already_present,0,0,\n" +
			"2024-02,download,transferred,2048,1500,\n" +
			"2024-03,download,failed,0,0,HTTP 404\n"
		if buf.String() != want {
			t.Errorf("CSV = %q, want %q", buf.String(), want)
		}
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteRunReport(&buf, afero.NewMemMapFs(), outputJSON, report); err != nil {
			t.Fatalf("WriteRunReport() error = %v", err)
		}
		var doc struct {
			Stage    string `json:"stage"`
			Outcomes []struct {
				Date   string `json:"date"`
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"outcomes"`
		}
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if doc.Stage != stageDownload || len(doc.Outcomes) != 3 {
			t.Fatalf("doc = %+v", doc)
		}
		if doc.Outcomes[2].Status != "failed" || doc.Outcomes[2].Error != "HTTP 404" {
			t.Errorf("failed outcome = %+v", doc.Outcomes[2])
		}
	})
}
