package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/airframesio/tripdata-sync/cmd/formatters"
	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
)

// Output format constants
const (
	outputGitHub = "github"
	outputJSON   = "json"
	outputJSONL  = "jsonl"
	outputCSV    = formatters.FormatCSV
)

// CheckResult is the machine-readable answer to "is there work to do"
type CheckResult struct {
	Stage          string   `json:"stage"`
	DownloadNeeded bool     `json:"download_needed"`
	MissingDates   []string `json:"missing_dates"`
	Desired        int      `json:"desired"`
	Present        int      `json:"present"`
}

// NewCheckResult builds the result for one stage. Missing dates are always
// listed in ascending order.
func NewCheckResult(stage string, desired, existing, missing partitions.Set) CheckResult {
	return CheckResult{
		Stage:          stage,
		DownloadNeeded: missing.Len() > 0,
		MissingDates:   missing.Strings(),
		Desired:        desired.Len(),
		Present:        desired.Intersect(existing).Len(),
	}
}

// GitHubLines renders the key=value pairs a workflow step output expects
func (r CheckResult) GitHubLines() string {
	return fmt.Sprintf("download_needed=%t\nmissing_dates=%s\n",
		r.DownloadNeeded, strings.Join(r.MissingDates, ","))
}

// WriteCheckResult writes result to w in format. The github format is also
// appended to the file named by $GITHUB_OUTPUT when that variable is set.
func WriteCheckResult(w io.Writer, fs afero.Fs, format string, result CheckResult) error {
	switch format {
	case outputGitHub:
		if _, err := io.WriteString(w, result.GitHubLines()); err != nil {
			return err
		}
		if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
			return appendFile(fs, path, result.GitHubLines())
		}
		return nil
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case outputJSONL, outputCSV:
		// One summary record, so an empty missing set still produces output
		var missing interface{} = result.MissingDates
		if format == outputCSV {
			missing = strings.Join(result.MissingDates, ",")
		} else if result.MissingDates == nil {
			missing = []string{}
		}
		row := map[string]interface{}{
			"stage":           result.Stage,
			"download_needed": result.DownloadNeeded,
			"missing_dates":   missing,
			"desired":         result.Desired,
			"present":         result.Present,
		}
		columns := []string{"stage", "download_needed", "missing_dates", "desired", "present"}
		return writeRows(w, format, columns, []map[string]interface{}{row})
	default:
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, format)
	}
}

// WriteRunReport writes the per-key outcomes of a transfer run. The github
// format reports the transferred and failed dates as step outputs.
func WriteRunReport(w io.Writer, fs afero.Fs, format string, report *reconcile.RunReport) error {
	switch format {
	case outputGitHub:
		lines := fmt.Sprintf("transferred_dates=%s\nfailed_dates=%s\n",
			joinKeys(report.Succeeded()), joinKeys(failedKeys(report)))
		if _, err := io.WriteString(w, lines); err != nil {
			return err
		}
		if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
			return appendFile(fs, path, lines)
		}
		return nil
	case outputJSON:
		type outcome struct {
			Date       string `json:"date"`
			Status     string `json:"status"`
			Bytes      int64  `json:"bytes"`
			DurationMS int64  `json:"duration_ms"`
			Error      string `json:"error,omitempty"`
		}
		doc := struct {
			Stage     string    `json:"stage"`
			Cancelled bool      `json:"cancelled"`
			Outcomes  []outcome `json:"outcomes"`
		}{Stage: report.Stage, Cancelled: report.Cancelled(), Outcomes: []outcome{}}
		for _, o := range report.Outcomes() {
			doc.Outcomes = append(doc.Outcomes, outcome{
				Date:       o.Key.String(),
				Status:     o.Status.String(),
				Bytes:      o.Bytes,
				DurationMS: o.Duration.Milliseconds(),
				Error:      o.Reason(),
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case outputJSONL, outputCSV:
		columns := []string{"date", "stage", "status", "bytes", "duration_ms", "error"}
		rows := make([]map[string]interface{}, 0, report.Total())
		for _, o := range report.Outcomes() {
			rows = append(rows, map[string]interface{}{
				"date":        o.Key.String(),
				"stage":       report.Stage,
				"status":      o.Status.String(),
				"bytes":       o.Bytes,
				"duration_ms": o.Duration.Milliseconds(),
				"error":       o.Reason(),
			})
		}
		return writeRows(w, format, columns, rows)
	default:
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, format)
	}
}

func writeRows(w io.Writer, format string, columns []string, rows []map[string]interface{}) error {
	sw, err := formatters.NewStreamWriter(format, w, columns)
	if err != nil {
		return err
	}
	if err := sw.WriteChunk(rows); err != nil {
		return err
	}
	return sw.Close()
}

func appendFile(fs afero.Fs, path, content string) error {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func failedKeys(report *reconcile.RunReport) []partitions.Key {
	failures := report.Failures()
	keys := make([]partitions.Key, 0, len(failures))
	for _, o := range failures {
		keys = append(keys, o.Key)
	}
	return keys
}

func joinKeys(keys []partitions.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}
