package formatters

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyCSV is returned when a CSV input has no header row
var ErrEmptyCSV = errors.New("csv input has no header")

// csvStreamWriter writes records as CSV with a fixed column order
type csvStreamWriter struct {
	writer  *csv.Writer
	columns []string
}

// NewCSVStreamWriter creates a CSV record writer and writes the header row
func NewCSVStreamWriter(w io.Writer, columns []string) (StreamWriter, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("csv writer needs at least one column")
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &csvStreamWriter{
		writer:  csvWriter,
		columns: columns,
	}, nil
}

// WriteChunk writes a chunk of rows in CSV format
func (w *csvStreamWriter) WriteChunk(rows []map[string]interface{}) error {
	for _, row := range rows {
		record := make([]string, len(w.columns))
		for i, col := range w.columns {
			val := row[col]
			if val == nil {
				record[i] = ""
			} else {
				record[i] = fmt.Sprintf("%v", val)
			}
		}

		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	return nil
}

// Close flushes the CSV writer
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// RewriteCSVHeader copies CSV from r to w, replacing the header row with
// header unless the existing header already contains marker (case-insensitive).
// Reports whether the header was replaced.
func RewriteCSVHeader(r io.Reader, w io.Writer, header []string, marker string) (bool, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	existing, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return false, ErrEmptyCSV
	}
	if err != nil {
		return false, fmt.Errorf("failed to read CSV header: %w", err)
	}

	replaced := true
	for _, col := range existing {
		if strings.EqualFold(strings.TrimSpace(col), marker) {
			replaced = false
			break
		}
	}

	out := csv.NewWriter(w)
	if replaced {
		err = out.Write(header)
	} else {
		err = out.Write(existing)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("failed to read CSV record: %w", err)
		}
		if err := out.Write(record); err != nil {
			return false, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	out.Flush()
	if err := out.Error(); err != nil {
		return false, fmt.Errorf("CSV writer error: %w", err)
	}
	return replaced, nil
}
