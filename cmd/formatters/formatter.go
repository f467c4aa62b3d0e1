package formatters

import (
	"errors"
	"fmt"
	"io"
)

// Format type constants
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatJSONL   = "jsonl"
)

// ErrUnsupportedFormat is returned for record formats without a stream writer
var ErrUnsupportedFormat = errors.New("unsupported record format")

// StreamWriter writes report records in chunks
type StreamWriter interface {
	// WriteChunk writes a batch of records
	WriteChunk(rows []map[string]interface{}) error

	// Close flushes buffered output. It does not close the underlying writer.
	Close() error
}

// NewStreamWriter returns a record writer for format. Columns fix the field
// order for formats that need one.
func NewStreamWriter(format string, w io.Writer, columns []string) (StreamWriter, error) {
	switch format {
	case FormatJSONL:
		return NewJSONLStreamWriter(w), nil
	case FormatCSV:
		return NewCSVStreamWriter(w, columns)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
