package formatters

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// jsonlStreamWriter emits one compact JSON object per record
type jsonlStreamWriter struct {
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJSONLStreamWriter creates a JSON Lines record writer. Keys are written in
// sorted order and HTML characters are left unescaped.
func NewJSONLStreamWriter(w io.Writer) StreamWriter {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &jsonlStreamWriter{buf: buf, enc: enc}
}

func (w *jsonlStreamWriter) WriteChunk(rows []map[string]interface{}) error {
	for i, row := range rows {
		if err := w.enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	return nil
}

// Close flushes buffered lines
func (w *jsonlStreamWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush JSONL output: %w", err)
	}
	return nil
}
