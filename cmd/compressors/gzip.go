package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipCompressor matches what Snowflake PUT produces with AUTO_COMPRESS
type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }
func (gzipCompressor) Extension() string { return ".gz" }
func (gzipCompressor) Levels() (lowest, highest int) { return gzip.BestSpeed, gzip.BestCompression }
func (gzipCompressor) DefaultLevel() int { return 6 }

func (gzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	gw, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("gzip level %d: %w", level, err)
	}
	return gw, nil
}
