package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return "zstd" }
func (zstdCompressor) Extension() string { return ".zst" }
func (zstdCompressor) Levels() (lowest, highest int) { return 1, 22 }
func (zstdCompressor) DefaultLevel() int { return 3 }

// NewWriter maps the zstd command-line level onto the closest encoder speed.
// Encoders are single-threaded per upload.
func (zstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd level %d: %w", level, err)
	}
	return enc, nil
}
