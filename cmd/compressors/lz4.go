package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// lz4Levels maps 0-9 onto the frame compressor's levels; 0 is the fast mode
var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }
func (lz4Compressor) Extension() string { return ".lz4" }
func (lz4Compressor) Levels() (lowest, highest int) { return 0, len(lz4Levels) - 1 }
func (lz4Compressor) DefaultLevel() int { return 0 }

func (lz4Compressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	if level < 0 || level >= len(lz4Levels) {
		return nil, fmt.Errorf("%w: lz4 level %d", ErrLevelOutOfRange, level)
	}
	lw := lz4.NewWriter(w)
	if err := lw.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
		return nil, fmt.Errorf("lz4 level %d: %w", level, err)
	}
	return lw, nil
}
