package compressors

import "io"

// noneCompressor uploads artifacts as they are on disk
type noneCompressor struct{}

func (noneCompressor) Name() string { return "none" }
func (noneCompressor) Extension() string { return "" }
func (noneCompressor) Levels() (lowest, highest int) { return 0, 0 }
func (noneCompressor) DefaultLevel() int { return 0 }

func (noneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return passthrough{w}, nil
}

type passthrough struct{ io.Writer }

func (passthrough) Close() error { return nil }
