package compressors

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	// ErrUnsupportedCompression is returned when an unsupported compression type is requested
	ErrUnsupportedCompression = errors.New("unsupported compression type")
	// ErrLevelOutOfRange is returned when a level falls outside a codec's range
	ErrLevelOutOfRange = errors.New("compression level out of range")
)

// Compressor wraps stage uploads in a streaming compression codec
type Compressor interface {
	// Name is the configuration value selecting the codec
	Name() string

	// Extension returns the suffix appended to staged object names (e.g. ".gz")
	Extension() string

	// Levels reports the accepted level range. Zero always selects DefaultLevel.
	Levels() (lowest, highest int)

	// DefaultLevel returns the level used when none is configured
	DefaultLevel() int

	// NewWriter returns a writer that compresses into w. Close flushes the codec
	// but does not close w.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
}

var registry = map[string]Compressor{
	"gzip": gzipCompressor{},
	"zstd": zstdCompressor{},
	"lz4":  lz4Compressor{},
	"none": noneCompressor{},
}

// GetCompressor looks a codec up by name. An empty name means "none".
func GetCompressor(name string) (Compressor, error) {
	if name == "" {
		name = "none"
	}
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
	}
	return c, nil
}

// ValidateLevel checks a configured level against the codec's range
func ValidateLevel(c Compressor, level int) error {
	if level == 0 {
		return nil
	}
	lowest, highest := c.Levels()
	if level < lowest || level > highest {
		if lowest == 0 && highest == 0 {
			return fmt.Errorf("%w: %s takes no level, got %d", ErrLevelOutOfRange, c.Name(), level)
		}
		return fmt.Errorf("%w: %s accepts %d-%d, got %d", ErrLevelOutOfRange, c.Name(), lowest, highest, level)
	}
	return nil
}

// EffectiveLevel resolves a zero level to the codec default
func EffectiveLevel(c Compressor, level int) int {
	if level == 0 {
		return c.DefaultLevel()
	}
	return level
}

// Compress returns a reader yielding src encoded with c. Encoding runs in a
// goroutine feeding a pipe; closing the returned reader stops it. Read errors
// from src surface on the returned reader.
func Compress(src io.Reader, c Compressor, level int) io.ReadCloser {
	if c.Extension() == "" {
		return io.NopCloser(src)
	}

	pr, pw := io.Pipe()
	go func() {
		cw, err := c.NewWriter(pw, EffectiveLevel(c, level))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(cw, src); err != nil {
			_ = cw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(cw.Close())
	}()
	return pr
}

// Extensions lists every suffix a stage may append to an object name
func Extensions() []string {
	var exts []string
	for _, name := range Names() {
		if ext := registry[name].Extension(); ext != "" {
			exts = append(exts, ext)
		}
	}
	return exts
}

// Names lists the accepted compression names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
