package partitions

import (
	"path"
	"strconv"
	"strings"

	"github.com/airframesio/tripdata-sync/cmd/compressors"
)

// Extension is the file extension every partition artifact carries
const Extension = ".parquet"

// Normalizer maps raw stage listing entries back to partition keys
type Normalizer struct {
	extension string
	suffixes  []string
	yearDir   bool
}

// NewNormalizer creates a normalizer for extension that undoes at most one of
// the given compression suffixes.
func NewNormalizer(extension string, suffixes ...string) Normalizer {
	return Normalizer{extension: extension, suffixes: suffixes}
}

// DefaultNormalizer accepts YYYY-MM.parquet with any stage compression suffix
func DefaultNormalizer() Normalizer {
	return NewNormalizer(Extension, compressors.Extensions()...)
}

// WithYearDir returns a copy that also requires raw to sit in a directory
// named after the key's year, as in 2024/2024-01.parquet.
func (n Normalizer) WithYearDir() Normalizer {
	n.yearDir = true
	return n
}

// Normalize returns the key for raw, or false when raw is not a partition
// artifact. Directory prefixes are dropped; exactly one compression suffix is
// stripped before the extension is checked.
func (n Normalizer) Normalize(raw string) (Key, bool) {
	clean := strings.ReplaceAll(raw, "\\", "/")
	name := path.Base(clean)

	for _, suffix := range n.suffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}

	if !strings.HasSuffix(name, n.extension) {
		return Key{}, false
	}

	k, err := ParseKey(strings.TrimSuffix(name, n.extension))
	if err != nil {
		return Key{}, false
	}
	if n.yearDir && path.Base(path.Dir(clean)) != strconv.Itoa(k.Year) {
		return Key{}, false
	}
	return k, true
}

// FileName returns the canonical artifact name for k
func (n Normalizer) FileName(k Key) string {
	return k.String() + n.extension
}
