package partitions

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// EpochYear is the earliest year a partition key may carry.
const EpochYear = 2000

// ErrInvalidKey is returned for tokens that are not a valid YYYY-MM partition
var ErrInvalidKey = errors.New("invalid partition key")

var keyPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// Key identifies one monthly partition. Keys are comparable and usable as map keys.
type Key struct {
	Year  int
	Month int
}

// NewKey validates year and month and returns the key
func NewKey(year, month int) (Key, error) {
	if year < EpochYear {
		return Key{}, fmt.Errorf("%w: year %d is before %d", ErrInvalidKey, year, EpochYear)
	}
	if month < 1 || month > 12 {
		return Key{}, fmt.Errorf("%w: month %d is not between 1 and 12", ErrInvalidKey, month)
	}
	return Key{Year: year, Month: month}, nil
}

// ParseKey parses the canonical YYYY-MM form
func ParseKey(s string) (Key, error) {
	m := keyPattern.FindStringSubmatch(s)
	if m == nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	return NewKey(year, month)
}

// String returns the canonical YYYY-MM form
func (k Key) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year, k.Month)
}

// Before reports whether k sorts chronologically before other
func (k Key) Before(other Key) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Month < other.Month
}

// Set is an unordered collection of keys. Adding a key twice is a no-op.
type Set map[Key]struct{}

// NewSet builds a set from keys
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k and reports whether it was new
func (s Set) Add(k Key) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Has reports membership
func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Len returns the number of keys
func (s Set) Len() int {
	return len(s)
}

// Difference returns the keys of s absent from other. Neither input is modified.
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for k := range s {
		if !other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Intersect returns the keys present in both s and other
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for k := range s {
		if other.Has(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Filter returns the keys for which keep returns true
func (s Set) Filter(keep func(Key) bool) Set {
	out := make(Set)
	for k := range s {
		if keep(k) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Sorted returns the keys in the given chronological order
func (s Set) Sorted(order Order) []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if order == Descending {
			return keys[j].Before(keys[i])
		}
		return keys[i].Before(keys[j])
	})
	return keys
}

// Strings returns the canonical forms in ascending order
func (s Set) Strings() []string {
	keys := s.Sorted(Ascending)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
