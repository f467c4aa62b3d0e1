package partitions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange is returned when a range cannot be parsed or is inverted.
// It is raised before any I/O and aborts the invocation.
var ErrInvalidRange = errors.New("invalid range")

// Range is an inclusive integer interval such as "2019-2024" or "1-12"
type Range struct {
	Start int
	End   int
}

// ParseRange parses "start-end". Both bounds are required.
func ParseRange(s string) (Range, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("%w: %q is not in start-end form", ErrInvalidRange, s)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q has a non-integer start", ErrInvalidRange, s)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q has a non-integer end", ErrInvalidRange, s)
	}

	if start > end {
		return Range{}, fmt.Errorf("%w: start %d is after end %d", ErrInvalidRange, start, end)
	}
	return Range{Start: start, End: end}, nil
}

// String returns the start-end form
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Expand returns the cartesian product years × months.
func Expand(years, months Range) (Set, error) {
	if years.Start > years.End {
		return nil, fmt.Errorf("%w: years %s", ErrInvalidRange, years)
	}
	if months.Start > months.End {
		return nil, fmt.Errorf("%w: months %s", ErrInvalidRange, months)
	}
	if years.Start < EpochYear {
		return nil, fmt.Errorf("%w: years %s start before %d", ErrInvalidRange, years, EpochYear)
	}
	if months.Start < 1 || months.End > 12 {
		return nil, fmt.Errorf("%w: months %s must lie within 1-12", ErrInvalidRange, months)
	}

	set := make(Set, (years.End-years.Start+1)*(months.End-months.Start+1))
	for y := years.Start; y <= years.End; y++ {
		for m := months.Start; m <= months.End; m++ {
			set.Add(Key{Year: y, Month: m})
		}
	}
	return set, nil
}

// ExpandStrings parses and expands a year range and a month range
func ExpandStrings(years, months string) (Set, error) {
	yr, err := ParseRange(years)
	if err != nil {
		return nil, fmt.Errorf("years: %w", err)
	}
	mr, err := ParseRange(months)
	if err != nil {
		return nil, fmt.Errorf("months: %w", err)
	}
	return Expand(yr, mr)
}

// ParseTokens parses a comma-separated list of YYYY-MM tokens. Each token is
// parsed on its own; malformed tokens are returned in skipped instead of
// failing the whole list. Blank tokens are ignored.
func ParseTokens(list string) (keys Set, skipped []string) {
	keys = make(Set)
	for _, token := range strings.Split(list, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		k, err := ParseKey(token)
		if err != nil {
			skipped = append(skipped, token)
			continue
		}
		keys.Add(k)
	}
	return keys, skipped
}
