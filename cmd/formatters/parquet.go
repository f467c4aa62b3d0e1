package formatters

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// ErrNotParquet is returned when a file cannot be opened as Parquet
var ErrNotParquet = errors.New("not a valid parquet file")

// ParquetInfo summarizes a Parquet file's footer
type ParquetInfo struct {
	NumRows   int64
	RowGroups int
	Columns   []string
}

// InspectParquet opens a Parquet file through its footer and reports row and
// column counts. Only the footer and page indexes are read.
func InspectParquet(r io.ReaderAt, size int64) (*ParquetInfo, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: empty file", ErrNotParquet)
	}

	file, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotParquet, err)
	}

	// Use last component of each column path as the column name
	columnPaths := file.Schema().Columns()
	columns := make([]string, 0, len(columnPaths))
	for _, path := range columnPaths {
		if len(path) > 0 {
			columns = append(columns, path[len(path)-1])
		}
	}

	return &ParquetInfo{
		NumRows:   file.NumRows(),
		RowGroups: len(file.RowGroups()),
		Columns:   columns,
	}, nil
}

// MissingColumns returns the expected columns not present in the file
func (p *ParquetInfo) MissingColumns(expected []string) []string {
	present := make(map[string]struct{}, len(p.Columns))
	for _, col := range p.Columns {
		present[col] = struct{}{}
	}

	var missing []string
	for _, col := range expected {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}
