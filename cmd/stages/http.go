package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
)

var (
	// ErrNotPublished is returned when the source has no file for a partition yet
	ErrNotPublished = errors.New("partition not published at source")

	// ErrSourceStatus is returned for any other non-2xx response
	ErrSourceStatus = errors.New("unexpected source response")
)

// DefaultURLTemplate is the public trip-record location for high-volume FHV data
const DefaultURLTemplate = "https://d37ci6vzurychx.cloudfront.net/trip-data/fhvhv_tripdata_{YYYY}-{MM}.parquet"

// DefaultZoneLookupURL is the taxi zone reference table
const DefaultZoneLookupURL = "https://d37ci6vzurychx.cloudfront.net/misc/taxi_zone_lookup.csv"

// HTTPSource fetches partitions from a URL template with {YYYY} and {MM} placeholders
type HTTPSource struct {
	client   *http.Client
	template string
}

// NewHTTPSource creates a source; a nil client uses http.DefaultClient
func NewHTTPSource(client *http.Client, template string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client, template: template}
}

// URL renders the template for key
func (s *HTTPSource) URL(key partitions.Key) string {
	url := s.template
	url = strings.ReplaceAll(url, "{YYYY-MM}", key.String())
	url = strings.ReplaceAll(url, "{YYYY}", fmt.Sprintf("%04d", key.Year))
	url = strings.ReplaceAll(url, "{MM}", fmt.Sprintf("%02d", key.Month))
	return url
}

// Open starts streaming the file for key. The caller closes the body.
func (s *HTTPSource) Open(ctx context.Context, key partitions.Key) (io.ReadCloser, int64, error) {
	return s.Get(ctx, s.URL(key))
}

// Get streams an arbitrary URL and returns the body with its declared length
// (-1 when unknown).
func (s *HTTPSource) Get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// CloudFront answers 403 for objects that do not exist
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s returned %d", ErrNotPublished, url, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%w: %s returned %d", ErrSourceStatus, url, resp.StatusCode)
	}

	return resp.Body, resp.ContentLength, nil
}
