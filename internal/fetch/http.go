package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rare-priority/internal/model"
	"github.com/sells-group/rare-priority/internal/resilience"
)

// maxBodyBytes bounds the evidence payload read from one response.
const maxBodyBytes = 16 << 20

// HTTPOptions configures the HTTP evidence adapter.
type HTTPOptions struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// HTTPAdapter reads typed evidence from an evidence service exposing
// GET {base}/evidence/{entity_id}/{criterion} as a JSON array of records.
// The service is expected to do its own scraping and parsing; this adapter
// only transports results. A 404 is an empty success.
type HTTPAdapter struct {
	client *http.Client
	opts   HTTPOptions
}

// NewHTTPAdapter creates an adapter for the service at opts.BaseURL.
func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "rare-priority/1.0"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPAdapter{
		client: &http.Client{Timeout: opts.Timeout, Transport: transport},
		opts:   opts,
	}
}

// Fetch implements Adapter.
func (a *HTTPAdapter) Fetch(ctx context.Context, entityID string, c model.Criterion) ([]model.EvidenceRecord, error) {
	rawURL := a.opts.BaseURL + "/evidence/" + url.PathEscape(entityID) + "/" + url.PathEscape(string(c))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", a.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "fetch: GET %s", rawURL))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return []model.EvidenceRecord{}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.NewTransientError(eris.Wrapf(ErrRateLimited, "fetch: http 429 from %s", rawURL))
	case resp.StatusCode >= 500:
		return nil, resilience.NewTransientError(eris.Errorf("fetch: http %d from %s", resp.StatusCode, rawURL))
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("fetch: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	var records []model.EvidenceRecord
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&records); err != nil {
		return nil, eris.Wrapf(err, "fetch: decode evidence from %s", rawURL)
	}
	if records == nil {
		records = []model.EvidenceRecord{}
	}
	return records, nil
}
