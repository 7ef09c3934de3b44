package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/types"
)

// CVEFeedClient fetches CVE records published since a cursor time.
type CVEFeedClient interface {
	FetchSince(ctx context.Context, cursor time.Time) ([]types.CVERecord, error)
}

// HTTPCVEFeedClient is a CVEFeedClient backed by a JSON REST endpoint,
// built in the style of the teacher's health.HTTPChecker request
// construction.
type HTTPCVEFeedClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPCVEFeedClient returns a client against baseURL, authenticating
// with apiKey via a bearer token when non-empty and guarding every
// request with the "cve_feed" circuit breaker.
func NewHTTPCVEFeedClient(baseURL, apiKey string) *HTTPCVEFeedClient {
	return &HTTPCVEFeedClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    scheduler.NewBreaker("cve_feed"),
	}
}

type feedEntry struct {
	CVEID       string    `json:"cve_id"`
	PublishedAt time.Time `json:"published_at"`
	Description string    `json:"description"`
	References  []string  `json:"references"`
}

// FetchSince GETs {baseURL}?since={cursor RFC3339}.
func (c *HTTPCVEFeedClient) FetchSince(ctx context.Context, cursor time.Time) ([]types.CVERecord, error) {
	url := fmt.Sprintf("%s?since=%s", c.baseURL, cursor.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pipeline: build feed request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("pipeline: fetch CVE feed: %w", err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline: CVE feed returned status %d", resp.StatusCode)
	}

	var entries []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: decode CVE feed response: %v", orcerrors.ErrInvalidOutput, err)
	}

	records := make([]types.CVERecord, len(entries))
	for i, e := range entries {
		records[i] = types.CVERecord{
			CVEID:       e.CVEID,
			PublishedAt: e.PublishedAt,
			Description: e.Description,
			References:  e.References,
		}
	}
	return records, nil
}

// fetchNovel fetches the feed since cursor and filters out CVEs already
// present in the registry's 24h cache, caching every novel record it
// returns.
func fetchNovel(ctx context.Context, store registry.Store, feed CVEFeedClient, cursor time.Time) ([]types.CVERecord, error) {
	all, err := feed.FetchSince(ctx, cursor)
	if err != nil {
		return nil, err
	}

	novel := make([]types.CVERecord, 0, len(all))
	for _, c := range all {
		if _, err := store.GetCVERecord(c.CVEID); err == nil {
			continue
		}
		rec := c
		if err := store.PutCVERecord(&rec); err != nil {
			log.Logger.Error().Err(err).Str("cve_id", c.CVEID).Msg("failed to cache CVE record")
			continue
		}
		novel = append(novel, c)
	}
	return novel, nil
}
