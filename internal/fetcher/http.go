package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/dtos"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// specVersion is the flag feed format understood by the rule engine.
const specVersion = "1.3"

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 512

// HTTPFetcher reads the change feeds from the remote SDK API.
type HTTPFetcher struct {
	client   *http.Client
	baseURL  string
	sdkKey   string
	flagSets []string
	logger   *slog.Logger
}

// NewHTTPFetcher creates a fetcher for cfg.URL authenticated with cfg.Key.
// Connections are pooled and reused across polling cycles.
func NewHTTPFetcher(logger *slog.Logger, cfg *config.SDKConfig) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	validation.AssertNotNil(cfg, "fetcher", "sdk config")

	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.FetchTimeout

	return &HTTPFetcher{
		client:   client,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		sdkKey:   cfg.Key,
		flagSets: cfg.FlagSets,
		logger:   logger,
	}
}

// FetchSplitChanges returns the flag and rule-based segment changes since the given change numbers.
// A non-nil till asks the server to bypass its caches until that change number is reachable.
func (f *HTTPFetcher) FetchSplitChanges(ctx context.Context, since, rbSince int64, till *int64) (*dtos.SplitChangesDTO, error) {
	q := url.Values{}
	q.Set("s", specVersion)
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("rbSince", strconv.FormatInt(rbSince, 10))
	if till != nil {
		q.Set("till", strconv.FormatInt(*till, 10))
	}
	if len(f.flagSets) > 0 {
		q.Set("sets", strings.Join(f.flagSets, ","))
	}

	var page dtos.SplitChangesDTO
	if err := f.get(ctx, "/splitChanges", q, till != nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchSegmentChanges returns the membership delta of one segment since the given change number.
func (f *HTTPFetcher) FetchSegmentChanges(ctx context.Context, name string, since int64, till *int64) (*dtos.SegmentChangesDTO, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if till != nil {
		q.Set("till", strconv.FormatInt(*till, 10))
	}

	var page dtos.SegmentChangesDTO
	if err := f.get(ctx, "/segmentChanges/"+url.PathEscape(name), q, till != nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (f *HTTPFetcher) get(ctx context.Context, path string, query url.Values, noCache bool, out any) error {
	target := f.baseURL + path + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.sdkKey)
	req.Header.Set("Accept", "application/json")
	if noCache {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, URL: path, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	f.logger.Debug("change feed page fetched", slog.String("path", path), slog.String("query", query.Encode()))
	return nil
}
