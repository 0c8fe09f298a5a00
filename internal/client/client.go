// Package client talks to the MRCC cli-dap climate data service: region
// station lists and per-station daily observations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/gdu-service/internal/circuitbreaker"
	"github.com/kjstillabower/gdu-service/internal/models"
	"github.com/kjstillabower/gdu-service/internal/observability"
)

// DirectoryClient lists the stations of one region.
type DirectoryClient interface {
	FetchRegionStations(ctx context.Context, region string) ([]models.Station, error)
}

// ObservationClient returns raw daily observations keyed by provider timestamp.
// An empty map means the station has no data for the range.
type ObservationClient interface {
	FetchObservations(ctx context.Context, stationID string, start, end time.Time, element, reduction string) (map[string]string, error)
}

var (
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrRegionNotFound    = errors.New("region not found")
	ErrMalformedResponse = errors.New("malformed response")
)

const (
	endpointDirectory    = "directory"
	endpointObservations = "observations"

	queryDateLayout = "20060102"
	dailyInterval   = "dly"
)

var (
	_ DirectoryClient   = (*MRCCClient)(nil)
	_ ObservationClient = (*MRCCClient)(nil)
)

type MRCCClient struct {
	baseURL        *url.URL
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

func NewMRCCClient(baseURL string, timeout time.Duration) (*MRCCClient, error) {
	return NewMRCCClientWithRetry(baseURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

func NewMRCCClientWithRetry(baseURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*MRCCClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("climate API URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid climate API URL %q", baseURL)
	}
	if retryAttempts < 1 {
		retryAttempts = 1
	}

	return &MRCCClient{
		baseURL:        u,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// WithCircuitBreaker routes every upstream attempt through cb.
func (c *MRCCClient) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *MRCCClient {
	c.breaker = cb
	return c
}

type stationRecord struct {
	ID        flexString `json:"weabaseid"`
	Name      string     `json:"stationname"`
	Latitude  coordinate `json:"stationlatitude"`
	Longitude coordinate `json:"stationlongitude"`
}

// FetchRegionStations returns the station list of region in provider order.
func (c *MRCCClient) FetchRegionStations(ctx context.Context, region string) ([]models.Station, error) {
	u := c.resolve("state", region)
	u.Path += "/"
	u.RawPath += "/"

	body, err := c.getWithRetry(ctx, endpointDirectory, u.String())
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
		}
		return nil, err
	}

	var records []stationRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: parse station list for %s: %v", ErrMalformedResponse, region, err)
	}

	out := make([]models.Station, 0, len(records))
	for _, r := range records {
		// records without an id or a usable position cannot be ranked
		if r.ID == "" || !r.Latitude.within(90) || !r.Longitude.within(180) {
			continue
		}
		out = append(out, models.Station{
			ID:        string(r.ID),
			Name:      r.Name,
			Region:    region,
			Latitude:  r.Latitude.value,
			Longitude: r.Longitude.value,
		})
	}
	return out, nil
}

// FetchObservations returns element values for each timestamp in [start, end]
// as text. A value the provider reports as null becomes "". Both "{}" and a
// 404 mean no data and return an empty map without error.
func (c *MRCCClient) FetchObservations(ctx context.Context, stationID string, start, end time.Time, element, reduction string) (map[string]string, error) {
	u := c.resolve("station", stationID, "data")
	params := url.Values{}
	params.Set("start", start.Format(queryDateLayout))
	params.Set("end", end.Format(queryDateLayout))
	params.Set("elem", element)
	params.Set("interval", dailyInterval)
	params.Set("reduction", reduction)
	u.RawQuery = params.Encode()

	body, err := c.getWithRetry(ctx, endpointObservations, u.String())
	if err != nil {
		if errors.Is(err, errNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	return parseObservations(body, element)
}

func parseObservations(body []byte, element string) (map[string]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return map[string]string{}, nil
	}

	var rows map[string]map[string]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: parse observations: %v", ErrMalformedResponse, err)
	}

	out := make(map[string]string, len(rows))
	for ts, row := range rows {
		out[ts] = rawText(row[element])
	}
	return out, nil
}

// rawText renders a JSON scalar as the text the provider sent: strings are
// unquoted, numbers kept verbatim, null and absent become "".
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// errNotFound is internal: callers map it to "region not found" or "no data".
var errNotFound = errors.New("not found")

func (c *MRCCClient) getWithRetry(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ClimateAPIRetriesTotal.WithLabelValues(endpoint).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.callThroughBreaker(ctx, endpoint, rawURL)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, errNotFound) {
			return nil, err
		}

		lastErr = err
		if !c.isRetryable(ctx, err) {
			observability.ClimateAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return nil, err
		}
	}

	observability.ClimateAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *MRCCClient) callThroughBreaker(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, rawURL)
	}
	var (
		body     []byte
		notFound bool
	)
	err := c.breaker.Call(ctx, func() error {
		b, err := c.callAPI(ctx, endpoint, rawURL)
		if errors.Is(err, errNotFound) {
			// absent data is a healthy answer
			notFound = true
			return nil
		}
		body = b
		return err
	})
	if err == nil && notFound {
		return nil, errNotFound
	}
	return body, err
}

func (c *MRCCClient) callAPI(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		observability.ClimateAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ClimateAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.ClimateAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ClimateAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.ClimateAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *MRCCClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (c *MRCCClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *MRCCClient) resolve(segments ...string) *url.URL {
	u := *c.baseURL
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(c.baseURL.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return &u
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errNotFound
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 404 {
		return "not_found"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// coordinate accepts a JSON number or a numeric string. Null, empty,
// non-numeric and non-finite values leave it invalid, as does an absent field.
type coordinate struct {
	value float64
	valid bool
}

func (c *coordinate) UnmarshalJSON(data []byte) error {
	*c = coordinate{}
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*c = coordinate{value: v, valid: true}
	return nil
}

// within reports whether c is valid and |value| <= limit degrees.
func (c coordinate) within(limit float64) bool {
	return c.valid && math.Abs(c.value) <= limit
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	*s = flexString(raw)
	return nil
}
