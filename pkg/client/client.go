// Package client provides the document API client: cursor-paginated listing,
// record detail and text lookups, with bearer auth, throttling-aware retry
// and request metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/doc-harvester/pkg/document"
	"github.com/Sternrassler/doc-harvester/pkg/ratelimit"
)

// DefaultBaseURL is the document API root.
const DefaultBaseURL = "https://api.www.documentcloud.org/api"

// Endpoint labels used in metrics and logs.
const (
	EndpointList   = "list"
	EndpointDetail = "detail"
	EndpointText   = "text"
)

// Prometheus metrics for document API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_requests_total",
		Help: "Total document API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docharvest_request_duration_seconds",
		Help:    "Document API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docharvest_errors_total",
		Help: "Total document API errors by class",
	}, []string{"class"})
)

// TokenSource supplies the bearer token for authenticated requests.
// *auth.Manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, without trailing slash.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// PageDelay is the minimum spacing between listing pages.
	PageDelay time.Duration

	// ForbiddenDelay is slept before retrying a 403.
	ForbiddenDelay time.Duration

	// RateLimitDelay is slept before retrying a 429.
	RateLimitDelay time.Duration

	// MaxThrottleRetries caps consecutive 403/429 retries for one request.
	// Zero retries until the context ends.
	MaxThrottleRetries int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		UserAgent:      "doc-harvester/0.1.0",
		Timeout:        30 * time.Second,
		PageDelay:      ratelimit.DefaultPageDelay,
		ForbiddenDelay: ratelimit.DefaultForbiddenDelay,
		RateLimitDelay: ratelimit.DefaultRateLimitDelay,
	}
}

// Client is the document API client. It is safe for concurrent use; all
// callers share one http.Client, one TokenSource and one rate tracker.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	tracker    *ratelimit.Tracker
	policy     RetryPolicy
	config     Config
	logger     zerolog.Logger
}

// New creates a client.
func New(cfg Config, tokens TokenSource, logger zerolog.Logger) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	policy := DefaultRetryPolicy()
	policy.Forbidden.InitialBackoff = cfg.ForbiddenDelay
	policy.Forbidden.MaxBackoff = cfg.ForbiddenDelay
	policy.Forbidden.MaxAttempts = cfg.MaxThrottleRetries
	policy.RateLimit.InitialBackoff = cfg.RateLimitDelay
	policy.RateLimit.MaxBackoff = cfg.RateLimitDelay
	policy.RateLimit.MaxAttempts = cfg.MaxThrottleRetries

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		tracker:    ratelimit.NewTracker(cfg.PageDelay, logger),
		policy:     policy,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetRetryPolicy replaces the retry policy derived from Config.
func (c *Client) SetRetryPolicy(policy RetryPolicy) {
	c.policy = policy
}

// Tracker returns the rate tracker shared by all requests.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// get performs a GET with retry and returns the response of the first
// 2xx attempt. The caller closes the body. Failures are *FetchError,
// *auth.AuthError, or wrap ErrRetryExhausted / ErrContextCancelled.
func (c *Client) get(ctx context.Context, endpoint, rawURL string, authenticated bool) (*http.Response, error) {
	var resp *http.Response

	err := retryWithBackoff(ctx, c.policy, c.logger.With().Str("url", rawURL).Logger(), func(attempt int) (ErrorClass, error) {
		if err := c.tracker.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		if authenticated {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return "", err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Str("url", rawURL).
			Int("attempt", attempt).
			Msg("Executing document API request")

		start := time.Now()
		r, err := c.httpClient.Do(req)
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			c.logger.Warn().Err(err).Str("url", rawURL).Msg("HTTP request failed")
			return ErrorClassNetwork, &FetchError{URL: rawURL, ErrorClass: ErrorClassNetwork, Err: err}
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(r.StatusCode)).Inc()
		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return "", nil
		}

		errClass := classifyStatus(r.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		fetchErr := &FetchError{
			URL:        rawURL,
			StatusCode: r.StatusCode,
			ErrorClass: errClass,
			Message:    readSnippet(r.Body),
		}
		r.Body.Close()

		switch r.StatusCode {
		case http.StatusForbidden:
			c.tracker.Observe(r.StatusCode, r.Header, c.config.ForbiddenDelay)
		case http.StatusTooManyRequests:
			c.tracker.Observe(r.StatusCode, r.Header, c.config.RateLimitDelay)
		case http.StatusNotFound:
			fetchErr.Err = ErrNotFound
		}

		event := c.logger.Warn()
		if r.StatusCode == http.StatusNotFound {
			event = c.logger.Debug()
		}
		event.
			Str("endpoint", endpoint).
			Str("url", rawURL).
			Int("status", r.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Document API request error")

		return errClass, fetchErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// getJSON performs get and decodes the body into v.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, authenticated bool, v any) error {
	resp, err := c.get(ctx, endpoint, rawURL, authenticated)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassClient,
			Message:    "decode response",
			Err:        err,
		}
	}
	return nil
}

// RecordDescriptor identifies one record yielded by a listing. Listings of
// a project carry the linked record id in DocumentID.
type RecordDescriptor struct {
	ID         string
	DocumentID string
}

// UnmarshalJSON accepts numeric or string ids.
func (d *RecordDescriptor) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       json.RawMessage `json:"id"`
		Document json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.ID = flexibleID(raw.ID)
	d.DocumentID = flexibleID(raw.Document)
	return nil
}

// RecordID returns the id used to fetch and store the record.
func (d RecordDescriptor) RecordID() string {
	if d.DocumentID != "" {
		return d.DocumentID
	}
	return d.ID
}

type listPage struct {
	Results []RecordDescriptor `json:"results"`
	Next    *string            `json:"next"`
}

// ListURL returns the first listing URL for a project.
func (c *Client) ListURL(resourceID string, pageSize int) string {
	return fmt.Sprintf("%s/projects/%s/documents/?per_page=%d", c.config.BaseURL, url.PathEscape(resourceID), pageSize)
}

// ListPages walks the cursor-paginated listing of a project and yields one
// batch of descriptors per page. The walk ends when a page has no next
// cursor, once maxItems descriptors have been yielded (maxItems <= 0 means
// no cap), when the consumer stops ranging, or on the first error, which is
// yielded with a nil batch. 403 and 429 are retried on the same cursor and
// never advance it.
func (c *Client) ListPages(ctx context.Context, resourceID string, pageSize, maxItems int) iter.Seq2[[]RecordDescriptor, error] {
	return func(yield func([]RecordDescriptor, error) bool) {
		next := c.ListURL(resourceID, pageSize)
		fetched := 0
		pages := 0

		for next != "" && (maxItems <= 0 || fetched < maxItems) {
			if err := c.tracker.Pace(ctx); err != nil {
				yield(nil, fmt.Errorf("%w: %w", ErrContextCancelled, err))
				return
			}

			var page listPage
			if err := c.getJSON(ctx, EndpointList, next, true, &page); err != nil {
				yield(nil, err)
				return
			}
			pages++
			fetched += len(page.Results)

			c.logger.Debug().
				Str("resource_id", resourceID).
				Int("page", pages).
				Int("results", len(page.Results)).
				Int("fetched", fetched).
				Msg("Listing page fetched")

			if !yield(page.Results, nil) {
				return
			}

			next = ""
			if page.Next != nil {
				next = *page.Next
			}
		}
	}
}

// DetailURL returns the detail URL of a record.
func (c *Client) DetailURL(id string) string {
	return fmt.Sprintf("%s/documents/%s/", c.config.BaseURL, url.PathEscape(id))
}

// GetDetail fetches a record's metadata.
func (c *Client) GetDetail(ctx context.Context, id string) (document.Metadata, error) {
	var meta document.Metadata
	if err := c.getJSON(ctx, EndpointDetail, c.DetailURL(id), true, &meta); err != nil {
		return nil, err
	}
	if meta == nil {
		meta = document.Metadata{}
	}
	return meta, nil
}

// TextURL derives the static text location from a record's metadata:
// {asset_url}documents/{id}/{slug}.txt.json.
func TextURL(id string, meta document.Metadata) (string, error) {
	assetURL := meta.String("asset_url")
	if assetURL == "" {
		return "", fmt.Errorf("record %s: %w", id, ErrNoAssetURL)
	}
	if !strings.HasSuffix(assetURL, "/") {
		assetURL += "/"
	}
	return fmt.Sprintf("%sdocuments/%s/%s.txt.json", assetURL, url.PathEscape(id), url.PathEscape(meta.String("slug"))), nil
}

type textPayload struct {
	Pages []document.Page `json:"pages"`
}

// GetText fetches a record's page texts. A 404 means the record has no
// extracted text and yields an empty, non-nil page list.
func (c *Client) GetText(ctx context.Context, id string, meta document.Metadata) ([]document.Page, error) {
	textURL, err := TextURL(id, meta)
	if err != nil {
		return nil, err
	}

	var payload textPayload
	if err := c.getJSON(ctx, EndpointText, textURL, false, &payload); err != nil {
		if IsNotFound(err) {
			c.logger.Info().Str("doc_id", id).Msg("No text payload for record")
			return []document.Page{}, nil
		}
		return nil, err
	}
	if payload.Pages == nil {
		payload.Pages = []document.Page{}
	}
	return payload.Pages, nil
}

// FetchBundle fetches detail and text for a record and assembles its bundle.
func (c *Client) FetchBundle(ctx context.Context, id string) (*document.Bundle, error) {
	meta, err := c.GetDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get detail %s: %w", id, err)
	}
	pages, err := c.GetText(ctx, id, meta)
	if err != nil {
		return nil, fmt.Errorf("get text %s: %w", id, err)
	}
	return &document.Bundle{ID: id, Metadata: meta, Pages: pages}, nil
}

func flexibleID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func readSnippet(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 256))
	return strings.TrimSpace(string(b))
}
