// Package sources talks to the external news search provider and normalises
// its results into OSINT items.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/helpers"
	"github.com/mohammad-safakhou/sitrep/internal/temporal"
	"github.com/mohammad-safakhou/sitrep/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrMissingAPIKey is returned when the search key is not configured.
var ErrMissingAPIKey = errors.New("serper api key not configured")

const (
	defaultEndpoint = "https://google.serper.dev/news"
	maxBatchItems   = 80
)

// GlobalConflictTopics are the fixed queries of the batch variant.
var GlobalConflictTopics = []string{
	"global military conflicts",
	"civil unrest",
	"armed conflict hotspots",
	"war escalation",
}

// NewsQuery is one search request. StartDate and EndDate bound the strict
// pass; TemporalDate is stamped onto every result.
type NewsQuery struct {
	Query        string
	TemporalDate string
	TimePeriod   string
	StartDate    string
	EndDate      string
}

// Client searches Serper news with strict-then-relaxed queries and a linear
// retry budget.
type Client struct {
	apiKey      string
	endpoint    string
	http        *HTTPClient
	limiter     *rate.Limiter
	maxAttempts int
	backoffUnit time.Duration
	sleep       SleepFunc
	observe     func(outcome string)
	logger      *log.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithTransport swaps the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http = NewHTTPClient(c.http.client.Timeout, rt) }
}

// WithSleep replaces the backoff sleep.
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithObserver receives "ok", "empty" or "error" per search.
func WithObserver(fn func(outcome string)) Option {
	return func(c *Client) { c.observe = fn }
}

// NewClient builds a Serper client. Missing keys are reported per call so
// the process can still start without one.
func NewClient(cfg config.SerperConfig, opts ...Option) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	c := &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		endpoint:    endpoint,
		http:        NewHTTPClient(cfg.Timeout, nil),
		limiter:     rate.NewLimiter(limit, max(1, int(cfg.RatePerSec))),
		maxAttempts: cfg.MaxAttempts,
		backoffUnit: cfg.BackoffUnit,
		sleep:       sleepCtx,
		logger:      log.New(log.Writer(), "[SERPER] ", log.LstdFlags),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.backoffUnit <= 0 {
		c.backoffUnit = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

type serperResponse struct {
	News []serperItem `json:"news"`
}

type serperItem struct {
	Title       string          `json:"title"`
	Snippet     string          `json:"snippet"`
	Description string          `json:"description"`
	Source      json.RawMessage `json:"source"`
	Link        string          `json:"link"`
	URL         string          `json:"url"`
	Date        string          `json:"date"`
	PublishedAt string          `json:"publishedAt"`
}

func strictBody(q NewsQuery) map[string]any {
	return map[string]any{
		"q":           fmt.Sprintf("%s from %s to %s", q.Query, q.StartDate, q.EndDate),
		"gl":          "us",
		"hl":          "en",
		"num":         20,
		"page":        1,
		"sort":        "date",
		"time_period": q.TimePeriod,
		"tbs":         fmt.Sprintf("cdr:1,cd_min:%s,cd_max:%s", q.StartDate, q.EndDate),
		"engine":      "google_news",
	}
}

func relaxedBody(q NewsQuery) map[string]any {
	return map[string]any{
		"q":      q.Query,
		"gl":     "us",
		"hl":     "en",
		"num":    20,
		"page":   1,
		"sort":   "date",
		"engine": "google_news",
	}
}

func (c *Client) request(ctx context.Context, body map[string]any) ([]serperItem, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out serperResponse
	headers := map[string]string{"X-API-KEY": c.apiKey}
	if err := c.http.DoJSON(ctx, http.MethodPost, c.endpoint, headers, body, &out); err != nil {
		return nil, err
	}
	return out.News, nil
}

// SearchNews runs the strict query and, when it yields nothing, the relaxed
// one. Transport and status failures are retried with linear backoff.
func (c *Client) SearchNews(ctx context.Context, q NewsQuery) ([]models.OsintNewsItem, error) {
	if !c.Configured() {
		return nil, ErrMissingAPIKey
	}
	if q.TimePeriod == "" {
		q.TimePeriod = "custom"
	}
	if q.StartDate == "" {
		q.StartDate = temporal.ISODay(temporal.Start)
	}
	if q.EndDate == "" {
		q.EndDate = q.TemporalDate
	}

	var items []models.OsintNewsItem
	err := retryLinear(ctx, c.maxAttempts, c.backoffUnit, c.sleep, func() error {
		strict, err := c.request(ctx, strictBody(q))
		if err != nil {
			return err
		}
		if len(strict) > 0 {
			items = normalize(strict, q.TemporalDate)
			return nil
		}
		relaxed, err := c.request(ctx, relaxedBody(q))
		if err != nil {
			return err
		}
		items = normalize(relaxed, q.TemporalDate)
		return nil
	})
	if err != nil {
		c.record("error")
		return nil, fmt.Errorf("search %q: %w", q.Query, err)
	}
	if len(items) == 0 {
		c.record("empty")
	} else {
		c.record("ok")
	}
	return items, nil
}

func (c *Client) record(outcome string) {
	if c.observe != nil {
		c.observe(outcome)
	}
}

func normalize(in []serperItem, temporalDate string) []models.OsintNewsItem {
	out := make([]models.OsintNewsItem, 0, len(in))
	for _, it := range in {
		snippet := it.Snippet
		if snippet == "" {
			snippet = it.Description
		}
		link := it.Link
		if link == "" {
			link = it.URL
		}
		published := it.Date
		if published == "" {
			published = it.PublishedAt
		}
		out = append(out, models.OsintNewsItem{
			Title:            textOr(it.Title, "Untitled report"),
			Snippet:          textOr(snippet, "No snippet available."),
			Source:           textOr(sourceName(it.Source), "Unknown Source"),
			Link:             strings.TrimSpace(link),
			PublishedAt:      strings.TrimSpace(published),
			QueryDateContext: temporalDate,
		})
	}
	return out
}

func textOr(s, def string) string {
	if s = helpers.PlainText(s); s != "" {
		return s
	}
	return def
}

// sourceName accepts a plain string or an object with name or site.
func sourceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
		Site string `json:"site"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.Name != "" {
		return obj.Name
	}
	return obj.Site
}

// DedupeNews keeps the first item per link|lower(title)|lower(source).
func DedupeNews(items []models.OsintNewsItem) []models.OsintNewsItem {
	return dedupeBy(items, models.OsintNewsItem.Signature)
}

func dedupeBy(items []models.OsintNewsItem, key func(models.OsintNewsItem) string) []models.OsintNewsItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]models.OsintNewsItem, 0, len(items))
	for _, it := range items {
		k := key(it)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// SearchAll fans queries out concurrently with all-settled semantics and
// concatenates successes in query order. The error is non-nil only when
// every query failed; per-query errors are returned alongside.
func (c *Client) SearchAll(ctx context.Context, queries []NewsQuery) ([]models.OsintNewsItem, []error, error) {
	results := make([][]models.OsintNewsItem, len(queries))
	errs := make([]error, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = c.SearchNews(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var all []models.OsintNewsItem
	var failed []error
	for i := range queries {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		all = append(all, results[i]...)
	}
	if len(queries) > 0 && len(failed) == len(queries) {
		return nil, failed, errors.Join(failed...)
	}
	return all, failed, nil
}

// FetchGlobalConflictNews runs the fixed topic batch up to temporalDate.
func (c *Client) FetchGlobalConflictNews(ctx context.Context, temporalDate string) ([]models.OsintNewsItem, error) {
	queries := make([]NewsQuery, len(GlobalConflictTopics))
	for i, topic := range GlobalConflictTopics {
		queries[i] = NewsQuery{
			Query:        topic,
			TemporalDate: temporalDate,
			TimePeriod:   "custom",
			StartDate:    temporal.ISODay(temporal.Start),
			EndDate:      temporalDate,
		}
	}
	all, failed, err := c.SearchAll(ctx, queries)
	if err != nil {
		return nil, err
	}
	for _, e := range failed {
		c.logger.Printf("topic query failed: %v", e)
	}

	all = dedupeBy(all, func(it models.OsintNewsItem) string {
		return it.Signature() + "|" + it.PublishedAt
	})
	out := make([]models.OsintNewsItem, 0, min(len(all), maxBatchItems))
	for _, it := range all {
		if it.Title == "" || it.Snippet == "" || it.Source == "" {
			continue
		}
		it.Date = it.PublishedAt
		if it.Date == "" {
			it.Date = temporalDate
		}
		out = append(out, it)
		if len(out) == maxBatchItems {
			break
		}
	}
	return out, nil
}

// LiveFallbackQueries are tried one by one when the topic batch is empty.
var LiveFallbackQueries = []string{
	"armed conflict Middle East",
	"civil unrest Africa",
	"conflict Eastern Europe",
	"insurgency South Asia",
}

// FetchLiveFallback runs LiveFallbackQueries concurrently, each under its
// own timeout, and keeps whatever succeeded.
func (c *Client) FetchLiveFallback(ctx context.Context, temporalDate string, perQuery time.Duration) []models.OsintNewsItem {
	results := make([][]models.OsintNewsItem, len(LiveFallbackQueries))
	var wg sync.WaitGroup
	for i, query := range LiveFallbackQueries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, perQuery)
			defer cancel()
			items, err := c.SearchNews(qctx, NewsQuery{
				Query:        query,
				TemporalDate: temporalDate,
				TimePeriod:   "custom",
				StartDate:    temporal.ISODay(temporal.Start),
				EndDate:      temporalDate,
			})
			if err != nil {
				c.logger.Printf("live fallback %q: %v", query, err)
				return
			}
			results[i] = items
		}()
	}
	wg.Wait()

	var out []models.OsintNewsItem
	for _, items := range results {
		for _, it := range items {
			if it.Date == "" {
				it.Date = it.PublishedAt
			}
			if it.Date == "" {
				it.Date = temporalDate
			}
			out = append(out, it)
			if len(out) == maxBatchItems {
				return out
			}
		}
	}
	return out
}
