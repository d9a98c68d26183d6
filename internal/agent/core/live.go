package core

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/temporal"
	"github.com/mohammad-safakhou/sitrep/models"
)

const (
	liveSourceFresh = "serper-news-live"
	liveSourceSeed  = "fallback-seed"
)

// LiveSearcher is the search surface used by the live feed.
type LiveSearcher interface {
	FetchGlobalConflictNews(ctx context.Context, temporalDate string) ([]models.OsintNewsItem, error)
	FetchLiveFallback(ctx context.Context, temporalDate string, perQuery time.Duration) []models.OsintNewsItem
}

// LiveMetadata describes where a live payload came from.
type LiveMetadata struct {
	Source     string `json:"source"`
	RangeStart string `json:"rangeStart"`
	RangeEnd   string `json:"rangeEnd"`
	Stale      bool   `json:"stale,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// LivePayload is the body of the live feed.
type LivePayload struct {
	Nodes    []models.LiveNode      `json:"nodes"`
	Raw      []models.OsintNewsItem `json:"raw"`
	Metadata LiveMetadata           `json:"metadata"`
}

// LiveFeed aggregates the live conflict picture. Upstream failures fall
// back to the last good snapshot and then to the seed set, so callers always
// get a payload.
type LiveFeed struct {
	search   LiveSearcher
	nodes    *NodeGenerator
	timeouts config.TimeoutsConfig
	logger   *log.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *LivePayload
}

// NewLiveFeed wires the feed.
func NewLiveFeed(search LiveSearcher, nodes *NodeGenerator, timeouts config.TimeoutsConfig) *LiveFeed {
	if timeouts.LiveAggregation <= 0 {
		timeouts.LiveAggregation = 6 * time.Second
	}
	if timeouts.LiveFallback <= 0 {
		timeouts.LiveFallback = 4 * time.Second
	}
	if timeouts.LiveParse <= 0 {
		timeouts.LiveParse = 8 * time.Second
	}
	return &LiveFeed{
		search:   search,
		nodes:    nodes,
		timeouts: timeouts,
		logger:   log.New(log.Writer(), "[LIVE] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Snapshot builds the current live payload.
func (f *LiveFeed) Snapshot(ctx context.Context) LivePayload {
	today := temporal.ISODay(f.now())

	aggCtx, cancel := context.WithTimeout(ctx, f.timeouts.LiveAggregation)
	raw, err := f.search.FetchGlobalConflictNews(aggCtx, today)
	cancel()
	if err != nil {
		f.logger.Printf("global conflict aggregation failed: %v", err)
		raw = nil
	}
	if len(raw) == 0 {
		raw = f.search.FetchLiveFallback(ctx, today, f.timeouts.LiveFallback)
	}
	if len(raw) == 0 {
		if stale, ok := f.stale(today); ok {
			return stale
		}
		return f.seed(today, SeedOsint())
	}

	parseCtx, cancel := context.WithTimeout(ctx, f.timeouts.LiveParse)
	nodes, err := f.nodes.ParseLiveConflicts(parseCtx, raw)
	cancel()
	if err != nil {
		f.logger.Printf("live parsing failed: %v", err)
		nodes = nil
	}
	if len(nodes) == 0 {
		if stale, ok := f.stale(today); ok {
			return stale
		}
		return f.seed(today, raw)
	}

	fresh := LivePayload{
		Nodes: nodes,
		Raw:   raw,
		Metadata: LiveMetadata{
			Source:     liveSourceFresh,
			RangeStart: temporal.ISODay(temporal.Start),
			RangeEnd:   today,
		},
	}
	f.mu.Lock()
	f.last = &fresh
	f.mu.Unlock()
	return fresh
}

func (f *LiveFeed) stale(today string) (LivePayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return LivePayload{}, false
	}
	out := *f.last
	out.Metadata.Stale = true
	out.Metadata.RangeEnd = today
	return out, true
}

func (f *LiveFeed) seed(today string, raw []models.OsintNewsItem) LivePayload {
	return LivePayload{
		Nodes: SeedNodes(),
		Raw:   raw,
		Metadata: LiveMetadata{
			Source:     liveSourceSeed,
			RangeStart: temporal.ISODay(temporal.Start),
			RangeEnd:   today,
			Degraded:   true,
		},
	}
}
