package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/sources"
	"github.com/mohammad-safakhou/sitrep/internal/agent/telemetry"
	"github.com/mohammad-safakhou/sitrep/internal/helpers"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/temporal"
	"github.com/mohammad-safakhou/sitrep/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	maxRawItems     = 80
	minNodesPerPass = 10
	maxNodesPerPass = 20
)

// NewsSearcher is the slice of the search gateway a cycle needs.
type NewsSearcher interface {
	SearchNews(ctx context.Context, q sources.NewsQuery) ([]models.OsintNewsItem, error)
}

// CycleRequest describes one ingestion pass.
type CycleRequest struct {
	Query        string
	Hotspots     bool
	Regions      []string
	MaxNodes     int
	TemporalDate string
	TimePeriod   string
	StartDate    string
	EndDate      string
	// Trigger labels the caller for logs and metrics.
	Trigger string
}

// CycleResult is everything a cycle produced. Sitreps and Prophet hold this
// cycle's output, not the whole store.
type CycleResult struct {
	ID           string                 `json:"id"`
	Sitreps      []models.Sitrep        `json:"sitreps"`
	Prophet      []models.ProphetNode   `json:"prophetNodes"`
	Raw          []models.OsintNewsItem `json:"raw"`
	Center       models.Coordinates     `json:"center"`
	Zoom         int                    `json:"zoom"`
	Degraded     bool                   `json:"degraded"`
	SearchErrors []string               `json:"searchErrors,omitempty"`
	ProphetError string                 `json:"prophetError,omitempty"`
	Latency      time.Duration          `json:"latency"`
	NewIDs       []string               `json:"newIds"`
}

// Orchestrator sequences search, node generation, merge and forecast, and
// serves cached deep analysis.
type Orchestrator struct {
	store     *store.Store
	search    NewsSearcher
	nodes     *NodeGenerator
	prophet   *Prophet
	reasoner  *Reasoner
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	maxNodes int
	regions  []string
	flight   singleflight.Group
	now      func() time.Time
}

// Agents groups the collaborators an Orchestrator drives.
type Agents struct {
	Search   NewsSearcher
	Nodes    *NodeGenerator
	Prophet  *Prophet
	Reasoner *Reasoner
}

// NewOrchestrator wires the pipeline around an existing store.
func NewOrchestrator(cfg config.IngestConfig, st *store.Store, agents Agents, tel *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		store:     st,
		search:    agents.Search,
		nodes:     agents.Nodes,
		prophet:   agents.Prophet,
		reasoner:  agents.Reasoner,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		maxNodes:  cfg.MaxNodes,
		regions:   cfg.Regions,
		now:       time.Now,
	}
}

// ClampMaxNodes bounds a requested node count to [10,20]. Zero means the
// upper bound.
func ClampMaxNodes(n int) int {
	if n == 0 {
		n = maxNodesPerPass
	}
	return max(minNodesPerPass, min(maxNodesPerPass, n))
}

// searchQueries expands a request into provider queries.
func (o *Orchestrator) searchQueries(req CycleRequest) []string {
	if req.Hotspots {
		regions := req.Regions
		if len(regions) == 0 {
			regions = o.regions
		}
		return HotspotQueries(regions)
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		return []string{q}
	}
	return []string{GlobalConflictQuery}
}

// gather runs every query concurrently. One failure never cancels the
// others; successes are concatenated in query order and deduplicated.
func (o *Orchestrator) gather(ctx context.Context, req CycleRequest, window temporal.DateWindow) ([]models.OsintNewsItem, []error) {
	queries := o.searchQueries(req)
	results := make([][]models.OsintNewsItem, len(queries))
	errs := make([]error, len(queries))
	if o.search == nil {
		return []models.OsintNewsItem{}, []error{sources.ErrMissingAPIKey}
	}

	var g errgroup.Group
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = o.search.SearchNews(ctx, sources.NewsQuery{
				Query:        q,
				TemporalDate: req.TemporalDate,
				TimePeriod:   req.TimePeriod,
				StartDate:    window.Start,
				EndDate:      window.End,
			})
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
	raw := sources.DedupeNews(all)
	if len(raw) > maxRawItems {
		raw = raw[:maxRawItems]
	}
	return raw, failed
}

func (o *Orchestrator) window(req CycleRequest) temporal.DateWindow {
	w := temporal.WindowUntil(req.TemporalDate, o.now())
	if req.StartDate != "" {
		w.Start = req.StartDate
	}
	if req.EndDate != "" {
		w.End = req.EndDate
	}
	return w
}

// RunCycle performs search, node generation, merge and forecast. Search and
// model failures degrade the result instead of failing it; the forecast
// stage never aborts the cycle. Only cancellation is returned as an error.
func (o *Orchestrator) RunCycle(ctx context.Context, req CycleRequest) (*CycleResult, error) {
	start := o.now()
	if req.TemporalDate == "" {
		req.TemporalDate = temporal.ISODay(start)
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}
	res := &CycleResult{
		ID:      uuid.NewString(),
		Sitreps: []models.Sitrep{},
		Prophet: []models.ProphetNode{},
		NewIDs:  []string{},
	}
	ctx, span := o.telemetry.Tracer().Start(ctx, "orchestrator.RunCycle")
	defer span.End()
	span.SetAttributes(
		attribute.String("cycle.id", res.ID),
		attribute.String("cycle.trigger", req.Trigger),
		attribute.Bool("cycle.hotspots", req.Hotspots),
	)

	o.store.SetSearching(true)
	window := o.window(req)
	raw, failed := o.gather(ctx, req, window)
	o.store.SetSearching(false)
	res.Raw = raw
	for _, err := range failed {
		res.SearchErrors = append(res.SearchErrors, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return o.fail(span, req, start, err)
	}
	if len(failed) > 0 {
		o.logger.Printf("cycle %s: %d search queries failed", res.ID, len(failed))
	}

	res.Center, res.Zoom = WorldCenter, WorldZoom
	if !req.Hotspots {
		res.Center, res.Zoom, _ = MapFocus(req.Query)
	}

	if len(raw) > 0 && o.nodes != nil {
		nodeQuery := req.Query
		if req.Hotspots || strings.TrimSpace(nodeQuery) == "" {
			nodeQuery = GlobalConflictQuery
		}
		gen, err := o.nodes.GenerateNodes(ctx, nodeQuery, raw, window)
		if err != nil {
			return o.fail(span, req, start, err)
		}
		res.Degraded = gen.Degraded

		maxNodes := ClampMaxNodes(req.MaxNodes)
		if req.MaxNodes == 0 && o.maxNodes != 0 {
			maxNodes = ClampMaxNodes(o.maxNodes)
		}
		cands := DedupeNodesByCoordinates(gen.Candidates)
		if len(cands) > maxNodes {
			cands = cands[:maxNodes]
		}
		place := "Global"
		if !req.Hotspots && strings.TrimSpace(req.Query) != "" {
			place = strings.TrimSpace(req.Query)
		}
		stamp := o.now().UnixMilli()
		for idx, c := range cands {
			res.Sitreps = append(res.Sitreps, CandidateToSitrep(c, fmt.Sprintf("SR-EXT-%d-%d", stamp, idx), place, raw))
		}
		merged := o.store.Merge(res.Sitreps)
		res.NewIDs = append(res.NewIDs, merged.NewIDs...)
	}
	if len(raw) == 0 {
		res.Degraded = true
	}

	// The forecast consumes the same raw batch, after the confirmed merge.
	if len(res.Sitreps) > 0 && len(raw) > 0 && o.prophet != nil {
		nodes, newIDs, err := o.Forecast(ctx, raw, req.TemporalDate)
		switch {
		case err != nil && ctx.Err() != nil:
			return o.fail(span, req, start, ctx.Err())
		case err != nil:
			res.ProphetError = err.Error()
			o.logger.Printf("cycle %s: prophet handshake failed: %v", res.ID, err)
		default:
			res.Prophet = nodes
			res.NewIDs = append(res.NewIDs, newIDs...)
		}
	}

	res.Latency = o.now().Sub(start)
	o.store.SetUplinkLatency(res.Latency)
	outcome := "ok"
	if res.Degraded {
		outcome = "degraded"
	}
	o.finish(req.Trigger, outcome, res.Latency)
	span.SetAttributes(
		attribute.Int("cycle.raw", len(raw)),
		attribute.Int("cycle.sitreps", len(res.Sitreps)),
		attribute.Int("cycle.prophet", len(res.Prophet)),
		attribute.Bool("cycle.degraded", res.Degraded),
	)
	o.logger.Printf("cycle %s (%s): raw=%d sitreps=%d prophet=%d new=%d degraded=%t in %s",
		res.ID, req.Trigger, len(raw), len(res.Sitreps), len(res.Prophet), len(res.NewIDs), res.Degraded, res.Latency)
	return res, nil
}

func (o *Orchestrator) fail(span trace.Span, req CycleRequest, start time.Time, err error) (*CycleResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.finish(req.Trigger, "error", o.now().Sub(start))
	return nil, fmt.Errorf("cycle aborted: %w", err)
}

func (o *Orchestrator) finish(trigger, outcome string, took time.Duration) {
	o.telemetry.RecordCycle(trigger, outcome, took)
	confirmed, prophet := 0, 0
	for _, sr := range o.store.Sitreps() {
		if sr.IsProphetNode {
			prophet++
		} else {
			confirmed++
		}
	}
	o.telemetry.SetStoreSize(confirmed, prophet)
}

// Forecast runs prefilter and predict over batch, replaces the stored
// forecast snapshot and merges the forecast sitreps. It returns the new
// snapshot and the ids new to the store.
func (o *Orchestrator) Forecast(ctx context.Context, batch []models.OsintNewsItem, temporalDate string) ([]models.ProphetNode, []string, error) {
	if o.prophet == nil {
		return nil, nil, ErrMissingAPIKey
	}
	ctx, span := o.telemetry.Tracer().Start(ctx, "orchestrator.Forecast")
	defer span.End()

	candidates := o.prophet.SelectCandidates(ctx, batch)
	nodes, err := o.prophet.Predict(ctx, candidates, temporalDate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	o.store.SetProphetNodes(nodes)
	sitreps := make([]models.Sitrep, 0, len(nodes))
	for _, n := range nodes {
		sitreps = append(sitreps, ProphetToSitrep(n, o.now()))
	}
	merged := o.store.Merge(sitreps)
	span.SetAttributes(attribute.Int("prophet.candidates", len(candidates)), attribute.Int("prophet.nodes", len(nodes)))
	return nodes, merged.NewIDs, nil
}

// CandidateToSitrep converts a generated candidate. Supporting OSINT is the
// subset of raw whose canonical link is cited by the candidate.
func CandidateToSitrep(c Candidate, id, place string, raw []models.OsintNewsItem) models.Sitrep {
	cited := make(map[string]struct{}, len(c.SourceLinks))
	for _, l := range c.SourceLinks {
		if k := helpers.LinkKey(l); k != "" {
			cited[k] = struct{}{}
		}
	}
	support := []models.OsintNewsItem{}
	for _, item := range raw {
		if item.Link == "" {
			continue
		}
		if _, ok := cited[helpers.LinkKey(item.Link)]; ok {
			support = append(support, item)
		}
	}
	orgs := c.Actors
	if len(orgs) == 0 {
		orgs = []string{"OSINT Source"}
	}
	confidence := c.Confidence
	return models.Sitrep{
		ID:          id,
		Title:       c.Title,
		Coordinates: c.Coordinates,
		Timestamp:   c.Timestamp,
		ThreatLevel: c.Severity,
		Description: c.Summary,
		Category:    c.Category,
		Entities:    models.NewEntities(nil, []string{place}, orgs),
		IsNew:       true,
		Confidence:  &confidence,
		RawOsint:    support,
	}
}

// ProphetToSitrep converts a forecast node into a forecast-population
// sitrep. Confidence of 70 or more reads as HIGH.
func ProphetToSitrep(n models.ProphetNode, now time.Time) models.Sitrep {
	id := n.ID
	if id == "" {
		id = "PR-" + uuid.NewString()
	}
	ts, err := time.Parse(time.RFC3339, n.Timestamp)
	if err != nil {
		ts = now.UTC()
	}
	threat := models.ThreatMedium
	if n.Confidence >= 70 {
		threat = models.ThreatHigh
	}
	confidence := n.Confidence
	return models.Sitrep{
		ID:                  id,
		Title:               "Prophet: " + n.Title,
		Coordinates:         n.Coordinates,
		Timestamp:           ts.UTC(),
		ThreatLevel:         threat,
		Description:         n.ProbabilityAnalysis,
		Category:            models.CategoryPolitical,
		Entities:            models.NewEntities(nil, nil, []string{"ProphetAgent"}),
		IsNew:               true,
		Confidence:          &confidence,
		RawOsint:            []models.OsintNewsItem{},
		IsProphetNode:       true,
		ProbabilityAnalysis: n.ProbabilityAnalysis,
		LeadingIndicators:   append([]string{}, n.LeadingIndicators...),
	}
}

// AnalyzeSitrep returns the cached analysis for sr.ID or computes it once.
// Concurrent requests for one id share a single reasoner call. The bool
// reports a cache hit.
func (o *Orchestrator) AnalyzeSitrep(ctx context.Context, sr models.Sitrep, raw []models.OsintNewsItem) (models.IntelligenceAnalysis, bool) {
	if a, ok := o.store.Analysis(sr.ID); ok {
		return a, true
	}
	v, _, _ := o.flight.Do(sr.ID, func() (any, error) {
		if a, ok := o.store.Analysis(sr.ID); ok {
			return a, nil
		}
		ctx, span := o.telemetry.Tracer().Start(ctx, "orchestrator.AnalyzeSitrep")
		defer span.End()
		span.SetAttributes(attribute.String("sitrep.id", sr.ID))

		support := raw
		if len(support) == 0 {
			support = sr.RawOsint
		}
		if len(support) == 0 {
			if stored, err := o.store.Get(sr.ID); err == nil {
				support = stored.RawOsint
			}
		}
		o.store.SetAnalyzing(true)
		defer o.store.SetAnalyzing(false)
		a := o.reasoner.Analyze(ctx, sr, support)
		o.store.PutAnalysis(sr.ID, a)
		o.telemetry.RecordAnalysis()
		return a, nil
	})
	return v.(models.IntelligenceAnalysis), false
}
