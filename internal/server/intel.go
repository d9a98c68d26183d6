package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/temporal"
	"github.com/mohammad-safakhou/sitrep/internal/worker"
	"github.com/mohammad-safakhou/sitrep/models"
)

const (
	msgSerperMissing = "SERPER_API_KEY is not configured."
	msgOpenAIMissing = "OPENAI_API_KEY is not configured."
	defaultOsintHits = 20
	maxOsintHits     = 100
)

// IntelHandler serves the intelligence API.
type IntelHandler struct {
	store     *store.Store
	orch      *core.Orchestrator
	live      *core.LiveFeed
	scheduler CycleTrigger
	search    bool
	reasoning bool
	logger    *log.Logger
	now       func() time.Time
}

// Register mounts the intel endpoints under g.
func (h *IntelHandler) Register(g *echo.Group) {
	g.GET("/live", h.liveFeed)
	g.POST("/search", h.searchIntel)
	g.POST("/analyze", h.analyze)
	g.POST("/prophet", h.prophet)

	g.GET("/sitreps", h.listSitreps)
	g.GET("/sitreps/:id", h.getSitrep)
	g.GET("/sitreps/:id/analysis", h.getAnalysis)
	g.GET("/prophet/latest", h.latestProphet)
	g.GET("/status", h.status)
	g.GET("/osint", h.searchOsint)
	g.POST("/cycle", h.triggerCycle)
}

// liveFeed never fails once both vendors are configured: upstream problems
// degrade to the last snapshot or the seed set.
func (h *IntelHandler) liveFeed(c echo.Context) error {
	if !h.search {
		return echo.NewHTTPError(http.StatusInternalServerError, msgSerperMissing)
	}
	if !h.reasoning {
		return echo.NewHTTPError(http.StatusInternalServerError, msgOpenAIMissing)
	}
	return c.JSON(http.StatusOK, h.live.Snapshot(c.Request().Context()))
}

func (h *IntelHandler) searchIntel(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid search payload.")
	}
	if strings.TrimSpace(req.TemporalDate) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "temporalDate is required.")
	}

	res, err := h.orch.RunCycle(c.Request().Context(), core.CycleRequest{
		Query:        req.Query,
		Hotspots:     req.IncludeGlobalHotspots,
		Regions:      req.Regions,
		MaxNodes:     core.ClampMaxNodes(req.MaxNodes),
		TemporalDate: req.TemporalDate,
		TimePeriod:   req.TimePeriod,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		Trigger:      "search",
	})
	if err != nil {
		h.logger.Printf("search cycle failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Search agent failed.")
	}
	return c.JSON(http.StatusOK, SearchResponse{
		Sitreps:      res.Sitreps,
		ProphetNodes: res.Prophet,
		Center:       res.Center,
		Zoom:         res.Zoom,
		Raw:          res.Raw,
		NewIDs:       res.NewIDs,
		Metadata: SearchMetadata{
			Degraded:     res.Degraded,
			RawCount:     len(res.Raw),
			NodeCount:    len(res.Sitreps),
			CycleID:      res.ID,
			LatencyMs:    res.Latency.Milliseconds(),
			SearchErrors: res.SearchErrors,
			ProphetError: res.ProphetError,
		},
	})
}

func (h *IntelHandler) analyze(c echo.Context) error {
	if !h.reasoning {
		return echo.NewHTTPError(http.StatusInternalServerError, msgOpenAIMissing)
	}
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid analyze payload.")
	}
	if req.Sitrep == nil || strings.TrimSpace(req.Sitrep.ID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sitrep is required.")
	}
	analysis, _ := h.orch.AnalyzeSitrep(c.Request().Context(), *req.Sitrep, req.RawOsint)
	return c.JSON(http.StatusOK, analysis)
}

func (h *IntelHandler) prophet(c echo.Context) error {
	if !h.reasoning {
		return echo.NewHTTPError(http.StatusInternalServerError, msgOpenAIMissing)
	}
	var req ProphetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid prophet payload.")
	}
	batch, ok := decodeBatch(req.OsintBatch)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "osintBatch must be an array.")
	}
	day := strings.TrimSpace(req.TemporalDate)
	if day == "" {
		day = temporal.ISODay(h.now())
	}
	nodes, _, err := h.orch.Forecast(c.Request().Context(), batch, day)
	if err != nil {
		h.logger.Printf("prophet request failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Prophet agent failed.")
	}
	return c.JSON(http.StatusOK, ProphetResponse{ProphetNodes: nodes})
}

// decodeBatch accepts only a JSON array of items.
func decodeBatch(raw json.RawMessage) ([]models.OsintNewsItem, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var batch []models.OsintNewsItem
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, false
	}
	return batch, true
}

// listSitreps applies the display filter. categories is a comma list,
// position the 0..100 scrubber value and minThreat a severity floor; all are
// optional. Without a position the scrubber sits at the present.
func (h *IntelHandler) listSitreps(c echo.Context) error {
	f := store.Filter{Categories: models.AllCategories}
	if raw := strings.TrimSpace(c.QueryParam("categories")); raw != "" {
		f.Categories = nil
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			cat := models.Category(part)
			if !validCategory(cat) {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown category: "+part)
			}
			f.Categories = append(f.Categories, cat)
		}
	}
	if raw := strings.TrimSpace(c.QueryParam("minThreat")); raw != "" {
		lvl := models.ThreatLevel(strings.ToUpper(raw))
		if lvl.Rank() == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown threat level: "+raw)
		}
		f.MinThreat = lvl
	}
	pos := 100.0
	if raw := strings.TrimSpace(c.QueryParam("position")); raw != "" {
		var err error
		if pos, err = strconv.ParseFloat(raw, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "position must be a number.")
		}
	}
	f.AsOf = temporal.DateFromSliderPosition(pos, h.now())
	resp := SitrepsResponse{AsOf: f.AsOf.Format(time.RFC3339)}
	resp.Sitreps = h.store.Visible(f)
	resp.Total = len(resp.Sitreps)
	return c.JSON(http.StatusOK, resp)
}

func validCategory(c models.Category) bool {
	for _, known := range models.AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

func (h *IntelHandler) getSitrep(c echo.Context) error {
	sr, err := h.store.Get(c.Param("id"))
	if errors.Is(err, models.ErrSitrepNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "sitrep not found.")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sr)
}

func (h *IntelHandler) getAnalysis(c echo.Context) error {
	a, ok := h.store.Analysis(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "analysis not found.")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *IntelHandler) latestProphet(c echo.Context) error {
	return c.JSON(http.StatusOK, ProphetResponse{ProphetNodes: h.store.ProphetNodes()})
}

func (h *IntelHandler) status(c echo.Context) error {
	resp := StatusResponse{Status: h.store.Status()}
	if h.scheduler != nil {
		resp.CycleRunning = h.scheduler.Running()
		if p, ok := h.scheduler.LastPulse(); ok {
			resp.LastPulse = &p
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *IntelHandler) searchOsint(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required.")
	}
	limit := defaultOsintHits
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer.")
		}
		limit = min(n, maxOsintHits)
	}
	hits, err := h.store.SearchOSINT(q, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, OsintSearchResponse{Query: q, Hits: hits})
}

func (h *IntelHandler) triggerCycle(c echo.Context) error {
	if h.scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "background ingestion is disabled.")
	}
	if err := h.scheduler.TriggerNow(); err != nil {
		if errors.Is(err, worker.ErrCycleRunning) {
			return echo.NewHTTPError(http.StatusConflict, "an ingestion cycle is already running.")
		}
		if errors.Is(err, worker.ErrSchedulerStopped) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "background ingestion is shutting down.")
		}
		return err
	}
	return c.JSON(http.StatusAccepted, CycleAccepted{Accepted: true})
}
