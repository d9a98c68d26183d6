package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/sitrep/config"
	"github.com/mohammad-safakhou/sitrep/internal/agent/core"
	"github.com/mohammad-safakhou/sitrep/internal/agent/sources"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/worker"
	"github.com/mohammad-safakhou/sitrep/models"
)

// stubLLM answers by the first marker found in the user prompt.
type stubLLM struct {
	mu      sync.Mutex
	calls   int
	replies map[string]string
}

func (s *stubLLM) Generate(_ context.Context, _ string, p core.Prompt) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	for marker, reply := range s.replies {
		if strings.Contains(p.User, marker) {
			return reply, nil
		}
	}
	return "", errors.New("unexpected prompt")
}

type stubSearch struct {
	items []models.OsintNewsItem
}

func (s stubSearch) SearchNews(context.Context, sources.NewsQuery) ([]models.OsintNewsItem, error) {
	return s.items, nil
}

type stubTrigger struct {
	err     error
	running bool
	pulse   *worker.Pulse
	fired   int
}

func (s *stubTrigger) TriggerNow() error {
	if s.err != nil {
		return s.err
	}
	s.fired++
	return nil
}

func (s *stubTrigger) Running() bool { return s.running }

func (s *stubTrigger) LastPulse() (worker.Pulse, bool) {
	if s.pulse == nil {
		return worker.Pulse{}, false
	}
	return *s.pulse, true
}

func newHandler(t *testing.T, search core.NewsSearcher, llm *stubLLM) (*IntelHandler, *store.Store) {
	t.Helper()
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	chain := core.NewModelChain(llm, "primary", "", nil)
	orch := core.NewOrchestrator(config.IngestConfig{}, st, core.Agents{
		Search:   search,
		Nodes:    core.NewNodeGenerator(chain, chain),
		Prophet:  core.NewProphet(chain, chain),
		Reasoner: core.NewReasoner(chain),
	}, nil)
	h := &IntelHandler{
		store:     st,
		orch:      orch,
		search:    search != nil,
		reasoning: true,
		logger:    testLogger(),
		now:       func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	return h, st
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func jsonRequest(method, target, body string) (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req, httptest.NewRecorder()
}

func expectHTTPError(t *testing.T, err error, code int, msg string) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if he.Code != code || he.Message != msg {
		t.Fatalf("expected %d %q, got %d %v", code, msg, he.Code, he.Message)
	}
}

func sitrepAt(id string, lat float64, cat models.Category, ts time.Time) models.Sitrep {
	return models.Sitrep{
		ID:          id,
		Title:       "Report " + id,
		Coordinates: models.Coordinates{Lat: lat, Lng: 30},
		Timestamp:   ts,
		ThreatLevel: models.ThreatMedium,
		Category:    cat,
	}
}

const omdurmanNodes = `{"nodes":[{"lat":15.64,"lng":32.48,"title":"Omdurman shelling","severity":"HIGH","category":"CONFLICT","timestamp":"2025-03-01","summary":"Artillery exchanges","actors":["RSF"],"confidence":80,"sourceLinks":["https://example.com/omdurman"]}]}`

func TestSearchRequiresTemporalDate(t *testing.T) {
	e := echo.New()
	h, _ := newHandler(t, nil, &stubLLM{})
	req, rec := jsonRequest(http.MethodPost, "/api/intel/search", `{"query":"Sudan"}`)
	expectHTTPError(t, h.searchIntel(e.NewContext(req, rec)), http.StatusBadRequest, "temporalDate is required.")
}

func TestSearchProducesSitreps(t *testing.T) {
	e := echo.New()
	search := stubSearch{items: []models.OsintNewsItem{{Title: "RSF shells Omdurman", Snippet: "artillery", Link: "https://example.com/omdurman", Source: "Wire"}}}
	llm := &stubLLM{replies: map[string]string{
		"Tactical Node":                     omdurmanNodes,
		"latent tension likely to escalate": `{"indices":[]}`,
		"Temporal context date":             `{"prophetNodes":[]}`,
	}}
	h, st := newHandler(t, search, llm)

	req, rec := jsonRequest(http.MethodPost, "/api/intel/search", `{"query":"Sudan","temporalDate":"2025-03-10","maxNodes":99}`)
	if err := h.searchIntel(e.NewContext(req, rec)); err != nil {
		t.Fatalf("searchIntel: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sitreps) != 1 || resp.Sitreps[0].Title != "Omdurman shelling" {
		t.Fatalf("unexpected sitreps: %+v", resp.Sitreps)
	}
	if resp.Metadata.RawCount != 1 || resp.Metadata.NodeCount != 1 || resp.Metadata.Degraded || resp.Metadata.CycleID == "" {
		t.Fatalf("unexpected metadata: %+v", resp.Metadata)
	}
	if len(st.Sitreps()) != 1 {
		t.Fatalf("expected the sitrep to be stored")
	}
}

func TestSearchWithoutSearchVendorDegrades(t *testing.T) {
	e := echo.New()
	llm := &stubLLM{}
	h, _ := newHandler(t, nil, llm)

	req, rec := jsonRequest(http.MethodPost, "/api/intel/search", `{"query":"Sudan","temporalDate":"2025-03-10"}`)
	if err := h.searchIntel(e.NewContext(req, rec)); err != nil {
		t.Fatalf("searchIntel: %v", err)
	}
	var resp SearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Metadata.Degraded || len(resp.Metadata.SearchErrors) != 1 || len(resp.Sitreps) != 0 {
		t.Fatalf("expected degraded empty result, got %+v", resp)
	}
	if llm.calls != 0 {
		t.Fatalf("no model call expected without raw data, got %d", llm.calls)
	}
}

func TestCredentialChecks(t *testing.T) {
	e := echo.New()
	h, _ := newHandler(t, nil, &stubLLM{})

	req, rec := jsonRequest(http.MethodGet, "/api/intel/live", "")
	expectHTTPError(t, h.liveFeed(e.NewContext(req, rec)), http.StatusInternalServerError, "SERPER_API_KEY is not configured.")

	h.search = true
	h.reasoning = false
	req, rec = jsonRequest(http.MethodGet, "/api/intel/live", "")
	expectHTTPError(t, h.liveFeed(e.NewContext(req, rec)), http.StatusInternalServerError, "OPENAI_API_KEY is not configured.")

	req, rec = jsonRequest(http.MethodPost, "/api/intel/analyze", `{}`)
	expectHTTPError(t, h.analyze(e.NewContext(req, rec)), http.StatusInternalServerError, "OPENAI_API_KEY is not configured.")

	req, rec = jsonRequest(http.MethodPost, "/api/intel/prophet", `{"osintBatch":[]}`)
	expectHTTPError(t, h.prophet(e.NewContext(req, rec)), http.StatusInternalServerError, "OPENAI_API_KEY is not configured.")
}

func TestAnalyzeCachesResult(t *testing.T) {
	e := echo.New()
	llm := &stubLLM{}
	h, _ := newHandler(t, nil, llm)

	req, rec := jsonRequest(http.MethodPost, "/api/intel/analyze", `{"rawOsint":[]}`)
	expectHTTPError(t, h.analyze(e.NewContext(req, rec)), http.StatusBadRequest, "sitrep is required.")

	req, rec = jsonRequest(http.MethodPost, "/api/intel/analyze", `{"sitrep":{"id":"SR-1","title":"Quiet border","category":"CONFLICT"}}`)
	if err := h.analyze(e.NewContext(req, rec)); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var a models.IntelligenceAnalysis
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if a.RiskScore != 50 || llm.calls != 0 {
		t.Fatalf("expected the degraded analysis without a model call, got %+v after %d calls", a, llm.calls)
	}

	req, rec = jsonRequest(http.MethodGet, "/api/intel/sitreps/SR-1/analysis", "")
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("SR-1")
	if err := h.getAnalysis(ctx); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("expected cached analysis, got %v / %d", err, rec.Code)
	}

	req, rec = jsonRequest(http.MethodGet, "/api/intel/sitreps/SR-2/analysis", "")
	ctx = e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("SR-2")
	expectHTTPError(t, h.getAnalysis(ctx), http.StatusNotFound, "analysis not found.")
}

func TestProphetEndpoint(t *testing.T) {
	e := echo.New()
	llm := &stubLLM{replies: map[string]string{
		"latent tension likely to escalate": `{"indices":[1]}`,
		"Temporal context date":             `{"prophetNodes":[{"title":"Port Sudan unrest","coordinates":[19.6,37.2],"confidence":75,"probabilityAnalysis":"Fuel shortages","leadingIndicators":["queues"]}]}`,
	}}
	h, _ := newHandler(t, nil, llm)

	req, rec := jsonRequest(http.MethodPost, "/api/intel/prophet", `{"osintBatch":{"title":"x"}}`)
	expectHTTPError(t, h.prophet(e.NewContext(req, rec)), http.StatusBadRequest, "osintBatch must be an array.")

	req, rec = jsonRequest(http.MethodPost, "/api/intel/prophet", `{"osintBatch":[{"title":"Fuel queues in Port Sudan","snippet":"prices spike","link":"https://example.com/fuel"}]}`)
	if err := h.prophet(e.NewContext(req, rec)); err != nil {
		t.Fatalf("prophet: %v", err)
	}
	var resp ProphetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.ProphetNodes) != 1 || resp.ProphetNodes[0].Title != "Port Sudan unrest" {
		t.Fatalf("unexpected forecast: %+v", resp.ProphetNodes)
	}
}

func TestProphetFailureIsReported(t *testing.T) {
	e := echo.New()
	llm := &stubLLM{replies: map[string]string{"latent tension likely to escalate": `{"indices":[1]}`}}
	h, _ := newHandler(t, nil, llm)

	req, rec := jsonRequest(http.MethodPost, "/api/intel/prophet", `{"osintBatch":[{"title":"a","link":"https://example.com/a"}],"temporalDate":"2025-03-10"}`)
	expectHTTPError(t, h.prophet(e.NewContext(req, rec)), http.StatusInternalServerError, "Prophet agent failed.")
}

func TestListSitrepsFilters(t *testing.T) {
	e := echo.New()
	h, st := newHandler(t, nil, &stubLLM{})
	high := sitrepAt("c", 30, models.CategoryConflict, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	high.ThreatLevel = models.ThreatHigh
	// d lies after the handler's clock and stays hidden unless the
	// scrubber could reach it.
	st.Merge([]models.Sitrep{
		sitrepAt("a", 10, models.CategoryConflict, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)),
		sitrepAt("b", 20, models.CategoryCyber, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		high,
		sitrepAt("d", 40, models.CategoryConflict, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
	})

	tests := []struct {
		name  string
		query string
		want  string
		code  int
	}{
		{name: "all", query: "", want: "a,b,c"},
		{name: "category", query: "?categories=conflict", want: "a,c"},
		{name: "position start", query: "?position=0", want: "a"},
		{name: "position end", query: "?position=100&categories=CYBER", want: "b"},
		{name: "bad category", query: "?categories=weather", code: http.StatusBadRequest},
		{name: "threat floor", query: "?minThreat=high", want: "c"},
		{name: "threat floor with position", query: "?minThreat=MEDIUM&position=0", want: "a"},
		{name: "bad position", query: "?position=soon", code: http.StatusBadRequest},
		{name: "bad threat", query: "?minThreat=severe", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := jsonRequest(http.MethodGet, "/api/intel/sitreps"+tt.query, "")
			err := h.listSitreps(e.NewContext(req, rec))
			if tt.code != 0 {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != tt.code {
					t.Fatalf("expected %d, got %v", tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("listSitreps: %v", err)
			}
			var resp SitrepsResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			ids := make([]string, len(resp.Sitreps))
			for i, sr := range resp.Sitreps {
				ids[i] = sr.ID
			}
			if got := strings.Join(ids, ","); got != tt.want || resp.Total != len(ids) {
				t.Fatalf("got %q (total %d), want %q", got, resp.Total, tt.want)
			}
			if tt.query == "" && resp.AsOf != "2025-01-01T00:00:00Z" {
				t.Fatalf("expected the scrubber to default to now, got %q", resp.AsOf)
			}
		})
	}
}

func TestGetSitrep(t *testing.T) {
	e := echo.New()
	h, st := newHandler(t, nil, &stubLLM{})
	st.Merge([]models.Sitrep{sitrepAt("a", 10, models.CategoryConflict, time.Now())})

	for id, code := range map[string]int{"a": http.StatusOK, "missing": http.StatusNotFound} {
		req, rec := jsonRequest(http.MethodGet, "/api/intel/sitreps/"+id, "")
		ctx := e.NewContext(req, rec)
		ctx.SetParamNames("id")
		ctx.SetParamValues(id)
		err := h.getSitrep(ctx)
		if code == http.StatusNotFound {
			expectHTTPError(t, err, code, "sitrep not found.")
			continue
		}
		if err != nil || rec.Code != code {
			t.Fatalf("getSitrep(%s): %v / %d", id, err, rec.Code)
		}
	}
}

func TestSearchOsint(t *testing.T) {
	e := echo.New()
	h, st := newHandler(t, nil, &stubLLM{})
	sr := sitrepAt("a", 10, models.CategoryConflict, time.Now())
	sr.RawOsint = []models.OsintNewsItem{{Title: "Drone strike near Omdurman market", Link: "https://example.com/drone"}}
	st.Merge([]models.Sitrep{sr})

	req, rec := jsonRequest(http.MethodGet, "/api/intel/osint", "")
	expectHTTPError(t, h.searchOsint(e.NewContext(req, rec)), http.StatusBadRequest, "q is required.")

	req, rec = jsonRequest(http.MethodGet, "/api/intel/osint?q=omdurman&limit=5", "")
	if err := h.searchOsint(e.NewContext(req, rec)); err != nil {
		t.Fatalf("searchOsint: %v", err)
	}
	var resp OsintSearchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Item.Link != "https://example.com/drone" {
		t.Fatalf("unexpected hits: %+v", resp.Hits)
	}
}

func TestTriggerCycle(t *testing.T) {
	e := echo.New()
	h, _ := newHandler(t, nil, &stubLLM{})

	req, rec := jsonRequest(http.MethodPost, "/api/intel/cycle", "")
	expectHTTPError(t, h.triggerCycle(e.NewContext(req, rec)), http.StatusServiceUnavailable, "background ingestion is disabled.")

	trigger := &stubTrigger{}
	h.scheduler = trigger
	req, rec = jsonRequest(http.MethodPost, "/api/intel/cycle", "")
	if err := h.triggerCycle(e.NewContext(req, rec)); err != nil || rec.Code != http.StatusAccepted || trigger.fired != 1 {
		t.Fatalf("expected accepted cycle, got %v / %d", err, rec.Code)
	}

	trigger.err = worker.ErrCycleRunning
	req, rec = jsonRequest(http.MethodPost, "/api/intel/cycle", "")
	expectHTTPError(t, h.triggerCycle(e.NewContext(req, rec)), http.StatusConflict, "an ingestion cycle is already running.")

	trigger.err = worker.ErrSchedulerStopped
	req, rec = jsonRequest(http.MethodPost, "/api/intel/cycle", "")
	expectHTTPError(t, h.triggerCycle(e.NewContext(req, rec)), http.StatusServiceUnavailable, "background ingestion is shutting down.")
}

func TestStatusIncludesPulse(t *testing.T) {
	e := echo.New()
	h, _ := newHandler(t, nil, &stubLLM{})
	h.scheduler = &stubTrigger{running: true, pulse: &worker.Pulse{CycleID: "c1", Trigger: "schedule", FreshIDs: []string{"x"}}}

	req, rec := jsonRequest(http.MethodGet, "/api/intel/status", "")
	if err := h.status(e.NewContext(req, rec)); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.CycleRunning || resp.LastPulse == nil || resp.LastPulse.CycleID != "c1" {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestServerRoutesAndErrors(t *testing.T) {
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	e := New(config.ServerConfig{}, Deps{Store: st})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || !health.OK {
		t.Fatalf("unexpected health: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/intel/sitreps/nope", nil))
	var herr HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &herr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if rec.Code != http.StatusNotFound || herr.Error != "sitrep not found." {
		t.Fatalf("unexpected error response: %d %+v", rec.Code, herr)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/intel/live", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "SERPER_API_KEY") {
		t.Fatalf("expected credential error, got %d %s", rec.Code, rec.Body.String())
	}
}
