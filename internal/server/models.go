package server

import (
	"encoding/json"

	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/internal/worker"
	"github.com/mohammad-safakhou/sitrep/models"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	OK bool   `json:"ok"`
	TS string `json:"ts"`
}

// SearchRequest is the foreground search payload.
type SearchRequest struct {
	Query                 string   `json:"query"`
	TemporalDate          string   `json:"temporalDate"`
	TimePeriod            string   `json:"timePeriod"`
	StartDate             string   `json:"startDate"`
	EndDate               string   `json:"endDate"`
	Regions               []string `json:"regions"`
	MaxNodes              int      `json:"maxNodes"`
	IncludeGlobalHotspots bool     `json:"includeGlobalHotspots"`
}

// SearchMetadata summarises a search cycle.
type SearchMetadata struct {
	Degraded     bool     `json:"degraded"`
	RawCount     int      `json:"rawCount"`
	NodeCount    int      `json:"nodeCount"`
	CycleID      string   `json:"cycleId"`
	LatencyMs    int64    `json:"latencyMs"`
	SearchErrors []string `json:"searchErrors,omitempty"`
	ProphetError string   `json:"prophetError,omitempty"`
}

// SearchResponse carries the sitreps produced by one cycle.
type SearchResponse struct {
	Sitreps      []models.Sitrep        `json:"sitreps"`
	ProphetNodes []models.ProphetNode   `json:"prophetNodes"`
	Center       models.Coordinates     `json:"center"`
	Zoom         int                    `json:"zoom"`
	Raw          []models.OsintNewsItem `json:"raw"`
	NewIDs       []string               `json:"newIds"`
	Metadata     SearchMetadata         `json:"metadata"`
}

// AnalyzeRequest asks for deep analysis of one sitrep.
type AnalyzeRequest struct {
	Sitrep   *models.Sitrep         `json:"sitrep"`
	RawOsint []models.OsintNewsItem `json:"rawOsint"`
}

// ProphetRequest carries a raw batch for forecasting. The batch stays raw
// until its shape is checked.
type ProphetRequest struct {
	OsintBatch   json.RawMessage `json:"osintBatch"`
	TemporalDate string          `json:"temporalDate"`
}

// ProphetResponse is the forecast snapshot.
type ProphetResponse struct {
	ProphetNodes []models.ProphetNode `json:"prophetNodes"`
}

// SitrepsResponse is the filtered display set.
type SitrepsResponse struct {
	Sitreps []models.Sitrep `json:"sitreps"`
	AsOf    string          `json:"asOf,omitempty"`
	Total   int             `json:"total"`
}

// StatusResponse reports pipeline activity.
type StatusResponse struct {
	store.Status
	CycleRunning bool          `json:"cycleRunning"`
	LastPulse    *worker.Pulse `json:"lastPulse,omitempty"`
}

// OsintSearchResponse lists full-text matches.
type OsintSearchResponse struct {
	Query string           `json:"query"`
	Hits  []store.OsintHit `json:"hits"`
}

// CycleAccepted acknowledges an on-demand cycle.
type CycleAccepted struct {
	Accepted bool `json:"accepted"`
}
