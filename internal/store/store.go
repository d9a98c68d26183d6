// Package store owns the canonical, deduplicated sitrep collection and the
// enrichment results attached to it. A single Store is built at startup and
// injected into every component that reads or mutates it.
package store

import (
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/sitrep/models"
)

// coordinateDecimals gives ~100m identity precision.
const coordinateDecimals = 3

// Status is a snapshot of pipeline activity flags.
type Status struct {
	Searching            bool       `json:"isSearching"`
	Analyzing            bool       `json:"isAnalyzing"`
	BackgroundRunning    bool       `json:"isBackgroundRunning"`
	UplinkLatencyMs      int64      `json:"uplinkLatencyMs"`
	LastBackgroundPollAt *time.Time `json:"lastBackgroundPollAt,omitempty"`
	SitrepCount          int        `json:"sitrepCount"`
	ProphetCount         int        `json:"prophetCount"`
	AnalysisCount        int        `json:"analysisCount"`
	OsintIndexed         int        `json:"osintIndexed"`
}

// MergeResult reports the effect of one Merge call.
type MergeResult struct {
	Incoming int      `json:"incoming"`
	Added    int      `json:"added"`
	Total    int      `json:"total"`
	NewIDs   []string `json:"newIds"`
}

// Filter selects sitreps for display.
type Filter struct {
	Categories []models.Category
	// AsOf excludes sitreps timestamped after it. The zero value disables
	// the bound.
	AsOf time.Time
	// MinThreat hides sitreps ranked below it. Empty keeps every level.
	MinThreat models.ThreatLevel
}

// Store is the single source of truth for sitreps. Each exported method is
// one atomic state transition.
type Store struct {
	mu       sync.RWMutex
	sitreps  []models.Sitrep
	analyses map[string]models.IntelligenceAnalysis
	prophet  []models.ProphetNode

	searching         bool
	analyzing         bool
	backgroundRunning bool
	uplinkLatency     time.Duration
	lastPoll          time.Time

	osint  *OsintIndex
	logger *log.Logger
}

// New builds an empty store with its OSINT index.
func New() (*Store, error) {
	idx, err := NewOsintIndex()
	if err != nil {
		return nil, err
	}
	return &Store{
		analyses: make(map[string]models.IntelligenceAnalysis),
		osint:    idx,
		logger:   log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Merge prepends incoming to the current collection and re-deduplicates the
// whole sequence, so incoming records win ties against existing ones.
func (s *Store) Merge(incoming []models.Sitrep) MergeResult {
	s.mu.Lock()
	known := make(map[string]struct{}, len(s.sitreps))
	for _, sr := range s.sitreps {
		known[sr.ID] = struct{}{}
	}
	combined := make([]models.Sitrep, 0, len(incoming)+len(s.sitreps))
	for _, sr := range incoming {
		combined = append(combined, sr.Clone())
	}
	combined = append(combined, s.sitreps...)
	s.sitreps = Dedupe(combined)

	res := MergeResult{Incoming: len(incoming), Total: len(s.sitreps), NewIDs: []string{}}
	var osint []models.OsintNewsItem
	for _, sr := range s.sitreps {
		if _, ok := known[sr.ID]; ok {
			continue
		}
		res.Added++
		res.NewIDs = append(res.NewIDs, sr.ID)
		osint = append(osint, sr.RawOsint...)
	}
	s.mu.Unlock()

	if len(osint) > 0 {
		if _, err := s.osint.Add(osint...); err != nil {
			s.logger.Printf("osint index: %v", err)
		}
	}
	return res
}

// Dedupe keeps the first sitrep per coordinate key, then the first per
// content signature, preserving first-occurrence order. Forecast and
// confirmed sitreps are keyed in separate namespaces and never suppress each
// other. A repeated id is dropped as well so ids stay unique.
func Dedupe(in []models.Sitrep) []models.Sitrep {
	seenCoords := make(map[string]struct{}, len(in))
	seenSigs := make(map[string]struct{}, len(in))
	seenIDs := make(map[string]struct{}, len(in))
	out := make([]models.Sitrep, 0, len(in))
	for _, sr := range in {
		coordKey := CoordinateKey(sr)
		if _, dup := seenCoords[coordKey]; dup {
			continue
		}
		seenCoords[coordKey] = struct{}{}

		sig := Signature(sr)
		if _, dup := seenSigs[sig]; dup {
			continue
		}
		seenSigs[sig] = struct{}{}

		if _, dup := seenIDs[sr.ID]; dup {
			continue
		}
		seenIDs[sr.ID] = struct{}{}
		out = append(out, sr)
	}
	return out
}

func population(sr models.Sitrep) string {
	if sr.IsProphetNode {
		return "prophet"
	}
	return "confirmed"
}

// CoordinateKey is the population-scoped 3-decimal position key.
func CoordinateKey(sr models.Sitrep) string {
	return population(sr) + "|" + sr.Coordinates.Key(coordinateDecimals)
}

// Signature is the population-scoped content key: the first supporting OSINT
// item when present, otherwise id plus position.
func Signature(sr models.Sitrep) string {
	if len(sr.RawOsint) > 0 {
		return population(sr) + "|" + sr.RawOsint[0].Signature()
	}
	return population(sr) + "|" + sr.ID + "|" + sr.Coordinates.Key(coordinateDecimals)
}

// PutAnalysis caches analysis under id and, when the sitrep exists, applies
// its risk score, derived threat level and actors. It reports whether the
// sitrep was found.
func (s *Store) PutAnalysis(id string, analysis models.IntelligenceAnalysis) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses[id] = analysis
	for i := range s.sitreps {
		if s.sitreps[i].ID != id {
			continue
		}
		score := analysis.RiskScore
		s.sitreps[i].RiskScore = &score
		s.sitreps[i].ThreatLevel = models.ThreatFromRisk(score)
		s.sitreps[i].Entities.AddOrgs(analysis.Actors.State...)
		s.sitreps[i].Entities.AddOrgs(analysis.Actors.NonState...)
		return true
	}
	return false
}

// Analysis returns the cached analysis for id.
func (s *Store) Analysis(id string) (models.IntelligenceAnalysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[id]
	return a, ok
}

// SetProphetNodes replaces the forecast audit snapshot wholesale.
func (s *Store) SetProphetNodes(nodes []models.ProphetNode) {
	cp := make([]models.ProphetNode, len(nodes))
	copy(cp, nodes)
	s.mu.Lock()
	s.prophet = cp
	s.mu.Unlock()
}

// ProphetNodes returns a copy of the latest forecast batch.
func (s *Store) ProphetNodes() []models.ProphetNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ProphetNode, len(s.prophet))
	copy(out, s.prophet)
	return out
}

// Sitreps returns a copy of the full collection in store order.
func (s *Store) Sitreps() []models.Sitrep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Sitrep, len(s.sitreps))
	for i, sr := range s.sitreps {
		out[i] = sr.Clone()
	}
	return out
}

// Get returns the sitrep with id.
func (s *Store) Get(id string) (models.Sitrep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sr := range s.sitreps {
		if sr.ID == id {
			return sr.Clone(), nil
		}
	}
	return models.Sitrep{}, models.ErrSitrepNotFound
}

// Visible applies f without mutating the store.
func (s *Store) Visible(f Filter) []models.Sitrep {
	return Select(s.Sitreps(), f)
}

// Select is the pure display filter: category in f.Categories, timestamp
// not after f.AsOf and threat at least f.MinThreat.
func Select(sitreps []models.Sitrep, f Filter) []models.Sitrep {
	active := make(map[models.Category]struct{}, len(f.Categories))
	for _, c := range f.Categories {
		active[c] = struct{}{}
	}
	out := make([]models.Sitrep, 0, len(sitreps))
	for _, sr := range sitreps {
		if _, ok := active[sr.Category]; !ok {
			continue
		}
		if !f.AsOf.IsZero() && sr.Timestamp.After(f.AsOf) {
			continue
		}
		if f.MinThreat != "" && sr.ThreatLevel.Rank() < f.MinThreat.Rank() {
			continue
		}
		out = append(out, sr)
	}
	return out
}

// SearchOSINT runs a full-text query over indexed supporting items.
func (s *Store) SearchOSINT(q string, limit int) ([]OsintHit, error) {
	return s.osint.Search(q, limit)
}

func (s *Store) SetSearching(v bool) {
	s.mu.Lock()
	s.searching = v
	s.mu.Unlock()
}

func (s *Store) SetAnalyzing(v bool) {
	s.mu.Lock()
	s.analyzing = v
	s.mu.Unlock()
}

func (s *Store) SetBackgroundRunning(v bool) {
	s.mu.Lock()
	s.backgroundRunning = v
	s.mu.Unlock()
}

// SetUplinkLatency records the wall-clock duration of the last cycle.
func (s *Store) SetUplinkLatency(d time.Duration) {
	s.mu.Lock()
	s.uplinkLatency = d
	s.mu.Unlock()
}

// MarkBackgroundPoll records when the background stream last completed.
func (s *Store) MarkBackgroundPoll(t time.Time) {
	s.mu.Lock()
	s.lastPoll = t
	s.mu.Unlock()
}

// Status returns a snapshot of activity flags and collection sizes.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Searching:         s.searching,
		Analyzing:         s.analyzing,
		BackgroundRunning: s.backgroundRunning,
		UplinkLatencyMs:   s.uplinkLatency.Milliseconds(),
		SitrepCount:       len(s.sitreps),
		ProphetCount:      len(s.prophet),
		AnalysisCount:     len(s.analyses),
		OsintIndexed:      s.osint.Len(),
	}
	if !s.lastPoll.IsZero() {
		t := s.lastPoll
		st.LastBackgroundPollAt = &t
	}
	return st
}
