package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrSitrepNotFound is returned when a sitrep id is unknown to the store.
var ErrSitrepNotFound = errors.New("sitrep not found")

// ThreatLevel is the ordinal severity of a sitrep.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Rank orders threat levels LOW < MEDIUM < HIGH < CRITICAL. Unknown values
// rank below LOW.
func (t ThreatLevel) Rank() int {
	switch t {
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	case ThreatCritical:
		return 4
	default:
		return 0
	}
}

// ParseThreatLevel accepts any casing and defaults to MEDIUM.
func ParseThreatLevel(s string) ThreatLevel {
	switch lvl := ThreatLevel(strings.ToUpper(strings.TrimSpace(s))); lvl {
	case ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return lvl
	default:
		return ThreatMedium
	}
}

// ThreatFromRisk derives the threat level for a 0..100 risk score.
func ThreatFromRisk(score int) ThreatLevel {
	switch {
	case score >= 85:
		return ThreatCritical
	case score >= 60:
		return ThreatHigh
	case score >= 30:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// Category buckets a sitrep for display filtering.
type Category string

const (
	CategoryConflict  Category = "CONFLICT"
	CategoryMaritime  Category = "MARITIME"
	CategoryCyber     Category = "CYBER"
	CategoryPolitical Category = "POLITICAL"
)

// AllCategories lists every category in display order.
var AllCategories = []Category{CategoryConflict, CategoryMaritime, CategoryCyber, CategoryPolitical}

// ParseCategory matches by substring so model output such as
// "cyber-attack" still lands in a bucket. Anything else is CONFLICT.
func ParseCategory(s string) Category {
	up := strings.ToUpper(s)
	switch {
	case strings.Contains(up, string(CategoryCyber)):
		return CategoryCyber
	case strings.Contains(up, string(CategoryMaritime)):
		return CategoryMaritime
	case strings.Contains(up, string(CategoryPolitical)):
		return CategoryPolitical
	default:
		return CategoryConflict
	}
}

// Coordinates is a latitude/longitude pair. It serialises as [lat, lng].
type Coordinates struct {
	Lat float64
	Lng float64
}

// Valid reports whether both axes are finite and within range.
func (c Coordinates) Valid() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) && !math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0) &&
		c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Key rounds both axes to the given number of decimals and joins them.
func (c Coordinates) Key(decimals int) string {
	return strconv.FormatFloat(roundTo(c.Lat, decimals), 'f', decimals, 64) + "," +
		strconv.FormatFloat(roundTo(c.Lng, decimals), 'f', decimals, 64)
}

// roundTo rounds half away from zero, then normalises negative zero.
func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	r := math.Round(v*p) / p
	if r == 0 {
		return 0
	}
	return r
}

func (c Coordinates) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lng})
}

// UnmarshalJSON accepts [lat, lng] and {"lat":..,"lng":..}.
func (c *Coordinates) UnmarshalJSON(b []byte) error {
	var pair []float64
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) != 2 {
			return fmt.Errorf("coordinates: want 2 values, got %d", len(pair))
		}
		c.Lat, c.Lng = pair[0], pair[1]
		return nil
	}
	var obj struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("coordinates: %w", err)
	}
	if obj.Lat == nil || obj.Lng == nil {
		return errors.New("coordinates: lat and lng required")
	}
	c.Lat, c.Lng = *obj.Lat, *obj.Lng
	return nil
}

// OsintNewsItem is one normalised news snippet. Values are never mutated
// after the search gateway produces them.
type OsintNewsItem struct {
	Title            string `json:"title"`
	Snippet          string `json:"snippet"`
	Source           string `json:"source"`
	Link             string `json:"link"`
	PublishedAt      string `json:"publishedAt,omitempty"`
	QueryDateContext string `json:"queryDateContext"`
	Date             string `json:"date,omitempty"`
}

// Signature is the identity key link|lower(title)|lower(source).
func (o OsintNewsItem) Signature() string {
	return o.Link + "|" + strings.ToLower(o.Title) + "|" + strings.ToLower(o.Source)
}

// Entities holds the three name sets attached to a sitrep.
type Entities struct {
	People []string `json:"people"`
	Places []string `json:"places"`
	Orgs   []string `json:"orgs"`
}

// NewEntities builds entity sets with duplicates and blanks removed.
func NewEntities(people, places, orgs []string) Entities {
	return Entities{
		People: appendUnique(nil, people...),
		Places: appendUnique(nil, places...),
		Orgs:   appendUnique(nil, orgs...),
	}
}

// AddOrgs unions names into the org set.
func (e *Entities) AddOrgs(names ...string) {
	e.Orgs = appendUnique(e.Orgs, names...)
}

// Clone returns a deep copy.
func (e Entities) Clone() Entities {
	return Entities{
		People: append([]string{}, e.People...),
		Places: append([]string{}, e.Places...),
		Orgs:   append([]string{}, e.Orgs...),
	}
}

func appendUnique(dst []string, names ...string) []string {
	if dst == nil {
		dst = []string{}
	}
	seen := make(map[string]struct{}, len(dst)+len(names))
	for _, n := range dst {
		seen[n] = struct{}{}
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		dst = append(dst, n)
	}
	return dst
}

// Sitrep is a canonical geolocated intelligence event.
type Sitrep struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Coordinates         Coordinates     `json:"coordinates"`
	Timestamp           time.Time       `json:"timestamp"`
	ThreatLevel         ThreatLevel     `json:"threatLevel"`
	Description         string          `json:"description"`
	Category            Category        `json:"category"`
	Entities            Entities        `json:"entities"`
	IsNew               bool            `json:"isNew,omitempty"`
	RiskScore           *int            `json:"riskScore,omitempty"`
	Confidence          *int            `json:"confidence,omitempty"`
	RawOsint            []OsintNewsItem `json:"rawOsint,omitempty"`
	IsProphetNode       bool            `json:"isProphetNode,omitempty"`
	ProbabilityAnalysis string          `json:"probabilityAnalysis,omitempty"`
	LeadingIndicators   []string        `json:"leadingIndicators,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Sitrep) Clone() Sitrep {
	out := s
	out.Entities = s.Entities.Clone()
	if s.RiskScore != nil {
		v := *s.RiskScore
		out.RiskScore = &v
	}
	if s.Confidence != nil {
		v := *s.Confidence
		out.Confidence = &v
	}
	if s.RawOsint != nil {
		out.RawOsint = append([]OsintNewsItem(nil), s.RawOsint...)
	}
	if s.LeadingIndicators != nil {
		out.LeadingIndicators = append([]string(nil), s.LeadingIndicators...)
	}
	return out
}

// ProphetNode is raw forecast output before conversion to a Sitrep.
type ProphetNode struct {
	ID                  string      `json:"id"`
	Title               string      `json:"title"`
	Coordinates         Coordinates `json:"coordinates"`
	Timestamp           string      `json:"timestamp"`
	ProbabilityAnalysis string      `json:"probabilityAnalysis"`
	LeadingIndicators   []string    `json:"leadingIndicators"`
	Confidence          int         `json:"confidence"`
	SourceLinks         []string    `json:"sourceLinks"`
}

// AnalysisLink cites one supporting OSINT item.
type AnalysisLink struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Actors splits named actors into state and non-state sets.
type Actors struct {
	State    []string `json:"state"`
	NonState []string `json:"nonState"`
}

// IntelligenceAnalysis is the deep-analysis result for one sitrep.
type IntelligenceAnalysis struct {
	StrategicOverview        string         `json:"strategicOverview"`
	GeopoliticalImplications string         `json:"geopoliticalImplications"`
	RecommendedResponse      string         `json:"recommendedResponse"`
	Links                    []AnalysisLink `json:"links"`
	RiskScore                int            `json:"riskScore"`
	ImmediateFacts           []string       `json:"immediateFacts"`
	StrategicDeductions      []string       `json:"strategicDeductions"`
	Actors                   Actors         `json:"actors"`
	ReasoningSteps           []string       `json:"reasoningSteps"`
}

// LiveNode is the compact event shape served by the live feed.
type LiveNode struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Severity  ThreatLevel `json:"severity"`
	Sitrep    string      `json:"sitrep"`
	Timestamp string      `json:"timestamp"`
}
