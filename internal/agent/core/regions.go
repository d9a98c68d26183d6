package core

import (
	"math"
	"strings"

	"github.com/mohammad-safakhou/sitrep/models"
)

type regionHint struct {
	keys  []string
	point models.Coordinates
}

// fallbackHints resolve a representative point when a model omits or
// garbles coordinates. First match wins.
var fallbackHints = []regionHint{
	{keys: []string{"middle east", "gaza", "israel", "lebanon", "syria"}, point: models.Coordinates{Lat: 31.8, Lng: 35.2}},
	{keys: []string{"sahel", "mali", "burkina", "niger"}, point: models.Coordinates{Lat: 15.3, Lng: -0.1}},
	{keys: []string{"eastern europe", "ukraine", "donetsk"}, point: models.Coordinates{Lat: 48.4, Lng: 37.9}},
	{keys: []string{"southeast asia", "myanmar", "south china sea"}, point: models.Coordinates{Lat: 14.6, Lng: 101.0}},
	{keys: []string{"sudan", "khartoum"}, point: models.Coordinates{Lat: 15.5007, Lng: 32.5599}},
	{keys: []string{"drc", "goma"}, point: models.Coordinates{Lat: -1.679, Lng: 29.222}},
}

// DefaultPoint is used when no hint matches.
var DefaultPoint = models.Coordinates{Lat: 20, Lng: 0}

// InferCoordinates resolves a hint point from free text and offsets it by a
// deterministic per-index jitter so fallback nodes sharing a hint do not
// stack exactly.
func InferCoordinates(text string, idx int) models.Coordinates {
	t := strings.ToLower(text)
	base := DefaultPoint
	for _, h := range fallbackHints {
		if containsAny(t, h.keys) {
			base = h.point
			break
		}
	}
	if idx < 0 {
		idx = -idx
	}
	jitter := float64(idx%5) * 0.11
	return models.Coordinates{Lat: round4(base.Lat + jitter), Lng: round4(base.Lng + jitter)}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

type centerHint struct {
	key   string
	point models.Coordinates
}

// centerHints drive map focus for a search query.
var centerHints = []centerHint{
	{key: "sudan", point: models.Coordinates{Lat: 15.5007, Lng: 32.5599}},
	{key: "jonglei", point: models.Coordinates{Lat: 7.0, Lng: 31.5}},
	{key: "drc", point: models.Coordinates{Lat: -1.679, Lng: 29.222}},
	{key: "goma", point: models.Coordinates{Lat: -1.679, Lng: 29.222}},
	{key: "sake", point: models.Coordinates{Lat: -1.574, Lng: 29.043}},
	{key: "gaza", point: models.Coordinates{Lat: 31.3547, Lng: 34.3088}},
	{key: "ukraine", point: models.Coordinates{Lat: 50.4501, Lng: 30.5234}},
	{key: "south china sea", point: models.Coordinates{Lat: 11.5, Lng: 114.0}},
}

// World view used for global searches.
var (
	WorldCenter = models.Coordinates{Lat: 20, Lng: 0}
	WorldZoom   = 2
)

// unmatchedCenter is the regional default when a query names no known hint.
var unmatchedCenter = models.Coordinates{Lat: 15.5007, Lng: 32.5599}

// MapFocus returns the map center and zoom for a query. Wide theatres zoom
// out further than city-level hints. An empty query gets the world view.
func MapFocus(query string) (models.Coordinates, int, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return WorldCenter, WorldZoom, false
	}
	for _, h := range centerHints {
		if !strings.Contains(q, h.key) {
			continue
		}
		zoom := 6
		if h.key == "south china sea" || h.key == "ukraine" {
			zoom = 4
		}
		return h.point, zoom, true
	}
	return unmatchedCenter, 5, false
}

// DefaultRegions are swept in hotspot mode.
var DefaultRegions = []string{
	"Middle East",
	"Sahel",
	"Eastern Europe",
	"Southeast Asia",
	"Horn of Africa",
	"South Asia",
	"East Asia",
	"Latin America",
	"North America",
	"Oceania",
}

// GlobalConflictQuery is the hotspot topic combined with each region.
const GlobalConflictQuery = "Armed Conflict OR Civil Unrest OR Cyber Warfare"

// HotspotQueries expands regions into one search query each.
func HotspotQueries(regions []string) []string {
	if len(regions) == 0 {
		regions = DefaultRegions
	}
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, GlobalConflictQuery+" "+r)
	}
	return out
}
