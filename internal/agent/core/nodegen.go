package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sitrep/internal/helpers"
	"github.com/mohammad-safakhou/sitrep/internal/temporal"
	"github.com/mohammad-safakhou/sitrep/models"
)

const (
	maxFallbackCandidates = 12
	maxLiveFallbackNodes  = 20
	fallbackConfidence    = 40
)

// Candidate is one geolocated event proposed by node generation.
type Candidate struct {
	Coordinates models.Coordinates `json:"coordinates"`
	Title       string             `json:"title"`
	Severity    models.ThreatLevel `json:"severity"`
	Category    models.Category    `json:"category"`
	Timestamp   time.Time          `json:"timestamp"`
	Summary     string             `json:"summary"`
	Actors      []string           `json:"actors"`
	Confidence  int                `json:"confidence"`
	SourceLinks []string           `json:"sourceLinks"`
	// Inferred is set when coordinates came from the region hint table.
	Inferred bool `json:"inferred,omitempty"`
}

// GenerationResult carries candidates and whether they are synthesized
// fallbacks rather than model output.
type GenerationResult struct {
	Candidates []Candidate
	Model      string
	Degraded   bool
	Cause      error
}

// NodeGenerator turns raw OSINT into event candidates.
type NodeGenerator struct {
	chain     *ModelChain
	liveChain *ModelChain
	logger    *log.Logger
}

// NewNodeGenerator wires the reasoning chain and the live-feed chain.
func NewNodeGenerator(chain, liveChain *ModelChain) *NodeGenerator {
	return &NodeGenerator{
		chain:     chain,
		liveChain: liveChain,
		logger:    log.New(log.Writer(), "[NODEGEN] ", log.LstdFlags),
	}
}

func buildNodePrompt(query string, raw []models.OsintNewsItem, window temporal.DateWindow) Prompt {
	var b strings.Builder
	b.WriteString("Analyze these news events. For each distinct conflict, generate a structured Tactical Node.\n")
	b.WriteString("If multiple reports describe the same event, consolidate them into a single high-confidence node.\n")
	b.WriteString("Use the actual event date from each news snippet/source field when available, not the current system date.\n")
	b.WriteString("Focus on Armed Conflict, Civil Unrest, and Cyber Warfare.\n")
	fmt.Fprintf(&b, "Scope query: %s\n", query)
	fmt.Fprintf(&b, "Date window: %s to %s\n\n", window.Start, window.End)
	b.WriteString("Return ONLY valid JSON:\n")
	b.WriteString(`{ "nodes": [{ "lat": number, "lng": number, "title": string, "severity": "LOW|MEDIUM|HIGH|CRITICAL", "category": "CONFLICT|POLITICAL|CYBER|MARITIME", "timestamp": "ISO date", "summary": string, "actors": string[], "confidence": number, "sourceLinks": string[] }] }`)
	b.WriteString("\n\nRAW SERPER JSON:\n")
	if len(raw) == 0 {
		b.WriteString("No entries.")
	}
	for i, item := range raw {
		published := item.PublishedAt
		if published == "" {
			published = "unknown"
		}
		fmt.Fprintf(&b, "%d. source=%s | title=%s | date=%s | snippet=%s | link=%s\n", i+1, item.Source, item.Title, published, item.Snippet, item.Link)
	}
	return Prompt{
		System: "You are an OSINT fusion analyst producing geolocated tactical nodes.",
		User:   b.String(),
		JSON:   true,
	}
}

// GenerateNodes asks the reasoning chain for candidates. It never fails on
// model or payload problems: those degrade to one hint-located candidate per
// raw item. Only context cancellation is returned as an error.
func (g *NodeGenerator) GenerateNodes(ctx context.Context, query string, raw []models.OsintNewsItem, window temporal.DateWindow) (GenerationResult, error) {
	if len(raw) == 0 {
		return GenerationResult{Candidates: []Candidate{}}, nil
	}
	text, model, err := g.chain.Complete(ctx, buildNodePrompt(query, raw, window))
	if err == nil {
		var cands []Candidate
		cands, err = parseNodes(text, query, window)
		if err == nil && len(cands) > 0 {
			return GenerationResult{Candidates: cands, Model: model}, nil
		}
		if err == nil {
			err = fmt.Errorf("model %s returned no nodes", model)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return GenerationResult{}, ctxErr
	}
	g.logger.Printf("node generation degraded, synthesizing %d fallbacks: %v", min(len(raw), maxFallbackCandidates), err)
	return GenerationResult{
		Candidates: FallbackCandidates(query, raw, window),
		Model:      model,
		Degraded:   true,
		Cause:      err,
	}, nil
}

// parseNodes validates the {"nodes": [...]} payload.
func parseNodes(text, query string, window temporal.DateWindow) ([]Candidate, error) {
	payload, err := decodePayload(text, helpers.ObjectShape)
	if err != nil {
		return nil, err
	}
	entries := objectList(payload, "nodes")
	out := make([]Candidate, 0, len(entries))
	for idx, node := range entries {
		title := stringOr(node["title"], "Global Hotspot")
		summary := stringOr(node["summary"], "OSINT event cluster identified.")
		c := Candidate{
			Title:       title,
			Severity:    models.ParseThreatLevel(asString(node["severity"])),
			Category:    models.ParseCategory(asString(node["category"])),
			Timestamp:   parseEventTime(asString(node["timestamp"]), window),
			Summary:     summary,
			Actors:      asStrings(node["actors"]),
			Confidence:  clampScore(node["confidence"]),
			SourceLinks: asStrings(node["sourceLinks"]),
		}
		lat, latOK := asFloat(node["lat"])
		lng, lngOK := asFloat(node["lng"])
		c.Coordinates = models.Coordinates{Lat: lat, Lng: lng}
		if !latOK || !lngOK || !c.Coordinates.Valid() {
			c.Coordinates = InferCoordinates(title+" "+summary+" "+query, idx)
			c.Inferred = true
		}
		out = append(out, c)
	}
	return out, nil
}

// parseEventTime accepts a date or instant. Bare dates are taken at UTC
// midnight; anything unusable falls back to the window start.
func parseEventTime(s string, window temporal.DateWindow) time.Time {
	s = strings.TrimSpace(s)
	if s != "" && !strings.Contains(s, "T") {
		s = temporal.Midnight(s)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := temporal.ParseISODay(window.Start); err == nil {
		return t
	}
	return temporal.Start
}

// FallbackCandidates synthesizes one low-confidence candidate per raw item,
// capped at twelve, located from region hints.
func FallbackCandidates(query string, raw []models.OsintNewsItem, window temporal.DateWindow) []Candidate {
	n := min(len(raw), maxFallbackCandidates)
	out := make([]Candidate, 0, n)
	for idx, item := range raw[:n] {
		ts := item.PublishedAt
		if ts == "" {
			ts = window.Start
		}
		links := []string{}
		if item.Link != "" {
			links = append(links, item.Link)
		}
		out = append(out, Candidate{
			Coordinates: InferCoordinates(item.Title+" "+item.Snippet+" "+query, idx),
			Title:       item.Title,
			Severity:    models.ThreatMedium,
			Category:    models.ParseCategory(item.Title + " " + item.Snippet),
			Timestamp:   parseEventTime(ts, window),
			Summary:     item.Snippet,
			Actors:      []string{},
			Confidence:  fallbackConfidence,
			SourceLinks: links,
			Inferred:    true,
		})
	}
	return out
}

// DedupeNodesByCoordinates keeps the first candidate per 2-decimal position.
func DedupeNodesByCoordinates(in []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		key := c.Coordinates.Key(2)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

const liveSystemPrompt = "You are a Defense Intelligence Analyst. Parse these news snippets and return a valid JSON array of objects. " +
	"Each object must contain: { id, title, lat, lng, severity, sitrep, timestamp }. " +
	"Ensure the coordinates (lat/lng) are geographically accurate for the conflict mentioned."

func buildLivePrompt(raw []models.OsintNewsItem) Prompt {
	var b strings.Builder
	b.WriteString("Parse these OSINT conflict snippets.\n")
	b.WriteString("Return ONLY a valid JSON array. Do not return markdown or commentary.\n")
	b.WriteString("Each array object must have exactly these keys:\n")
	b.WriteString(`{ "id": string, "title": string, "lat": number, "lng": number, "severity": "LOW|MEDIUM|HIGH|CRITICAL", "sitrep": string, "timestamp": string }`)
	b.WriteString("\nUse geographically accurate coordinates for the conflict location in each item.\n\nOSINT FEED:\n")
	if len(raw) == 0 {
		b.WriteString("No entries.")
	}
	for i, item := range raw {
		fmt.Fprintf(&b, "%d. source=%s | date=%s | title=%s | snippet=%s\n", i+1, item.Source, itemDate(item), item.Title, item.Snippet)
	}
	return Prompt{System: liveSystemPrompt, User: b.String()}
}

func itemDate(item models.OsintNewsItem) string {
	switch {
	case item.Date != "":
		return item.Date
	case item.PublishedAt != "":
		return item.PublishedAt
	default:
		return "unknown"
	}
}

// ParseLiveConflicts converts a live OSINT batch into map nodes. A chain
// failure is returned to the caller; an unusable payload degrades to
// hint-located nodes built from the raw items.
func (g *NodeGenerator) ParseLiveConflicts(ctx context.Context, raw []models.OsintNewsItem) ([]models.LiveNode, error) {
	text, model, err := g.liveChain.Complete(ctx, buildLivePrompt(raw))
	if err != nil {
		return nil, fmt.Errorf("live conflict parsing: %w", err)
	}
	nodes, err := parseLiveNodes(text, raw, time.Now().UTC())
	if err != nil {
		g.logger.Printf("live payload from %s unusable, using raw fallback: %v", model, err)
		return LiveFallbackNodes(raw, time.Now().UTC()), nil
	}
	return nodes, nil
}

// parseLiveNodes accepts a bare array or an object wrapping it in "nodes".
func parseLiveNodes(text string, raw []models.OsintNewsItem, now time.Time) ([]models.LiveNode, error) {
	payload, err := decodePayload(text, helpers.AnyShape)
	if err != nil {
		return nil, err
	}
	entries := objectList(payload, "nodes")
	out := make([]models.LiveNode, 0, len(entries))
	for idx, item := range entries {
		var fromRaw models.OsintNewsItem
		if idx < len(raw) {
			fromRaw = raw[idx]
		}
		title := stringOr(item["title"], stringOr(fromRaw.Title, "Global Conflict Update"))
		sitrep := stringOr(item["sitrep"], stringOr(fromRaw.Snippet, "No sitrep provided."))
		ts := stringOr(item["timestamp"], fromRaw.Date)
		if ts == "" {
			ts = now.Format(time.RFC3339)
		}
		if !strings.Contains(ts, "T") {
			ts = temporal.Midnight(ts)
		}
		node := models.LiveNode{
			ID:        stringOr(item["id"], fmt.Sprintf("live-%d", idx+1)),
			Title:     title,
			Severity:  models.ParseThreatLevel(asString(item["severity"])),
			Sitrep:    sitrep,
			Timestamp: ts,
		}
		hint := InferCoordinates(title+" "+sitrep, idx)
		lat, latOK := asFloat(item["lat"])
		lng, lngOK := asFloat(item["lng"])
		if !latOK {
			lat = hint.Lat
		}
		if !lngOK {
			lng = hint.Lng
		}
		node.Lat, node.Lng = lat, lng
		out = append(out, node)
	}
	return out, nil
}

// LiveFallbackNodes builds up to twenty nodes straight from raw items.
func LiveFallbackNodes(raw []models.OsintNewsItem, now time.Time) []models.LiveNode {
	n := min(len(raw), maxLiveFallbackNodes)
	out := make([]models.LiveNode, 0, n)
	for idx, item := range raw[:n] {
		p := InferCoordinates(item.Title+" "+item.Snippet, idx)
		ts := item.Date
		if ts == "" {
			ts = item.PublishedAt
		}
		if ts == "" {
			ts = now.Format(time.RFC3339)
		}
		out = append(out, models.LiveNode{
			ID:        fmt.Sprintf("live-fallback-%d", idx+1),
			Title:     item.Title,
			Lat:       p.Lat,
			Lng:       p.Lng,
			Severity:  models.ThreatMedium,
			Sitrep:    item.Snippet,
			Timestamp: ts,
		})
	}
	return out
}
