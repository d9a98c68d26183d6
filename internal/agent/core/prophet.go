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

const prefilterFallbackCount = 3

// Prophet runs the two-stage forecast pipeline: a cheap prefilter for
// latent tension, then a reasoning pass producing forecast nodes.
type Prophet struct {
	prefilter *ModelChain
	reasoning *ModelChain
	logger    *log.Logger
	now       func() time.Time
}

// NewProphet wires the prefilter and reasoning chains.
func NewProphet(prefilter, reasoning *ModelChain) *Prophet {
	return &Prophet{
		prefilter: prefilter,
		reasoning: reasoning,
		logger:    log.New(log.Writer(), "[PROPHET] ", log.LstdFlags),
		now:       time.Now,
	}
}

// SelectCandidates keeps the items the prefilter flags as escalating. When
// the prefilter fails or selects nothing usable, the first three items are
// returned so the forecast stage still has signal.
func (p *Prophet) SelectCandidates(ctx context.Context, batch []models.OsintNewsItem) []models.OsintNewsItem {
	if len(batch) == 0 {
		return []models.OsintNewsItem{}
	}
	var b strings.Builder
	b.WriteString("Select only items showing latent tension likely to escalate within 30 days.\n")
	b.WriteString(`Return ONLY JSON: { "indices": number[] } where each number is 1-based.`)
	b.WriteString("\n\n")
	for i, item := range batch {
		fmt.Fprintf(&b, "%d. %s | %s\n", i+1, item.Title, item.Snippet)
	}

	text, _, err := p.prefilter.Complete(ctx, Prompt{User: b.String(), JSON: true})
	if err == nil {
		var picks []models.OsintNewsItem
		picks, err = parseSelection(text, batch)
		if err == nil && len(picks) > 0 {
			return picks
		}
	}
	p.logger.Printf("prefilter fallback to first %d items: %v", prefilterFallbackCount, err)
	return append([]models.OsintNewsItem(nil), batch[:min(len(batch), prefilterFallbackCount)]...)
}

// parseSelection maps 1-based indices onto batch. Non-integer, out of range
// and repeated indices are ignored.
func parseSelection(text string, batch []models.OsintNewsItem) ([]models.OsintNewsItem, error) {
	payload, err := decodePayload(text, helpers.AnyShape)
	if err != nil {
		return nil, err
	}
	var list any = payload
	if obj, ok := payload.(map[string]any); ok {
		list = obj["indices"]
	}
	arr, ok := list.([]any)
	if !ok {
		return nil, fmt.Errorf("indices: want array, got %T", list)
	}
	seen := make(map[int]struct{}, len(arr))
	out := make([]models.OsintNewsItem, 0, len(arr))
	for _, v := range arr {
		f, ok := asFloat(v)
		if !ok || f != float64(int(f)) {
			continue
		}
		idx := int(f) - 1
		if idx < 0 || idx >= len(batch) {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, batch[idx])
	}
	return out, nil
}

// Predict asks for forecast nodes anchored at temporalDate. A chain failure
// is returned; an unusable payload yields an empty forecast.
func (p *Prophet) Predict(ctx context.Context, candidates []models.OsintNewsItem, temporalDate string) ([]models.ProphetNode, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Temporal context date: %s\n", temporalDate)
	b.WriteString("Based on news from 2020 to early 2026, identify regions with high latent tension but no active kinetic conflict.\n")
	b.WriteString("Cross-reference these summaries with economic volatility and historical conflict escalation archetypes.\n")
	b.WriteString("Return ONLY valid JSON:\n")
	b.WriteString(`{ "prophetNodes": [{ "title": string, "coordinates": [number, number], "confidence": number, "probabilityAnalysis": string, "leadingIndicators": string[], "sourceLinks": string[] }] }`)
	b.WriteString("\n\nOSINT FEED:\n")
	if len(candidates) == 0 {
		b.WriteString("No candidate feed.")
	}
	for i, item := range candidates {
		fmt.Fprintf(&b, "%d. %s | %s | %s\n", i+1, item.Title, item.Snippet, item.Source)
	}

	text, model, err := p.reasoning.Complete(ctx, Prompt{User: b.String(), JSON: true})
	if err != nil {
		return nil, fmt.Errorf("prophet reasoning: %w", err)
	}
	nodes, err := parseProphetNodes(text, temporalDate, p.now())
	if err != nil {
		p.logger.Printf("prophet payload from %s unusable, empty forecast: %v", model, err)
		return []models.ProphetNode{}, nil
	}
	return nodes, nil
}

func parseProphetNodes(text, temporalDate string, now time.Time) ([]models.ProphetNode, error) {
	payload, err := decodePayload(text, helpers.ObjectShape)
	if err != nil {
		return nil, err
	}
	day := temporal.ISODay(now)
	if t, err := temporal.ParseISODay(temporalDate); err == nil {
		day = temporal.ISODay(t)
	}
	entries := objectList(payload, "prophetNodes")
	out := make([]models.ProphetNode, 0, len(entries))
	for idx, node := range entries {
		coords, ok := parseCoordinatePair(node["coordinates"])
		if !ok {
			continue
		}
		out = append(out, models.ProphetNode{
			ID:                  fmt.Sprintf("PR-%d-%d", now.UnixMilli(), idx),
			Title:               stringOr(node["title"], "Latent Conflict Projection"),
			Coordinates:         coords,
			Timestamp:           temporal.Midnight(day),
			ProbabilityAnalysis: stringOr(node["probabilityAnalysis"], "Elevated latent tension observed."),
			LeadingIndicators:   asStrings(node["leadingIndicators"]),
			Confidence:          clampScore(node["confidence"]),
			SourceLinks:         asStrings(node["sourceLinks"]),
		})
	}
	return out, nil
}

// parseCoordinatePair accepts [lat, lng] or {lat, lng}.
func parseCoordinatePair(v any) (models.Coordinates, bool) {
	var lat, lng any
	switch x := v.(type) {
	case []any:
		if len(x) != 2 {
			return models.Coordinates{}, false
		}
		lat, lng = x[0], x[1]
	case map[string]any:
		lat, lng = x["lat"], x["lng"]
	default:
		return models.Coordinates{}, false
	}
	la, ok1 := asFloat(lat)
	ln, ok2 := asFloat(lng)
	c := models.Coordinates{Lat: la, Lng: ln}
	return c, ok1 && ok2 && c.Valid()
}
