package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/sitrep/internal/helpers"
	"github.com/mohammad-safakhou/sitrep/models"
)

// Reasoner produces deep strategic analysis for one sitrep.
type Reasoner struct {
	chain  *ModelChain
	logger *log.Logger
}

// NewReasoner wires the reasoning chain.
func NewReasoner(chain *ModelChain) *Reasoner {
	return &Reasoner{chain: chain, logger: log.New(log.Writer(), "[REASONER] ", log.LstdFlags)}
}

// DefaultAnalysis is the single degraded value returned when there is no
// grounding data or the model cannot be used.
func DefaultAnalysis() models.IntelligenceAnalysis {
	facts := []string{"Data stream degraded."}
	deductions := []string{"Maintain elevated surveillance posture."}
	return models.IntelligenceAnalysis{
		StrategicOverview:        "Analysis pipeline produced partial output; fallback synthesis applied.",
		GeopoliticalImplications: FormatImplications(facts, deductions),
		RecommendedResponse:      "Maintain ISR coverage and re-run deep analysis.",
		Links:                    []models.AnalysisLink{},
		RiskScore:                50,
		ImmediateFacts:           facts,
		StrategicDeductions:      deductions,
		Actors:                   models.Actors{State: []string{}, NonState: []string{}},
		ReasoningSteps:           []string{"Fallback parser activated."},
	}
}

// FormatImplications renders facts and deductions as two bulleted sections.
// The layout is consumed verbatim by the dashboard.
func FormatImplications(facts, deductions []string) string {
	return "Immediate Facts:\n" + bullets(facts, "No immediate facts captured.") +
		"\n\nStrategic Deductions:\n" + bullets(deductions, "No strategic deductions captured.")
}

func bullets(items []string, placeholder string) string {
	if len(items) == 0 {
		return "- " + placeholder
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}

// AnalysisLinks cites rawOsint entries that carry a link.
func AnalysisLinks(raw []models.OsintNewsItem) []models.AnalysisLink {
	out := []models.AnalysisLink{}
	for _, item := range raw {
		if item.Link == "" {
			continue
		}
		out = append(out, models.AnalysisLink{Title: item.Source, URI: item.Link})
	}
	return out
}

func buildAnalysisPrompt(sr models.Sitrep, raw []models.OsintNewsItem) Prompt {
	var b strings.Builder
	b.WriteString("Conduct a deep strategic analysis of the following OSINT news data.\n")
	b.WriteString("Think through the immediate tactical threat, identify the primary state/non-state actors involved, and deduce the long-term geopolitical implications for the region.\n")
	b.WriteString("Do not provide a surface-level summary; provide a logic-backed SITREP.\n\n")
	fmt.Fprintf(&b, "SITREP CONTEXT: %s | %s | %s | threat=%s\n", sr.Title, sr.Category, sr.Timestamp.UTC().Format(time.RFC3339), sr.ThreatLevel)
	fmt.Fprintf(&b, "COORDINATES: %g, %g\n", sr.Coordinates.Lat, sr.Coordinates.Lng)
	fmt.Fprintf(&b, "DESCRIPTION: %s\n", sr.Description)
	fmt.Fprintf(&b, "ENTITIES: people=%s | places=%s | orgs=%s\n\n",
		strings.Join(sr.Entities.People, ", "), strings.Join(sr.Entities.Places, ", "), strings.Join(sr.Entities.Orgs, ", "))
	b.WriteString("OSINT FEED:\n")
	for i, item := range raw {
		fmt.Fprintf(&b, "%d. [%s] %s | %s | %s\n", i+1, item.Source, item.Title, item.Snippet, item.Link)
	}
	b.WriteString("\nReturn ONLY valid JSON with keys:\n")
	b.WriteString(`{
  "riskScore": number(0-100),
  "immediateFacts": string[],
  "strategicDeductions": string[],
  "actors": { "state": string[], "nonState": string[] },
  "reasoningSteps": string[],
  "recommendedResponse": string,
  "strategicOverview": string
}`)
	return Prompt{
		System: "You are a senior strategic intelligence analyst.",
		User:   b.String(),
		JSON:   true,
	}
}

// Analyze never fails. Without rawOsint it skips the model entirely.
func (r *Reasoner) Analyze(ctx context.Context, sr models.Sitrep, raw []models.OsintNewsItem) models.IntelligenceAnalysis {
	if len(raw) == 0 {
		return DefaultAnalysis()
	}
	text, model, err := r.chain.Complete(ctx, buildAnalysisPrompt(sr, raw))
	if err != nil {
		r.logger.Printf("analysis for %s failed: %v", sr.ID, err)
		return DefaultAnalysis()
	}
	analysis, err := parseAnalysis(text, raw)
	if err != nil {
		r.logger.Printf("analysis payload from %s unusable for %s: %v", model, sr.ID, err)
		return DefaultAnalysis()
	}
	return analysis
}

func parseAnalysis(text string, raw []models.OsintNewsItem) (models.IntelligenceAnalysis, error) {
	payload, err := decodePayload(text, helpers.ObjectShape)
	if err != nil {
		return models.IntelligenceAnalysis{}, err
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return models.IntelligenceAnalysis{}, fmt.Errorf("analysis: want object, got %T", payload)
	}
	facts := asStrings(obj["immediateFacts"])
	deductions := asStrings(obj["strategicDeductions"])
	actors, _ := obj["actors"].(map[string]any)
	return models.IntelligenceAnalysis{
		StrategicOverview:        stringOr(obj["strategicOverview"], "Strategic posture updated."),
		GeopoliticalImplications: FormatImplications(facts, deductions),
		RecommendedResponse:      stringOr(obj["recommendedResponse"], "Escalate regional monitoring cadence."),
		Links:                    AnalysisLinks(raw),
		RiskScore:                clampScore(obj["riskScore"]),
		ImmediateFacts:           facts,
		StrategicDeductions:      deductions,
		Actors: models.Actors{
			State:    asStrings(actors["state"]),
			NonState: asStrings(actors["nonState"]),
		},
		ReasoningSteps: asStrings(obj["reasoningSteps"]),
	}, nil
}
