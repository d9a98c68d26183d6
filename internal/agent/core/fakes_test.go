package core

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/sitrep/internal/agent/sources"
	"github.com/mohammad-safakhou/sitrep/internal/store"
	"github.com/mohammad-safakhou/sitrep/models"
)

// fakeProvider answers prompts through respond and records every call.
type fakeProvider struct {
	mu      sync.Mutex
	models  []string
	prompts []Prompt
	respond func(model string, p Prompt) (string, error)
}

func (f *fakeProvider) Generate(_ context.Context, model string, p Prompt) (string, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	return f.respond(model, p)
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

// callsMatching counts prompts whose user text contains marker.
func (f *fakeProvider) callsMatching(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.prompts {
		if strings.Contains(p.User, marker) {
			n++
		}
	}
	return n
}

func replyWith(text string) func(string, Prompt) (string, error) {
	return func(string, Prompt) (string, error) { return text, nil }
}

func failWith(err error) func(string, Prompt) (string, error) {
	return func(string, Prompt) (string, error) { return "", err }
}

func chainFor(p LLMProvider) *ModelChain {
	return NewModelChain(p, "primary-model", "fallback-model", nil)
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []sources.NewsQuery
	search  func(q sources.NewsQuery) ([]models.OsintNewsItem, error)
}

func (f *fakeSearcher) SearchNews(_ context.Context, q sources.NewsQuery) ([]models.OsintNewsItem, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.search(q)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return st
}

func newsItem(title, snippet, link string) models.OsintNewsItem {
	return models.OsintNewsItem{Title: title, Snippet: snippet, Source: "Wire", Link: link, PublishedAt: "2025-03-01", QueryDateContext: "2025-03-10"}
}

// hangingProvider blocks until ctx ends for the models in hang and answers
// the rest with reply.
type hangingProvider struct {
	mu    sync.Mutex
	calls int
	hang  map[string]bool
	reply string
}

func (h *hangingProvider) Generate(ctx context.Context, model string, _ Prompt) (string, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.hang == nil || h.hang[model] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return h.reply, nil
}

func (h *hangingProvider) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
