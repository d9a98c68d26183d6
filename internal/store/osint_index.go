package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/sitrep/internal/helpers"
	"github.com/mohammad-safakhou/sitrep/models"
)

// OsintHit is one full-text match against the supporting OSINT corpus.
type OsintHit struct {
	Item  models.OsintNewsItem `json:"item"`
	Score float64              `json:"score"`
	Rank  int                  `json:"rank"`
}

type osintDoc struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// OsintIndex is an in-memory BM25 index over every OSINT item that has
// backed a merged sitrep.
type OsintIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]models.OsintNewsItem
}

// NewOsintIndex creates an empty mem-only index.
func NewOsintIndex() (*OsintIndex, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create osint index: %w", err)
	}
	return &OsintIndex{index: index, meta: make(map[string]models.OsintNewsItem)}, nil
}

// docID prefers the canonical link fingerprint so tracking-parameter
// variants of one article collapse into one document.
func docID(item models.OsintNewsItem) string {
	if fp, err := helpers.URLFingerprint(item.Link); err == nil {
		return fp
	}
	return item.Signature()
}

// Add indexes items not seen before and returns how many were new.
func (x *OsintIndex) Add(items ...models.OsintNewsItem) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	added := 0
	for _, item := range items {
		id := docID(item)
		if _, ok := x.meta[id]; ok {
			continue
		}
		if err := x.index.Index(id, osintDoc{Title: item.Title, Snippet: item.Snippet, Source: item.Source}); err != nil {
			return added, fmt.Errorf("index osint item: %w", err)
		}
		x.meta[id] = item
		added++
	}
	return added, nil
}

// Len returns the number of indexed items.
func (x *OsintIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.meta)
}

// Search runs a match query over title, snippet and source.
func (x *OsintIndex) Search(q string, k int) ([]OsintHit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []OsintHit{}, nil
	}
	if k <= 0 {
		k = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search osint index: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]OsintHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		item, ok := x.meta[hit.ID]
		if !ok {
			continue
		}
		out = append(out, OsintHit{Item: item, Score: hit.Score, Rank: len(out) + 1})
	}
	return out, nil
}
