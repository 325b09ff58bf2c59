package search

import (
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is the in-process fallback searcher used when Meilisearch is
// unconfigured or unhealthy. Substring matching over title and description,
// good enough for a single-node library browse.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

func (m *MemoryIndex) IndexResource(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *MemoryIndex) DeleteResource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryIndex) Healthy() bool { return true }

func (m *MemoryIndex) Search(q Query) ([]Result, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matches []Record
	for _, record := range m.records {
		if q.StoryID != "" && record.StoryID != q.StoryID {
			continue
		}
		if q.FilterKind != "" && record.Kind != q.FilterKind {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(record.Title), needle) &&
			!strings.Contains(strings.ToLower(record.Description), needle) {
			continue
		}
		matches = append(matches, record)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Title < matches[j].Title })

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[q.Offset:]
		}
	}
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]Result, 0, len(matches))
	for _, record := range matches {
		results = append(results, Result{
			ID:      record.ID,
			StoryID: record.StoryID,
			Kind:    record.Kind,
			Title:   record.Title,
			Snippet: record.Description,
		})
	}
	return results, total, nil
}
