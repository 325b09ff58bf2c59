package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory index.
type Service struct {
	meili    *Meili
	fallback *MemoryIndex
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback *MemoryIndex) *Service {
	if fallback == nil {
		fallback = NewMemoryIndex()
	}
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise the in-memory index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexResource indexes a resource. The fallback index is updated inline,
// Meilisearch fire-and-forget.
func (s *Service) IndexResource(r Record) {
	_ = s.fallback.IndexResource(r)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexResource(r); err != nil {
			log.Printf("search: index resource %s: %v", r.ID, err)
		}
	}()
}

// DeleteResource removes a resource from the indexes. Best-effort: index
// cleanup never blocks or fails a deletion cascade.
func (s *Service) DeleteResource(id string) {
	_ = s.fallback.DeleteResource(id)
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteResource(id); err != nil {
			log.Printf("search: delete resource %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes a full set of records, used at bootstrap.
func (s *Service) ReindexAll(records []Record) {
	for _, record := range records {
		_ = s.fallback.IndexResource(record)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexResources(records); err != nil {
		log.Printf("search: reindex resources: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
