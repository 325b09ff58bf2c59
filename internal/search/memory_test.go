package search

import "testing"

func seededIndex() *MemoryIndex {
	idx := NewMemoryIndex()
	_ = idx.IndexResource(Record{ID: "res-1", StoryID: "story-1", Kind: "webpage", Title: "Harbor master plan", Description: "City planning document"})
	_ = idx.IndexResource(Record{ID: "res-2", StoryID: "story-1", Kind: "image", Title: "Aerial photo", Description: "Harbor from above"})
	_ = idx.IndexResource(Record{ID: "res-3", StoryID: "story-2", Kind: "webpage", Title: "Budget breakdown", Description: "Spending by year"})
	return idx
}

func TestMemoryIndexSubstringSearch(t *testing.T) {
	idx := seededIndex()

	results, total, err := idx.Search(Query{Text: "harbor"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 matches, got %d", total)
	}
	// Sorted by title: Aerial photo before Harbor master plan.
	if results[0].ID != "res-2" || results[1].ID != "res-1" {
		t.Errorf("unexpected order: %v", results)
	}
	// Description matches count too.
	if results[0].Snippet != "Harbor from above" {
		t.Errorf("unexpected snippet: %s", results[0].Snippet)
	}
}

func TestMemoryIndexFilters(t *testing.T) {
	idx := seededIndex()

	_, total, _ := idx.Search(Query{StoryID: "story-1"})
	if total != 2 {
		t.Errorf("story filter: expected 2, got %d", total)
	}
	results, total, _ := idx.Search(Query{FilterKind: "webpage"})
	if total != 2 {
		t.Errorf("kind filter: expected 2, got %d", total)
	}
	for _, r := range results {
		if r.Kind != "webpage" {
			t.Errorf("kind filter leaked %s", r.Kind)
		}
	}
	_, total, _ = idx.Search(Query{StoryID: "story-2", FilterKind: "image"})
	if total != 0 {
		t.Errorf("combined filter: expected 0, got %d", total)
	}
}

func TestMemoryIndexPagination(t *testing.T) {
	idx := seededIndex()

	results, total, _ := idx.Search(Query{Limit: 2})
	if total != 3 || len(results) != 2 {
		t.Errorf("expected total 3 page 2, got total %d page %d", total, len(results))
	}
	results, total, _ = idx.Search(Query{Limit: 2, Offset: 2})
	if total != 3 || len(results) != 1 {
		t.Errorf("expected total 3 page 1, got total %d page %d", total, len(results))
	}
	results, _, _ = idx.Search(Query{Offset: 10})
	if len(results) != 0 {
		t.Errorf("offset past the end should be empty, got %v", results)
	}
}

func TestMemoryIndexDelete(t *testing.T) {
	idx := seededIndex()
	_ = idx.DeleteResource("res-1")
	_, total, _ := idx.Search(Query{Text: "master plan"})
	if total != 0 {
		t.Errorf("deleted record still searchable")
	}
	// Deleting twice is fine.
	if err := idx.DeleteResource("res-1"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	service := NewService(nil, NewMemoryIndex())
	service.IndexResource(Record{ID: "res-1", StoryID: "story-1", Kind: "bib", Title: "Port authority annual report"})

	response := service.Search(Query{Text: "port authority"})
	if response.Total != 1 || len(response.Results) != 1 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if response.Results[0].ID != "res-1" {
		t.Errorf("unexpected hit: %+v", response.Results[0])
	}

	service.DeleteResource("res-1")
	response = service.Search(Query{Text: "port authority"})
	if response.Total != 0 {
		t.Errorf("deleted resource still found: %+v", response)
	}
	if response.Results == nil {
		t.Error("results must be non-nil for JSON encoding")
	}
}
