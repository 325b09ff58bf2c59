// Package search indexes the resource library so editors can find reusable
// assets across a story.
package search

// Record is the data indexed per library resource.
type Record struct {
	ID          string `json:"id"`
	StoryID     string `json:"storyId"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Query describes a library search request.
type Query struct {
	Text       string
	StoryID    string
	FilterKind string // empty = all kinds
	Limit      int
	Offset     int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	StoryID string `json:"storyId"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a library search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push resources into a search index.
type Indexer interface {
	IndexResource(r Record) error
	DeleteResource(id string) error
}
