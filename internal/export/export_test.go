package export

import (
	"strings"
	"testing"

	"fabula/api/internal/content"
	"fabula/api/internal/story"
)

func resolverFor(embeds map[string]Embed) Resolver {
	return func(contextualizationID string) (Embed, bool) {
		embed, ok := embeds[contextualizationID]
		return embed, ok
	}
}

func TestTreeToHTMLBlocks(t *testing.T) {
	tree := content.Tree{
		Blocks: []content.Block{
			{Key: "h", Type: "header-two", Text: "Background"},
			{Key: "p", Type: "unstyled", Text: "Plain paragraph."},
			{Key: "l1", Type: "unordered-list-item", Text: "First"},
			{Key: "l2", Type: "unordered-list-item", Text: "Second"},
			{Key: "q", Type: "blockquote", Text: "A quote"},
		},
	}
	html := TreeToHTML(tree, resolverFor(nil))

	for _, want := range []string{
		"<h2>Background</h2>",
		"<p>Plain paragraph.</p>",
		"<ul>", "<li>First</li>", "<li>Second</li>", "</ul>",
		"<blockquote>A quote</blockquote>",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("missing %q in:\n%s", want, html)
		}
	}
	// The list must close before the blockquote opens.
	if strings.Index(html, "</ul>") > strings.Index(html, "<blockquote>") {
		t.Error("list not closed before following block")
	}
}

func TestTreeToHTMLEscapesText(t *testing.T) {
	tree := content.Tree{
		Blocks: []content.Block{{Key: "p", Type: "unstyled", Text: "a < b & c"}},
	}
	html := TreeToHTML(tree, resolverFor(nil))
	if !strings.Contains(html, "a &lt; b &amp; c") {
		t.Errorf("text not escaped: %s", html)
	}
}

func TestTreeToHTMLRendersEmbeds(t *testing.T) {
	tree := content.Tree{
		Blocks: []content.Block{{
			Key:  "p",
			Type: "unstyled",
			Text: "See the harbor map for details.",
			EntityRanges: []content.EntityRange{
				{Offset: 8, Length: 10, Key: 0},
			},
		}},
		EntityMap: map[string]content.Entity{
			"0": {Data: content.EntityData{Asset: content.AssetRef{ID: "ctx-1"}}},
		},
	}
	html := TreeToHTML(tree, resolverFor(map[string]Embed{
		"ctx-1": {Kind: story.KindWebpage, Title: "Harbor master plan"},
	}))
	if !strings.Contains(html, `<span class="embed embed-webpage" title="Harbor master plan">harbor map</span>`) {
		t.Errorf("embed markup missing:\n%s", html)
	}
}

func TestTreeToHTMLAbsorbsPhantoms(t *testing.T) {
	tree := content.Tree{
		Blocks: []content.Block{{
			Key:  "p",
			Type: "unstyled",
			Text: "A dangling reference here.",
			EntityRanges: []content.EntityRange{
				{Offset: 2, Length: 8, Key: 0},
			},
		}},
		EntityMap: map[string]content.Entity{
			"0": {Data: content.EntityData{Asset: content.AssetRef{ID: "ctx-gone"}}},
		},
	}
	// The resolver knows nothing: the range renders as an absent embed, the
	// surrounding text survives, and nothing errors.
	html := TreeToHTML(tree, resolverFor(nil))
	if !strings.Contains(html, `<span class="embed embed-absent">dangling</span>`) {
		t.Errorf("phantom should render as absent embed:\n%s", html)
	}
	if !strings.Contains(html, "reference here.") {
		t.Errorf("text after phantom lost:\n%s", html)
	}
}

func TestTreeToHTMLMissingEntityKeyFallsBackToText(t *testing.T) {
	tree := content.Tree{
		Blocks: []content.Block{{
			Key:  "p",
			Type: "unstyled",
			Text: "Broken range here.",
			EntityRanges: []content.EntityRange{
				{Offset: 0, Length: 6, Key: 9},
			},
		}},
		EntityMap: map[string]content.Entity{},
	}
	html := TreeToHTML(tree, resolverFor(nil))
	if !strings.Contains(html, "Broken range here.") {
		t.Errorf("text should survive a missing entity key:\n%s", html)
	}
	if strings.Contains(html, "embed") {
		t.Errorf("missing entity key should not render embed markup:\n%s", html)
	}
}

func TestExportHTMLAssemblesSectionsInOrder(t *testing.T) {
	item := story.Story{
		ID:            "story-1",
		Metadata:      story.Metadata{Title: "The Harbor Redevelopment", Authors: []string{"Avery"}},
		SectionsOrder: []string{"sec-2", "sec-1"},
		Sections: map[string]story.Section{
			"sec-1": {
				ID:       "sec-1",
				Metadata: story.Metadata{Title: "Alpha"},
				Contents: content.Tree{Blocks: []content.Block{{Key: "a", Type: "unstyled", Text: "Alpha body"}}},
			},
			"sec-2": {
				ID:       "sec-2",
				Metadata: story.Metadata{Title: "Beta"},
				Contents: content.Tree{Blocks: []content.Block{{Key: "b", Type: "unstyled", Text: "Beta body"}}},
				Notes: map[string]story.Note{
					"note-1": {ID: "note-1", Contents: content.Tree{Blocks: []content.Block{{Key: "n", Type: "unstyled", Text: "A footnote"}}}},
				},
				NotesOrder: []string{"note-1"},
			},
		},
	}

	result, err := NewService().Export(item, Request{StoryID: "story-1", Format: FormatHTML, IncludeNotes: true})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	html := string(result.Data)

	if !strings.Contains(html, "The Harbor Redevelopment") {
		t.Error("title missing")
	}
	// sec-2 is ordered before sec-1.
	if strings.Index(html, "Beta body") > strings.Index(html, "Alpha body") {
		t.Error("sections rendered out of order")
	}
	if !strings.Contains(html, "A footnote") {
		t.Error("notes missing despite IncludeNotes")
	}
	if result.MimeType != "text/html; charset=utf-8" {
		t.Errorf("unexpected mime type %s", result.MimeType)
	}
	if result.Filename != "The-Harbor-Redevelopment.html" {
		t.Errorf("unexpected filename %s", result.Filename)
	}

	withoutNotes, err := NewService().Export(item, Request{StoryID: "story-1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if strings.Contains(string(withoutNotes.Data), "A footnote") {
		t.Error("notes rendered despite IncludeNotes=false")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Story v1.2", "My-Story-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "story"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := percentEncodeForDataURL(tt.input); got != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
