// Package story holds the in-memory model of a story: its sections, the
// resource library, and the contextualizations binding resources into
// rich-text content.
package story

import (
	"encoding/json"
	"time"

	"fabula/api/internal/content"
)

// ResourceKind enumerates the library resource types.
type ResourceKind string

const (
	KindImage    ResourceKind = "image"
	KindTable    ResourceKind = "table"
	KindVideo    ResourceKind = "video"
	KindEmbed    ResourceKind = "embed"
	KindWebpage  ResourceKind = "webpage"
	KindGlossary ResourceKind = "glossary"
	KindBib      ResourceKind = "bib"
)

var allKinds = map[ResourceKind]struct{}{
	KindImage:    {},
	KindTable:    {},
	KindVideo:    {},
	KindEmbed:    {},
	KindWebpage:  {},
	KindGlossary: {},
	KindBib:      {},
}

// ValidKind reports whether kind is one of the supported resource types.
func ValidKind(kind ResourceKind) bool {
	_, ok := allKinds[kind]
	return ok
}

// Uploaded reports whether the kind's payload is stored outside the story
// document (object storage) and must be deleted through the upload store.
func (k ResourceKind) Uploaded() bool {
	return k == KindImage || k == KindTable
}

type Metadata struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
}

type Story struct {
	ID                 string                       `json:"id"`
	Metadata           Metadata                     `json:"metadata"`
	SectionsOrder      []string                     `json:"sectionsOrder"`
	Sections           map[string]Section           `json:"sections"`
	Resources          map[string]Resource          `json:"resources"`
	Contextualizers    map[string]Contextualizer    `json:"contextualizers"`
	Contextualizations map[string]Contextualization `json:"contextualizations"`
	CreatedAt          time.Time                    `json:"createdAt,omitempty"`
	UpdatedAt          time.Time                    `json:"updatedAt,omitempty"`
	UpdatedBy          string                       `json:"updatedBy,omitempty"`
}

type Section struct {
	ID       string          `json:"id"`
	Metadata Metadata        `json:"metadata"`
	Contents content.Tree    `json:"contents"`
	Notes    map[string]Note `json:"notes,omitempty"`
	// NotesOrder mirrors the editor's footnote ordering; ids not listed
	// here still exist in Notes.
	NotesOrder []string `json:"notesOrder,omitempty"`
}

type Note struct {
	ID       string       `json:"id"`
	Contents content.Tree `json:"contents"`
}

// Resource is a reusable library asset. Data is the kind-specific payload;
// the lock map and the deletion cascade never look inside it.
type Resource struct {
	ID       string           `json:"id"`
	Metadata ResourceMetadata `json:"metadata"`
	Data     json.RawMessage  `json:"data,omitempty"`
}

type ResourceMetadata struct {
	Kind        ResourceKind `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Source      string       `json:"source,omitempty"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	CreatedBy   string       `json:"createdBy,omitempty"`
}

// Contextualizer describes how a resource is presented at one embed site.
type Contextualizer struct {
	ID string `json:"id"`
	// Insertion is "inline" or "block".
	Insertion string `json:"insertionType"`
	// Locator and Suffix carry citation placement for bib resources.
	Locator string `json:"locator,omitempty"`
	Suffix  string `json:"suffix,omitempty"`
}

// Contextualization binds one resource and one contextualizer into one
// section. Entities inside that section's contents (or its notes) reference
// the contextualization by id.
type Contextualization struct {
	ID               string `json:"id"`
	ResourceID       string `json:"resourceId"`
	ContextualizerID string `json:"contextualizerId"`
	SectionID        string `json:"sectionId"`
	// NoteID is set when the entity lives in a note's contents rather
	// than the section's main contents.
	NoteID string `json:"noteId,omitempty"`
}
