package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"fabula/api/internal/config"
	"fabula/api/internal/content"
	"fabula/api/internal/export"
	"fabula/api/internal/history"
	"fabula/api/internal/live"
	"fabula/api/internal/lock"
	"fabula/api/internal/search"
	"fabula/api/internal/story"
	"fabula/api/internal/upload"
	"fabula/api/internal/util"
)

type StoryMetadataInput struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle"`
	Authors  []string `json:"authors"`
	Abstract string   `json:"abstract"`
}

type SectionInput struct {
	Metadata   story.Metadata        `json:"metadata"`
	Contents   content.Tree          `json:"contents"`
	Notes      map[string]story.Note `json:"notes"`
	NotesOrder []string              `json:"notesOrder"`
}

type ResourceInput struct {
	Metadata story.ResourceMetadata `json:"metadata"`
	Data     json.RawMessage        `json:"data"`
}

type ContextualizationInput struct {
	ResourceID string `json:"resourceId"`
	SectionID  string `json:"sectionId"`
	NoteID     string `json:"noteId"`
	Insertion  string `json:"insertionType"`
	Locator    string `json:"locator"`
	Suffix     string `json:"suffix"`
}

type dataStore interface {
	ListStories(context.Context) ([]story.Story, error)
	GetStory(context.Context, string) (story.Story, error)
	InsertStory(context.Context, story.Story) error
	UpdateStoryMetadata(context.Context, string, string, story.Metadata) error
	DeleteStory(context.Context, string) error
	UpdateSection(context.Context, string, string, string, story.Section) error
	UpdateSectionsOrder(context.Context, string, string, []string) error
	DeleteSection(context.Context, string, string) error
	InsertResource(context.Context, string, story.Resource) error
	DeleteResource(context.Context, string, string, string) error
	InsertContextualization(context.Context, string, story.Contextualization, story.Contextualizer) error
	DeleteContextualization(context.Context, string, string) error
	StoryCount(context.Context) (int, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	EnsureStoryRepo(storyID, author string) error
	RecordSection(storyID, author string, section story.Section) (history.CommitInfo, error)
	RemoveSection(storyID, author, sectionID string) error
	History(storyID string, limit int) ([]history.CommitInfo, error)
	SectionAt(storyID, sectionID, hash string) (story.Section, error)
}

type searchService interface {
	Search(search.Query) search.Response
	IndexResource(search.Record)
	DeleteResource(id string)
	ReindexAll([]search.Record)
}

type uploadService interface {
	Enabled() bool
	DeletePayload(ctx context.Context, storyID, resourceID string) error
	PutPayload(ctx context.Context, storyID, resourceID, contentType string, body io.Reader, size int64) error
	PayloadURL(ctx context.Context, storyID, resourceID string) (string, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	locks   lock.Store
	live    *live.Registry
	search  searchService
	uploads uploadService
	history historyService
	export  *export.Service
}

func New(cfg config.Config, dataStore dataStore, locks lock.Store, registry *live.Registry, searchSvc *search.Service, uploads *upload.Service, historySvc *history.Service) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		locks:   locks,
		live:    registry,
		search:  searchSvc,
		uploads: uploads,
		export:  export.NewService(),
	}
	if historySvc != nil {
		s.history = historySvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a demo story on an empty database so the editor has
// something to open on first run.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.StoryCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	owner := "Avery"
	storyID := "story-demo"
	sectionID := "sec-intro"
	resourceID := "res-map"
	contextualizerID := "ctxr-map"
	contextualizationID := "ctx-map"

	seed := story.Story{
		ID: storyID,
		Metadata: story.Metadata{
			Title:    "The Harbor Redevelopment",
			Subtitle: "How a derelict waterfront became a public commons",
			Authors:  []string{owner},
			Abstract: "A longform account of the harbor redevelopment project, its contested planning process, and what the neighborhood gained and lost.",
		},
		SectionsOrder: []string{sectionID},
		Sections: map[string]story.Section{
			sectionID: {
				ID:       sectionID,
				Metadata: story.Metadata{Title: "Introduction"},
				Contents: content.Tree{
					Blocks: []content.Block{
						{
							Key:  "b1",
							Type: "unstyled",
							Text: "The harbor map tells the story better than any report could.",
							EntityRanges: []content.EntityRange{
								{Offset: 4, Length: 10, Key: 0},
							},
						},
					},
					EntityMap: map[string]content.Entity{
						"0": {
							Type:       "CONTEXTUALIZATION",
							Mutability: "IMMUTABLE",
							Data: content.EntityData{
								Asset: content.AssetRef{ID: contextualizationID},
							},
						},
					},
				},
			},
		},
		Resources: map[string]story.Resource{
			resourceID: {
				ID: resourceID,
				Metadata: story.ResourceMetadata{
					Kind:        story.KindWebpage,
					Title:       "Harbor master plan, 2019 revision",
					Description: "The city planning office's published master plan for the harbor district.",
					Source:      "City Planning Office",
					CreatedBy:   owner,
				},
				Data: json.RawMessage(`{"url":"https://example.org/harbor-plan"}`),
			},
		},
		Contextualizers: map[string]story.Contextualizer{
			contextualizerID: {ID: contextualizerID, Insertion: "inline"},
		},
		Contextualizations: map[string]story.Contextualization{
			contextualizationID: {
				ID:               contextualizationID,
				ResourceID:       resourceID,
				ContextualizerID: contextualizerID,
				SectionID:        sectionID,
			},
		},
		UpdatedBy: owner,
	}

	if err := s.store.InsertStory(ctx, seed); err != nil {
		return err
	}
	if s.history != nil {
		if err := s.history.EnsureStoryRepo(storyID, owner); err != nil {
			return err
		}
		if _, err := s.history.RecordSection(storyID, owner, seed.Sections[sectionID]); err != nil {
			return err
		}
	}
	s.reindexStory(seed)
	return nil
}

// --- Lock map ---

// EnterBlock acquires a block for a user. A block held by another user
// yields 409 with the current holder in the details.
func (s *Service) EnterBlock(ctx context.Context, storyID, userID string, blockType lock.BlockType, blockID string) error {
	if !lock.ValidBlockType(blockType) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "blockType must be one of sections, resources, storyMetadata", nil)
	}
	err := s.locks.Enter(ctx, storyID, userID, blockType, blockID)
	if errors.Is(err, lock.ErrBlockUnavailable) {
		holder, _, holderErr := s.locks.HolderOf(ctx, storyID, blockType, blockID)
		details := map[string]any{"blockType": blockType, "blockId": blockID}
		if holderErr == nil {
			details["heldBy"] = holder.UserID
		}
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Block is held by another user", details)
	}
	return err
}

// LeaveBlock releases a block. Leaving a block the user does not hold is a
// no-op success.
func (s *Service) LeaveBlock(ctx context.Context, storyID, userID string, blockType lock.BlockType, blockID string) error {
	if !lock.ValidBlockType(blockType) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "blockType must be one of sections, resources, storyMetadata", nil)
	}
	return s.locks.Leave(ctx, storyID, userID, blockType, blockID)
}

// LockSummary returns blockID to holder maps for every block type, the
// shape presence indicators consume.
func (s *Service) LockSummary(ctx context.Context, storyID string) (map[string]any, error) {
	summary := make(map[string]any, 3)
	for _, blockType := range []lock.BlockType{lock.BlockSections, lock.BlockResources, lock.BlockStoryMetadata} {
		reverse, err := s.locks.ReverseMap(ctx, storyID, blockType)
		if err != nil {
			return nil, err
		}
		summary[string(blockType)] = reverse
	}
	return summary, nil
}

// ReleaseUserLocks drops every lock a user holds in a story, then its live
// buffers. Called when the user's editing session ends.
func (s *Service) ReleaseUserLocks(ctx context.Context, storyID, userID string) error {
	return s.locks.ReleaseUser(ctx, storyID, userID)
}

// blockedBy returns the holder's user id when the block is held by someone
// other than userID.
func (s *Service) blockedBy(ctx context.Context, storyID, userID string, blockType lock.BlockType, blockID string) (string, error) {
	holder, held, err := s.locks.HolderOf(ctx, storyID, blockType, blockID)
	if err != nil {
		return "", err
	}
	if held && holder.UserID != userID {
		return holder.UserID, nil
	}
	return "", nil
}

// --- Stories ---

func (s *Service) ListStories(ctx context.Context) ([]map[string]any, error) {
	stories, err := s.store.ListStories(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(stories))
	for _, item := range stories {
		items = append(items, map[string]any{
			"id":        item.ID,
			"title":     item.Metadata.Title,
			"subtitle":  item.Metadata.Subtitle,
			"authors":   item.Metadata.Authors,
			"updatedAt": item.UpdatedAt,
			"updatedBy": item.UpdatedBy,
		})
	}
	return items, nil
}

// GetStory loads a story and absorbs phantom references: entity ranges that
// point at contextualizations no longer in the map are logged and left to
// render as absent embeds, never surfaced as errors.
func (s *Service) GetStory(ctx context.Context, storyID string) (story.Story, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return story.Story{}, err
	}
	s.logPhantoms(item)
	return item, nil
}

func (s *Service) logPhantoms(item story.Story) {
	known := make(map[string]struct{}, len(item.Contextualizations))
	for id := range item.Contextualizations {
		known[id] = struct{}{}
	}
	for sectionID, section := range item.Sections {
		for _, phantom := range content.Phantoms(section.Contents, known) {
			log.Printf("story %s section %s: phantom contextualization %s absorbed", item.ID, sectionID, phantom)
		}
		for noteID, note := range section.Notes {
			for _, phantom := range content.Phantoms(note.Contents, known) {
				log.Printf("story %s note %s: phantom contextualization %s absorbed", item.ID, noteID, phantom)
			}
		}
	}
}

func (s *Service) CreateStory(ctx context.Context, userID string, input StoryMetadataInput) (story.Story, error) {
	if strings.TrimSpace(input.Title) == "" {
		return story.Story{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	item := story.Story{
		ID: util.NewID("story"),
		Metadata: story.Metadata{
			Title:    strings.TrimSpace(input.Title),
			Subtitle: input.Subtitle,
			Authors:  input.Authors,
			Abstract: input.Abstract,
		},
		SectionsOrder:      []string{},
		Sections:           map[string]story.Section{},
		Resources:          map[string]story.Resource{},
		Contextualizers:    map[string]story.Contextualizer{},
		Contextualizations: map[string]story.Contextualization{},
		UpdatedBy:          userID,
	}
	if err := s.store.InsertStory(ctx, item); err != nil {
		return story.Story{}, err
	}
	if s.history != nil {
		if err := s.history.EnsureStoryRepo(item.ID, userID); err != nil {
			log.Printf("history: ensure repo for story %s: %v", item.ID, err)
		}
	}
	return item, nil
}

func (s *Service) UpdateStoryMetadata(ctx context.Context, storyID, userID string, input StoryMetadataInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockStoryMetadata, storyID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Story metadata is held by another user", map[string]any{"heldBy": heldBy})
	}
	return s.store.UpdateStoryMetadata(ctx, storyID, userID, story.Metadata{
		Title:    strings.TrimSpace(input.Title),
		Subtitle: input.Subtitle,
		Authors:  input.Authors,
		Abstract: input.Abstract,
	})
}

func (s *Service) DeleteStory(ctx context.Context, storyID string) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteStory(ctx, storyID); err != nil {
		return err
	}
	s.live.DropStory(storyID)
	for id := range item.Resources {
		s.search.DeleteResource(id)
	}
	return nil
}

// --- Sections ---

func (s *Service) CreateSection(ctx context.Context, storyID, userID string, metadata story.Metadata) (story.Section, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return story.Section{}, err
	}
	section := story.Section{
		ID:       util.NewID("sec"),
		Metadata: metadata,
		Contents: content.Tree{Blocks: []content.Block{}, EntityMap: map[string]content.Entity{}},
	}
	if err := s.store.UpdateSection(ctx, storyID, userID, section.ID, section); err != nil {
		return story.Section{}, err
	}
	order := append(append([]string{}, item.SectionsOrder...), section.ID)
	if err := s.store.UpdateSectionsOrder(ctx, storyID, userID, order); err != nil {
		return story.Section{}, err
	}
	s.recordSection(storyID, userID, section)
	return section, nil
}

// UpdateSection persists a section's contents. The section block must not
// be held by another user.
func (s *Service) UpdateSection(ctx context.Context, storyID, userID, sectionID string, input SectionInput) error {
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockSections, sectionID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Section is held by another user", map[string]any{"sectionId": sectionID, "heldBy": heldBy})
	}
	section := story.Section{
		ID:         sectionID,
		Metadata:   input.Metadata,
		Contents:   input.Contents,
		Notes:      input.Notes,
		NotesOrder: input.NotesOrder,
	}
	if err := s.store.UpdateSection(ctx, storyID, userID, sectionID, section); err != nil {
		return err
	}
	s.live.Set(storyID, sectionID, input.Contents)
	s.recordSection(storyID, userID, section)
	return nil
}

func (s *Service) UpdateSectionsOrder(ctx context.Context, storyID, userID string, order []string) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if len(order) != len(item.Sections) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "order must list every section exactly once", nil)
	}
	for _, id := range order {
		if _, ok := item.Sections[id]; !ok {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown section %s", id), nil)
		}
	}
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockStoryMetadata, storyID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Story metadata is held by another user", map[string]any{"heldBy": heldBy})
	}
	return s.store.UpdateSectionsOrder(ctx, storyID, userID, order)
}

func (s *Service) DeleteSection(ctx context.Context, storyID, userID, sectionID string) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	if _, ok := item.Sections[sectionID]; !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "section not found", nil)
	}
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockSections, sectionID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Section is held by another user", map[string]any{"sectionId": sectionID, "heldBy": heldBy})
	}
	if err := s.store.DeleteSection(ctx, storyID, sectionID); err != nil {
		return err
	}
	order := make([]string, 0, len(item.SectionsOrder))
	for _, id := range item.SectionsOrder {
		if id != sectionID {
			order = append(order, id)
		}
	}
	if err := s.store.UpdateSectionsOrder(ctx, storyID, userID, order); err != nil {
		return err
	}
	s.live.Delete(storyID, sectionID)
	if s.history != nil {
		if err := s.history.RemoveSection(storyID, userID, sectionID); err != nil {
			log.Printf("history: remove section %s: %v", sectionID, err)
		}
	}
	return nil
}

func (s *Service) SectionHistory(ctx context.Context, storyID, sectionID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return []history.CommitInfo{}, nil
	}
	commits, err := s.history.History(storyID, limit)
	if err != nil {
		return nil, err
	}
	marker := fmt.Sprintf("section %s", sectionID)
	filtered := make([]history.CommitInfo, 0, len(commits))
	for _, commit := range commits {
		if strings.Contains(commit.Message, marker) {
			filtered = append(filtered, commit)
		}
	}
	return filtered, nil
}

func (s *Service) SectionAt(ctx context.Context, storyID, sectionID, hash string) (story.Section, error) {
	if s.history == nil {
		return story.Section{}, domainError(http.StatusNotFound, "NOT_FOUND", "history not available", nil)
	}
	return s.history.SectionAt(storyID, sectionID, hash)
}

func (s *Service) recordSection(storyID, userID string, section story.Section) {
	if s.history == nil {
		return
	}
	if _, err := s.history.RecordSection(storyID, userID, section); err != nil {
		log.Printf("history: record section %s: %v", section.ID, err)
	}
}

// UpdateLiveBuffer stores the not-yet-persisted editor state for a section
// or note, so the deletion cascade can patch open editors in place.
func (s *Service) UpdateLiveBuffer(ctx context.Context, storyID, userID, targetID string, tree content.Tree) error {
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockSections, targetID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Section is held by another user", map[string]any{"sectionId": targetID, "heldBy": heldBy})
	}
	s.live.Set(storyID, targetID, tree)
	return nil
}

// LiveBuffer returns the current editor buffer for a section or note id.
func (s *Service) LiveBuffer(targetID string) (content.Tree, bool) {
	return s.live.Get(targetID)
}

// --- Resources ---

func (s *Service) CreateResource(ctx context.Context, storyID, userID string, input ResourceInput) (story.Resource, error) {
	if !story.ValidKind(input.Metadata.Kind) {
		return story.Resource{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid resource type", nil)
	}
	if strings.TrimSpace(input.Metadata.Title) == "" {
		return story.Resource{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	resource := story.Resource{
		ID:       util.NewID("res"),
		Metadata: input.Metadata,
		Data:     input.Data,
	}
	resource.Metadata.CreatedBy = userID
	if err := s.store.InsertResource(ctx, storyID, resource); err != nil {
		return story.Resource{}, err
	}
	s.search.IndexResource(searchRecord(storyID, resource))
	return resource, nil
}

func (s *Service) UpdateResource(ctx context.Context, storyID, userID, resourceID string, input ResourceInput) (story.Resource, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return story.Resource{}, err
	}
	existing, ok := item.Resources[resourceID]
	if !ok {
		return story.Resource{}, domainError(http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockResources, resourceID)
	if err != nil {
		return story.Resource{}, err
	}
	if heldBy != "" {
		return story.Resource{}, domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Resource is held by another user", map[string]any{"resourceId": resourceID, "heldBy": heldBy})
	}
	if input.Metadata.Kind != existing.Metadata.Kind {
		return story.Resource{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource type cannot change", nil)
	}
	updated := story.Resource{ID: resourceID, Metadata: input.Metadata, Data: input.Data}
	updated.Metadata.CreatedAt = existing.Metadata.CreatedAt
	updated.Metadata.CreatedBy = existing.Metadata.CreatedBy
	if err := s.store.InsertResource(ctx, storyID, updated); err != nil {
		return story.Resource{}, err
	}
	s.search.IndexResource(searchRecord(storyID, updated))
	return updated, nil
}

// DeleteResource removes a library resource and everything that points at
// it. The cascade strips every reference out of section and note contents
// and persists those updates before the resource row is deleted, so a
// failure partway leaves extra strips at worst, never dangling references.
func (s *Service) DeleteResource(ctx context.Context, storyID, userID, resourceID string) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	resource, ok := item.Resources[resourceID]
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}

	// A resource block held by anyone, the requester included, blocks
	// deletion outright.
	_, held, err := s.locks.HolderOf(ctx, storyID, lock.BlockResources, resourceID)
	if err != nil {
		return err
	}
	if held {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Resource is locked", map[string]any{"resourceId": resourceID})
	}

	related := story.RelatedContextualizations(item.Contextualizations, resourceID)
	cited := story.CitedSections(item.Contextualizations, resourceID)

	// Every citing section must be free or held by the requester.
	blocked := make([]map[string]any, 0)
	for sectionID := range cited {
		heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockSections, sectionID)
		if err != nil {
			return err
		}
		if heldBy != "" {
			blocked = append(blocked, map[string]any{"sectionId": sectionID, "heldBy": heldBy})
		}
	}
	if len(blocked) > 0 {
		sort.Slice(blocked, func(i, j int) bool {
			return blocked[i]["sectionId"].(string) < blocked[j]["sectionId"].(string)
		})
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Citing sections are held by other users", map[string]any{"sections": blocked})
	}

	doomed := story.ContextualizationIDs(related)

	// Strip phase: run the stripper over every section and note in the
	// story, not just the recorded citation sites, so a stale or pasted
	// entity reference cannot outlive the resource. Strip no-ops on trees
	// that never referenced it. An open editor buffer supersedes the
	// persisted snapshot as the contents that survive the cascade; buffers
	// are keyed by section id for main contents and note id for notes.
	patches := make([]story.Section, 0, len(item.Sections))
	liveUpdates := make(map[string]content.Tree)
	for sectionID, section := range item.Sections {
		changed := false
		contents := section.Contents
		liveTree, open := s.live.Get(sectionID)
		if open {
			contents = liveTree
		}
		if stripped, hit := content.Strip(contents, doomed); hit {
			section.Contents = stripped
			if open {
				liveUpdates[sectionID] = stripped
			}
			changed = true
		} else if open {
			// The buffer is already clean; the snapshot still must not
			// keep a dangling reference.
			if stripped, hit := content.Strip(section.Contents, doomed); hit {
				section.Contents = stripped
				changed = true
			}
		}
		for noteID, note := range section.Notes {
			noteContents := note.Contents
			noteTree, noteOpen := s.live.Get(noteID)
			if noteOpen {
				noteContents = noteTree
			}
			stripped, hit := content.Strip(noteContents, doomed)
			if hit && noteOpen {
				liveUpdates[noteID] = stripped
			}
			if !hit && noteOpen {
				stripped, hit = content.Strip(note.Contents, doomed)
			}
			if hit {
				notes := make(map[string]story.Note, len(section.Notes))
				for id, n := range section.Notes {
					notes[id] = n
				}
				note.Contents = stripped
				notes[noteID] = note
				section.Notes = notes
				changed = true
			}
		}
		if changed {
			patches = append(patches, section)
		}
	}

	// Persist all stripped sections before touching the resource. A failed
	// update aborts the whole cascade with the resource intact.
	for _, section := range patches {
		if err := s.store.UpdateSection(ctx, storyID, userID, section.ID, section); err != nil {
			return domainError(http.StatusBadGateway, "DELETE_CASCADE_FAILED", "Could not update citing sections; resource was not deleted", map[string]any{"sectionId": section.ID})
		}
	}

	// Only after the updates persist do the open editors pick up the
	// stripped trees.
	for targetID, tree := range liveUpdates {
		s.live.Set(storyID, targetID, tree)
	}

	if err := s.store.DeleteResource(ctx, storyID, userID, resourceID); err != nil {
		return domainError(http.StatusBadGateway, "DELETE_CASCADE_FAILED", "Could not delete the resource record", nil)
	}

	if resource.Metadata.Kind.Uploaded() {
		if err := s.uploads.DeletePayload(ctx, storyID, resourceID); err != nil {
			log.Printf("upload: delete payload for %s: %v", resourceID, err)
		}
	}
	s.search.DeleteResource(resourceID)
	for _, section := range patches {
		s.recordSection(storyID, userID, section)
	}
	return nil
}

// StoreResourcePayload writes the out-of-band payload of an uploaded-kind
// resource into object storage.
func (s *Service) StoreResourcePayload(ctx context.Context, storyID, userID, resourceID, contentType string, body io.Reader, size int64) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	resource, ok := item.Resources[resourceID]
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}
	if !resource.Metadata.Kind.Uploaded() {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource kind takes no uploaded payload", nil)
	}
	if !s.uploads.Enabled() {
		return domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "Object storage not configured", nil)
	}
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockResources, resourceID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Resource is held by another user", map[string]any{"resourceId": resourceID, "heldBy": heldBy})
	}
	return s.uploads.PutPayload(ctx, storyID, resourceID, contentType, body, size)
}

func (s *Service) ResourcePayloadURL(ctx context.Context, storyID, resourceID string) (string, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return "", err
	}
	resource, ok := item.Resources[resourceID]
	if !ok {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}
	if !resource.Metadata.Kind.Uploaded() {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "resource has no uploaded payload", nil)
	}
	if !s.uploads.Enabled() {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "Object storage not configured", nil)
	}
	return s.uploads.PayloadURL(ctx, storyID, resourceID)
}

// --- Contextualizations ---

func (s *Service) CreateContextualization(ctx context.Context, storyID, userID string, input ContextualizationInput) (story.Contextualization, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return story.Contextualization{}, err
	}
	if _, ok := item.Resources[input.ResourceID]; !ok {
		return story.Contextualization{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown resource", nil)
	}
	if _, ok := item.Sections[input.SectionID]; !ok {
		return story.Contextualization{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown section", nil)
	}
	insertion := input.Insertion
	if insertion == "" {
		insertion = "inline"
	}
	if insertion != "inline" && insertion != "block" {
		return story.Contextualization{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "insertionType must be inline or block", nil)
	}
	contextualizer := story.Contextualizer{
		ID:        util.NewID("ctxr"),
		Insertion: insertion,
		Locator:   input.Locator,
		Suffix:    input.Suffix,
	}
	contextualization := story.Contextualization{
		ID:               util.NewID("ctx"),
		ResourceID:       input.ResourceID,
		ContextualizerID: contextualizer.ID,
		SectionID:        input.SectionID,
		NoteID:           input.NoteID,
	}
	if err := s.store.InsertContextualization(ctx, storyID, contextualization, contextualizer); err != nil {
		return story.Contextualization{}, err
	}
	return contextualization, nil
}

// DeleteContextualization strips the embed out of the story's contents
// before removing the record, the same update-then-delete ordering the
// resource cascade uses.
func (s *Service) DeleteContextualization(ctx context.Context, storyID, userID, contextualizationID string) error {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}
	contextualization, ok := item.Contextualizations[contextualizationID]
	if !ok {
		return domainError(http.StatusNotFound, "NOT_FOUND", "contextualization not found", nil)
	}
	sectionID := contextualization.SectionID
	heldBy, err := s.blockedBy(ctx, storyID, userID, lock.BlockSections, sectionID)
	if err != nil {
		return err
	}
	if heldBy != "" {
		return domainError(http.StatusConflict, "BLOCK_UNAVAILABLE", "Section is held by another user", map[string]any{"sectionId": sectionID, "heldBy": heldBy})
	}

	// Strip the embed site out of every section and note, not just the
	// recorded one, mirroring the resource cascade.
	doomed := map[string]struct{}{contextualizationID: {}}
	patches := make([]story.Section, 0, 1)
	liveUpdates := make(map[string]content.Tree)
	for targetID, section := range item.Sections {
		changed := false
		contents := section.Contents
		liveTree, open := s.live.Get(targetID)
		if open {
			contents = liveTree
		}
		if stripped, hit := content.Strip(contents, doomed); hit {
			section.Contents = stripped
			if open {
				liveUpdates[targetID] = stripped
			}
			changed = true
		} else if open {
			if stripped, hit := content.Strip(section.Contents, doomed); hit {
				section.Contents = stripped
				changed = true
			}
		}
		for noteID, note := range section.Notes {
			noteContents := note.Contents
			noteTree, noteOpen := s.live.Get(noteID)
			if noteOpen {
				noteContents = noteTree
			}
			stripped, hit := content.Strip(noteContents, doomed)
			if hit && noteOpen {
				liveUpdates[noteID] = stripped
			}
			if !hit && noteOpen {
				stripped, hit = content.Strip(note.Contents, doomed)
			}
			if hit {
				notes := make(map[string]story.Note, len(section.Notes))
				for id, n := range section.Notes {
					notes[id] = n
				}
				note.Contents = stripped
				notes[noteID] = note
				section.Notes = notes
				changed = true
			}
		}
		if changed {
			patches = append(patches, section)
		}
	}

	for _, section := range patches {
		if err := s.store.UpdateSection(ctx, storyID, userID, section.ID, section); err != nil {
			return domainError(http.StatusBadGateway, "DELETE_CASCADE_FAILED", "Could not update the citing section; contextualization was not deleted", map[string]any{"sectionId": section.ID})
		}
	}
	for targetID, tree := range liveUpdates {
		s.live.Set(storyID, targetID, tree)
	}

	if err := s.store.DeleteContextualization(ctx, storyID, contextualizationID); err != nil {
		return err
	}
	for _, section := range patches {
		s.recordSection(storyID, userID, section)
	}
	return nil
}

// --- Search ---

func (s *Service) SearchResources(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) reindexStory(item story.Story) {
	records := make([]search.Record, 0, len(item.Resources))
	for _, resource := range item.Resources {
		records = append(records, searchRecord(item.ID, resource))
	}
	s.search.ReindexAll(records)
}

func searchRecord(storyID string, resource story.Resource) search.Record {
	return search.Record{
		ID:          resource.ID,
		StoryID:     storyID,
		Kind:        string(resource.Metadata.Kind),
		Title:       resource.Metadata.Title,
		Description: resource.Metadata.Description,
	}
}

// --- Export ---

func (s *Service) ExportStory(ctx context.Context, storyID string, format export.Format, includeNotes bool) (*export.Result, error) {
	item, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	s.logPhantoms(item)
	return s.export.Export(item, export.Request{
		StoryID:      storyID,
		Format:       format,
		IncludeNotes: includeNotes,
	})
}
