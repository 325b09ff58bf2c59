package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fabula/api/internal/story"
)

// ErrNotFound reports a missing story, section, or resource.
var ErrNotFound = errors.New("not found")

// PostgresStore persists stories as JSONB rows: one row per story plus one
// row per section, resource, contextualizer, and contextualization, so a
// section update touches exactly one row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListStories(ctx context.Context) ([]story.Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metadata, sections_order, created_at, updated_at, updated_by
		FROM stories ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	var stories []story.Story
	for rows.Next() {
		item, err := scanStoryRow(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, item)
	}
	return stories, rows.Err()
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (story.Story, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, metadata, sections_order, created_at, updated_at, updated_by
		FROM stories WHERE id=$1
	`, storyID)
	item, err := scanStoryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return story.Story{}, ErrNotFound
	}
	if err != nil {
		return story.Story{}, err
	}

	if item.Sections, err = s.sectionsOf(ctx, storyID); err != nil {
		return story.Story{}, err
	}
	if item.Resources, err = s.resourcesOf(ctx, storyID); err != nil {
		return story.Story{}, err
	}
	if item.Contextualizers, err = s.contextualizersOf(ctx, storyID); err != nil {
		return story.Story{}, err
	}
	if item.Contextualizations, err = s.contextualizationsOf(ctx, storyID); err != nil {
		return story.Story{}, err
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoryRow(row rowScanner) (story.Story, error) {
	var item story.Story
	var metadata, sectionsOrder []byte
	if err := row.Scan(&item.ID, &metadata, &sectionsOrder, &item.CreatedAt, &item.UpdatedAt, &item.UpdatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return story.Story{}, sql.ErrNoRows
		}
		return story.Story{}, fmt.Errorf("scan story: %w", err)
	}
	if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
		return story.Story{}, fmt.Errorf("decode story metadata: %w", err)
	}
	if err := json.Unmarshal(sectionsOrder, &item.SectionsOrder); err != nil {
		return story.Story{}, fmt.Errorf("decode sections order: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) sectionsOf(ctx context.Context, storyID string) (map[string]story.Section, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sections WHERE story_id=$1`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	sections := make(map[string]story.Section)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		var section story.Section
		if err := json.Unmarshal(data, &section); err != nil {
			return nil, fmt.Errorf("decode section %s: %w", id, err)
		}
		sections[id] = section
	}
	return sections, rows.Err()
}

func (s *PostgresStore) resourcesOf(ctx context.Context, storyID string) (map[string]story.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM resources WHERE story_id=$1`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	resources := make(map[string]story.Resource)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		var resource story.Resource
		if err := json.Unmarshal(data, &resource); err != nil {
			return nil, fmt.Errorf("decode resource %s: %w", id, err)
		}
		resources[id] = resource
	}
	return resources, rows.Err()
}

func (s *PostgresStore) contextualizersOf(ctx context.Context, storyID string) (map[string]story.Contextualizer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM contextualizers WHERE story_id=$1`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list contextualizers: %w", err)
	}
	defer rows.Close()

	contextualizers := make(map[string]story.Contextualizer)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan contextualizer: %w", err)
		}
		var item story.Contextualizer
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("decode contextualizer %s: %w", id, err)
		}
		contextualizers[id] = item
	}
	return contextualizers, rows.Err()
}

func (s *PostgresStore) contextualizationsOf(ctx context.Context, storyID string) (map[string]story.Contextualization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, contextualizer_id, section_id, note_id
		FROM contextualizations WHERE story_id=$1
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list contextualizations: %w", err)
	}
	defer rows.Close()

	contextualizations := make(map[string]story.Contextualization)
	for rows.Next() {
		var item story.Contextualization
		var noteID sql.NullString
		if err := rows.Scan(&item.ID, &item.ResourceID, &item.ContextualizerID, &item.SectionID, &noteID); err != nil {
			return nil, fmt.Errorf("scan contextualization: %w", err)
		}
		item.NoteID = noteID.String
		contextualizations[item.ID] = item
	}
	return contextualizations, rows.Err()
}

func (s *PostgresStore) InsertStory(ctx context.Context, item story.Story) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode story metadata: %w", err)
	}
	sectionsOrder, err := json.Marshal(item.SectionsOrder)
	if err != nil {
		return fmt.Errorf("encode sections order: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert story: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stories (id, metadata, sections_order, updated_by)
		VALUES ($1, $2, $3, $4)
	`, item.ID, metadata, sectionsOrder, item.UpdatedBy); err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	for id, section := range item.Sections {
		data, err := json.Marshal(section)
		if err != nil {
			return fmt.Errorf("encode section %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sections (id, story_id, data) VALUES ($1, $2, $3)
		`, id, item.ID, data); err != nil {
			return fmt.Errorf("insert section %s: %w", id, err)
		}
	}
	for id, resource := range item.Resources {
		data, err := json.Marshal(resource)
		if err != nil {
			return fmt.Errorf("encode resource %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resources (id, story_id, data) VALUES ($1, $2, $3)
		`, id, item.ID, data); err != nil {
			return fmt.Errorf("insert resource %s: %w", id, err)
		}
	}
	for id, contextualizer := range item.Contextualizers {
		data, err := json.Marshal(contextualizer)
		if err != nil {
			return fmt.Errorf("encode contextualizer %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contextualizers (id, story_id, data) VALUES ($1, $2, $3)
		`, id, item.ID, data); err != nil {
			return fmt.Errorf("insert contextualizer %s: %w", id, err)
		}
	}
	for id, contextualization := range item.Contextualizations {
		if err := insertContextualizationTx(ctx, tx, item.ID, contextualization); err != nil {
			return fmt.Errorf("insert contextualization %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert story: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStoryMetadata(ctx context.Context, storyID, userID string, metadata story.Metadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode story metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE stories SET metadata=$2, updated_at=NOW(), updated_by=$3 WHERE id=$1
	`, storyID, encoded, userID)
	if err != nil {
		return fmt.Errorf("update story metadata: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteStory(ctx context.Context, storyID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id=$1`, storyID)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	return requireRow(result)
}

// UpdateSection persists a full section snapshot and stamps the story with
// the acting user for auditing.
func (s *PostgresStore) UpdateSection(ctx context.Context, storyID, userID, sectionID string, section story.Section) error {
	data, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("encode section: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update section: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sections (id, story_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data
	`, sectionID, storyID, data)
	if err != nil {
		return fmt.Errorf("update section: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stories SET updated_at=NOW(), updated_by=$2 WHERE id=$1
	`, storyID, userID); err != nil {
		return fmt.Errorf("stamp story: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update section: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSectionsOrder(ctx context.Context, storyID, userID string, order []string) error {
	encoded, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode sections order: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE stories SET sections_order=$2, updated_at=NOW(), updated_by=$3 WHERE id=$1
	`, storyID, encoded, userID)
	if err != nil {
		return fmt.Errorf("update sections order: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteSection(ctx context.Context, storyID, sectionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete section: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizers WHERE story_id=$1 AND id IN (
			SELECT contextualizer_id FROM contextualizations WHERE story_id=$1 AND section_id=$2
		)
	`, storyID, sectionID); err != nil {
		return fmt.Errorf("delete section contextualizers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizations WHERE story_id=$1 AND section_id=$2
	`, storyID, sectionID); err != nil {
		return fmt.Errorf("delete section contextualizations: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE story_id=$1 AND id=$2`, storyID, sectionID)
	if err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete section: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertResource(ctx context.Context, storyID string, resource story.Resource) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, story_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data
	`, resource.ID, storyID, data); err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// DeleteResource removes the resource together with its contextualizations
// and their contextualizers, in one transaction.
func (s *PostgresStore) DeleteResource(ctx context.Context, storyID, userID, resourceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete resource: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizers WHERE story_id=$1 AND id IN (
			SELECT contextualizer_id FROM contextualizations WHERE story_id=$1 AND resource_id=$2
		)
	`, storyID, resourceID); err != nil {
		return fmt.Errorf("delete resource contextualizers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizations WHERE story_id=$1 AND resource_id=$2
	`, storyID, resourceID); err != nil {
		return fmt.Errorf("delete resource contextualizations: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE story_id=$1 AND id=$2`, storyID, resourceID)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stories SET updated_at=NOW(), updated_by=$2 WHERE id=$1
	`, storyID, userID); err != nil {
		return fmt.Errorf("stamp story: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertContextualization(ctx context.Context, storyID string, contextualization story.Contextualization, contextualizer story.Contextualizer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert contextualization: %w", err)
	}
	defer tx.Rollback()

	data, err := json.Marshal(contextualizer)
	if err != nil {
		return fmt.Errorf("encode contextualizer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contextualizers (id, story_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data
	`, contextualizer.ID, storyID, data); err != nil {
		return fmt.Errorf("insert contextualizer: %w", err)
	}
	if err := insertContextualizationTx(ctx, tx, storyID, contextualization); err != nil {
		return fmt.Errorf("insert contextualization: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert contextualization: %w", err)
	}
	return nil
}

func insertContextualizationTx(ctx context.Context, tx *sql.Tx, storyID string, item story.Contextualization) error {
	var noteID any
	if item.NoteID != "" {
		noteID = item.NoteID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO contextualizations (id, story_id, resource_id, contextualizer_id, section_id, note_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, storyID, item.ResourceID, item.ContextualizerID, item.SectionID, noteID)
	return err
}

func (s *PostgresStore) DeleteContextualization(ctx context.Context, storyID, contextualizationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete contextualization: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizers WHERE story_id=$1 AND id IN (
			SELECT contextualizer_id FROM contextualizations WHERE story_id=$1 AND id=$2
		)
	`, storyID, contextualizationID); err != nil {
		return fmt.Errorf("delete contextualizer: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
		DELETE FROM contextualizations WHERE story_id=$1 AND id=$2
	`, storyID, contextualizationID)
	if err != nil {
		return fmt.Errorf("delete contextualization: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete contextualization: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// StoryCount supports readiness and bootstrap checks.
func (s *PostgresStore) StoryCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count stories: %w", err)
	}
	return count, nil
}
