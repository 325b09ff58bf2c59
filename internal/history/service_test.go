package history

import (
	"testing"

	"fabula/api/internal/content"
	"fabula/api/internal/story"
)

func testSection(id, text string) story.Section {
	return story.Section{
		ID:       id,
		Metadata: story.Metadata{Title: "Introduction"},
		Contents: content.Tree{
			Blocks: []content.Block{{Key: "b1", Type: "unstyled", Text: text}},
		},
	}
}

func TestRecordAndReadBackSection(t *testing.T) {
	service := New(t.TempDir())
	if err := service.EnsureStoryRepo("story-1", "Avery"); err != nil {
		t.Fatalf("EnsureStoryRepo failed: %v", err)
	}
	// Idempotent.
	if err := service.EnsureStoryRepo("story-1", "Avery"); err != nil {
		t.Fatalf("second EnsureStoryRepo failed: %v", err)
	}

	first, err := service.RecordSection("story-1", "Avery", testSection("sec-a", "draft one"))
	if err != nil {
		t.Fatalf("RecordSection failed: %v", err)
	}
	if first.Hash == "" {
		t.Fatal("expected a commit hash")
	}
	if first.Author != "Avery" {
		t.Errorf("unexpected author %s", first.Author)
	}

	second, err := service.RecordSection("story-1", "Blake", testSection("sec-a", "draft two"))
	if err != nil {
		t.Fatalf("second RecordSection failed: %v", err)
	}

	snapshot, err := service.SectionAt("story-1", "sec-a", first.Hash)
	if err != nil {
		t.Fatalf("SectionAt failed: %v", err)
	}
	if snapshot.Contents.Blocks[0].Text != "draft one" {
		t.Errorf("old snapshot should hold the first draft, got %q", snapshot.Contents.Blocks[0].Text)
	}

	snapshot, err = service.SectionAt("story-1", "sec-a", second.Hash)
	if err != nil {
		t.Fatalf("SectionAt failed: %v", err)
	}
	if snapshot.Contents.Blocks[0].Text != "draft two" {
		t.Errorf("new snapshot should hold the second draft, got %q", snapshot.Contents.Blocks[0].Text)
	}
}

func TestRecordUnchangedSectionIsNoOp(t *testing.T) {
	service := New(t.TempDir())
	if err := service.EnsureStoryRepo("story-1", "Avery"); err != nil {
		t.Fatalf("EnsureStoryRepo failed: %v", err)
	}
	section := testSection("sec-a", "same text")
	if _, err := service.RecordSection("story-1", "Avery", section); err != nil {
		t.Fatalf("RecordSection failed: %v", err)
	}
	info, err := service.RecordSection("story-1", "Avery", section)
	if err != nil {
		t.Fatalf("unchanged RecordSection should not error: %v", err)
	}
	if info.Hash != "" {
		t.Error("unchanged section should not produce a commit")
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	service := New(t.TempDir())
	if err := service.EnsureStoryRepo("story-1", "Avery"); err != nil {
		t.Fatalf("EnsureStoryRepo failed: %v", err)
	}
	for _, text := range []string{"one", "two", "three"} {
		if _, err := service.RecordSection("story-1", "Avery", testSection("sec-a", text)); err != nil {
			t.Fatalf("RecordSection failed: %v", err)
		}
	}

	commits, err := service.History("story-1", 2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}

	all, err := service.History("story-1", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	// Three section commits plus the init commit.
	if len(all) != 4 {
		t.Fatalf("expected 4 commits, got %d", len(all))
	}
	if all[len(all)-1].Message != "Initialize story history" {
		t.Errorf("oldest commit should be the init commit, got %q", all[len(all)-1].Message)
	}
}

func TestRemoveSectionToleratesMissingSnapshot(t *testing.T) {
	service := New(t.TempDir())
	if err := service.EnsureStoryRepo("story-1", "Avery"); err != nil {
		t.Fatalf("EnsureStoryRepo failed: %v", err)
	}
	if err := service.RemoveSection("story-1", "Avery", "sec-never-recorded"); err != nil {
		t.Errorf("removing an unrecorded section should be a no-op: %v", err)
	}

	if _, err := service.RecordSection("story-1", "Avery", testSection("sec-a", "text")); err != nil {
		t.Fatalf("RecordSection failed: %v", err)
	}
	if err := service.RemoveSection("story-1", "Avery", "sec-a"); err != nil {
		t.Fatalf("RemoveSection failed: %v", err)
	}
}
