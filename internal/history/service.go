// Package history keeps a per-story git repository recording one commit per
// persisted section change, for auditing who changed what and when.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fabula/api/internal/story"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitInfo summarizes one snapshot commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureStoryRepo initializes the snapshot repository for a story if it does
// not exist yet.
func (s *Service) EnsureStoryRepo(storyID, author string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(storyID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(path, "sections"), 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "story.txt"), []byte(storyID+"\n"), 0o644); err != nil {
		return fmt.Errorf("write story marker: %w", err)
	}
	if _, err := worktree.Add("story.txt"); err != nil {
		return fmt.Errorf("git add story marker: %w", err)
	}
	hash, err := worktree.Commit("Initialize story history", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// RecordSection commits a section snapshot. Committing an unchanged section
// is a no-op (go-git rejects empty commits), not an error.
func (s *Service) RecordSection(storyID, author string, section story.Section) (CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(section, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal section: %w", err)
	}
	relPath := filepath.Join("sections", section.ID+".json")
	root := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(root, "sections"), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("ensure sections dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, relPath), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write section snapshot: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git add section snapshot: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return CommitInfo{}, nil
	}

	message := fmt.Sprintf("Update section %s", section.ID)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit section snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// RemoveSection commits the removal of a section snapshot file.
func (s *Service) RemoveSection(storyID, author, sectionID string) error {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	relPath := filepath.Join("sections", sectionID+".json")
	if _, err := worktree.Remove(relPath); err != nil {
		// Nothing recorded for the section yet.
		return nil
	}
	if _, err := worktree.Commit(fmt.Sprintf("Remove section %s", sectionID), &git.CommitOptions{
		Author: signature(author),
	}); err != nil {
		return fmt.Errorf("commit section removal: %w", err)
	}
	return nil
}

// History lists snapshot commits, newest first.
func (s *Service) History(storyID string, limit int) ([]CommitInfo, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SectionAt returns the snapshot of a section at a given commit hash.
func (s *Service) SectionAt(storyID, sectionID, hash string) (story.Section, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(storyID))
	if err != nil {
		return story.Section{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return story.Section{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return story.Section{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(filepath.Join("sections", sectionID+".json"))
	if err != nil {
		return story.Section{}, fmt.Errorf("load section snapshot: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return story.Section{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return story.Section{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var section story.Section
	if err := json.Unmarshal(raw, &section); err != nil {
		return story.Section{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return section, nil
}

func (s *Service) repoPath(storyID string) string {
	return filepath.Join(s.baseDir, storyID)
}

func (s *Service) storyLock(storyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[storyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[storyID] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.fabula.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
