package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process lock store used for tests and single-node runs.
type Memory struct {
	mu      sync.Mutex
	stories map[string]map[BlockType]map[string]Holder
}

func NewMemory() *Memory {
	return &Memory{stories: make(map[string]map[BlockType]map[string]Holder)}
}

func (m *Memory) Enter(_ context.Context, storyID, userID string, blockType BlockType, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocksFor(storyID, blockType)
	if holder, held := blocks[blockID]; held {
		if holder.UserID == userID {
			return nil
		}
		return ErrBlockUnavailable
	}
	blocks[blockID] = Holder{UserID: userID, Since: time.Now()}
	return nil
}

func (m *Memory) Leave(_ context.Context, storyID, userID string, blockType BlockType, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocksFor(storyID, blockType)
	if holder, held := blocks[blockID]; held && holder.UserID == userID {
		delete(blocks, blockID)
	}
	return nil
}

func (m *Memory) HolderOf(_ context.Context, storyID string, blockType BlockType, blockID string) (Holder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, held := m.blocksFor(storyID, blockType)[blockID]
	return holder, held, nil
}

func (m *Memory) ReverseMap(_ context.Context, storyID string, blockType BlockType) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := m.blocksFor(storyID, blockType)
	reverse := make(map[string]string, len(blocks))
	for blockID, holder := range blocks {
		reverse[blockID] = holder.UserID
	}
	return reverse, nil
}

func (m *Memory) ReleaseUser(_ context.Context, storyID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, blocks := range m.stories[storyID] {
		for blockID, holder := range blocks {
			if holder.UserID == userID {
				delete(blocks, blockID)
			}
		}
	}
	return nil
}

// blocksFor returns the live map for (story, type), creating it on demand.
// Callers hold m.mu.
func (m *Memory) blocksFor(storyID string, blockType BlockType) map[string]Holder {
	types, ok := m.stories[storyID]
	if !ok {
		types = make(map[BlockType]map[string]Holder)
		m.stories[storyID] = types
	}
	blocks, ok := types[blockType]
	if !ok {
		blocks = make(map[string]Holder)
		types[blockType] = blocks
	}
	return blocks
}
