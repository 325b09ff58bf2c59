// Package lock arbitrates which user may mutate which shared unit of a
// story: a section, a library resource, or the story metadata. At most one
// user holds a given block at a time; everything that mutates a block is
// gated on holding it.
package lock

import (
	"context"
	"errors"
	"time"
)

// BlockType is the locking granularity.
type BlockType string

const (
	BlockSections      BlockType = "sections"
	BlockResources     BlockType = "resources"
	BlockStoryMetadata BlockType = "storyMetadata"
)

// ErrBlockUnavailable reports that another user holds the block. Callers
// must not apply the mutation they were gating; the UI redirects instead.
var ErrBlockUnavailable = errors.New("block unavailable")

// ValidBlockType reports whether t is a known locking granularity.
func ValidBlockType(t BlockType) bool {
	switch t {
	case BlockSections, BlockResources, BlockStoryMetadata:
		return true
	}
	return false
}

// Holder identifies who holds a block and since when.
type Holder struct {
	UserID string    `json:"userId"`
	Since  time.Time `json:"since"`
}

// Store is the lock map. Enter fails with ErrBlockUnavailable when another
// user holds the block and leaves the map untouched; re-entering an owned
// block is an idempotent success. Leave never errors on a block the caller
// does not hold.
type Store interface {
	Enter(ctx context.Context, storyID, userID string, blockType BlockType, blockID string) error
	Leave(ctx context.Context, storyID, userID string, blockType BlockType, blockID string) error
	HolderOf(ctx context.Context, storyID string, blockType BlockType, blockID string) (Holder, bool, error)
	// ReverseMap returns blockID → holder user id for one story and block
	// type, the shape presence UIs consume.
	ReverseMap(ctx context.Context, storyID string, blockType BlockType) (map[string]string, error)
	// ReleaseUser drops every lock the user holds in the story; called
	// when a client's session ends.
	ReleaseUser(ctx context.Context, storyID, userID string) error
}
