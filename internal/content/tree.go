// Package content models the serialized rich-text tree produced by the
// editor: an ordered list of blocks, each carrying entity ranges that
// resolve through the entity map to a contextualization id.
package content

import "strconv"

// Tree is a serialized editor document.
type Tree struct {
	Blocks    []Block           `json:"blocks"`
	EntityMap map[string]Entity `json:"entityMap"`
}

type Block struct {
	Key               string         `json:"key"`
	Text              string         `json:"text"`
	Type              string         `json:"type"`
	Depth             int            `json:"depth"`
	InlineStyleRanges []StyleRange   `json:"inlineStyleRanges"`
	EntityRanges      []EntityRange  `json:"entityRanges"`
	Data              map[string]any `json:"data,omitempty"`
}

type StyleRange struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Style  string `json:"style"`
}

// EntityRange tags [Offset, Offset+Length) of the block's text with the
// entity stored under strconv.Itoa(Key) in the tree's entity map.
type EntityRange struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
	Key    int `json:"key"`
}

type Entity struct {
	Type       string     `json:"type"`
	Mutability string     `json:"mutability"`
	Data       EntityData `json:"data"`
}

type EntityData struct {
	Asset AssetRef `json:"asset"`
}

// AssetRef points at a contextualization.
type AssetRef struct {
	ID string `json:"id"`
}

// Empty reports whether the tree carries no blocks.
func (t Tree) Empty() bool {
	return len(t.Blocks) == 0
}

// entity resolves a range key against the entity map.
func (t Tree) entity(key int) (Entity, bool) {
	entity, ok := t.EntityMap[strconv.Itoa(key)]
	return entity, ok
}

// References reports whether any entity range in the tree resolves to the
// given contextualization id.
func (t Tree) References(contextualizationID string) bool {
	for _, block := range t.Blocks {
		for _, r := range block.EntityRanges {
			if entity, ok := t.entity(r.Key); ok && entity.Data.Asset.ID == contextualizationID {
				return true
			}
		}
	}
	return false
}
