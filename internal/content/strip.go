package content

import "strconv"

// Strip returns a tree with every entity range resolving to one of the
// target contextualization ids removed, along with the matching entity-map
// entries. The boolean reports whether anything was removed.
//
// When nothing matches, the input tree is returned unchanged so callers can
// detect "no change" by identity. The input is never mutated: changed blocks
// are rebuilt, untouched blocks are carried over as-is and keep their order.
// Strip is idempotent; running it again with the same id set reports false.
func Strip(tree Tree, contextualizationIDs map[string]struct{}) (Tree, bool) {
	if tree.Empty() || len(contextualizationIDs) == 0 {
		return tree, false
	}

	doomedKeys := make(map[int]struct{})
	for raw, entity := range tree.EntityMap {
		if _, target := contextualizationIDs[entity.Data.Asset.ID]; !target {
			continue
		}
		key, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		doomedKeys[key] = struct{}{}
	}
	if len(doomedKeys) == 0 {
		return tree, false
	}

	changed := false
	blocks := make([]Block, len(tree.Blocks))
	for i, block := range tree.Blocks {
		hit := false
		for _, r := range block.EntityRanges {
			if _, doomed := doomedKeys[r.Key]; doomed {
				hit = true
				break
			}
		}
		if !hit {
			blocks[i] = block
			continue
		}
		changed = true
		kept := make([]EntityRange, 0, len(block.EntityRanges))
		for _, r := range block.EntityRanges {
			if _, doomed := doomedKeys[r.Key]; !doomed {
				kept = append(kept, r)
			}
		}
		next := block
		next.EntityRanges = kept
		blocks[i] = next
	}
	if !changed {
		// Entity-map entries match but no range points at them; the
		// orphaned entries are dropped so the result carries no
		// resolvable reference either way.
		return treeWithoutEntities(tree, doomedKeys), true
	}

	result := treeWithoutEntities(Tree{Blocks: blocks, EntityMap: tree.EntityMap}, doomedKeys)
	return result, true
}

func treeWithoutEntities(tree Tree, doomedKeys map[int]struct{}) Tree {
	entityMap := make(map[string]Entity, len(tree.EntityMap))
	for raw, entity := range tree.EntityMap {
		key, err := strconv.Atoi(raw)
		if err == nil {
			if _, doomed := doomedKeys[key]; doomed {
				continue
			}
		}
		entityMap[raw] = entity
	}
	return Tree{Blocks: tree.Blocks, EntityMap: entityMap}
}

// Phantoms returns the entity-map keys whose asset id resolves to no known
// contextualization. Renderers treat those as absent embeds; the non-empty
// result is a data-integrity signal worth logging, never a render error.
func Phantoms(tree Tree, known map[string]struct{}) []string {
	var phantoms []string
	for _, block := range tree.Blocks {
		for _, r := range block.EntityRanges {
			entity, ok := tree.entity(r.Key)
			if !ok {
				phantoms = append(phantoms, strconv.Itoa(r.Key))
				continue
			}
			if _, resolved := known[entity.Data.Asset.ID]; !resolved {
				phantoms = append(phantoms, strconv.Itoa(r.Key))
			}
		}
	}
	return phantoms
}
