package story

// RelatedContextualizations returns every contextualization whose resource id
// matches resourceID. Pure query, O(len(contextualizations)), no ordering
// assumed or produced.
func RelatedContextualizations(contextualizations map[string]Contextualization, resourceID string) []Contextualization {
	var related []Contextualization
	for _, ctx := range contextualizations {
		if ctx.ResourceID == resourceID {
			related = append(related, ctx)
		}
	}
	return related
}

// CitedSections returns the set of section ids owning at least one
// contextualization of resourceID. Used to decide which lock holders a
// resource deletion could impact.
func CitedSections(contextualizations map[string]Contextualization, resourceID string) map[string]struct{} {
	cited := make(map[string]struct{})
	for _, ctx := range contextualizations {
		if ctx.ResourceID == resourceID {
			cited[ctx.SectionID] = struct{}{}
		}
	}
	return cited
}

// ContextualizationIDs collects the ids of the given contextualizations into
// the set shape the content stripper consumes.
func ContextualizationIDs(contextualizations []Contextualization) map[string]struct{} {
	ids := make(map[string]struct{}, len(contextualizations))
	for _, ctx := range contextualizations {
		ids[ctx.ID] = struct{}{}
	}
	return ids
}
