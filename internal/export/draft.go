package export

import (
	"fmt"
	"html"
	"log"
	"sort"
	"strings"

	"fabula/api/internal/content"
	"fabula/api/internal/story"
)

// Embed is the rendered view of one contextualization site.
type Embed struct {
	Kind  story.ResourceKind
	Title string
}

// Resolver maps a contextualization id to the embed it should render.
// Returning false means the reference is a phantom: the renderer emits an
// absent embed and the caller's data-integrity log fires, never an error.
type Resolver func(contextualizationID string) (Embed, bool)

// TreeToHTML renders a serialized content tree to HTML. Unknown block types
// fall back to paragraphs; phantom entity references degrade to empty
// embeds and are logged once per tree.
func TreeToHTML(tree content.Tree, resolve Resolver) string {
	var out strings.Builder
	listOpen := ""

	for _, block := range tree.Blocks {
		tag, listTag := blockTags(block.Type)
		if listTag != listOpen {
			closeList(&out, listOpen)
			if listTag != "" {
				fmt.Fprintf(&out, "<%s>\n", listTag)
			}
			listOpen = listTag
		}
		fmt.Fprintf(&out, "<%s>%s</%s>\n", tag, renderBlockText(tree, block, resolve), tag)
	}
	closeList(&out, listOpen)
	return out.String()
}

func blockTags(blockType string) (tag, listTag string) {
	switch blockType {
	case "header-one":
		return "h1", ""
	case "header-two":
		return "h2", ""
	case "header-three":
		return "h3", ""
	case "blockquote":
		return "blockquote", ""
	case "code-block":
		return "pre", ""
	case "unordered-list-item":
		return "li", "ul"
	case "ordered-list-item":
		return "li", "ol"
	case "atomic":
		return "figure", ""
	default:
		return "p", ""
	}
}

func closeList(out *strings.Builder, listOpen string) {
	if listOpen != "" {
		fmt.Fprintf(out, "</%s>\n", listOpen)
	}
}

// renderBlockText splices embed markup into the escaped block text at each
// entity range. Ranges are processed left to right over rune offsets, the
// unit draft-style trees count in.
func renderBlockText(tree content.Tree, block content.Block, resolve Resolver) string {
	runes := []rune(block.Text)
	if len(block.EntityRanges) == 0 {
		return html.EscapeString(block.Text)
	}

	ranges := append([]content.EntityRange(nil), block.EntityRanges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })

	var out strings.Builder
	cursor := 0
	for _, r := range ranges {
		start, end := clamp(r.Offset, len(runes)), clamp(r.Offset+r.Length, len(runes))
		if start < cursor {
			continue
		}
		out.WriteString(html.EscapeString(string(runes[cursor:start])))
		out.WriteString(renderEntity(tree, r, string(runes[start:end]), resolve))
		cursor = end
	}
	out.WriteString(html.EscapeString(string(runes[cursor:])))
	return out.String()
}

func renderEntity(tree content.Tree, r content.EntityRange, text string, resolve Resolver) string {
	escaped := html.EscapeString(text)
	entity, ok := tree.EntityMap[fmt.Sprintf("%d", r.Key)]
	if !ok {
		log.Printf("export: entity key %d missing from entity map, rendering as plain text", r.Key)
		return escaped
	}
	embed, ok := resolve(entity.Data.Asset.ID)
	if !ok {
		log.Printf("export: phantom contextualization %s, rendering absent embed", entity.Data.Asset.ID)
		return fmt.Sprintf(`<span class="embed embed-absent">%s</span>`, escaped)
	}
	return fmt.Sprintf(`<span class="embed embed-%s" title=%q>%s</span>`,
		html.EscapeString(string(embed.Kind)), embed.Title, escaped)
}

func clamp(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
