package export

import (
	"fmt"
	"html/template"

	"fabula/api/internal/story"
)

// Service assembles a story's ordered sections into a single document and
// emits the requested format.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export renders the story. The resolver is built from the story's own
// contextualization map, so any reference missing from it is a phantom.
func (s *Service) Export(item story.Story, req Request) (*Result, error) {
	resolve := storyResolver(item)

	data := TemplateData{
		Title:     item.Metadata.Title,
		Subtitle:  item.Metadata.Subtitle,
		Authors:   item.Metadata.Authors,
		Abstract:  item.Metadata.Abstract,
		UpdatedAt: item.UpdatedAt,
	}
	for _, sectionID := range item.SectionsOrder {
		section, ok := item.Sections[sectionID]
		if !ok {
			continue
		}
		rendered := TemplateSection{
			Title:       section.Metadata.Title,
			ContentHTML: template.HTML(TreeToHTML(section.Contents, resolve)),
		}
		if req.IncludeNotes {
			index := 0
			for _, noteID := range section.NotesOrder {
				note, ok := section.Notes[noteID]
				if !ok {
					continue
				}
				index++
				rendered.Notes = append(rendered.Notes, TemplateNote{
					Index:       index,
					ContentHTML: template.HTML(TreeToHTML(note.Contents, resolve)),
				})
			}
		}
		data.Sections = append(data.Sections, rendered)
	}

	html, err := RenderStoryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(item.Metadata.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, item.Metadata.Title)
	case FormatDOCX:
		return exportDOCX(html, item.Metadata.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func storyResolver(item story.Story) Resolver {
	return func(contextualizationID string) (Embed, bool) {
		ctx, ok := item.Contextualizations[contextualizationID]
		if !ok {
			return Embed{}, false
		}
		resource, ok := item.Resources[ctx.ResourceID]
		if !ok {
			return Embed{}, false
		}
		return Embed{Kind: resource.Metadata.Kind, Title: resource.Metadata.Title}, true
	}
}
