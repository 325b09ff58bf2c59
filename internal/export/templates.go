package export

import (
	"bytes"
	"html/template"
	"time"
)

// TemplateData holds data for story template rendering
type TemplateData struct {
	Title       string
	Subtitle    string
	Authors     []string
	Abstract    string
	UpdatedAt   time.Time
	Sections    []TemplateSection
}

// TemplateSection holds one rendered section
type TemplateSection struct {
	Title       string
	ContentHTML template.HTML
	Notes       []TemplateNote
}

// TemplateNote holds one rendered footnote
type TemplateNote struct {
	Index       int
	ContentHTML template.HTML
}

var storyTemplate = template.Must(template.New("story").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.7; max-width: 760px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .embed { background: #eef; padding: 0 0.2em; border-radius: 2px; }
    .embed-absent { background: #fee; color: #999; }
    .notes { border-top: 1px solid #ccc; margin-top: 1.5rem; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  {{if .Subtitle}}<p class="subtitle">{{.Subtitle}}</p>{{end}}
  <div class="meta">
    {{range $i, $a := .Authors}}{{if $i}}, {{end}}{{$a}}{{end}}
    {{if not .UpdatedAt.IsZero}} | {{.UpdatedAt.Format "Jan 2, 2006"}}{{end}}
  </div>
  {{if .Abstract}}<p class="abstract">{{.Abstract}}</p>{{end}}
  {{range .Sections}}
  <section>
    <h2>{{.Title}}</h2>
    {{.ContentHTML}}
    {{if .Notes}}
    <div class="notes">
      <ol>
        {{range .Notes}}<li id="note-{{.Index}}">{{.ContentHTML}}</li>{{end}}
      </ol>
    </div>
    {{end}}
  </section>
  {{end}}
</body>
</html>`))

// RenderStoryHTML renders the story template with provided data
func RenderStoryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := storyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
