package notify

import (
	"bytes"
	"errors"
	"text/template"
	"time"

	nodeapp "irma-supervisor/internal/nodes/application"
)

const DefaultTemplate = `[Node {{.To}}]
Application: {{.ApplicationID}}
Node: {{.NodeID}}
Transition: {{.From}} -> {{.To}}
At: {{.At}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	Event         string
	ApplicationID string
	NodeID        string
	From          string
	To            string
	At            string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("node-change").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to a change.
func (t *Template) Render(change nodeapp.Change) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notify template: nil")
	}
	data := TemplateData{
		Event:         change.Event,
		ApplicationID: change.ApplicationID,
		NodeID:        change.NodeID,
		From:          string(change.From),
		To:            string(change.To),
		At:            change.At.UTC().Format(time.RFC3339),
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
