package template

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/chesshelper/mailrelay/internal/domain"
)

// GameDetail describes one live game for the notification body.
type GameDetail struct {
	TimeControl string
	URL         string
	Result      string
}

// Params feeds a render. Username is the tracked player, not the recipient.
type Params struct {
	Username    string
	DisplayName string
	Games       []GameDetail
}

// Rendered is a fully built email ready to enqueue.
type Rendered struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// Renderer builds email content for a notification kind.
type Renderer interface {
	Render(kind domain.TemplateKind, params Params) (*Rendered, error)
}

type emailTemplate struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// HTMLRenderer renders the built-in notification templates.
type HTMLRenderer struct {
	templates map[domain.TemplateKind]emailTemplate
}

func NewHTMLRenderer() (*HTMLRenderer, error) {
	templates := make(map[domain.TemplateKind]emailTemplate, len(templateSources))

	for kind, src := range templateSources {
		htmlTmpl, err := htmltemplate.New(string(kind)).Parse(src.html)
		if err != nil {
			return nil, fmt.Errorf("parse %s html template: %w", kind, err)
		}
		textTmpl, err := texttemplate.New(string(kind)).Parse(src.text)
		if err != nil {
			return nil, fmt.Errorf("parse %s text template: %w", kind, err)
		}
		templates[kind] = emailTemplate{subject: src.subject, html: htmlTmpl, text: textTmpl}
	}

	return &HTMLRenderer{templates: templates}, nil
}

func (r *HTMLRenderer) Render(kind domain.TemplateKind, params Params) (*Rendered, error) {
	tmpl, ok := r.templates[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template kind %q", domain.ErrValidation, kind)
	}
	if strings.TrimSpace(params.Username) == "" {
		return nil, fmt.Errorf("%w: template username is required", domain.ErrValidation)
	}
	if params.DisplayName == "" {
		params.DisplayName = "Chess.com Player"
	}

	var htmlBuf bytes.Buffer
	if err := tmpl.html.Execute(&htmlBuf, params); err != nil {
		return nil, fmt.Errorf("render %s html: %w", kind, err)
	}

	var textBuf bytes.Buffer
	if err := tmpl.text.Execute(&textBuf, params); err != nil {
		return nil, fmt.Errorf("render %s text: %w", kind, err)
	}

	return &Rendered{
		Subject:  fmt.Sprintf(tmpl.subject, params.Username),
		BodyHTML: htmlBuf.String(),
		BodyText: strings.TrimSpace(textBuf.String()),
	}, nil
}
