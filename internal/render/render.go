package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// ErrRender marks content that cannot be parsed or executed. It is a data
// error: the rendering stage skips the recipient instead of retrying.
var ErrRender = errors.New("render failed")

// Data is the set of fields available to templates and inline bodies.
type Data struct {
	RecipientID    string
	Username       string
	Email          string
	NotificationID string
	Subject        string
	Title          string
	Description    string
	FiredAt        time.Time
}

// Renderer compiles notification content into reusable message templates.
type Renderer struct {
	funcMap template.FuncMap
}

func NewRenderer() *Renderer {
	return &Renderer{
		funcMap: template.FuncMap{
			"title":      titleCase,
			"upper":      strings.ToUpper,
			"lower":      strings.ToLower,
			"formatTime": formatTime,
			"default":    defaultValue,
		},
	}
}

// Message is compiled content for one notification firing, shared across
// all of its recipients.
type Message struct {
	subject *template.Template
	body    *template.Template
	base    Data
}

// Compile prepares the subject and body for n. When tpl is non-nil its title
// and content take precedence over the inline subject and body.
func (r *Renderer) Compile(n *domain.Notification, tpl *domain.Template) (*Message, error) {
	var subjectSrc, bodySrc string
	base := Data{NotificationID: n.ID}
	if n.Subject != nil {
		subjectSrc = *n.Subject
		base.Subject = *n.Subject
	}
	if n.Body != nil {
		bodySrc = *n.Body
	}
	if n.FiredAt != nil {
		base.FiredAt = *n.FiredAt
	}
	if tpl != nil {
		base.Title = tpl.Title
		base.Description = tpl.Description
		if subjectSrc == "" {
			subjectSrc = tpl.Title
		}
		bodySrc = tpl.Content
	}

	subject, err := r.parse("subject", subjectSrc)
	if err != nil {
		return nil, err
	}
	body, err := r.parse("body", bodySrc)
	if err != nil {
		return nil, err
	}
	return &Message{subject: subject, body: body, base: base}, nil
}

func (r *Renderer) parse(name, src string) (*template.Template, error) {
	t, err := template.New(name).Funcs(r.funcMap).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrRender, name, err)
	}
	return t, nil
}

// For renders the message for a single recipient.
func (m *Message) For(p *domain.Profile) (subject, body string, err error) {
	data := m.base
	data.RecipientID = p.ID
	data.Username = p.Username
	data.Email = p.ContactAddress

	var buf bytes.Buffer
	if err := m.subject.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("%w: subject: %v", ErrRender, err)
	}
	subject = strings.TrimSpace(buf.String())

	buf.Reset()
	if err := m.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("%w: body: %v", ErrRender, err)
	}
	body = strings.TrimSpace(buf.String())
	return subject, body, nil
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func defaultValue(def, v string) string {
	if v == "" {
		return def
	}
	return v
}
