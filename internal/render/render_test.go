package render_test

import (
	"errors"
	"testing"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/render"
)

func strPtr(s string) *string { return &s }

var alice = &domain.Profile{ID: "u1", Username: "alice", ContactAddress: "alice@example.com"}

func TestRenderer_Template(t *testing.T) {
	r := render.NewRenderer()
	n := &domain.Notification{ID: "n1"}
	tpl := &domain.Template{
		Slug:    "welcome",
		Title:   "Welcome {{.Username | title}}",
		Content: "Hello {{.Username}}, your address is {{.Email}}.",
	}

	msg, err := r.Compile(n, tpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	subject, body, err := msg.For(alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Welcome Alice" {
		t.Errorf("unexpected subject %q", subject)
	}
	if body != "Hello alice, your address is alice@example.com." {
		t.Errorf("unexpected body %q", body)
	}
}

func TestRenderer_InlineSubjectWinsOverTitle(t *testing.T) {
	r := render.NewRenderer()
	n := &domain.Notification{ID: "n1", Subject: strPtr("Weekly digest")}
	tpl := &domain.Template{Title: "ignored", Content: "{{.Subject | upper}} for {{.RecipientID}}"}

	msg, err := r.Compile(n, tpl)
	if err != nil {
		t.Fatal(err)
	}
	subject, body, _ := msg.For(alice)
	if subject != "Weekly digest" || body != "WEEKLY DIGEST for u1" {
		t.Errorf("unexpected output %q / %q", subject, body)
	}
}

func TestRenderer_InlineBody(t *testing.T) {
	r := render.NewRenderer()
	n := &domain.Notification{ID: "n9", Body: strPtr("Hi {{default \"there\" .Username}} ({{.NotificationID}})")}

	msg, err := r.Compile(n, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, body, _ := msg.For(&domain.Profile{ID: "u2"})
	if body != "Hi there (n9)" {
		t.Errorf("unexpected body %q", body)
	}
	_, body, _ = msg.For(alice)
	if body != "Hi alice (n9)" {
		t.Errorf("message must be reusable across recipients, got %q", body)
	}
}

func TestRenderer_Errors(t *testing.T) {
	r := render.NewRenderer()

	_, err := r.Compile(&domain.Notification{Body: strPtr("{{.Broken")}, nil)
	if !errors.Is(err, render.ErrRender) {
		t.Fatalf("expected ErrRender on parse failure, got %v", err)
	}

	msg, err := r.Compile(&domain.Notification{Body: strPtr("{{.Unknown}}")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := msg.For(alice); !errors.Is(err, render.ErrRender) {
		t.Fatalf("expected ErrRender on execute failure, got %v", err)
	}
}
