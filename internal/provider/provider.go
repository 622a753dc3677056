package provider

import (
	"context"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// ProfileProvider resolves a recipient id to its profile and channel flags.
// Implementations return domain.ErrNotFound for an unknown recipient; any
// other error is treated as transient by the rendering stage.
type ProfileProvider interface {
	GetProfile(ctx context.Context, recipientID string) (*domain.Profile, error)
}

// TemplateProvider resolves a template slug to renderable content.
// Implementations return domain.ErrNotFound for an unknown slug.
type TemplateProvider interface {
	GetTemplate(ctx context.Context, slug string) (*domain.Template, error)
}
