package repository

import (
	"context"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// NotificationRepository is the notification store: a durable document store
// keyed by notification id. The pgx implementation is in
// pg_notification_repo.go; tests use the in-memory mock.
type NotificationRepository interface {
	// Insert stores a new record. The id is the idempotency key: inserting an
	// existing id returns domain.ErrConflict and leaves the stored record as is.
	Insert(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	// UpdateStatus changes the lifecycle status. A cancelled record is never
	// moved out of cancelled.
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	Cancel(ctx context.Context, id string) error
	// RecordFiring stores the audit trail of one firing.
	RecordFiring(ctx context.Context, id string, firedAt time.Time) error
}
