package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

const (
	uniqueViolation           = "23505"
	invalidTextRepresentation = "22P02"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by
// PostgreSQL. The record is kept as a JSONB document; status and the firing
// audit live in their own columns and are authoritative over the document.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

func (r *pgNotificationRepository) Insert(ctx context.Context, n *domain.Notification) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (id, delivery_type, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.DeliveryType, n.Status, doc, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var (
		doc       []byte
		status    domain.Status
		fireCount int
		lastFired *time.Time
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT document, status, fire_count, last_fired_at, updated_at
		FROM notifications WHERE id = $1`, id,
	).Scan(&doc, &status, &fireCount, &lastFired, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get notification", err)
	}

	var n domain.Notification
	if err := json.Unmarshal(doc, &n); err != nil {
		return nil, fmt.Errorf("decode notification %s: %w", id, err)
	}
	n.Status = status
	n.FireCount = fireCount
	n.FiredAt = lastFired
	n.UpdatedAt = updatedAt
	return &n, nil
}

func (r *pgNotificationRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status <> 'cancelled'`, status, id)
	if err != nil {
		return wrapErr("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return r.existsOrNotFound(ctx, id)
	}
	return nil
}

func (r *pgNotificationRepository) Cancel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return wrapErr("cancel notification", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgNotificationRepository) RecordFiring(ctx context.Context, id string, firedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET fire_count = fire_count + 1, last_fired_at = $1, updated_at = NOW()
		WHERE id = $2`, firedAt, id)
	if err != nil {
		return wrapErr("record firing", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// existsOrNotFound disambiguates a zero-row update: a cancelled record is
// left alone silently, a missing one is reported.
func (r *pgNotificationRepository) existsOrNotFound(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

// wrapErr maps a malformed id to ErrNotFound: a non-UUID id cannot exist.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
