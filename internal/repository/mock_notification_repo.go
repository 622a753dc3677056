package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation of
// NotificationRepository used in unit tests.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	firings       map[string][]time.Time

	// Optional error overrides, set in tests to simulate failure paths.
	InsertErr       error
	GetByIDErr      error
	UpdateStatusErr error
	CancelErr       error
	RecordFiringErr error
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		firings:       make(map[string][]time.Time),
	}
}

func (m *MockNotificationRepository) Insert(_ context.Context, n *domain.Notification) error {
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; ok {
		return domain.ErrConflict
	}
	m.notifications[n.ID] = n.Clone()
	return nil
}

func (m *MockNotificationRepository) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(), nil
}

func (m *MockNotificationRepository) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	if m.UpdateStatusErr != nil {
		return m.UpdateStatusErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status != domain.StatusCancelled {
		n.Status = status
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) Cancel(_ context.Context, id string) error {
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = domain.StatusCancelled
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockNotificationRepository) RecordFiring(_ context.Context, id string, firedAt time.Time) error {
	if m.RecordFiringErr != nil {
		return m.RecordFiringErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.FireCount++
	t := firedAt
	n.FiredAt = &t
	m.firings[id] = append(m.firings[id], firedAt)
	return nil
}

// Firings returns the firing times recorded for id, in order.
func (m *MockNotificationRepository) Firings(id string) []time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]time.Time(nil), m.firings[id]...)
}

// Status returns the stored status for id, or "" when absent.
func (m *MockNotificationRepository) Status(id string) domain.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.notifications[id]; ok {
		return n.Status
	}
	return ""
}
