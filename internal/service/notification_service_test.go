package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/service"
)

const primaryQ = "primary"

type fixture struct {
	svc      *service.NotificationService
	repo     *repository.MockNotificationRepository
	pub      *queue.Recorder
	accepted int
}

func newFixture() *fixture {
	f := &fixture{
		repo: repository.NewMockNotificationRepository(),
		pub:  queue.NewRecorder(),
	}
	f.svc = service.NewNotificationService(f.repo, f.pub, primaryQ, func() { f.accepted++ }, zap.NewNop())
	return f
}

func strPtr(s string) *string { return &s }

func validReq() domain.CreateNotificationRequest {
	return domain.CreateNotificationRequest{
		Recipients:   []string{"u1", "u2", "u1"},
		Body:         strPtr("Hello {{.Username}}"),
		DeliveryType: domain.ChannelEmail,
	}
}

func TestNotificationService_Create(t *testing.T) {
	f := newFixture()

	n, isDuplicate, err := f.svc.Create(context.Background(), validReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isDuplicate {
		t.Fatal("expected isDuplicate=false for a new notification")
	}
	if n.ID == "" || n.Status != domain.StatusPending {
		t.Fatalf("unexpected record %+v", n)
	}
	if len(n.Recipients) != 2 {
		t.Fatalf("expected recipients deduplicated, got %v", n.Recipients)
	}

	got := f.pub.On(primaryQ)
	if len(got) != 1 {
		t.Fatalf("expected one publish on primary, got %d", len(got))
	}
	var payload domain.Notification
	if err := json.Unmarshal(got[0].Body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ID != n.ID || payload.DeliveryType != domain.ChannelEmail {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if f.accepted != 1 {
		t.Fatalf("expected one accepted observation, got %d", f.accepted)
	}
}

func TestNotificationService_Create_InvalidRequest(t *testing.T) {
	f := newFixture()

	bad := validReq()
	bad.DeliveryType = "fax"
	_, _, err := f.svc.Create(context.Background(), bad)
	if !errors.Is(err, domain.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if len(f.pub.All()) != 0 {
		t.Fatal("rejected requests must not be published")
	}
}

func TestNotificationService_Create_SameIDIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	req := validReq()
	req.ID = "8f14e45f-ceea-4e7a-9c6b-2f1d3c4b5a69"
	first, isDup, err := f.svc.Create(ctx, req)
	if err != nil || isDup {
		t.Fatalf("first call: err=%v isDup=%v", err, isDup)
	}

	second, isDup, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("second call: unexpected error: %v", err)
	}
	if !isDup {
		t.Fatal("expected isDuplicate=true for a repeated id")
	}
	if second.ID != first.ID {
		t.Fatalf("expected the stored record, got %s", second.ID)
	}
	if n := len(f.pub.On(primaryQ)); n != 1 {
		t.Fatalf("expected exactly one publish, got %d", n)
	}
}

func TestNotificationService_Create_PublishFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.pub.Err = domain.ErrQueueFull

	req := validReq()
	req.ID = "0b9e6b5c-8a8e-4f61-9d55-7c1b2e3f4a5d"
	if _, _, err := f.svc.Create(ctx, req); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := f.repo.Status(req.ID); got != domain.StatusFailed {
		t.Fatalf("expected failed status after publish failure, got %s", got)
	}
	if f.accepted != 0 {
		t.Fatal("a failed publish is not accepted")
	}

	// A retry with the same id publishes the stored record.
	f.pub.Err = nil
	n, isDup, err := f.svc.Create(ctx, req)
	if err != nil || !isDup {
		t.Fatalf("retry: err=%v isDup=%v", err, isDup)
	}
	if n.Status != domain.StatusPending || f.repo.Status(req.ID) != domain.StatusPending {
		t.Fatalf("expected pending after retry, got %s", n.Status)
	}
	if len(f.pub.On(primaryQ)) != 1 || f.accepted != 1 {
		t.Fatalf("expected one publish after retry, got %d", len(f.pub.On(primaryQ)))
	}
}

func TestNotificationService_Create_StoreFailure(t *testing.T) {
	f := newFixture()
	f.repo.InsertErr = errors.New("connection refused")

	if _, _, err := f.svc.Create(context.Background(), validReq()); err == nil {
		t.Fatal("expected error")
	}
	if len(f.pub.All()) != 0 {
		t.Fatal("nothing may be published when persisting fails")
	}
}

func TestNotificationService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		f := newFixture()
		n, _, _ := f.svc.Create(ctx, validReq())
		if err := f.svc.Cancel(ctx, n.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f.repo.Status(n.ID) != domain.StatusCancelled {
			t.Fatal("expected cancelled")
		}
		if err := f.svc.Cancel(ctx, n.ID); !errors.Is(err, domain.ErrAlreadyCancelled) {
			t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
		}
	})

	t.Run("sent once", func(t *testing.T) {
		f := newFixture()
		n, _, _ := f.svc.Create(ctx, validReq())
		_ = f.repo.UpdateStatus(ctx, n.ID, domain.StatusSent)
		if err := f.svc.Cancel(ctx, n.ID); !errors.Is(err, domain.ErrNotCancellable) {
			t.Fatalf("expected ErrNotCancellable, got %v", err)
		}
	})

	t.Run("recurring keeps firing until cancelled", func(t *testing.T) {
		f := newFixture()
		req := validReq()
		req.RepeatInterval = strPtr("3600")
		n, _, _ := f.svc.Create(ctx, req)
		_ = f.repo.RecordFiring(ctx, n.ID, time.Now())
		_ = f.repo.UpdateStatus(ctx, n.ID, domain.StatusSent)
		if err := f.svc.Cancel(ctx, n.ID); err != nil {
			t.Fatalf("recurring notifications stay cancellable, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture()
		if err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
