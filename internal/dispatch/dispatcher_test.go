package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
)

// fakeSender fails with errs[i] on call i, and succeeds once errs runs out.
// A nil errs entry is also a success.
type fakeSender struct {
	mu      sync.Mutex
	channel domain.Channel
	errs    []error
	always  error
	calls   []domain.DeliveryTask
}

func (f *fakeSender) Channel() domain.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, task *domain.DeliveryTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *task)
	if f.always != nil {
		return f.always
	}
	i := len(f.calls) - 1
	if i < len(f.errs) {
		return f.errs[i]
	}
	return nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type outcome struct {
	attempts int
	sent     int
	failed   int
	dropped  map[string]int
	sleeps   []time.Duration
}

func newDispatcher(s *fakeSender, opts ...dispatch.Option) (*dispatch.Dispatcher, *outcome) {
	o := &outcome{dropped: map[string]int{}}
	opts = append([]dispatch.Option{dispatch.WithSleep(func(_ context.Context, d time.Duration) bool {
		o.sleeps = append(o.sleeps, d)
		return true
	})}, opts...)
	d := dispatch.NewDispatcher(s, ratelimiter.New(0),
		dispatch.Policy{MaxAttempts: 3, Backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}},
		zap.NewNop(),
		dispatch.Hooks{
			OnAttempt: func(domain.Channel) { o.attempts++ },
			OnSent:    func(domain.Channel, time.Duration) { o.sent++ },
			OnFailed:  func(domain.Channel) { o.failed++ },
			OnDropped: func(_ domain.Channel, r string) { o.dropped[r]++ },
		},
		opts...,
	)
	return d, o
}

func taskMsg(t *testing.T, task domain.DeliveryTask) queue.Message {
	t.Helper()
	b, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Message{ID: "m1", Queue: string(task.Channel), Body: b}
}

var emailTask = domain.DeliveryTask{
	NotificationID:  "N1",
	RecipientID:     "U1",
	Channel:         domain.ChannelEmail,
	ContactAddress:  "u1@example.com",
	RenderedSubject: "Hi",
	RenderedBody:    "Hello",
	FiredAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestDispatcher_SendsOnce(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail}
	d, o := newDispatcher(s)

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Calls() != 1 || o.sent != 1 {
		t.Fatalf("expected exactly one send, got %d calls and %d sent", s.Calls(), o.sent)
	}
	if s.calls[0].AttemptCount != 1 {
		t.Errorf("expected attempt_count 1, got %d", s.calls[0].AttemptCount)
	}
}

func TestDispatcher_RetryBound(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, always: errors.New("smtp timeout")}
	d, o := newDispatcher(s)

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatalf("exhausted retries must acknowledge, got %v", err)
	}
	if s.Calls() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", s.Calls())
	}
	if o.attempts != 3 || o.failed != 1 || o.sent != 0 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(o.sleeps) != len(want) || o.sleeps[0] != want[0] || o.sleeps[1] != want[1] {
		t.Fatalf("expected backoff %v, got %v", want, o.sleeps)
	}
	for i, c := range s.calls {
		if c.AttemptCount != i+1 {
			t.Errorf("call %d: expected attempt_count %d, got %d", i, i+1, c.AttemptCount)
		}
	}
}

func TestDispatcher_SucceedsOnRetry(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, errs: []error{errors.New("421"), errors.New("421")}}
	d, o := newDispatcher(s)

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatal(err)
	}
	if s.Calls() != 3 || o.sent != 1 || o.failed != 0 {
		t.Fatalf("expected success on third attempt, got %d calls, outcome %+v", s.Calls(), o)
	}
}

func TestDispatcher_PermanentStopsEarly(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, always: dispatch.Permanent(errors.New("550 mailbox unavailable"))}
	d, o := newDispatcher(s)

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatal(err)
	}
	if s.Calls() != 1 || o.failed != 1 || len(o.sleeps) != 0 {
		t.Fatalf("expected a single attempt, got %d calls, outcome %+v", s.Calls(), o)
	}
}

func TestDispatcher_OfflineDrops(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelPush, always: domain.ErrRecipientOffline}
	d, o := newDispatcher(s)
	task := emailTask
	task.Channel = domain.ChannelPush

	if err := d.Handle(context.Background(), taskMsg(t, task)); err != nil {
		t.Fatalf("offline must not be an error, got %v", err)
	}
	if s.Calls() != 1 || o.dropped[dispatch.DropOffline] != 1 || o.failed != 0 {
		t.Fatalf("expected one lookup and an offline drop, got %d calls, outcome %+v", s.Calls(), o)
	}
}

func TestDispatcher_ChannelIsolation(t *testing.T) {
	push := &fakeSender{channel: domain.ChannelPush}
	d, o := newDispatcher(push)

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatal(err)
	}
	if push.Calls() != 0 {
		t.Fatalf("push dispatcher must never send an email task, got %d calls", push.Calls())
	}
	if o.dropped[dispatch.DropWrongChannel] != 1 {
		t.Fatalf("expected a wrong-channel drop, got %+v", o)
	}
}

func TestDispatcher_DeadLetter(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, always: errors.New("connection reset")}
	dlq := queue.NewRecorder()
	d, _ := newDispatcher(s, dispatch.WithDeadLetter(dlq, "dead"))

	if err := d.Handle(context.Background(), taskMsg(t, emailTask)); err != nil {
		t.Fatal(err)
	}
	got := dlq.On("dead")
	if len(got) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got))
	}
	var dl dispatch.DeadLetter
	if err := json.Unmarshal(got[0].Body, &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Attempts != 3 || dl.Task.RecipientID != "U1" || dl.Error != "connection reset" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
}

func TestDispatcher_InterruptedBackoffIsRedelivered(t *testing.T) {
	s := &fakeSender{channel: domain.ChannelEmail, always: errors.New("timeout")}
	d := dispatch.NewDispatcher(s, ratelimiter.New(0),
		dispatch.Policy{MaxAttempts: 3, Backoff: []time.Duration{time.Hour}},
		zap.NewNop(), dispatch.Hooks{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Handle(ctx, taskMsg(t, emailTask)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err == nil || queue.IsDrop(err) {
			t.Fatalf("expected a retryable error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
	if s.Calls() != 1 {
		t.Fatalf("expected 1 attempt before shutdown, got %d", s.Calls())
	}
}

func TestDispatcher_Dedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := &fakeSender{channel: domain.ChannelEmail}
	d, o := newDispatcher(s, dispatch.WithDeduper(dispatch.NewRedisDeduper(client, "test", time.Hour)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := d.Handle(ctx, taskMsg(t, emailTask)); err != nil {
			t.Fatal(err)
		}
	}
	if s.Calls() != 1 || o.dropped[dispatch.DropDuplicate] != 1 {
		t.Fatalf("expected the redelivery to be skipped, got %d calls, outcome %+v", s.Calls(), o)
	}

	next := emailTask
	next.FiredAt = emailTask.FiredAt.Add(time.Hour)
	if err := d.Handle(ctx, taskMsg(t, next)); err != nil {
		t.Fatal(err)
	}
	if s.Calls() != 2 {
		t.Fatalf("a new firing must be delivered, got %d calls", s.Calls())
	}
	if ttl := mr.TTL("test:dedup:" + emailTask.DedupKey()); ttl != time.Hour {
		t.Fatalf("expected dedup key ttl 1h, got %s", ttl)
	}
}

func TestDispatcher_UndecodableDrops(t *testing.T) {
	d, _ := newDispatcher(&fakeSender{channel: domain.ChannelEmail})
	if err := d.Handle(context.Background(), queue.Message{Body: []byte("x")}); !queue.IsDrop(err) {
		t.Fatalf("expected a drop, got %v", err)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("550")
	err := dispatch.Permanent(base)
	if !dispatch.IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("Permanent must wrap and be detectable, got %v", err)
	}
	if dispatch.IsPermanent(base) || dispatch.Permanent(nil) != nil {
		t.Fatal("unexpected permanent classification")
	}
}
