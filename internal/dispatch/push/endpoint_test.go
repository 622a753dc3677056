package push_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch/push"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndpoint_DeliversToConnectedClient(t *testing.T) {
	r := push.NewRegistry(nil)
	ep := push.NewEndpoint(r, time.Minute, time.Second, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ep.Serve(w, req, strings.TrimPrefix(req.URL.Path, "/ws/push/"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/push/u1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	waitFor(t, func() bool { return r.Online("u1") })

	s := push.NewSender(r, time.Second)
	task := &domain.DeliveryTask{RecipientID: "u1", Channel: domain.ChannelPush, RenderedBody: "you have mail"}
	if err := s.Send(context.Background(), task); err != nil {
		t.Fatalf("send: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage || string(data) != "you have mail" {
		t.Fatalf("unexpected frame %d %q", kind, data)
	}

	_ = client.Close()
	waitFor(t, func() bool { return !r.Online("u1") })
}

func TestEndpoint_ReconnectReplaces(t *testing.T) {
	r := push.NewRegistry(nil)
	ep := push.NewEndpoint(r, time.Minute, time.Second, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ep.Serve(w, req, "u1")
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	waitFor(t, func() bool { return r.Online("u1") })

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	// The first connection is closed by the server once replaced.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("expected the replaced connection to be closed")
	}

	if err := push.NewSender(r, time.Second).Send(context.Background(),
		&domain.DeliveryTask{RecipientID: "u1", RenderedBody: "second"}); err != nil {
		t.Fatal(err)
	}
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, data, err := second.ReadMessage(); err != nil || string(data) != "second" {
		t.Fatalf("expected delivery on the new connection, got %q %v", data, err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 live connection, got %d", r.Len())
	}
}
