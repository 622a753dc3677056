// Package push delivers rendered notifications over live websocket
// connections, addressed by recipient id.
package push

import (
	"errors"
	"sync"
	"time"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Conn is the write side of one live connection.
type Conn interface {
	WriteText(text string, deadline time.Time) error
	Close() error
}

// Handle is one registration of a connection. Writes through a handle are
// serialized, and a closed handle is never written to again.
type Handle struct {
	recipientID string

	mu     sync.Mutex
	conn   Conn
	closed bool
}

func (h *Handle) RecipientID() string { return h.recipientID }

func (h *Handle) write(text string, deadline time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrRecipientOffline
	}
	return h.conn.WriteText(text, deadline)
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	_ = h.conn.Close()
}

// Registry maps recipient ids to their live connection. It is the only
// shared mutable state of the push dispatcher; connect, disconnect and send
// are safe to call concurrently.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	onChange func(live int)
}

// NewRegistry creates an empty registry. onChange, if non-nil, is called with
// the number of live connections after every change.
func NewRegistry(onChange func(live int)) *Registry {
	if onChange == nil {
		onChange = func(int) {}
	}
	return &Registry{handles: make(map[string]*Handle), onChange: onChange}
}

// Connect registers conn for recipientID. A previous connection of the same
// recipient is replaced and closed.
func (r *Registry) Connect(recipientID string, conn Conn) *Handle {
	h := &Handle{recipientID: recipientID, conn: conn}

	r.mu.Lock()
	prev := r.handles[recipientID]
	r.handles[recipientID] = h
	live := len(r.handles)
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	r.onChange(live)
	return h
}

// Disconnect removes h if it is still the recipient's current connection and
// closes it. It reports whether h was removed from the map.
func (r *Registry) Disconnect(h *Handle) bool {
	r.mu.Lock()
	removed := false
	if cur, ok := r.handles[h.recipientID]; ok && cur == h {
		delete(r.handles, h.recipientID)
		removed = true
	}
	live := len(r.handles)
	r.mu.Unlock()

	h.close()
	if removed {
		r.onChange(live)
	}
	return removed
}

// Send writes text to the recipient's connection. It returns
// domain.ErrRecipientOffline without writing when nobody is connected. A
// failed write drops the connection.
func (r *Registry) Send(recipientID, text string, deadline time.Time) error {
	r.mu.RLock()
	h := r.handles[recipientID]
	r.mu.RUnlock()
	if h == nil {
		return domain.ErrRecipientOffline
	}

	if err := h.write(text, deadline); err != nil {
		if !errors.Is(err, domain.ErrRecipientOffline) {
			r.Disconnect(h)
		}
		return err
	}
	return nil
}

// Online reports whether recipientID has a live connection.
func (r *Registry) Online(recipientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[recipientID]
	return ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
	r.onChange(0)
}
