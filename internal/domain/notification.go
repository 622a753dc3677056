package domain

import (
	"strings"
	"time"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel. Routing must be total over this set.
var Channels = []Channel{ChannelEmail, ChannelPush}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Status tracks the lifecycle of a notification as a whole, not per recipient.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Notification is the unit of intent. It is also the payload carried on the
// primary, scheduled and render queues, so it must stay self-contained.
type Notification struct {
	ID             string     `json:"id"`
	Recipients     []string   `json:"recipients"`
	TemplateID     *string    `json:"template_id,omitempty"`
	Subject        *string    `json:"subject,omitempty"`
	Body           *string    `json:"body,omitempty"`
	DeliveryType   Channel    `json:"delivery_type"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	RepeatInterval *string    `json:"repeat_interval,omitempty"`
	Status         Status     `json:"status"`
	// FiredAt is set by the scheduling stage when the notification is forwarded
	// for rendering. It identifies one firing of a recurring notification.
	FiredAt *time.Time `json:"fired_at,omitempty"`
	// FireCount is maintained by the store only.
	FireCount int       `json:"fire_count,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRecurring reports whether the notification re-arms after each firing.
func (n *Notification) IsRecurring() bool {
	return n.RepeatInterval != nil && strings.TrimSpace(*n.RepeatInterval) != ""
}

// IsDue reports whether the notification should fire at now.
// An absent scheduled_time means "send now".
func (n *Notification) IsDue(now time.Time) bool {
	return n.ScheduledTime == nil || !n.ScheduledTime.After(now)
}

// Clone returns a copy that shares no mutable state with n.
func (n *Notification) Clone() *Notification {
	c := *n
	c.Recipients = append([]string(nil), n.Recipients...)
	c.TemplateID = cloneString(n.TemplateID)
	c.Subject = cloneString(n.Subject)
	c.Body = cloneString(n.Body)
	c.RepeatInterval = cloneString(n.RepeatInterval)
	c.ScheduledTime = cloneTime(n.ScheduledTime)
	c.FiredAt = cloneTime(n.FiredAt)
	return &c
}

// DeliveryTask is the per-recipient, per-channel unit of dispatch work.
// It is never persisted and can always be re-derived from a Notification.
type DeliveryTask struct {
	NotificationID  string    `json:"notification_id"`
	RecipientID     string    `json:"recipient_id"`
	Channel         Channel   `json:"channel"`
	ContactAddress  string    `json:"contact_address,omitempty"`
	RenderedSubject string    `json:"rendered_subject"`
	RenderedBody    string    `json:"rendered_body"`
	AttemptCount    int       `json:"attempt_count"`
	FiredAt         time.Time `json:"fired_at"`
}

// DedupKey identifies a single delivery of one firing to one recipient.
func (t *DeliveryTask) DedupKey() string {
	return t.NotificationID + ":" + t.RecipientID + ":" + string(t.Channel) + ":" +
		t.FiredAt.UTC().Format(time.RFC3339Nano)
}

// Profile is the read-only view of a recipient owned by the preferences service.
type Profile struct {
	ID             string          `json:"id"`
	Username       string          `json:"username"`
	ContactAddress string          `json:"email"`
	Settings       ChannelSettings `json:"notification_settings"`
}

// ChannelSettings holds per-channel opt-in flags.
type ChannelSettings struct {
	EmailEnabled bool `json:"email_enabled"`
	PushEnabled  bool `json:"push_enabled"`
}

// Allows reports whether the recipient opted in to the given channel.
// Unknown channels are never allowed.
func (p *Profile) Allows(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.Settings.EmailEnabled
	case ChannelPush:
		return p.Settings.PushEnabled
	}
	return false
}

// Template is renderable content resolved from the template service by slug.
type Template struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Content     string `json:"context"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
