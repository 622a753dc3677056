package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"github.com/notifyhub/delivery-pipeline/internal/schedule"
)

// CreateNotificationRequest is the inbound intake payload.
// ID is optional; when supplied it doubles as the idempotency key.
type CreateNotificationRequest struct {
	ID             string     `json:"id,omitempty" validate:"omitempty,uuid"`
	Recipients     []string   `json:"recipients" validate:"required,min=1,dive,notblank"`
	TemplateID     *string    `json:"template_id,omitempty"`
	Subject        *string    `json:"subject,omitempty" validate:"omitempty,max=998"`
	Body           *string    `json:"body,omitempty" validate:"omitempty,max=65536"`
	DeliveryType   Channel    `json:"delivery_type" validate:"required"`
	ScheduledTime  *time.Time `json:"scheduled_time,omitempty"`
	RepeatInterval *string    `json:"repeat_interval,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// Validate checks structural rules and maps failures to sentinel errors.
func (r *CreateNotificationRequest) Validate() error {
	if !r.DeliveryType.IsValid() {
		return ErrInvalidChannel
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := verrs[0].StructField()
			switch {
			case field == "ID":
				return ErrInvalidID
			case strings.HasPrefix(field, "Recipients"):
				return ErrInvalidRecipients
			case field == "DeliveryType":
				return ErrInvalidChannel
			}
		}
		return ErrInvalidContent
	}
	if isBlank(r.TemplateID) && isBlank(r.Body) {
		return ErrInvalidContent
	}
	if r.RepeatInterval != nil {
		if _, err := schedule.Parse(*r.RepeatInterval); err != nil {
			return ErrInvalidRepeat
		}
	}
	return nil
}

// ToNotification builds the canonical record produced by intake.
func (r *CreateNotificationRequest) ToNotification(now time.Time) *Notification {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	n := &Notification{
		ID:             id,
		Recipients:     dedupe(r.Recipients),
		TemplateID:     cloneString(r.TemplateID),
		Subject:        cloneString(r.Subject),
		Body:           cloneString(r.Body),
		DeliveryType:   r.DeliveryType,
		RepeatInterval: cloneString(r.RepeatInterval),
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if r.ScheduledTime != nil {
		st := r.ScheduledTime.UTC()
		n.ScheduledTime = &st
	}
	return n
}

// dedupe keeps first occurrence order; recipients are a set.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
