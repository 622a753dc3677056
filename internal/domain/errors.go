package domain

import "errors"

// Sentinel errors used throughout the pipeline.
// Handlers translate these to HTTP status codes via a single mapError function;
// stages use them to tell data errors apart from infrastructure errors.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict: notification id already exists")
	ErrInvalidChannel     = errors.New("invalid delivery_type: must be email or push")
	ErrInvalidRecipients  = errors.New("recipients must contain at least one non-empty id")
	ErrInvalidContent     = errors.New("either template_id or body must be set")
	ErrInvalidRepeat      = errors.New("invalid repeat_interval")
	ErrInvalidID          = errors.New("id must be a UUID")
	ErrAlreadyCancelled   = errors.New("notification is already cancelled")
	ErrNotCancellable     = errors.New("notification cannot be cancelled in its current status")
	ErrQueueFull          = errors.New("queue is at capacity, try again later")
	ErrUnknownChannel     = errors.New("unknown delivery channel")
	ErrRecipientOffline   = errors.New("recipient has no live connection")
	ErrMissingContactInfo = errors.New("recipient has no contact address")
	ErrMalformedResponse  = errors.New("collaborator returned a malformed response")
)
