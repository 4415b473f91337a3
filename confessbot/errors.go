package confessbot

import (
	"errors"
)

var (
	// ErrNotConfigured is returned when a guild has not run /setup, or a
	// channel has no persona configuration.
	ErrNotConfigured = errors.New("not configured")

	// ErrForbidden is returned when the invoking member lacks the
	// configured admin role.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced confession, thread or
	// character doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessed is returned when approving or rejecting a
	// confession that is no longer pending.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrDestinationMissing is returned when a configured forum or admin
	// channel can no longer be resolved.
	ErrDestinationMissing = errors.New("destination missing")

	// ErrDeliveryFailure wraps failed DMs, webhook posts and thread deletes.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrInvalidInput is returned for malformed command options or
	// component IDs.
	ErrInvalidInput = errors.New("invalid input")
)

const genericErrorNotice = "❌ Something went wrong. Please try again later."

// userNotice returns the message shown to the invoking user for the
// given error.
func userNotice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConfigured):
		return "⚠️ This server hasn't been set up yet. An admin needs to run `/setup`."
	case errors.Is(err, ErrForbidden):
		return "⛔ You don't have permission to use this command."
	case errors.Is(err, ErrNotFound):
		return "❌ Not found."
	case errors.Is(err, ErrAlreadyProcessed):
		return "❌ This confession has already been processed!"
	case errors.Is(err, ErrDestinationMissing):
		return "❌ The configured channel could not be found. An admin should re-run `/setup`."
	case errors.Is(err, ErrDeliveryFailure):
		return "⚠️ The message could not be delivered."
	case errors.Is(err, ErrInvalidInput):
		return "❌ Invalid input."
	default:
		return genericErrorNotice
	}
}

// noticeError carries a specific user-facing message alongside the
// underlying error, for cases where userNotice's generic text isn't
// descriptive enough.
type noticeError struct {
	notice string
	err    error
}

func (e *noticeError) Error() string {
	if e.err == nil {
		return e.notice
	}
	return e.err.Error()
}

func (e *noticeError) Unwrap() error {
	return e.err
}

func withNotice(err error, notice string) error {
	return &noticeError{notice: notice, err: err}
}

// noticeFor prefers a message attached with withNotice, falling back to
// userNotice.
func noticeFor(err error) string {
	var ne *noticeError
	if errors.As(err, &ne) {
		return ne.notice
	}
	return userNotice(err)
}
