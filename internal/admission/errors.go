package admission

import "errors"

var (
	// ErrConcurrencyRejected is returned by Admit when the bot is at its concurrency limit.
	ErrConcurrencyRejected = errors.New("rejected_concurrency")

	// ErrCadenceRejected is returned by Admit when the bot's cadence interval has not elapsed.
	ErrCadenceRejected = errors.New("rejected_cadence")
)

// IsRejected reports whether err is an admission rejection (as opposed to a store failure).
func IsRejected(err error) bool {
	return errors.Is(err, ErrConcurrencyRejected) || errors.Is(err, ErrCadenceRejected)
}

// Status returns the machine-readable status string of a rejection, or "" for other errors.
func Status(err error) string {
	switch {
	case errors.Is(err, ErrConcurrencyRejected):
		return ErrConcurrencyRejected.Error()
	case errors.Is(err, ErrCadenceRejected):
		return ErrCadenceRejected.Error()
	default:
		return ""
	}
}
