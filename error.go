package hookbridge

import "fmt"

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ConfigInvalid covers malformed rule domains, unknown tracked fields,
	// missing subscribers, and reserved record ids. Surfaced at save time.
	ConfigInvalid
	LockAcquisitionFailure
	// InterceptionFailure wraps any hook-path error. Always swallowed at the
	// hook boundary after being recorded to the error sink.
	InterceptionFailure
	// AppendFailure wraps event log append errors routed to the error sink.
	AppendFailure
	// DeliveryFailure wraps a failed HTTP delivery attempt; retryable.
	DeliveryFailure
	// PermanentFailure marks a dispatch record that exhausted its retry budget.
	PermanentFailure
	// AuthFailure is an authentication failure at the pull API boundary.
	AuthFailure
)

// hookbridge custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped error to errors.Is/As chains.
func (e Error) Unwrap() error {
	return e.Err
}
