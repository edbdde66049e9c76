package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors used throughout the application.
// The local web handlers translate these to HTTP status codes via a single
// mapError function.
var (
	ErrNotFound         = errors.New("not found")
	ErrSuperseded       = errors.New("request superseded by a newer one")
	ErrMalformedPayload = errors.New("malformed backend payload")
	ErrInvalidTypeTag   = errors.New("invalid type tag: must be newsletter, promo, personali, or informative")
	ErrImagePoolEmpty   = errors.New("image pool empty")
	ErrStreamExhausted  = errors.New("stream reconnect attempts exhausted")
	ErrCoolingDown      = errors.New("sync suppressed by cooldown")
)

// StatusError is returned for non-2xx backend responses. The operation name
// keeps log lines and wrapped errors readable.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected backend status %d", e.Op, e.Code)
}

// IsTransient reports whether an error is worth retrying: network-level
// failures and 5xx responses are; 4xx and payload errors are not.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	if errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrNotFound) {
		return false
	}
	return err != nil
}
