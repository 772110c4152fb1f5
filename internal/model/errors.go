package model

import "errors"

// Error kinds. Every rejection surfaced by the engine unwraps to exactly
// one of these, so callers can branch with errors.Is.
var (
	ErrAuthorization   = errors.New("authorization")
	ErrState           = errors.New("state")
	ErrThresholdNotMet = errors.New("threshold not met")
	ErrValidation      = errors.New("validation")
	ErrSolvency        = errors.New("solvency")
	ErrStaleData       = errors.New("stale data")
	ErrNotFound        = errors.New("not found")
)

// Error is a sentinel rejection tagged with its kind.
type Error struct {
	Kind error
	Msg  string
}

// NewError creates a kind-tagged sentinel error.
func NewError(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

// KindOf returns the kind an error belongs to, or nil when it carries none.
func KindOf(err error) error {
	for _, k := range []error{
		ErrAuthorization, ErrState, ErrThresholdNotMet,
		ErrValidation, ErrSolvency, ErrStaleData, ErrNotFound,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
