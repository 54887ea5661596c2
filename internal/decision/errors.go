package decision

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/portfolio-workcore/internal/lifecycle"
)

var (
	// ErrNotFound is returned when the domain does not exist
	ErrNotFound = errors.New("domain not found")

	// ErrBlocked is returned for a buy on a blocked domain without an admin override
	ErrBlocked = errors.New("domain is blocked")

	// ErrForbidden is returned when the actor's role may not take the action
	ErrForbidden = errors.New("forbidden")

	// ErrTransactionAborted wraps any failure inside the unit of work. Nothing
	// from the call was persisted.
	ErrTransactionAborted = errors.New("decision transaction aborted")
)

// ValidationError describes bad input rejected before any transaction
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// isPolicyError reports errors that describe the request rather than a
// failure of the store; they keep their class when raised inside the tx
func isPolicyError(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, lifecycle.ErrIllegalTransition) ||
		errors.Is(err, lifecycle.ErrForbidden) ||
		errors.Is(err, lifecycle.ErrReasonRequired)
}

// ReasonCode maps an error onto a bulk item reason code
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBlocked):
		return CodeBlocked
	case errors.Is(err, errMissingMaxBid):
		return CodeMissingMaxBid
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrForbidden), errors.Is(err, lifecycle.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, lifecycle.ErrReasonRequired):
		return CodeReasonRequired
	case IsValidation(err):
		return CodeInvalid
	}
	return CodeInternal
}

var errMissingMaxBid = &ValidationError{Field: "max_bid", Message: "buy requires a positive max bid"}
