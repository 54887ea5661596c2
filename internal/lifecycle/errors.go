package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition means no rule exists for (from, to)
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrForbidden means the actor's role may not perform the transition
	ErrForbidden = errors.New("role not allowed to perform this transition")

	// ErrReasonRequired means the rule needs a reason of at least the minimum length
	ErrReasonRequired = errors.New("transition requires a reason")
)

// TransitionError carries the rejected transition; it unwraps to one of the
// sentinels above
type TransitionError struct {
	From State
	To   State
	Role Role
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s as %s: %v", e.From, e.To, e.Role, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
