package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultMinReasonLength is the shortest reason accepted where one is required
const DefaultMinReasonLength = 10

// Machine evaluates transitions against a static rule table
type Machine struct {
	rules     map[State][]Rule
	minReason int
}

// NewMachine returns a machine over DefaultRules
func NewMachine(minReasonLength int) *Machine {
	return NewMachineWithRules(DefaultRules, minReasonLength)
}

// NewMachineWithRules returns a machine over a custom table
func NewMachineWithRules(rules map[State][]Rule, minReasonLength int) *Machine {
	if minReasonLength <= 0 {
		minReasonLength = DefaultMinReasonLength
	}
	return &Machine{rules: rules, minReason: minReasonLength}
}

// MinReasonLength returns the configured minimum reason length
func (m *Machine) MinReasonLength() int {
	return m.minReason
}

// Rule looks up the rule for from -> to
func (m *Machine) Rule(from, to State) (Rule, bool) {
	for _, r := range m.rules[from] {
		if r.To == to {
			return r, true
		}
	}
	return Rule{}, false
}

// Next returns the rules leaving from; empty for terminal states
func (m *Machine) Next(from State) []Rule {
	return m.rules[from]
}

// IsTerminal reports whether no transition leaves s
func (m *Machine) IsTerminal(s State) bool {
	return len(m.rules[s]) == 0
}

// Evaluate decides whether role may move an entity from -> to. It reports
// changed=false with a nil error when from == to.
func (m *Machine) Evaluate(from, to State, role Role, reason string) (changed bool, err error) {
	if from == to {
		return false, nil
	}

	rule, ok := m.Rule(from, to)
	if !ok {
		return false, &TransitionError{From: from, To: to, Role: role, Err: ErrIllegalTransition}
	}
	if !rule.allows(role) {
		return false, &TransitionError{From: from, To: to, Role: role, Err: ErrForbidden}
	}
	if rule.ReasonRequired && len([]rune(strings.TrimSpace(reason))) < m.minReason {
		return false, &TransitionError{
			From: from,
			To:   to,
			Role: role,
			Err:  fmt.Errorf("%w: at least %d characters", ErrReasonRequired, m.minReason),
		}
	}
	return true, nil
}

// Event is one append-only lifecycle record
type Event struct {
	EntityID  string
	From      State
	To        State
	ActorID   string
	ActorRole Role
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Recorder persists a transition; both calls must join the caller's transaction
type Recorder interface {
	SetLifecycleState(ctx context.Context, entityID string, state State) error
	AppendLifecycleEvent(ctx context.Context, event Event) error
}

// Request asks Apply to move an entity currently in From to To
type Request struct {
	EntityID string
	From     State
	To       State
	Actor    Actor
	Reason   string
	Metadata map[string]any
}

// Apply evaluates the request and, when the state changes, writes the new
// state and exactly one event through rec
func (m *Machine) Apply(ctx context.Context, rec Recorder, req Request) (bool, error) {
	changed, err := m.Evaluate(req.From, req.To, req.Actor.Role, req.Reason)
	if err != nil || !changed {
		return false, err
	}

	if err := rec.SetLifecycleState(ctx, req.EntityID, req.To); err != nil {
		return false, fmt.Errorf("failed to set lifecycle state: %w", err)
	}

	event := Event{
		EntityID:  req.EntityID,
		From:      req.From,
		To:        req.To,
		ActorID:   req.Actor.ID,
		ActorRole: req.Actor.Role,
		Reason:    strings.TrimSpace(req.Reason),
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := rec.AppendLifecycleEvent(ctx, event); err != nil {
		return false, fmt.Errorf("failed to append lifecycle event: %w", err)
	}
	return true, nil
}
