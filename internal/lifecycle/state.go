// Package lifecycle is the role-gated state machine a domain moves through
// from sourcing to disposition. Evaluate is pure; Apply writes through the
// caller's transaction.
package lifecycle

import (
	"fmt"
	"strings"
)

// State is a lifecycle state of a domain
type State string

const (
	StateSourced      State = "sourced"
	StateUnderwriting State = "underwriting"
	StateApproved     State = "approved"
	StateAcquiring    State = "acquiring"
	StateOwned        State = "owned"
	StateBuilding     State = "building"
	StateLive         State = "live"
	StateDisposing    State = "disposing"
	StateSold         State = "sold"
	StateDropped      State = "dropped"
	StateRejected     State = "rejected"
)

// InitialState is the state of a domain with no lifecycle events
const InitialState = StateSourced

// States lists every state in lifecycle order
var States = []State{
	StateSourced, StateUnderwriting, StateApproved, StateAcquiring, StateOwned,
	StateBuilding, StateLive, StateDisposing, StateSold, StateDropped, StateRejected,
}

// ParseState validates a state name
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range States {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

// Role is the actor role supplied by the caller's auth layer
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleAnalyst  Role = "analyst"
	RoleReviewer Role = "reviewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by background jobs
	RoleSystem Role = "system"
)

// Roles lists every known role
var Roles = []Role{RoleViewer, RoleAnalyst, RoleReviewer, RoleOperator, RoleAdmin, RoleSystem}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the (id, role) pair that performs an action
type Actor struct {
	ID   string
	Role Role
}

// Rule permits from -> To for the listed roles
type Rule struct {
	To             State
	Roles          []Role
	ReasonRequired bool
}

func (r Rule) allows(role Role) bool {
	for _, allowed := range r.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

var (
	reviewers = []Role{RoleReviewer, RoleAdmin}
	analysts  = []Role{RoleAnalyst, RoleReviewer, RoleAdmin}
	operators = []Role{RoleOperator, RoleAdmin}
	automated = []Role{RoleOperator, RoleAdmin, RoleSystem}
	admins    = []Role{RoleAdmin}
)

// DefaultRules is the domain lifecycle transition table. Terminal states
// (sold, dropped, rejected) have no entry.
var DefaultRules = map[State][]Rule{
	StateSourced: {
		{To: StateUnderwriting, Roles: analysts},
		{To: StateDropped, Roles: reviewers, ReasonRequired: true},
	},
	StateUnderwriting: {
		{To: StateApproved, Roles: reviewers},
		{To: StateRejected, Roles: reviewers, ReasonRequired: true},
		{To: StateSourced, Roles: analysts, ReasonRequired: true},
	},
	StateApproved: {
		{To: StateAcquiring, Roles: automated},
		{To: StateUnderwriting, Roles: reviewers, ReasonRequired: true},
	},
	StateAcquiring: {
		{To: StateOwned, Roles: automated},
		{To: StateApproved, Roles: automated, ReasonRequired: true},
	},
	StateOwned: {
		{To: StateBuilding, Roles: operators},
		{To: StateDisposing, Roles: admins, ReasonRequired: true},
	},
	StateBuilding: {
		{To: StateLive, Roles: automated},
	},
	StateLive: {
		{To: StateBuilding, Roles: operators, ReasonRequired: true},
		{To: StateDisposing, Roles: admins, ReasonRequired: true},
	},
	StateDisposing: {
		{To: StateSold, Roles: admins},
		{To: StateDropped, Roles: admins, ReasonRequired: true},
		{To: StateLive, Roles: admins, ReasonRequired: true},
	},
}
