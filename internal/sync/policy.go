package sync

import (
	"fmt"
	"strings"

	"github.com/xtxerr/adsync/internal/errors"
)

// =============================================================================
// Policies
// =============================================================================

// PolicyAction is what to do with a remote object that has no active
// source counterpart.
type PolicyAction string

const (
	// PolicyIgnore leaves the object untouched.
	PolicyIgnore PolicyAction = "ignore"

	// PolicyDisable disables the object.
	PolicyDisable PolicyAction = "disable"

	// PolicyMove disables the object and moves it to the container given
	// as policy detail.
	PolicyMove PolicyAction = "move"

	// PolicyDelete deletes the object.
	PolicyDelete PolicyAction = "delete"
)

// ValidPolicyActions contains all valid policy actions.
var ValidPolicyActions = []PolicyAction{
	PolicyIgnore,
	PolicyDisable,
	PolicyMove,
	PolicyDelete,
}

// IsValid returns true if the action is a known valid action.
func (a PolicyAction) IsValid() bool {
	for _, valid := range ValidPolicyActions {
		if a == valid {
			return true
		}
	}
	return false
}

// Policy is an (action, detail) pair. Detail is the target container of
// PolicyMove and unused otherwise.
type Policy struct {
	Action PolicyAction
	Detail string
}

// String renders the policy as "action" or "action:detail".
func (p Policy) String() string {
	if p.Detail == "" {
		return string(p.Action)
	}
	return string(p.Action) + ":" + p.Detail
}

// Validate checks the action and that move has a container.
func (p Policy) Validate() error {
	if !p.Action.IsValid() {
		return errors.Wrapf(errors.ErrInvalidPolicy, "unknown action %q", p.Action)
	}
	if p.Action == PolicyMove && p.Detail == "" {
		return errors.Wrapf(errors.ErrInvalidPolicy, "move requires a target container")
	}
	return nil
}

// ParsePolicy parses "action" or "action:detail".
func ParsePolicy(s string) (Policy, error) {
	action, detail, _ := strings.Cut(strings.TrimSpace(s), ":")
	p := Policy{Action: PolicyAction(strings.ToLower(action)), Detail: strings.TrimSpace(detail)}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %q: %w", s, err)
	}
	return p, nil
}

// =============================================================================
// Policy Helpers
// =============================================================================

// StopsProcessing returns true if the object is gone after the policy ran.
func (p Policy) StopsProcessing() bool {
	return p.Action == PolicyDelete
}

// Moves returns true if the policy relocates the object. A moving
// deactivation policy takes precedence over moving objects home.
func (p Policy) Moves() bool {
	return p.Action == PolicyMove
}
