// Package sync reconciles the identity source store with the remote
// directory.
//
// A Sync drives one sync type (users, groups, hosts, mailing lists or
// synthesized groups) through a full reconciliation run:
//
//  1. Begin the remote enumeration
//  2. Load source entities and the auxiliary data the attributes need
//  3. Resolve the configured attributes for every entity
//  4. Stream remote objects: match, downgrade, move, diff and modify
//  5. Create entities the directory does not have
//  6. Post-process and flush administrator notifications
//
// What differs between sync types is supplied by a Kind. Policies control
// what happens to remote objects without an active source counterpart:
//
//   - ignore:  leave the object alone
//   - disable: disable the object
//   - move:    disable and move the object to a quarantine container
//   - delete:  delete the object
//
// SyncEntity runs the same steps for a single entity and backs the change
// log replay in package quicksync.
package sync

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Actions
// =============================================================================

// Action is a remote operation the engine performed.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionMove      Action = "move"
	ActionDisable   Action = "disable"
	ActionEnable    Action = "enable"
	ActionDelete    Action = "delete"
	ActionPassword  Action = "set_password"
	ActionContainer Action = "create_container"
	ActionScript    Action = "execute_script"
	ActionStoreSID  Action = "store_sid"
	ActionSkip      Action = "skip"
)

// =============================================================================
// Results
// =============================================================================

// Failure is one object the run could not reconcile.
type Failure struct {
	Object    string
	Operation string
	Err       string
}

// Result holds the outcome of one run.
type Result struct {
	// SyncType is the configured sync type name (e.g. "ad_user")
	SyncType string

	// RunID correlates log lines, metrics and audit rows of the run
	RunID string

	StartedAt time.Time
	Duration  time.Duration

	// Source entities and remote objects seen
	Entities int
	Objects  int

	// Counts by action
	Counts map[Action]int

	// Failed objects (per-object recoverable errors)
	Failures []Failure

	// Notices queued for administrators
	Notices int
}

func newResult(syncType, runID string) *Result {
	return &Result{
		SyncType:  syncType,
		RunID:     runID,
		StartedAt: time.Now(),
		Counts:    make(map[Action]int),
	}
}

func (r *Result) count(a Action) {
	r.Counts[a]++
}

func (r *Result) fail(object, op string, err error) {
	r.Failures = append(r.Failures, Failure{Object: object, Operation: op, Err: err.Error()})
}

// Count returns the number of times a was performed.
func (r *Result) Count(a Action) int {
	return r.Counts[a]
}

// HasChanges returns true if any remote write was made.
func (r *Result) HasChanges() bool {
	for a, n := range r.Counts {
		if a != ActionSkip && n > 0 {
			return true
		}
	}
	return false
}

// Failed returns the number of objects the run could not reconcile.
func (r *Result) Failed() int {
	return len(r.Failures)
}

// String summarizes the counts, e.g. "create=1 update=3 failed=0".
func (r *Result) String() string {
	keys := make([]string, 0, len(r.Counts))
	for a := range r.Counts {
		keys = append(keys, string(a))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r.Counts[Action(k)]))
	}
	parts = append(parts, fmt.Sprintf("failed=%d", len(r.Failures)))
	return strings.Join(parts, " ")
}
