package store

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// =============================================================================
// Change log contract
// =============================================================================

// EventType identifies a change by category and action, e.g.
// account_password:set.
type EventType struct {
	Category string
	Action   string
}

// String returns "category:action".
func (t EventType) String() string {
	return t.Category + ":" + t.Action
}

// ParseEventType parses "category:action".
func ParseEventType(s string) (EventType, error) {
	cat, act, ok := strings.Cut(s, ":")
	if !ok || cat == "" || act == "" {
		return EventType{}, fmt.Errorf("event type %q: want category:action", s)
	}
	return EventType{Category: cat, Action: act}, nil
}

// Well-known event types.
var (
	EventAccountCreate   = EventType{"e_account", "create"}
	EventAccountModify   = EventType{"e_account", "mod"}
	EventAccountPassword = EventType{"account_password", "set"}
	EventGroupCreate     = EventType{"e_group", "create"}
	EventGroupModify     = EventType{"e_group", "mod"}
	EventGroupAddMember  = EventType{"e_group", "add"}
	EventGroupRemMember  = EventType{"e_group", "rem"}
	EventSpreadAdd       = EventType{"spread", "add"}
	EventSpreadDelete    = EventType{"spread", "delete"}
	EventQuarantineAdd   = EventType{"quarantine", "add"}
	EventQuarantineMod   = EventType{"quarantine", "mod"}
	EventQuarantineDel   = EventType{"quarantine", "del"}
	EventQuarantineRef   = EventType{"quarantine", "refresh"}
	EventEntityNameMod   = EventType{"entity_name", "mod"}
	EventPersonAffAdd    = EventType{"person", "aff_add"}
	EventPersonAffMod    = EventType{"person", "aff_mod"}
	EventPersonAffDel    = EventType{"person", "aff_del"}
	EventConsentApprove  = EventType{"consent", "approve"}
	EventConsentDecline  = EventType{"consent", "decline"}
	EventConsentDelete   = EventType{"consent", "delete"}
	EventMailAddrAdd     = EventType{"email_address", "add"}
	EventMailAddrDel     = EventType{"email_address", "rem"}
	EventMailPrimarySet  = EventType{"email_primary_address", "set"}
	EventEntityDelete    = EventType{"e_entity", "del"}
)

// ChangeEvent is one row of the change log.
type ChangeEvent struct {
	ID            int64
	Type          EventType
	Timestamp     time.Time
	SubjectID     int64
	DestinationID int64
	Params        map[string]any
}

// ChangeLog is the change log as consumed by the replay driver. Confirmed
// events are never returned again for the same key. Confirmations are
// pending until Commit.
type ChangeLog interface {
	// Events returns unconfirmed events of the given types for key, oldest
	// first. No types means all types.
	Events(ctx context.Context, key string, types []EventType) ([]ChangeEvent, error)
	// EventsByID returns the given events regardless of confirmation.
	EventsByID(ctx context.Context, ids []int64) ([]ChangeEvent, error)
	// LatestEvent returns the newest event of type t about subject that key
	// has not confirmed.
	LatestEvent(ctx context.Context, key string, t EventType, subject int64) (*ChangeEvent, error)

	Confirm(ctx context.Context, key string, ev ChangeEvent) error
	Commit() error
	Rollback() error
}

// =============================================================================
// Params codec
// =============================================================================

var (
	paramsEnc cbor.EncMode
	paramsDec cbor.DecMode
)

func init() {
	var err error
	paramsEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode mode: %v", err))
	}
	paramsDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %v", err))
	}
}

// EncodeParams serializes change params deterministically.
func EncodeParams(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return paramsEnc.Marshal(params)
}

// DecodeParams is the inverse of EncodeParams.
func DecodeParams(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var params map[string]any
	if err := paramsDec.Unmarshal(b, &params); err != nil {
		return nil, fmt.Errorf("decode change params: %w", err)
	}
	return params, nil
}

// =============================================================================
// Change log
// =============================================================================

const eventColumns = `c.change_id, c.category, c.action, c.tstamp,
	COALESCE(c.subject_entity, 0), COALESCE(c.dest_entity, 0), c.change_params`

// Events returns unconfirmed events for key ordered by timestamp and id.
func (s *Store) Events(ctx context.Context, key string, types []EventType) ([]ChangeEvent, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM change_log c
		WHERE NOT EXISTS (SELECT 1 FROM change_handler_data h
			WHERE h.evthdlr_key = ? AND h.change_id = c.change_id)`
	args := []any{key}

	if len(types) > 0 {
		conds := make([]string, len(types))
		for i, t := range types {
			conds[i] = "(c.category = ? AND c.action = ?)"
			args = append(args, t.Category, t.Action)
		}
		query += " AND (" + strings.Join(conds, " OR ") + ")"
	}
	query += " ORDER BY c.tstamp, c.change_id"

	return s.queryEvents(ctx, query, args...)
}

// EventsByID returns the given events ordered by timestamp and id.
func (s *Store) EventsByID(ctx context.Context, ids []int64) ([]ChangeEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("c.change_id", ids)
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM change_log c WHERE 1=1`+clause+
		` ORDER BY c.tstamp, c.change_id`, args...)
}

// LatestEvent returns the newest unconfirmed event of type t about subject,
// or nil.
func (s *Store) LatestEvent(ctx context.Context, key string, t EventType, subject int64) (*ChangeEvent, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	events, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM change_log c
		WHERE c.category = ? AND c.action = ? AND c.subject_entity = ?
		  AND NOT EXISTS (SELECT 1 FROM change_handler_data h
			WHERE h.evthdlr_key = ? AND h.change_id = c.change_id)
		ORDER BY c.tstamp DESC, c.change_id DESC LIMIT 1`,
		t.Category, t.Action, subject, key)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var out []ChangeEvent
	for rows.Next() {
		var (
			ev  ChangeEvent
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type.Category, &ev.Type.Action, &ev.Timestamp,
			&ev.SubjectID, &ev.DestinationID, &raw); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if ev.Params, err = DecodeParams(raw); err != nil {
			return nil, fmt.Errorf("change %d: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Confirm marks ev as consumed for key in the pending transaction.
func (s *Store) Confirm(ctx context.Context, key string, ev ChangeEvent) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.confirmTx == nil {
		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin confirmations: %w", err)
		}
		s.confirmTx = tx
	}

	_, err := s.confirmTx.ExecContext(ctx, `INSERT INTO change_handler_data (evthdlr_key, change_id)
		VALUES (?, ?) ON CONFLICT DO NOTHING`, key, ev.ID)
	if err != nil {
		return fmt.Errorf("confirm change %d: %w", ev.ID, err)
	}
	return nil
}

// Commit makes pending confirmations durable.
func (s *Store) Commit() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.confirmTx == nil {
		return nil
	}
	tx := s.confirmTx
	s.confirmTx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirmations: %w", err)
	}
	return nil
}

// Rollback discards pending confirmations.
func (s *Store) Rollback() error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.confirmTx == nil {
		return nil
	}
	tx := s.confirmTx
	s.confirmTx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback confirmations: %w", err)
	}
	return nil
}

// AppendEvent adds an event to the change log and returns its id. The
// source system normally writes the log; this serves imports and tests.
func (s *Store) AppendEvent(ctx context.Context, ev ChangeEvent) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	raw, err := EncodeParams(ev.Params)
	if err != nil {
		return 0, fmt.Errorf("encode change params: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	id := ev.ID
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if id == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT nextval('seq_change_id')`).Scan(&id); err != nil {
				return fmt.Errorf("next change id: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO change_log
			(change_id, category, action, tstamp, subject_entity, dest_entity, change_params)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Type.Category, ev.Type.Action, ev.Timestamp, ev.SubjectID, ev.DestinationID, raw); err != nil {
			return fmt.Errorf("append change: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

var _ ChangeLog = (*Store)(nil)
