package store

import (
	"context"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DSN = ""
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustExec(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	if _, err := s.DB().Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestListEntitiesBySpread(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustExec(t, s, `INSERT INTO entities VALUES
		(1, 'account', 'bob', 10, 'person'),
		(2, 'account', 'alice', 11, 'person'),
		(3, 'group', 'staff', NULL, NULL)`)
	mustExec(t, s, `INSERT INTO spreads VALUES (1, 'AD_account'), (3, 'AD_group')`)

	rows, err := s.ListEntities(ctx, EntityQuery{Type: "account", Spread: "AD_account"})
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "bob" || rows[0].OwnerID != 10 {
		t.Errorf("ListEntities() = %+v, want only bob owned by 10", rows)
	}

	rows, err = s.ListEntities(ctx, EntityQuery{IDs: []int64{2, 3}})
	if err != nil {
		t.Fatalf("ListEntities(ids) error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("ListEntities(ids) returned %d rows, want 2", len(rows))
	}
}

func TestListQuarantinedHonoursDates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustExec(t, s, `INSERT INTO entities VALUES
		(1, 'account', 'active_q', 0, ''),
		(2, 'account', 'expired_q', 0, ''),
		(3, 'account', 'future_q', 0, ''),
		(4, 'account', 'postponed_q', 0, '')`)
	mustExec(t, s, `INSERT INTO quarantines VALUES (1, 'nologin', ?, NULL, NULL)`, now.Add(-time.Hour))
	mustExec(t, s, `INSERT INTO quarantines VALUES (2, 'nologin', ?, ?, NULL)`, now.Add(-2*time.Hour), now.Add(-time.Hour))
	mustExec(t, s, `INSERT INTO quarantines VALUES (3, 'nologin', ?, NULL, NULL)`, now.Add(time.Hour))
	mustExec(t, s, `INSERT INTO quarantines VALUES (4, 'nologin', ?, NULL, ?)`, now.Add(-time.Hour), now.Add(time.Hour))

	ids, err := s.ListQuarantined(ctx, "account", nil)
	if err != nil {
		t.Fatalf("ListQuarantined() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Errorf("ListQuarantined() = %v, want [1]", ids)
	}
}

func TestListMailGroupsPerEntity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	mustExec(t, s, `INSERT INTO mail_addresses VALUES
		(1, 'bob@example.org', true),
		(1, 'robert@example.org', false)`)
	mustExec(t, s, `INSERT INTO mail_quotas VALUES (1, 900, 1000)`)
	mustExec(t, s, `INSERT INTO mail_forwards VALUES (2, 'list@lists.example.org')`)

	rows, err := s.ListMail(ctx, nil)
	if err != nil {
		t.Fatalf("ListMail() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("ListMail() returned %d rows, want 2", len(rows))
	}

	bob := rows[0]
	if bob.Primary != "bob@example.org" || len(bob.Addresses) != 2 || bob.QuotaHard != 1000 {
		t.Errorf("ListMail()[0] = %+v", bob)
	}
	if rows[1].Target != "list@lists.example.org" {
		t.Errorf("ListMail()[1].Target = %q", rows[1].Target)
	}
}

func TestListPrimaryAccounts(t *testing.T) {
	s := setupTestStore(t)
	mustExec(t, s, `INSERT INTO account_types VALUES (100, 10, 200), (101, 10, 50), (102, 11, 300)`)

	got, err := s.ListPrimaryAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListPrimaryAccounts() error = %v", err)
	}
	if got[10] != 101 || got[11] != 102 {
		t.Errorf("ListPrimaryAccounts() = %v, want 10->101 11->102", got)
	}
}

func TestStoreExternalIDReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.StoreExternalID(ctx, 1, "AD", "AD_SID", "S-1-5-21-1"); err != nil {
		t.Fatalf("StoreExternalID() error = %v", err)
	}
	for _, sid := range []string{"S-1-5-21-2", "S-1-5-21-3"} {
		if err := s.StoreExternalID(ctx, 1, "AD", "AD_SID", sid); err != nil {
			t.Fatalf("StoreExternalID(%s) replacing error = %v", sid, err)
		}
	}
	if err := s.StoreExternalID(ctx, 1, "SAP", "EMPLOYEE_NO", "4711"); err != nil {
		t.Fatalf("StoreExternalID() other type error = %v", err)
	}

	rows, err := s.ListExternalIDs(ctx, []int64{1})
	if err != nil {
		t.Fatalf("ListExternalIDs() error = %v", err)
	}
	got := map[string]string{}
	for _, r := range rows {
		got[r.SourceSystem+"/"+r.Type] = r.Value
	}
	if len(rows) != 2 || got["AD/AD_SID"] != "S-1-5-21-3" || got["SAP/EMPLOYEE_NO"] != "4711" {
		t.Errorf("ListExternalIDs() = %+v, want AD_SID S-1-5-21-3 and EMPLOYEE_NO 4711", rows)
	}
}

func TestEventsOrderingAndConfirmation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	del, err := s.AppendEvent(ctx, ChangeEvent{Type: EventEntityDelete, Timestamp: t0.Add(time.Minute), SubjectID: 1})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	create, err := s.AppendEvent(ctx, ChangeEvent{Type: EventAccountCreate, Timestamp: t0, SubjectID: 1})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	if _, err := s.AppendEvent(ctx, ChangeEvent{Type: EventGroupCreate, Timestamp: t0, SubjectID: 2}); err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}

	types := []EventType{EventAccountCreate, EventEntityDelete}
	events, err := s.Events(ctx, "ad_user", types)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 || events[0].ID != create || events[1].ID != del {
		t.Fatalf("Events() ids = %v, want [%d %d]", eventIDs(events), create, del)
	}

	if err := s.Confirm(ctx, "ad_user", events[0]); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if err := s.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if events, _ = s.Events(ctx, "ad_user", types); len(events) != 2 {
		t.Errorf("after rollback Events() = %v, want 2 events", eventIDs(events))
	}

	if err := s.Confirm(ctx, "ad_user", events[0]); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	events, _ = s.Events(ctx, "ad_user", types)
	if len(events) != 1 || events[0].ID != del {
		t.Errorf("after commit Events() = %v, want [%d]", eventIDs(events), del)
	}

	// another key has its own cursor
	if other, _ := s.Events(ctx, "ad_group", types); len(other) != 2 {
		t.Errorf("Events(ad_group) = %v, want 2 events", eventIDs(other))
	}
}

func TestLatestEventAndParams(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, pw := range []string{"first", "second"} {
		_, err := s.AppendEvent(ctx, ChangeEvent{
			Type:      EventAccountPassword,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			SubjectID: 7,
			Params:    map[string]any{"password": pw, "nested": map[string]any{"n": 1}},
		})
		if err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}
	}

	ev, err := s.LatestEvent(ctx, "ad_user", EventAccountPassword, 7)
	if err != nil {
		t.Fatalf("LatestEvent() error = %v", err)
	}
	if ev == nil {
		t.Fatal("LatestEvent() = nil, want event")
	}
	if got := ev.Params["password"]; got != "second" {
		t.Errorf("password = %v, want second", got)
	}
	if _, ok := ev.Params["nested"].(map[string]any); !ok {
		t.Errorf("nested params decoded as %T, want map[string]any", ev.Params["nested"])
	}

	if ev, _ := s.LatestEvent(ctx, "ad_user", EventAccountPassword, 8); ev != nil {
		t.Errorf("LatestEvent(unknown subject) = %+v, want nil", ev)
	}
}

func eventIDs(events []ChangeEvent) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func TestHealth(t *testing.T) {
	s := setupTestStore(t)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	s.Close()
	if err := s.Health(context.Background()); err == nil {
		t.Error("Health() after Close() error = nil, want error")
	}
}
