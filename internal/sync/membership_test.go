package sync

import (
	"reflect"
	"testing"

	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/store"
)

func memberRows(edges ...[3]any) []store.MemberRow {
	rows := make([]store.MemberRow, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, store.MemberRow{
			GroupID:    int64(e[0].(int)),
			MemberID:   int64(e[1].(int)),
			MemberType: e[2].(string),
		})
	}
	return rows
}

func syncedSet(ids ...int64) func(int64) bool {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return func(id int64) bool { return m[id] }
}

func TestMembership_Expand(t *testing.T) {
	// 10 synced: accounts 1, 2 and unsynced group 20
	// 20: account 3 and synced group 30
	// 30 synced: account 4
	m := BuildMembership(memberRows(
		[3]any{10, 1, entity.TypeAccount},
		[3]any{10, 2, entity.TypeAccount},
		[3]any{10, 20, entity.TypeGroup},
		[3]any{20, 3, entity.TypeAccount},
		[3]any{20, 30, entity.TypeGroup},
		[3]any{30, 4, entity.TypeAccount},
	))

	got := m.Expand(10, syncedSet(10, 30))
	want := []Member{
		{ID: 1, Type: entity.TypeAccount},
		{ID: 2, Type: entity.TypeAccount},
		{ID: 3, Type: entity.TypeAccount},
		{ID: 30, Type: entity.TypeGroup},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand(10) = %v, want %v", got, want)
	}
}

func TestMembership_ExpandMutualCycle(t *testing.T) {
	m := BuildMembership(memberRows(
		[3]any{1, 2, entity.TypeGroup},
		[3]any{2, 1, entity.TypeGroup},
		[3]any{1, 100, entity.TypeAccount},
		[3]any{2, 200, entity.TypeAccount},
	))

	got := m.Expand(1, syncedSet(1))
	want := []Member{
		{ID: 100, Type: entity.TypeAccount},
		{ID: 200, Type: entity.TypeAccount},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand(1) = %v, want %v", got, want)
	}

	got = m.Expand(1, syncedSet(1, 2))
	want = []Member{
		{ID: 100, Type: entity.TypeAccount},
		{ID: 2, Type: entity.TypeGroup},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expand(1) both synced = %v, want %v", got, want)
	}
}

func TestMembership_ExpandDeduplicates(t *testing.T) {
	m := BuildMembership(memberRows(
		[3]any{1, 5, entity.TypeAccount},
		[3]any{1, 2, entity.TypeGroup},
		[3]any{2, 5, entity.TypeAccount},
	))

	got := m.Expand(1, syncedSet(1))
	if len(got) != 1 || got[0].ID != 5 {
		t.Errorf("Expand(1) = %v, want [account 5]", got)
	}
}

func TestMembership_SyncedAncestors(t *testing.T) {
	m := BuildMembership(memberRows(
		[3]any{20, 3, entity.TypeAccount},
		[3]any{10, 20, entity.TypeGroup},
		[3]any{11, 20, entity.TypeGroup},
		[3]any{12, 3, entity.TypeAccount},
		[3]any{20, 10, entity.TypeGroup},
	))

	got := m.SyncedAncestors(Member{ID: 3, Type: entity.TypeAccount}, syncedSet(10, 11, 12))
	want := []int64{10, 11, 12}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SyncedAncestors(3) = %v, want %v", got, want)
	}

	if got := m.SyncedAncestors(Member{ID: 99, Type: entity.TypeAccount}, syncedSet(10)); len(got) != 0 {
		t.Errorf("SyncedAncestors(99) = %v, want none", got)
	}
}
