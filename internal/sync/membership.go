package sync

import (
	"sort"

	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/store"
)

// =============================================================================
// Membership Graph
// =============================================================================

// Member identifies one member of a group.
type Member struct {
	ID   int64
	Type string
}

// Membership is the direct membership graph of the source store.
type Membership struct {
	members map[int64][]Member
	parents map[Member][]int64
}

// BuildMembership indexes membership rows in both directions in one pass.
func BuildMembership(rows []store.MemberRow) *Membership {
	m := &Membership{
		members: make(map[int64][]Member),
		parents: make(map[Member][]int64),
	}
	for _, r := range rows {
		mem := Member{ID: r.MemberID, Type: r.MemberType}
		m.members[r.GroupID] = append(m.members[r.GroupID], mem)
		m.parents[mem] = append(m.parents[mem], r.GroupID)
	}
	return m
}

// Direct returns the direct members of group.
func (m *Membership) Direct(group int64) []Member {
	return m.members[group]
}

// Groups returns the groups member is a direct member of.
func (m *Membership) Groups(member Member) []int64 {
	return m.parents[member]
}

// Expand returns the effective members of group. Members of subgroups that
// are not synced are pulled up into group, recursively; synced subgroups
// stay members themselves. A group never becomes its own member. Cycles are
// safe: every group is visited at most once.
//
// The result is sorted by type, then id.
func (m *Membership) Expand(group int64, synced func(id int64) bool) []Member {
	visited := map[int64]bool{group: true}
	seen := make(map[Member]bool)
	var out []Member

	work := []int64{group}
	for len(work) > 0 {
		g := work[len(work)-1]
		work = work[:len(work)-1]

		for _, mem := range m.members[g] {
			if mem.Type == entity.TypeGroup {
				if mem.ID == group {
					continue
				}
				if !synced(mem.ID) {
					if !visited[mem.ID] {
						visited[mem.ID] = true
						work = append(work, mem.ID)
					}
					continue
				}
			}
			if !seen[mem] {
				seen[mem] = true
				out = append(out, mem)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SyncedAncestors returns the nearest synced groups that member reaches
// through groups that are not synced.
func (m *Membership) SyncedAncestors(member Member, synced func(id int64) bool) []int64 {
	visited := make(map[int64]bool)
	var out []int64

	work := append([]int64(nil), m.parents[member]...)
	for len(work) > 0 {
		g := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[g] {
			continue
		}
		visited[g] = true

		if synced(g) {
			out = append(out, g)
			continue
		}
		work = append(work, m.parents[Member{ID: g, Type: entity.TypeGroup}]...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
