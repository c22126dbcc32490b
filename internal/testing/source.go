package testing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/store"
)

// =============================================================================
// In-Memory Source
// =============================================================================

// Source is an in-memory store.Source. Fill the exported rows directly or
// through the builder methods; tests may also inspect what the sync wrote
// back.
//
// Usage:
//
//	src := NewSource().
//	    Entity(1, entity.TypeAccount, "bob", "AD_account").
//	    Quarantine(1)
type Source struct {
	mu sync.Mutex

	Entities     []store.EntityRow
	Spreads      []store.SpreadRow
	Quarantined  map[int64]bool
	Contacts     []store.ContactRow
	Names        []store.NameRow
	ExternalIDs  []store.ExternalIDRow
	Addresses    []store.AddressRow
	Traits       []store.TraitRow
	Mail         []store.MailRow
	Homes        []store.HomeRow
	PosixUsers   []store.PosixRow
	PosixGroups  []store.PosixRow
	Members      []store.MemberRow
	Primary      map[int64]int64
	Affiliations []store.AffiliationRow
	Consents     map[string][]int64

	// Stored records every StoreExternalID call.
	Stored []store.ExternalIDRow

	// Err, when set, fails every query.
	Err error
}

// NewSource creates an empty source.
func NewSource() *Source {
	return &Source{
		Quarantined: make(map[int64]bool),
		Primary:     make(map[int64]int64),
		Consents:    make(map[string][]int64),
	}
}

// Entity adds an entity with the given spreads.
func (s *Source) Entity(id int64, typ, name string, spreads ...string) *Source {
	s.Entities = append(s.Entities, store.EntityRow{ID: id, Type: typ, Name: name})
	for _, sp := range spreads {
		s.Spreads = append(s.Spreads, store.SpreadRow{EntityID: id, Spread: sp})
	}
	return s
}

// Owned adds an entity owned by owner.
func (s *Source) Owned(id int64, typ, name string, owner int64, ownerType string, spreads ...string) *Source {
	s.Entity(id, typ, name, spreads...)
	s.Entities[len(s.Entities)-1].OwnerID = owner
	s.Entities[len(s.Entities)-1].OwnerType = ownerType
	return s
}

// Quarantine marks ids as quarantined.
func (s *Source) Quarantine(ids ...int64) *Source {
	for _, id := range ids {
		s.Quarantined[id] = true
	}
	return s
}

// Member adds a direct membership.
func (s *Source) Member(group, member int64, memberType string) *Source {
	s.Members = append(s.Members, store.MemberRow{GroupID: group, MemberID: member, MemberType: memberType})
	return s
}

// Contact adds contact info.
func (s *Source) Contact(id int64, system, typ, value string) *Source {
	s.Contacts = append(s.Contacts, store.ContactRow{
		EntityID:    id,
		ContactInfo: entity.ContactInfo{Type: typ, SourceSystem: system, Value: value},
	})
	return s
}

// Name adds a name variant.
func (s *Source) Name(id int64, system, variant, value string) *Source {
	s.Names = append(s.Names, store.NameRow{
		EntityID: id,
		Name:     entity.Name{Variant: variant, SourceSystem: system, Value: value},
	})
	return s
}

// ExternalID adds an external id.
func (s *Source) ExternalID(id int64, system, typ, value string) *Source {
	s.ExternalIDs = append(s.ExternalIDs, store.ExternalIDRow{
		EntityID:   id,
		ExternalID: entity.ExternalID{Type: typ, SourceSystem: system, Value: value},
	})
	return s
}

// Affiliation adds a current person affiliation.
func (s *Source) Affiliation(person int64, aff, status, system string) *Source {
	s.Affiliations = append(s.Affiliations, store.AffiliationRow{
		PersonID: person, Affiliation: aff, Status: status, SourceSystem: system,
	})
	return s
}

func (s *Source) query() error {
	return s.Err
}

func (s *Source) hasSpread(id int64, spread string) bool {
	for _, r := range s.Spreads {
		if r.EntityID == id && r.Spread == spread {
			return true
		}
	}
	return false
}

func (s *Source) typeOf(id int64) string {
	for _, e := range s.Entities {
		if e.ID == id {
			return e.Type
		}
	}
	return ""
}

func idSet(ids []int64) map[int64]bool {
	if ids == nil {
		return nil
	}
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func filter[T any](rows []T, ids []int64, id func(T) int64) []T {
	want := idSet(ids)
	var out []T
	for _, r := range rows {
		if want == nil || want[id(r)] {
			out = append(out, r)
		}
	}
	return out
}

// ListEntities implements store.Source.
func (s *Source) ListEntities(ctx context.Context, q store.EntityQuery) ([]store.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(q.Names))
	for _, n := range q.Names {
		names[n] = true
	}
	var out []store.EntityRow
	for _, e := range filter(s.Entities, q.IDs, func(r store.EntityRow) int64 { return r.ID }) {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if q.Spread != "" && !s.hasSpread(e.ID, q.Spread) {
			continue
		}
		if len(names) > 0 && !names[e.Name] {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListQuarantined implements store.Source.
func (s *Source) ListQuarantined(ctx context.Context, entityType string, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	want := idSet(ids)
	var out []int64
	for id := range s.Quarantined {
		if (want == nil || want[id]) && (entityType == "" || s.typeOf(id) == entityType) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListSpreads implements store.Source.
func (s *Source) ListSpreads(ctx context.Context, entityType string, ids []int64) ([]store.SpreadRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	var out []store.SpreadRow
	for _, r := range filter(s.Spreads, ids, func(r store.SpreadRow) int64 { return r.EntityID }) {
		if entityType == "" || s.typeOf(r.EntityID) == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListContactInfo implements store.Source.
func (s *Source) ListContactInfo(ctx context.Context, ids []int64) ([]store.ContactRow, error) {
	return list(s, s.Contacts, ids, func(r store.ContactRow) int64 { return r.EntityID })
}

// ListNames implements store.Source.
func (s *Source) ListNames(ctx context.Context, ids []int64) ([]store.NameRow, error) {
	return list(s, s.Names, ids, func(r store.NameRow) int64 { return r.EntityID })
}

// ListExternalIDs implements store.Source.
func (s *Source) ListExternalIDs(ctx context.Context, ids []int64) ([]store.ExternalIDRow, error) {
	return list(s, s.ExternalIDs, ids, func(r store.ExternalIDRow) int64 { return r.EntityID })
}

// ListAddresses implements store.Source.
func (s *Source) ListAddresses(ctx context.Context, ids []int64) ([]store.AddressRow, error) {
	return list(s, s.Addresses, ids, func(r store.AddressRow) int64 { return r.EntityID })
}

// ListTraits implements store.Source.
func (s *Source) ListTraits(ctx context.Context, ids []int64) ([]store.TraitRow, error) {
	return list(s, s.Traits, ids, func(r store.TraitRow) int64 { return r.EntityID })
}

// ListMail implements store.Source.
func (s *Source) ListMail(ctx context.Context, ids []int64) ([]store.MailRow, error) {
	return list(s, s.Mail, ids, func(r store.MailRow) int64 { return r.EntityID })
}

// ListHomes implements store.Source.
func (s *Source) ListHomes(ctx context.Context, ids []int64) ([]store.HomeRow, error) {
	return list(s, s.Homes, ids, func(r store.HomeRow) int64 { return r.EntityID })
}

// ListPosixUsers implements store.Source.
func (s *Source) ListPosixUsers(ctx context.Context, ids []int64) ([]store.PosixRow, error) {
	return list(s, s.PosixUsers, ids, func(r store.PosixRow) int64 { return r.EntityID })
}

// ListPosixGroups implements store.Source.
func (s *Source) ListPosixGroups(ctx context.Context, ids []int64) ([]store.PosixRow, error) {
	return list(s, s.PosixGroups, ids, func(r store.PosixRow) int64 { return r.EntityID })
}

func list[T any](s *Source, rows []T, ids []int64, id func(T) int64) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	return filter(rows, ids, id), nil
}

// ListGroupMembers implements store.Source.
func (s *Source) ListGroupMembers(ctx context.Context) ([]store.MemberRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	return append([]store.MemberRow(nil), s.Members...), nil
}

// ListPrimaryAccounts implements store.Source.
func (s *Source) ListPrimaryAccounts(ctx context.Context) (map[int64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	m := make(map[int64]int64, len(s.Primary))
	for k, v := range s.Primary {
		m[k] = v
	}
	return m, nil
}

// ListAffiliations implements store.Source.
func (s *Source) ListAffiliations(ctx context.Context, deletedSince time.Time) ([]store.AffiliationRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	var out []store.AffiliationRow
	for _, a := range s.Affiliations {
		if a.DeletedDate == nil || a.DeletedDate.After(deletedSince) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListConsents implements store.Source.
func (s *Source) ListConsents(ctx context.Context, consent string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return nil, err
	}
	return append([]int64(nil), s.Consents[consent]...), nil
}

// StoreExternalID implements store.Source.
func (s *Source) StoreExternalID(ctx context.Context, entityID int64, sourceSystem, idType, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.query(); err != nil {
		return err
	}
	row := store.ExternalIDRow{
		EntityID:   entityID,
		ExternalID: entity.ExternalID{Type: idType, SourceSystem: sourceSystem, Value: value},
	}
	kept := s.ExternalIDs[:0]
	for _, r := range s.ExternalIDs {
		if r.EntityID == entityID && r.SourceSystem == sourceSystem && r.Type == idType {
			continue
		}
		kept = append(kept, r)
	}
	s.ExternalIDs = append(kept, row)
	s.Stored = append(s.Stored, row)
	return nil
}

var _ store.Source = (*Source)(nil)

// =============================================================================
// In-Memory Change Log
// =============================================================================

// ChangeLog is an in-memory store.ChangeLog with the same confirmation
// semantics as the database: confirmations are pending until Commit and
// dropped by Rollback.
type ChangeLog struct {
	mu        sync.Mutex
	events    []store.ChangeEvent
	nextID    int64
	confirmed map[string]map[int64]bool
	pending   map[string][]int64

	Commits   int
	Rollbacks int
}

// NewChangeLog creates an empty change log.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{
		confirmed: make(map[string]map[int64]bool),
		pending:   make(map[string][]int64),
	}
}

// Append adds ev and returns its id. A zero ID is assigned; a zero
// timestamp becomes now.
func (c *ChangeLog) Append(ev store.ChangeEvent) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.ID == 0 {
		c.nextID++
		ev.ID = c.nextID
	} else if ev.ID > c.nextID {
		c.nextID = ev.ID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.events = append(c.events, ev)
	return ev.ID
}

// Confirmed returns the committed confirmations of key, sorted.
func (c *ChangeLog) Confirmed(key string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for id := range c.confirmed[key] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func typeIn(t store.EventType, types []store.EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Events implements store.ChangeLog. Events are returned in insertion
// order; callers sort.
func (c *ChangeLog) Events(ctx context.Context, key string, types []store.EventType) ([]store.ChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.ChangeEvent
	for _, ev := range c.events {
		if c.confirmed[key][ev.ID] || !typeIn(ev.Type, types) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// EventsByID implements store.ChangeLog.
func (c *ChangeLog) EventsByID(ctx context.Context, ids []int64) ([]store.ChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := idSet(ids)
	var out []store.ChangeEvent
	for _, ev := range c.events {
		if want[ev.ID] {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LatestEvent implements store.ChangeLog.
func (c *ChangeLog) LatestEvent(ctx context.Context, key string, t store.EventType, subject int64) (*store.ChangeEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var latest *store.ChangeEvent
	for i := range c.events {
		ev := c.events[i]
		if ev.Type != t || ev.SubjectID != subject || c.confirmed[key][ev.ID] {
			continue
		}
		if latest == nil || ev.Timestamp.After(latest.Timestamp) ||
			(ev.Timestamp.Equal(latest.Timestamp) && ev.ID > latest.ID) {
			latest = &ev
		}
	}
	return latest, nil
}

// Confirm implements store.ChangeLog.
func (c *ChangeLog) Confirm(ctx context.Context, key string, ev store.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = append(c.pending[key], ev.ID)
	return nil
}

// Commit implements store.ChangeLog.
func (c *ChangeLog) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, ids := range c.pending {
		if c.confirmed[key] == nil {
			c.confirmed[key] = make(map[int64]bool)
		}
		for _, id := range ids {
			c.confirmed[key][id] = true
		}
	}
	c.pending = make(map[string][]int64)
	c.Commits++
	return nil
}

// Rollback implements store.ChangeLog.
func (c *ChangeLog) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string][]int64)
	c.Rollbacks++
	return nil
}

var _ store.ChangeLog = (*ChangeLog)(nil)
