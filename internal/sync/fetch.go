package sync

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/store"
)

// =============================================================================
// Source Loading
// =============================================================================

// LoadEntities loads the entities of the sync type and attaches the
// auxiliary data the configuration needs. ids restricts the load; nil loads
// all entities with the target spread.
func (s *Sync) LoadEntities(ctx context.Context, ids []int64) error {
	rows, err := s.src.ListEntities(ctx, store.EntityQuery{
		Type:   s.cfg.EntityType,
		Spread: s.cfg.TargetSpread,
		IDs:    ids,
	})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	for _, row := range rows {
		ent := entity.New(row.ID, row.Name, row.Type)
		ent.OwnerID = row.OwnerID
		ent.OwnerType = row.OwnerType
		s.AddEntity(ctx, ent)
	}

	logging.FromContext(ctx, log).Debug("entities loaded", "rows", len(rows), "cached", len(s.entities))
	if len(s.entities) == 0 {
		return nil
	}
	return s.FetchAuxiliary(ctx, ids)
}

// needs returns the data classes the run must fetch.
func (s *Sync) needs() attr.DataClass {
	n := s.cfg.Attributes.Needs() | s.kind.Needs()
	if s.cfg.StoreSID {
		n |= attr.DataSID
	}
	return n
}

// auxiliary holds the rows of one fetch before they are merged.
type auxiliary struct {
	quarantined []int64
	spreads     []store.SpreadRow
	contacts    []store.ContactRow
	names       []store.NameRow
	externalIDs []store.ExternalIDRow
	addresses   []store.AddressRow
	traits      []store.TraitRow
	mail        []store.MailRow
	homes       []store.HomeRow
	posix       []store.PosixRow
}

// FetchAuxiliary fetches quarantines, spreads and every data class some
// configured attribute needs, then merges them into the cache. Queries run
// concurrently, bounded by FetchConcurrency; merging is single-threaded.
func (s *Sync) FetchAuxiliary(ctx context.Context, ids []int64) error {
	needs := s.needs()
	typ := s.cfg.EntityType
	var aux auxiliary

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)

	fetch := func(name string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				return fmt.Errorf("fetch %s: %w", name, err)
			}
			return nil
		})
	}

	fetch("quarantines", func(ctx context.Context) (err error) {
		aux.quarantined, err = s.src.ListQuarantined(ctx, typ, ids)
		return err
	})
	fetch("spreads", func(ctx context.Context) (err error) {
		aux.spreads, err = s.src.ListSpreads(ctx, typ, ids)
		return err
	})
	if needs.Has(attr.DataContact) {
		fetch("contact info", func(ctx context.Context) (err error) {
			aux.contacts, err = s.src.ListContactInfo(ctx, s.withOwners(ids))
			return err
		})
	}
	if needs.Has(attr.DataNames) {
		fetch("names", func(ctx context.Context) (err error) {
			aux.names, err = s.src.ListNames(ctx, s.withOwners(ids))
			return err
		})
	}
	if needs.Has(attr.DataExternalIDs) || needs.Has(attr.DataSID) {
		fetch("external ids", func(ctx context.Context) (err error) {
			aux.externalIDs, err = s.src.ListExternalIDs(ctx, s.withOwners(ids))
			return err
		})
	}
	if needs.Has(attr.DataAddresses) {
		fetch("addresses", func(ctx context.Context) (err error) {
			aux.addresses, err = s.src.ListAddresses(ctx, s.withOwners(ids))
			return err
		})
	}
	if needs.Has(attr.DataTraits) {
		fetch("traits", func(ctx context.Context) (err error) {
			aux.traits, err = s.src.ListTraits(ctx, ids)
			return err
		})
	}
	if needs.Has(attr.DataMail) {
		fetch("mail", func(ctx context.Context) (err error) {
			aux.mail, err = s.src.ListMail(ctx, ids)
			return err
		})
	}
	if needs.Has(attr.DataHome) {
		fetch("homes", func(ctx context.Context) (err error) {
			aux.homes, err = s.src.ListHomes(ctx, ids)
			return err
		})
	}
	if needs.Has(attr.DataPosix) {
		fetch("posix", func(ctx context.Context) (err error) {
			if typ == entity.TypeGroup {
				aux.posix, err = s.src.ListPosixGroups(ctx, ids)
			} else {
				aux.posix, err = s.src.ListPosixUsers(ctx, ids)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	s.merge(&aux)
	logging.FromContext(ctx, log).Debug("auxiliary data merged",
		"needs", fmt.Sprintf("%#x", uint32(needs)),
		"quarantined", len(aux.quarantined),
	)
	return nil
}

// withOwners adds the owners of ids. Account attributes such as names and
// contact info are usually registered on the owning person. nil stays nil
// (all).
func (s *Sync) withOwners(ids []int64) []int64 {
	if ids == nil {
		return nil
	}
	out := append([]int64(nil), ids...)
	for _, id := range ids {
		if e := s.byID[id]; e != nil && e.OwnerID != 0 {
			out = append(out, e.OwnerID)
		}
	}
	return out
}

// owned returns the cached entities whose own id or owner id is id.
func (s *Sync) owned(id int64) []*entity.Entity {
	var out []*entity.Entity
	if e := s.byID[id]; e != nil {
		out = append(out, e)
	}
	for _, e := range s.byOwner(id) {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

func (s *Sync) byOwner(owner int64) []*entity.Entity {
	if s.owners == nil {
		s.owners = make(map[int64][]*entity.Entity)
		for _, e := range s.entities {
			if e.OwnerID != 0 {
				s.owners[e.OwnerID] = append(s.owners[e.OwnerID], e)
			}
		}
	}
	return s.owners[owner]
}

// merge attaches fetched rows to cached entities. Rows of entities outside
// the cache are ignored.
func (s *Sync) merge(aux *auxiliary) {
	s.owners = nil

	for _, id := range aux.quarantined {
		if e := s.byID[id]; e != nil {
			e.Active = false
		}
	}
	for _, r := range aux.spreads {
		if e := s.byID[r.EntityID]; e != nil {
			e.Spreads[r.Spread] = true
		}
	}
	for _, r := range aux.contacts {
		for _, e := range s.owned(r.EntityID) {
			e.Contacts = append(e.Contacts, r.ContactInfo)
		}
	}
	for _, r := range aux.names {
		for _, e := range s.owned(r.EntityID) {
			e.Names = append(e.Names, r.Name)
		}
	}
	for _, r := range aux.externalIDs {
		if e := s.byID[r.EntityID]; e != nil && s.cfg.StoreSID &&
			r.SourceSystem == s.cfg.SIDSourceSystem && r.Type == s.cfg.SIDIDType {
			e.StoredSID = r.Value
		}
		for _, e := range s.owned(r.EntityID) {
			e.ExternalIDs = append(e.ExternalIDs, r.ExternalID)
		}
	}
	for _, r := range aux.addresses {
		for _, e := range s.owned(r.EntityID) {
			e.Addresses = append(e.Addresses, r.Address)
		}
	}
	for _, r := range aux.traits {
		if e := s.byID[r.EntityID]; e != nil {
			e.Traits[r.Code] = r.Trait
		}
	}
	for _, r := range aux.mail {
		if e := s.byID[r.EntityID]; e != nil {
			m := r.MailInfo
			e.Mail = &m
		}
	}
	for _, r := range aux.homes {
		if e := s.byID[r.EntityID]; e != nil {
			h := r.HomeInfo
			e.Home = &h
		}
	}
	for _, r := range aux.posix {
		if e := s.byID[r.EntityID]; e != nil {
			p := r.PosixInfo
			e.Posix = &p
		}
	}
}
