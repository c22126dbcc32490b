package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/store"
)

// =============================================================================
// Synthesized Groups
// =============================================================================

// FroupRule defines one synthesized group. Exactly one of Affiliation and
// Consent is set.
type FroupRule struct {
	// Name is the source name of the group
	Name string

	// Affiliation is "affiliation" or "affiliation/status"
	Affiliation string

	// SourceSystems restricts matching affiliations; empty matches any
	SourceSystems []string

	// Consent selects persons who gave this consent
	Consent string
}

func (r FroupRule) validate() error {
	if r.Name == "" {
		return errors.NewMissingField("froup.name")
	}
	if (r.Affiliation == "") == (r.Consent == "") {
		return errors.NewValidation("froup."+r.Name, "exactly one of affiliation and consent is required")
	}
	return nil
}

// matches reports whether an affiliation row satisfies the rule.
func (r FroupRule) matches(a store.AffiliationRow) bool {
	aff, status, _ := strings.Cut(r.Affiliation, "/")
	if !strings.EqualFold(a.Affiliation, aff) {
		return false
	}
	if status != "" && !strings.EqualFold(a.Status, status) {
		return false
	}
	if len(r.SourceSystems) == 0 {
		return true
	}
	for _, sys := range r.SourceSystems {
		if strings.EqualFold(sys, a.SourceSystem) {
			return true
		}
	}
	return false
}

// FroupKind synchronizes groups synthesized from affiliation and consent
// rules instead of groups stored in the source. Members are the primary
// accounts of matching persons; only accounts with AccountSpread qualify.
//
// Synthesized groups have no source id; they get negative ids in rule
// order.
type FroupKind struct {
	BaseKind

	Rules []FroupRule

	// AccountSpread is the spread a primary account needs to be a member
	AccountSpread string

	// AccountOU is the container of member accounts; defaults to the
	// search OU
	AccountOU string

	// GracePeriod keeps persons whose affiliation was removed recently
	GracePeriod time.Duration

	now func() time.Time
}

func (FroupKind) Defaults() KindDefaults {
	return KindDefaults{
		EntityType:          entity.TypeGroup,
		ObjectClass:         "group",
		IdentifierAttribute: "SamAccountName",
	}
}

// Validate checks the rules.
func (k FroupKind) Validate() error {
	v := errors.NewValidationErrors()
	seen := make(map[string]bool)
	for _, r := range k.Rules {
		if err := r.validate(); err != nil {
			v.Add(err)
		}
		if seen[strings.ToLower(r.Name)] {
			v.AddField("froup."+r.Name, "duplicate name")
		}
		seen[strings.ToLower(r.Name)] = true
	}
	if k.AccountSpread == "" {
		v.AddMissing("account_spread")
	}
	return v.Err()
}

// Load adds one entity per rule. ids restricts loading to those rules.
func (k FroupKind) Load(ctx context.Context, s *Sync, ids []int64) error {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i, r := range k.Rules {
		id := froupID(i)
		if ids != nil && !want[id] {
			continue
		}
		s.AddEntity(ctx, entity.New(id, r.Name, entity.TypeGroup))
	}
	return nil
}

// Calculate computes the member DNs of every rule group.
func (k FroupKind) Calculate(ctx context.Context, s *Sync) error {
	if len(s.entities) == 0 {
		return nil
	}
	members, err := k.members(ctx, s)
	if err != nil {
		return err
	}
	for _, ent := range s.entities {
		ent.Members = members[ent.ID]
	}
	return nil
}

func froupID(i int) int64 {
	return -int64(i + 1)
}

func (k FroupKind) clock() time.Time {
	if k.now != nil {
		return k.now()
	}
	return time.Now()
}

// members returns the member DNs per rule group id.
func (k FroupKind) members(ctx context.Context, s *Sync) (map[int64][]string, error) {
	now := k.clock()

	var affs []store.AffiliationRow
	needAffs := false
	for _, r := range k.Rules {
		needAffs = needAffs || r.Affiliation != ""
	}
	if needAffs {
		var err error
		affs, err = s.src.ListAffiliations(ctx, now.Add(-k.GracePeriod))
		if err != nil {
			return nil, fmt.Errorf("list affiliations: %w", err)
		}
	}

	primary, err := s.PrimaryAccounts(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := s.src.ListEntities(ctx, store.EntityQuery{Type: entity.TypeAccount, Spread: k.AccountSpread})
	if err != nil {
		return nil, fmt.Errorf("list member accounts: %w", err)
	}
	ou := k.AccountOU
	if ou == "" {
		ou = s.cfg.SearchOU
	}
	accountDN := make(map[int64]string, len(accounts))
	for _, a := range accounts {
		accountDN[a.ID] = memberDN(a.Name, ou)
	}

	out := make(map[int64][]string)
	for i, r := range k.Rules {
		id := froupID(i)
		if s.Entity(id) == nil {
			continue
		}

		var persons []int64
		if r.Consent != "" {
			persons, err = s.src.ListConsents(ctx, r.Consent)
			if err != nil {
				return nil, fmt.Errorf("list consents %s: %w", r.Consent, err)
			}
		} else {
			cutoff := now.Add(-k.GracePeriod)
			for _, a := range affs {
				if a.DeletedDate != nil && a.DeletedDate.Before(cutoff) {
					continue
				}
				if r.matches(a) {
					persons = append(persons, a.PersonID)
				}
			}
		}

		seen := make(map[string]bool)
		var dns []string
		for _, p := range persons {
			dn := accountDN[primary[p]]
			if dn == "" || seen[dn] {
				continue
			}
			seen[dn] = true
			dns = append(dns, dn)
		}
		sort.Strings(dns)
		out[id] = dns
	}
	return out, nil
}

// =============================================================================
// Incremental Update
// =============================================================================

// UpdateGroups brings the membership of the rule groups affected by ev up
// to date with one incremental modify per group. Affiliation events affect
// affiliation rules; consent events affect rules on that consent.
func (k FroupKind) UpdateGroups(ctx context.Context, s *Sync, ev store.ChangeEvent) (*Result, error) {
	ctx = s.runContext(ctx)
	s.begin(ctx)
	res := s.result
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	var ids []int64
	for i, r := range k.Rules {
		if k.affects(r, ev) {
			ids = append(ids, froupID(i))
		}
	}
	if len(ids) == 0 {
		return res, nil
	}
	if err := s.prepare(ctx, ids); err != nil {
		return res, err
	}

	q := s.Query()
	q.Attributes = []string{AttrMember}
	for _, ent := range s.entities {
		obj, err := s.dir.Get(ctx, q, ent.TargetID)
		if errors.IsNotFound(err) {
			s.create(ctx, ent)
			continue
		}
		if err != nil {
			s.failed(ctx, ent.TargetID, string(ActionUpdate), err)
			continue
		}
		ent.InRemote = true
		ent.DN = obj.DN

		have, _ := obj.Get(AttrMember)
		ent.Changes = diffSet(AttrMember, ent.Members, have, true)
		if len(ent.Changes) == 0 {
			continue
		}
		if err := s.dir.Modify(ctx, obj.DN, ent.Changes); err != nil {
			s.failed(ctx, ent.TargetID, string(ActionUpdate), err)
			continue
		}
		logging.FromContext(ctx, log).Info("group members updated", "target_id", ent.TargetID)
		s.result.count(ActionUpdate)
	}
	s.flush(ctx)
	return res, nil
}

func (k FroupKind) affects(r FroupRule, ev store.ChangeEvent) bool {
	switch ev.Type.Category {
	case store.EventPersonAffAdd.Category:
		return r.Affiliation != ""
	case store.EventConsentApprove.Category:
		if r.Consent == "" {
			return false
		}
		name, _ := ev.Params["consent"].(string)
		return name == "" || strings.EqualFold(name, r.Consent)
	}
	return false
}
