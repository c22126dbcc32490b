package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/secret"
	"github.com/xtxerr/adsync/internal/store"
)

// AttrMember is the remote group membership attribute.
const AttrMember = "member"

// =============================================================================
// Users
// =============================================================================

// UserKind synchronizes accounts to user objects. New accounts get the
// password of the last unconsumed password event and are enabled; without a
// recoverable password they stay disabled.
type UserKind struct {
	BaseKind
}

func (UserKind) Defaults() KindDefaults {
	return KindDefaults{
		EntityType:          entity.TypeAccount,
		ObjectClass:         "user",
		IdentifierAttribute: "SamAccountName",
	}
}

func (UserKind) Callbacks() entity.Callbacks {
	return entity.Callbacks{
		"uid_number": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return strconv.FormatInt(e.Posix.UID, 10)
		}},
		"gid_number": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return strconv.FormatInt(e.Posix.GID, 10)
		}},
		"login_shell": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return e.Posix.Shell
		}},
		"gecos": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return e.Posix.Gecos
		}},
		"home_directory": {Needs: attr.DataHome, Fn: func(e *entity.Entity) any {
			if e.Home == nil {
				return nil
			}
			return e.Home.Path
		}},
		"home_drive": {Needs: attr.DataHome, Fn: func(e *entity.Entity) any {
			if e.Home == nil {
				return nil
			}
			return e.Home.Drive
		}},
	}
}

func (UserKind) Attributes() []string {
	return []string{directory.AttrPasswordLastSet}
}

// AfterCreate sets the initial password and enables the account.
func (UserKind) AfterCreate(ctx context.Context, s *Sync, ent *entity.Entity, obj *directory.Object) error {
	pw, err := s.initialPassword(ctx, ent)
	if err != nil {
		logging.FromContext(ctx, log).Warn("account left disabled",
			"target_id", ent.TargetID, "reason", err)
		return nil
	}
	if err := s.SetPassword(ctx, obj, pw); err != nil {
		return err
	}
	if !ent.Active {
		return nil
	}
	return s.enable(ctx, obj)
}

// ProcessObject re-enables active accounts that are disabled remotely.
// Accounts that never had a password set stay disabled.
func (UserKind) ProcessObject(ctx context.Context, s *Sync, ent *entity.Entity, obj *directory.Object) error {
	if !ent.Active || ent.NewlyCreated {
		return nil
	}
	if enabled, known := obj.Enabled(); !known || enabled {
		return nil
	}
	if obj.First(directory.AttrPasswordLastSet) == "0" {
		return nil
	}
	return s.enable(ctx, obj)
}

// initialPassword recovers the password of the newest password event for
// ent that the change key has not consumed.
func (s *Sync) initialPassword(ctx context.Context, ent *entity.Entity) (string, error) {
	if s.changes == nil {
		return "", errors.ErrNoPassword
	}
	ev, err := s.changes.LatestEvent(ctx, s.cfg.ChangeKey, store.EventAccountPassword, ent.ID)
	if err != nil {
		return "", fmt.Errorf("latest password event: %w", err)
	}
	if ev == nil {
		return "", errors.ErrNoPassword
	}
	return secret.PasswordFromParams(ev.Params, s.passwords)
}

// SetPassword sets the password of obj.
func (s *Sync) SetPassword(ctx context.Context, obj *directory.Object, password string) error {
	if err := s.dir.SetPassword(ctx, obj.DN, password); err != nil {
		return err
	}
	if obj.Attributes != nil {
		delete(obj.Attributes, directory.AttrPasswordLastSet)
	}
	logging.FromContext(ctx, log).Info("password set", "dn", obj.DN)
	s.result.count(ActionPassword)
	return nil
}

// =============================================================================
// Groups
// =============================================================================

// GroupKind synchronizes groups. Members of groups without the target
// spread are pulled up into their nearest synced ancestors.
type GroupKind struct {
	BaseKind

	// MemberAccountSpread restricts account members; empty allows any
	MemberAccountSpread string

	// MemberAccountOU is the container of member accounts; defaults to the
	// search OU
	MemberAccountOU string

	// PersonPrimaryAccount replaces person members by their primary account
	PersonPrimaryAccount bool
}

func (GroupKind) Defaults() KindDefaults {
	return KindDefaults{
		EntityType:          entity.TypeGroup,
		ObjectClass:         "group",
		IdentifierAttribute: "SamAccountName",
	}
}

func (GroupKind) Callbacks() entity.Callbacks {
	return entity.Callbacks{
		"gid_number": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return strconv.FormatInt(e.Posix.GID, 10)
		}},
		"posix_name": {Needs: attr.DataPosix, Fn: func(e *entity.Entity) any {
			if e.Posix == nil {
				return nil
			}
			return e.Posix.GroupName
		}},
	}
}

// Calculate resolves the member DNs of every cached group when some
// attribute uses them.
func (k GroupKind) Calculate(ctx context.Context, s *Sync) error {
	if !s.cfg.Attributes.Needs().Has(attr.DataMembers) || len(s.entities) == 0 {
		return nil
	}
	members, err := k.MemberDNs(ctx, s)
	if err != nil {
		return err
	}
	for _, ent := range s.entities {
		ent.Members = members[ent.ID]
	}
	return nil
}

// MemberDNs computes the effective member DNs of every cached group.
func (k GroupKind) MemberDNs(ctx context.Context, s *Sync) (map[int64][]string, error) {
	rows, err := s.src.ListGroupMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	groups, err := s.src.ListEntities(ctx, store.EntityQuery{Type: entity.TypeGroup, Spread: s.cfg.TargetSpread})
	if err != nil {
		return nil, fmt.Errorf("list synced groups: %w", err)
	}
	accounts, err := s.src.ListEntities(ctx, store.EntityQuery{Type: entity.TypeAccount, Spread: k.MemberAccountSpread})
	if err != nil {
		return nil, fmt.Errorf("list member accounts: %w", err)
	}
	var primary map[int64]int64
	if k.PersonPrimaryAccount {
		if primary, err = s.PrimaryAccounts(ctx); err != nil {
			return nil, err
		}
	}

	accountOU := k.MemberAccountOU
	if accountOU == "" {
		accountOU = s.cfg.SearchOU
	}
	accountDN := make(map[int64]string, len(accounts))
	for _, a := range accounts {
		accountDN[a.ID] = memberDN(a.Name, accountOU)
	}

	groupDN := make(map[int64]string, len(groups))
	for _, g := range groups {
		if ent := s.Entity(g.ID); ent != nil {
			groupDN[g.ID] = memberDN(ent.TargetID, ent.TargetOU)
			continue
		}
		name, err := s.formatName(entity.New(g.ID, g.Name, g.Type))
		if err != nil {
			continue
		}
		groupDN[g.ID] = memberDN(name, s.cfg.TargetOU)
	}
	synced := func(id int64) bool {
		_, ok := groupDN[id]
		return ok
	}

	m := BuildMembership(rows)
	out := make(map[int64][]string, len(s.entities))
	for _, ent := range s.entities {
		seen := make(map[string]bool)
		var dns []string
		for _, mem := range m.Expand(ent.ID, synced) {
			var dn string
			switch mem.Type {
			case entity.TypeAccount:
				dn = accountDN[mem.ID]
			case entity.TypePerson:
				if acc, ok := primary[mem.ID]; ok {
					dn = accountDN[acc]
				}
			case entity.TypeGroup:
				dn = groupDN[mem.ID]
			}
			if dn == "" || seen[strings.ToLower(dn)] {
				continue
			}
			seen[strings.ToLower(dn)] = true
			dns = append(dns, dn)
		}
		sort.Strings(dns)
		out[ent.ID] = dns
	}
	return out, nil
}

// AffectedGroups returns the synced groups whose effective members change
// when the direct members of group change: group itself when it is synced,
// otherwise its nearest synced ancestors.
func (k GroupKind) AffectedGroups(ctx context.Context, s *Sync, group int64) ([]int64, error) {
	groups, err := s.src.ListEntities(ctx, store.EntityQuery{Type: entity.TypeGroup, Spread: s.cfg.TargetSpread})
	if err != nil {
		return nil, fmt.Errorf("list synced groups: %w", err)
	}
	synced := make(map[int64]bool, len(groups))
	for _, g := range groups {
		synced[g.ID] = true
	}
	if synced[group] {
		return []int64{group}, nil
	}

	rows, err := s.src.ListGroupMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	m := BuildMembership(rows)
	return m.SyncedAncestors(Member{ID: group, Type: entity.TypeGroup}, func(id int64) bool { return synced[id] }), nil
}

// PrimaryAccounts maps person ids to primary account ids. The map is loaded
// once per run.
func (s *Sync) PrimaryAccounts(ctx context.Context) (map[int64]int64, error) {
	m, err := s.primary.Get(func() (map[int64]int64, error) {
		return s.src.ListPrimaryAccounts(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("list primary accounts: %w", err)
	}
	return m, nil
}

func memberDN(name, container string) string {
	return directory.NewObject{Name: name, Container: container}.DN()
}

// =============================================================================
// Hosts
// =============================================================================

// HostKind synchronizes hosts to computer objects named by the host part of
// the fully qualified name.
type HostKind struct {
	BaseKind
}

func (HostKind) Defaults() KindDefaults {
	return KindDefaults{
		EntityType:          entity.TypeHost,
		ObjectClass:         "computer",
		IdentifierAttribute: "name",
		NameFormat:          "{{hostname .Name}}",
	}
}

func (HostKind) Callbacks() entity.Callbacks {
	return entity.Callbacks{
		"dns_host_name": {Fn: func(e *entity.Entity) any { return e.Name }},
		"sam_account_name": {Fn: func(e *entity.Entity) any {
			return strings.ToUpper(e.TargetID) + "$"
		}},
	}
}

// =============================================================================
// Mailing Lists
// =============================================================================

// MailListKind synchronizes mailing lists to contact objects forwarding to
// the list address.
type MailListKind struct {
	BaseKind
}

func (MailListKind) Defaults() KindDefaults {
	return KindDefaults{
		EntityType:          entity.TypeMailList,
		ObjectClass:         "contact",
		IdentifierAttribute: "name",
	}
}

func (MailListKind) Needs() attr.DataClass { return attr.DataMail }

func (MailListKind) Callbacks() entity.Callbacks {
	return entity.Callbacks{
		"target_address": {Needs: attr.DataMail, Fn: func(e *entity.Entity) any {
			if e.Mail == nil || e.Mail.Target == "" {
				return nil
			}
			return "SMTP:" + e.Mail.Target
		}, KeepCase: true},
	}
}
