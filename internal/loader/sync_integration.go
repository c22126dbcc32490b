// Package loader - Sync Integration
//
// Converts sync type settings into sync engine configurations and kinds.

package loader

import (
	"fmt"
	"time"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/store"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

// SyncType is a sync type ready to be run.
type SyncType struct {
	Config adsync.Config
	Kind   adsync.Kind

	// StaleAge and EventTypes configure change log replay.
	StaleAge   time.Duration
	EventTypes []store.EventType
}

// Build converts the settings of sync type name. subset restricts the run
// to the given source names.
func (c *Config) Build(name string, subset []string) (*SyncType, error) {
	st, ok := c.SyncTypes[name]
	if !ok || st == nil {
		return nil, errors.NewNotFound("sync type", name)
	}

	errs := errors.NewValidationErrors()

	kind, err := buildKind(st)
	if err != nil {
		errs.Add(err)
	}

	var attrs attr.Set
	if kind != nil {
		attrs, err = attr.Compile(st.Attributes, adsync.CallbacksFor(kind).Needs())
		if err != nil {
			errs.Add(err)
		}
	}

	cfg := adsync.Config{
		Name:                name,
		TargetSpread:        st.TargetSpread,
		EntityType:          st.EntityType,
		SearchOU:            st.SearchOU,
		TargetOU:            st.TargetOU,
		ObjectClass:         st.ObjectClass,
		IdentifierAttribute: st.IdentifierAttribute,
		NameFormat:          st.NameFormat,
		Attributes:          attrs,
		CasePolicy:          st.CasePolicy,
		DisplayAttributes:   st.DisplayAttributes,
		Unknown:             adsync.Policy(st.HandleUnknown),
		Deactivated:         adsync.Policy(st.HandleDeactivated),
		MoveObjects:         st.MoveObjects,
		CreateOU:            st.CreateOU,
		IgnoreOU:            st.IgnoreOU,
		Subset:              subset,
		StoreSID:            st.StoreSID,
		SIDSourceSystem:     st.SIDSourceSystem,
		SIDIDType:           st.SIDIDType,
		FetchConcurrency:    st.FetchConcurrency,
		ChangeKey:           st.ChangeKey,
	}
	if ru := st.RecipientUpdate; ru != nil {
		cfg.RecipientUpdate = &adsync.RecipientUpdate{Script: ru.Script, Attributes: ru.Attributes}
	}

	if kind != nil && !errs.HasErrors() {
		if err := adsync.Validate(cfg, kind); err != nil {
			errs.Add(err)
		}
	}

	types := make([]store.EventType, 0, len(st.Quicksync.Types))
	for i, s := range st.Quicksync.Types {
		t, err := store.ParseEventType(s)
		if err != nil {
			errs.AddField(fmt.Sprintf("quicksync.types[%d]", i), err.Error())
			continue
		}
		types = append(types, t)
	}

	if err := errs.Err(); err != nil {
		return nil, fmt.Errorf("sync_types.%s: %w", name, err)
	}
	return &SyncType{
		Config:     cfg,
		Kind:       kind,
		StaleAge:   st.Quicksync.StaleAge.Duration(),
		EventTypes: types,
	}, nil
}

// buildKind creates the kind value of st. Kind specific blocks are only
// accepted on their kind.
func buildKind(st *SyncTypeConfig) (adsync.Kind, error) {
	errs := errors.NewValidationErrors()
	if st.Group != nil && st.Kind != KindGroup {
		errs.AddField("group", "only allowed on kind group")
	}
	if st.Froup != nil && st.Kind != KindFroup {
		errs.AddField("froup", "only allowed on kind froup")
	}

	var kind adsync.Kind
	switch st.Kind {
	case KindUser:
		kind = adsync.UserKind{}
	case KindGroup:
		k := adsync.GroupKind{}
		if g := st.Group; g != nil {
			k.MemberAccountSpread = g.MemberAccountSpread
			k.MemberAccountOU = g.MemberAccountOU
			k.PersonPrimaryAccount = g.PersonPrimaryAccount
		}
		kind = k
	case KindHost:
		kind = adsync.HostKind{}
	case KindMailList:
		kind = adsync.MailListKind{}
	case KindFroup:
		k := adsync.FroupKind{}
		if f := st.Froup; f != nil {
			k.AccountSpread = f.AccountSpread
			k.AccountOU = f.AccountOU
			k.GracePeriod = f.GracePeriod.Duration()
			for _, r := range f.Rules {
				k.Rules = append(k.Rules, adsync.FroupRule{
					Name:          r.Name,
					Affiliation:   r.Affiliation,
					SourceSystems: r.SourceSystems,
					Consent:       r.Consent,
				})
			}
		}
		kind = k
	case "":
		errs.AddMissing("kind")
	default:
		errs.AddField("kind", fmt.Sprintf("unknown kind %q (user, group, host, maillist, froup)", st.Kind))
	}

	if err := errs.Err(); err != nil {
		return nil, err
	}
	return kind, nil
}
