package quicksync

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/store"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

// =============================================================================
// Default Handlers
// =============================================================================

// Params of entity deletion events.
const (
	ParamName       = "name"
	ParamEntityType = "entity_type"
)

// entityEvents change one entity of the subject's type.
var entityEvents = map[string][]store.EventType{
	"": {
		store.EventSpreadAdd,
		store.EventSpreadDelete,
		store.EventQuarantineAdd,
		store.EventQuarantineMod,
		store.EventQuarantineDel,
		store.EventQuarantineRef,
		store.EventEntityNameMod,
	},
	"user": {
		store.EventAccountCreate,
		store.EventAccountModify,
	},
	"group": {
		store.EventGroupCreate,
		store.EventGroupModify,
	},
	"maillist": {
		store.EventMailAddrAdd,
		store.EventMailAddrDel,
		store.EventMailPrimarySet,
	},
}

// DefaultHandlers returns the handlers for the sync type s. Every kind
// handles entity changes by syncing the subject and entity deletion by
// applying the unknown object policy; users also handle password changes,
// groups handle membership changes and synthesized groups handle
// affiliation and consent changes.
func DefaultHandlers(s *adsync.Sync) Handlers {
	h := make(Handlers)

	if froups, ok := s.Kind().(adsync.FroupKind); ok {
		update := func(ctx context.Context, ev store.ChangeEvent) error {
			res, err := froups.UpdateGroups(ctx, s, ev)
			return resultError(res, err)
		}
		for _, t := range []store.EventType{
			store.EventPersonAffAdd, store.EventPersonAffMod, store.EventPersonAffDel,
			store.EventConsentApprove, store.EventConsentDecline, store.EventConsentDelete,
		} {
			h[t] = update
		}
		return h
	}

	syncSubject := func(ctx context.Context, ev store.ChangeEvent) error {
		res, err := s.SyncEntity(ctx, ev.SubjectID)
		return resultError(res, err)
	}
	register := func(types []store.EventType, fn HandlerFunc) {
		for _, t := range types {
			h[t] = fn
		}
	}
	register(entityEvents[""], syncSubject)
	h[store.EventEntityDelete] = removed(s)

	switch k := s.Kind().(type) {
	case adsync.UserKind:
		register(entityEvents["user"], syncSubject)
		h[store.EventAccountPassword] = func(ctx context.Context, ev store.ChangeEvent) error {
			res, err := s.ChangePassword(ctx, ev)
			return resultError(res, err)
		}
	case adsync.GroupKind:
		register(entityEvents["group"], syncSubject)
		members := membership(s, k)
		h[store.EventGroupAddMember] = members
		h[store.EventGroupRemMember] = members
	case adsync.MailListKind:
		register(entityEvents["maillist"], syncSubject)
	}
	return h
}

// removed applies the unknown object policy to the object of a deleted
// entity. The entity is gone from the source; the event carries its name.
func removed(s *adsync.Sync) HandlerFunc {
	return func(ctx context.Context, ev store.ChangeEvent) error {
		if t, _ := ev.Params[ParamEntityType].(string); t != "" && t != s.Config().EntityType {
			return nil
		}
		name, _ := ev.Params[ParamName].(string)
		if name == "" {
			logging.FromContext(ctx, log).Warn("deletion event without entity name")
			return nil
		}
		res, err := s.SyncRemoved(ctx, name)
		return resultError(res, err)
	}
}

// membership re-syncs the synced groups whose effective members change
// with a direct membership change of the event's destination group.
func membership(s *adsync.Sync, k adsync.GroupKind) HandlerFunc {
	return func(ctx context.Context, ev store.ChangeEvent) error {
		group := ev.DestinationID
		if group == 0 {
			group = ev.SubjectID
		}
		ids, err := k.AffectedGroups(ctx, s, group)
		if err != nil {
			return err
		}
		var errs []error
		for _, id := range ids {
			res, err := s.SyncEntity(ctx, id)
			if err := resultError(res, err); err != nil {
				errs = append(errs, fmt.Errorf("group %d: %w", id, err))
			}
		}
		return errors.Join(errs...)
	}
}

// resultError turns per-object failures of a handler run into an error so
// the event stays unconfirmed.
func resultError(res *adsync.Result, err error) error {
	if err != nil {
		return err
	}
	if res == nil || res.Failed() == 0 {
		return nil
	}
	msgs := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		msgs = append(msgs, f.Object+": "+f.Err)
	}
	return fmt.Errorf("%d objects failed: %s", res.Failed(), strings.Join(msgs, "; "))
}
