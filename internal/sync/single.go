package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/secret"
	"github.com/xtxerr/adsync/internal/store"
)

// =============================================================================
// Single Entity Sync
// =============================================================================

// SyncEntity reconciles the entity with id the way a full sync would:
// created when missing, processed when matched, and handled by the unknown
// object policy when it no longer has the target spread.
func (s *Sync) SyncEntity(ctx context.Context, id int64) (*Result, error) {
	ctx = s.runContext(ctx)
	l := logging.FromContext(ctx, log).With("entity_id", id)
	s.begin(ctx)
	res := s.result
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	if err := s.prepare(ctx, []int64{id}); err != nil {
		return res, err
	}
	res.Entities = len(s.entities)

	ent := s.Entity(id)
	if ent == nil {
		rows, err := s.src.ListEntities(ctx, store.EntityQuery{Type: s.cfg.EntityType, IDs: []int64{id}})
		if err != nil {
			return res, fmt.Errorf("lookup entity %d: %w", id, err)
		}
		if len(rows) == 0 {
			l.Debug("entity not found in source")
			return res, nil
		}
		return res, s.syncRemoved(ctx, rows[0].Name)
	}

	obj, err := s.dir.Get(ctx, s.Query(), ent.TargetID)
	switch {
	case errors.IsNotFound(err):
		if ent.Active || !s.cfg.Deactivated.StopsProcessing() {
			s.create(ctx, ent)
		}
	case err != nil:
		return res, fmt.Errorf("get %s: %w", ent.TargetID, err)
	default:
		res.Objects++
		ent.InRemote = true
		ent.DN = obj.DN
		if s.ignored(obj.DN) {
			s.result.count(ActionSkip)
			break
		}
		s.processMatched(ctx, ent, obj)
	}

	s.updateRecipients(ctx, s.entities)
	s.flush(ctx)
	l.Debug("entity synced", "result", res.String())
	return res, nil
}

// SyncRemoved applies the unknown object policy to the remote object of an
// entity that no longer exists in the source. name is the source name.
func (s *Sync) SyncRemoved(ctx context.Context, name string) (*Result, error) {
	ctx = s.runContext(ctx)
	s.begin(ctx)
	res := s.result
	defer func() { res.Duration = time.Since(res.StartedAt) }()
	return res, s.syncRemoved(ctx, name)
}

func (s *Sync) syncRemoved(ctx context.Context, name string) error {
	target, err := s.formatName(entity.New(0, name, s.cfg.EntityType))
	if err != nil {
		return fmt.Errorf("format %s: %w", name, err)
	}
	if s.subset != nil && !s.subset[strings.ToLower(target)] {
		s.result.count(ActionSkip)
		return nil
	}

	obj, err := s.dir.Get(ctx, s.Query(), target)
	if errors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", target, err)
	}
	s.result.Objects++
	if s.ignored(obj.DN) {
		s.result.count(ActionSkip)
		return nil
	}

	if err := s.downgrade(ctx, obj, s.cfg.Unknown); err != nil {
		s.failed(ctx, obj.DN, "unknown_object", err)
	}
	s.flush(ctx)
	return nil
}

// ChangePassword applies a password change event to the account it is
// about. An account missing remotely is created and picks up the password
// on the way.
func (s *Sync) ChangePassword(ctx context.Context, ev store.ChangeEvent) (*Result, error) {
	ctx = s.runContext(ctx)
	s.begin(ctx)
	res := s.result
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	if err := s.prepare(ctx, []int64{ev.SubjectID}); err != nil {
		return res, err
	}
	ent := s.Entity(ev.SubjectID)
	if ent == nil {
		logging.FromContext(ctx, log).Debug("password event for entity outside sync", "entity_id", ev.SubjectID)
		return res, nil
	}
	res.Entities = 1

	pw, err := secret.PasswordFromParams(ev.Params, s.passwords)
	if err != nil {
		return res, fmt.Errorf("password of %s: %w", ent.Name, err)
	}

	obj, err := s.dir.Get(ctx, s.Query(), ent.TargetID)
	switch {
	case errors.IsNotFound(err):
		s.create(ctx, ent)
	case err != nil:
		return res, fmt.Errorf("get %s: %w", ent.TargetID, err)
	default:
		res.Objects++
		if err := s.SetPassword(ctx, obj, pw); err != nil {
			return res, fmt.Errorf("set password of %s: %w", ent.TargetID, err)
		}
		if enabled, known := obj.Enabled(); ent.Active && known && !enabled {
			if err := s.enable(ctx, obj); err != nil {
				s.failed(ctx, ent.TargetID, string(ActionEnable), err)
			}
		}
	}
	s.flush(ctx)
	return res, nil
}
