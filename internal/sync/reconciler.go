package sync

import (
	"context"
	"strings"

	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
)

// =============================================================================
// Remote Objects
// =============================================================================

// processObject handles one enumerated remote object.
func (s *Sync) processObject(ctx context.Context, obj *directory.Object) {
	l := logging.FromContext(ctx, log)
	if obj.Name == "" {
		l.Debug("object without identifier", "dn", obj.DN)
		s.result.count(ActionSkip)
		return
	}

	ent := s.EntityByTarget(obj.Name)
	if ent != nil {
		if ent.InRemote {
			l.Warn("duplicate remote object", "target_id", obj.Name, "dn", obj.DN, "matched", ent.DN)
			s.result.count(ActionSkip)
			return
		}
		ent.InRemote = true
		ent.DN = obj.DN
	}

	if s.ignored(obj.DN) {
		s.result.count(ActionSkip)
		return
	}

	if ent == nil {
		// Objects outside a subset are unknown only to this run.
		if s.subset != nil {
			s.result.count(ActionSkip)
			return
		}
		if err := s.downgrade(ctx, obj, s.cfg.Unknown); err != nil {
			s.failed(ctx, obj.DN, "unknown_object", err)
		}
		return
	}

	s.processMatched(ctx, ent, obj)
}

// ignored reports whether dn lies in an ignored container.
func (s *Sync) ignored(dn string) bool {
	for _, ou := range s.cfg.IgnoreOU {
		if directory.HasSuffixDN(dn, ou) {
			return true
		}
	}
	return false
}

// processMatched reconciles ent with its remote object: deactivation,
// moving home, attribute diff, kind specific steps and SID write-back.
func (s *Sync) processMatched(ctx context.Context, ent *entity.Entity, obj *directory.Object) {
	policy := s.cfg.Deactivated

	if !ent.Active {
		if err := s.downgrade(ctx, obj, policy); err != nil {
			s.failed(ctx, ent.TargetID, "deactivate", err)
			return
		}
		ent.DN = obj.DN
		if policy.StopsProcessing() {
			return
		}
	}

	if s.cfg.MoveObjects && (ent.Active || !policy.Moves()) {
		if err := s.moveHome(ctx, ent, obj); err != nil {
			s.failed(ctx, ent.TargetID, string(ActionMove), err)
		}
	}

	ent.Changes = Diff(ent, obj, s.cfg.Attributes, s.cfg.IdentifierAttribute)
	if len(ent.Changes) > 0 {
		if err := s.dir.Modify(ctx, obj.DN, ent.Changes); err != nil {
			s.failed(ctx, ent.TargetID, string(ActionUpdate), err)
			ent.Changes = nil
		} else {
			logging.FromContext(ctx, log).Debug("object updated",
				"target_id", ent.TargetID, "changes", len(ent.Changes))
			s.result.count(ActionUpdate)
		}
	}

	if err := s.kind.ProcessObject(ctx, s, ent, obj); err != nil {
		s.failed(ctx, ent.TargetID, "process", err)
	}

	s.storeSID(ctx, ent, obj)
}

// =============================================================================
// Policies
// =============================================================================

// downgrade applies p to obj.
func (s *Sync) downgrade(ctx context.Context, obj *directory.Object, p Policy) error {
	switch p.Action {
	case PolicyDisable:
		return s.disable(ctx, obj)

	case PolicyMove:
		if err := s.disable(ctx, obj); err != nil {
			return err
		}
		if directory.SameDN(obj.Container(), p.Detail) {
			return nil
		}
		return s.move(ctx, obj, p.Detail)

	case PolicyDelete:
		if err := s.dir.Delete(ctx, obj.DN); err != nil {
			return err
		}
		logging.FromContext(ctx, log).Info("object deleted", "dn", obj.DN)
		s.result.count(ActionDelete)
		return nil
	}
	return nil
}

// disable disables obj unless it is known to be disabled already.
func (s *Sync) disable(ctx context.Context, obj *directory.Object) error {
	if enabled, known := obj.Enabled(); known && !enabled {
		return nil
	}
	if err := s.dir.Disable(ctx, obj.DN); err != nil {
		return err
	}
	logging.FromContext(ctx, log).Info("object disabled", "dn", obj.DN)
	setEnabled(obj, false)
	s.result.count(ActionDisable)
	return nil
}

// enable enables obj unless it is known to be enabled already.
func (s *Sync) enable(ctx context.Context, obj *directory.Object) error {
	if enabled, known := obj.Enabled(); known && enabled {
		return nil
	}
	if err := s.dir.Enable(ctx, obj.DN); err != nil {
		return err
	}
	logging.FromContext(ctx, log).Info("object enabled", "dn", obj.DN)
	setEnabled(obj, true)
	s.result.count(ActionEnable)
	return nil
}

func setEnabled(obj *directory.Object, enabled bool) {
	if obj.Attributes == nil {
		obj.Attributes = make(map[string][]string)
	}
	v := "FALSE"
	if enabled {
		v = "TRUE"
	}
	for k := range obj.Attributes {
		if strings.EqualFold(k, directory.AttrEnabled) {
			delete(obj.Attributes, k)
		}
	}
	obj.Attributes[directory.AttrEnabled] = []string{v}
}

// moveHome moves obj to the entity's target container.
func (s *Sync) moveHome(ctx context.Context, ent *entity.Entity, obj *directory.Object) error {
	if ent.TargetOU == "" || directory.SameDN(obj.Container(), ent.TargetOU) {
		return nil
	}
	if err := s.move(ctx, obj, ent.TargetOU); err != nil {
		return err
	}
	ent.DN = obj.DN
	return nil
}

// move relocates obj, creating the container first when allowed.
func (s *Sync) move(ctx context.Context, obj *directory.Object, container string) error {
	dn, err := s.dir.Move(ctx, obj.DN, container)
	if errors.IsContainerMissing(err) && s.cfg.CreateOU {
		if cerr := s.ensureContainer(ctx, container); cerr != nil {
			return cerr
		}
		dn, err = s.dir.Move(ctx, obj.DN, container)
	}
	if err != nil {
		return err
	}
	logging.FromContext(ctx, log).Info("object moved", "dn", obj.DN, "container", container)
	obj.DN = dn
	s.result.count(ActionMove)
	return nil
}

// ensureContainer creates dn and any missing parent below the domain.
func (s *Sync) ensureContainer(ctx context.Context, dn string) error {
	err := s.dir.CreateContainer(ctx, dn)
	if errors.IsContainerMissing(err) {
		parent := directory.ParentDN(dn)
		if parent == "" || strings.HasPrefix(strings.ToLower(parent), "dc=") {
			return err
		}
		if perr := s.ensureContainer(ctx, parent); perr != nil {
			return perr
		}
		err = s.dir.CreateContainer(ctx, dn)
	}

	switch {
	case err == nil:
		logging.FromContext(ctx, log).Info("container created", "dn", dn)
		s.result.count(ActionContainer)
		return nil
	case errors.IsAlreadyExists(err):
		return nil
	default:
		return err
	}
}

// storeSID writes the remote SID back to the source store when it changed.
func (s *Sync) storeSID(ctx context.Context, ent *entity.Entity, obj *directory.Object) {
	if !s.cfg.StoreSID {
		return
	}
	sid := obj.First(directory.AttrObjectSID)
	if sid == "" || sid == ent.StoredSID {
		return
	}
	if s.cfg.DryRun {
		logging.FromContext(ctx, log).Info("would store sid", "entity", ent.Name, "sid", sid)
		return
	}
	if err := s.src.StoreExternalID(ctx, ent.ID, s.cfg.SIDSourceSystem, s.cfg.SIDIDType, sid); err != nil {
		s.failed(ctx, ent.TargetID, string(ActionStoreSID), err)
		return
	}
	ent.StoredSID = sid
	s.result.count(ActionStoreSID)
}

// =============================================================================
// Creation
// =============================================================================

// create creates ent remotely. A race with another creator is resolved by
// processing the existing object as matched.
func (s *Sync) create(ctx context.Context, ent *entity.Entity) {
	l := logging.FromContext(ctx, log)
	req := directory.NewObject{
		Name:        ent.TargetID,
		Container:   ent.TargetOU,
		ObjectClass: s.cfg.ObjectClass,
		Attributes:  s.createAttributes(ent),
	}

	obj, err := s.dir.Create(ctx, req)
	if errors.IsContainerMissing(err) && s.cfg.CreateOU {
		if cerr := s.ensureContainer(ctx, ent.TargetOU); cerr != nil {
			s.failed(ctx, ent.TargetID, string(ActionContainer), cerr)
			return
		}
		obj, err = s.dir.Create(ctx, req)
	}

	if errors.IsAlreadyExists(err) {
		existing, gerr := s.dir.Get(ctx, s.Query(), ent.TargetID)
		if gerr != nil {
			s.failed(ctx, ent.TargetID, string(ActionCreate), errors.Wrapf(gerr, "lookup after %v", err))
			return
		}
		l.Info("object already exists, processing as matched", "target_id", ent.TargetID, "dn", existing.DN)
		ent.InRemote = true
		ent.DN = existing.DN
		if s.ignored(existing.DN) {
			s.result.count(ActionSkip)
			return
		}
		s.processMatched(ctx, ent, existing)
		return
	}
	if err != nil {
		s.failed(ctx, ent.TargetID, string(ActionCreate), err)
		return
	}

	ent.InRemote = true
	ent.NewlyCreated = true
	ent.DN = obj.DN
	l.Info("object created", "target_id", ent.TargetID, "dn", obj.DN)
	s.result.count(ActionCreate)

	if err := s.kind.AfterCreate(ctx, s, ent, obj); err != nil {
		s.failed(ctx, ent.TargetID, "after_create", err)
	}
	if !ent.Active {
		if err := s.downgrade(ctx, obj, s.cfg.Deactivated); err != nil {
			s.failed(ctx, ent.TargetID, "deactivate", err)
			return
		}
		ent.DN = obj.DN
	}
}

// createAttributes returns the non-empty resolved attributes plus the
// identifier.
func (s *Sync) createAttributes(ent *entity.Entity) map[string][]string {
	attrs := make(map[string][]string, len(ent.Attributes)+1)
	for name, v := range ent.Attributes {
		if vals := entity.AsStrings(v); len(vals) > 0 {
			attrs[name] = vals
		}
	}

	id := s.cfg.IdentifierAttribute
	if rdnAttribute(id) {
		return attrs
	}
	for name := range attrs {
		if strings.EqualFold(name, id) {
			return attrs
		}
	}
	attrs[id] = []string{ent.TargetID}
	return attrs
}

// rdnAttribute reports whether the directory derives attr from the RDN.
func rdnAttribute(attr string) bool {
	return strings.EqualFold(attr, "cn") || strings.EqualFold(attr, "name")
}

// =============================================================================
// Post Processing
// =============================================================================

func (s *Sync) postProcess(ctx context.Context) {
	if err := s.kind.PostProcess(ctx, s); err != nil {
		s.failed(ctx, s.cfg.Name, "post_process", err)
	}
	s.updateRecipients(ctx, s.entities)
}

// updateRecipients runs the recipient update script once for every entity
// that was created or whose diff touched a recipient attribute.
func (s *Sync) updateRecipients(ctx context.Context, ents []*entity.Entity) {
	ru := s.cfg.RecipientUpdate
	if ru == nil {
		return
	}

	var dns []string
	for _, e := range ents {
		if e.DN == "" {
			continue
		}
		switch {
		case e.NewlyCreated:
		case len(ru.Attributes) == 0 && len(e.Changes) > 0:
		case touches(e.Changes, ru.Attributes):
		default:
			continue
		}
		dns = append(dns, e.DN)
	}
	if len(dns) == 0 {
		return
	}

	params := map[string]any{
		"identities": dns,
		"sync_type":  s.cfg.Name,
	}
	if err := s.dir.ExecuteScript(ctx, ru.Script, params); err != nil {
		s.failed(ctx, ru.Script, string(ActionScript), err)
		return
	}
	logging.FromContext(ctx, log).Info("recipient update executed", "script", ru.Script, "objects", len(dns))
	s.result.count(ActionScript)
}
