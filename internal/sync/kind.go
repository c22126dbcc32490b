package sync

import (
	"context"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
)

// =============================================================================
// Kind Interface
// =============================================================================

// Kind supplies what differs between sync types. Embed BaseKind to inherit
// the default behaviour and override only the hooks a type needs.
type Kind interface {
	// Defaults returns the settings a sync type of this kind starts from.
	Defaults() KindDefaults

	// Callbacks returns the calculated attributes the kind offers.
	Callbacks() entity.Callbacks

	// Attributes returns remote attributes the kind reads besides the
	// configured ones.
	Attributes() []string

	// Needs returns auxiliary data the kind uses regardless of the
	// attribute configuration.
	Needs() attr.DataClass

	// Load fills the entity cache. ids restricts loading to those entities;
	// nil loads every entity of the sync type.
	Load(ctx context.Context, s *Sync, ids []int64) error

	// Calculate runs after loading and before attribute resolution.
	Calculate(ctx context.Context, s *Sync) error

	// ProcessObject runs for a matched object after the common steps.
	ProcessObject(ctx context.Context, s *Sync, ent *entity.Entity, obj *directory.Object) error

	// AfterCreate runs once an entity has been created remotely.
	AfterCreate(ctx context.Context, s *Sync, ent *entity.Entity, obj *directory.Object) error

	// PostProcess runs after all objects have been handled.
	PostProcess(ctx context.Context, s *Sync) error
}

// KindDefaults are per-kind defaults for Config.
type KindDefaults struct {
	EntityType          string
	ObjectClass         string
	IdentifierAttribute string
	NameFormat          string
}

// =============================================================================
// Base Kind
// =============================================================================

// BaseKind implements every hook with the behaviour common to all kinds.
type BaseKind struct{}

func (BaseKind) Defaults() KindDefaults { return KindDefaults{} }

func (BaseKind) Callbacks() entity.Callbacks { return nil }

func (BaseKind) Attributes() []string { return nil }

func (BaseKind) Needs() attr.DataClass { return 0 }

func (BaseKind) Calculate(context.Context, *Sync) error { return nil }

func (BaseKind) PostProcess(context.Context, *Sync) error { return nil }

// Load loads entities with the target spread and their auxiliary data.
func (BaseKind) Load(ctx context.Context, s *Sync, ids []int64) error {
	return s.LoadEntities(ctx, ids)
}

func (BaseKind) ProcessObject(context.Context, *Sync, *entity.Entity, *directory.Object) error {
	return nil
}

func (BaseKind) AfterCreate(context.Context, *Sync, *entity.Entity, *directory.Object) error {
	return nil
}

// baseCallbacks are offered by every kind.
var baseCallbacks = entity.Callbacks{
	"entity_name": {Fn: func(e *entity.Entity) any { return e.Name }},
	"target_id":   {Fn: func(e *entity.Entity) any { return e.TargetID }},
	"entity_id":   {Fn: func(e *entity.Entity) any { return e.ID }},
}

// CallbacksFor returns the callbacks attribute configurations of kind k may
// reference: the common ones plus the kind's own.
func CallbacksFor(k Kind) entity.Callbacks {
	cbs := make(entity.Callbacks, len(baseCallbacks))
	for name, cb := range baseCallbacks {
		cbs[name] = cb
	}
	for name, cb := range k.Callbacks() {
		cbs[name] = cb
	}
	return cbs
}
