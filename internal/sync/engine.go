package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	"github.com/xtxerr/adsync/internal/notify"
	"github.com/xtxerr/adsync/internal/secret"
	"github.com/xtxerr/adsync/internal/store"
)

var log = logging.Component("sync")

// =============================================================================
// Sync
// =============================================================================

// Deps are the collaborators of a Sync. ChangeLog, Passwords and Notifier
// are optional.
type Deps struct {
	Source    store.Source
	ChangeLog store.ChangeLog
	Directory directory.Directory
	Passwords secret.Opener
	Notifier  notify.Notifier
}

// Sync reconciles one sync type.
//
// A Sync is driven by one goroutine at a time; FullSync and SyncEntity
// must not run concurrently on the same Sync.
type Sync struct {
	cfg       Config
	kind      Kind
	src       store.Source
	changes   store.ChangeLog
	dir       directory.Directory
	passwords secret.Opener
	notifier  notify.Notifier

	callbacks entity.Callbacks
	nameTmpl  *template.Template
	attrNames []string
	subset    map[string]bool

	// Run state, reset by begin
	entities []*entity.Entity
	byID     map[int64]*entity.Entity
	byName   map[string]*entity.Entity
	byTarget map[string]*entity.Entity
	owners   map[int64][]*entity.Entity
	notices  []notify.Notice
	result   *Result
	primary  lazy[map[int64]int64]
}

// Validate checks cfg for kind without connecting anything. Every problem
// is reported at once.
func Validate(cfg Config, kind Kind) error {
	cfg.applyDefaults(kind)
	_, err := cfg.check(kind, nil)
	return err
}

// New creates a Sync. The configuration is validated eagerly and every
// problem is reported at once.
func New(cfg Config, kind Kind, deps Deps) (*Sync, error) {
	cfg.applyDefaults(kind)
	tmpl, err := cfg.check(kind, func(v *errors.ValidationErrors) {
		if deps.Source == nil {
			v.AddMissing("source")
		}
		if deps.Directory == nil {
			v.AddMissing("directory")
		}
	})
	if err != nil {
		return nil, err
	}
	callbacks := CallbacksFor(kind)

	s := &Sync{
		cfg:       cfg,
		kind:      kind,
		src:       deps.Source,
		changes:   deps.ChangeLog,
		dir:       deps.Directory,
		passwords: deps.Passwords,
		notifier:  deps.Notifier,
		callbacks: callbacks,
		nameTmpl:  tmpl,
		attrNames: cfg.Attributes.Names(),
	}

	if len(cfg.Subset) > 0 {
		s.subset = make(map[string]bool, len(cfg.Subset))
		for _, name := range cfg.Subset {
			target, err := s.formatName(entity.New(0, name, cfg.EntityType))
			if err != nil {
				return nil, fmt.Errorf("sync type %s: subset %q: %w", cfg.Name, name, err)
			}
			s.subset[strings.ToLower(target)] = true
		}
	}

	s.begin(context.Background())
	return s, nil
}

// check validates the configuration, the kind and the callbacks the
// attributes reference. extra adds caller specific checks.
func (c *Config) check(kind Kind, extra func(*errors.ValidationErrors)) (*template.Template, error) {
	tmpl, err := c.validate()

	v := errors.NewValidationErrors()
	if err != nil {
		v.Add(err)
	}
	if extra != nil {
		extra(v)
	}

	if kv, ok := kind.(interface{ Validate() error }); ok {
		if err := kv.Validate(); err != nil {
			v.Add(err)
		}
	}

	callbacks := CallbacksFor(kind)
	for _, a := range c.Attributes {
		if cs, ok := a.Source.(attr.CallbackSource); ok {
			if _, known := callbacks[cs.Name]; !known {
				v.Add(errors.Wrapf(errors.ErrUnknownSource, "attribute %s: callback %q", a.Name, cs.Name))
			}
		}
	}
	if v.HasErrors() {
		return nil, fmt.Errorf("sync type %s: %w", c.Name, v)
	}
	return tmpl, nil
}

// Config returns the effective configuration.
func (s *Sync) Config() Config { return s.cfg }

// Kind returns the kind of the sync type.
func (s *Sync) Kind() Kind { return s.kind }

// Source returns the source store.
func (s *Sync) Source() store.Source { return s.src }

// Directory returns the remote directory.
func (s *Sync) Directory() directory.Directory { return s.dir }

// ChangeLog returns the change log, or nil.
func (s *Sync) ChangeLog() store.ChangeLog { return s.changes }

// Close releases the remote connection.
func (s *Sync) Close() error {
	return s.dir.Close()
}

// =============================================================================
// Full Sync
// =============================================================================

// FullSync reconciles every entity of the sync type with the directory.
//
// Only a failure to begin the enumeration, to load source data or to read
// the enumeration aborts the run. Per-object errors are logged, counted in
// the result and, for permission problems, queued for the administrators.
func (s *Sync) FullSync(ctx context.Context) (*Result, error) {
	ctx = s.runContext(ctx)
	l := logging.FromContext(ctx, log)
	s.begin(ctx)
	res := s.result
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	l.Info("full sync started", "search_ou", s.cfg.SearchOU, "object_class", s.cfg.ObjectClass)

	enum, err := s.dir.BeginEnumerate(ctx, s.Query())
	if err != nil {
		if !errors.Is(err, errors.ErrEnumeration) {
			err = fmt.Errorf("%w: %w", errors.ErrEnumeration, err)
		}
		return res, err
	}
	defer enum.Close()

	if err := s.prepare(ctx, nil); err != nil {
		return res, err
	}
	res.Entities = len(s.entities)

	for {
		obj, err := enum.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.flush(ctx)
			return res, fmt.Errorf("%w: %w", errors.ErrEnumeration, err)
		}
		res.Objects++
		s.processObject(ctx, obj)
	}

	s.createMissing(ctx)
	s.postProcess(ctx)
	s.flush(ctx)

	l.Info("full sync completed",
		"duration", time.Since(res.StartedAt),
		"entities", res.Entities,
		"objects", res.Objects,
		"result", res.String(),
	)
	return res, nil
}

// prepare loads, calculates and resolves the entity cache.
func (s *Sync) prepare(ctx context.Context, ids []int64) error {
	if err := s.kind.Load(ctx, s, ids); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if err := s.kind.Calculate(ctx, s); err != nil {
		return fmt.Errorf("calculate: %w", err)
	}
	s.resolve(ctx)
	return nil
}

func (s *Sync) resolve(ctx context.Context) {
	l := logging.FromContext(ctx, log)
	opts := entity.Options{
		CasePolicy:   s.cfg.CasePolicy,
		DisplayAttrs: s.cfg.DisplayAttributes,
	}
	for _, ent := range s.entities {
		for _, err := range ent.Resolve(s.cfg.Attributes, s.callbacks, opts) {
			l.Warn("attribute not resolved", "entity", ent.Name, "error", err)
		}
	}
}

// createMissing creates every cached entity no remote object matched.
func (s *Sync) createMissing(ctx context.Context) {
	for _, ent := range s.entities {
		if ent.InRemote {
			continue
		}
		if !ent.Active && s.cfg.Deactivated.StopsProcessing() {
			continue
		}
		s.create(ctx, ent)
	}
}

// =============================================================================
// Run State
// =============================================================================

func (s *Sync) runContext(ctx context.Context) context.Context {
	if logging.RunID(ctx) == "" {
		ctx = logging.ContextWithRunID(ctx, uuid.NewString())
	}
	return logging.ContextWithSyncType(ctx, s.cfg.Name)
}

// begin resets the run state.
func (s *Sync) begin(ctx context.Context) {
	s.entities = nil
	s.byID = make(map[int64]*entity.Entity)
	s.byName = make(map[string]*entity.Entity)
	s.byTarget = make(map[string]*entity.Entity)
	s.owners = nil
	s.notices = nil
	s.result = newResult(s.cfg.Name, logging.RunID(ctx))
	s.primary.Reset()
}

// Result returns the result of the current or last run.
func (s *Sync) Result() *Result { return s.result }

// AddEntity adds ent to the cache, formatting its target id and defaulting
// its container. It returns false when the entity is outside the subset or
// its target id is taken.
func (s *Sync) AddEntity(ctx context.Context, ent *entity.Entity) bool {
	target, err := s.formatName(ent)
	if err != nil {
		logging.FromContext(ctx, log).Warn("name format failed", "entity", ent.Name, "error", err)
		s.result.fail(ent.Name, "format_name", err)
		return false
	}
	key := strings.ToLower(target)
	if s.subset != nil && !s.subset[key] {
		return false
	}
	if other, dup := s.byTarget[key]; dup {
		logging.FromContext(ctx, log).Warn("duplicate target id",
			"target_id", target, "entity", ent.ID, "kept", other.ID)
		return false
	}

	ent.TargetID = target
	if ent.TargetOU == "" {
		ent.TargetOU = s.cfg.TargetOU
	}
	ent.Reset()

	s.entities = append(s.entities, ent)
	s.byID[ent.ID] = ent
	s.byName[ent.Name] = ent
	s.byTarget[key] = ent
	return true
}

// Entity returns the cached entity with id.
func (s *Sync) Entity(id int64) *entity.Entity { return s.byID[id] }

// EntityByName returns the cached entity with the source name.
func (s *Sync) EntityByName(name string) *entity.Entity { return s.byName[name] }

// EntityByTarget returns the cached entity matching a remote identifier.
func (s *Sync) EntityByTarget(target string) *entity.Entity {
	return s.byTarget[strings.ToLower(target)]
}

// Entities returns the cache in load order.
func (s *Sync) Entities() []*entity.Entity { return s.entities }

// EntityIDs returns the ids of all cached entities, sorted.
func (s *Sync) EntityIDs() []int64 {
	ids := make([]int64, 0, len(s.entities))
	for _, e := range s.entities {
		ids = append(ids, e.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type nameData struct {
	Name       string
	ID         int64
	EntityType string
	OwnerID    int64
}

func (s *Sync) formatName(ent *entity.Entity) (string, error) {
	var b bytes.Buffer
	err := s.nameTmpl.Execute(&b, nameData{
		Name:       ent.Name,
		ID:         ent.ID,
		EntityType: ent.Type,
		OwnerID:    ent.OwnerID,
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", errors.NewValidation("name_format", "empty target id for "+ent.Name)
	}
	return out, nil
}

// =============================================================================
// Remote Query
// =============================================================================

// Query returns the enumeration scope: the configured attributes plus what
// matching and the kind need.
func (s *Sync) Query() directory.Query {
	want := append([]string(nil), s.attrNames...)
	want = append(want, s.cfg.IdentifierAttribute, directory.AttrEnabled)
	want = append(want, s.kind.Attributes()...)
	if s.cfg.StoreSID {
		want = append(want, directory.AttrObjectSID)
	}

	seen := make(map[string]bool, len(want))
	attrs := make([]string, 0, len(want))
	for _, a := range want {
		k := strings.ToLower(a)
		if seen[k] {
			continue
		}
		seen[k] = true
		attrs = append(attrs, a)
	}

	return directory.Query{
		Container:     s.cfg.SearchOU,
		ObjectClass:   s.cfg.ObjectClass,
		NameAttribute: s.cfg.IdentifierAttribute,
		Attributes:    attrs,
	}
}

// =============================================================================
// Failures and Notifications
// =============================================================================

// failed records a per-object error. Permission problems are queued for the
// administrators.
func (s *Sync) failed(ctx context.Context, object, op string, err error) {
	logging.FromContext(ctx, log).Error("object not reconciled",
		"object", object, "operation", op, "error", err)
	s.result.fail(object, op, err)

	if errors.IsPermissionDenied(err) {
		s.notices = append(s.notices, notify.Notice{
			SyncType:  s.cfg.Name,
			Object:    object,
			Operation: op,
			Err:       err.Error(),
			Time:      time.Now(),
		})
	}
}

// flush sends queued notices as one batch.
func (s *Sync) flush(ctx context.Context) {
	if len(s.notices) == 0 {
		return
	}
	s.result.Notices += len(s.notices)
	notices := s.notices
	s.notices = nil

	if s.notifier == nil {
		notify.LogNotifier{}.Notify(ctx, notices)
		return
	}
	if err := s.notifier.Notify(ctx, notices); err != nil {
		logging.FromContext(ctx, log).Error("notification failed", "notices", len(notices), "error", err)
	}
}
