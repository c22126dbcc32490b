package directory

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/xtxerr/adsync/internal/logging"
)

// ============================================================================
// Dry run
// ============================================================================

type dryRun struct {
	Directory
	log *slog.Logger
}

// DryRun wraps d so that reads pass through and writes are only logged.
func DryRun(d Directory) Directory {
	return &dryRun{Directory: d, log: logging.Component("directory.dryrun")}
}

func (d *dryRun) Create(ctx context.Context, obj NewObject) (*Object, error) {
	d.log.Info("would create", "dn", obj.DN(), "class", obj.ObjectClass, "attributes", len(obj.Attributes))
	attrs := make(map[string][]string, len(obj.Attributes))
	for k, v := range obj.Attributes {
		attrs[k] = v
	}
	return &Object{Name: obj.Name, DN: obj.DN(), Attributes: attrs}, nil
}

func (d *dryRun) Modify(ctx context.Context, dn string, changes []Change) error {
	for _, c := range changes {
		d.log.Info("would modify", "dn", dn, "attribute", c.Attr, "op", c.Op.String(), "values", c.Values)
	}
	return nil
}

func (d *dryRun) Move(ctx context.Context, dn, container string) (string, error) {
	d.log.Info("would move", "dn", dn, "container", container)
	return RDN(dn) + "," + container, nil
}

func (d *dryRun) Disable(ctx context.Context, dn string) error {
	d.log.Info("would disable", "dn", dn)
	return nil
}

func (d *dryRun) Enable(ctx context.Context, dn string) error {
	d.log.Info("would enable", "dn", dn)
	return nil
}

func (d *dryRun) Delete(ctx context.Context, dn string) error {
	d.log.Info("would delete", "dn", dn)
	return nil
}

func (d *dryRun) SetPassword(ctx context.Context, dn, password string) error {
	d.log.Info("would set password", "dn", dn)
	return nil
}

func (d *dryRun) CreateContainer(ctx context.Context, dn string) error {
	d.log.Info("would create container", "dn", dn)
	return nil
}

func (d *dryRun) ExecuteScript(ctx context.Context, path string, params map[string]any) error {
	d.log.Info("would execute script", "path", path, "params", len(params))
	return nil
}

// ============================================================================
// Throttling
// ============================================================================

type throttled struct {
	Directory
	limiter *rate.Limiter
}

// Throttled limits remote mutations to perSecond operations per second.
// Reads and enumeration are not throttled. A non-positive rate returns d.
func Throttled(d Directory, perSecond float64) Directory {
	if perSecond <= 0 {
		return d
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &throttled{Directory: d, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *throttled) Create(ctx context.Context, obj NewObject) (*Object, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Directory.Create(ctx, obj)
}

func (t *throttled) Modify(ctx context.Context, dn string, changes []Change) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Directory.Modify(ctx, dn, changes)
}

func (t *throttled) Move(ctx context.Context, dn, container string) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.Directory.Move(ctx, dn, container)
}

func (t *throttled) Disable(ctx context.Context, dn string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Directory.Disable(ctx, dn)
}

func (t *throttled) Enable(ctx context.Context, dn string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Directory.Enable(ctx, dn)
}

func (t *throttled) Delete(ctx context.Context, dn string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Directory.Delete(ctx, dn)
}

func (t *throttled) SetPassword(ctx context.Context, dn, password string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.Directory.SetPassword(ctx, dn, password)
}

// ============================================================================
// Instrumentation
// ============================================================================

// Recorder receives one call per remote operation.
type Recorder interface {
	Observe(op, dn string, elapsed time.Duration, err error)
}

type instrumented struct {
	Directory
	rec Recorder
}

// Instrumented reports every remote operation of d to rec.
func Instrumented(d Directory, rec Recorder) Directory {
	if rec == nil {
		return d
	}
	return &instrumented{Directory: d, rec: rec}
}

func (i *instrumented) observe(op, dn string, start time.Time, err error) {
	i.rec.Observe(op, dn, time.Since(start), err)
}

func (i *instrumented) BeginEnumerate(ctx context.Context, q Query) (Enumeration, error) {
	start := time.Now()
	e, err := i.Directory.BeginEnumerate(ctx, q)
	i.observe("enumerate", q.Container, start, err)
	return e, err
}

func (i *instrumented) Get(ctx context.Context, q Query, name string) (*Object, error) {
	start := time.Now()
	o, err := i.Directory.Get(ctx, q, name)
	i.observe("get", name, start, err)
	return o, err
}

func (i *instrumented) Create(ctx context.Context, obj NewObject) (*Object, error) {
	start := time.Now()
	o, err := i.Directory.Create(ctx, obj)
	i.observe("create", obj.DN(), start, err)
	return o, err
}

func (i *instrumented) Modify(ctx context.Context, dn string, changes []Change) error {
	start := time.Now()
	err := i.Directory.Modify(ctx, dn, changes)
	i.observe("modify", dn, start, err)
	return err
}

func (i *instrumented) Move(ctx context.Context, dn, container string) (string, error) {
	start := time.Now()
	newDN, err := i.Directory.Move(ctx, dn, container)
	i.observe("move", dn, start, err)
	return newDN, err
}

func (i *instrumented) Disable(ctx context.Context, dn string) error {
	start := time.Now()
	err := i.Directory.Disable(ctx, dn)
	i.observe("disable", dn, start, err)
	return err
}

func (i *instrumented) Enable(ctx context.Context, dn string) error {
	start := time.Now()
	err := i.Directory.Enable(ctx, dn)
	i.observe("enable", dn, start, err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, dn string) error {
	start := time.Now()
	err := i.Directory.Delete(ctx, dn)
	i.observe("delete", dn, start, err)
	return err
}

func (i *instrumented) SetPassword(ctx context.Context, dn, password string) error {
	start := time.Now()
	err := i.Directory.SetPassword(ctx, dn, password)
	i.observe("set_password", dn, start, err)
	return err
}

func (i *instrumented) CreateContainer(ctx context.Context, dn string) error {
	start := time.Now()
	err := i.Directory.CreateContainer(ctx, dn)
	i.observe("create_container", dn, start, err)
	return err
}

func (i *instrumented) ExecuteScript(ctx context.Context, path string, params map[string]any) error {
	start := time.Now()
	err := i.Directory.ExecuteScript(ctx, path, params)
	i.observe("execute_script", path, start, err)
	return err
}
