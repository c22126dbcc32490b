// Package memdir is an in-memory directory.Directory that records every
// mutation. It backs the sync and quicksync tests and the dry-run smoke
// test of the CLI.
package memdir

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/errors"
)

// Mutation is one recorded remote write.
type Mutation struct {
	Op      string
	DN      string
	Target  string
	Changes []directory.Change
}

// String renders the mutation for test failure messages.
func (m Mutation) String() string {
	if m.Target != "" {
		return fmt.Sprintf("%s %s -> %s", m.Op, m.DN, m.Target)
	}
	return fmt.Sprintf("%s %s", m.Op, m.DN)
}

// Script is one recorded script execution.
type Script struct {
	Path   string
	Params map[string]any
}

type entry struct {
	dn    string
	class string
	attrs map[string][]string
}

// Dir is the in-memory directory. The zero value is not usable; use New.
type Dir struct {
	mu         sync.Mutex
	objects    map[string]*entry
	containers map[string]bool
	failures   map[string]error

	mutations []Mutation
	passwords map[string]string
	scripts   []Script
	closed    bool
}

// New creates an empty directory with the given containers already present.
func New(containers ...string) *Dir {
	d := &Dir{
		objects:    make(map[string]*entry),
		containers: make(map[string]bool),
		failures:   make(map[string]error),
		passwords:  make(map[string]string),
	}
	for _, c := range containers {
		d.containers[key(c)] = true
	}
	return d
}

func key(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.ToLower(strings.Join(parts, ","))
}

// Add seeds an object without recording a mutation. Attribute values are
// stored as given; pass directory.AttrEnabled for accounts.
func (d *Dir) Add(dn, class string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		cp[k] = append([]string(nil), v...)
	}
	d.objects[key(dn)] = &entry{dn: dn, class: class, attrs: cp}
	d.containers[key(directory.ParentDN(dn))] = true
}

// FailOn makes the next operations of kind op on dn fail with err.
// op is one of create, modify, move, disable, enable, delete, set_password,
// enumerate.
func (d *Dir) FailOn(op, dn string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op+"|"+key(dn)] = err
}

func (d *Dir) failure(op, dn string) error {
	return d.failures[op+"|"+key(dn)]
}

func (d *Dir) record(m Mutation) {
	d.mutations = append(d.mutations, m)
}

// Mutations returns every recorded write in order.
func (d *Dir) Mutations() []Mutation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Mutation(nil), d.mutations...)
}

// ResetMutations forgets recorded writes.
func (d *Dir) ResetMutations() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutations = nil
	d.scripts = nil
}

// Scripts returns every recorded script execution.
func (d *Dir) Scripts() []Script {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Script(nil), d.scripts...)
}

// Password returns the last password set on dn.
func (d *Dir) Password(dn string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pw, ok := d.passwords[key(dn)]
	return pw, ok
}

// Lookup returns a copy of the object at dn.
func (d *Dir) Lookup(dn string) (*directory.Object, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.objects[key(dn)]
	if !ok {
		return nil, false
	}
	return e.object("", nil), true
}

// Find returns the object whose attr equals value case-insensitively.
func (d *Dir) Find(attr, value string) (*directory.Object, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.objects {
		if o := e.object(attr, nil); strings.EqualFold(o.First(attr), value) {
			return o, true
		}
	}
	return nil, false
}

// Closed reports whether Close was called.
func (d *Dir) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (e *entry) object(nameAttr string, want []string) *directory.Object {
	o := &directory.Object{DN: e.dn, Attributes: make(map[string][]string)}
	for k, v := range e.attrs {
		if want != nil && !contains(want, k) && !strings.EqualFold(k, nameAttr) {
			continue
		}
		o.Attributes[k] = append([]string(nil), v...)
	}
	if nameAttr != "" {
		if v, ok := o.Get(nameAttr); ok && len(v) > 0 {
			o.Name = v[0]
		}
	}
	if o.Name == "" {
		o.Name = directory.RDNValue(e.dn)
	}
	return o
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ============================================================================
// directory.Directory
// ============================================================================

type enumeration struct {
	objects []*directory.Object
	pos     int
}

func (e *enumeration) Next(ctx context.Context) (*directory.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.pos >= len(e.objects) {
		return nil, io.EOF
	}
	o := e.objects[e.pos]
	e.pos++
	return o, nil
}

func (e *enumeration) Close() error { return nil }

// BeginEnumerate snapshots the matching objects in DN order.
func (d *Dir) BeginEnumerate(ctx context.Context, q directory.Query) (directory.Enumeration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure("enumerate", q.Container); err != nil {
		return nil, err
	}

	var objs []*directory.Object
	for _, e := range d.objects {
		if !strings.EqualFold(e.class, q.ObjectClass) || !directory.HasSuffixDN(e.dn, q.Container) {
			continue
		}
		objs = append(objs, e.object(q.NameAttribute, q.Attributes))
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].DN < objs[j].DN })
	return &enumeration{objects: objs}, nil
}

func (d *Dir) Get(ctx context.Context, q directory.Query, name string) (*directory.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.objects {
		if !strings.EqualFold(e.class, q.ObjectClass) || !directory.HasSuffixDN(e.dn, q.Container) {
			continue
		}
		if o := e.object(q.NameAttribute, q.Attributes); strings.EqualFold(o.Name, name) {
			return o, nil
		}
	}
	return nil, errors.NewNotFound("object", name)
}

func (d *Dir) Create(ctx context.Context, obj directory.NewObject) (*directory.Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dn := obj.DN()
	if err := d.failure("create", dn); err != nil {
		return nil, err
	}
	if _, ok := d.objects[key(dn)]; ok {
		return nil, errors.NewAlreadyExists("object", dn)
	}
	if !d.containers[key(obj.Container)] {
		return nil, errors.Wrapf(errors.ErrContainerMissing, "create %s", dn)
	}

	attrs := make(map[string][]string, len(obj.Attributes)+1)
	for k, v := range obj.Attributes {
		if len(v) > 0 {
			attrs[k] = append([]string(nil), v...)
		}
	}
	if strings.EqualFold(obj.ObjectClass, "user") || strings.EqualFold(obj.ObjectClass, "computer") {
		attrs[directory.AttrEnabled] = []string{"FALSE"}
		attrs[directory.AttrPasswordLastSet] = []string{"0"}
	}
	e := &entry{dn: dn, class: obj.ObjectClass, attrs: attrs}
	d.objects[key(dn)] = e
	d.record(Mutation{Op: "create", DN: dn})

	o := e.object("", nil)
	o.Name = obj.Name
	return o, nil
}

func (d *Dir) Modify(ctx context.Context, dn string, changes []directory.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure("modify", dn); err != nil {
		return err
	}
	e, ok := d.objects[key(dn)]
	if !ok {
		return errors.NewNotFound("object", dn)
	}

	for _, c := range changes {
		name := c.Attr
		for k := range e.attrs {
			if strings.EqualFold(k, c.Attr) {
				name = k
			}
		}
		switch c.Op {
		case directory.OpReplace:
			if len(c.Values) == 0 {
				delete(e.attrs, name)
			} else {
				e.attrs[name] = append([]string(nil), c.Values...)
			}
		case directory.OpAdd:
			e.attrs[name] = append(e.attrs[name], c.Values...)
		case directory.OpRemove:
			var kept []string
			for _, v := range e.attrs[name] {
				if !contains(c.Values, v) {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(e.attrs, name)
			} else {
				e.attrs[name] = kept
			}
		}
	}
	d.record(Mutation{Op: "modify", DN: e.dn, Changes: append([]directory.Change(nil), changes...)})
	return nil
}

func (d *Dir) Move(ctx context.Context, dn, container string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure("move", dn); err != nil {
		return "", err
	}
	e, ok := d.objects[key(dn)]
	if !ok {
		return "", errors.NewNotFound("object", dn)
	}
	if !d.containers[key(container)] {
		return "", errors.Wrapf(errors.ErrContainerMissing, "move %s", dn)
	}

	delete(d.objects, key(dn))
	e.dn = directory.RDN(e.dn) + "," + container
	d.objects[key(e.dn)] = e
	d.record(Mutation{Op: "move", DN: dn, Target: container})
	return e.dn, nil
}

func (d *Dir) setEnabled(op, dn, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure(op, dn); err != nil {
		return err
	}
	e, ok := d.objects[key(dn)]
	if !ok {
		return errors.NewNotFound("object", dn)
	}
	e.attrs[directory.AttrEnabled] = []string{value}
	d.record(Mutation{Op: op, DN: e.dn})
	return nil
}

func (d *Dir) Disable(ctx context.Context, dn string) error {
	return d.setEnabled("disable", dn, "FALSE")
}

func (d *Dir) Enable(ctx context.Context, dn string) error {
	return d.setEnabled("enable", dn, "TRUE")
}

func (d *Dir) Delete(ctx context.Context, dn string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure("delete", dn); err != nil {
		return err
	}
	if _, ok := d.objects[key(dn)]; !ok {
		return errors.NewNotFound("object", dn)
	}
	delete(d.objects, key(dn))
	d.record(Mutation{Op: "delete", DN: dn})
	return nil
}

func (d *Dir) SetPassword(ctx context.Context, dn, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failure("set_password", dn); err != nil {
		return err
	}
	if _, ok := d.objects[key(dn)]; !ok {
		return errors.NewNotFound("object", dn)
	}
	d.passwords[key(dn)] = password
	d.objects[key(dn)].attrs[directory.AttrPasswordLastSet] = []string{"1"}
	d.record(Mutation{Op: "set_password", DN: dn})
	return nil
}

func (d *Dir) CreateContainer(ctx context.Context, dn string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.containers[key(dn)] {
		return errors.NewAlreadyExists("container", dn)
	}
	if parent := directory.ParentDN(dn); !strings.HasPrefix(strings.ToLower(parent), "dc=") && !d.containers[key(parent)] {
		return errors.Wrapf(errors.ErrContainerMissing, "create container %s", dn)
	}
	d.containers[key(dn)] = true
	d.record(Mutation{Op: "create_container", DN: dn})
	return nil
}

func (d *Dir) ExecuteScript(ctx context.Context, path string, params map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, Script{Path: path, Params: params})
	return nil
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

var _ directory.Directory = (*Dir)(nil)
