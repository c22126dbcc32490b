package memdir

import (
	"context"
	"io"
	"testing"

	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/errors"
)

const base = "OU=users,DC=example,DC=org"

func TestCreateConflicts(t *testing.T) {
	ctx := context.Background()
	d := New(base)

	obj := directory.NewObject{Name: "bob", Container: base, ObjectClass: "user"}
	if _, err := d.Create(ctx, obj); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := d.Create(ctx, obj); !errors.IsAlreadyExists(err) {
		t.Errorf("second Create() error = %v, want already exists", err)
	}

	obj.Container = "OU=missing," + base
	if _, err := d.Create(ctx, obj); !errors.IsContainerMissing(err) {
		t.Errorf("Create(missing container) error = %v, want container missing", err)
	}
}

func TestEnumerateFiltersScopeAndAttributes(t *testing.T) {
	ctx := context.Background()
	d := New(base)
	d.Add("CN=a,"+base, "user", map[string][]string{"sAMAccountName": {"a"}, "title": {"x"}, "mail": {"a@x"}})
	d.Add("CN=g,"+base, "group", map[string][]string{"sAMAccountName": {"g"}})
	d.Add("CN=b,OU=other,DC=example,DC=org", "user", map[string][]string{"sAMAccountName": {"b"}})

	e, err := d.BeginEnumerate(ctx, directory.Query{
		Container:     base,
		ObjectClass:   "user",
		NameAttribute: "sAMAccountName",
		Attributes:    []string{"title"},
	})
	if err != nil {
		t.Fatalf("BeginEnumerate() error = %v", err)
	}

	var got []*directory.Object
	for {
		o, err := e.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, o)
	}

	if len(got) != 1 {
		t.Fatalf("enumerated %d objects, want 1", len(got))
	}
	if got[0].Name != "a" {
		t.Errorf("Name = %q, want a", got[0].Name)
	}
	if _, ok := got[0].Get("mail"); ok {
		t.Errorf("unrequested attribute mail was returned")
	}
}

func TestModifyAddRemove(t *testing.T) {
	ctx := context.Background()
	d := New(base)
	dn := "CN=g," + base
	d.Add(dn, "group", map[string][]string{"member": {"b", "c", "d"}})

	err := d.Modify(ctx, dn, []directory.Change{
		{Attr: "member", Op: directory.OpAdd, Values: []string{"a"}},
		{Attr: "member", Op: directory.OpRemove, Values: []string{"d"}},
	})
	if err != nil {
		t.Fatalf("Modify() error = %v", err)
	}

	o, _ := d.Lookup(dn)
	got, _ := o.Get("member")
	if len(got) != 3 || got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Errorf("member = %v, want [b c a]", got)
	}
}

func TestFailOn(t *testing.T) {
	ctx := context.Background()
	d := New(base)
	dn := "CN=a," + base
	d.Add(dn, "user", nil)
	d.FailOn("delete", dn, errors.ErrPermissionDenied)

	if err := d.Delete(ctx, dn); !errors.IsPermissionDenied(err) {
		t.Errorf("Delete() error = %v, want permission denied", err)
	}
	if _, ok := d.Lookup(dn); !ok {
		t.Errorf("object deleted despite failure")
	}
}
