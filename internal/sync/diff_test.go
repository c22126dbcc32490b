package sync

import (
	"testing"

	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/entity"
)

func diffSetup(t *testing.T) attr.Set {
	return compile(t, UserKind{},
		attr.Spec{Name: "SamAccountName", Source: attr.KindCallback, Callback: "entity_name"},
		attr.Spec{Name: "displayName", Source: attr.KindName, Variants: []string{"FULL"}},
		attr.Spec{Name: "proxyAddresses", Source: attr.KindContact, Types: []string{"EMAIL"}, Multivalued: true},
		attr.Spec{Name: "otherTelephone", Source: attr.KindContact, Types: []string{"PHONE"}, Ordered: true},
		attr.Spec{Name: "department", Source: attr.KindContact, Types: []string{"DEPT"}, Spreads: []string{"AD_staff"}},
	)
}

func TestDiff(t *testing.T) {
	set := diffSetup(t)

	tests := []struct {
		name   string
		local  map[string]any
		remote map[string][]string
		want   []directory.Change
	}{
		{
			name:   "nil equals empty string",
			local:  map[string]any{"displayName": nil},
			remote: map[string][]string{"displayName": {""}},
		},
		{
			name:   "nil equals missing",
			local:  map[string]any{"displayName": nil},
			remote: map[string][]string{},
		},
		{
			name:   "empty string equals missing",
			local:  map[string]any{"displayName": ""},
			remote: map[string][]string{},
		},
		{
			name:   "identifier ignores case",
			local:  map[string]any{"SamAccountName": "jdoe"},
			remote: map[string][]string{"sAMAccountName": {"JDoe"}},
		},
		{
			name:   "scalar replaced",
			local:  map[string]any{"displayName": "Jane Doe"},
			remote: map[string][]string{"displayName": {"jane doe"}},
			want:   []directory.Change{directory.Replace("displayName", "Jane Doe")},
		},
		{
			name:   "scalar cleared",
			local:  map[string]any{"displayName": nil},
			remote: map[string][]string{"displayName": {"Jane Doe"}},
			want:   []directory.Change{directory.Replace("displayName")},
		},
		{
			name:   "multivalued minimal",
			local:  map[string]any{"proxyAddresses": []string{"a", "b", "c"}},
			remote: map[string][]string{"proxyAddresses": {"b", "c", "d"}},
			want: []directory.Change{
				{Attr: "proxyAddresses", Op: directory.OpAdd, Values: []string{"a"}},
				{Attr: "proxyAddresses", Op: directory.OpRemove, Values: []string{"d"}},
			},
		},
		{
			name:   "multivalued order independent",
			local:  map[string]any{"proxyAddresses": []string{"a", "b"}},
			remote: map[string][]string{"proxyAddresses": {"b", "a"}},
		},
		{
			name:   "multivalued cleared",
			local:  map[string]any{"proxyAddresses": nil},
			remote: map[string][]string{"proxyAddresses": {"a"}},
			want:   []directory.Change{directory.Replace("proxyAddresses")},
		},
		{
			name:   "ordered replaced whole",
			local:  map[string]any{"otherTelephone": []string{"1", "2"}},
			remote: map[string][]string{"otherTelephone": {"2", "1"}},
			want:   []directory.Change{directory.Replace("otherTelephone", "1", "2")},
		},
		{
			name:   "absent attribute untouched",
			local:  map[string]any{},
			remote: map[string][]string{"department": {"IT"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := entity.New(1, "jdoe", entity.TypeAccount)
			ent.Attributes = tt.local
			obj := &directory.Object{Name: "jdoe", Attributes: tt.remote}

			got := Diff(ent, obj, set, "SamAccountName")
			if !equalChanges(got, tt.want) {
				t.Errorf("Diff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiff_FoldCaseMembers(t *testing.T) {
	set := compile(t, GroupKind{}, attr.Spec{Name: "member", Source: attr.KindMember})
	ent := entity.New(1, "staff", entity.TypeGroup)
	ent.Attributes = map[string]any{"member": []string{"CN=bob,OU=Users,DC=example,DC=org"}}
	obj := &directory.Object{Attributes: map[string][]string{
		"member": {"cn=Bob,ou=users,dc=example,dc=org"},
	}}

	if got := Diff(ent, obj, set, "SamAccountName"); len(got) != 0 {
		t.Errorf("Diff() = %v, want none", got)
	}
}

func TestResolve_SpreadGatedAttributeAbsent(t *testing.T) {
	set := diffSetup(t)
	ent := entity.New(1, "jdoe", entity.TypeAccount)
	ent.Contacts = []entity.ContactInfo{{Type: "DEPT", Value: "IT"}}

	ent.Resolve(set, CallbacksFor(UserKind{}), entity.Options{})

	if _, ok := ent.Attributes["department"]; ok {
		t.Errorf("department present without gating spread")
	}

	ent.Attributes = make(map[string]any)
	ent.Spreads["AD_staff"] = true
	ent.Resolve(set, CallbacksFor(UserKind{}), entity.Options{})
	if got := ent.Attributes["department"]; got != "it" {
		t.Errorf("department = %v, want it", got)
	}
}

func TestTouches(t *testing.T) {
	changes := []directory.Change{directory.Replace("Mail", "x")}
	if !touches(changes, []string{"mail"}) {
		t.Errorf("touches(mail) = false, want true")
	}
	if touches(changes, []string{"displayName"}) {
		t.Errorf("touches(displayName) = true, want false")
	}
}
