package attr

import (
	"testing"

	"github.com/xtxerr/adsync/internal/errors"
)

func strp(s string) *string { return &s }

func TestCompileValid(t *testing.T) {
	set, err := Compile([]Spec{
		{Name: "mail", Source: KindMail, Kind: "primary"},
		{Name: "member", Source: KindMember},
		{Name: "homeDirectory", Source: KindCallback, Callback: "home"},
		{Name: "company", Source: KindStatic, Default: strp("Example")},
		{Name: "mail", Source: KindContact, Types: []string{"EMAIL"}},
	}, map[string]DataClass{"home": DataHome})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	if got := len(set.Names()); got != 4 {
		t.Errorf("len(Names()) = %d, want 4", got)
	}

	needs := set.Needs()
	for _, c := range []DataClass{DataMail, DataMembers, DataHome, DataContact} {
		if !needs.Has(c) {
			t.Errorf("Needs() missing %b", c)
		}
	}
	if needs.Has(DataPosix) {
		t.Errorf("Needs() has DataPosix, want not")
	}

	member, _ := set.Lookup("member")
	if !member.Multivalued || !member.FoldCase {
		t.Errorf("member attribute Multivalued=%v FoldCase=%v, want true, true", member.Multivalued, member.FoldCase)
	}
}

func TestCompileCollectsAllErrors(t *testing.T) {
	_, err := Compile([]Spec{
		{Name: "a", Source: "telepathy"},
		{Name: "b", Source: KindCallback, Callback: "nope"},
		{Name: "c", Source: KindStatic, Default: strp("{{.Name")},
		{Name: "d", Source: KindStatic, Default: strp("x"), Transform: "..[["},
		{Name: "e", Source: KindStatic},
		{Name: "f", Source: KindMail, Kind: "carrier-pigeon"},
	}, nil)
	if err == nil {
		t.Fatal("Compile() error = nil, want error")
	}

	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error %T is not *ValidationErrors", err)
	}
	if got := len(verrs.Errors); got != 6 {
		t.Errorf("len(Errors) = %d, want 6: %v", got, err)
	}
	if !errors.Is(err, errors.ErrUnknownSource) {
		t.Errorf("Is(err, ErrUnknownSource) = false, want true")
	}
}

func TestCompileOrderedImpliesMultivalued(t *testing.T) {
	set, err := Compile([]Spec{{Name: "url", Source: KindContact, Types: []string{"URL"}, Ordered: true}}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if a := set[0]; !a.Multivalued || !a.Ordered {
		t.Errorf("Multivalued=%v Ordered=%v, want true, true", a.Multivalued, a.Ordered)
	}
}

func TestCompileProxyAddressesKeepCase(t *testing.T) {
	set, err := Compile([]Spec{
		{Name: "proxyAddresses", Source: KindMail, Kind: string(MailProxy)},
		{Name: "mail", Source: KindMail, Kind: string(MailPrimary)},
		{Name: "altProxy", Source: KindMail, Kind: string(MailProxy), Case: CaseLower},
	}, nil)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	tests := []struct {
		name string
		want string
	}{
		{"proxyAddresses", CaseKeep},
		{"mail", ""},
		{"altProxy", CaseLower},
	}
	for i, tt := range tests {
		if got := set[i].Case; got != tt.want {
			t.Errorf("%s Case = %q, want %q", tt.name, got, tt.want)
		}
	}
}
