package entity

import (
	"reflect"
	"testing"

	"github.com/xtxerr/adsync/internal/attr"
)

func strp(s string) *string { return &s }

func compile(t *testing.T, cbs Callbacks, specs ...attr.Spec) attr.Set {
	t.Helper()
	set, err := attr.Compile(specs, cbs.Needs())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return set
}

func TestResolveFirstWriterWins(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Contacts = []ContactInfo{
		{Type: "PHONE", SourceSystem: "SAP", Value: "111"},
		{Type: "MOBILE", SourceSystem: "FS", Value: "222"},
	}

	set := compile(t, nil,
		attr.Spec{Name: "telephoneNumber", Source: attr.KindContact, Types: []string{"PHONE"}},
		attr.Spec{Name: "telephoneNumber", Source: attr.KindContact, Types: []string{"MOBILE"}},
	)

	e.Resolve(set, nil, Options{})
	if got := e.Attributes["telephoneNumber"]; got != "111" {
		t.Errorf("telephoneNumber = %v, want 111", got)
	}

	// resolving again with a different configuration keeps the first value
	other := compile(t, nil, attr.Spec{Name: "telephoneNumber", Source: attr.KindContact, Types: []string{"MOBILE"}})
	e.Resolve(other, nil, Options{})
	if got := e.Attributes["telephoneNumber"]; got != "111" {
		t.Errorf("telephoneNumber after second resolve = %v, want 111", got)
	}

	e.Resolve(other, nil, Options{Force: true})
	if got := e.Attributes["telephoneNumber"]; got != "222" {
		t.Errorf("telephoneNumber after forced resolve = %v, want 222", got)
	}
}

func TestResolveFallbackChain(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Contacts = []ContactInfo{{Type: "MOBILE", SourceSystem: "FS", Value: "222"}}

	set := compile(t, nil,
		attr.Spec{Name: "telephoneNumber", Source: attr.KindContact, Types: []string{"PHONE"}},
		attr.Spec{Name: "telephoneNumber", Source: attr.KindContact, Types: []string{"MOBILE"}},
	)
	e.Resolve(set, nil, Options{})
	if got := e.Attributes["telephoneNumber"]; got != "222" {
		t.Errorf("telephoneNumber = %v, want 222", got)
	}
}

func TestResolveSpreadGateLeavesAbsent(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Mail = &MailInfo{Primary: "bob@example.org"}

	set := compile(t, nil, attr.Spec{
		Name: "mail", Source: attr.KindMail, Kind: "primary", Spreads: []string{"exchange_acc"},
	})

	e.Resolve(set, nil, Options{})
	if _, ok := e.Attributes["mail"]; ok {
		t.Errorf("gated attribute mail is present: %v", e.Attributes["mail"])
	}

	e.Spreads["exchange_acc"] = true
	e.Resolve(set, nil, Options{})
	if got := e.Attributes["mail"]; got != "bob@example.org" {
		t.Errorf("mail = %v, want bob@example.org", got)
	}
}

func TestResolveMissingValueIsExplicitNil(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	set := compile(t, nil, attr.Spec{Name: "title", Source: attr.KindTrait, Traits: []string{"title"}})

	e.Resolve(set, nil, Options{})
	v, ok := e.Attributes["title"]
	if !ok || v != nil {
		t.Errorf("title = %v (present %v), want explicit nil", v, ok)
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.ExternalIDs = []ExternalID{
		{Type: "NO_BIRTHNO", SourceSystem: "FS", Value: "fs-id"},
		{Type: "NO_BIRTHNO", SourceSystem: "SAP", Value: "sap-id"},
	}

	set := compile(t, nil, attr.Spec{
		Name: "employeeNumber", Source: attr.KindExternalID,
		Types: []string{"NO_BIRTHNO"}, SourceSystems: []string{"SAP", "FS"},
	})
	e.Resolve(set, nil, Options{})
	if got := e.Attributes["employeeNumber"]; got != "sap-id" {
		t.Errorf("employeeNumber = %v, want sap-id", got)
	}
}

func TestResolveNames(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Names = []Name{
		{Variant: "FIRST", SourceSystem: "FS", Value: "Robert"},
		{Variant: "FIRST", SourceSystem: "Cached", Value: "Bob"},
		{Variant: "DESC", Language: "en", Value: "Staff"},
		{Variant: "DESC", Language: "nb", Value: "Ansatt"},
	}

	set := compile(t, nil,
		attr.Spec{Name: "givenName", Source: attr.KindName, Variants: []string{"FIRST"}, SourceSystems: []string{"Cached", "FS"}},
		attr.Spec{Name: "description", Source: attr.KindName, Variants: []string{"DESC"}, Languages: []string{"nb", "en"}},
	)
	e.Resolve(set, nil, Options{DisplayAttrs: []string{"givenName", "description"}})

	if got := e.Attributes["givenName"]; got != "Bob" {
		t.Errorf("givenName = %v, want Bob", got)
	}
	if got := e.Attributes["description"]; got != "Ansatt" {
		t.Errorf("description = %v, want Ansatt", got)
	}
}

func TestResolveTrimAndCase(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Contacts = []ContactInfo{{Type: "EMAIL", Value: "  Bob@Example.ORG "}}
	e.Names = []Name{{Variant: "LAST", Value: " Builder "}}

	set := compile(t, nil,
		attr.Spec{Name: "otherMailbox", Source: attr.KindContact, Types: []string{"EMAIL"}},
		attr.Spec{Name: "sn", Source: attr.KindName, Variants: []string{"LAST"}},
		attr.Spec{Name: "extensionName", Source: attr.KindName, Variants: []string{"LAST"}, Case: attr.CaseUpper},
	)
	e.Resolve(set, nil, Options{DisplayAttrs: []string{"sn"}})

	if got := e.Attributes["otherMailbox"]; got != "bob@example.org" {
		t.Errorf("otherMailbox = %q, want bob@example.org", got)
	}
	if got := e.Attributes["sn"]; got != "Builder" {
		t.Errorf("sn = %q, want Builder", got)
	}
	if got := e.Attributes["extensionName"]; got != "BUILDER" {
		t.Errorf("extensionName = %q, want BUILDER", got)
	}
}

func TestResolveDefaultTemplate(t *testing.T) {
	e := New(42, "bob", TypeAccount)
	e.TargetID = "bob"
	e.TargetOU = "OU=users,DC=example,DC=org"

	set := compile(t, nil,
		attr.Spec{Name: "userPrincipalName", Source: attr.KindStatic, Default: strp("{{.TargetID}}@example.org")},
		attr.Spec{Name: "info", Source: attr.KindStatic, Default: strp("id {{.ID}} in {{.OU}}"), Case: attr.CaseKeep},
	)
	e.Resolve(set, nil, Options{})

	if got := e.Attributes["userPrincipalName"]; got != "bob@example.org" {
		t.Errorf("userPrincipalName = %v", got)
	}
	if got := e.Attributes["info"]; got != "id 42 in OU=users,DC=example,DC=org" {
		t.Errorf("info = %v", got)
	}
}

func TestResolveCallbacksAndTransform(t *testing.T) {
	cbs := Callbacks{
		"uid":     {Fn: func(e *Entity) any { return e.ID }},
		"enabled": {Fn: func(e *Entity) any { return e.Active }},
	}
	e := New(7, "bob", TypeAccount)

	set := compile(t, cbs,
		attr.Spec{Name: "uidNumber", Source: attr.KindCallback, Callback: "uid", Transform: `tonumber + 1000 | tostring`},
		attr.Spec{Name: "flag", Source: attr.KindCallback, Callback: "enabled"},
	)
	if errs := e.Resolve(set, cbs, Options{}); len(errs) != 0 {
		t.Fatalf("Resolve() errors = %v", errs)
	}

	if got := e.Attributes["uidNumber"]; got != "1007" {
		t.Errorf("uidNumber = %v, want 1007", got)
	}
	if got := e.Attributes["flag"]; got != "true" {
		t.Errorf("flag = %v, want true", got)
	}
}

func TestResolveMultivalued(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Mail = &MailInfo{Primary: "bob@example.org", Addresses: []string{"bob@example.org", "robert@example.org"}}

	set := compile(t, nil, attr.Spec{Name: "proxyAddresses", Source: attr.KindMail, Kind: "proxy", Case: attr.CaseKeep, Multivalued: true})
	e.Resolve(set, nil, Options{})

	want := []string{"SMTP:bob@example.org", "smtp:robert@example.org"}
	if got := e.Attributes["proxyAddresses"]; !reflect.DeepEqual(got, want) {
		t.Errorf("proxyAddresses = %v, want %v", got, want)
	}
}

func TestResolveOnlyConfiguredKeys(t *testing.T) {
	e := New(1, "bob", TypeAccount)
	e.Mail = &MailInfo{Primary: "bob@example.org"}
	set := compile(t, nil, attr.Spec{Name: "mail", Source: attr.KindMail, Kind: "primary"})

	e.Resolve(set, nil, Options{})
	for k := range e.Attributes {
		if !set.Has(k) {
			t.Errorf("unconfigured attribute %q resolved", k)
		}
	}
}

func TestResolveProxyAddressesKeepCase(t *testing.T) {
	cbs := Callbacks{
		"target": {Fn: func(e *Entity) any { return "SMTP:" + e.Mail.Target }, KeepCase: true},
		"plain":  {Fn: func(e *Entity) any { return "SMTP:" + e.Mail.Target }},
	}
	e := New(1, "bob", TypeAccount)
	e.Mail = &MailInfo{
		Primary:   "bob@example.org",
		Addresses: []string{"robert@example.org"},
		Target:    "list@lists.example.org",
	}

	set := compile(t, cbs,
		attr.Spec{Name: "proxyAddresses", Source: attr.KindMail, Kind: string(attr.MailProxy), Multivalued: true},
		attr.Spec{Name: "targetAddress", Source: attr.KindCallback, Callback: "target"},
		attr.Spec{Name: "info", Source: attr.KindCallback, Callback: "plain"},
	)
	if errs := e.Resolve(set, cbs, Options{CasePolicy: attr.CaseLower}); len(errs) != 0 {
		t.Fatalf("Resolve() errors = %v", errs)
	}

	want := []string{"SMTP:bob@example.org", "smtp:robert@example.org"}
	if got := e.Attributes["proxyAddresses"]; !reflect.DeepEqual(got, want) {
		t.Errorf("proxyAddresses = %v, want %v", got, want)
	}
	if got := e.Attributes["targetAddress"]; got != "SMTP:list@lists.example.org" {
		t.Errorf("targetAddress = %v, want SMTP:list@lists.example.org", got)
	}
	if got := e.Attributes["info"]; got != "smtp:list@lists.example.org" {
		t.Errorf("info = %v, want smtp:list@lists.example.org", got)
	}
}
