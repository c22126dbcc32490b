package ldapdir

import (
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/xtxerr/adsync/internal/directory"
	"github.com/xtxerr/adsync/internal/errors"
)

func TestDecodeSID(t *testing.T) {
	// S-1-5-21-1-2-3-1104
	b := []byte{
		1, 5, 0, 0, 0, 0, 0, 5,
		21, 0, 0, 0,
		1, 0, 0, 0,
		2, 0, 0, 0,
		3, 0, 0, 0,
		0x50, 0x04, 0, 0,
	}
	if got, want := DecodeSID(b), "S-1-5-21-1-2-3-1104"; got != want {
		t.Errorf("DecodeSID() = %q, want %q", got, want)
	}
	if got := DecodeSID([]byte{1, 2}); got != "" {
		t.Errorf("DecodeSID(short) = %q, want empty", got)
	}
}

func TestDecodeGUID(t *testing.T) {
	b := []byte{
		0x33, 0x22, 0x11, 0x00,
		0x55, 0x44,
		0x77, 0x66,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}
	if got, want := DecodeGUID(b), "00112233-4455-6677-8899-aabbccddeeff"; got != want {
		t.Errorf("DecodeGUID() = %q, want %q", got, want)
	}
}

func TestEncodePassword(t *testing.T) {
	got, err := EncodePassword("ab")
	if err != nil {
		t.Fatalf("EncodePassword() error = %v", err)
	}
	want := string([]byte{'"', 0, 'a', 0, 'b', 0, '"', 0})
	if got != want {
		t.Errorf("EncodePassword(ab) = %q, want %q", got, want)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		op   string
		code uint16
		want error
	}{
		{"create", ldap.LDAPResultEntryAlreadyExists, errors.ErrAlreadyExists},
		{"create", ldap.LDAPResultNoSuchObject, errors.ErrContainerMissing},
		{"modify", ldap.LDAPResultNoSuchObject, errors.ErrNotFound},
		{"modify", ldap.LDAPResultInsufficientAccessRights, errors.ErrPermissionDenied},
		{"delete", ldap.ErrorNetwork, errors.ErrTransport},
	}

	for _, tt := range tests {
		err := mapError(tt.op, "CN=x,DC=example", ldap.NewError(tt.code, fmt.Errorf("boom")))
		if !errors.Is(err, tt.want) {
			t.Errorf("mapError(%s, %d) = %v, want %v", tt.op, tt.code, err, tt.want)
		}
	}

	if err := mapError("modify", "CN=x", fmt.Errorf("eof")); !errors.IsTransport(err) {
		t.Errorf("mapError(non-ldap) = %v, want transport error", err)
	}
}

func TestToObjectNameFromDN(t *testing.T) {
	tests := []struct {
		dn   string
		want string
	}{
		{"CN=bob,OU=users,DC=example,DC=org", "bob"},
		{"cn=bob,ou=users,dc=example,dc=org", "bob"},
		{`CN=Doe\, John,OU=users,DC=example,DC=org`, "Doe, John"},
	}

	d := &Dir{}
	q := directory.Query{Container: "DC=example,DC=org", ObjectClass: "user", NameAttribute: "sAMAccountName"}
	for _, tt := range tests {
		o := d.toObject(ldap.NewEntry(tt.dn, map[string][]string{"objectClass": {"user"}}), q)
		if o.Name != tt.want {
			t.Errorf("toObject(%q).Name = %q, want %q", tt.dn, o.Name, tt.want)
		}
	}
}
