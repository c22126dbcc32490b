// Package directory defines the remote directory capability the sync engine
// drives, together with decorators that add dry-run, throttling and
// instrumentation to any implementation.
//
// Implementations:
//   - ldapdir: Active Directory over LDAP
//   - memdir: in-memory directory used in tests
//
// All mutations are immediately effective on the remote side. Errors are
// reported as wrapped sentinels from internal/errors (ErrAlreadyExists,
// ErrContainerMissing, ErrPermissionDenied, ErrTransport, ...) so callers can
// match them with errors.Is.
package directory

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// AttrEnabled is the pseudo attribute carrying the account enabled flag.
// Implementations derive it from the native representation.
const AttrEnabled = "Enabled"

// AttrObjectSID is the security identifier of an object, in S-1-... form.
const AttrObjectSID = "objectSid"

// AttrPasswordLastSet is "0" on accounts whose password was never set.
const AttrPasswordLastSet = "pwdLastSet"

// Directory is the abstract remote directory.
type Directory interface {
	// BeginEnumerate starts listing objects of q.ObjectClass below
	// q.Container. It returns once the request has been accepted; results
	// are consumed through the returned Enumeration.
	BeginEnumerate(ctx context.Context, q Query) (Enumeration, error)

	// Get looks up a single object by its identifier within q's scope.
	Get(ctx context.Context, q Query, name string) (*Object, error)

	// Create adds a new object. Returns ErrAlreadyExists or
	// ErrContainerMissing wrapped with context.
	Create(ctx context.Context, obj NewObject) (*Object, error)

	Modify(ctx context.Context, dn string, changes []Change) error

	// Move relocates an object to container and returns its new DN.
	Move(ctx context.Context, dn, container string) (string, error)

	Disable(ctx context.Context, dn string) error
	Enable(ctx context.Context, dn string) error
	Delete(ctx context.Context, dn string) error

	// SetPassword sets the account password. A password the directory
	// refuses is reported as ErrPasswordRejected.
	SetPassword(ctx context.Context, dn, password string) error

	// CreateContainer creates an organizational unit.
	CreateContainer(ctx context.Context, dn string) error

	// ExecuteScript runs a named script next to the directory.
	ExecuteScript(ctx context.Context, path string, params map[string]any) error

	Close() error
}

// Enumeration is a finite, non-restartable stream of remote objects.
type Enumeration interface {
	// Next returns the next object or io.EOF when the stream is exhausted.
	Next(ctx context.Context) (*Object, error)
	Close() error
}

// Query scopes an enumeration or lookup.
type Query struct {
	Container   string
	ObjectClass string
	// NameAttribute is the attribute objects are identified by.
	NameAttribute string
	// Attributes lists the attributes to fetch. NameAttribute is always
	// fetched.
	Attributes []string
}

// NewObject describes an object to create.
type NewObject struct {
	// Name is the RDN value (CN) and the identifier of the returned object.
	Name        string
	Container   string
	ObjectClass string
	Attributes  map[string][]string
}

// DN returns the distinguished name the object will get.
func (n NewObject) DN() string {
	return "CN=" + EscapeRDN(n.Name) + "," + n.Container
}

// Object is a remote object as returned by the directory.
type Object struct {
	Name       string
	DN         string
	GUID       string
	Attributes map[string][]string
}

// Get returns the values of attr, matching the key case-insensitively.
func (o *Object) Get(attr string) ([]string, bool) {
	if v, ok := o.Attributes[attr]; ok {
		return v, true
	}
	for k, v := range o.Attributes {
		if strings.EqualFold(k, attr) {
			return v, true
		}
	}
	return nil, false
}

// First returns the first value of attr or "".
func (o *Object) First(attr string) string {
	v, _ := o.Get(attr)
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Container returns the parent DN of the object.
func (o *Object) Container() string {
	return ParentDN(o.DN)
}

// Enabled reports the enabled flag. known is false when the object does not
// carry one (groups, contacts).
func (o *Object) Enabled() (enabled, known bool) {
	v, ok := o.Get(AttrEnabled)
	if !ok || len(v) == 0 {
		return false, false
	}
	return strings.EqualFold(v[0], "true"), true
}

// ============================================================================
// Changes
// ============================================================================

// Op is the kind of an attribute change.
type Op int

const (
	// OpReplace replaces all values. An empty value list clears the attribute.
	OpReplace Op = iota
	// OpAdd adds values to a multivalued attribute.
	OpAdd
	// OpRemove removes values from a multivalued attribute.
	OpRemove
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpReplace:
		return "replace"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one attribute modification.
type Change struct {
	Attr   string
	Op     Op
	Values []string
}

// Replace builds a full-replace change.
func Replace(attr string, values ...string) Change {
	return Change{Attr: attr, Op: OpReplace, Values: values}
}

// ============================================================================
// DN helpers
// ============================================================================

// ParentDN returns dn without its first RDN, or "" when dn has no parent
// or does not parse.
func ParentDN(dn string) string {
	d, err := ldap.ParseDN(dn)
	if err != nil || len(d.RDNs) < 2 {
		return ""
	}
	parts := make([]string, len(d.RDNs)-1)
	for i, rdn := range d.RDNs[1:] {
		parts[i] = formatRDN(rdn)
	}
	return strings.Join(parts, ",")
}

// RDN returns the first component of dn. A dn that does not parse is
// returned unchanged.
func RDN(dn string) string {
	d, err := ldap.ParseDN(dn)
	if err != nil || len(d.RDNs) == 0 {
		return dn
	}
	return formatRDN(d.RDNs[0])
}

// RDNValue returns the unescaped value of the first component of dn.
func RDNValue(dn string) string {
	d, err := ldap.ParseDN(dn)
	if err != nil || len(d.RDNs) == 0 || len(d.RDNs[0].Attributes) == 0 {
		return ""
	}
	return d.RDNs[0].Attributes[0].Value
}

// formatRDN renders rdn keeping the attribute type as written.
func formatRDN(rdn *ldap.RelativeDN) string {
	attrs := make([]string, len(rdn.Attributes))
	for i, a := range rdn.Attributes {
		attrs[i] = a.Type + "=" + EscapeRDN(a.Value)
	}
	return strings.Join(attrs, "+")
}

// SameDN compares two DNs ignoring case and spacing around separators.
func SameDN(a, b string) bool {
	da, errA := ldap.ParseDN(a)
	db, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return da.EqualFold(db)
}

// HasSuffixDN reports whether dn lies in (or is) container.
func HasSuffixDN(dn, container string) bool {
	c, err := ldap.ParseDN(container)
	if err != nil || len(c.RDNs) == 0 {
		return false
	}
	d, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return c.EqualFold(d) || c.AncestorOfFold(d)
}

// EscapeRDN escapes the characters that are special in an RDN value.
func EscapeRDN(v string) string {
	var b strings.Builder
	for i, r := range v {
		switch r {
		case ',', '+', '"', '\\', '<', '>', ';', '=':
			b.WriteByte('\\')
		case '#', ' ':
			if i == 0 {
				b.WriteByte('\\')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
