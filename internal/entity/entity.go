// Package entity is the in-memory cache of source entities for one sync run.
//
// An Entity carries everything needed to compute its target attributes:
// identity, state flags, spreads and the auxiliary data bags fetched from
// the source store. Resolve turns that data into the Attributes map
// according to an attr.Set.
package entity

import (
	"strings"
	"time"

	"github.com/xtxerr/adsync/internal/directory"
)

// Entity types.
const (
	TypeAccount  = "account"
	TypeGroup    = "group"
	TypeHost     = "host"
	TypeMailList = "email_target"
	TypePerson   = "person"
)

// Entity is one source entity bound for the directory.
type Entity struct {
	ID        int64
	Name      string
	TargetID  string
	Type      string
	OwnerID   int64
	OwnerType string

	// Active is false when the entity is quarantined.
	Active bool

	// Run state; reset every run.
	InRemote     bool
	NewlyCreated bool
	DN           string

	TargetOU string

	// Attributes holds resolved values: nil (clear), string or []string.
	// Only configured attribute names are ever present.
	Attributes map[string]any

	// Changes is the pending diff against the remote object.
	Changes []directory.Change

	Spreads     map[string]bool
	Contacts    []ContactInfo
	Names       []Name
	ExternalIDs []ExternalID
	Addresses   []Address
	Traits      map[string]Trait

	Mail  *MailInfo
	Posix *PosixInfo
	Home  *HomeInfo

	// Members holds the remote identifiers (DNs) of group members.
	Members []string

	// StoredSID is the remote SID last written back to the source store.
	StoredSID string
}

// New creates an active entity.
func New(id int64, name, typ string) *Entity {
	return &Entity{
		ID:         id,
		Name:       name,
		TargetID:   name,
		Type:       typ,
		Active:     true,
		Attributes: make(map[string]any),
		Spreads:    make(map[string]bool),
		Traits:     make(map[string]Trait),
	}
}

// HasSpread reports whether the entity has spread.
func (e *Entity) HasSpread(spread string) bool {
	return e.Spreads[spread]
}

// HasAnySpread reports whether the entity has at least one of spreads.
func (e *Entity) HasAnySpread(spreads []string) bool {
	for _, s := range spreads {
		if e.Spreads[s] {
			return true
		}
	}
	return false
}

// Reset clears the per-run state.
func (e *Entity) Reset() {
	e.InRemote = false
	e.NewlyCreated = false
	e.DN = ""
	e.Changes = nil
}

// Attribute returns the resolved value of name, matching case-insensitively.
func (e *Entity) Attribute(name string) (any, bool) {
	if v, ok := e.Attributes[name]; ok {
		return v, true
	}
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Values returns the resolved value of name as a string list.
func (e *Entity) Values(name string) []string {
	v, _ := e.Attribute(name)
	return AsStrings(v)
}

// AsStrings converts a resolved value into its string list form.
func AsStrings(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	default:
		return nil
	}
}

// ============================================================================
// Auxiliary data
// ============================================================================

// ContactInfo is one contact value.
type ContactInfo struct {
	Type         string
	SourceSystem string
	Value        string
	Pref         int
}

// Name is a person name variant or a localized entity name.
type Name struct {
	Variant      string
	Language     string
	SourceSystem string
	Value        string
}

// ExternalID is an id the entity has in another system.
type ExternalID struct {
	Type         string
	SourceSystem string
	Value        string
}

// Address is a postal address.
type Address struct {
	Type         string
	SourceSystem string
	Street       string
	POBox        string
	PostalNumber string
	City         string
	Country      string
}

// Field returns one address field by configuration name.
func (a Address) Field(name string) string {
	switch name {
	case "street":
		return a.Street
	case "p_o_box":
		return a.POBox
	case "postal_number":
		return a.PostalNumber
	case "city":
		return a.City
	case "country":
		return a.Country
	}
	return ""
}

// Trait is a coded fact attached to an entity.
type Trait struct {
	Code     string
	StrVal   string
	NumVal   *int64
	Date     *time.Time
	TargetID int64
}

// MailInfo is the mail data of an account or mailing list.
type MailInfo struct {
	Primary   string
	Addresses []string
	QuotaSoft int
	QuotaHard int
	// Target is the external address a mailing list forwards to.
	Target string
}

// PosixInfo is the POSIX data of an account or group.
type PosixInfo struct {
	UID       int64
	GID       int64
	Shell     string
	Gecos     string
	GroupName string
}

// HomeInfo is the home directory of an account.
type HomeInfo struct {
	Path   string
	Drive  string
	Status string
}
