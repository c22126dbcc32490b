// Package attr holds the declarative attribute configuration: which target
// attribute is sourced from which kind of source data, in which priority
// order, and how the value is normalised.
//
// Configuration is compiled once at startup by Compile. Every problem (an
// unknown source kind, an unknown callback, a bad default template or a bad
// transform expression) is reported then, so resolution never fails on
// configuration.
package attr

import (
	"strings"
	"text/template"

	"github.com/itchyny/gojq"
)

// ============================================================================
// Data classes
// ============================================================================

// DataClass is a bit set of auxiliary source data an attribute needs.
// Fetches for classes no attribute needs are skipped.
type DataClass uint32

const (
	DataContact DataClass = 1 << iota
	DataNames
	DataExternalIDs
	DataAddresses
	DataTraits
	DataMail
	DataPosix
	DataHome
	DataMembers
	DataSID
)

// Has reports whether c contains all of o.
func (c DataClass) Has(o DataClass) bool {
	return c&o == o
}

// ============================================================================
// Sources
// ============================================================================

// Source is where an attribute value comes from. The set of
// implementations is closed; switch on the concrete type.
type Source interface {
	Needs() DataClass
	isSource()
}

// ContactSource picks contact info of the given types.
type ContactSource struct {
	Types         []string
	SourceSystems []string
}

// NameSource picks a person name variant or a localized entity name.
type NameSource struct {
	Variants      []string
	Languages     []string
	SourceSystems []string
}

// ExternalIDSource picks an external id.
type ExternalIDSource struct {
	Types         []string
	SourceSystems []string
}

// AddressSource picks one field of an address.
type AddressSource struct {
	Types         []string
	SourceSystems []string
	Field         string
}

// TraitSource picks the first present trait and reads Field from it.
type TraitSource struct {
	Traits []string
	Field  string
}

// MailKind selects which mail datum a MailSource yields.
type MailKind string

const (
	MailPrimary   MailKind = "primary"
	MailAddresses MailKind = "addresses"
	MailProxy     MailKind = "proxy"
	MailQuotaSoft MailKind = "quota_soft"
	MailQuotaHard MailKind = "quota_hard"
)

// MailSource picks mail data.
type MailSource struct {
	Kind MailKind
}

// MemberSource yields the expanded member list of a group.
type MemberSource struct{}

// CallbackSource yields the value of a named calculated attribute.
type CallbackSource struct {
	Name  string
	needs DataClass
}

// StaticSource yields only the configured default.
type StaticSource struct{}

func (ContactSource) Needs() DataClass    { return DataContact }
func (NameSource) Needs() DataClass       { return DataNames }
func (ExternalIDSource) Needs() DataClass { return DataExternalIDs }
func (AddressSource) Needs() DataClass    { return DataAddresses }
func (TraitSource) Needs() DataClass      { return DataTraits }
func (MailSource) Needs() DataClass       { return DataMail }
func (MemberSource) Needs() DataClass     { return DataMembers }
func (s CallbackSource) Needs() DataClass { return s.needs }
func (StaticSource) Needs() DataClass     { return 0 }

func (ContactSource) isSource()    {}
func (NameSource) isSource()       {}
func (ExternalIDSource) isSource() {}
func (AddressSource) isSource()    {}
func (TraitSource) isSource()      {}
func (MailSource) isSource()       {}
func (MemberSource) isSource()     {}
func (CallbackSource) isSource()   {}
func (StaticSource) isSource()     {}

// ============================================================================
// Attribute
// ============================================================================

// Case policies.
const (
	CaseLower = "lower"
	CaseUpper = "upper"
	CaseKeep  = "keep"
)

// Attribute is one compiled attribute configuration. It is immutable after
// Compile.
type Attribute struct {
	Name   string
	Source Source

	// Spreads gates the attribute. An entity with none of them never has
	// the attribute resolved.
	Spreads []string

	// Case overrides the run's case policy; empty means inherit.
	Case string

	Multivalued bool
	// Ordered multivalued attributes are replaced whole on any difference.
	Ordered bool
	// FoldCase compares values case-insensitively.
	FoldCase bool

	defaultTmpl  *template.Template
	transform    *gojq.Code
	transformSrc string
}

// HasDefault reports whether a default value is configured.
func (a *Attribute) HasDefault() bool {
	return a.defaultTmpl != nil
}

// Default renders the default value for data.
func (a *Attribute) Default(data TemplateData) (string, error) {
	if a.defaultTmpl == nil {
		return "", nil
	}
	var b strings.Builder
	if err := a.defaultTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Transform returns the compiled value transform, or nil.
func (a *Attribute) Transform() *gojq.Code {
	return a.transform
}

// TransformSource returns the transform expression as configured.
func (a *Attribute) TransformSource() string {
	return a.transformSrc
}

// Gated reports whether the attribute requires a spread.
func (a *Attribute) Gated() bool {
	return len(a.Spreads) > 0
}

// TemplateData is what default templates can refer to.
type TemplateData struct {
	Name       string
	ID         int64
	TargetID   string
	OU         string
	EntityType string
}

// ============================================================================
// Set
// ============================================================================

// Set is an ordered list of compiled attributes. The same name may appear
// more than once; later entries are fallbacks for earlier ones.
type Set []*Attribute

// Names returns the distinct attribute names in configuration order.
func (s Set) Names() []string {
	seen := make(map[string]bool, len(s))
	var names []string
	for _, a := range s {
		k := strings.ToLower(a.Name)
		if seen[k] {
			continue
		}
		seen[k] = true
		names = append(names, a.Name)
	}
	return names
}

// Needs returns the union of data classes of all attributes.
func (s Set) Needs() DataClass {
	var c DataClass
	for _, a := range s {
		c |= a.Source.Needs()
	}
	return c
}

// Lookup returns the first attribute named name.
func (s Set) Lookup(name string) (*Attribute, bool) {
	for _, a := range s {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return nil, false
}

// Has reports whether name is configured.
func (s Set) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}
