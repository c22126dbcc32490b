package entity

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/xtxerr/adsync/internal/attr"
)

// Callback computes a calculated attribute value. It returns nil when the
// entity has no value.
type Callback struct {
	Needs attr.DataClass
	Fn    func(e *Entity) any
	// KeepCase exempts the value from the case policy when the
	// attribute sets no case of its own.
	KeepCase bool
}

// Callbacks is the set of calculated attributes a sync type offers.
type Callbacks map[string]Callback

// Needs returns the callback names with their data needs, the form
// attr.Compile validates against.
func (c Callbacks) Needs() map[string]attr.DataClass {
	m := make(map[string]attr.DataClass, len(c))
	for name, cb := range c {
		m[name] = cb.Needs
	}
	return m
}

// Options tunes Resolve.
type Options struct {
	// Force lets later attribute configurations overwrite values already
	// resolved.
	Force bool
	// CasePolicy applies to attributes without their own case setting.
	CasePolicy string
	// DisplayAttrs are never case-normalised by CasePolicy.
	DisplayAttrs []string
}

var (
	lower = cases.Lower(language.Und)
	upper = cases.Upper(language.Und)
)

// Resolve computes e.Attributes from set. Configurations are applied in
// order; the first non-empty value for a name wins unless opts.Force is set.
// An attribute gated by spreads the entity lacks stays absent; an attribute
// with no value anywhere is set to nil so the remote value gets cleared.
//
// The returned errors concern single attributes (a failing template or
// transform) and never stop resolution of the others.
func (e *Entity) Resolve(set attr.Set, cbs Callbacks, opts Options) []error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}

	canonical := make(map[string]string)
	for _, name := range set.Names() {
		canonical[strings.ToLower(name)] = name
	}

	var errs []error
	for _, a := range set {
		key := canonical[strings.ToLower(a.Name)]

		if v, ok := e.Attributes[key]; ok && v != nil && !opts.Force {
			continue
		}
		if a.Gated() && !e.HasAnySpread(a.Spreads) {
			continue
		}

		v := e.lookup(a, cbs)
		if isEmpty(v) && a.HasDefault() {
			d, err := a.Default(e.templateData())
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s default: %w", e.Name, a.Name, err))
			} else {
				v = d
			}
		}

		v = normalize(v, a, effectiveCase(a, cbs, opts))

		if code := a.Transform(); code != nil && v != nil {
			out, err := runTransform(code, v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s transform %q: %w", e.Name, a.Name, a.TransformSource(), err))
				continue
			}
			v = shape(out, a.Multivalued)
		}

		if v == nil {
			if _, ok := e.Attributes[key]; !ok {
				e.Attributes[key] = nil
			}
			continue
		}
		e.Attributes[key] = v
	}
	return errs
}

func (e *Entity) templateData() attr.TemplateData {
	return attr.TemplateData{
		Name:       e.Name,
		ID:         e.ID,
		TargetID:   e.TargetID,
		OU:         e.TargetOU,
		EntityType: e.Type,
	}
}

func effectiveCase(a *attr.Attribute, cbs Callbacks, opts Options) string {
	if a.Case != "" {
		return a.Case
	}
	if src, ok := a.Source.(attr.CallbackSource); ok && cbs[src.Name].KeepCase {
		return attr.CaseKeep
	}
	for _, d := range opts.DisplayAttrs {
		if strings.EqualFold(d, a.Name) {
			return attr.CaseKeep
		}
	}
	if opts.CasePolicy == "" {
		return attr.CaseLower
	}
	return opts.CasePolicy
}

// ============================================================================
// Source dispatch
// ============================================================================

func (e *Entity) lookup(a *attr.Attribute, cbs Callbacks) any {
	switch src := a.Source.(type) {
	case attr.ContactSource:
		return pick(e.Contacts, src.SourceSystems, src.Types,
			func(c ContactInfo) (string, string, string) { return c.SourceSystem, c.Type, c.Value })

	case attr.ExternalIDSource:
		return pick(e.ExternalIDs, src.SourceSystems, src.Types,
			func(x ExternalID) (string, string, string) { return x.SourceSystem, x.Type, x.Value })

	case attr.AddressSource:
		return pick(e.Addresses, src.SourceSystems, src.Types,
			func(x Address) (string, string, string) { return x.SourceSystem, x.Type, x.Field(src.Field) })

	case attr.NameSource:
		return e.lookupName(src)

	case attr.TraitSource:
		for _, code := range src.Traits {
			t, ok := e.Traits[code]
			if !ok {
				continue
			}
			if v := traitField(t, src.Field); v != "" {
				return v
			}
		}
		return nil

	case attr.MailSource:
		return e.lookupMail(src.Kind)

	case attr.MemberSource:
		if len(e.Members) == 0 {
			return nil
		}
		return append([]string(nil), e.Members...)

	case attr.CallbackSource:
		cb, ok := cbs[src.Name]
		if !ok {
			return nil
		}
		return cb.Fn(e)

	case attr.StaticSource:
		return nil
	}
	return nil
}

// pick returns the value of the first item in priority order: source
// systems outermost, then types. An empty priority list matches anything.
func pick[T any](items []T, systems, types []string, get func(T) (sys, typ, val string)) any {
	if len(systems) == 0 {
		systems = []string{""}
	}
	for _, sys := range systems {
		for _, typ := range types {
			for _, it := range items {
				s, t, v := get(it)
				if (sys == "" || s == sys) && t == typ && strings.TrimSpace(v) != "" {
					return v
				}
			}
		}
	}
	return nil
}

func (e *Entity) lookupName(src attr.NameSource) any {
	systems := src.SourceSystems
	if len(systems) == 0 {
		systems = []string{""}
	}
	languages := src.Languages
	if len(languages) == 0 {
		languages = []string{""}
	}
	for _, sys := range systems {
		for _, lang := range languages {
			for _, variant := range src.Variants {
				for _, n := range e.Names {
					if (sys == "" || n.SourceSystem == sys) &&
						(lang == "" || n.Language == lang) &&
						n.Variant == variant && strings.TrimSpace(n.Value) != "" {
						return n.Value
					}
				}
			}
		}
	}
	return nil
}

func (e *Entity) lookupMail(kind attr.MailKind) any {
	m := e.Mail
	if m == nil {
		return nil
	}
	switch kind {
	case attr.MailPrimary:
		if m.Primary == "" {
			return nil
		}
		return m.Primary
	case attr.MailAddresses:
		if len(m.Addresses) == 0 {
			return nil
		}
		return append([]string(nil), m.Addresses...)
	case attr.MailProxy:
		return ProxyAddresses(m)
	case attr.MailQuotaSoft:
		if m.QuotaSoft == 0 {
			return nil
		}
		return m.QuotaSoft
	case attr.MailQuotaHard:
		if m.QuotaHard == 0 {
			return nil
		}
		return m.QuotaHard
	}
	return nil
}

// ProxyAddresses renders the Exchange proxyAddresses of m: the primary
// address as SMTP: and every other address as smtp:.
func ProxyAddresses(m *MailInfo) any {
	if m == nil || m.Primary == "" {
		return nil
	}
	out := []string{"SMTP:" + m.Primary}
	for _, a := range m.Addresses {
		if strings.EqualFold(a, m.Primary) {
			continue
		}
		out = append(out, "smtp:"+a)
	}
	return out
}

func traitField(t Trait, field string) string {
	switch field {
	case "numval":
		if t.NumVal != nil {
			return strconv.FormatInt(*t.NumVal, 10)
		}
	case "date":
		if t.Date != nil {
			return t.Date.Format("2006-01-02")
		}
	case "target":
		if t.TargetID != 0 {
			return strconv.FormatInt(t.TargetID, 10)
		}
	default:
		return t.StrVal
	}
	return ""
}

// ============================================================================
// Normalisation
// ============================================================================

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	}
	return false
}

// scalar renders non-text source values the way the directory stores them.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// normalize trims text, applies the case policy and fits the value to the
// attribute's arity. Empty results become nil.
func normalize(v any, a *attr.Attribute, casePolicy string) any {
	var vals []string
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		vals = t
	case []any:
		for _, x := range t {
			vals = append(vals, scalar(x))
		}
	default:
		vals = []string{scalar(t)}
	}

	out := make([]string, 0, len(vals))
	for _, s := range vals {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		switch casePolicy {
		case attr.CaseLower:
			s = lower.String(s)
		case attr.CaseUpper:
			s = upper.String(s)
		}
		out = append(out, s)
	}
	return shape(out, a.Multivalued)
}

// shape returns a []string for multivalued attributes and a string
// otherwise, or nil when there is nothing.
func shape(v any, multivalued bool) any {
	var vals []string
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		vals = t
	case []any:
		for _, x := range t {
			if x != nil {
				vals = append(vals, scalar(x))
			}
		}
	default:
		vals = []string{scalar(t)}
	}

	kept := vals[:0:0]
	for _, s := range vals {
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if multivalued {
		return kept
	}
	return kept[0]
}
