package attr

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/itchyny/gojq"

	"github.com/xtxerr/adsync/internal/errors"
)

// Source kinds as written in configuration.
const (
	KindContact    = "contact"
	KindName       = "name"
	KindExternalID = "external_id"
	KindAddress    = "address"
	KindTrait      = "trait"
	KindMail       = "mail"
	KindMember     = "member"
	KindCallback   = "callback"
	KindStatic     = "static"
)

// Address fields an AddressSource may read.
var addressFields = map[string]bool{
	"street":        true,
	"p_o_box":       true,
	"postal_number": true,
	"city":          true,
	"country":       true,
}

// Trait fields a TraitSource may read.
var traitFields = map[string]bool{
	"strval": true,
	"numval": true,
	"date":   true,
	"target": true,
}

// Spec is the configuration form of an attribute.
type Spec struct {
	Name          string   `yaml:"name"`
	Source        string   `yaml:"source"`
	Types         []string `yaml:"types,omitempty"`
	SourceSystems []string `yaml:"source_systems,omitempty"`
	Variants      []string `yaml:"variants,omitempty"`
	Languages     []string `yaml:"languages,omitempty"`
	Traits        []string `yaml:"traits,omitempty"`
	Field         string   `yaml:"field,omitempty"`
	Kind          string   `yaml:"kind,omitempty"`
	Callback      string   `yaml:"callback,omitempty"`
	Spreads       []string `yaml:"spreads,omitempty"`
	Default       *string  `yaml:"default,omitempty"`
	Case          string   `yaml:"case,omitempty"`
	Multivalued   bool     `yaml:"multivalued,omitempty"`
	Ordered       bool     `yaml:"ordered,omitempty"`
	FoldCase      *bool    `yaml:"fold_case,omitempty"`
	Transform     string   `yaml:"transform,omitempty"`
}

// Compile validates specs and builds the attribute set. callbacks maps the
// calculated attribute names the sync type offers to the data they need.
// All problems are collected into one error.
func Compile(specs []Spec, callbacks map[string]DataClass) (Set, error) {
	verrs := errors.NewValidationErrors()
	set := make(Set, 0, len(specs))

	for i, s := range specs {
		field := fmt.Sprintf("attributes[%d]", i)
		if s.Name != "" {
			field = fmt.Sprintf("attributes[%d] (%s)", i, s.Name)
		}

		a, err := compileOne(s, callbacks)
		if err != nil {
			verrs.Add(errors.Wrap(err, field))
			continue
		}
		set = append(set, a)
	}

	if err := verrs.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func compileOne(s Spec, callbacks map[string]DataClass) (*Attribute, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, errors.NewMissingField("name")
	}

	a := &Attribute{
		Name:        s.Name,
		Spreads:     s.Spreads,
		Case:        s.Case,
		Multivalued: s.Multivalued || s.Ordered,
		Ordered:     s.Ordered,
	}

	switch s.Case {
	case "", CaseLower, CaseUpper, CaseKeep:
	default:
		return nil, errors.NewInvalidValue("case", s.Case, "must be lower, upper or keep")
	}

	src, err := compileSource(s, callbacks)
	if err != nil {
		return nil, err
	}
	a.Source = src

	// Member values are DNs, which the directory compares case-insensitively.
	_, isMember := src.(MemberSource)
	a.FoldCase = isMember
	if s.FoldCase != nil {
		a.FoldCase = *s.FoldCase
	}
	if isMember {
		a.Multivalued = true
		if a.Case == "" {
			a.Case = CaseKeep
		}
	}
	// The SMTP: prefix marks the primary proxy address.
	if ms, ok := src.(MailSource); ok && ms.Kind == MailProxy && a.Case == "" {
		a.Case = CaseKeep
	}

	if s.Default != nil {
		t, err := template.New(s.Name).Option("missingkey=error").Parse(*s.Default)
		if err != nil {
			return nil, errors.NewInvalidValue("default", *s.Default, err.Error())
		}
		a.defaultTmpl = t
	} else if _, ok := src.(StaticSource); ok {
		return nil, errors.NewMissingField("default")
	}

	if s.Transform != "" {
		q, err := gojq.Parse(s.Transform)
		if err != nil {
			return nil, errors.NewInvalidValue("transform", s.Transform, err.Error())
		}
		code, err := gojq.Compile(q)
		if err != nil {
			return nil, errors.NewInvalidValue("transform", s.Transform, err.Error())
		}
		a.transform = code
		a.transformSrc = s.Transform
	}

	return a, nil
}

func compileSource(s Spec, callbacks map[string]DataClass) (Source, error) {
	switch s.Source {
	case KindContact:
		if len(s.Types) == 0 {
			return nil, errors.NewMissingField("types")
		}
		return ContactSource{Types: s.Types, SourceSystems: s.SourceSystems}, nil

	case KindName:
		if len(s.Variants) == 0 {
			return nil, errors.NewMissingField("variants")
		}
		return NameSource{Variants: s.Variants, Languages: s.Languages, SourceSystems: s.SourceSystems}, nil

	case KindExternalID:
		if len(s.Types) == 0 {
			return nil, errors.NewMissingField("types")
		}
		return ExternalIDSource{Types: s.Types, SourceSystems: s.SourceSystems}, nil

	case KindAddress:
		if len(s.Types) == 0 {
			return nil, errors.NewMissingField("types")
		}
		if !addressFields[s.Field] {
			return nil, errors.NewInvalidValue("field", s.Field, "unknown address field")
		}
		return AddressSource{Types: s.Types, SourceSystems: s.SourceSystems, Field: s.Field}, nil

	case KindTrait:
		if len(s.Traits) == 0 {
			return nil, errors.NewMissingField("traits")
		}
		field := s.Field
		if field == "" {
			field = "strval"
		}
		if !traitFields[field] {
			return nil, errors.NewInvalidValue("field", s.Field, "unknown trait field")
		}
		return TraitSource{Traits: s.Traits, Field: field}, nil

	case KindMail:
		switch k := MailKind(s.Kind); k {
		case MailPrimary, MailAddresses, MailProxy, MailQuotaSoft, MailQuotaHard:
			return MailSource{Kind: k}, nil
		default:
			return nil, errors.NewInvalidValue("kind", s.Kind, "unknown mail kind")
		}

	case KindMember:
		return MemberSource{}, nil

	case KindCallback:
		needs, ok := callbacks[s.Callback]
		if !ok {
			return nil, fmt.Errorf("callback %q: %w", s.Callback, errors.ErrUnknownSource)
		}
		return CallbackSource{Name: s.Callback, needs: needs}, nil

	case KindStatic:
		return StaticSource{}, nil

	case "":
		return nil, errors.NewMissingField("source")

	default:
		return nil, fmt.Errorf("source %q: %w", s.Source, errors.ErrUnknownSource)
	}
}

// NewCallback builds a callback source for code that constructs attribute
// sets directly.
func NewCallback(name string, needs DataClass) CallbackSource {
	return CallbackSource{Name: name, needs: needs}
}
