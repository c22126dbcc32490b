package sync

import (
	"strings"
	"text/template"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/errors"
)

// =============================================================================
// Sync Configuration
// =============================================================================

// Config holds the settings of one sync type.
type Config struct {
	// Name of the sync type (e.g. "ad_user"); also the default change key
	Name string

	// TargetSpread selects the source entities to synchronize
	TargetSpread string

	// EntityType overrides the kind's entity type
	EntityType string

	// SearchOU is the container enumerated for remote objects
	SearchOU string

	// TargetOU is where new objects are created and moved home to
	TargetOU string

	// ObjectClass overrides the kind's object class
	ObjectClass string

	// IdentifierAttribute is the remote attribute matched against target ids
	IdentifierAttribute string

	// NameFormat is a text/template turning an entity into its target id
	NameFormat string

	// Attributes is the compiled attribute configuration
	Attributes attr.Set

	// CasePolicy and DisplayAttributes control value case normalisation
	CasePolicy        string
	DisplayAttributes []string

	// Policies for unknown remote objects and inactive entities
	Unknown     Policy
	Deactivated Policy

	// MoveObjects moves matched objects to TargetOU
	MoveObjects bool

	// CreateOU creates missing containers before creating objects
	CreateOU bool

	// IgnoreOU lists containers whose objects are never touched
	IgnoreOU []string

	// Subset restricts the run to these source names
	Subset []string

	// StoreSID writes remote SIDs back to the source store
	StoreSID        bool
	SIDSourceSystem string
	SIDIDType       string

	// RecipientUpdate runs a script for entities touching recipient data
	RecipientUpdate *RecipientUpdate

	// FetchConcurrency bounds parallel auxiliary source queries
	FetchConcurrency int

	// ChangeKey is the change log cursor used for password recovery
	ChangeKey string

	// DryRun suppresses writes to the source store. Remote writes are
	// suppressed by wrapping the directory with directory.DryRun.
	DryRun bool
}

// RecipientUpdate is the post-processing script refreshing recipient
// metadata.
type RecipientUpdate struct {
	Script string
	// Attributes whose change triggers the script
	Attributes []string
}

// =============================================================================
// Defaults and Validation
// =============================================================================

// applyDefaults fills empty settings from the kind and config defaults.
func (c *Config) applyDefaults(k Kind) {
	d := k.Defaults()
	if c.EntityType == "" {
		c.EntityType = d.EntityType
	}
	if c.ObjectClass == "" {
		c.ObjectClass = d.ObjectClass
	}
	if c.IdentifierAttribute == "" {
		c.IdentifierAttribute = d.IdentifierAttribute
	}
	if c.IdentifierAttribute == "" {
		c.IdentifierAttribute = config.DefaultIdentifierAttribute
	}
	if c.NameFormat == "" {
		c.NameFormat = d.NameFormat
	}
	if c.NameFormat == "" {
		c.NameFormat = config.DefaultNameFormat
	}
	if c.TargetOU == "" {
		c.TargetOU = c.SearchOU
	}
	if c.CasePolicy == "" {
		c.CasePolicy = config.DefaultCasePolicy
	}
	if c.DisplayAttributes == nil {
		c.DisplayAttributes = config.DefaultDisplayAttributes
	}
	if c.Unknown.Action == "" {
		c.Unknown.Action = PolicyIgnore
	}
	if c.Deactivated.Action == "" {
		c.Deactivated.Action = PolicyIgnore
	}
	if c.SIDSourceSystem == "" {
		c.SIDSourceSystem = config.DefaultSIDSourceSystem
	}
	if c.SIDIDType == "" {
		c.SIDIDType = config.DefaultSIDIDType
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = config.DefaultFetchConcurrency
	}
	if c.ChangeKey == "" {
		c.ChangeKey = c.Name
	}
}

// validate collects every configuration problem.
func (c *Config) validate() (*template.Template, error) {
	v := errors.NewValidationErrors()

	if c.Name == "" {
		v.AddMissing("name")
	}
	if c.TargetSpread == "" && c.EntityType == "" {
		v.AddMissing("target_spread")
	}
	if c.SearchOU == "" {
		v.AddMissing("search_ou")
	}
	if c.ObjectClass == "" {
		v.AddMissing("object_class")
	}
	switch c.CasePolicy {
	case attr.CaseLower, attr.CaseUpper, attr.CaseKeep:
	default:
		v.AddField("case_policy", "must be lower, upper or keep")
	}
	if err := c.Unknown.Validate(); err != nil {
		v.Add(errors.Wrap(err, "handle_unknown_objects"))
	}
	if err := c.Deactivated.Validate(); err != nil {
		v.Add(errors.Wrap(err, "handle_deactivated_objects"))
	}
	if ru := c.RecipientUpdate; ru != nil && ru.Script == "" {
		v.AddMissing("recipient_update.script")
	}

	tmpl, err := template.New(c.Name).Funcs(nameFuncs).Option("missingkey=error").Parse(c.NameFormat)
	if err != nil {
		v.Add(errors.NewInvalidValue("name_format", c.NameFormat, err.Error()))
	}

	return tmpl, v.Err()
}

// nameFuncs are available in name formats.
var nameFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	// hostname strips the domain part of a fully qualified name.
	"hostname": func(s string) string {
		host, _, _ := strings.Cut(s, ".")
		return host
	},
}
