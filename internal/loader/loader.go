// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Validating everything eagerly, collecting every problem
//   - Converting sync type settings into sync engine configurations
package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/adsync/internal/errors"
	"github.com/xtxerr/adsync/internal/logging"
	adsync "github.com/xtxerr/adsync/internal/sync"
	"github.com/xtxerr/adsync/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Process includes (load additional sync type files)
	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode expands environment variables and decodes strictly: unknown keys
// are errors.
func decode(data []byte, out any) error {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// include is the part of the configuration an included file may carry.
type include struct {
	SyncTypes map[string]*SyncTypeConfig `yaml:"sync_types"`
}

// loadInclude loads a single include file and merges its sync types.
// A sync type defined twice is an error.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial include
	if err := decode(data, &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	if cfg.SyncTypes == nil {
		cfg.SyncTypes = make(map[string]*SyncTypeConfig)
	}
	for name, st := range partial.SyncTypes {
		if _, dup := cfg.SyncTypes[name]; dup {
			return errors.NewAlreadyExists("sync type", name)
		}
		cfg.SyncTypes[name] = st
	}

	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration, including every sync type's
// attributes, policies and kind settings.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Logging
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs.AddField("log.level", err.Error())
	}
	if !logging.ValidFormat(cfg.Log.Format) {
		errs.AddField("log.format", "must be auto, text or json")
	}

	// Source
	if cfg.Source.DSN == "" {
		errs.AddField("source.dsn", "cannot be empty")
	}

	// Directory
	if cfg.Directory.URL == "" {
		errs.AddField("directory.url", "cannot be empty")
	}
	if cfg.Directory.RateLimit < 0 {
		errs.AddField("directory.rate_limit", "cannot be negative")
	}

	// Report
	if cfg.Report.Accuracy < 0 || cfg.Report.Accuracy >= 1 {
		errs.AddField("report.accuracy", "must be between 0 and 1")
	}
	if cfg.Report.AuditRetention < 0 {
		errs.AddField("report.audit_retention", "cannot be negative")
	}

	// Notify
	if smtp := cfg.Notify.SMTP; smtp != nil {
		if smtp.Addr == "" {
			errs.AddField("notify.smtp.addr", "cannot be empty")
		}
		if smtp.From == "" {
			errs.AddField("notify.smtp.from", "cannot be empty")
		}
		if len(smtp.To) == 0 {
			errs.AddField("notify.smtp.to", "at least one recipient is required")
		}
	}

	// Sync types
	if len(cfg.SyncTypes) == 0 {
		errs.AddField("sync_types", "at least one sync type is required")
	}
	for _, name := range cfg.SyncTypeNames() {
		validateNames(name, cfg.SyncTypes[name], errs)
		if _, err := cfg.Build(name, nil); err != nil {
			errs.Add(err)
		}
	}

	return errs.Err()
}

// validateNames checks the names and DNs of one sync type that end up in
// file paths, metric labels and LDAP requests.
func validateNames(name string, st *SyncTypeConfig, errs *errors.ValidationErrors) {
	prefix := "sync_types." + name
	if err := validation.ValidateSyncTypeName(name); err != nil {
		errs.AddField(prefix, err.Error())
	}
	if st == nil {
		return
	}

	dns := map[string]string{
		"search_ou": st.SearchOU,
		"target_ou": st.TargetOU,
	}
	for i, ou := range st.IgnoreOU {
		dns[fmt.Sprintf("ignore_ou[%d]", i)] = ou
	}
	if st.Group != nil {
		dns["group.member_account_ou"] = st.Group.MemberAccountOU
	}
	if st.Froup != nil {
		dns["froup.account_ou"] = st.Froup.AccountOU
	}
	if st.HandleUnknown.Action == adsync.PolicyMove {
		dns["handle_unknown_objects"] = st.HandleUnknown.Detail
	}
	if st.HandleDeactivated.Action == adsync.PolicyMove {
		dns["handle_deactivated_objects"] = st.HandleDeactivated.Detail
	}
	for _, field := range sortedKeys(dns) {
		if dn := dns[field]; dn != "" {
			if err := validation.ValidateDN(dn); err != nil {
				errs.AddField(prefix+"."+field, err.Error())
			}
		}
	}

	attrs := append([]string{}, st.DisplayAttributes...)
	if st.IdentifierAttribute != "" {
		attrs = append(attrs, st.IdentifierAttribute)
	}
	for _, spec := range st.Attributes {
		attrs = append(attrs, spec.Name)
	}
	for _, a := range attrs {
		if a == "" {
			continue
		}
		if err := validation.ValidateAttributeName(a); err != nil {
			errs.AddField(prefix+".attributes", fmt.Sprintf("%s: %v", a, err))
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SyncTypeNames returns the configured sync type names, sorted.
func (c *Config) SyncTypeNames() []string {
	names := make([]string, 0, len(c.SyncTypes))
	for name := range c.SyncTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
