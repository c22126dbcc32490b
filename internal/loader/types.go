// Package loader - Configuration Types
//
// Defines the YAML configuration structure for adsync.
//
//	log:          level and output format
//	source:       the source store (DuckDB) and the password keyring
//	directory:    LDAP connection, throttling and the script agent
//	lock:         run lock directory
//	report:       audit file and metrics textfile locations
//	notify:       administrator notification sinks
//	include:      additional files contributing sync types
//	sync_types:   one entry per synchronized object kind
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/attr"
	"github.com/xtxerr/adsync/internal/logging"
	adsync "github.com/xtxerr/adsync/internal/sync"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Source    SourceConfig    `yaml:"source"`
	Directory DirectoryConfig `yaml:"directory"`
	Lock      LockConfig      `yaml:"lock"`
	Report    ReportConfig    `yaml:"report"`
	Notify    NotifyConfig    `yaml:"notify"`

	// SyncTypes maps sync type names (e.g. "ad_user") to their settings.
	SyncTypes map[string]*SyncTypeConfig `yaml:"sync_types"`

	// Include lists additional config files to load.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is auto, text or json.
	// Default: auto (text on a terminal, JSON otherwise)
	Format string `yaml:"format"`
}

// SourceConfig configures the source store.
type SourceConfig struct {
	// DSN is the DuckDB database path.
	DSN string `yaml:"dsn"`

	MaxOpenConns int      `yaml:"max_open_conns"`
	QueryTimeout Duration `yaml:"query_timeout"`

	// Keyring is an age identity file decrypting password events.
	// Without it new accounts are created disabled.
	Keyring string `yaml:"keyring"`
}

// DirectoryConfig configures the remote directory.
type DirectoryConfig struct {
	URL                string   `yaml:"url"`
	BindDN             string   `yaml:"bind_dn"`
	Password           string   `yaml:"password"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	Timeout            Duration `yaml:"timeout"`
	PageSize           uint32   `yaml:"page_size"`
	EnumerationBuffer  int      `yaml:"enumeration_buffer"`

	// RateLimit is the number of remote mutations per second; 0 disables.
	RateLimit float64 `yaml:"rate_limit"`

	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig configures the script agent connection.
type AgentConfig struct {
	// Addr is host:port of the agent. Empty disables script execution.
	Addr           string   `yaml:"addr"`
	TLS            bool     `yaml:"tls"`
	TLSSkipVerify  bool     `yaml:"tls_skip_verify"`
	Timeout        Duration `yaml:"timeout"`
	MaxMessageSize ByteSize `yaml:"max_message_size"`
}

// LockConfig configures the run lock.
type LockConfig struct {
	Dir string `yaml:"dir"`
}

// ReportConfig configures the run report outputs. Empty directories disable
// the respective output.
type ReportConfig struct {
	// AuditDir receives one Parquet file per run.
	AuditDir string `yaml:"audit_dir"`

	// TextfileDir receives adsync_<sync type>.prom for the node exporter.
	TextfileDir string `yaml:"textfile_dir"`

	// AuditRetention removes audit files of older runs after each run.
	// Zero keeps every file.
	AuditRetention Duration `yaml:"audit_retention"`

	Accuracy float64 `yaml:"accuracy"`
}

// NotifyConfig configures administrator notification.
type NotifyConfig struct {
	// Log writes notices to the log. Default: true
	Log *bool `yaml:"log"`

	SMTP *SMTPConfig `yaml:"smtp"`
}

// SMTPConfig configures the mail notifier.
type SMTPConfig struct {
	Addr     string   `yaml:"addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Subject  string   `yaml:"subject"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// =============================================================================
// Sync Type Configuration
// =============================================================================

// Kinds accepted by SyncTypeConfig.Kind.
const (
	KindUser     = "user"
	KindGroup    = "group"
	KindHost     = "host"
	KindMailList = "maillist"
	KindFroup    = "froup"
)

// SyncTypeConfig configures one sync type.
type SyncTypeConfig struct {
	// Kind selects the object kind: user, group, host, maillist or froup.
	Kind string `yaml:"kind"`

	TargetSpread        string   `yaml:"target_spread"`
	EntityType          string   `yaml:"entity_type"`
	SearchOU            string   `yaml:"search_ou"`
	TargetOU            string   `yaml:"target_ou"`
	ObjectClass         string   `yaml:"object_class"`
	IdentifierAttribute string   `yaml:"identifier_attribute"`
	NameFormat          string   `yaml:"name_format"`
	CasePolicy          string   `yaml:"case_policy"`
	DisplayAttributes   []string `yaml:"display_attributes"`

	HandleUnknown     Policy `yaml:"handle_unknown_objects"`
	HandleDeactivated Policy `yaml:"handle_deactivated_objects"`

	MoveObjects bool     `yaml:"move_objects"`
	CreateOU    bool     `yaml:"create_ou"`
	IgnoreOU    []string `yaml:"ignore_ou"`

	StoreSID        bool   `yaml:"store_sid"`
	SIDSourceSystem string `yaml:"sid_source_system"`
	SIDIDType       string `yaml:"sid_id_type"`

	RecipientUpdate *RecipientUpdateConfig `yaml:"recipient_update"`

	FetchConcurrency int    `yaml:"fetch_concurrency"`
	ChangeKey        string `yaml:"change_key"`

	Attributes []attr.Spec `yaml:"attributes"`

	Quicksync QuicksyncConfig `yaml:"quicksync"`

	// Group settings, kind group only.
	Group *GroupConfig `yaml:"group"`

	// Froup settings, kind froup only.
	Froup *FroupConfig `yaml:"froup"`
}

// RecipientUpdateConfig configures the recipient update script.
type RecipientUpdateConfig struct {
	Script     string   `yaml:"script"`
	Attributes []string `yaml:"attributes"`
}

// QuicksyncConfig configures change log replay.
type QuicksyncConfig struct {
	// StaleAge is the age after which events are confirmed without
	// handling. "0s" keeps the default, "-1s" disables staleness.
	StaleAge Duration `yaml:"stale_age"`

	// Types restricts replay to these event types ("category:change").
	Types []string `yaml:"types"`
}

// GroupConfig configures group membership expansion.
type GroupConfig struct {
	MemberAccountSpread  string `yaml:"member_account_spread"`
	MemberAccountOU      string `yaml:"member_account_ou"`
	PersonPrimaryAccount bool   `yaml:"person_primary_account"`
}

// FroupConfig configures synthesized groups.
type FroupConfig struct {
	AccountSpread string            `yaml:"account_spread"`
	AccountOU     string            `yaml:"account_ou"`
	GracePeriod   Duration          `yaml:"grace_period"`
	Rules         []FroupRuleConfig `yaml:"rules"`
}

// FroupRuleConfig is one synthesized group.
type FroupRuleConfig struct {
	Name          string   `yaml:"name"`
	Affiliation   string   `yaml:"affiliation"`
	SourceSystems []string `yaml:"source_systems"`
	Consent       string   `yaml:"consent"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used for keys a file leaves out.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
		Source: SourceConfig{
			DSN:          config.DefaultSourceDSN,
			MaxOpenConns: config.DefaultMaxOpenConns,
			QueryTimeout: Duration(config.DefaultQueryTimeout),
		},
		Directory: DirectoryConfig{
			Timeout:           Duration(config.DefaultDirectoryTimeout),
			PageSize:          config.DefaultPageSize,
			EnumerationBuffer: config.DefaultEnumerationBuffer,
			RateLimit:         config.DefaultRateLimit,
			Agent: AgentConfig{
				Timeout:        Duration(config.DefaultAgentTimeout),
				MaxMessageSize: ByteSize(config.DefaultMaxMessageSize),
			},
		},
		Lock: LockConfig{
			Dir: config.DefaultLockDir,
		},
		Report: ReportConfig{
			Accuracy: config.DefaultSketchAccuracy,
		},
	}
}

// =============================================================================
// Policy
// =============================================================================

// Policy is a handling policy in one of three forms:
//
//	handle_unknown_objects: disable
//	handle_unknown_objects: [move, "OU=Graveyard,DC=example,DC=org"]
//	handle_unknown_objects: {action: move, detail: "OU=Graveyard,DC=example,DC=org"}
//
// The scalar form also accepts "action:detail".
type Policy adsync.Policy

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	var (
		parsed adsync.Policy
		err    error
	)
	switch node.Kind {
	case yaml.ScalarNode:
		parsed, err = adsync.ParsePolicy(node.Value)
	case yaml.SequenceNode:
		var pair []string
		if err := node.Decode(&pair); err != nil {
			return fmt.Errorf("line %d: policy: %w", node.Line, err)
		}
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("line %d: policy must be [action] or [action, detail]", node.Line)
		}
		parsed = adsync.Policy{Action: adsync.PolicyAction(strings.ToLower(pair[0]))}
		if len(pair) == 2 {
			parsed.Detail = pair[1]
		}
		err = parsed.Validate()
	case yaml.MappingNode:
		var m struct {
			Action string `yaml:"action"`
			Detail string `yaml:"detail"`
		}
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("line %d: policy: %w", node.Line, err)
		}
		parsed = adsync.Policy{Action: adsync.PolicyAction(strings.ToLower(m.Action)), Detail: m.Detail}
		err = parsed.Validate()
	default:
		return fmt.Errorf("line %d: policy must be a string, a list or a mapping", node.Line)
	}
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*p = Policy(parsed)
	return nil
}

// =============================================================================
// Custom YAML Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports: "30s", "5m", "720h", or plain seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int (seconds)
		var i int
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "4MB", "512KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		// Try as int64
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// parseByteSize parses a size string like "4MB" or "512KB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	// longest suffix first so "MB" is not read as "B"
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.multiplier, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
