// Package config provides configuration defaults and utilities
// for the adsync application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Source Store Defaults
// =============================================================================

const (
	// DefaultSourceDSN is the DuckDB database holding the identity data.
	// Override via config: source.dsn
	DefaultSourceDSN = "cerebrum.duckdb"

	// DefaultQueryTimeout bounds a single source query.
	// Override via config: source.query_timeout
	DefaultQueryTimeout = 60 * time.Second

	// DefaultFetchConcurrency is how many auxiliary source queries run at once.
	// Override via config: source.fetch_concurrency
	DefaultFetchConcurrency = 4

	// DefaultMaxOpenConns is the maximum number of open source connections.
	// Override via config: source.max_open_conns
	DefaultMaxOpenConns = 8
)

// =============================================================================
// Directory Defaults
// =============================================================================

const (
	// DefaultDirectoryTimeout is the per-request timeout towards the directory.
	// A hung request fails through this timeout and is handled per object.
	// Override via config: directory.timeout
	DefaultDirectoryTimeout = 30 * time.Second

	// DefaultPageSize is the LDAP paging size used for enumeration.
	// Override via config: directory.page_size
	DefaultPageSize = 500

	// DefaultEnumerationBuffer is how many enumerated objects may be buffered
	// before the reader blocks the search.
	// Override via config: directory.enumeration_buffer
	DefaultEnumerationBuffer = 1000

	// DefaultRateLimit is the number of remote mutations per second.
	// Zero disables throttling.
	// Override via config: directory.rate_limit
	DefaultRateLimit = 0

	// DefaultAgentTimeout is the timeout for one script execution on the agent.
	// Override via config: directory.agent.timeout
	DefaultAgentTimeout = 120 * time.Second

	// DefaultMaxMessageSize limits agent envelope size to prevent OOM.
	// Override via config: directory.agent.max_message_size
	DefaultMaxMessageSize = 4 * 1024 * 1024
)

// =============================================================================
// Sync Defaults
// =============================================================================

const (
	// DefaultIdentifierAttribute is the remote login-name attribute used to
	// match remote objects with source entities.
	// Override via config: sync_types.<name>.identifier_attribute
	DefaultIdentifierAttribute = "SamAccountName"

	// DefaultNameFormat formats a source name into the remote identifier.
	// Override via config: sync_types.<name>.name_format
	DefaultNameFormat = "{{.Name}}"

	// DefaultCasePolicy is how text attribute values are normalised.
	// Override via config: sync_types.<name>.case_policy
	DefaultCasePolicy = "lower"

	// DefaultStaleChangeAge is the age after which change events are
	// confirmed without processing.
	// Override via config: sync_types.<name>.stale_change_age
	DefaultStaleChangeAge = 30 * 24 * time.Hour

	// DefaultSIDIDType is the external id type used when storing remote SIDs.
	// Override via config: sync_types.<name>.sid_id_type
	DefaultSIDIDType = "AD_SID"

	// DefaultSIDSourceSystem is the source system SIDs are stored under.
	// Override via config: sync_types.<name>.sid_source_system
	DefaultSIDSourceSystem = "AD"

	// DefaultFroupGracePeriod keeps removed affiliations counting as members.
	// Override via config: sync_types.<name>.froups[].grace_period
	DefaultFroupGracePeriod = 0
)

// DefaultDisplayAttributes are attributes whose case is never normalised
// by the default case policy.
var DefaultDisplayAttributes = []string{
	"cn",
	"company",
	"department",
	"description",
	"displayName",
	"givenName",
	"name",
	"physicalDeliveryOfficeName",
	"sn",
	"streetAddress",
	"title",
}

// =============================================================================
// Run Lock Defaults
// =============================================================================

const (
	// DefaultLockDir is where per-sync-type lock files live.
	// Override via config: lock.dir
	DefaultLockDir = "/var/lock/adsync"
)

// =============================================================================
// Report Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the relative accuracy of latency quantiles.
	DefaultSketchAccuracy = 0.01

	// DefaultAuditRowGroupSize is the number of audit rows per row group.
	DefaultAuditRowGroupSize = 10000
)

// =============================================================================
// Notification Defaults
// =============================================================================

const (
	// DefaultNotifySubject is the subject of the batched administrator mail.
	// Override via config: notify.subject
	DefaultNotifySubject = "adsync: objects needing manual attention"
)
