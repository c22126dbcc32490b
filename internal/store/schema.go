package store

import (
	"context"
	"fmt"

	"github.com/xtxerr/adsync/internal/logging"
)

var log = logging.Component("store")

// =============================================================================
// Schema Migration
// =============================================================================

// Migrate creates the source store tables.
//
// This is idempotent - safe to run multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "entities",
			sql: `CREATE TABLE IF NOT EXISTS entities (
				entity_id   BIGINT PRIMARY KEY,
				entity_type VARCHAR NOT NULL,
				name        VARCHAR NOT NULL,
				owner_id    BIGINT,
				owner_type  VARCHAR
			)`,
		},
		{
			name: "spreads",
			sql: `CREATE TABLE IF NOT EXISTS spreads (
				entity_id BIGINT NOT NULL,
				spread    VARCHAR NOT NULL,
				PRIMARY KEY (entity_id, spread)
			)`,
		},
		{
			name: "quarantines",
			sql: `CREATE TABLE IF NOT EXISTS quarantines (
				entity_id       BIGINT NOT NULL,
				quarantine_type VARCHAR NOT NULL,
				start_date      TIMESTAMP NOT NULL,
				end_date        TIMESTAMP,
				disable_until   TIMESTAMP
			)`,
		},
		{
			name: "contact_info",
			sql: `CREATE TABLE IF NOT EXISTS contact_info (
				entity_id     BIGINT NOT NULL,
				source_system VARCHAR NOT NULL,
				contact_type  VARCHAR NOT NULL,
				contact_pref  INTEGER DEFAULT 50,
				contact_value VARCHAR NOT NULL
			)`,
		},
		{
			name: "names",
			sql: `CREATE TABLE IF NOT EXISTS names (
				entity_id     BIGINT NOT NULL,
				source_system VARCHAR DEFAULT '',
				name_variant  VARCHAR NOT NULL,
				language      VARCHAR DEFAULT '',
				name          VARCHAR NOT NULL
			)`,
		},
		{
			name: "external_ids",
			sql: `CREATE TABLE IF NOT EXISTS external_ids (
				entity_id     BIGINT NOT NULL,
				source_system VARCHAR NOT NULL,
				id_type       VARCHAR NOT NULL,
				external_id   VARCHAR NOT NULL,
				PRIMARY KEY (entity_id, source_system, id_type)
			)`,
		},
		{
			name: "addresses",
			sql: `CREATE TABLE IF NOT EXISTS addresses (
				entity_id     BIGINT NOT NULL,
				source_system VARCHAR NOT NULL,
				address_type  VARCHAR NOT NULL,
				street        VARCHAR DEFAULT '',
				p_o_box       VARCHAR DEFAULT '',
				postal_number VARCHAR DEFAULT '',
				city          VARCHAR DEFAULT '',
				country       VARCHAR DEFAULT ''
			)`,
		},
		{
			name: "traits",
			sql: `CREATE TABLE IF NOT EXISTS traits (
				entity_id BIGINT NOT NULL,
				code      VARCHAR NOT NULL,
				strval    VARCHAR,
				numval    BIGINT,
				trait_date TIMESTAMP,
				target_id BIGINT
			)`,
		},
		{
			name: "group_members",
			sql: `CREATE TABLE IF NOT EXISTS group_members (
				group_id    BIGINT NOT NULL,
				member_id   BIGINT NOT NULL,
				member_type VARCHAR NOT NULL
			)`,
		},
		{
			name: "account_homes",
			sql: `CREATE TABLE IF NOT EXISTS account_homes (
				account_id BIGINT PRIMARY KEY,
				home       VARCHAR NOT NULL,
				drive      VARCHAR DEFAULT '',
				status     VARCHAR DEFAULT ''
			)`,
		},
		{
			name: "posix_users",
			sql: `CREATE TABLE IF NOT EXISTS posix_users (
				account_id BIGINT PRIMARY KEY,
				uid        BIGINT NOT NULL,
				gid        BIGINT NOT NULL,
				shell      VARCHAR DEFAULT '',
				gecos      VARCHAR DEFAULT ''
			)`,
		},
		{
			name: "posix_groups",
			sql: `CREATE TABLE IF NOT EXISTS posix_groups (
				group_id BIGINT PRIMARY KEY,
				gid      BIGINT NOT NULL
			)`,
		},
		{
			name: "mail_addresses",
			sql: `CREATE TABLE IF NOT EXISTS mail_addresses (
				entity_id  BIGINT NOT NULL,
				address    VARCHAR NOT NULL,
				is_primary BOOLEAN DEFAULT false
			)`,
		},
		{
			name: "mail_quotas",
			sql: `CREATE TABLE IF NOT EXISTS mail_quotas (
				entity_id  BIGINT PRIMARY KEY,
				quota_soft INTEGER DEFAULT 0,
				quota_hard INTEGER DEFAULT 0
			)`,
		},
		{
			name: "mail_forwards",
			sql: `CREATE TABLE IF NOT EXISTS mail_forwards (
				entity_id  BIGINT PRIMARY KEY,
				forward_to VARCHAR NOT NULL
			)`,
		},
		{
			name: "account_types",
			sql: `CREATE TABLE IF NOT EXISTS account_types (
				account_id BIGINT NOT NULL,
				person_id  BIGINT NOT NULL,
				priority   INTEGER NOT NULL
			)`,
		},
		{
			name: "affiliations",
			sql: `CREATE TABLE IF NOT EXISTS affiliations (
				person_id     BIGINT NOT NULL,
				ou_id         BIGINT NOT NULL,
				affiliation   VARCHAR NOT NULL,
				status        VARCHAR NOT NULL,
				source_system VARCHAR NOT NULL,
				deleted_date  TIMESTAMP
			)`,
		},
		{
			name: "consents",
			sql: `CREATE TABLE IF NOT EXISTS consents (
				entity_id BIGINT NOT NULL,
				consent   VARCHAR NOT NULL,
				PRIMARY KEY (entity_id, consent)
			)`,
		},
		{
			name: "change_log",
			sql: `CREATE TABLE IF NOT EXISTS change_log (
				change_id      BIGINT PRIMARY KEY,
				category       VARCHAR NOT NULL,
				action         VARCHAR NOT NULL,
				tstamp         TIMESTAMP NOT NULL,
				subject_entity BIGINT,
				dest_entity    BIGINT,
				change_params  BLOB
			)`,
		},
		{
			name: "change_handler_data",
			sql: `CREATE TABLE IF NOT EXISTS change_handler_data (
				evthdlr_key VARCHAR NOT NULL,
				change_id   BIGINT NOT NULL,
				PRIMARY KEY (evthdlr_key, change_id)
			)`,
		},
		{
			name: "seq_change_id",
			sql:  `CREATE SEQUENCE IF NOT EXISTS seq_change_id START 1`,
		},
		{
			name: "idx_spreads_spread",
			sql:  `CREATE INDEX IF NOT EXISTS idx_spreads_spread ON spreads(spread)`,
		},
		{
			name: "idx_change_log_subject",
			sql:  `CREATE INDEX IF NOT EXISTS idx_change_log_subject ON change_log(subject_entity, category, action)`,
		},
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	log.Debug("schema migration completed", "migrations", len(migrations))
	return nil
}
