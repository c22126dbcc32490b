package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/adsync/internal/entity"
)

// =============================================================================
// Source contract
// =============================================================================

// Source is the read side of the identity store the sync engine consumes,
// plus SID write-back. ids arguments restrict a query to those entities;
// nil means all.
type Source interface {
	ListEntities(ctx context.Context, q EntityQuery) ([]EntityRow, error)
	ListQuarantined(ctx context.Context, entityType string, ids []int64) ([]int64, error)
	ListSpreads(ctx context.Context, entityType string, ids []int64) ([]SpreadRow, error)

	ListContactInfo(ctx context.Context, ids []int64) ([]ContactRow, error)
	ListNames(ctx context.Context, ids []int64) ([]NameRow, error)
	ListExternalIDs(ctx context.Context, ids []int64) ([]ExternalIDRow, error)
	ListAddresses(ctx context.Context, ids []int64) ([]AddressRow, error)
	ListTraits(ctx context.Context, ids []int64) ([]TraitRow, error)
	ListMail(ctx context.Context, ids []int64) ([]MailRow, error)
	ListHomes(ctx context.Context, ids []int64) ([]HomeRow, error)
	ListPosixUsers(ctx context.Context, ids []int64) ([]PosixRow, error)
	ListPosixGroups(ctx context.Context, ids []int64) ([]PosixRow, error)

	// ListGroupMembers returns all direct memberships.
	ListGroupMembers(ctx context.Context) ([]MemberRow, error)
	// ListPrimaryAccounts maps person id to the person's primary account.
	ListPrimaryAccounts(ctx context.Context) (map[int64]int64, error)
	// ListAffiliations returns current affiliations and those deleted after
	// deletedSince.
	ListAffiliations(ctx context.Context, deletedSince time.Time) ([]AffiliationRow, error)
	ListConsents(ctx context.Context, consent string) ([]int64, error)

	// StoreExternalID inserts or replaces one external id.
	StoreExternalID(ctx context.Context, entityID int64, sourceSystem, idType, value string) error
}

// EntityQuery selects entities. Empty fields do not restrict.
type EntityQuery struct {
	Type   string
	Spread string
	IDs    []int64
	Names  []string
}

// EntityRow is one entity.
type EntityRow struct {
	ID        int64
	Type      string
	Name      string
	OwnerID   int64
	OwnerType string
}

// SpreadRow is one spread of an entity.
type SpreadRow struct {
	EntityID int64
	Spread   string
}

// ContactRow is contact info of an entity.
type ContactRow struct {
	EntityID int64
	entity.ContactInfo
}

// NameRow is a name of an entity.
type NameRow struct {
	EntityID int64
	entity.Name
}

// ExternalIDRow is an external id of an entity.
type ExternalIDRow struct {
	EntityID int64
	entity.ExternalID
}

// AddressRow is an address of an entity.
type AddressRow struct {
	EntityID int64
	entity.Address
}

// TraitRow is a trait of an entity.
type TraitRow struct {
	EntityID int64
	entity.Trait
}

// MailRow is the mail data of an entity.
type MailRow struct {
	EntityID int64
	entity.MailInfo
}

// HomeRow is the home directory of an account.
type HomeRow struct {
	EntityID int64
	entity.HomeInfo
}

// PosixRow is the POSIX data of an account or group.
type PosixRow struct {
	EntityID int64
	entity.PosixInfo
}

// MemberRow is one direct membership.
type MemberRow struct {
	GroupID    int64
	MemberID   int64
	MemberType string
}

// AffiliationRow is one person affiliation.
type AffiliationRow struct {
	PersonID     int64
	OUID         int64
	Affiliation  string
	Status       string
	SourceSystem string
	DeletedDate  *time.Time
}

// =============================================================================
// Queries
// =============================================================================

// ListEntities returns entities matching q ordered by id.
func (s *Store) ListEntities(ctx context.Context, q EntityQuery) ([]EntityRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT e.entity_id, e.entity_type, e.name, COALESCE(e.owner_id, 0), COALESCE(e.owner_type, '')
		FROM entities e WHERE 1=1`
	var args []any

	if q.Type != "" {
		query += " AND e.entity_type = ?"
		args = append(args, q.Type)
	}
	if q.Spread != "" {
		query += " AND EXISTS (SELECT 1 FROM spreads s WHERE s.entity_id = e.entity_id AND s.spread = ?)"
		args = append(args, q.Spread)
	}
	clause, idArgs := idFilter("e.entity_id", q.IDs)
	query += clause
	args = append(args, idArgs...)
	if len(q.Names) > 0 {
		query += fmt.Sprintf(" AND e.name IN (%s)", placeholders(len(q.Names)))
		for _, n := range q.Names {
			args = append(args, n)
		}
	}
	query += " ORDER BY e.entity_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var r EntityRow
		if err := rows.Scan(&r.ID, &r.Type, &r.Name, &r.OwnerID, &r.OwnerType); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListQuarantined returns ids of entities with an active quarantine.
// A quarantine is active from start_date until end_date, and not while
// disable_until lies in the future.
func (s *Store) ListQuarantined(ctx context.Context, entityType string, ids []int64) ([]int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT DISTINCT q.entity_id FROM quarantines q
		JOIN entities e ON e.entity_id = q.entity_id
		WHERE q.start_date <= now()
		  AND (q.end_date IS NULL OR q.end_date > now())
		  AND (q.disable_until IS NULL OR q.disable_until <= now())`
	var args []any
	if entityType != "" {
		query += " AND e.entity_type = ?"
		args = append(args, entityType)
	}
	clause, idArgs := idFilter("q.entity_id", ids)
	query += clause + " ORDER BY q.entity_id"
	args = append(args, idArgs...)

	return s.queryIDs(ctx, "list quarantines", query, args...)
}

// ListSpreads returns spreads of entities of entityType.
func (s *Store) ListSpreads(ctx context.Context, entityType string, ids []int64) ([]SpreadRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT s.entity_id, s.spread FROM spreads s
		JOIN entities e ON e.entity_id = s.entity_id WHERE 1=1`
	var args []any
	if entityType != "" {
		query += " AND e.entity_type = ?"
		args = append(args, entityType)
	}
	clause, idArgs := idFilter("s.entity_id", ids)
	query += clause
	args = append(args, idArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spreads: %w", err)
	}
	defer rows.Close()

	var out []SpreadRow
	for rows.Next() {
		var r SpreadRow
		if err := rows.Scan(&r.EntityID, &r.Spread); err != nil {
			return nil, fmt.Errorf("scan spread: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListContactInfo returns contact info ordered by preference.
func (s *Store) ListContactInfo(ctx context.Context, ids []int64) ([]ContactRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("entity_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, source_system, contact_type, COALESCE(contact_pref, 50), contact_value
		FROM contact_info WHERE 1=1`+clause+` ORDER BY entity_id, contact_pref`, args...)
	if err != nil {
		return nil, fmt.Errorf("list contact info: %w", err)
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var r ContactRow
		if err := rows.Scan(&r.EntityID, &r.SourceSystem, &r.Type, &r.Pref, &r.Value); err != nil {
			return nil, fmt.Errorf("scan contact info: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListNames returns person names and localized entity names.
func (s *Store) ListNames(ctx context.Context, ids []int64) ([]NameRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("entity_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, COALESCE(source_system, ''), name_variant, COALESCE(language, ''), name
		FROM names WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list names: %w", err)
	}
	defer rows.Close()

	var out []NameRow
	for rows.Next() {
		var r NameRow
		if err := rows.Scan(&r.EntityID, &r.SourceSystem, &r.Variant, &r.Language, &r.Value); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListExternalIDs returns external ids.
func (s *Store) ListExternalIDs(ctx context.Context, ids []int64) ([]ExternalIDRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("entity_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, source_system, id_type, external_id
		FROM external_ids WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list external ids: %w", err)
	}
	defer rows.Close()

	var out []ExternalIDRow
	for rows.Next() {
		var r ExternalIDRow
		if err := rows.Scan(&r.EntityID, &r.SourceSystem, &r.Type, &r.Value); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAddresses returns postal addresses.
func (s *Store) ListAddresses(ctx context.Context, ids []int64) ([]AddressRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("entity_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, source_system, address_type,
			COALESCE(street, ''), COALESCE(p_o_box, ''), COALESCE(postal_number, ''),
			COALESCE(city, ''), COALESCE(country, '')
		FROM addresses WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []AddressRow
	for rows.Next() {
		var r AddressRow
		if err := rows.Scan(&r.EntityID, &r.SourceSystem, &r.Type,
			&r.Street, &r.POBox, &r.PostalNumber, &r.City, &r.Country); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTraits returns traits.
func (s *Store) ListTraits(ctx context.Context, ids []int64) ([]TraitRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("entity_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, code, strval, numval, trait_date, target_id
		FROM traits WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list traits: %w", err)
	}
	defer rows.Close()

	var out []TraitRow
	for rows.Next() {
		var (
			r      TraitRow
			strval sql.NullString
			numval sql.NullInt64
			date   sql.NullTime
			target sql.NullInt64
		)
		if err := rows.Scan(&r.EntityID, &r.Code, &strval, &numval, &date, &target); err != nil {
			return nil, fmt.Errorf("scan trait: %w", err)
		}
		r.StrVal = strval.String
		if numval.Valid {
			n := numval.Int64
			r.NumVal = &n
		}
		if date.Valid {
			d := date.Time
			r.Date = &d
		}
		r.TargetID = target.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListMail returns mail addresses, quotas and forwards grouped per entity.
func (s *Store) ListMail(ctx context.Context, ids []int64) ([]MailRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	byID := make(map[int64]*MailRow)
	var order []int64
	get := func(id int64) *MailRow {
		if r, ok := byID[id]; ok {
			return r
		}
		r := &MailRow{EntityID: id}
		byID[id] = r
		order = append(order, id)
		return r
	}

	clause, args := idFilter("entity_id", ids)

	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, address, COALESCE(is_primary, false)
		FROM mail_addresses WHERE 1=1`+clause+` ORDER BY entity_id, address`, args...)
	if err != nil {
		return nil, fmt.Errorf("list mail addresses: %w", err)
	}
	for rows.Next() {
		var (
			id      int64
			address string
			primary bool
		)
		if err := rows.Scan(&id, &address, &primary); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mail address: %w", err)
		}
		r := get(id)
		r.Addresses = append(r.Addresses, address)
		if primary {
			r.Primary = address
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT entity_id, COALESCE(quota_soft, 0), COALESCE(quota_hard, 0)
		FROM mail_quotas WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list mail quotas: %w", err)
	}
	for rows.Next() {
		var id int64
		var soft, hard int
		if err := rows.Scan(&id, &soft, &hard); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan mail quota: %w", err)
		}
		r := get(id)
		r.QuotaSoft, r.QuotaHard = soft, hard
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT entity_id, forward_to FROM mail_forwards WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list mail forwards: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var target string
		if err := rows.Scan(&id, &target); err != nil {
			return nil, fmt.Errorf("scan mail forward: %w", err)
		}
		get(id).Target = target
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]MailRow, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// ListHomes returns account home directories.
func (s *Store) ListHomes(ctx context.Context, ids []int64) ([]HomeRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("account_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, home, COALESCE(drive, ''), COALESCE(status, '')
		FROM account_homes WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	defer rows.Close()

	var out []HomeRow
	for rows.Next() {
		var r HomeRow
		if err := rows.Scan(&r.EntityID, &r.Path, &r.Drive, &r.Status); err != nil {
			return nil, fmt.Errorf("scan home: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPosixUsers returns POSIX data of accounts, with the name of the
// default file group.
func (s *Store) ListPosixUsers(ctx context.Context, ids []int64) ([]PosixRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("u.account_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT u.account_id, u.uid, u.gid, COALESCE(u.shell, ''), COALESCE(u.gecos, ''), COALESCE(e.name, '')
		FROM posix_users u
		LEFT JOIN posix_groups g ON g.gid = u.gid
		LEFT JOIN entities e ON e.entity_id = g.group_id
		WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list posix users: %w", err)
	}
	defer rows.Close()

	var out []PosixRow
	for rows.Next() {
		var r PosixRow
		if err := rows.Scan(&r.EntityID, &r.UID, &r.GID, &r.Shell, &r.Gecos, &r.GroupName); err != nil {
			return nil, fmt.Errorf("scan posix user: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPosixGroups returns POSIX data of groups.
func (s *Store) ListPosixGroups(ctx context.Context, ids []int64) ([]PosixRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	clause, args := idFilter("group_id", ids)
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, gid FROM posix_groups WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("list posix groups: %w", err)
	}
	defer rows.Close()

	var out []PosixRow
	for rows.Next() {
		var r PosixRow
		if err := rows.Scan(&r.EntityID, &r.GID); err != nil {
			return nil, fmt.Errorf("scan posix group: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListGroupMembers returns all direct memberships.
func (s *Store) ListGroupMembers(ctx context.Context) ([]MemberRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT group_id, member_id, member_type FROM group_members ORDER BY group_id, member_id`)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var out []MemberRow
	for rows.Next() {
		var r MemberRow
		if err := rows.Scan(&r.GroupID, &r.MemberID, &r.MemberType); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListPrimaryAccounts maps each person to the account with the lowest
// priority value.
func (s *Store) ListPrimaryAccounts(ctx context.Context) (map[int64]int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT person_id, arg_min(account_id, priority)
		FROM account_types GROUP BY person_id`)
	if err != nil {
		return nil, fmt.Errorf("list primary accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var person, account int64
		if err := rows.Scan(&person, &account); err != nil {
			return nil, fmt.Errorf("scan primary account: %w", err)
		}
		out[person] = account
	}
	return out, rows.Err()
}

// ListAffiliations returns affiliations that are current or were deleted
// after deletedSince.
func (s *Store) ListAffiliations(ctx context.Context, deletedSince time.Time) ([]AffiliationRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT person_id, ou_id, affiliation, status, source_system, deleted_date
		FROM affiliations WHERE deleted_date IS NULL OR deleted_date > ?
		ORDER BY person_id`, deletedSince)
	if err != nil {
		return nil, fmt.Errorf("list affiliations: %w", err)
	}
	defer rows.Close()

	var out []AffiliationRow
	for rows.Next() {
		var (
			r       AffiliationRow
			deleted sql.NullTime
		)
		if err := rows.Scan(&r.PersonID, &r.OUID, &r.Affiliation, &r.Status, &r.SourceSystem, &deleted); err != nil {
			return nil, fmt.Errorf("scan affiliation: %w", err)
		}
		if deleted.Valid {
			d := deleted.Time
			r.DeletedDate = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListConsents returns ids of entities that gave consent.
func (s *Store) ListConsents(ctx context.Context, consent string) ([]int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.queryIDs(ctx, "list consents",
		`SELECT entity_id FROM consents WHERE consent = ? ORDER BY entity_id`, consent)
}

// StoreExternalID inserts or replaces one external id.
func (s *Store) StoreExternalID(ctx context.Context, entityID int64, sourceSystem, idType, value string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	// DuckDB rejects a delete and re-insert of one key in a transaction.
	if _, err := s.db.ExecContext(ctx, `INSERT INTO external_ids (entity_id, source_system, id_type, external_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_id, source_system, id_type) DO UPDATE SET external_id = excluded.external_id`,
		entityID, sourceSystem, idType, value); err != nil {
		return fmt.Errorf("store external id: %w", err)
	}
	return nil
}

func (s *Store) queryIDs(ctx context.Context, what, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var _ Source = (*Store)(nil)
