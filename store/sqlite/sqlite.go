/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (benefit catalog, usage ledger,
  chronic links, pre-approvals, audit log) using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  benefit.BenefitCatalog:    Benefit table lookups
  benefit.UsageStore:        Usage ledger rows with optimistic versioning
  benefit.ExtraLimitStore:   Chronic extra-limit counters
  benefit.AuditLog:          Append-only audit trail
  chronic.Store:             Condition catalog and member links
  preapproval.ApprovalStore: Pre-approval records

OPTIMISTIC LOCKING:
  Mutable rows (benefit_usage, member_conditions, pre_approvals) carry a
  version column. Every write is UPDATE ... WHERE version = ?; zero rows
  affected means another writer got there first, surfaced as
  benefit.ErrConcurrentUpdate. No row is ever overwritten blind.

APPEND-ONLY ENFORCEMENT:
  The audit_log table only ever sees INSERT:
  - No UPDATE statements on audit_log
  - No DELETE statements on audit_log
  - Ledger corrections happen through audited reversal entries

KEY TABLES:
  benefits:           Benefit table (coverage percent + limits per service)
  benefit_usage:      Ledger rows, UNIQUE(member_id, benefit_id, year)
  chronic_conditions: Condition catalog
  member_conditions:  Member-condition links with extra-limit counters
  pre_approvals:      Authorization records, UNIQUE(approval_number)
  audit_log:          Immutable trail of debits, reversals, transitions

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/claims.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := benefit.NewLedger(store, store, store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - benefit/store.go: Interface definitions and locking contract
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sufyanhr/waad-claims-engine/benefit"
	"github.com/sufyanhr/waad-claims-engine/chronic"
	"github.com/sufyanhr/waad-claims-engine/preapproval"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Benefit table (read-mostly configuration)
	CREATE TABLE IF NOT EXISTS benefits (
		id TEXT PRIMARY KEY,
		service_code TEXT NOT NULL UNIQUE,
		category TEXT NOT NULL DEFAULT '',
		coverage_percent TEXT NOT NULL,
		limit_amount TEXT NOT NULL,
		limit_count INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- Usage ledger rows, one per (member, benefit, year)
	CREATE TABLE IF NOT EXISTS benefit_usage (
		member_id TEXT NOT NULL,
		benefit_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		used_amount TEXT NOT NULL,
		used_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		UNIQUE(member_id, benefit_id, year)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_member
		ON benefit_usage(member_id, year);

	-- Chronic condition catalog
	CREATE TABLE IF NOT EXISTS chronic_conditions (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		requires_pre_approval BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Member-condition links with extra-limit counters
	CREATE TABLE IF NOT EXISTS member_conditions (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		condition_code TEXT NOT NULL,
		diagnosis_date TEXT NOT NULL,
		extra_limit TEXT NOT NULL,
		extra_limit_used TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		requires_mandatory_pre_approval BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_member_conditions_member
		ON member_conditions(member_id);

	-- Pre-approval records
	CREATE TABLE IF NOT EXISTS pre_approvals (
		id TEXT PRIMARY KEY,
		approval_number TEXT NOT NULL UNIQUE,
		member_id TEXT NOT NULL,
		service_code TEXT NOT NULL,
		provider_type TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		required_level TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		approved_amount TEXT NOT NULL,
		exceed_amount TEXT NOT NULL,
		reasons_json TEXT,
		matched_rule_id TEXT,
		valid_from TEXT,
		valid_until TEXT,
		requested_by TEXT,
		reviewed_by TEXT,
		review_notes TEXT,
		auto_approved INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		decided_at TEXT,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_pre_approvals_member
		ON pre_approvals(member_id, status);
	CREATE INDEX IF NOT EXISTS idx_pre_approvals_status
		ON pre_approvals(status);
	CREATE INDEX IF NOT EXISTS idx_pre_approvals_valid_until
		ON pre_approvals(valid_until) WHERE valid_until IS NOT NULL;

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		member_id TEXT,
		reference TEXT,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_member
		ON audit_log(member_id) WHERE member_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_audit_reference
		ON audit_log(reference) WHERE reference IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BENEFIT CATALOG (benefit.BenefitCatalog interface)
// =============================================================================

// SaveBenefit inserts or replaces a benefit table line.
func (s *Store) SaveBenefit(ctx context.Context, e benefit.BenefitEntry) error {
	query := `
		INSERT INTO benefits (id, service_code, category, coverage_percent, limit_amount, limit_count, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			service_code = excluded.service_code,
			category = excluded.category,
			coverage_percent = excluded.coverage_percent,
			limit_amount = excluded.limit_amount,
			limit_count = excluded.limit_count,
			active = excluded.active
	`

	_, err := s.db.ExecContext(ctx, query,
		string(e.ID), e.ServiceCode, e.Category,
		e.CoveragePercent.String(), e.LimitAmount.Value.String(),
		e.LimitCount, e.Active,
	)
	return err
}

func (s *Store) ByServiceCode(ctx context.Context, code string) (benefit.BenefitEntry, error) {
	entry, err := s.queryBenefit(ctx,
		"SELECT id, service_code, category, coverage_percent, limit_amount, limit_count, active FROM benefits WHERE service_code = ? AND active = TRUE",
		code)
	if err == sql.ErrNoRows {
		return benefit.BenefitEntry{}, &benefit.NotFoundError{Kind: "benefit", Ref: code}
	}
	return entry, err
}

func (s *Store) ByID(ctx context.Context, id benefit.BenefitID) (benefit.BenefitEntry, error) {
	entry, err := s.queryBenefit(ctx,
		"SELECT id, service_code, category, coverage_percent, limit_amount, limit_count, active FROM benefits WHERE id = ?",
		string(id))
	if err == sql.ErrNoRows {
		return benefit.BenefitEntry{}, &benefit.NotFoundError{Kind: "benefit", Ref: string(id)}
	}
	return entry, err
}

func (s *Store) queryBenefit(ctx context.Context, query string, args ...any) (benefit.BenefitEntry, error) {
	var (
		e                        benefit.BenefitEntry
		id, percentStr, limitStr string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&id, &e.ServiceCode, &e.Category, &percentStr, &limitStr, &e.LimitCount, &e.Active,
	)
	if err != nil {
		return benefit.BenefitEntry{}, err
	}
	e.ID = benefit.BenefitID(id)
	e.CoveragePercent, err = decimal.NewFromString(percentStr)
	if err != nil {
		return benefit.BenefitEntry{}, fmt.Errorf("corrupt coverage_percent for benefit %s: %w", id, err)
	}
	e.LimitAmount, err = parseMoney(limitStr)
	if err != nil {
		return benefit.BenefitEntry{}, fmt.Errorf("corrupt limit_amount for benefit %s: %w", id, err)
	}
	return e, nil
}

// =============================================================================
// USAGE STORE (benefit.UsageStore interface)
// =============================================================================

func (s *Store) GetUsage(ctx context.Context, memberID benefit.MemberID, benefitID benefit.BenefitID, year int) (benefit.Usage, error) {
	var (
		u         benefit.Usage
		usedStr   string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT used_amount, used_count, version, updated_at FROM benefit_usage WHERE member_id = ? AND benefit_id = ? AND year = ?",
		string(memberID), string(benefitID), year,
	).Scan(&usedStr, &u.UsedCount, &u.Version, &updatedAt)

	if err == sql.ErrNoRows {
		// Absent row: zero usage, version 0.
		return benefit.Usage{
			MemberID:   memberID,
			BenefitID:  benefitID,
			Year:       year,
			UsedAmount: benefit.ZeroMoney(),
		}, nil
	}
	if err != nil {
		return benefit.Usage{}, err
	}

	u.MemberID = memberID
	u.BenefitID = benefitID
	u.Year = year
	u.UsedAmount, err = parseMoney(usedStr)
	if err != nil {
		return benefit.Usage{}, fmt.Errorf("corrupt used_amount for %s/%s/%d: %w", memberID, benefitID, year, err)
	}
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return u, nil
}

func (s *Store) PutUsage(ctx context.Context, u benefit.Usage, expectedVersion int64) error {
	key := fmt.Sprintf("%s/%s/%d", u.MemberID, u.BenefitID, u.Year)

	if expectedVersion == 0 {
		// First write: the UNIQUE constraint rejects a racing insert.
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO benefit_usage (member_id, benefit_id, year, used_amount, used_count, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?)`,
			string(u.MemberID), string(u.BenefitID), u.Year,
			u.UsedAmount.Value.String(), u.UsedCount,
			u.UpdatedAt.Format(time.RFC3339),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &benefit.ConflictError{Resource: "usage", Key: key}
			}
			return fmt.Errorf("failed to insert usage: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE benefit_usage
		 SET used_amount = ?, used_count = ?, version = version + 1, updated_at = ?
		 WHERE member_id = ? AND benefit_id = ? AND year = ? AND version = ?`,
		u.UsedAmount.Value.String(), u.UsedCount, u.UpdatedAt.Format(time.RFC3339),
		string(u.MemberID), string(u.BenefitID), u.Year, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &benefit.ConflictError{Resource: "usage", Key: key}
	}
	return nil
}

// =============================================================================
// EXTRA LIMIT STORE (benefit.ExtraLimitStore interface)
// =============================================================================

func (s *Store) GetExtraLimit(ctx context.Context, linkID string) (limit, used benefit.Money, version int64, err error) {
	var limitStr, usedStr string
	err = s.db.QueryRowContext(ctx,
		"SELECT extra_limit, extra_limit_used, version FROM member_conditions WHERE id = ?",
		linkID,
	).Scan(&limitStr, &usedStr, &version)

	if err == sql.ErrNoRows {
		return benefit.Money{}, benefit.Money{}, 0, &benefit.NotFoundError{Kind: "condition", Ref: linkID}
	}
	if err != nil {
		return benefit.Money{}, benefit.Money{}, 0, err
	}

	limit, err = parseMoney(limitStr)
	if err != nil {
		return benefit.Money{}, benefit.Money{}, 0, fmt.Errorf("corrupt extra_limit for link %s: %w", linkID, err)
	}
	used, err = parseMoney(usedStr)
	if err != nil {
		return benefit.Money{}, benefit.Money{}, 0, fmt.Errorf("corrupt extra_limit_used for link %s: %w", linkID, err)
	}
	return limit, used, version, nil
}

func (s *Store) PutExtraLimitUsed(ctx context.Context, linkID string, used benefit.Money, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE member_conditions
		 SET extra_limit_used = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		used.Value.String(), time.Now().UTC().Format(time.RFC3339),
		linkID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update extra limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Row may be absent or version-stale; distinguish for the caller.
		var exists int
		if qerr := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM member_conditions WHERE id = ?", linkID,
		).Scan(&exists); qerr == nil && exists == 0 {
			return &benefit.NotFoundError{Kind: "condition", Ref: linkID}
		}
		return &benefit.ConflictError{Resource: "condition", Key: linkID}
	}
	return nil
}

// =============================================================================
// CHRONIC STORE (chronic.Store interface)
// =============================================================================

// SaveCondition inserts or replaces a chronic condition catalog entry.
func (s *Store) SaveCondition(ctx context.Context, c chronic.Condition) error {
	query := `
		INSERT INTO chronic_conditions (code, name, category, requires_pre_approval)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			requires_pre_approval = excluded.requires_pre_approval
	`
	_, err := s.db.ExecContext(ctx, query, c.Code, c.Name, c.Category, c.RequiresPreApproval)
	return err
}

// SaveLink inserts a member condition link. Runtime mutation of the used
// counter goes through PutExtraLimitUsed only.
func (s *Store) SaveLink(ctx context.Context, link chronic.MemberCondition) error {
	var validUntil *string
	if !link.ValidUntil.IsZero() {
		v := link.ValidUntil.Format(time.RFC3339)
		validUntil = &v
	}

	query := `
		INSERT INTO member_conditions
		(id, member_id, condition_code, diagnosis_date, extra_limit, extra_limit_used,
		 valid_from, valid_until, active, requires_mandatory_pre_approval, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		link.ID, string(link.MemberID), link.ConditionCode,
		link.DiagnosisDate.Format(time.RFC3339),
		link.ExtraLimit.Value.String(), link.ExtraLimitUsed.Value.String(),
		link.ValidFrom.Format(time.RFC3339), validUntil,
		link.Active, link.RequiresMandatoryPreApproval,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil && isUniqueConstraintError(err) {
		return &benefit.ConflictError{Resource: "condition", Key: link.ID}
	}
	return err
}

func (s *Store) GetCondition(ctx context.Context, code string) (chronic.Condition, error) {
	var c chronic.Condition
	err := s.db.QueryRowContext(ctx,
		"SELECT code, name, category, requires_pre_approval FROM chronic_conditions WHERE code = ?",
		code,
	).Scan(&c.Code, &c.Name, &c.Category, &c.RequiresPreApproval)

	if err == sql.ErrNoRows {
		return chronic.Condition{}, &benefit.NotFoundError{Kind: "condition", Ref: code}
	}
	return c, err
}

func (s *Store) LinksByMember(ctx context.Context, memberID benefit.MemberID) ([]chronic.MemberCondition, error) {
	query := `
		SELECT id, member_id, condition_code, diagnosis_date, extra_limit, extra_limit_used,
		       valid_from, valid_until, active, requires_mandatory_pre_approval, version, updated_at
		FROM member_conditions
		WHERE member_id = ?
		ORDER BY diagnosis_date ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(memberID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []chronic.MemberCondition
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Store) GetLink(ctx context.Context, linkID string) (chronic.MemberCondition, error) {
	query := `
		SELECT id, member_id, condition_code, diagnosis_date, extra_limit, extra_limit_used,
		       valid_from, valid_until, active, requires_mandatory_pre_approval, version, updated_at
		FROM member_conditions
		WHERE id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, linkID)
	if err != nil {
		return chronic.MemberCondition{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return chronic.MemberCondition{}, err
		}
		return chronic.MemberCondition{}, &benefit.NotFoundError{Kind: "condition", Ref: linkID}
	}
	return scanLink(rows)
}

func scanLink(rows *sql.Rows) (chronic.MemberCondition, error) {
	var (
		link                              chronic.MemberCondition
		memberID                          string
		diagnosisDate, validFrom, updated string
		validUntil                        sql.NullString
		limitStr, usedStr                 string
	)

	err := rows.Scan(
		&link.ID, &memberID, &link.ConditionCode, &diagnosisDate,
		&limitStr, &usedStr, &validFrom, &validUntil,
		&link.Active, &link.RequiresMandatoryPreApproval, &link.Version, &updated,
	)
	if err != nil {
		return link, fmt.Errorf("failed to scan member condition: %w", err)
	}

	link.MemberID = benefit.MemberID(memberID)
	link.DiagnosisDate, _ = time.Parse(time.RFC3339, diagnosisDate)
	link.ValidFrom, _ = time.Parse(time.RFC3339, validFrom)
	link.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if validUntil.Valid {
		link.ValidUntil, _ = time.Parse(time.RFC3339, validUntil.String)
	}

	link.ExtraLimit, err = parseMoney(limitStr)
	if err != nil {
		return link, fmt.Errorf("corrupt extra_limit for link %s: %w", link.ID, err)
	}
	link.ExtraLimitUsed, err = parseMoney(usedStr)
	if err != nil {
		return link, fmt.Errorf("corrupt extra_limit_used for link %s: %w", link.ID, err)
	}
	return link, nil
}

// =============================================================================
// APPROVAL STORE (preapproval.ApprovalStore interface)
// =============================================================================

func (s *Store) CreateApproval(ctx context.Context, p preapproval.PreApproval) error {
	reasonsJSON, _ := json.Marshal(p.Reasons)

	query := `
		INSERT INTO pre_approvals
		(id, approval_number, member_id, service_code, provider_type, type, status,
		 required_level, requested_amount, approved_amount, exceed_amount, reasons_json,
		 matched_rule_id, valid_from, valid_until, requested_by, reviewed_by, review_notes,
		 auto_approved, created_at, decided_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ApprovalNumber, string(p.MemberID), p.ServiceCode, p.ProviderType,
		string(p.Type), string(p.Status), p.RequiredLevel.String(),
		p.RequestedAmount.Value.String(), p.ApprovedAmount.Value.String(), p.ExceedAmount.Value.String(),
		string(reasonsJSON), p.MatchedRuleID,
		nullTime(p.ValidFrom), nullTime(p.ValidUntil),
		p.RequestedBy, p.ReviewedBy, p.ReviewNotes, p.AutoApproved,
		p.CreatedAt.Format(time.RFC3339), nullTime(p.DecidedAt),
		p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &benefit.ConflictError{Resource: "approval", Key: p.ApprovalNumber}
		}
		return fmt.Errorf("failed to insert pre-approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, approval_number, member_id, service_code, provider_type, type, status,
	required_level, requested_amount, approved_amount, exceed_amount, reasons_json,
	matched_rule_id, valid_from, valid_until, requested_by, reviewed_by, review_notes,
	auto_approved, created_at, decided_at, updated_at, version`

func (s *Store) GetApproval(ctx context.Context, id string) (preapproval.PreApproval, error) {
	return s.queryOneApproval(ctx,
		"SELECT "+approvalColumns+" FROM pre_approvals WHERE id = ?", id)
}

func (s *Store) GetApprovalByNumber(ctx context.Context, number string) (preapproval.PreApproval, error) {
	return s.queryOneApproval(ctx,
		"SELECT "+approvalColumns+" FROM pre_approvals WHERE approval_number = ?", number)
}

func (s *Store) queryOneApproval(ctx context.Context, query string, ref string) (preapproval.PreApproval, error) {
	rows, err := s.db.QueryContext(ctx, query, ref)
	if err != nil {
		return preapproval.PreApproval{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return preapproval.PreApproval{}, err
		}
		return preapproval.PreApproval{}, &benefit.NotFoundError{Kind: "approval", Ref: ref}
	}
	return scanApproval(rows)
}

func (s *Store) UpdateApproval(ctx context.Context, p preapproval.PreApproval, expectedVersion int64) error {
	reasonsJSON, _ := json.Marshal(p.Reasons)

	res, err := s.db.ExecContext(ctx,
		`UPDATE pre_approvals
		 SET status = ?, required_level = ?, approved_amount = ?, reasons_json = ?,
		     valid_from = ?, valid_until = ?, reviewed_by = ?, review_notes = ?,
		     decided_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(p.Status), p.RequiredLevel.String(), p.ApprovedAmount.Value.String(),
		string(reasonsJSON), nullTime(p.ValidFrom), nullTime(p.ValidUntil),
		p.ReviewedBy, p.ReviewNotes, nullTime(p.DecidedAt),
		p.UpdatedAt.Format(time.RFC3339),
		p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update pre-approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if qerr := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM pre_approvals WHERE id = ?", p.ID,
		).Scan(&exists); qerr == nil && exists == 0 {
			return &benefit.NotFoundError{Kind: "approval", Ref: p.ID}
		}
		return &benefit.ConflictError{Resource: "approval", Key: p.ID}
	}
	return nil
}

func (s *Store) ListApprovalsByStatus(ctx context.Context, memberID benefit.MemberID, statuses ...preapproval.Status) ([]preapproval.PreApproval, error) {
	query := "SELECT " + approvalColumns + " FROM pre_approvals"
	var (
		conds []string
		args  []any
	)
	if memberID != "" {
		conds = append(conds, "member_id = ?")
		args = append(args, string(memberID))
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	return s.queryApprovals(ctx, query, args...)
}

func (s *Store) ListExpiring(ctx context.Context, cutoff time.Time) ([]preapproval.PreApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM pre_approvals
		WHERE valid_until IS NOT NULL AND valid_until <= ?
		  AND status NOT IN ('REJECTED', 'EXPIRED', 'USED', 'CANCELLED')
		ORDER BY valid_until ASC
	`
	return s.queryApprovals(ctx, query, cutoff.Format(time.RFC3339))
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]preapproval.PreApproval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pre-approvals: %w", err)
	}
	defer rows.Close()

	var approvals []preapproval.PreApproval
	for rows.Next() {
		p, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, p)
	}
	return approvals, rows.Err()
}

func scanApproval(rows *sql.Rows) (preapproval.PreApproval, error) {
	var (
		p                                preapproval.PreApproval
		memberID, typ, status, level     string
		requestedStr, approvedStr        string
		exceedStr                        string
		reasonsJSON, matchedRuleID       sql.NullString
		validFrom, validUntil, decidedAt sql.NullString
		requestedBy, reviewedBy, notes   sql.NullString
		createdAt, updatedAt             string
	)

	err := rows.Scan(
		&p.ID, &p.ApprovalNumber, &memberID, &p.ServiceCode, &p.ProviderType,
		&typ, &status, &level, &requestedStr, &approvedStr, &exceedStr,
		&reasonsJSON, &matchedRuleID, &validFrom, &validUntil,
		&requestedBy, &reviewedBy, &notes, &p.AutoApproved,
		&createdAt, &decidedAt, &updatedAt, &p.Version,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan pre-approval: %w", err)
	}

	p.MemberID = benefit.MemberID(memberID)
	p.Type = preapproval.Type(typ)
	p.Status = preapproval.Status(status)
	p.RequiredLevel, err = preapproval.ParseLevel(level)
	if err != nil {
		return p, fmt.Errorf("corrupt required_level for approval %s: %w", p.ID, err)
	}

	p.RequestedAmount, err = parseMoney(requestedStr)
	if err != nil {
		return p, fmt.Errorf("corrupt requested_amount for approval %s: %w", p.ID, err)
	}
	p.ApprovedAmount, err = parseMoney(approvedStr)
	if err != nil {
		return p, fmt.Errorf("corrupt approved_amount for approval %s: %w", p.ID, err)
	}
	p.ExceedAmount, err = parseMoney(exceedStr)
	if err != nil {
		return p, fmt.Errorf("corrupt exceed_amount for approval %s: %w", p.ID, err)
	}

	if reasonsJSON.Valid && reasonsJSON.String != "" {
		json.Unmarshal([]byte(reasonsJSON.String), &p.Reasons)
	}
	p.MatchedRuleID = matchedRuleID.String
	p.RequestedBy = requestedBy.String
	p.ReviewedBy = reviewedBy.String
	p.ReviewNotes = notes.String

	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if validFrom.Valid {
		p.ValidFrom, _ = time.Parse(time.RFC3339, validFrom.String)
	}
	if validUntil.Valid {
		p.ValidUntil, _ = time.Parse(time.RFC3339, validUntil.String)
	}
	if decidedAt.Valid {
		p.DecidedAt, _ = time.Parse(time.RFC3339, decidedAt.String)
	}
	return p, nil
}

// =============================================================================
// AUDIT LOG (benefit.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry benefit.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, timestamp, actor_id, action, member_id, reference, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.Format(time.RFC3339), entry.ActorID,
		string(entry.Action), nullString(string(entry.MemberID)),
		nullString(entry.Reference), entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditByMember returns a member's audit trail, oldest first.
func (s *Store) AuditByMember(ctx context.Context, memberID benefit.MemberID, limit int) ([]benefit.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, actor_id, action, member_id, reference, detail
		 FROM audit_log WHERE member_id = ? ORDER BY timestamp ASC LIMIT ?`,
		string(memberID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []benefit.AuditEntry
	for rows.Next() {
		var (
			e                 benefit.AuditEntry
			ts, action        string
			member, reference sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &action, &member, &reference, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		e.Action = benefit.AuditAction(action)
		e.MemberID = benefit.MemberID(member.String)
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo). The audit log is kept: it is
// append-only even for tooling.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"benefit_usage", "member_conditions", "pre_approvals", "chronic_conditions", "benefits"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func parseMoney(s string) (benefit.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return benefit.Money{}, err
	}
	return benefit.Money{Value: d}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Interface conformance.
var (
	_ benefit.BenefitCatalog    = (*Store)(nil)
	_ benefit.UsageStore        = (*Store)(nil)
	_ benefit.ExtraLimitStore   = (*Store)(nil)
	_ benefit.AuditLog          = (*Store)(nil)
	_ chronic.Store             = (*Store)(nil)
	_ preapproval.ApprovalStore = (*Store)(nil)
)
