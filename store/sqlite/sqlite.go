/*
Package sqlite provides a SQLite-backed implementation of the engine's
repository ports.

PURPOSE:
  Implements every persistence port of the commission package on SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

PORTS IMPLEMENTED:
  commission.ScaleProvider        Scale catalog reads
  commission.CommissionRepo       Commission entries + accumulation sums
  commission.ReversalRepo         Clawback records
  commission.NegativeBalanceRepo  Carry-forward balances
  commission.RecurrenceRepo       Commitments + processed-key marking
  commission.StatementRepo        Statements with their lines
  commission.AuditRepo            Append-only trail

APPEND-ONLY ENFORCEMENT:
  The audit_log table never sees an UPDATE or DELETE statement. There is
  no code path that could issue one.

AT-MOST-ONCE ENFORCEMENT:
  processed_keys has the key as PRIMARY KEY; MarkProcessed is a plain
  INSERT, so the loser of a concurrent race gets the unique-constraint
  error and reports already=true. negative_balances carries a partial
  unique index allowing one active balance per apporteur.

AMOUNTS:
  Stored as decimal strings, never floats. Parsed back through
  shopspring/decimal on scan.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/repo.go: Port definitions
  - commission/store/memory.go: In-memory twin for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// Store implements all repository ports using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ commission.ScaleProvider  = (*Store)(nil)
	_ commission.CommissionRepo = (*Store)(nil)
	_ commission.AuditRepo      = (*Store)(nil)
)

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
	-- Scale catalog (tiers stored as JSON, the catalog is read-mostly)
	CREATE TABLE IF NOT EXISTS scales (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		name TEXT NOT NULL,
		product_type TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		tiers_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scales_org_type
		ON scales(organisation, product_type, active);

	-- Commission entries
	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		apporteur TEXT NOT NULL,
		contract TEXT NOT NULL,
		product TEXT NOT NULL,
		reference TEXT NOT NULL,
		base_amount TEXT NOT NULL DEFAULT '0',
		gross TEXT NOT NULL,
		reversed TEXT NOT NULL,
		advances TEXT NOT NULL,
		net TEXT NOT NULL,
		status TEXT NOT NULL,
		period TEXT NOT NULL,
		scale_id TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	);

	-- Hot path: accumulation sums and statement builds
	CREATE INDEX IF NOT EXISTS idx_commissions_apporteur_period
		ON commissions(organisation, apporteur, period);
	CREATE INDEX IF NOT EXISTS idx_commissions_contract
		ON commissions(organisation, contract);
	-- Deliberately NOT unique: duplicates are detected and alerted on,
	-- the processed_keys table is what prevents them.
	CREATE INDEX IF NOT EXISTS idx_commissions_idempotency
		ON commissions(idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Reversal records
	CREATE TABLE IF NOT EXISTS reversals (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		apporteur TEXT NOT NULL,
		contract TEXT NOT NULL,
		commission_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		kind TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		rate TEXT,
		original_amount TEXT NOT NULL DEFAULT '0',
		applied_amount TEXT NOT NULL,
		carried_amount TEXT NOT NULL,
		event_date TEXT NOT NULL,
		deadline TEXT NOT NULL,
		origin_period TEXT NOT NULL DEFAULT '',
		application_period TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reversals_apporteur_period
		ON reversals(organisation, apporteur, application_period, status);
	CREATE INDEX IF NOT EXISTS idx_reversals_contract
		ON reversals(organisation, contract);

	-- Negative balances: one ACTIVE per apporteur, enforced here
	CREATE TABLE IF NOT EXISTS negative_balances (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		apporteur TEXT NOT NULL,
		amount TEXT NOT NULL,
		origin_period TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_balances_one_active
		ON negative_balances(organisation, apporteur)
		WHERE status = 'active';

	-- Recurring commitments
	CREATE TABLE IF NOT EXISTS recurring_commitments (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		apporteur TEXT NOT NULL,
		contract TEXT NOT NULL,
		product TEXT NOT NULL,
		product_type TEXT NOT NULL DEFAULT '',
		base_amount TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		start_period TEXT NOT NULL DEFAULT '',
		end_period TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commitments_org_active
		ON recurring_commitments(organisation, active);

	-- CRITICAL: the at-most-once guarantee. INSERT races resolve here.
	CREATE TABLE IF NOT EXISTS processed_keys (
		key TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Statements and their lines
	CREATE TABLE IF NOT EXISTS statements (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		apporteur TEXT NOT NULL,
		period TEXT NOT NULL,
		reference TEXT NOT NULL,
		status TEXT NOT NULL,
		total_gross TEXT NOT NULL,
		total_deductions TEXT NOT NULL,
		total_net TEXT NOT NULL,
		supplementary BOOLEAN NOT NULL DEFAULT FALSE,
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_statements_apporteur_period
		ON statements(organisation, apporteur, period);

	CREATE TABLE IF NOT EXISTS statement_lines (
		id TEXT PRIMARY KEY,
		statement_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		reference TEXT NOT NULL,
		label TEXT NOT NULL,
		amount TEXT NOT NULL,
		selected BOOLEAN NOT NULL,
		motif TEXT NOT NULL DEFAULT '',
		disputed BOOLEAN NOT NULL DEFAULT FALSE,
		dispute_reason TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL,
		FOREIGN KEY (statement_id) REFERENCES statements(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_lines_statement
		ON statement_lines(statement_id, position);

	-- Audit trail (append-only: no UPDATE/DELETE path exists in code)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		organisation TEXT NOT NULL,
		scope TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		apporteur TEXT NOT NULL DEFAULT '',
		period TEXT NOT NULL DEFAULT '',
		amount TEXT,
		before_json TEXT,
		after_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_org_scope
		ON audit_log(organisation, scope, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_ref
		ON audit_log(ref_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCALE PROVIDER (commission.ScaleProvider interface)
// =============================================================================

// SaveScale inserts or replaces a scale in the catalog.
func (s *Store) SaveScale(ctx context.Context, sc commission.Scale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiersJSON, err := json.Marshal(sc.Tiers)
	if err != nil {
		return fmt.Errorf("marshal tiers: %w", err)
	}

	query := `
		INSERT INTO scales (id, organisation, name, product_type, active, tiers_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			product_type = excluded.product_type,
			active = excluded.active,
			tiers_json = excluded.tiers_json
	`
	_, err = s.db.ExecContext(ctx, query,
		string(sc.ID), string(sc.Organisation), sc.Name, sc.ProductType, sc.Active,
		string(tiersJSON), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) ActiveScales(ctx context.Context, org commission.OrganisationID, productType string) ([]commission.Scale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, organisation, name, product_type, active, tiers_json
		FROM scales
		WHERE organisation = ? AND active = TRUE
		  AND (product_type = '' OR product_type = ?)
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(org), productType)
	if err != nil {
		return nil, fmt.Errorf("query scales: %w", err)
	}
	defer rows.Close()

	var scales []commission.Scale
	for rows.Next() {
		var sc commission.Scale
		var tiersJSON string
		if err := rows.Scan(&sc.ID, &sc.Organisation, &sc.Name, &sc.ProductType, &sc.Active, &tiersJSON); err != nil {
			return nil, fmt.Errorf("scan scale: %w", err)
		}
		if err := json.Unmarshal([]byte(tiersJSON), &sc.Tiers); err != nil {
			return nil, fmt.Errorf("unmarshal tiers for scale %s: %w", sc.ID, err)
		}
		scales = append(scales, sc)
	}
	return scales, rows.Err()
}

// =============================================================================
// COMMISSION REPO (commission.CommissionRepo interface)
// =============================================================================

func (s *Store) Create(ctx context.Context, c *commission.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO commissions
		(id, organisation, apporteur, contract, product, reference,
		 base_amount, gross, reversed, advances, net, status, period, scale_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		string(c.ID), string(c.Organisation), string(c.Apporteur), string(c.Contract),
		string(c.Product), c.Reference,
		c.BaseAmount.String(), c.Gross.String(), c.Reversed.String(), c.Advances.String(), c.Net.String(),
		string(c.Status), string(c.Period), string(c.ScaleID),
		nullString(c.IdempotencyKey),
		c.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert commission: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, org commission.OrganisationID, id commission.CommissionID) (*commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := commissionSelect + ` WHERE id = ? AND organisation = ?`
	row := s.db.QueryRowContext(ctx, query, string(id), string(org))
	c, err := scanCommission(row)
	if err == sql.ErrNoRows {
		return nil, &commission.NotFoundError{Kind: "commission", Ref: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Update(ctx context.Context, c *commission.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE commissions
		SET gross = ?, reversed = ?, advances = ?, net = ?, status = ?
		WHERE id = ? AND organisation = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		c.Gross.String(), c.Reversed.String(), c.Advances.String(), c.Net.String(),
		string(c.Status), string(c.ID), string(c.Organisation),
	)
	if err != nil {
		return fmt.Errorf("update commission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &commission.NotFoundError{Kind: "commission", Ref: string(c.ID)}
	}
	return nil
}

func (s *Store) ListByPeriod(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) ([]*commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := commissionSelect + `
		WHERE organisation = ? AND apporteur = ? AND period = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryCommissions(ctx, query, string(org), string(apporteur), string(period))
}

func (s *Store) ListByContract(ctx context.Context, org commission.OrganisationID, contract commission.ContractID) ([]*commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := commissionSelect + `
		WHERE organisation = ? AND contract = ?
		ORDER BY created_at ASC, id ASC
	`
	return s.queryCommissions(ctx, query, string(org), string(contract))
}

func (s *Store) SumBases(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Sums happen in Go, not SQL: base_amount is a decimal string, and
	// SQLite SUM() over text would fall back to floats.
	query := `SELECT base_amount FROM commissions WHERE organisation = ? AND apporteur = ?`
	args := []any{string(org), string(apporteur)}
	if !period.IsZero() {
		query += ` AND period = ?`
		args = append(args, string(period))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query base amounts: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt base amount %q: %w", raw, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (s *Store) CountByIdempotencyKey(ctx context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commissions WHERE idempotency_key = ?", key,
	).Scan(&count)
	return count, err
}

const commissionSelect = `
	SELECT id, organisation, apporteur, contract, product, reference,
	       base_amount, gross, reversed, advances, net, status, period, scale_id,
	       idempotency_key, created_at
	FROM commissions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommission(row rowScanner) (*commission.Commission, error) {
	var c commission.Commission
	var baseAmount, gross, reversed, advances, net, createdAt string
	var idempotencyKey sql.NullString

	err := row.Scan(
		&c.ID, &c.Organisation, &c.Apporteur, &c.Contract, &c.Product, &c.Reference,
		&baseAmount, &gross, &reversed, &advances, &net, &c.Status, &c.Period, &c.ScaleID,
		&idempotencyKey, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if c.BaseAmount, err = decimal.NewFromString(baseAmount); err != nil {
		return nil, fmt.Errorf("corrupt base amount %q: %w", baseAmount, err)
	}
	if c.Gross, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("corrupt gross %q: %w", gross, err)
	}
	if c.Reversed, err = decimal.NewFromString(reversed); err != nil {
		return nil, fmt.Errorf("corrupt reversed %q: %w", reversed, err)
	}
	if c.Advances, err = decimal.NewFromString(advances); err != nil {
		return nil, fmt.Errorf("corrupt advances %q: %w", advances, err)
	}
	if c.Net, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("corrupt net %q: %w", net, err)
	}
	c.IdempotencyKey = idempotencyKey.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}

func (s *Store) queryCommissions(ctx context.Context, query string, args ...any) ([]*commission.Commission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	var out []*commission.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// REVERSAL REPO
// =============================================================================

// Reversals returns the store as a commission.ReversalRepo.
func (s *Store) Reversals() commission.ReversalRepo { return reversalStore{s} }

type reversalStore struct{ s *Store }

func (rs reversalStore) Create(ctx context.Context, r *commission.Reversal) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var rate sql.NullString
	if r.Rate != nil {
		rate = sql.NullString{String: r.Rate.String(), Valid: true}
	}
	query := `
		INSERT INTO reversals
		(id, organisation, apporteur, contract, commission_id, reference, kind, mode,
		 amount, rate, original_amount, applied_amount, carried_amount,
		 event_date, deadline, origin_period, application_period, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := rs.s.db.ExecContext(ctx, query,
		string(r.ID), string(r.Organisation), string(r.Apporteur), string(r.Contract),
		string(r.CommissionID), r.Reference, string(r.Kind), string(r.Mode),
		r.Amount.String(), rate, r.OriginalAmount.String(),
		r.AppliedAmount.String(), r.CarriedAmount.String(),
		r.EventDate.Format(time.RFC3339), r.Deadline.Format(time.RFC3339),
		string(r.OriginPeriod), string(r.ApplicationPeriod), string(r.Status),
		r.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert reversal: %w", err)
	}
	return nil
}

func (rs reversalStore) Get(ctx context.Context, org commission.OrganisationID, id commission.ReversalID) (*commission.Reversal, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	row := rs.s.db.QueryRowContext(ctx, reversalSelect+` WHERE id = ? AND organisation = ?`,
		string(id), string(org))
	r, err := scanReversal(row)
	if err == sql.ErrNoRows {
		return nil, &commission.NotFoundError{Kind: "reversal", Ref: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (rs reversalStore) Update(ctx context.Context, r *commission.Reversal) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	query := `
		UPDATE reversals
		SET mode = ?, applied_amount = ?, carried_amount = ?, status = ?
		WHERE id = ? AND organisation = ?
	`
	res, err := rs.s.db.ExecContext(ctx, query,
		string(r.Mode), r.AppliedAmount.String(), r.CarriedAmount.String(),
		string(r.Status), string(r.ID), string(r.Organisation),
	)
	if err != nil {
		return fmt.Errorf("update reversal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &commission.NotFoundError{Kind: "reversal", Ref: string(r.ID)}
	}
	return nil
}

func (rs reversalStore) List(ctx context.Context, org commission.OrganisationID, f commission.ReversalFilter) ([]*commission.Reversal, error) {
	rs.s.mu.RLock()
	defer rs.s.mu.RUnlock()

	query := reversalSelect + ` WHERE organisation = ?`
	args := []any{string(org)}
	if f.Apporteur != "" {
		query += ` AND apporteur = ?`
		args = append(args, string(f.Apporteur))
	}
	if f.Contract != "" {
		query += ` AND contract = ?`
		args = append(args, string(f.Contract))
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if !f.ApplicationPeriod.IsZero() {
		query += ` AND application_period = ?`
		args = append(args, string(f.ApplicationPeriod))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := rs.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reversals: %w", err)
	}
	defer rows.Close()

	var out []*commission.Reversal
	for rows.Next() {
		r, err := scanReversal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const reversalSelect = `
	SELECT id, organisation, apporteur, contract, commission_id, reference, kind, mode,
	       amount, rate, original_amount, applied_amount, carried_amount,
	       event_date, deadline, origin_period, application_period, status, created_at
	FROM reversals
`

func scanReversal(row rowScanner) (*commission.Reversal, error) {
	var r commission.Reversal
	var amount, original, applied, carried, eventDate, deadline, createdAt string
	var rate sql.NullString

	err := row.Scan(
		&r.ID, &r.Organisation, &r.Apporteur, &r.Contract, &r.CommissionID,
		&r.Reference, &r.Kind, &r.Mode,
		&amount, &rate, &original, &applied, &carried, &eventDate, &deadline,
		&r.OriginPeriod, &r.ApplicationPeriod, &r.Status, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate %q: %w", rate.String, err)
		}
		r.Rate = &d
	}
	if r.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return nil, fmt.Errorf("corrupt original amount %q: %w", original, err)
	}
	if r.AppliedAmount, err = decimal.NewFromString(applied); err != nil {
		return nil, fmt.Errorf("corrupt applied amount %q: %w", applied, err)
	}
	if r.CarriedAmount, err = decimal.NewFromString(carried); err != nil {
		return nil, fmt.Errorf("corrupt carried amount %q: %w", carried, err)
	}
	r.EventDate, _ = time.Parse(time.RFC3339, eventDate)
	r.Deadline, _ = time.Parse(time.RFC3339, deadline)
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}

// =============================================================================
// NEGATIVE BALANCE REPO
// =============================================================================

// Balances returns the store as a commission.NegativeBalanceRepo.
func (s *Store) Balances() commission.NegativeBalanceRepo { return balanceStore{s} }

type balanceStore struct{ s *Store }

func (bs balanceStore) Create(ctx context.Context, b *commission.NegativeBalance) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()

	query := `
		INSERT INTO negative_balances
		(id, organisation, apporteur, amount, origin_period, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := bs.s.db.ExecContext(ctx, query,
		string(b.ID), string(b.Organisation), string(b.Apporteur),
		b.Amount.String(), string(b.OriginPeriod), string(b.Status),
		b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &commission.ValidationError{
				Field:  string(b.Apporteur),
				Reason: "apporteur already has an active balance",
			}
		}
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

func (bs balanceStore) Update(ctx context.Context, b *commission.NegativeBalance) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()

	query := `
		UPDATE negative_balances
		SET amount = ?, status = ?, updated_at = ?
		WHERE id = ? AND organisation = ?
	`
	res, err := bs.s.db.ExecContext(ctx, query,
		b.Amount.String(), string(b.Status), b.UpdatedAt.Format(time.RFC3339),
		string(b.ID), string(b.Organisation),
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &commission.NotFoundError{Kind: "balance", Ref: string(b.ID)}
	}
	return nil
}

func (bs balanceStore) Active(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID) (*commission.NegativeBalance, error) {
	bs.s.mu.RLock()
	defer bs.s.mu.RUnlock()

	row := bs.s.db.QueryRowContext(ctx, balanceSelect+`
		WHERE organisation = ? AND apporteur = ? AND status = 'active'`,
		string(org), string(apporteur))
	b, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (bs balanceStore) List(ctx context.Context, org commission.OrganisationID, status commission.BalanceStatus) ([]*commission.NegativeBalance, error) {
	bs.s.mu.RLock()
	defer bs.s.mu.RUnlock()

	query := balanceSelect + ` WHERE organisation = ?`
	args := []any{string(org)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := bs.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []*commission.NegativeBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const balanceSelect = `
	SELECT id, organisation, apporteur, amount, origin_period, status, created_at, updated_at
	FROM negative_balances
`

func scanBalance(row rowScanner) (*commission.NegativeBalance, error) {
	var b commission.NegativeBalance
	var amount, createdAt, updatedAt string

	err := row.Scan(&b.ID, &b.Organisation, &b.Apporteur, &amount,
		&b.OriginPeriod, &b.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt balance amount %q: %w", amount, err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &b, nil
}

// =============================================================================
// RECURRENCE REPO
// =============================================================================

// Recurrences returns the store as a commission.RecurrenceRepo.
func (s *Store) Recurrences() commission.RecurrenceRepo { return recurrenceStore{s} }

type recurrenceStore struct{ s *Store }

func (rc recurrenceStore) Save(ctx context.Context, c *commission.RecurringCommitment) error {
	rc.s.mu.Lock()
	defer rc.s.mu.Unlock()

	query := `
		INSERT INTO recurring_commitments
		(id, organisation, apporteur, contract, product, product_type, base_amount,
		 active, start_period, end_period, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product_type = excluded.product_type,
			base_amount = excluded.base_amount,
			active = excluded.active,
			start_period = excluded.start_period,
			end_period = excluded.end_period
	`
	_, err := rc.s.db.ExecContext(ctx, query,
		string(c.ID), string(c.Organisation), string(c.Apporteur), string(c.Contract),
		string(c.Product), c.ProductType, c.BaseAmount.String(), c.Active,
		string(c.StartPeriod), string(c.EndPeriod),
		c.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (rc recurrenceStore) ListActive(ctx context.Context, org commission.OrganisationID) ([]*commission.RecurringCommitment, error) {
	rc.s.mu.RLock()
	defer rc.s.mu.RUnlock()

	query := `
		SELECT id, organisation, apporteur, contract, product, product_type,
		       base_amount, active, start_period, end_period, created_at
		FROM recurring_commitments
		WHERE organisation = ? AND active = TRUE
		ORDER BY id ASC
	`
	rows, err := rc.s.db.QueryContext(ctx, query, string(org))
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	defer rows.Close()

	var out []*commission.RecurringCommitment
	for rows.Next() {
		var c commission.RecurringCommitment
		var base, createdAt string
		if err := rows.Scan(&c.ID, &c.Organisation, &c.Apporteur, &c.Contract,
			&c.Product, &c.ProductType, &base, &c.Active, &c.StartPeriod, &c.EndPeriod, &createdAt); err != nil {
			return nil, err
		}
		if c.BaseAmount, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("corrupt base amount %q: %w", base, err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkProcessed claims the key with a plain INSERT. The PRIMARY KEY makes the
// claim atomic: a concurrent loser hits the unique constraint and reports
// already=true.
func (rc recurrenceStore) MarkProcessed(ctx context.Context, key string) (bool, error) {
	rc.s.mu.Lock()
	defer rc.s.mu.Unlock()

	_, err := rc.s.db.ExecContext(ctx,
		"INSERT INTO processed_keys (key, created_at) VALUES (?, ?)",
		key, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return true, nil
		}
		return false, fmt.Errorf("mark key: %w", err)
	}
	return false, nil
}

func (rc recurrenceStore) Unmark(ctx context.Context, key string) error {
	rc.s.mu.Lock()
	defer rc.s.mu.Unlock()

	_, err := rc.s.db.ExecContext(ctx, "DELETE FROM processed_keys WHERE key = ?", key)
	return err
}

// =============================================================================
// STATEMENT REPO
// =============================================================================

// Statements returns the store as a commission.StatementRepo.
func (s *Store) Statements() commission.StatementRepo { return statementStore{s} }

type statementStore struct{ s *Store }

func (ss statementStore) Create(ctx context.Context, st *commission.Statement) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	tx, err := ss.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO statements
		(id, organisation, apporteur, period, reference, status,
		 total_gross, total_deductions, total_net, supplementary, content_hash,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		string(st.ID), string(st.Organisation), string(st.Apporteur), string(st.Period),
		st.Reference, string(st.Status),
		st.TotalGross.String(), st.TotalDeductions.String(), st.TotalNet.String(),
		st.Supplementary, st.ContentHash,
		st.CreatedAt.Format(time.RFC3339), st.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("insert statement: %w", err)
	}

	if err := insertLines(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func (ss statementStore) Update(ctx context.Context, st *commission.Statement) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	tx, err := ss.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE statements
		SET status = ?, total_gross = ?, total_deductions = ?, total_net = ?,
		    content_hash = ?, updated_at = ?
		WHERE id = ? AND organisation = ?
	`
	res, err := tx.ExecContext(ctx, query,
		string(st.Status),
		st.TotalGross.String(), st.TotalDeductions.String(), st.TotalNet.String(),
		st.ContentHash, st.UpdatedAt.Format(time.RFC3339),
		string(st.ID), string(st.Organisation),
	)
	if err != nil {
		return fmt.Errorf("update statement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &commission.NotFoundError{Kind: "statement", Ref: string(st.ID)}
	}

	// Lines are replaced wholesale: a rebuild changes membership, not rows.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM statement_lines WHERE statement_id = ?", string(st.ID)); err != nil {
		return fmt.Errorf("clear lines: %w", err)
	}
	if err := insertLines(ctx, tx, st); err != nil {
		return err
	}
	return tx.Commit()
}

func insertLines(ctx context.Context, tx *sql.Tx, st *commission.Statement) error {
	query := `
		INSERT INTO statement_lines
		(id, statement_id, kind, ref_id, reference, label, amount,
		 selected, motif, disputed, dispute_reason, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, l := range st.Lines {
		if _, err := tx.ExecContext(ctx, query,
			string(l.ID), string(st.ID), string(l.Kind), l.RefID, l.Reference, l.Label,
			l.Amount.String(), l.Selected, l.Motif, l.Disputed, l.DisputeReason, i,
		); err != nil {
			return fmt.Errorf("insert line %s: %w", l.ID, err)
		}
	}
	return nil
}

func (ss statementStore) Get(ctx context.Context, org commission.OrganisationID, id commission.StatementID) (*commission.Statement, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	row := ss.s.db.QueryRowContext(ctx, statementSelect+` WHERE id = ? AND organisation = ?`,
		string(id), string(org))
	st, err := scanStatement(row)
	if err == sql.ErrNoRows {
		return nil, &commission.NotFoundError{Kind: "statement", Ref: string(id)}
	}
	if err != nil {
		return nil, err
	}
	if err := ss.loadLines(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (ss statementStore) ListByApporteurPeriod(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) ([]*commission.Statement, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	query := statementSelect + `
		WHERE organisation = ? AND apporteur = ? AND period = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := ss.s.db.QueryContext(ctx, query, string(org), string(apporteur), string(period))
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	defer rows.Close()

	var out []*commission.Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, st := range out {
		if err := ss.loadLines(ctx, st); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ss statementStore) LockedLineRefs(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) (map[string]bool, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()

	query := `
		SELECT l.kind, l.ref_id
		FROM statement_lines l
		JOIN statements s ON s.id = l.statement_id
		WHERE s.organisation = ? AND s.apporteur = ? AND s.period = ?
		  AND s.status = 'final'
	`
	rows, err := ss.s.db.QueryContext(ctx, query, string(org), string(apporteur), string(period))
	if err != nil {
		return nil, fmt.Errorf("query locked lines: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]bool)
	for rows.Next() {
		var kind, ref string
		if err := rows.Scan(&kind, &ref); err != nil {
			return nil, err
		}
		locked[kind+"|"+ref] = true
	}
	return locked, rows.Err()
}

func (ss statementStore) loadLines(ctx context.Context, st *commission.Statement) error {
	query := `
		SELECT id, kind, ref_id, reference, label, amount,
		       selected, motif, disputed, dispute_reason
		FROM statement_lines
		WHERE statement_id = ?
		ORDER BY position ASC
	`
	rows, err := ss.s.db.QueryContext(ctx, query, string(st.ID))
	if err != nil {
		return fmt.Errorf("query lines: %w", err)
	}
	defer rows.Close()

	st.Lines = nil
	for rows.Next() {
		var l commission.StatementLine
		var amount string
		if err := rows.Scan(&l.ID, &l.Kind, &l.RefID, &l.Reference, &l.Label,
			&amount, &l.Selected, &l.Motif, &l.Disputed, &l.DisputeReason); err != nil {
			return err
		}
		if l.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("corrupt line amount %q: %w", amount, err)
		}
		st.Lines = append(st.Lines, l)
	}
	return rows.Err()
}

const statementSelect = `
	SELECT id, organisation, apporteur, period, reference, status,
	       total_gross, total_deductions, total_net, supplementary, content_hash,
	       created_at, updated_at
	FROM statements
`

func scanStatement(row rowScanner) (*commission.Statement, error) {
	var st commission.Statement
	var gross, deductions, net, createdAt, updatedAt string

	err := row.Scan(&st.ID, &st.Organisation, &st.Apporteur, &st.Period,
		&st.Reference, &st.Status, &gross, &deductions, &net,
		&st.Supplementary, &st.ContentHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if st.TotalGross, err = decimal.NewFromString(gross); err != nil {
		return nil, fmt.Errorf("corrupt total gross %q: %w", gross, err)
	}
	if st.TotalDeductions, err = decimal.NewFromString(deductions); err != nil {
		return nil, fmt.Errorf("corrupt total deductions %q: %w", deductions, err)
	}
	if st.TotalNet, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("corrupt total net %q: %w", net, err)
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	st.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &st, nil
}

// =============================================================================
// AUDIT REPO (commission.AuditRepo interface) - Append-only
// =============================================================================

func (s *Store) Append(ctx context.Context, e commission.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	beforeJSON, _ := json.Marshal(e.Before)
	afterJSON, _ := json.Marshal(e.After)

	var amount sql.NullString
	if e.Amount != nil {
		amount = sql.NullString{String: e.Amount.String(), Valid: true}
	}

	query := `
		INSERT INTO audit_log
		(id, organisation, scope, ref_id, action, actor, apporteur, period,
		 amount, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, string(e.Organisation), string(e.Scope), e.RefID, string(e.Action),
		e.Actor, string(e.Apporteur), string(e.Period),
		amount, string(beforeJSON), string(afterJSON),
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, org commission.OrganisationID, f commission.AuditFilter) ([]commission.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, organisation, scope, ref_id, action, actor, apporteur, period,
		       amount, before_json, after_json, created_at
		FROM audit_log
		WHERE organisation = ?
	`
	args := []any{string(org)}
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(f.Scope))
	}
	if f.RefID != "" {
		query += ` AND ref_id = ?`
		args = append(args, f.RefID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(f.Action))
	}
	if !f.Period.IsZero() {
		query += ` AND period = ?`
		args = append(args, string(f.Period))
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.From.Format(time.RFC3339))
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.To.Format(time.RFC3339))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []commission.AuditEntry
	for rows.Next() {
		var e commission.AuditEntry
		var amount, beforeJSON, afterJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Organisation, &e.Scope, &e.RefID, &e.Action,
			&e.Actor, &e.Apporteur, &e.Period, &amount, &beforeJSON, &afterJSON, &createdAt); err != nil {
			return nil, err
		}
		if amount.Valid {
			d, err := decimal.NewFromString(amount.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt audit amount %q: %w", amount.String, err)
			}
			e.Amount = &d
		}
		if beforeJSON.Valid && beforeJSON.String != "" && beforeJSON.String != "null" {
			json.Unmarshal([]byte(beforeJSON.String), &e.Before)
		}
		if afterJSON.Valid && afterJSON.String != "" && afterJSON.String != "null" {
			json.Unmarshal([]byte(afterJSON.String), &e.After)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
