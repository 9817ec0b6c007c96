/*
repo.go - Repository ports consumed by the engine

PURPOSE:
  Defines the narrow persistence contracts the core depends on. The engine
  never assumes a particular storage engine; store/sqlite and
  commission/store provide SQLite and in-memory implementations.

PORT OVERVIEW:
  ScaleProvider        Read-only catalog of commission scales (external)
  CommissionRepo       Commission entries + accumulation queries
  ReversalRepo         Reversal records
  NegativeBalanceRepo  Carry-forward balances (one active per apporteur)
  RecurrenceRepo       Standing commitments + atomic idempotency marking
  StatementRepo        Settlement statements and their lines
  AuditRepo            Append-only audit trail (no update, no delete)

SEE ALSO:
  - store/memory.go: In-memory implementation for tests
  - store/sqlite (top level): SQLite implementation
*/
package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ScaleProvider is the read-only source of commission scales. The engine
// never mutates the catalog; a scale referenced by a finalized statement is
// immutable by ownership of the catalog, not enforced here.
type ScaleProvider interface {
	// ActiveScales returns the active scales for an organisation whose
	// product filter matches productType or is a wildcard.
	ActiveScales(ctx context.Context, org OrganisationID, productType string) ([]Scale, error)
}

// CommissionRepo persists commission entries.
type CommissionRepo interface {
	Create(ctx context.Context, c *Commission) error
	Get(ctx context.Context, org OrganisationID, id CommissionID) (*Commission, error)
	Update(ctx context.Context, c *Commission) error

	// ListByPeriod returns an apporteur's commissions for one period,
	// ordered by creation date then ID (the deterministic deduction order).
	ListByPeriod(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) ([]*Commission, error)

	// ListByContract returns every commission tied to a contract, oldest
	// first. Reversal processing walks this list.
	ListByContract(ctx context.Context, org OrganisationID, contract ContractID) ([]*Commission, error)

	// SumBases returns the apporteur's accumulated transaction volume,
	// which is what positions later transactions in the tier brackets.
	// A zero period means lifetime accumulation.
	SumBases(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) (decimal.Decimal, error)

	// CountByIdempotencyKey reports how many commissions carry the key.
	// Anything above one is an idempotency violation.
	CountByIdempotencyKey(ctx context.Context, key string) (int, error)
}

// ReversalFilter narrows reversal listings.
type ReversalFilter struct {
	Apporteur         ApporteurID
	Contract          ContractID
	Kind              ReversalKind
	ApplicationPeriod Period
	Status            ReversalStatus
}

// ReversalRepo persists reversal records.
type ReversalRepo interface {
	Create(ctx context.Context, r *Reversal) error
	Get(ctx context.Context, org OrganisationID, id ReversalID) (*Reversal, error)
	Update(ctx context.Context, r *Reversal) error
	List(ctx context.Context, org OrganisationID, filter ReversalFilter) ([]*Reversal, error)
}

// NegativeBalanceRepo persists carry-forward balances.
type NegativeBalanceRepo interface {
	Create(ctx context.Context, b *NegativeBalance) error
	Update(ctx context.Context, b *NegativeBalance) error

	// Active returns the apporteur's active balance, or nil when none.
	Active(ctx context.Context, org OrganisationID, apporteur ApporteurID) (*NegativeBalance, error)

	List(ctx context.Context, org OrganisationID, status BalanceStatus) ([]*NegativeBalance, error)
}

// RecurrenceRepo persists standing commitments and their per-period
// processing markers.
type RecurrenceRepo interface {
	Save(ctx context.Context, rc *RecurringCommitment) error
	ListActive(ctx context.Context, org OrganisationID) ([]*RecurringCommitment, error)

	// MarkProcessed atomically records the idempotency key as processed.
	// It returns already=true when the key was recorded by an earlier run;
	// the check and the mark are a single operation so concurrent runs
	// cannot both observe the key as fresh.
	MarkProcessed(ctx context.Context, key string) (already bool, err error)

	// Unmark releases a key after a failed generation so a retry can
	// proceed. Releasing an unknown key is a no-op.
	Unmark(ctx context.Context, key string) error
}

// StatementRepo persists settlement statements with their lines.
type StatementRepo interface {
	Create(ctx context.Context, s *Statement) error
	Update(ctx context.Context, s *Statement) error
	Get(ctx context.Context, org OrganisationID, id StatementID) (*Statement, error)

	// ListByApporteurPeriod returns every statement for the pair, oldest
	// first (a FINAL statement may coexist with a supplementary one).
	ListByApporteurPeriod(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) ([]*Statement, error)

	// LockedLineRefs returns the line references already settled on a FINAL
	// statement for the pair, keyed "<kind>|<refID>". A supplementary build
	// must not re-include any of them.
	LockedLineRefs(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) (map[string]bool, error)
}

// AuditFilter narrows audit trail queries.
type AuditFilter struct {
	Scope  AuditScope
	RefID  string
	Action AuditAction
	Period Period
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditRepo is the append-only audit store.
// IMPORTANT: No Update, No Delete. Ever. Entries are immutable once written.
type AuditRepo interface {
	Append(ctx context.Context, e AuditEntry) error
	Query(ctx context.Context, org OrganisationID, filter AuditFilter) ([]AuditEntry, error)
}
