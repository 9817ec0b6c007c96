/*
audit.go - Append-only audit trail

PURPOSE:
  Every state-changing operation in the engine writes exactly one audit
  entry: calculation, reversal, balance movement, statement transition.
  The trail is the tamper-evident record an operator reads to answer
  "why is this apporteur's statement what it is?".

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never updated or deleted.
  2. ONE ENTRY PER MUTATION: No mutation without its entry, no entry
     without its mutation.
  3. SYNCHRONOUS: Record returns only after the entry is persisted, so a
     committed mutation is never missing its trail.

SEE ALSO:
  - repo.go: AuditRepo port (append + query only)
*/
package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCOPES AND ACTIONS
// =============================================================================

type AuditScope string

const (
	ScopeEngine     AuditScope = "engine"
	ScopeCommission AuditScope = "commission"
	ScopeReversal   AuditScope = "reversal"
	ScopeBalance    AuditScope = "balance"
	ScopeRecurrence AuditScope = "recurrence"
	ScopeStatement  AuditScope = "statement"
	ScopeLine       AuditScope = "line"
)

type AuditAction string

const (
	ActionCommissionCreated    AuditAction = "commission_created"
	ActionReversalCreated      AuditAction = "reversal_created"
	ActionReversalApplied      AuditAction = "reversal_applied"
	ActionReversalRejected     AuditAction = "reversal_rejected"
	ActionBalanceCreated       AuditAction = "negative_balance_created"
	ActionBalanceIncreased     AuditAction = "negative_balance_increased"
	ActionBalanceReduced       AuditAction = "negative_balance_reduced"
	ActionBalanceCleared       AuditAction = "negative_balance_cleared"
	ActionRecurrenceGenerated  AuditAction = "recurrence_generated"
	ActionStatementCreated     AuditAction = "statement_created"
	ActionStatementRebuilt     AuditAction = "statement_rebuilt"
	ActionStatementPreselected AuditAction = "statement_preselected"
	ActionLineDisputed         AuditAction = "line_disputed"
	ActionDisputeResolved      AuditAction = "dispute_resolved"
	ActionStatementValidated   AuditAction = "statement_validated"
	ActionStatementFinalized   AuditAction = "statement_finalized"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditEntry records one mutation. Immutable once appended.
type AuditEntry struct {
	ID           string
	Organisation OrganisationID
	Scope        AuditScope
	RefID        string
	Action       AuditAction
	Actor        string
	Apporteur    ApporteurID
	Period       Period
	Amount       *decimal.Decimal
	Before       map[string]any
	After        map[string]any
	CreatedAt    time.Time
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder writes audit entries synchronously through the append-only port.
type Recorder struct {
	Repo AuditRepo
	Now  func() time.Time
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(repo AuditRepo) *Recorder {
	return &Recorder{Repo: repo, Now: time.Now}
}

// Record appends one entry. The write is synchronous: callers only consider
// their mutation complete once Record returns nil.
func (r *Recorder) Record(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.Now().UTC()
	}
	return r.Repo.Append(ctx, e)
}

// Query returns entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, org OrganisationID, filter AuditFilter) ([]AuditEntry, error) {
	return r.Repo.Query(ctx, org, filter)
}

// amountPtr is a small helper for building entries.
func amountPtr(d decimal.Decimal) *decimal.Decimal { return &d }
