/*
ledger.go - Balance ledger: deductions, negative balances, offsets

PURPOSE:
  The ledger owns the arithmetic between what a period earns and what it
  owes. Current-period reversals are deducted from the period's available
  net; whatever the period cannot absorb becomes (or grows) the apporteur's
  negative balance, which later periods' earnings pay down until it clears.

CRITICAL INVARIANTS:
  1. AT MOST ONE ACTIVE BALANCE per apporteur. New shortfall increases it.
  2. NEVER OVER-DEDUCT: AppliedAmount <= the period's remaining capacity.
  3. rev.Amount == rev.AppliedAmount + rev.CarriedAmount, always.
  4. A cleared balance is terminal; it never reactivates (a later shortfall
     creates a fresh one).

CONCURRENCY:
  Mutations take a per-(apporteur, period) scope lock. A competing holder
  means the caller loses immediately with ErrConcurrencyConflict and should
  retry after backoff; the ledger never queues writers.

SEE ALSO:
  - reversal.go: Produces the deductions applied here
  - statement.go: Previews the offset without settling it
*/
package commission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCOPE LOCKS
// =============================================================================

// scopeLocks hands out one mutex per (apporteur, period) pair.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire try-locks the scope. Failure means a competing mutation is in
// flight, which maps onto ErrConcurrencyConflict.
func (s *scopeLocks) acquire(apporteur ApporteurID, period Period) (release func(), err error) {
	key := fmt.Sprintf("%s|%s", apporteur, period)

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	if !m.TryLock() {
		return nil, fmt.Errorf("scope %s: %w", key, ErrConcurrencyConflict)
	}
	return m.Unlock, nil
}

// =============================================================================
// BALANCE LEDGER
// =============================================================================

// OffsetPreview is the read-only answer to "how much of the active balance
// would this period's earnings absorb?".
type OffsetPreview struct {
	Balance   *NegativeBalance // nil when the apporteur owes nothing
	Available decimal.Decimal  // period net remaining after deductions
	Offset    decimal.Decimal  // min(balance, available), never negative
}

// BalanceLedger applies deductions and manages negative balances.
type BalanceLedger struct {
	Commissions CommissionRepo
	Reversals   ReversalRepo
	Balances    NegativeBalanceRepo
	Audit       *Recorder
	Now         func() time.Time

	scopes *scopeLocks
}

func NewBalanceLedger(commissions CommissionRepo, reversals ReversalRepo, balances NegativeBalanceRepo, audit *Recorder) *BalanceLedger {
	return &BalanceLedger{
		Commissions: commissions,
		Reversals:   reversals,
		Balances:    balances,
		Audit:       audit,
		Now:         time.Now,
		scopes:      newScopeLocks(),
	}
}

// ApplyDeduction absorbs a pending current-period reversal into its
// application period. The reversal leaves with Status applied and its
// Applied/Carried split persisted; any carried amount lands on the
// apporteur's negative balance.
func (l *BalanceLedger) ApplyDeduction(ctx context.Context, rev *Reversal, actor string) error {
	if rev.Status != ReversalPending {
		return &ValidationError{
			Field:  string(rev.ID),
			Reason: fmt.Sprintf("reversal is %s, only pending reversals apply", rev.Status),
		}
	}

	release, err := l.scopes.acquire(rev.Apporteur, rev.ApplicationPeriod)
	if err != nil {
		return err
	}
	defer release()

	available, err := l.AvailableNet(ctx, rev.Organisation, rev.Apporteur, rev.ApplicationPeriod)
	if err != nil {
		return err
	}

	applied := decimal.Min(rev.Amount, decimal.Max(available, decimal.Zero))
	carried := rev.Amount.Sub(applied)

	rev.AppliedAmount = applied
	rev.CarriedAmount = carried
	rev.Status = ReversalApplied
	if err := l.Reversals.Update(ctx, rev); err != nil {
		return fmt.Errorf("update reversal %s: %w", rev.ID, err)
	}

	if err := l.Audit.Record(ctx, AuditEntry{
		Organisation: rev.Organisation,
		Scope:        ScopeReversal,
		RefID:        string(rev.ID),
		Action:       ActionReversalApplied,
		Actor:        actor,
		Apporteur:    rev.Apporteur,
		Period:       rev.ApplicationPeriod,
		Amount:       amountPtr(applied),
		After: map[string]any{
			"applied": applied.StringFixed(2),
			"carried": carried.StringFixed(2),
		},
	}); err != nil {
		return fmt.Errorf("audit deduction: %w", err)
	}

	if carried.IsPositive() {
		return l.carryForward(ctx, rev, carried, actor)
	}
	return nil
}

// AvailableNet is the period's positive net minus deductions already applied
// to it. It can go negative when earlier deductions outran late earnings.
func (l *BalanceLedger) AvailableNet(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) (decimal.Decimal, error) {
	commissions, err := l.Commissions.ListByPeriod(ctx, org, apporteur, period)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list period commissions: %w", err)
	}
	earned := decimal.Zero
	for _, c := range commissions {
		if c.Net.IsPositive() {
			earned = earned.Add(c.Net)
		}
	}

	applied, err := l.Reversals.List(ctx, org, ReversalFilter{
		Apporteur:         apporteur,
		ApplicationPeriod: period,
		Status:            ReversalApplied,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("list applied reversals: %w", err)
	}
	for _, r := range applied {
		if r.Mode == ModeCurrentPeriod {
			earned = earned.Sub(r.AppliedAmount)
		}
	}
	return earned, nil
}

// carryForward pushes a shortfall onto the apporteur's balance, creating one
// if none is active.
func (l *BalanceLedger) carryForward(ctx context.Context, rev *Reversal, carried decimal.Decimal, actor string) error {
	now := l.Now().UTC()

	bal, err := l.Balances.Active(ctx, rev.Organisation, rev.Apporteur)
	if err != nil {
		return fmt.Errorf("load active balance: %w", err)
	}

	if bal == nil {
		bal = &NegativeBalance{
			ID:           BalanceID(uuid.NewString()),
			Organisation: rev.Organisation,
			Apporteur:    rev.Apporteur,
			Amount:       carried,
			OriginPeriod: rev.ApplicationPeriod,
			Status:       BalanceActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := l.Balances.Create(ctx, bal); err != nil {
			return fmt.Errorf("create balance: %w", err)
		}
		return l.auditBalance(ctx, bal, ActionBalanceCreated, actor, carried, nil)
	}

	before := map[string]any{"amount": bal.Amount.StringFixed(2)}
	bal.Amount = bal.Amount.Add(carried)
	bal.UpdatedAt = now
	if err := l.Balances.Update(ctx, bal); err != nil {
		return fmt.Errorf("increase balance: %w", err)
	}
	return l.auditBalance(ctx, bal, ActionBalanceIncreased, actor, carried, before)
}

// PreviewOffset answers, without mutating anything, how much of the active
// balance the period's earnings would absorb. The statement builder shows
// this as a carry-forward line; nothing settles until SettleOffset.
func (l *BalanceLedger) PreviewOffset(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period) (OffsetPreview, error) {
	bal, err := l.Balances.Active(ctx, org, apporteur)
	if err != nil {
		return OffsetPreview{}, fmt.Errorf("load active balance: %w", err)
	}

	available, err := l.AvailableNet(ctx, org, apporteur, period)
	if err != nil {
		return OffsetPreview{}, err
	}

	preview := OffsetPreview{Balance: bal, Available: available}
	if bal == nil || !available.IsPositive() {
		preview.Offset = decimal.Zero
		return preview, nil
	}
	preview.Offset = decimal.Min(bal.Amount, available)
	return preview, nil
}

// SettleOffset reduces the active balance by the offset a finalized statement
// actually paid. The balance clears when it reaches zero; clearing is
// terminal.
func (l *BalanceLedger) SettleOffset(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period, amount decimal.Decimal, actor string) error {
	if !amount.IsPositive() {
		return nil
	}

	release, err := l.scopes.acquire(apporteur, period)
	if err != nil {
		return err
	}
	defer release()

	bal, err := l.Balances.Active(ctx, org, apporteur)
	if err != nil {
		return fmt.Errorf("load active balance: %w", err)
	}
	if bal == nil {
		return &NotFoundError{Kind: "active balance", Ref: string(apporteur)}
	}
	if bal.Status == BalanceCleared {
		return &LockedStateError{Kind: "balance", Ref: string(bal.ID), Status: string(BalanceCleared)}
	}
	if amount.GreaterThan(bal.Amount) {
		return &ValidationError{
			Field:  string(bal.ID),
			Reason: fmt.Sprintf("offset %s exceeds balance %s", amount.StringFixed(2), bal.Amount.StringFixed(2)),
		}
	}

	before := map[string]any{"amount": bal.Amount.StringFixed(2)}
	bal.Amount = bal.Amount.Sub(amount)
	bal.UpdatedAt = l.Now().UTC()

	action := ActionBalanceReduced
	if bal.Amount.IsZero() {
		bal.Status = BalanceCleared
		action = ActionBalanceCleared
	}
	if err := l.Balances.Update(ctx, bal); err != nil {
		return fmt.Errorf("settle balance %s: %w", bal.ID, err)
	}
	return l.auditBalance(ctx, bal, action, actor, amount, before)
}

func (l *BalanceLedger) auditBalance(ctx context.Context, bal *NegativeBalance, action AuditAction, actor string, amount decimal.Decimal, before map[string]any) error {
	if err := l.Audit.Record(ctx, AuditEntry{
		Organisation: bal.Organisation,
		Scope:        ScopeBalance,
		RefID:        string(bal.ID),
		Action:       action,
		Actor:        actor,
		Apporteur:    bal.Apporteur,
		Period:       bal.OriginPeriod,
		Amount:       amountPtr(amount),
		Before:       before,
		After: map[string]any{
			"amount": bal.Amount.StringFixed(2),
			"status": string(bal.Status),
		},
	}); err != nil {
		return fmt.Errorf("audit balance %s: %w", bal.ID, err)
	}
	return nil
}
