/*
reversal.go - Clawback processing for contract events

PURPOSE:
  When a contract falls through (termination, cancellation, non-payment)
  or a booking error is corrected, the commissions it earned must be taken
  back. The Processor decides, per
  commission, between two application modes:

  RETROACTIVE:
    The event arrives within the grace window of the commission's creation
    (the statement has not settled yet, the money has not moved). The
    reversed amount folds directly into the commission entry and its net
    shrinks in place.

  CURRENT PERIOD:
    The event arrives later but still inside the deadline window. The
    original entry stays untouched; a standalone Reversal is applied as a
    deduction against the event period's earnings through the balance
    ledger. Whatever the period cannot absorb becomes (or grows) the
    apporteur's negative balance.

  PAST DEADLINE:
    The event arrives after the window closes. The reversal is recorded as
    rejected and the call returns DeadlineExceededError for the operator
    queue. Nothing is deducted.

DEADLINE WINDOWS:
  Contract termination  12 months from commission creation
  Everything else        3 months from commission creation

SEE ALSO:
  - ledger.go: ApplyDeduction, negative-balance carry-forward
  - types.go: Commission.AddReversed for the retroactive path
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REVERSAL MODEL
// =============================================================================

type ReversalKind string

const (
	ReversalTermination  ReversalKind = "termination"
	ReversalCancellation ReversalKind = "cancellation"
	ReversalNonPayment   ReversalKind = "non_payment"
	ReversalCorrection   ReversalKind = "correction"
)

type ReversalMode string

const (
	ModeRetroactive   ReversalMode = "retroactive"
	ModeCurrentPeriod ReversalMode = "current_period"
)

type ReversalStatus string

const (
	ReversalPending  ReversalStatus = "pending"
	ReversalApplied  ReversalStatus = "applied"
	ReversalRejected ReversalStatus = "rejected"
)

// Reversal is one clawback against one commission.
type Reversal struct {
	ID           ReversalID
	Organisation OrganisationID
	Apporteur    ApporteurID
	Contract     ContractID
	CommissionID CommissionID
	Reference    string

	Kind ReversalKind
	Mode ReversalMode

	Amount         decimal.Decimal  // total to claw back
	Rate           *decimal.Decimal // percentage of the reversible net, nil = full
	OriginalAmount decimal.Decimal  // the commission's gross when the event arrived
	AppliedAmount  decimal.Decimal  // absorbed by the application period
	CarriedAmount  decimal.Decimal  // pushed onto the negative balance

	EventDate         time.Time
	Deadline          time.Time
	OriginPeriod      Period // period the original commission was earned in
	ApplicationPeriod Period

	Status    ReversalStatus
	CreatedAt time.Time
}

// deadlineFor computes the admissibility deadline in calendar months, which
// is what operators reason in.
func deadlineFor(kind ReversalKind, commissionCreated time.Time) time.Time {
	months := 3
	if kind == ReversalTermination {
		months = 12
	}
	return commissionCreated.AddDate(0, months, 0)
}

// graceWindow is how long after creation a reversal still folds into the
// commission entry itself instead of hitting the current period.
const graceWindow = 30 * 24 * time.Hour

// =============================================================================
// CONTRACT EVENT
// =============================================================================

// ContractEvent is the trigger for reversal processing.
type ContractEvent struct {
	Organisation OrganisationID
	Contract     ContractID
	Kind         ReversalKind
	EventDate    time.Time

	// Amount limits the clawback; zero means the full remaining net of each
	// affected commission.
	Amount decimal.Decimal

	// Rate claws back a percentage of each commission's reversible net
	// instead of the whole of it. Nil means 100%.
	Rate *decimal.Decimal

	Actor string
}

// ProcessResult reports what one event did across the contract's commissions.
type ProcessResult struct {
	Reversals []*Reversal
	Rejected  []*Reversal
}

// TotalReversed sums the amounts of the applied reversals.
func (r ProcessResult) TotalReversed() decimal.Decimal {
	total := decimal.Zero
	for _, rev := range r.Reversals {
		total = total.Add(rev.Amount)
	}
	return total
}

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor applies contract events to the commissions they affect.
type Processor struct {
	Commissions CommissionRepo
	Reversals   ReversalRepo
	Ledger      *BalanceLedger
	Audit       *Recorder
	Now         func() time.Time
}

func NewProcessor(commissions CommissionRepo, reversals ReversalRepo, ledger *BalanceLedger, audit *Recorder) *Processor {
	return &Processor{
		Commissions: commissions,
		Reversals:   reversals,
		Ledger:      ledger,
		Audit:       audit,
		Now:         time.Now,
	}
}

// Process walks the contract's commissions and reverses each one that still
// has net to claw back. Commissions past their deadline are recorded as
// rejected; if every affected commission is past deadline the call returns
// DeadlineExceededError.
func (p *Processor) Process(ctx context.Context, ev ContractEvent) (*ProcessResult, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}

	commissions, err := p.Commissions.ListByContract(ctx, ev.Organisation, ev.Contract)
	if err != nil {
		return nil, fmt.Errorf("list contract commissions: %w", err)
	}
	if len(commissions) == 0 {
		return nil, &NotFoundError{Kind: "commission for contract", Ref: string(ev.Contract)}
	}

	result := &ProcessResult{}
	remaining := ev.Amount
	var deadlineErr error

	for _, com := range commissions {
		reversible := com.Gross.Sub(com.Reversed)
		if !reversible.IsPositive() {
			continue
		}

		amount := reversible
		if ev.Rate != nil {
			amount = Round2(reversible.Mul(*ev.Rate).Div(decimal.NewFromInt(100)))
			if !amount.IsPositive() {
				continue
			}
		}
		if !ev.Amount.IsZero() {
			if !remaining.IsPositive() {
				break
			}
			amount = decimal.Min(remaining, reversible)
		}

		rev, err := p.reverseOne(ctx, ev, com, amount)
		if err != nil {
			var dex *DeadlineExceededError
			if errors.As(err, &dex) {
				deadlineErr = err
				result.Rejected = append(result.Rejected, rev)
				continue
			}
			return nil, err
		}

		result.Reversals = append(result.Reversals, rev)
		if !ev.Amount.IsZero() {
			remaining = remaining.Sub(amount)
		}
	}

	if len(result.Reversals) == 0 && deadlineErr != nil {
		return result, deadlineErr
	}
	return result, nil
}

// reverseOne applies one clawback. On deadline rejection the returned
// reversal is the persisted rejected record and err is DeadlineExceededError.
func (p *Processor) reverseOne(ctx context.Context, ev ContractEvent, com *Commission, amount decimal.Decimal) (*Reversal, error) {
	now := p.Now().UTC()
	deadline := deadlineFor(ev.Kind, com.CreatedAt)
	eventPeriod := PeriodOf(ev.EventDate)

	rev := &Reversal{
		ID:                ReversalID(uuid.NewString()),
		Organisation:      ev.Organisation,
		Apporteur:         com.Apporteur,
		Contract:          ev.Contract,
		CommissionID:      com.ID,
		Reference:         fmt.Sprintf("REP-%s-%s", eventPeriod, shortID()),
		Kind:              ev.Kind,
		Amount:            Round2(amount),
		Rate:              ev.Rate,
		OriginalAmount:    com.Gross,
		EventDate:         ev.EventDate.UTC(),
		Deadline:          deadline,
		OriginPeriod:      com.Period,
		ApplicationPeriod: eventPeriod,
		Status:            ReversalPending,
		CreatedAt:         now,
	}

	if ev.EventDate.After(deadline) {
		rev.Status = ReversalRejected
		if err := p.Reversals.Create(ctx, rev); err != nil {
			return nil, fmt.Errorf("persist rejected reversal: %w", err)
		}
		if err := p.audit(ctx, ev, rev, ActionReversalRejected, map[string]any{
			"deadline":   deadline.Format("2006-01-02"),
			"event_date": ev.EventDate.Format("2006-01-02"),
		}); err != nil {
			return nil, err
		}
		return rev, &DeadlineExceededError{
			CommissionID: com.ID,
			Kind:         ev.Kind,
			EventDate:    ev.EventDate,
			Deadline:     deadline,
		}
	}

	if ev.EventDate.Sub(com.CreatedAt) <= graceWindow {
		return p.applyRetroactive(ctx, ev, com, rev)
	}
	return p.applyCurrentPeriod(ctx, ev, rev)
}

// applyRetroactive folds the reversal into the commission entry: the original
// period's totals shrink as if the commission had been smaller all along.
func (p *Processor) applyRetroactive(ctx context.Context, ev ContractEvent, com *Commission, rev *Reversal) (*Reversal, error) {
	rev.Mode = ModeRetroactive
	rev.ApplicationPeriod = com.Period
	rev.AppliedAmount = rev.Amount
	rev.Status = ReversalApplied

	before := map[string]any{"reversed": com.Reversed.StringFixed(2), "net": com.Net.StringFixed(2)}
	com.AddReversed(rev.Amount)

	if err := p.Commissions.Update(ctx, com); err != nil {
		return nil, fmt.Errorf("update commission %s: %w", com.ID, err)
	}
	if err := p.Reversals.Create(ctx, rev); err != nil {
		return nil, fmt.Errorf("persist reversal: %w", err)
	}
	if err := p.audit(ctx, ev, rev, ActionReversalApplied, map[string]any{
		"mode":   string(ModeRetroactive),
		"before": before,
		"after":  map[string]any{"reversed": com.Reversed.StringFixed(2), "net": com.Net.StringFixed(2)},
	}); err != nil {
		return nil, err
	}
	return rev, nil
}

// applyCurrentPeriod leaves the original entry untouched and deducts from the
// event period through the balance ledger.
func (p *Processor) applyCurrentPeriod(ctx context.Context, ev ContractEvent, rev *Reversal) (*Reversal, error) {
	rev.Mode = ModeCurrentPeriod

	if err := p.Reversals.Create(ctx, rev); err != nil {
		return nil, fmt.Errorf("persist reversal: %w", err)
	}
	if err := p.audit(ctx, ev, rev, ActionReversalCreated, map[string]any{
		"mode":               string(ModeCurrentPeriod),
		"application_period": rev.ApplicationPeriod.String(),
	}); err != nil {
		return nil, err
	}

	if err := p.Ledger.ApplyDeduction(ctx, rev, ev.Actor); err != nil {
		return nil, err
	}
	return rev, nil
}

func (p *Processor) audit(ctx context.Context, ev ContractEvent, rev *Reversal, action AuditAction, after map[string]any) error {
	if after == nil {
		after = map[string]any{}
	}
	after["reference"] = rev.Reference
	after["commission_id"] = string(rev.CommissionID)
	after["kind"] = string(rev.Kind)

	if err := p.Audit.Record(ctx, AuditEntry{
		Organisation: ev.Organisation,
		Scope:        ScopeReversal,
		RefID:        string(rev.ID),
		Action:       action,
		Actor:        ev.Actor,
		Apporteur:    rev.Apporteur,
		Period:       rev.ApplicationPeriod,
		Amount:       amountPtr(rev.Amount),
		After:        after,
	}); err != nil {
		return fmt.Errorf("audit reversal %s: %w", rev.ID, err)
	}
	return nil
}

func validateEvent(ev ContractEvent) error {
	switch {
	case ev.Organisation == "":
		return &ValidationError{Field: "organisation", Reason: "required"}
	case ev.Contract == "":
		return &ValidationError{Field: "contract", Reason: "required"}
	case ev.EventDate.IsZero():
		return &ValidationError{Field: "event_date", Reason: "required"}
	case ev.Amount.IsNegative():
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	case ev.Rate != nil && (!ev.Rate.IsPositive() || ev.Rate.GreaterThan(decimal.NewFromInt(100))):
		return &ValidationError{Field: "rate", Reason: "must be in (0, 100]"}
	}
	switch ev.Kind {
	case ReversalTermination, ReversalCancellation, ReversalNonPayment, ReversalCorrection:
		return nil
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown reversal kind %q", ev.Kind)}
	}
}
