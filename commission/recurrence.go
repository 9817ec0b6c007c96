/*
recurrence.go - Periodic generation with at-most-once guarantees

PURPOSE:
  Standing contracts earn a commission every settlement period. The engine
  walks the active commitments due in a period and generates each one's
  commission through the Calculator - at most once, no matter how many
  times the batch runs or how many runs race.

AT-MOST-ONCE MECHANICS:
  1. The idempotency key is derived from stable business identifiers only:
     rec:<apporteur>:<contract>:<period>. Never timestamps.
  2. MarkProcessed is an atomic check-and-set on the key. The loser of a
     race observes already=true and skips; it never generates.
  3. A failed generation releases its key (Unmark) so the next run retries.
  4. After generating, the engine counts commissions carrying the key. More
     than one means the guarantee broke - ErrIdempotencyViolation, which is
     a bug to alert on, never to swallow.

SEE ALSO:
  - calculator.go: The single write path for commissions
  - api (top level): Scheduler that triggers period runs
*/
package commission

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// RunSummary reports one recurrence run over a period.
type RunSummary struct {
	Organisation OrganisationID
	Period       Period
	Due          int
	Generated    int
	Skipped      int // key already processed by an earlier or concurrent run
	Failed       int
	TotalGross   decimal.Decimal
	Errors       []string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RecurrenceEngine generates the period's recurring commissions.
type RecurrenceEngine struct {
	Recurrences RecurrenceRepo
	Commissions CommissionRepo
	Calculator  *Calculator
	Audit       *Recorder
	Now         func() time.Time
}

func NewRecurrenceEngine(recurrences RecurrenceRepo, commissions CommissionRepo, calc *Calculator, audit *Recorder) *RecurrenceEngine {
	return &RecurrenceEngine{
		Recurrences: recurrences,
		Commissions: commissions,
		Calculator:  calc,
		Audit:       audit,
		Now:         time.Now,
	}
}

// Run generates commissions for every commitment due in the period. Per-item
// failures are collected in the summary; only infrastructure failures and
// idempotency violations abort the run.
func (e *RecurrenceEngine) Run(ctx context.Context, org OrganisationID, period Period, actor string) (*RunSummary, error) {
	if period.IsZero() {
		return nil, &ValidationError{Field: "period", Reason: "required"}
	}

	summary := &RunSummary{
		Organisation: org,
		Period:       period,
		TotalGross:   decimal.Zero,
		StartedAt:    e.Now().UTC(),
	}

	commitments, err := e.Recurrences.ListActive(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}

	for _, rc := range commitments {
		// A cancelled batch stops between units, never mid-generation.
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("run aborted: %w", err)
		}
		if !rc.DueIn(period) {
			continue
		}
		summary.Due++

		if err := e.generateOne(ctx, rc, period, actor, summary); err != nil {
			if IsFatal(err) {
				return summary, err
			}
			return summary, fmt.Errorf("commitment %s: %w", rc.ID, err)
		}
	}

	summary.FinishedAt = e.Now().UTC()
	log.Printf("[recurrence] org=%s period=%s due=%d generated=%d skipped=%d failed=%d",
		org, period, summary.Due, summary.Generated, summary.Skipped, summary.Failed)

	if err := e.Audit.Record(ctx, AuditEntry{
		Organisation: org,
		Scope:        ScopeRecurrence,
		RefID:        string(period),
		Action:       ActionRecurrenceGenerated,
		Actor:        actor,
		Period:       period,
		Amount:       amountPtr(summary.TotalGross),
		After: map[string]any{
			"due":       summary.Due,
			"generated": summary.Generated,
			"skipped":   summary.Skipped,
			"failed":    summary.Failed,
		},
	}); err != nil {
		return summary, fmt.Errorf("audit recurrence run: %w", err)
	}
	return summary, nil
}

// generateOne claims the commitment's key for the period and generates its
// commission. Business failures are recorded on the summary and release the
// key; a post-generation duplicate count is an idempotency violation.
func (e *RecurrenceEngine) generateOne(ctx context.Context, rc *RecurringCommitment, period Period, actor string, summary *RunSummary) error {
	key := RecurrenceKey(rc.Apporteur, rc.Contract, period)

	already, err := e.Recurrences.MarkProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("mark %s: %w", key, err)
	}
	if already {
		summary.Skipped++
		return nil
	}

	result, err := e.Calculator.Calculate(ctx, CalculationInput{
		Organisation:   rc.Organisation,
		Apporteur:      rc.Apporteur,
		Contract:       rc.Contract,
		Product:        rc.Product,
		ProductType:    rc.ProductType,
		BaseAmount:     rc.BaseAmount,
		Period:         period,
		IdempotencyKey: key,
		Actor:          actor,
	})
	if err != nil {
		// Release the key so the next run can retry the commitment.
		if unmarkErr := e.Recurrences.Unmark(ctx, key); unmarkErr != nil {
			return fmt.Errorf("unmark %s after failure: %v (original: %w)", key, unmarkErr, err)
		}
		if IsClientError(err) {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", key, err))
			log.Printf("[recurrence] generation failed key=%s err=%v", key, err)
			return nil
		}
		return err
	}

	count, err := e.Commissions.CountByIdempotencyKey(ctx, key)
	if err != nil {
		return fmt.Errorf("count key %s: %w", key, err)
	}
	if count > 1 {
		log.Printf("[recurrence] ALERT duplicate generation key=%s count=%d", key, count)
		return fmt.Errorf("key %s produced %d commissions: %w", key, count, ErrIdempotencyViolation)
	}

	summary.Generated++
	summary.TotalGross = summary.TotalGross.Add(result.Commission.Gross)
	return nil
}
