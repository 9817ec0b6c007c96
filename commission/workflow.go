/*
workflow.go - Statement validation lifecycle

PURPOSE:
  Drives a statement through its states:

    DRAFT -> PRESELECTED -> VALIDATED -> FINAL
                 ^   |
                 |   v
              DISPUTED   (line disputes; resolving the last one returns
                          the statement to PRESELECTED)

  FINAL is terminal. Any mutation against a FINAL statement fails with
  LockedStateError; corrections that arrive afterwards go onto a
  supplementary statement built by the Builder.

FINALIZATION SIDE EFFECTS (the only place money "moves"):
  1. Selected commission lines flip their commission to settled
  2. The carry-forward line, if any, settles against the negative balance
  3. The statement locks

  Until Finalize, every build is a pure projection - which is what makes
  regeneration idempotent.

SEE ALSO:
  - statement.go: Builder and content hash
  - errors.go: LockedStateError, ValidationError
*/
package commission

import (
	"context"
	"fmt"
	"log"
	"time"
)

// statementTransitions is the authoritative transition table.
var statementTransitions = map[StatementStatus][]StatementStatus{
	StatementDraft:       {StatementPreselected},
	StatementPreselected: {StatementDisputed, StatementValidated},
	StatementDisputed:    {StatementPreselected},
	StatementValidated:   {StatementFinal},
	StatementFinal:       {},
}

// CanTransition reports whether from -> to is a legal statement transition.
func CanTransition(from, to StatementStatus) bool {
	for _, next := range statementTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Workflow mutates statements within the lifecycle rules.
type Workflow struct {
	Statements  StatementRepo
	Commissions CommissionRepo
	Ledger      *BalanceLedger
	Audit       *Recorder
	Now         func() time.Time
}

func NewWorkflow(statements StatementRepo, commissions CommissionRepo, ledger *BalanceLedger, audit *Recorder) *Workflow {
	return &Workflow{
		Statements:  statements,
		Commissions: commissions,
		Ledger:      ledger,
		Audit:       audit,
		Now:         time.Now,
	}
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// Preselect moves a draft to PRESELECTED, the state operators review.
func (w *Workflow) Preselect(ctx context.Context, org OrganisationID, id StatementID, actor string) (*Statement, error) {
	return w.transition(ctx, org, id, StatementPreselected, ActionStatementPreselected, actor, nil)
}

// Validate moves a reviewed statement to VALIDATED. Open disputes block it.
func (w *Workflow) Validate(ctx context.Context, org OrganisationID, id StatementID, actor string) (*Statement, error) {
	guard := func(s *Statement) error {
		for _, l := range s.Lines {
			if l.Disputed {
				return &ValidationError{
					Field:  string(l.ID),
					Reason: "statement has open disputes",
				}
			}
		}
		return nil
	}
	return w.transition(ctx, org, id, StatementValidated, ActionStatementValidated, actor, guard)
}

// Finalize locks the statement and performs the settlement side effects.
// Side effects stage before they run and unwind on failure: a finalize that
// errors leaves no commission settled and the statement unlocked. The
// irreversible offset settlement runs last so there is never anything to
// hand back after it.
func (w *Workflow) Finalize(ctx context.Context, org OrganisationID, id StatementID, actor string) (*Statement, error) {
	s, err := w.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if err := w.checkTransition(s, StatementFinal); err != nil {
		return nil, err
	}

	// Stage: resolve every commission to settle before mutating anything.
	var toSettle []*Commission
	for _, l := range s.Lines {
		if l.Kind != LineCommission || !l.Selected {
			continue
		}
		com, err := w.Commissions.Get(ctx, org, CommissionID(l.RefID))
		if err != nil {
			return nil, fmt.Errorf("load commission %s: %w", l.RefID, err)
		}
		toSettle = append(toSettle, com)
	}

	var settled []*Commission
	unwind := func() {
		for _, com := range settled {
			com.Status = CommissionPayable
			if uerr := w.Commissions.Update(ctx, com); uerr != nil {
				log.Printf("[workflow] finalize unwind failed, commission %s stuck settled: %v", com.ID, uerr)
			}
		}
	}

	for _, com := range toSettle {
		com.Status = CommissionSettled
		if err := w.Commissions.Update(ctx, com); err != nil {
			unwind()
			return nil, fmt.Errorf("settle commission %s: %w", com.ID, err)
		}
		settled = append(settled, com)
	}

	s.Status = StatementFinal
	s.UpdatedAt = w.Now().UTC()
	if err := w.Statements.Update(ctx, s); err != nil {
		unwind()
		return nil, fmt.Errorf("finalize statement %s: %w", s.ID, err)
	}

	// Settle the carry-forward offset, if the build previewed one.
	for _, l := range s.Lines {
		if l.Kind != LineCarryForward || !l.Selected {
			continue
		}
		if err := w.Ledger.SettleOffset(ctx, org, s.Apporteur, s.Period, l.Amount.Neg(), actor); err != nil {
			s.Status = StatementValidated
			s.UpdatedAt = w.Now().UTC()
			if uerr := w.Statements.Update(ctx, s); uerr != nil {
				log.Printf("[workflow] finalize unwind failed, statement %s stuck final: %v", s.ID, uerr)
			}
			unwind()
			return nil, err
		}
	}

	if err := w.audit(ctx, s, ActionStatementFinalized, actor, map[string]any{
		"total_net":    s.TotalNet.StringFixed(2),
		"content_hash": s.ContentHash,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// =============================================================================
// LINE OPERATIONS
// =============================================================================

// DeselectLine removes a line from the payable totals with a motif. Only
// DRAFT and PRESELECTED statements accept selection changes.
func (w *Workflow) DeselectLine(ctx context.Context, org OrganisationID, id StatementID, lineID LineID, motif, actor string) (*Statement, error) {
	if motif == "" {
		return nil, &ValidationError{Field: "motif", Reason: "deselection requires a motif"}
	}
	return w.editLine(ctx, org, id, lineID, actor, func(l *StatementLine) error {
		l.Selected = false
		l.Motif = motif
		return nil
	})
}

// ReselectLine restores a deselected line.
func (w *Workflow) ReselectLine(ctx context.Context, org OrganisationID, id StatementID, lineID LineID, actor string) (*Statement, error) {
	return w.editLine(ctx, org, id, lineID, actor, func(l *StatementLine) error {
		l.Selected = true
		l.Motif = ""
		return nil
	})
}

// RaiseDispute flags a line and moves the statement to DISPUTED.
func (w *Workflow) RaiseDispute(ctx context.Context, org OrganisationID, id StatementID, lineID LineID, reason, actor string) (*Statement, error) {
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "dispute requires a reason"}
	}

	s, err := w.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if err := w.checkTransition(s, StatementDisputed); err != nil {
		return nil, err
	}
	line := s.Line(lineID)
	if line == nil {
		return nil, &NotFoundError{Kind: "statement line", Ref: string(lineID)}
	}

	line.Disputed = true
	line.DisputeReason = reason
	s.Status = StatementDisputed
	s.ContentHash = ContentHash(s)
	s.UpdatedAt = w.Now().UTC()

	if err := w.Statements.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update statement %s: %w", s.ID, err)
	}
	if err := w.auditLine(ctx, s, lineID, ActionLineDisputed, actor, map[string]any{"reason": reason}); err != nil {
		return nil, err
	}
	return s, nil
}

// ResolveDispute closes a line's dispute. A non-empty motif deselects the
// line as part of the resolution. When no disputes remain open the statement
// returns to PRESELECTED.
func (w *Workflow) ResolveDispute(ctx context.Context, org OrganisationID, id StatementID, lineID LineID, motif, actor string) (*Statement, error) {
	s, err := w.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatementDisputed {
		return nil, &ValidationError{
			Field:  string(id),
			Reason: fmt.Sprintf("statement is %s, no dispute to resolve", s.Status),
		}
	}
	line := s.Line(lineID)
	if line == nil {
		return nil, &NotFoundError{Kind: "statement line", Ref: string(lineID)}
	}
	if !line.Disputed {
		return nil, &ValidationError{Field: string(lineID), Reason: "line is not disputed"}
	}

	line.Disputed = false
	line.DisputeReason = ""
	if motif != "" {
		line.Selected = false
		line.Motif = motif
	}

	open := false
	for _, l := range s.Lines {
		if l.Disputed {
			open = true
			break
		}
	}
	if !open {
		s.Status = StatementPreselected
	}

	s.RecomputeTotals()
	s.ContentHash = ContentHash(s)
	s.UpdatedAt = w.Now().UTC()

	if err := w.Statements.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update statement %s: %w", s.ID, err)
	}
	if err := w.auditLine(ctx, s, lineID, ActionDisputeResolved, actor, map[string]any{"motif": motif}); err != nil {
		return nil, err
	}
	return s, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (w *Workflow) load(ctx context.Context, org OrganisationID, id StatementID) (*Statement, error) {
	s, err := w.Statements.Get(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, &NotFoundError{Kind: "statement", Ref: string(id)}
	}
	return s, nil
}

func (w *Workflow) checkTransition(s *Statement, to StatementStatus) error {
	if s.IsLocked() {
		return &LockedStateError{Kind: "statement", Ref: string(s.ID), Status: string(s.Status)}
	}
	if !CanTransition(s.Status, to) {
		return &ValidationError{
			Field:  string(s.ID),
			Reason: fmt.Sprintf("illegal transition %s -> %s", s.Status, to),
		}
	}
	return nil
}

func (w *Workflow) transition(ctx context.Context, org OrganisationID, id StatementID, to StatementStatus, action AuditAction, actor string, guard func(*Statement) error) (*Statement, error) {
	s, err := w.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if err := w.checkTransition(s, to); err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(s); err != nil {
			return nil, err
		}
	}

	before := s.Status
	s.Status = to
	s.UpdatedAt = w.Now().UTC()
	if err := w.Statements.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update statement %s: %w", s.ID, err)
	}
	if err := w.audit(ctx, s, action, actor, map[string]any{
		"from": string(before),
		"to":   string(to),
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// editLine applies a selection change and rebuilds totals and hash.
func (w *Workflow) editLine(ctx context.Context, org OrganisationID, id StatementID, lineID LineID, actor string, edit func(*StatementLine) error) (*Statement, error) {
	s, err := w.load(ctx, org, id)
	if err != nil {
		return nil, err
	}
	if s.IsLocked() {
		return nil, &LockedStateError{Kind: "statement", Ref: string(s.ID), Status: string(s.Status)}
	}
	if s.Status != StatementDraft && s.Status != StatementPreselected {
		return nil, &ValidationError{
			Field:  string(s.ID),
			Reason: fmt.Sprintf("line selection is frozen while statement is %s", s.Status),
		}
	}
	line := s.Line(lineID)
	if line == nil {
		return nil, &NotFoundError{Kind: "statement line", Ref: string(lineID)}
	}
	if err := edit(line); err != nil {
		return nil, err
	}

	s.RecomputeTotals()
	s.ContentHash = ContentHash(s)
	s.UpdatedAt = w.Now().UTC()

	if err := w.Statements.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update statement %s: %w", s.ID, err)
	}
	if err := w.auditLine(ctx, s, lineID, ActionStatementRebuilt, actor, map[string]any{
		"selected": line.Selected,
		"motif":    line.Motif,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (w *Workflow) audit(ctx context.Context, s *Statement, action AuditAction, actor string, after map[string]any) error {
	if err := w.Audit.Record(ctx, AuditEntry{
		Organisation: s.Organisation,
		Scope:        ScopeStatement,
		RefID:        string(s.ID),
		Action:       action,
		Actor:        actor,
		Apporteur:    s.Apporteur,
		Period:       s.Period,
		Amount:       amountPtr(s.TotalNet),
		After:        after,
	}); err != nil {
		return fmt.Errorf("audit statement %s: %w", s.ID, err)
	}
	return nil
}

func (w *Workflow) auditLine(ctx context.Context, s *Statement, lineID LineID, action AuditAction, actor string, after map[string]any) error {
	if err := w.Audit.Record(ctx, AuditEntry{
		Organisation: s.Organisation,
		Scope:        ScopeLine,
		RefID:        string(lineID),
		Action:       action,
		Actor:        actor,
		Apporteur:    s.Apporteur,
		Period:       s.Period,
		After:        after,
	}); err != nil {
		return fmt.Errorf("audit line %s: %w", lineID, err)
	}
	return nil
}
