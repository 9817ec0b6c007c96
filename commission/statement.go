/*
statement.go - Settlement statements and the content hash

PURPOSE:
  A Statement aggregates one apporteur's period into the document that gets
  validated and paid: commission lines, reversal deductions, and the
  carry-forward offset against an outstanding negative balance. Statements
  are rebuilt in place while in DRAFT/PRESELECTED; once FINAL they are
  immutable and later arrivals go onto a supplementary statement.

CONTENT HASH:
  Every build computes a sha256 over a canonical rendering of the lines and
  totals. Two builds over identical inputs produce identical hashes; any
  amount, selection, or membership change produces a different one. The
  hash is what lets an operator prove a validated statement was not altered
  after the fact.

LINE KINDS:
  commission     +net of one commission entry
  reversal       -applied amount of one current-period reversal
  carry_forward  -offset previewed against the active negative balance

SEE ALSO:
  - workflow.go: DRAFT -> ... -> FINAL transitions
  - ledger.go: PreviewOffset / SettleOffset split
*/
package commission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STATEMENT MODEL
// =============================================================================

type StatementStatus string

const (
	StatementDraft       StatementStatus = "draft"
	StatementPreselected StatementStatus = "preselected"
	StatementDisputed    StatementStatus = "disputed"
	StatementValidated   StatementStatus = "validated"
	StatementFinal       StatementStatus = "final"
)

type LineKind string

const (
	LineCommission   LineKind = "commission"
	LineReversal     LineKind = "reversal"
	LineCarryForward LineKind = "carry_forward"
)

// StatementLine is one row of a statement. Amount is signed: deduction lines
// carry negative amounts.
type StatementLine struct {
	ID        LineID
	Kind      LineKind
	RefID     string // id of the commission, reversal, or balance
	Reference string
	Label     string
	Amount    decimal.Decimal

	Selected bool
	Motif    string // reason for deselection, empty while selected

	Disputed      bool
	DisputeReason string
}

// Statement is one apporteur's settlement document for one period.
type Statement struct {
	ID           StatementID
	Organisation OrganisationID
	Apporteur    ApporteurID
	Period       Period
	Reference    string

	Status StatementStatus
	Lines  []StatementLine

	TotalGross      decimal.Decimal // sum of selected positive lines
	TotalDeductions decimal.Decimal // absolute sum of selected negative lines
	TotalNet        decimal.Decimal // gross - deductions

	// Supplementary marks a statement generated after a FINAL one already
	// covered the period; it only carries the entries the FINAL one locked
	// out.
	Supplementary bool

	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsLocked reports whether the statement refuses further mutation.
func (s *Statement) IsLocked() bool { return s.Status == StatementFinal }

// Line finds a line by ID.
func (s *Statement) Line(id LineID) *StatementLine {
	for i := range s.Lines {
		if s.Lines[i].ID == id {
			return &s.Lines[i]
		}
	}
	return nil
}

// RecomputeTotals re-derives the three totals from the selected lines.
func (s *Statement) RecomputeTotals() {
	gross, deductions := decimal.Zero, decimal.Zero
	for _, l := range s.Lines {
		if !l.Selected {
			continue
		}
		if l.Amount.IsNegative() {
			deductions = deductions.Add(l.Amount.Neg())
		} else {
			gross = gross.Add(l.Amount)
		}
	}
	s.TotalGross = gross
	s.TotalDeductions = deductions
	s.TotalNet = gross.Sub(deductions)
}

// =============================================================================
// CONTENT HASH
// =============================================================================

// ContentHash renders the statement canonically and hashes it. Line order in
// the rendering is fixed by (kind, ref) so storage order never matters.
func ContentHash(s *Statement) string {
	lines := make([]StatementLine, len(s.Lines))
	copy(lines, s.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Kind != lines[j].Kind {
			return lines[i].Kind < lines[j].Kind
		}
		return lines[i].RefID < lines[j].RefID
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s\n", s.Organisation, s.Apporteur, s.Period)
	for _, l := range lines {
		fmt.Fprintf(&b, "%s|%s|%s|%t|%s|%t|%s\n",
			l.Kind, l.RefID, l.Amount.StringFixed(2), l.Selected, l.Motif,
			l.Disputed, l.DisputeReason)
	}
	fmt.Fprintf(&b, "totals|%s|%s|%s\n",
		s.TotalGross.StringFixed(2),
		s.TotalDeductions.StringFixed(2),
		s.TotalNet.StringFixed(2))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder assembles statements from the period's entries.
type Builder struct {
	Commissions CommissionRepo
	Reversals   ReversalRepo
	Statements  StatementRepo
	Ledger      *BalanceLedger
	Audit       *Recorder
	Now         func() time.Time
}

func NewBuilder(commissions CommissionRepo, reversals ReversalRepo, statements StatementRepo, ledger *BalanceLedger, audit *Recorder) *Builder {
	return &Builder{
		Commissions: commissions,
		Reversals:   reversals,
		Statements:  statements,
		Ledger:      ledger,
		Audit:       audit,
		Now:         time.Now,
	}
}

// Generate builds or rebuilds the statement for (apporteur, period).
//
// Rebuild semantics: while the existing statement is not FINAL it is rebuilt
// in place from current data; manual deselections and disputes on lines that
// survive the rebuild are preserved by line ref. Once a FINAL statement
// covers the period, Generate produces a supplementary statement holding
// only the entries the FINAL one does not reference.
func (b *Builder) Generate(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period, actor string) (*Statement, error) {
	if period.IsZero() {
		return nil, &ValidationError{Field: "period", Reason: "required"}
	}

	existing, err := b.Statements.ListByApporteurPeriod(ctx, org, apporteur, period)
	if err != nil {
		return nil, fmt.Errorf("list statements: %w", err)
	}

	var target *Statement
	locked := map[string]bool{}
	supplementary := false
	for _, s := range existing {
		if s.Status == StatementFinal {
			supplementary = true
			continue
		}
		target = s
	}
	if supplementary {
		locked, err = b.Statements.LockedLineRefs(ctx, org, apporteur, period)
		if err != nil {
			return nil, fmt.Errorf("locked lines: %w", err)
		}
	}

	lines, err := b.buildLines(ctx, org, apporteur, period, locked)
	if err != nil {
		return nil, err
	}
	if supplementary && len(lines) == 0 {
		return nil, &ValidationError{
			Field:  fmt.Sprintf("%s/%s", apporteur, period),
			Reason: "period is fully settled, nothing left for a supplementary statement",
		}
	}

	now := b.Now().UTC()
	rebuilt := target != nil

	if target == nil {
		target = &Statement{
			ID:            StatementID(uuid.NewString()),
			Organisation:  org,
			Apporteur:     apporteur,
			Period:        period,
			Reference:     fmt.Sprintf("BRD-%s-%s", period, shortID()),
			Status:        StatementDraft,
			Supplementary: supplementary,
			CreatedAt:     now,
		}
	} else {
		lines = preserveLineEdits(target.Lines, lines)
	}

	target.Lines = lines
	target.RecomputeTotals()
	target.ContentHash = ContentHash(target)
	target.UpdatedAt = now

	action := ActionStatementCreated
	if rebuilt {
		action = ActionStatementRebuilt
		if err := b.Statements.Update(ctx, target); err != nil {
			return nil, fmt.Errorf("update statement %s: %w", target.ID, err)
		}
	} else if err := b.Statements.Create(ctx, target); err != nil {
		return nil, fmt.Errorf("create statement: %w", err)
	}

	if err := b.Audit.Record(ctx, AuditEntry{
		Organisation: org,
		Scope:        ScopeStatement,
		RefID:        string(target.ID),
		Action:       action,
		Actor:        actor,
		Apporteur:    apporteur,
		Period:       period,
		Amount:       amountPtr(target.TotalNet),
		After: map[string]any{
			"reference":     target.Reference,
			"lines":         len(target.Lines),
			"content_hash":  target.ContentHash,
			"supplementary": target.Supplementary,
		},
	}); err != nil {
		return nil, fmt.Errorf("audit statement %s: %w", target.ID, err)
	}
	return target, nil
}

// buildLines derives the period's lines from current data. Locked refs
// (lines already settled on a FINAL statement) are skipped for supplementary
// builds so a deduction never charges twice.
func (b *Builder) buildLines(ctx context.Context, org OrganisationID, apporteur ApporteurID, period Period, locked map[string]bool) ([]StatementLine, error) {
	commissions, err := b.Commissions.ListByPeriod(ctx, org, apporteur, period)
	if err != nil {
		return nil, fmt.Errorf("list period commissions: %w", err)
	}

	var lines []StatementLine
	for _, c := range commissions {
		if locked[lineRefKey(LineCommission, string(c.ID))] || c.Status == CommissionSettled {
			continue
		}
		lines = append(lines, StatementLine{
			ID:        LineID(uuid.NewString()),
			Kind:      LineCommission,
			RefID:     string(c.ID),
			Reference: c.Reference,
			Label:     fmt.Sprintf("Commission %s", c.Contract),
			Amount:    c.Net,
			Selected:  c.Status == CommissionPayable,
		})
	}

	reversals, err := b.Reversals.List(ctx, org, ReversalFilter{
		Apporteur:         apporteur,
		ApplicationPeriod: period,
		Status:            ReversalApplied,
	})
	if err != nil {
		return nil, fmt.Errorf("list applied reversals: %w", err)
	}
	for _, r := range reversals {
		if r.Mode != ModeCurrentPeriod || !r.AppliedAmount.IsPositive() {
			continue
		}
		if locked[lineRefKey(LineReversal, string(r.ID))] {
			continue
		}
		lines = append(lines, StatementLine{
			ID:        LineID(uuid.NewString()),
			Kind:      LineReversal,
			RefID:     string(r.ID),
			Reference: r.Reference,
			Label:     fmt.Sprintf("Reversal %s (%s)", r.Contract, r.Kind),
			Amount:    r.AppliedAmount.Neg(),
			Selected:  true,
		})
	}

	preview, err := b.Ledger.PreviewOffset(ctx, org, apporteur, period)
	if err != nil {
		return nil, err
	}
	if preview.Offset.IsPositive() {
		lines = append(lines, StatementLine{
			ID:        LineID(uuid.NewString()),
			Kind:      LineCarryForward,
			RefID:     string(preview.Balance.ID),
			Reference: fmt.Sprintf("RPT-%s", preview.Balance.OriginPeriod),
			Label:     fmt.Sprintf("Carry-forward from %s", preview.Balance.OriginPeriod),
			Amount:    preview.Offset.Neg(),
			Selected:  true,
		})
	}
	return lines, nil
}

// lineRefKey identifies a line across builds of the same period.
func lineRefKey(kind LineKind, ref string) string {
	return string(kind) + "|" + ref
}

// preserveLineEdits copies operator decisions (deselection motifs, open
// disputes) from the previous build onto the matching rebuilt lines, matched
// by ref. Lines that disappeared drop their edits with them.
func preserveLineEdits(old, fresh []StatementLine) []StatementLine {
	prev := make(map[string]StatementLine, len(old))
	for _, l := range old {
		prev[lineRefKey(l.Kind, l.RefID)] = l
	}
	for i := range fresh {
		p, ok := prev[lineRefKey(fresh[i].Kind, fresh[i].RefID)]
		if !ok {
			continue
		}
		fresh[i].ID = p.ID
		if !p.Selected {
			fresh[i].Selected = false
			fresh[i].Motif = p.Motif
		}
		fresh[i].Disputed = p.Disputed
		fresh[i].DisputeReason = p.DisputeReason
	}
	return fresh
}
