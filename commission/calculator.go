/*
calculator.go - Commission creation from scale resolution

PURPOSE:
  The Calculator turns one commissionable transaction into a persisted
  Commission entry: it picks the applicable scale, asks the tier resolver
  for the contributions, rounds the total to cents, and records the audit
  entry. It is the single write path for new commissions; the recurrence
  engine and the HTTP API both go through it.

FLOW:
  1. Load the active scales matching (organisation, product type)
  2. Load the apporteur's accumulated volume (period-to-date and lifetime)
  3. Resolve tiers; no match -> ValidationError back to the caller
  4. Gross = round2(sum of contributions); Net = Gross (nothing reversed yet)
  5. Persist, then append the commission_created audit entry

SEE ALSO:
  - scale.go: ResolveScale and the tier semantics
  - recurrence.go: Wraps Calculate with at-most-once keys
*/
package commission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CalculationInput describes one commissionable transaction.
type CalculationInput struct {
	Organisation OrganisationID
	Apporteur    ApporteurID
	Contract     ContractID
	Product      ProductID
	ProductType  string
	BaseAmount   decimal.Decimal
	Period       Period

	// ScaleID pins the calculation to one scale; empty means "first active
	// scale matching the product type".
	ScaleID ScaleID

	// IdempotencyKey is set by the recurrence engine; manual calculations
	// leave it empty.
	IdempotencyKey string

	Actor string
}

// CalculationResult pairs the persisted commission with the tier breakdown
// that produced it.
type CalculationResult struct {
	Commission    *Commission
	Contributions []TierContribution
}

// Calculator creates commission entries.
type Calculator struct {
	Scales      ScaleProvider
	Commissions CommissionRepo
	Audit       *Recorder
	Now         func() time.Time
}

func NewCalculator(scales ScaleProvider, commissions CommissionRepo, audit *Recorder) *Calculator {
	return &Calculator{
		Scales:      scales,
		Commissions: commissions,
		Audit:       audit,
		Now:         time.Now,
	}
}

// Calculate resolves and persists one commission. The returned commission is
// payable immediately; settlement status only changes when a statement
// containing it is finalized.
func (c *Calculator) Calculate(ctx context.Context, in CalculationInput) (*CalculationResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	scale, err := c.pickScale(ctx, in)
	if err != nil {
		return nil, err
	}

	acc, err := c.accumulation(ctx, in)
	if err != nil {
		return nil, err
	}

	contribs, err := ResolveScale(scale, string(in.Product), in.BaseAmount, acc)
	if err != nil {
		return nil, err
	}

	gross := Round2(SumContributions(contribs))
	now := c.Now().UTC()

	com := &Commission{
		ID:             CommissionID(uuid.NewString()),
		Organisation:   in.Organisation,
		Apporteur:      in.Apporteur,
		Contract:       in.Contract,
		Product:        in.Product,
		Reference:      commissionReference(in.Period),
		BaseAmount:     in.BaseAmount,
		Gross:          gross,
		Reversed:       decimal.Zero,
		Advances:       decimal.Zero,
		Net:            gross,
		Status:         CommissionPayable,
		Period:         in.Period,
		ScaleID:        scale.ID,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}

	if err := c.Commissions.Create(ctx, com); err != nil {
		return nil, fmt.Errorf("persist commission: %w", err)
	}

	if err := c.Audit.Record(ctx, AuditEntry{
		Organisation: in.Organisation,
		Scope:        ScopeCommission,
		RefID:        string(com.ID),
		Action:       ActionCommissionCreated,
		Actor:        in.Actor,
		Apporteur:    in.Apporteur,
		Period:       in.Period,
		Amount:       amountPtr(gross),
		After: map[string]any{
			"reference": com.Reference,
			"scale_id":  string(scale.ID),
			"gross":     gross.StringFixed(2),
			"tiers":     contributionNames(contribs),
		},
	}); err != nil {
		return nil, fmt.Errorf("audit commission %s: %w", com.ID, err)
	}

	return &CalculationResult{Commission: com, Contributions: contribs}, nil
}

func validateInput(in CalculationInput) error {
	switch {
	case in.Organisation == "":
		return &ValidationError{Field: "organisation", Reason: "required"}
	case in.Apporteur == "":
		return &ValidationError{Field: "apporteur", Reason: "required"}
	case in.Contract == "":
		return &ValidationError{Field: "contract", Reason: "required"}
	case in.Period.IsZero():
		return &ValidationError{Field: "period", Reason: "required"}
	case in.BaseAmount.IsNegative():
		return &ValidationError{Field: "base_amount", Reason: "must not be negative"}
	}
	return nil
}

// pickScale loads the pinned scale or the first active scale for the product
// type. A pinned ID that does not resolve is a NotFoundError.
func (c *Calculator) pickScale(ctx context.Context, in CalculationInput) (Scale, error) {
	scales, err := c.Scales.ActiveScales(ctx, in.Organisation, in.ProductType)
	if err != nil {
		return Scale{}, fmt.Errorf("load scales: %w", err)
	}

	if in.ScaleID != "" {
		for _, s := range scales {
			if s.ID == in.ScaleID {
				return s, nil
			}
		}
		return Scale{}, &NotFoundError{Kind: "scale", Ref: string(in.ScaleID)}
	}

	if len(scales) == 0 {
		return Scale{}, &ValidationError{
			Field:  "product_type",
			Reason: fmt.Sprintf("no active scale for product type %q", in.ProductType),
		}
	}
	return scales[0], nil
}

func (c *Calculator) accumulation(ctx context.Context, in CalculationInput) (Accumulation, error) {
	periodToDate, err := c.Commissions.SumBases(ctx, in.Organisation, in.Apporteur, in.Period)
	if err != nil {
		return Accumulation{}, fmt.Errorf("period accumulation: %w", err)
	}
	lifetime, err := c.Commissions.SumBases(ctx, in.Organisation, in.Apporteur, "")
	if err != nil {
		return Accumulation{}, fmt.Errorf("lifetime accumulation: %w", err)
	}
	return Accumulation{PeriodToDate: periodToDate, Lifetime: lifetime}, nil
}

// commissionReference builds the human-facing reference: COM-<period>-<suffix>.
func commissionReference(p Period) string {
	return fmt.Sprintf("COM-%s-%s", p, shortID())
}

func shortID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

func contributionNames(contribs []TierContribution) []string {
	names := make([]string, len(contribs))
	for i, c := range contribs {
		names[i] = fmt.Sprintf("%s:%s", c.Tier.ID, c.Amount.StringFixed(2))
	}
	return names
}
