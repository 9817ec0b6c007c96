/*
Package commission provides the core commission calculation and
reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for computing what
  is owed to sales partners (apporteurs) from tiered commission scales,
  reversing commissions when the underlying contract falls through,
  carrying negative balances across settlement periods, and aggregating
  everything into immutable, hashed settlement statements.

KEY CONCEPTS IN THIS FILE (types.go):
  - Period: A settlement month ("2025-01") used as the accounting boundary
  - Commission: A single entitlement with gross/reversed/advances/net
  - NegativeBalance: Amount owed back, carried forward until offset
  - RecurringCommitment: Drives periodic generation with at-most-once keys

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Invariants: net = gross - reversed - advances, recomputed centrally
  3. Type Safety: Strong typing for IDs prevents mixing apporteur/contract IDs
  4. Auditability: Every mutation produces exactly one audit entry

SEE ALSO:
  - scale.go: Scale/Tier definitions and the tier resolver
  - calculator.go: Commission creation from scale resolution
  - reversal.go: Clawback processing and deadline windows
  - ledger.go: Balance ledger and negative-balance carry-forward
  - statement.go: Settlement statement builder and content hash
*/
package commission

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganisationID string
type ApporteurID string
type ContractID string
type ProductID string
type ScaleID string
type TierID string
type CommissionID string
type ReversalID string
type BalanceID string
type CommitmentID string
type StatementID string
type LineID string

// =============================================================================
// PERIOD - Monthly settlement boundary
// =============================================================================

// Period identifies one settlement month in "YYYY-MM" form.
// All commission accounting is scoped to a period: accumulation thresholds
// with the per-period flag reset at the period boundary, reversals target an
// application period, and statements aggregate one apporteur/period pair.
type Period string

const periodLayout = "2006-01"

// PeriodOf returns the settlement period containing t.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format(periodLayout))
}

// ParsePeriod validates and returns a period from its "YYYY-MM" form.
func ParsePeriod(s string) (Period, error) {
	if _, err := time.Parse(periodLayout, s); err != nil {
		return "", &ValidationError{Field: "period", Reason: fmt.Sprintf("invalid period %q, want YYYY-MM", s)}
	}
	return Period(s), nil
}

// Start returns the first instant of the period (UTC).
func (p Period) Start() time.Time {
	t, _ := time.Parse(periodLayout, string(p))
	return t
}

// End returns the first instant of the following period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Contains reports whether t falls within the period.
func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start()) && u.Before(p.End())
}

// Next returns the following settlement period.
func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

// Previous returns the preceding settlement period.
func (p Period) Previous() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Before reports whether p precedes other.
func (p Period) Before(other Period) bool {
	return string(p) < string(other)
}

func (p Period) IsZero() bool   { return p == "" }
func (p Period) String() string { return string(p) }

// =============================================================================
// COMMISSION - One entitlement owed to an apporteur
// =============================================================================

type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending" // awaiting eligibility checks
	CommissionPayable CommissionStatus = "payable" // eligible for settlement
	CommissionSettled CommissionStatus = "settled" // on a finalized statement
)

// Commission is a single commission entitlement.
//
// INVARIANT: Net = Gross - Reversed - Advances. Net may go negative (an
// over-reversal), which the balance ledger turns into a NegativeBalance.
// Always mutate amounts through the helpers below so Net stays consistent.
type Commission struct {
	ID           CommissionID
	Organisation OrganisationID
	Apporteur    ApporteurID
	Contract     ContractID
	Product      ProductID
	Reference    string

	BaseAmount decimal.Decimal // commissionable transaction volume
	Gross      decimal.Decimal // resolved from the scale, rounded to cents
	Reversed   decimal.Decimal // cumulative retroactive reversals
	Advances   decimal.Decimal // advances already paid out
	Net        decimal.Decimal // Gross - Reversed - Advances

	Status CommissionStatus
	Period Period

	// Provenance of the calculation, for audit and scale immutability.
	ScaleID ScaleID

	// Set for recurrence-generated commissions; unique per
	// (apporteur, contract, period) to enforce at-most-once generation.
	IdempotencyKey string

	CreatedAt time.Time
}

// RecomputeNet re-establishes the net invariant after an amount change.
func (c *Commission) RecomputeNet() {
	c.Net = c.Gross.Sub(c.Reversed).Sub(c.Advances)
}

// AddReversed records an additional reversed amount against the commission.
func (c *Commission) AddReversed(amount decimal.Decimal) {
	c.Reversed = c.Reversed.Add(amount)
	c.RecomputeNet()
}

// AddAdvance records an additional advance against the commission.
func (c *Commission) AddAdvance(amount decimal.Decimal) {
	c.Advances = c.Advances.Add(amount)
	c.RecomputeNet()
}

// =============================================================================
// NEGATIVE BALANCE - Carry-forward owed by an apporteur
// =============================================================================

type BalanceStatus string

const (
	BalanceActive  BalanceStatus = "active"
	BalanceCleared BalanceStatus = "cleared"
)

// NegativeBalance is the amount an apporteur owes back that could not be
// deducted in its application period. At most one active balance exists per
// apporteur; later periods' earnings reduce it until it clears at zero.
type NegativeBalance struct {
	ID           BalanceID
	Organisation OrganisationID
	Apporteur    ApporteurID
	Amount       decimal.Decimal
	OriginPeriod Period
	Status       BalanceStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// RECURRING COMMITMENT - Standing generation order
// =============================================================================

// RecurringCommitment drives periodic commission generation for a standing
// contract. Generation is keyed per period so a retried or concurrent batch
// run produces at most one commission.
type RecurringCommitment struct {
	ID           CommitmentID
	Organisation OrganisationID
	Apporteur    ApporteurID
	Contract     ContractID
	Product      ProductID
	ProductType  string // scale catalog filter, "" = wildcard scales only
	BaseAmount   decimal.Decimal
	Active       bool
	StartPeriod  Period
	EndPeriod    Period // zero = open-ended
	CreatedAt    time.Time
}

// DueIn reports whether the commitment should generate for the given period.
func (rc RecurringCommitment) DueIn(period Period) bool {
	if !rc.Active {
		return false
	}
	if !rc.StartPeriod.IsZero() && period.Before(rc.StartPeriod) {
		return false
	}
	if !rc.EndPeriod.IsZero() && rc.EndPeriod.Before(period) {
		return false
	}
	return true
}

// RecurrenceKey derives the deterministic idempotency key for one generation
// unit. Stable business identifiers only; never timestamps.
func RecurrenceKey(apporteur ApporteurID, contract ContractID, period Period) string {
	return fmt.Sprintf("rec:%s:%s:%s", apporteur, contract, period)
}

// =============================================================================
// AMOUNT HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

// Round2 rounds a monetary amount to cents, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ApplyRate returns amount * rate / 100, unrounded.
func ApplyRate(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred)
}

// MustDecimal parses a decimal literal; it panics on malformed input and is
// intended for static scale definitions and tests.
func MustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
