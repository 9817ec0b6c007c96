/*
scale.go - Commission scales, tiers, and the tier resolver

PURPOSE:
  A Scale is a named set of Tiers for an organisation/product. The resolver
  answers the core pricing question: given a base amount and the apporteur's
  accumulated amount, which tiers apply and how much does each contribute?

TIER SEMANTICS:
  Non-stackable ("winner take all"):
    The single tier whose bracket contains the post-transaction cumulative
    applies its full rate or fixed bonus to the ENTIRE base amount. Never
    fractional attribution.

  Stackable (marginal brackets):
    The base amount is split across the thresholds it spans and each slice
    earns its own tier's rate, like progressive tax brackets. Contributions
    are summed; the sum is independent of evaluation order.

  Mixed scales:
    The winner-take-all contribution comes from the non-stackable tiers and
    the stackable tiers add their marginal contributions on top.

  Per-period vs lifetime:
    Each tier chooses which accumulated amount positions it in a bracket:
    the period-to-date gross (resets each settlement period) or the
    lifetime gross.

EXAMPLE:
  Tier A [0,1000) 5%% non-stackable, tier B [1000,inf) 8%% non-stackable,
  per-period. Accumulated 0, base 1500 -> cumulative 1500 lands in B ->
  commission = 1500 * 8%% = 120.

SEE ALSO:
  - calculator.go: Uses the resolver to create Commission entries
  - factory (top level): JSON scale definitions
*/
package commission

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCALE AND TIER
// =============================================================================

type TierKind string

const (
	TierRate  TierKind = "rate"  // bonus = rate percentage of the base
	TierFixed TierKind = "fixed" // bonus = fixed amount
)

// Tier is one threshold bracket [Lower, Upper) within a Scale.
type Tier struct {
	ID      TierID
	ScaleID ScaleID
	Name    string
	Kind    TierKind

	Lower decimal.Decimal  // inclusive
	Upper *decimal.Decimal // exclusive; nil = unbounded

	FixedAmount decimal.Decimal
	Rate        decimal.Decimal // percent

	Stackable bool   // marginal bracket vs winner-take-all
	PerPeriod bool   // threshold resets each settlement period
	Product   string // product filter; "" = wildcard
	Priority  int    // lower sorts first
	Active    bool
}

// Contains reports whether the cumulative amount falls inside the bracket.
func (t Tier) Contains(cumulative decimal.Decimal) bool {
	if cumulative.LessThan(t.Lower) {
		return false
	}
	return t.Upper == nil || cumulative.LessThan(*t.Upper)
}

// Scale is a named, organisation-scoped set of tiers.
type Scale struct {
	ID           ScaleID
	Organisation OrganisationID
	Name         string
	ProductType  string // "" = applies to every product type
	Active       bool
	Tiers        []Tier
}

// ValidateScale checks tier bounds and the overlap rule: non-stackable tiers
// sharing a product filter and period mode must not overlap, because exactly
// one of them has to win.
func ValidateScale(s Scale) error {
	for _, t := range s.Tiers {
		if t.Upper != nil && !t.Lower.LessThan(*t.Upper) {
			return &ValidationError{
				Field:  fmt.Sprintf("scale %s tier %s", s.ID, t.ID),
				Reason: "lower threshold must be below upper threshold",
			}
		}
	}

	type groupKey struct {
		product   string
		perPeriod bool
	}
	groups := make(map[groupKey][]Tier)
	for _, t := range s.Tiers {
		if t.Stackable || !t.Active {
			continue
		}
		k := groupKey{product: t.Product, perPeriod: t.PerPeriod}
		groups[k] = append(groups[k], t)
	}

	for k, tiers := range groups {
		sort.Slice(tiers, func(i, j int) bool {
			return tiers[i].Lower.LessThan(tiers[j].Lower)
		})
		for i := 1; i < len(tiers); i++ {
			prev := tiers[i-1]
			if prev.Upper == nil || tiers[i].Lower.LessThan(*prev.Upper) {
				return &ValidationError{
					Field: fmt.Sprintf("scale %s product %q", s.ID, k.product),
					Reason: fmt.Sprintf("non-stackable tiers %s and %s overlap",
						prev.ID, tiers[i].ID),
				}
			}
		}
	}
	return nil
}

// =============================================================================
// ACCUMULATION - The apporteur's position on the thresholds
// =============================================================================

// Accumulation carries both accumulated amounts; each tier picks the one
// matching its period mode.
type Accumulation struct {
	PeriodToDate decimal.Decimal
	Lifetime     decimal.Decimal
}

// For returns the accumulated amount relevant to the tier.
func (a Accumulation) For(t Tier) decimal.Decimal {
	if t.PerPeriod {
		return a.PeriodToDate
	}
	return a.Lifetime
}

// =============================================================================
// TIER RESOLVER
// =============================================================================

// TierContribution is one tier's share of a resolved commission.
type TierContribution struct {
	Tier   Tier
	Amount decimal.Decimal
}

// SumContributions totals the contributions, unrounded.
func SumContributions(contribs []TierContribution) decimal.Decimal {
	total := decimal.Zero
	for _, c := range contribs {
		total = total.Add(c.Amount)
	}
	return total
}

// ResolveScale selects the applicable tiers of a scale for one transaction
// and computes each tier's contribution. Returns ErrValidation when no
// active tier matches the product and amounts.
func ResolveScale(scale Scale, product string, base decimal.Decimal, acc Accumulation) ([]TierContribution, error) {
	if !scale.Active {
		return nil, &ValidationError{Field: string(scale.ID), Reason: "scale is inactive"}
	}
	if base.IsNegative() {
		return nil, &ValidationError{Field: "base_amount", Reason: "must not be negative"}
	}

	candidates := matchingTiers(scale, product)
	if len(candidates) == 0 {
		return nil, &ValidationError{
			Field:  string(scale.ID),
			Reason: fmt.Sprintf("no active tier matches product %q", product),
		}
	}

	var contribs []TierContribution

	// Winner-take-all across the non-stackable tiers: the first tier (in
	// priority order) whose bracket contains the post-transaction cumulative
	// applies to the whole base.
	for _, t := range candidates {
		if t.Stackable {
			continue
		}
		post := acc.For(t).Add(base)
		if !t.Contains(post) {
			continue
		}
		contribs = append(contribs, TierContribution{Tier: t, Amount: tierBonus(t, base)})
		break
	}

	// Marginal proration across the stackable tiers: each bracket earns its
	// own rate on the slice of the base that falls inside it.
	for _, t := range candidates {
		if !t.Stackable {
			continue
		}
		slice := bracketSlice(t, acc.For(t), base)
		if !slice.IsPositive() {
			continue
		}
		switch t.Kind {
		case TierFixed:
			// A fixed stackable bonus pays once, on the transaction that
			// carries the accumulation across the bracket's lower bound.
			// Once past it, later transactions earn nothing here.
			if acc.For(t).GreaterThanOrEqual(t.Lower) {
				continue
			}
			contribs = append(contribs, TierContribution{Tier: t, Amount: t.FixedAmount})
		default:
			contribs = append(contribs, TierContribution{Tier: t, Amount: ApplyRate(slice, t.Rate)})
		}
	}

	if len(contribs) == 0 {
		return nil, &ValidationError{
			Field:  string(scale.ID),
			Reason: "no tier bracket matches the transaction amounts",
		}
	}
	return contribs, nil
}

// tierBonus computes a winner-take-all tier's bonus on the full base amount.
func tierBonus(t Tier, base decimal.Decimal) decimal.Decimal {
	if t.Kind == TierFixed {
		return t.FixedAmount
	}
	return ApplyRate(base, t.Rate)
}

// bracketSlice returns how much of [accumulated, accumulated+base) overlaps
// the tier's bracket.
func bracketSlice(t Tier, accumulated, base decimal.Decimal) decimal.Decimal {
	start := decimal.Max(accumulated, t.Lower)
	end := accumulated.Add(base)
	if t.Upper != nil {
		end = decimal.Min(end, *t.Upper)
	}
	return end.Sub(start)
}

// matchingTiers filters to active tiers whose product filter matches or is
// wildcard, sorted by priority; ties resolve by the most specific product
// filter first, then by declared order.
func matchingTiers(scale Scale, product string) []Tier {
	type indexed struct {
		tier  Tier
		order int
	}
	var matched []indexed
	for i, t := range scale.Tiers {
		if !t.Active {
			continue
		}
		if t.Product != "" && t.Product != product {
			continue
		}
		matched = append(matched, indexed{tier: t, order: i})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.tier.Priority != b.tier.Priority {
			return a.tier.Priority < b.tier.Priority
		}
		aSpecific := a.tier.Product != ""
		bSpecific := b.tier.Product != ""
		if aSpecific != bSpecific {
			return aSpecific
		}
		return a.order < b.order
	})

	tiers := make([]Tier, len(matched))
	for i, m := range matched {
		tiers[i] = m.tier
	}
	return tiers
}
