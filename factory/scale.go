/*
Package factory provides JSON to Go scale conversion.

PURPOSE:
  Converts JSON scale definitions into commission.Scale objects. This
  enables scale configuration without code changes - a sales-ops team can
  define tier structures in JSON, and the factory creates the proper Go
  structs, validated before they reach the engine.

WHY JSON?
  - Non-developers can modify scales
  - Easy integration with an admin UI
  - Version control for scale definitions
  - Database storage of scale configs

JSON SCHEMA:
  {
    "id": "sales-standard",
    "organisation": "org-1",
    "name": "Standard sales scale",
    "product_type": "insurance",
    "active": true,
    "tiers": [
      {
        "id": "t1",
        "name": "Base",
        "kind": "rate",
        "lower": "0",
        "upper": "10000",
        "rate": "5",
        "stackable": true,
        "per_period": true
      },
      {
        "id": "t2",
        "name": "Above 10k",
        "kind": "rate",
        "lower": "10000",
        "rate": "8",
        "stackable": true,
        "per_period": true
      }
    ]
  }

KEY FEATURES:
  - Amounts parsed as decimal strings, never floats
  - Missing "upper" means an unbounded bracket
  - Validates through commission.ValidateScale before returning

USAGE:
  f := factory.NewScaleFactory()
  scale, err := f.ParseScale(jsonString)

SEE ALSO:
  - commission/scale.go: Scale type and validation
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ScaleJSON is the JSON representation of a commission scale.
type ScaleJSON struct {
	ID           string     `json:"id"`
	Organisation string     `json:"organisation"`
	Name         string     `json:"name"`
	ProductType  string     `json:"product_type,omitempty"`
	Active       bool       `json:"active"`
	Tiers        []TierJSON `json:"tiers"`
}

// TierJSON is the JSON representation of one tier. Amounts are decimal
// strings; an absent upper bound means unbounded.
type TierJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Kind        string `json:"kind"` // rate | fixed
	Lower       string `json:"lower"`
	Upper       string `json:"upper,omitempty"`
	Rate        string `json:"rate,omitempty"`
	FixedAmount string `json:"fixed_amount,omitempty"`
	Stackable   bool   `json:"stackable"`
	PerPeriod   bool   `json:"per_period"`
	Product     string `json:"product,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Active      *bool  `json:"active,omitempty"` // default true
}

// =============================================================================
// SCALE FACTORY
// =============================================================================

// ScaleFactory converts JSON scales to Go structs.
type ScaleFactory struct{}

// NewScaleFactory creates a new scale factory.
func NewScaleFactory() *ScaleFactory {
	return &ScaleFactory{}
}

// ParseScale parses a JSON string into a validated Scale.
func (f *ScaleFactory) ParseScale(jsonStr string) (commission.Scale, error) {
	var sj ScaleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return commission.Scale{}, fmt.Errorf("failed to parse scale JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON converts ScaleJSON to a validated commission.Scale.
func (f *ScaleFactory) FromJSON(sj ScaleJSON) (commission.Scale, error) {
	if sj.ID == "" {
		return commission.Scale{}, fmt.Errorf("scale id is required")
	}

	scale := commission.Scale{
		ID:           commission.ScaleID(sj.ID),
		Organisation: commission.OrganisationID(sj.Organisation),
		Name:         sj.Name,
		ProductType:  sj.ProductType,
		Active:       sj.Active,
	}

	for i, tj := range sj.Tiers {
		tier, err := parseTier(scale.ID, tj)
		if err != nil {
			return commission.Scale{}, fmt.Errorf("tier %d: %w", i, err)
		}
		scale.Tiers = append(scale.Tiers, tier)
	}

	if err := commission.ValidateScale(scale); err != nil {
		return commission.Scale{}, err
	}
	return scale, nil
}

// ToJSON converts a Scale back to its JSON representation.
func (f *ScaleFactory) ToJSON(scale commission.Scale) ScaleJSON {
	sj := ScaleJSON{
		ID:           string(scale.ID),
		Organisation: string(scale.Organisation),
		Name:         scale.Name,
		ProductType:  scale.ProductType,
		Active:       scale.Active,
	}
	for _, t := range scale.Tiers {
		tj := TierJSON{
			ID:        string(t.ID),
			Name:      t.Name,
			Kind:      string(t.Kind),
			Lower:     t.Lower.String(),
			Stackable: t.Stackable,
			PerPeriod: t.PerPeriod,
			Product:   t.Product,
			Priority:  t.Priority,
		}
		if t.Upper != nil {
			tj.Upper = t.Upper.String()
		}
		if t.Kind == commission.TierFixed {
			tj.FixedAmount = t.FixedAmount.String()
		} else {
			tj.Rate = t.Rate.String()
		}
		active := t.Active
		tj.Active = &active
		sj.Tiers = append(sj.Tiers, tj)
	}
	return sj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTier(scaleID commission.ScaleID, tj TierJSON) (commission.Tier, error) {
	if tj.ID == "" {
		return commission.Tier{}, fmt.Errorf("tier id is required")
	}

	tier := commission.Tier{
		ID:        commission.TierID(tj.ID),
		ScaleID:   scaleID,
		Name:      tj.Name,
		Stackable: tj.Stackable,
		PerPeriod: tj.PerPeriod,
		Product:   tj.Product,
		Priority:  tj.Priority,
		Active:    true,
	}
	if tj.Active != nil {
		tier.Active = *tj.Active
	}

	switch tj.Kind {
	case "rate":
		tier.Kind = commission.TierRate
		if tj.Rate == "" {
			return commission.Tier{}, fmt.Errorf("rate tier %s requires a rate", tj.ID)
		}
		rate, err := decimal.NewFromString(tj.Rate)
		if err != nil {
			return commission.Tier{}, fmt.Errorf("invalid rate %q: %w", tj.Rate, err)
		}
		tier.Rate = rate
	case "fixed":
		tier.Kind = commission.TierFixed
		if tj.FixedAmount == "" {
			return commission.Tier{}, fmt.Errorf("fixed tier %s requires a fixed_amount", tj.ID)
		}
		fixed, err := decimal.NewFromString(tj.FixedAmount)
		if err != nil {
			return commission.Tier{}, fmt.Errorf("invalid fixed_amount %q: %w", tj.FixedAmount, err)
		}
		tier.FixedAmount = fixed
	default:
		return commission.Tier{}, fmt.Errorf("unknown tier kind %q", tj.Kind)
	}

	lower, err := decimal.NewFromString(tj.Lower)
	if err != nil {
		return commission.Tier{}, fmt.Errorf("invalid lower %q: %w", tj.Lower, err)
	}
	tier.Lower = lower

	if tj.Upper != "" {
		upper, err := decimal.NewFromString(tj.Upper)
		if err != nil {
			return commission.Tier{}, fmt.Errorf("invalid upper %q: %w", tj.Upper, err)
		}
		tier.Upper = &upper
	}

	return tier, nil
}

// =============================================================================
// PRESET SCALES
// =============================================================================

// ProgressiveScaleJSON builds a two-bracket stackable (marginal) scale:
// lowRate below the threshold, highRate above it.
func ProgressiveScaleJSON(id, org, name, productType, threshold, lowRate, highRate string) string {
	sj := ScaleJSON{
		ID:           id,
		Organisation: org,
		Name:         name,
		ProductType:  productType,
		Active:       true,
		Tiers: []TierJSON{
			{ID: id + "-t1", Name: "Base bracket", Kind: "rate", Lower: "0", Upper: threshold,
				Rate: lowRate, Stackable: true, PerPeriod: true},
			{ID: id + "-t2", Name: "Upper bracket", Kind: "rate", Lower: threshold,
				Rate: highRate, Stackable: true, PerPeriod: true},
		},
	}
	out, _ := json.Marshal(sj)
	return string(out)
}

// WinnerTakeAllScaleJSON builds a two-tier non-stackable scale: the bracket
// containing the post-transaction cumulative applies its rate to the whole
// base amount.
func WinnerTakeAllScaleJSON(id, org, name, productType, threshold, lowRate, highRate string) string {
	sj := ScaleJSON{
		ID:           id,
		Organisation: org,
		Name:         name,
		ProductType:  productType,
		Active:       true,
		Tiers: []TierJSON{
			{ID: id + "-t1", Name: "Standard", Kind: "rate", Lower: "0", Upper: threshold,
				Rate: lowRate, Stackable: false, PerPeriod: true},
			{ID: id + "-t2", Name: "Accelerated", Kind: "rate", Lower: threshold,
				Rate: highRate, Stackable: false, PerPeriod: true},
		},
	}
	out, _ := json.Marshal(sj)
	return string(out)
}

// MilestoneBonusScaleJSON builds a mixed scale: a flat non-stackable base
// rate plus a fixed stackable bonus paid when lifetime volume first crosses
// the milestone.
func MilestoneBonusScaleJSON(id, org, name, productType, baseRate, milestone, bonus string) string {
	sj := ScaleJSON{
		ID:           id,
		Organisation: org,
		Name:         name,
		ProductType:  productType,
		Active:       true,
		Tiers: []TierJSON{
			{ID: id + "-base", Name: "Base rate", Kind: "rate", Lower: "0",
				Rate: baseRate, Stackable: false, PerPeriod: true},
			{ID: id + "-bonus", Name: "Milestone bonus", Kind: "fixed", Lower: milestone,
				FixedAmount: bonus, Stackable: true, PerPeriod: false},
		},
	}
	out, _ := json.Marshal(sj)
	return string(out)
}
