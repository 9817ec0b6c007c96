/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  All monetary fields travel as decimal strings ("1234.50"), never JSON
  numbers. Clients that parse them as floats do so at their own risk.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/scale.go: ScaleJSON type
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// COMMISSION TYPES
// =============================================================================

// CalculateRequest is the request to compute one commission.
type CalculateRequest struct {
	Apporteur   string `json:"apporteur"`
	Contract    string `json:"contract"`
	Product     string `json:"product"`
	ProductType string `json:"product_type"`
	BaseAmount  string `json:"base_amount"`
	Period      string `json:"period"`
	ScaleID     string `json:"scale_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// CommissionDTO represents a commission entry in API responses.
type CommissionDTO struct {
	ID        string `json:"id"`
	Apporteur string `json:"apporteur"`
	Contract  string `json:"contract"`
	Product   string `json:"product"`
	Reference string `json:"reference"`
	Gross     string `json:"gross"`
	Reversed  string `json:"reversed"`
	Advances  string `json:"advances"`
	Net       string `json:"net"`
	Status    string `json:"status"`
	Period    string `json:"period"`
	ScaleID   string `json:"scale_id"`
	CreatedAt string `json:"created_at"`
}

// TierContributionDTO is one tier's share of a calculation.
type TierContributionDTO struct {
	TierID string `json:"tier_id"`
	Name   string `json:"name,omitempty"`
	Amount string `json:"amount"`
}

// CalculateResponse pairs the commission with its tier breakdown.
type CalculateResponse struct {
	Commission    CommissionDTO         `json:"commission"`
	Contributions []TierContributionDTO `json:"contributions"`
}

// =============================================================================
// REVERSAL TYPES
// =============================================================================

// ReversalRequest reports a contract event that triggers clawbacks.
type ReversalRequest struct {
	Contract  string `json:"contract"`
	Kind      string `json:"kind"` // termination | cancellation | non_payment | correction
	EventDate string `json:"event_date"`
	Amount    string `json:"amount,omitempty"` // empty = full remaining
	Rate      string `json:"rate,omitempty"`   // percentage, empty = 100
	Actor     string `json:"actor,omitempty"`
}

// ReversalDTO represents a reversal record.
type ReversalDTO struct {
	ID                string `json:"id"`
	Reference         string `json:"reference"`
	CommissionID      string `json:"commission_id"`
	Contract          string `json:"contract"`
	Kind              string `json:"kind"`
	Mode              string `json:"mode"`
	Amount            string `json:"amount"`
	Rate              string `json:"rate,omitempty"`
	OriginalAmount    string `json:"original_amount"`
	AppliedAmount     string `json:"applied_amount"`
	CarriedAmount     string `json:"carried_amount"`
	EventDate         string `json:"event_date"`
	Deadline          string `json:"deadline"`
	OriginPeriod      string `json:"origin_period"`
	ApplicationPeriod string `json:"application_period"`
	Status            string `json:"status"`
}

// ReversalResponse reports what one event did.
type ReversalResponse struct {
	Reversals []ReversalDTO `json:"reversals"`
	Rejected  []ReversalDTO `json:"rejected,omitempty"`
	Total     string        `json:"total_reversed"`
}

// =============================================================================
// BALANCE TYPES
// =============================================================================

// BalanceDTO represents an apporteur's negative balance.
type BalanceDTO struct {
	ID           string `json:"id"`
	Apporteur    string `json:"apporteur"`
	Amount       string `json:"amount"`
	OriginPeriod string `json:"origin_period"`
	Status       string `json:"status"`
	UpdatedAt    string `json:"updated_at"`
}

// =============================================================================
// STATEMENT TYPES
// =============================================================================

// GenerateStatementRequest asks for a statement build or rebuild.
type GenerateStatementRequest struct {
	Apporteur string `json:"apporteur"`
	Period    string `json:"period"`
	Actor     string `json:"actor,omitempty"`
}

// StatementLineDTO is one row of a statement.
type StatementLineDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	RefID         string `json:"ref_id"`
	Reference     string `json:"reference"`
	Label         string `json:"label"`
	Amount        string `json:"amount"`
	Selected      bool   `json:"selected"`
	Motif         string `json:"motif,omitempty"`
	Disputed      bool   `json:"disputed,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
}

// StatementDTO represents a settlement statement.
type StatementDTO struct {
	ID              string             `json:"id"`
	Apporteur       string             `json:"apporteur"`
	Period          string             `json:"period"`
	Reference       string             `json:"reference"`
	Status          string             `json:"status"`
	Lines           []StatementLineDTO `json:"lines"`
	TotalGross      string             `json:"total_gross"`
	TotalDeductions string             `json:"total_deductions"`
	TotalNet        string             `json:"total_net"`
	Supplementary   bool               `json:"supplementary,omitempty"`
	ContentHash     string             `json:"content_hash"`
	UpdatedAt       string             `json:"updated_at"`
}

// LineActionRequest carries the motif or reason for a line operation.
type LineActionRequest struct {
	Motif  string `json:"motif,omitempty"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// ActorRequest is the body of plain transition endpoints.
type ActorRequest struct {
	Actor string `json:"actor,omitempty"`
}

// =============================================================================
// RECURRENCE TYPES
// =============================================================================

// CommitmentRequest creates or updates a recurring commitment.
type CommitmentRequest struct {
	ID          string `json:"id,omitempty"`
	Apporteur   string `json:"apporteur"`
	Contract    string `json:"contract"`
	Product     string `json:"product"`
	ProductType string `json:"product_type,omitempty"` // scale filter, empty = wildcard scales
	BaseAmount  string `json:"base_amount"`
	Active      *bool  `json:"active,omitempty"` // default true
	StartPeriod string `json:"start_period,omitempty"`
	EndPeriod   string `json:"end_period,omitempty"`
}

// CommitmentDTO represents a recurring commitment.
type CommitmentDTO struct {
	ID          string `json:"id"`
	Apporteur   string `json:"apporteur"`
	Contract    string `json:"contract"`
	Product     string `json:"product"`
	ProductType string `json:"product_type,omitempty"`
	BaseAmount  string `json:"base_amount"`
	Active      bool   `json:"active"`
	StartPeriod string `json:"start_period,omitempty"`
	EndPeriod   string `json:"end_period,omitempty"`
}

// RunRecurrenceRequest triggers a recurrence run for a period.
type RunRecurrenceRequest struct {
	Period string `json:"period"`
	Actor  string `json:"actor,omitempty"`
}

// RunSummaryDTO reports one recurrence run.
type RunSummaryDTO struct {
	Period     string   `json:"period"`
	Due        int      `json:"due"`
	Generated  int      `json:"generated"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	TotalGross string   `json:"total_gross"`
	Errors     []string `json:"errors,omitempty"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditEntryDTO represents one audit trail entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Scope     string         `json:"scope"`
	RefID     string         `json:"ref_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Apporteur string         `json:"apporteur,omitempty"`
	Period    string         `json:"period,omitempty"`
	Amount    string         `json:"amount,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCommissionDTO(c *commission.Commission) CommissionDTO {
	return CommissionDTO{
		ID:        string(c.ID),
		Apporteur: string(c.Apporteur),
		Contract:  string(c.Contract),
		Product:   string(c.Product),
		Reference: c.Reference,
		Gross:     c.Gross.StringFixed(2),
		Reversed:  c.Reversed.StringFixed(2),
		Advances:  c.Advances.StringFixed(2),
		Net:       c.Net.StringFixed(2),
		Status:    string(c.Status),
		Period:    c.Period.String(),
		ScaleID:   string(c.ScaleID),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func toReversalDTO(r *commission.Reversal) ReversalDTO {
	dto := ReversalDTO{
		ID:                string(r.ID),
		Reference:         r.Reference,
		CommissionID:      string(r.CommissionID),
		Contract:          string(r.Contract),
		Kind:              string(r.Kind),
		Mode:              string(r.Mode),
		Amount:            r.Amount.StringFixed(2),
		OriginalAmount:    r.OriginalAmount.StringFixed(2),
		AppliedAmount:     r.AppliedAmount.StringFixed(2),
		CarriedAmount:     r.CarriedAmount.StringFixed(2),
		EventDate:         r.EventDate.Format("2006-01-02"),
		Deadline:          r.Deadline.Format("2006-01-02"),
		OriginPeriod:      r.OriginPeriod.String(),
		ApplicationPeriod: r.ApplicationPeriod.String(),
		Status:            string(r.Status),
	}
	if r.Rate != nil {
		dto.Rate = r.Rate.StringFixed(2)
	}
	return dto
}

func toBalanceDTO(b *commission.NegativeBalance) BalanceDTO {
	return BalanceDTO{
		ID:           string(b.ID),
		Apporteur:    string(b.Apporteur),
		Amount:       b.Amount.StringFixed(2),
		OriginPeriod: b.OriginPeriod.String(),
		Status:       string(b.Status),
		UpdatedAt:    b.UpdatedAt.Format(time.RFC3339),
	}
}

func toStatementDTO(s *commission.Statement) StatementDTO {
	dto := StatementDTO{
		ID:              string(s.ID),
		Apporteur:       string(s.Apporteur),
		Period:          s.Period.String(),
		Reference:       s.Reference,
		Status:          string(s.Status),
		Lines:           make([]StatementLineDTO, len(s.Lines)),
		TotalGross:      s.TotalGross.StringFixed(2),
		TotalDeductions: s.TotalDeductions.StringFixed(2),
		TotalNet:        s.TotalNet.StringFixed(2),
		Supplementary:   s.Supplementary,
		ContentHash:     s.ContentHash,
		UpdatedAt:       s.UpdatedAt.Format(time.RFC3339),
	}
	for i, l := range s.Lines {
		dto.Lines[i] = StatementLineDTO{
			ID:            string(l.ID),
			Kind:          string(l.Kind),
			RefID:         l.RefID,
			Reference:     l.Reference,
			Label:         l.Label,
			Amount:        l.Amount.StringFixed(2),
			Selected:      l.Selected,
			Motif:         l.Motif,
			Disputed:      l.Disputed,
			DisputeReason: l.DisputeReason,
		}
	}
	return dto
}

func toCommitmentDTO(rc *commission.RecurringCommitment) CommitmentDTO {
	return CommitmentDTO{
		ID:          string(rc.ID),
		Apporteur:   string(rc.Apporteur),
		Contract:    string(rc.Contract),
		Product:     string(rc.Product),
		ProductType: rc.ProductType,
		BaseAmount:  rc.BaseAmount.StringFixed(2),
		Active:      rc.Active,
		StartPeriod: rc.StartPeriod.String(),
		EndPeriod:   rc.EndPeriod.String(),
	}
}

func toRunSummaryDTO(s *commission.RunSummary) RunSummaryDTO {
	return RunSummaryDTO{
		Period:     s.Period.String(),
		Due:        s.Due,
		Generated:  s.Generated,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
		TotalGross: s.TotalGross.StringFixed(2),
		Errors:     s.Errors,
	}
}

func toAuditDTO(e commission.AuditEntry) AuditEntryDTO {
	dto := AuditEntryDTO{
		ID:        e.ID,
		Scope:     string(e.Scope),
		RefID:     e.RefID,
		Action:    string(e.Action),
		Actor:     e.Actor,
		Apporteur: string(e.Apporteur),
		Period:    e.Period.String(),
		Before:    e.Before,
		After:     e.After,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
	if e.Amount != nil {
		dto.Amount = e.Amount.StringFixed(2)
	}
	return dto
}
