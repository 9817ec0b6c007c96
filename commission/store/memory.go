/*
memory.go - In-memory store backing every repository port

PURPOSE:
  A single mutex-guarded store implementing all of the engine's ports. This
  is the test backbone and the zero-setup mode of the server; the SQLite
  store is the durable twin with the same semantics.

GUARANTEES MIRRORED FROM THE SQL STORE:
  - Copies in, copies out: callers never share memory with the store
  - MarkProcessed is atomic under the store mutex
  - The audit slice is append-only; Query returns copies, newest first
*/
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// Memory implements every repository port of the engine in process memory.
type Memory struct {
	mu sync.RWMutex

	scales      map[commission.OrganisationID][]commission.Scale
	commissions map[commission.CommissionID]*commission.Commission
	reversals   map[commission.ReversalID]*commission.Reversal
	balances    map[commission.BalanceID]*commission.NegativeBalance
	commitments map[commission.CommitmentID]*commission.RecurringCommitment
	processed   map[string]bool
	statements  map[commission.StatementID]*commission.Statement
	audit       []commission.AuditEntry
}

var (
	_ commission.ScaleProvider       = (*Memory)(nil)
	_ commission.CommissionRepo      = (*Memory)(nil)
	_ commission.AuditRepo           = (*Memory)(nil)
	_ commission.ReversalRepo        = reversalView{}
	_ commission.NegativeBalanceRepo = balanceView{}
	_ commission.RecurrenceRepo      = recurrenceView{}
	_ commission.StatementRepo       = statementView{}
)

func NewMemory() *Memory {
	return &Memory{
		scales:      make(map[commission.OrganisationID][]commission.Scale),
		commissions: make(map[commission.CommissionID]*commission.Commission),
		reversals:   make(map[commission.ReversalID]*commission.Reversal),
		balances:    make(map[commission.BalanceID]*commission.NegativeBalance),
		commitments: make(map[commission.CommitmentID]*commission.RecurringCommitment),
		processed:   make(map[string]bool),
		statements:  make(map[commission.StatementID]*commission.Statement),
	}
}

// =============================================================================
// SCALE PROVIDER
// =============================================================================

// PutScale registers or replaces a scale in the catalog.
func (m *Memory) PutScale(s commission.Scale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scales := m.scales[s.Organisation]
	for i := range scales {
		if scales[i].ID == s.ID {
			scales[i] = s
			return
		}
	}
	m.scales[s.Organisation] = append(scales, s)
}

func (m *Memory) SaveScale(_ context.Context, s commission.Scale) error {
	m.PutScale(s)
	return nil
}

func (m *Memory) ActiveScales(_ context.Context, org commission.OrganisationID, productType string) ([]commission.Scale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.Scale
	for _, s := range m.scales[org] {
		if !s.Active {
			continue
		}
		if s.ProductType != "" && s.ProductType != productType {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// =============================================================================
// COMMISSION REPO
// =============================================================================

func (m *Memory) Create(_ context.Context, c *commission.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commissions[c.ID]; ok {
		return &commission.ValidationError{Field: string(c.ID), Reason: "commission already exists"}
	}
	cp := *c
	m.commissions[c.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, org commission.OrganisationID, id commission.CommissionID) (*commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.commissions[id]
	if !ok || c.Organisation != org {
		return nil, &commission.NotFoundError{Kind: "commission", Ref: string(id)}
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) Update(_ context.Context, c *commission.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commissions[c.ID]; !ok {
		return &commission.NotFoundError{Kind: "commission", Ref: string(c.ID)}
	}
	cp := *c
	m.commissions[c.ID] = &cp
	return nil
}

func (m *Memory) ListByPeriod(_ context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) ([]*commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.Commission
	for _, c := range m.commissions {
		if c.Organisation != org || c.Apporteur != apporteur || c.Period != period {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sortCommissions(out)
	return out, nil
}

func (m *Memory) ListByContract(_ context.Context, org commission.OrganisationID, contract commission.ContractID) ([]*commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.Commission
	for _, c := range m.commissions {
		if c.Organisation != org || c.Contract != contract {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sortCommissions(out)
	return out, nil
}

func (m *Memory) SumBases(_ context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, c := range m.commissions {
		if c.Organisation != org || c.Apporteur != apporteur {
			continue
		}
		if !period.IsZero() && c.Period != period {
			continue
		}
		total = total.Add(c.BaseAmount)
	}
	return total, nil
}

func (m *Memory) CountByIdempotencyKey(_ context.Context, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.commissions {
		if c.IdempotencyKey == key {
			n++
		}
	}
	return n, nil
}

func sortCommissions(cs []*commission.Commission) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// =============================================================================
// REVERSAL REPO
// =============================================================================

func (m *Memory) CreateReversal(_ context.Context, r *commission.Reversal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reversals[r.ID]; ok {
		return &commission.ValidationError{Field: string(r.ID), Reason: "reversal already exists"}
	}
	cp := *r
	m.reversals[r.ID] = &cp
	return nil
}

func (m *Memory) GetReversal(_ context.Context, org commission.OrganisationID, id commission.ReversalID) (*commission.Reversal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reversals[id]
	if !ok || r.Organisation != org {
		return nil, &commission.NotFoundError{Kind: "reversal", Ref: string(id)}
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateReversal(_ context.Context, r *commission.Reversal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reversals[r.ID]; !ok {
		return &commission.NotFoundError{Kind: "reversal", Ref: string(r.ID)}
	}
	cp := *r
	m.reversals[r.ID] = &cp
	return nil
}

func (m *Memory) ListReversals(_ context.Context, org commission.OrganisationID, f commission.ReversalFilter) ([]*commission.Reversal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.Reversal
	for _, r := range m.reversals {
		if r.Organisation != org {
			continue
		}
		if f.Apporteur != "" && r.Apporteur != f.Apporteur {
			continue
		}
		if f.Contract != "" && r.Contract != f.Contract {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if !f.ApplicationPeriod.IsZero() && r.ApplicationPeriod != f.ApplicationPeriod {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// NEGATIVE BALANCE REPO
// =============================================================================

func (m *Memory) CreateBalance(_ context.Context, b *commission.NegativeBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[b.ID]; ok {
		return &commission.ValidationError{Field: string(b.ID), Reason: "balance already exists"}
	}
	for _, existing := range m.balances {
		if existing.Organisation == b.Organisation && existing.Apporteur == b.Apporteur &&
			existing.Status == commission.BalanceActive && b.Status == commission.BalanceActive {
			return &commission.ValidationError{
				Field:  string(b.Apporteur),
				Reason: "apporteur already has an active balance",
			}
		}
	}
	cp := *b
	m.balances[b.ID] = &cp
	return nil
}

func (m *Memory) UpdateBalance(_ context.Context, b *commission.NegativeBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[b.ID]; !ok {
		return &commission.NotFoundError{Kind: "balance", Ref: string(b.ID)}
	}
	cp := *b
	m.balances[b.ID] = &cp
	return nil
}

func (m *Memory) ActiveBalance(_ context.Context, org commission.OrganisationID, apporteur commission.ApporteurID) (*commission.NegativeBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.balances {
		if b.Organisation == org && b.Apporteur == apporteur && b.Status == commission.BalanceActive {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListBalances(_ context.Context, org commission.OrganisationID, status commission.BalanceStatus) ([]*commission.NegativeBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.NegativeBalance
	for _, b := range m.balances {
		if b.Organisation != org {
			continue
		}
		if status != "" && b.Status != status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RECURRENCE REPO
// =============================================================================

func (m *Memory) SaveCommitment(_ context.Context, rc *commission.RecurringCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rc
	m.commitments[rc.ID] = &cp
	return nil
}

func (m *Memory) ListActiveCommitments(_ context.Context, org commission.OrganisationID) ([]*commission.RecurringCommitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.RecurringCommitment
	for _, rc := range m.commitments {
		if rc.Organisation != org || !rc.Active {
			continue
		}
		cp := *rc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkProcessed is the atomic check-and-set behind at-most-once generation.
func (m *Memory) MarkProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[key] {
		return true, nil
	}
	m.processed[key] = true
	return false, nil
}

func (m *Memory) Unmark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, key)
	return nil
}

// =============================================================================
// STATEMENT REPO
// =============================================================================

func (m *Memory) CreateStatement(_ context.Context, s *commission.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[s.ID]; ok {
		return &commission.ValidationError{Field: string(s.ID), Reason: "statement already exists"}
	}
	m.statements[s.ID] = copyStatement(s)
	return nil
}

func (m *Memory) UpdateStatement(_ context.Context, s *commission.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statements[s.ID]; !ok {
		return &commission.NotFoundError{Kind: "statement", Ref: string(s.ID)}
	}
	m.statements[s.ID] = copyStatement(s)
	return nil
}

func (m *Memory) GetStatement(_ context.Context, org commission.OrganisationID, id commission.StatementID) (*commission.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statements[id]
	if !ok || s.Organisation != org {
		return nil, &commission.NotFoundError{Kind: "statement", Ref: string(id)}
	}
	return copyStatement(s), nil
}

func (m *Memory) ListByApporteurPeriod(_ context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) ([]*commission.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commission.Statement
	for _, s := range m.statements {
		if s.Organisation != org || s.Apporteur != apporteur || s.Period != period {
			continue
		}
		out = append(out, copyStatement(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) LockedLineRefs(_ context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	locked := make(map[string]bool)
	for _, s := range m.statements {
		if s.Organisation != org || s.Apporteur != apporteur || s.Period != period {
			continue
		}
		if s.Status != commission.StatementFinal {
			continue
		}
		for _, l := range s.Lines {
			locked[string(l.Kind)+"|"+l.RefID] = true
		}
	}
	return locked, nil
}

func copyStatement(s *commission.Statement) *commission.Statement {
	cp := *s
	cp.Lines = make([]commission.StatementLine, len(s.Lines))
	copy(cp.Lines, s.Lines)
	return &cp
}

// =============================================================================
// AUDIT REPO - Append-only
// =============================================================================

func (m *Memory) Append(_ context.Context, e commission.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, copyAudit(e))
	return nil
}

func (m *Memory) Query(_ context.Context, org commission.OrganisationID, f commission.AuditFilter) ([]commission.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []commission.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if e.Organisation != org {
			continue
		}
		if f.Scope != "" && e.Scope != f.Scope {
			continue
		}
		if f.RefID != "" && e.RefID != f.RefID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Period.IsZero() && e.Period != f.Period {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, copyAudit(e))
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func copyAudit(e commission.AuditEntry) commission.AuditEntry {
	cp := e
	cp.Before = copyMap(e.Before)
	cp.After = copyMap(e.After)
	return cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// =============================================================================
// PORT ADAPTERS - Narrow views over the single store
// =============================================================================

// Reversals returns the store as a ReversalRepo.
func (m *Memory) Reversals() commission.ReversalRepo { return reversalView{m} }

// Balances returns the store as a NegativeBalanceRepo.
func (m *Memory) Balances() commission.NegativeBalanceRepo { return balanceView{m} }

// Recurrences returns the store as a RecurrenceRepo.
func (m *Memory) Recurrences() commission.RecurrenceRepo { return recurrenceView{m} }

// Statements returns the store as a StatementRepo.
func (m *Memory) Statements() commission.StatementRepo { return statementView{m} }

type reversalView struct{ m *Memory }

func (v reversalView) Create(ctx context.Context, r *commission.Reversal) error {
	return v.m.CreateReversal(ctx, r)
}
func (v reversalView) Get(ctx context.Context, org commission.OrganisationID, id commission.ReversalID) (*commission.Reversal, error) {
	return v.m.GetReversal(ctx, org, id)
}
func (v reversalView) Update(ctx context.Context, r *commission.Reversal) error {
	return v.m.UpdateReversal(ctx, r)
}
func (v reversalView) List(ctx context.Context, org commission.OrganisationID, f commission.ReversalFilter) ([]*commission.Reversal, error) {
	return v.m.ListReversals(ctx, org, f)
}

type balanceView struct{ m *Memory }

func (v balanceView) Create(ctx context.Context, b *commission.NegativeBalance) error {
	return v.m.CreateBalance(ctx, b)
}
func (v balanceView) Update(ctx context.Context, b *commission.NegativeBalance) error {
	return v.m.UpdateBalance(ctx, b)
}
func (v balanceView) Active(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID) (*commission.NegativeBalance, error) {
	return v.m.ActiveBalance(ctx, org, apporteur)
}
func (v balanceView) List(ctx context.Context, org commission.OrganisationID, status commission.BalanceStatus) ([]*commission.NegativeBalance, error) {
	return v.m.ListBalances(ctx, org, status)
}

type recurrenceView struct{ m *Memory }

func (v recurrenceView) Save(ctx context.Context, rc *commission.RecurringCommitment) error {
	return v.m.SaveCommitment(ctx, rc)
}
func (v recurrenceView) ListActive(ctx context.Context, org commission.OrganisationID) ([]*commission.RecurringCommitment, error) {
	return v.m.ListActiveCommitments(ctx, org)
}
func (v recurrenceView) MarkProcessed(ctx context.Context, key string) (bool, error) {
	return v.m.MarkProcessed(ctx, key)
}
func (v recurrenceView) Unmark(ctx context.Context, key string) error {
	return v.m.Unmark(ctx, key)
}

type statementView struct{ m *Memory }

func (v statementView) Create(ctx context.Context, s *commission.Statement) error {
	return v.m.CreateStatement(ctx, s)
}
func (v statementView) Update(ctx context.Context, s *commission.Statement) error {
	return v.m.UpdateStatement(ctx, s)
}
func (v statementView) Get(ctx context.Context, org commission.OrganisationID, id commission.StatementID) (*commission.Statement, error) {
	return v.m.GetStatement(ctx, org, id)
}
func (v statementView) ListByApporteurPeriod(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) ([]*commission.Statement, error) {
	return v.m.ListByApporteurPeriod(ctx, org, apporteur, period)
}
func (v statementView) LockedLineRefs(ctx context.Context, org commission.OrganisationID, apporteur commission.ApporteurID, period commission.Period) (map[string]bool, error) {
	return v.m.LockedLineRefs(ctx, org, apporteur, period)
}
