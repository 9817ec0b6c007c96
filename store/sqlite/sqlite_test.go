package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const org = commission.OrganisationID("org-1")

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return commission.MustDecimal(s)
}

func jan(d int) time.Time {
	return time.Date(2025, time.January, d, 10, 0, 0, 0, time.UTC)
}

func sampleCommission(id, apporteur, contract string, base, gross string, created time.Time) *commission.Commission {
	c := &commission.Commission{
		ID:           commission.CommissionID(id),
		Organisation: org,
		Apporteur:    commission.ApporteurID(apporteur),
		Contract:     commission.ContractID(contract),
		Product:      "auto",
		Reference:    "COM-2025-01-" + id,
		BaseAmount:   dec(base),
		Gross:        dec(gross),
		Reversed:     decimal.Zero,
		Advances:     decimal.Zero,
		Status:       commission.CommissionPayable,
		Period:       "2025-01",
		ScaleID:      "accelerator",
		CreatedAt:    created,
	}
	c.RecomputeNet()
	return c
}

// =============================================================================
// SCALES
// =============================================================================

func TestSQLite_ScaleRoundTripAndProductFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u := dec("1000")
	wildcard := commission.Scale{
		ID: "any", Organisation: org, Name: "Wildcard", Active: true,
		Tiers: []commission.Tier{{
			ID: "t1", ScaleID: "any", Kind: commission.TierRate,
			Lower: decimal.Zero, Upper: &u, Rate: dec("5"),
			PerPeriod: true, Active: true,
		}},
	}
	lifeOnly := commission.Scale{
		ID: "life", Organisation: org, Name: "Life only", ProductType: "life", Active: true,
		Tiers: []commission.Tier{{
			ID: "t1", ScaleID: "life", Kind: commission.TierFixed,
			Lower: decimal.Zero, FixedAmount: dec("250"), Active: true,
		}},
	}
	inactive := commission.Scale{ID: "old", Organisation: org, Name: "Retired", Active: false}

	require.NoError(t, store.SaveScale(ctx, wildcard))
	require.NoError(t, store.SaveScale(ctx, lifeOnly))
	require.NoError(t, store.SaveScale(ctx, inactive))

	auto, err := store.ActiveScales(ctx, org, "auto")
	require.NoError(t, err)
	require.Len(t, auto, 1)
	assert.Equal(t, commission.ScaleID("any"), auto[0].ID)
	require.Len(t, auto[0].Tiers, 1)
	assert.True(t, auto[0].Tiers[0].Rate.Equal(dec("5")))
	require.NotNil(t, auto[0].Tiers[0].Upper)
	assert.True(t, auto[0].Tiers[0].Upper.Equal(dec("1000")))

	life, err := store.ActiveScales(ctx, org, "life")
	require.NoError(t, err)
	assert.Len(t, life, 2)
}

func TestSQLite_SaveScale_UpsertsInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	scale := commission.Scale{ID: "s1", Organisation: org, Name: "v1", Active: true,
		Tiers: []commission.Tier{{ID: "t1", ScaleID: "s1", Kind: commission.TierRate,
			Lower: decimal.Zero, Rate: dec("5"), Active: true}}}
	require.NoError(t, store.SaveScale(ctx, scale))

	scale.Name = "v2"
	scale.Tiers[0].Rate = dec("6")
	require.NoError(t, store.SaveScale(ctx, scale))

	scales, err := store.ActiveScales(ctx, org, "")
	require.NoError(t, err)
	require.Len(t, scales, 1)
	assert.Equal(t, "v2", scales[0].Name)
	assert.True(t, scales[0].Tiers[0].Rate.Equal(dec("6")))
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func TestSQLite_CommissionRoundTripAndAccumulation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleCommission("c1", "app-1", "ctr-1", "800", "40", jan(5))))
	require.NoError(t, store.Create(ctx, sampleCommission("c2", "app-1", "ctr-1", "400", "32", jan(6))))

	feb := sampleCommission("c3", "app-1", "ctr-2", "2000", "100", time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC))
	feb.Period = "2025-02"
	require.NoError(t, store.Create(ctx, feb))

	got, err := store.Get(ctx, org, "c1")
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("800")))
	assert.True(t, got.Gross.Equal(dec("40")))
	assert.True(t, got.Net.Equal(dec("40")))
	assert.Equal(t, commission.Period("2025-01"), got.Period)

	janSum, err := store.SumBases(ctx, org, "app-1", "2025-01")
	require.NoError(t, err)
	assert.True(t, janSum.Equal(dec("1200")), "period accumulation sums transaction volume, got %s", janSum)

	lifetime, err := store.SumBases(ctx, org, "app-1", "")
	require.NoError(t, err)
	assert.True(t, lifetime.Equal(dec("3200")))

	byContract, err := store.ListByContract(ctx, org, "ctr-1")
	require.NoError(t, err)
	require.Len(t, byContract, 2)
	assert.Equal(t, commission.CommissionID("c1"), byContract[0].ID, "oldest first")
}

func TestSQLite_CommissionUpdatePersistsAmountChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := sampleCommission("c1", "app-1", "ctr-1", "1500", "120", jan(5))
	require.NoError(t, store.Create(ctx, c))

	c.AddReversed(dec("50"))
	c.Status = commission.CommissionSettled
	require.NoError(t, store.Update(ctx, c))

	got, err := store.Get(ctx, org, "c1")
	require.NoError(t, err)
	assert.True(t, got.Reversed.Equal(dec("50")))
	assert.True(t, got.Net.Equal(dec("70")))
	assert.Equal(t, commission.CommissionSettled, got.Status)
}

func TestSQLite_GetCommission_WrongOrgOrMissing_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleCommission("c1", "app-1", "ctr-1", "800", "40", jan(5))))

	_, err := store.Get(ctx, "other-org", "c1")
	assert.ErrorIs(t, err, commission.ErrNotFound)

	_, err = store.Get(ctx, org, "nope")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestSQLite_ReversalRoundTripAndFilters(t *testing.T) {
	store := newTestStore(t)
	reversals := store.Reversals()
	ctx := context.Background()

	rate := dec("50")
	rev := &commission.Reversal{
		ID: "r1", Organisation: org, Apporteur: "app-1", Contract: "ctr-1",
		CommissionID: "c1", Reference: "REP-2025-03-X",
		Kind: commission.ReversalCancellation, Mode: commission.ModeCurrentPeriod,
		Amount: dec("120"), Rate: &rate, OriginalAmount: dec("240"),
		AppliedAmount: dec("40"), CarriedAmount: dec("80"),
		EventDate: jan(20), Deadline: jan(20).AddDate(0, 3, 0),
		OriginPeriod: "2025-01", ApplicationPeriod: "2025-03",
		Status:    commission.ReversalApplied,
		CreatedAt: jan(20),
	}
	require.NoError(t, reversals.Create(ctx, rev))

	got, err := reversals.Get(ctx, org, "r1")
	require.NoError(t, err)
	assert.True(t, got.AppliedAmount.Equal(dec("40")))
	assert.True(t, got.CarriedAmount.Equal(dec("80")))
	require.NotNil(t, got.Rate)
	assert.True(t, got.Rate.Equal(dec("50")))
	assert.True(t, got.OriginalAmount.Equal(dec("240")))
	assert.Equal(t, commission.Period("2025-01"), got.OriginPeriod)
	assert.Equal(t, commission.Period("2025-03"), got.ApplicationPeriod)

	matched, err := reversals.List(ctx, org, commission.ReversalFilter{
		Apporteur:         "app-1",
		ApplicationPeriod: "2025-03",
		Status:            commission.ReversalApplied,
	})
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	none, err := reversals.List(ctx, org, commission.ReversalFilter{Status: commission.ReversalRejected})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// NEGATIVE BALANCES
// =============================================================================

func TestSQLite_OneActiveBalancePerApporteur_Enforced(t *testing.T) {
	// The partial unique index refuses a second active balance; the ledger
	// increases the first one instead of ever hitting this path.

	store := newTestStore(t)
	balances := store.Balances()
	ctx := context.Background()

	first := &commission.NegativeBalance{
		ID: "b1", Organisation: org, Apporteur: "app-1",
		Amount: dec("80"), OriginPeriod: "2025-03",
		Status: commission.BalanceActive, CreatedAt: jan(1), UpdatedAt: jan(1),
	}
	require.NoError(t, balances.Create(ctx, first))

	second := &commission.NegativeBalance{
		ID: "b2", Organisation: org, Apporteur: "app-1",
		Amount: dec("20"), OriginPeriod: "2025-04",
		Status: commission.BalanceActive, CreatedAt: jan(2), UpdatedAt: jan(2),
	}
	err := balances.Create(ctx, second)
	assert.ErrorIs(t, err, commission.ErrValidation)

	// A cleared balance does not block a new active one.
	first.Status = commission.BalanceCleared
	first.Amount = decimal.Zero
	require.NoError(t, balances.Update(ctx, first))
	require.NoError(t, balances.Create(ctx, second))

	active, err := balances.Active(ctx, org, "app-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, commission.BalanceID("b2"), active.ID)
}

func TestSQLite_ActiveBalance_NoneReturnsNil(t *testing.T) {
	store := newTestStore(t)

	bal, err := store.Balances().Active(context.Background(), org, "app-1")
	require.NoError(t, err)
	assert.Nil(t, bal)
}

// =============================================================================
// RECURRENCE KEYS
// =============================================================================

func TestSQLite_MarkProcessed_AtMostOnce(t *testing.T) {
	store := newTestStore(t)
	recurrences := store.Recurrences()
	ctx := context.Background()

	key := commission.RecurrenceKey("app-1", "ctr-1", "2025-01")

	already, err := recurrences.MarkProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, already, "first claim wins")

	already, err = recurrences.MarkProcessed(ctx, key)
	require.NoError(t, err)
	assert.True(t, already, "second claim observes the key")

	require.NoError(t, recurrences.Unmark(ctx, key))

	already, err = recurrences.MarkProcessed(ctx, key)
	require.NoError(t, err)
	assert.False(t, already, "unmark releases the key for retry")

	// Unmarking an unknown key is a no-op.
	assert.NoError(t, recurrences.Unmark(ctx, "rec:nobody:nothing:2025-01"))
}

func TestSQLite_CommitmentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	recurrences := store.Recurrences()
	ctx := context.Background()

	rc := &commission.RecurringCommitment{
		ID: "rc-1", Organisation: org, Apporteur: "app-1", Contract: "ctr-1",
		Product: "auto", ProductType: "motor", BaseAmount: dec("800"), Active: true,
		StartPeriod: "2025-01", CreatedAt: jan(1),
	}
	require.NoError(t, recurrences.Save(ctx, rc))

	inactive := &commission.RecurringCommitment{
		ID: "rc-2", Organisation: org, Apporteur: "app-2", Contract: "ctr-2",
		Product: "auto", BaseAmount: dec("100"), Active: false, CreatedAt: jan(1),
	}
	require.NoError(t, recurrences.Save(ctx, inactive))

	active, err := recurrences.ListActive(ctx, org)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, commission.CommitmentID("rc-1"), active[0].ID)
	assert.True(t, active[0].BaseAmount.Equal(dec("800")))
	assert.Equal(t, "motor", active[0].ProductType)
	assert.Equal(t, commission.Period("2025-01"), active[0].StartPeriod)
}

// =============================================================================
// STATEMENTS
// =============================================================================

func sampleStatement(id string, status commission.StatementStatus, lines ...commission.StatementLine) *commission.Statement {
	s := &commission.Statement{
		ID: commission.StatementID(id), Organisation: org, Apporteur: "app-1",
		Period: "2025-01", Reference: "BRD-2025-01-" + id,
		Status: status, Lines: lines,
		CreatedAt: jan(1), UpdatedAt: jan(1),
	}
	s.RecomputeTotals()
	s.ContentHash = commission.ContentHash(s)
	return s
}

func TestSQLite_StatementRoundTripWithLines(t *testing.T) {
	store := newTestStore(t)
	statements := store.Statements()
	ctx := context.Background()

	st := sampleStatement("s1", commission.StatementDraft,
		commission.StatementLine{ID: "l1", Kind: commission.LineCommission, RefID: "c1",
			Reference: "COM-2025-01-A", Label: "Commission ctr-1", Amount: dec("40"), Selected: true},
		commission.StatementLine{ID: "l2", Kind: commission.LineReversal, RefID: "r1",
			Reference: "REP-2025-01-B", Label: "Reversal ctr-2", Amount: dec("-25"), Selected: true},
	)
	require.NoError(t, statements.Create(ctx, st))

	got, err := statements.Get(ctx, org, "s1")
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, commission.LineID("l1"), got.Lines[0].ID)
	assert.True(t, got.Lines[1].Amount.Equal(dec("-25")))
	assert.Equal(t, st.ContentHash, got.ContentHash)
	assert.True(t, got.TotalNet.Equal(dec("15")))
}

func TestSQLite_StatementUpdate_ReplacesLineMembership(t *testing.T) {
	// A rebuild may add, drop, or rewrite lines wholesale.

	store := newTestStore(t)
	statements := store.Statements()
	ctx := context.Background()

	st := sampleStatement("s1", commission.StatementDraft,
		commission.StatementLine{ID: "l1", Kind: commission.LineCommission, RefID: "c1",
			Amount: dec("40"), Selected: true},
	)
	require.NoError(t, statements.Create(ctx, st))

	st.Lines = []commission.StatementLine{
		{ID: "l1", Kind: commission.LineCommission, RefID: "c1", Amount: dec("40"),
			Selected: false, Motif: "held"},
		{ID: "l3", Kind: commission.LineCommission, RefID: "c2", Amount: dec("32"), Selected: true},
	}
	st.RecomputeTotals()
	st.ContentHash = commission.ContentHash(st)
	require.NoError(t, statements.Update(ctx, st))

	got, err := statements.Get(ctx, org, "s1")
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	assert.False(t, got.Lines[0].Selected)
	assert.Equal(t, "held", got.Lines[0].Motif)
	assert.True(t, got.TotalNet.Equal(dec("32")))
}

func TestSQLite_LockedLineRefs_OnlyFinalStatementsLock(t *testing.T) {
	store := newTestStore(t)
	statements := store.Statements()
	ctx := context.Background()

	final := sampleStatement("s1", commission.StatementFinal,
		commission.StatementLine{ID: "l1", Kind: commission.LineCommission, RefID: "c1",
			Amount: dec("40"), Selected: true},
		commission.StatementLine{ID: "l2", Kind: commission.LineReversal, RefID: "r1",
			Amount: dec("-10"), Selected: true},
	)
	require.NoError(t, statements.Create(ctx, final))

	draft := sampleStatement("s2", commission.StatementDraft,
		commission.StatementLine{ID: "l3", Kind: commission.LineCommission, RefID: "c2",
			Amount: dec("32"), Selected: true},
	)
	require.NoError(t, statements.Create(ctx, draft))

	locked, err := statements.LockedLineRefs(ctx, org, "app-1", "2025-01")
	require.NoError(t, err)
	assert.True(t, locked["commission|c1"])
	assert.True(t, locked["reversal|r1"], "settled deductions lock too")
	assert.False(t, locked["commission|c2"], "draft statements lock nothing")
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestSQLite_AuditAppendAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	amount := dec("120")
	entries := []commission.AuditEntry{
		{ID: "a1", Organisation: org, Scope: commission.ScopeCommission, RefID: "c1",
			Action: commission.ActionCommissionCreated, Actor: "ops", Apporteur: "app-1",
			Period: "2025-01", Amount: &amount,
			After:     map[string]any{"gross": "120.00"},
			CreatedAt: jan(5)},
		{ID: "a2", Organisation: org, Scope: commission.ScopeReversal, RefID: "r1",
			Action: commission.ActionReversalApplied, Actor: "ops", Apporteur: "app-1",
			Period: "2025-03", CreatedAt: jan(6)},
		{ID: "a3", Organisation: "other-org", Scope: commission.ScopeCommission, RefID: "cX",
			Action: commission.ActionCommissionCreated, CreatedAt: jan(7)},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}

	all, err := store.Query(ctx, org, commission.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2, "other organisations are invisible")
	assert.Equal(t, "a2", all[0].ID, "newest first")

	byScope, err := store.Query(ctx, org, commission.AuditFilter{Scope: commission.ScopeCommission})
	require.NoError(t, err)
	require.Len(t, byScope, 1)
	assert.Equal(t, "a1", byScope[0].ID)
	require.NotNil(t, byScope[0].Amount)
	assert.True(t, byScope[0].Amount.Equal(dec("120")))
	assert.Equal(t, "120.00", byScope[0].After["gross"])

	byPeriod, err := store.Query(ctx, org, commission.AuditFilter{Period: "2025-03"})
	require.NoError(t, err)
	require.Len(t, byPeriod, 1)
	assert.Equal(t, "a2", byPeriod[0].ID)

	limited, err := store.Query(ctx, org, commission.AuditFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a1", limited[0].ID)
}
