package commission_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// lineOfKind returns the first line of the given kind, or nil.
func lineOfKind(s *commission.Statement, kind commission.LineKind) *commission.StatementLine {
	for i := range s.Lines {
		if s.Lines[i].Kind == kind {
			return &s.Lines[i]
		}
	}
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

func TestGenerate_AssemblesAllThreeLineKinds(t *testing.T) {
	// GIVEN: An 80 balance from February, 40 of March earnings, and a 25
	//        deduction applied to March
	// WHEN: Generating the March statement
	// THEN: One commission line (+40), one reversal line (-25), and one
	//       carry-forward line (-15, capped at what March has left)

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.now = day(2025, time.February, 5)
	shortfall(t, env, "80", "2025-02")

	env.now = day(2025, time.March, 5)
	env.calculate(t, "app-1", "ctr-2", "800") // 40 earned

	rev := pendingReversal("rev-march", "app-1", "25", "2025-03", env.now)
	require.NoError(t, env.mem.CreateReversal(ctx, rev))
	require.NoError(t, env.ledger.ApplyDeduction(ctx, rev, "test"))

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-03", "ops")
	require.NoError(t, err)

	require.Len(t, st.Lines, 3)
	assert.Equal(t, commission.StatementDraft, st.Status)
	assert.True(t, strings.HasPrefix(st.Reference, "BRD-2025-03-"), "reference %s", st.Reference)

	com := lineOfKind(st, commission.LineCommission)
	require.NotNil(t, com)
	assert.True(t, com.Amount.Equal(dec("40")))
	assert.True(t, com.Selected)

	deduction := lineOfKind(st, commission.LineReversal)
	require.NotNil(t, deduction)
	assert.True(t, deduction.Amount.Equal(dec("-25")))

	carry := lineOfKind(st, commission.LineCarryForward)
	require.NotNil(t, carry)
	assert.True(t, carry.Amount.Equal(dec("-15")), "offset capped at remaining net, got %s", carry.Amount)
	assert.True(t, strings.HasPrefix(carry.Reference, "RPT-2025-02"))

	assert.True(t, st.TotalGross.Equal(dec("40")))
	assert.True(t, st.TotalDeductions.Equal(dec("40")))
	assert.True(t, st.TotalNet.IsZero())
	assert.NotEmpty(t, st.ContentHash)
}

func TestGenerate_RebuildIsIdempotent(t *testing.T) {
	// GIVEN: A generated statement
	// WHEN: Generating again with unchanged inputs
	// THEN: Same statement ID, same lines, identical content hash

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")

	first, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	second, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Len(t, second.Lines, 1)
}

func TestGenerate_RebuildPicksUpNewEntriesAndPreservesEdits(t *testing.T) {
	// GIVEN: A statement whose only line was deselected with a motif
	// WHEN: A new commission arrives and the statement is regenerated
	// THEN: The new line appears; the deselection and motif survive the rebuild

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	lineID := st.Lines[0].ID

	_, err = env.workflow.DeselectLine(ctx, testOrg, st.ID, lineID, "awaiting contract docs", "ops")
	require.NoError(t, err)

	env.now = env.now.Add(time.Hour)
	env.calculate(t, "app-1", "ctr-2", "800")

	rebuilt, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	require.Len(t, rebuilt.Lines, 2)

	kept := rebuilt.Line(lineID)
	require.NotNil(t, kept, "edited line keeps its ID across rebuilds")
	assert.False(t, kept.Selected)
	assert.Equal(t, "awaiting contract docs", kept.Motif)
}

func TestGenerate_ZeroPeriod_Rejected(t *testing.T) {
	env := newTestEnv()

	_, err := env.builder.Generate(context.Background(), testOrg, "app-1", "", "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)
}

// =============================================================================
// CONTENT HASH
// =============================================================================

func TestContentHash_IgnoresStorageOrder(t *testing.T) {
	a := commission.StatementLine{Kind: commission.LineCommission, RefID: "c1", Amount: dec("40"), Selected: true}
	b := commission.StatementLine{Kind: commission.LineReversal, RefID: "r1", Amount: dec("-25"), Selected: true}

	s1 := &commission.Statement{Organisation: testOrg, Apporteur: "app-1", Period: "2025-03",
		Lines: []commission.StatementLine{a, b}}
	s1.RecomputeTotals()
	s2 := &commission.Statement{Organisation: testOrg, Apporteur: "app-1", Period: "2025-03",
		Lines: []commission.StatementLine{b, a}}
	s2.RecomputeTotals()

	assert.Equal(t, commission.ContentHash(s1), commission.ContentHash(s2))
}

func TestContentHash_SensitiveToAmountsAndSelection(t *testing.T) {
	base := func() *commission.Statement {
		s := &commission.Statement{Organisation: testOrg, Apporteur: "app-1", Period: "2025-03",
			Lines: []commission.StatementLine{
				{Kind: commission.LineCommission, RefID: "c1", Amount: dec("40"), Selected: true},
			}}
		s.RecomputeTotals()
		return s
	}

	original := commission.ContentHash(base())

	changedAmount := base()
	changedAmount.Lines[0].Amount = dec("41")
	changedAmount.RecomputeTotals()
	assert.NotEqual(t, original, commission.ContentHash(changedAmount))

	deselected := base()
	deselected.Lines[0].Selected = false
	deselected.Lines[0].Motif = "held"
	deselected.RecomputeTotals()
	assert.NotEqual(t, original, commission.ContentHash(deselected))

	disputed := base()
	disputed.Lines[0].Disputed = true
	disputed.Lines[0].DisputeReason = "wrong rate"
	assert.NotEqual(t, original, commission.ContentHash(disputed),
		"a dispute must change the canonical rendering")
}

// =============================================================================
// SUPPLEMENTARY STATEMENTS
// =============================================================================

// finalizeStatement walks a statement through preselect/validate/finalize.
func finalizeStatement(t *testing.T, env *testEnv, id commission.StatementID) {
	t.Helper()
	ctx := context.Background()
	_, err := env.workflow.Preselect(ctx, testOrg, id, "ops")
	require.NoError(t, err)
	_, err = env.workflow.Validate(ctx, testOrg, id, "ops")
	require.NoError(t, err)
	_, err = env.workflow.Finalize(ctx, testOrg, id, "ops")
	require.NoError(t, err)
}

func TestGenerate_AfterFinal_BuildsSupplementaryWithUnlockedEntriesOnly(t *testing.T) {
	// GIVEN: A finalized January statement covering one commission
	// WHEN: A late commission lands in January and Generate runs again
	// THEN: A new supplementary statement holds only the late entry

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	finalizeStatement(t, env, st.ID)

	env.now = env.now.Add(time.Hour)
	late := env.calculate(t, "app-1", "ctr-2", "800")

	supp, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	assert.NotEqual(t, st.ID, supp.ID)
	assert.True(t, supp.Supplementary)
	assert.Equal(t, commission.StatementDraft, supp.Status)
	require.Len(t, supp.Lines, 1)
	assert.Equal(t, string(late.ID), supp.Lines[0].RefID)
}

func TestGenerate_AfterFinal_DoesNotRepeatSettledDeductions(t *testing.T) {
	// GIVEN: A finalized March statement carrying a +40 commission and a -25
	//        reversal deduction
	// WHEN: A late commission lands in March and Generate runs again
	// THEN: The supplementary holds only the late entry; the already-settled
	//       deduction is not charged a second time

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.now = day(2025, time.March, 5)
	env.calculate(t, "app-1", "ctr-1", "800") // 40 earned

	rev := pendingReversal("rev-1", "app-1", "25", "2025-03", env.now)
	require.NoError(t, env.mem.CreateReversal(ctx, rev))
	require.NoError(t, env.ledger.ApplyDeduction(ctx, rev, "test"))

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-03", "ops")
	require.NoError(t, err)
	require.NotNil(t, lineOfKind(st, commission.LineReversal))
	finalizeStatement(t, env, st.ID)

	env.now = env.now.Add(time.Hour)
	late := env.calculate(t, "app-1", "ctr-2", "500")

	supp, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-03", "ops")
	require.NoError(t, err)

	assert.True(t, supp.Supplementary)
	require.Len(t, supp.Lines, 1, "only the late commission belongs here")
	assert.Equal(t, string(late.ID), supp.Lines[0].RefID)
	assert.True(t, supp.TotalNet.Equal(late.Net),
		"net %s must not re-charge the settled deduction", supp.TotalNet)
}

func TestGenerate_AfterFinal_NothingLeft_Rejected(t *testing.T) {
	// GIVEN: A finalized statement and no later entries
	// WHEN: Generate runs again for the period
	// THEN: ValidationError; there is nothing to put on a supplementary

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	finalizeStatement(t, env, st.ID)

	_, err = env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)
}
