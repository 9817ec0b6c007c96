package commission_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestCanTransition_Table(t *testing.T) {
	allowed := []struct{ from, to commission.StatementStatus }{
		{commission.StatementDraft, commission.StatementPreselected},
		{commission.StatementPreselected, commission.StatementDisputed},
		{commission.StatementPreselected, commission.StatementValidated},
		{commission.StatementDisputed, commission.StatementPreselected},
		{commission.StatementValidated, commission.StatementFinal},
	}
	for _, tc := range allowed {
		assert.True(t, commission.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	forbidden := []struct{ from, to commission.StatementStatus }{
		{commission.StatementDraft, commission.StatementValidated},
		{commission.StatementDraft, commission.StatementFinal},
		{commission.StatementDisputed, commission.StatementValidated},
		{commission.StatementValidated, commission.StatementPreselected},
		{commission.StatementFinal, commission.StatementDraft},
		{commission.StatementFinal, commission.StatementPreselected},
	}
	for _, tc := range forbidden {
		assert.False(t, commission.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestWorkflow_SkippingPreselect_Rejected(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	_, err = env.workflow.Validate(ctx, testOrg, st.ID, "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)
}

// =============================================================================
// FINALIZATION SIDE EFFECTS
// =============================================================================

func TestFinalize_SettlesCommissionsAndOffsetsBalance(t *testing.T) {
	// GIVEN: An 80 balance from March and an April statement with 160 of
	//        earnings and an 80 carry-forward line
	// WHEN: The statement is finalized
	// THEN: The commission flips to settled and the balance clears

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.now = day(2025, time.March, 5)
	shortfall(t, env, "80", "2025-03")

	env.now = day(2025, time.April, 5)
	com := env.calculate(t, "app-1", "ctr-2", "2000") // 160 earned

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-04", "ops")
	require.NoError(t, err)
	require.NotNil(t, lineOfKind(st, commission.LineCarryForward))

	finalizeStatement(t, env, st.ID)

	settled, err := env.mem.Get(ctx, testOrg, com.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.CommissionSettled, settled.Status)

	bal, err := env.mem.ActiveBalance(ctx, testOrg, "app-1")
	require.NoError(t, err)
	assert.Nil(t, bal, "the 80 offset clears the balance")

	final, err := env.mem.GetStatement(ctx, testOrg, st.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.StatementFinal, final.Status)
}

func TestFinalize_DeselectedCommissionStaysPayable(t *testing.T) {
	// A deselected line is excluded from settlement; its commission remains
	// payable for a later period's statement.

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	keep := env.calculate(t, "app-1", "ctr-1", "1500")
	env.now = env.now.Add(time.Hour)
	hold := env.calculate(t, "app-1", "ctr-2", "800")

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	var holdLine commission.LineID
	for _, l := range st.Lines {
		if l.RefID == string(hold.ID) {
			holdLine = l.ID
		}
	}
	_, err = env.workflow.DeselectLine(ctx, testOrg, st.ID, holdLine, "pending review", "ops")
	require.NoError(t, err)

	finalizeStatement(t, env, st.ID)

	kept, err := env.mem.Get(ctx, testOrg, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.CommissionSettled, kept.Status)

	held, err := env.mem.Get(ctx, testOrg, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.CommissionPayable, held.Status)
}

func TestFinalize_OffsetFailureLeavesNoPartialState(t *testing.T) {
	// GIVEN: A validated April statement whose carry-forward line offsets an
	//        80 balance, and the balance shrinks to 30 before finalization
	// WHEN: Finalize runs and the offset settlement is refused
	// THEN: The commission returns to payable and the statement to validated

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.now = day(2025, time.March, 5)
	shortfall(t, env, "80", "2025-03")

	env.now = day(2025, time.April, 5)
	com := env.calculate(t, "app-1", "ctr-2", "2000") // 160 earned

	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-04", "ops")
	require.NoError(t, err)
	require.NotNil(t, lineOfKind(st, commission.LineCarryForward))

	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)
	_, err = env.workflow.Validate(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)

	// Another settlement path reduces the balance behind the statement's back.
	require.NoError(t, env.ledger.SettleOffset(ctx, testOrg, "app-1", "2025-04", dec("50"), "ops"))

	_, err = env.workflow.Finalize(ctx, testOrg, st.ID, "ops")
	require.ErrorIs(t, err, commission.ErrValidation)

	after, err := env.mem.Get(ctx, testOrg, com.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.CommissionPayable, after.Status, "a failed finalize settles nothing")

	reverted, err := env.mem.GetStatement(ctx, testOrg, st.ID)
	require.NoError(t, err)
	assert.Equal(t, commission.StatementValidated, reverted.Status)
}

func TestWorkflow_FinalStatementRefusesMutation(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	finalizeStatement(t, env, st.ID)

	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	assert.ErrorIs(t, err, commission.ErrLockedState)

	_, err = env.workflow.DeselectLine(ctx, testOrg, st.ID, st.Lines[0].ID, "too late", "ops")
	assert.ErrorIs(t, err, commission.ErrLockedState)
}

// =============================================================================
// LINE SELECTION
// =============================================================================

func TestDeselectLine_RequiresMotifAndUpdatesTotals(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	hashBefore := st.ContentHash

	_, err = env.workflow.DeselectLine(ctx, testOrg, st.ID, st.Lines[0].ID, "", "ops")
	assert.ErrorIs(t, err, commission.ErrValidation, "motif is mandatory")

	updated, err := env.workflow.DeselectLine(ctx, testOrg, st.ID, st.Lines[0].ID, "duplicate entry", "ops")
	require.NoError(t, err)
	assert.True(t, updated.TotalNet.IsZero())
	assert.NotEqual(t, hashBefore, updated.ContentHash)

	restored, err := env.workflow.ReselectLine(ctx, testOrg, st.ID, st.Lines[0].ID, "ops")
	require.NoError(t, err)
	assert.True(t, restored.TotalNet.Equal(dec("120")))
	assert.Empty(t, restored.Line(st.Lines[0].ID).Motif)
}

func TestEditLine_FrozenOnceValidated(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)
	_, err = env.workflow.Validate(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)

	_, err = env.workflow.DeselectLine(ctx, testOrg, st.ID, st.Lines[0].ID, "late doubt", "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)
}

// =============================================================================
// DISPUTES
// =============================================================================

func TestDispute_BlocksValidationUntilResolved(t *testing.T) {
	// GIVEN: A preselected statement with a disputed line
	// WHEN: Validating
	// THEN: Blocked; resolving the dispute reopens the path

	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)

	disputed, err := env.workflow.RaiseDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "amount looks wrong", "partner")
	require.NoError(t, err)
	assert.Equal(t, commission.StatementDisputed, disputed.Status)

	_, err = env.workflow.Validate(ctx, testOrg, st.ID, "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)

	resolved, err := env.workflow.ResolveDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "", "ops")
	require.NoError(t, err)
	assert.Equal(t, commission.StatementPreselected, resolved.Status)
	assert.False(t, resolved.Lines[0].Disputed)

	_, err = env.workflow.Validate(ctx, testOrg, st.ID, "ops")
	assert.NoError(t, err)
}

func TestResolveDispute_WithMotif_DeselectsTheLine(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)
	_, err = env.workflow.RaiseDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "contested", "partner")
	require.NoError(t, err)

	resolved, err := env.workflow.ResolveDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "dispute upheld", "ops")
	require.NoError(t, err)

	line := resolved.Line(st.Lines[0].ID)
	assert.False(t, line.Selected)
	assert.Equal(t, "dispute upheld", line.Motif)
	assert.True(t, resolved.TotalNet.IsZero())
}

func TestRaiseDispute_RequiresReason(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)
	_, err = env.workflow.Preselect(ctx, testOrg, st.ID, "ops")
	require.NoError(t, err)

	_, err = env.workflow.RaiseDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "", "partner")
	assert.ErrorIs(t, err, commission.ErrValidation)
}

func TestResolveDispute_OnUndisputedStatement_Rejected(t *testing.T) {
	env := newTestEnv()
	env.installAcceleratorScale()
	ctx := context.Background()

	env.calculate(t, "app-1", "ctr-1", "1500")
	st, err := env.builder.Generate(ctx, testOrg, "app-1", "2025-01", "ops")
	require.NoError(t, err)

	_, err = env.workflow.ResolveDispute(ctx, testOrg, st.ID, st.Lines[0].ID, "", "ops")
	assert.ErrorIs(t, err, commission.ErrValidation)
}

func TestWorkflow_UnknownStatement_NotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.workflow.Preselect(context.Background(), testOrg, "no-such-statement", "ops")
	assert.ErrorIs(t, err, commission.ErrNotFound)
}
