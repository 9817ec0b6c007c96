package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// newTestRouter wires the full engine over the in-memory store, exactly as
// cmd/server does over sqlite.
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()

	recorder := commission.NewRecorder(mem)
	ledger := commission.NewBalanceLedger(mem, mem.Reversals(), mem.Balances(), recorder)
	calculator := commission.NewCalculator(mem, mem, recorder)
	processor := commission.NewProcessor(mem, mem.Reversals(), ledger, recorder)
	builder := commission.NewBuilder(mem, mem.Reversals(), mem.Statements(), ledger, recorder)
	workflow := commission.NewWorkflow(mem.Statements(), mem, ledger, recorder)
	recurrence := commission.NewRecurrenceEngine(mem.Recurrences(), mem, calculator, recorder)

	h := api.NewHandler(api.Deps{
		Calculator:  calculator,
		Processor:   processor,
		Ledger:      ledger,
		Builder:     builder,
		Workflow:    workflow,
		Recurrence:  recurrence,
		Scales:      mem,
		Commissions: mem,
		Reversals:   mem.Reversals(),
		Balances:    mem.Balances(),
		Recurrences: mem.Recurrences(),
		Statements:  mem.Statements(),
		Audit:       recorder,
	})
	return api.NewRouter(h)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

// installScale registers the two-bracket accelerator for the default tenant.
func installScale(t *testing.T, router http.Handler) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/scales", map[string]any{
		"id": "accelerator", "name": "Accelerator", "active": true,
		"tiers": []map[string]any{
			{"id": "t1", "kind": "rate", "lower": "0", "upper": "1000", "rate": "5", "per_period": true},
			{"id": "t2", "kind": "rate", "lower": "1000", "rate": "8", "per_period": true},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func calculateOne(t *testing.T, router http.Handler, contract, base string) api.CommissionDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"apporteur": "app-1", "contract": contract, "product": "auto",
		"base_amount": base, "period": "2025-01", "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.CalculateResponse](t, rec).Commission
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func TestAPI_CalculateCommission(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"apporteur": "app-1", "contract": "ctr-1", "product": "auto",
		"base_amount": "1500", "period": "2025-01", "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[api.CalculateResponse](t, rec)
	assert.Equal(t, "120.00", resp.Commission.Gross)
	assert.Equal(t, "120.00", resp.Commission.Net)
	assert.Equal(t, "payable", resp.Commission.Status)
	assert.Equal(t, "2025-01", resp.Commission.Period)
	require.Len(t, resp.Contributions, 1)
	assert.Equal(t, "t2", resp.Contributions[0].TierID)
}

func TestAPI_CalculateCommission_BadInput(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"apporteur": "app-1", "contract": "ctr-1", "product": "auto",
		"base_amount": "1500", "period": "not-a-period",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/commissions/calculate", map[string]any{
		"apporteur": "app-1", "contract": "ctr-1", "product": "auto",
		"base_amount": "lots", "period": "2025-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetCommission_NotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/commissions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	errBody := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Not found", errBody.Error)
}

func TestAPI_ListCommissionsByPeriod(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "800")
	calculateOne(t, router, "ctr-2", "1500")

	rec := doJSON(t, router, http.MethodGet, "/api/apporteurs/app-1/commissions?period=2025-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]api.CommissionDTO](t, rec)
	assert.Len(t, list, 2)
}

func TestAPI_GetBalance_NoneIsNull(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/apporteurs/app-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "app-1", body["apporteur"])
	assert.Nil(t, body["balance"])
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestAPI_CreateReversal_Retroactive(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")

	// The commission was created moments ago, so an event dated today falls
	// inside the grace window.
	today := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ctr-1", "kind": "cancellation",
		"event_date": today, "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[api.ReversalResponse](t, rec)
	assert.Equal(t, "120.00", resp.Total)
	require.Len(t, resp.Reversals, 1)
	assert.Equal(t, "retroactive", resp.Reversals[0].Mode)
}

func TestAPI_CreateReversal_CorrectionWithRate(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500") // gross 120

	today := time.Now().UTC().Format("2006-01-02")
	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ctr-1", "kind": "correction", "rate": "50",
		"event_date": today, "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[api.ReversalResponse](t, rec)
	assert.Equal(t, "60.00", resp.Total, "half of the 120 gross")
	require.Len(t, resp.Reversals, 1)
	assert.Equal(t, "correction", resp.Reversals[0].Kind)
	assert.Equal(t, "50.00", resp.Reversals[0].Rate)
	assert.Equal(t, "120.00", resp.Reversals[0].OriginalAmount)
	assert.Equal(t, "2025-01", resp.Reversals[0].OriginPeriod)
}

func TestAPI_CreateReversal_PastDeadline_Unprocessable(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")

	// Cancellations have a 3-month window; a year from now is well past it.
	nextYear := time.Now().UTC().AddDate(1, 0, 0).Format("2006-01-02")
	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ctr-1", "kind": "cancellation",
		"event_date": nextYear, "actor": "test",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	resp := decode[api.ReversalResponse](t, rec)
	require.Len(t, resp.Rejected, 1)
	assert.Equal(t, "rejected", resp.Rejected[0].Status)
	assert.Empty(t, resp.Reversals)
}

func TestAPI_CreateReversal_UnknownContract(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ghost", "kind": "cancellation",
		"event_date": time.Now().UTC().Format("2006-01-02"),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_CreateReversal_BadDate(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ctr-1", "kind": "cancellation", "event_date": "soon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ListReversalsAndBalances(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")

	rec := doJSON(t, router, http.MethodPost, "/api/reversals", map[string]any{
		"contract": "ctr-1", "kind": "cancellation",
		"event_date": time.Now().UTC().Format("2006-01-02"), "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/reversals?contract=ctr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	reversals := decode[[]api.ReversalDTO](t, rec)
	require.Len(t, reversals, 1)
	assert.Equal(t, "cancellation", reversals[0].Kind)

	rec = doJSON(t, router, http.MethodGet, "/api/reversals?status=rejected", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.ReversalDTO](t, rec))

	// A fully absorbed retroactive reversal leaves no negative balance.
	rec = doJSON(t, router, http.MethodGet, "/api/negative-balances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.BalanceDTO](t, rec))
}

// =============================================================================
// STATEMENT LIFECYCLE
// =============================================================================

func generateStatement(t *testing.T, router http.Handler) api.StatementDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/statements/generate", map[string]any{
		"apporteur": "app-1", "period": "2025-01", "actor": "test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.StatementDTO](t, rec)
}

func TestAPI_StatementLifecycle(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")
	st := generateStatement(t, router)

	assert.Equal(t, "draft", st.Status)
	require.Len(t, st.Lines, 1)
	assert.Equal(t, "120.00", st.TotalNet)
	assert.NotEmpty(t, st.ContentHash)

	for _, step := range []struct{ action, status string }{
		{"preselect", "preselected"},
		{"validate", "validated"},
		{"finalize", "final"},
	} {
		rec := doJSON(t, router, http.MethodPost, "/api/statements/"+st.ID+"/"+step.action,
			map[string]any{"actor": "test"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, step.status, decode[api.StatementDTO](t, rec).Status)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/statements/"+st.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "final", decode[api.StatementDTO](t, rec).Status)
}

func TestAPI_StatementSkipTransition_BadRequest(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")
	st := generateStatement(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/statements/"+st.ID+"/validate",
		map[string]any{"actor": "test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_FinalStatement_LockedConflict(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")
	st := generateStatement(t, router)

	for _, action := range []string{"preselect", "validate", "finalize"} {
		rec := doJSON(t, router, http.MethodPost, "/api/statements/"+st.ID+"/"+action,
			map[string]any{"actor": "test"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, http.MethodPost,
		"/api/statements/"+st.ID+"/lines/"+st.Lines[0].ID+"/deselect",
		map[string]any{"motif": "too late", "actor": "test"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_DeselectAndReselectLine(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")
	st := generateStatement(t, router)
	lineID := st.Lines[0].ID

	rec := doJSON(t, router, http.MethodPost,
		"/api/statements/"+st.ID+"/lines/"+lineID+"/deselect",
		map[string]any{"motif": "pending docs", "actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	deselected := decode[api.StatementDTO](t, rec)
	assert.Equal(t, "0.00", deselected.TotalNet)
	assert.False(t, deselected.Lines[0].Selected)
	assert.Equal(t, "pending docs", deselected.Lines[0].Motif)

	rec = doJSON(t, router, http.MethodPost,
		"/api/statements/"+st.ID+"/lines/"+lineID+"/reselect",
		map[string]any{"actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "120.00", decode[api.StatementDTO](t, rec).TotalNet)
}

func TestAPI_DisputeAndResolve(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	calculateOne(t, router, "ctr-1", "1500")
	st := generateStatement(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/statements/"+st.ID+"/preselect",
		map[string]any{"actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost,
		"/api/statements/"+st.ID+"/lines/"+st.Lines[0].ID+"/dispute",
		map[string]any{"reason": "amount contested", "actor": "partner"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "disputed", decode[api.StatementDTO](t, rec).Status)

	rec = doJSON(t, router, http.MethodPost,
		"/api/statements/"+st.ID+"/lines/"+st.Lines[0].ID+"/resolve",
		map[string]any{"actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "preselected", decode[api.StatementDTO](t, rec).Status)
}

// =============================================================================
// SCALES
// =============================================================================

func TestAPI_CreateAndListScales(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/scales", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	scales := decode[[]map[string]any](t, rec)
	require.Len(t, scales, 1)
	assert.Equal(t, "accelerator", scales[0]["id"])
}

func TestAPI_CreateScale_OverlapRejected(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/scales", map[string]any{
		"id": "broken", "name": "Overlap", "active": true,
		"tiers": []map[string]any{
			{"id": "t1", "kind": "rate", "lower": "0", "upper": "1000", "rate": "5"},
			{"id": "t2", "kind": "rate", "lower": "500", "rate": "8"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// RECURRENCE
// =============================================================================

func TestAPI_CommitmentsAndRecurrenceRun(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/commitments", map[string]any{
		"apporteur": "app-1", "contract": "ctr-1", "product": "auto",
		"base_amount": "800",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[api.CommitmentDTO](t, rec)
	assert.NotEmpty(t, created.ID, "server assigns an id when absent")
	assert.True(t, created.Active)

	rec = doJSON(t, router, http.MethodGet, "/api/commitments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.CommitmentDTO](t, rec), 1)

	rec = doJSON(t, router, http.MethodPost, "/api/recurrence/run",
		map[string]any{"period": "2025-01", "actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	summary := decode[api.RunSummaryDTO](t, rec)
	assert.Equal(t, 1, summary.Due)
	assert.Equal(t, 1, summary.Generated)
	assert.Equal(t, "40.00", summary.TotalGross)

	// Re-running the same period only skips.
	rec = doJSON(t, router, http.MethodPost, "/api/recurrence/run",
		map[string]any{"period": "2025-01", "actor": "test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[api.RunSummaryDTO](t, rec).Skipped)
}

// =============================================================================
// AUDIT AND TENANCY
// =============================================================================

func TestAPI_AuditTrailQuery(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	com := calculateOne(t, router, "ctr-1", "1500")

	rec := doJSON(t, router, http.MethodGet, "/api/audit?scope=commission", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := decode[[]api.AuditEntryDTO](t, rec)
	require.NotEmpty(t, entries)
	assert.Equal(t, com.ID, entries[0].RefID)
	assert.Equal(t, "commission_created", entries[0].Action)
	assert.Equal(t, "120.00", entries[0].Amount)
}

func TestAPI_OrganisationHeaderIsolatesTenants(t *testing.T) {
	router := newTestRouter(t)
	installScale(t, router)

	com := calculateOne(t, router, "ctr-1", "1500")

	req := httptest.NewRequest(http.MethodGet, "/api/commissions/"+com.ID, nil)
	req.Header.Set("X-Organisation", "someone-else")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "another tenant cannot see the commission")
}
