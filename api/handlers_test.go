/*
handlers_test.go - HTTP tests for the CRUD handlers

Tests for:
- Patients: sequential codes, field validation, 404
- Articles: code normalization, duplicate codes, soft delete
- Conditions: predecessor closing, unknown article
- Sessions: ledger pricing, 422 without a condition, filters
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkbloom/clinic-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

func setupTestHandler(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, zerolog.Nop())
	h.Now = func() time.Time { return testNow }
	h.Ledger.Now = h.Now
	return h, NewRouter(h, nil)
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
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

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createPatient(t *testing.T, router http.Handler, name string) PatientDTO {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/api/patients", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[PatientDTO](t, rec)
}

func createArticle(t *testing.T, router http.Handler, code string) ArticleDTO {
	t.Helper()
	rec := doRequest(t, router, http.MethodPost, "/api/articles", map[string]any{"code": code, "name": "Therapy " + code})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ArticleDTO](t, rec)
}

func createCondition(t *testing.T, router http.Handler, patientID string, articleID *string, price, start string) ConditionDTO {
	t.Helper()
	body := map[string]any{
		"article_id":       articleID,
		"client_price":     price,
		"clinic_share":     "20.00",
		"therapist_share":  "30.00",
		"retention":        "11",
		"receipt_required": true,
		"start":            start,
	}
	rec := doRequest(t, router, http.MethodPost, "/api/patients/"+patientID+"/conditions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ConditionDTO](t, rec)
}

func fieldNames(resp ErrorResponse) []string {
	out := make([]string, len(resp.Fields))
	for i, f := range resp.Fields {
		out[i] = f.Field
	}
	return out
}

// =============================================================================
// PATIENTS
// =============================================================================

func TestPatients_CreateAssignsSequentialCodes(t *testing.T) {
	_, router := setupTestHandler(t)

	// GIVEN/WHEN: two patients are created
	first := createPatient(t, router, "João Silva")
	second := createPatient(t, router, "Ana Costa")

	// THEN: codes follow creation order and defaults are applied
	assert.Equal(t, int64(1), first.Code)
	assert.Equal(t, int64(2), second.Code)
	assert.Equal(t, "active", first.Status)
	assert.Equal(t, "own", first.BillingEntityType)

	rec := doRequest(t, router, http.MethodGet, "/api/patients?search=ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]PatientDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestPatients_ValidationNamesFields(t *testing.T) {
	_, router := setupTestHandler(t)

	// GIVEN: a body with no name, a bad email and a bad guardian email
	body := map[string]any{
		"email":     "not-an-email",
		"guardian1": map[string]any{"email": "nope"},
	}

	// WHEN: it is posted
	rec := doRequest(t, router, http.MethodPost, "/api/patients", body)

	// THEN: 400 listing every offending field
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.ElementsMatch(t, []string{"name", "email", "guardian1.email"}, fieldNames(resp))
}

func TestPatients_UpdateKeepsCode(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")

	// WHEN: the patient is renamed and deactivated
	rec := doRequest(t, router, http.MethodPut, "/api/patients/"+p.ID,
		map[string]any{"name": "João P. Silva", "status": "inactive"})

	// THEN: the code is unchanged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[PatientDTO](t, rec)
	assert.Equal(t, p.Code, got.Code)
	assert.Equal(t, "João P. Silva", got.Name)
	assert.Equal(t, "inactive", got.Status)
}

func TestPatients_NotFound(t *testing.T) {
	_, router := setupTestHandler(t)

	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodGet, "/api/patients/ghost", nil).Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodDelete, "/api/patients/ghost", nil).Code)
}

// =============================================================================
// ARTICLES
// =============================================================================

func TestArticles_CodeIsNormalizedAndUnique(t *testing.T) {
	_, router := setupTestHandler(t)

	// GIVEN: an article created with a lower-case padded code
	a := createArticle(t, router, " stf001 ")
	assert.Equal(t, "STF001", a.Code)
	assert.True(t, a.Active)

	// WHEN: the same code is used again
	rec := doRequest(t, router, http.MethodPost, "/api/articles", map[string]any{"code": "STF001", "name": "Other"})

	// THEN: conflict
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestArticles_DeleteReferencedDeactivates(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")
	used := createArticle(t, router, "STF001")
	unused := createArticle(t, router, "AV001")
	createCondition(t, router, p.ID, &used.ID, "50.00", "2024-01-01T00:00:00Z")

	// WHEN: both articles are deleted
	recUsed := doRequest(t, router, http.MethodDelete, "/api/articles/"+used.ID, nil)
	recUnused := doRequest(t, router, http.MethodDelete, "/api/articles/"+unused.ID, nil)

	// THEN: the referenced one is only deactivated
	require.Equal(t, http.StatusOK, recUsed.Code, recUsed.Body.String())
	resp := decodeBody[struct {
		Deactivated bool       `json:"deactivated"`
		Article     ArticleDTO `json:"article"`
	}](t, recUsed)
	assert.True(t, resp.Deactivated)
	assert.False(t, resp.Article.Active)

	assert.Equal(t, http.StatusNoContent, recUnused.Code)
	assert.Equal(t, http.StatusNotFound, doRequest(t, router, http.MethodGet, "/api/articles/"+unused.ID, nil).Code)

	rec := doRequest(t, router, http.MethodGet, "/api/articles?active=false", nil)
	inactive := decodeBody[[]ArticleDTO](t, rec)
	require.Len(t, inactive, 1)
	assert.Equal(t, used.ID, inactive[0].ID)
}

// =============================================================================
// CONDITIONS
// =============================================================================

func TestConditions_CreateClosesPredecessor(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")
	a := createArticle(t, router, "STF001")

	// GIVEN: an open condition since January
	jan := createCondition(t, router, p.ID, &a.ID, "45.00", "2024-01-01T00:00:00Z")
	assert.Nil(t, jan.End)
	assert.True(t, jan.InForce)

	// WHEN: a June condition is added for the same article
	jun := createCondition(t, router, p.ID, &a.ID, "50.00", "2024-06-01T00:00:00Z")

	// THEN: January ends one millisecond before June starts
	rec := doRequest(t, router, http.MethodGet, "/api/patients/"+p.ID+"/conditions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ConditionDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, jun.ID, list[0].ID, "start descending")
	require.NotNil(t, list[1].End)
	assert.Equal(t, "2024-05-31T23:59:59.999Z", *list[1].End)
	assert.Equal(t, "26.70", list[0].Net)
}

func TestConditions_UnknownArticleAndForeignPatient(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")
	other := createPatient(t, router, "Ana Costa")

	// WHEN: the article does not exist
	ghost := "ghost"
	rec := doRequest(t, router, http.MethodPost, "/api/patients/"+p.ID+"/conditions", map[string]any{
		"article_id": ghost, "client_price": "50", "clinic_share": "20",
		"therapist_share": "30", "retention": "11", "start": "2024-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// WHEN: a condition is read through another patient
	c := createCondition(t, router, p.ID, nil, "50.00", "2024-01-01T00:00:00Z")
	rec = doRequest(t, router, http.MethodGet, "/api/patients/"+other.ID+"/conditions/"+c.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConditions_InvalidTermsReturnFields(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")

	rec := doRequest(t, router, http.MethodPost, "/api/patients/"+p.ID+"/conditions", map[string]any{
		"client_price": "0", "clinic_share": "20", "therapist_share": "30",
		"retention": "101", "start": "2024-01-01T00:00:00Z",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.ElementsMatch(t, []string{"client_price", "retention"}, fieldNames(resp))
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessions_CreateSnapshotsCondition(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")
	a := createArticle(t, router, "STF001")
	createCondition(t, router, p.ID, &a.ID, "50.00", "2024-01-01T00:00:00Z")

	// WHEN: a session is booked in March
	rec := doRequest(t, router, http.MethodPost, "/api/sessions", map[string]any{
		"patient_id": p.ID, "article_id": a.ID, "scheduled_at": "2024-03-05T10:00:00Z",
	})

	// THEN: it carries the condition values
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decodeBody[SessionDTO](t, rec)
	assert.Equal(t, "pending", s.State)
	assert.Equal(t, "unpaid", s.PaymentState)
	assert.Equal(t, "50.00", s.SessionValue)
	assert.Equal(t, "30.00", s.TherapistValue)
	assert.Equal(t, "26.70", s.NetValue)
	assert.True(t, s.ReceiptRequired)

	// AND: a later condition does not touch the stored snapshot
	createCondition(t, router, p.ID, &a.ID, "60.00", "2024-03-01T00:00:00Z")
	got := decodeBody[SessionDTO](t, doRequest(t, router, http.MethodGet, "/api/sessions/"+s.ID, nil))
	assert.Equal(t, "50.00", got.SessionValue)
}

func TestSessions_CreateWithoutConditionIs422(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")

	// GIVEN: a condition starting after the session date
	createCondition(t, router, p.ID, nil, "50.00", "2024-04-01T00:00:00Z")

	rec := doRequest(t, router, http.MethodPost, "/api/sessions", map[string]any{
		"patient_id": p.ID, "scheduled_at": "2024-03-05T10:00:00Z",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/sessions", map[string]any{
		"patient_id": "ghost", "scheduled_at": "2024-03-05T10:00:00Z",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_UpdateAndFilter(t *testing.T) {
	_, router := setupTestHandler(t)
	p := createPatient(t, router, "João Silva")
	createCondition(t, router, p.ID, nil, "50.00", "2024-01-01T00:00:00Z")

	var ids []string
	for _, at := range []string{"2024-02-05T10:00:00Z", "2024-02-12T10:00:00Z", "2024-03-05T10:00:00Z"} {
		rec := doRequest(t, router, http.MethodPost, "/api/sessions", map[string]any{"patient_id": p.ID, "scheduled_at": at})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		ids = append(ids, decodeBody[SessionDTO](t, rec).ID)
	}

	// GIVEN: one paid session with a receipt and one paid without
	rec := doRequest(t, router, http.MethodPut, "/api/sessions/"+ids[0], map[string]any{
		"state": "confirmed", "payment_state": "paid", "paid_at": "2024-02-06T09:00:00Z", "receipt_number": "REC-001",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doRequest(t, router, http.MethodPut, "/api/sessions/"+ids[1], map[string]any{"payment_state": "paid"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN/THEN: filters combine
	list := decodeBody[[]SessionDTO](t, doRequest(t, router, http.MethodGet, "/api/sessions?payment_state=paid&receipt_status=without_receipt", nil))
	require.Len(t, list, 1)
	assert.Equal(t, ids[1], list[0].ID)

	list = decodeBody[[]SessionDTO](t, doRequest(t, router, http.MethodGet, "/api/sessions?from=2024-02-01&to=2024-02-29", nil))
	assert.Len(t, list, 2)

	list = decodeBody[[]SessionDTO](t, doRequest(t, router, http.MethodGet, "/api/sessions?state=confirmed", nil))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].ReceiptNumber)
	assert.Equal(t, "REC-001", *list[0].ReceiptNumber)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, router, http.MethodGet, "/api/sessions?state=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, router, http.MethodPut, "/api/sessions/"+ids[2], map[string]any{"state": "done"}).Code)
}

func TestStatusFor(t *testing.T) {
	h, _ := setupTestHandler(t)
	_, err := h.Ledger.Price(context.Background(), "nobody", nil, testNow)
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(err))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
