package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/drfirst/go-rxcollect/internal/analytics"
	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/auth"
	"github.com/drfirst/go-rxcollect/internal/platform/qr"
	"github.com/drfirst/go-rxcollect/internal/store/memory"
)

type testAPI struct {
	t        *testing.T
	handler  http.Handler
	identity *identity.Service
	readyErr error
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memory.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tokens, err := auth.NewTokenManager("handlers-test-secret-0123", "rxcollect", time.Hour)
	require.NoError(t, err)

	recorder := audit.NewRecorder(st, m, nil)
	notifications := notification.NewDispatcher(st, nil, m, nil)
	users := identity.NewService(identity.NewRepository(st), auth.NewPasswordManagerWithCost(bcrypt.MinCost), tokens, recorder, nil)
	delegations := delegation.NewService(delegation.NewRepository(st), users, notifications, recorder,
		qr.Renderer{}, delegation.DefaultConfig(), m, nil)
	rxRepo := prescription.NewRepository(st)
	prescriptions := prescription.NewService(rxRepo, users, delegations, notifications, recorder,
		qr.Renderer{}, prescription.DefaultConfig(), m, nil)

	a := &testAPI{t: t, identity: users}
	a.handler = NewRouter(RouterConfig{
		Services: Services{
			Identity:      users,
			Prescriptions: prescriptions,
			Delegations:   delegations,
			Notifications: notifications,
			Audit:         recorder,
			Analytics:     analytics.NewAggregator(rxRepo),
		},
		Metrics:  m,
		Gatherer: reg,
		Ready: []Check{{Name: "store", Probe: func(context.Context) error {
			return a.readyErr
		}}},
		CORSOrigins: []string{"http://localhost:3000"},
		ServiceName: "prescription-api-test",
	})
	return a
}

// call sends a JSON request and decodes the JSON response into out when non-nil
func (a *testAPI) call(method, path, token string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

// register creates an account and returns its token and id
func (a *testAPI) register(email string, role identity.Role) (string, string) {
	a.t.Helper()
	var session identity.Session
	status := a.call(http.MethodPost, "/api/auth/register", "", map[string]any{
		"email":     email,
		"password":  "s3cure-passw0rd",
		"full_name": "Test " + string(role),
		"role":      role,
	}, &session)
	require.Equal(a.t, http.StatusOK, status)
	return session.AccessToken, session.UserID
}

func (a *testAPI) admin() string {
	a.t.Helper()
	_, err := a.identity.CreateAdmin(context.Background(), "admin@example.nhs.uk", "s3cure-passw0rd", "Ada Admin")
	require.NoError(a.t, err)
	var session identity.Session
	status := a.call(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "admin@example.nhs.uk", "password": "s3cure-passw0rd",
	}, &session)
	require.Equal(a.t, http.StatusOK, status)
	return session.AccessToken
}

type errorResponse struct {
	Error string `json:"error"`
}

func TestHealthReadyMetrics(t *testing.T) {
	a := newTestAPI(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "healthy", health["status"])

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/ready", "", nil, &ready))
	assert.Equal(t, "ok", ready.Checks["store"])

	a.readyErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, a.call(http.MethodGet, "/ready", "", nil, &ready))
	assert.Equal(t, "not_ready", ready.Status)
	assert.Equal(t, "unavailable", ready.Checks["store"])

	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/metrics", "", nil, nil))
}

func TestAuthEndpoints(t *testing.T) {
	a := newTestAPI(t)
	token, userID := a.register("alice@example.nhs.uk", identity.RolePatient)
	require.NotEmpty(t, token)

	var e errorResponse
	assert.Equal(t, http.StatusConflict, a.call(http.MethodPost, "/api/auth/register", "", map[string]any{
		"email": "alice@example.nhs.uk", "password": "s3cure-passw0rd", "full_name": "Alice", "role": "patient",
	}, &e))
	assert.Equal(t, "email already registered", e.Error)

	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPost, "/api/auth/register", "", map[string]any{
		"email": "root@example.nhs.uk", "password": "s3cure-passw0rd", "full_name": "Root", "role": "admin",
	}, &e))

	assert.Equal(t, http.StatusBadRequest, a.call(http.MethodPost, "/api/auth/register", "", "{not json", &e))
	assert.Equal(t, "invalid request body", e.Error)

	assert.Equal(t, http.StatusUnauthorized, a.call(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.nhs.uk", "password": "wrong-password",
	}, &e))
	assert.Equal(t, "invalid email or password", e.Error)

	var session identity.Session
	assert.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.nhs.uk", "password": "s3cure-passw0rd",
	}, &session))
	assert.Equal(t, "bearer", session.TokenType)

	assert.Equal(t, http.StatusUnauthorized, a.call(http.MethodGet, "/api/users/me", "", nil, &e))
	assert.Equal(t, http.StatusUnauthorized, a.call(http.MethodGet, "/api/users/me", "forged", nil, &e))

	var me map[string]any
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/users/me", session.AccessToken, nil, &me))
	assert.Equal(t, userID, me["id"])
	assert.NotContains(t, me, "password_hash")
}

func TestUserEndpoints(t *testing.T) {
	a := newTestAPI(t)
	patient, _ := a.register("p@example.nhs.uk", identity.RolePatient)
	_, pharmacyID := a.register("pharmacy@example.nhs.uk", identity.RolePharmacy)
	_, gpID := a.register("gp@example.nhs.uk", identity.RoleGP)

	var updated struct {
		Message string        `json:"message"`
		User    identity.User `json:"user"`
	}
	assert.Equal(t, http.StatusOK, a.call(http.MethodPut, "/api/users/me", patient, map[string]any{
		"full_name": "Patricia Patient",
		"role":      "admin",
	}, &updated))
	assert.Equal(t, "Profile updated successfully", updated.Message)
	assert.Equal(t, "Patricia Patient", updated.User.FullName)
	assert.Equal(t, identity.RolePatient, updated.User.Role, "role is not updatable")

	var gps []identity.User
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/users/gps", patient, nil, &gps))
	require.Len(t, gps, 1)
	assert.Equal(t, gpID, gps[0].ID)

	var nominated map[string]string
	assert.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/users/nominate-pharmacy", patient,
		map[string]string{"pharmacy_id": pharmacyID}, &nominated))
	assert.Equal(t, pharmacyID, nominated["nominated_pharmacy_id"])

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, a.call(http.MethodPost, "/api/users/nominate-pharmacy", patient,
		map[string]string{"pharmacy_id": gpID}, &e))
}

func TestPrescriptionErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	alice, _ := a.register("alice@example.nhs.uk", identity.RolePatient)
	bob, _ := a.register("bob@example.nhs.uk", identity.RolePatient)
	gp, _ := a.register("gp@example.nhs.uk", identity.RoleGP)
	pharmacy, _ := a.register("pharmacy@example.nhs.uk", identity.RolePharmacy)

	request := map[string]any{
		"medication_name": "Amoxicillin",
		"dosage":          "500mg",
		"quantity":        "21 capsules",
		"instructions":    "Take one capsule three times a day",
		"status":          "collected",
	}

	var e errorResponse
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPost, "/api/prescriptions", gp, request, &e))

	var p prescription.Prescription
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/prescriptions", alice, request, &p))
	assert.Equal(t, prescription.StatusRequested, p.Status, "status in the body is ignored")

	assert.Equal(t, http.StatusBadRequest, a.call(http.MethodPost, "/api/prescriptions", alice,
		map[string]any{"medication_name": "Amoxicillin"}, &e))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodGet, "/api/prescriptions/"+p.ID, bob, nil, &e))
	assert.Equal(t, http.StatusNotFound, a.call(http.MethodGet, "/api/prescriptions/missing", alice, nil, &e))
	assert.Equal(t, "prescription not found", e.Error)

	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPut, "/api/prescriptions/"+p.ID, gp,
		map[string]string{"status": "dispensed"}, &e))
	assert.Equal(t, http.StatusConflict, a.call(http.MethodPut, "/api/prescriptions/"+p.ID, pharmacy,
		map[string]string{"status": "dispensed"}, &e))

	var gpList []prescription.Prescription
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/prescriptions", gp, nil, &gpList))
	assert.Len(t, gpList, 1)

	var bobList []prescription.Prescription
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/prescriptions", bob, nil, &bobList))
	assert.NotNil(t, bobList)
	assert.Empty(t, bobList)

	var cancelled prescription.Prescription
	assert.Equal(t, http.StatusOK, a.call(http.MethodPut, "/api/prescriptions/"+p.ID+"/cancel", alice,
		map[string]string{"reason": "feeling better"}, &cancelled))
	assert.Equal(t, prescription.StatusCancelled, cancelled.Status)
	assert.Equal(t, http.StatusConflict, a.call(http.MethodPut, "/api/prescriptions/"+p.ID+"/cancel", alice, nil, &e))
}

func TestPrescriptionFHIR(t *testing.T) {
	a := newTestAPI(t)
	alice, aliceID := a.register("alice@example.nhs.uk", identity.RolePatient)

	var p prescription.Prescription
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/prescriptions", alice, map[string]any{
		"medication_name": "Salbutamol 100mcg inhaler",
		"dosage":          "2 puffs",
		"quantity":        "1 inhaler",
		"instructions":    "When required",
		"priority":        "urgent",
	}, &p))

	req := httptest.NewRequest(http.MethodGet, "/api/prescriptions/"+p.ID+"/fhir", nil)
	req.Header.Set("Authorization", "Bearer "+alice)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/fhir+json", rec.Header().Get("Content-Type"))
	var mr map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mr))
	assert.Equal(t, "MedicationRequest", mr["resourceType"])
	assert.Equal(t, "draft", mr["status"])
	assert.Equal(t, "urgent", mr["priority"])
	assert.Equal(t, "Patient/"+aliceID, mr["subject"].(map[string]any)["reference"])
	assert.NotContains(t, rec.Body.String(), p.CollectionPIN)
}

func TestNotificationEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice, _ := a.register("alice@example.nhs.uk", identity.RolePatient)
	bob, _ := a.register("bob@example.nhs.uk", identity.RolePatient)

	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/prescriptions", alice, map[string]any{
		"medication_name": "Amoxicillin", "dosage": "500mg", "quantity": "21 capsules", "instructions": "Three times a day",
	}, nil))

	var list []notification.Notification
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/notifications?unread=true", alice, nil, &list))
	require.Len(t, list, 1)
	id := list[0].ID

	var e errorResponse
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPut, "/api/notifications/"+id+"/read", bob, nil, &e))
	assert.Equal(t, http.StatusNotFound, a.call(http.MethodPut, "/api/notifications/missing/read", alice, nil, &e))

	for i := 0; i < 2; i++ {
		var marked struct {
			Message      string                    `json:"message"`
			Notification notification.Notification `json:"notification"`
		}
		require.Equal(t, http.StatusOK, a.call(http.MethodPut, "/api/notifications/"+id+"/read", alice, nil, &marked))
		assert.Equal(t, "Notification marked as read", marked.Message)
		assert.True(t, marked.Notification.IsRead)
	}

	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/notifications?unread=true", alice, nil, &list))
	assert.Empty(t, list)
}

func TestDashboardAndAuditLogs(t *testing.T) {
	a := newTestAPI(t)
	alice, aliceID := a.register("alice@example.nhs.uk", identity.RolePatient)
	gp, _ := a.register("gp@example.nhs.uk", identity.RoleGP)
	admin := a.admin()

	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/prescriptions", alice, map[string]any{
		"medication_name": "Amoxicillin", "dosage": "500mg", "quantity": "21 capsules", "instructions": "Three times a day",
	}, nil))

	var e errorResponse
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodGet, "/api/analytics/dashboard", alice, nil, &e))
	var dash analytics.Dashboard
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/analytics/dashboard", gp, nil, &dash))
	assert.Equal(t, int64(1), dash.TotalPrescriptions)
	assert.Equal(t, int64(1), dash.PendingPrescriptions)

	assert.Equal(t, http.StatusForbidden, a.call(http.MethodGet, "/api/audit-logs", gp, nil, &e))
	var entries []audit.Entry
	assert.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/audit-logs?user_id="+aliceID+"&resource_type=prescription", admin, nil, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "prescription.created", entries[0].Action)
}

func TestDelegationEndpoints(t *testing.T) {
	a := newTestAPI(t)
	alice, _ := a.register("alice@example.nhs.uk", identity.RolePatient)
	carer, carerID := a.register("carer@example.nhs.uk", identity.RoleDelegate)

	var d delegation.Delegation
	require.Equal(t, http.StatusOK, a.call(http.MethodPost, "/api/delegations", alice, map[string]any{
		"delegate_user_id":      carerID,
		"delegate_relationship": "son",
		"gdpr_consent":          true,
	}, &d))
	assert.Equal(t, delegation.StatusPending, d.Status)

	var e errorResponse
	assert.Equal(t, http.StatusConflict, a.call(http.MethodPost, "/api/delegations", alice, map[string]any{
		"delegate_user_id": carerID,
	}, &e))
	assert.Equal(t, http.StatusForbidden, a.call(http.MethodPut, "/api/delegations/"+d.ID+"/approve", carer, nil, &e))

	var approved struct {
		Message    string                `json:"message"`
		Delegation delegation.Delegation `json:"delegation"`
	}
	require.Equal(t, http.StatusOK, a.call(http.MethodPut, "/api/delegations/"+d.ID+"/approve", alice, nil, &approved))
	assert.Equal(t, "Delegation approved successfully", approved.Message)
	assert.Equal(t, delegation.StatusApproved, approved.Delegation.Status)
	assert.Equal(t, http.StatusConflict, a.call(http.MethodPut, "/api/delegations/"+d.ID+"/reject", alice, nil, &e))

	var mine []delegation.Delegation
	require.Equal(t, http.StatusOK, a.call(http.MethodGet, "/api/delegations", carer, nil, &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, d.ID, mine[0].ID)
}
