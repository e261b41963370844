package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/qr"
	"github.com/drfirst/go-rxcollect/internal/store/memory"
	"github.com/drfirst/go-rxcollect/pkg/idempotency"
)

type brokenGuard struct{}

func (brokenGuard) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

type harness struct {
	ctx           context.Context
	now           time.Time
	metrics       *metrics.Metrics
	users         *identity.Repository
	notifications *notification.Dispatcher
	prescriptions *prescription.Service
	delegations   *delegation.Service
	scheduler     *Scheduler
}

func newHarness(t *testing.T, guard idempotency.Guard) *harness {
	t.Helper()
	st := memory.New()
	h := &harness{
		ctx:     context.Background(),
		now:     time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC),
		metrics: metrics.Nop(),
	}
	clock := func() time.Time { return h.now }
	h.users = identity.NewRepository(st)
	recorder := audit.NewRecorder(st, h.metrics, nil).WithClock(clock)
	h.notifications = notification.NewDispatcher(st, nil, h.metrics, nil).WithClock(clock)
	directory := identity.NewService(h.users, nil, nil, recorder, nil)
	h.delegations = delegation.NewService(delegation.NewRepository(st), directory, h.notifications, recorder,
		qr.Renderer{}, delegation.DefaultConfig(), h.metrics, nil).WithClock(clock)
	rxRepo := prescription.NewRepository(st)
	h.prescriptions = prescription.NewService(rxRepo, directory, h.delegations, h.notifications, recorder,
		qr.Renderer{}, prescription.DefaultConfig(), h.metrics, nil).WithClock(clock)
	h.scheduler = New(DefaultConfig(), rxRepo, directory, h.notifications, guard,
		h.prescriptions, h.delegations, h.metrics, nil).WithClock(clock)
	return h
}

func (h *harness) user(t *testing.T, role identity.Role) *identity.User {
	t.Helper()
	u := &identity.User{
		ID:       uuid.New().String(),
		Email:    uuid.New().String() + "@example.nhs.uk",
		FullName: string(role) + " user",
		Role:     role,
		IsActive: true,
	}
	require.NoError(t, h.users.Insert(h.ctx, u))
	return u
}

func (h *harness) request(t *testing.T, patient *identity.User, gpID string) *prescription.Prescription {
	t.Helper()
	p, _, err := h.prescriptions.Create(h.ctx, patient, prescription.CreateInput{
		MedicationName: "Amoxicillin",
		Dosage:         "500mg",
		Quantity:       "21 capsules",
		Instructions:   "Take one capsule three times a day",
		GPID:           gpID,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) reminders(t *testing.T, userID string) int {
	t.Helper()
	list, err := h.notifications.List(h.ctx, userID, false, 0)
	require.NoError(t, err)
	n := 0
	for _, item := range list {
		if item.Type == notification.TypeReminder {
			n++
		}
	}
	return n
}

func TestRequestWaitingMoreThanADay(t *testing.T) {
	h := newHarness(t, idempotency.NewMemoryGuard())
	patient := h.user(t, identity.RolePatient)
	gp1 := h.user(t, identity.RoleGP)
	gp2 := h.user(t, identity.RoleGP)
	pharmacy := h.user(t, identity.RolePharmacy)
	h.request(t, patient, "")

	h.now = h.now.Add(23 * time.Hour)
	result, err := h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, result.RemindersSent, "not stalled yet")

	h.now = h.now.Add(2 * time.Hour)
	result, err = h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.RemindersSent)
	assert.Equal(t, 1, h.reminders(t, patient.ID))
	assert.Equal(t, 1, h.reminders(t, gp1.ID))
	assert.Equal(t, 1, h.reminders(t, gp2.ID))
	assert.Zero(t, h.reminders(t, pharmacy.ID))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.RemindersSent.WithLabelValues(string(ThresholdAwaitingGP))))

	t.Run("same window is not repeated", func(t *testing.T) {
		result, err := h.scheduler.Sweep(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, result.RemindersSent)
		assert.Equal(t, 1, result.RemindersSkipped)
		assert.Equal(t, 1, h.reminders(t, patient.ID))
	})

	t.Run("next window reminds again", func(t *testing.T) {
		h.now = h.now.Add(time.Hour)
		result, err := h.scheduler.Sweep(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, result.RemindersSent)
		assert.Equal(t, 2, h.reminders(t, patient.ID))
	})
}

func TestAssignedGPOnly(t *testing.T) {
	h := newHarness(t, idempotency.NewMemoryGuard())
	patient := h.user(t, identity.RolePatient)
	assigned := h.user(t, identity.RoleGP)
	other := h.user(t, identity.RoleGP)
	h.request(t, patient, assigned.ID)

	h.now = h.now.Add(25 * time.Hour)
	result, err := h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RemindersSent)
	assert.Equal(t, 1, h.reminders(t, assigned.ID))
	assert.Zero(t, h.reminders(t, other.ID))
}

func TestApprovedWaitingForPharmacy(t *testing.T) {
	h := newHarness(t, idempotency.NewMemoryGuard())
	patient := h.user(t, identity.RolePatient)
	gp := h.user(t, identity.RoleGP)
	pharmacy := h.user(t, identity.RolePharmacy)
	p := h.request(t, patient, "")

	h.now = h.now.Add(time.Hour)
	_, _, err := h.prescriptions.Update(h.ctx, gp, p.ID, prescription.UpdateInput{Status: prescription.StatusGPApproved})
	require.NoError(t, err)

	h.now = h.now.Add(11 * time.Hour)
	result, err := h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, result.RemindersSent)

	h.now = h.now.Add(2 * time.Hour)
	result, err = h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RemindersSent)
	assert.Equal(t, 1, h.reminders(t, pharmacy.ID))
	assert.Equal(t, 1, h.reminders(t, patient.ID))
	assert.Zero(t, h.reminders(t, gp.ID), "approved prescriptions no longer chase the GP")
}

func TestGuardFailureStillReminds(t *testing.T) {
	h := newHarness(t, brokenGuard{})
	patient := h.user(t, identity.RolePatient)
	h.user(t, identity.RoleGP)
	h.request(t, patient, "")

	h.now = h.now.Add(25 * time.Hour)
	result, err := h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RemindersSent)
}

func TestSweepExpires(t *testing.T) {
	h := newHarness(t, idempotency.NewMemoryGuard())
	patient := h.user(t, identity.RolePatient)
	carer := h.user(t, identity.RoleDelegate)
	h.request(t, patient, "")

	d, _, err := h.delegations.Create(h.ctx, patient, delegation.CreateInput{DelegateUserID: carer.ID})
	require.NoError(t, err)
	_, _, err = h.delegations.Approve(h.ctx, patient, d.ID)
	require.NoError(t, err)

	h.now = h.now.Add(31 * 24 * time.Hour)
	result, err := h.scheduler.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PrescriptionsExpired)
	assert.Equal(t, 1, result.DelegationsExpired)
	assert.Zero(t, result.RemindersSent, "expired prescriptions are not chased")

	list, err := h.notifications.List(h.ctx, patient.ID, false, 0)
	require.NoError(t, err)
	assert.Equal(t, notification.TypePrescriptionExpired, list[0].Type)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, idempotency.NewMemoryGuard())
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	h.scheduler.config = cfg

	patient := h.user(t, identity.RolePatient)
	h.user(t, identity.RoleGP)
	h.request(t, patient, "")
	h.now = h.now.Add(25 * time.Hour)

	h.scheduler.Start()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RemindersSent.WithLabelValues(string(ThresholdAwaitingGP))) > 0
	}, time.Second, 5*time.Millisecond)
	h.scheduler.Stop()
}
