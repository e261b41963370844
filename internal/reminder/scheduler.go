// Package reminder runs the periodic sweep that chases stalled prescriptions and
// expires overdue prescriptions and delegations.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/pkg/idempotency"
)

// Threshold names a reminder rule
type Threshold string

const (
	ThresholdAwaitingGP       Threshold = "awaiting_gp"
	ThresholdAwaitingPharmacy Threshold = "awaiting_pharmacy"
)

// Config holds sweep settings
type Config struct {
	Interval time.Duration
	// Timeout bounds a single sweep
	Timeout        time.Duration
	RequestedAfter time.Duration
	ApprovedAfter  time.Duration
	BatchSize      int
}

// DefaultConfig returns an hourly sweep with 24h and 12h thresholds
func DefaultConfig() Config {
	return Config{
		Interval:       time.Hour,
		Timeout:        5 * time.Minute,
		RequestedAfter: 24 * time.Hour,
		ApprovedAfter:  12 * time.Hour,
		BatchSize:      500,
	}
}

// Stalled finds prescriptions stuck in a status
type Stalled interface {
	StalledSince(ctx context.Context, status prescription.Status, stampField string, cutoff time.Time, limit int) ([]prescription.Prescription, error)
}

// Directory lists active users by role
type Directory interface {
	ActiveByRole(ctx context.Context, role identity.Role) ([]identity.User, error)
}

// Notifier sends a notification to one user
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notification.Type, title, message string, refs notification.Refs) sideeffect.Outcome
}

// Expirer moves overdue records to expired
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Result summarises one sweep
type Result struct {
	RemindersSent        int
	RemindersSkipped     int
	PrescriptionsExpired int
	DelegationsExpired   int
}

// Scheduler owns the sweep lifecycle
type Scheduler struct {
	config        Config
	stalled       Stalled
	directory     Directory
	notifier      Notifier
	guard         idempotency.Guard
	prescriptions Expirer
	delegations   Expirer
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Expirers may be nil.
func New(cfg Config, stalled Stalled, directory Directory, notifier Notifier, guard idempotency.Guard, prescriptions, delegations Expirer, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = idempotency.NewMemoryGuard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:        cfg,
		stalled:       stalled,
		directory:     directory,
		notifier:      notifier,
		guard:         guard,
		prescriptions: prescriptions,
		delegations:   delegations,
		metrics:       m,
		logger:        logger,
		tracer:        otel.Tracer("reminder-scheduler"),
		now:           func() time.Time { return time.Now().UTC() },
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// WithClock overrides the time source
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start runs a sweep every interval until Stop
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("reminder scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("requested_after", s.config.RequestedAfter),
		zap.Duration("approved_after", s.config.ApprovedAfter))
}

// Stop cancels the schedule and waits for an in-flight sweep
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("reminder scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
			result, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Error("reminder sweep failed", zap.Error(err))
				continue
			}
			s.logger.Info("reminder sweep finished",
				zap.Int("reminders_sent", result.RemindersSent),
				zap.Int("reminders_skipped", result.RemindersSkipped),
				zap.Int("prescriptions_expired", result.PrescriptionsExpired),
				zap.Int("delegations_expired", result.DelegationsExpired))
		}
	}
}

// Sweep runs one pass: expiry first, then reminders for what is still open.
// Each step runs even if an earlier one failed; errors are joined.
func (s *Scheduler) Sweep(ctx context.Context) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "reminder_sweep")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var (
		result Result
		errs   []error
	)
	now := s.now()

	if s.prescriptions != nil {
		n, err := s.prescriptions.ExpireOverdue(ctx, s.config.BatchSize)
		result.PrescriptionsExpired = n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire prescriptions: %w", err))
		}
	}
	if s.delegations != nil {
		n, err := s.delegations.ExpireOverdue(ctx, s.config.BatchSize)
		result.DelegationsExpired = n
		if err != nil {
			errs = append(errs, fmt.Errorf("expire delegations: %w", err))
		}
	}

	if err := s.remindAwaitingGP(ctx, now, &result); err != nil {
		errs = append(errs, fmt.Errorf("awaiting gp: %w", err))
	}
	if err := s.remindAwaitingPharmacy(ctx, now, &result); err != nil {
		errs = append(errs, fmt.Errorf("awaiting pharmacy: %w", err))
	}

	span.SetAttributes(
		attribute.Int("reminders_sent", result.RemindersSent),
		attribute.Int("prescriptions_expired", result.PrescriptionsExpired),
	)
	err := errors.Join(errs...)
	if err != nil {
		s.metrics.SweepFailures.Inc()
		span.RecordError(err)
	}
	return result, err
}

func (s *Scheduler) remindAwaitingGP(ctx context.Context, now time.Time, result *Result) error {
	stalled, err := s.stalled.StalledSince(ctx, prescription.StatusRequested, "requested_at",
		now.Add(-s.config.RequestedAfter), s.config.BatchSize)
	if err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}

	var gps []identity.User
	for _, p := range stalled {
		recipients := []string{p.PatientID}
		if p.GPID != "" {
			recipients = append(recipients, p.GPID)
		} else {
			if gps == nil {
				if gps, err = s.directory.ActiveByRole(ctx, identity.RoleGP); err != nil {
					return err
				}
			}
			for _, gp := range gps {
				recipients = append(recipients, gp.ID)
			}
		}
		s.emit(ctx, now, ThresholdAwaitingGP, p, recipients, result, func(userID string) (string, string) {
			if userID == p.PatientID {
				return "Prescription awaiting GP review",
					"Your request for " + p.MedicationName + " is still waiting for GP approval"
			}
			return "Prescription review overdue",
				"A request for " + p.MedicationName + " has been waiting more than " + hours(s.config.RequestedAfter)
		})
	}
	return nil
}

func (s *Scheduler) remindAwaitingPharmacy(ctx context.Context, now time.Time, result *Result) error {
	stalled, err := s.stalled.StalledSince(ctx, prescription.StatusGPApproved, "approved_at",
		now.Add(-s.config.ApprovedAfter), s.config.BatchSize)
	if err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}

	pharmacies, err := s.directory.ActiveByRole(ctx, identity.RolePharmacy)
	if err != nil {
		return err
	}
	for _, p := range stalled {
		recipients := []string{p.PatientID}
		for _, ph := range pharmacies {
			recipients = append(recipients, ph.ID)
		}
		s.emit(ctx, now, ThresholdAwaitingPharmacy, p, recipients, result, func(userID string) (string, string) {
			if userID == p.PatientID {
				return "Prescription awaiting pharmacy",
					"Your approved prescription for " + p.MedicationName + " has not been dispensed yet"
			}
			return "Approved prescription awaiting dispensing",
				"An approved prescription for " + p.MedicationName + " has been waiting more than " + hours(s.config.ApprovedAfter)
		})
	}
	return nil
}

// emit sends one reminder per recipient unless this (prescription, threshold) was already
// handled in the current sweep window
func (s *Scheduler) emit(ctx context.Context, now time.Time, threshold Threshold, p prescription.Prescription, recipients []string, result *Result, text func(string) (string, string)) {
	key := idempotency.GenerateKey(now, s.config.Interval, p.ID, string(threshold))
	claimed, err := s.guard.Claim(ctx, "reminder:"+key, 2*s.config.Interval)
	if err != nil {
		// guard unavailable: remind anyway
		s.logger.Warn("reminder dedupe unavailable", zap.String("prescription_id", p.ID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		result.RemindersSkipped++
		s.metrics.RemindersSkipped.Inc()
		return
	}

	for _, userID := range recipients {
		title, message := text(userID)
		out := s.notifier.Notify(ctx, userID, notification.TypeReminder, title, message,
			notification.Refs{PrescriptionID: p.ID, Priority: notification.PriorityHigh})
		if !out.OK() {
			continue
		}
		result.RemindersSent++
		s.metrics.RemindersSent.WithLabelValues(string(threshold)).Inc()
	}
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%d hours", int(d.Hours()))
}
