package delegation

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/auth"
	"github.com/drfirst/go-rxcollect/internal/platform/qr"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

const maxValidity = 365 * 24 * time.Hour

// Notifier sends a notification to one user
type Notifier interface {
	Notify(ctx context.Context, userID string, typ notification.Type, title, message string, refs notification.Refs) sideeffect.Outcome
}

// Auditor appends audit entries
type Auditor interface {
	Record(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) sideeffect.Outcome
}

// UserLookup resolves user ids
type UserLookup interface {
	Get(ctx context.Context, id string) (*identity.User, error)
}

// QRRenderer encodes a payload as an image string
type QRRenderer interface {
	Render(payload string) (string, error)
}

// Config holds delegation workflow settings
type Config struct {
	// Validity is the lifetime granted on approval
	Validity time.Duration
	// PINSecret keys the delegation PIN. Empty means a random per-process key.
	PINSecret []byte
}

// DefaultConfig returns a 30 day validity
func DefaultConfig() Config {
	return Config{Validity: 30 * 24 * time.Hour}
}

// Service implements the delegation workflow
type Service struct {
	repo     *Repository
	users    UserLookup
	notifier Notifier
	audit    Auditor
	qr       QRRenderer
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService creates the delegation service
func NewService(repo *Repository, users UserLookup, notifier Notifier, auditor Auditor, renderer QRRenderer, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.PINSecret) == 0 {
		cfg.PINSecret = make([]byte, 32)
		rand.Read(cfg.PINSecret)
	}
	return &Service{
		repo:     repo,
		users:    users,
		notifier: notifier,
		audit:    auditor,
		qr:       renderer,
		config:   cfg,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("delegation-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) reject(err error) error {
	s.metrics.TransitionsRejected.WithLabelValues("delegation", string(apperror.KindOf(err))).Inc()
	return err
}

// Create records a pending delegation from the patient to an existing delegate account
func (s *Service) Create(ctx context.Context, actor *identity.User, in CreateInput) (*Delegation, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "create_delegation", trace.WithAttributes(attribute.String("patient_id", actor.ID)))
	defer span.End()

	if actor.Role != identity.RolePatient {
		return nil, nil, s.reject(apperror.Authorization("patient_only", "only patients can create delegations"))
	}
	in.DelegateUserID = strings.TrimSpace(in.DelegateUserID)
	if in.DelegateUserID == "" {
		return nil, nil, s.reject(apperror.Validation("missing_delegate", "delegate_user_id is required"))
	}
	if in.DelegateUserID == actor.ID {
		return nil, nil, s.reject(apperror.Validation("self_delegation", "a patient cannot delegate to themselves"))
	}
	perms := in.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions
	}
	for _, p := range perms {
		if !p.valid() {
			return nil, nil, s.reject(apperror.Validation("invalid_permission", "unknown permission "+string(p)))
		}
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, nil, s.reject(apperror.Validation("invalid_expiry", "expires_at must be in the future"))
	}

	delegate, err := s.users.Get(ctx, in.DelegateUserID)
	if err != nil {
		if apperror.IsKind(err, apperror.KindNotFound) {
			return nil, nil, s.reject(apperror.NotFound("delegate_not_found", "delegate user not found"))
		}
		return nil, nil, err
	}
	if delegate.Role != identity.RoleDelegate || !delegate.IsActive {
		return nil, nil, s.reject(apperror.Validation("not_a_delegate", "delegate_user_id must reference an active delegate account"))
	}
	open, err := s.repo.CountOpen(ctx, actor.ID, delegate.ID)
	if err != nil {
		return nil, nil, apperror.Internal("check open delegations", err)
	}
	if open > 0 {
		return nil, nil, s.reject(apperror.Conflict("delegation_exists", "an open delegation to this delegate already exists"))
	}

	d := &Delegation{
		ID:                   uuid.New().String(),
		PatientID:            actor.ID,
		DelegateUserID:       delegate.ID,
		DelegateName:         firstNonEmpty(in.DelegateName, delegate.FullName),
		DelegatePhone:        firstNonEmpty(in.DelegatePhone, delegate.Phone),
		DelegateRelationship: in.DelegateRelationship,
		Status:               StatusPending,
		Permissions:          perms,
		GDPRConsent:          in.GDPRConsent,
		RequestedExpiresAt:   in.ExpiresAt,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.GDPRConsent {
		d.GDPRConsentAt = &now
	}
	d.PINCode = auth.DerivedPIN(s.config.PINSecret, d.ID, actor.ID, delegate.ID)
	d.QRCode, err = s.qr.Render(qr.DelegationPayload(d.ID, actor.ID, delegate.ID))
	if err != nil {
		return nil, nil, apperror.Internal("render delegation qr", err)
	}

	if err := s.repo.Insert(ctx, d); err != nil {
		span.RecordError(err)
		return nil, nil, apperror.Internal("create delegation", err)
	}
	s.metrics.Transitions.WithLabelValues("delegation", string(StatusPending)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, delegate.ID, notification.TypeDelegationRequest,
			"New delegation request",
			actor.FullName+" has asked you to collect prescriptions on their behalf",
			notification.Refs{DelegationID: d.ID}),
		s.audit.Record(ctx, actor.ID, "delegation.created", "delegation", d.ID, map[string]any{
			"delegate_user_id": delegate.ID,
			"permissions":      perms,
		}),
	)
	report.Log(s.logger, "create_delegation")
	s.logger.Info("delegation created",
		zap.String("delegation_id", d.ID),
		zap.String("patient_id", actor.ID),
		zap.String("delegate_user_id", delegate.ID))
	return d, report, nil
}

// loadOwned fetches a pending delegation that actor owns
func (s *Service) loadOwned(ctx context.Context, actor *identity.User, id string) (*Delegation, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.reject(apperror.NotFound("delegation_not_found", "delegation not found"))
		}
		return nil, apperror.Internal("load delegation", err)
	}
	if actor.Role != identity.RolePatient || d.PatientID != actor.ID {
		return nil, s.reject(apperror.Authorization("not_owner", "only the patient who created a delegation can decide it"))
	}
	if d.Status != StatusPending {
		return nil, s.reject(apperror.Conflict("not_pending", "delegation is "+string(d.Status)))
	}
	return d, nil
}

// approvalExpiry is approval time plus validity, or the requested expiry when later and within a year
func (s *Service) approvalExpiry(d *Delegation, approved time.Time) time.Time {
	expires := approved.Add(s.config.Validity)
	if req := d.RequestedExpiresAt; req != nil && req.After(expires) && !req.After(approved.Add(maxValidity)) {
		expires = req.UTC()
	}
	return expires
}

// Approve activates a pending delegation
func (s *Service) Approve(ctx context.Context, actor *identity.User, id string) (*Delegation, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "approve_delegation", trace.WithAttributes(attribute.String("delegation_id", id)))
	defer span.End()

	d, err := s.loadOwned(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	expires := s.approvalExpiry(d, now)
	applied, err := s.repo.UpdateIf(ctx, id, StatusPending, store.Fields{
		"status":      StatusApproved,
		"approved_at": now,
		"expires_at":  expires,
		"updated_at":  now,
	})
	if err != nil {
		return nil, nil, apperror.Internal("approve delegation", err)
	}
	if !applied {
		return nil, nil, s.reject(apperror.Conflict("not_pending", "delegation is no longer pending"))
	}
	d.Status, d.ApprovedAt, d.ExpiresAt, d.UpdatedAt = StatusApproved, &now, &expires, now
	s.metrics.Transitions.WithLabelValues("delegation", string(StatusApproved)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, d.DelegateUserID, notification.TypeDelegationApproved,
			"Delegation approved",
			"You can now collect prescriptions for "+actor.FullName+" until "+expires.Format("2 Jan 2006"),
			notification.Refs{DelegationID: d.ID}),
		s.audit.Record(ctx, actor.ID, "delegation.approved", "delegation", d.ID, map[string]any{
			"expires_at": expires,
		}),
	)
	report.Log(s.logger, "approve_delegation")
	return d, report, nil
}

// Reject declines a pending delegation
func (s *Service) Reject(ctx context.Context, actor *identity.User, id string) (*Delegation, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "reject_delegation", trace.WithAttributes(attribute.String("delegation_id", id)))
	defer span.End()

	d, err := s.loadOwned(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	applied, err := s.repo.UpdateIf(ctx, id, StatusPending, store.Fields{
		"status":      StatusRejected,
		"rejected_at": now,
		"is_active":   false,
		"updated_at":  now,
	})
	if err != nil {
		return nil, nil, apperror.Internal("reject delegation", err)
	}
	if !applied {
		return nil, nil, s.reject(apperror.Conflict("not_pending", "delegation is no longer pending"))
	}
	d.Status, d.RejectedAt, d.IsActive, d.UpdatedAt = StatusRejected, &now, false, now
	s.metrics.Transitions.WithLabelValues("delegation", string(StatusRejected)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, d.DelegateUserID, notification.TypeDelegationRejected,
			"Delegation declined",
			actor.FullName+" has declined the delegation request",
			notification.Refs{DelegationID: d.ID}),
		s.audit.Record(ctx, actor.ID, "delegation.rejected", "delegation", d.ID, nil),
	)
	report.Log(s.logger, "reject_delegation")
	return d, report, nil
}

// List returns the delegations a patient created or a delegate is named in
func (s *Service) List(ctx context.Context, actor *identity.User, limit int) ([]Delegation, error) {
	var filter store.Filter
	switch actor.Role {
	case identity.RolePatient:
		filter = store.Where(store.Eq("patient_id", actor.ID))
	case identity.RoleDelegate:
		filter = store.Where(store.Eq("delegate_user_id", actor.ID))
	default:
		return nil, s.reject(apperror.Authorization("role_denied", "only patients and delegates have delegations"))
	}
	out, err := s.repo.Find(ctx, filter, limit)
	if err != nil {
		return nil, apperror.Internal("list delegations", err)
	}
	return out, nil
}

// VerifyCollector checks that a delegation lets its delegate collect for patientID
func (s *Service) VerifyCollector(ctx context.Context, delegationID, patientID, pin string) (*Delegation, error) {
	d, err := s.repo.Get(ctx, delegationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("delegation_not_found", "delegation not found")
		}
		return nil, apperror.Internal("load delegation", err)
	}
	if d.PatientID != patientID {
		return nil, apperror.Authorization("wrong_patient", "delegation does not cover this patient")
	}
	if !d.Usable(s.now()) {
		return nil, apperror.Authorization("delegation_inactive", "delegation is not approved or has expired")
	}
	if !d.Grants(PermissionCollect) {
		return nil, apperror.Authorization("missing_permission", "delegation does not permit collection")
	}
	if !auth.PINMatches(d.PINCode, pin) {
		return nil, apperror.Authorization("pin_mismatch", "delegation pin does not match")
	}
	return d, nil
}

// ExpireOverdue moves approved delegations past their expiry to expired
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	overdue, err := s.repo.Overdue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, d := range overdue {
		applied, err := s.repo.UpdateIf(ctx, d.ID, StatusApproved, store.Fields{
			"status":     StatusExpired,
			"is_active":  false,
			"updated_at": now,
		})
		if err != nil {
			s.logger.Warn("expire delegation", zap.String("delegation_id", d.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		expired++
		s.metrics.Transitions.WithLabelValues("delegation", string(StatusExpired)).Inc()
		s.audit.Record(ctx, audit.SystemActor, "delegation.expired", "delegation", d.ID, map[string]any{
			"patient_id": d.PatientID,
		})
	}
	return expired, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
