package prescription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/auth"
	"github.com/drfirst/go-rxcollect/internal/platform/qr"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

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

// CollectorVerifier validates collection on behalf of a patient
type CollectorVerifier interface {
	VerifyCollector(ctx context.Context, delegationID, patientID, pin string) (*delegation.Delegation, error)
}

// QRRenderer encodes a payload as an image string
type QRRenderer interface {
	Render(payload string) (string, error)
}

// Config holds prescription workflow settings
type Config struct {
	// Validity is added to the request time to compute expires_at
	Validity time.Duration
}

// DefaultConfig returns a 28 day validity
func DefaultConfig() Config {
	return Config{Validity: 28 * 24 * time.Hour}
}

// Service implements the prescription workflow
type Service struct {
	repo       *Repository
	users      UserLookup
	collectors CollectorVerifier
	notifier   Notifier
	audit      Auditor
	qr         QRRenderer
	config     Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newPIN     func() (string, error)
}

// NewService creates the prescription service
func NewService(repo *Repository, users UserLookup, collectors CollectorVerifier, notifier Notifier, auditor Auditor, renderer QRRenderer, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		users:      users,
		collectors: collectors,
		notifier:   notifier,
		audit:      auditor,
		qr:         renderer,
		config:     cfg,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("prescription-service"),
		now:        func() time.Time { return time.Now().UTC() },
		newPIN:     auth.NewPIN,
	}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) reject(err error) error {
	s.metrics.TransitionsRejected.WithLabelValues("prescription", string(apperror.KindOf(err))).Inc()
	return err
}

func (s *Service) load(ctx context.Context, id string) (*Prescription, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, s.reject(apperror.NotFound("prescription_not_found", "prescription not found"))
		}
		return nil, apperror.Internal("load prescription", err)
	}
	return p, nil
}

func (in *CreateInput) validate() error {
	in.MedicationName = strings.TrimSpace(in.MedicationName)
	in.Dosage = strings.TrimSpace(in.Dosage)
	in.Quantity = strings.TrimSpace(in.Quantity)
	in.Instructions = strings.TrimSpace(in.Instructions)

	switch {
	case in.MedicationName == "":
		return apperror.Validation("missing_medication", "medication_name is required")
	case in.Dosage == "":
		return apperror.Validation("missing_dosage", "dosage is required")
	case in.Quantity == "":
		return apperror.Validation("missing_quantity", "quantity is required")
	case in.Instructions == "":
		return apperror.Validation("missing_instructions", "instructions are required")
	}
	if in.PrescriptionType == "" {
		in.PrescriptionType = TypeAcute
	}
	if !in.PrescriptionType.valid() {
		return apperror.Validation("invalid_type", "prescription_type must be acute, repeat or repeat_dispensing")
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.valid() {
		return apperror.Validation("invalid_priority", "priority must be normal, urgent or emergency")
	}
	if in.MaxRepeats < 0 {
		return apperror.Validation("invalid_repeats", "max_repeats cannot be negative")
	}
	if in.PrescriptionType == TypeAcute && in.MaxRepeats > 0 {
		return apperror.Validation("invalid_repeats", "acute prescriptions have no repeats")
	}
	return nil
}

// Create records a new request from a patient. Status, id and PIN are always generated here.
func (s *Service) Create(ctx context.Context, actor *identity.User, in CreateInput) (*Prescription, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "create_prescription", trace.WithAttributes(attribute.String("patient_id", actor.ID)))
	defer span.End()

	if actor.Role != identity.RolePatient {
		return nil, nil, s.reject(apperror.Authorization("patient_only", "only patients can create prescriptions"))
	}
	if err := in.validate(); err != nil {
		return nil, nil, s.reject(err)
	}
	if in.GPID != "" {
		gp, err := s.users.Get(ctx, in.GPID)
		if err != nil {
			if apperror.IsKind(err, apperror.KindNotFound) {
				return nil, nil, s.reject(apperror.Validation("unknown_gp", "gp_id does not reference a user"))
			}
			return nil, nil, err
		}
		if gp.Role != identity.RoleGP || !gp.IsActive {
			return nil, nil, s.reject(apperror.Validation("not_a_gp", "gp_id must reference an active GP"))
		}
	}

	pin, err := s.newPIN()
	if err != nil {
		return nil, nil, apperror.Internal("generate pin", err)
	}
	now := s.now()
	p := &Prescription{
		ID:               uuid.New().String(),
		PatientID:        actor.ID,
		GPID:             in.GPID,
		PharmacyID:       actor.NominatedPharmacyID,
		MedicationName:   in.MedicationName,
		MedicationCode:   strings.TrimSpace(in.MedicationCode),
		Dosage:           in.Dosage,
		Quantity:         in.Quantity,
		Instructions:     in.Instructions,
		Indication:       strings.TrimSpace(in.Indication),
		PrescriptionType: in.PrescriptionType,
		Status:           StatusRequested,
		CollectionPIN:    pin,
		Priority:         in.Priority,
		MaxRepeats:       in.MaxRepeats,
		RequestedAt:      now,
		ExpiresAt:        now.Add(s.config.Validity),
		Notes:            strings.TrimSpace(in.Notes),
		UpdatedAt:        now,
	}
	if p.QRCode, err = s.qr.Render(qr.PrescriptionPayload(p.ID, pin)); err != nil {
		return nil, nil, apperror.Internal("render prescription qr", err)
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		span.RecordError(err)
		return nil, nil, apperror.Internal("create prescription", err)
	}
	s.metrics.Transitions.WithLabelValues("prescription", string(StatusRequested)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, actor.ID, notification.TypePrescriptionRequested,
			"Prescription requested",
			"Your request for "+p.MedicationName+" has been sent to your GP",
			notification.Refs{PrescriptionID: p.ID, Priority: notificationPriority(p.Priority)}),
		s.audit.Record(ctx, actor.ID, "prescription.created", "prescription", p.ID, map[string]any{
			"medication_name":   p.MedicationName,
			"prescription_type": string(p.PrescriptionType),
			"priority":          string(p.Priority),
		}),
	)
	report.Log(s.logger, "create_prescription")
	s.logger.Info("prescription requested",
		zap.String("prescription_id", p.ID),
		zap.String("patient_id", actor.ID))
	return p, report, nil
}

// Update applies a role-gated status transition from UpdateRules
func (s *Service) Update(ctx context.Context, actor *identity.User, id string, in UpdateInput) (*Prescription, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "update_prescription", trace.WithAttributes(
		attribute.String("prescription_id", id),
		attribute.String("requested_status", string(in.Status)),
	))
	defer span.End()

	rule, ok := LookupRule(actor.Role, in.Status)
	if !ok {
		return nil, nil, s.reject(apperror.Authorization("transition_denied", "invalid status update for your role"))
	}
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !rule.Allows(p.Status) {
		return nil, nil, s.reject(apperror.Conflict("invalid_transition",
			"cannot move prescription from "+string(p.Status)+" to "+string(rule.Requested)))
	}

	now := s.now()
	fields := store.Fields{"status": rule.Persisted, "updated_at": now}
	var (
		typ            notification.Type
		title, message string
	)
	switch rule.Role {
	case identity.RoleGP:
		fields["gp_id"] = actor.ID
		fields["approved_at"] = now
		fields["gp_notes"] = strings.TrimSpace(in.GPNotes)
		p.GPID, p.ApprovedAt, p.GPNotes = actor.ID, &now, strings.TrimSpace(in.GPNotes)
		typ, title = notification.TypePrescriptionApproved, "Prescription approved"
		message = "Your GP has approved your prescription for " + p.MedicationName
	case identity.RolePharmacy:
		fields["pharmacy_id"] = actor.ID
		fields["dispensed_at"] = now
		fields["pharmacy_notes"] = strings.TrimSpace(in.PharmacyNotes)
		p.PharmacyID, p.DispensedAt, p.PharmacyNotes = actor.ID, &now, strings.TrimSpace(in.PharmacyNotes)
		typ, title = notification.TypePrescriptionReady, "Prescription ready for collection"
		message = p.MedicationName + " is ready to collect from " + actor.FullName + ". Show your collection PIN or QR code at the counter."
	}

	if err := s.repo.Update(ctx, id, fields); err != nil {
		span.RecordError(err)
		return nil, nil, apperror.Internal("update prescription", err)
	}
	from := p.Status
	p.Status, p.UpdatedAt = rule.Persisted, now
	s.metrics.Transitions.WithLabelValues("prescription", string(rule.Persisted)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, p.PatientID, typ, title, message,
			notification.Refs{PrescriptionID: p.ID, Priority: notificationPriority(p.Priority)}),
		s.audit.Record(ctx, actor.ID, "prescription.status_changed", "prescription", p.ID, map[string]any{
			"from":      string(from),
			"requested": string(rule.Requested),
			"persisted": string(rule.Persisted),
		}),
	)
	report.Log(s.logger, "update_prescription")
	s.logger.Info("prescription transitioned",
		zap.String("prescription_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(rule.Persisted)),
		zap.String("actor_id", actor.ID))
	return p, report, nil
}

// Get returns one prescription. Patients may only read their own; delegates none.
func (s *Service) Get(ctx context.Context, actor *identity.User, id string) (*Prescription, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case identity.RolePatient:
		if p.PatientID != actor.ID {
			return nil, s.reject(apperror.Authorization("not_owner", "access denied"))
		}
	case identity.RoleDelegate:
		return nil, s.reject(apperror.Authorization("role_denied", "access denied"))
	}
	s.audit.Record(ctx, actor.ID, "prescription.read", "prescription", p.ID, nil)
	return p, nil
}

// List returns the prescriptions visible to the actor's role, newest first
func (s *Service) List(ctx context.Context, actor *identity.User, limit int) ([]Prescription, error) {
	var filter store.Filter
	switch actor.Role {
	case identity.RolePatient:
		filter = store.Where(store.Eq("patient_id", actor.ID))
	case identity.RoleGP, identity.RolePharmacy:
		filter = store.Where(statusIn(ListScope(actor.Role)...))
	case identity.RoleAdmin:
		filter = store.Where()
	default:
		return nil, s.reject(apperror.Authorization("role_denied", "access denied"))
	}
	out, err := s.repo.Find(ctx, filter, limit)
	if err != nil {
		return nil, apperror.Internal("list prescriptions", err)
	}
	s.audit.Record(ctx, actor.ID, "prescription.listed", "prescription", "", map[string]any{"count": len(out)})
	return out, nil
}

// Cancel withdraws an unfinished prescription. Allowed for the owning patient and admins.
func (s *Service) Cancel(ctx context.Context, actor *identity.User, id, reason string) (*Prescription, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "cancel_prescription", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if !actor.Is(identity.RolePatient, identity.RoleAdmin) {
		return nil, nil, s.reject(apperror.Authorization("role_denied", "only the patient or an admin can cancel"))
	}
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if actor.Role == identity.RolePatient && p.PatientID != actor.ID {
		return nil, nil, s.reject(apperror.Authorization("not_owner", "access denied"))
	}
	if p.Status.Terminal() {
		return nil, nil, s.reject(apperror.Conflict("invalid_transition", "prescription is already "+string(p.Status)))
	}

	now := s.now()
	if err := s.repo.Update(ctx, id, store.Fields{
		"status":       StatusCancelled,
		"cancelled_at": now,
		"cancelled_by": actor.ID,
		"updated_at":   now,
	}); err != nil {
		return nil, nil, apperror.Internal("cancel prescription", err)
	}
	from := p.Status
	p.Status, p.CancelledAt, p.CancelledBy, p.UpdatedAt = StatusCancelled, &now, actor.ID, now
	s.metrics.Transitions.WithLabelValues("prescription", string(StatusCancelled)).Inc()

	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, p.PatientID, notification.TypePrescriptionCancelled,
			"Prescription cancelled",
			"Your prescription for "+p.MedicationName+" has been cancelled",
			notification.Refs{PrescriptionID: p.ID}),
		s.audit.Record(ctx, actor.ID, "prescription.cancelled", "prescription", p.ID, map[string]any{
			"from":   string(from),
			"reason": reason,
		}),
	)
	report.Log(s.logger, "cancel_prescription")
	return p, report, nil
}

// Collect hands a ready prescription over once the collection PIN matches.
// Only the dispensing pharmacy may record collection.
func (s *Service) Collect(ctx context.Context, actor *identity.User, id string, in CollectInput) (*Prescription, sideeffect.Report, error) {
	ctx, span := s.tracer.Start(ctx, "collect_prescription", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	if actor.Role != identity.RolePharmacy {
		return nil, nil, s.reject(apperror.Authorization("pharmacy_only", "only pharmacies can record collection"))
	}
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.PharmacyID != actor.ID {
		return nil, nil, s.reject(apperror.Authorization("not_dispensing_pharmacy", "prescription was dispensed by another pharmacy"))
	}
	if p.Status != StatusReadyForCollection {
		return nil, nil, s.reject(apperror.Conflict("invalid_transition", "prescription is "+string(p.Status)))
	}
	if !auth.PINMatches(p.CollectionPIN, strings.TrimSpace(in.PIN)) {
		return nil, nil, s.reject(apperror.Authorization("pin_mismatch", "collection pin does not match"))
	}

	collectedBy := p.PatientID
	if in.DelegationID != "" {
		d, err := s.collectors.VerifyCollector(ctx, in.DelegationID, p.PatientID, strings.TrimSpace(in.DelegationPIN))
		if err != nil {
			return nil, nil, s.reject(err)
		}
		collectedBy = d.DelegateUserID
	}

	now := s.now()
	if err := s.repo.Update(ctx, id, store.Fields{
		"status":       StatusCollected,
		"collected_at": now,
		"collected_by": collectedBy,
		"updated_at":   now,
	}); err != nil {
		return nil, nil, apperror.Internal("collect prescription", err)
	}
	p.Status, p.CollectedAt, p.CollectedBy, p.UpdatedAt = StatusCollected, &now, collectedBy, now
	s.metrics.Transitions.WithLabelValues("prescription", string(StatusCollected)).Inc()

	message := "Your prescription for " + p.MedicationName + " has been collected"
	if collectedBy != p.PatientID {
		message += " by your delegate"
	}
	var report sideeffect.Report
	report.Add(
		s.notifier.Notify(ctx, p.PatientID, notification.TypePrescriptionCollected,
			"Prescription collected", message,
			notification.Refs{PrescriptionID: p.ID, DelegationID: in.DelegationID}),
		s.audit.Record(ctx, actor.ID, "prescription.collected", "prescription", p.ID, map[string]any{
			"collected_by":  collectedBy,
			"delegation_id": in.DelegationID,
		}),
	)
	report.Log(s.logger, "collect_prescription")
	return p, report, nil
}

// ExpireOverdue moves unfinished prescriptions past expires_at to expired and tells the patient
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	now := s.now()
	overdue, err := s.repo.Overdue(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range overdue {
		applied, err := s.repo.UpdateIf(ctx, p.ID, p.Status, store.Fields{
			"status":     StatusExpired,
			"updated_at": now,
		})
		if err != nil {
			s.logger.Warn("expire prescription", zap.String("prescription_id", p.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		expired++
		s.metrics.Transitions.WithLabelValues("prescription", string(StatusExpired)).Inc()

		var report sideeffect.Report
		report.Add(
			s.notifier.Notify(ctx, p.PatientID, notification.TypePrescriptionExpired,
				"Prescription expired",
				"Your prescription for "+p.MedicationName+" expired before it was completed",
				notification.Refs{PrescriptionID: p.ID}),
			s.audit.Record(ctx, audit.SystemActor, "prescription.expired", "prescription", p.ID, map[string]any{
				"from": string(p.Status),
			}),
		)
		report.Log(s.logger, "expire_prescription")
	}
	return expired, nil
}

func notificationPriority(p Priority) notification.Priority {
	switch p {
	case PriorityUrgent:
		return notification.PriorityHigh
	case PriorityEmergency:
		return notification.PriorityUrgent
	}
	return notification.PriorityNormal
}
