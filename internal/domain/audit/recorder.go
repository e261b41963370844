// Package audit records the append-only trail of workflow and access events.
package audit

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/store"
)

// Category is the compliance bucket of an entry
type Category string

const (
	CategoryClinical Category = "clinical"
	CategoryAccess   Category = "access"
	CategoryIdentity Category = "identity"
	CategorySystem   Category = "system"
)

// SystemActor is the actor id used for background work
const SystemActor = "system"

// Entry is one immutable audit record
type Entry struct {
	ID                 string         `json:"id" bson:"id"`
	UserID             string         `json:"user_id" bson:"user_id"`
	Action             string         `json:"action" bson:"action"`
	ResourceType       string         `json:"resource_type" bson:"resource_type"`
	ResourceID         string         `json:"resource_id" bson:"resource_id"`
	Details            map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	Timestamp          time.Time      `json:"timestamp" bson:"timestamp"`
	ComplianceCategory Category       `json:"compliance_category" bson:"compliance_category"`
}

// Categorize assigns the compliance category of an action
func Categorize(actor, action, resourceType string) Category {
	switch {
	case actor == SystemActor:
		return CategorySystem
	case strings.HasSuffix(action, ".read") || strings.HasSuffix(action, ".listed"):
		return CategoryAccess
	case resourceType == "user":
		return CategoryIdentity
	default:
		return CategoryClinical
	}
}

// Recorder appends audit entries. A failed write is logged and counted, never returned.
type Recorder struct {
	entries store.Collection
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder over the audit_logs collection
func NewRecorder(st store.Store, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		entries: st.Collection(store.AuditLogs),
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends one entry
func (r *Recorder) Record(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) sideeffect.Outcome {
	entry := &Entry{
		ID:                 uuid.New().String(),
		UserID:             actor,
		Action:             action,
		ResourceType:       resourceType,
		ResourceID:         resourceID,
		Details:            details,
		Timestamp:          r.now(),
		ComplianceCategory: Categorize(actor, action, resourceType),
	}
	if err := r.entries.Insert(ctx, entry); err != nil {
		r.metrics.AuditFailures.Inc()
		r.logger.Error("audit write failed",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.String("user_id", actor),
			zap.Error(err))
		return sideeffect.Failed(sideeffect.KindAudit, action, err)
	}
	return sideeffect.Succeeded(sideeffect.KindAudit, entry.ID)
}

// Query narrows an audit listing
type Query struct {
	UserID       string
	ResourceType string
	ResourceID   string
	Limit        int
}

// List returns entries newest first
func (r *Recorder) List(ctx context.Context, q Query) ([]Entry, error) {
	filter := store.Where()
	if q.UserID != "" {
		filter = append(filter, store.Eq("user_id", q.UserID))
	}
	if q.ResourceType != "" {
		filter = append(filter, store.Eq("resource_type", q.ResourceType))
	}
	if q.ResourceID != "" {
		filter = append(filter, store.Eq("resource_id", q.ResourceID))
	}
	entries := make([]Entry, 0)
	if err := r.entries.Find(ctx, filter, store.FindOptions{Limit: q.Limit, NewestFirst: true}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
