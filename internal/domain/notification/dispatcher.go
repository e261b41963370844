// Package notification persists per-user notifications and pushes them to live connections.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

// Type tags what a notification is about
type Type string

const (
	TypePrescriptionRequested Type = "prescription_requested"
	TypePrescriptionApproved  Type = "prescription_approved"
	TypePrescriptionReady     Type = "prescription_ready"
	TypePrescriptionCollected Type = "prescription_collected"
	TypePrescriptionCancelled Type = "prescription_cancelled"
	TypePrescriptionExpired   Type = "prescription_expired"
	TypeDelegationRequest     Type = "delegation_request"
	TypeDelegationApproved    Type = "delegation_approved"
	TypeDelegationRejected    Type = "delegation_rejected"
	TypeReminder              Type = "reminder"
)

// Priority of a notification
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is one message for one user. Only the read flag and timestamps change after
// creation. SentAt is set once a push was accepted for the user's live connections.
type Notification struct {
	ID             string     `json:"id" bson:"id"`
	UserID         string     `json:"user_id" bson:"user_id"`
	Type           Type       `json:"type" bson:"type"`
	Title          string     `json:"title" bson:"title"`
	Message        string     `json:"message" bson:"message"`
	PrescriptionID string     `json:"prescription_id,omitempty" bson:"prescription_id,omitempty"`
	DelegationID   string     `json:"delegation_id,omitempty" bson:"delegation_id,omitempty"`
	Priority       Priority   `json:"priority" bson:"priority"`
	IsRead         bool       `json:"is_read" bson:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty" bson:"read_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
}

// Refs links a notification to the resource it concerns
type Refs struct {
	PrescriptionID string
	DelegationID   string
	Priority       Priority
}

// Event is the payload pushed to live connections
type Event struct {
	Type string        `json:"type"`
	Data *Notification `json:"data"`
}

// Pusher delivers an encoded event to every live connection of a user
type Pusher interface {
	Push(ctx context.Context, userID string, payload []byte) error
}

// Dispatcher persists notifications and pushes them best-effort
type Dispatcher struct {
	notifications store.Collection
	pusher        Pusher
	metrics       *metrics.Metrics
	logger        *zap.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// NewDispatcher creates a dispatcher. A nil pusher disables live delivery.
func NewDispatcher(st store.Store, pusher Pusher, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifications: st.Collection(store.Notifications),
		pusher:        pusher,
		metrics:       m,
		logger:        logger,
		tracer:        otel.Tracer("notification-dispatcher"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Notify persists one notification for userID and pushes it to the user's live connections.
// Push failures are logged and counted; only a failed write is reported in the outcome.
func (d *Dispatcher) Notify(ctx context.Context, userID string, typ Type, title, message string, refs Refs) sideeffect.Outcome {
	ctx, span := d.tracer.Start(ctx, "notify",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("type", string(typ)),
		))
	defer span.End()

	priority := refs.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	now := d.now()
	n := &Notification{
		ID:             uuid.New().String(),
		UserID:         userID,
		Type:           typ,
		Title:          title,
		Message:        message,
		PrescriptionID: refs.PrescriptionID,
		DelegationID:   refs.DelegationID,
		Priority:       priority,
		CreatedAt:      now,
	}
	if err := d.notifications.Insert(ctx, n); err != nil {
		span.RecordError(err)
		d.logger.Error("notification write failed",
			zap.String("user_id", userID),
			zap.String("type", string(typ)),
			zap.Error(err))
		return sideeffect.Failed(sideeffect.KindNotification, userID, err)
	}
	d.metrics.NotificationsCreated.WithLabelValues(string(typ)).Inc()

	if d.push(ctx, n) {
		sent := d.now()
		if _, err := d.notifications.Update(ctx, store.Where(store.Eq("id", n.ID)), store.Fields{"sent_at": sent}); err != nil {
			d.logger.Warn("record notification sent_at",
				zap.String("notification_id", n.ID),
				zap.Error(err))
		}
	}
	return sideeffect.Succeeded(sideeffect.KindNotification, n.ID)
}

// push reports whether the payload was accepted for delivery
func (d *Dispatcher) push(ctx context.Context, n *Notification) bool {
	if d.pusher == nil {
		return false
	}
	payload, err := json.Marshal(Event{Type: "notification", Data: n})
	if err != nil {
		d.logger.Warn("encode push event", zap.Error(err))
		return false
	}
	if err := d.pusher.Push(ctx, n.UserID, payload); err != nil {
		d.metrics.PushDropped.Inc()
		d.logger.Debug("notification push failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Error(err))
		return false
	}
	return true
}

// List returns the user's notifications newest first
func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	filter := store.Where(store.Eq("user_id", userID))
	if unreadOnly {
		filter = append(filter, store.Eq("is_read", false))
	}
	out := make([]Notification, 0)
	if err := d.notifications.Find(ctx, filter, store.FindOptions{Limit: limit, NewestFirst: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadCount returns the number of unread notifications for the user
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return d.notifications.Count(ctx, store.Where(store.Eq("user_id", userID), store.Eq("is_read", false)))
}

// MarkRead flags a notification as read. Repeated calls return the already-read notification.
func (d *Dispatcher) MarkRead(ctx context.Context, id, userID string) (*Notification, error) {
	var n Notification
	if err := d.notifications.FindOne(ctx, store.Where(store.Eq("id", id)), &n); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("notification_not_found", "notification not found")
		}
		return nil, apperror.Internal("load notification", err)
	}
	if n.UserID != userID {
		return nil, apperror.Authorization("not_owner", "cannot modify another user's notification")
	}
	if n.IsRead {
		return &n, nil
	}

	now := d.now()
	if _, err := d.notifications.Update(ctx, store.Where(store.Eq("id", id)), store.Fields{
		"is_read": true,
		"read_at": now,
	}); err != nil {
		return nil, apperror.Internal("mark notification read", err)
	}
	n.IsRead = true
	n.ReadAt = &now
	return &n, nil
}
