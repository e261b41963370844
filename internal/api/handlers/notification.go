package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

// ListNotifications handles GET /api/notifications. ?unread=true limits to unread.
func (a *API) ListNotifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := a.svc.Notifications.List(r.Context(), actor(r).ID, unread, limitParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []notification.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// MarkNotificationRead handles PUT /api/notifications/{id}/read
func (a *API) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.Notifications.MarkRead(r.Context(), chi.URLParam(r, "id"), actor(r).ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Notification marked as read",
		"notification": n,
	})
}

// Dashboard handles GET /api/analytics/dashboard
func (a *API) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.Analytics.Dashboard(r.Context(), actor(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AuditLogs handles GET /api/audit-logs for admins. Filters: user_id, resource_type, resource_id.
func (a *API) AuditLogs(w http.ResponseWriter, r *http.Request) {
	if !actor(r).Is(identity.RoleAdmin) {
		a.fail(w, r, apperror.Authorization("admin_only", "audit logs are available to administrators"))
		return
	}
	q := r.URL.Query()
	entries, err := a.svc.Audit.List(r.Context(), audit.Query{
		UserID:       q.Get("user_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limitParam(r),
	})
	if err != nil {
		a.fail(w, r, apperror.Internal("list audit logs", err))
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
