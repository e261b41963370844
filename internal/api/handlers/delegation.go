package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
)

// DelegationRoutes returns the /api/delegations routes
func (a *API) DelegationRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.CreateDelegation)
	r.Get("/", a.ListDelegations)
	r.Put("/{id}/approve", a.ApproveDelegation)
	r.Put("/{id}/reject", a.RejectDelegation)
	return r
}

// CreateDelegation handles POST /api/delegations
func (a *API) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var in delegation.CreateInput
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	d, _, err := a.svc.Delegations.Create(r.Context(), actor(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDelegations handles GET /api/delegations
func (a *API) ListDelegations(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.Delegations.List(r.Context(), actor(r), limitParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []delegation.Delegation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ApproveDelegation handles PUT /api/delegations/{id}/approve
func (a *API) ApproveDelegation(w http.ResponseWriter, r *http.Request) {
	d, _, err := a.svc.Delegations.Approve(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Delegation approved successfully",
		"delegation": d,
	})
}

// RejectDelegation handles PUT /api/delegations/{id}/reject
func (a *API) RejectDelegation(w http.ResponseWriter, r *http.Request) {
	d, _, err := a.svc.Delegations.Reject(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Delegation rejected",
		"delegation": d,
	})
}
