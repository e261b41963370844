package handlers

import (
	"net/http"

	"github.com/drfirst/go-rxcollect/internal/domain/identity"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type nominationRequest struct {
	PharmacyID string `json:"pharmacy_id"`
}

// Register handles POST /api/auth/register
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var in identity.RegisterInput
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	session, err := a.svc.Identity.Register(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Login handles POST /api/auth/login
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	session, err := a.svc.Identity.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Me handles GET /api/users/me
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, actor(r).Public())
}

// UpdateMe handles PUT /api/users/me. Only full_name, phone and address are read from the body.
func (a *API) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var in identity.ProfileUpdate
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	u, err := a.svc.Identity.UpdateProfile(r.Context(), actor(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Profile updated successfully",
		"user":    u,
	})
}

// ListGPs handles GET /api/users/gps
func (a *API) ListGPs(w http.ResponseWriter, r *http.Request) {
	a.directory(w, r, identity.RoleGP)
}

// ListPharmacies handles GET /api/users/pharmacies
func (a *API) ListPharmacies(w http.ResponseWriter, r *http.Request) {
	a.directory(w, r, identity.RolePharmacy)
}

func (a *API) directory(w http.ResponseWriter, r *http.Request, role identity.Role) {
	users, err := a.svc.Identity.Directory(r.Context(), role)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if users == nil {
		users = []identity.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// NominatePharmacy handles POST /api/users/nominate-pharmacy
func (a *API) NominatePharmacy(w http.ResponseWriter, r *http.Request) {
	var in nominationRequest
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	u, err := a.svc.Identity.NominatePharmacy(r.Context(), actor(r), in.PharmacyID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":               "Pharmacy nominated successfully",
		"nominated_pharmacy_id": u.NominatedPharmacyID,
	})
}
