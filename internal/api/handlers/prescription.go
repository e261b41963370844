package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	fhir "github.com/drfirst/go-rxcollect/internal/fhir/r5"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

// PrescriptionRoutes returns the /api/prescriptions routes
func (a *API) PrescriptionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.CreatePrescription)
	r.Get("/", a.ListPrescriptions)
	r.Get("/{id}", a.GetPrescription)
	r.Put("/{id}", a.UpdatePrescription)
	r.Put("/{id}/cancel", a.CancelPrescription)
	r.Put("/{id}/collect", a.CollectPrescription)
	r.Get("/{id}/fhir", a.PrescriptionFHIR)
	return r
}

// CreatePrescription handles POST /api/prescriptions
func (a *API) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()

	var in prescription.CreateInput
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	p, _, err := a.svc.Prescriptions.Create(ctx, actor(r), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", p.ID))
	writeJSON(w, http.StatusOK, p)
}

// ListPrescriptions handles GET /api/prescriptions
func (a *API) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.Prescriptions.List(r.Context(), actor(r), limitParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []prescription.Prescription{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPrescription handles GET /api/prescriptions/{id}
func (a *API) GetPrescription(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Prescriptions.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePrescription handles PUT /api/prescriptions/{id}
func (a *API) UpdatePrescription(w http.ResponseWriter, r *http.Request) {
	var in prescription.UpdateInput
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	p, _, err := a.svc.Prescriptions.Update(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelPrescription handles PUT /api/prescriptions/{id}/cancel
func (a *API) CancelPrescription(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	p, _, err := a.svc.Prescriptions.Cancel(r.Context(), actor(r), chi.URLParam(r, "id"), in.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CollectPrescription handles PUT /api/prescriptions/{id}/collect
func (a *API) CollectPrescription(w http.ResponseWriter, r *http.Request) {
	var in prescription.CollectInput
	if err := decode(r, &in); err != nil {
		a.fail(w, r, err)
		return
	}
	p, _, err := a.svc.Prescriptions.Collect(r.Context(), actor(r), chi.URLParam(r, "id"), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PrescriptionFHIR handles GET /api/prescriptions/{id}/fhir
func (a *API) PrescriptionFHIR(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.Prescriptions.Get(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(fhir.FromPrescription(p))
}
