package r5

import (
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
)

// Code systems used in exported resources
const (
	SystemPrescriptionID = "urn:rxcollect:prescription"
	SystemDMD            = "https://dmd.nhs.uk"
	SystemCourseOfTx     = "http://terminology.hl7.org/CodeSystem/medicationrequest-course-of-therapy"
)

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	Status string `json:"status"` // active | on-hold | ended | stopped | completed | cancelled | entered-in-error | draft | unknown
	Intent string `json:"intent"` // proposal | plan | order | ...

	Category   []CodeableConcept   `json:"category,omitempty"`
	Priority   string              `json:"priority,omitempty"` // routine | urgent | asap | stat
	Medication CodeableReference   `json:"medication"`
	Subject    Reference           `json:"subject"`
	AuthoredOn time.Time           `json:"authoredOn"`
	Requester  *Reference          `json:"requester,omitempty"`
	Reason     []CodeableReference `json:"reason,omitempty"`
	Note       []Annotation        `json:"note,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod         *Period    `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int        `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity  `json:"quantity,omitempty"`
	Dispenser              *Reference `json:"dispenser,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text               string `json:"text,omitempty"`
	PatientInstruction string `json:"patientInstruction,omitempty"`
}

var statusMap = map[prescription.Status]string{
	prescription.StatusRequested:          "draft",
	prescription.StatusGPApproved:         "active",
	prescription.StatusSentToPharmacy:     "active",
	prescription.StatusDispensed:          "active",
	prescription.StatusReadyForCollection: "active",
	prescription.StatusCollected:          "completed",
	prescription.StatusCancelled:          "cancelled",
	prescription.StatusExpired:            "ended",
}

var priorityMap = map[prescription.Priority]string{
	prescription.PriorityNormal:    "routine",
	prescription.PriorityUrgent:    "urgent",
	prescription.PriorityEmergency: "stat",
}

var courseMap = map[prescription.Type]Coding{
	prescription.TypeAcute:            {System: SystemCourseOfTx, Code: "acute", Display: "Short course (acute) therapy"},
	prescription.TypeRepeat:           {System: SystemCourseOfTx, Code: "continuous", Display: "Continuous long term therapy"},
	prescription.TypeRepeatDispensing: {System: SystemCourseOfTx, Code: "continuous", Display: "Continuous long term therapy"},
}

// FromPrescription renders p as a MedicationRequest. The collection PIN and QR code are not exported.
func FromPrescription(p *prescription.Prescription) *MedicationRequest {
	status, ok := statusMap[p.Status]
	if !ok {
		status = "unknown"
	}
	intent := "order"
	if p.Status == prescription.StatusRequested {
		intent = "proposal"
	}

	updated := p.UpdatedAt
	mr := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           p.ID,
		Meta:         &Meta{LastUpdated: &updated},
		Identifier:   []Identifier{{Use: "official", System: SystemPrescriptionID, Value: p.ID}},
		Status:       status,
		Intent:       intent,
		Priority:     priorityMap[p.Priority],
		Medication:   CodeableReference{Concept: medicationConcept(p)},
		Subject:      Reference{Reference: "Patient/" + p.PatientID},
		AuthoredOn:   p.RequestedAt,
		Requester:    ref("Practitioner", p.GPID),

		RenderedDosageInstruction: strings.TrimSpace(p.Dosage + " " + p.Instructions),
	}

	if c, ok := courseMap[p.PrescriptionType]; ok {
		mr.Category = []CodeableConcept{{Coding: []Coding{c}, Text: string(p.PrescriptionType)}}
	}
	if p.Indication != "" {
		mr.Reason = []CodeableReference{{Concept: &CodeableConcept{Text: p.Indication}}}
	}
	if p.Dosage != "" || p.Instructions != "" {
		mr.DosageInstruction = []Dosage{{Text: p.Dosage, PatientInstruction: p.Instructions}}
	}

	mr.Note = notes(p)

	start := p.RequestedAt
	end := p.ExpiresAt
	mr.DispenseRequest = &DispenseRequest{
		ValidityPeriod:         &Period{Start: &start, End: &end},
		NumberOfRepeatsAllowed: p.MaxRepeats,
		Quantity:               quantity(p.Quantity),
		Dispenser:              ref("Organization", p.PharmacyID),
	}
	return mr
}

func medicationConcept(p *prescription.Prescription) *CodeableConcept {
	c := &CodeableConcept{Text: p.MedicationName}
	if p.MedicationCode != "" {
		c.Coding = []Coding{{System: SystemDMD, Code: p.MedicationCode, Display: p.MedicationName}}
	}
	return c
}

func notes(p *prescription.Prescription) []Annotation {
	var out []Annotation
	if p.Notes != "" {
		out = append(out, Annotation{AuthorReference: ref("Patient", p.PatientID), Text: p.Notes})
	}
	if p.GPNotes != "" {
		out = append(out, Annotation{AuthorReference: ref("Practitioner", p.GPID), Time: p.ApprovedAt, Text: p.GPNotes})
	}
	if p.PharmacyNotes != "" {
		out = append(out, Annotation{AuthorReference: ref("Organization", p.PharmacyID), Time: p.DispensedAt, Text: p.PharmacyNotes})
	}
	return out
}

// quantity parses a leading number ("28 tablets" -> 28 tablets); free text without one
// becomes a unit-only quantity
func quantity(s string) *Quantity {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	num, unit, _ := strings.Cut(s, " ")
	if v, err := strconv.ParseFloat(num, 64); err == nil {
		return &Quantity{Value: v, Unit: strings.TrimSpace(unit)}
	}
	return &Quantity{Unit: s}
}
