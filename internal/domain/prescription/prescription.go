// Package prescription implements the prescription request, approval, dispensing and
// collection workflow.
package prescription

import (
	"time"
)

// Status of a prescription
type Status string

const (
	StatusRequested          Status = "requested"
	StatusGPApproved         Status = "gp_approved"
	StatusSentToPharmacy     Status = "sent_to_pharmacy"
	StatusDispensed          Status = "dispensed"
	StatusReadyForCollection Status = "ready_for_collection"
	StatusCollected          Status = "collected"
	StatusCancelled          Status = "cancelled"
	StatusExpired            Status = "expired"
)

// AllStatuses in workflow order
var AllStatuses = []Status{
	StatusRequested, StatusGPApproved, StatusSentToPharmacy, StatusDispensed,
	StatusReadyForCollection, StatusCollected, StatusCancelled, StatusExpired,
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCollected || s == StatusCancelled || s == StatusExpired
}

// Type is the prescription kind
type Type string

const (
	TypeAcute            Type = "acute"
	TypeRepeat           Type = "repeat"
	TypeRepeatDispensing Type = "repeat_dispensing"
)

func (t Type) valid() bool {
	return t == TypeAcute || t == TypeRepeat || t == TypeRepeatDispensing
}

// Priority tier
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) valid() bool {
	return p == PriorityNormal || p == PriorityUrgent || p == PriorityEmergency
}

// Prescription is owned by the patient who requested it
type Prescription struct {
	ID               string     `json:"id" bson:"id"`
	PatientID        string     `json:"patient_id" bson:"patient_id"`
	GPID             string     `json:"gp_id,omitempty" bson:"gp_id,omitempty"`
	PharmacyID       string     `json:"pharmacy_id,omitempty" bson:"pharmacy_id,omitempty"`
	MedicationName   string     `json:"medication_name" bson:"medication_name"`
	MedicationCode   string     `json:"medication_code" bson:"medication_code"`
	Dosage           string     `json:"dosage" bson:"dosage"`
	Quantity         string     `json:"quantity" bson:"quantity"`
	Instructions     string     `json:"instructions" bson:"instructions"`
	Indication       string     `json:"indication,omitempty" bson:"indication,omitempty"`
	PrescriptionType Type       `json:"prescription_type" bson:"prescription_type"`
	Status           Status     `json:"status" bson:"status"`
	CollectionPIN    string     `json:"collection_pin" bson:"collection_pin"`
	QRCode           string     `json:"qr_code" bson:"qr_code"`
	Priority         Priority   `json:"priority" bson:"priority"`
	MaxRepeats       int        `json:"max_repeats" bson:"max_repeats"`
	RepeatsIssued    int        `json:"repeats_issued" bson:"repeats_issued"`
	RequestedAt      time.Time  `json:"requested_at" bson:"requested_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	SentToPharmacyAt *time.Time `json:"sent_to_pharmacy_at,omitempty" bson:"sent_to_pharmacy_at,omitempty"`
	DispensedAt      *time.Time `json:"dispensed_at,omitempty" bson:"dispensed_at,omitempty"`
	CollectedAt      *time.Time `json:"collected_at,omitempty" bson:"collected_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at" bson:"expires_at"`
	Notes            string     `json:"notes,omitempty" bson:"notes,omitempty"`
	GPNotes          string     `json:"gp_notes,omitempty" bson:"gp_notes,omitempty"`
	PharmacyNotes    string     `json:"pharmacy_notes,omitempty" bson:"pharmacy_notes,omitempty"`
	CollectedBy      string     `json:"collected_by,omitempty" bson:"collected_by,omitempty"`
	CancelledBy      string     `json:"cancelled_by,omitempty" bson:"cancelled_by,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at" bson:"updated_at"`
}

// CreateInput is a patient's prescription request. Status, id and PIN are never taken from input.
type CreateInput struct {
	MedicationName   string   `json:"medication_name"`
	MedicationCode   string   `json:"medication_code"`
	Dosage           string   `json:"dosage"`
	Quantity         string   `json:"quantity"`
	Instructions     string   `json:"instructions"`
	Indication       string   `json:"indication"`
	PrescriptionType Type     `json:"prescription_type"`
	Priority         Priority `json:"priority"`
	MaxRepeats       int      `json:"max_repeats"`
	GPID             string   `json:"gp_id"`
	Notes            string   `json:"notes"`
}

// UpdateInput requests a role-gated status transition
type UpdateInput struct {
	Status        Status `json:"status"`
	GPNotes       string `json:"gp_notes"`
	PharmacyNotes string `json:"pharmacy_notes"`
}

// CollectInput is presented at the pharmacy counter
type CollectInput struct {
	PIN           string `json:"collection_pin"`
	DelegationID  string `json:"delegation_id"`
	DelegationPIN string `json:"delegation_pin"`
}
