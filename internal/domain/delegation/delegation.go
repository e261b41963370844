// Package delegation lets a patient grant a third party the right to collect on their behalf.
package delegation

import "time"

// Status of a delegation
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Permission granted to a delegate
type Permission string

const (
	PermissionCollect Permission = "collect_prescriptions"
	PermissionView    Permission = "view_prescriptions"
)

// DefaultPermissions are granted when a request names none
var DefaultPermissions = []Permission{PermissionCollect}

func (p Permission) valid() bool { return p == PermissionCollect || p == PermissionView }

// Delegation is owned by the patient who created it
type Delegation struct {
	ID                   string       `json:"id" bson:"id"`
	PatientID            string       `json:"patient_id" bson:"patient_id"`
	DelegateUserID       string       `json:"delegate_user_id" bson:"delegate_user_id"`
	DelegateName         string       `json:"delegate_name" bson:"delegate_name"`
	DelegatePhone        string       `json:"delegate_phone" bson:"delegate_phone"`
	DelegateRelationship string       `json:"delegate_relationship" bson:"delegate_relationship"`
	IsVerified           bool         `json:"is_verified" bson:"is_verified"`
	Status               Status       `json:"status" bson:"status"`
	Permissions          []Permission `json:"permissions" bson:"permissions"`
	GDPRConsent          bool         `json:"gdpr_consent" bson:"gdpr_consent"`
	GDPRConsentAt        *time.Time   `json:"gdpr_consent_at,omitempty" bson:"gdpr_consent_at,omitempty"`
	PINCode              string       `json:"pin_code" bson:"pin_code"`
	QRCode               string       `json:"qr_code" bson:"qr_code"`
	RequestedExpiresAt   *time.Time   `json:"requested_expires_at,omitempty" bson:"requested_expires_at,omitempty"`
	ApprovedAt           *time.Time   `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	RejectedAt           *time.Time   `json:"rejected_at,omitempty" bson:"rejected_at,omitempty"`
	ExpiresAt            *time.Time   `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	IsActive             bool         `json:"is_active" bson:"is_active"`
	CreatedAt            time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at" bson:"updated_at"`
}

// Grants reports whether the delegation carries permission
func (d *Delegation) Grants(p Permission) bool {
	for _, have := range d.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Usable reports whether the delegation currently authorises its delegate
func (d *Delegation) Usable(now time.Time) bool {
	return d.Status == StatusApproved && d.IsActive && d.ExpiresAt != nil && now.Before(*d.ExpiresAt)
}

// CreateInput is a patient's delegation request
type CreateInput struct {
	DelegateUserID       string       `json:"delegate_user_id"`
	DelegateName         string       `json:"delegate_name"`
	DelegatePhone        string       `json:"delegate_phone"`
	DelegateRelationship string       `json:"delegate_relationship"`
	Permissions          []Permission `json:"permissions"`
	ExpiresAt            *time.Time   `json:"expires_at"`
	GDPRConsent          bool         `json:"gdpr_consent"`
}
