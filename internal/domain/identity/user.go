// Package identity manages user accounts, credentials and roles.
package identity

import (
	"time"
)

// Role is fixed at registration
type Role string

const (
	RolePatient  Role = "patient"
	RoleGP       Role = "gp"
	RolePharmacy Role = "pharmacy"
	RoleDelegate Role = "delegate"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleGP, RolePharmacy, RoleDelegate, RoleAdmin:
		return true
	}
	return false
}

// User is an account. Accounts are deactivated, never deleted.
type User struct {
	ID                    string     `json:"id" bson:"id"`
	Email                 string     `json:"email" bson:"email"`
	PasswordHash          string     `json:"password_hash,omitempty" bson:"password_hash,omitempty"`
	FullName              string     `json:"full_name" bson:"full_name"`
	Role                  Role       `json:"role" bson:"role"`
	Phone                 string     `json:"phone,omitempty" bson:"phone,omitempty"`
	Address               string     `json:"address,omitempty" bson:"address,omitempty"`
	DateOfBirth           string     `json:"date_of_birth,omitempty" bson:"date_of_birth,omitempty"`
	NHSNumber             string     `json:"nhs_number,omitempty" bson:"nhs_number,omitempty"`
	GPLicenseNumber       string     `json:"gp_license_number,omitempty" bson:"gp_license_number,omitempty"`
	PharmacyLicenseNumber string     `json:"pharmacy_license_number,omitempty" bson:"pharmacy_license_number,omitempty"`
	ODSCode               string     `json:"ods_code,omitempty" bson:"ods_code,omitempty"`
	NominatedPharmacyID   string     `json:"nominated_pharmacy_id,omitempty" bson:"nominated_pharmacy_id,omitempty"`
	GDPRConsent           bool       `json:"gdpr_consent" bson:"gdpr_consent"`
	GDPRConsentAt         *time.Time `json:"gdpr_consent_at,omitempty" bson:"gdpr_consent_at,omitempty"`
	IsActive              bool       `json:"is_active" bson:"is_active"`
	CreatedAt             time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" bson:"updated_at"`
	LastLoginAt           *time.Time `json:"last_login_at,omitempty" bson:"last_login_at,omitempty"`
}

// Public returns a copy safe to send to clients
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

// Is reports whether the user holds any of roles
func (u *User) Is(roles ...Role) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// Session is the result of a successful register or login
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	User        User   `json:"user"`
}
