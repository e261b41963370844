package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordManager hashes and verifies passwords with bcrypt
type PasswordManager struct {
	cost int
}

// NewPasswordManager creates a password manager with the default cost
func NewPasswordManager() *PasswordManager {
	return &PasswordManager{cost: bcrypt.DefaultCost}
}

// NewPasswordManagerWithCost is used by tests to keep hashing fast
func NewPasswordManagerWithCost(cost int) *PasswordManager {
	return &PasswordManager{cost: cost}
}

// Hash returns the bcrypt hash of password
func (pm *PasswordManager) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), pm.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether password matches hash
func (pm *PasswordManager) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
