package identity

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/domain/sideeffect"
	"github.com/drfirst/go-rxcollect/internal/store"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

// PasswordHasher hashes and verifies credentials
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// TokenIssuer issues and validates bearer tokens
type TokenIssuer interface {
	Issue(userID, role string) (string, time.Time, error)
	Validate(token string) (string, error)
}

// Auditor records identity events
type Auditor interface {
	Record(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]any) sideeffect.Outcome
}

const minPasswordLength = 8

var nhsNumberPattern = regexp.MustCompile(`^\d{10}$`)

// RegisterInput is a self-registration request
type RegisterInput struct {
	Email                 string `json:"email"`
	Password              string `json:"password"`
	FullName              string `json:"full_name"`
	Role                  Role   `json:"role"`
	Phone                 string `json:"phone"`
	Address               string `json:"address"`
	DateOfBirth           string `json:"date_of_birth"`
	NHSNumber             string `json:"nhs_number"`
	GPLicenseNumber       string `json:"gp_license_number"`
	PharmacyLicenseNumber string `json:"pharmacy_license_number"`
	ODSCode               string `json:"ods_code"`
	GDPRConsent           bool   `json:"gdpr_consent"`
}

// ProfileUpdate holds the fields a user may change on their own profile
type ProfileUpdate struct {
	FullName *string `json:"full_name"`
	Phone    *string `json:"phone"`
	Address  *string `json:"address"`
}

// Service implements registration, login and profile operations
type Service struct {
	repo   *Repository
	hasher PasswordHasher
	tokens TokenIssuer
	audit  Auditor
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the identity service
func NewService(repo *Repository, hasher PasswordHasher, tokens TokenIssuer, audit Auditor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		hasher: hasher,
		tokens: tokens,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// credentials normalises and checks the fields every account needs, whatever its role
type credentials struct {
	Email    string
	Password string
	FullName string
}

func (c *credentials) validate() error {
	c.Email = normaliseEmail(c.Email)
	c.FullName = strings.TrimSpace(c.FullName)

	if _, err := mail.ParseAddress(c.Email); err != nil || c.Email == "" {
		return apperror.Validation("invalid_email", "a valid email address is required")
	}
	if len(c.Password) < minPasswordLength {
		return apperror.Validation("weak_password", "password must be at least 8 characters")
	}
	if c.FullName == "" {
		return apperror.Validation("missing_name", "full_name is required")
	}
	return nil
}

func (in *RegisterInput) validate() error {
	c := credentials{Email: in.Email, Password: in.Password, FullName: in.FullName}
	if err := c.validate(); err != nil {
		return err
	}
	in.Email, in.FullName = c.Email, c.FullName
	in.NHSNumber = strings.ReplaceAll(strings.TrimSpace(in.NHSNumber), " ", "")

	if !in.Role.Valid() {
		return apperror.Validation("invalid_role", "role must be one of patient, gp, pharmacy, delegate")
	}
	if in.Role == RoleAdmin {
		return apperror.Authorization("admin_registration", "admin accounts cannot self-register")
	}
	if in.NHSNumber != "" && !nhsNumberPattern.MatchString(in.NHSNumber) {
		return apperror.Validation("invalid_nhs_number", "nhs_number must be 10 digits")
	}
	return nil
}

// Register creates an account and returns a session for it
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperror.Internal("hash password", err)
	}

	now := s.now()
	u := &User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: hash,
		FullName:     in.FullName,
		Role:         in.Role,
		Phone:        in.Phone,
		Address:      in.Address,
		DateOfBirth:  in.DateOfBirth,
		GDPRConsent:  in.GDPRConsent,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch in.Role {
	case RolePatient:
		u.NHSNumber = in.NHSNumber
	case RoleGP:
		u.GPLicenseNumber = in.GPLicenseNumber
		u.ODSCode = in.ODSCode
	case RolePharmacy:
		u.PharmacyLicenseNumber = in.PharmacyLicenseNumber
		u.ODSCode = in.ODSCode
	}
	if in.GDPRConsent {
		u.GDPRConsentAt = &now
	}

	if err := s.repo.Insert(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apperror.Conflict("email_taken", "email already registered")
		}
		return nil, apperror.Internal("register user", err)
	}
	s.audit.Record(ctx, u.ID, "user.registered", "user", u.ID, map[string]any{"role": string(u.Role)})
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))

	return s.session(u)
}

// CreateAdmin provisions an administrator account outside self-registration
func (s *Service) CreateAdmin(ctx context.Context, email, password, fullName string) (*User, error) {
	in := credentials{Email: email, Password: password, FullName: fullName}
	if err := in.validate(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperror.Internal("hash password", err)
	}
	now := s.now()
	u := &User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: hash,
		FullName:     in.FullName,
		Role:         RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apperror.Conflict("email_taken", "email already registered")
		}
		return nil, apperror.Internal("create admin", err)
	}
	s.audit.Record(ctx, "system", "user.admin_created", "user", u.ID, nil)
	pub := u.Public()
	return &pub, nil
}

// Login verifies credentials and returns a session
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	invalid := apperror.Authentication("invalid_credentials", "invalid email or password")

	u, err := s.repo.ByEmail(ctx, normaliseEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid
		}
		return nil, apperror.Internal("load user", err)
	}
	if !s.hasher.Verify(password, u.PasswordHash) {
		s.audit.Record(ctx, u.ID, "user.login_failed", "user", u.ID, nil)
		return nil, invalid
	}
	if !u.IsActive {
		return nil, apperror.Authentication("account_disabled", "account is disabled")
	}

	now := s.now()
	if err := s.repo.Update(ctx, u.ID, store.Fields{"last_login_at": now}); err != nil {
		s.logger.Warn("record last login", zap.String("user_id", u.ID), zap.Error(err))
	}
	u.LastLoginAt = &now
	s.audit.Record(ctx, u.ID, "user.login", "user", u.ID, nil)
	return s.session(u)
}

func (s *Service) session(u *User) (*Session, error) {
	token, expires, err := s.tokens.Issue(u.ID, string(u.Role))
	if err != nil {
		return nil, apperror.Internal("issue token", err)
	}
	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(expires.Sub(s.now()).Seconds()),
		UserID:      u.ID,
		Role:        u.Role,
		User:        u.Public(),
	}, nil
}

// Authenticate resolves a bearer token to an active user
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, apperror.Authentication("missing_token", "authentication required")
	}
	subject, err := s.tokens.Validate(token)
	if err != nil {
		return nil, apperror.Authentication("invalid_token", "invalid or expired token")
	}
	u, err := s.repo.ByID(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.Authentication("unknown_user", "invalid or expired token")
		}
		return nil, apperror.Internal("load user", err)
	}
	if !u.IsActive {
		return nil, apperror.Authentication("account_disabled", "account is disabled")
	}
	return u, nil
}

// Get loads a user by id without its credential hash
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	u, err := s.repo.ByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperror.NotFound("user_not_found", "user not found")
		}
		return nil, apperror.Internal("load user", err)
	}
	pub := u.Public()
	return &pub, nil
}

// UpdateProfile applies whitelisted profile changes; all other fields are immutable here
func (s *Service) UpdateProfile(ctx context.Context, actor *User, in ProfileUpdate) (*User, error) {
	fields := store.Fields{}
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if name == "" {
			return nil, apperror.Validation("missing_name", "full_name cannot be empty")
		}
		fields["full_name"] = name
	}
	if in.Phone != nil {
		fields["phone"] = strings.TrimSpace(*in.Phone)
	}
	if in.Address != nil {
		fields["address"] = strings.TrimSpace(*in.Address)
	}
	if len(fields) == 0 {
		return nil, apperror.Validation("empty_update", "no updatable fields supplied")
	}
	fields["updated_at"] = s.now()

	if err := s.repo.Update(ctx, actor.ID, fields); err != nil {
		return nil, apperror.Internal("update profile", err)
	}
	changed := make([]string, 0, len(fields))
	for k := range fields {
		if k != "updated_at" {
			changed = append(changed, k)
		}
	}
	s.audit.Record(ctx, actor.ID, "user.profile_updated", "user", actor.ID, map[string]any{"fields": changed})
	return s.Get(ctx, actor.ID)
}

// Directory lists active users of a role (GPs and pharmacies)
func (s *Service) Directory(ctx context.Context, role Role) ([]User, error) {
	if role != RoleGP && role != RolePharmacy {
		return nil, apperror.Validation("invalid_role", "directory is available for gp and pharmacy")
	}
	return s.ActiveByRole(ctx, role)
}

// ActiveByRole lists active users of any role, credentials stripped
func (s *Service) ActiveByRole(ctx context.Context, role Role) ([]User, error) {
	users, err := s.repo.ActiveByRole(ctx, role)
	if err != nil {
		return nil, apperror.Internal("list users", err)
	}
	for i := range users {
		users[i] = users[i].Public()
	}
	return users, nil
}

// NominatePharmacy records the patient's preferred pharmacy
func (s *Service) NominatePharmacy(ctx context.Context, actor *User, pharmacyID string) (*User, error) {
	if actor.Role != RolePatient {
		return nil, apperror.Authorization("patient_only", "only patients can nominate a pharmacy")
	}
	if pharmacyID == "" {
		return nil, apperror.Validation("missing_pharmacy_id", "pharmacy_id is required")
	}
	pharmacy, err := s.Get(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}
	if pharmacy.Role != RolePharmacy || !pharmacy.IsActive {
		return nil, apperror.Validation("not_a_pharmacy", "pharmacy_id does not reference an active pharmacy")
	}
	if err := s.repo.Update(ctx, actor.ID, store.Fields{
		"nominated_pharmacy_id": pharmacyID,
		"updated_at":            s.now(),
	}); err != nil {
		return nil, apperror.Internal("nominate pharmacy", err)
	}
	s.audit.Record(ctx, actor.ID, "user.pharmacy_nominated", "user", actor.ID, map[string]any{"pharmacy_id": pharmacyID})
	return s.Get(ctx, actor.ID)
}
