package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/internal/platform/auth"
	"github.com/drfirst/go-rxcollect/internal/store/memory"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

func newTestService(t *testing.T) (*Service, *audit.Recorder) {
	t.Helper()
	st := memory.New()
	tokens, err := auth.NewTokenManager("identity-test-secret-0123", "rxcollect", time.Hour)
	require.NoError(t, err)
	recorder := audit.NewRecorder(st, metrics.Nop(), nil)
	return NewService(NewRepository(st), auth.NewPasswordManagerWithCost(bcrypt.MinCost), tokens, recorder, nil), recorder
}

func register(t *testing.T, s *Service, email string, role Role) *Session {
	t.Helper()
	session, err := s.Register(context.Background(), RegisterInput{
		Email:    email,
		Password: "s3cure-passw0rd",
		FullName: "Test " + string(role),
		Role:     role,
	})
	require.NoError(t, err)
	return session
}

func TestRegister(t *testing.T) {
	s, recorder := newTestService(t)
	ctx := context.Background()

	session, err := s.Register(ctx, RegisterInput{
		Email:       "  Alice@Example.NHS.uk ",
		Password:    "s3cure-passw0rd",
		FullName:    "Alice Patient",
		Role:        RolePatient,
		NHSNumber:   "943 476 5919",
		GDPRConsent: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.Equal(t, "bearer", session.TokenType)
	assert.InDelta(t, time.Hour.Seconds(), float64(session.ExpiresIn), 5)
	assert.Equal(t, RolePatient, session.Role)
	assert.Equal(t, "alice@example.nhs.uk", session.User.Email)
	assert.Equal(t, "9434765919", session.User.NHSNumber)
	assert.Empty(t, session.User.PasswordHash)
	assert.NotNil(t, session.User.GDPRConsentAt)
	assert.True(t, session.User.IsActive)

	entries, err := recorder.List(ctx, audit.Query{UserID: session.UserID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user.registered", entries[0].Action)
	assert.Equal(t, audit.CategoryIdentity, entries[0].ComplianceCategory)

	t.Run("duplicate email", func(t *testing.T) {
		_, err := s.Register(ctx, RegisterInput{
			Email: "alice@example.nhs.uk", Password: "another-password", FullName: "Alice Again", Role: RolePatient,
		})
		assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	})

	t.Run("admin cannot self-register", func(t *testing.T) {
		_, err := s.Register(ctx, RegisterInput{
			Email: "root@example.nhs.uk", Password: "s3cure-passw0rd", FullName: "Root", Role: RoleAdmin,
		})
		assert.True(t, apperror.IsKind(err, apperror.KindAuthorization))
	})

	t.Run("validation", func(t *testing.T) {
		tests := map[string]RegisterInput{
			"bad email":      {Email: "not-an-email", Password: "s3cure-passw0rd", FullName: "X", Role: RolePatient},
			"short password": {Email: "x@example.com", Password: "short", FullName: "X", Role: RolePatient},
			"missing name":   {Email: "x@example.com", Password: "s3cure-passw0rd", Role: RolePatient},
			"unknown role":   {Email: "x@example.com", Password: "s3cure-passw0rd", FullName: "X", Role: "nurse"},
			"bad nhs number": {Email: "x@example.com", Password: "s3cure-passw0rd", FullName: "X", Role: RolePatient, NHSNumber: "12345"},
		}
		for name, in := range tests {
			_, err := s.Register(ctx, in)
			assert.True(t, apperror.IsKind(err, apperror.KindValidation), name)
		}
	})
}

func TestLoginAndAuthenticate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	registered := register(t, s, "gp@example.nhs.uk", RoleGP)

	session, err := s.Login(ctx, "GP@example.nhs.uk", "s3cure-passw0rd")
	require.NoError(t, err)
	assert.Equal(t, registered.UserID, session.UserID)
	assert.NotNil(t, session.User.LastLoginAt)

	u, err := s.Authenticate(ctx, session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, RoleGP, u.Role)

	_, err = s.Login(ctx, "gp@example.nhs.uk", "wrong-password")
	assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	_, err = s.Login(ctx, "nobody@example.nhs.uk", "s3cure-passw0rd")
	assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	assert.Equal(t, "invalid email or password", apperror.MessageOf(err))

	_, err = s.Authenticate(ctx, "")
	assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	_, err = s.Authenticate(ctx, "garbage")
	assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))

	t.Run("deactivated account", func(t *testing.T) {
		require.NoError(t, s.repo.Update(ctx, registered.UserID, map[string]any{"is_active": false}))
		_, err := s.Authenticate(ctx, session.AccessToken)
		assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))
		_, err = s.Login(ctx, "gp@example.nhs.uk", "s3cure-passw0rd")
		assert.True(t, apperror.IsKind(err, apperror.KindAuthentication))
	})
}

func TestCreateAdmin(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	admin, err := s.CreateAdmin(ctx, "admin@example.nhs.uk", "s3cure-passw0rd", "Ada Admin")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.Empty(t, admin.PasswordHash)

	session, err := s.Login(ctx, "admin@example.nhs.uk", "s3cure-passw0rd")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, session.Role)

	_, err = s.CreateAdmin(ctx, "admin@example.nhs.uk", "s3cure-passw0rd", "Again")
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	normalised, err := s.CreateAdmin(ctx, "  Ops@Example.NHS.uk ", "s3cure-passw0rd", "  Olu Ops ")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.nhs.uk", normalised.Email)
	assert.Equal(t, "Olu Ops", normalised.FullName)

	_, err = s.CreateAdmin(ctx, "weak@example.nhs.uk", "short", "Weak Admin")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.Equal(t, "password must be at least 8 characters", apperror.MessageOf(err))
	_, err = s.CreateAdmin(ctx, "nameless@example.nhs.uk", "s3cure-passw0rd", " ")
	assert.Equal(t, "full_name is required", apperror.MessageOf(err))
}

func TestUpdateProfile(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	session := register(t, s, "bob@example.nhs.uk", RolePatient)
	actor, err := s.Get(ctx, session.UserID)
	require.NoError(t, err)

	phone := " 07700 900123 "
	name := "Robert Patient"
	u, err := s.UpdateProfile(ctx, actor, ProfileUpdate{FullName: &name, Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "Robert Patient", u.FullName)
	assert.Equal(t, "07700 900123", u.Phone)
	assert.Equal(t, RolePatient, u.Role)
	assert.Equal(t, "bob@example.nhs.uk", u.Email)

	_, err = s.UpdateProfile(ctx, actor, ProfileUpdate{})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	blank := "  "
	_, err = s.UpdateProfile(ctx, actor, ProfileUpdate{FullName: &blank})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestDirectoryAndNomination(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	patient := register(t, s, "p@example.nhs.uk", RolePatient)
	pharmacy := register(t, s, "pharmacy@example.nhs.uk", RolePharmacy)
	gp := register(t, s, "gp@example.nhs.uk", RoleGP)
	register(t, s, "second.pharmacy@example.nhs.uk", RolePharmacy)

	pharmacies, err := s.Directory(ctx, RolePharmacy)
	require.NoError(t, err)
	assert.Len(t, pharmacies, 2)
	for _, u := range pharmacies {
		assert.Empty(t, u.PasswordHash)
	}
	gps, err := s.Directory(ctx, RoleGP)
	require.NoError(t, err)
	assert.Len(t, gps, 1)
	_, err = s.Directory(ctx, RolePatient)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	actor, err := s.Get(ctx, patient.UserID)
	require.NoError(t, err)
	u, err := s.NominatePharmacy(ctx, actor, pharmacy.UserID)
	require.NoError(t, err)
	assert.Equal(t, pharmacy.UserID, u.NominatedPharmacyID)

	_, err = s.NominatePharmacy(ctx, actor, gp.UserID)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	_, err = s.NominatePharmacy(ctx, actor, "missing")
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))

	gpUser, err := s.Get(ctx, gp.UserID)
	require.NoError(t, err)
	_, err = s.NominatePharmacy(ctx, gpUser, pharmacy.UserID)
	assert.True(t, apperror.IsKind(err, apperror.KindAuthorization))
}
