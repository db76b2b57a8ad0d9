package authn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/authn"
	"github.com/radek-zitek-cloud/iam-core/internal/credential"
	"github.com/radek-zitek-cloud/iam-core/internal/identity"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/session"
	"github.com/radek-zitek-cloud/iam-core/internal/token"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

type fixture struct {
	engine      *authn.Engine
	identities  *identity.Store
	credentials *credential.Manager
	mock        *clock.Mock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	identities := identity.New(mock, log)
	credentials := credential.New(4, mock, log)
	sessions := session.New(3600, 0, mock, log)
	tokens := token.New(token.SigningConfig{Issuer: "iam-core-test", KeyID: "test-key", AccessTokenTTL: time.Hour}, mock, log)

	engine := authn.New(identities, credentials, sessions, tokens, nil, mock, log)
	return fixture{engine: engine, identities: identities, credentials: credentials, mock: mock}
}

func (f fixture) createUser(t *testing.T, username, password string) models.Identity {
	t.Helper()
	ctx := context.Background()
	ident, err := f.identities.CreateIdentity(ctx, models.Identity{Username: username, Email: username + "@example.com"})
	require.NoError(t, err)
	require.NoError(t, f.credentials.SetPassword(ctx, ident.ID, password, nil))
	return ident
}

func TestAuthenticate_UnknownIdentityIsInvalid(t *testing.T) {
	f := newFixture(t)
	result := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "nobody"})
	assert.Equal(t, models.AuthInvalid, result.Status)
}

func TestAuthenticate_WrongPasswordFails(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "Correct1!")

	result := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "wrong"})
	assert.Equal(t, models.AuthInvalid, result.Status)
	assert.Equal(t, 1, f.engine.GetFailedAttemptCount(result.IdentityID))
}

func TestAuthenticate_SuccessIssuesSessionAndTokens(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "Correct1!")

	result := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	assert.Equal(t, models.AuthSuccess, result.Status)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
}

func TestAuthenticate_LocksAccountAfterMaxFailedAttempts(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")

	policy := f.engine.CreateAuthPolicy(models.AuthPolicy{
		Name:                   "default",
		Enabled:                true,
		MaxFailedAttempts:      2,
		LockoutDurationMinutes: 15,
	})
	require.NotEmpty(t, policy.ID)

	req := models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "wrong"}
	result := f.engine.Authenticate(context.Background(), req)
	assert.Equal(t, models.AuthInvalid, result.Status)

	result = f.engine.Authenticate(context.Background(), req)
	assert.Equal(t, models.AuthLocked, result.Status)
	assert.True(t, f.engine.IsLocked(ident.ID))

	result = f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	assert.Equal(t, models.AuthLocked, result.Status)
}

func TestAuthenticate_SuccessResetsFailedAttempts(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "Correct1!")

	result := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "wrong"})
	require.Equal(t, models.AuthInvalid, result.Status)
	assert.Equal(t, 1, f.engine.GetFailedAttemptCount(result.IdentityID))

	success := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthSuccess, success.Status)
	assert.Equal(t, 0, f.engine.GetFailedAttemptCount(success.IdentityID))
}

func TestAuthenticate_RequiresMFAChallengeWhenEnrolled(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")

	policy := f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})
	require.NotEmpty(t, policy.ID)

	result := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	assert.Equal(t, models.AuthMFARequired, result.Status)
	assert.NotEmpty(t, result.MFAChallengeID)
}

func TestAuthenticate_CompletesWithValidMFACode(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})

	first := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthMFARequired, first.Status)

	second := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{
		UsernameOrEmail: "alice",
		Password:        "Correct1!",
		MFAToken:        first.MFAChallengeID,
		MFACode:         first.MFAChallengeID,
	})
	assert.Equal(t, models.AuthSuccess, second.Status)
}

func TestAuthenticate_MFAWithUnknownChallengeFails(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})
	ch := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!", MFAToken: "unknown", MFACode: "123456"})
	assert.Equal(t, models.AuthInvalid, ch.Status)
}

func TestVerifyMFA_MintsSessionAndTokens(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})

	first := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthMFARequired, first.Status)

	result, err := f.engine.VerifyMFA(context.Background(), ident.ID, first.MFAChallengeID, first.MFAChallengeID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthSuccess, result.Status)
	assert.NotEmpty(t, result.SessionID)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
}

func TestVerifyMFA_RejectsReuseOfConsumedChallenge(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})

	first := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthMFARequired, first.Status)

	_, err := f.engine.VerifyMFA(context.Background(), ident.ID, first.MFAChallengeID, first.MFAChallengeID)
	require.NoError(t, err)

	_, err = f.engine.VerifyMFA(context.Background(), ident.ID, first.MFAChallengeID, first.MFAChallengeID)
	assert.Error(t, err)
}

func TestVerifyMFAByMethod_LocatesChallengeByIdentityAndMethodAndMintsSession(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})

	first := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthMFARequired, first.Status)

	result, err := f.engine.VerifyMFAByMethod(context.Background(), ident.ID, "totp", first.MFAChallengeID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthSuccess, result.Status)
	assert.NotEmpty(t, result.SessionID)
}

func TestVerifyMFAByMethod_UnknownMethodFails(t *testing.T) {
	f := newFixture(t)
	ident := f.createUser(t, "alice", "Correct1!")
	f.engine.EnrollMFA(ident.ID, "totp")
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "mfa-required", Enabled: true, RequireMFA: true})

	first := f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	require.Equal(t, models.AuthMFARequired, first.Status)

	_, verifyErr := f.engine.VerifyMFAByMethod(context.Background(), ident.ID, "webauthn", "123456")
	assert.Error(t, verifyErr)
}

func TestEvaluateAuthPolicy_SelectsHighestPriorityMatch(t *testing.T) {
	f := newFixture(t)
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "low", Enabled: true, Priority: 1, Conditions: models.AuthPolicyConditions{Countries: []string{"US"}}})
	high := f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "high", Enabled: true, Priority: 10, Conditions: models.AuthPolicyConditions{Countries: []string{"US"}}})

	selected, ok := f.engine.EvaluateAuthPolicy(models.AuthenticationRequest{Country: "US"})
	require.True(t, ok)
	assert.Equal(t, high.ID, selected.ID)
}

func TestEvaluateAuthPolicy_DisabledPolicyNeverSelected(t *testing.T) {
	f := newFixture(t)
	f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "disabled", Enabled: false, Conditions: models.AuthPolicyConditions{Countries: []string{"US"}}})

	_, ok := f.engine.EvaluateAuthPolicy(models.AuthenticationRequest{Country: "US"})
	assert.False(t, ok)
}

func TestDeleteAuthPolicy_RemovesIt(t *testing.T) {
	f := newFixture(t)
	p := f.engine.CreateAuthPolicy(models.AuthPolicy{Name: "temp", Enabled: true})
	require.NoError(t, f.engine.DeleteAuthPolicy(p.ID))
	_, err := f.engine.GetAuthPolicy(p.ID)
	assert.Error(t, err)
}

func TestLoginEventsFire(t *testing.T) {
	f := newFixture(t)
	f.createUser(t, "alice", "Correct1!")

	events := make(chan string, 4)
	f.engine.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "wrong"})
	assert.Equal(t, "loginFailed", <-events)

	f.engine.Authenticate(context.Background(), models.AuthenticationRequest{UsernameOrEmail: "alice", Password: "Correct1!"})
	assert.Equal(t, "loginSuccess", <-events)
}
