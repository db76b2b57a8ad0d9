package federation_test

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/federation"
	"github.com/radek-zitek-cloud/iam-core/internal/identity"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newManager(t *testing.T) (*federation.Manager, *clock.Mock) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	identities := identity.New(mock, log)
	return federation.New(identities, mock, log), mock
}

func TestGenerateSAMLRequest(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "okta", Protocol: "saml", SSOURL: "https://idp.example.com/sso"})
	sp := m.CreateServiceProvider(models.ServiceProvider{Name: "app", EntityID: "urn:app", AssertionConsumerServiceURL: "https://app.example.com/acs"})

	result, err := m.GenerateSAMLRequest(idp.ID, sp.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestID)
	assert.NotEmpty(t, result.SAMLRequest)
	assert.NotEmpty(t, result.RelayState)
}

func TestGenerateSAMLRequest_UnknownIdPOrSP(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.GenerateSAMLRequest("no-idp", "no-sp")
	assert.Error(t, err)
}

func TestProcessSAMLResponse_NewIdentityIsJITProvisioned(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{
		Name:     "okta",
		Protocol: "saml",
		JITProvisioningDefaults: map[string]interface{}{"department": "unknown"},
	})

	result, err := m.ProcessSAMLResponse(idp.ID, map[string]interface{}{"sub": "ext-1", "email": "a@example.com"}, "session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.IdentityID)
	assert.Equal(t, "session-1", result.SessionIndex)
}

func TestProcessSAMLResponse_KnownIdentityMergesAttributes(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "okta", Protocol: "saml"})

	first, err := m.ProcessSAMLResponse(idp.ID, map[string]interface{}{"sub": "ext-1", "email": "a@example.com"}, "s1")
	require.NoError(t, err)

	second, err := m.ProcessSAMLResponse(idp.ID, map[string]interface{}{"sub": "ext-1", "department": "eng"}, "s2")
	require.NoError(t, err)
	assert.Equal(t, first.IdentityID, second.IdentityID)
}

func TestProcessSAMLResponse_NoExternalIdentifier(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "okta", Protocol: "saml"})
	_, err := m.ProcessSAMLResponse(idp.ID, map[string]interface{}{"unrelated": "value"}, "s1")
	assert.Error(t, err)
}

func TestGenerateAuthorizationURL_IncludesPKCEWhenRequired(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{
		Name: "google", Protocol: "oidc",
		AuthorizationEndpoint: "https://accounts.example.com/auth",
		ClientID:              "client-1",
		RequiresPKCE:          true,
	})

	result, err := m.GenerateAuthorizationURL(idp.ID, "https://app.example.com/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, result.State)
	assert.NotEmpty(t, result.Nonce)
	assert.NotEmpty(t, result.CodeVerifier)
	assert.Contains(t, result.URL, "code_challenge_method=S256")

	parsed, err := url.Parse(result.URL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, result.State, q.Get("state"))
	assert.Equal(t, result.Nonce, q.Get("nonce"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	sum := sha256.Sum256([]byte(result.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestGenerateAuthorizationURL_PercentEncodesValuesWithSpecialCharacters(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{
		Name: "google", Protocol: "oidc",
		AuthorizationEndpoint: "https://accounts.example.com/auth",
		ClientID:              "client with spaces&stuff",
	})

	result, err := m.GenerateAuthorizationURL(idp.ID, "https://app.example.com/callback?redirect=1", "openid", "custom:scope")
	require.NoError(t, err)

	parsed, err := url.Parse(result.URL)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "client with spaces&stuff", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/callback?redirect=1", q.Get("redirect_uri"))
	assert.Equal(t, "openid custom:scope", q.Get("scope"))
}

func TestExchangeAuthorizationCode_RejectsMissingVerifierWhenPKCERequired(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "google", Protocol: "oidc", RequiresPKCE: true})
	_, _, err := m.ExchangeAuthorizationCode(idp.ID, "code", "", map[string]interface{}{"sub": "ext-1"})
	assert.Error(t, err)
}

func TestExchangeAuthorizationCode_IssuesTokenAndProvisionsIdentity(t *testing.T) {
	m, mock := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "google", Protocol: "oidc"})

	token, result, err := m.ExchangeAuthorizationCode(idp.ID, "code", "", map[string]interface{}{"sub": "ext-2", "email": "b@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.NotEmpty(t, token.RefreshToken)
	assert.Equal(t, mock.Now().Add(time.Hour), token.Expiry)
	assert.NotEmpty(t, result.IdentityID)
}

func TestSimulateSCIMProvision_CreatesThenUpdates(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "workday", Protocol: "scim"})

	resource := models.SCIMResource{UserName: "carol", ExternalID: "scim-1", Emails: []string{"carol@example.com"}, Active: true}
	created, err := m.SimulateSCIMProvision(idp.ID, resource)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	resource.Active = false
	resource.Groups = []string{"engineering"}
	updated, err := m.SimulateSCIMProvision(idp.ID, resource)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
}

func TestProvisionedViaFederationEventFires(t *testing.T) {
	m, _ := newManager(t)
	idp := m.CreateIdentityProvider(models.IdentityProvider{Name: "okta", Protocol: "saml"})

	events := make(chan string, 2)
	m.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	_, err := m.ProcessSAMLResponse(idp.ID, map[string]interface{}{"sub": "ext-3"}, "s1")
	require.NoError(t, err)
	assert.Equal(t, "provisionedViaFederation", <-events)
}
