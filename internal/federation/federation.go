// Package federation implements the Federation Manager: IdP/SP registries,
// deterministic SAML/OIDC envelope generation, SCIM simulation, and
// just-in-time identity provisioning, adapted from the teacher's
// service-over-a-map pattern.
package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// defaultOIDCScopes is used when GenerateAuthorizationURL is called without
// an explicit scope list.
var defaultOIDCScopes = []string{"openid", "profile", "email"}

// oidcAccessTokenTTL is the lifetime assigned to the simulated access token
// returned from an authorization code exchange.
const oidcAccessTokenTTL = time.Hour

// Listener receives "provisionedViaFederation".
type Listener func(event string, payload map[string]interface{})

// IdentityUpserter creates or updates identities keyed by an external
// federation identifier, satisfied by internal/identity.Store.
type IdentityUpserter interface {
	FindByFederationKey(key string) (models.Identity, bool)
	CreateFederated(key string, attributes map[string]interface{}) (models.Identity, error)
	MergeAttributes(identityID string, attributes map[string]interface{}) (models.Identity, error)
}

// Manager owns identity-provider and service-provider registries.
type Manager struct {
	mu sync.RWMutex

	idps         map[string]models.IdentityProvider
	sps          map[string]models.ServiceProvider
	ssoConfigs   map[string]models.SSOConfig
	identities   IdentityUpserter

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs a Federation Manager backed by identities.
func New(identities IdentityUpserter, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{
		idps:       make(map[string]models.IdentityProvider),
		sps:        make(map[string]models.ServiceProvider),
		ssoConfigs: make(map[string]models.SSOConfig),
		identities: identities,
		clock:      clk,
		log:        log,
	}
}

// OnEvent registers a listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) fire(event string, payload map[string]interface{}) {
	for _, l := range m.listeners {
		func() {
			defer m.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// CreateIdentityProvider registers an IdP.
func (m *Manager) CreateIdentityProvider(p models.IdentityProvider) models.IdentityProvider {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = models.NewID()
	p.Touch(now)
	m.idps[p.ID] = p.Clone()
	return p.Clone()
}

// GetIdentityProvider returns a copy of an IdP.
func (m *Manager) GetIdentityProvider(id string) (models.IdentityProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.idps[id]
	if !ok {
		return models.IdentityProvider{}, fmt.Errorf("get identity provider: %w", apierr.New(apierr.NotFound, "identity_provider", id))
	}
	return p.Clone(), nil
}

// ListIdentityProviders returns every registered IdP.
func (m *Manager) ListIdentityProviders() []models.IdentityProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IdentityProvider, 0, len(m.idps))
	for _, p := range m.idps {
		out = append(out, p.Clone())
	}
	return out
}

// CreateServiceProvider registers an SP.
func (m *Manager) CreateServiceProvider(sp models.ServiceProvider) models.ServiceProvider {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	sp.ID = models.NewID()
	sp.Touch(now)
	m.sps[sp.ID] = sp
	return sp
}

// ListServiceProviders returns every registered SP.
func (m *Manager) ListServiceProviders() []models.ServiceProvider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServiceProvider, 0, len(m.sps))
	for _, sp := range m.sps {
		out = append(out, sp)
	}
	return out
}

// CreateSSOConfig associates an organization with a default IdP.
func (m *Manager) CreateSSOConfig(c models.SSOConfig) (models.SSOConfig, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idps[c.IdPID]; !ok {
		return models.SSOConfig{}, fmt.Errorf("create sso config: %w", apierr.New(apierr.NotFound, "identity_provider", c.IdPID))
	}
	c.ID = models.NewID()
	c.Touch(now)
	m.ssoConfigs[c.ID] = c
	return c, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateSAMLRequest builds a deterministic, unsigned SAML envelope for the
// given IdP and SP, base64-encoding a JSON placeholder rather than an actual
// signed XML document.
func (m *Manager) GenerateSAMLRequest(idpID, spID string) (models.SAMLRequestResult, error) {
	m.mu.RLock()
	idp, ok := m.idps[idpID]
	if !ok {
		m.mu.RUnlock()
		return models.SAMLRequestResult{}, fmt.Errorf("generate saml request: %w", apierr.New(apierr.NotFound, "identity_provider", idpID))
	}
	sp, ok := m.sps[spID]
	m.mu.RUnlock()
	if !ok {
		return models.SAMLRequestResult{}, fmt.Errorf("generate saml request: %w", apierr.New(apierr.NotFound, "service_provider", spID))
	}

	requestID := "_" + models.NewID()
	envelope := map[string]interface{}{
		"id":          requestID,
		"issuer":      sp.EntityID,
		"destination": idp.SSOURL,
		"acs":         sp.AssertionConsumerServiceURL,
	}
	raw, _ := json.Marshal(envelope)
	return models.SAMLRequestResult{
		RequestID:   requestID,
		SAMLRequest: base64.StdEncoding.EncodeToString(raw),
		RelayState:  randomToken(16),
	}, nil
}

// ProcessSAMLResponse takes the IdP's already-decoded assertion attributes,
// applies the IdP's attribute mapping, and resolves or provisions the
// identity via the JIT path. It decodes no envelope itself.
func (m *Manager) ProcessSAMLResponse(idpID string, rawAttributes map[string]interface{}, sessionIndex string) (models.SAMLResponseResult, error) {
	m.mu.RLock()
	idp, ok := m.idps[idpID]
	m.mu.RUnlock()
	if !ok {
		return models.SAMLResponseResult{}, fmt.Errorf("process saml response: %w", apierr.New(apierr.NotFound, "identity_provider", idpID))
	}

	mapped := applyAttributeMapping(idp.AttributeMapping, rawAttributes)
	identity, err := m.jitProvision(idpID, idp, mapped)
	if err != nil {
		return models.SAMLResponseResult{}, err
	}
	return models.SAMLResponseResult{
		IdentityID:   identity.ID,
		Attributes:   mapped,
		SessionIndex: sessionIndex,
	}, nil
}

func applyAttributeMapping(mapping map[string]string, raw map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		return raw
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if mapped, ok := mapping[k]; ok {
			out[mapped] = v
		} else {
			out[k] = v
		}
	}
	return out
}

// GenerateAuthorizationURL builds an OIDC authorization-code-flow URL,
// including a CodeVerifier and derived S256 code_challenge when the IdP
// requires PKCE. scopes defaults to {"openid", "profile", "email"} when
// omitted. Every query value is percent-encoded per RFC 3986.
func (m *Manager) GenerateAuthorizationURL(idpID, redirectURI string, scopes ...string) (models.OIDCAuthorizationURLResult, error) {
	m.mu.RLock()
	idp, ok := m.idps[idpID]
	m.mu.RUnlock()
	if !ok {
		return models.OIDCAuthorizationURLResult{}, fmt.Errorf("generate authorization url: %w", apierr.New(apierr.NotFound, "identity_provider", idpID))
	}
	if len(scopes) == 0 {
		scopes = defaultOIDCScopes
	}

	state := randomToken(16)
	nonce := randomToken(16)
	result := models.OIDCAuthorizationURLResult{
		State: state,
		Nonce: nonce,
	}

	q := url.Values{}
	q.Set("client_id", idp.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	if idp.RequiresPKCE {
		result.CodeVerifier = randomToken(32)
		q.Set("code_challenge", deriveS256CodeChallenge(result.CodeVerifier))
		q.Set("code_challenge_method", "S256")
	}
	result.URL = idp.AuthorizationEndpoint + "?" + q.Encode()
	return result, nil
}

// deriveS256CodeChallenge computes the PKCE S256 code_challenge for a given
// code_verifier: base64url(sha256(verifier)), unpadded, per RFC 7636 §4.2.
func deriveS256CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ExchangeAuthorizationCode simulates redeeming an OIDC authorization code
// for tokens and claims, rejecting when PKCE is required but no verifier was
// supplied. The returned oauth2.Token carries the simulated access/refresh
// token pair; it is never validated or introspected downstream.
func (m *Manager) ExchangeAuthorizationCode(idpID, code, codeVerifier string, rawClaims map[string]interface{}) (oauth2.Token, models.SAMLResponseResult, error) {
	m.mu.RLock()
	idp, ok := m.idps[idpID]
	m.mu.RUnlock()
	if !ok {
		return oauth2.Token{}, models.SAMLResponseResult{}, fmt.Errorf("exchange authorization code: %w", apierr.New(apierr.NotFound, "identity_provider", idpID))
	}
	if idp.RequiresPKCE && codeVerifier == "" {
		return oauth2.Token{}, models.SAMLResponseResult{}, fmt.Errorf("exchange authorization code: %w", apierr.Violates("oidc_exchange", "pkce", "code verifier required but not supplied"))
	}

	mapped := applyAttributeMapping(idp.AttributeMapping, rawClaims)
	identity, err := m.jitProvision(idpID, idp, mapped)
	if err != nil {
		return oauth2.Token{}, models.SAMLResponseResult{}, err
	}
	token := oauth2.Token{
		AccessToken:  randomToken(32),
		RefreshToken: randomToken(32),
		TokenType:    "Bearer",
		Expiry:       m.clock.Now().Add(oidcAccessTokenTTL),
	}
	token = *token.WithExtra(map[string]interface{}{"id_token": randomToken(32)})
	return token, models.SAMLResponseResult{
		IdentityID:   identity.ID,
		Attributes:   mapped,
		SessionIndex: randomToken(16),
	}, nil
}

// externalIDFrom extracts the federation-unique external id from claims in
// priority order: sub, nameId, email, username.
func externalIDFrom(attributes map[string]interface{}) (string, bool) {
	for _, key := range []string{"sub", "nameId", "email", "username"} {
		if v, ok := attributes[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// jitProvision resolves or creates an identity keyed by idpId:externalId,
// merging attributes for known identities and applying the IdP's
// provisioning defaults for new ones. Fires provisionedViaFederation on
// every successful resolution, known or new.
func (m *Manager) jitProvision(idpID string, idp models.IdentityProvider, attributes map[string]interface{}) (models.Identity, error) {
	externalID, ok := externalIDFrom(attributes)
	if !ok {
		return models.Identity{}, fmt.Errorf("jit provision: %w", apierr.New(apierr.InvalidInput, "federation_attributes", "no external identifier present"))
	}
	key := idpID + ":" + externalID

	if existing, found := m.identities.FindByFederationKey(key); found {
		merged, err := m.identities.MergeAttributes(existing.ID, attributes)
		if err != nil {
			return models.Identity{}, fmt.Errorf("jit provision: %w", err)
		}
		m.fire("provisionedViaFederation", map[string]interface{}{"identity_id": merged.ID, "idp_id": idpID, "new": false})
		return merged, nil
	}

	merged := make(map[string]interface{}, len(idp.JITProvisioningDefaults)+len(attributes))
	for k, v := range idp.JITProvisioningDefaults {
		merged[k] = v
	}
	for k, v := range attributes {
		merged[k] = v
	}
	created, err := m.identities.CreateFederated(key, merged)
	if err != nil {
		return models.Identity{}, fmt.Errorf("jit provision: %w", err)
	}
	m.fire("provisionedViaFederation", map[string]interface{}{"identity_id": created.ID, "idp_id": idpID, "new": true})
	return created, nil
}

// SimulateSCIMProvision performs the same identity create-or-update the JIT
// login path performs, keyed by idpId:externalId, without requiring a live
// login — used for pre-provisioning ahead of first login.
func (m *Manager) SimulateSCIMProvision(idpID string, resource models.SCIMResource) (models.Identity, error) {
	m.mu.RLock()
	idp, ok := m.idps[idpID]
	m.mu.RUnlock()
	if !ok {
		return models.Identity{}, fmt.Errorf("simulate scim provision: %w", apierr.New(apierr.NotFound, "identity_provider", idpID))
	}

	attributes := map[string]interface{}{
		"username":   resource.UserName,
		"externalId": resource.ExternalID,
		"active":     resource.Active,
		"groups":     resource.Groups,
	}
	if len(resource.Emails) > 0 {
		attributes["email"] = resource.Emails[0]
	}
	return m.jitProvision(idpID, idp, attributes)
}
