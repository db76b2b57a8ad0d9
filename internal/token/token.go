// Package token implements the Token Service: issuance, validation,
// revocation, refresh rotation, and RFC 8693 exchange for every token type
// the core recognizes. The three-segment envelope shape is adapted from the
// teacher's JWT usage but the signature segment is intentionally left
// unchecked per the module's non-goals.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Default TTLs per §4.3. AccessTokenTTL comes from signing config instead.
const (
	DefaultRefreshTTL = 30 * 24 * time.Hour
	DefaultIDTTL      = 1 * time.Hour
	DefaultAuthCodeTTL = 10 * time.Minute
	DefaultAPIKeyTTL  = 365 * 24 * time.Hour
	DefaultPATTTL     = 90 * 24 * time.Hour
)

// SigningConfig carries the token envelope's issuer and access-token TTL.
type SigningConfig struct {
	Issuer        string
	KeyID         string
	AccessTokenTTL time.Duration
}

// Listener receives "tokenIssued", "tokenRevoked", "tokenRefreshed",
// "tokenExchanged" events.
type Listener func(event string, payload map[string]interface{})

// Service owns the token record map.
type Service struct {
	mu sync.RWMutex

	tokens map[string]models.TokenRecord

	cfg       SigningConfig
	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs a Token Service.
func New(cfg SigningConfig, clk clock.Clock, log *logger.Logger) *Service {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = 1 * time.Hour
	}
	return &Service{
		tokens: make(map[string]models.TokenRecord),
		cfg:    cfg,
		clock:  clk,
		log:    log,
	}
}

// OnEvent registers a listener.
func (s *Service) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) fire(event string, payload map[string]interface{}) {
	for _, l := range s.listeners {
		func() {
			defer s.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

func ttlFor(t models.TokenType, cfg SigningConfig) time.Duration {
	switch t {
	case models.TokenAccess:
		return cfg.AccessTokenTTL
	case models.TokenRefresh:
		return DefaultRefreshTTL
	case models.TokenID:
		return DefaultIDTTL
	case models.TokenAuthorizationCode:
		return DefaultAuthCodeTTL
	case models.TokenAPIKey:
		return DefaultAPIKeyTTL
	case models.TokenPersonalAccessToken:
		return DefaultPATTTL
	default:
		return cfg.AccessTokenTTL
	}
}

// buildEnvelope produces the three-segment base64url(JSON) envelope; the
// signature segment is an unchecked placeholder per the module's non-goals.
func (s *Service) buildEnvelope(rec models.TokenRecord) string {
	header := map[string]interface{}{"alg": "none", "typ": "JWT", "kid": s.cfg.KeyID}

	claims := jwt.MapClaims{
		"jti":   rec.ID,
		"iss":   rec.Issuer,
		"sub":   rec.IdentityID,
		"aud":   rec.Audience,
		"iat":   jwt.NewNumericDate(rec.IssuedAt).Unix(),
		"exp":   jwt.NewNumericDate(rec.ExpiresAt).Unix(),
		"scope": rec.Scope,
	}
	if rec.ClientID != "" {
		claims["azp"] = rec.ClientID
	}
	for k, v := range rec.Claims {
		claims[k] = v
	}

	headerSeg, _ := json.Marshal(header)
	payloadSeg, _ := json.Marshal(claims)
	sigSeg := []byte(`{"alg":"none"}`)

	enc := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	return enc(headerSeg) + "." + enc(payloadSeg) + "." + enc(sigSeg)
}

func fingerprint(envelope string) string {
	h := fnv.New64a()
	h.Write([]byte(envelope))
	return fmt.Sprintf("%x", h.Sum64())
}

// IssueToken issues a token of the given type for req, returning the record.
func (s *Service) IssueToken(ctx context.Context, t models.TokenType, req models.IssueTokenRequest) (models.TokenRecord, error) {
	if req.IdentityID == "" {
		return models.TokenRecord{}, fmt.Errorf("issue token: %w", apierr.New(apierr.InvalidInput, "token", "identity id is required"))
	}
	now := s.clock.Now()
	rec := models.TokenRecord{
		ID:         models.NewID(),
		Type:       t,
		Status:     models.TokenStatusActive,
		IdentityID: req.IdentityID,
		ClientID:   req.ClientID,
		Scope:      req.Scope,
		Audience:   req.Audience,
		Issuer:     s.cfg.Issuer,
		Claims:     req.Claims,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttlFor(t, s.cfg)),
	}
	rec.Envelope = s.buildEnvelope(rec)
	rec.Fingerprint = fingerprint(rec.Envelope)

	s.mu.Lock()
	s.tokens[rec.ID] = rec.Clone()
	s.mu.Unlock()

	s.fire("tokenIssued", map[string]interface{}{"token_id": rec.ID, "type": string(t), "identity_id": rec.IdentityID})
	return rec.Clone(), nil
}

// IssueAccessRefreshPair issues an access token and a parented refresh
// token, the pair minted by Authenticate. RefreshAccessToken does not use it;
// it mints only a new access token.
func (s *Service) IssueAccessRefreshPair(ctx context.Context, req models.IssueTokenRequest) (access, refresh models.TokenRecord, err error) {
	access, err = s.IssueToken(ctx, models.TokenAccess, req)
	if err != nil {
		return
	}
	refreshReq := req
	refresh, err = s.IssueToken(ctx, models.TokenRefresh, refreshReq)
	if err != nil {
		return
	}
	s.mu.Lock()
	refresh.ParentTokenID = access.ID
	s.tokens[refresh.ID] = refresh.Clone()
	s.mu.Unlock()
	return access, refresh, nil
}

func (s *Service) lookupLocked(id string) (models.TokenRecord, bool) {
	rec, ok := s.tokens[id]
	return rec, ok
}

// ValidateToken checks a token by id, returning the structured validation
// result. Order: not-found, expired, revoked, consumed, notBefore.
func (s *Service) ValidateToken(ctx context.Context, id string) models.TokenValidationResult {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lookupLocked(id)
	if !ok {
		return models.TokenValidationResult{Valid: false, Error: "not_found"}
	}
	if rec.IsExpired(now) {
		if rec.Status == models.TokenStatusActive {
			rec.Status = models.TokenStatusExpired
			s.tokens[id] = rec
		}
		return models.TokenValidationResult{Valid: false, Expired: true}
	}
	if rec.Status == models.TokenStatusRevoked {
		return models.TokenValidationResult{Valid: false, Revoked: true}
	}
	if rec.Status == models.TokenStatusConsumed {
		return models.TokenValidationResult{Valid: false, Error: "consumed"}
	}
	if rec.NotBefore != nil && now.Before(*rec.NotBefore) {
		return models.TokenValidationResult{Valid: false, Error: "not_yet_valid"}
	}
	return models.TokenValidationResult{
		Valid:      true,
		Claims:     cloneClaims(rec.Claims),
		IdentityID: rec.IdentityID,
		Scope:      append([]string(nil), rec.Scope...),
	}
}

// ValidateTokenByFingerprint validates a token located by its envelope
// fingerprint rather than its id.
func (s *Service) ValidateTokenByFingerprint(ctx context.Context, fp string) models.TokenValidationResult {
	s.mu.RLock()
	var id string
	found := false
	for k, v := range s.tokens {
		if v.Fingerprint == fp {
			id = k
			found = true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return models.TokenValidationResult{Valid: false, Error: "not_found"}
	}
	return s.ValidateToken(ctx, id)
}

// IntrospectToken returns the full record (not the validation tuple) for
// administrative inspection.
func (s *Service) IntrospectToken(ctx context.Context, id string) (models.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[id]
	if !ok {
		return models.TokenRecord{}, fmt.Errorf("introspect token: %w", apierr.New(apierr.NotFound, "token", id))
	}
	return rec.Clone(), nil
}

// RevokeToken marks a token revoked. Revocation is terminal.
func (s *Service) RevokeToken(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("revoke token: %w", apierr.New(apierr.NotFound, "token", id))
	}
	rec.Status = models.TokenStatusRevoked
	s.tokens[id] = rec
	s.mu.Unlock()

	s.fire("tokenRevoked", map[string]interface{}{"token_id": id})
	return nil
}

// RevokeAllTokens revokes every active token belonging to identityID.
func (s *Service) RevokeAllTokens(ctx context.Context, identityID string) int {
	s.mu.Lock()
	count := 0
	for id, rec := range s.tokens {
		if rec.IdentityID == identityID && rec.Status == models.TokenStatusActive {
			rec.Status = models.TokenStatusRevoked
			s.tokens[id] = rec
			count++
		}
	}
	s.mu.Unlock()
	if count > 0 {
		s.fire("tokenRevoked", map[string]interface{}{"identity_id": identityID, "count": count})
	}
	return count
}

// RevokeByClient revokes every active token issued to clientID.
func (s *Service) RevokeByClient(ctx context.Context, clientID string) int {
	s.mu.Lock()
	count := 0
	for id, rec := range s.tokens {
		if rec.ClientID == clientID && rec.Status == models.TokenStatusActive {
			rec.Status = models.TokenStatusRevoked
			s.tokens[id] = rec
			count++
		}
	}
	s.mu.Unlock()
	if count > 0 {
		s.fire("tokenRevoked", map[string]interface{}{"client_id": clientID, "count": count})
	}
	return count
}

// ConsumeToken marks a single-use token (authorization code, etc.) consumed.
func (s *Service) ConsumeToken(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.tokens[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("consume token: %w", apierr.New(apierr.NotFound, "token", id))
	}
	if rec.Status != models.TokenStatusActive {
		s.mu.Unlock()
		return fmt.Errorf("consume token: %w", apierr.New(apierr.StateConflict, "token", "token is not active"))
	}
	rec.Status = models.TokenStatusConsumed
	s.tokens[id] = rec
	s.mu.Unlock()
	return nil
}

// RefreshAccessToken rotates a refresh token: the old access token it
// parents is revoked, a new access token is minted, and the refresh token's
// parent pointer is updated to the new access token. Replaying a consumed
// refresh token is rejected.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshTokenID string) (models.TokenRecord, error) {
	s.mu.Lock()
	rt, ok := s.tokens[refreshTokenID]
	if !ok {
		s.mu.Unlock()
		return models.TokenRecord{}, fmt.Errorf("refresh access token: %w", apierr.New(apierr.NotFound, "token", refreshTokenID))
	}
	now := s.clock.Now()
	if rt.Type != models.TokenRefresh || rt.Status != models.TokenStatusActive || rt.IsExpired(now) {
		s.mu.Unlock()
		return models.TokenRecord{}, fmt.Errorf("refresh access token: %w", apierr.New(apierr.StateConflict, "token", "refresh token is not active"))
	}

	if rt.ParentTokenID != "" {
		if old, ok := s.tokens[rt.ParentTokenID]; ok && old.Status == models.TokenStatusActive {
			old.Status = models.TokenStatusRevoked
			s.tokens[rt.ParentTokenID] = old
		}
	}

	access := models.TokenRecord{
		ID:         models.NewID(),
		Type:       models.TokenAccess,
		Status:     models.TokenStatusActive,
		IdentityID: rt.IdentityID,
		ClientID:   rt.ClientID,
		Scope:      append([]string(nil), rt.Scope...),
		Audience:   rt.Audience,
		Issuer:     s.cfg.Issuer,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.AccessTokenTTL),
	}
	access.Envelope = s.buildEnvelope(access)
	access.Fingerprint = fingerprint(access.Envelope)
	s.tokens[access.ID] = access.Clone()

	rt.ParentTokenID = access.ID
	s.tokens[refreshTokenID] = rt.Clone()
	s.mu.Unlock()

	s.fire("tokenRefreshed", map[string]interface{}{"refresh_token_id": refreshTokenID, "new_access_token_id": access.ID})
	return access.Clone(), nil
}

// tokenTypeURIs maps RFC 8693 token-type URIs to the core's TokenType.
var tokenTypeURIs = map[string]models.TokenType{
	"urn:ietf:params:oauth:token-type:access_token":  models.TokenAccess,
	"urn:ietf:params:oauth:token-type:refresh_token": models.TokenRefresh,
	"urn:ietf:params:oauth:token-type:id_token":       models.TokenID,
	"urn:ietf:params:oauth:token-type:saml2":          models.TokenSAMLAssertion,
}

// ResolveTokenTypeURI maps an RFC 8693 URI to a TokenType, defaulting to
// access for anything unrecognized.
func ResolveTokenTypeURI(uri string) models.TokenType {
	if t, ok := tokenTypeURIs[uri]; ok {
		return t
	}
	return models.TokenAccess
}

// ExchangeToken implements RFC 8693 token exchange: validates the subject
// token (and optional actor token), and issues a new token of the requested
// type, recording act/exchanged_from/resource/subject_token_type in claims.
// Access-token issuances additionally mint a refresh token.
func (s *Service) ExchangeToken(ctx context.Context, req models.ExchangeTokenRequest) (models.TokenRecord, *models.TokenRecord, error) {
	s.mu.RLock()
	var subject models.TokenRecord
	found := false
	for _, v := range s.tokens {
		if v.Envelope == req.SubjectToken || v.ID == req.SubjectToken {
			subject = v
			found = true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return models.TokenRecord{}, nil, fmt.Errorf("exchange token: %w", apierr.New(apierr.NotFound, "token", "subject token not found"))
	}
	now := s.clock.Now()
	if subject.Status != models.TokenStatusActive || subject.IsExpired(now) {
		return models.TokenRecord{}, nil, fmt.Errorf("exchange token: %w", apierr.New(apierr.StateConflict, "token", "subject token is not active"))
	}
	if req.ActorToken != "" {
		actorActive := false
		s.mu.RLock()
		for _, v := range s.tokens {
			if v.Envelope == req.ActorToken || v.ID == req.ActorToken {
				actorActive = v.Status == models.TokenStatusActive && !v.IsExpired(now)
				break
			}
		}
		s.mu.RUnlock()
		if !actorActive {
			return models.TokenRecord{}, nil, fmt.Errorf("exchange token: %w", apierr.New(apierr.StateConflict, "token", "actor token is not active"))
		}
	}

	requestedType := models.TokenAccess
	if req.RequestedTokenType != "" {
		requestedType = ResolveTokenTypeURI(req.RequestedTokenType)
	}

	claims := map[string]interface{}{
		"exchanged_from":     subject.ID,
		"subject_token_type": req.SubjectTokenType,
	}
	if req.ActorToken != "" {
		claims["act"] = map[string]interface{}{"sub": req.ActorToken}
	}
	if req.Resource != "" {
		claims["resource"] = req.Resource
	}

	issued, err := s.IssueToken(ctx, requestedType, models.IssueTokenRequest{
		IdentityID: subject.IdentityID,
		ClientID:   subject.ClientID,
		Scope:      req.Scope,
		Audience:   req.Audience,
		Claims:     claims,
	})
	if err != nil {
		return models.TokenRecord{}, nil, err
	}

	var refresh *models.TokenRecord
	if requestedType == models.TokenAccess {
		rt, err := s.IssueToken(ctx, models.TokenRefresh, models.IssueTokenRequest{IdentityID: subject.IdentityID, ClientID: subject.ClientID, Scope: req.Scope})
		if err == nil {
			s.mu.Lock()
			rt.ParentTokenID = issued.ID
			s.tokens[rt.ID] = rt.Clone()
			s.mu.Unlock()
			refresh = &rt
		}
	}

	s.fire("tokenExchanged", map[string]interface{}{"subject_token_id": subject.ID, "issued_token_id": issued.ID})
	return issued, refresh, nil
}

// CleanupExpiredTokens marks every token whose expiry has passed as expired,
// returning the count transitioned. Intended for an optional periodic sweep.
func (s *Service) CleanupExpiredTokens(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, rec := range s.tokens {
		if rec.Status == models.TokenStatusActive && rec.IsExpired(now) {
			rec.Status = models.TokenStatusExpired
			s.tokens[id] = rec
			count++
		}
	}
	return count
}

// ListByIdentity returns every token record for an identity.
func (s *Service) ListByIdentity(ctx context.Context, identityID string) []models.TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TokenRecord
	for _, rec := range s.tokens {
		if rec.IdentityID == identityID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// ListByClient returns every token record issued to a client.
func (s *Service) ListByClient(ctx context.Context, clientID string) []models.TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TokenRecord
	for _, rec := range s.tokens {
		if rec.ClientID == clientID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func cloneClaims(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
