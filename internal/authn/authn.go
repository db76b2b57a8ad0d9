// Package authn implements the Authentication Engine: credential
// verification, policy selection, MFA challenge/verify, lockout tracking,
// and orchestration of session and token issuance on success, adapted from
// the teacher's service-over-a-map pattern.
package authn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// IdentityResolver resolves an identity by username or email and records
// login attempts, satisfied by internal/identity.Store.
type IdentityResolver interface {
	FindByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (models.Identity, bool)
	RecordLogin(ctx context.Context, entry models.LoginHistoryEntry)
	GetLoginHistory(ctx context.Context, identityID string) []models.LoginHistoryEntry
}

// CredentialVerifier verifies a password against the stored credential,
// satisfied by internal/credential.Manager.
type CredentialVerifier interface {
	VerifyPassword(ctx context.Context, identityID, password string) bool
}

// SessionIssuer opens a session for a successful authentication, satisfied
// by internal/session.Manager.
type SessionIssuer interface {
	CreateSession(ctx context.Context, identityID, deviceID, ipAddress string) (models.Session, error)
}

// TokenIssuer mints the access/refresh/id token set for a successful
// authentication, satisfied by internal/token.Service.
type TokenIssuer interface {
	IssueAccessRefreshPair(ctx context.Context, req models.IssueTokenRequest) (access, refresh models.TokenRecord, err error)
	IssueToken(ctx context.Context, t models.TokenType, req models.IssueTokenRequest) (models.TokenRecord, error)
}

// RiskAssessor scores an authentication attempt, satisfied by
// internal/risk.Engine. Optional: a nil RiskAssessor skips risk evaluation.
type RiskAssessor interface {
	AssessRisk(req models.RiskAssessmentRequest) models.RiskAssessment
}

// Listener receives "loginSuccess", "loginFailed", "accountLocked",
// "mfaChallengeIssued", "mfaVerified".
type Listener func(event string, payload map[string]interface{})

// Engine owns auth policies, MFA enrollments/challenges, and lockout state.
type Engine struct {
	mu sync.RWMutex

	policies    map[string]models.AuthPolicy
	enrollments map[string][]models.MFAEnrollment // keyed by identity id
	challenges  map[string]models.MFAChallenge
	lockouts    map[string]models.LockoutState

	identities  IdentityResolver
	credentials CredentialVerifier
	sessions    SessionIssuer
	tokens      TokenIssuer
	risk        RiskAssessor

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an Authentication Engine. risk may be nil.
func New(identities IdentityResolver, credentials CredentialVerifier, sessions SessionIssuer, tokens TokenIssuer, risk RiskAssessor, clk clock.Clock, log *logger.Logger) *Engine {
	return &Engine{
		policies:    make(map[string]models.AuthPolicy),
		enrollments: make(map[string][]models.MFAEnrollment),
		challenges:  make(map[string]models.MFAChallenge),
		lockouts:    make(map[string]models.LockoutState),
		identities:  identities,
		credentials: credentials,
		sessions:    sessions,
		tokens:      tokens,
		risk:        risk,
		clock:       clk,
		log:         log,
	}
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) fire(event string, payload map[string]interface{}) {
	for _, l := range e.listeners {
		func() {
			defer e.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// --- Policy management ---

// CreateAuthPolicy registers a policy.
func (e *Engine) CreateAuthPolicy(p models.AuthPolicy) models.AuthPolicy {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	p.ID = models.NewID()
	p.Touch(now)
	e.policies[p.ID] = p
	return p.Clone()
}

// GetAuthPolicy returns a copy of a policy.
func (e *Engine) GetAuthPolicy(id string) (models.AuthPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return models.AuthPolicy{}, fmt.Errorf("get auth policy: %w", apierr.New(apierr.NotFound, "auth_policy", id))
	}
	return p.Clone(), nil
}

// ListAuthPolicies returns every registered policy.
func (e *Engine) ListAuthPolicies() []models.AuthPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.AuthPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p.Clone())
	}
	return out
}

// DeleteAuthPolicy removes a policy.
func (e *Engine) DeleteAuthPolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return fmt.Errorf("delete auth policy: %w", apierr.New(apierr.NotFound, "auth_policy", id))
	}
	delete(e.policies, id)
	return nil
}

// EvaluateAuthPolicy selects the highest-priority enabled policy whose
// conditions match req. Returns false if none match.
func (e *Engine) EvaluateAuthPolicy(req models.AuthenticationRequest) (models.AuthPolicy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selectPolicyLocked(req)
}

func (e *Engine) selectPolicyLocked(req models.AuthenticationRequest) (models.AuthPolicy, bool) {
	var best models.AuthPolicy
	found := false
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		if !matchesConditions(p.Conditions, req) {
			continue
		}
		if !found || p.Priority > best.Priority {
			best = p
			found = true
		}
	}
	return best, found
}

func matchesConditions(c models.AuthPolicyConditions, req models.AuthenticationRequest) bool {
	checks := []bool{}
	if len(c.IPRanges) > 0 {
		ok := false
		for _, r := range c.IPRanges {
			if strings.HasPrefix(req.IPAddress, r) {
				ok = true
				break
			}
		}
		checks = append(checks, ok)
	}
	if len(c.Countries) > 0 {
		ok := false
		for _, country := range c.Countries {
			if country == req.Country {
				ok = true
				break
			}
		}
		checks = append(checks, ok)
	}
	if len(c.Devices) > 0 {
		ok := false
		for _, d := range c.Devices {
			if strings.Contains(req.DeviceFingerprint, d) {
				ok = true
				break
			}
		}
		checks = append(checks, ok)
	}
	if len(c.Applications) > 0 {
		ok := false
		for _, a := range c.Applications {
			if a == req.Application {
				ok = true
				break
			}
		}
		checks = append(checks, ok)
	}
	if len(checks) == 0 {
		return true
	}
	if c.Logic == models.LogicOr {
		for _, ok := range checks {
			if ok {
				return true
			}
		}
		return false
	}
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

func allowsMethod(methods []models.AuthMethod, m models.AuthMethod) bool {
	for _, x := range methods {
		if x == m {
			return true
		}
	}
	return false
}

// --- Lockout ---

// IsLocked reports whether an identity is currently locked out.
func (e *Engine) IsLocked(identityID string) bool {
	now := e.clock.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lockouts[identityID].IsLocked(now)
}

// GetFailedAttemptCount returns the current failed-attempt count.
func (e *Engine) GetFailedAttemptCount(identityID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lockouts[identityID].FailedCount
}

// ResetFailedAttempts clears an identity's lockout state.
func (e *Engine) ResetFailedAttempts(identityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lockouts, identityID)
}

func (e *Engine) recordFailureLocked(identityID string, policy models.AuthPolicy, now time.Time) bool {
	st := e.lockouts[identityID]
	st.IdentityID = identityID
	st.FailedCount++
	locked := false
	if policy.MaxFailedAttempts > 0 && st.FailedCount >= policy.MaxFailedAttempts {
		until := now.Add(time.Duration(policy.LockoutDurationMinutes) * time.Minute)
		st.LockedUntil = &until
		locked = true
	}
	e.lockouts[identityID] = st
	return locked
}

// --- MFA ---

// EnrollMFA registers an active MFA enrollment for an identity.
func (e *Engine) EnrollMFA(identityID, method string) models.MFAEnrollment {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	enr := models.MFAEnrollment{IdentityID: identityID, Method: method, EnrolledAt: now, Active: true}
	e.enrollments[identityID] = append(e.enrollments[identityID], enr)
	return enr
}

// UnenrollMFA deactivates an identity's enrollment for method.
func (e *Engine) UnenrollMFA(identityID, method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.enrollments[identityID]
	for i, enr := range list {
		if enr.Method == method && enr.Active {
			list[i].Active = false
			e.enrollments[identityID] = list
			return nil
		}
	}
	return fmt.Errorf("unenroll mfa: %w", apierr.New(apierr.NotFound, "mfa_enrollment", method))
}

// GetMFAEnrollments returns every enrollment recorded for an identity.
func (e *Engine) GetMFAEnrollments(identityID string) []models.MFAEnrollment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.MFAEnrollment, len(e.enrollments[identityID]))
	copy(out, e.enrollments[identityID])
	return out
}

func (e *Engine) activeEnrollmentLocked(identityID string) (models.MFAEnrollment, bool) {
	for _, enr := range e.enrollments[identityID] {
		if enr.Active {
			return enr, true
		}
	}
	return models.MFAEnrollment{}, false
}

func (e *Engine) issueChallengeLocked(identityID, method string, now time.Time) models.MFAChallenge {
	ch := models.MFAChallenge{
		ID:         models.NewID(),
		IdentityID: identityID,
		Method:     method,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
	e.challenges[ch.ID] = ch
	return ch
}

// validateChallengeLocked checks that a located challenge is still usable.
// Callers must hold e.mu.
func (e *Engine) validateChallengeLocked(ch models.MFAChallenge, code string, now time.Time) error {
	if ch.Consumed {
		return fmt.Errorf("verify mfa: %w", apierr.New(apierr.StateConflict, "mfa_challenge", "challenge already consumed"))
	}
	if now.After(ch.ExpiresAt) {
		return fmt.Errorf("verify mfa: %w", apierr.New(apierr.StateConflict, "mfa_challenge", "challenge expired"))
	}
	if !isValidCode(code) && code != ch.ID {
		return fmt.Errorf("verify mfa: %w", apierr.New(apierr.InvalidInput, "mfa_challenge", "invalid code"))
	}
	return nil
}

// consumeChallengeLocked marks ch consumed and stamps lastUsedAt on the
// matching active enrollment. Callers must hold e.mu.
func (e *Engine) consumeChallengeLocked(ch models.MFAChallenge, now time.Time) {
	ch.Consumed = true
	e.challenges[ch.ID] = ch

	if list := e.enrollments[ch.IdentityID]; len(list) > 0 {
		for i, enr := range list {
			if enr.Method == ch.Method && enr.Active {
				t := now
				list[i].LastUsedAt = &t
			}
		}
		e.enrollments[ch.IdentityID] = list
	}
}

// mintSessionAndTokens opens a session and issues the access/refresh/id
// token set for identityID, the same issuance Authenticate performs on a
// successful password/risk flow.
func (e *Engine) mintSessionAndTokens(ctx context.Context, identityID, deviceID, ipAddress string) (models.AuthenticationResult, error) {
	sess, err := e.sessions.CreateSession(ctx, identityID, deviceID, ipAddress)
	if err != nil {
		return models.AuthenticationResult{}, fmt.Errorf("mint session: %w", err)
	}
	access, refresh, err := e.tokens.IssueAccessRefreshPair(ctx, models.IssueTokenRequest{IdentityID: identityID})
	if err != nil {
		return models.AuthenticationResult{}, fmt.Errorf("mint tokens: %w", err)
	}
	idToken, _ := e.tokens.IssueToken(ctx, models.TokenID, models.IssueTokenRequest{IdentityID: identityID})

	return models.AuthenticationResult{
		Status:       models.AuthSuccess,
		IdentityID:   identityID,
		SessionID:    sess.ID,
		AccessToken:  access.Envelope,
		RefreshToken: refresh.Envelope,
		IDToken:      idToken.Envelope,
	}, nil
}

// VerifyMFA validates a pending challenge by its token id: it must match
// identityID, not be consumed, not be past its expiry, and the code must be
// a 6-digit string or equal the challenge id itself (a stub standing in for
// TOTP/WebAuthn). On success it consumes the challenge, updates the
// matching enrollment's lastUsedAt, and mints a new session and token set.
func (e *Engine) VerifyMFA(ctx context.Context, identityID, challengeID, code string) (models.AuthenticationResult, error) {
	now := e.clock.Now()
	e.mu.Lock()

	ch, ok := e.challenges[challengeID]
	if !ok || ch.IdentityID != identityID {
		e.mu.Unlock()
		return models.AuthenticationResult{}, fmt.Errorf("verify mfa: %w", apierr.New(apierr.NotFound, "mfa_challenge", challengeID))
	}
	if err := e.validateChallengeLocked(ch, code, now); err != nil {
		e.mu.Unlock()
		return models.AuthenticationResult{}, err
	}
	e.consumeChallengeLocked(ch, now)
	e.mu.Unlock()

	e.fire("mfaVerified", map[string]interface{}{"identity_id": identityID, "challenge_id": challengeID, "method": ch.Method})

	return e.mintSessionAndTokens(ctx, identityID, "", "")
}

// VerifyMFAByMethod locates the most recently issued, still-pending
// challenge for identityID against the given enrollment method, rather than
// requiring the caller to hold onto the challenge id handed back when the
// challenge was issued. This is the second lookup path: a client that only
// knows "I enrolled totp for this identity" can complete MFA without ever
// having seen a challenge id. On success it behaves identically to
// VerifyMFA: consumes the challenge, updates lastUsedAt, and mints a new
// session and token set.
func (e *Engine) VerifyMFAByMethod(ctx context.Context, identityID, method, code string) (models.AuthenticationResult, error) {
	now := e.clock.Now()
	e.mu.Lock()

	var match models.MFAChallenge
	var found bool
	for _, ch := range e.challenges {
		if ch.IdentityID != identityID || ch.Method != method || ch.Consumed {
			continue
		}
		if !found || ch.ExpiresAt.After(match.ExpiresAt) {
			match = ch
			found = true
		}
	}
	if !found {
		e.mu.Unlock()
		return models.AuthenticationResult{}, fmt.Errorf("verify mfa: %w", apierr.New(apierr.NotFound, "mfa_challenge", method))
	}
	if err := e.validateChallengeLocked(match, code, now); err != nil {
		e.mu.Unlock()
		return models.AuthenticationResult{}, err
	}
	e.consumeChallengeLocked(match, now)
	e.mu.Unlock()

	e.fire("mfaVerified", map[string]interface{}{"identity_id": identityID, "challenge_id": match.ID, "method": method})

	return e.mintSessionAndTokens(ctx, identityID, "", "")
}

func isValidCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// --- Authenticate ---

// Authenticate runs the full authentication flow described in the engine's
// state machine: identity resolution, lockout check, policy selection,
// method/credential verification, MFA gate, risk evaluation, and on success,
// session and token issuance.
func (e *Engine) Authenticate(ctx context.Context, req models.AuthenticationRequest) models.AuthenticationResult {
	identity, found := e.identities.FindByUsernameOrEmail(ctx, req.UsernameOrEmail)
	if !found {
		return models.AuthenticationResult{Status: models.AuthInvalid, FailureReason: "identity not found"}
	}

	now := e.clock.Now()
	e.mu.Lock()
	if e.lockouts[identity.ID].IsLocked(now) {
		e.mu.Unlock()
		return models.AuthenticationResult{Status: models.AuthLocked, IdentityID: identity.ID, FailureReason: "account locked"}
	}

	policy, hasPolicy := e.selectPolicyLocked(req)
	e.mu.Unlock()

	method := req.Method
	if method == "" {
		method = models.MethodPassword
	}
	if hasPolicy && len(policy.AllowedMethods) > 0 && !allowsMethod(policy.AllowedMethods, method) {
		return models.AuthenticationResult{Status: models.AuthInvalid, IdentityID: identity.ID, FailureReason: "method not allowed"}
	}

	if method == models.MethodPassword {
		if !e.credentials.VerifyPassword(ctx, identity.ID, req.Password) {
			return e.fail(ctx, identity.ID, policy, hasPolicy, now, "invalid credentials")
		}
	}

	if hasPolicy && policy.RequireMFA || (hasPolicy && allowsMethod(policy.AllowedMethods, models.MethodMFA)) {
		e.mu.Lock()
		enr, hasEnrollment := e.activeEnrollmentLocked(identity.ID)
		if hasEnrollment {
			if req.MFACode != "" && req.MFAToken != "" {
				e.mu.Unlock()
				result, err := e.VerifyMFA(ctx, identity.ID, req.MFAToken, req.MFACode)
				if err != nil {
					return models.AuthenticationResult{Status: models.AuthInvalid, IdentityID: identity.ID, FailureReason: "mfa verification failed"}
				}

				e.mu.Lock()
				delete(e.lockouts, identity.ID)
				e.mu.Unlock()
				e.identities.RecordLogin(ctx, models.LoginHistoryEntry{
					IdentityID: identity.ID,
					At:         now,
					IPAddress:  req.IPAddress,
					UserAgent:  req.UserAgent,
					Success:    true,
				})
				e.fire("loginSuccess", map[string]interface{}{"identity_id": identity.ID, "session_id": result.SessionID})
				return result
			}
			ch := e.issueChallengeLocked(identity.ID, enr.Method, now)
			e.mu.Unlock()
			e.fire("mfaChallengeIssued", map[string]interface{}{"identity_id": identity.ID, "challenge_id": ch.ID})
			return models.AuthenticationResult{Status: models.AuthMFARequired, IdentityID: identity.ID, MFAChallengeID: ch.ID}
		}
		e.mu.Unlock()
	}

	var assessment *models.RiskAssessment
	if e.risk != nil {
		a := e.risk.AssessRisk(models.RiskAssessmentRequest{
			IdentityID:        identity.ID,
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: req.DeviceFingerprint,
			Location:          req.Location,
			At:                now,
		})
		assessment = &a
		if hasPolicy && policy.RiskThreshold > 0 && a.OverallScore > policy.RiskThreshold {
			return models.AuthenticationResult{Status: models.AuthRiskDenied, IdentityID: identity.ID, RiskAssessment: assessment, FailureReason: "risk threshold exceeded"}
		}
	}

	sess, err := e.sessions.CreateSession(ctx, identity.ID, req.DeviceFingerprint, req.IPAddress)
	if err != nil {
		return models.AuthenticationResult{Status: models.AuthInvalid, IdentityID: identity.ID, FailureReason: "session creation failed"}
	}

	access, refresh, err := e.tokens.IssueAccessRefreshPair(ctx, models.IssueTokenRequest{IdentityID: identity.ID})
	var idToken models.TokenRecord
	if err == nil {
		idToken, _ = e.tokens.IssueToken(ctx, models.TokenID, models.IssueTokenRequest{IdentityID: identity.ID})
	}

	e.mu.Lock()
	delete(e.lockouts, identity.ID)
	e.mu.Unlock()

	e.identities.RecordLogin(ctx, models.LoginHistoryEntry{
		IdentityID: identity.ID,
		At:         now,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		Success:    true,
	})

	e.fire("loginSuccess", map[string]interface{}{"identity_id": identity.ID, "session_id": sess.ID})

	return models.AuthenticationResult{
		Status:         models.AuthSuccess,
		IdentityID:     identity.ID,
		SessionID:      sess.ID,
		AccessToken:    access.Envelope,
		RefreshToken:   refresh.Envelope,
		IDToken:        idToken.Envelope,
		RiskAssessment: assessment,
	}
}

func (e *Engine) fail(ctx context.Context, identityID string, policy models.AuthPolicy, hasPolicy bool, now time.Time, reason string) models.AuthenticationResult {
	e.mu.Lock()
	locked := e.recordFailureLocked(identityID, policy, now)
	e.mu.Unlock()

	e.identities.RecordLogin(ctx, models.LoginHistoryEntry{IdentityID: identityID, At: now, Success: false})
	e.fire("loginFailed", map[string]interface{}{"identity_id": identityID, "reason": reason})

	if locked {
		e.fire("accountLocked", map[string]interface{}{"identity_id": identityID})
		return models.AuthenticationResult{Status: models.AuthLocked, IdentityID: identityID, FailureReason: "account locked"}
	}
	return models.AuthenticationResult{Status: models.AuthInvalid, IdentityID: identityID, FailureReason: reason}
}
