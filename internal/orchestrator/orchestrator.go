// Package orchestrator wires every IAM core subsystem together: it
// instantiates each one, applies seed configuration, fans every subsystem
// event out to the Monitoring subsystem, structured logs, and IAMEvent
// subscribers, and owns process-lifetime concerns (uptime, idempotent
// Init/Shutdown), adapted from the teacher's application bootstrap.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/radek-zitek-cloud/iam-core/internal/authn"
	"github.com/radek-zitek-cloud/iam-core/internal/authz"
	"github.com/radek-zitek-cloud/iam-core/internal/credential"
	"github.com/radek-zitek-cloud/iam-core/internal/directory"
	"github.com/radek-zitek-cloud/iam-core/internal/federation"
	"github.com/radek-zitek-cloud/iam-core/internal/governance"
	"github.com/radek-zitek-cloud/iam-core/internal/identity"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/monitoring"
	"github.com/radek-zitek-cloud/iam-core/internal/pam"
	"github.com/radek-zitek-cloud/iam-core/internal/risk"
	"github.com/radek-zitek-cloud/iam-core/internal/security"
	"github.com/radek-zitek-cloud/iam-core/internal/session"
	"github.com/radek-zitek-cloud/iam-core/internal/token"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// EventListener receives every fanned-out IAMEvent.
type EventListener func(models.IAMEvent)

// ArchivalSink mirrors audit entries to a durable store, satisfied by
// pkg/database.Client. Optional.
type ArchivalSink interface {
	ArchiveAuditEntry(ctx context.Context, entry interface{}) error
}

// CacheConnection is the optional, closeable cache connection, satisfied by
// pkg/cache.Client. The orchestrator only closes it on Shutdown.
type CacheConnection interface {
	Close() error
}

// Orchestrator owns every subsystem instance and the cross-cutting event
// fan-out that connects them.
type Orchestrator struct {
	mu sync.RWMutex

	Identity    *identity.Store
	Credential  *credential.Manager
	Directory   *directory.Store
	Session     *session.Manager
	Token       *token.Service
	Authz       *authz.Engine
	Risk        *risk.Engine
	Authn       *authn.Engine
	Governance  *governance.Engine
	Federation  *federation.Manager
	PAM         *pam.Manager
	Security    *security.AccessControl
	DataMasker  *security.DataMasker
	AuditLogger *security.AuditLogger
	Monitoring  *monitoring.Monitor

	registry *prometheus.Registry

	clock     clock.Clock
	log       *logger.Logger
	cache     CacheConnection
	sink      ArchivalSink
	startedAt time.Time

	listeners []EventListener
	destroyed bool
	initOnce  bool
}

// New constructs every subsystem wired together but does not yet apply any
// seed configuration — call Init for that.
func New(clk clock.Clock, log *logger.Logger, cache CacheConnection, sink ArchivalSink, decisionCacheTTL time.Duration, sessionDefaultTTLSeconds int64, sessionMaxConcurrent int, bcryptCost int, signing token.SigningConfig) *Orchestrator {
	mon, registry := monitoring.New(clk, log)

	identities := identity.New(clk, log)
	credentials := credential.New(bcryptCost, clk, log)
	dir := directory.New(log)
	sessions := session.New(sessionDefaultTTLSeconds, sessionMaxConcurrent, clk, log)
	tokens := token.New(signing, clk, log)
	authzEngine := authz.New(decisionCacheTTL, clk, log)
	riskEngine := risk.New(clk, log)
	authnEngine := authn.New(identities, credentials, sessions, tokens, riskEngine, clk, log)
	gov := governance.New(clk, log, governance.WithPermissionResolver(authzEngine.GetHoldersOfPermission))
	fed := federation.New(identities, clk, log)
	privAccess := pam.New(clk, log)
	accessControl := security.NewAccessControl(clk)
	masker := security.NewDataMasker()
	audit := security.NewAuditLogger(sink, clk, log)

	o := &Orchestrator{
		Identity:    identities,
		Credential:  credentials,
		Directory:   dir,
		Session:     sessions,
		Token:       tokens,
		Authz:       authzEngine,
		Risk:        riskEngine,
		Authn:       authnEngine,
		Governance:  gov,
		Federation:  fed,
		PAM:         privAccess,
		Security:    accessControl,
		DataMasker:  masker,
		AuditLogger: audit,
		Monitoring:  mon,
		registry:    registry,
		clock:       clk,
		log:         log,
		cache:       cache,
		sink:        sink,
	}
	o.wireEvents()
	return o
}

// wireEvents registers a fan-out callback on every subsystem that emits
// events: each callback increments a named Monitoring counter, logs a
// structured line, and emits an IAMEvent to subscribers.
func (o *Orchestrator) wireEvents() {
	o.Identity.OnEvent(o.relay("identity"))
	o.Credential.OnEvent(o.relay("credential"))
	o.Directory.OnEvent(o.relay("directory"))
	o.Session.OnEvent(o.relay("session"))
	o.Token.OnEvent(o.relay("token"))
	o.Authz.OnEvent(o.relay("authz"))
	o.Risk.OnEvent(o.relay("risk"))
	o.Authn.OnEvent(o.relay("authn"))
	o.Governance.OnEvent(o.relay("governance"))
	o.Federation.OnEvent(o.relay("federation"))
	o.PAM.OnEvent(o.relay("pam"))
	o.Monitoring.OnEvent(o.relay("monitoring"))
}

// relay returns a listener bound to subsystem name that increments the
// Monitoring counter "<subsystem>.<event>", logs the event, and fans an
// IAMEvent out to subscribers. Monitoring's own events are not re-fed back
// into itself (Increment would recurse through alert evaluation otherwise
// produce a log-only line).
func (o *Orchestrator) relay(subsystem string) func(event string, payload map[string]interface{}) {
	return func(event string, payload map[string]interface{}) {
		counterName := subsystem + "." + event
		if subsystem != "monitoring" {
			o.Monitoring.Increment(counterName)
		}
		o.log.Info(fmt.Sprintf("%s: %s", subsystem, event))

		o.mu.RLock()
		listeners := make([]EventListener, len(o.listeners))
		copy(listeners, o.listeners)
		o.mu.RUnlock()

		evt := models.IAMEvent{Subsystem: subsystem, Name: event, Payload: payload, At: o.clock.Now()}
		for _, l := range listeners {
			func() {
				defer o.log.ListenerPanic(event)
				l(evt)
			}()
		}
	}
}

// OnEvent subscribes to every fanned-out IAMEvent across all subsystems.
func (o *Orchestrator) OnEvent(l EventListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// Registry returns the Prometheus registry backing the Monitoring
// subsystem, for mounting on an HTTP handler such as /metrics/prometheus.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// SeedDocument enumerates the collections an operator may pre-load at
// startup or via cmd/seed.
type SeedDocument struct {
	Identities          []models.Identity            `json:"identities,omitempty"`
	Organizations       []models.Organization         `json:"organizations,omitempty"`
	Groups              []models.Group                `json:"groups,omitempty"`
	Roles               []models.Role                 `json:"roles,omitempty"`
	AccessPolicies      []models.AccessPolicy          `json:"access_policies,omitempty"`
	AuthPolicies        []models.AuthPolicy            `json:"auth_policies,omitempty"`
	PasswordPolicies    []models.PasswordPolicy        `json:"password_policies,omitempty"`
	IdentityProviders   []models.IdentityProvider      `json:"identity_providers,omitempty"`
	ServiceProviders    []models.ServiceProvider       `json:"service_providers,omitempty"`
	SSOConfigs          []models.SSOConfig             `json:"sso_configs,omitempty"`
	RiskScoringRules    []models.RiskScoringRule       `json:"risk_scoring_rules,omitempty"`
	SoDPolicies         []models.SoDPolicy             `json:"sod_policies,omitempty"`
	CredentialVaults    []models.CredentialVault       `json:"credential_vaults,omitempty"`
	PrivilegedAccounts  []models.PrivilegedAccount     `json:"privileged_accounts,omitempty"`
	ThreatIndicators    []models.ThreatIntelIndicator  `json:"threat_indicators,omitempty"`
	AlertRules          []models.AlertRule             `json:"alert_rules,omitempty"`
	IAMAccessPolicies   []models.IAMAccessPolicy       `json:"iam_access_policies,omitempty"`
	MaskingRules        []models.MaskingRule           `json:"masking_rules,omitempty"`
}

// Init applies a seed document's collections to their respective
// subsystems. Idempotent: a second call is a no-op once the orchestrator has
// already been initialized, since every subsystem's create operation mints
// a fresh id and re-seeding would duplicate records.
func (o *Orchestrator) Init(ctx context.Context, seed *SeedDocument) error {
	o.mu.Lock()
	if o.initOnce {
		o.mu.Unlock()
		return nil
	}
	o.initOnce = true
	o.startedAt = o.clock.Now()
	o.mu.Unlock()

	if seed == nil {
		return nil
	}

	for _, org := range seed.Organizations {
		if _, err := o.Identity.CreateOrganization(ctx, org); err != nil {
			return fmt.Errorf("seed organizations: %w", err)
		}
	}
	for _, idy := range seed.Identities {
		if _, err := o.Identity.CreateIdentity(ctx, idy); err != nil {
			return fmt.Errorf("seed identities: %w", err)
		}
	}
	for _, g := range seed.Groups {
		if _, err := o.Identity.CreateGroup(ctx, g); err != nil {
			return fmt.Errorf("seed groups: %w", err)
		}
	}
	for _, r := range seed.Roles {
		if _, err := o.Authz.CreateRole(r); err != nil {
			return fmt.Errorf("seed roles: %w", err)
		}
	}
	for _, p := range seed.AccessPolicies {
		if _, err := o.Authz.CreatePolicy(p); err != nil {
			return fmt.Errorf("seed access policies: %w", err)
		}
	}
	for _, p := range seed.AuthPolicies {
		o.Authn.CreateAuthPolicy(p)
	}
	for _, p := range seed.PasswordPolicies {
		if _, err := o.Credential.CreatePasswordPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed password policies: %w", err)
		}
	}
	for _, idp := range seed.IdentityProviders {
		o.Federation.CreateIdentityProvider(idp)
	}
	for _, sp := range seed.ServiceProviders {
		o.Federation.CreateServiceProvider(sp)
	}
	for _, c := range seed.SSOConfigs {
		if _, err := o.Federation.CreateSSOConfig(c); err != nil {
			return fmt.Errorf("seed sso configs: %w", err)
		}
	}
	for _, r := range seed.RiskScoringRules {
		o.Risk.CreateRule(r)
	}
	for _, p := range seed.SoDPolicies {
		o.Governance.CreateSoDPolicy(p)
	}
	for _, v := range seed.CredentialVaults {
		o.PAM.CreateVault(v)
	}
	for _, a := range seed.PrivilegedAccounts {
		if _, err := o.PAM.CreateAccount(a); err != nil {
			return fmt.Errorf("seed privileged accounts: %w", err)
		}
	}
	for _, ind := range seed.ThreatIndicators {
		o.Risk.UpsertThreatIndicator(ind)
	}
	for _, r := range seed.AlertRules {
		o.Monitoring.CreateAlertRule(r)
	}
	for _, p := range seed.IAMAccessPolicies {
		o.Security.CreatePolicy(p)
	}
	for _, r := range seed.MaskingRules {
		o.DataMasker.AddRule(r)
	}

	return nil
}

// GetMetrics returns a snapshot of uptime and every Monitoring counter.
func (o *Orchestrator) GetMetrics() models.MetricsSnapshot {
	o.mu.RLock()
	started := o.startedAt
	o.mu.RUnlock()

	var uptime float64
	if !started.IsZero() {
		uptime = o.clock.Now().Sub(started).Seconds()
	}
	return models.MetricsSnapshot{
		UptimeSeconds: uptime,
		Counters:      o.Monitoring.Counters(),
		SnapshotAt:    o.clock.Now(),
	}
}

// Sweep runs the periodic maintenance pass: expired-token cleanup. Safe to
// call on a ticker; every expiry check elsewhere in the core is also lazy,
// so Sweep is an optimization, not a correctness requirement.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	return o.Token.CleanupExpiredTokens(ctx)
}

// Shutdown flips the destroyed flag and closes the optional cache
// connection. The audit archival sink is not touched. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return nil
	}
	o.destroyed = true
	o.mu.Unlock()

	if o.cache != nil {
		if err := o.cache.Close(); err != nil {
			return fmt.Errorf("shutdown: close cache: %w", err)
		}
	}
	return nil
}

// Destroyed reports whether Shutdown has completed.
func (o *Orchestrator) Destroyed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.destroyed
}
