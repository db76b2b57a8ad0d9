// Package security implements the Security subsystem's three cross-cutting
// collaborators: IAMAccessControl (regex-matched policy evaluation),
// IAMDataMasker (field-masking strategies), and IAMAuditLogger (a bounded,
// filterable append-only log with an optional archival mirror), adapted
// from the teacher's service-over-a-map pattern.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sync"

	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// --- IAMAccessControl ---

// AccessControl evaluates IAMAccessPolicy records with deny-overrides
// combining and full-regex resource matching — a deliberately different
// scheme from the Authorization Engine's prefix/glob permission patterns.
type AccessControl struct {
	mu       sync.RWMutex
	policies map[string]models.IAMAccessPolicy
	clock    clock.Clock
}

// NewAccessControl constructs an empty access-control store.
func NewAccessControl(clk clock.Clock) *AccessControl {
	return &AccessControl{policies: make(map[string]models.IAMAccessPolicy), clock: clk}
}

// CreatePolicy registers an IAMAccessPolicy.
func (a *AccessControl) CreatePolicy(p models.IAMAccessPolicy) models.IAMAccessPolicy {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	p.ID = models.NewID()
	p.Touch(now)
	a.policies[p.ID] = p.Clone()
	return p.Clone()
}

// ListPolicies returns every registered policy.
func (a *AccessControl) ListPolicies() []models.IAMAccessPolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.IAMAccessPolicy, 0, len(a.policies))
	for _, p := range a.policies {
		out = append(out, p.Clone())
	}
	return out
}

func matchesList(list []string, value string) bool {
	for _, v := range list {
		if v == "*" || v == value {
			return true
		}
	}
	return false
}

func matchesRegexResources(resources []string, resource string) bool {
	for _, pattern := range resources {
		if ok, err := regexp.MatchString(pattern, resource); err == nil && ok {
			return true
		}
	}
	return false
}

// Evaluate returns whether subject may perform action on resource: a policy
// matches when subject is listed (or "*"), action is listed (or "*"), and
// at least one resource regex matches; deny overrides allow; the default
// decision, absent any match, is deny.
func (a *AccessControl) Evaluate(subject, action, resource string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	decided := false
	allowed := false
	for _, p := range a.policies {
		if !p.Enabled {
			continue
		}
		if !matchesList(p.Subjects, subject) || !matchesList(p.Actions, action) {
			continue
		}
		if !matchesRegexResources(p.Resources, resource) {
			continue
		}
		decided = true
		if p.Effect == models.EffectDeny {
			return false
		}
		allowed = true
	}
	return decided && allowed
}

// --- IAMDataMasker ---

// DataMasker masks field values using the first registered rule (in
// registration order) whose field-name regex matches a given key.
type DataMasker struct {
	mu    sync.RWMutex
	rules []models.MaskingRule
}

// NewDataMasker constructs an empty data masker.
func NewDataMasker() *DataMasker {
	return &DataMasker{}
}

// AddRule registers a masking rule, appended after any existing rules.
func (d *DataMasker) AddRule(r models.MaskingRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
}

// Mask applies the first matching rule's strategy to value, or returns
// value unchanged if no rule's field pattern matches key.
func (d *DataMasker) Mask(key, value string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.rules {
		if ok, err := regexp.MatchString(r.FieldPattern, key); err == nil && ok {
			return applyStrategy(r.Strategy, value)
		}
	}
	return value
}

func applyStrategy(strategy models.MaskingStrategy, value string) string {
	switch strategy {
	case models.MaskFull:
		return "****"
	case models.MaskPartial:
		if len(value) <= 4 {
			return "****"
		}
		mid := len(value) - 4
		return value[:2] + repeatStar(mid) + value[len(value)-2:]
	case models.MaskHash:
		return hexHash(value)
	case models.MaskRedact:
		return "[REDACTED]"
	case models.MaskTokenize:
		h := hexHash(value)
		if len(h) > 8 {
			h = h[:8]
		}
		return "TOK-" + h
	case models.MaskEncrypt:
		return "ENC-" + hexHash(value)
	default:
		return value
	}
}

func repeatStar(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}

func hexHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// --- IAMAuditLogger ---

// maxAuditEntries bounds in-memory retention; the oldest entries are
// trimmed FIFO once the bound is exceeded.
const maxAuditEntries = 10000

// ArchivalSink mirrors appended entries to a durable store, satisfied by
// pkg/database.Client. Optional: a nil sink disables mirroring.
type ArchivalSink interface {
	ArchiveAuditEntry(ctx context.Context, entry interface{}) error
}

// AuditLogger appends audit entries, trims to maxAuditEntries FIFO, and
// supports AND-composed filtered listing.
type AuditLogger struct {
	mu      sync.RWMutex
	entries []models.AuditEntry

	sink  ArchivalSink
	clock clock.Clock
	log   *logger.Logger
}

// NewAuditLogger constructs an audit logger. sink may be nil.
func NewAuditLogger(sink ArchivalSink, clk clock.Clock, log *logger.Logger) *AuditLogger {
	return &AuditLogger{sink: sink, clock: clk, log: log}
}

// Append records an audit entry, stamping its id and timestamp, trims the
// in-memory log FIFO to maxAuditEntries, and mirrors the entry to the
// archival sink if one is configured (fire-and-forget: failures are logged,
// never surfaced to the caller).
func (l *AuditLogger) Append(ctx context.Context, e models.AuditEntry) models.AuditEntry {
	now := l.clock.Now()
	e.ID = models.NewID()
	e.Timestamp = now

	l.mu.Lock()
	l.entries = append(l.entries, e.Clone())
	if len(l.entries) > maxAuditEntries {
		l.entries = l.entries[len(l.entries)-maxAuditEntries:]
	}
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.ArchiveAuditEntry(ctx, e); err != nil {
			l.log.Error(ctx, "failed to archive audit entry", err, logger.String("audit_entry_id", e.ID))
		}
	}
	return e
}

// List returns every entry matching filter's AND-composed conditions, most
// recent last, bounded by filter.Limit (0 = unbounded).
func (l *AuditLogger) List(filter models.AuditFilter) []models.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.AuditEntry
	for _, e := range l.entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && e.Timestamp.After(*filter.EndTime) {
			continue
		}
		out = append(out, e.Clone())
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}
