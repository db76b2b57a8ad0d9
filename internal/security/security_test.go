package security_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/security"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newClock() *clock.Mock {
	return clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestAccessControl_DefaultDeny(t *testing.T) {
	ac := security.NewAccessControl(newClock())
	assert.False(t, ac.Evaluate("alice", "read", "/reports/1"))
}

func TestAccessControl_AllowOnRegexMatch(t *testing.T) {
	ac := security.NewAccessControl(newClock())
	ac.CreatePolicy(models.IAMAccessPolicy{
		Name:      "reports-read",
		Enabled:   true,
		Effect:    models.EffectAllow,
		Subjects:  []string{"alice"},
		Actions:   []string{"read"},
		Resources: []string{`^/reports/\d+$`},
	})

	assert.True(t, ac.Evaluate("alice", "read", "/reports/1"))
	assert.False(t, ac.Evaluate("alice", "read", "/reports/abc"))
}

func TestAccessControl_DenyOverridesAllow(t *testing.T) {
	ac := security.NewAccessControl(newClock())
	ac.CreatePolicy(models.IAMAccessPolicy{
		Name: "allow-all", Enabled: true, Effect: models.EffectAllow,
		Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{".*"},
	})
	ac.CreatePolicy(models.IAMAccessPolicy{
		Name: "deny-secrets", Enabled: true, Effect: models.EffectDeny,
		Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{`^/secrets/.*$`},
	})

	assert.True(t, ac.Evaluate("alice", "read", "/reports/1"))
	assert.False(t, ac.Evaluate("alice", "read", "/secrets/db-password"))
}

func TestAccessControl_DisabledPolicyIgnored(t *testing.T) {
	ac := security.NewAccessControl(newClock())
	ac.CreatePolicy(models.IAMAccessPolicy{
		Name: "reports-read", Enabled: false, Effect: models.EffectAllow,
		Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{".*"},
	})
	assert.False(t, ac.Evaluate("alice", "read", "/reports/1"))
}

func TestDataMasker_AppliesFirstMatchingRule(t *testing.T) {
	m := security.NewDataMasker()
	m.AddRule(models.MaskingRule{FieldPattern: "^ssn$", Strategy: models.MaskFull})
	m.AddRule(models.MaskingRule{FieldPattern: ".*", Strategy: models.MaskRedact})

	assert.Equal(t, "****", m.Mask("ssn", "123-45-6789"))
	assert.Equal(t, "[REDACTED]", m.Mask("email", "a@example.com"))
}

func TestDataMasker_PartialMaskKeepsEnds(t *testing.T) {
	m := security.NewDataMasker()
	m.AddRule(models.MaskingRule{FieldPattern: "^card$", Strategy: models.MaskPartial})

	masked := m.Mask("card", "4111111111111111")
	assert.True(t, strings.HasPrefix(masked, "41"))
	assert.True(t, strings.HasSuffix(masked, "11"))
	assert.Contains(t, masked, "*")
}

func TestDataMasker_NoMatchReturnsUnchanged(t *testing.T) {
	m := security.NewDataMasker()
	assert.Equal(t, "unchanged", m.Mask("anything", "unchanged"))
}

func TestDataMasker_TokenizeIsDeterministic(t *testing.T) {
	m := security.NewDataMasker()
	m.AddRule(models.MaskingRule{FieldPattern: ".*", Strategy: models.MaskTokenize})

	first := m.Mask("field", "value")
	second := m.Mask("field", "value")
	assert.Equal(t, first, second)
	assert.Contains(t, first, "TOK-")
}

func TestAuditLogger_AppendStampsIDAndTimestamp(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := newClock()
	al := security.NewAuditLogger(nil, mock, log)

	entry := al.Append(context.Background(), models.AuditEntry{Action: "login", ActorID: "u1", Success: true})
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, mock.Now(), entry.Timestamp)
}

func TestAuditLogger_ListFiltersByActorAndSuccess(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	al := security.NewAuditLogger(nil, newClock(), log)
	ctx := context.Background()

	al.Append(ctx, models.AuditEntry{Action: "login", ActorID: "u1", Success: true})
	al.Append(ctx, models.AuditEntry{Action: "login", ActorID: "u2", Success: false})
	al.Append(ctx, models.AuditEntry{Action: "logout", ActorID: "u1", Success: true})

	success := true
	results := al.List(models.AuditFilter{ActorID: "u1", Success: &success})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "u1", r.ActorID)
		assert.True(t, r.Success)
	}
}

func TestAuditLogger_ListRespectsLimit(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	al := security.NewAuditLogger(nil, newClock(), log)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		al.Append(ctx, models.AuditEntry{Action: "login", ActorID: "u1", Success: true})
	}

	results := al.List(models.AuditFilter{Limit: 2})
	assert.Len(t, results, 2)
}

type failingSink struct{}

func (failingSink) ArchiveAuditEntry(ctx context.Context, entry interface{}) error {
	return errors.New("archive unavailable")
}

func TestAuditLogger_SinkFailureDoesNotFailAppend(t *testing.T) {
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	al := security.NewAuditLogger(failingSink{}, newClock(), log)

	entry := al.Append(context.Background(), models.AuditEntry{Action: "login", Success: true})
	assert.NotEmpty(t, entry.ID)
}
