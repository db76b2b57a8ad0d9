package authz_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/authz"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newEngine(t *testing.T, ttl time.Duration) (*authz.Engine, *clock.Mock) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return authz.New(ttl, mock, log), mock
}

func TestAuthorize_DefaultDeny(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	d := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, models.EffectDeny, d.Effect)
}

func TestAuthorize_RolePermissionAllows(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	role, err := e.CreateRole(models.Role{
		Name: "reader",
		Permissions: []models.Permission{
			{Resource: "docs/*", Actions: []string{"read"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)

	d := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	assert.True(t, d.Allowed)
	assert.Contains(t, d.MatchedRoles, role.ID)
}

func TestGetHoldersOfPermission_ReturnsOnlyAssigneesWithThatPermission(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	payer, err := e.CreateRole(models.Role{
		Name: "payer",
		Permissions: []models.Permission{
			{ID: "payments:create", Resource: "payments/*", Actions: []string{"create"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	approver, err := e.CreateRole(models.Role{
		Name: "approver",
		Permissions: []models.Permission{
			{ID: "payments:approve", Resource: "payments/*", Actions: []string{"approve"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)

	_, err = e.AssignRole("u1", payer.ID, "", nil, "admin")
	require.NoError(t, err)
	_, err = e.AssignRole("u1", approver.ID, "", nil, "admin")
	require.NoError(t, err)
	_, err = e.AssignRole("u2", payer.ID, "", nil, "admin")
	require.NoError(t, err)

	holders := e.GetHoldersOfPermission("payments:approve")
	assert.ElementsMatch(t, []string{"u1"}, holders)

	holders = e.GetHoldersOfPermission("payments:create")
	assert.ElementsMatch(t, []string{"u1", "u2"}, holders)
}

func TestAuthorize_DenyOverridesAllow(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	role, err := e.CreateRole(models.Role{
		Name: "mixed",
		Permissions: []models.Permission{
			{Resource: "docs/*", Actions: []string{"read"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)

	_, err = e.CreatePolicy(models.AccessPolicy{
		Name:      "deny-docs-1",
		Enabled:   true,
		Effect:    models.EffectDeny,
		Subjects:  []models.SubjectSelector{{Type: models.SubjectAny}},
		Resources: []models.ResourceSelector{{Identifier: "docs/1"}},
		Actions:   []string{"read"},
		Priority:  10,
	})
	require.NoError(t, err)

	d := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, models.EffectDeny, d.Effect)
}

func TestAuthorize_RoleInheritanceIsTransitive(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	grandparent, err := e.CreateRole(models.Role{
		Name: "base",
		Permissions: []models.Permission{
			{Resource: "*", Actions: []string{"read"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	parent, err := e.CreateRole(models.Role{Name: "mid", InheritsFrom: []string{grandparent.ID}})
	require.NoError(t, err)
	child, err := e.CreateRole(models.Role{Name: "leaf", InheritsFrom: []string{parent.ID}})
	require.NoError(t, err)

	_, err = e.AssignRole("u1", child.ID, "", nil, "admin")
	require.NoError(t, err)

	d := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "anything", Action: "read"})
	assert.True(t, d.Allowed)

	inherited := e.GetInheritedRoles(child.ID)
	assert.ElementsMatch(t, []string{parent.ID, grandparent.ID}, inherited)
}

func TestGetInheritedRoles_CycleSafe(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	a, err := e.CreateRole(models.Role{Name: "a"})
	require.NoError(t, err)
	b, err := e.CreateRole(models.Role{Name: "b", InheritsFrom: []string{a.ID}})
	require.NoError(t, err)
	_, err = e.UpdateRole(a.ID, func(r *models.Role) { r.InheritsFrom = []string{b.ID} })
	require.NoError(t, err)

	done := make(chan []string, 1)
	go func() { done <- e.GetInheritedRoles(a.ID) }()
	select {
	case inherited := <-done:
		assert.Contains(t, inherited, b.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("GetInheritedRoles did not terminate on a cyclic role graph")
	}
}

func TestAuthorize_CacheHitThenInvalidatedByMutation(t *testing.T) {
	e, mock := newEngine(t, time.Minute)
	role, err := e.CreateRole(models.Role{
		Name: "reader",
		Permissions: []models.Permission{
			{Resource: "docs/*", Actions: []string{"read"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)

	first := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	require.True(t, first.Allowed)
	require.False(t, first.Cached)

	second := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	assert.True(t, second.Cached)

	require.NoError(t, e.DeleteRole(role.ID))
	third := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "docs/1", Action: "read"})
	assert.False(t, third.Cached)
	assert.False(t, third.Allowed)

	mock.Advance(time.Hour)
}

func TestAuthorize_CacheExpiresAfterTTL(t *testing.T) {
	e, mock := newEngine(t, 30*time.Second)
	role, err := e.CreateRole(models.Role{
		Name: "reader",
		Permissions: []models.Permission{
			{Resource: "*", Actions: []string{"read"}, Effect: models.EffectAllow},
		},
	})
	require.NoError(t, err)
	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)

	first := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "r", Action: "read"})
	require.False(t, first.Cached)

	mock.Advance(45 * time.Second)
	second := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "r", Action: "read"})
	assert.False(t, second.Cached)
}

func TestAssignRole_MutualExclusionConstraint(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	roleA, err := e.CreateRole(models.Role{Name: "roleA"})
	require.NoError(t, err)
	roleB, err := e.CreateRole(models.Role{Name: "roleB", Constraints: []models.RoleConstraint{
		{Type: models.ConstraintMutualExclusion, RoleIDs: []string{roleA.ID}},
	}})
	require.NoError(t, err)

	_, err = e.AssignRole("u1", roleA.ID, "", nil, "admin")
	require.NoError(t, err)

	_, err = e.AssignRole("u1", roleB.ID, "", nil, "admin")
	assert.Error(t, err)
}

func TestAssignRole_MaxAssigneesEnforced(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	role, err := e.CreateRole(models.Role{Name: "limited", MaxAssignees: 1})
	require.NoError(t, err)

	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)

	_, err = e.AssignRole("u2", role.ID, "", nil, "admin")
	assert.Error(t, err)
}

func TestAuthorize_EventListenersFireWithoutDeadlock(t *testing.T) {
	e, _ := newEngine(t, time.Minute)
	events := make(chan string, 8)
	e.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	role, err := e.CreateRole(models.Role{Name: "reader"})
	require.NoError(t, err)
	require.NotEmpty(t, <-events)

	_, err = e.AssignRole("u1", role.ID, "", nil, "admin")
	require.NoError(t, err)
	require.Equal(t, "roleAssigned", <-events)

	d := e.Authorize(models.AuthorizationRequest{SubjectID: "u1", Resource: "x", Action: "read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "accessDenied", <-events)
}
