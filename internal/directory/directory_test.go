package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/directory"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newStore(t *testing.T) *directory.Store {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	return directory.New(log)
}

func TestPut_RequiresDN(t *testing.T) {
	s := newStore(t)
	err := s.Put(context.Background(), models.DirectoryEntry{})
	assert.Error(t, err)
}

func TestPutAndGet_RoundTrips(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	entry := models.DirectoryEntry{DN: "cn=alice,ou=people,dc=example,dc=com", Attributes: map[string]interface{}{"mail": "alice@example.com"}}
	require.NoError(t, s.Put(ctx, entry))

	got, err := s.Get(ctx, entry.DN)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Attributes["mail"])
}

func TestGet_UnknownDN(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "cn=nobody,dc=example,dc=com")
	assert.Error(t, err)
}

func TestDelete_RemovesEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	entry := models.DirectoryEntry{DN: "cn=alice,dc=example,dc=com"}
	require.NoError(t, s.Put(ctx, entry))
	require.NoError(t, s.Delete(ctx, entry.DN))

	_, err := s.Get(ctx, entry.DN)
	assert.Error(t, err)
}

func TestDelete_UnknownDN(t *testing.T) {
	s := newStore(t)
	err := s.Delete(context.Background(), "cn=nobody,dc=example,dc=com")
	assert.Error(t, err)
}

func TestSearch_FiltersByBaseDNSuffix(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.DirectoryEntry{DN: "cn=alice,ou=people,dc=example,dc=com"}))
	require.NoError(t, s.Put(ctx, models.DirectoryEntry{DN: "cn=group1,ou=groups,dc=example,dc=com"}))

	results := s.Search(ctx, "ou=people,dc=example,dc=com", "", "")
	require.Len(t, results, 1)
	assert.Equal(t, "cn=alice,ou=people,dc=example,dc=com", results[0].DN)
}

func TestSearch_FiltersByNamedAttribute(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.DirectoryEntry{DN: "cn=alice,dc=example,dc=com", Attributes: map[string]interface{}{"department": "engineering"}}))
	require.NoError(t, s.Put(ctx, models.DirectoryEntry{DN: "cn=bob,dc=example,dc=com", Attributes: map[string]interface{}{"department": "sales"}}))

	results := s.Search(ctx, "", "department", "engineering")
	require.Len(t, results, 1)
	assert.Equal(t, "cn=alice,dc=example,dc=com", results[0].DN)
}

func TestSearch_UnnamedAttributeMatchesAny(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.DirectoryEntry{DN: "cn=alice,dc=example,dc=com", Attributes: map[string]interface{}{"mail": "alice@example.com"}}))

	results := s.Search(ctx, "", "", "alice@example.com")
	require.Len(t, results, 1)
}

func TestPut_FiresCreatedThenUpdatedEvents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	events := make(chan string, 2)
	s.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	entry := models.DirectoryEntry{DN: "cn=alice,dc=example,dc=com"}
	require.NoError(t, s.Put(ctx, entry))
	assert.Equal(t, "entryCreated", <-events)

	require.NoError(t, s.Put(ctx, entry))
	assert.Equal(t, "entryUpdated", <-events)
}
