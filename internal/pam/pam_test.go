package pam_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/pam"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

func newManager(t *testing.T) (*pam.Manager, *clock.Mock) {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: logger.InfoLevel, Environment: "test", OutputPath: "stdout"})
	require.NoError(t, err)
	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return pam.New(mock, log), mock
}

func setupVaultAndAccount(t *testing.T, m *pam.Manager, requiresRecording bool) (models.CredentialVault, models.PrivilegedAccount) {
	t.Helper()
	vault := m.CreateVault(models.CredentialVault{Name: "prod-db", RequiresRecording: requiresRecording})
	account, err := m.CreateAccount(models.PrivilegedAccount{VaultID: vault.ID, Name: "root"})
	require.NoError(t, err)
	require.NoError(t, m.StoreSecret(vault.ID, account.ID, "s3cr3t"))
	return vault, account
}

func TestCheckOut_ReturnsSecretAndRecordsDeadline(t *testing.T) {
	m, mock := newManager(t)
	vault, account := setupVaultAndAccount(t, m, false)

	rec, err := m.CheckOut(vault.ID, account.ID, "requester-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", rec.Secret)
	assert.Equal(t, mock.Now().Add(time.Hour), rec.Deadline)
	assert.Nil(t, rec.Recording)
}

func TestCheckOut_StartsRecordingWhenVaultRequiresIt(t *testing.T) {
	m, _ := newManager(t)
	vault, account := setupVaultAndAccount(t, m, true)

	rec, err := m.CheckOut(vault.ID, account.ID, "requester-1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, rec.Recording)
	assert.Equal(t, rec.ID, rec.Recording.CheckoutID)
	assert.Nil(t, rec.Recording.EndedAt)
}

func TestCheckOut_UnknownVaultOrAccount(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.CheckOut("no-such-vault", "no-such-account", "r1", time.Hour)
	assert.Error(t, err)

	vault := m.CreateVault(models.CredentialVault{Name: "v"})
	_, err = m.CheckOut(vault.ID, "no-such-account", "r1", time.Hour)
	assert.Error(t, err)
}

func TestCheckOut_NoSecretStored(t *testing.T) {
	m, _ := newManager(t)
	vault := m.CreateVault(models.CredentialVault{Name: "v"})
	account, err := m.CreateAccount(models.PrivilegedAccount{VaultID: vault.ID, Name: "svc"})
	require.NoError(t, err)

	_, err = m.CheckOut(vault.ID, account.ID, "r1", time.Hour)
	assert.Error(t, err)
}

func TestCheckIn_ClosesCheckoutAndRecording(t *testing.T) {
	m, mock := newManager(t)
	vault, account := setupVaultAndAccount(t, m, true)

	rec, err := m.CheckOut(vault.ID, account.ID, "r1", time.Hour)
	require.NoError(t, err)

	mock.Advance(10 * time.Minute)
	require.NoError(t, m.CheckIn(rec.ID))

	active := m.ListActiveCheckouts(account.ID)
	assert.Empty(t, active)
}

func TestCheckIn_RejectsDoubleClose(t *testing.T) {
	m, _ := newManager(t)
	vault, account := setupVaultAndAccount(t, m, false)
	rec, err := m.CheckOut(vault.ID, account.ID, "r1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.CheckIn(rec.ID))
	err = m.CheckIn(rec.ID)
	assert.Error(t, err)
}

func TestListActiveCheckouts_SkipsExpiredRecords(t *testing.T) {
	m, mock := newManager(t)
	vault, account := setupVaultAndAccount(t, m, false)

	rec, err := m.CheckOut(vault.ID, account.ID, "r1", time.Minute)
	require.NoError(t, err)

	active := m.ListActiveCheckouts(account.ID)
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)

	mock.Advance(2 * time.Minute)
	active = m.ListActiveCheckouts(account.ID)
	assert.Empty(t, active)
}

func TestCheckoutEvents_Fire(t *testing.T) {
	m, _ := newManager(t)
	vault, account := setupVaultAndAccount(t, m, false)

	events := make(chan string, 2)
	m.OnEvent(func(event string, _ map[string]interface{}) { events <- event })

	rec, err := m.CheckOut(vault.ID, account.ID, "r1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "checkoutCreated", <-events)

	require.NoError(t, m.CheckIn(rec.ID))
	assert.Equal(t, "checkedIn", <-events)
}
