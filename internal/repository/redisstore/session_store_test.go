package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vending-service/internal/client"
	"vending-service/internal/models"
	"vending-service/internal/repository"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewSessionStore(client.NewRedisClientFromAddr(mr.Addr())), mr
}

func testSession(id string) *models.VendingSession {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &models.VendingSession{
		SessionID:      id,
		MachineID:      "VM001",
		Status:         models.StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
		LastActivityAt: now,
		ClientIP:       "203.0.113.7",
	}
}

func TestSessionStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session := testSession("VM001_20250601_120000_AB12CD34")
	require.NoError(t, store.Create(ctx, session))

	got, err := store.Get(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, got.SessionID)
	assert.Equal(t, session.MachineID, got.MachineID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, session.ExpiresAt.Equal(got.ExpiresAt))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestSessionStoreThirdIDIndex(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session := testSession("VM001_20250601_120000_AB12CD34")
	require.NoError(t, store.Create(ctx, session))

	// No payment data yet: no index entry.
	_, err := store.FindByThirdID(ctx, "PY250601000001")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)

	session.PaymentData = &models.PaymentData{
		ThirdID:          "PY250601000001",
		ChinesePaymentID: "88421",
	}
	require.NoError(t, store.Update(ctx, session))

	found, err := store.FindByThirdID(ctx, "PY250601000001")
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, found.SessionID)
}

func TestSessionStoreNonTerminalTracking(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := testSession("VM001_20250601_120000_AAAA1111")
	second := testSession("VM001_20250601_120100_BBBB2222")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	ids, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.SessionID, second.SessionID}, ids)

	// Terminalizing drops the session from the sweep set.
	first.Status = models.StatusCancelled
	require.NoError(t, store.Update(ctx, first))

	ids, err = store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.SessionID}, ids)
}

func TestSessionStoreNonTerminalPrunesEvictedRows(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	first := testSession("VM001_20250601_120000_AAAA1111")
	second := testSession("VM001_20250601_120100_BBBB2222")
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))

	// A row TTL-evicted while no sweeper ran must not sit in the sweep
	// set forever.
	mr.Del(sessionPrefix + first.SessionID)

	ids, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second.SessionID}, ids)

	stillTracked, err := mr.IsMember(nonTerminalSetKey, first.SessionID)
	require.NoError(t, err)
	assert.False(t, stillTracked)
}

func TestSessionStoreListByMachine(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	first := testSession("VM001_20250601_120000_AAAA1111")
	second := testSession("VM001_20250601_120100_BBBB2222")
	other := testSession("VM002_20250601_120000_CCCC3333")
	other.MachineID = "VM002"
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, other))

	sessions, err := store.ListByMachine(ctx, "VM001")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	// A row that fell out via key TTL is pruned from the index lazily.
	mr.Del(sessionPrefix + first.SessionID)
	sessions, err = store.ListByMachine(ctx, "VM001")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.SessionID, sessions[0].SessionID)
	stillIndexed, err := mr.IsMember(machineSetPrefix+"VM001", first.SessionID)
	require.NoError(t, err)
	assert.False(t, stillIndexed)
}

func TestSessionStoreDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	session := testSession("VM001_20250601_120000_AAAA1111")
	session.PaymentData = &models.PaymentData{ThirdID: "PY250601000001"}
	require.NoError(t, store.Create(ctx, session))
	require.NoError(t, store.Update(ctx, session))

	require.NoError(t, store.Delete(ctx, session.SessionID))

	_, err := store.Get(ctx, session.SessionID)
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
	_, err = store.FindByThirdID(ctx, "PY250601000001")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
	assert.False(t, mr.Exists(thirdIDPrefix+"PY250601000001"))

	assert.ErrorIs(t, store.Delete(ctx, session.SessionID), repository.ErrSessionNotFound)
}

func TestSessionStoreTerminalGracePeriod(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	session := testSession("VM001_20250601_120000_AAAA1111")
	session.Status = models.StatusPaymentCompleted
	require.NoError(t, store.Create(ctx, session))

	// Terminal rows keep a bounded TTL so support lookups still work.
	ttl := mr.TTL(sessionPrefix + session.SessionID)
	assert.Equal(t, terminalGracePeriod, ttl)
}
