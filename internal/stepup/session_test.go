package stepup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/common/testutil"
)

func newTestStore(t *testing.T) (*SessionStore, *testutil.MockRedis) {
	t.Helper()
	mock := testutil.NewMockRedis(zap.NewNop())
	require.NoError(t, mock.Setup())
	t.Cleanup(func() { _ = mock.Shutdown() })

	return NewSessionStore(&database.RedisClient{Client: mock.Client()}, 5*time.Minute), mock
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session := pendingSession()
	session.OfferedMethods = []string{MethodKnowledge}
	require.NoError(t, store.Create(ctx, session))

	loaded, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, loaded.UserID)
	assert.Equal(t, []string{MethodKnowledge}, loaded.OfferedMethods)
	assert.Equal(t, StatePending, loaded.State)

	assert.Equal(t, session.ID, store.ActiveSessionID(ctx, session.UserID))
}

func TestSessionStore_CreateRejectsDuplicateID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session := pendingSession()
	require.NoError(t, store.Create(ctx, session))

	err := store.Create(ctx, session)
	assert.True(t, errors.IsErrorCode(err, errors.ErrConflict))
}

func TestSessionStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.IsErrorCode(err, errors.ErrSessionNotFound))
}

func TestSessionStore_TerminalUpdateClearsActiveGuard(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	session := pendingSession()
	require.NoError(t, store.Create(ctx, session))

	session.State = StateAdmitted
	require.NoError(t, store.Update(ctx, session))

	assert.Empty(t, store.ActiveSessionID(ctx, session.UserID))

	// the terminal session itself stays readable for late responses
	loaded, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAdmitted, loaded.State)
}

func TestSessionStore_KeysExpireWithRetention(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := context.Background()

	session := pendingSession()
	require.NoError(t, store.Create(ctx, session))

	mock.Mini().FastForward(11 * time.Minute)

	_, err := store.Get(ctx, session.ID)
	assert.True(t, errors.IsErrorCode(err, errors.ErrSessionNotFound))
}
