package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/kvstore"
	"tilemud/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(kvstore.NewMemoryStore(), time.Minute, 24*time.Hour)
}

func TestOneSessionPerCharacter(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.CreateSession(ctx, "char-1", "user-1", "inst-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, first.State)
	assert.NotEmpty(t, first.ReconnectionToken)

	_, err = r.CreateSession(ctx, "char-1", "user-1", "inst-2", "")
	assert.ErrorIs(t, err, ErrAlreadyInSession)

	// After termination the character can be admitted again.
	require.NoError(t, r.Terminate(ctx, first.SessionID, models.TerminateLeave))
	_, err = r.CreateSession(ctx, "char-1", "user-1", "inst-2", "")
	assert.NoError(t, err)
}

func TestActiveCountTracksOnlyActiveSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, _ := r.CreateSession(ctx, "a", "u1", "inst-1", "")
	b, _ := r.CreateSession(ctx, "b", "u2", "inst-1", "")
	require.Equal(t, 2, r.ActiveCount("inst-1"))

	// A drop moves the session to grace and frees its slot immediately.
	_, err := r.MarkDisconnected(a.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ActiveCount("inst-1"))

	require.NoError(t, r.Terminate(ctx, b.SessionID, models.TerminateLeave))
	assert.Equal(t, 0, r.ActiveCount("inst-1"))
}

func TestReconnectWithinGraceWindow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	sess, err := r.CreateSession(ctx, "char-1", "user-1", "inst-1", "")
	require.NoError(t, err)
	token := sess.ReconnectionToken

	_, err = r.MarkDisconnected(sess.SessionID)
	require.NoError(t, err)

	resolved, err := r.ResolveReconnection(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, resolved.SessionID)

	restored, err := r.PromoteGrace(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, restored.State)
	assert.Nil(t, restored.GraceExpiresAt)
	assert.NotEqual(t, token, restored.ReconnectionToken, "token must rotate on reconnect")
	assert.Equal(t, 1, r.ActiveCount("inst-1"))
}

func TestReconnectTokenIsSingleUse(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	sess, _ := r.CreateSession(ctx, "char-1", "user-1", "inst-1", "")
	token := sess.ReconnectionToken
	_, err := r.MarkDisconnected(sess.SessionID)
	require.NoError(t, err)

	_, err = r.ResolveReconnection(ctx, token)
	require.NoError(t, err)

	// Second presentation of the same token fails.
	_, err = r.ResolveReconnection(ctx, token)
	assert.ErrorIs(t, err, ErrGraceExpired)
}

func TestReconnectAfterGraceExpiryFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	sess, _ := r.CreateSession(ctx, "char-1", "user-1", "inst-1", "")
	_, err := r.MarkDisconnected(sess.SessionID)
	require.NoError(t, err)

	// Step the clock one millisecond past the grace window.
	r.nowFn = func() time.Time { return base.Add(time.Minute + time.Millisecond) }
	_, err = r.ResolveReconnection(ctx, sess.ReconnectionToken)
	assert.ErrorIs(t, err, ErrGraceExpired)
}

func TestGraceScanTerminatesExpiredSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var terminated []models.TerminationReason
	r.OnTerminated(func(_ models.CharacterSession, reason models.TerminationReason) {
		terminated = append(terminated, reason)
	})

	base := time.Now()
	r.nowFn = func() time.Time { return base }

	sess, _ := r.CreateSession(ctx, "char-1", "user-1", "inst-1", "")
	_, err := r.MarkDisconnected(sess.SessionID)
	require.NoError(t, err)

	r.nowFn = func() time.Time { return base.Add(2 * time.Minute) }
	r.expireGraces(ctx)

	_, ok := r.Get(sess.SessionID)
	assert.False(t, ok)
	require.Len(t, terminated, 1)
	assert.Equal(t, models.TerminateGraceOver, terminated[0])
}

func TestTerminateInstanceExpelsEverySession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.CreateSession(ctx, "a", "u1", "inst-1", "")
	r.CreateSession(ctx, "b", "u2", "inst-1", "")
	r.CreateSession(ctx, "c", "u3", "inst-2", "")

	n := r.TerminateInstance(ctx, "inst-1", models.TerminateAbort)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, r.ActiveCount("inst-1"))
	assert.Equal(t, 1, r.ActiveCount("inst-2"))
}

func TestSlotFreedFiresOnDropAndTerminate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	freed := make(chan string, 4)
	r.OnSlotFreed(func(instanceID string) { freed <- instanceID })

	sess, _ := r.CreateSession(ctx, "a", "u1", "inst-1", "")
	_, err := r.MarkDisconnected(sess.SessionID)
	require.NoError(t, err)

	select {
	case id := <-freed:
		assert.Equal(t, "inst-1", id)
	case <-time.After(time.Second):
		t.Fatal("slot-freed callback did not fire on disconnect")
	}

	// Terminating a grace session must not free a second slot.
	require.NoError(t, r.Terminate(ctx, sess.SessionID, models.TerminateGraceOver))
	select {
	case <-freed:
		t.Fatal("terminating a grace session freed a slot twice")
	case <-time.After(50 * time.Millisecond):
	}
}
