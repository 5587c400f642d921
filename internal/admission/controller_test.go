package admission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/kvstore"
	"tilemud/internal/models"
	"tilemud/internal/ratelimit"
	"tilemud/internal/session"
)

// fakeDirectory is a static instance table for controller tests.
type fakeDirectory struct {
	instances map[string]models.Instance
}

func (d *fakeDirectory) GetInstance(id string) (models.Instance, bool) {
	inst, ok := d.instances[id]
	return inst, ok
}

type fixture struct {
	ctrl     *Controller
	registry *session.Registry
	queue    *Queue
	dir      *fakeDirectory
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	registry := session.NewRegistry(kv, time.Minute, 24*time.Hour)
	queue := NewQueue(3, time.Minute)
	limiter := ratelimit.New(kv, ratelimit.Config{
		ChatLimit:      100,
		ActionLimit:    100,
		AdmissionLimit: 100,
		Window:         10 * time.Second,
		Lockout:        30 * time.Second,
		RejectBudget:   100,
	})
	dir := &fakeDirectory{instances: map[string]models.Instance{
		"inst-1": {InstanceID: "inst-1", Mode: models.ModeBattle, State: models.InstanceActive, Capacity: capacity},
		"inst-2": {InstanceID: "inst-2", Mode: models.ModeBattle, State: models.InstanceActive, Capacity: capacity},
	}}
	ctrl := NewController(registry, queue, limiter, dir, kv, Config{
		ReplacementTokenTTL: 5 * time.Minute,
		TokenSealKey:        "test-seal-key",
	})
	return &fixture{ctrl: ctrl, registry: registry, queue: queue, dir: dir}
}

func TestAdmitUntilCapacityThenQueue(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	require.Equal(t, models.AdmitAdmitted, a.Status)
	assert.NotEmpty(t, a.SessionID)
	assert.NotEmpty(t, a.ReconnectionToken)

	b := f.ctrl.Admit(ctx, "inst-1", "char-b", "user-b", "")
	require.Equal(t, models.AdmitAdmitted, b.Status)

	c := f.ctrl.Admit(ctx, "inst-1", "char-c", "user-c", "")
	require.Equal(t, models.AdmitQueued, c.Status)
	assert.Equal(t, 0, c.QueuePosition)
	assert.Equal(t, 1, c.QueueDepth)
	assert.Greater(t, c.EstimatedWaitSeconds, 0)
}

func TestFullInstanceNeverAdmits(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.Equal(t, models.AdmitAdmitted, f.ctrl.Admit(ctx, "inst-1", "a", "ua", "").Status)

	for i := 0; i < 5; i++ {
		res := f.ctrl.Admit(ctx, "inst-1", fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), "")
		assert.NotEqual(t, models.AdmitAdmitted, res.Status)
	}
}

func TestQueueFullRejection(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.ctrl.Admit(ctx, "inst-1", "seat", "useat", "")
	for i := 0; i < 3; i++ {
		res := f.ctrl.Admit(ctx, "inst-1", fmt.Sprintf("wait%d", i), fmt.Sprintf("uw%d", i), "")
		require.Equal(t, models.AdmitQueued, res.Status)
	}

	res := f.ctrl.Admit(ctx, "inst-1", "overflow", "uo", "")
	require.Equal(t, models.AdmitRejected, res.Status)
	assert.Equal(t, models.ReasonQueueFull, res.Reason)
}

func TestUnknownInstanceRejected(t *testing.T) {
	f := newFixture(t, 1)
	res := f.ctrl.Admit(context.Background(), "nope", "a", "ua", "")
	require.Equal(t, models.AdmitRejected, res.Status)
	assert.Equal(t, models.ReasonInvalidInstance, res.Reason)
}

func TestTerminalInstanceRejected(t *testing.T) {
	f := newFixture(t, 1)
	f.dir.instances["done"] = models.Instance{
		InstanceID: "done", State: models.InstanceResolved, Capacity: 8,
	}
	res := f.ctrl.Admit(context.Background(), "done", "a", "ua", "")
	assert.Equal(t, models.ReasonInstanceUnavailable, res.Reason)
}

func TestReplaceFlow(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	require.Equal(t, models.AdmitAdmitted, first.Status)

	// Same character on another instance: replacement handshake required.
	second := f.ctrl.Admit(ctx, "inst-2", "char-a", "user-a", "")
	require.Equal(t, models.AdmitReplaceRequired, second.Status)
	require.NotEmpty(t, second.ReplacementToken)
	require.NotNil(t, second.ExistingSession)
	assert.Equal(t, first.SessionID, second.ExistingSession.SessionID)

	// Confirming with the token terminates the old session and admits.
	third := f.ctrl.Admit(ctx, "inst-2", "char-a", "user-a", second.ReplacementToken)
	require.Equal(t, models.AdmitReplaced, third.Status)
	assert.NotEqual(t, first.SessionID, third.SessionID)

	_, ok := f.registry.Get(first.SessionID)
	assert.False(t, ok, "replaced session must be gone")

	sess, ok := f.registry.Get(third.SessionID)
	require.True(t, ok)
	assert.Equal(t, "inst-2", sess.InstanceID)
	assert.Equal(t, first.SessionID, sess.ReplacementOf)
}

func TestReplaceTokenSingleUse(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	rr := f.ctrl.Admit(ctx, "inst-2", "char-a", "user-a", "")
	require.Equal(t, models.AdmitReplaceRequired, rr.Status)

	ok := f.ctrl.Admit(ctx, "inst-2", "char-a", "user-a", rr.ReplacementToken)
	require.Equal(t, models.AdmitReplaced, ok.Status)

	// The consumed token cannot replace the new session.
	again := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", rr.ReplacementToken)
	require.Equal(t, models.AdmitRejected, again.Status)
	assert.Equal(t, models.ReasonTokenExpired, again.Reason)
}

func TestPromotionAfterTerminate(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	f.ctrl.Admit(ctx, "inst-1", "char-b", "user-b", "")
	queued := f.ctrl.Admit(ctx, "inst-1", "char-c", "user-c", "")
	require.Equal(t, models.AdmitQueued, queued.Status)

	var promoted []string
	done := make(chan struct{}, 1)
	f.ctrl.OnPromoted(func(entry models.QueueEntry, sess models.CharacterSession) {
		promoted = append(promoted, entry.CharacterID)
		done <- struct{}{}
	})

	require.NoError(t, f.registry.Terminate(ctx, a.SessionID, models.TerminateLeave))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queued character was not promoted after a slot freed")
	}

	require.Equal(t, []string{"char-c"}, promoted)
	assert.Equal(t, 0, f.queue.Depth("inst-1"))
	sess, ok := f.registry.GetByCharacter("char-c")
	require.True(t, ok)
	assert.Equal(t, models.SessionActive, sess.State)
}

func TestPromotionSkipsCharactersWithSessions(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	seat := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	require.Equal(t, models.AdmitAdmitted, seat.Status)
	require.Equal(t, models.AdmitQueued, f.ctrl.Admit(ctx, "inst-1", "char-b", "user-b", "").Status)

	// char-b acquires a seat elsewhere while waiting.
	require.Equal(t, models.AdmitAdmitted, f.ctrl.Admit(ctx, "inst-2", "char-b", "user-b", "").Status)

	require.NoError(t, f.registry.Terminate(ctx, seat.SessionID, models.TerminateLeave))

	require.Eventually(t, func() bool {
		return f.queue.Depth("inst-1") == 0
	}, 2*time.Second, 10*time.Millisecond, "stale entry should be discarded")

	// The discarded entry must not have created a second session.
	sess, ok := f.registry.GetByCharacter("char-b")
	require.True(t, ok)
	assert.Equal(t, "inst-2", sess.InstanceID)
}

func TestReconnectRacesQueueForCapacity(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	a := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	require.Equal(t, models.AdmitAdmitted, a.Status)
	require.Equal(t, models.AdmitQueued, f.ctrl.Admit(ctx, "inst-1", "char-b", "user-b", "").Status)

	// Drop A: the freed slot goes to the queued B.
	_, err := f.registry.MarkDisconnected(a.SessionID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sess, ok := f.registry.GetByCharacter("char-b")
		return ok && sess.State == models.SessionActive
	}, 2*time.Second, 10*time.Millisecond)

	// A's reconnect inside the grace window now finds the instance full.
	res := f.ctrl.Reconnect(ctx, "inst-1", a.ReconnectionToken)
	require.Equal(t, models.AdmitRejected, res.Status)
	assert.Equal(t, models.ReasonCapacityFull, res.Reason)
}

func TestReconnectRestoresSession(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a := f.ctrl.Admit(ctx, "inst-1", "char-a", "user-a", "")
	_, err := f.registry.MarkDisconnected(a.SessionID)
	require.NoError(t, err)

	res := f.ctrl.Reconnect(ctx, "inst-1", a.ReconnectionToken)
	require.Equal(t, models.AdmitAdmitted, res.Status)
	assert.Equal(t, a.SessionID, res.SessionID)
	assert.NotEmpty(t, res.ReconnectionToken)
	assert.NotEqual(t, a.ReconnectionToken, res.ReconnectionToken)
}

func TestReconnectWithBogusTokenFails(t *testing.T) {
	f := newFixture(t, 2)
	res := f.ctrl.Reconnect(context.Background(), "inst-1", "not-a-token")
	require.Equal(t, models.AdmitRejected, res.Status)
	assert.Equal(t, models.ReasonTokenExpired, res.Reason)
}

func TestCapacityInvariantUnderChurn(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// Churn admissions and terminations; the active set must never
	// exceed capacity at any observable point.
	for round := 0; round < 10; round++ {
		for i := 0; i < 4; i++ {
			f.ctrl.Admit(ctx, "inst-1", fmt.Sprintf("r%d-c%d", round, i), fmt.Sprintf("u%d-%d", round, i), "")
			require.LessOrEqual(t, f.registry.ActiveCount("inst-1"), 2)
		}
		for _, sess := range f.registry.ActiveSessions("inst-1") {
			f.registry.Terminate(ctx, sess.SessionID, models.TerminateLeave)
		}
	}
}
