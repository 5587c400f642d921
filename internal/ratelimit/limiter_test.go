package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/kvstore"
)

func testLimiter() *Limiter {
	return New(kvstore.NewMemoryStore(), Config{
		ChatLimit:      3,
		ActionLimit:    5,
		AdmissionLimit: 5,
		Window:         10 * time.Second,
		Lockout:        30 * time.Second,
		RejectBudget:   2,
	})
}

func TestWindowLimit(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, "alice", ChannelChat)
		require.True(t, d.Allowed, "attempt %d should pass", i+1)
	}
	d := l.Check(ctx, "alice", ChannelChat)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 10*time.Second, d.RetryAfter)
}

func TestWindowSlides(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	base := time.Now()
	l.nowFn = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "alice", ChannelChat).Allowed)
	}
	require.False(t, l.Check(ctx, "alice", ChannelChat).Allowed)

	// After the window passes, attempts flow again.
	l.nowFn = func() time.Time { return base.Add(11 * time.Second) }
	assert.True(t, l.Check(ctx, "alice", ChannelChat).Allowed)
}

func TestChannelsAreIndependent(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "alice", ChannelChat)
	}
	require.False(t, l.Check(ctx, "alice", ChannelChat).Allowed)
	assert.True(t, l.Check(ctx, "alice", ChannelAction).Allowed)
	assert.True(t, l.Check(ctx, "bob", ChannelChat).Allowed)
}

func TestLockoutAfterRepeatedRejections(t *testing.T) {
	l := testLimiter()
	ctx := context.Background()

	locked, _ := l.InLockout(ctx, "user-1")
	require.False(t, locked)

	l.RecordRejection(ctx, "user-1")
	locked, _ = l.InLockout(ctx, "user-1")
	assert.False(t, locked, "one rejection is under the budget")

	l.RecordRejection(ctx, "user-1")
	locked, remaining := l.InLockout(ctx, "user-1")
	assert.True(t, locked)
	assert.Greater(t, remaining, time.Duration(0))
	assert.LessOrEqual(t, remaining, 30*time.Second)
}

// failingStore errors on every operation, exercising the fail-open path.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) RecordWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) CountWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) SetToken(context.Context, string, string, time.Duration) error { return errStoreDown }
func (failingStore) GetToken(context.Context, string) (string, error)              { return "", errStoreDown }
func (failingStore) TakeToken(context.Context, string) (string, error)             { return "", errStoreDown }
func (failingStore) Delete(context.Context, string) error                          { return errStoreDown }
func (failingStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func TestFailOpenOnStoreError(t *testing.T) {
	l := New(failingStore{}, Config{
		ChatLimit: 1,
		Window:    10 * time.Second,
		Lockout:   30 * time.Second,
	})
	ctx := context.Background()

	// Every check passes while the store is down.
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check(ctx, "alice", ChannelChat).Allowed)
	}
	locked, _ := l.InLockout(ctx, "alice")
	assert.False(t, locked)
}
