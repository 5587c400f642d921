package blocklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory directed edge set with a call counter.
type fakeRepo struct {
	mu    sync.Mutex
	edges map[string]bool
	calls int
	fail  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{edges: make(map[string]bool)}
}

func (r *fakeRepo) block(owner, blocked string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[owner+">"+blocked] = true
}

func (r *fakeRepo) BlockDirections(_ context.Context, a, b string) (bool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return false, false, r.fail
	}
	return r.edges[a+">"+b], r.edges[b+">"+a], nil
}

func (r *fakeRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestSymmetricClosure(t *testing.T) {
	repo := newFakeRepo()
	repo.block("alice", "bob")
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	// A single directed edge blocks the pair in both query orders.
	assert.True(t, c.IsBlocked(ctx, "alice", "bob"))
	assert.True(t, c.IsBlocked(ctx, "bob", "alice"))
	assert.False(t, c.IsBlocked(ctx, "alice", "carol"))
}

func TestCacheHitAvoidsRepository(t *testing.T) {
	repo := newFakeRepo()
	repo.block("a", "b")
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	c.IsBlocked(ctx, "a", "b")
	c.IsBlocked(ctx, "b", "a")
	c.IsBlocked(ctx, "a", "b")
	assert.Equal(t, 1, repo.callCount())
}

func TestTTLExpiry(t *testing.T) {
	repo := newFakeRepo()
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	base := time.Now()
	c.nowFn = func() time.Time { return base }
	require.False(t, c.IsBlocked(ctx, "a", "b"))
	require.Equal(t, 1, repo.callCount())

	// The relation changes; inside the TTL the stale verdict holds.
	repo.block("a", "b")
	assert.False(t, c.IsBlocked(ctx, "a", "b"))

	// Past the TTL the pair is refetched.
	c.nowFn = func() time.Time { return base.Add(2 * time.Minute) }
	assert.True(t, c.IsBlocked(ctx, "a", "b"))
}

func TestInvalidatePair(t *testing.T) {
	repo := newFakeRepo()
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	require.False(t, c.IsBlocked(ctx, "a", "b"))
	repo.block("a", "b")

	c.InvalidatePair("a", "b")
	assert.True(t, c.IsBlocked(ctx, "a", "b"))
}

func TestInvalidatePlayer(t *testing.T) {
	repo := newFakeRepo()
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	c.IsBlocked(ctx, "p", "x")
	c.IsBlocked(ctx, "p", "y")
	c.IsBlocked(ctx, "x", "y")
	require.Equal(t, 3, repo.callCount())

	c.InvalidatePlayer("p")

	// Pairs containing p refetch; the unrelated pair stays cached.
	c.IsBlocked(ctx, "p", "x")
	c.IsBlocked(ctx, "p", "y")
	c.IsBlocked(ctx, "x", "y")
	assert.Equal(t, 5, repo.callCount())
}

func TestFailOpenOnRepositoryError(t *testing.T) {
	repo := newFakeRepo()
	repo.block("a", "b")
	repo.fail = errors.New("repository down")
	c := NewCache(repo, time.Minute)
	ctx := context.Background()

	// Outage: not blocked, and nothing cached.
	assert.False(t, c.IsBlocked(ctx, "a", "b"))

	// Recovery: the next lookup hits the repository and sees the edge.
	repo.fail = nil
	assert.True(t, c.IsBlocked(ctx, "a", "b"))
}

func TestSelfPairNeverBlocked(t *testing.T) {
	c := NewCache(newFakeRepo(), time.Minute)
	assert.False(t, c.IsBlocked(context.Background(), "a", "a"))
}
