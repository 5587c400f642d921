package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWindowTrims(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	n, err := s.RecordWindow(ctx, "k", base, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _ = s.RecordWindow(ctx, "k", base.Add(time.Second), 10*time.Second)
	assert.Equal(t, int64(2), n)

	// Eleven seconds later the first event has aged out; the second is
	// exactly one window old, not older, so it stays beside the new one.
	n, _ = s.RecordWindow(ctx, "k", base.Add(11*time.Second), 10*time.Second)
	assert.Equal(t, int64(2), n)

	n, _ = s.RecordWindow(ctx, "k", base.Add(30*time.Second), 10*time.Second)
	assert.Equal(t, int64(1), n)
}

func TestTokenSingleUse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "t", "v", time.Minute))

	v, err := s.TakeToken(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	_, err = s.TakeToken(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, "t", "v", -time.Second))
	_, err := s.GetToken(ctx, "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrWithTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	n, err := s.IncrWithTTL(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _ = s.IncrWithTTL(ctx, "c", time.Minute)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.Delete(ctx, "c"))
	n, _ = s.IncrWithTTL(ctx, "c", time.Minute)
	assert.Equal(t, int64(1), n)
}
