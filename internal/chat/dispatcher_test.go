package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/kvstore"
	"tilemud/internal/models"
	"tilemud/internal/ratelimit"
)

// fakeTransport counts delivery attempts and can fail the first N of them
// per recipient.
type fakeTransport struct {
	mu        sync.Mutex
	attempts  map[string]int
	failFirst int
	delivered []models.ChatMessage
}

func newFakeTransport(failFirst int) *fakeTransport {
	return &fakeTransport{attempts: make(map[string]int), failFirst: failFirst}
}

func (f *fakeTransport) Deliver(_ context.Context, recipientID string, msg models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[recipientID]++
	if f.attempts[recipientID] <= f.failFirst {
		return errors.New("transport down")
	}
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *fakeTransport) attemptCount(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[recipient]
}

func (f *fakeTransport) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

type staticDirectory struct {
	arena  []string
	global []string
	guild  []string
}

func (d *staticDirectory) ArenaRecipients(string) []string          { return d.arena }
func (d *staticDirectory) GlobalRecipients() []string               { return d.global }
func (d *staticDirectory) GuildRecipients(string) ([]string, error) { return d.guild, nil }

type blockedPairs map[string]bool

func (b blockedPairs) IsBlocked(_ context.Context, x, y string) bool {
	if x > y {
		x, y = y, x
	}
	return b[x+":"+y]
}

type mutedSet map[string]bool

func (m mutedSet) IsMuted(_ context.Context, playerID string, _ models.ChannelType, _ string) bool {
	return m[playerID]
}

func testConfig() Config {
	return Config{
		DedupWindow:        5 * time.Minute,
		RetryInterval:      5 * time.Second,
		ExactlyOnceRetries: 3,
		ExactlyOnceTimeout: time.Second,
		AtLeastOnceRetries: 5,
		AtLeastOnceBackoff: time.Second,
		BestEffortTimeout:  100 * time.Millisecond,
	}
}

func newTestDispatcher(transport Transport, blocks BlockGate, mutes MuteGate, dir Directory) *Dispatcher {
	limiter := ratelimit.New(kvstore.NewMemoryStore(), ratelimit.Config{
		ChatLimit:   100,
		ActionLimit: 100,
		Window:      10 * time.Second,
	})
	return NewDispatcher(limiter, blocks, mutes, dir, transport, testConfig())
}

func privateMsg(sender, recipient, content string, ts time.Time) models.ChatMessage {
	return models.ChatMessage{
		SenderID:    sender,
		RecipientID: recipient,
		ChannelType: models.ChannelPrivate,
		Content:     content,
		Timestamp:   ts,
	}
}

func TestPrivateDelivery(t *testing.T) {
	transport := newFakeTransport(0)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})

	msg, err := d.Send(context.Background(), privateMsg("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, msg.MessageID)
	assert.Equal(t, models.TierExactlyOnce, msg.Tier)

	receipt, ok := d.Receipt(msg.MessageID, "bob")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryDelivered, receipt.Status)
	assert.Equal(t, 1, receipt.Attempts)
}

func TestContentBounds(t *testing.T) {
	transport := newFakeTransport(0)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})
	ctx := context.Background()

	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'x'
	}

	_, err := d.Send(ctx, privateMsg("a", "b", "", time.Now()))
	assert.Equal(t, models.ReasonValidation, models.ReasonOf(err))

	_, err = d.Send(ctx, privateMsg("a", "b", string(long), time.Now()))
	assert.Equal(t, models.ReasonValidation, models.ReasonOf(err))

	_, err = d.Send(ctx, privateMsg("a", "b", string(long[:1000]), time.Now()))
	assert.NoError(t, err)

	_, err = d.Send(ctx, privateMsg("a", "b", "x", time.Now()))
	assert.NoError(t, err)
}

func TestBlockedPairFails(t *testing.T) {
	transport := newFakeTransport(0)
	blocks := blockedPairs{"alice:bob": true}
	d := newTestDispatcher(transport, blocks, mutedSet{}, &staticDirectory{})

	_, err := d.Send(context.Background(), privateMsg("alice", "bob", "hi", time.Now()))
	assert.Equal(t, models.ReasonBlocked, models.ReasonOf(err))
	assert.Zero(t, transport.deliveredCount())

	// The relation is symmetric: the other direction fails too.
	_, err = d.Send(context.Background(), privateMsg("bob", "alice", "hi", time.Now()))
	assert.Equal(t, models.ReasonBlocked, models.ReasonOf(err))
}

func TestMutedSenderFails(t *testing.T) {
	transport := newFakeTransport(0)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{"alice": true}, &staticDirectory{})

	_, err := d.Send(context.Background(), privateMsg("alice", "bob", "hi", time.Now()))
	assert.Equal(t, models.ReasonMuted, models.ReasonOf(err))
}

func TestExactlyOnceDedup(t *testing.T) {
	transport := newFakeTransport(0)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})
	ctx := context.Background()

	ts := time.Now()
	_, err := d.Send(ctx, privateMsg("s", "r", "hello", ts))
	require.NoError(t, err)

	// Identical (sender, content, timestamp) inside the window: duplicate.
	_, err = d.Send(ctx, privateMsg("s", "r", "hello", ts))
	assert.Equal(t, models.ReasonDuplicate, models.ReasonOf(err))

	// One second later it is a different message again.
	_, err = d.Send(ctx, privateMsg("s", "r", "hello", ts.Add(time.Second)))
	assert.NoError(t, err)

	assert.Equal(t, 2, transport.deliveredCount())
}

func TestRetryUntilAcked(t *testing.T) {
	// Recipient acks on the third attempt; the receipt must read
	// delivered with attempts == 3 and exactly one delivery recorded.
	transport := newFakeTransport(2)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})
	ctx := context.Background()

	now := time.Now()
	d.nowFn = func() time.Time { return now }

	msg, err := d.Send(ctx, privateMsg("s", "r", "persistent", now))
	require.NoError(t, err)

	// Drive the scheduler manually, advancing past each backoff.
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		d.retryPass(ctx)
	}

	receipt, ok := d.Receipt(msg.MessageID, "r")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryDelivered, receipt.Status)
	assert.Equal(t, 3, receipt.Attempts)
	assert.Equal(t, 1, transport.deliveredCount())
}

func TestRetriesExhaustToFailed(t *testing.T) {
	transport := newFakeTransport(100)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})
	ctx := context.Background()

	now := time.Now()
	d.nowFn = func() time.Time { return now }

	msg, err := d.Send(ctx, privateMsg("s", "r", "doomed", now))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		now = now.Add(time.Minute)
		d.retryPass(ctx)
	}

	receipt, ok := d.Receipt(msg.MessageID, "r")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryFailed, receipt.Status)
	// One initial attempt plus the tier's three retries.
	assert.Equal(t, 4, receipt.Attempts)
	assert.Zero(t, d.RetryDepth())
}

func TestBestEffortNeverRetries(t *testing.T) {
	transport := newFakeTransport(100)
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, &staticDirectory{})
	ctx := context.Background()

	msg := models.ChatMessage{
		SenderID:    "s",
		RecipientID: "r",
		ChannelType: models.ChannelPrivate,
		Content:     "ambient noise",
		Timestamp:   time.Now(),
		Tier:        models.TierBestEffort,
	}
	sent, err := d.Send(ctx, msg)
	require.NoError(t, err)

	receipt, ok := d.Receipt(sent.MessageID, "r")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryFailed, receipt.Status)
	assert.Equal(t, 1, receipt.Attempts)
	assert.Zero(t, d.RetryDepth())
}

func TestArenaBroadcastFansOut(t *testing.T) {
	transport := newFakeTransport(0)
	dir := &staticDirectory{arena: []string{"a", "b", "c", "sender"}}
	d := newTestDispatcher(transport, blockedPairs{}, mutedSet{}, dir)

	msg := models.ChatMessage{
		SenderID:    "sender",
		ChannelType: models.ChannelArena,
		InstanceID:  "arena-1",
		Content:     "hello arena",
		Timestamp:   time.Now(),
	}
	sent, err := d.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, models.TierAtLeastOnce, sent.Tier)

	// Fan-out reaches everyone but the sender.
	assert.Equal(t, 3, transport.deliveredCount())
}

func TestBroadcastSkipsBlockedRecipients(t *testing.T) {
	transport := newFakeTransport(0)
	dir := &staticDirectory{arena: []string{"friend", "enemy"}}
	blocks := blockedPairs{"enemy:sender": true}
	d := newTestDispatcher(transport, blocks, mutedSet{}, dir)

	_, err := d.Send(context.Background(), models.ChatMessage{
		SenderID:    "sender",
		ChannelType: models.ChannelArena,
		InstanceID:  "arena-1",
		Content:     "hi",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.deliveredCount())
	assert.Equal(t, 1, transport.attemptCount("friend"))
	assert.Zero(t, transport.attemptCount("enemy"))
}

func TestAtLeastOnceBackoffGrows(t *testing.T) {
	d := newTestDispatcher(newFakeTransport(0), blockedPairs{}, mutedSet{}, &staticDirectory{})

	first := d.backoff(models.TierAtLeastOnce, 1)
	second := d.backoff(models.TierAtLeastOnce, 2)
	third := d.backoff(models.TierAtLeastOnce, 3)

	assert.Equal(t, time.Second, first)
	assert.Equal(t, 1500*time.Millisecond, second)
	assert.Equal(t, 2250*time.Millisecond, third)
}
