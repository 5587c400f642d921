// Package chat delivers validated messages with per-tier guarantees:
// exactly-once for private and guild traffic (dedup window plus bounded
// retries), at-least-once for arena and global broadcasts (duplicates are
// the receiver's problem), and best-effort for ambient noise.
package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/models"
	"tilemud/internal/ratelimit"
)

// Transport pushes one message to one recipient's connection.
type Transport interface {
	Deliver(ctx context.Context, recipientID string, msg models.ChatMessage) error
}

// Directory resolves channel addressing into recipient character ids.
type Directory interface {
	ArenaRecipients(instanceID string) []string
	GlobalRecipients() []string
	GuildRecipients(guildID string) ([]string, error)
}

// BlockGate answers whether a pair of players cannot talk.
type BlockGate interface {
	IsBlocked(ctx context.Context, a, b string) bool
}

// MuteGate answers whether a sender is muted for a channel.
type MuteGate interface {
	IsMuted(ctx context.Context, playerID string, channel models.ChannelType, scopeID string) bool
}

// Config holds the dispatcher tunables.
type Config struct {
	DedupWindow        time.Duration
	RetryInterval      time.Duration
	ExactlyOnceRetries int
	ExactlyOnceTimeout time.Duration
	AtLeastOnceRetries int
	AtLeastOnceBackoff time.Duration
	BestEffortTimeout  time.Duration
}

// Dispatcher runs the pre-delivery pipeline and the tiered delivery.
type Dispatcher struct {
	limiter   *ratelimit.Limiter
	blocks    BlockGate
	mutes     MuteGate
	directory Directory
	transport Transport
	cfg       Config

	mu       sync.Mutex
	dedup    map[string]time.Time
	receipts map[string]*models.DeliveryReceipt

	retry *retryQueue

	nowFn func() time.Time
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(limiter *ratelimit.Limiter, blocks BlockGate, mutes MuteGate,
	directory Directory, transport Transport, cfg Config) *Dispatcher {

	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	return &Dispatcher{
		limiter:   limiter,
		blocks:    blocks,
		mutes:     mutes,
		directory: directory,
		transport: transport,
		cfg:       cfg,
		dedup:     make(map[string]time.Time),
		receipts:  make(map[string]*models.DeliveryReceipt),
		retry:     newRetryQueue(),
		nowFn:     time.Now,
	}
}

// Send runs the pre-delivery pipeline and dispatches per tier. The
// returned message carries its assigned id. Validation, mute, block, and
// dedup failures are permanent; transport failures are retried per tier.
func (d *Dispatcher) Send(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	// 1. Validate. The edge validator already bounds content; this is the
	// component-level backstop.
	if l := len(msg.Content); l == 0 || l > 1000 {
		return msg, models.Reject(models.ReasonValidation, "content length %d out of bounds", len(msg.Content))
	}
	if msg.SenderID == "" {
		return msg, models.Reject(models.ReasonValidation, "missing sender")
	}
	if msg.ChannelType == models.ChannelPrivate && msg.RecipientID == "" {
		return msg, models.Reject(models.ReasonValidation, "private message without recipient")
	}

	// 2. Rate gate.
	if decision := d.limiter.Check(ctx, msg.SenderID, ratelimit.ChannelChat); !decision.Allowed {
		return msg, models.Reject(models.ReasonRateLimited, "chat window exhausted for %s", msg.SenderID)
	}

	// 3. Mute gate.
	scopeID := msg.GuildID
	if msg.ChannelType == models.ChannelArena {
		scopeID = msg.InstanceID
	}
	if d.mutes != nil && d.mutes.IsMuted(ctx, msg.SenderID, msg.ChannelType, scopeID) {
		return msg, models.Reject(models.ReasonMuted, "sender %s is muted", msg.SenderID)
	}

	// 4. Block gate, bidirectional, for addressed messages.
	if msg.RecipientID != "" && d.blocks != nil && d.blocks.IsBlocked(ctx, msg.SenderID, msg.RecipientID) {
		return msg, models.Reject(models.ReasonBlocked, "pair %s/%s is blocked", msg.SenderID, msg.RecipientID)
	}

	if msg.Tier == "" {
		msg.Tier = models.TierFor(msg.ChannelType)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.nowFn()
	}

	// 5. Exactly-once dedup on (sender, content hash, timestamp).
	if msg.Tier == models.TierExactlyOnce {
		if !d.recordDedup(msg) {
			return msg, models.Reject(models.ReasonDuplicate, "duplicate within dedup window")
		}
	}

	msg.MessageID = uuid.NewString()

	recipients, err := d.resolveRecipients(msg)
	if err != nil {
		return msg, models.Reject(models.ReasonInternalError, "failed to resolve recipients: %v", err)
	}

	for _, rcpt := range recipients {
		if rcpt == msg.SenderID && msg.ChannelType != models.ChannelPrivate {
			continue
		}
		// Addressed recipients already passed the gate; broadcast fan-out
		// still drops blocked pairs silently.
		if msg.RecipientID == "" && d.blocks != nil && d.blocks.IsBlocked(ctx, msg.SenderID, rcpt) {
			continue
		}
		d.dispatchOne(ctx, msg, rcpt)
	}
	return msg, nil
}

// dispatchOne makes the first delivery attempt and hands failures to the
// retry engine according to the message's tier.
func (d *Dispatcher) dispatchOne(ctx context.Context, msg models.ChatMessage, recipientID string) {
	receipt := d.ensureReceipt(msg.MessageID, recipientID)

	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout(msg.Tier))
	err := d.transport.Deliver(attemptCtx, recipientID, msg)
	cancel()

	d.mu.Lock()
	receipt.Attempts++
	if err == nil {
		receipt.Status = models.DeliveryDelivered
		receipt.UpdatedAt = d.nowFn()
		d.mu.Unlock()
		return
	}
	receipt.LastError = err.Error()
	receipt.UpdatedAt = d.nowFn()

	if d.maxRetries(msg.Tier) == 0 {
		// Best effort: a failed delivery is dropped, no retry. No overload
		// check exists on this path.
		receipt.Status = models.DeliveryFailed
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.retry.push(retryItem{
		msg:         msg,
		recipientID: recipientID,
		attempts:    1,
		nextRetryAt: d.nowFn().Add(d.backoff(msg.Tier, 1)),
	})
	log.Printf("[CHAT] Delivery of %s to %s failed, scheduled retry: %v", msg.MessageID, recipientID, err)
}

// resolveRecipients expands the channel addressing.
func (d *Dispatcher) resolveRecipients(msg models.ChatMessage) ([]string, error) {
	switch msg.ChannelType {
	case models.ChannelPrivate:
		return []string{msg.RecipientID}, nil
	case models.ChannelArena:
		return d.directory.ArenaRecipients(msg.InstanceID), nil
	case models.ChannelGlobal:
		return d.directory.GlobalRecipients(), nil
	case models.ChannelGuild:
		return d.directory.GuildRecipients(msg.GuildID)
	default:
		return nil, fmt.Errorf("unknown channel type %q", msg.ChannelType)
	}
}

// recordDedup registers the dedup key; false when already present inside
// the window. Stale keys are evicted opportunistically.
func (d *Dispatcher) recordDedup(msg models.ChatMessage) bool {
	sum := sha256.Sum256([]byte(msg.Content))
	key := msg.SenderID + ":" + hex.EncodeToString(sum[:8]) + ":" + strconv.FormatInt(msg.Timestamp.Unix(), 10)

	now := d.nowFn()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.dedup {
		if now.Sub(at) >= d.cfg.DedupWindow {
			delete(d.dedup, k)
		}
	}
	if at, ok := d.dedup[key]; ok && now.Sub(at) < d.cfg.DedupWindow {
		return false
	}
	d.dedup[key] = now
	return true
}

// Receipt returns the delivery receipt for one (message, recipient) pair.
func (d *Dispatcher) Receipt(messageID, recipientID string) (models.DeliveryReceipt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.receipts[receiptKey(messageID, recipientID)]
	if !ok {
		return models.DeliveryReceipt{}, false
	}
	return *r, true
}

func (d *Dispatcher) ensureReceipt(messageID, recipientID string) *models.DeliveryReceipt {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := receiptKey(messageID, recipientID)
	r, ok := d.receipts[key]
	if !ok {
		r = &models.DeliveryReceipt{
			MessageID:   messageID,
			RecipientID: recipientID,
			Status:      models.DeliveryPending,
			UpdatedAt:   d.nowFn(),
		}
		d.receipts[key] = r
	}
	return r
}

func receiptKey(messageID, recipientID string) string {
	return messageID + ":" + recipientID
}

// attemptTimeout is the per-attempt delivery budget of a tier.
func (d *Dispatcher) attemptTimeout(tier models.DeliveryTier) time.Duration {
	switch tier {
	case models.TierExactlyOnce:
		return d.cfg.ExactlyOnceTimeout
	case models.TierBestEffort:
		return d.cfg.BestEffortTimeout
	default:
		return d.cfg.ExactlyOnceTimeout
	}
}

// maxRetries is the retry budget of a tier, beyond the first attempt.
func (d *Dispatcher) maxRetries(tier models.DeliveryTier) int {
	switch tier {
	case models.TierExactlyOnce:
		return d.cfg.ExactlyOnceRetries
	case models.TierAtLeastOnce:
		return d.cfg.AtLeastOnceRetries
	default:
		return 0
	}
}

// backoff is the wait before retry number n (1-based).
func (d *Dispatcher) backoff(tier models.DeliveryTier, n int) time.Duration {
	if tier == models.TierAtLeastOnce {
		// Exponential with multiplier 1.5 from the configured base.
		wait := float64(d.cfg.AtLeastOnceBackoff)
		for i := 1; i < n; i++ {
			wait *= 1.5
		}
		return time.Duration(wait)
	}
	return d.cfg.RetryInterval
}
