// Package admission implements the single atomic decision point through
// which every client enters an instance: admit, queue, reject, or replace.
// The critical section is keyed by instance first and character second, the
// global lock order that every capacity-touching path follows.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tilemud/internal/crypto"
	"tilemud/internal/kvstore"
	"tilemud/internal/models"
	"tilemud/internal/ratelimit"
	"tilemud/internal/session"
)

const replaceKeyPrefix = "admission:replace:"

// InstanceDirectory exposes the instance records the controller gates on.
type InstanceDirectory interface {
	GetInstance(instanceID string) (models.Instance, bool)
}

// Config holds the controller tunables.
type Config struct {
	ReplacementTokenTTL time.Duration
	TokenSealKey        string
	DefaultAdmitGap     time.Duration // seed for the estimated-wait average
}

// Controller makes admission decisions. All public methods are safe for
// concurrent use.
type Controller struct {
	registry  *session.Registry
	queue     *Queue
	limiter   *ratelimit.Limiter
	instances InstanceDirectory
	store     kvstore.Store
	cfg       Config

	locks keyedLocks

	statsMu    sync.Mutex
	admitStats map[string]*admitStat

	// onPromoted fires when a queued character is promoted to a session.
	onPromoted func(entry models.QueueEntry, sess models.CharacterSession)

	nowFn func() time.Time
}

// admitStat tracks the running admission cadence of one instance, feeding
// the advisory wait estimate returned to queued clients.
type admitStat struct {
	lastAdmitAt time.Time
	avgInterval time.Duration
}

// NewController wires the controller to its collaborators.
func NewController(registry *session.Registry, queue *Queue, limiter *ratelimit.Limiter,
	instances InstanceDirectory, store kvstore.Store, cfg Config) *Controller {

	if cfg.DefaultAdmitGap <= 0 {
		cfg.DefaultAdmitGap = 5 * time.Second
	}
	c := &Controller{
		registry:   registry,
		queue:      queue,
		limiter:    limiter,
		instances:  instances,
		store:      store,
		cfg:        cfg,
		admitStats: make(map[string]*admitStat),
		nowFn:      time.Now,
	}
	registry.OnSlotFreed(c.PromoteNext)
	return c
}

// OnPromoted registers the callback fired for queue promotions.
func (c *Controller) OnPromoted(fn func(models.QueueEntry, models.CharacterSession)) {
	c.onPromoted = fn
}

// Admit is the single synchronous entry point for a client wishing to
// enter an instance. The decision is atomic with respect to the caller's
// existing session, the instance active-set size, the queue size, and the
// rate-limit state. Any unexpected failure returns REJECTED(INTERNAL_ERROR)
// with no side effects.
func (c *Controller) Admit(ctx context.Context, instanceID, characterID, userID, replaceToken string) (result models.AdmitResult) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[ADMISSION] Panic during admit of %s into %s: %v", characterID, instanceID, p)
			result = rejected(models.ReasonInternalError, 0)
		}
	}()

	// 1. Rate gate, before any lock is taken.
	if locked, remaining := c.limiter.InLockout(ctx, userID); locked {
		return rejected(models.ReasonRateLimited, remaining)
	}
	if d := c.limiter.Check(ctx, userID, ratelimit.ChannelAdmission); !d.Allowed {
		c.limiter.RecordRejection(ctx, userID)
		return rejected(models.ReasonRateLimited, d.RetryAfter)
	}

	inst, ok := c.instances.GetInstance(instanceID)
	if !ok {
		return rejected(models.ReasonInvalidInstance, 0)
	}
	if inst.State == models.InstanceResolved || inst.State == models.InstanceAborted {
		return rejected(models.ReasonInstanceUnavailable, 0)
	}

	// 2. Critical section: instance lock first, character lock second.
	unlock := c.locks.lockPair("i:"+instanceID, "c:"+characterID)
	defer unlock()

	replacedOld := ""
	if existing, ok := c.registry.GetByCharacter(characterID); ok {
		res, terminate := c.resolveExistingSession(ctx, existing, instanceID, characterID, replaceToken)
		if res != nil {
			return *res
		}
		if terminate {
			if err := c.registry.Terminate(ctx, existing.SessionID, models.TerminateReplace); err != nil {
				log.Printf("[ADMISSION] Failed to terminate replaced session %s: %v", existing.SessionID, err)
				return rejected(models.ReasonInternalError, 0)
			}
			replacedOld = existing.SessionID
		}
	}

	// 3. Capacity gate. Replacement does not bypass it.
	if c.registry.ActiveCount(instanceID) < inst.Capacity {
		sess, err := c.registry.CreateSession(ctx, characterID, userID, instanceID, replacedOld)
		if err != nil {
			if errors.Is(err, session.ErrAlreadyInSession) {
				return rejected(models.ReasonAlreadyInSession, 0)
			}
			log.Printf("[ADMISSION] Failed to create session for %s: %v", characterID, err)
			return rejected(models.ReasonInternalError, 0)
		}

		// A caller that went away mid-decision must not leave a live
		// session behind; roll back before returning.
		if ctx.Err() != nil {
			_ = c.registry.Terminate(context.Background(), sess.SessionID, models.TerminateLeave)
			return rejected(models.ReasonInternalError, 0)
		}

		c.recordAdmission(instanceID)
		status := models.AdmitAdmitted
		if replacedOld != "" {
			status = models.AdmitReplaced
		}
		return models.AdmitResult{
			Status:            status,
			SessionID:         sess.SessionID,
			ReconnectionToken: sess.ReconnectionToken,
		}
	}

	// 4. Queue gate.
	position, depth, err := c.queue.Enqueue(instanceID, characterID, userID)
	if err == nil || errors.Is(err, ErrAlreadyQueued) {
		return models.AdmitResult{
			Status:               models.AdmitQueued,
			QueuePosition:        position,
			QueueDepth:           depth,
			EstimatedWaitSeconds: c.estimateWait(instanceID, position, depth),
		}
	}
	if errors.Is(err, ErrQueueFull) {
		c.limiter.RecordRejection(ctx, userID)
		return rejected(models.ReasonQueueFull, 0)
	}
	log.Printf("[ADMISSION] Enqueue failed for %s: %v", characterID, err)
	return rejected(models.ReasonInternalError, 0)
}

// resolveExistingSession handles step 2 of the admission algorithm. It
// returns a terminal result, or terminate=true when the old session should
// be replaced and admission should continue.
func (c *Controller) resolveExistingSession(ctx context.Context, existing models.CharacterSession,
	instanceID, characterID, replaceToken string) (*models.AdmitResult, bool) {

	// A graced session of the same character is superseded outright: the
	// owner is back through the front door, so the grace promise is moot.
	if existing.State == models.SessionGrace {
		return nil, true
	}

	if replaceToken == "" {
		token, err := c.mintReplacementToken(ctx, characterID, existing.SessionID)
		if err != nil {
			log.Printf("[ADMISSION] Failed to mint replacement token for %s: %v", characterID, err)
			r := rejected(models.ReasonInternalError, 0)
			return &r, false
		}
		return &models.AdmitResult{
			Status:           models.AdmitReplaceRequired,
			ExistingSession:  &existing,
			ReplacementToken: token,
		}, false
	}

	if err := c.consumeReplacementToken(ctx, replaceToken, characterID, existing.SessionID); err != nil {
		r := rejected(models.ReasonTokenExpired, 0)
		return &r, false
	}
	return nil, true
}

// mintReplacementToken seals (characterID, sessionID) and stores the token
// single-use with a short TTL.
func (c *Controller) mintReplacementToken(ctx context.Context, characterID, sessionID string) (string, error) {
	token, err := crypto.Seal(characterID+"|"+sessionID, c.cfg.TokenSealKey)
	if err != nil {
		return "", fmt.Errorf("failed to seal replacement token: %w", err)
	}
	if err := c.store.SetToken(ctx, replaceKeyPrefix+token, sessionID, c.cfg.ReplacementTokenTTL); err != nil {
		return "", fmt.Errorf("failed to store replacement token: %w", err)
	}
	return token, nil
}

// consumeReplacementToken validates a presented token: it must still be in
// the store (TTL, single use) and its sealed payload must match the caller.
func (c *Controller) consumeReplacementToken(ctx context.Context, token, characterID, sessionID string) error {
	stored, err := c.store.TakeToken(ctx, replaceKeyPrefix+token)
	if err != nil {
		return fmt.Errorf("replacement token not found: %w", err)
	}
	payload, err := crypto.Open(token, c.cfg.TokenSealKey)
	if err != nil {
		return fmt.Errorf("replacement token unreadable: %w", err)
	}
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 || parts[0] != characterID || parts[1] != sessionID || stored != sessionID {
		return errors.New("replacement token does not match session")
	}
	return nil
}

// Reconnect reclaims a graced session with a single-use token. Because the
// grace slot was given back on disconnect, reconnection races the queue:
// a full instance rejects with CAPACITY_FULL and the client re-enters
// through normal admission.
func (c *Controller) Reconnect(ctx context.Context, instanceID, token string) models.AdmitResult {
	sess, err := c.registry.ResolveReconnection(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrGraceExpired), errors.Is(err, session.ErrNotInGrace):
			return rejected(models.ReasonTokenExpired, 0)
		case errors.Is(err, session.ErrNotFound):
			return rejected(models.ReasonInvalidInstance, 0)
		default:
			log.Printf("[ADMISSION] Reconnect resolution failed: %v", err)
			return rejected(models.ReasonInternalError, 0)
		}
	}
	if sess.InstanceID != instanceID {
		return rejected(models.ReasonInvalidInstance, 0)
	}

	inst, ok := c.instances.GetInstance(instanceID)
	if !ok {
		return rejected(models.ReasonInvalidInstance, 0)
	}

	unlock := c.locks.lockPair("i:"+instanceID, "c:"+sess.CharacterID)
	defer unlock()

	if c.registry.ActiveCount(instanceID) >= inst.Capacity {
		return rejected(models.ReasonCapacityFull, 0)
	}

	restored, err := c.registry.PromoteGrace(ctx, sess.SessionID)
	if err != nil {
		log.Printf("[ADMISSION] Failed to restore graced session %s: %v", sess.SessionID, err)
		return rejected(models.ReasonInternalError, 0)
	}
	return models.AdmitResult{
		Status:            models.AdmitAdmitted,
		SessionID:         restored.SessionID,
		ReconnectionToken: restored.ReconnectionToken,
	}
}

// PromoteNext advances the queue after a capacity slot frees: it dequeues
// until it finds one still-valid entry, admits it, and stops. Invalid
// entries (TTL elapsed, or the character found a session elsewhere) are
// discarded.
func (c *Controller) PromoteNext(instanceID string) {
	inst, ok := c.instances.GetInstance(instanceID)
	if !ok || inst.State == models.InstanceResolved || inst.State == models.InstanceAborted {
		return
	}

	unlock := c.locks.lock("i:" + instanceID)
	defer unlock()

	for c.registry.ActiveCount(instanceID) < inst.Capacity {
		entry, ok := c.queue.DequeueHead(instanceID)
		if !ok {
			return
		}
		if c.queue.IsExpired(entry) {
			log.Printf("[ADMISSION] Discarding expired queue entry for %s on %s.", entry.CharacterID, instanceID)
			continue
		}
		if _, exists := c.registry.GetByCharacter(entry.CharacterID); exists {
			log.Printf("[ADMISSION] Discarding queue entry for %s: already has a session.", entry.CharacterID)
			continue
		}

		sess, err := c.registry.CreateSession(context.Background(), entry.CharacterID, entry.UserID, instanceID, "")
		if err != nil {
			log.Printf("[ADMISSION] Promotion of %s failed: %v", entry.CharacterID, err)
			continue
		}
		c.recordAdmission(instanceID)
		log.Printf("[ADMISSION] Promoted %s from queue into %s (session %s).",
			entry.CharacterID, instanceID, sess.SessionID)
		if c.onPromoted != nil {
			c.onPromoted(entry, sess)
		}
		return
	}
}

// LeaveQueue removes a waiting character, e.g. on explicit cancel.
func (c *Controller) LeaveQueue(instanceID, characterID string) bool {
	return c.queue.Remove(instanceID, characterID)
}

// Status reports the capacity view of an instance for GET /status.
func (c *Controller) Status(instanceID string) (models.InstanceStatusResponse, bool) {
	inst, ok := c.instances.GetInstance(instanceID)
	if !ok {
		return models.InstanceStatusResponse{}, false
	}
	active := c.registry.ActiveCount(instanceID)
	available := inst.Capacity - active
	if available < 0 {
		available = 0
	}
	return models.InstanceStatusResponse{
		Available:  available,
		Total:      inst.Capacity,
		QueueDepth: c.queue.Depth(instanceID),
	}, true
}

// recordAdmission feeds the per-instance admission cadence average.
func (c *Controller) recordAdmission(instanceID string) {
	now := c.nowFn()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	st := c.admitStats[instanceID]
	if st == nil {
		c.admitStats[instanceID] = &admitStat{lastAdmitAt: now, avgInterval: c.cfg.DefaultAdmitGap}
		return
	}
	gap := now.Sub(st.lastAdmitAt)
	// Exponential moving average, biased toward history to smooth bursts.
	st.avgInterval = (st.avgInterval*4 + gap) / 5
	st.lastAdmitAt = now
}

// estimateWait is the advisory wait estimate:
// position x average_admission_interval x (1 + depth/100).
func (c *Controller) estimateWait(instanceID string, position, depth int) int {
	c.statsMu.Lock()
	avg := c.cfg.DefaultAdmitGap
	if st := c.admitStats[instanceID]; st != nil {
		avg = st.avgInterval
	}
	c.statsMu.Unlock()

	est := float64(position+1) * avg.Seconds() * (1 + float64(depth)/100)
	return int(est)
}

func rejected(reason models.RejectionReason, retryAfter time.Duration) models.AdmitResult {
	r := models.AdmitResult{Status: models.AdmitRejected, Reason: reason}
	if retryAfter > 0 {
		r.RetryAfterSeconds = int(retryAfter.Seconds() + 0.5)
	}
	return r
}

// keyedLocks hands out one mutex per key, letting the controller compose
// the instance and character critical sections in a fixed order.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *keyedLocks) get(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// lock acquires a single keyed mutex and returns its release func.
func (t *keyedLocks) lock(key string) func() {
	l := t.get(key)
	l.Lock()
	return l.Unlock
}

// lockPair acquires two keyed mutexes in argument order and releases them
// in reverse. Callers always pass instance first, character second.
func (t *keyedLocks) lockPair(first, second string) func() {
	a := t.get(first)
	b := t.get(second)
	a.Lock()
	b.Lock()
	return func() {
		b.Unlock()
		a.Unlock()
	}
}
