// Package session owns the authoritative CharacterSession table and its
// lifecycle: admission creates sessions, transport drops park them in a
// grace window, reconnection reclaims them, and termination removes them.
//
// Capacity accounting counts only active sessions. A grace session gives
// its slot back immediately so the admission queue can advance; the grace
// promise is advisory and reconnection may race a promoted client.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/kvstore"
	"tilemud/internal/models"
)

var (
	// ErrAlreadyInSession is returned when a character already holds a
	// non-terminating session anywhere in the system.
	ErrAlreadyInSession = errors.New("session: character already has a session")
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")
	// ErrNotActive is returned when a transition requires an active session.
	ErrNotActive = errors.New("session: not active")
	// ErrNotInGrace is returned when reclaiming a session that is not graced.
	ErrNotInGrace = errors.New("session: not in grace")
	// ErrGraceExpired is returned when the grace window has already closed.
	ErrGraceExpired = errors.New("session: grace window expired")
)

const reconnectKeyPrefix = "session:reconnect:"

// Registry maintains the session table plus the byCharacter, byInstance and
// reconnection-token indexes. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*models.CharacterSession
	// byCharacter holds the single non-terminating session per character.
	byCharacter map[string]string
	// byInstance holds the active set per instance; this is the capacity
	// accounting (grace sessions are absent).
	byInstance map[string]map[string]struct{}

	tokens         kvstore.Store
	gracePeriod    time.Duration
	sessionTimeout time.Duration

	// onSlotFreed fires (asynchronously) whenever an active session stops
	// holding a capacity slot; the admission driver uses it to promote the
	// queue head.
	onSlotFreed func(instanceID string)
	// onTerminated fires after a session fully terminates.
	onTerminated func(sess models.CharacterSession, reason models.TerminationReason)

	nowFn func() time.Time
}

// NewRegistry creates an empty registry. The token store holds the
// single-use reconnection tokens; a token outlives drops but is only
// redeemable while its session is in grace.
func NewRegistry(tokens kvstore.Store, gracePeriod, sessionTimeout time.Duration) *Registry {
	return &Registry{
		sessions:       make(map[string]*models.CharacterSession),
		byCharacter:    make(map[string]string),
		byInstance:     make(map[string]map[string]struct{}),
		tokens:         tokens,
		gracePeriod:    gracePeriod,
		sessionTimeout: sessionTimeout,
		nowFn:          time.Now,
	}
}

// OnSlotFreed registers the callback fired when a capacity slot opens.
func (r *Registry) OnSlotFreed(fn func(instanceID string)) { r.onSlotFreed = fn }

// OnTerminated registers the callback fired after termination completes.
func (r *Registry) OnTerminated(fn func(models.CharacterSession, models.TerminationReason)) {
	r.onTerminated = fn
}

// CreateSession admits a character into an instance with a fresh active
// session. It refuses if the character already holds a non-terminating
// session anywhere (invariant: one session per character).
//
// The reconnection token is pre-issued here so the client holds it before
// any transport drop; it only becomes redeemable while the session sits in
// its grace window.
func (r *Registry) CreateSession(ctx context.Context, characterID, userID, instanceID, replacementOf string) (models.CharacterSession, error) {
	r.mu.Lock()

	if existingID, ok := r.byCharacter[characterID]; ok {
		if existing := r.sessions[existingID]; existing != nil && existing.State != models.SessionTerminating {
			r.mu.Unlock()
			return models.CharacterSession{}, ErrAlreadyInSession
		}
	}

	now := r.nowFn()
	sess := &models.CharacterSession{
		SessionID:         uuid.NewString(),
		CharacterID:       characterID,
		UserID:            userID,
		InstanceID:        instanceID,
		State:             models.SessionActive,
		AdmittedAt:        now,
		LastHeartbeatAt:   now,
		ReconnectionToken: uuid.NewString(),
		ReplacementOf:     replacementOf,
	}

	r.sessions[sess.SessionID] = sess
	r.byCharacter[characterID] = sess.SessionID
	if r.byInstance[instanceID] == nil {
		r.byInstance[instanceID] = make(map[string]struct{})
	}
	r.byInstance[instanceID][sess.SessionID] = struct{}{}
	created := *sess
	r.mu.Unlock()

	if err := r.tokens.SetToken(ctx, reconnectKeyPrefix+created.ReconnectionToken,
		created.SessionID, r.sessionTimeout); err != nil {
		// The session stands; the client just cannot reclaim a future
		// drop with this token and will re-admit instead.
		log.Printf("[SESSION] Failed to store reconnection token for %s: %v", created.SessionID, err)
	}
	return created, nil
}

// Get returns a copy of a session by id.
func (r *Registry) Get(sessionID string) (models.CharacterSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return models.CharacterSession{}, false
	}
	return *sess, true
}

// GetByCharacter returns a copy of the character's non-terminating session.
func (r *Registry) GetByCharacter(characterID string) (models.CharacterSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCharacter[characterID]
	if !ok {
		return models.CharacterSession{}, false
	}
	sess, ok := r.sessions[id]
	if !ok || sess.State == models.SessionTerminating {
		return models.CharacterSession{}, false
	}
	return *sess, true
}

// ActiveCount reports how many capacity slots an instance currently uses.
func (r *Registry) ActiveCount(instanceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byInstance[instanceID])
}

// ActiveSessions returns copies of every active session in an instance.
func (r *Registry) ActiveSessions(instanceID string) []models.CharacterSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.CharacterSession, 0, len(r.byInstance[instanceID]))
	for id := range r.byInstance[instanceID] {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, *sess)
		}
	}
	return out
}

// Heartbeat stamps the session's last heartbeat time.
func (r *Registry) Heartbeat(sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.LastHeartbeatAt = at
	return nil
}

// MarkDisconnected moves an active session into grace when its transport
// drops. The capacity slot frees immediately so the queue can advance;
// the pre-issued reconnection token becomes redeemable for the duration
// of the grace window.
func (r *Registry) MarkDisconnected(sessionID string) (time.Time, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return time.Time{}, ErrNotFound
	}
	if sess.State != models.SessionActive {
		r.mu.Unlock()
		return time.Time{}, ErrNotActive
	}

	expires := r.nowFn().Add(r.gracePeriod)
	sess.State = models.SessionGrace
	sess.GraceExpiresAt = &expires
	r.removeFromInstance(sess)
	instanceID := sess.InstanceID
	r.mu.Unlock()

	r.notifySlotFreed(instanceID)
	log.Printf("[SESSION] Session %s entered grace until %s.", sessionID, expires.Format(time.RFC3339))
	return expires, nil
}

// ResolveReconnection consumes a reconnection token and returns the graced
// session it resolves to. The token is single-use: it is removed from the
// store before validation, so a second presentation fails.
func (r *Registry) ResolveReconnection(ctx context.Context, token string) (models.CharacterSession, error) {
	sessionID, err := r.tokens.TakeToken(ctx, reconnectKeyPrefix+token)
	if err == kvstore.ErrNotFound {
		return models.CharacterSession{}, ErrGraceExpired
	}
	if err != nil {
		return models.CharacterSession{}, fmt.Errorf("failed to resolve reconnection token: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return models.CharacterSession{}, ErrNotFound
	}
	if sess.State != models.SessionGrace {
		return models.CharacterSession{}, ErrNotInGrace
	}
	if sess.GraceExpiresAt == nil || !r.nowFn().Before(*sess.GraceExpiresAt) {
		return models.CharacterSession{}, ErrGraceExpired
	}
	return *sess, nil
}

// PromoteGrace returns a graced session to active, reclaiming a capacity
// slot, and rotates the reconnection token for the next drop. The caller
// (admission controller) holds the instance capacity gate.
func (r *Registry) PromoteGrace(ctx context.Context, sessionID string) (models.CharacterSession, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return models.CharacterSession{}, ErrNotFound
	}
	if sess.State != models.SessionGrace {
		r.mu.Unlock()
		return models.CharacterSession{}, ErrNotInGrace
	}

	sess.State = models.SessionActive
	sess.GraceExpiresAt = nil
	sess.ReconnectionToken = uuid.NewString()
	sess.LastHeartbeatAt = r.nowFn()
	if r.byInstance[sess.InstanceID] == nil {
		r.byInstance[sess.InstanceID] = make(map[string]struct{})
	}
	r.byInstance[sess.InstanceID][sess.SessionID] = struct{}{}
	restored := *sess
	r.mu.Unlock()

	if err := r.tokens.SetToken(ctx, reconnectKeyPrefix+restored.ReconnectionToken,
		restored.SessionID, r.sessionTimeout); err != nil {
		log.Printf("[SESSION] Failed to rotate reconnection token for %s: %v", sessionID, err)
	}
	return restored, nil
}

// Terminate moves a session to terminating and removes it from every
// index. Terminating an already-terminating or unknown session is a no-op
// error so callers can treat it as idempotent.
func (r *Registry) Terminate(ctx context.Context, sessionID string, reason models.TerminationReason) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.State == models.SessionTerminating {
		r.mu.Unlock()
		return ErrNotFound
	}

	wasActive := sess.State == models.SessionActive
	token := sess.ReconnectionToken
	sess.State = models.SessionTerminating
	sess.GraceExpiresAt = nil
	sess.ReconnectionToken = ""
	r.removeFromInstance(sess)
	delete(r.byCharacter, sess.CharacterID)
	terminated := *sess
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if token != "" {
		if err := r.tokens.Delete(ctx, reconnectKeyPrefix+token); err != nil {
			log.Printf("[SESSION] Failed to delete reconnection token for %s: %v", sessionID, err)
		}
	}

	if wasActive {
		r.notifySlotFreed(terminated.InstanceID)
	}
	if r.onTerminated != nil {
		r.onTerminated(terminated, reason)
	}
	log.Printf("[SESSION] Session %s terminated (%s).", sessionID, reason)
	return nil
}

// TerminateInstance terminates every non-terminating session of an
// instance, used on resolve and abort.
func (r *Registry) TerminateInstance(ctx context.Context, instanceID string, reason models.TerminationReason) int {
	r.mu.RLock()
	var ids []string
	for id, sess := range r.sessions {
		if sess.InstanceID == instanceID && sess.State != models.SessionTerminating {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Terminate(ctx, id, reason)
	}
	return len(ids)
}

// Run drives the periodic grace-expiry scan until the context ends.
func (r *Registry) Run(ctx context.Context, scanInterval time.Duration) {
	log.Println("[SESSION] Grace-expiry scan running.")
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expireGraces(ctx)
		case <-ctx.Done():
			log.Println("[SESSION] Grace-expiry scan stopped.")
			return
		}
	}
}

// expireGraces terminates every grace session whose window has closed.
func (r *Registry) expireGraces(ctx context.Context) {
	now := r.nowFn()

	r.mu.RLock()
	var expired []string
	for id, sess := range r.sessions {
		if sess.State == models.SessionGrace && sess.GraceExpiresAt != nil && !now.Before(*sess.GraceExpiresAt) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.Terminate(ctx, id, models.TerminateGraceOver); err == nil {
			log.Printf("[SESSION] Grace window expired for session %s.", id)
		}
	}
}

// removeFromInstance drops a session from the active set. Caller holds mu.
func (r *Registry) removeFromInstance(sess *models.CharacterSession) {
	if set := r.byInstance[sess.InstanceID]; set != nil {
		delete(set, sess.SessionID)
		if len(set) == 0 {
			delete(r.byInstance, sess.InstanceID)
		}
	}
}

// notifySlotFreed fires the slot-freed callback without holding any
// registry lock; the admission driver re-enters the registry from it.
func (r *Registry) notifySlotFreed(instanceID string) {
	if r.onSlotFreed != nil {
		go r.onSlotFreed(instanceID)
	}
}
