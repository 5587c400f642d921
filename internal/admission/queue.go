// Per-instance admission queue: an ordered waitlist that absorbs demand an
// instance cannot seat. Order is enqueue time ascending with a deterministic
// tie-break on character id, so two racing enqueues always promote in the
// same order on every replay of the history.

package admission

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tilemud/internal/models"
)

var (
	// ErrQueueFull is returned when the per-instance cap is reached.
	ErrQueueFull = errors.New("admission: queue full")
	// ErrAlreadyQueued is returned on a duplicate (instance, character) enqueue.
	ErrAlreadyQueued = errors.New("admission: character already queued")
)

// Queue is the bounded, ordered waitlist for every instance.
type Queue struct {
	mu          sync.Mutex
	perInstance map[string][]models.QueueEntry
	maxSize     int
	entryTTL    time.Duration
	nowFn       func() time.Time
}

// NewQueue creates a queue with the given per-instance cap and entry TTL.
func NewQueue(maxSize int, entryTTL time.Duration) *Queue {
	return &Queue{
		perInstance: make(map[string][]models.QueueEntry),
		maxSize:     maxSize,
		entryTTL:    entryTTL,
		nowFn:       time.Now,
	}
}

// Enqueue appends a waiting character and returns its position and the
// resulting depth. Duplicate characters and full queues are refused.
func (q *Queue) Enqueue(instanceID, characterID, userID string) (position, depth int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.perInstance[instanceID]
	for i, e := range entries {
		if e.CharacterID == characterID {
			return i, len(entries), ErrAlreadyQueued
		}
	}
	if len(entries) >= q.maxSize {
		return 0, len(entries), ErrQueueFull
	}

	entry := models.QueueEntry{
		CharacterID: characterID,
		UserID:      userID,
		InstanceID:  instanceID,
		EnqueuedAt:  q.nowFn(),
		AttemptID:   uuid.NewString(),
	}
	entries = append(entries, entry)
	sortEntries(entries)
	q.perInstance[instanceID] = entries

	return q.positionLocked(entries, characterID), len(entries), nil
}

// Peek returns the head entry without removing it.
func (q *Queue) Peek(instanceID string) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.perInstance[instanceID]
	if len(entries) == 0 {
		return models.QueueEntry{}, false
	}
	return entries[0], true
}

// DequeueHead removes and returns the head entry.
func (q *Queue) DequeueHead(instanceID string) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.perInstance[instanceID]
	if len(entries) == 0 {
		return models.QueueEntry{}, false
	}
	head := entries[0]
	q.setLocked(instanceID, entries[1:])
	return head, true
}

// Remove deletes a character's entry, reporting whether one existed.
func (q *Queue) Remove(instanceID, characterID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.perInstance[instanceID]
	for i, e := range entries {
		if e.CharacterID == characterID {
			q.setLocked(instanceID, append(entries[:i:i], entries[i+1:]...))
			return true
		}
	}
	return false
}

// PositionOf returns a character's zero-based position, or -1.
func (q *Queue) PositionOf(instanceID, characterID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(q.perInstance[instanceID], characterID)
}

// Depth reports the number of waiting entries for an instance.
func (q *Queue) Depth(instanceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perInstance[instanceID])
}

// IsExpired reports whether an entry has outlived the queue TTL.
func (q *Queue) IsExpired(e models.QueueEntry) bool {
	return q.nowFn().Sub(e.EnqueuedAt) > q.entryTTL
}

// ReapExpired drops entries older than the TTL across all instances and
// returns how many were removed.
func (q *Queue) ReapExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.nowFn().Add(-q.entryTTL)
	removed := 0
	for instanceID, entries := range q.perInstance {
		kept := entries[:0]
		for _, e := range entries {
			if e.EnqueuedAt.After(cutoff) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		q.setLocked(instanceID, kept)
	}
	return removed
}

// Run drives the periodic TTL reap until the context ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	log.Println("[QUEUE] TTL reaper running.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := q.ReapExpired(); n > 0 {
				log.Printf("[QUEUE] Reaped %d expired queue entries.", n)
			}
		case <-ctx.Done():
			log.Println("[QUEUE] TTL reaper stopped.")
			return
		}
	}
}

func (q *Queue) positionLocked(entries []models.QueueEntry, characterID string) int {
	for i, e := range entries {
		if e.CharacterID == characterID {
			return i
		}
	}
	return -1
}

func (q *Queue) setLocked(instanceID string, entries []models.QueueEntry) {
	if len(entries) == 0 {
		delete(q.perInstance, instanceID)
		return
	}
	q.perInstance[instanceID] = entries
}

func sortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].CharacterID < entries[j].CharacterID
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
}
