// Package replay implements the per-battle append-only event log: a
// bounded buffer, a monotone sequence counter, and batched flushes into an
// event sink. Flushes are serial per replay; a failed flush keeps the
// batch buffered and surfaces the error rather than re-queueing events.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tilemud/internal/models"
)

var (
	// ErrBufferOverflow is surfaced when the buffer is still full after a
	// forced flush; the event is not recorded.
	ErrBufferOverflow = errors.New("replay: buffer overflow")
	// ErrWriteFailed wraps sink failures surfaced to the caller.
	ErrWriteFailed = errors.New("replay: write failed")
	// ErrFinalized is returned for appends after the replay sealed.
	ErrFinalized = errors.New("replay: already finalized")
)

// Config holds the writer tunables.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBuffer     int
	Retention     time.Duration
}

// Writer is the event log of one battle. Append is cheap and non-blocking
// with respect to I/O; the background flusher and explicit flushes drain
// the buffer into the sink.
type Writer struct {
	instanceID string
	stamp      models.RuleVersionStamp
	sink       EventSink
	cfg        Config

	mu            sync.Mutex
	buf           []models.ReplayEvent
	seq           int64
	lastTimestamp time.Time
	finalized     bool
	flushed       int64

	// flushMu serializes flushes; the buffer lock is never held across
	// sink I/O.
	flushMu sync.Mutex

	kick  chan struct{}
	nowFn func() time.Time
}

// NewWriter creates a writer over the given sink.
func NewWriter(instanceID string, stamp models.RuleVersionStamp, sink EventSink, cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	return &Writer{
		instanceID: instanceID,
		stamp:      stamp,
		sink:       sink,
		cfg:        cfg,
		kick:       make(chan struct{}, 1),
		nowFn:      time.Now,
	}
}

// Stamp returns the rule stamp carried by this replay.
func (w *Writer) Stamp() models.RuleVersionStamp { return w.stamp }

// Append assigns the next sequence number, stamps a non-decreasing
// timestamp, and buffers the event. Crossing the batch size nudges the
// flusher; a full buffer forces a synchronous flush first.
func (w *Writer) Append(eventType, playerID string, data json.RawMessage) (int64, error) {
	w.mu.Lock()
	if w.finalized {
		w.mu.Unlock()
		return 0, ErrFinalized
	}
	if len(w.buf) >= w.cfg.MaxBuffer {
		w.mu.Unlock()
		if err := w.Flush(context.Background()); err != nil {
			return 0, fmt.Errorf("%w: forced flush failed: %v", ErrBufferOverflow, err)
		}
		w.mu.Lock()
		if w.finalized {
			w.mu.Unlock()
			return 0, ErrFinalized
		}
		if len(w.buf) >= w.cfg.MaxBuffer {
			w.mu.Unlock()
			return 0, ErrBufferOverflow
		}
	}

	w.seq++
	ts := w.nowFn()
	if ts.Before(w.lastTimestamp) {
		ts = w.lastTimestamp
	}
	w.lastTimestamp = ts

	ev := models.ReplayEvent{
		Seq:       w.seq,
		Timestamp: ts,
		Type:      eventType,
		PlayerID:  playerID,
		Data:      data,
	}
	w.buf = append(w.buf, ev)
	shouldKick := len(w.buf) >= w.cfg.BatchSize
	seq := w.seq
	w.mu.Unlock()

	if shouldKick {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return seq, nil
}

// Flush drains the buffered events into the sink. Serial per replay: a
// second caller waits. On sink failure the events stay buffered and the
// error is surfaced; the next interval retries.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := make([]models.ReplayEvent, len(w.buf))
	copy(batch, w.buf)
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.sink.WriteBatch(batch); err != nil {
		log.Printf("[REPLAY] Flush of %d events for %s failed: %v", len(batch), w.instanceID, err)
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	w.mu.Lock()
	// Only drop what was snapshotted; appends racing the flush survive.
	w.buf = w.buf[len(batch):]
	w.flushed += int64(len(batch))
	w.mu.Unlock()
	return nil
}

// Run drives interval flushes until the context ends or Finalize closes
// the writer.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-w.kick:
		case <-ctx.Done():
			return
		}
		w.mu.Lock()
		done := w.finalized
		w.mu.Unlock()
		if done {
			return
		}
		if err := w.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[REPLAY] Interval flush for %s failed: %v", w.instanceID, err)
		}
	}
}

// Finalize performs one last flush, seals the writer, closes the sink, and
// returns the replay summary with expiry = completion + retention.
func (w *Writer) Finalize(ctx context.Context) (models.ReplayMetadata, error) {
	if err := w.Flush(ctx); err != nil {
		return models.ReplayMetadata{}, err
	}

	w.mu.Lock()
	if w.finalized {
		w.mu.Unlock()
		return models.ReplayMetadata{}, ErrFinalized
	}
	w.finalized = true
	eventCount := w.flushed
	w.mu.Unlock()

	if err := w.sink.Close(); err != nil {
		return models.ReplayMetadata{}, fmt.Errorf("failed to close replay sink: %w", err)
	}

	completed := w.nowFn()
	meta := models.ReplayMetadata{
		InstanceID:  w.instanceID,
		EventCount:  eventCount,
		SizeBytes:   w.sink.Size(),
		CompletedAt: completed,
		ExpiresAt:   completed.Add(w.cfg.Retention),
	}
	log.Printf("[REPLAY] Replay for %s finalized: %d events, %d bytes.",
		w.instanceID, meta.EventCount, meta.SizeBytes)
	return meta, nil
}
