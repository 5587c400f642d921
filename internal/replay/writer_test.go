package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilemud/internal/models"
)

func newTestWriter(sink EventSink, cfg Config) *Writer {
	stamp := models.RuleVersionStamp{Type: models.RuleBattle, Version: "1.0.0"}
	return NewWriter("battle-1", stamp, sink, cfg)
}

func TestAppendAssignsGapFreeSequences(t *testing.T) {
	sink := &MemorySink{}
	w := newTestWriter(sink, Config{BatchSize: 100, FlushInterval: time.Hour, MaxBuffer: 1000, Retention: time.Hour})

	for i := 0; i < 25; i++ {
		seq, err := w.Append("tile_placed", "p1", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.Events, 25)
	for i, ev := range sink.Events {
		assert.Equal(t, int64(i+1), ev.Seq)
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(sink.Events[i-1].Timestamp))
		}
	}
}

func TestTimestampsNeverDecrease(t *testing.T) {
	sink := &MemorySink{}
	w := newTestWriter(sink, Config{BatchSize: 10, FlushInterval: time.Hour, MaxBuffer: 100, Retention: time.Hour})

	// Simulate a clock that steps backwards between appends.
	times := []time.Time{
		time.UnixMilli(1000),
		time.UnixMilli(900),
		time.UnixMilli(1100),
	}
	i := 0
	w.nowFn = func() time.Time { t := times[i%len(times)]; i++; return t }

	for range times {
		_, err := w.Append("ev", "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush(context.Background()))

	require.Len(t, sink.Events, 3)
	assert.Equal(t, time.UnixMilli(1000), sink.Events[0].Timestamp)
	assert.Equal(t, time.UnixMilli(1000), sink.Events[1].Timestamp)
	assert.Equal(t, time.UnixMilli(1100), sink.Events[2].Timestamp)
}

func TestFailedFlushKeepsEventsBuffered(t *testing.T) {
	sink := &MemorySink{Fail: errors.New("disk full")}
	w := newTestWriter(sink, Config{BatchSize: 100, FlushInterval: time.Hour, MaxBuffer: 1000, Retention: time.Hour})

	_, err := w.Append("ev", "", nil)
	require.NoError(t, err)

	err = w.Flush(context.Background())
	require.ErrorIs(t, err, ErrWriteFailed)

	// Recover the sink; the buffered event flushes on the next attempt
	// without re-queueing or duplication.
	sink.Fail = nil
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.Events, 1)
	assert.Equal(t, int64(1), sink.Events[0].Seq)
}

func TestOverflowForcesFlushThenSurfaces(t *testing.T) {
	sink := &MemorySink{}
	w := newTestWriter(sink, Config{BatchSize: 2, FlushInterval: time.Hour, MaxBuffer: 4, Retention: time.Hour})

	for i := 0; i < 4; i++ {
		_, err := w.Append("ev", "", nil)
		require.NoError(t, err)
	}
	// Buffer is at MaxBuffer; the next append forces a flush and succeeds.
	_, err := w.Append("ev", "", nil)
	require.NoError(t, err)
	assert.Len(t, sink.Events, 4)

	// With a broken sink the forced flush fails and overflow surfaces.
	sink.Fail = errors.New("sink down")
	for i := 0; i < 3; i++ {
		if _, err := w.Append("ev", "", nil); err != nil {
			t.Fatalf("unexpected error while refilling buffer: %v", err)
		}
	}
	_, err = w.Append("ev", "", nil)
	require.ErrorIs(t, err, ErrBufferOverflow)
}

func TestFinalizeSealsWriter(t *testing.T) {
	sink := &MemorySink{}
	w := newTestWriter(sink, Config{BatchSize: 100, FlushInterval: time.Hour, MaxBuffer: 1000, Retention: 7 * 24 * time.Hour})

	for i := 0; i < 3; i++ {
		_, err := w.Append("ev", "p1", nil)
		require.NoError(t, err)
	}

	meta, err := w.Finalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "battle-1", meta.InstanceID)
	assert.Equal(t, int64(3), meta.EventCount)
	assert.Equal(t, meta.CompletedAt.Add(7*24*time.Hour), meta.ExpiresAt)

	_, err = w.Append("ev", "p1", nil)
	assert.ErrorIs(t, err, ErrFinalized)

	_, err = w.Finalize(context.Background())
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestBatchSizeKicksFlusher(t *testing.T) {
	sink := &MemorySink{}
	w := newTestWriter(sink, Config{BatchSize: 2, FlushInterval: time.Hour, MaxBuffer: 100, Retention: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_, err := w.Append("ev", "", nil)
	require.NoError(t, err)
	_, err = w.Append("ev", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.Size() == 2 }, 2*time.Second, 10*time.Millisecond)
}
