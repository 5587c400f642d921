// Event sinks for replay streams. The production sink is an append-only
// JSON-lines file per battle; the finalized file is what gets archived.

package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"tilemud/internal/models"
)

// EventSink receives flushed batches of replay events.
type EventSink interface {
	// WriteBatch appends a batch; either the whole batch lands or none of it.
	WriteBatch(events []models.ReplayEvent) error
	// Size reports the bytes written so far.
	Size() int64
	// Close flushes underlying buffers and releases the sink.
	Close() error
}

// FileSink writes one JSON object per line to a spool file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	size int64
	path string
}

// NewFileSink creates the spool file for an instance under dir.
func NewFileSink(dir, instanceID string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create replay dir: %w", err)
	}
	path := filepath.Join(dir, instanceID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay spool: %w", err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file), path: path}, nil
}

// Path returns the spool file location, used by the archiver on finalize.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) WriteBatch(events []models.ReplayEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek replay spool: %w", err)
	}
	for _, ev := range events {
		if err := s.enc.Encode(ev); err != nil {
			// Truncate back to the batch start so a partial batch never
			// survives; the caller keeps the events buffered.
			if truncErr := s.file.Truncate(start); truncErr != nil {
				return fmt.Errorf("failed to encode event and truncate spool: %v (encode: %w)", truncErr, err)
			}
			return fmt.Errorf("failed to encode replay event: %w", err)
		}
	}
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size replay spool: %w", err)
	}
	s.size = end
	return nil
}

func (s *FileSink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MemorySink collects events in memory; used by tests. Its Size reports the
// number of collected events, not bytes.
type MemorySink struct {
	mu     sync.Mutex
	Events []models.ReplayEvent
	Fail   error // when set, WriteBatch fails with it
}

func (s *MemorySink) WriteBatch(events []models.ReplayEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.Events = append(s.Events, events...)
	return nil
}

func (s *MemorySink) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.Events))
}

func (s *MemorySink) Close() error { return nil }
