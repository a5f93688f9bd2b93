package activity

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ErrSourceClosed is returned when emitting to a closed source.
var ErrSourceClosed = errors.New("activity: source closed")

// DefaultBufferSize is the event buffer of the built-in sources.
const DefaultBufferSize = 256

// ChanSource is a Source fed programmatically, by an embedding editor or
// by the local HTTP API.
type ChanSource struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewChanSource creates a source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &ChanSource{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the event channel.
func (s *ChanSource) Events() <-chan Event {
	return s.ch
}

// Emit queues ev, blocking while the buffer is full.
func (s *ChanSource) Emit(ctx context.Context, ev Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSourceClosed
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSourceClosed
	}
}

// Close ends the source. Pending events stay readable.
func (s *ChanSource) Close() {
	s.once.Do(func() {
		// releases emitters blocked on a full buffer, which hold the read lock
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		close(s.ch)
	})
}

// LineSource reads one JSON event per line, e.g. from an editor that
// pipes events into the agent's stdin.
type LineSource struct {
	r      io.Reader
	ch     chan Event
	logger *slog.Logger
}

// NewLineSource creates a source over r. Call Run to start reading.
func NewLineSource(r io.Reader, logger *slog.Logger) *LineSource {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LineSource{
		r:      r,
		ch:     make(chan Event, DefaultBufferSize),
		logger: logger.With("component", "activity"),
	}
}

// Events returns the event channel.
func (s *LineSource) Events() <-chan Event {
	return s.ch
}

// Run reads until EOF or ctx is done, then closes the channel. Malformed
// lines are logged and skipped.
func (s *LineSource) Run(ctx context.Context) error {
	defer close(s.ch)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("skipping malformed event", "error", err)
			continue
		}
		select {
		case s.ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
