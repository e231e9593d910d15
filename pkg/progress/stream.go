package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscriber handles delivered messages. Subscribers are called from a
// single goroutine, one message at a time, in emission order.
type Subscriber func(msg Message)

// Filter determines if a message should be delivered.
type Filter func(msg Message) bool

// StreamConfig configures a Stream.
type StreamConfig struct {
	// BufferSize is the number of messages queued before Emit blocks.
	BufferSize int

	// RunID is stamped on every message that has none.
	RunID string
}

// DefaultStreamConfig returns a configuration suitable for interactive use.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{BufferSize: 1024}
}

// Stream fans messages out to subscribers through one dispatcher goroutine.
// Emit blocks when the buffer is full rather than dropping messages.
type Stream struct {
	config StreamConfig
	buffer chan Message
	done   chan struct{}

	// subMu guards subscribers and filters.
	subMu       sync.RWMutex
	subscribers []subscriberEntry
	filters     []Filter

	// mu guards closed and sends on buffer.
	mu     sync.RWMutex
	closed bool
}

type subscriberEntry struct {
	subscriber Subscriber
	filter     Filter
}

// NewStream creates a stream and starts its dispatcher.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultStreamConfig().BufferSize
	}

	s := &Stream{
		config: cfg,
		buffer: make(chan Message, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Emit queues msg for delivery. Messages emitted after Close are dropped.
func (s *Stream) Emit(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.RunID == "" {
		msg.RunID = s.config.RunID
	}

	s.subMu.RLock()
	filters := s.filters
	s.subMu.RUnlock()
	for _, filter := range filters {
		if !filter(msg) {
			return
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.buffer <- msg
}

// Subscribe adds a subscriber. A nil filter accepts every message.
func (s *Stream) Subscribe(subscriber Subscriber, filter Filter) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subscribers = append(s.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a filter applied before messages are queued.
func (s *Stream) AddFilter(filter Filter) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.filters = append(s.filters, filter)
}

func (s *Stream) dispatch() {
	defer close(s.done)

	for msg := range s.buffer {
		s.subMu.RLock()
		entries := s.subscribers
		s.subMu.RUnlock()

		for _, entry := range entries {
			if entry.filter != nil && !entry.filter(msg) {
				continue
			}
			entry.subscriber(msg)
		}
	}
}

// Close stops accepting messages and waits until every queued message has
// been delivered or ctx expires.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.buffer)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress stream close: %w", ctx.Err())
	}
}

// FilterBySeverity only allows messages at or above min.
func FilterBySeverity(min Severity) Filter {
	return func(msg Message) bool {
		return msg.Severity.AtLeast(min)
	}
}

// FilterByKind only allows messages of the given kinds.
func FilterByKind(kinds ...Kind) Filter {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(msg Message) bool {
		return set[msg.Kind]
	}
}

// FilterByPackage only allows messages about pkg.
func FilterByPackage(pkg string) Filter {
	return func(msg Message) bool {
		return msg.Package == pkg
	}
}

// FilterOutput drops command output lines.
func FilterOutput() Filter {
	return func(msg Message) bool {
		return !msg.IsOutput()
	}
}
