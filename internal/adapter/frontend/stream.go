package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"llmflow/internal/domain"
)

// subscriberBuffer is the per-subscriber frame backlog. A subscriber that
// falls further behind loses frames rather than stalling the run.
const subscriberBuffer = 256

// EncodeFrame renders one event-stream record: "data: " + JSON + blank line.
func EncodeFrame(ev domain.UIEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// Stream is the event-stream front end of one run. Emitted events are kept
// so a subscriber that attaches late replays them; input arrives through
// SubmitInput, typically from an HTTP handler.
type Stream struct {
	logger *slog.Logger

	mu      sync.Mutex
	history [][]byte
	subs    map[chan []byte]struct{}
	closed  bool
	waiting bool

	input     chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream creates an open stream.
func NewStream(logger *slog.Logger) *Stream {
	return &Stream{
		logger: logger,
		subs:   make(map[chan []byte]struct{}),
		input:  make(chan string, 1),
		done:   make(chan struct{}),
	}
}

// Emit implements domain.FrontEnd. Events after Close are dropped.
func (s *Stream) Emit(ev domain.UIEvent) {
	frame, err := EncodeFrame(ev)
	if err != nil {
		s.logger.Warn("event stream: dropping unencodable event", "type", ev.Type, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history = append(s.history, frame)
	for ch := range s.subs {
		select {
		case ch <- frame:
		default:
			s.logger.Warn("event stream: subscriber too slow, frame dropped", "type", ev.Type)
		}
	}
}

// Subscribe returns the frames emitted so far and a channel of later
// frames. The channel is closed when the stream closes or cancel is called.
func (s *Stream) Subscribe() (replay [][]byte, frames <-chan []byte, cancel func()) {
	ch := make(chan []byte, subscriberBuffer)

	s.mu.Lock()
	replay = append([][]byte(nil), s.history...)
	if s.closed {
		close(ch)
		s.mu.Unlock()
		return replay, ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
	return replay, ch, cancel
}

// RequestInput implements domain.FrontEnd. It announces the prompt as an
// input event and waits for SubmitInput, cancellation or Close.
func (s *Stream) RequestInput(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: stream closed", domain.ErrInputUnavailable)
	}
	s.waiting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	s.Emit(domain.UIEvent{Type: domain.UIEventInput, Message: prompt})

	select {
	case text := <-s.input:
		return text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", domain.ErrInputUnavailable, ctx.Err())
	case <-s.done:
		return "", fmt.Errorf("%w: stream closed", domain.ErrInputUnavailable)
	}
}

// SubmitInput delivers user text to a pending or upcoming RequestInput.
// Only one answer may be queued at a time.
func (s *Stream) SubmitInput(text string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: stream closed", domain.ErrInputUnavailable)
	}
	select {
	case s.input <- text:
		return nil
	default:
		return domain.NewSubSystemError("frontend", "Stream.SubmitInput", domain.ErrDuplicate, "an answer is already queued")
	}
}

// Waiting reports whether the run is blocked on input.
func (s *Stream) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close implements domain.FrontEnd. The stream and every subscriber channel
// are closed exactly once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for ch := range s.subs {
			close(ch)
			delete(s.subs, ch)
		}
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Compile-time interface check.
var _ domain.FrontEnd = (*Stream)(nil)
