package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"llmflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame(domain.UIEvent{Type: domain.UIEventResponse, Message: "hi\nthere", Data: map[string]string{"state": "ask"}})
	if err != nil {
		t.Fatal(err)
	}
	s := string(frame)
	if !strings.HasPrefix(s, "data: ") || !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("frame = %q", s)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "data: "), "\n\n")
	if strings.Contains(body, "\n") {
		t.Errorf("payload must be a single line: %q", body)
	}

	var ev domain.UIEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.Type != domain.UIEventResponse || ev.Message != "hi\nthere" {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestEncodeFrameOmitsEmptyFields(t *testing.T) {
	frame, _ := EncodeFrame(domain.UIEvent{Type: domain.UIEventStopped})
	if got := string(frame); got != "data: {\"type\":\"stopped\"}\n\n" {
		t.Errorf("frame = %q", got)
	}
}

func TestStreamReplayAndFollow(t *testing.T) {
	s := NewStream(testLogger())
	s.Emit(domain.UIEvent{Type: domain.UIEventLog, Message: "one"})
	s.Emit(domain.UIEvent{Type: domain.UIEventLog, Message: "two"})

	replay, frames, cancel := s.Subscribe()
	defer cancel()
	if len(replay) != 2 || !strings.Contains(string(replay[1]), "two") {
		t.Fatalf("replay = %q", replay)
	}

	s.Emit(domain.UIEvent{Type: domain.UIEventLog, Message: "three"})
	select {
	case f := <-frames:
		if !strings.Contains(string(f), "three") {
			t.Errorf("frame = %q", f)
		}
	case <-time.After(time.Second):
		t.Fatal("live frame not delivered")
	}
}

func TestStreamCloseEndsSubscribers(t *testing.T) {
	s := NewStream(testLogger())
	_, frames, cancel := s.Subscribe()

	s.Close()
	s.Close()
	cancel()

	if _, ok := <-frames; ok {
		t.Error("subscriber channel should be closed")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}

	s.Emit(domain.UIEvent{Type: domain.UIEventLog, Message: "late"})
	replay, late, _ := s.Subscribe()
	if len(replay) != 0 {
		t.Errorf("events after close were kept: %q", replay)
	}
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed stream should yield a closed channel")
	}
}

func TestStreamCancelStopsDelivery(t *testing.T) {
	s := NewStream(testLogger())
	_, frames, cancel := s.Subscribe()
	cancel()
	cancel()

	s.Emit(domain.UIEvent{Type: domain.UIEventLog, Message: "x"})
	if _, ok := <-frames; ok {
		t.Error("cancelled subscriber received a frame")
	}
}

func TestStreamInput(t *testing.T) {
	s := NewStream(testLogger())
	_, frames, cancel := s.Subscribe()
	defer cancel()

	var (
		wg   sync.WaitGroup
		text string
		err  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		text, err = s.RequestInput(context.Background(), "Name?")
	}()

	select {
	case f := <-frames:
		if !strings.Contains(string(f), `"type":"input"`) || !strings.Contains(string(f), "Name?") {
			t.Errorf("input frame = %q", f)
		}
	case <-time.After(time.Second):
		t.Fatal("input request not announced")
	}
	if !s.Waiting() {
		t.Error("Waiting should be true while blocked")
	}

	if serr := s.SubmitInput("Ada"); serr != nil {
		t.Fatalf("SubmitInput: %v", serr)
	}
	wg.Wait()
	if err != nil || text != "Ada" {
		t.Errorf("RequestInput = %q, %v", text, err)
	}
	if s.Waiting() {
		t.Error("Waiting should reset after input")
	}
}

func TestStreamSubmitInputQueuesOneAnswer(t *testing.T) {
	s := NewStream(testLogger())
	if err := s.SubmitInput("first"); err != nil {
		t.Fatal(err)
	}
	if err := s.SubmitInput("second"); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("second submit: err = %v, want ErrDuplicate", err)
	}

	got, err := s.RequestInput(context.Background(), "?")
	if err != nil || got != "first" {
		t.Errorf("RequestInput = %q, %v", got, err)
	}
}

func TestStreamRequestInputUnblocks(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		s := NewStream(testLogger())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.RequestInput(ctx, "?"); !errors.Is(err, domain.ErrInputUnavailable) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		s := NewStream(testLogger())
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.Close()
		}()
		if _, err := s.RequestInput(context.Background(), "?"); !errors.Is(err, domain.ErrInputUnavailable) {
			t.Errorf("err = %v", err)
		}
		if err := s.SubmitInput("late"); !errors.Is(err, domain.ErrInputUnavailable) {
			t.Errorf("submit after close: err = %v", err)
		}
	})
}
