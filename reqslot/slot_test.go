package reqslot

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestSlot(t *testing.T, cfg Config) *RequestSlot {
	t.Helper()
	s, err := New("t1", "http://example.invalid/data.bin", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestHeaderMapJoinsRepeats(t *testing.T) {
	h := NewHeaderMap()
	h.Set("Set-Cookie", "a=1")
	h.Set("set-cookie", "b=2")
	v, ok := h.Get("SET-COOKIE")
	if !ok || v != "a=1, b=2" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestBeginAttemptResetsMeta(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 3})
	s.BeginAttempt()
	s.ApplyStatusLine(200, "OK")
	s.ApplyHeader("Content-Length", "10")
	if _, ok := s.PendingMeta(); !ok {
		t.Fatalf("expected pending meta after headers")
	}
	if _, ok := s.PendingMeta(); ok {
		t.Fatalf("meta should only publish once per attempt")
	}

	s.BeginAttempt()
	if s.statusCode != 0 {
		t.Fatalf("status code should reset on new attempt")
	}
}

func TestApplyCompletionRetriesOnZeroBytes(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 2})
	s.BeginAttempt()

	outcome := s.ApplyCompletion(errors.New("connection reset"), false)
	if outcome != OutcomeRetry {
		t.Fatalf("expected retry, got %v", outcome)
	}
	if s.State() != StateNone {
		t.Fatalf("expected state none after retry, got %v", s.State())
	}
	if s.retriesRemaining != 1 {
		t.Fatalf("expected 1 retry remaining, got %d", s.retriesRemaining)
	}
}

func TestApplyCompletionFatalOnceBytesDelivered(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 5})
	s.BeginAttempt()
	s.AppendBody([]byte("partial"))

	outcome := s.ApplyCompletion(errors.New("reset"), false)
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal once bytes delivered, got %v", outcome)
	}
	if s.State() != StateTotalError {
		t.Fatalf("expected total-error, got %v", s.State())
	}
}

func TestApplyCompletionHTTPErrorNeverRetries(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: -1})
	s.BeginAttempt()
	s.ApplyStatusLine(404, "Not Found")

	outcome := s.ApplyCompletion(nil, false)
	if outcome != OutcomeFatal {
		t.Fatalf("expected fatal on 404, got %v", outcome)
	}
	err := s.LastError()
	if err.Kind.String() != "HttpError" || err.StatusCode != 404 {
		t.Fatalf("unexpected error payload: %+v", err)
	}
}

func TestApplyCompletionDoneOn200(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 3})
	s.BeginAttempt()
	s.ApplyStatusLine(200, "OK")

	outcome := s.ApplyCompletion(nil, false)
	if outcome != OutcomeDone {
		t.Fatalf("expected done, got %v", outcome)
	}
}

func TestURIChangeResetsRetries(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 3})
	s.BeginAttempt()
	s.ApplyCompletion(errors.New("err"), false) // consumes one retry
	if s.retriesRemaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", s.retriesRemaining)
	}
	if err := s.SetURI("http://example.invalid/other.bin"); err != nil {
		t.Fatalf("SetURI: %v", err)
	}
	if s.retriesRemaining != 3 {
		t.Fatalf("expected retries reset to 3, got %d", s.retriesRemaining)
	}
}

func TestAppendBodyHighWaterMarkBlocksUntilDrain(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 1, HighWaterMarkBytes: 4})
	s.BeginAttempt()

	if ok := s.AppendBody([]byte("abcd")); !ok {
		t.Fatalf("first append should be accepted")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	accepted := make(chan bool, 1)
	go func() {
		defer wg.Done()
		accepted <- s.AppendBody([]byte("e"))
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-accepted:
		t.Fatalf("append should have blocked above the high-water mark")
	default:
	}

	s.TakeBody()
	wg.Wait()
	if ok := <-accepted; !ok {
		t.Fatalf("append should succeed after drain")
	}
}

func TestAppendBodyDiscardsAfterUnlock(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 1})
	s.BeginAttempt()
	s.Unlock()

	if ok := s.AppendBody([]byte("x")); !ok {
		t.Fatalf("unlock should still accept (and discard) the chunk")
	}
	if len(s.TakeBody()) != 0 {
		t.Fatalf("chunk should have been discarded, not buffered")
	}
}

func TestAppendBodyStopsAfterRemovalRequested(t *testing.T) {
	s := newTestSlot(t, Config{TotalRetries: 1})
	s.BeginAttempt()
	s.RequestRemoval()

	if ok := s.AppendBody([]byte("x")); ok {
		t.Fatalf("append should report false once removal was requested")
	}
}
