package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"go-curlhttpsrc/reqslot"
)

func newTestScheduler(t *testing.T, handler fasthttp.RequestHandler) (*MultiScheduler, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	client := &fasthttp.Client{
		Dial:               func(addr string) (net.Conn, error) { return ln.Dial() },
		StreamResponseBody: true,
	}

	sched := New(client, nil)
	sched.Acquire()

	return sched, func() {
		sched.Release()
		ln.Close()
		<-errCh
	}
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	sched, closeFn := newTestScheduler(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(200)
		ctx.SetBodyString("ok")
	})
	defer closeFn()

	slot, err := reqslot.New("t1", "http://unit-test/ok", reqslot.Config{TotalRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Enqueue(slot); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for slot.State() != reqslot.StateDone {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for completion, state=%v", slot.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestRemovalBeforeStartNeverRuns(t *testing.T) {
	started := make(chan struct{}, 1)
	sched, closeFn := newTestScheduler(t, func(ctx *fasthttp.RequestCtx) {
		started <- struct{}{}
		ctx.SetStatusCode(200)
	})
	defer closeFn()

	sched.mu.Lock()
	sched.maxConcurrent = 0 // force everything to stay queued
	sched.mu.Unlock()

	slot, err := reqslot.New("t1", "http://unit-test/ok", reqslot.Config{TotalRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Enqueue(slot); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sched.RequestRemoval(slot)

	sched.mu.Lock()
	sched.maxConcurrent = defaultMaxConcurrent
	sched.mu.Unlock()
	sched.wake()

	select {
	case <-started:
		t.Fatalf("request should never have started after removal")
	case <-time.After(50 * time.Millisecond):
	}

	sched.AwaitRemoved(slot)
}
