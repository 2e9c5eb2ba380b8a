package source

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"go-curlhttpsrc/reqslot"
	"go-curlhttpsrc/scheduler"
)

func newTestSource(t *testing.T, handler fasthttp.RequestHandler, cfg reqslot.Config) (*Source, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	client := &fasthttp.Client{
		Dial:               func(addr string) (net.Conn, error) { return ln.Dial() },
		StreamResponseBody: true,
	}
	sched := scheduler.New(client, nil)

	src, err := New(sched, "src-1", "http://unit-test/data.bin", cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return src, func() {
		src.Close()
		ln.Close()
		<-errCh
	}
}

func TestSimpleGetDeliversAllBytesThenEOF(t *testing.T) {
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(200)
		ctx.SetBodyString("hello world")
	}, reqslot.Config{TotalRetries: 1})
	defer closeFn()

	var got []byte
	for {
		chunk, err := src.CreateNextChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("CreateNextChunk: %v", err)
		}
		got = append(got, chunk...)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRetryOnTransientErrorThenSucceeds(t *testing.T) {
	var attempts int32
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			ctx.Conn().Close() // simulate a dropped connection on the first attempt
			return
		}
		ctx.SetStatusCode(200)
		ctx.SetBodyString("recovered")
	}, reqslot.Config{TotalRetries: 3})
	defer closeFn()

	var got []byte
	for {
		chunk, err := src.CreateNextChunk()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("CreateNextChunk: %v", err)
		}
		got = append(got, chunk...)
	}
	if string(got) != "recovered" {
		t.Fatalf("got %q", got)
	}
}

func TestHTTPErrorSurfacesWithoutRetry(t *testing.T) {
	var attempts int32
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		atomic.AddInt32(&attempts, 1)
		ctx.SetStatusCode(403)
	}, reqslot.Config{TotalRetries: 5})
	defer closeFn()

	_, err := src.CreateNextChunk()
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly one attempt for a 403, got %d", attempts)
	}
}

func TestByteRangeSeek(t *testing.T) {
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		rangeHeader := string(ctx.Request.Header.Peek("Range"))
		if rangeHeader == "bytes=6-" {
			ctx.SetStatusCode(206)
			ctx.SetBodyString("world")
			return
		}
		ctx.SetStatusCode(200)
		ctx.SetBodyString("hello world")
	}, reqslot.Config{TotalRetries: 1})
	defer closeFn()

	if err := src.Seek(6, -1); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	chunk, err := src.CreateNextChunk()
	if err != nil {
		t.Fatalf("CreateNextChunk: %v", err)
	}
	if string(chunk) != "world" {
		t.Fatalf("got %q", chunk)
	}
}

func TestUnlockDuringPullReturnsFlushing(t *testing.T) {
	block := make(chan struct{})
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		<-block
		ctx.SetStatusCode(200)
		ctx.SetBodyString("too late")
	}, reqslot.Config{TotalRetries: 1})
	defer func() {
		close(block)
		closeFn()
	}()

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := src.CreateNextChunk()
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	src.Unlock()

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatalf("expected flushing error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CreateNextChunk did not return after Unlock")
	}
}

func TestUnlockStopAfterUnlockReportsEos(t *testing.T) {
	block := make(chan struct{})
	src, closeFn := newTestSource(t, func(ctx *fasthttp.RequestCtx) {
		<-block
		ctx.SetStatusCode(200)
		ctx.SetBodyString("too late")
	}, reqslot.Config{TotalRetries: 1})
	defer func() {
		close(block)
		closeFn()
	}()

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	firstCh := make(chan error, 1)
	go func() {
		_, err := src.CreateNextChunk()
		firstCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	src.Unlock()

	select {
	case <-firstCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("CreateNextChunk did not return after Unlock")
	}

	src.UnlockStop()

	secondCh := make(chan error, 1)
	go func() {
		_, err := src.CreateNextChunk()
		secondCh <- err
	}()

	select {
	case err := <-secondCh:
		if err != io.EOF {
			t.Fatalf("expected io.EOF after UnlockStop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CreateNextChunk spun forever after UnlockStop")
	}
}
