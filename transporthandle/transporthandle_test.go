package transporthandle

import (
	"net"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"go-curlhttpsrc/reqslot"
)

func newInmemoryClient(t *testing.T, handler fasthttp.RequestHandler) (*fasthttp.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
		StreamResponseBody: true,
	}

	return client, func() {
		ln.Close()
		<-errCh
	}
}

func TestRunDeliversBody(t *testing.T) {
	client, closeFn := newInmemoryClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(200)
		ctx.SetBodyString("hello world")
	})
	defer closeFn()

	slot, err := reqslot.New("t1", "http://unit-test/data.bin", reqslot.Config{TotalRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slot.BeginAttempt()

	outcome := Run(client, slot)
	if outcome != reqslot.OutcomeDone {
		t.Fatalf("expected done, got %v", outcome)
	}
	if got := string(slot.TakeBody()); got != "hello world" {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestRunAppliesRangeHeader(t *testing.T) {
	var seenRange string
	client, closeFn := newInmemoryClient(t, func(ctx *fasthttp.RequestCtx) {
		seenRange = string(ctx.Request.Header.Peek("Range"))
		ctx.SetStatusCode(206)
		ctx.SetBodyString("partial")
	})
	defer closeFn()

	slot, err := reqslot.New("t1", "http://unit-test/data.bin", reqslot.Config{TotalRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slot.Seek(100, 200)
	slot.BeginAttempt()

	Run(client, slot)
	if seenRange != "bytes=100-199" {
		t.Fatalf("unexpected range header: %q", seenRange)
	}
}

func TestRunHTTPErrorNoRetry(t *testing.T) {
	client, closeFn := newInmemoryClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(404)
	})
	defer closeFn()

	slot, err := reqslot.New("t1", "http://unit-test/missing.bin", reqslot.Config{TotalRetries: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	slot.BeginAttempt()

	outcome := Run(client, slot)
	if outcome != reqslot.OutcomeFatal {
		t.Fatalf("expected fatal, got %v", outcome)
	}
	if slot.LastError().StatusCode != 404 {
		t.Fatalf("expected 404 recorded, got %+v", slot.LastError())
	}
}
