// Package transporthandle builds and executes one HTTP attempt for a
// reqslot.RequestSlot, the Go-idiomatic replacement for the original's
// CURL easy-handle: construction from the slot's current configuration,
// execution against fasthttp with real response streaming standing in for
// curl's header/body callbacks, and application of the result back onto
// the slot.
package transporthandle

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/VictoriaMetrics/VictoriaMetrics/lib/bytesutil"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/http/httpproxy"

	"go-curlhttpsrc/internal/gb403log"
	"go-curlhttpsrc/reqslot"
)

const defaultUserAgent = "go-curlhttpsrc/1.0"

const streamChunkSize = 32 * 1024

// unboundedRedirects stands in for "no limit" when max_redirects is -1;
// fasthttp.Client.DoRedirects takes a plain count, not a sentinel.
const unboundedRedirects = 1 << 16

// errAttemptTimeout is returned by runWithTimeout when its own timer fires
// before fn does. It is distinct from any error fn itself could return, so
// Run can tell "the race's timer won" from "fn returned a timeout-shaped
// error on its own" and release req/resp at the right moment in each case.
var errAttemptTimeout = errors.New("transporthandle: attempt exceeded timeout")

// Run executes one attempt for slot against client (which must be
// configured with StreamResponseBody: true so resp.BodyStream() is
// available), applying headers, body chunks, and the final completion
// outcome to the slot. It returns the reqslot.Outcome decided by
// ApplyCompletion (or ApplyRedirectsExceeded when the redirect limit is hit)
// so the caller can log or branch on it without taking the slot lock again.
func Run(client *fasthttp.Client, slot *reqslot.RequestSlot) reqslot.Outcome {
	cfg := slot.Config()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	populateRequest(req, slot, cfg)

	activeClient := client
	if shouldUseProxy(cfg, slot.URI()) {
		activeClient = proxyClient(cfg.Credentials.ProxyURI)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var err error
	if cfg.FollowRedirects {
		maxRedirects := cfg.MaxRedirects
		if maxRedirects < 0 {
			maxRedirects = unboundedRedirects
		}
		err = runWithTimeout(timeout, release, func() error {
			return activeClient.DoRedirects(req, resp, maxRedirects)
		})
	} else {
		err = runWithTimeout(timeout, release, func() error {
			return activeClient.Do(req, resp)
		})
	}

	if err == errAttemptTimeout {
		// req/resp are still owned by the abandoned goroutine; release
		// already runs from inside runWithTimeout once it actually returns.
		return slot.ApplyCompletion(err, true)
	}
	defer release()

	if err != nil {
		if err == fasthttp.ErrTooManyRedirects {
			// resp still holds the final redirect response (DoRedirects
			// populates it before deciding the chain went too long), so
			// surface it as an HttpError on that status rather than a
			// generic transport failure.
			slot.ApplyStatusLine(resp.StatusCode(), string(resp.Header.StatusMessage()))
			resp.Header.VisitAll(func(key, value []byte) {
				slot.ApplyHeader(string(key), string(value))
			})
			if effective := string(req.URI().FullURI()); effective != "" {
				slot.ApplyRedirect(effective)
			}
			return slot.ApplyRedirectsExceeded()
		}
		return slot.ApplyCompletion(err, isTimeout(err))
	}

	slot.ApplyStatusLine(resp.StatusCode(), string(resp.Header.StatusMessage()))
	resp.Header.VisitAll(func(key, value []byte) {
		slot.ApplyHeader(string(key), string(value))
	})
	if effective := string(req.URI().FullURI()); effective != "" {
		slot.ApplyRedirect(effective)
	}

	if streamErr := drainBody(resp, slot); streamErr != nil {
		return slot.ApplyCompletion(streamErr, isTimeout(streamErr))
	}

	return slot.ApplyCompletion(nil, false)
}

func populateRequest(req *fasthttp.Request, slot *reqslot.RequestSlot, cfg reqslot.Config) {
	req.SetRequestURI(slot.URI())
	req.Header.SetMethod(fasthttp.MethodGet)

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.SetUserAgent(ua)

	for k, v := range cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
	for _, cookie := range cfg.Cookies {
		req.Header.Add(fasthttp.HeaderCookie, cookie)
	}
	if cfg.Credentials.Username != "" {
		raw := cfg.Credentials.Username + ":" + cfg.Credentials.Password
		req.Header.Set(fasthttp.HeaderAuthorization, "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
	if cfg.Compress {
		req.Header.Set(fasthttp.HeaderAcceptEncoding, "gzip")
	}
	if !cfg.KeepAlive {
		req.Header.SetConnectionClose()
	}

	if rangeHeader, ok := buildRangeHeader(slot); ok {
		req.Header.Set(fasthttp.HeaderRange, rangeHeader)
	}

	if cfg.PreferredVersion == "2.0" {
		gb403log.Warning().Slot(slot.ID()).Module("transporthandle").
			Msgf("http/2 requested but this transport is http/1.1-only, falling back silently")
	}
}

// buildRangeHeader converts the slot's internal [start, stop) convention
// (stop < 0 meaning unbounded) into HTTP's inclusive-inclusive
// "bytes=start-end" form.
func buildRangeHeader(slot *reqslot.RequestSlot) (string, bool) {
	start, stop := slot.Range()
	if start <= 0 && stop < 0 {
		return "", false
	}
	if stop < 0 {
		return fmt.Sprintf("bytes=%d-", start), true
	}
	return fmt.Sprintf("bytes=%d-%d", start, stop-1), true
}

func proxyClient(proxyURI string) *fasthttp.Client {
	return &fasthttp.Client{
		Dial:               fasthttpproxy.FasthttpHTTPDialer(proxyURI),
		StreamResponseBody: true,
	}
}

// shouldUseProxy applies the no-proxy exclusion list the same way the
// standard library's net/http does, via x/net/http/httpproxy, so a
// configured proxy can still be bypassed for hosts in cfg.Credentials.NoProxy.
func shouldUseProxy(cfg reqslot.Config, uri string) bool {
	if cfg.Credentials.ProxyURI == "" {
		return false
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return true
	}
	proxyCfg := &httpproxy.Config{
		HTTPProxy:  cfg.Credentials.ProxyURI,
		HTTPSProxy: cfg.Credentials.ProxyURI,
		NoProxy:    cfg.Credentials.NoProxy,
	}
	target, err := proxyCfg.ProxyFunc()(parsed)
	return err == nil && target != nil
}

// readBufPool reuses the per-attempt streaming read buffer instead of
// allocating one every time drainBody runs.
var readBufPool bytesutil.ByteBufferPool

func drainBody(resp *fasthttp.Response, slot *reqslot.RequestSlot) error {
	stream := resp.BodyStream()
	if stream == nil {
		slot.AppendBody(resp.Body())
		return nil
	}

	bb := readBufPool.Get()
	defer readBufPool.Put(bb)
	if cap(bb.B) < streamChunkSize {
		bb.B = make([]byte, streamChunkSize)
	}
	buf := bb.B[:streamChunkSize]

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if ok := slot.AppendBody(buf[:n]); !ok {
				return fmt.Errorf("transporthandle: transfer cancelled for removal")
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// runWithTimeout races fn against timeout. If fn wins, its error is
// returned directly and the caller owns releasing req/resp itself. If the
// timer wins, fn is still running against req/resp on its own goroutine;
// release is deferred until fn actually returns instead of firing
// immediately, so a concurrent, unrelated attempt never reuses those
// pooled objects while this one is still writing to them.
func runWithTimeout(timeout time.Duration, release func(), fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		go func() {
			<-done
			release()
		}()
		return errAttemptTimeout
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if err == fasthttp.ErrTimeout {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
