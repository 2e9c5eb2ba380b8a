// Package reqslot implements the per-request state machine: the shared
// data a scheduler worker and a consumer goroutine rendezvous on through
// a buffer lock and condition variable, mirroring the original
// GstCurlHttpSrc's mutex/cond-guarded RequestSlot.
package reqslot

import (
	"strconv"
	"strings"
	"sync"

	"go-curlhttpsrc/httperr"
	"go-curlhttpsrc/urihandler"
)

type State int

const (
	StateNone State = iota
	StateOK
	StateDone
	StateUnlock
	StateRemoved
	StateBadRequest
	StateTotalError
	StatePipelineNull
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateOK:
		return "ok"
	case StateDone:
		return "done"
	case StateUnlock:
		return "unlock"
	case StateRemoved:
		return "removed"
	case StateBadRequest:
		return "bad-queue-request"
	case StateTotalError:
		return "total-error"
	case StatePipelineNull:
		return "pipeline-null"
	default:
		return "unknown"
	}
}

type ConnectionStatus int

const (
	NotConnected ConnectionStatus = iota
	Connected
	WantRemoval
)

type Seekable int

const (
	SeekableUnknown Seekable = iota
	SeekableTrue
	SeekableFalse
)

// Outcome classifies what the scheduler worker should do after it applies a
// completion to a slot: keep delivering, rebuild the handle and retry, stop
// with EOS, or stop with a fatal error.
type Outcome int

const (
	OutcomeDeliver Outcome = iota
	OutcomeRetry
	OutcomeDone
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeliver:
		return "deliver"
	case OutcomeRetry:
		return "retry"
	case OutcomeDone:
		return "done"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Credentials mirrors the curl auth/proxy options settable per-slot.
type Credentials struct {
	Username  string
	Password  string
	ProxyURI  string
	ProxyUser string
	ProxyPass string
	NoProxy   string
}

// Config holds the options a caller may set before a slot starts its first
// attempt, equivalent to the curl-option GObject properties on the original.
type Config struct {
	Credentials        Credentials
	Cookies            []string
	ExtraHeaders       map[string]string
	UserAgent          string
	CAInfo             string
	StrictSSL          bool
	Compress           bool
	FollowRedirects    bool
	MaxRedirects       int // -1 == unlimited, else 0..255 (0 == no redirects followed)
	KeepAlive          bool
	TimeoutSeconds     int
	PreferredVersion   string // "1.0", "1.1", or "2.0"
	TotalRetries       int    // -1 means infinite
	HighWaterMarkBytes int    // 0 disables backpressure
}

// ResponseMeta is the sticky-event-shaped payload published to the consumer
// once per attempt, just before the first chunk.
type ResponseMeta struct {
	URI             string
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	StatusCode      int
	RedirectURI     string
}

// RequestSlot is the shared state between one scheduler worker attempt and
// one consumer goroutine. cfgMu guards the pre-active configuration; mu
// (paired with cond) guards everything that changes once a transfer has
// begun. Lock order when both are needed: cfgMu before mu.
type RequestSlot struct {
	id  string
	uri *urihandler.Handler

	cfgMu sync.Mutex
	cfg   Config

	mu   sync.Mutex
	cond *sync.Cond

	requestPosition int64
	stopPosition    int64 // -1 means unbounded
	contentSize     int64
	seekable        Seekable

	statusCode      int
	reasonPhrase    string
	responseHeaders *HeaderMap
	redirectURI     string
	metaPublished   bool

	bodyBuffer []byte

	state             State
	pendingState      State // state at Unlock time; UnlockStop resumes at None if it was None, else Done
	connectionStatus  ConnectionStatus
	retriesRemaining  int
	transferBegun     bool
	dataReceived      bool
	redirectsExceeded bool
	lastTransportErr  string
}

// New creates a RequestSlot for uri with the given configuration. retries
// are seeded from cfg.TotalRetries (-1 == infinite, matching curl's
// CURLOPT_MAXCONNECTS-adjacent "no limit" convention).
func New(id, uri string, cfg Config) (*RequestSlot, error) {
	s := &RequestSlot{
		id:               id,
		cfg:              cfg,
		stopPosition:     -1,
		responseHeaders:  NewHeaderMap(),
		retriesRemaining: cfg.TotalRetries,
	}
	s.cond = sync.NewCond(&s.mu)

	handler, err := urihandler.New(uri, s.onURIChanged)
	if err != nil {
		return nil, err
	}
	s.uri = handler
	return s, nil
}

func (s *RequestSlot) onURIChanged(string) {
	s.mu.Lock()
	s.retriesRemaining = s.cfg.TotalRetries
	s.mu.Unlock()
}

func (s *RequestSlot) ID() string   { return s.id }
func (s *RequestSlot) URI() string  { return s.uri.URI() }

func (s *RequestSlot) SetURI(uri string) error { return s.uri.SetURI(uri) }

// Config returns a copy of the current configuration.
func (s *RequestSlot) Config() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// Seek sets the half-open [start, stop) range the next attempt should
// request. stop < 0 means unbounded.
func (s *RequestSlot) Seek(start, stop int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestPosition = start
	s.stopPosition = stop
}

// Range returns the current [start, stop) request window.
func (s *RequestSlot) Range() (start, stop int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestPosition, s.stopPosition
}

// Unlock transitions the slot to StateUnlock, the GStreamer-derived
// "cancel whatever is in flight" signal. Any goroutine blocked in
// AppendBody's backpressure wait or a consumer blocked on the condition
// variable wakes. The state in effect at the moment of the flush is
// remembered so UnlockStop can decide what the slot resumes as.
func (s *RequestSlot) Unlock() {
	s.mu.Lock()
	if s.state != StateUnlock {
		s.pendingState = s.state
	}
	s.state = StateUnlock
	s.cond.Broadcast()
	s.mu.Unlock()
}

// UnlockStop clears a prior Unlock. A slot that was idle (never started an
// attempt) resumes at None so a fresh attempt can be queued; anything
// further along (an attempt in flight, or one that had already finished)
// resumes at Done, so the very next CreateNextChunk call reports Eos
// instead of waiting on a transfer that no longer exists.
func (s *RequestSlot) UnlockStop() {
	s.mu.Lock()
	defer s.cond.Broadcast()
	defer s.mu.Unlock()
	if s.state != StateUnlock {
		return
	}
	if s.pendingState == StateNone {
		s.state = StateNone
	} else {
		s.state = StateDone
	}
	s.pendingState = StateNone
}

// ResetForRequeue clears a removal request once the scheduler has
// confirmed the slot is no longer tracked, letting a seek or a fresh
// SetURI enqueue a clean attempt.
func (s *RequestSlot) ResetForRequeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionStatus = NotConnected
	if s.state != StateUnlock {
		s.state = StateNone
	}
}

// ContentSize returns the total resource size once known, or 0.
func (s *RequestSlot) ContentSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentSize
}

// Seekable reports whether the server has indicated range support.
func (s *RequestSlot) Seekable() Seekable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seekable
}

// StatusCode returns the most recently applied HTTP status, or 0.
func (s *RequestSlot) StatusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode
}

// ResponseHeaders returns a snapshot of the current response headers.
func (s *RequestSlot) ResponseHeaders() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseHeaders.Snapshot()
}

// RequestRemoval marks the slot as wanted-gone; only the scheduler acts on
// this, flipping state to Removed via MarkRemoved.
func (s *RequestSlot) RequestRemoval() {
	s.mu.Lock()
	s.connectionStatus = WantRemoval
	s.cond.Broadcast()
	s.mu.Unlock()
}

// MarkRemoved completes a removal: the scheduler calls this once it has
// confirmed nothing is queued or running for the slot, the only place the
// terminal Removed state is ever assigned.
func (s *RequestSlot) MarkRemoved() {
	s.mu.Lock()
	s.state = StateRemoved
	s.connectionStatus = NotConnected
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *RequestSlot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RequestSlot) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionStatus
}

// BeginAttempt resets the per-attempt response fields, called by the
// scheduler worker right before it builds a new transporthandle for this
// slot.
func (s *RequestSlot) BeginAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferBegun = true
	s.dataReceived = false
	s.statusCode = 0
	s.reasonPhrase = ""
	s.redirectURI = ""
	s.redirectsExceeded = false
	s.metaPublished = false
	s.responseHeaders.Reset()
	s.state = StateOK
	s.pendingState = StateNone
	s.connectionStatus = Connected
}

// ApplyStatusLine records the response status, clearing any headers left
// over from an earlier block within the same attempt (informational 1xx
// responses curl surfaces before the final status).
func (s *RequestSlot) ApplyStatusLine(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusCode > 0 {
		s.responseHeaders.Reset()
	}
	s.statusCode = code
	s.reasonPhrase = reason
}

// ApplyHeader records one response header, applying the side effects spec
// §4.2/§4.3 attach to specific header names.
func (s *RequestSlot) ApplyHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := strings.ToLower(key)
	switch lower {
	case "accept-ranges":
		if strings.EqualFold(strings.TrimSpace(value), "none") {
			s.seekable = SeekableFalse
		} else if s.seekable == SeekableUnknown {
			s.seekable = SeekableTrue
		}
	case "content-length":
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && s.contentSize == 0 {
			s.contentSize = s.requestPosition + n
		}
	case "content-range":
		if total, ok := parseContentRangeTotal(value); ok && total > 0 {
			s.contentSize = total
		}
	}
	s.responseHeaders.Set(lower, value)
}

func parseContentRangeTotal(value string) (int64, bool) {
	idx := strings.LastIndexByte(value, '/')
	if idx < 0 || idx+1 >= len(value) {
		return 0, false
	}
	tail := strings.TrimSpace(value[idx+1:])
	if tail == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ApplyRedirect records the effective URI once it differs from the
// requested one.
func (s *RequestSlot) ApplyRedirect(effectiveURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if effectiveURI != s.uri.URI() {
		s.redirectURI = effectiveURI
	}
}

// AppendBody is the body-callback equivalent. It blocks while
// the buffer is at or above the high-water mark, discards (but still
// accepts) data once the slot has been unlocked, and reports false once
// removal has been requested so the caller's read loop can stop.
func (s *RequestSlot) AppendBody(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.cfg.HighWaterMarkBytes > 0 &&
		len(s.bodyBuffer) >= s.cfg.HighWaterMarkBytes &&
		s.state != StateUnlock &&
		s.connectionStatus != WantRemoval {
		s.cond.Wait()
	}

	if s.connectionStatus == WantRemoval {
		return false
	}
	if s.state == StateUnlock {
		return true
	}

	s.dataReceived = true
	s.bodyBuffer = append(s.bodyBuffer, chunk...)
	s.cond.Broadcast()
	return true
}

// ApplyCompletion applies the post-processing rules once an attempt's
// transport goroutine has finished, and reports the Outcome the worker
// should log/act on.
func (s *RequestSlot) ApplyCompletion(transportErr error, elapsedTimedOut bool) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	if s.state == StateUnlock {
		return OutcomeFatal
	}

	hasRetries := s.retriesRemaining != 0

	if transportErr != nil {
		s.lastTransportErr = transportErr.Error()
		if !s.dataReceived && hasRetries {
			s.consumeRetry()
			return OutcomeRetry
		}
		s.state = StateTotalError
		return OutcomeFatal
	}

	if s.statusCode == 0 {
		if elapsedTimedOut && !s.dataReceived && hasRetries {
			s.consumeRetry()
			return OutcomeRetry
		}
		s.state = StateTotalError
		return OutcomeFatal
	}

	if s.statusCode >= 400 {
		s.retriesRemaining = 0
		s.state = StateTotalError
		return OutcomeFatal
	}

	s.state = StateDone
	return OutcomeDone
}

// ApplyRedirectsExceeded marks the attempt as failed because max_redirects
// was reached before the chain resolved; resp still carries the final
// redirect's status and headers, applied by the caller before this runs, so
// the slot's statusCode is a 3xx even though the outcome is fatal.
func (s *RequestSlot) ApplyRedirectsExceeded() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	if s.state == StateUnlock {
		return OutcomeFatal
	}
	s.retriesRemaining = 0
	s.redirectsExceeded = true
	s.state = StateTotalError
	return OutcomeFatal
}

func (s *RequestSlot) consumeRetry() {
	if s.retriesRemaining > 0 {
		s.retriesRemaining--
	}
	s.state = StateNone
	s.dataReceived = false
}

// TakeBody removes and returns whatever bytes are currently buffered,
// without blocking. Called by the consumer after it wakes.
func (s *RequestSlot) TakeBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodyBuffer) == 0 {
		return nil
	}
	out := s.bodyBuffer
	s.bodyBuffer = nil
	s.cond.Broadcast() // wake any AppendBody waiting on the high-water mark
	return out
}

// WaitForActivity blocks while the slot is in StateOK with an empty buffer,
// mirroring the consumer's blocking wait on the buffer cond var. In any
// other state, including StateNone before an attempt has begun, it returns
// at once.
func (s *RequestSlot) WaitForActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.bodyBuffer) == 0 && s.state == StateOK {
		s.cond.Wait()
	}
}

// PendingMeta returns the sticky-event payload for the current attempt the
// first time it's called after headers land, and false thereafter until
// BeginAttempt resets it.
func (s *RequestSlot) PendingMeta() (ResponseMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metaPublished || s.statusCode == 0 {
		return ResponseMeta{}, false
	}
	s.metaPublished = true
	return ResponseMeta{
		URI:             s.uri.URI(),
		RequestHeaders:  copyHeaders(s.cfg.ExtraHeaders),
		ResponseHeaders: s.responseHeaders.Snapshot(),
		StatusCode:      s.statusCode,
		RedirectURI:     s.redirectURI,
	}, true
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LastError builds the structured httperr.Error for the slot's terminal
// state, used by the Source when create_next_chunk must report failure.
func (s *RequestSlot) LastError() *httperr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTotalError:
		if s.redirectsExceeded || s.statusCode >= 400 {
			return httperr.HTTPStatus(s.statusCode, s.redirectURI)
		}
		return httperr.Wrap(httperr.TransportError, nil, "%s", s.lastTransportErr)
	case StateBadRequest:
		return httperr.Wrap(httperr.ConfigError, nil, "bad queue request for %s", s.uri.URI())
	case StateUnlock, StateRemoved:
		return httperr.Flushing
	default:
		return httperr.Wrap(httperr.InternalError, nil, "no error for state %s", s.state)
	}
}
