// Package source implements the pull-mode Consumer API: the surface a
// streaming element built on top of this module calls to pull chunks,
// seek, and cancel, standing in for the GstBaseSrcClass create/unlock
// vtable entries on GstCurlHttpSrc.
package source

import (
	"io"
	"sync"
	"sync/atomic"

	"go-curlhttpsrc/httperr"
	"go-curlhttpsrc/internal/gb403log"
	"go-curlhttpsrc/reqslot"
	"go-curlhttpsrc/scheduler"
)

// MetaHandler receives the sticky-event-shaped payload once per attempt,
// just before the first chunk of its body. It is an external collaborator
// hook; the pad/event machinery it would normally feed is out of scope here.
type MetaHandler func(reqslot.ResponseMeta)

// Source is one active pull-mode download against the shared scheduler.
type Source struct {
	sched *scheduler.MultiScheduler
	slot  *reqslot.RequestSlot

	onMeta MetaHandler

	started int32
	mu      sync.Mutex
}

// New builds a Source for uri without starting it; call Start to enqueue
// the first attempt.
func New(sched *scheduler.MultiScheduler, id, uri string, cfg reqslot.Config, onMeta MetaHandler) (*Source, error) {
	slot, err := reqslot.New(id, uri, cfg)
	if err != nil {
		return nil, err
	}
	return &Source{sched: sched, slot: slot, onMeta: onMeta}, nil
}

// Start acquires the shared scheduler and enqueues the first attempt.
// Idempotent: calling it twice is a no-op.
func (s *Source) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	s.sched.Acquire()
	return s.sched.Enqueue(s.slot)
}

// CreateNextChunk blocks until bytes or a terminal state arrive, publishes
// pending response metadata, and returns a chunk, io.EOF at end of stream,
// or a structured httperr.Error.
func (s *Source) CreateNextChunk() ([]byte, error) {
	if atomic.LoadInt32(&s.started) == 0 {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}

	for {
		s.slot.WaitForActivity()

		if meta, ok := s.slot.PendingMeta(); ok && s.onMeta != nil {
			s.onMeta(meta)
		}

		body := s.slot.TakeBody()
		state := s.slot.State()

		if len(body) > 0 {
			return body, nil
		}

		switch state {
		case reqslot.StateDone:
			return nil, io.EOF
		case reqslot.StateNone, reqslot.StateOK:
			continue
		default:
			return nil, s.slot.LastError()
		}
	}
}

// Seek requests the half-open byte range [start, stop) for the next
// attempt (stop < 0 means unbounded). On a started source it cancels any
// in-flight transfer and starts a fresh one over the new range; on a source
// that has not started yet it only records the range.
func (s *Source) Seek(start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start < 0 {
		return httperr.Wrap(httperr.ConfigError, nil, "seek start must be >= 0, got %d", start)
	}
	if s.slot.Seekable() == reqslot.SeekableFalse {
		return httperr.Wrap(httperr.ConfigError, nil, "resource does not support byte ranges")
	}

	s.slot.Seek(start, stop)
	if atomic.LoadInt32(&s.started) == 0 {
		// nothing is queued yet: the first CreateNextChunk enqueues the
		// attempt over the new range.
		return nil
	}
	s.sched.RequestRemoval(s.slot)
	s.sched.AwaitRemoved(s.slot)
	s.slot.ResetForRequeue()

	return s.sched.Enqueue(s.slot)
}

// SetURI swaps the target URI, resetting the retry budget.
func (s *Source) SetURI(uri string) error {
	return s.slot.SetURI(uri)
}

// Unlock cancels whatever pull is currently blocked in CreateNextChunk,
// which will return httperr.Flushing, and requests removal from the
// scheduler if a transfer is currently connected.
func (s *Source) Unlock() {
	connected := s.slot.ConnectionStatus() == reqslot.Connected
	s.slot.Unlock()
	if connected {
		s.sched.RequestRemoval(s.slot)
	}
}

// UnlockStop clears a prior Unlock. A slot that had an attempt in flight or
// finished resumes at Done, so the very next CreateNextChunk call reports
// Eos rather than spinning on a transfer Unlock already asked the scheduler
// to drop; a slot that was still idle resumes at None.
func (s *Source) UnlockStop() {
	s.slot.UnlockStop()
}

// ContentSize, Seekable, StatusCode and ResponseHeaders expose the
// metadata accumulated from the most recent response.
func (s *Source) ContentSize() int64               { return s.slot.ContentSize() }
func (s *Source) Seekable() reqslot.Seekable        { return s.slot.Seekable() }
func (s *Source) StatusCode() int                   { return s.slot.StatusCode() }
func (s *Source) ResponseHeaders() map[string]string { return s.slot.ResponseHeaders() }

// Close removes the slot from the scheduler and releases the shared
// scheduler reference. Safe to call even if Start was never called.
func (s *Source) Close() {
	if atomic.LoadInt32(&s.started) == 0 {
		return
	}
	s.sched.RequestRemoval(s.slot)
	s.sched.AwaitRemoved(s.slot)
	s.sched.Release()
	gb403log.Debug().Slot(s.slot.ID()).Module("source").Msgf("closed")
}
