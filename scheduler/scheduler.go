// Package scheduler implements the shared multi-request dispatcher: one
// dispatcher goroutine multiplexing many concurrent downloads, standing
// in for the original's single worker thread driving a libcurl
// multi-handle. Where the original's worker
// thread is the sole caller permitted to touch curl_multi_add_handle/
// curl_multi_remove_handle, this dispatcher goroutine is the sole mutator
// of the active-set and the only one that starts queued requests (callers
// append to the queue and drop not-yet-started entries from it under the
// scheduler lock); per-request transfers run on their own
// goroutines and report back over a channel instead of being polled via
// curl_multi_perform.
package scheduler

import (
	"container/list"
	"sync"

	"github.com/slicingmelon/go-rawurlparser"
	"github.com/valyala/fasthttp"

	"go-curlhttpsrc/httperr"
	"go-curlhttpsrc/internal/gb403log"
	"go-curlhttpsrc/reqslot"
	"go-curlhttpsrc/transporthandle"
)

const defaultMaxConcurrent = 64

type queueEntry struct {
	slot *reqslot.RequestSlot
}

type completionMsg struct {
	slot    *reqslot.RequestSlot
	outcome reqslot.Outcome
}

// MultiScheduler owns one fasthttp.Client and the queue of requests
// multiplexed over it. The zero value is not usable; construct with New.
type MultiScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	refCount      int
	maxConcurrent int
	queue         *list.List
	active        map[string]*queueEntry

	client      *fasthttp.Client
	diagnostics *httperr.Diagnostics

	doneCh chan completionMsg
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a scheduler around client. diagnostics may be nil.
func New(client *fasthttp.Client, diagnostics *httperr.Diagnostics) *MultiScheduler {
	s := &MultiScheduler{
		maxConcurrent: defaultMaxConcurrent,
		queue:         list.New(),
		active:        make(map[string]*queueEntry),
		client:        client,
		diagnostics:   diagnostics,
		doneCh:        make(chan completionMsg, 128),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetMaxConcurrent bounds how many attempts run at once. 0 or negative
// falls back to the default.
func (s *MultiScheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		n = defaultMaxConcurrent
	}
	s.maxConcurrent = n
}

// Acquire increments the reference count, starting the dispatcher
// goroutine on the first acquisition. Matches the original's
// "worker spawned on first acquire" scheduler lifecycle.
func (s *MultiScheduler) Acquire() {
	s.mu.Lock()
	s.refCount++
	first := s.refCount == 1
	if first {
		s.stopCh = make(chan struct{})
	}
	s.mu.Unlock()

	if first {
		s.wg.Add(1)
		go s.run()
	}
}

// Release decrements the reference count, tearing the dispatcher down
// once nothing references the scheduler anymore.
func (s *MultiScheduler) Release() {
	s.mu.Lock()
	s.refCount--
	last := s.refCount == 0
	stopCh := s.stopCh
	s.mu.Unlock()

	if last {
		close(stopCh)
		s.wg.Wait()
	}
}

// Enqueue adds slot to the FIFO queue and wakes the dispatcher. Returns an
// InternalError if the slot is already queued or in flight.
func (s *MultiScheduler) Enqueue(slot *reqslot.RequestSlot) error {
	s.mu.Lock()
	if s.isTrackedLocked(slot) {
		s.mu.Unlock()
		return httperr.Wrap(httperr.InternalError, nil, "slot %s already queued", slot.ID())
	}
	s.queue.PushBack(&queueEntry{slot: slot})
	s.mu.Unlock()

	s.wake()
	return nil
}

// RequestRemoval drops slot from the queue if it hasn't started yet
// (remove-before-start ordering), or flags it for removal mid-flight so
// the active attempt's next AppendBody call stops accepting data. The
// scheduler lock is always acquired before the slot lock that
// slot.RequestRemoval() takes internally; never the reverse.
func (s *MultiScheduler) RequestRemoval(slot *reqslot.RequestSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedFromQueue := false
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueEntry).slot.ID() == slot.ID() {
			s.queue.Remove(e)
			removedFromQueue = true
			break
		}
	}
	slot.RequestRemoval()
	if removedFromQueue {
		// never went active, so nothing else will ever transition it to
		// Removed: do it here instead of waiting on a completion that
		// isn't coming.
		slot.MarkRemoved()
	}
	s.cond.Broadcast()
}

// AwaitRemoved blocks until slot is neither queued nor actively running.
func (s *MultiScheduler) AwaitRemoved(slot *reqslot.RequestSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.isTrackedLocked(slot) {
		s.cond.Wait()
	}
}

func (s *MultiScheduler) isTrackedLocked(slot *reqslot.RequestSlot) bool {
	if _, ok := s.active[slot.ID()]; ok {
		return true
	}
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueEntry).slot.ID() == slot.ID() {
			return true
		}
	}
	return false
}

func (s *MultiScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *MultiScheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case c := <-s.doneCh:
			s.handleCompletion(c)
			s.dispatchReady()
		case <-s.wakeCh:
			s.dispatchReady()
		}
	}
}

// dispatchReady is the only place a request transitions from queued to
// active; it is called exclusively from the dispatcher goroutine.
func (s *MultiScheduler) dispatchReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 && len(s.active) < s.maxConcurrent {
		front := s.queue.Front()
		entry := s.queue.Remove(front).(*queueEntry)
		slot := entry.slot

		if slot.ConnectionStatus() == reqslot.WantRemoval {
			slot.MarkRemoved()
			s.cond.Broadcast()
			continue
		}

		s.active[slot.ID()] = entry
		slot.BeginAttempt()
		s.wg.Add(1)
		go s.runAttempt(slot)
	}
}

func (s *MultiScheduler) runAttempt(slot *reqslot.RequestSlot) {
	defer s.wg.Done()

	outcome := transporthandle.Run(s.client, slot)

	if outcome == reqslot.OutcomeFatal {
		if lastErr := slot.LastError(); lastErr != nil && s.diagnostics != nil {
			s.diagnostics.Record(hostOf(slot.URI()), lastErr)
		}
		gb403log.Debug().Slot(slot.ID()).Module("scheduler").Msgf("attempt failed: %v", slot.LastError())
	}

	select {
	case s.doneCh <- completionMsg{slot: slot, outcome: outcome}:
	case <-s.stopCh:
	}
}

// handleCompletion is called from the dispatcher goroutine only, draining
// doneCh exactly as the original's worker thread is the unique reader of
// completed easy-handles off the multi-handle.
func (s *MultiScheduler) handleCompletion(c completionMsg) {
	s.mu.Lock()
	delete(s.active, c.slot.ID())

	wantRemoval := c.slot.ConnectionStatus() == reqslot.WantRemoval
	if wantRemoval {
		// transition to Removed before the broadcast below, so a goroutine
		// blocked in AwaitRemoved never observes the slot as untracked yet
		// mid-transition.
		c.slot.MarkRemoved()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if wantRemoval || c.outcome != reqslot.OutcomeRetry {
		return
	}
	if err := s.Enqueue(c.slot); err != nil {
		gb403log.Warning().Slot(c.slot.ID()).Module("scheduler").Msgf("requeue after retry failed: %v", err)
	}
}

func hostOf(uri string) string {
	parsed, err := rawurlparser.RawURLParseWithError(uri)
	if err != nil {
		return uri
	}
	return parsed.Host
}
