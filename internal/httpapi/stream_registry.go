package httpapi

import (
	"sync"
	"sync/atomic"
	"time"
)

// StreamRegistry tracks live /stream connections and supports graceful
// draining. When draining is enabled, new streams are rejected while
// in-flight streams finish.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), so no
// stream can be added after StartDraining returns.
type StreamRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewStreamRegistry creates a new StreamRegistry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{}
}

// Add registers a new live stream. Returns false if the registry is draining.
func (sr *StreamRegistry) Add() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	sr.wg.Add(1)
	sr.count.Add(1)
	return true
}

// Done marks a stream as finished. Must be called exactly once per successful Add.
func (sr *StreamRegistry) Done() {
	sr.count.Add(-1)
	sr.wg.Done()
}

// StartDraining makes future Add calls return false.
func (sr *StreamRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *StreamRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of live streams.
func (sr *StreamRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every stream has finished or timeout elapses. It
// reports whether all streams finished.
func (sr *StreamRegistry) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		sr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
