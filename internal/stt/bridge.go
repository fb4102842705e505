package stt

import (
	"context"
	"sync"
)

// AudioBridge is an unbounded FIFO of audio chunks between callers pushing
// audio and the single goroutine that sends it to the service.
//
// Once End or Discard has been called no further chunks are accepted and
// Next reports end-of-stream as soon as the queue is empty.
type AudioBridge struct {
	mu      sync.Mutex
	queue   [][]byte
	ended   bool
	waiters []chan struct{}
}

// NewAudioBridge creates an empty bridge.
func NewAudioBridge() *AudioBridge {
	return &AudioBridge{}
}

// Push copies chunk onto the queue. Empty chunks are queued like any other.
// Pushes after End are dropped silently.
func (b *AudioBridge) Push(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.queue = append(b.queue, append([]byte{}, chunk...))
	if len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		w <- struct{}{}
	}
}

// End marks the end of the stream. Chunks already queued are still returned
// by Next.
func (b *AudioBridge) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.end()
}

// Discard ends the stream and drops everything still queued.
func (b *AudioBridge) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.end()
}

func (b *AudioBridge) end() {
	b.ended = true
	for _, w := range b.waiters {
		w <- struct{}{}
	}
	b.waiters = nil
}

// Next blocks until a chunk is available and returns it. It returns false at
// end-of-stream or when ctx is done.
func (b *AudioBridge) Next(ctx context.Context) ([]byte, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			chunk := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return chunk, true
		}
		if b.ended {
			b.mu.Unlock()
			return nil, false
		}
		w := make(chan struct{}, 1)
		b.waiters = append(b.waiters, w)
		b.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			b.removeWaiter(w)
			return nil, false
		}
	}
}

func (b *AudioBridge) removeWaiter(w chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.waiters {
		if other == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Len returns the number of queued chunks.
func (b *AudioBridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Ended reports whether End or Discard has been called.
func (b *AudioBridge) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}
