// Package events fans state-change events out to any number of subscribers.
package events

import (
	"sync"
	"time"
)

// DefaultSendTimeout bounds how long Publish waits on one slow subscriber.
const DefaultSendTimeout = 100 * time.Millisecond

// Broadcaster delivers every published value to all current subscribers. A
// subscriber that stays full past the send timeout misses that value.
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	clients map[chan T]struct{}
	timeout time.Duration
	closed  bool
}

func NewBroadcaster[T any](sendTimeout time.Duration) *Broadcaster[T] {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster[T]{clients: make(map[chan T]struct{}), timeout: sendTimeout}
}

// Subscribe registers a buffered channel. The returned func unsubscribes and
// closes the channel; calling it twice is fine.
func (b *Broadcaster[T]) Subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.clients[ch]; ok {
				delete(b.clients, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish sends v to every subscriber and reports how many received it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sent := 0
	var timer *time.Timer
	for ch := range b.clients {
		select {
		case ch <- v:
			sent++
			continue
		default:
		}
		if timer == nil {
			timer = time.NewTimer(b.timeout)
			defer timer.Stop()
		} else {
			timer.Reset(b.timeout)
		}
		select {
		case ch <- v:
			sent++
		case <-timer.C:
		}
	}
	return sent
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close unsubscribes everyone.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.clients {
		close(ch)
	}
	b.clients = map[chan T]struct{}{}
}
