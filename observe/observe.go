// Package observe holds a value together with the subscribers that want to
// hear about its changes.
package observe

import "sync"

// Value publishes the latest T to every subscriber. Subscribers always see the
// most recent value; intermediate values are dropped for slow readers.
type Value[T any] struct {
	mu          sync.RWMutex
	current     T
	subscribers []chan T
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{current: initial}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores val and notifies all subscribers without blocking.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	for _, ch := range v.subscribers {
		offer(ch, val)
	}
}

// Subscribe returns a channel that immediately receives the current value and
// then every later one. The returned func unsubscribes and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan T, 1)
	ch <- v.current
	v.subscribers = append(v.subscribers, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, c := range v.subscribers {
				if c == ch {
					v.subscribers = append(v.subscribers[:i], v.subscribers[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// offer replaces whatever is buffered in ch with val. Only Set writes to
// subscriber channels and it holds the write lock, so the send cannot block.
func offer[T any](ch chan T, val T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- val:
	default:
	}
}
