// Package pubsub fans workflow notifications out to any number of observers.
// Delivery never blocks the publisher: a subscriber whose buffer is full
// misses the event and the miss is counted.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 256

// Topic names the kind of notification.
type Topic string

const (
	TopicWorkflowStarted  Topic = "workflow.started"
	TopicNodeTransition   Topic = "node.transition"
	TopicWorkflowFinished Topic = "workflow.finished"
)

// Message is one published notification.
type Message[T any] struct {
	Topic   Topic
	Payload T
	At      time.Time
}

type subscription[T any] struct {
	ch     chan Message[T]
	filter func(Message[T]) bool
}

// Broker delivers published messages to every live subscription.
type Broker[T any] struct {
	mu         sync.RWMutex
	subs       map[*subscription[T]]struct{}
	closed     bool
	bufferSize int
	dropped    atomic.Int64
	now        func() time.Time
}

// NewBroker creates a broker whose subscriptions buffer size messages.
// A size below one uses the default.
func NewBroker[T any](size int) *Broker[T] {
	if size < 1 {
		size = defaultBufferSize
	}
	return &Broker[T]{
		subs:       make(map[*subscription[T]]struct{}),
		bufferSize: size,
		now:        time.Now,
	}
}

// Subscribe returns a channel receiving every message published from now
// on. The channel is closed when ctx is done or the broker closes.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Message[T] {
	return b.SubscribeFunc(ctx, nil)
}

// SubscribeFunc is like Subscribe but only delivers messages accepted by filter.
func (b *Broker[T]) SubscribeFunc(ctx context.Context, filter func(Message[T]) bool) <-chan Message[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Message[T])
		close(ch)
		return ch
	}

	sub := &subscription[T]{ch: make(chan Message[T], b.bufferSize), filter: filter}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; !ok {
			return
		}
		delete(b.subs, sub)
		close(sub.ch)
	}()

	return sub.ch
}

// Publish delivers payload to every subscription without blocking.
func (b *Broker[T]) Publish(topic Topic, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	msg := Message[T]{Topic: topic, Payload: payload, At: b.now()}
	for sub := range b.subs {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Broker[T]) Dropped() int64 {
	return b.dropped.Load()
}
