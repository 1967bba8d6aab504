// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLeaseTimeout = 15 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// InMemoryBroker is a Broker that keeps one priority queue per lane in
// memory. Leases that are not acknowledged in time are redelivered.
// Everything is lost when the process exits; see SetRecoverPending.
type InMemoryBroker struct {
	lease time.Duration
	poll  time.Duration
	now   func() time.Time

	mu     sync.Mutex // guards the following block
	lanes  map[string]*memLane
	seq    uint64
	closed bool
	done   chan struct{}
}

type memLane struct {
	ready   memHeap
	delayed []*memItem
	leased  map[string]*memLease
	signal  chan struct{}
}

type memItem struct {
	d         Delivery
	seq       uint64
	visibleAt time.Time
}

type memLease struct {
	item     *memItem
	deadline time.Time
}

// InMemoryBrokerOption is an options provider for InMemoryBroker.
type InMemoryBrokerOption func(*InMemoryBroker)

// SetLeaseTimeout specifies how long a received delivery may stay
// unacknowledged before it is redelivered. It is 15 minutes by default.
func SetLeaseTimeout(d time.Duration) InMemoryBrokerOption {
	return func(b *InMemoryBroker) {
		if d > 0 {
			b.lease = d
		}
	}
}

// SetPollInterval specifies how often blocked receivers look for expired
// leases and delayed deliveries.
func SetPollInterval(d time.Duration) InMemoryBrokerOption {
	return func(b *InMemoryBroker) {
		if d > 0 {
			b.poll = d
		}
	}
}

// NewInMemoryBroker creates a new InMemoryBroker.
func NewInMemoryBroker(options ...InMemoryBrokerOption) *InMemoryBroker {
	b := &InMemoryBroker{
		lease: defaultLeaseTimeout,
		poll:  defaultPollInterval,
		now:   time.Now,
		lanes: make(map[string]*memLane),
		done:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// lane returns the queue for name. b.mu must be held.
func (b *InMemoryBroker) lane(name string) *memLane {
	l, found := b.lanes[name]
	if !found {
		l = &memLane{
			leased: make(map[string]*memLease),
			signal: make(chan struct{}, 1),
		}
		b.lanes[name] = l
	}
	return l
}

// sweep makes delayed deliveries visible and returns expired leases to
// the queue. b.mu must be held.
func (b *InMemoryBroker) sweep(l *memLane, now time.Time) {
	if len(l.delayed) > 0 {
		kept := l.delayed[:0]
		for _, it := range l.delayed {
			if now.Before(it.visibleAt) {
				kept = append(kept, it)
				continue
			}
			heap.Push(&l.ready, it)
		}
		l.delayed = kept
	}
	for tag, lease := range l.leased {
		if now.Before(lease.deadline) {
			continue
		}
		delete(l.leased, tag)
		lease.item.d.Attempt++
		heap.Push(&l.ready, lease.item)
	}
}

func (l *memLane) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Publish enqueues d into its lane.
func (b *InMemoryBroker) Publish(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.seq++
	it := &memItem{d: *d, seq: b.seq}
	it.d.Tag = ""
	if it.d.Attempt < 1 {
		it.d.Attempt = 1
	}
	l := b.lane(d.Lane)
	heap.Push(&l.ready, it)
	l.notify()
	return nil
}

// Receive returns the most urgent delivery of the lane, waiting for one
// if the lane is empty.
func (b *InMemoryBroker) Receive(ctx context.Context, lane string) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		l := b.lane(lane)
		now := b.now()
		b.sweep(l, now)
		if l.ready.Len() > 0 {
			it := heap.Pop(&l.ready).(*memItem)
			it.d.Tag = uuid.New().String()
			l.leased[it.d.Tag] = &memLease{item: it, deadline: now.Add(b.lease)}
			d := it.d
			b.mu.Unlock()
			return &d, nil
		}
		signal := l.signal
		b.mu.Unlock()

		t := time.NewTimer(b.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-b.done:
			t.Stop()
			return nil, ErrBrokerClosed
		case <-signal:
		case <-t.C:
		}
		t.Stop()
	}
}

// Ack removes a leased delivery for good.
func (b *InMemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(d.Lane)
	if _, found := l.leased[d.Tag]; !found {
		return ErrUnknownDelivery
	}
	delete(l.leased, d.Tag)
	return nil
}

// Nack puts a leased delivery back into its lane after delay.
func (b *InMemoryBroker) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(d.Lane)
	lease, found := l.leased[d.Tag]
	if !found {
		return ErrUnknownDelivery
	}
	delete(l.leased, d.Tag)
	it := lease.item
	it.d.Attempt++
	if delay <= 0 {
		heap.Push(&l.ready, it)
		l.notify()
		return nil
	}
	it.visibleAt = b.now().Add(delay)
	l.delayed = append(l.delayed, it)
	return nil
}

// Depth returns the number of queued, unleased deliveries of the lane.
func (b *InMemoryBroker) Depth(ctx context.Context, lane string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.lane(lane)
	b.sweep(l, b.now())
	return l.ready.Len() + len(l.delayed), nil
}

// Close stops the broker.
func (b *InMemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// memHeap orders deliveries by priority (highest first), then by the
// order in which they were published.
type memHeap []*memItem

func (h memHeap) Len() int { return len(h) }

func (h memHeap) Less(i, j int) bool {
	if h[i].d.Priority != h[j].d.Priority {
		return h[i].d.Priority > h[j].d.Priority
	}
	return h[i].seq < h[j].seq
}

func (h memHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *memHeap) Push(x interface{}) { *h = append(*h, x.(*memItem)) }

func (h *memHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
