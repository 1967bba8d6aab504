// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobdispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerClosed is returned by Broker operations after Close.
	ErrBrokerClosed = errors.New("jobdispatch: broker closed")

	// ErrUnknownDelivery is returned when acknowledging a delivery whose
	// lease is no longer held, e.g. because it expired and was redelivered.
	ErrUnknownDelivery = errors.New("jobdispatch: unknown delivery")
)

// Delivery is a unit of work handed to a worker by a Broker.
type Delivery struct {
	JobID    string `json:"job_id"`
	Lane     string `json:"lane"`
	Priority int    `json:"priority"`
	Attempt  int    `json:"attempt"` // 1 on first delivery, incremented on every redelivery
	Tag      string `json:"tag"`     // lease identifier, set by Receive
}

// Broker moves deliveries from submitters to lane workers.
//
// Delivery is at-least-once: a delivery that is received but neither
// acknowledged nor rejected before its lease expires is handed out again,
// with Attempt incremented. Workers must therefore tolerate duplicates.
//
// Within a lane, Receive prefers higher priorities and is FIFO among
// equal priorities. Priority is a soft hint: a delivery already leased
// to a worker is never preempted by a later, more urgent one.
type Broker interface {
	// Publish enqueues a delivery into the lane named in d.Lane.
	Publish(ctx context.Context, d *Delivery) error

	// Receive blocks until a delivery in the given lane is available or
	// ctx is done. The returned delivery is leased to the caller.
	Receive(ctx context.Context, lane string) (*Delivery, error)

	// Ack acknowledges a delivery. It must only be called after the
	// outcome of the job is durably stored.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a leased delivery to its lane. It becomes visible
	// again after the given delay.
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error

	// Depth returns the number of deliveries in the lane that are queued
	// but not leased to any worker.
	Depth(ctx context.Context, lane string) (int, error)

	// Close releases resources. Blocked Receive calls return ErrBrokerClosed.
	Close() error
}
