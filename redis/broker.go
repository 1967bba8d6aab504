// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package redis implements jobdispatch.Broker on top of Redis, so that
// deliveries survive restarts and several dispatchers can share lanes.
//
// Each lane uses a sorted set of ready deliveries (ordered by priority,
// then publish order), a sorted set of delayed deliveries, and a sorted
// set of lease deadlines. Lua scripts move deliveries between them
// atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/jobdispatch"
)

const (
	defaultPrefix       = "jobdispatch"
	defaultLeaseTimeout = 15 * time.Minute
	defaultPollInterval = time.Second
)

// Broker is a Redis-backed jobdispatch.Broker.
type Broker struct {
	client goredis.Cmdable
	logger *slog.Logger
	prefix string
	lease  time.Duration
	poll   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPrefix sets the prefix of all keys, "jobdispatch" by default.
func WithPrefix(prefix string) Option {
	return func(b *Broker) { b.prefix = prefix }
}

// WithLeaseTimeout specifies how long a received delivery may stay
// unacknowledged before it is redelivered.
func WithLeaseTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.lease = d
		}
	}
}

// WithPollInterval specifies how long Receive blocks on an empty lane
// before it looks for expired leases and delayed deliveries again.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.poll = d
		}
	}
}

// WithClock sets the clock used for lease deadlines and delays.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a new Redis-backed broker. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Broker {
	b := &Broker{
		client: client,
		logger: slog.Default(),
		prefix: defaultPrefix,
		lease:  defaultLeaseTimeout,
		poll:   defaultPollInterval,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping verifies the Redis connection is alive.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// laneKeys returns the keys of a lane. The lane name is a hash tag, so
// all keys of a lane live in the same cluster slot.
type laneKeys struct {
	ready     string // ZSET id -> priority/sequence score
	delayed   string // ZSET id -> visible at (ms)
	deadlines string // ZSET tag -> lease deadline (ms)
	leases    string // HASH tag -> id
	msgs      string // HASH id -> delivery JSON
	prio      string // HASH id -> priority
	attempts  string // HASH id -> attempt
	seq       string // counter for FIFO order
	signal    string // LIST woken up by Publish
}

func (b *Broker) keys(lane string) laneKeys {
	p := b.prefix + ":{" + lane + "}:"
	return laneKeys{
		ready:     p + "ready",
		delayed:   p + "delayed",
		deadlines: p + "deadlines",
		leases:    p + "leases",
		msgs:      p + "msgs",
		prio:      p + "prio",
		attempts:  p + "attempts",
		seq:       p + "seq",
		signal:    p + "signal",
	}
}

func (k laneKeys) all() []string {
	return []string{k.ready, k.delayed, k.deadlines, k.leases, k.msgs, k.prio, k.attempts, k.seq, k.signal}
}

// message is the part of a delivery stored in Redis.
type message struct {
	JobID    string `json:"job_id"`
	Lane     string `json:"lane"`
	Priority int    `json:"priority"`
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish enqueues d into its lane.
func (b *Broker) Publish(ctx context.Context, d *jobdispatch.Delivery) error {
	if b.isClosed() {
		return jobdispatch.ErrBrokerClosed
	}
	msg, err := json.Marshal(message{JobID: d.JobID, Lane: d.Lane, Priority: d.Priority})
	if err != nil {
		return err
	}
	attempt := d.Attempt
	if attempt < 1 {
		attempt = 1
	}
	id := uuid.New().String()
	err = publishScript.Run(ctx, b.client, b.keys(d.Lane).all(), id, string(msg), d.Priority, attempt).Err()
	if err != nil {
		return fmt.Errorf("jobdispatch/redis: publish: %w", err)
	}
	return nil
}

// Receive returns the most urgent delivery of the lane, waiting for one
// if the lane is empty.
func (b *Broker) Receive(ctx context.Context, lane string) (*jobdispatch.Delivery, error) {
	k := b.keys(lane)
	for {
		if b.isClosed() {
			return nil, jobdispatch.ErrBrokerClosed
		}
		now := b.now()
		tag := uuid.New().String()
		res, err := receiveScript.Run(ctx, b.client, k.all(),
			now.UnixMilli(),
			now.Add(b.lease).UnixMilli(),
			tag,
		).StringSlice()
		switch {
		case err == nil && len(res) == 2:
			var msg message
			if err := json.Unmarshal([]byte(res[0]), &msg); err != nil {
				return nil, fmt.Errorf("jobdispatch/redis: decode delivery: %w", err)
			}
			attempt, _ := strconv.Atoi(res[1])
			return &jobdispatch.Delivery{
				JobID:    msg.JobID,
				Lane:     lane,
				Priority: msg.Priority,
				Attempt:  attempt,
				Tag:      tag,
			}, nil
		case err != nil && !errors.Is(err, goredis.Nil):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("jobdispatch/redis: receive: %w", err)
		}

		// Wait for Publish or the next poll
		err = b.client.BLPop(ctx, b.poll, k.signal).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Warn("redis.receive.wait", "lane", lane, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-b.done:
				return nil, jobdispatch.ErrBrokerClosed
			case <-time.After(b.poll):
			}
		}
	}
}

// Ack removes a leased delivery for good.
func (b *Broker) Ack(ctx context.Context, d *jobdispatch.Delivery) error {
	n, err := ackScript.Run(ctx, b.client, b.keys(d.Lane).all(), d.Tag).Int()
	if err != nil {
		return fmt.Errorf("jobdispatch/redis: ack: %w", err)
	}
	if n == 0 {
		return jobdispatch.ErrUnknownDelivery
	}
	return nil
}

// Nack puts a leased delivery back into its lane after delay.
func (b *Broker) Nack(ctx context.Context, d *jobdispatch.Delivery, delay time.Duration) error {
	now := b.now()
	visibleAt := now
	if delay > 0 {
		visibleAt = now.Add(delay)
	}
	n, err := nackScript.Run(ctx, b.client, b.keys(d.Lane).all(),
		d.Tag,
		now.UnixMilli(),
		visibleAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("jobdispatch/redis: nack: %w", err)
	}
	if n == 0 {
		return jobdispatch.ErrUnknownDelivery
	}
	return nil
}

// Depth returns the number of queued, unleased deliveries of the lane.
func (b *Broker) Depth(ctx context.Context, lane string) (int, error) {
	n, err := depthScript.Run(ctx, b.client, b.keys(lane).all(), b.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("jobdispatch/redis: depth: %w", err)
	}
	return n, nil
}

// Close stops the broker. It does not close the Redis client.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// KEYS: ready, delayed, deadlines, leases, msgs, prio, attempts, seq, signal
//
// enqueue adds id to the ready set, ordered by priority (highest first)
// and then by a per-lane sequence number.
const enqueueLua = `
local function enqueue(id)
	local prio = tonumber(redis.call('HGET', KEYS[6], id) or '0')
	local seq = redis.call('INCR', KEYS[8])
	local score = (10 - prio) * 10000000000000 + seq
	redis.call('ZADD', KEYS[1], string.format('%.0f', score), id)
end
`

// sweep makes delayed deliveries visible and requeues expired leases.
// ARGV[1] is the current time in ms.
const sweepLua = enqueueLua + `
local function sweep(now)
	local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
	for _, id in ipairs(due) do
		redis.call('ZREM', KEYS[2], id)
		enqueue(id)
	end
	local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
	for _, tag in ipairs(expired) do
		redis.call('ZREM', KEYS[3], tag)
		local id = redis.call('HGET', KEYS[4], tag)
		redis.call('HDEL', KEYS[4], tag)
		if id then
			redis.call('HINCRBY', KEYS[7], id, 1)
			enqueue(id)
		end
	end
end
`

// ARGV: id, msg, priority, attempt
var publishScript = goredis.NewScript(enqueueLua + `
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[6], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[7], ARGV[1], ARGV[4])
enqueue(ARGV[1])
redis.call('LPUSH', KEYS[9], '1')
redis.call('LTRIM', KEYS[9], 0, 63)
return 1
`)

// ARGV: now, lease deadline, tag
var receiveScript = goredis.NewScript(sweepLua + `
sweep(ARGV[1])
local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top == 0 then
	return false
end
local id = top[1]
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', KEYS[4], ARGV[3], id)
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return {redis.call('HGET', KEYS[5], id), redis.call('HGET', KEYS[7], id)}
`)

// ARGV: tag
var ackScript = goredis.NewScript(`
local id = redis.call('HGET', KEYS[4], ARGV[1])
if not id then
	return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[5], id)
redis.call('HDEL', KEYS[6], id)
redis.call('HDEL', KEYS[7], id)
return 1
`)

// ARGV: tag, now, visible at
var nackScript = goredis.NewScript(enqueueLua + `
local id = redis.call('HGET', KEYS[4], ARGV[1])
if not id then
	return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HINCRBY', KEYS[7], id, 1)
if tonumber(ARGV[3]) <= tonumber(ARGV[2]) then
	enqueue(id)
	redis.call('LPUSH', KEYS[9], '1')
	redis.call('LTRIM', KEYS[9], 0, 63)
else
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return 1
`)

// ARGV: now
var depthScript = goredis.NewScript(sweepLua + `
sweep(ARGV[1])
return redis.call('ZCARD', KEYS[1]) + redis.call('ZCARD', KEYS[2])
`)
