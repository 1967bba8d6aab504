// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/jobdispatch"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBroker(t *testing.T, options ...Option) (*Broker, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	options = append([]Option{WithClock(clock.Now), WithLeaseTimeout(time.Minute)}, options...)
	b := New(client, options...)
	t.Cleanup(func() { b.Close() })
	return b, clock
}

func receive(t *testing.T, b *Broker, lane string) *jobdispatch.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := b.Receive(ctx, lane)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestBrokerPriorityOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	for _, d := range []*jobdispatch.Delivery{
		{JobID: "low", Lane: "hot", Priority: 1},
		{JobID: "high-1", Lane: "hot", Priority: 10},
		{JobID: "high-2", Lane: "hot", Priority: 10},
		{JobID: "mid", Lane: "hot", Priority: 5},
	} {
		if err := b.Publish(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := b.Depth(ctx, "hot"); err != nil || n != 4 {
		t.Fatalf("Depth = %d, %v; want 4", n, err)
	}
	var have []string
	for i := 0; i < 4; i++ {
		d := receive(t, b, "hot")
		if d.Attempt != 1 || d.Tag == "" || d.Lane != "hot" {
			t.Fatalf("delivery = %+v", d)
		}
		have = append(have, d.JobID)
		if err := b.Ack(ctx, d); err != nil {
			t.Fatal(err)
		}
		if err := b.Ack(ctx, d); !errors.Is(err, jobdispatch.ErrUnknownDelivery) {
			t.Fatalf("second Ack = %v, want ErrUnknownDelivery", err)
		}
	}
	want := []string{"high-1", "high-2", "mid", "low"}
	for i := range want {
		if have[i] != want[i] {
			t.Fatalf("order = %v, want %v", have, want)
		}
	}
	if n, err := b.Depth(ctx, "hot"); err != nil || n != 0 {
		t.Fatalf("Depth = %d, %v; want 0", n, err)
	}
}

func TestBrokerLaneIsolation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	if err := b.Publish(ctx, &jobdispatch.Delivery{JobID: "j1", Lane: "backfill", Priority: 3}); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Depth(ctx, "hot"); n != 0 {
		t.Fatalf("Depth(hot) = %d, want 0", n)
	}
	if n, _ := b.Depth(ctx, "backfill"); n != 1 {
		t.Fatalf("Depth(backfill) = %d, want 1", n)
	}
}

func TestBrokerLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)
	if err := b.Publish(ctx, &jobdispatch.Delivery{JobID: "j1", Lane: "hot", Priority: 10}); err != nil {
		t.Fatal(err)
	}
	first := receive(t, b, "hot")
	if n, _ := b.Depth(ctx, "hot"); n != 0 {
		t.Fatalf("Depth while leased = %d, want 0", n)
	}

	clock.Advance(2 * time.Minute)
	second := receive(t, b, "hot")
	if have, want := second.JobID, "j1"; have != want {
		t.Fatalf("JobID = %q, want %q", have, want)
	}
	if have, want := second.Attempt, 2; have != want {
		t.Fatalf("Attempt = %d, want %d", have, want)
	}
	if err := b.Ack(ctx, first); !errors.Is(err, jobdispatch.ErrUnknownDelivery) {
		t.Fatalf("Ack(expired) = %v, want ErrUnknownDelivery", err)
	}
	if err := b.Ack(ctx, second); err != nil {
		t.Fatal(err)
	}
}

func TestBrokerNackWithDelay(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)
	if err := b.Publish(ctx, &jobdispatch.Delivery{JobID: "j1", Lane: "vlm_ocr", Priority: 5}); err != nil {
		t.Fatal(err)
	}
	d := receive(t, b, "vlm_ocr")
	if err := b.Nack(ctx, d, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := b.Nack(ctx, d, 0); !errors.Is(err, jobdispatch.ErrUnknownDelivery) {
		t.Fatalf("second Nack = %v, want ErrUnknownDelivery", err)
	}
	// Delayed deliveries count towards the depth
	if n, _ := b.Depth(ctx, "vlm_ocr"); n != 1 {
		t.Fatalf("Depth = %d, want 1", n)
	}

	clock.Advance(31 * time.Second)
	d = receive(t, b, "vlm_ocr")
	if d.JobID != "j1" || d.Attempt != 2 {
		t.Fatalf("delivery after Nack = %+v", d)
	}
	if err := b.Nack(ctx, d, 0); err != nil {
		t.Fatal(err)
	}
	d = receive(t, b, "vlm_ocr")
	if have, want := d.Attempt, 3; have != want {
		t.Fatalf("Attempt = %d, want %d", have, want)
	}
}

func TestBrokerWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t, WithPollInterval(5*time.Second))

	got := make(chan *jobdispatch.Delivery, 1)
	go func() {
		d, err := b.Receive(ctx, "hot")
		if err != nil {
			t.Error(err)
			return
		}
		got <- d
	}()
	time.Sleep(100 * time.Millisecond)
	if err := b.Publish(ctx, &jobdispatch.Delivery{JobID: "j1", Lane: "hot", Priority: 10}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if d.JobID != "j1" {
			t.Fatalf("JobID = %q", d.JobID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Receive did not wake up on Publish")
	}
}

func TestBrokerClose(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Receive(ctx, "hot"); !errors.Is(err, jobdispatch.ErrBrokerClosed) {
		t.Fatalf("Receive = %v, want ErrBrokerClosed", err)
	}
	if err := b.Publish(ctx, &jobdispatch.Delivery{JobID: "j1", Lane: "hot"}); !errors.Is(err, jobdispatch.ErrBrokerClosed) {
		t.Fatalf("Publish = %v, want ErrBrokerClosed", err)
	}
}
