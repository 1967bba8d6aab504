// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "context"

// hub maintains the set of active connections and broadcasts messages to
// them.
type hub struct {
	connections map[*connection]bool
	broadcast   chan []byte
	register    chan *connection
	unregister  chan *connection
	done        chan struct{}
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.connections {
			c.close()
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if h.connections[c] {
				delete(h.connections, c)
				c.close()
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- m:
				default:
					// Slow client
					delete(h.connections, c)
					c.close()
				}
			}
		}
	}
}

// publish sends m to all connections unless the hub has stopped.
func (h *hub) publish(m []byte) {
	select {
	case h.broadcast <- m:
	case <-h.done:
	}
}

func (h *hub) add(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
