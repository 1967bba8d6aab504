// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olivere/jobdispatch"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is a middleman between the websocket connection and the hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	// Closed when the hub drops the connection.
	quit chan struct{}
	once sync.Once
	srv  *Server
}

func (c *connection) close() {
	c.once.Do(func() { close(c.quit) })
}

type lookupResponse struct {
	Type    string           `json:"type"`
	Message string           `json:"message,omitempty"`
	Job     *jobdispatch.Job `json:"job,omitempty"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	defer func() {
		c.srv.h.remove(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg struct {
			Type  string `json:"type"`
			JobID string `json:"job_id"`
		}
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("server.ws.read", "err", err)
			}
			break
		}
		switch msg.Type {
		case "JOB_LOOKUP":
			rsp := lookupResponse{Type: "JOB_LOOKUP"}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			job, err := c.srv.m.Status(ctx, msg.JobID)
			cancel()
			switch {
			case errors.Is(err, jobdispatch.ErrNotFound):
				rsp.Message = "Job not found"
			case err != nil:
				rsp.Message = "Job cannot be loaded"
			default:
				rsp.Job = job
			}
			payload, _ := json.Marshal(rsp)
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.quit:
			c.write(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (s wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.srv.logger.Warn("server.ws.upgrade", "err", err)
		return
	}
	c := &connection{send: make(chan []byte, 256), quit: make(chan struct{}), ws: ws, srv: s.srv}
	if !s.srv.h.add(c) {
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump()
}
