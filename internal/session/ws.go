package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errChannelClosed = errors.New("channel closed")

// WSChannel is a Channel over a gorilla websocket connection. Writes are
// serialized; gorilla allows only one concurrent writer.
type WSChannel struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWSChannel(conn *websocket.Conn, writeWait time.Duration) *WSChannel {
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &WSChannel{conn: conn, writeWait: writeWait}
}

func (c *WSChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

func (c *WSChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Serve reads from the connection until it fails or ctx ends, pinging every
// nine tenths of pongWait. onActivity runs for every inbound frame or pong.
func (c *WSChannel) Serve(ctx context.Context, pongWait time.Duration, onActivity func([]byte)) error {
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if onActivity != nil {
			onActivity(nil)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = c.Close()
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onActivity != nil {
			onActivity(msg)
		}
	}
}
