// Package transport connects chat sessions to a bus over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"proxchat/internal/chat"
	"proxchat/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	maxFrameSize  = 64 * 1024

	defaultBuffer = 256
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("connection closed")

// WebSocket dials a bus endpoint such as ws://localhost:9955/bus.
type WebSocket struct {
	url    string
	log    *zap.Logger
	dialer *websocket.Dialer
}

// NewWebSocket creates a transport for the bus at url.
func NewWebSocket(url string, log *zap.Logger) *WebSocket {
	return &WebSocket{url: url, log: log, dialer: websocket.DefaultDialer}
}

// Dial opens a connection and starts its pumps.
func (w *WebSocket) Dial(ctx context.Context) (chat.Conn, error) {
	ws, resp, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", w.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", w.url, err)
	}

	c := &Conn{
		ws:         ws,
		log:        w.log.With(zap.String("bus", w.url)),
		send:       make(chan []byte, defaultBuffer),
		recv:       make(chan *protocol.Message, defaultBuffer),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Conn is one WebSocket connection to the bus.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	send       chan []byte
	recv       chan *protocol.Message
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// Send queues msg for writing. Frames are written in the order they are queued.
func (c *Conn) Send(ctx context.Context, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	select {
	case <-c.closing:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the inbound frames. The channel is closed when the connection ends.
func (c *Conn) Receive() <-chan *protocol.Message {
	return c.recv
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.writerDone
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readPump() {
	defer func() {
		close(c.recv)
		c.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeDeadline))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.log.Warn("malformed frame from bus", zap.Error(err))
			continue
		}

		select {
		case c.recv <- &msg:
		case <-c.closing:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write error", zap.Error(err))
				c.ws.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}

		case <-c.closing:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
