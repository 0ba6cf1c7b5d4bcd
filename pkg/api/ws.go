package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// wsSubscriber adapts a WebSocket connection to hub.Subscriber. gorilla
// connections allow one concurrent writer, so data frames go through mu.
type wsSubscriber struct {
	id        string
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		id:   uuid.NewString(),
		conn: conn,
	}
}

func (c *wsSubscriber) ID() string {
	return c.id
}

func (c *wsSubscriber) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsSubscriber) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(wsWriteWait),
		)

		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// pingLoop keeps the connection alive until done is closed.
func (c *wsSubscriber) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(wsWriteWait),
			); err != nil {
				return
			}
		}
	}
}

// handleMetricsWS upgrades the request and registers the connection for
// metrics_update pushes. Inbound messages are read and discarded.
func (s *server) handleMetricsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	sub := newWSSubscriber(conn)
	log := s.log.WithField("subscriber", sub.ID())

	if !s.hub.Connect(sub) {
		_ = sub.Close()

		return
	}

	log.Debug("WebSocket subscriber connected")

	done := make(chan struct{})

	defer func() {
		close(done)
		s.hub.Disconnect(sub)
		_ = sub.Close()

		log.Debug("WebSocket subscriber disconnected")
	}()

	go sub.pingLoop(done)

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("WebSocket read error")
			}

			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
