package server

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Connection timing.
const (
	DefaultStatusInterval = 3 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// StatusChanged asks every connected client to receive a fresh status.
type StatusChanged struct{}

// StatusSocket is the dashboard's live channel. A client receives a status
// when it connects, when StatusChanged is broadcast, when it sends
// {"type":"status"} and every Interval. Any other hub message is forwarded
// unchanged.
type StatusSocket struct {
	Hub      *Hub
	Status   func(ctx context.Context) any
	Interval time.Duration
}

type clientCommand struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin accepts same-host pages and pages served from the local
// network; the dashboard has no login of its own.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost || host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// ServeHTTP upgrades the request and runs the connection until the client
// leaves or the request context ends.
func (s *StatusSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only writeLoop writes to conn.
	send := make(chan any, sendBuffer)
	done := make(chan struct{})
	refresh := make(chan struct{}, 1)

	go writeLoop(conn, send)
	go readLoop(conn, done, refresh)

	s.eventLoop(r.Context(), send, done, refresh)
}

func writeLoop(conn *websocket.Conn, send <-chan any) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()

	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Surfaces on the next write
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck // Closing anyway
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Surfaces on the next write
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, done chan<- struct{}, refresh chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck // Surfaces on the next read
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd clientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Type == "status" {
			select {
			case refresh <- struct{}{}:
			default:
			}
		}
	}
}

func (s *StatusSocket) eventLoop(ctx context.Context, send chan<- any, done <-chan struct{}, refresh <-chan struct{}) {
	events, unsubscribe := s.Hub.Subscribe()
	defer unsubscribe()
	defer close(send)

	ticker := time.NewTicker(cmp.Or(s.Interval, DefaultStatusInterval))
	defer ticker.Stop()

	push := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if !push(s.Status(ctx)) {
		return
	}
	for {
		var msg any
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-refresh:
			msg = s.Status(ctx)
		case <-ticker.C:
			msg = s.Status(ctx)
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, ok := ev.(StatusChanged); ok {
				msg = s.Status(ctx)
			} else {
				msg = ev
			}
		}
		if !push(msg) {
			return
		}
	}
}
