package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
)

const (
	wsBridgeWriteWait = 1 * time.Second

	DefaultBridgePingInterval = 20 * time.Second
	DefaultBridgeIdleTimeout  = 60 * time.Second
	DefaultBridgeSendQueue    = 64
)

type BridgeConfig struct {
	PingInterval time.Duration
	IdleTimeout  time.Duration
	// MaxMessageBytes caps inbound WebSocket messages. Defaults to the relay's
	// read buffer size.
	MaxMessageBytes int64
	// SendQueue is the number of outbound datagrams buffered per connection.
	// Sends to a connection whose queue is full fail.
	SendQueue int
	// AllowedOrigins lists browser origins (scheme://host[:port]) that may
	// open the bridge. "*" allows any. When empty, only same-host browser
	// requests are accepted. Requests without an Origin header are always
	// accepted.
	AllowedOrigins []string
}

// WebSocketBridge implements GET /ws, which lets peers that cannot use UDP
// exchange frames with the relay.
//
// Each inbound text or binary message is one datagram. The connection is the
// peer's endpoint: frames routed to it are written back as text messages.
// Empty messages are ignored; the shutdown sentinel only applies to the UDP
// socket.
type WebSocketBridge struct {
	relay   *Relay
	cfg     BridgeConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewWebSocketBridge(r *Relay, cfg BridgeConfig, logger *slog.Logger) *WebSocketBridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultBridgePingInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultBridgeIdleTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = int64(r.cfg.ReadBufferBytes)
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultBridgeSendQueue
	}
	b := &WebSocketBridge{
		relay:   r,
		cfg:     cfg,
		log:     logger,
		metrics: r.metrics,
		conns:   make(map[*websocket.Conn]struct{}),
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

func (b *WebSocketBridge) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	origin, host, ok := normalizeOrigin(raw)
	if !ok {
		return false
	}
	if len(b.cfg.AllowedOrigins) > 0 {
		for _, allowed := range b.cfg.AllowedOrigins {
			if allowed == "*" {
				return true
			}
			if want, _, ok := normalizeOrigin(allowed); ok && want == origin {
				return true
			}
		}
		return false
	}
	// Scheme is not compared: the bridge may sit behind a TLS-terminating
	// proxy.
	return strings.EqualFold(host, stripDefaultPort(r.Host))
}

// ValidOrigin reports whether s is "*" or an http(s) origin accepted in
// BridgeConfig.AllowedOrigins.
func ValidOrigin(s string) bool {
	if s == "*" {
		return true
	}
	_, _, ok := normalizeOrigin(s)
	return ok
}

// normalizeOrigin returns scheme://host[:port] and host[:port] for an http(s)
// Origin header, with default ports removed.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || (u.Path != "" && u.Path != "/") {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host = stripDefaultPort(strings.ToLower(u.Host))
	return scheme + "://" + host, host, true
}

func stripDefaultPort(host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return strings.ToLower(host)
	}
	if port == "80" || port == "443" {
		if strings.Contains(h, ":") {
			return "[" + strings.ToLower(h) + "]"
		}
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

func (b *WebSocketBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if !b.track(conn) {
		_ = conn.Close()
		return
	}
	defer b.untrack(conn)

	b.metrics.Inc(metrics.BridgeConnections)
	b.log.Info("ws_bridge_connected", "remote_addr", r.RemoteAddr)
	defer b.log.Info("ws_bridge_disconnected", "remote_addr", r.RemoteAddr)

	ep := newWSEndpoint(conn, r.RemoteAddr, b.cfg.SendQueue)
	defer ep.close()
	go ep.writeLoop()

	conn.SetReadLimit(b.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go b.pingLoop(ep, done)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				b.metrics.Inc(metrics.DatagramReceived)
				b.metrics.Inc(metrics.DroppedMalformed)
			} else if isTimeout(err) {
				b.log.Debug("ws_bridge_idle_timeout", "remote_addr", r.RemoteAddr)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 {
			continue
		}
		b.metrics.Inc(metrics.BridgeDatagramsIn)
		b.relay.HandleDatagram(msg, ep)
	}
}

func (b *WebSocketBridge) pingLoop(ep *wsEndpoint, done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ep.ping(); err != nil {
				return
			}
		}
	}
}

func (b *WebSocketBridge) track(conn *websocket.Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[conn] = struct{}{}
	return true
}

func (b *WebSocketBridge) untrack(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// Close closes every bridged connection and rejects new ones.
func (b *WebSocketBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	var err error
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), time.Now().Add(wsBridgeWriteWait))
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

// wsEndpoint queues outbound datagrams so relay sends never wait on the
// network. writeLoop is the only writer of data messages.
type wsEndpoint struct {
	conn   *websocket.Conn
	remote string

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSEndpoint(conn *websocket.Conn, remote string, queue int) *wsEndpoint {
	return &wsEndpoint{
		conn:   conn,
		remote: remote,
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// WriteDatagram enqueues a copy of b. It fails without blocking when the
// connection is closed or its queue is full.
func (e *wsEndpoint) WriteDatagram(b []byte) error {
	if e.closed.Load() {
		return ErrEndpointClosed
	}
	select {
	case e.out <- append([]byte(nil), b...):
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (e *wsEndpoint) writeLoop() {
	for {
		select {
		case <-e.done:
			return
		case b := <-e.out:
			_ = e.conn.SetWriteDeadline(time.Now().Add(wsBridgeWriteWait))
			if err := e.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				e.close()
				return
			}
		}
	}
}

func (e *wsEndpoint) ping() error {
	if e.closed.Load() {
		return ErrEndpointClosed
	}
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsBridgeWriteWait))
}

func (e *wsEndpoint) close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		if e.conn != nil {
			_ = e.conn.Close()
		}
	})
}

func (e *wsEndpoint) String() string {
	return "ws://" + e.remote
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
