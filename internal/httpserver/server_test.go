package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/DylanSMR/NetworkingLibrary/internal/config"
	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
	"github.com/DylanSMR/NetworkingLibrary/internal/relay"
)

func testConfig() config.Config {
	return config.Config{
		HTTPAddr:        "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func newTestServer(t *testing.T) (*Server, *relay.Relay, *metrics.Metrics) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	rel, err := relay.New(relay.Config{}, log, m)
	require.NoError(t, err)
	srv := New(testConfig(), log, BuildInfo{Commit: "abc", BuildTime: "time"}, rel, m)
	return srv, rel, m
}

func getJSON(t *testing.T, url string, wantStatus int, v any) http.Header {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.Header
}

type fakeEndpoint struct {
	name string
}

func (e fakeEndpoint) WriteDatagram([]byte) error { return nil }
func (e fakeEndpoint) String() string             { return e.name }

func TestHealthzReadyzVersion(t *testing.T) {
	srv, _, _ := newTestServer(t)
	baseURL := startTestServer(t, srv)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		hdr := getJSON(t, baseURL+"/healthz", http.StatusOK, &body)
		require.Equal(t, true, body["ok"])
		require.NotEmpty(t, hdr.Get("X-Request-ID"))
	})

	t.Run("readyz before udp", func(t *testing.T) {
		var body map[string]any
		getJSON(t, baseURL+"/readyz", http.StatusServiceUnavailable, &body)
		require.Equal(t, false, body["ready"])
	})

	t.Run("readyz", func(t *testing.T) {
		srv.SetUDPReady(true)
		var body map[string]any
		getJSON(t, baseURL+"/readyz", http.StatusOK, &body)
		require.Equal(t, true, body["ready"])
	})

	t.Run("version", func(t *testing.T) {
		var body BuildInfo
		getJSON(t, baseURL+"/version", http.StatusOK, &body)
		require.Equal(t, "abc", body.Commit)
		require.Equal(t, "time", body.BuildTime)
		_, err := uuid.Parse(body.InstanceID)
		require.NoError(t, err)
	})
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	baseURL := startTestServer(t, srv)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestPeersEndpoint(t *testing.T) {
	srv, rel, _ := newTestServer(t)
	baseURL := startTestServer(t, srv)

	hello, err := frame.Encode(frame.Frame{Type: frame.TypeHandshake, TargetID: frame.ProxyID, SenderID: frame.ServerID})
	require.NoError(t, err)
	rel.HandleDatagram(hello, fakeEndpoint{name: "10.0.0.2:7000"})

	var body PeersResponse
	getJSON(t, baseURL+"/peers", http.StatusOK, &body)
	require.Equal(t, []relay.Peer{{ID: frame.ServerID, Endpoint: "10.0.0.2:7000"}}, body.Peers)
	require.Equal(t, uint64(1), body.FramesSent)
}

func TestPeersEndpoint_NoRelay(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(testConfig(), log, BuildInfo{}, nil, nil)
	baseURL := startTestServer(t, srv)

	var body map[string]any
	getJSON(t, baseURL+"/peers", http.StatusServiceUnavailable, &body)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, rel, _ := newTestServer(t)
	baseURL := startTestServer(t, srv)

	rel.HandleDatagram([]byte("garbage"), fakeEndpoint{name: "10.0.0.9:1"})

	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `rendezvous_relay_events_total{event="`+metrics.DroppedMalformed+`"} 1`)
}

func TestWebSocketBridgeBehindMiddleware(t *testing.T) {
	srv, rel, m := newTestServer(t)
	bridge := relay.NewWebSocketBridge(rel, relay.BridgeConfig{}, nil)
	t.Cleanup(func() { _ = bridge.Close() })
	srv.Mux().Handle("GET /ws", bridge)
	baseURL := startTestServer(t, srv)

	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer c.Close()

	hello, err := frame.Encode(frame.Frame{Type: frame.TypeHandshake, TargetID: frame.ProxyID, SenderID: frame.ServerID})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, hello))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	ack, err := frame.Decode(msg)
	require.NoError(t, err)
	require.Equal(t, frame.NewAck(frame.ServerID, 0), ack)
	require.Equal(t, uint64(1), m.Get(metrics.BridgeConnections))
}
