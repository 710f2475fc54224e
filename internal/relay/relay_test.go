package relay

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
)

func TestRelay_ServerHandshake(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")

	r.HandleDatagram(mustEncode(t, serverHello()), server)

	sent := server.received()
	require.Len(t, sent, 1)
	require.Equal(t, frame.NewAck(frame.ServerID, 0), mustDecode(t, sent[0]))
	require.Equal(t, uint64(1), r.FramesSent())
	require.Equal(t, uint64(1), m.Get(metrics.HandshakeServer))
}

func TestRelay_ClientHandshakeWithoutServer(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, clientHello("clientA")), client)

	require.Empty(t, client.received())
	require.Zero(t, r.FramesSent())
	require.Equal(t, uint64(1), m.Get(metrics.DroppedServerUnknown))

	// The client is still learned.
	ep, ok := r.Lookup("clientA")
	require.True(t, ok)
	require.Equal(t, client.String(), ep.String())
}

func TestRelay_ClientHandshakeWithServer(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, serverHello()), server)
	require.Equal(t, uint64(1), r.FramesSent())

	hello := []byte(`{"m_Type": 2, "m_FrameId": 9, "m_TargetId": "server", "m_SenderId": "clientA", "m_Important": true}`)
	r.HandleDatagram(hello, client)

	clientGot := client.received()
	require.Len(t, clientGot, 1)
	require.Equal(t, frame.NewAck("clientA", 1), mustDecode(t, clientGot[0]))

	serverGot := server.received()
	require.Len(t, serverGot, 2, "server ack plus forwarded hello")
	require.Equal(t, hello, serverGot[1], "forwarded payload must be unmodified")

	require.Equal(t, uint64(3), r.FramesSent())
}

func TestRelay_DefaultForwarding(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, serverHello()), server)

	payload := []byte(`{"m_Type": 1, "m_FrameId": 5, "m_TargetId": "server", "m_SenderId": "clientA", "m_Important": false, "m_RPC": {"x": 1}}`)
	r.HandleDatagram(payload, client)

	require.Empty(t, client.received(), "no ack for ordinary frames")
	serverGot := server.received()
	require.Len(t, serverGot, 2)
	require.Equal(t, payload, serverGot[1])
	require.Equal(t, uint64(2), r.FramesSent())
}

func TestRelay_ServerToClientForwarding(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, serverHello()), server)
	r.HandleDatagram(mustEncode(t, clientHello("clientA")), client)

	// A handshake from the server to a client is not the identification
	// request, so it is forwarded like any other frame.
	reply := mustEncode(t, frame.Frame{Type: frame.TypeHandshake, FrameID: 1, TargetID: "clientA", SenderID: frame.ServerID})
	r.HandleDatagram(reply, server)

	clientGot := client.received()
	require.Len(t, clientGot, 2)
	require.Equal(t, reply, clientGot[1])
}

func TestRelay_AddressLearningIsWriteOnce(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	first := newFakeEndpoint("10.0.0.3:7001")
	moved := newFakeEndpoint("10.0.0.4:9999")

	r.HandleDatagram(mustEncode(t, serverHello()), server)
	r.HandleDatagram(mustEncode(t, frame.Frame{Type: 1, TargetID: frame.ServerID, SenderID: "clientA"}), first)
	r.HandleDatagram(mustEncode(t, frame.Frame{Type: 1, TargetID: frame.ServerID, SenderID: "clientA"}), moved)

	ep, ok := r.Lookup("clientA")
	require.True(t, ok)
	require.Equal(t, first.String(), ep.String())

	// Replies go to the first endpoint, never to the new one.
	r.HandleDatagram(mustEncode(t, frame.Frame{Type: 1, TargetID: "clientA", SenderID: frame.ServerID}), server)
	require.Len(t, first.received(), 1)
	require.Empty(t, moved.received())

	require.Equal(t, []Peer{
		{ID: "clientA", Endpoint: first.String()},
		{ID: frame.ServerID, Endpoint: server.String()},
	}, r.Peers())
}

func TestRelay_UnknownTargetIsDropped(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, frame.Frame{Type: 1, TargetID: "nobody", SenderID: "clientA"}), client)
	r.HandleDatagram(mustEncode(t, frame.Frame{Type: 1, TargetID: frame.ServerID, SenderID: "clientA"}), client)

	require.Empty(t, client.received())
	require.Zero(t, r.FramesSent())
	require.Equal(t, uint64(2), m.Get(metrics.DroppedUnknownTarget))
}

func TestRelay_MalformedIsDroppedAndNotLearned(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	peer := newFakeEndpoint("10.0.0.3:7001")

	for _, payload := range [][]byte{
		[]byte("not json"),
		{0xff, 0xfe},
		[]byte(`{"m_Type":1,"m_FrameId":0,"m_TargetId":"server","m_SenderId":"clientA"}`),
	} {
		r.HandleDatagram(payload, peer)
	}

	require.Equal(t, uint64(3), m.Get(metrics.DroppedMalformed))
	require.Empty(t, r.Peers())
	require.Zero(t, r.FramesSent())
}

func TestRelay_MalformedIsLoggedAtWarnWithThrottle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r, err := New(Config{}, logger, nil)
	require.NoError(t, err)

	peer := newFakeEndpoint("10.0.0.5:9000")
	for i := 0; i < 25; i++ {
		r.HandleDatagram([]byte("not json"), peer)
	}

	lines := strings.Count(buf.String(), "reason=malformed")
	require.Equal(t, 10, lines, buf.String())
	require.Contains(t, buf.String(), "level=WARN")
}

func TestRelay_SendFailureIsNonFatal(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	client := newFakeEndpoint("10.0.0.3:7001")

	r.HandleDatagram(mustEncode(t, serverHello()), server)
	require.Equal(t, uint64(1), r.FramesSent())

	server.failWith(errFakeUnreachable)
	r.HandleDatagram(mustEncode(t, clientHello("clientA")), client)

	// The ack to the client went out; the forward to the server failed.
	require.Len(t, client.received(), 1)
	require.Equal(t, uint64(2), r.FramesSent())
	require.Equal(t, uint64(1), m.Get(metrics.DroppedSendFailed))
}

func TestRelay_CounterCountsSendsOnly(t *testing.T) {
	r, m := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")
	client := newFakeEndpoint("10.0.0.3:7001")

	steps := []struct {
		from *fakeEndpoint
		in   []byte
		want uint64
	}{
		{client, mustEncode(t, clientHello("clientA")), 0}, // dropped: server unknown
		{client, []byte("garbage"), 0},                     // dropped: malformed
		{server, mustEncode(t, serverHello()), 1},          // ack
		{client, mustEncode(t, clientHello("clientA")), 3}, // ack + forward
		{client, mustEncode(t, frame.Frame{Type: 4, TargetID: "ghost", SenderID: "clientA"}), 3},
		{client, mustEncode(t, frame.Frame{Type: 4, TargetID: frame.ServerID, SenderID: "clientA"}), 4},
	}
	for i, s := range steps {
		r.HandleDatagram(s.in, s.from)
		require.Equal(t, s.want, r.FramesSent(), "step %d", i)
	}

	require.Equal(t, uint64(len(steps)), m.Get(metrics.DatagramReceived))
	require.Equal(t, r.FramesSent(), m.Get(metrics.FrameSent))
}

func TestRelay_AckFrameIDsTrackCounter(t *testing.T) {
	r, _ := newTestRelay(t, Config{})
	server := newFakeEndpoint("10.0.0.2:7000")

	for i := 0; i < 3; i++ {
		r.HandleDatagram(mustEncode(t, serverHello()), server)
	}

	sent := server.received()
	require.Len(t, sent, 3)
	for i, b := range sent {
		require.Equal(t, uint64(i), mustDecode(t, b).FrameID)
	}
}

func TestRelay_RateLimitPerSource(t *testing.T) {
	now := time.Unix(100, 0)
	m := metrics.New()
	r, err := newRelay(Config{MaxPPSPerSource: 2}, nil, m, func() time.Time { return now })
	require.NoError(t, err)

	server := newFakeEndpoint("10.0.0.2:7000")
	for i := 0; i < 3; i++ {
		r.HandleDatagram(mustEncode(t, serverHello()), server)
	}
	require.Equal(t, uint64(2), r.FramesSent())
	require.Equal(t, uint64(1), m.Get(metrics.DroppedRateLimited))

	now = now.Add(500 * time.Millisecond)
	r.HandleDatagram(mustEncode(t, serverHello()), server)
	require.Equal(t, uint64(3), r.FramesSent())
}
