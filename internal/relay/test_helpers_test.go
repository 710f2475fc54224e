package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
)

type fakeEndpoint struct {
	name string

	mu   sync.Mutex
	sent [][]byte
	err  error
}

func newFakeEndpoint(name string) *fakeEndpoint {
	return &fakeEndpoint{name: name}
}

func (e *fakeEndpoint) WriteDatagram(b []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, append([]byte(nil), b...))
	return nil
}

func (e *fakeEndpoint) String() string { return e.name }

func (e *fakeEndpoint) failWith(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *fakeEndpoint) received() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.sent...)
}

var errFakeUnreachable = errors.New("fake: destination unreachable")

func newTestRelay(t *testing.T, cfg Config) (*Relay, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	r, err := New(cfg, nil, m)
	require.NoError(t, err)
	return r, m
}

func mustEncode(t *testing.T, f frame.Frame) []byte {
	t.Helper()
	b, err := frame.Encode(f)
	require.NoError(t, err)
	return b
}

func mustDecode(t *testing.T, b []byte) frame.Frame {
	t.Helper()
	f, err := frame.Decode(b)
	require.NoError(t, err)
	return f
}

func serverHello() frame.Frame {
	return frame.Frame{Type: frame.TypeHandshake, FrameID: 0, TargetID: frame.ProxyID, SenderID: frame.ServerID}
}

func clientHello(id string) frame.Frame {
	return frame.Frame{Type: frame.TypeHandshake, FrameID: 0, TargetID: frame.ServerID, SenderID: id}
}
