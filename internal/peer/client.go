// Package peer is a minimal relay peer: it binds a UDP socket, identifies
// itself to the relay and exchanges frames through it.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
)

const defaultReadBufferBytes = 2048

var (
	ErrClosed = errors.New("peer: client closed")
	ErrNoID   = errors.New("peer: empty identifier")
)

type Option func(*Client)

// WithLocalAddr binds the client socket to addr instead of an ephemeral port
// on all interfaces.
func WithLocalAddr(addr string) Option {
	return func(c *Client) { c.localAddr = addr }
}

func WithReadBufferBytes(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.readBufferBytes = n
		}
	}
}

// Client is safe for concurrent Send calls; Receive and Handshake must not be
// called concurrently with each other.
type Client struct {
	id              string
	localAddr       string
	readBufferBytes int

	conn  net.PacketConn
	relay net.Addr

	nextFrameID atomic.Uint64

	readMu sync.Mutex
	buf    []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial binds a socket on nw (the host network when nil) for talking to the
// relay at relayAddr as id. No datagram is sent.
func Dial(nw transport.Net, relayAddr, id string, opts ...Option) (*Client, error) {
	if id == "" {
		return nil, ErrNoID
	}
	c := &Client{
		id:              id,
		localAddr:       "0.0.0.0:0",
		readBufferBytes: defaultReadBufferBytes,
	}
	for _, opt := range opts {
		opt(c)
	}

	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("peer: host network: %w", err)
		}
		nw = std
	}
	raddr, err := nw.ResolveUDPAddr("udp4", relayAddr)
	if err != nil {
		return nil, fmt.Errorf("peer: resolve %s: %w", relayAddr, err)
	}
	conn, err := nw.ListenPacket("udp4", c.localAddr)
	if err != nil {
		return nil, fmt.Errorf("peer: listen %s: %w", c.localAddr, err)
	}
	c.conn = conn
	c.relay = raddr
	c.buf = make([]byte, c.readBufferBytes)
	return c, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Client) RelayAddr() net.Addr { return c.relay }

// Handshake sends an identification frame to target and waits for the
// relay's ack. Frames that are not the ack are discarded. A handshake to
// frame.ProxyID from frame.ServerID registers the server; any other sender
// is a client asking the relay to introduce it to target.
func (c *Client) Handshake(ctx context.Context, target string) (frame.Frame, error) {
	if err := c.Send(ctx, frame.Frame{Type: frame.TypeHandshake, TargetID: target}); err != nil {
		return frame.Frame{}, err
	}
	for {
		f, _, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, frame.ErrMalformed) {
				continue
			}
			return frame.Frame{}, fmt.Errorf("peer: waiting for handshake ack: %w", err)
		}
		if f.IsHandshake() && f.SenderID == frame.ProxyID && f.TargetID == c.id {
			return f, nil
		}
	}
}

// Send encodes f and sends it to the relay. An empty SenderID is filled with
// the client's identifier; a zero FrameID is replaced with the next local
// sequence number.
func (c *Client) Send(ctx context.Context, f frame.Frame) error {
	if f.SenderID == "" {
		f.SenderID = c.id
	}
	if f.FrameID == 0 {
		f.FrameID = c.nextFrameID.Add(1)
	}
	b, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("peer: encode: %w", err)
	}
	return c.SendRaw(ctx, b)
}

// SendRaw sends b to the relay unchanged. An empty b is the relay's shutdown
// sentinel.
func (c *Client) SendRaw(ctx context.Context, b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := c.conn.WriteTo(b, c.relay); err != nil {
		return fmt.Errorf("peer: write: %w", err)
	}
	return nil
}

// Receive waits for the next datagram from the relay. Datagrams from other
// sources are ignored. The raw payload is returned even when it fails to
// decode, together with an error wrapping frame.ErrMalformed.
func (c *Client) Receive(ctx context.Context) (frame.Frame, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return frame.Frame{}, nil, ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	// Unblock the read on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		n, from, err := c.conn.ReadFrom(c.buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return frame.Frame{}, nil, ctxErr
			}
			if c.closed.Load() {
				return frame.Frame{}, nil, ErrClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return frame.Frame{}, nil, context.DeadlineExceeded
			}
			return frame.Frame{}, nil, fmt.Errorf("peer: read: %w", err)
		}
		if !c.fromRelay(from) {
			continue
		}
		raw := append([]byte(nil), c.buf[:n]...)
		f, err := frame.Decode(raw)
		if err != nil {
			return frame.Frame{}, raw, err
		}
		return f, raw, nil
	}
}

// fromRelay matches addr against the relay address. A relay dialed on an
// unspecified IP is matched by port only.
func (c *Client) fromRelay(addr net.Addr) bool {
	relay, ok := c.relay.(*net.UDPAddr)
	from, fok := addr.(*net.UDPAddr)
	if !ok || !fok {
		return addr.String() == c.relay.String()
	}
	if relay.Port != from.Port {
		return false
	}
	return relay.IP.IsUnspecified() || relay.IP.Equal(from.IP)
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
