package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/time/rate"

	"github.com/DylanSMR/NetworkingLibrary/internal/frame"
	"github.com/DylanSMR/NetworkingLibrary/internal/metrics"
)

// Relay owns the address book and the frame counter.
type Relay struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *sourceLimiter

	// dropLog throttles warn-level drop logs so a misbehaving peer cannot
	// flood the log.
	dropLog rate.Sometimes

	mu   sync.Mutex
	book *AddressBook

	// framesSent counts successful sends. It is only written under mu but may
	// be read without it.
	framesSent atomic.Uint64
}

// New returns a relay with an empty address book and a zero frame counter.
// logger and m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	return newRelay(cfg, logger, m, nil)
}

func newRelay(cfg Config, logger *slog.Logger, m *metrics.Metrics, now func() time.Time) (*Relay, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limiter, err := newSourceLimiter(cfg.MaxPPSPerSource, cfg.MaxTrackedSources, now)
	if err != nil {
		return nil, fmt.Errorf("relay: source limiter: %w", err)
	}
	return &Relay{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		limiter: limiter,
		dropLog: rate.Sometimes{First: 10, Interval: 10 * time.Second},
		book:    NewAddressBook(),
	}, nil
}

// Listen binds the relay's UDP socket on nw. A nil nw uses the host network.
func Listen(nw transport.Net, addr string) (net.PacketConn, error) {
	if nw == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("relay: host network: %w", err)
		}
		nw = std
	}
	conn, err := nw.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return conn, nil
}

// FramesSent returns the number of datagrams the relay has sent.
func (r *Relay) FramesSent() uint64 {
	return r.framesSent.Load()
}

// Peers returns a sorted snapshot of the address book.
func (r *Relay) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.Snapshot()
}

// Lookup returns the endpoint on file for id.
func (r *Relay) Lookup(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.book.Lookup(id)
}

// maxConsecutiveReadErrors bounds how many unclassified read errors in a row
// Serve tolerates before giving up on the socket.
const maxConsecutiveReadErrors = 64

// Serve reads datagrams from conn until a zero-length datagram arrives, ctx
// is cancelled or conn is closed, and closes conn before returning.
//
// A failed read only costs that datagram. ICMP errors reported for an earlier
// send (connection reset/refused) and oversized datagrams are always skipped.
// Other read errors are skipped too, but maxConsecutiveReadErrors of them in
// a row are returned.
func (r *Relay) Serve(ctx context.Context, conn net.PacketConn) error {
	if conn == nil {
		return ErrNilConn
	}

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() { _ = conn.Close() })
	}
	stop := context.AfterFunc(ctx, closeConn)
	defer func() {
		stop()
		closeConn()
	}()

	r.log.Info("relay_listening", "addr", conn.LocalAddr().String(), "read_buffer_bytes", r.cfg.ReadBufferBytes)

	buf := make([]byte, r.cfg.ReadBufferBytes)
	consecutiveErrs := 0
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.log.Info("relay_stopped", "reason", "closed", "frames_sent", r.FramesSent())
				return nil
			}
			r.metrics.Inc(metrics.DatagramReceived)
			r.metrics.Inc(metrics.DroppedReadError)
			transient := isTransientReadError(err)
			if !transient && n == 0 {
				consecutiveErrs++
			}
			if consecutiveErrs >= maxConsecutiveReadErrors {
				r.log.Error("relay_stopped", "reason", "read_error", "err", err, "frames_sent", r.FramesSent())
				return fmt.Errorf("relay: read: %w", err)
			}
			r.dropLog.Do(func() {
				r.log.Warn("datagram_dropped", "reason", "read_error", "bytes", n, "transient", transient, "err", err)
			})
			continue
		}
		consecutiveErrs = 0

		if n == 0 {
			if !r.cfg.IgnoreEmptyDatagrams {
				r.log.Info("relay_stopped", "reason", "empty_datagram", "from", from.String(), "frames_sent", r.FramesSent())
				return nil
			}
			r.metrics.Inc(metrics.DatagramReceived)
			r.metrics.Inc(metrics.DroppedEmpty)
			continue
		}

		r.HandleDatagram(buf[:n], UDPEndpoint(conn, from))
	}
}

// HandleDatagram decodes one inbound datagram, learns the sender's endpoint
// and routes it. payload is not retained after HandleDatagram returns.
func (r *Relay) HandleDatagram(payload []byte, from Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.Inc(metrics.DatagramReceived)

	if !r.limiter.Allow(from.String()) {
		r.metrics.Inc(metrics.DroppedRateLimited)
		r.log.Debug("datagram_dropped", "reason", "rate_limited", "from", from.String())
		return
	}

	f, err := frame.Decode(payload)
	if err != nil {
		r.metrics.Inc(metrics.DroppedMalformed)
		r.dropLog.Do(func() {
			r.log.Warn("datagram_dropped", "reason", "malformed", "from", from.String(), "bytes", len(payload), "err", err)
		})
		return
	}

	if r.book.Learn(f.SenderID, from) {
		r.metrics.Inc(metrics.PeerLearned)
		r.metrics.SetKnownPeers(r.book.Len())
		r.log.Info("peer_learned", "id", f.SenderID, "endpoint", from.String())
	}

	action := Route(f, r.book.Has(frame.ServerID))
	switch action {
	case ActionServerAck:
		r.metrics.Inc(metrics.HandshakeServer)
		r.sendAckLocked(f.SenderID)
	case ActionClientHandshake:
		r.metrics.Inc(metrics.HandshakeClient)
		r.sendAckLocked(f.SenderID)
		r.sendLocked(f.TargetID, payload)
	case ActionDropServerUnknown:
		r.metrics.Inc(metrics.DroppedServerUnknown)
		r.log.Debug("datagram_dropped", "reason", "server_unknown", "sender_id", f.SenderID)
	case ActionForward:
		r.sendLocked(f.TargetID, payload)
	}
}

func (r *Relay) sendAckLocked(target string) {
	b, err := frame.Encode(frame.NewAck(target, r.framesSent.Load()))
	if err != nil {
		r.log.Error("ack_encode_failed", "target_id", target, "err", err)
		return
	}
	r.sendLocked(target, b)
}

// sendLocked writes b to the endpoint on file for target and bumps the frame
// counter on success.
func (r *Relay) sendLocked(target string, b []byte) bool {
	ep, ok := r.book.Lookup(target)
	if !ok {
		r.metrics.Inc(metrics.DroppedUnknownTarget)
		r.log.Debug("datagram_dropped", "reason", "unknown_target", "target_id", target, "err", ErrUnknownTarget)
		return false
	}
	if err := ep.WriteDatagram(b); err != nil {
		r.metrics.Inc(metrics.DroppedSendFailed)
		r.log.Warn("datagram_dropped", "reason", "send_failed", "target_id", target, "endpoint", ep.String(), "err", err)
		return false
	}
	r.framesSent.Add(1)
	r.metrics.Inc(metrics.FrameSent)
	return true
}

// isTransientReadError reports read errors that concern a single datagram
// rather than the socket.
func isTransientReadError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EMSGSIZE)
}
