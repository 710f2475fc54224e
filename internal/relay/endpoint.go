package relay

import (
	"fmt"
	"net"
)

// Endpoint is where a datagram came from and where replies to that peer go.
type Endpoint interface {
	WriteDatagram(b []byte) error
	String() string
}

type udpEndpoint struct {
	conn net.PacketConn
	addr net.Addr
}

// UDPEndpoint returns an Endpoint that writes to addr through conn.
func UDPEndpoint(conn net.PacketConn, addr net.Addr) Endpoint {
	return udpEndpoint{conn: conn, addr: addr}
}

func (e udpEndpoint) WriteDatagram(b []byte) error {
	if _, err := e.conn.WriteTo(b, e.addr); err != nil {
		return fmt.Errorf("relay: write %s: %w", e.addr.String(), err)
	}
	return nil
}

func (e udpEndpoint) String() string {
	return e.addr.String()
}
