package ice

import (
	"net"

	"github.com/lanikai/iceagent/internal/stun"
)

// Socket is the datagram transport abstraction: the minimal surface the
// conncheck engine and TURN client need from a base socket. Real I/O
// (interface enumeration, reading the OS socket) is an external
// collaborator's concern; this package only depends on the abstraction.
type Socket interface {
	SendTo(dst stun.Address, b []byte) (int, error)
	Close() error
	IsReliable() bool
}

// UDPSocket is a Socket backed by a bound net.PacketConn, the base
// transport used by Host and ServerReflexive candidates.
type UDPSocket struct {
	conn net.PacketConn
}

// NewUDPSocket wraps an already-bound PacketConn (owned by the caller's
// gathering logic) as a Socket.
func NewUDPSocket(conn net.PacketConn) *UDPSocket {
	return &UDPSocket{conn: conn}
}

func (s *UDPSocket) SendTo(dst stun.Address, b []byte) (int, error) {
	return s.conn.WriteTo(b, dst.ToUDPAddr())
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

func (s *UDPSocket) IsReliable() bool {
	return false
}

// reliableFrame prefixes a message with the 16-bit big-endian length used
// by RFC 4571 framing over a reliable base transport.
func reliableFrame(b []byte) []byte {
	framed := make([]byte, 2+len(b))
	framed[0] = byte(len(b) >> 8)
	framed[1] = byte(len(b))
	copy(framed[2:], b)
	return framed
}
