package stun

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrInvalidAddress is returned when a numeric address string cannot be parsed.
var ErrInvalidAddress = errors.New("stun: invalid address")

// Family distinguishes IPv4 from IPv6 addresses.
type Family uint8

const (
	IPv4 Family = 1
	IPv6 Family = 2
)

// Address is a family-agnostic transport address: an IP (v4 or v6, with an
// optional IPv6 scope id) plus a 16-bit port in host order. It is a plain
// value type so that it can be compared with ==, copied freely, and used as
// a map key.
//
// [RFC8445 §5.1.1.1] candidates and [RFC5389 §15.1] MAPPED-ADDRESS share
// this representation.
type Address struct {
	Family Family
	IP [16]byte // IPv4 uses the first 4 bytes only
	Zone string // IPv6 scope id, e.g. "eth0"; empty for IPv4 and most IPv6
	Port   uint16
}

// FromUDPAddr converts a *net.UDPAddr into an Address. Panics if addr is nil.
func FromUDPAddr(addr *net.UDPAddr) Address {
	var a Address
	a.setIP(addr.IP)
	a.Zone = addr.Zone
	a.Port = uint16(addr.Port)
	return a
}

// FromNetAddr converts any net.Addr of concrete type *net.UDPAddr or
// *net.TCPAddr into an Address. Returns ErrInvalidAddress for other types.
func FromNetAddr(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return FromUDPAddr(a), nil
	case *net.TCPAddr:
		var out Address
		out.setIP(a.IP)
		out.Zone = a.Zone
		out.Port = uint16(a.Port)
		return out, nil
	default:
		return Address{}, errors.Wrapf(ErrInvalidAddress, "unsupported net.Addr type %T", addr)
	}
}

func (a *Address) setIP(ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		a.Family = IPv4
		copy(a.IP[:4], ip4)
	} else {
		a.Family = IPv6
		copy(a.IP[:16], ip.To16())
	}
}

// ParseAddress parses a numeric "host:port" string. No DNS resolution is
// performed; a hostname yields ErrInvalidAddress.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, err.Error())
	}

	var zone string
	if i := indexByte(host, '%'); i >= 0 {
		zone = host[i+1:]
		host = host[:i]
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "not a numeric host: %s", host)
	}

	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port < 0 || port > 65535 {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "bad port: %s", portStr)
	}

	var a Address
	a.setIP(ip)
	a.Zone = zone
	a.Port = uint16(port)
	return a, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// ip returns the address's IP as a net.IP, sized to the family.
func (a Address) ip() net.IP {
	if a.Family == IPv4 {
		ip := make(net.IP, 4)
		copy(ip, a.IP[:4])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, a.IP[:16])
	return ip
}

// ToUDPAddr renders this Address as a *net.UDPAddr, suitable for use with a
// net.PacketConn.
func (a Address) ToUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.ip(), Port: int(a.Port), Zone: a.Zone}
}

// ToTCPAddr renders this Address as a *net.TCPAddr.
func (a Address) ToTCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.ip(), Port: int(a.Port), Zone: a.Zone}
}

// Equal reports whether two addresses are identical, including port.
func (a Address) Equal(b Address) bool {
	return a.EqualNoPort(b) && a.Port == b.Port
}

// EqualNoPort reports whether two addresses have the same IP (and zone),
// ignoring port.
func (a Address) EqualNoPort(b Address) bool {
	if a.Family != b.Family {
		return false
	}
	n := 4
	if a.Family == IPv6 {
		n = 16
	}
	for i := 0; i < n; i++ {
		if a.IP[i] != b.IP[i] {
			return false
		}
	}
	return a.Zone == b.Zone
}

// String renders the address as "ip:port", bracketing IPv6.
func (a Address) String() string {
	return net.JoinHostPort(a.IPString(), fmt.Sprintf("%d", a.Port))
}

// IPString renders just the IP (and IPv6 zone, if any), with no port.
func (a Address) IPString() string {
	ipStr := a.ip().String()
	if a.Zone != "" {
		ipStr += "%" + a.Zone
	}
	return ipStr
}

// IsPrivate classifies the address as "private" per [RFC1918] (IPv4),
// loopback, link-local, or IPv6 ULA [RFC4193].
func (a Address) IsPrivate() bool {
	ip := a.ip()
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if a.Family == IPv4 {
		return ip[0] == 10 ||
			(ip[0] == 172 && ip[1]&0xf0 == 16) ||
			(ip[0] == 192 && ip[1] == 168)
	}
	// IPv6 Unique Local Address: fc00::/7
	return ip[0]&0xfe == 0xfc
}
