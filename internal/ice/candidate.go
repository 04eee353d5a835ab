package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"

	"github.com/lanikai/iceagent/internal/stun"
)

// Kind is the RFC 8445 candidate type.
type Kind int

const (
	Host Kind = iota
	ServerReflexive
	PeerReflexive
	Relayed
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case ServerReflexive:
		return "srflx"
	case PeerReflexive:
		return "prflx"
	case Relayed:
		return "relay"
	default:
		return "unknown"
	}
}

func (k Kind) typePreference() uint32 {
	switch k {
	case Host:
		return 126
	case PeerReflexive:
		return 110
	case ServerReflexive:
		return 100
	case Relayed:
		return 0
	default:
		return 0
	}
}

// Transport is the candidate's transport protocol, per RFC 6544.
type Transport int

const (
	UDP Transport = iota
	TCPActive
	TCPPassive
	TCPSO
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCPActive:
		return "tcp active"
	case TCPPassive:
		return "tcp passive"
	case TCPSO:
		return "tcp so"
	default:
		return "unknown"
	}
}

// RelayDescriptor records the TURN server a relayed candidate was
// allocated from, so the conncheck engine can route checks for that
// candidate through the TURN client socket rather than directly.
type RelayDescriptor struct {
	Server   stun.Address
	Username string
	Password string
}

// Candidate is one potential transport address for a component.
type Candidate struct {
	Kind       Kind
	Transport  Transport
	Base       stun.Address
	Address    stun.Address
	Priority   uint32
	Foundation string
	Component  int
	StreamID   int

	Ufrag string
	Pwd   string

	Relay *RelayDescriptor

	// Socket is the base socket this candidate sends from; nil for remote
	// candidates.
	Socket Socket

	// id uniquely identifies this candidate within its stream for weak
	// back-references from pairs.
	id uint64
}

// NewHostCandidate builds a Host candidate whose base and address coincide.
func NewHostCandidate(streamID, component int, transport Transport, addr stun.Address) *Candidate {
	c := &Candidate{
		Kind:      Host,
		Transport: transport,
		Base:      addr,
		Address:   addr,
		Component: component,
		StreamID:  streamID,
	}
	c.Priority = ComputePriority(Host, component, 65535)
	c.Foundation = ComputeFoundation(Host, addr, "")
	return c
}

// NewServerReflexiveCandidate builds a candidate learned from a STUN
// Binding response's mapped address.
func NewServerReflexiveCandidate(streamID, component int, transport Transport, mapped, base stun.Address, server string) *Candidate {
	c := &Candidate{
		Kind:      ServerReflexive,
		Transport: transport,
		Base:      base,
		Address:   mapped,
		Component: component,
		StreamID:  streamID,
	}
	c.Priority = ComputePriority(ServerReflexive, component, 65535)
	c.Foundation = ComputeFoundation(ServerReflexive, base, server)
	return c
}

// NewRelayedCandidate builds a candidate whose address is the relayed
// transport address allocated on a TURN server.
func NewRelayedCandidate(streamID, component int, transport Transport, relayed, base stun.Address, relay *RelayDescriptor) *Candidate {
	c := &Candidate{
		Kind:      Relayed,
		Transport: transport,
		Base:      base,
		Address:   relayed,
		Component: component,
		StreamID:  streamID,
		Relay:     relay,
	}
	c.Priority = ComputePriority(Relayed, component, 65535)
	c.Foundation = ComputeFoundation(Relayed, base, relay.Server.String())
	return c
}

// NewPeerReflexiveCandidate builds a candidate learned from the source
// address of an incoming connectivity check.
func NewPeerReflexiveCandidate(streamID, component int, transport Transport, addr stun.Address, priority uint32) *Candidate {
	c := &Candidate{
		Kind:      PeerReflexive,
		Transport: transport,
		Base:      addr,
		Address:   addr,
		Priority:  priority,
		Component: component,
		StreamID:  streamID,
	}
	c.Foundation = ComputeFoundation(PeerReflexive, addr, "")
	return c
}

// ComputePriority implements the candidate priority formula of
// RFC 8445 §5.1.2: (type_pref<<24)|(local_pref<<8)|(256-component_id).
func ComputePriority(kind Kind, component int, localPref uint32) uint32 {
	return (kind.typePreference() << 24) | (localPref << 8) | uint32(256-component)
}

// ComputeFoundation derives an ASCII identifier shared by candidates of the
// same {kind, base address, server}. The base's port and the
// transport are deliberately excluded: RFC 8445 §5.1.1.3 scopes foundation
// by base IP only.
func ComputeFoundation(kind Kind, base stun.Address, server string) string {
	fingerprint := fmt.Sprintf("%s/%s", kind, base.IPString())
	if server != "" {
		fingerprint += "/" + server
	}
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(h.Sum(nil))[:8]
}

// PeerPriority is the priority this candidate would carry if the remote
// peer learned it as peer-reflexive, used as the PRIORITY attribute on
// outgoing connectivity checks.
func (c *Candidate) PeerPriority() uint32 {
	return ComputePriority(PeerReflexive, c.Component, 65535)
}

// sameCandidate reports whether two candidates would be considered
// duplicates when adding remote candidates: same {transport, address}.
func sameCandidate(a, b *Candidate) bool {
	return a.Transport == b.Transport && a.Address.Equal(b.Address)
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s/%s %s typ %s prio %d", c.Transport, c.Foundation, c.Address, c.Kind, c.Priority)
}
