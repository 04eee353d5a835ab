// Package ice implements the candidate and pair model, the connectivity
// check engine, and the component/stream registry of an ICE agent,
// exposing a consumer-facing façade for driving connectivity establishment.
package ice

import (
	"github.com/lanikai/iceagent/internal/logging"
	"github.com/lanikai/iceagent/internal/stun"
	"github.com/lanikai/iceagent/internal/turn"
)

var log = logging.DefaultLogger.WithTag("ice")

// Config holds the agent's enumerated configuration options.
type Config struct {
	ControllingMode       bool
	StunServer            string
	StunServerPort        uint16
	MaxConnectivityChecks uint32
	ProxyType             string
	ProxyIP               string
	ProxyPort             uint16
	ProxyUsername         string
	ProxyPassword         string
	ICEUDP                bool
	ICETCP                bool
	UPnP                  bool
	ForceRelay            bool
	Software              string
}

// DefaultConfig returns a Config with UDP enabled, unlimited checks, and
// the controlled role.
func DefaultConfig() Config {
	return Config{ICEUDP: true}
}

type turnKey struct {
	stream    int
	component int
}

// Callback is the signature for every signal the agent emits: an
// edge-triggered event delivered to the upper layer.
type Callback func(args ...interface{})

// Agent is the top-level ICE agent, composed from the stream/component
// registry, the checklist/pair model, and the connectivity-check engine.
type Agent struct {
	// mu is a recursive guard (see lock.go): the agent's event loop
	// (Tick, HandlePacket) and its public API may be invoked from
	// different goroutines, but a Socket.SendTo issued while mu is held
	// can synchronously loop back into this same agent's HandlePacket
	// (direct in-process delivery, or a consumer's emit callback calling
	// back into the agent) on the very same goroutine.
	mu *recursiveMutex

	compat   stun.Compatibility
	reliable bool
	software string

	maxConnectivityChecks uint32
	forceRelay            bool

	registry *registry

	turnClients map[turnKey]*turn.Client

	callbacks map[string][]Callback
}

// NewAgent returns a fresh agent with an empty stream registry.
func NewAgent(cfg Config) *Agent {
	return &Agent{
		mu:                    newRecursiveMutex(),
		compat:                stun.CompatRFC5389,
		reliable:              cfg.ICETCP && !cfg.ICEUDP,
		software:              cfg.Software,
		maxConnectivityChecks: cfg.MaxConnectivityChecks,
		forceRelay:            cfg.ForceRelay,
		registry:              newRegistry(),
		turnClients:           make(map[turnKey]*turn.Client),
		callbacks:             make(map[string][]Callback),
	}
}

// On registers a callback for a named signal. Signals are dispatched via
// a callback table keyed by event name.
func (a *Agent) On(event string, cb Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks[event] = append(a.callbacks[event], cb)
}

func (a *Agent) emit(event string, args ...interface{}) {
	for _, cb := range a.callbacks[event] {
		cb(args...)
	}
}

// AddStream allocates a stream and its components, returning a positive id.
func (a *Agent) AddStream(nComponents int, controlling bool, tieBreaker uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.registry.addStream(nComponents)
	s.controlling = controlling
	s.TieBreaker = tieBreaker
	for _, c := range s.Components {
		c.State = Gathering
	}
	return s.ID
}

// GatherCandidates starts local candidate discovery. The discovery
// mechanism itself — interface enumeration, STUN/TURN queries — is an
// external collaborator; this call marks gathering complete and fires
// the completion signal,
// expecting AddLocalCandidate to have populated candidates beforehand, or
// to be called afterward as trickle candidates arrive.
func (a *Agent) GatherCandidates(streamID int) error {
	a.mu.Lock()
	s, ok := a.registry.get(streamID)
	a.mu.Unlock()
	if !ok {
		return ErrUnknownStream
	}

	s.GatheringDone = true
	a.emit("candidate-gathering-done", streamID)
	return nil
}

// AddLocalCandidate registers a local candidate discovered by the
// gathering collaborator, pairing it against existing remote candidates
// and firing new-candidate.
func (a *Agent) AddLocalCandidate(streamID int, c *Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	comp, ok := s.Components[c.Component]
	if !ok {
		return ErrUnknownComponent
	}

	c.Ufrag, c.Pwd = s.LocalUfrag, s.LocalPwd
	comp.LocalCandidates = append(comp.LocalCandidates, c)
	s.Checklist.AddCandidatePairs([]*Candidate{c}, comp.RemoteCandidates)
	a.emit("new-candidate", streamID, c.Component, c.Foundation)
	return nil
}

// SetPortRange records a port range for host candidate allocation on
// component. The range is only stored: GatherCandidates does not check it,
// and nothing in this package returns ErrPortRangeUnavailable.
func (a *Agent) SetPortRange(streamID, component int, lo, hi uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	comp, ok := s.Components[component]
	if !ok {
		return ErrUnknownComponent
	}
	comp.portLo, comp.portHi = lo, hi
	return nil
}

// SetRelayInfo registers a TURN server for component; subsequent relayed
// candidates route through it.
func (a *Agent) SetRelayInfo(streamID, component int, server stun.Address, username, password string, dialect turn.Dialect) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	if _, ok := s.Components[component]; !ok {
		return ErrUnknownComponent
	}

	key := turnKey{streamID, component}
	sock := &turnSocket{agent: a, streamID: streamID, component: component}
	a.turnClients[key] = turn.NewClient(sock, server, turn.Credentials{Username: username, Password: password}, dialect)
	a.turnClients[key].SetDataHandler(func(peer stun.Address, data []byte) {
		a.deliverApplicationData(streamID, component, data)
	})

	s.relay = &RelayDescriptor{Server: server, Username: username, Password: password}
	return nil
}

// turnSocket adapts a component's base socket as the transport a TURN
// client writes control messages and framed data through.
type turnSocket struct {
	agent     *Agent
	streamID  int
	component int
}

func (t *turnSocket) SendTo(dst stun.Address, b []byte) (int, error) {
	s, ok := t.agent.registry.get(t.streamID)
	if !ok {
		return 0, ErrUnknownStream
	}
	comp := s.Components[t.component]
	for _, c := range comp.LocalCandidates {
		if c.Kind == Host && c.Socket != nil {
			return c.Socket.SendTo(dst, b)
		}
	}
	return 0, ErrNoCandidates
}

// SetRemoteCredentials sets the remote ufrag/pwd for a stream, accepted
// until the stream is removed.
func (a *Agent) SetRemoteCredentials(streamID int, ufrag, pwd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	s.RemoteUfrag, s.RemotePwd = ufrag, pwd
	return nil
}

// SetLocalCredentials sets the stream's own ufrag/pwd, normally generated
// once at stream creation and regenerated on restart.
func (a *Agent) SetLocalCredentials(streamID int, ufrag, pwd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	s.LocalUfrag, s.LocalPwd = ufrag, pwd
	return nil
}

// SetRemoteCandidates appends remote candidates for component, ignoring
// duplicates by {transport, address} so repeated calls are idempotent.
func (a *Agent) SetRemoteCandidates(streamID, component int, list []*Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}
	comp, ok := s.Components[component]
	if !ok {
		return ErrUnknownComponent
	}

	var fresh []*Candidate
	for _, c := range list {
		duplicate := false
		for _, existing := range comp.RemoteCandidates {
			if sameCandidate(existing, c) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			comp.RemoteCandidates = append(comp.RemoteCandidates, c)
			fresh = append(fresh, c)
		}
	}
	if len(fresh) > 0 {
		s.Checklist.AddCandidatePairs(comp.LocalCandidates, fresh)
	}
	return nil
}

// Send writes bytes on the component's selected pair. It fails with
// ErrNotConnected until the component reaches Connected or Ready.
func (a *Agent) Send(streamID, component int, b []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return 0, ErrUnknownStream
	}
	comp, ok := s.Components[component]
	if !ok {
		return 0, ErrUnknownComponent
	}
	if comp.State != Connected && comp.State != Ready {
		return 0, ErrNotConnected
	}
	if comp.SelectedPair == nil {
		return 0, ErrNotConnected
	}
	if err := a.transmit(comp.SelectedPair.Local, comp.SelectedPair.Remote.Address, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// deliverApplicationData pushes received bytes into a component's receive
// queue, to be drained by Recv.
func (a *Agent) deliverApplicationData(streamID, component int, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return
	}
	comp, ok := s.Components[component]
	if !ok {
		return
	}
	comp.recvQueue = append(comp.recvQueue, data)
}

// Recv pops the oldest buffered application datagram for a component.
func (a *Agent) Recv(streamID, component int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return nil, ErrUnknownStream
	}
	comp, ok := s.Components[component]
	if !ok {
		return nil, ErrUnknownComponent
	}
	if len(comp.recvQueue) == 0 {
		return nil, turn.ErrWouldBlock
	}
	data := comp.recvQueue[0]
	comp.recvQueue = comp.recvQueue[1:]
	return data, nil
}

// HandlePacket is the entry point for inbound datagrams, invoked by the
// owner of a component's socket. It demultiplexes STUN control traffic
// from application data.
func (a *Agent) HandlePacket(streamID, component int, socket Socket, localBase, from stun.Address, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return
	}

	if tc, ok := a.turnClients[turnKey{streamID, component}]; ok && from.Equal(tc.Server()) {
		tc.Receive(data)
		return
	}

	if !stun.Demux(data) {
		a.deliverApplicationDataLocked(s, component, data)
		return
	}

	msg, err := stun.Parse(data)
	if err != nil {
		log.Debug("ice: dropping malformed STUN packet from %s: %s", from, err)
		return
	}

	switch msg.Class {
	case stun.ClassRequest:
		a.HandleIncomingRequest(s, component, socket, localBase, from, msg)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		p := a.findPairByTransaction(s, msg.TransactionID)
		if p == nil {
			return
		}
		a.handleCheckResponse(s, p, msg)
	case stun.ClassIndication:
		// Keepalive indications require no action.
	}
}

func (a *Agent) deliverApplicationDataLocked(s *Stream, component int, data []byte) {
	comp, ok := s.Components[component]
	if !ok {
		return
	}
	comp.recvQueue = append(comp.recvQueue, data)
}

func (a *Agent) findPairByTransaction(s *Stream, id stun.TransactionID) *Pair {
	for _, p := range s.Checklist.pairs {
		if p.State == InProgress && p.transaction == id {
			return p
		}
	}
	return nil
}

// Restart regenerates credentials, clears remote candidates, and aborts
// checks.
func (a *Agent) Restart(streamID int, ufrag, pwd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.registry.get(streamID)
	if !ok {
		return ErrUnknownStream
	}

	s.LocalUfrag, s.LocalPwd = ufrag, pwd
	s.RemoteUfrag, s.RemotePwd = "", ""
	s.sawInitialBinding = false
	for _, c := range s.Components {
		c.RemoteCandidates = nil
		c.SelectedPair = nil
		c.State = Gathering
	}
	s.Checklist.reset()
	return nil
}

// RemoveStream closes sockets, cancels checks, drops candidates, and
// emits streams-removed exactly once.
func (a *Agent) RemoveStream(streamID int) error {
	a.mu.Lock()
	s, ok := a.registry.remove(streamID)
	a.mu.Unlock()
	if !ok {
		return ErrStreamRemoved
	}

	for component, comp := range s.Components {
		for _, c := range comp.LocalCandidates {
			if c.Socket != nil {
				c.Socket.Close()
			}
		}
		key := turnKey{streamID, component}
		if tc, ok := a.turnClients[key]; ok {
			tc.Close()
			delete(a.turnClients, key)
		}
	}

	a.emit("streams-removed", []int{streamID})
	return nil
}
