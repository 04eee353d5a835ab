// Command icedemo drives two ICE agents between two processes, trickling
// host candidates over a websocket signaling channel and, once the stream
// reaches Ready, echoing stdin to the remote peer. It is a thin consumer of
// the ice/stun/turn core: candidate gathering, signaling transport, and the
// read/write loops below are all external-collaborator concerns that the
// core itself does not specify.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/iceagent/internal/ice"
	"github.com/lanikai/iceagent/internal/logging"
	"github.com/lanikai/iceagent/internal/stun"
)

var log = logging.DefaultLogger.WithTag("icedemo")

// boundSocket pairs a live UDP connection with the ice.Socket wrapper and
// host candidate that were minted from it, so the read loop below can feed
// inbound datagrams back into the agent.
type boundSocket struct {
	component int
	conn      *net.UDPConn
	socket    *ice.UDPSocket
	local     stun.Address
	candidate *ice.Candidate
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagListen == "" && flagConnect == "" {
		fmt.Fprintln(os.Stderr, "icedemo: one of --listen or --connect is required")
		os.Exit(2)
	}

	cfg := ice.Config{
		ControllingMode:       flagControlling,
		StunServer:            flagStunServer,
		StunServerPort:        flagStunPort,
		MaxConnectivityChecks: flagMaxChecks,
		ProxyType:             flagProxyType,
		ProxyIP:               flagProxyIP,
		ProxyPort:             flagProxyPort,
		ProxyUsername:         flagProxyUser,
		ProxyPassword:         flagProxyPass,
		ICEUDP:                flagICEUDP,
		ICETCP:                flagICETCP,
		ForceRelay:            flagForceRelay,
		Software:              flagSoftware,
	}

	agent := ice.NewAgent(cfg)
	streamID := agent.AddStream(flagComponents, flagControlling, newTieBreaker())

	ufrag, pwd := generateCredentials()
	if err := agent.SetLocalCredentials(streamID, ufrag, pwd); err != nil {
		log.Error("icedemo: %s", err)
		os.Exit(1)
	}

	sockets, err := gatherHostCandidates(agent, streamID, flagComponents)
	if err != nil {
		log.Error("icedemo: gather failed: %s", err)
		os.Exit(1)
	}
	agent.GatherCandidates(streamID)

	agent.On("component-state-changed", func(args ...interface{}) {
		log.Info("component %v -> %v", args[1], args[2])
	})

	var readyOnce sync.Once
	ready := make(chan struct{})
	onReady := func(args ...interface{}) {
		readyOnce.Do(func() { close(ready) })
	}
	agent.On("new-selected-pair", onReady)

	sig, err := connectSignaling()
	if err != nil {
		log.Error("icedemo: %s", err)
		os.Exit(1)
	}
	defer sig.Close()

	go exchangeSignaling(agent, streamID, sig)
	if err := sendLocalSide(ufrag, pwd, sockets, sig); err != nil {
		log.Error("icedemo: %s", err)
		os.Exit(1)
	}

	for _, bs := range sockets {
		go readLoop(agent, streamID, bs)
	}
	go tickLoop(agent)

	select {
	case <-ready:
		log.Info("icedemo: stream %d has a selected pair", streamID)
	case <-time.After(30 * time.Second):
		log.Error("icedemo: timed out waiting for connectivity")
		os.Exit(1)
	}

	runEcho(agent, streamID)
}

func connectSignaling() (*signalConn, error) {
	if flagListen != "" {
		return listenSignaling(flagListen)
	}
	return dialSignaling(flagConnect)
}

// newTieBreaker draws the 64-bit role tie-breaker from a CSPRNG, per
// spec's requirement that role conflicts resolve deterministically from an
// unpredictable value.
func newTieBreaker() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// generateCredentials mints a fresh local ufrag/pwd pair. ICE recommends at
// least 4 bytes of randomness for ufrag and 22 for pwd; we use more.
func generateCredentials() (ufrag, pwd string) {
	var ufragBytes [8]byte
	var pwdBytes [24]byte
	rand.Read(ufragBytes[:])
	rand.Read(pwdBytes[:])
	enc := base64.RawURLEncoding
	return enc.EncodeToString(ufragBytes[:]), enc.EncodeToString(pwdBytes[:])
}

// gatherHostCandidates binds one ephemeral UDP socket per component and
// registers the resulting host candidate with the agent. Real deployments
// would also query a STUN/TURN server here (§6 gather_candidates); this
// demo only exercises the host path.
func gatherHostCandidates(agent *ice.Agent, streamID, nComponents int) ([]*boundSocket, error) {
	var sockets []*boundSocket
	for component := 1; component <= nComponents; component++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			return nil, fmt.Errorf("listen component %d: %w", component, err)
		}
		local := stun.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr))

		sock := ice.NewUDPSocket(conn)
		c := ice.NewHostCandidate(streamID, component, ice.UDP, local)
		c.Socket = sock
		if err := agent.AddLocalCandidate(streamID, c); err != nil {
			return nil, err
		}

		log.Info("component %d local candidate %s", component, c)
		sockets = append(sockets, &boundSocket{component: component, conn: conn, socket: sock, local: local, candidate: c})
	}
	return sockets, nil
}

func readLoop(agent *ice.Agent, streamID int, bs *boundSocket) {
	buf := make([]byte, 1500)
	for {
		n, from, err := bs.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		agent.HandlePacket(streamID, bs.component, bs.socket, bs.local, stun.FromUDPAddr(from), data)
	}
}

func tickLoop(agent *ice.Agent) {
	t := time.NewTicker(ice.Ta)
	defer t.Stop()
	for now := range t.C {
		agent.Tick(now)
	}
}

// sendLocalSide trickles our credentials and host candidates to the peer.
func sendLocalSide(ufrag, pwd string, sockets []*boundSocket, sig *signalConn) error {
	if err := sig.Send(signalMessage{Type: "credentials", Credentials: &credentialsWire{Ufrag: ufrag, Pwd: pwd}}); err != nil {
		return err
	}
	for _, bs := range sockets {
		c := bs.candidate
		w := candidateWire{
			Kind:       c.Kind.String(),
			Address:    c.Address.String(),
			Priority:   c.Priority,
			Foundation: c.Foundation,
			Component:  c.Component,
		}
		if err := sig.Send(signalMessage{Type: "candidate", Candidate: &w}); err != nil {
			return err
		}
	}
	return sig.Send(signalMessage{Type: "done"})
}

// exchangeSignaling consumes the peer's credentials/candidates/done stream
// and applies each to the agent as it arrives, i.e. trickle ICE.
func exchangeSignaling(agent *ice.Agent, streamID int, sig *signalConn) {
	for {
		msg, err := sig.Recv()
		if err != nil {
			return
		}
		switch msg.Type {
		case "credentials":
			if msg.Credentials != nil {
				if err := agent.SetRemoteCredentials(streamID, msg.Credentials.Ufrag, msg.Credentials.Pwd); err != nil {
					log.Warn("icedemo: remote credentials: %s", err)
				}
			}
		case "candidate":
			if msg.Candidate != nil {
				applyRemoteCandidate(agent, streamID, msg.Candidate)
			}
		case "done":
			log.Info("icedemo: peer finished trickling candidates")
		}
	}
}

func applyRemoteCandidate(agent *ice.Agent, streamID int, w *candidateWire) {
	addr, err := stun.ParseAddress(w.Address)
	if err != nil {
		log.Warn("icedemo: bad remote candidate address %q: %s", w.Address, err)
		return
	}
	c := &ice.Candidate{
		Kind:       candidateKindFromString(w.Kind),
		Transport:  ice.UDP,
		Base:       addr,
		Address:    addr,
		Priority:   w.Priority,
		Foundation: w.Foundation,
		Component:  w.Component,
		StreamID:   streamID,
	}
	if err := agent.SetRemoteCandidates(streamID, w.Component, []*ice.Candidate{c}); err != nil {
		log.Warn("icedemo: remote candidate: %s", err)
	}
}

func candidateKindFromString(s string) ice.Kind {
	switch s {
	case "srflx":
		return ice.ServerReflexive
	case "prflx":
		return ice.PeerReflexive
	case "relay":
		return ice.Relayed
	default:
		return ice.Host
	}
}

// runEcho reads lines from stdin and writes them on component 1, printing
// anything received on every component until stdin closes.
func runEcho(agent *ice.Agent, streamID int) {
	for component := 1; component <= flagComponents; component++ {
		go func(component int) {
			for {
				data, err := agent.Recv(streamID, component)
				if err != nil {
					time.Sleep(20 * time.Millisecond)
					continue
				}
				fmt.Printf("[component %d] %s\n", component, data)
			}
		}(component)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := agent.Send(streamID, 1, scanner.Bytes()); err != nil {
			log.Warn("icedemo: send failed: %s", err)
		}
	}
}
