package ice

import (
	"time"

	"github.com/lanikai/iceagent/internal/stun"
)

// sendCheck emits a connectivity check for p: short-term integrity keyed
// by the remote password, USERNAME <remote-ufrag>:<local-ufrag>, the
// peer-reflexive PRIORITY the sender would assign if discovery promotes
// this candidate, role attributes, and USE-CANDIDATE when nominating.
func (a *Agent) sendCheck(s *Stream, p *Pair, useCandidate bool) error {
	req := stun.BuildRequest(stun.MethodBinding)
	req.AppendString(stun.AttrUsername, s.RemoteUfrag+":"+s.LocalUfrag)
	req.AppendUint32(stun.AttrPriority, p.Local.PeerPriority())
	if s.Controlling() {
		req.AppendUint64(stun.AttrIceControlling, s.TieBreaker)
		if useCandidate {
			req.AppendFlag(stun.AttrUseCandidate)
		}
	} else {
		req.AppendUint64(stun.AttrIceControlled, s.TieBreaker)
	}
	if a.software != "" {
		req.AppendString(stun.AttrSoftware, a.software)
	}
	if err := req.FinishShort(s.RemotePwd); err != nil {
		return err
	}

	p.State = InProgress
	p.transaction = req.TransactionID
	p.reqBytes = req.Bytes()
	p.useCandidateInFlight = useCandidate
	p.timer = stun.NewUnreliableTimer(time.Now())
	s.Checklist.checksSent++

	return a.transmit(p.Local, p.Remote.Address, p.reqBytes)
}

// transmit routes bytes to dst from local's socket, relaying through the
// TURN client if local is a Relayed candidate.
func (a *Agent) transmit(local *Candidate, dst stun.Address, b []byte) error {
	if local.Kind == Relayed {
		tc, ok := a.turnClients[turnKey{local.StreamID, local.Component}]
		if !ok {
			return ErrNoCandidates
		}
		return tc.Send(dst, b)
	}
	if local.Socket == nil {
		return ErrNoCandidates
	}
	if local.Socket.IsReliable() {
		b = reliableFrame(b)
	}
	_, err := local.Socket.SendTo(dst, b)
	return err
}

// handleCheckResponse processes a Binding response matched to pair p,
// moving it from InProgress to Succeeded or Failed.
func (a *Agent) handleCheckResponse(s *Stream, p *Pair, resp *stun.Message) {
	if p.State != InProgress {
		return
	}

	if resp.Class == stun.ClassErrorResponse {
		code, _, _ := resp.ErrorCode()
		if code == 487 {
			a.handleRoleConflictResponse(s, p)
			return
		}
		p.State = Failed
		a.updateComponentState(s, p.Component)
		return
	}

	mapped, err := resp.FindXorAddr(stun.AttrXorMappedAddress)
	if err != nil {
		p.State = Failed
		a.updateComponentState(s, p.Component)
		return
	}

	// Peer-reflexive local learning: if the mapped address
	// isn't among our local candidates, mint one and rewrite the pair.
	local := p.Local
	if !a.hasLocalAddress(s, p.Component, mapped) {
		local = NewPeerReflexiveCandidate(s.ID, p.Component, p.Local.Transport, mapped, local.PeerPriority())
		local.Ufrag, local.Pwd = s.LocalUfrag, s.LocalPwd
		local.Socket = p.Local.Socket
		s.Components[p.Component].LocalCandidates = append(s.Components[p.Component].LocalCandidates, local)
		p.Local = local
	}

	p.State = Succeeded
	p.Valid = true
	if s.Controlling() && p.useCandidateInFlight {
		p.Nominated = true
	}
	a.emit("new-selected-pair-candidate", s.ID, p.Component)
	s.Checklist.unfreezeFoundation(p.Foundation)

	if s.Controlling() && !s.Checklist.aggressive && !p.nominationSent {
		if best := s.Checklist.bestSucceededPair(p.Component, true); best == p {
			p.nominationSent = true
			s.Checklist.triggerCheck(p)
		}
	}

	a.updateComponentState(s, p.Component)
}

func (a *Agent) hasLocalAddress(s *Stream, component int, addr stun.Address) bool {
	for _, c := range s.Components[component].LocalCandidates {
		if c.Address.Equal(addr) {
			return true
		}
	}
	return false
}

// handleRoleConflictResponse implements role conflict as seen
// from the requester side: a 487 means the peer disagrees with our role.
// We do not know the peer's tie-breaker from an error response alone, so
// we simply retry as the opposite role, matching common practice when the
// peer has already committed to rejecting our role.
func (a *Agent) handleRoleConflictResponse(s *Stream, p *Pair) {
	s.controlling = !s.controlling
	p.State = Waiting
	s.Checklist.sortAndPrune()
}

// HandleIncomingRequest processes a Binding request received on socket.
// localBase is the socket's own address, used to find or mint the local
// side of the pair.
func (a *Agent) HandleIncomingRequest(s *Stream, component int, socket Socket, localBase stun.Address, from stun.Address, req *stun.Message) {
	_, hasControlling := peekAttr(req, stun.AttrIceControlling)
	_, hasControlled := peekAttr(req, stun.AttrIceControlled)
	if hasControlling && hasControlled {
		// Open Question (b): reject with 400 when both are present.
		a.replyError(socket, from, req, 400, "Bad Request")
		return
	}

	if !a.validateIncomingRequest(s, req) {
		a.replyError(socket, from, req, 401, "Unauthorized")
		return
	}

	if hasControlling && s.Controlling() {
		if peerTieBreaker, _ := req.Find64(stun.AttrIceControlling); s.TieBreaker < peerTieBreaker {
			s.controlling = false
			s.Checklist.sortAndPrune()
		} else {
			a.replyError(socket, from, req, 487, "Role Conflict")
			return
		}
	}
	if hasControlled && !s.Controlling() {
		if peerTieBreaker, _ := req.Find64(stun.AttrIceControlled); s.TieBreaker < peerTieBreaker {
			s.controlling = true
			s.Checklist.sortAndPrune()
		} else {
			a.replyError(socket, from, req, 487, "Role Conflict")
			return
		}
	}

	p := s.Checklist.findPairByAddresses(localBase, from)
	if p == nil {
		priority, _ := req.Find32(stun.AttrPriority)
		remote := NewPeerReflexiveCandidate(s.ID, component, UDP, from, priority)
		s.Components[component].RemoteCandidates = append(s.Components[component].RemoteCandidates, remote)

		var local *Candidate
		for _, c := range s.Components[component].LocalCandidates {
			if c.Base.Equal(localBase) {
				local = c
				break
			}
		}
		if local == nil {
			a.replyError(socket, from, req, 400, "Bad Request")
			return
		}
		s.Checklist.AddCandidatePairs([]*Candidate{local}, []*Candidate{remote})
		p = s.Checklist.findPairByAddresses(localBase, from)
	}

	if _, useCandidate := peekAttr(req, stun.AttrUseCandidate); useCandidate && !p.Nominated {
		p.Nominated = true
		a.emitInitialBindingIfFirst(s)
	}

	s.Checklist.triggerCheck(p)
	a.updateComponentState(s, component)

	resp := stun.BuildResponse(req, a.software)
	resp.AppendXorAddr(stun.AttrXorMappedAddress, from)
	if err := resp.FinishShort(s.LocalPwd); err != nil {
		return
	}
	a.transmit(p.Local, from, resp.Bytes())
}

func (a *Agent) emitInitialBindingIfFirst(s *Stream) {
	if !s.sawInitialBinding {
		s.sawInitialBinding = true
		a.emit("initial-binding-request-received", s.ID)
	}
}

func (a *Agent) validateIncomingRequest(s *Stream, req *stun.Message) bool {
	username, err := req.FindString(stun.AttrUsername)
	if err != nil || username != s.LocalUfrag+":"+s.RemoteUfrag {
		return false
	}
	return req.VerifyPassword(s.LocalPwd) == nil
}

func (a *Agent) replyError(socket Socket, from stun.Address, req *stun.Message, code int, reason string) {
	resp := stun.BuildError(req, code, reason, a.software)
	resp.Finish()
	b := resp.Bytes()
	if socket.IsReliable() {
		b = reliableFrame(b)
	}
	socket.SendTo(from, b)
}

func peekAttr(msg *stun.Message, t uint16) ([]byte, bool) {
	v, err := msg.Find(t)
	return v, err == nil
}

// updateComponentState recomputes a component's state from its check
// list: nominated and selected wins outright, otherwise any succeeded
// pair counts as Connected, exhaustion counts as Failed, and anything
// else in progress counts as Connecting.
func (a *Agent) updateComponentState(s *Stream, component int) {
	comp := s.Components[component]
	prev := comp.State

	best := s.Checklist.bestNominatedPair(component, s.Controlling())
	if best != nil {
		comp.SelectedPair = best
		comp.State = Ready
		if prev != Ready {
			a.emit("new-selected-pair", s.ID, component, best.Local.Foundation, best.Remote.Foundation)
		}
		a.emitComponentState(s, component, prev, Ready)
		return
	}

	anySucceeded := false
	for _, p := range s.Checklist.componentPairs(component) {
		if p.State == Succeeded {
			anySucceeded = true
			break
		}
	}
	switch {
	case anySucceeded:
		comp.State = Connected
	case s.Checklist.exhausted():
		comp.State = Failed
	default:
		if comp.State == Disconnected || comp.State == Gathering {
			comp.State = Connecting
		}
	}
	a.emitComponentState(s, component, prev, comp.State)
}

func (a *Agent) emitComponentState(s *Stream, component int, prev, next ComponentState) {
	if prev != next {
		a.emit("component-state-changed", s.ID, component, next)
	}
}

// Tick drives one scheduling step for every active stream: at most one
// pair is checked per Ta (20ms), and in-flight transaction timers are
// refreshed.
func (a *Agent) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.registry.all() {
		a.tickStream(s, now)
	}
	for _, tc := range a.turnClients {
		tc.Tick(now)
	}
}

func (a *Agent) tickStream(s *Stream, now time.Time) {
	for _, p := range s.Checklist.pairs {
		if p.State != InProgress || p.timer == nil {
			continue
		}
		switch p.timer.Refresh(now) {
		case stun.TimerRetransmit:
			a.transmit(p.Local, p.Remote.Address, p.reqBytes)
		case stun.TimerTimeout:
			p.State = Failed
			a.updateComponentState(s, p.Component)
		}
	}

	if a.maxConnectivityChecks > 0 && s.Checklist.checksSent >= a.maxConnectivityChecks {
		for _, p := range s.Checklist.pairs {
			if p.State == Frozen || p.State == Waiting {
				p.State = Failed
			}
		}
		for id := range s.Components {
			a.updateComponentState(s, id)
		}
		return
	}

	p := s.Checklist.nextCheck()
	if p == nil {
		return
	}
	useCandidate := s.Controlling() && (s.Checklist.aggressive || p.nominationSent)
	if err := a.sendCheck(s, p, useCandidate); err != nil {
		log.Warn("ice: failed to send connectivity check: %s", err)
	}
}
