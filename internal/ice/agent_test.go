package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/iceagent/internal/stun"
)

type loopbackSocket struct {
	peer *loopbackSocket
	recv func(from stun.Address, b []byte)
	self stun.Address
}

func (s *loopbackSocket) SendTo(dst stun.Address, b []byte) (int, error) {
	if s.peer != nil && s.peer.recv != nil {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.peer.recv(s.self, cp)
	}
	return len(b), nil
}

func (s *loopbackSocket) Close() error      { return nil }
func (s *loopbackSocket) IsReliable() bool  { return false }

func TestSetRemoteCandidatesIsIdempotent(t *testing.T) {
	a := NewAgent(DefaultConfig())
	streamID := a.AddStream(1, true, 1)

	c := NewHostCandidate(streamID, 1, UDP, addr(10, 0, 0, 9, 2000))
	require.NoError(t, a.SetRemoteCandidates(streamID, 1, []*Candidate{c}))
	require.NoError(t, a.SetRemoteCandidates(streamID, 1, []*Candidate{c}))

	s, _ := a.registry.get(streamID)
	assert.Len(t, s.Components[1].RemoteCandidates, 1)
}

func TestHandleIncomingRequestRejectsBothControlAttributes(t *testing.T) {
	a := NewAgent(DefaultConfig())
	streamID := a.AddStream(1, true, 1)
	require.NoError(t, a.SetLocalCredentials(streamID, "lufrag", "lpwd"))
	require.NoError(t, a.SetRemoteCredentials(streamID, "rufrag", "rpwd"))
	s, _ := a.registry.get(streamID)

	sock := &loopbackSocket{}
	var replies [][]byte
	sock.peer = &loopbackSocket{recv: func(from stun.Address, b []byte) { replies = append(replies, b) }}

	req := stun.BuildRequest(stun.MethodBinding)
	req.AppendString(stun.AttrUsername, "lufrag:rufrag")
	req.AppendUint64(stun.AttrIceControlling, 5)
	req.AppendUint64(stun.AttrIceControlled, 6)
	require.NoError(t, req.FinishShort("lpwd"))
	parsed, err := stun.Parse(req.Bytes())
	require.NoError(t, err)

	local := addr(10, 0, 0, 1, 1000)
	remote := addr(10, 0, 0, 2, 2000)
	a.HandleIncomingRequest(s, 1, sock, local, remote, parsed)

	require.Len(t, replies, 1)
	resp, err := stun.Parse(replies[0])
	require.NoError(t, err)
	assert.Equal(t, stun.ClassErrorResponse, resp.Class)
	code, _, _ := resp.ErrorCode()
	assert.Equal(t, 400, code)
}

func TestHandleIncomingRequestDetectsRoleConflict(t *testing.T) {
	a := NewAgent(DefaultConfig())
	streamID := a.AddStream(1, true, 100)
	require.NoError(t, a.SetLocalCredentials(streamID, "lufrag", "lpwd"))
	require.NoError(t, a.SetRemoteCredentials(streamID, "rufrag", "rpwd"))
	s, _ := a.registry.get(streamID)

	local := addr(10, 0, 0, 1, 1000)
	hc := NewHostCandidate(streamID, 1, UDP, local)
	s.Components[1].LocalCandidates = append(s.Components[1].LocalCandidates, hc)

	sock := &loopbackSocket{self: local}
	var replies [][]byte
	sock.peer = &loopbackSocket{recv: func(from stun.Address, b []byte) { replies = append(replies, b) }}
	hc.Socket = sock

	req := stun.BuildRequest(stun.MethodBinding)
	req.AppendString(stun.AttrUsername, "lufrag:rufrag")
	// Peer tie-breaker (50) is lower than ours (100): we do not yield,
	// so this (CONTROLLING vs CONTROLLING) must be rejected with 487.
	req.AppendUint64(stun.AttrIceControlling, 50)
	require.NoError(t, req.FinishShort("lpwd"))
	parsed, err := stun.Parse(req.Bytes())
	require.NoError(t, err)

	remote := addr(10, 0, 0, 2, 2000)
	a.HandleIncomingRequest(s, 1, sock, local, remote, parsed)

	require.Len(t, replies, 1)
	resp, err := stun.Parse(replies[0])
	require.NoError(t, err)
	code, _, _ := resp.ErrorCode()
	assert.Equal(t, 487, code)
	assert.True(t, s.Controlling())
}

func TestHandleIncomingRequestYieldsWhenTieBreakerLower(t *testing.T) {
	a := NewAgent(DefaultConfig())
	streamID := a.AddStream(1, true, 100)
	require.NoError(t, a.SetLocalCredentials(streamID, "lufrag", "lpwd"))
	require.NoError(t, a.SetRemoteCredentials(streamID, "rufrag", "rpwd"))
	s, _ := a.registry.get(streamID)

	local := addr(10, 0, 0, 1, 1000)
	hc := NewHostCandidate(streamID, 1, UDP, local)
	s.Components[1].LocalCandidates = append(s.Components[1].LocalCandidates, hc)

	sock := &loopbackSocket{self: local}
	sock.peer = &loopbackSocket{recv: func(from stun.Address, b []byte) {}}
	hc.Socket = sock

	req := stun.BuildRequest(stun.MethodBinding)
	req.AppendString(stun.AttrUsername, "lufrag:rufrag")
	// Our tie-breaker (100) is lower than the peer's (200), so we yield
	// and switch to the controlled role.
	req.AppendUint64(stun.AttrIceControlling, 200)
	require.NoError(t, req.FinishShort("lpwd"))
	parsed, err := stun.Parse(req.Bytes())
	require.NoError(t, err)

	remote := addr(10, 0, 0, 2, 2000)
	a.HandleIncomingRequest(s, 1, sock, local, remote, parsed)

	assert.False(t, s.Controlling())
}

func TestNominationSelectsPairAndTransitionsComponentToReady(t *testing.T) {
	a := NewAgent(DefaultConfig())
	streamID := a.AddStream(1, true, 1)
	s, _ := a.registry.get(streamID)

	local := addr(10, 0, 0, 1, 1000)
	remote := addr(10, 0, 0, 2, 2000)
	lc := NewHostCandidate(streamID, 1, UDP, local)
	rc := NewHostCandidate(streamID, 1, UDP, remote)
	s.Components[1].LocalCandidates = append(s.Components[1].LocalCandidates, lc)
	s.Components[1].RemoteCandidates = append(s.Components[1].RemoteCandidates, rc)
	s.Checklist.AddCandidatePairs([]*Candidate{lc}, []*Candidate{rc})

	require.Len(t, s.Checklist.pairs, 1)
	p := s.Checklist.pairs[0]
	p.Nominated = true

	a.updateComponentState(s, 1)
	assert.Equal(t, Ready, s.Components[1].State)
	assert.Equal(t, p, s.Components[1].SelectedPair)
}
