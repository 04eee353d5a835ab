package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/iceagent/internal/stun"
)

type fakeSocket struct {
	sent [][]byte
}

func (f *fakeSocket) SendTo(addr stun.Address, b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return len(b), nil
}

func (f *fakeSocket) last() *stun.Message {
	if len(f.sent) == 0 {
		return nil
	}
	msg, err := stun.Parse(f.sent[len(f.sent)-1])
	if err != nil {
		return nil
	}
	return msg
}

func testServer() stun.Address {
	return stun.Address{Family: stun.IPv4, IP: [16]byte{192, 0, 2, 1}, Port: 3478}
}

func testPeer() stun.Address {
	return stun.Address{Family: stun.IPv4, IP: [16]byte{198, 51, 100, 7}, Port: 9000}
}

func TestSendQueuesUntilPermissionInstalled(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	require.NoError(t, c.Send(peer, []byte("hello")))

	require.Len(t, sock.sent, 1)
	req := sock.last()
	require.NotNil(t, req)
	assert.Equal(t, stun.MethodCreatePermission, req.Method)
	assert.Equal(t, stun.ClassRequest, req.Class)

	// Queued data isn't sent until the permission is installed.
	key := peerKey(peer)
	assert.Equal(t, permissionSent, c.permissions[key].state)
	assert.Len(t, c.sendQueue[key], 1)
}

func TestCreatePermissionSuccessFlushesQueue(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	require.NoError(t, c.Send(peer, []byte("hello")))

	req := sock.last()
	resp := stun.BuildResponse(req, "")
	require.NoError(t, resp.Finish())
	c.Receive(resp.Bytes())

	key := peerKey(peer)
	assert.Equal(t, permissionInstalled, c.permissions[key].state)
	assert.Empty(t, c.sendQueue[key])

	require.Len(t, sock.sent, 2)
	ind, err := stun.Parse(sock.sent[1])
	require.NoError(t, err)
	assert.Equal(t, stun.MethodSend, ind.Method)
	assert.Equal(t, stun.ClassIndication, ind.Class)
	data, err := ind.Find(stun.AttrData)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestCreatePermissionChallengeRetriesWithCredentials(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	require.NoError(t, c.Send(peer, []byte("hello")))

	firstReq := sock.last()
	challenge := stun.BuildError(firstReq, 401, "Unauthorized", "")
	require.NoError(t, challenge.AppendString(stun.AttrRealm, "example.org"))
	require.NoError(t, challenge.AppendString(stun.AttrNonce, "abc123"))
	require.NoError(t, challenge.Finish())

	c.Receive(challenge.Bytes())

	require.Len(t, sock.sent, 2)
	retry := sock.last()
	assert.Equal(t, stun.MethodCreatePermission, retry.Method)
	_, err := retry.Find(stun.AttrMessageIntegrity)
	assert.NoError(t, err)

	assert.Equal(t, "example.org", c.realm)
	assert.Equal(t, "abc123", c.nonce)
}

func TestChannelBindSuccessSendsFramedData(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	key := peerKey(peer)
	require.NoError(t, c.ensureChannel(peer, key))

	req := sock.last()
	resp := stun.BuildResponse(req, "")
	require.NoError(t, resp.Finish())
	c.Receive(resp.Bytes())

	assert.Equal(t, channelBound, c.channels[key].state)

	require.NoError(t, c.Send(peer, []byte("world")))
	require.Len(t, sock.sent, 2)
	frame := sock.sent[1]
	require.True(t, len(frame) >= 4)
	assert.Equal(t, []byte("world"), frame[4:])
}

func TestOnlyOneChannelBindInFlightAtATime(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peerA := testPeer()
	peerB := stun.Address{Family: stun.IPv4, IP: [16]byte{198, 51, 100, 8}, Port: 9001}

	require.NoError(t, c.ensureChannel(peerA, peerKey(peerA)))
	require.NoError(t, c.ensureChannel(peerB, peerKey(peerB)))

	// Only the first bind is actually sent; the second is queued.
	require.Len(t, sock.sent, 1)
	assert.Len(t, c.pendingChannelQueue, 1)

	req := sock.last()
	resp := stun.BuildResponse(req, "")
	require.NoError(t, resp.Finish())
	c.Receive(resp.Bytes())

	// Completing the first bind starts the queued one.
	require.Len(t, sock.sent, 2)
	assert.Empty(t, c.pendingChannelQueue)
}

func TestReceiveChannelFramedDataDispatchesToHandler(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	key := peerKey(peer)
	c.channels[key] = &channel{peer: peer, number: 0x4001, state: channelBound, refreshAt: time.Now().Add(time.Minute)}

	var gotPeer stun.Address
	var gotData []byte
	c.SetDataHandler(func(p stun.Address, d []byte) {
		gotPeer, gotData = p, d
	})

	frame := []byte{0x40, 0x01, 0x00, 0x03, 'a', 'b', 'c'}
	c.Receive(frame)

	assert.Equal(t, peer, gotPeer)
	assert.Equal(t, []byte("abc"), gotData)
}

func TestReceiveDataIndicationDispatchesToHandler(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	var gotData []byte
	c.SetDataHandler(func(p stun.Address, d []byte) {
		gotData = d
	})

	ind := stun.BuildIndication(stun.MethodData)
	require.NoError(t, ind.AppendXorAddr(stun.AttrPeerAddress, peer))
	require.NoError(t, ind.AppendBytes(stun.AttrData, []byte("payload")))
	require.NoError(t, ind.Finish())

	c.Receive(ind.Bytes())
	assert.Equal(t, []byte("payload"), gotData)
}

func TestChannelRefreshRebindsBeforeExpiry(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectRFC5766)

	peer := testPeer()
	key := peerKey(peer)
	c.channels[key] = &channel{
		peer:      peer,
		number:    0x4001,
		state:     channelBound,
		refreshAt: time.Now().Add(-time.Second),
	}

	c.Tick(time.Now())

	require.Len(t, sock.sent, 1)
	req := sock.last()
	assert.Equal(t, stun.MethodChannelBind, req.Method)
	assert.Equal(t, channelPending, c.channels[key].state)
}

func TestOC2007RequestsCarryLegacyCookieAndMSAttributes(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectOC2007)

	peer := testPeer()
	require.NoError(t, c.ensureChannel(peer, peerKey(peer)))

	require.Len(t, sock.sent, 1)
	raw := sock.sent[0]
	req := sock.last()
	require.NotNil(t, req)
	assert.Equal(t, stun.MethodSetActiveDestination, req.Method)

	assert.Equal(t, stun.LegacyMagicCookie,
		uint32(raw[4])<<24|uint32(raw[5])<<16|uint32(raw[6])<<8|uint32(raw[7]))

	seq, err := req.Find32(stun.AttrMSSequenceNum)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)

	_, err = req.Find32(stun.AttrMSVersion)
	require.NoError(t, err)
}

func TestOC2007ConnectionIDEchoedAfterChallenge(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectOC2007)

	peer := testPeer()
	require.NoError(t, c.ensureChannel(peer, peerKey(peer)))

	firstReq := sock.last()
	challenge := stun.BuildError(firstReq, 401, "Unauthorized", "")
	require.NoError(t, challenge.AppendString(stun.AttrRealm, "example.org"))
	require.NoError(t, challenge.AppendString(stun.AttrNonce, "abc123"))
	require.NoError(t, challenge.AppendBytes(stun.AttrMSConnectionID, []byte{1, 2, 3, 4}))
	require.NoError(t, challenge.Finish())

	c.Receive(challenge.Bytes())

	require.Len(t, sock.sent, 2)
	retry := sock.last()
	connID, err := retry.Find(stun.AttrMSConnectionID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, connID)
}

func TestMSNSetActiveDestinationSuccessLocksSingleSlot(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectMSN)

	peerA := testPeer()
	peerB := stun.Address{Family: stun.IPv4, IP: [16]byte{198, 51, 100, 8}, Port: 9001}

	require.NoError(t, c.ensureChannel(peerA, peerKey(peerA)))
	// A second destination queues behind the in-flight bind, and also gets
	// a pending channel entry.
	require.NoError(t, c.ensureChannel(peerB, peerKey(peerB)))
	require.Len(t, c.channels, 2)

	req := sock.last()
	resp := stun.BuildResponse(req, "")
	require.NoError(t, resp.Finish())
	c.Receive(resp.Bytes())

	// The lock drops every channel but the one just confirmed, then starts
	// the queued bind for peerB, which registers peerB again as a pending
	// channel.
	require.Len(t, c.channels, 2)
	_, stillThere := c.channels[peerKey(peerA)]
	assert.True(t, stillThere)

	require.Len(t, sock.sent, 2)
	second := sock.last()
	assert.Equal(t, stun.MethodSetActiveDestination, second.Method)
}

func TestGoogleSendResponseWithLockedOptionDropsOtherChannels(t *testing.T) {
	sock := &fakeSocket{}
	c := NewClient(sock, testServer(), Credentials{Username: "u", Password: "p"}, DialectGoogle)

	peer := testPeer()
	other := stun.Address{Family: stun.IPv4, IP: [16]byte{198, 51, 100, 8}, Port: 9001}
	c.channels[peerKey(peer)] = &channel{peer: peer, state: channelBound}
	c.channels[peerKey(other)] = &channel{peer: other, state: channelBound}

	resp := &stun.Message{Class: stun.ClassSuccessResponse, Method: stun.MethodSend, TransactionID: stun.NewTransactionID()}
	require.NoError(t, resp.AppendXorAddr(stun.AttrPeerAddress, peer))
	require.NoError(t, resp.AppendUint32(stun.AttrOptions, 1))
	require.NoError(t, resp.Finish())

	c.Receive(resp.Bytes())

	require.Len(t, c.channels, 1)
	_, stillThere := c.channels[peerKey(peer)]
	assert.True(t, stillThere)
}
