// Package turn implements a TURN client socket that wraps a base socket,
// multiplexes STUN control traffic for the server from application data,
// and hides channel/permission bookkeeping from the caller of Send/Receive.
package turn

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/iceagent/internal/logging"
	"github.com/lanikai/iceagent/internal/stun"
)

var log = logging.DefaultLogger.WithTag("turn")

// Errors surfaced to callers.
var (
	ErrWouldBlock = errors.New("turn: would block")
	ErrNotBound   = errors.New("turn: no channel or permission for peer")
	ErrClosed     = errors.New("turn: client closed")
)

// Socket is the minimal transport the Client needs: a way to write
// already-framed bytes to the TURN server. Reads are pushed into the
// Client via Receive, so the Socket itself need not support reading. This
// mirrors the ICE package's datagram socket abstraction, narrowed to what
// the TURN control plane actually uses.
type Socket interface {
	SendTo(addr stun.Address, b []byte) (int, error)
}

// Credentials are the long-term credentials used to answer a TURN
// server's 401/438 challenge.
type Credentials struct {
	Username string
	Password string
}

// Client is the TURN client socket.
type Client struct {
	sock     Socket
	server   stun.Address
	dialect  Dialect
	creds    Credentials
	agent    *stun.Agent
	software string

	mu sync.Mutex

	realm string
	nonce string

	channels    map[stun.Address]*channel
	permissions map[stun.Address]*permission

	pendingChannelQueue []stun.Address
	currentBinding      *bindTransaction

	permReqs map[stun.Address]*permTransaction

	sendQueue map[stun.Address][][]byte

	onData func(peer stun.Address, data []byte)

	closed bool
}

type bindTransaction struct {
	peer  stun.Address
	req   *stun.Message
	timer *stun.Timer
}

type permTransaction struct {
	peer  stun.Address
	req   *stun.Message
	timer *stun.Timer
}

// NewClient creates a TURN client socket bound to a single server, speaking
// the given dialect over sock.
func NewClient(sock Socket, server stun.Address, creds Credentials, dialect Dialect) *Client {
	compat := stun.CompatRFC5389
	if dialect == DialectOC2007 {
		compat = stun.CompatOC2007
	}
	agent := stun.NewAgent(compat, dialect.stunUsage())
	agent.Cookie = dialect.cookie()

	return &Client{
		sock:        sock,
		server:      server,
		dialect:     dialect,
		creds:       creds,
		agent:       agent,
		channels:    make(map[stun.Address]*channel),
		permissions: make(map[stun.Address]*permission),
		permReqs:    make(map[stun.Address]*permTransaction),
		sendQueue:   make(map[stun.Address][][]byte),
	}
}

// Server returns the TURN server address this client talks to.
func (c *Client) Server() stun.Address {
	return c.server
}

// SetDataHandler registers the callback invoked for application bytes
// received from a peer via the relay.
func (c *Client) SetDataHandler(f func(peer stun.Address, data []byte)) {
	c.mu.Lock()
	c.onData = f
	c.mu.Unlock()
}

// Send implements Send(peer, bytes).
func (c *Client) Send(peer stun.Address, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	key := peerKey(peer)

	if ch, ok := c.channels[key]; ok && ch.state == channelBound {
		return c.sendChannelData(ch.number, data)
	}

	if c.dialect == DialectRFC5766 {
		return c.sendRFC5766(peer, key, data)
	}
	return c.sendLegacy(peer, key, data)
}

func (c *Client) sendChannelData(number uint16, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(frame[0:2], number)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(data)))
	copy(frame[4:], data)
	_, err := c.sock.SendTo(c.server, frame)
	return err
}

// sendRFC5766 implements the permission-gated relay path: a Send
// indication once a permission is installed, otherwise the data queues
// until CreatePermission completes.
func (c *Client) sendRFC5766(peer stun.Address, key stun.Address, data []byte) error {
	if perm, ok := c.permissions[key]; ok && perm.state == permissionInstalled {
		ind := c.agent.InitIndication(stun.MethodSend)
		if err := ind.AppendXorAddr(stun.AttrPeerAddress, peer); err != nil {
			return err
		}
		if err := ind.AppendBytes(stun.AttrData, data); err != nil {
			return err
		}
		if err := ind.Finish(); err != nil {
			return err
		}
		_, err := c.sock.SendTo(c.server, ind.Bytes())
		return err
	}

	c.sendQueue[key] = append(c.sendQueue[key], data)

	if _, pending := c.permReqs[key]; pending {
		// A CreatePermission for this peer is already outstanding; the data
		// will flush once it completes.
		return nil
	}
	if _, sentOnce := c.permissions[key]; sentOnce {
		return nil
	}

	return c.startCreatePermission(peer, key)
}

func (c *Client) startCreatePermission(peer stun.Address, key stun.Address) error {
	req := c.agent.InitRequest(stun.MethodCreatePermission)
	if err := req.AppendXorAddr(stun.AttrPeerAddress, peer); err != nil {
		return err
	}
	c.attachCredentials(req)
	if err := c.finishRequest(req); err != nil {
		return err
	}

	c.permissions[key] = &permission{peer: peer, state: permissionSent}
	c.permReqs[key] = &permTransaction{
		peer:  peer,
		req:   req,
		timer: stun.NewUnreliableTimer(time.Now()),
	}

	_, err := c.sock.SendTo(c.server, req.Bytes())
	return err
}

// sendLegacy implements the Google/MSN/OC2007 single-slot dialects: data is
// always routed through the one channel slot, establishing it first via
// SetActiveDestination if necessary.
func (c *Client) sendLegacy(peer stun.Address, key stun.Address, data []byte) error {
	c.sendQueue[key] = append(c.sendQueue[key], data)
	return c.ensureChannel(peer, key)
}

// attachCredentials appends USERNAME/REALM/NONCE (long-term) for dialects
// that use them, or just USERNAME for short-term ones, or nothing for
// Google's ignore-credentials dialect.
func (c *Client) attachCredentials(msg *stun.Message) {
	if c.dialect.ignoresCredentials() {
		return
	}
	if c.creds.Username != "" {
		msg.AppendString(stun.AttrUsername, c.creds.Username)
	}
	if c.dialect.usesLongTermCredentials() {
		if c.realm != "" {
			msg.AppendString(stun.AttrRealm, c.realm)
		}
		if c.nonce != "" {
			msg.AppendString(stun.AttrNonce, c.nonce)
		}
	}
}

// finishRequest signs and finalizes req according to the dialect's
// credential mechanism: long-term MESSAGE-INTEGRITY for RFC5766/OC2007,
// short-term for MSN, none for Google (fingerprint only either way).
func (c *Client) finishRequest(req *stun.Message) error {
	switch {
	case c.dialect.ignoresCredentials():
		return req.Finish()
	case c.dialect.usesLongTermCredentials():
		return req.FinishLong(c.creds.Username, c.realm, c.creds.Password)
	default:
		return req.FinishShort(c.creds.Password)
	}
}

// ensureChannel starts a ChannelBind/SetActiveDestination for peer if one
// isn't already bound or in flight. Only one such request is ever in flight
// at a time (the single in-flight binding invariant); others queue in
// pendingChannelQueue.
func (c *Client) ensureChannel(peer stun.Address, key stun.Address) error {
	if ch, ok := c.channels[key]; ok {
		if ch.state == channelBound || ch.state == channelPending {
			return nil
		}
	}

	if c.currentBinding != nil {
		for _, p := range c.pendingChannelQueue {
			if peerKey(p) == key {
				return nil
			}
		}
		c.pendingChannelQueue = append(c.pendingChannelQueue, peer)
		c.channels[key] = &channel{peer: peer, state: channelPending}
		return nil
	}

	return c.startChannelBind(peer, key)
}

func (c *Client) startChannelBind(peer stun.Address, key stun.Address) error {
	number, err := c.allocateChannelNumber()
	if err != nil {
		return err
	}

	req := c.agent.InitRequest(c.dialect.bindMethod())
	if c.dialect == DialectRFC5766 {
		req.AppendUint32(stun.AttrChannelNumber, uint32(number)<<16)
		req.AppendXorAddr(stun.AttrPeerAddress, peer)
	} else {
		req.AppendXorAddr(stun.AttrPeerAddress, peer)
	}
	c.attachCredentials(req)
	c.finishRequest(req)

	c.channels[key] = &channel{peer: peer, number: number, state: channelPending}
	c.currentBinding = &bindTransaction{peer: peer, req: req, timer: stun.NewUnreliableTimer(time.Now())}

	_, err = c.sock.SendTo(c.server, req.Bytes())
	return err
}

func (c *Client) allocateChannelNumber() (uint16, error) {
	lo, hi := c.dialect.channelRange()
	if c.dialect.singleSlot() {
		return 0, nil
	}
	used := make(map[uint16]bool, len(c.channels))
	for _, ch := range c.channels {
		used[ch.number] = true
	}
	for n := lo; n <= hi; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, errors.New("turn: no free channel numbers")
}

// Receive processes one datagram received from the TURN server address.
// Non-STUN, non-channel-framed bytes are delivered via the data handler
// unchanged as a last-resort pass-through.
func (c *Client) Receive(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stun.Demux(data) {
		msg, err := stun.Parse(data)
		if err != nil {
			log.Debug("turn: dropping malformed STUN-looking packet: %s", err)
			return
		}
		c.handleStun(msg)
		return
	}

	if len(data) >= 4 {
		number := binary.BigEndian.Uint16(data[0:2])
		for _, ch := range c.channels {
			if ch.state == channelBound && ch.number == number {
				c.deliver(ch.peer, data[4:])
				return
			}
		}
	}

	// Not recognized as channel-framed; deliver raw
	c.deliver(stun.Address{}, data)
}

func (c *Client) deliver(peer stun.Address, data []byte) {
	if c.onData != nil {
		out := make([]byte, len(data))
		copy(out, data)
		c.onData(peer, out)
	}
}

func (c *Client) handleStun(msg *stun.Message) {
	switch msg.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		c.captureConnectionID(msg)
		switch msg.Method {
		case stun.MethodSend:
			// RFC5766 Send is an indication and never gets a response. The
			// legacy Google dialect is the exception: it answers Send with
			// a response carrying OPTIONS, whose low bit signals that the
			// addressed peer is now locked in as the sole active
			// destination.
			c.handleSendResponse(msg)
		case stun.MethodChannelBind, stun.MethodSetActiveDestination:
			c.handleBindResponse(msg)
		case stun.MethodCreatePermission:
			c.handlePermissionResponse(msg)
		}
	case stun.ClassIndication:
		if msg.Method == stun.MethodData {
			c.handleDataIndication(msg)
		}
	}
}

// captureConnectionID remembers a server-assigned MS-CONNECTION-ID so that
// the OC2007 dialect can echo it on every subsequent request.
func (c *Client) captureConnectionID(msg *stun.Message) {
	if connID, err := msg.Find(stun.AttrMSConnectionID); err == nil && len(connID) > 0 {
		c.agent.ConnectionID = connID
	}
}

// handleSendResponse implements the Google dialect's "Send response locks
// the active destination" behavior: once OPTIONS' low bit is set, every
// channel but the addressed peer's is dropped, matching libnice's
// msn_google_lock, which frees every other ChannelBinding and keeps only
// the one just confirmed.
func (c *Client) handleSendResponse(msg *stun.Message) {
	if c.dialect != DialectGoogle || msg.Class != stun.ClassSuccessResponse {
		return
	}
	opts, err := msg.Find32(stun.AttrOptions)
	if err != nil || opts&0x1 == 0 {
		return
	}
	peer, err := msg.FindXorAddr(stun.AttrPeerAddress)
	if err != nil {
		return
	}
	c.lockSingleSlot(peerKey(peer))
}

// lockSingleSlot enforces the single-active-destination invariant of the
// MSN/Google/OC2007 dialects: these relays only ever forward to one peer at
// a time, so once keep is confirmed as that peer every other tracked
// channel is stale and is dropped.
func (c *Client) lockSingleSlot(keep stun.Address) {
	for k := range c.channels {
		if k != keep {
			delete(c.channels, k)
		}
	}
	c.drainPendingChannelQueue()
}

func (c *Client) handleDataIndication(msg *stun.Message) {
	peer, err := msg.FindXorAddr(stun.AttrPeerAddress)
	if err != nil {
		return
	}
	data, err := msg.Find(stun.AttrData)
	if err != nil {
		return
	}
	c.deliver(peer, data)
}

func (c *Client) handleBindResponse(msg *stun.Message) {
	bt := c.currentBinding
	if bt == nil || msg.TransactionID != bt.req.TransactionID {
		return
	}
	c.currentBinding = nil
	key := peerKey(bt.peer)

	if msg.Class == stun.ClassSuccessResponse {
		if ch, ok := c.channels[key]; ok {
			ch.state = channelBound
			ch.refreshAt = time.Now().Add(channelRefresh)
		}
		c.flushQueue(key)
		if c.dialect.singleSlot() {
			// MSN/OC2007's SetActiveDestination success is itself a lock:
			// the relay now forwards only to this peer.
			c.lockSingleSlot(key)
		} else {
			c.drainPendingChannelQueue()
		}
		return
	}

	code, _, _ := msg.ErrorCode()
	if (code == 401 || code == 438) && c.challenge(msg) {
		c.retryChannelBind(bt.peer, key)
		return
	}

	delete(c.channels, key)
	c.drainPendingChannelQueue()
}

func (c *Client) retryChannelBind(peer stun.Address, key stun.Address) {
	if err := c.startChannelBind(peer, key); err != nil {
		log.Warn("turn: failed to retry channel bind: %s", err)
	}
}

func (c *Client) drainPendingChannelQueue() {
	if c.currentBinding != nil || len(c.pendingChannelQueue) == 0 {
		return
	}
	next := c.pendingChannelQueue[0]
	c.pendingChannelQueue = c.pendingChannelQueue[1:]
	if err := c.startChannelBind(next, peerKey(next)); err != nil {
		log.Warn("turn: failed to start queued channel bind: %s", err)
	}
}

func (c *Client) handlePermissionResponse(msg *stun.Message) {
	var key stun.Address
	var pt *permTransaction
	for k, t := range c.permReqs {
		if t.req.TransactionID == msg.TransactionID {
			key, pt = k, t
			break
		}
	}
	if pt == nil {
		return
	}
	delete(c.permReqs, key)

	if msg.Class == stun.ClassSuccessResponse {
		c.installPermission(key)
		return
	}

	code, _, _ := msg.ErrorCode()
	if (code == 401 || code == 438) && c.challenge(msg) {
		c.resendCreatePermission(pt.peer, key)
		return
	}

	// Any other error: treat as installed. Servers without RFC support
	// will fail the subsequent connectivity check instead.
	c.installPermission(key)
}

func (c *Client) installPermission(key stun.Address) {
	perm, ok := c.permissions[key]
	if !ok {
		return
	}
	perm.state = permissionInstalled
	perm.refreshAt = time.Now().Add(permissionRefresh)
	c.flushQueue(key)
}

func (c *Client) resendCreatePermission(peer stun.Address, key stun.Address) {
	if err := c.startCreatePermission(peer, key); err != nil {
		log.Warn("turn: failed to retry CreatePermission: %s", err)
	}
}

// challenge extracts REALM/NONCE from a 401/438 and stores them for the
// next attempt, returning true iff fresh credentials material was found.
func (c *Client) challenge(msg *stun.Message) bool {
	realm, err1 := msg.FindString(stun.AttrRealm)
	nonce, err2 := msg.FindString(stun.AttrNonce)
	if err1 != nil || err2 != nil {
		return false
	}
	c.realm = realm
	c.nonce = nonce
	return true
}

func (c *Client) flushQueue(key stun.Address) {
	queue := c.sendQueue[key]
	delete(c.sendQueue, key)

	ch, hasChannel := c.channels[key]
	for _, data := range queue {
		var err error
		if hasChannel && ch.state == channelBound {
			err = c.sendChannelData(ch.number, data)
		} else if perm, ok := c.permissions[key]; ok && perm.state == permissionInstalled {
			ind := c.agent.InitIndication(stun.MethodSend)
			ind.AppendXorAddr(stun.AttrPeerAddress, perm.peer)
			ind.AppendBytes(stun.AttrData, data)
			ind.Finish()
			_, err = c.sock.SendTo(c.server, ind.Bytes())
		}
		if err != nil {
			log.Warn("turn: failed to flush queued datagram: %s", err)
		}
	}
}

// Tick drives retransmission and refresh timers. Callers invoke it
// periodically (e.g. from the conncheck engine's Ta tick) with the current
// time; there are no goroutines of its own.
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bt := c.currentBinding; bt != nil {
		switch bt.timer.Refresh(now) {
		case stun.TimerRetransmit:
			c.sock.SendTo(c.server, bt.req.Bytes())
		case stun.TimerTimeout:
			c.currentBinding = nil
			delete(c.channels, peerKey(bt.peer))
			c.drainPendingChannelQueue()
		}
	}

	for key, pt := range c.permReqs {
		switch pt.timer.Refresh(now) {
		case stun.TimerRetransmit:
			c.sock.SendTo(c.server, pt.req.Bytes())
		case stun.TimerTimeout:
			delete(c.permReqs, key)
			delete(c.permissions, key)
		}
	}

	for key, ch := range c.channels {
		if ch.needsRefresh(now) {
			peer := ch.peer
			ch.state = channelPending
			if c.currentBinding == nil {
				c.startChannelBind(peer, key)
			} else {
				c.pendingChannelQueue = append(c.pendingChannelQueue, peer)
			}
		}
	}
	for key, perm := range c.permissions {
		if perm.needsRefresh(now) {
			if _, inFlight := c.permReqs[key]; !inFlight {
				c.startCreatePermission(perm.peer, key)
			}
		}
	}
}

// Close releases resources held by the client. The base Socket is owned
// by the caller and is not closed here.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
