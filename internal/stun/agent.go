package stun

import "sync"

// Compatibility selects which STUN dialect an Agent speaks on the wire.
type Compatibility int

const (
	CompatRFC5389 Compatibility = iota
	CompatRFC3489
	CompatOC2007
)

// Usage is a bitmask of credential/format behaviors layered on top of the
// base dialect.
type Usage int

const (
	UsageLongTerm Usage = 1 << iota
	UsageShortTerm
	UsageIgnoreCredentials
	UsageNoIndicationAuth
	UsageNoAlignedAttributes
)

// ValidationStatus is returned by Agent.Validate.
type ValidationStatus int

const (
	StatusSuccess ValidationStatus = iota
	StatusBadRequest
	StatusUnauthorized
	StatusUnknownAttribute
	StatusUnmatchedResponse
	StatusBadFingerprint
)

// Agent tracks outstanding requests (for response correlation) and applies
// compatibility/usage switches when building and validating messages. It
// does not own any socket; callers feed it bytes and send the messages it
// builds through whatever transport they have.
type Agent struct {
	Compat Compatibility
	Usage  Usage

	// Cookie overrides the RFC5389 magic cookie for dialects that keep the
	// cookie field but use a different value (LegacyMagicCookie for
	// MSN/Google/OC2007); zero selects MagicCookie.
	Cookie uint32

	Software string // inserted as SERVER on responses/errors

	// ConnectionID is the MS-CONNECTION-ID the OC2007 dialect echoes on
	// every request once the server has assigned one via a challenge or
	// success response; empty until then.
	ConnectionID []byte

	mu      sync.Mutex
	pending map[TransactionID]*Message // outstanding requests, by id
	msSeq   uint32
}

// NewAgent creates an Agent with the given dialect and usage switches.
func NewAgent(compat Compatibility, usage Usage) *Agent {
	return &Agent{
		Compat:  compat,
		Usage:   usage,
		pending: make(map[TransactionID]*Message),
	}
}

// InitRequest builds a new outstanding request, applying the agent's
// dialect (e.g. OC2007 mandates MS-VERSION and MS-SEQUENCE-NUMBER, and
// echoes MS-CONNECTION-ID once the server has assigned one) and
// registering it so that a later Validate/Forget can correlate the
// response.
func (a *Agent) InitRequest(method Method) *Message {
	req := BuildRequest(method)
	req.Legacy = a.Compat == CompatRFC3489
	req.Cookie = a.Cookie
	if a.Compat == CompatOC2007 {
		req.AppendUint32(AttrMSVersion, 1)

		a.mu.Lock()
		a.msSeq++
		seq := a.msSeq
		connID := a.ConnectionID
		a.mu.Unlock()

		req.AppendUint32(AttrMSSequenceNum, seq)
		if len(connID) > 0 {
			req.AppendBytes(AttrMSConnectionID, connID)
		}
	}

	a.mu.Lock()
	a.pending[req.TransactionID] = req
	a.mu.Unlock()
	return req
}

// InitIndication builds a new indication. OC2007/no-indication-auth usages
// never carry MESSAGE-INTEGRITY on indications.
func (a *Agent) InitIndication(method Method) *Message {
	ind := BuildIndication(method)
	ind.Legacy = a.Compat == CompatRFC3489
	ind.Cookie = a.Cookie
	return ind
}

// InitResponse builds a success response correlated to req.
func (a *Agent) InitResponse(req *Message) *Message {
	resp := BuildResponse(req, a.Software)
	resp.Cookie = req.Cookie
	return resp
}

// InitError builds an error response correlated to req.
func (a *Agent) InitError(req *Message, code int, reason string) *Message {
	resp := BuildError(req, code, reason, a.Software)
	resp.Cookie = req.Cookie
	return resp
}

// Forget drops one outstanding request, e.g. after its timer gives up or its
// response has been processed.
func (a *Agent) Forget(id TransactionID) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// outstanding returns the pending request for id, if any.
func (a *Agent) outstanding(id TransactionID) (*Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.pending[id]
	return req, ok
}

// Validate parses and classifies inbound bytes against this agent's
// usage switches.
func (a *Agent) Validate(data []byte) (*Message, ValidationStatus) {
	total, result := Validate(data)
	if result != ValidateOK {
		return nil, StatusBadRequest
	}

	msg, err := Parse(data[:total])
	if err != nil {
		return nil, StatusBadRequest
	}

	if _, err := msg.Find(AttrFingerprint); err == nil {
		if !verifyMessageFingerprint(data[:total]) {
			return msg, StatusBadFingerprint
		}
	}

	for _, attr := range msg.Attributes {
		if isComprehensionRequired(attr.Type) && !knownAttribute(attr.Type) {
			return msg, StatusUnknownAttribute
		}
	}

	if msg.Class == ClassSuccessResponse || msg.Class == ClassErrorResponse {
		req, ok := a.outstanding(msg.TransactionID)
		if !ok || req.Method != msg.Method {
			return msg, StatusUnmatchedResponse
		}
	}

	if a.Usage&UsageIgnoreCredentials == 0 {
		needsAuth := msg.Class == ClassRequest ||
			(msg.Class == ClassIndication && a.Usage&UsageNoIndicationAuth == 0)
		if needsAuth {
			if _, err := msg.Find(AttrMessageIntegrity); err != nil {
				return msg, StatusUnauthorized
			}
		}
	}

	return msg, StatusSuccess
}

func verifyMessageFingerprint(full []byte) bool {
	msg, err := Parse(full)
	if err != nil || len(msg.Attributes) == 0 {
		return false
	}
	last := msg.Attributes[len(msg.Attributes)-1]
	if last.Type != AttrFingerprint || len(last.Value) != 4 {
		return false
	}
	return verifyFingerprint(full, last.Value)
}

// isComprehensionRequired reports whether an attribute type's high bit
// (0x0000-0x7FFF range) marks it as comprehension-required per [RFC5389
// §15]; 0x8000-0xFFFF is comprehension-optional.
func isComprehensionRequired(t uint16) bool {
	return t < 0x8000
}

func knownAttribute(t uint16) bool {
	switch t {
	case AttrMappedAddress, AttrUsername, AttrMessageIntegrity, AttrErrorCode,
		AttrUnknownAttributes, AttrChannelNumber, AttrLifetime, AttrPeerAddress,
		AttrData, AttrRealm, AttrNonce, AttrXorRelayedAddress, AttrXorMappedAddress,
		AttrPriority, AttrUseCandidate:
		return true
	default:
		return t >= 0x8000 // comprehension-optional attributes are always "known enough"
	}
}
