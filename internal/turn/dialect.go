package turn

import "github.com/lanikai/iceagent/internal/stun"

// Dialect selects which TURN wire variant a Client speaks.
type Dialect int

const (
	// DialectRFC5766 is the standard channel/permission TURN draft 9 / RFC
	// 5766 dialect: long-term credentials, channel numbers 0x4000-0x7FFE.
	DialectRFC5766 Dialect = iota

	// DialectMSN is the legacy Microsoft Messenger dialect: a single
	// channel slot, short-term credentials, no indication auth.
	DialectMSN

	// DialectGoogle is Google's legacy relay dialect: a single channel
	// slot, short-term credentials, credentials ignored entirely.
	DialectGoogle

	// DialectOC2007 is Office Communicator 2007's dialect: a single
	// channel slot, long-term credentials, non-4-byte-aligned attributes.
	DialectOC2007
)

// cookie returns the 32-bit value this dialect writes at the RFC5389 magic
// cookie's wire offset: the standard cookie is implicit (zero selects it in
// stun.Message), the legacy dialects all swap in stun.LegacyMagicCookie.
func (d Dialect) cookie() uint32 {
	if d == DialectRFC5766 {
		return 0
	}
	return stun.LegacyMagicCookie
}

// channelRange returns the valid channel-number range for this dialect.
// RFC5766 uses the full 0x4000-0x7FFE range; the legacy dialects use a
// single fixed slot, channel 0.
func (d Dialect) channelRange() (lo, hi uint16) {
	if d == DialectRFC5766 {
		return 0x4000, 0x7FFE
	}
	return 0, 0
}

func (d Dialect) singleSlot() bool {
	return d != DialectRFC5766
}

func (d Dialect) usesLongTermCredentials() bool {
	return d == DialectRFC5766 || d == DialectOC2007
}

func (d Dialect) ignoresCredentials() bool {
	return d == DialectGoogle
}

func (d Dialect) noIndicationAuth() bool {
	return d == DialectMSN
}

func (d Dialect) alignedAttributes() bool {
	return d != DialectOC2007
}

func (d Dialect) stunUsage() stun.Usage {
	var u stun.Usage
	switch {
	case d.ignoresCredentials():
		u |= stun.UsageIgnoreCredentials
	case d.usesLongTermCredentials():
		u |= stun.UsageLongTerm
	default:
		u |= stun.UsageShortTerm
	}
	if d.noIndicationAuth() {
		u |= stun.UsageNoIndicationAuth
	}
	if !d.alignedAttributes() {
		u |= stun.UsageNoAlignedAttributes
	}
	return u
}

// bindMethod returns the method used to establish an active destination on
// this dialect: ChannelBind for RFC5766, the legacy SetActiveDestination
// for MSN/Google/OC2007.
func (d Dialect) bindMethod() stun.Method {
	if d == DialectRFC5766 {
		return stun.MethodChannelBind
	}
	return stun.MethodSetActiveDestination
}
