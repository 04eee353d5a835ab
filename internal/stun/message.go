package stun

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// [RFC5389] STUN message classes.
type Class uint16

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassIndication:
		return "Indication"
	case ClassSuccessResponse:
		return "Response"
	case ClassErrorResponse:
		return "Error"
	default:
		return fmt.Sprintf("Class(%#x)", uint16(c))
	}
}

// [RFC5389]/[RFC5766]/[RFC5245] STUN methods, u12.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009

	// MSN/OC2007 legacy method used for setting the active destination on
	// a pre-RFC5766 TURN connection.
	MethodSetActiveDestination Method = 0x002
)

const (
	headerLength = 20

	// MagicCookie is the fixed value from [RFC5389 §6]. Absent entirely in
	// the classic RFC3489 dialect.
	MagicCookie uint32 = 0x2112A442

	// LegacyMagicCookie replaces MagicCookie at the same wire offset in the
	// MSN/Google/OC2007 TURN dialects: the cookie is present (unlike
	// RFC3489's cookie-less form), just a different 32-bit value.
	LegacyMagicCookie uint32 = 0x72C64BC6

	fingerprintXor uint32 = 0x5354554E

	// MaxMessageSize bounds a single STUN message.
	MaxMessageSize = 65535
)

var magicCookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

// Message is the logical record of a STUN message: class, method, magic
// cookie (RFC5389) or its absence (RFC3489), a transaction id (96 bits with a
// cookie, 128 bits in the RFC3489 dialect), and an ordered attribute list.
type Message struct {
	Class  Class
	Method Method
	Legacy bool // true for the cookie-less RFC3489 dialect

	// Cookie overrides the 4-byte value written at the RFC5389 cookie
	// offset; zero means MagicCookie. Dialects that keep the cookie but
	// use a different value (MSN/Google/OC2007) set this to
	// LegacyMagicCookie. Meaningless when Legacy is true.
	Cookie        uint32
	TransactionID TransactionID
	Attributes    []Attribute
}

// TransactionID holds a transaction identifier. RFC5389 messages use only
// the first 96 bits (the low 4 bytes stay zero); the classic RFC3489 dialect
// has no magic cookie and carries a full 128-bit transaction id, which needs
// all 16 bytes to round-trip through Parse/Bytes.
type TransactionID [16]byte

func (t TransactionID) String() string {
	return fmt.Sprintf("%x", [16]byte(t))
}

// Attribute is a 4-byte-aligned STUN TLV. Value never includes padding;
// padding is synthesized on write and tolerated (any bytes) on read.
type Attribute struct {
	Type  uint16
	Value []byte
}

func (a Attribute) paddedLen() int {
	return 4 + len(a.Value) + pad4(len(a.Value))
}

func pad4(n int) int {
	return (4 - n%4) % 4
}

// Well-known attribute types.
const (
	AttrMappedAddress     uint16 = 0x0001
	AttrUsername          uint16 = 0x0006
	AttrMessageIntegrity  uint16 = 0x0008
	AttrErrorCode         uint16 = 0x0009
	AttrUnknownAttributes uint16 = 0x000A
	AttrChannelNumber     uint16 = 0x000C
	AttrLifetime          uint16 = 0x000D
	AttrPeerAddress uint16 = 0x0012 // XOR-PEER-ADDRESS
	AttrData              uint16 = 0x0013
	AttrRealm             uint16 = 0x0014
	AttrNonce             uint16 = 0x0015
	AttrXorRelayedAddress uint16 = 0x0016
	AttrXorMappedAddress  uint16 = 0x0020
	AttrPriority          uint16 = 0x0024
	AttrUseCandidate      uint16 = 0x0025
	AttrSoftware          uint16 = 0x8022
	AttrAlternateServer   uint16 = 0x8023
	AttrFingerprint       uint16 = 0x8028
	AttrIceControlled     uint16 = 0x8029
	AttrIceControlling    uint16 = 0x802A

	// MS/OC2007 legacy attributes.
	AttrMSVersion      uint16 = 0x8008
	AttrMSSequenceNum  uint16 = 0x8050
	AttrMSConnectionID uint16 = 0x8054

	// AttrOptions is Google's legacy relay dialect's vendor attribute
	// carried on Send responses; its low bit signals the "lock" the peer
	// as the sole active destination (see turn.Client's handling of
	// MethodSend). Not part of RFC5389; not in the retrieved libnice
	// header, so the numeric value is taken from its usage pattern in
	// that codebase's TURN socket code rather than its attribute enum.
	AttrOptions uint16 = 0x8001
)

// ValidateResult is the outcome of Validate.
type ValidateResult int

const (
	ValidateIncomplete ValidateResult = iota
	ValidateOK
	ValidateMalformed
)

// Validate checks the high-order header bits, length alignment, and that the
// sum of 4-byte-aligned attribute TLVs exactly matches the advertised
// length. It never inspects bytes beyond the advertised message length.
//
// Returns the total message length (header + body) and ValidateOK; or 0 and
// ValidateIncomplete if more bytes are needed; or 0 and ValidateMalformed.
func Validate(data []byte) (int, ValidateResult) {
	if len(data) < headerLength {
		return 0, ValidateIncomplete
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType&0xC000 != 0 {
		return 0, ValidateMalformed
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length%4 != 0 {
		return 0, ValidateMalformed
	}

	total := headerLength + length
	if len(data) < total {
		return 0, ValidateIncomplete
	}

	// Walk the attribute TLVs and confirm they exactly fill `length`.
	body := data[headerLength:total]
	off := 0
	for off < len(body) {
		if off+4 > len(body) {
			return 0, ValidateMalformed
		}
		attrLen := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		need := 4 + attrLen + pad4(attrLen)
		if off+need > len(body) {
			return 0, ValidateMalformed
		}
		off += need
	}
	if off != len(body) {
		return 0, ValidateMalformed
	}

	return total, ValidateOK
}

// Demux reports whether data looks like a STUN message muxed with other
// traffic on the same socket: it must carry the RFC5389 magic cookie (or the
// legacy MSN/Google/OC2007 cookie) *and* a trailing FINGERPRINT attribute
// whose CRC32 (computed over everything before it, with the length field
// as sent, i.e. already covering FINGERPRINT) matches.
func Demux(data []byte) bool {
	total, result := Validate(data)
	if result != ValidateOK {
		return false
	}
	data = data[:total]

	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie && cookie != LegacyMagicCookie {
		return false
	}

	msg, err := Parse(data)
	if err != nil {
		return false
	}
	if len(msg.Attributes) == 0 {
		return false
	}
	last := msg.Attributes[len(msg.Attributes)-1]
	if last.Type != AttrFingerprint || len(last.Value) != 4 {
		return false
	}

	return verifyFingerprint(data, last.Value)
}

// Parse decodes a validated STUN message. Callers should run Validate first;
// Parse re-validates defensively and returns an error on malformed input.
func Parse(data []byte) (*Message, error) {
	total, result := Validate(data)
	if result != ValidateOK {
		return nil, errors.New("stun: malformed message")
	}
	data = data[:total]

	messageType := binary.BigEndian.Uint16(data[0:2])
	class, method := decomposeType(messageType)

	msg := &Message{Class: class, Method: method}

	switch cookie := binary.BigEndian.Uint32(data[4:8]); cookie {
	case MagicCookie:
		copy(msg.TransactionID[:12], data[8:20])
	case LegacyMagicCookie:
		msg.Cookie = LegacyMagicCookie
		copy(msg.TransactionID[:12], data[8:20])
	default:
		// RFC3489 dialect: no magic cookie, full 16-byte transaction id
		// starting at offset 4.
		msg.Legacy = true
		copy(msg.TransactionID[:], data[4:20])
	}

	body := data[headerLength:total]
	off := 0
	for off < len(body) {
		t := binary.BigEndian.Uint16(body[off : off+2])
		l := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		value := make([]byte, l)
		copy(value, body[off+4:off+4+l])
		msg.Attributes = append(msg.Attributes, Attribute{Type: t, Value: value})
		off += 4 + l + pad4(l)
	}
	return msg, nil
}

func decomposeType(t uint16) (Class, Method) {
	class := Class((t&0x0100)>>7 | (t&0x0010)>>4)
	method := Method((t&0x3E00)>>2 | (t&0x00E0)>>1 | (t & 0x000F))
	return class, method
}

func composeType(class Class, method Method) uint16 {
	c := uint16(class)
	m := uint16(method)
	return (c<<7)&0x0100 | (c<<4)&0x0010 | (m<<2)&0x3E00 | (m<<1)&0x00E0 | (m & 0x000F)
}

// Bytes serializes the message to its wire form. It does not check
// MaxMessageSize; the Append* helpers check the size before adding an
// attribute.
func (m *Message) Bytes() []byte {
	bodyLen := 0
	for _, a := range m.Attributes {
		bodyLen += a.paddedLen()
	}

	buf := make([]byte, headerLength+bodyLen)
	binary.BigEndian.PutUint16(buf[0:2], composeType(m.Class, m.Method))
	binary.BigEndian.PutUint16(buf[2:4], uint16(bodyLen))
	if m.Legacy {
		copy(buf[4:20], m.TransactionID[:])
	} else {
		cookie := m.Cookie
		if cookie == 0 {
			cookie = MagicCookie
		}
		binary.BigEndian.PutUint32(buf[4:8], cookie)
		copy(buf[8:20], m.TransactionID[:12])
	}

	off := headerLength
	for _, a := range m.Attributes {
		binary.BigEndian.PutUint16(buf[off:off+2], a.Type)
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(a.Value)))
		copy(buf[off+4:off+4+len(a.Value)], a.Value)
		off += a.paddedLen()
	}
	return buf
}

// rewriteLength patches the length header field in an already-serialized
// buffer to cover exactly bodyLen bytes of attribute body (used by
// MESSAGE-INTEGRITY and FINGERPRINT computation).
func rewriteLength(buf []byte, bodyLen int) {
	binary.BigEndian.PutUint16(buf[2:4], uint16(bodyLen))
}

func (m *Message) String() string {
	s := fmt.Sprintf("%s %s tid=%s", m.Class, m.Method, m.TransactionID)
	for _, a := range m.Attributes {
		s += fmt.Sprintf(" [%#04x len=%d]", a.Type, len(a.Value))
	}
	return s
}
