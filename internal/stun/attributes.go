package stun

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by the find_* family when the attribute is absent.
var ErrNotFound = errors.New("stun: attribute not found")

// ErrInvalidAttribute is returned when a find_* helper locates the attribute
// but its value cannot be decoded as the requested type.
var ErrInvalidAttribute = errors.New("stun: invalid attribute value")

// ErrNoBuf is returned by append_* when the message would grow past
// MaxMessageSize.
var ErrNoBuf = errors.New("stun: message buffer exhausted")

// Find returns the first attribute of the given type, or ErrNotFound.
func (m *Message) Find(t uint16) ([]byte, error) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a.Value, nil
		}
	}
	return nil, ErrNotFound
}

// Find32 decodes a 4-byte big-endian attribute.
func (m *Message) Find32(t uint16) (uint32, error) {
	v, err := m.Find(t)
	if err != nil {
		return 0, err
	}
	if len(v) != 4 {
		return 0, ErrInvalidAttribute
	}
	return binary.BigEndian.Uint32(v), nil
}

// Find64 decodes an 8-byte big-endian attribute.
func (m *Message) Find64(t uint16) (uint64, error) {
	v, err := m.Find(t)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, ErrInvalidAttribute
	}
	return binary.BigEndian.Uint64(v), nil
}

// FindString decodes a UTF-8 string attribute.
func (m *Message) FindString(t uint16) (string, error) {
	v, err := m.Find(t)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// FindAddr decodes a (non-XOR) MAPPED-ADDRESS-shaped attribute.
func (m *Message) FindAddr(t uint16) (Address, error) {
	v, err := m.Find(t)
	if err != nil {
		return Address{}, err
	}
	return decodeAddr(v, nil)
}

// FindXorAddr decodes an XOR-MAPPED-ADDRESS-shaped attribute, undoing the
// cookie/transaction-id XOR per [RFC5389 §15.2].
func (m *Message) FindXorAddr(t uint16) (Address, error) {
	v, err := m.Find(t)
	if err != nil {
		return Address{}, err
	}
	return decodeAddr(v, &m.TransactionID)
}

func decodeAddr(v []byte, xorTid *TransactionID) (Address, error) {
	if len(v) < 4 {
		return Address{}, ErrInvalidAttribute
	}
	family := v[1]
	port := binary.BigEndian.Uint16(v[2:4])

	var a Address
	switch family {
	case 0x01:
		if len(v) != 8 {
			return Address{}, ErrInvalidAttribute
		}
		a.Family = IPv4
		copy(a.IP[:4], v[4:8])
	case 0x02:
		if len(v) != 20 {
			return Address{}, ErrInvalidAttribute
		}
		a.Family = IPv6
		copy(a.IP[:16], v[4:20])
	default:
		return Address{}, ErrInvalidAttribute
	}

	if xorTid != nil {
		port ^= uint16(MagicCookie >> 16)
		for i := 0; i < 4; i++ {
			a.IP[i] ^= magicCookieBytes[i]
		}
		if a.Family == IPv6 {
			for i := 0; i < 12; i++ {
				a.IP[4+i] ^= xorTid[i]
			}
		}
	}
	a.Port = port
	return a, nil
}

func encodeAddr(a Address, xorTid *TransactionID) []byte {
	ip := a.IP
	port := a.Port
	if xorTid != nil {
		port ^= uint16(MagicCookie >> 16)
		for i := 0; i < 4; i++ {
			ip[i] ^= magicCookieBytes[i]
		}
		if a.Family == IPv6 {
			for i := 0; i < 12; i++ {
				ip[4+i] ^= xorTid[i]
			}
		}
	}

	n := 4
	if a.Family == IPv6 {
		n = 16
	}
	v := make([]byte, 4+n)
	if a.Family == IPv6 {
		v[1] = 0x02
	} else {
		v[1] = 0x01
	}
	binary.BigEndian.PutUint16(v[2:4], port)
	copy(v[4:], ip[:n])
	return v
}

// append checks the size budget and appends a new attribute.
func (m *Message) append(t uint16, v []byte) error {
	bodyLen := 0
	for _, a := range m.Attributes {
		bodyLen += a.paddedLen()
	}
	added := Attribute{Type: t, Value: v}.paddedLen()
	if headerLength+bodyLen+added > MaxMessageSize {
		return ErrNoBuf
	}
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: v})
	return nil
}

// AppendFlag appends a zero-length attribute (e.g. USE-CANDIDATE).
func (m *Message) AppendFlag(t uint16) error {
	return m.append(t, nil)
}

// AppendUint32 appends a 4-byte big-endian attribute (e.g. PRIORITY).
func (m *Message) AppendUint32(t uint16, v uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return m.append(t, b)
}

// AppendUint64 appends an 8-byte big-endian attribute (e.g. ICE-CONTROLLING).
func (m *Message) AppendUint64(t uint16, v uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return m.append(t, b)
}

// AppendString appends a UTF-8 string attribute.
func (m *Message) AppendString(t uint16, v string) error {
	return m.append(t, []byte(v))
}

// AppendBytes appends an opaque byte-string attribute (e.g. NONCE, DATA).
func (m *Message) AppendBytes(t uint16, v []byte) error {
	return m.append(t, v)
}

// AppendAddr appends a non-XOR address attribute (MAPPED-ADDRESS).
func (m *Message) AppendAddr(t uint16, a Address) error {
	return m.append(t, encodeAddr(a, nil))
}

// AppendXorAddr appends an XOR-encoded address attribute
// (XOR-MAPPED-ADDRESS, XOR-PEER-ADDRESS, XOR-RELAYED-ADDRESS).
func (m *Message) AppendXorAddr(t uint16, a Address) error {
	return m.append(t, encodeAddr(a, &m.TransactionID))
}

// AppendErrorCode appends an ERROR-CODE attribute per [RFC5389 §15.6]:
// class (top 3 bits of code/100) and number (code%100), plus a reason phrase.
func (m *Message) AppendErrorCode(code int, reason string) error {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	return m.append(AttrErrorCode, v)
}

// ErrorCode decodes an ERROR-CODE attribute.
func (m *Message) ErrorCode() (code int, reason string, err error) {
	v, err := m.Find(AttrErrorCode)
	if err != nil {
		return 0, "", err
	}
	if len(v) < 4 {
		return 0, "", ErrInvalidAttribute
	}
	code = int(v[2])*100 + int(v[3])
	reason = string(v[4:])
	return code, reason, nil
}

// AppendUnknownAttributes appends an UNKNOWN-ATTRIBUTES attribute listing
// the given comprehension-required attribute types that triggered a 420.
func (m *Message) AppendUnknownAttributes(types []uint16) error {
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:2*i+2], t)
	}
	return m.append(AttrUnknownAttributes, v)
}

// newTransactionID generates a fresh random transaction id straight from
// crypto/rand. Nothing in this package calls it: BuildRequest and
// BuildIndication use NewTransactionID (transaction_id.go).
func newTransactionID() TransactionID {
	var t TransactionID
	rand.Read(t[:])
	return t
}
