package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// ErrUnauthorized is returned by Verify* when the computed integrity does
// not match.
var ErrUnauthorized = errors.New("stun: message integrity mismatch")

// LongTermKey derives the HMAC key for the long-term credential mechanism
// [RFC5389 §15.4]: MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	h := md5.New()
	h.Write([]byte(username))
	h.Write([]byte(":"))
	h.Write([]byte(realm))
	h.Write([]byte(":"))
	h.Write([]byte(password))
	return h.Sum(nil)
}

// FinishShort appends MESSAGE-INTEGRITY keyed by the short-term password (if
// non-empty) followed unconditionally by FINGERPRINT. This is the short-term
// credential path used by ordinary ICE connectivity checks.
func (m *Message) FinishShort(password string) error {
	if password != "" {
		if err := m.addMessageIntegrity([]byte(password)); err != nil {
			return err
		}
	}
	return m.addFingerprint()
}

// FinishLong appends MESSAGE-INTEGRITY keyed by MD5(username:realm:password)
// followed unconditionally by FINGERPRINT. Used by TURN long-term credential
// exchanges.
func (m *Message) FinishLong(username, realm, password string) error {
	key := LongTermKey(username, realm, password)
	if err := m.addMessageIntegrity(key); err != nil {
		return err
	}
	return m.addFingerprint()
}

// Finish appends only FINGERPRINT, with no MESSAGE-INTEGRITY. Used for
// indications that carry no credentials.
func (m *Message) Finish() error {
	return m.addFingerprint()
}

// addMessageIntegrity computes HMAC-SHA1 over everything up to and
// including the MESSAGE-INTEGRITY attribute header, with the message length
// field rewritten to include MI but exclude FINGERPRINT.
func (m *Message) addMessageIntegrity(key []byte) error {
	if err := m.append(AttrMessageIntegrity, make([]byte, 20)); err != nil {
		return err
	}
	idx := len(m.Attributes) - 1

	bodyLenThroughMI := 0
	for _, a := range m.Attributes[:idx+1] {
		bodyLenThroughMI += a.paddedLen()
	}

	buf := m.Bytes()
	rewriteLength(buf, bodyLenThroughMI)
	// MI's value itself (20 zero bytes) is excluded from the signed region.
	miAttrStart := len(buf) - m.Attributes[idx].paddedLen()
	signed := buf[:miAttrStart+4]

	mac := hmac.New(sha1.New, key)
	mac.Write(signed)
	sum := mac.Sum(nil)

	v := make([]byte, 20)
	copy(v, sum)
	m.Attributes[idx].Value = v
	return nil
}

// addFingerprint computes CRC32 over everything up to (not including) the
// FINGERPRINT attribute, XORed with 0x5354554E per [RFC5389 §15.5].
func (m *Message) addFingerprint() error {
	if err := m.append(AttrFingerprint, make([]byte, 4)); err != nil {
		return err
	}
	idx := len(m.Attributes) - 1

	bodyLen := 0
	for _, a := range m.Attributes {
		bodyLen += a.paddedLen()
	}

	buf := m.Bytes()
	rewriteLength(buf, bodyLen)
	fprAttrStart := len(buf) - m.Attributes[idx].paddedLen()
	crc := crc32.ChecksumIEEE(buf[:fprAttrStart]) ^ fingerprintXor

	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, crc)
	m.Attributes[idx].Value = v
	return nil
}

func verifyFingerprint(full []byte, want []byte) bool {
	// full is the complete message, with FINGERPRINT as its last attribute
	// and length already covering it; recompute the CRC over the prefix
	// that excludes the 8-byte FINGERPRINT TLV.
	if len(full) < 8 {
		return false
	}
	prefix := full[:len(full)-8]
	crc := crc32.ChecksumIEEE(prefix) ^ fingerprintXor
	got := binary.BigEndian.Uint32(want)
	return crc == got
}

// VerifyKey recomputes MESSAGE-INTEGRITY using the given raw key and
// compares it against the attribute present in the message.
func (m *Message) VerifyKey(key []byte) error {
	v, err := m.Find(AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if len(v) != 20 {
		return ErrInvalidAttribute
	}

	signed, err := m.signedPrefixThroughMI()
	if err != nil {
		return err
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(signed)
	sum := mac.Sum(nil)

	if !hmac.Equal(sum, v) {
		return ErrUnauthorized
	}
	return nil
}

// VerifyPassword is VerifyKey with the short-term key (the raw password).
func (m *Message) VerifyPassword(password string) error {
	return m.VerifyKey([]byte(password))
}

// VerifyUsername checks that USERNAME ends in ":<localUfrag>", where
// localUfrag is ours.
func (m *Message) VerifyUsername(localUfrag string) error {
	v, err := m.FindString(AttrUsername)
	if err != nil {
		return err
	}
	suffix := ":" + localUfrag
	if len(v) <= len(suffix) || v[len(v)-len(suffix):] != suffix {
		return ErrUnauthorized
	}
	return nil
}

// signedPrefixThroughMI re-serializes the message with its length field
// rewritten to cover attributes up to and including MESSAGE-INTEGRITY (but
// not FINGERPRINT, if present), returning the exact byte range that was
// originally signed.
func (m *Message) signedPrefixThroughMI() ([]byte, error) {
	miIdx := -1
	for i, a := range m.Attributes {
		if a.Type == AttrMessageIntegrity {
			miIdx = i
			break
		}
	}
	if miIdx < 0 {
		return nil, ErrNotFound
	}

	bodyLenThroughMI := 0
	for _, a := range m.Attributes[:miIdx+1] {
		bodyLenThroughMI += a.paddedLen()
	}

	buf := m.Bytes()
	rewriteLength(buf, bodyLenThroughMI)

	miAttrStart := 0
	for _, a := range m.Attributes[:miIdx] {
		miAttrStart += a.paddedLen()
	}
	miAttrStart += headerLength

	return buf[:miAttrStart+4], nil
}
