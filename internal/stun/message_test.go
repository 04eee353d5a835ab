package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestRoundTrips(t *testing.T) {
	req := BuildRequest(MethodBinding)
	req.AppendString(AttrUsername, "bob:alice")
	require.NoError(t, req.FinishShort("password"))

	buf := req.Bytes()
	total, result := Validate(buf)
	require.Equal(t, ValidateOK, result)
	assert.Equal(t, len(buf), total)

	parsed, err := Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, req.TransactionID, parsed.TransactionID)
	assert.Equal(t, ClassRequest, parsed.Class)
}

func TestMessageIntegrityRoundTrips(t *testing.T) {
	msg := BuildRequest(MethodBinding)
	require.NoError(t, msg.FinishShort("hunter2"))

	// Re-parse from the wire before verifying, exactly as a receiver would.
	parsed, err := Parse(msg.Bytes())
	require.NoError(t, err)

	assert.NoError(t, parsed.VerifyPassword("hunter2"))
	assert.Error(t, parsed.VerifyPassword("wrong"))
}

func TestFinishLongUsesDerivedKey(t *testing.T) {
	msg := BuildRequest(MethodAllocate)
	require.NoError(t, msg.FinishLong("user", "example.org", "secret"))

	parsed, err := Parse(msg.Bytes())
	require.NoError(t, err)

	key := LongTermKey("user", "example.org", "secret")
	assert.NoError(t, parsed.VerifyKey(key))

	otherKey := LongTermKey("user", "example.org", "different")
	assert.Error(t, parsed.VerifyKey(otherKey))
}

func TestFingerprintDetectsTampering(t *testing.T) {
	msg := BuildRequest(MethodBinding)
	require.NoError(t, msg.Finish())

	buf := msg.Bytes()
	assert.True(t, Demux(buf))

	buf[len(buf)-1] ^= 0xFF
	assert.False(t, Demux(buf))
}

func TestXorAddressRoundTrips(t *testing.T) {
	addr := Address{Family: IPv4, Port: 5678}
	addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3] = 1, 2, 3, 4

	msg := BuildResponse(BuildRequest(MethodBinding), "")
	require.NoError(t, msg.AppendXorAddr(AttrXorMappedAddress, addr))

	parsed, err := Parse(msg.Bytes())
	require.NoError(t, err)
	// AppendXorAddr XORs against msg's own transaction id; use the same
	// message's id to decode.
	parsed.TransactionID = msg.TransactionID

	got, err := parsed.FindXorAddr(AttrXorMappedAddress)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestValidateRejectsBadLength(t *testing.T) {
	msg := BuildRequest(MethodBinding)
	buf := msg.Bytes()
	// Corrupt the length field to claim more (4-byte-aligned) bytes than are
	// present.
	buf[3] = 0xFC

	_, result := Validate(buf)
	assert.Equal(t, ValidateIncomplete, result)
}

func TestValidateRejectsMisalignedLength(t *testing.T) {
	msg := BuildRequest(MethodBinding)
	require.NoError(t, msg.AppendString(AttrUsername, "x"))
	buf := msg.Bytes()
	// Attribute lengths are always padded to 4 bytes, so claiming an
	// unaligned total length is malformed.
	buf[3]--

	_, result := Validate(buf)
	assert.Equal(t, ValidateMalformed, result)
}

func TestMatchMessages(t *testing.T) {
	req := BuildRequest(MethodBinding)
	require.NoError(t, req.FinishShort("pwd"))

	resp := BuildResponse(req, "")
	require.NoError(t, resp.FinishShort("pwd"))

	assert.Equal(t, MatchOK, MatchMessages(resp, req, []byte("pwd")))

	wrongResp := BuildResponse(BuildRequest(MethodBinding), "")
	assert.Equal(t, MatchMismatch, MatchMessages(wrongResp, req, nil))

	errResp := BuildError(req, 487, "Role Conflict", "")
	assert.Equal(t, MatchErrorResponse, MatchMessages(errResp, req, nil))
}

func TestAppendNoBufAtCapacity(t *testing.T) {
	msg := BuildRequest(MethodBinding)
	big := make([]byte, MaxMessageSize)
	err := msg.AppendBytes(AttrData, big)
	assert.ErrorIs(t, err, ErrNoBuf)
}
