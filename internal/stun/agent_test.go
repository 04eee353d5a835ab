package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentValidateRequiresIntegrityForShortTerm(t *testing.T) {
	a := NewAgent(CompatRFC5389, UsageShortTerm)

	req := BuildRequest(MethodBinding)
	require.NoError(t, req.AppendString(AttrUsername, "bob:alice"))
	// No MESSAGE-INTEGRITY appended.

	_, status := a.Validate(req.Bytes())
	assert.Equal(t, StatusUnauthorized, status)
}

func TestAgentValidateAcceptsAuthenticatedRequest(t *testing.T) {
	a := NewAgent(CompatRFC5389, UsageShortTerm)

	req := a.InitRequest(MethodBinding)
	require.NoError(t, req.FinishShort("pwd"))

	_, status := a.Validate(req.Bytes())
	assert.Equal(t, StatusSuccess, status)
}

func TestAgentValidateDetectsUnmatchedResponse(t *testing.T) {
	a := NewAgent(CompatRFC5389, UsageIgnoreCredentials)

	// A response with no corresponding outstanding request.
	resp := BuildResponse(BuildRequest(MethodBinding), "")
	require.NoError(t, resp.Finish())

	_, status := a.Validate(resp.Bytes())
	assert.Equal(t, StatusUnmatchedResponse, status)
}

func TestAgentValidateMatchesOutstandingRequest(t *testing.T) {
	a := NewAgent(CompatRFC5389, UsageIgnoreCredentials)

	req := a.InitRequest(MethodBinding)
	resp := a.InitResponse(req)
	require.NoError(t, resp.Finish())

	_, status := a.Validate(resp.Bytes())
	assert.Equal(t, StatusSuccess, status)

	a.Forget(req.TransactionID)
	_, status = a.Validate(resp.Bytes())
	assert.Equal(t, StatusUnmatchedResponse, status)
}

func TestAgentValidateBadFingerprint(t *testing.T) {
	a := NewAgent(CompatRFC5389, UsageIgnoreCredentials)

	req := BuildRequest(MethodBinding)
	require.NoError(t, req.Finish())
	buf := req.Bytes()
	buf[len(buf)-1] ^= 0xFF

	_, status := a.Validate(buf)
	assert.Equal(t, StatusBadFingerprint, status)
}
