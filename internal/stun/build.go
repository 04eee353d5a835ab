package stun

// BuildRequest starts a new request of the given method with a fresh transaction
// id. Callers append attributes, then call one of Finish/FinishShort/
// FinishLong.
func BuildRequest(method Method) *Message {
	return &Message{
		Class:         ClassRequest,
		Method:        method,
		TransactionID: NewTransactionID(),
	}
}

// BuildIndication starts a new indication with a fresh transaction id.
func BuildIndication(method Method) *Message {
	return &Message{
		Class:         ClassIndication,
		Method:        method,
		TransactionID: NewTransactionID(),
	}
}

// BuildResponse starts a success response correlated to req, copying its
// transaction id and appending a SERVER attribute if software is non-empty.
func BuildResponse(req *Message, software string) *Message {
	m := &Message{
		Class:         ClassSuccessResponse,
		Method:        req.Method,
		Legacy:        req.Legacy,
		TransactionID: req.TransactionID,
	}
	if software != "" {
		m.AppendString(AttrSoftware, software)
	}
	return m
}

// BuildError starts an error response correlated to req with the given
// ERROR-CODE, appending SERVER if software is non-empty.
func BuildError(req *Message, code int, reason string, software string) *Message {
	m := &Message{
		Class:         ClassErrorResponse,
		Method:        req.Method,
		Legacy:        req.Legacy,
		TransactionID: req.TransactionID,
	}
	if software != "" {
		m.AppendString(AttrSoftware, software)
	}
	m.AppendErrorCode(code, reason)
	return m
}

// MatchResult is the outcome of MatchMessages.
type MatchResult int

const (
	MatchOK MatchResult = iota
	MatchErrorResponse
	MatchMismatch
)

// MatchMessages ensures that resp correlates with req (same method, cookie
// dialect, and transaction id) and, if key is non-empty, that resp's
// integrity verifies under key.
func MatchMessages(resp, req *Message, key []byte) MatchResult {
	if resp.Method != req.Method || resp.Legacy != req.Legacy || resp.TransactionID != req.TransactionID {
		return MatchMismatch
	}
	if resp.Class == ClassErrorResponse {
		return MatchErrorResponse
	}
	if resp.Class != ClassSuccessResponse {
		return MatchMismatch
	}
	if len(key) > 0 {
		if err := resp.VerifyKey(key); err != nil {
			return MatchMismatch
		}
	}
	return MatchOK
}
