package ice

import (
	"fmt"

	"github.com/lanikai/iceagent/internal/stun"
)

// PairState is a candidate pair's position in the conncheck state machine.
type PairState int

const (
	Frozen PairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s PairState) String() string {
	switch s {
	case Frozen:
		return "Frozen"
	case Waiting:
		return "Waiting"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Pair is a candidate pair under test by the conncheck engine.
type Pair struct {
	id int

	Local  *Candidate
	Remote *Candidate

	Foundation string
	Component  int

	State     PairState
	Nominated bool
	Valid     bool

	// nominationSent records whether we (as controlling agent, regular
	// nomination mode) have already reissued this pair's check with
	// USE-CANDIDATE.
	nominationSent bool

	// useCandidateInFlight records whether the currently in-flight (or
	// just-completed) Binding request carried USE-CANDIDATE, so a success
	// response knows whether to mark the pair Nominated on our side.
	useCandidateInFlight bool

	// transaction is the transaction id of the in-flight Binding request
	// for this pair, if State == InProgress. reqBytes holds the exact
	// wire bytes sent, so retransmission resends byte-identical requests.
	transaction stun.TransactionID
	reqBytes    []byte
	timer       *stun.Timer
}

func newPair(id int, local, remote *Candidate) *Pair {
	if local.Component != remote.Component {
		panic(fmt.Sprintf("ice: candidates in pair have different components: %d != %d", local.Component, remote.Component))
	}
	return &Pair{
		id:         id,
		Local:      local,
		Remote:     remote,
		Foundation: local.Foundation + "/" + remote.Foundation,
		Component:  local.Component,
	}
}

func (p *Pair) String() string {
	return fmt.Sprintf("pair#%d: %s -> %s [%s]", p.id, p.Local.Address, p.Remote.Address, p.State)
}

// Priority implements pair priority formula, RFC 8445 §6.1.2.3:
// min(G,D)*2^32 + max(G,D)*2 + (G>D?1:0), where G is the controlling
// side's candidate priority and D the controlled side's.
func (p *Pair) Priority(controlling bool) uint64 {
	var g, d uint64
	if controlling {
		g, d = uint64(p.Local.Priority), uint64(p.Remote.Priority)
	} else {
		g, d = uint64(p.Remote.Priority), uint64(p.Local.Priority)
	}
	var b uint64
	if g > d {
		b = 1
	}
	return min64(g, d)<<32 + max64(g, d)<<1 + b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
