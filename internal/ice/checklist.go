package ice

import (
	"sort"
	"time"

	"github.com/lanikai/iceagent/internal/stun"
)

// maxChecklistSize caps the number of pairs retained per check list,
// pruning lowest-priority entries once exceeded.
const maxChecklistSize = 100

// Ta is the ordinary check pacing interval for unreliable transports.
const Ta = 20 * time.Millisecond

// Checklist is the per-stream connectivity check engine state: the pair
// list, the triggered-check queue, and the counters that drive pacing.
type Checklist struct {
	stream *Stream

	pairs      []*Pair
	nextPairID int

	triggered []*Pair

	nextToCheck int

	checksSent uint32
	maxChecks uint32 // 0 = unlimited

	// aggressive selects aggressive nomination mode: every check from the
	// controlling agent carries USE-CANDIDATE.
	aggressive bool
}

func newChecklist(s *Stream) *Checklist {
	return &Checklist{stream: s}
}

// AddCandidatePairs pairs every (local, remote) combination sharing a
// component and address family, then re-sorts, prunes, and unfreezes
// the check list.
func (cl *Checklist) AddCandidatePairs(locals, remotes []*Candidate) {
	for _, local := range locals {
		for _, remote := range remotes {
			if !canPair(local, remote) {
				continue
			}
			if cl.hasPair(local, remote) {
				continue
			}
			p := newPair(cl.nextPairID, local, remote)
			cl.nextPairID++
			cl.pairs = append(cl.pairs, p)
		}
	}

	cl.sortAndPrune()
	cl.unfreezeLowestPerFoundation()
}

func canPair(local, remote *Candidate) bool {
	if local.Component != remote.Component {
		return false
	}
	if local.Address.Family != remote.Address.Family {
		return false
	}
	return true
}

// hasPair reports whether a pair already exists for (local, remote), so
// that adding the same candidates twice is a no-op.
func (cl *Checklist) hasPair(local, remote *Candidate) bool {
	for _, p := range cl.pairs {
		if p.Local == local && p.Remote == remote {
			return true
		}
	}
	return false
}

// sortAndPrune orders pairs by controlling-side priority descending and
// removes redundant pairs (same remote address and local base) in favor of
// the higher-priority one, except pairs already mid-flight.
func (cl *Checklist) sortAndPrune() {
	controlling := cl.stream.Controlling()
	sort.SliceStable(cl.pairs, func(i, j int) bool {
		return cl.pairs[i].Priority(controlling) > cl.pairs[j].Priority(controlling)
	})

	out := cl.pairs[:0]
	for i, p := range cl.pairs {
		if p.State == InProgress || p.State == Succeeded || p.State == Failed {
			out = append(out, p)
			continue
		}
		redundant := false
		for j := 0; j < i; j++ {
			q := cl.pairs[j]
			if q.Remote.Address.Equal(p.Remote.Address) && q.Local.Base.Equal(p.Local.Base) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, p)
		}
	}
	cl.pairs = out

	if len(cl.pairs) > maxChecklistSize {
		cl.pairs = cl.pairs[:maxChecklistSize]
	}
}

// unfreezeLowestPerFoundation promotes, for each foundation, the single
// lowest-component-id pair from Frozen to Waiting.
func (cl *Checklist) unfreezeLowestPerFoundation() {
	seen := make(map[string]bool)
	for _, p := range cl.pairs {
		if p.State != Frozen {
			seen[p.Foundation] = true
		}
	}
	for _, p := range cl.pairs {
		if p.State == Frozen && !seen[p.Foundation] {
			p.State = Waiting
			seen[p.Foundation] = true
		}
	}
}

// unfreezeFoundation moves every Frozen pair sharing foundation to
// Waiting, called when a pair of that foundation succeeds.
func (cl *Checklist) unfreezeFoundation(foundation string) {
	for _, p := range cl.pairs {
		if p.State == Frozen && p.Foundation == foundation {
			p.State = Waiting
		}
	}
}

// nextCheck selects the next pair to check: a triggered entry first, then
// the highest-priority Waiting pair, then the highest-priority unblocked
// Frozen pair.
func (cl *Checklist) nextCheck() *Pair {
	if len(cl.triggered) > 0 {
		p := cl.triggered[0]
		cl.triggered = cl.triggered[1:]
		return p
	}

	for _, p := range cl.pairs {
		if p.State == Waiting {
			return p
		}
	}

	lowestPerFoundation := make(map[string]bool)
	for _, p := range cl.pairs {
		if p.State != Frozen {
			lowestPerFoundation[p.Foundation] = true
		}
	}
	for _, p := range cl.pairs {
		if p.State == Frozen && !lowestPerFoundation[p.Foundation] {
			return p
		}
	}

	return nil
}

func (cl *Checklist) triggerCheck(p *Pair) {
	if p.State == Failed || p.State == InProgress {
		return
	}
	for _, q := range cl.triggered {
		if q == p {
			return
		}
	}
	cl.triggered = append(cl.triggered, p)
}

// exhausted reports whether every pair has left Frozen/Waiting/InProgress,
// meaning no further progress is possible and the component should fail.
func (cl *Checklist) exhausted() bool {
	for _, p := range cl.pairs {
		if p.State == Frozen || p.State == Waiting || p.State == InProgress {
			return false
		}
	}
	return true
}

func (cl *Checklist) componentPairs(component int) []*Pair {
	var out []*Pair
	for _, p := range cl.pairs {
		if p.Component == component {
			out = append(out, p)
		}
	}
	return out
}

// bestNominatedPair returns the highest (controlling-priority) nominated pair
// for component, or nil.
func (cl *Checklist) bestNominatedPair(component int, controlling bool) *Pair {
	var best *Pair
	for _, p := range cl.pairs {
		if p.Component != component || !p.Nominated {
			continue
		}
		if best == nil || p.Priority(controlling) > best.Priority(controlling) {
			best = p
		}
	}
	return best
}

// bestSucceededPair returns the highest-priority Succeeded pair for
// component, used by regular-mode nomination.
func (cl *Checklist) bestSucceededPair(component int, controlling bool) *Pair {
	var best *Pair
	for _, p := range cl.pairs {
		if p.Component != component || p.State != Succeeded {
			continue
		}
		if best == nil || p.Priority(controlling) > best.Priority(controlling) {
			best = p
		}
	}
	return best
}

// findPairByAddresses returns the pair whose local base and remote address
// match, used to correlate an incoming Binding request against an existing
// pair before minting a peer-reflexive candidate.
func (cl *Checklist) findPairByAddresses(localBase, remote stun.Address) *Pair {
	for _, p := range cl.pairs {
		if p.Local.Base.Equal(localBase) && p.Remote.Address.Equal(remote) {
			return p
		}
	}
	return nil
}

// reset clears all pairs, used by ICE restart.
func (cl *Checklist) reset() {
	cl.pairs = nil
	cl.triggered = nil
	cl.nextToCheck = 0
	cl.checksSent = 0
}

// Controlling reports the stream's current role. It lives on Stream rather
// than Checklist because role can flip mid-session (role conflict) and is
// shared with request-emission code outside the checklist.
func (s *Stream) Controlling() bool {
	return s.controlling
}
