package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream() *Stream {
	s := &Stream{ID: 1, Components: map[int]*Component{1: {ID: 1}}}
	s.Checklist = newChecklist(s)
	return s
}

func TestAddCandidatePairsFormsCartesianProduct(t *testing.T) {
	s := newTestStream()

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	l2 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 2, 1000))
	r1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2000))

	s.Checklist.AddCandidatePairs([]*Candidate{l1, l2}, []*Candidate{r1})
	assert.Len(t, s.Checklist.pairs, 2)
}

func TestAddCandidatePairsIsIdempotent(t *testing.T) {
	s := newTestStream()

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	r1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2000))

	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1})
	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1})

	assert.Len(t, s.Checklist.pairs, 1)
}

func TestAddCandidatePairsIgnoresMismatchedComponents(t *testing.T) {
	s := newTestStream()
	s.Components[2] = &Component{ID: 2}

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	r1 := NewHostCandidate(1, 2, UDP, addr(10, 0, 0, 9, 2000))

	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1})
	assert.Empty(t, s.Checklist.pairs)
}

func TestChecklistCapsAtMaxSize(t *testing.T) {
	s := newTestStream()

	var locals, remotes []*Candidate
	for i := 0; i < 12; i++ {
		locals = append(locals, NewHostCandidate(1, 1, UDP, addr(10, 0, 0, byte(i+1), 1000)))
	}
	for i := 0; i < 12; i++ {
		remotes = append(remotes, NewHostCandidate(1, 1, UDP, addr(10, 0, 1, byte(i+1), 2000)))
	}
	// 12*12 = 144 pairs before capping at 100.
	s.Checklist.AddCandidatePairs(locals, remotes)
	assert.LessOrEqual(t, len(s.Checklist.pairs), maxChecklistSize)
}

func TestUnfreezeLowestPerFoundationPromotesOnePerFoundation(t *testing.T) {
	s := newTestStream()

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	r1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2000))
	r2 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2001))

	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1, r2})

	waiting := 0
	for _, p := range s.Checklist.pairs {
		if p.State == Waiting {
			waiting++
		}
	}
	// r1 and r2 share an IP and so a host foundation; both pairs therefore
	// share one pair foundation, and only one is promoted.
	assert.Equal(t, 1, waiting)
}

func TestNextCheckPrefersTriggeredQueue(t *testing.T) {
	s := newTestStream()

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	r1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2000))
	r2 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 10, 2001))
	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1, r2})

	require.NotEmpty(t, s.Checklist.pairs)
	triggered := s.Checklist.pairs[len(s.Checklist.pairs)-1]
	s.Checklist.triggerCheck(triggered)

	next := s.Checklist.nextCheck()
	assert.Equal(t, triggered, next)
}

func TestExhaustedWhenAllPairsSettled(t *testing.T) {
	s := newTestStream()

	l1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 1, 1000))
	r1 := NewHostCandidate(1, 1, UDP, addr(10, 0, 0, 9, 2000))
	s.Checklist.AddCandidatePairs([]*Candidate{l1}, []*Candidate{r1})

	assert.False(t, s.Checklist.exhausted())
	s.Checklist.pairs[0].State = Failed
	assert.True(t, s.Checklist.exhausted())
}
