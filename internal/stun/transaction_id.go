package stun

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"sync"
)

// tidGenerator produces transaction ids by running an HMAC-SHA1 of a
// monotonic counter under a process-local secret, so that collisions are
// cryptographically implausible without needing a true CSPRNG read on every
// request. It is intentionally process-wide: a
// single instance is initialized lazily and re-seeded whenever its counter
// wraps.
type tidGenerator struct {
	mu      sync.Mutex
	secret  [20]byte
	counter uint64
}

var (
	globalTidOnce      sync.Once
	globalTidGenerator *tidGenerator
)

func newTidGenerator() *tidGenerator {
	g := &tidGenerator{}
	g.reseed()
	return g
}

func (g *tidGenerator) reseed() {
	rand.Read(g.secret[:])
	g.counter = 0
}

// Next returns the next transaction id in the sequence.
func (g *tidGenerator) Next() TransactionID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counter == ^uint64(0) {
		// Counter wrapped: re-seed so that future ids don't repeat under the
		// stale secret.
		g.reseed()
	}
	g.counter++

	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], g.counter)

	mac := hmac.New(sha1.New, g.secret[:])
	mac.Write(ctr[:])
	sum := mac.Sum(nil)

	var tid TransactionID
	copy(tid[:], sum[:12])
	return tid
}

// NewTransactionID returns a fresh process-wide-unique transaction id.
func NewTransactionID() TransactionID {
	globalTidOnce.Do(func() { globalTidGenerator = newTidGenerator() })
	return globalTidGenerator.Next()
}
