package ice

import (
	"runtime"
	"strconv"
	"sync"
)

// recursiveMutex is the "small critical-section guard with a 'we already
// hold it' check" called for by the Design Notes: the agent's own public
// operations may be invoked from any thread, but internal callbacks
// (HandlePacket driven synchronously by a Socket.SendTo the agent itself
// just issued, or a consumer's signal handler calling back into the agent
// from inside emit) legitimately re-enter while the same goroutine already
// holds the lock. A plain sync.Mutex self-deadlocks in that case; this
// tracks the owning goroutine so a re-entrant Lock from the same goroutine
// is a no-op nesting increment, while a genuine concurrent caller on
// another goroutine still blocks until the outermost Unlock releases the
// token.
type recursiveMutex struct {
	sem   chan struct{}
	state sync.Mutex
	owner int64
	depth int
}

func newRecursiveMutex() *recursiveMutex {
	return &recursiveMutex{sem: make(chan struct{}, 1)}
}

// Lock acquires the guard, or increments the nesting depth if the calling
// goroutine already holds it.
func (m *recursiveMutex) Lock() {
	id := currentGoroutineID()

	m.state.Lock()
	if m.depth > 0 && m.owner == id {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.sem <- struct{}{}

	m.state.Lock()
	m.owner = id
	m.depth = 1
	m.state.Unlock()
}

// Unlock releases one nesting level, releasing the guard entirely once the
// outermost Lock's matching Unlock is reached.
func (m *recursiveMutex) Unlock() {
	m.state.Lock()
	defer m.state.Unlock()

	if m.depth == 0 || m.owner != currentGoroutineID() {
		panic("ice: Unlock of recursiveMutex not held by calling goroutine")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		<-m.sem
	}
}

// currentGoroutineID extracts the calling goroutine's id from its stack
// trace header ("goroutine 123 [running]:"). It exists solely so the
// recursive guard above can recognize re-entrant calls from the same
// goroutine; it is never used for scheduling decisions.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	const prefix = "goroutine "
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			s = s[:i]
			break
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return id
}
