package capture

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// reentrantMutex allows the owning goroutine to re-acquire the lock. Capture
// state is mutated from interception callbacks that can themselves trigger
// further reads or imports on the same goroutine; a plain mutex would
// self-deadlock there.
type reentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int32
}

func (m *reentrantMutex) Lock() {
	id := goroutineID()
	if m.owner.Load() == id {
		m.depth++
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth = 1
}

func (m *reentrantMutex) Unlock() {
	m.depth--
	if m.depth == 0 {
		m.owner.Store(0)
		m.mu.Unlock()
	}
}

// goroutineID parses the current goroutine's id from its stack header
// ("goroutine 123 [running]:"). Only used for re-entrancy ownership.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
