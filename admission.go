package htcp

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// An admission bounds server load with two independent ceilings: how
// many sockets may be open at once, and how many sessions may be
// dispatching transactions at once.
//
// The open ceiling is enforced at accept time: a connection beyond it
// is refused outright, with no handshake. The handling ceiling is a
// counting permit acquired around each dispatch; sessions beyond it
// keep their sockets but wait their turn. Permits are granted in
// first-come-first-served order.
type admission struct {
	mu      sync.Mutex
	open    int
	maxOpen int

	handling *semaphore.Weighted
}

func newAdmission(maxConns, handleConns int) *admission {
	return &admission{
		maxOpen:  maxConns,
		handling: semaphore.NewWeighted(int64(handleConns)),
	}
}

// admit records a newly accepted socket. It reports false if the open
// ceiling has been reached, in which case the caller must close the
// socket and not call release.
func (a *admission) admit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open >= a.maxOpen {
		return false
	}
	a.open++
	return true
}

// release returns an admitted socket's slot. It must be called
// exactly once per successful admit, after the socket closes.
func (a *admission) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open--
}

// active reports the number of currently open admitted sockets.
func (a *admission) active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// beginHandle blocks until a handling permit is available or ctx
// ends. The underlying semaphore grants waiters in FIFO order.
func (a *admission) beginHandle(ctx context.Context) error {
	return a.handling.Acquire(ctx, 1)
}

// endHandle returns a handling permit.
func (a *admission) endHandle() { a.handling.Release(1) }
