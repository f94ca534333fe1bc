package urp

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/minecraft-podman/urp/internal/pragma"
)

// ErrGateShutdown is the error wrapped into what Write and Resume return
// when called against a BackpressureGate after Shutdown.
var ErrGateShutdown = errors.New("urp: backpressure gate shut down")

// WriteFunc performs the underlying write of one already-framed message. It
// is called with the gate's internal lock held only long enough to dequeue
// the write; the call itself runs unlocked.
type WriteFunc func(b []byte) error

// BackpressureGate serializes writes to a WriteFunc and allows them to be
// paused: while paused, writes queue up in the order submitted instead of
// reaching the underlying WriteFunc, and are released in that same order
// once Resume is called. This lets a server stall outgoing traffic on one
// connection (e.g. while a slow consumer catches up) without dropping or
// reordering messages, mirroring the ordering guarantee packetManager gives
// the SFTP wire protocol.
//
// A BackpressureGate is safe for use by multiple goroutines simultaneously.
type BackpressureGate struct {
	noCopy pragma.DoNotCopy

	write WriteFunc

	mu       sync.Mutex
	paused   bool
	shutdown bool
	cause    error
	queue    [][]byte
}

// NewBackpressureGate returns a gate that calls write for every unpaused
// Write call, in submission order.
func NewBackpressureGate(write WriteFunc) *BackpressureGate {
	return &BackpressureGate{write: write}
}

// Write submits b to be written. If the gate is running, write is invoked
// immediately (still serialized against concurrent Write calls). If the gate
// is paused, b is appended to the FIFO queue and released in order on
// Resume. After Shutdown, Write returns ErrGateShutdown annotated with the
// shutdown cause's message, without queuing.
func (g *BackpressureGate) Write(b []byte) error {
	g.mu.Lock()

	if g.shutdown {
		cause := g.cause
		g.mu.Unlock()
		return errors.Wrap(ErrGateShutdown, cause.Error())
	}

	if g.paused {
		g.queue = append(g.queue, b)
		g.mu.Unlock()
		return nil
	}

	g.mu.Unlock()
	return g.write(b)
}

// Pause stops the gate from forwarding further writes to the underlying
// WriteFunc until Resume is called. Writes submitted while paused are
// queued, not dropped.
func (g *BackpressureGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown {
		return
	}
	g.paused = true
}

// Resume releases any queued writes, in the order they were submitted, and
// lets subsequent Write calls reach the underlying WriteFunc directly again.
// The first queued write that errors stops the release and is returned;
// Resume may be called again to retry the remainder.
func (g *BackpressureGate) Resume() error {
	g.mu.Lock()
	if g.shutdown {
		cause := g.cause
		g.mu.Unlock()
		return errors.Wrap(ErrGateShutdown, cause.Error())
	}

	pending := g.queue
	g.queue = nil
	g.paused = false
	g.mu.Unlock()

	for i, b := range pending {
		if err := g.write(b); err != nil {
			g.mu.Lock()
			// Put back whatever we did not manage to flush, and
			// re-pause so a caller can decide how to recover.
			g.queue = append(pending[i+1:], g.queue...)
			g.paused = true
			g.mu.Unlock()
			return err
		}
	}

	return nil
}

// Shutdown permanently disables the gate. Any further Write or Resume call
// returns ErrGateShutdown annotated with cause's message. Shutdown is
// idempotent; only the first
// call's cause is retained. Queued writes at the time of shutdown are
// discarded: they address a peer the connection has already given up on.
func (g *BackpressureGate) Shutdown(cause error) {
	if cause == nil {
		cause = ErrGateShutdown
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.shutdown {
		return
	}
	g.shutdown = true
	g.cause = cause
	g.queue = nil
}

// IsShutdown reports whether Shutdown has already been called, and if so,
// returns its cause.
func (g *BackpressureGate) IsShutdown() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.shutdown, g.cause
}
