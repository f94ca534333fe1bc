package urp

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/minecraft-podman/urp/internal/pragma"
	"github.com/minecraft-podman/urp/internal/syncmap"
)

// ErrChannelTableClosed is the abort cause delivered to every still-open
// entry if CloseAll was not given a more specific cause. Open and Register
// report a closed table by returning false, not with this error.
var ErrChannelTableClosed = errors.New("urp: channel table closed")

// channelEntry is implemented by whatever per-channel state a role keeps in
// a ChannelTable: a pull-based response sequence on the client side, a
// per-channel state machine on the server side. A ChannelTable only needs
// to route packets to the right entry and tear every entry down together
// when the connection is lost; it has no opinion on what an entry does with
// a delivered packet.
type channelEntry interface {
	// deliver hands an inbound packet addressed to this channel to the
	// entry. It is called from the connection's single reader goroutine
	// and must not block indefinitely.
	deliver(pkt *packet)

	// abort is called when the connection is lost or the table is closed
	// before the channel reached a terminal state on its own. It may run
	// concurrently with a deliver call from the reader goroutine.
	abort(err error)
}

// ChannelTable multiplexes channels over one connection. Channel
// identifiers are allocated monotonically by Open and are never reused
// within the table's lifetime, even after the channel they named has
// closed: this avoids the allocate/in-flight-race a recycling scheme would
// need to guard against when a Shoosh for an old id crosses an Open for a
// reused one on the wire.
//
// A ChannelTable is safe for use by multiple goroutines simultaneously.
type ChannelTable struct {
	noCopy pragma.DoNotCopy

	nextID  atomic.Uint64
	entries syncmap.Map[uint64, channelEntry]

	mu     sync.Mutex
	closed bool
	cause  error
}

// NewChannelTable returns an empty, open ChannelTable.
func NewChannelTable() *ChannelTable {
	return &ChannelTable{}
}

// Open allocates a fresh, never-before-used channel id, registers entry
// under it, and returns the id. It fails once the table has been closed.
func (t *ChannelTable) Open(entry channelEntry) (id uint64, ok bool) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return 0, false
	}

	id = t.nextID.Add(1)
	t.entries.Store(id, entry)

	// CloseAll may have run concurrently with the Add/Store above; make
	// sure a just-closed table doesn't leave this entry stranded with no
	// abort ever delivered to it.
	t.mu.Lock()
	closed = t.closed
	cause := t.cause
	t.mu.Unlock()
	if closed {
		if _, ok := t.entries.LoadAndDelete(id); ok {
			entry.abort(cause)
		}
		return id, false
	}

	return id, true
}

// Register associates entry with a specific id, as used on the server side
// where the id is assigned by the remote peer's Open, not by this table.
// It fails if id is already registered or the table is closed.
func (t *ChannelTable) Register(id uint64, entry channelEntry) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}

	_, loaded := t.entries.LoadOrStore(id, entry)
	return !loaded
}

// Deliver routes pkt to the entry registered under its channel id. It
// reports whether an entry was found.
func (t *ChannelTable) Deliver(pkt *packet) bool {
	entry, ok := t.entries.Load(pkt.channelID)
	if !ok {
		return false
	}
	entry.deliver(pkt)
	return true
}

// Remove drops the entry for id, as called once a channel reaches a
// terminal state on its own (Shoosh sent and received in both directions).
func (t *ChannelTable) Remove(id uint64) {
	t.entries.Delete(id)
}

// CloseAll closes the table to further Open and Register calls and aborts
// every entry still registered, concurrently with any deliver calls racing
// in from the reader goroutine. CloseAll is idempotent; only the first
// call's cause is used.
func (t *ChannelTable) CloseAll(cause error) {
	if cause == nil {
		cause = ErrChannelTableClosed
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cause = cause
	t.mu.Unlock()

	t.entries.Range(func(id uint64, entry channelEntry) bool {
		t.entries.Delete(id)
		entry.abort(cause)
		return true
	})
}
