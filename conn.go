package urp

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/minecraft-podman/urp/internal/pool"
	"github.com/minecraft-podman/urp/internal/pragma"
)

// ErrConnectionLost is the cause reported to in-flight channels and the
// connection's own Wait caller when the transport is closed or reports EOF
// without either side having sent a protocol-level shutdown.
var ErrConnectionLost = errors.New("urp: connection lost")

// readBufPool recycles the read buffer each Conn.Run uses for all of its
// transport reads, shared across every connection in the process.
var readBufPool = pool.NewSlicePool[[]byte, byte](64, 64*1024)

const readBufSize = 32 * 1024

// Handler receives the events a Conn has no opinion on of its own: a
// free-standing text frame not associated with any channel, and a packet
// addressed to a channel id the ChannelTable doesn't yet know about (the
// remote peer originating a new channel).
type Handler interface {
	// OnText is called for every inbound text frame.
	OnText(text string)

	// OnNewChannel is called for the first packet seen on a channel id
	// this side did not allocate itself. The handler is responsible for
	// registering a channelEntry (directly or indirectly) before
	// returning, and for handling pkt itself: it will not be delivered
	// again.
	OnNewChannel(channelID uint64, pkt *packet)
}

// Conn is the protocol core shared by the client and server roles: it owns
// the framing codec and the single reader goroutine, serializes outgoing
// writes through a BackpressureGate, and routes inbound packets through a
// ChannelTable. Role-specific behavior (originating calls, dispatching to
// registered methods) lives in Client and Server, which both hold a *Conn.
type Conn struct {
	noCopy pragma.DoNotCopy

	rw       io.ReadWriteCloser
	dec      Decoder
	gate     *BackpressureGate
	channels *ChannelTable
	handler  Handler

	closeOnce sync.Once
	closed    chan struct{}
	err       error

	onProtocolError func(error)
}

// NewConn wires a Conn around an already-established bidirectional byte
// stream. The ChannelTable and Handler are supplied by the caller so that
// Client and Server can share this type while keeping their own channel
// entry and dispatch semantics.
func NewConn(rw io.ReadWriteCloser, channels *ChannelTable, handler Handler) *Conn {
	c := &Conn{
		rw:       rw,
		channels: channels,
		handler:  handler,
		closed:   make(chan struct{}),
	}
	c.gate = NewBackpressureGate(func(b []byte) error {
		_, err := rw.Write(b)
		return err
	})
	return c
}

// Run reads from the transport until it errors or returns EOF, dispatching
// every decoded message to the channel table or the handler. It blocks the
// calling goroutine and returns the error that ended the loop; the caller
// is expected to run it in its own goroutine. Run always leaves the Conn
// shut down by the time it returns.
func (c *Conn) Run() error {
	buf := readBufPool.Get()
	if buf == nil {
		buf = make([]byte, readBufSize)
	}
	defer readBufPool.Put(buf)

	for {
		n, readErr := c.rw.Read(buf)

		if n > 0 {
			msgs, decErr := c.dec.Feed(buf[:n])
			for _, m := range msgs {
				c.dispatch(m)
			}
			if decErr != nil {
				c.shutdown(decErr)
				return decErr
			}
		}

		if readErr != nil {
			cause := readErr
			if errors.Is(readErr, io.EOF) {
				cause = ErrConnectionLost
			}
			c.shutdown(cause)
			return cause
		}
	}
}

func (c *Conn) dispatch(m message) {
	if m.isText() {
		debug("recv text frame: %q", m.text.text)
		c.handler.OnText(m.text.text)
		return
	}

	pkt := m.packet
	debug("recv packet: channel=%d type=%s", pkt.channelID, pkt.msgType)
	if c.channels.Deliver(pkt) {
		return
	}
	c.handler.OnNewChannel(pkt.channelID, pkt)
}

// SendPacket frames and writes a [channel_id, msg_type, ...payload] packet.
// It is safe to call concurrently from multiple goroutines; writes are
// serialized, and queued rather than rejected, by the BackpressureGate.
func (c *Conn) SendPacket(channelID uint64, msgType MsgType, payload ...any) error {
	b, err := packPacket(channelID, msgType, payload...)
	if err != nil {
		return err
	}
	return c.gate.Write(b)
}

// SendText frames and writes a free-standing text frame.
func (c *Conn) SendText(text string) error {
	b, err := packText(text)
	if err != nil {
		return err
	}
	return c.gate.Write(b)
}

// SetProtocolErrorHandler registers fn to be called, at most once, with the
// cause when the connection shuts down for any reason (transport loss,
// malformed input, or an explicit Close). It must be called before Run.
func (c *Conn) SetProtocolErrorHandler(fn func(error)) {
	c.onProtocolError = fn
}

// Pause stops outgoing packets from reaching the transport until Resume is
// called; see BackpressureGate.
func (c *Conn) Pause() { c.gate.Pause() }

// Resume releases any outgoing packets queued since Pause.
func (c *Conn) Resume() error { return c.gate.Resume() }

// Close shuts the connection down with ErrConnectionLost as the cause and
// closes the underlying transport.
func (c *Conn) Close() error {
	c.shutdown(ErrConnectionLost)
	return c.rw.Close()
}

// Wait blocks until the connection has shut down, for any reason, and
// returns the cause. It may be called concurrently from multiple
// goroutines.
func (c *Conn) Wait() error {
	<-c.closed
	return c.err
}

// shutdown tears the connection down exactly once: it shuts the outgoing
// gate and aborts every still-open channel with cause, then unblocks Wait.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.gate.Shutdown(cause)
		c.channels.CloseAll(cause)
		close(c.closed)
		if c.onProtocolError != nil {
			c.onProtocolError(cause)
		}
	})
}
