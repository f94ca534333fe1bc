package urp

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// cancelShooshGrace is how long ResponseSeq.Close waits for the server's
// own Shoosh to arrive after sending a cancelling Shoosh, before giving up
// and releasing the channel id unconditionally. The reference
// implementation has no such grace period and simply leaks the server-side
// task if the client stops iterating; §9 flags this as worth fixing, and
// this is the fix: bound how long a slow-to-cancel server can hold a
// client-side channel id open.
const cancelShooshGrace = 200 * time.Millisecond

// clientEvent is what the reader goroutine hands a waiting ResponseSeq:
// either an inbound packet, or the terminal error that ended the
// connection before a Shoosh arrived.
type clientEvent struct {
	pkt *packet
	err error
}

// clientChannel is the channelEntry registered for every channel a Client
// originates. It is a small mailbox, mirroring the chan<- result pattern
// pkg-sftp's clientConn uses to hand inbound packets to whichever goroutine
// is waiting on a given request id.
type clientChannel struct {
	ch chan clientEvent
}

func newClientChannel() *clientChannel {
	return &clientChannel{ch: make(chan clientEvent, 16)}
}

func (c *clientChannel) deliver(pkt *packet) {
	c.ch <- clientEvent{pkt: pkt}
}

func (c *clientChannel) abort(err error) {
	c.ch <- clientEvent{err: err}
}

// clientHandler implements Handler for the client role. Clients originate
// every channel they care about, so an inbound packet on an unregistered
// channel id is a protocol violation on the server's part, not a new
// channel to accept; per the reference client's urp_new_channel, it is
// simply dropped.
type clientHandler struct {
	onText          func(text string)
	onProtocolError func(error)
}

func (h *clientHandler) OnText(text string) {
	if h.onText != nil {
		h.onText(text)
	}
}

func (h *clientHandler) OnNewChannel(channelID uint64, pkt *packet) {}

// Client is the calling role of the protocol: it originates channels, each
// carrying one Call, and exposes the response as a lazily pulled
// [ResponseSeq].
type Client struct {
	conn     *Conn
	channels *ChannelTable
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientHandler)

// WithTextHandler registers a callback invoked for every inbound
// free-standing text frame (the reference client writes these to stderr by
// default).
func WithTextHandler(fn func(text string)) ClientOption {
	return func(h *clientHandler) { h.onText = fn }
}

// WithProtocolErrorHandler registers a callback invoked once, with the
// cause, when the connection shuts down for any reason.
func WithProtocolErrorHandler(fn func(error)) ClientOption {
	return func(h *clientHandler) { h.onProtocolError = fn }
}

// NewClient wires a Client around an established bidirectional byte
// stream. Call Run in its own goroutine to begin processing inbound
// traffic before issuing any Call.
func NewClient(rw io.ReadWriteCloser, opts ...ClientOption) *Client {
	h := &clientHandler{}
	for _, opt := range opts {
		opt(h)
	}

	channels := NewChannelTable()
	conn := NewConn(rw, channels, h)
	if h.onProtocolError != nil {
		conn.SetProtocolErrorHandler(h.onProtocolError)
	}
	return &Client{
		conn:     conn,
		channels: channels,
	}
}

// Run processes inbound traffic until the connection is lost. It should be
// run in its own goroutine; Call and the ResponseSeq it returns communicate
// with Run through the channel table.
func (c *Client) Run() error {
	return c.conn.Run()
}

// Close shuts the connection down and aborts every in-flight Call.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Wait blocks until the connection has shut down and returns the cause.
func (c *Client) Wait() error {
	return c.conn.Wait()
}

// SendText sends a free-standing text frame, outside of any channel.
func (c *Client) SendText(text string) error {
	return c.conn.SendText(text)
}

// Call opens a new channel and issues a Call for method with args,
// returning a ResponseSeq the caller pulls values from. Call itself never
// blocks on the response; it only sends the initial Call packet.
func (c *Client) Call(ctx context.Context, method string, args Args) (*ResponseSeq, error) {
	entry := newClientChannel()

	id, ok := c.channels.Open(entry)
	if !ok {
		return nil, errors.Wrap(ErrConnectionLost, "cannot open channel: connection is shut down")
	}

	if err := c.conn.SendPacket(id, Call, method, args, int64(NoLogLevel)); err != nil {
		c.channels.Remove(id)
		return nil, err
	}

	return &ResponseSeq{client: c, channelID: id, entry: entry}, nil
}

func (c *Client) closeChannel(id uint64) {
	c.channels.Remove(id)
}

// ResponseSeq is the lazy, pull-based sequence of values produced by a
// single Call. Each call to Next retrieves the next Return value or
// reified Error; the sequence ends, returning false from Next, when a
// Shoosh arrives or the connection is lost.
type ResponseSeq struct {
	client    *Client
	channelID uint64
	entry     *clientChannel

	value  any
	appErr *ApplicationError
	err    error
	done   bool
}

// Next blocks until the next value is available, the response is
// exhausted, or ctx is done. Once the sequence has ended (Shoosh, connection
// loss, or an unexpected packet), Next keeps returning false and Value and
// Error no longer update; callers must check Err to distinguish a clean
// end-of-sequence (Err returns nil) from one ended by a failure. A false
// return because ctx is done sets Err to ctx's error but does not end the
// sequence: the channel stays open until Close or a later Next reaches its
// end.
func (s *ResponseSeq) Next(ctx context.Context) bool {
	if s.done {
		return false
	}

	for {
		select {
		case ev := <-s.entry.ch:
			if ev.err != nil {
				s.err = ev.err
				s.done = true
				return false
			}

			pkt := ev.pkt
			switch pkt.msgType {
			case Shoosh:
				s.done = true
				s.client.closeChannel(s.channelID)
				return false

			case Return:
				s.value = nil
				if len(pkt.payload) > 0 {
					s.value = pkt.payload[0]
				}
				s.appErr = nil
				return true

			case Error:
				var name string
				if len(pkt.payload) > 0 {
					name, _ = pkt.payload[0].(string)
				}
				var additional any
				if len(pkt.payload) > 1 {
					additional = pkt.payload[1]
				}
				s.appErr = reifyError(name, additional)
				s.value = nil
				return true

			case Log:
				// Out-of-band log records don't end the sequence; pull
				// again for the value or terminator they preceded.
				continue

			default:
				s.err = errors.Errorf("urp: unexpected msg type %s on response channel", pkt.msgType)
				s.done = true
				return false
			}

		case <-ctx.Done():
			s.err = ctx.Err()
			return false
		}
	}
}

// Value returns the most recent Return value yielded by Next. It is only
// meaningful immediately after a Next call returned true with Error() nil.
func (s *ResponseSeq) Value() any {
	return s.value
}

// Error returns the most recent reified Error yielded by Next, or nil if
// the most recent value was a Return.
func (s *ResponseSeq) Error() *ApplicationError {
	return s.appErr
}

// Err returns the error that ended the sequence early: a connection-loss
// or context error. It returns nil after a sequence that ended cleanly via
// Shoosh.
func (s *ResponseSeq) Err() error {
	return s.err
}

// Close abandons the sequence before it has naturally ended: it sends a
// cancelling Shoosh, waits briefly for the server's own Shoosh in reply so
// the channel closes in an orderly way, and otherwise releases the channel
// id unconditionally once cancelShooshGrace has elapsed. Close is a no-op
// if the sequence already ended.
func (s *ResponseSeq) Close() error {
	if s.done {
		return nil
	}

	sendErr := s.client.conn.SendPacket(s.channelID, Shoosh)

	timer := time.NewTimer(cancelShooshGrace)
	defer timer.Stop()

	for {
		select {
		case ev := <-s.entry.ch:
			if ev.err != nil {
				s.done = true
				s.client.closeChannel(s.channelID)
				return sendErr
			}
			if ev.pkt.msgType == Shoosh {
				s.done = true
				s.client.closeChannel(s.channelID)
				return sendErr
			}
			// A Return/Error raced with our cancellation; drain it and
			// keep waiting for the terminator.

		case <-timer.C:
			s.done = true
			s.client.closeChannel(s.channelID)
			return sendErr
		}
	}
}
