package urp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minecraft-podman/urp/internal/pool"
)

// defaultServerConcurrency bounds how many channels a Server dispatches to
// registered methods at once, the same role SftpServerWorkerCount plays for
// pkg-sftp's request workers: protection against one connection spawning
// unbounded goroutines if a peer opens channels faster than methods finish.
const defaultServerConcurrency = 64

// serverChannelState names the lifecycle of a single server-side channel.
// The reference server collapses this into an unreachable combination of
// asyncio.gather and a dead code path after it (flagged as a bug to fix);
// here the states are explicit and the terminal Shoosh is always sent.
type serverChannelState int

const (
	// serverChannelIdle is set the instant a channel is registered, before
	// its method has started running.
	serverChannelIdle serverChannelState = iota

	// serverChannelRunning is set once the registered method has been
	// started on its own goroutine.
	serverChannelRunning

	// serverChannelTerminating is set once the method has returned on its
	// own and the server is sending its terminal Error (if any) and Shoosh;
	// Return values have already been sent while the method ran.
	serverChannelTerminating

	// serverChannelCancelling is set once an inbound Shoosh or a
	// connection shutdown has requested early cancellation, while the
	// method is still unwinding.
	serverChannelCancelling

	// serverChannelClosed is set once the channel's terminal Shoosh has
	// been sent (or skipped because the connection is already gone) and
	// the entry has been removed from the channel table.
	serverChannelClosed
)

func (s serverChannelState) String() string {
	switch s {
	case serverChannelIdle:
		return "idle"
	case serverChannelRunning:
		return "running"
	case serverChannelTerminating:
		return "terminating"
	case serverChannelCancelling:
		return "cancelling"
	case serverChannelClosed:
		return "closed"
	default:
		return fmt.Sprintf("serverChannelState(%d)", int(s))
	}
}

// serverChannel is the channelEntry registered for every channel the
// remote peer originates with a Call.
type serverChannel struct {
	id      uint64
	inbound chan *packet

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	state serverChannelState
}

func newServerChannel(parent context.Context, id uint64) *serverChannel {
	ctx, cancel := context.WithCancelCause(parent)
	return &serverChannel{
		id:      id,
		inbound: make(chan *packet, 4),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (ch *serverChannel) setState(s serverChannelState) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// State reports the channel's current lifecycle state.
func (ch *serverChannel) State() serverChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *serverChannel) deliver(pkt *packet) {
	select {
	case ch.inbound <- pkt:
	case <-ch.ctx.Done():
	}
}

func (ch *serverChannel) abort(err error) {
	ch.cancel(err)
}

// serverHandler implements Handler for the server role: free-standing text
// is handed to an optional user callback, and a packet on an unregistered
// channel id is the start of a newly called method.
type serverHandler struct {
	server *Server
	onText func(text string)
}

func (h *serverHandler) OnText(text string) {
	if h.onText != nil {
		h.onText(text)
	}
}

func (h *serverHandler) OnNewChannel(channelID uint64, pkt *packet) {
	h.server.acceptChannel(channelID, pkt)
}

// Server is the dispatching role of the protocol: each channel the remote
// peer opens carries one Call, which Server resolves against a
// MethodRegistry and runs to completion (or cancellation) on its own
// goroutine.
type Server struct {
	conn     *Conn
	channels *ChannelTable
	registry *MethodRegistry

	rootCtx    context.Context
	rootCancel context.CancelFunc

	work *pool.WorkPool[struct{}]
	wg   sync.WaitGroup
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

type serverConfig struct {
	handler         *serverHandler
	concurrency     int
	onProtocolError func(error)
}

// WithServerTextHandler registers a callback invoked for every inbound
// free-standing text frame.
func WithServerTextHandler(fn func(text string)) ServerOption {
	return func(cfg *serverConfig) { cfg.handler.onText = fn }
}

// WithServerConcurrency overrides how many channels are dispatched to
// registered methods at once. The default is defaultServerConcurrency.
func WithServerConcurrency(n int) ServerOption {
	return func(cfg *serverConfig) { cfg.concurrency = n }
}

// WithServerProtocolErrorHandler registers a callback invoked once, with the
// cause, when the connection shuts down for any reason.
func WithServerProtocolErrorHandler(fn func(error)) ServerOption {
	return func(cfg *serverConfig) { cfg.onProtocolError = fn }
}

// NewServer wires a Server around an established bidirectional byte stream
// and a registry of methods to dispatch Calls against. Call Run in its own
// goroutine to begin serving.
func NewServer(rw io.ReadWriteCloser, registry *MethodRegistry, opts ...ServerOption) *Server {
	cfg := &serverConfig{handler: &serverHandler{}, concurrency: defaultServerConcurrency}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		channels: NewChannelTable(),
		registry: registry,
		work:     pool.NewWorkPool[struct{}](cfg.concurrency),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	cfg.handler.server = s
	s.conn = NewConn(rw, s.channels, cfg.handler)
	if cfg.onProtocolError != nil {
		s.conn.SetProtocolErrorHandler(cfg.onProtocolError)
	}
	return s
}

// Run processes inbound traffic, dispatching each newly opened channel's
// Call to a goroutine of its own, until the connection is lost. It blocks
// the calling goroutine; run it in its own goroutine.
func (s *Server) Run() error {
	err := s.conn.Run()
	s.rootCancel()
	s.wg.Wait()
	return err
}

// Close shuts the connection down, cancels every in-flight method
// invocation, and waits for their goroutines to finish.
func (s *Server) Close() error {
	err := s.conn.Close()
	s.rootCancel()
	s.wg.Wait()
	return err
}

// Wait blocks until the connection has shut down and returns the cause.
func (s *Server) Wait() error {
	return s.conn.Wait()
}

// SendText sends a free-standing text frame, outside of any channel.
func (s *Server) SendText(text string) error {
	return s.conn.SendText(text)
}

func (s *Server) acceptChannel(id uint64, pkt *packet) {
	ch := newServerChannel(s.rootCtx, id)

	if !s.channels.Register(id, ch) {
		// OnNewChannel only fires for ids the table doesn't know yet, so
		// this only happens if the peer reused an id within one connection
		// faster than we could register it; drop the packet rather than
		// silently overwriting another channel's entry.
		return
	}

	if pkt.msgType != Call {
		// The first packet on a channel this side didn't originate must
		// be a Call; anything else is a protocol violation from the peer.
		s.channels.Remove(id)
		return
	}

	s.wg.Add(1)
	go s.runChannel(ch, pkt)
}

func (s *Server) runChannel(ch *serverChannel, callPkt *packet) {
	defer s.wg.Done()
	defer s.channels.Remove(ch.id)
	defer ch.cancel(nil)

	slot, ok := s.work.Get()
	if !ok {
		return
	}
	defer s.work.Put(slot)

	name, args := decodeCall(callPkt)
	debug("channel %d: dispatching call to %q", ch.id, name)

	methodCtx, methodCancel := context.WithCancel(ch.ctx)
	defer methodCancel()

	methodDone := make(chan error, 1)
	ch.setState(serverChannelRunning)
	go func() {
		methodDone <- s.registry.Invoke(methodCtx, name, args, func(v any) error {
			return s.conn.SendPacket(ch.id, Return, v)
		})
	}()

	// Explicit three-way select over method completion, an inbound
	// Shoosh cancelling the call, and the channel's own context (driven
	// by connection loss or Server.Close). This replaces the reference
	// server's unreachable combinator with a loop that always reaches a
	// terminal state.
	var methodErr error
	var cancelled bool

loop:
	for {
		select {
		case methodErr = <-methodDone:
			ch.setState(serverChannelTerminating)
			break loop

		case pkt := <-ch.inbound:
			if pkt.msgType == Shoosh {
				ch.setState(serverChannelCancelling)
				cancelled = true
				methodCancel()
				methodErr = <-methodDone
				break loop
			}
			// Any other inbound message on a channel whose Call has
			// already been dispatched is a protocol violation; ignore it
			// and keep waiting for the real terminator.

		case <-ch.ctx.Done():
			ch.setState(serverChannelCancelling)
			cancelled = true
			methodCancel()
			methodErr = <-methodDone
			break loop
		}
	}

	debug("channel %d: done, cancelled=%v err=%v", ch.id, cancelled, methodErr)

	if !cancelled && methodErr != nil {
		errName, additional := errorNameFor(methodErr)
		_ = s.conn.SendPacket(ch.id, Error, errName, additional)
	}

	_ = s.conn.SendPacket(ch.id, Shoosh)
	ch.setState(serverChannelClosed)
}

// decodeCall extracts the method name and keyword arguments from a Call
// packet's payload (name, args, log_level).
func decodeCall(pkt *packet) (name string, args Args) {
	if len(pkt.payload) > 0 {
		name, _ = pkt.payload[0].(string)
	}
	if len(pkt.payload) > 1 {
		switch m := pkt.payload[1].(type) {
		case Args:
			args = m
		case map[string]any:
			args = Args(m)
		}
	}
	if args == nil {
		args = Args{}
	}
	return name, args
}
