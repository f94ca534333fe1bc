// Package urp implements the wire protocol and runtime for URP ("micro
// RPC"), a bidirectional, message-oriented remote procedure protocol that
// multiplexes many logical channels over a single byte-oriented transport.
//
// A channel carries one call whose response is a potentially empty,
// potentially multi-valued sequence of return values and/or typed errors,
// followed by a terminator. Both endpoints speak the same framing and can
// originate channels; the client role originates calls, the server role
// dispatches them into locally registered methods.
//
// This package covers the wire protocol and its runtime: framing and
// message packing ([Decoder]), channel multiplexing and identifier
// allocation ([ChannelTable]), the call/response/cancel state machine,
// backpressure against the transport ([BackpressureGate]), and the
// server-side dispatcher ([MethodRegistry], [Server]) that adapts single-value,
// multi-value, and mixed synchronous/asynchronous method shapes onto the
// same response protocol.
//
// Transport establishment, process-level stdio redirection, and
// registration syntax sugar are deliberately thin: the core consumes a
// bidirectional byte stream plus a method registry, and exposes
// channel-oriented primitives to callers.
package urp
