package urp

import "fmt"

// MsgType identifies the form of a packet's second array element. The
// numeric values are wire-stable and must never be renumbered.
type MsgType uint8

const (
	// Shoosh is the channel terminator / cancellation packet. Either end
	// may send it; it carries no payload.
	Shoosh MsgType = 0

	// Call is sent client to server to start a method invocation.
	// Payload: name string, args map[string]any, logLevel int.
	Call MsgType = 1

	// Return is sent server to client for each produced value.
	// Payload: value any.
	Return MsgType = 2

	// Error is sent server to client when a method raises.
	// Payload: name string, additional any.
	Error MsgType = 3

	// Log is sent server to client for out-of-band log records.
	// Payload: group string, level int, message string.
	Log MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case Shoosh:
		return "Shoosh"
	case Call:
		return "Call"
	case Return:
		return "Return"
	case Error:
		return "Error"
	case Log:
		return "Log"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// LogLevel is an advisory severity carried on a Call or a Log packet. The
// protocol never filters on it; it is purely informative.
type LogLevel int

const (
	LevelTrace    LogLevel = 0
	LevelDebug    LogLevel = 10
	LevelVerbose  LogLevel = 20
	LevelInfo     LogLevel = 30
	LevelWarning  LogLevel = 40
	LevelError    LogLevel = 50
	LevelCritical LogLevel = 60

	// NoLogLevel is the sentinel log_level sent on calls that did not ask
	// for any particular filtering. It carries no semantics beyond
	// "unspecified".
	NoLogLevel LogLevel = 999
)

// Args is the keyword-argument mapping carried by a Call packet.
type Args map[string]any

// packet is a decoded [channel_id, msg_type, ...payload] array, as
// produced by the streaming decoder and consumed by the protocol core.
type packet struct {
	channelID uint64
	msgType   MsgType
	payload   []any
}

// textFrame is a bare top-level string: unassociated, unstructured log
// text that is not part of any channel.
type textFrame struct {
	text string
}

// message is the sum type yielded by Decoder.Feed: either a packet bound
// for a channel, or a free-standing textFrame.
type message struct {
	packet *packet
	text   *textFrame
}

func (m message) isText() bool { return m.text != nil }
