package urp

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedInput is wrapped into errors returned by Decoder.Feed when the
// input stream does not decode as a sequence of MessagePack values, or a
// decoded value is not a packet or text frame.
var ErrMalformedInput = errors.New("urp: malformed input stream")

// countingReader wraps a bytes.Reader and records how many bytes the
// MessagePack decoder actually consumed, so a partial final value can be put
// back for the next Feed call. It implements io.ByteScanner so that the
// decoder reads from it directly instead of through a read-ahead buffer,
// which would otherwise count bytes the decoder never consumed.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += n
	return n, err
}

func (cr *countingReader) ReadByte() (byte, error) {
	b, err := cr.r.ReadByte()
	if err == nil {
		cr.n++
	}
	return b, err
}

func (cr *countingReader) UnreadByte() error {
	err := cr.r.UnreadByte()
	if err == nil {
		cr.n--
	}
	return err
}

// Decoder turns a byte stream into a sequence of decoded messages. It is not
// safe for concurrent use; a connection owns exactly one Decoder and feeds it
// from a single reader goroutine.
//
// The wire carries no length prefixes, so Decoder buffers bytes across Feed
// calls until at least one full MessagePack value is available, and leaves
// any trailing partial value buffered for the next call.
type Decoder struct {
	buf []byte
}

// Feed appends b to the internal buffer and decodes as many complete
// messages as are available. It returns the messages decoded so far even
// when it also returns a non-nil error, since everything before the bad byte
// was valid.
func (d *Decoder) Feed(b []byte) ([]message, error) {
	if len(b) > 0 {
		d.buf = append(d.buf, b...)
	}

	var out []message

	for len(d.buf) > 0 {
		cr := &countingReader{r: bytes.NewReader(d.buf)}
		dec := msgpack.NewDecoder(cr)

		v, err := dec.DecodeInterface()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Incomplete final value; wait for more bytes.
				break
			}
			return out, errors.Wrap(ErrMalformedInput, err.Error())
		}

		d.buf = d.buf[cr.n:]

		msg, err := messageFromValue(v)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}

	return out, nil
}

// messageFromValue converts a value decoded off the wire into a packet or
// text frame. Per the framing rules, a bare string is a text frame and
// anything else must be a [channel_id, msg_type, ...payload] array.
func messageFromValue(v any) (message, error) {
	if s, ok := v.(string); ok {
		return message{text: &textFrame{text: s}}, nil
	}

	arr, ok := v.([]any)
	if !ok {
		return message{}, errors.Wrapf(ErrMalformedInput, "top-level value is %T, want string or array", v)
	}
	if len(arr) < 2 {
		return message{}, errors.Wrapf(ErrMalformedInput, "packet array has %d elements, want at least 2", len(arr))
	}

	channelID, ok := toUint64(arr[0])
	if !ok {
		return message{}, errors.Wrapf(ErrMalformedInput, "channel id is %T, want unsigned integer", arr[0])
	}

	rawType, ok := toUint64(arr[1])
	if !ok {
		return message{}, errors.Wrapf(ErrMalformedInput, "msg type is %T, want unsigned integer", arr[1])
	}

	return message{packet: &packet{
		channelID: channelID,
		msgType:   MsgType(rawType),
		payload:   arr[2:],
	}}, nil
}

// toUint64 coerces the integer types msgpack.DecodeInterface may produce
// (int8/16/32/64, uint8/16/32/64, int) into a uint64, rejecting negative
// values and non-integers.
func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int16:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int8:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// packPacket encodes a channel's [channel_id, msg_type, ...payload] array as
// MessagePack bytes ready to write to the transport.
func packPacket(channelID uint64, msgType MsgType, payload ...any) ([]byte, error) {
	arr := make([]any, 0, 2+len(payload))
	arr = append(arr, channelID, uint8(msgType))
	arr = append(arr, payload...)

	b, err := msgpack.Marshal(arr)
	if err != nil {
		return nil, errors.Wrap(err, "urp: pack packet")
	}
	return b, nil
}

// packText encodes a bare text frame as MessagePack bytes.
func packText(text string) ([]byte, error) {
	b, err := msgpack.Marshal(text)
	if err != nil {
		return nil, errors.Wrap(err, "urp: pack text frame")
	}
	return b, nil
}
