package urp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendCall(t *testing.T, conn net.Conn, channelID uint64, method string, args Args) {
	t.Helper()
	b, err := packPacket(channelID, Call, method, args, int64(NoLogLevel))
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func readPackets(t *testing.T, conn net.Conn, count int, timeout time.Duration) []*packet {
	t.Helper()

	var d Decoder
	var out []*packet
	conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 4096)
	for len(out) < count {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		msgs, err := d.Feed(buf[:n])
		require.NoError(t, err)
		for _, m := range msgs {
			require.False(t, m.isText())
			out = append(out, m.packet)
		}
	}
	return out
}

func TestServerDispatchesPlainMethodAndTerminates(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	registry := NewMethodRegistry()
	registry.RegisterPlain("example.echo", func(ctx context.Context, args Args) (any, error) {
		return args["value"], nil
	})

	srv := NewServer(serverSide, registry)
	go srv.Run()

	sendCall(t, peerSide, 1, "example.echo", Args{"value": "hi"})

	pkts := readPackets(t, peerSide, 2, time.Second)
	require.Len(t, pkts, 2)
	assert.Equal(t, Return, pkts[0].msgType)
	assert.Equal(t, "hi", pkts[0].payload[0])
	assert.Equal(t, Shoosh, pkts[1].msgType)
}

func TestServerDispatchesIteratorMethod(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	registry := NewMethodRegistry()
	registry.RegisterIterator("example.count", func(ctx context.Context, args Args, emit EmitFunc) error {
		for i := 0; i < 3; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})

	srv := NewServer(serverSide, registry)
	go srv.Run()

	sendCall(t, peerSide, 1, "example.count", Args{})

	pkts := readPackets(t, peerSide, 4, time.Second)
	require.Len(t, pkts, 4)
	assert.Equal(t, []any{0, 1, 2}, []any{pkts[0].payload[0], pkts[1].payload[0], pkts[2].payload[0]})
	assert.Equal(t, Shoosh, pkts[3].msgType)
}

func TestServerUnknownMethodSendsNotAMethod(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	registry := NewMethodRegistry()
	srv := NewServer(serverSide, registry)
	go srv.Run()

	sendCall(t, peerSide, 1, ".NotRegistered", Args{})

	pkts := readPackets(t, peerSide, 2, time.Second)
	require.Len(t, pkts, 2)
	assert.Equal(t, Error, pkts[0].msgType)
	assert.Equal(t, NotAMethodError, pkts[0].payload[0])
	assert.Equal(t, Shoosh, pkts[1].msgType)
}

func TestServerMethodErrorReifiesApplicationError(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	registry := NewMethodRegistry()
	registry.RegisterPlain("example.fail", func(ctx context.Context, args Args) (any, error) {
		return nil, NewApplicationError("BoomError", "kaboom")
	})

	srv := NewServer(serverSide, registry)
	go srv.Run()

	sendCall(t, peerSide, 1, "example.fail", Args{})

	pkts := readPackets(t, peerSide, 2, time.Second)
	require.Len(t, pkts, 2)
	assert.Equal(t, Error, pkts[0].msgType)
	assert.Equal(t, "BoomError", pkts[0].payload[0])
	assert.Equal(t, Shoosh, pkts[1].msgType)
}

func TestServerInboundShooshCancelsRunningMethod(t *testing.T) {
	serverSide, peerSide := net.Pipe()
	defer serverSide.Close()
	defer peerSide.Close()

	started := make(chan struct{})
	cancelledSeen := make(chan struct{})

	registry := NewMethodRegistry()
	registry.RegisterIterator("example.forever", func(ctx context.Context, args Args, emit EmitFunc) error {
		close(started)
		<-ctx.Done()
		close(cancelledSeen)
		return ctx.Err()
	})

	srv := NewServer(serverSide, registry)
	go srv.Run()

	sendCall(t, peerSide, 1, "example.forever", Args{})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("method never started")
	}

	b, err := packPacket(1, Shoosh)
	require.NoError(t, err)
	_, err = peerSide.Write(b)
	require.NoError(t, err)

	select {
	case <-cancelledSeen:
	case <-time.After(time.Second):
		t.Fatal("method never observed cancellation")
	}

	pkts := readPackets(t, peerSide, 1, time.Second)
	require.Len(t, pkts, 1)
	assert.Equal(t, Shoosh, pkts[0].msgType)
}
