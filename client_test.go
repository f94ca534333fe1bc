package urp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerReader decodes packets arriving on a net.Conn using the same Decoder
// the production code uses, for test fixtures that play a bare-bones
// server without pulling in Server itself.
type peerReader struct {
	conn net.Conn
	dec  Decoder
}

func (p *peerReader) next(t *testing.T) *packet {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		require.NoError(t, err)
		msgs, err := p.dec.Feed(buf[:n])
		require.NoError(t, err)
		for _, m := range msgs {
			require.False(t, m.isText())
			return m.packet
		}
	}
}

func TestClientCallReceivesSingleReturn(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewClient(clientSide)
	go client.Run()

	peer := &peerReader{conn: serverSide}

	go func() {
		call := peer.next(t)
		assert.Equal(t, Call, call.msgType)

		b, err := packPacket(call.channelID, Return, "pong")
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)

		b, err = packPacket(call.channelID, Shoosh)
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)
	}()

	seq, err := client.Call(context.Background(), "example.ping", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.True(t, seq.Next(ctx))
	assert.Nil(t, seq.Error())
	assert.Equal(t, "pong", seq.Value())

	require.False(t, seq.Next(ctx))
	assert.NoError(t, seq.Err())
}

func TestClientCallReceivesReifiedError(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewClient(clientSide)
	go client.Run()

	peer := &peerReader{conn: serverSide}

	go func() {
		call := peer.next(t)

		b, err := packPacket(call.channelID, Error, "ValueError", map[string]any{"msg": "bad"})
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)

		b, err = packPacket(call.channelID, Shoosh)
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)
	}()

	seq, err := client.Call(context.Background(), "example.fail", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.True(t, seq.Next(ctx))
	require.NotNil(t, seq.Error())
	assert.Equal(t, "ValueError", seq.Error().Kind.Name())
	assert.Equal(t, "bad", seq.Error().Message)

	require.False(t, seq.Next(ctx))
}

func TestClientCallMultipleReturnsThenShoosh(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewClient(clientSide)
	go client.Run()

	peer := &peerReader{conn: serverSide}

	go func() {
		call := peer.next(t)
		for i := 0; i < 3; i++ {
			b, err := packPacket(call.channelID, Return, i)
			require.NoError(t, err)
			_, err = serverSide.Write(b)
			require.NoError(t, err)
		}
		b, err := packPacket(call.channelID, Shoosh)
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)
	}()

	seq, err := client.Call(context.Background(), "example.count", Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []any
	for seq.Next(ctx) {
		got = append(got, seq.Value())
	}
	assert.Equal(t, []any{0, 1, 2}, got)
	assert.NoError(t, seq.Err())
}

func TestResponseSeqCloseSendsShooshAndReleasesChannel(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	client := NewClient(clientSide)
	go client.Run()

	peer := &peerReader{conn: serverSide}

	callCh := make(chan *packet, 1)
	go func() {
		callCh <- peer.next(t)
	}()

	seq, err := client.Call(context.Background(), "example.forever", Args{})
	require.NoError(t, err)

	call := <-callCh

	go func() {
		shoosh := peer.next(t)
		assert.Equal(t, Shoosh, shoosh.msgType)
		assert.Equal(t, call.channelID, shoosh.channelID)

		b, err := packPacket(call.channelID, Shoosh)
		require.NoError(t, err)
		_, err = serverSide.Write(b)
		require.NoError(t, err)
	}()

	require.NoError(t, seq.Close())
}
