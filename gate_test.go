package urp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackpressureGateWritesThroughWhenRunning(t *testing.T) {
	var got [][]byte
	g := NewBackpressureGate(func(b []byte) error {
		got = append(got, b)
		return nil
	})

	require.NoError(t, g.Write([]byte("a")))
	require.NoError(t, g.Write([]byte("b")))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)
}

func TestBackpressureGateQueuesWhilePaused(t *testing.T) {
	var got [][]byte
	g := NewBackpressureGate(func(b []byte) error {
		got = append(got, b)
		return nil
	})

	g.Pause()
	require.NoError(t, g.Write([]byte("a")))
	require.NoError(t, g.Write([]byte("b")))
	assert.Empty(t, got, "writes must not reach the underlying func while paused")

	require.NoError(t, g.Resume())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got, "queued writes release in FIFO order")

	require.NoError(t, g.Write([]byte("c")))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)
}

func TestBackpressureGateShutdownRejectsFurtherWrites(t *testing.T) {
	g := NewBackpressureGate(func(b []byte) error { return nil })

	cause := assert.AnError
	g.Shutdown(cause)

	err := g.Write([]byte("a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateShutdown)

	shut, gotCause := g.IsShutdown()
	assert.True(t, shut)
	assert.Equal(t, cause, gotCause)
}

func TestBackpressureGateShutdownDiscardsQueue(t *testing.T) {
	var got [][]byte
	g := NewBackpressureGate(func(b []byte) error {
		got = append(got, b)
		return nil
	})

	g.Pause()
	require.NoError(t, g.Write([]byte("a")))
	g.Shutdown(assert.AnError)

	err := g.Resume()
	require.Error(t, err)
	assert.Empty(t, got)
}

func TestBackpressureGateShutdownIdempotent(t *testing.T) {
	g := NewBackpressureGate(func(b []byte) error { return nil })

	first := assert.AnError
	g.Shutdown(first)
	g.Shutdown(errors.New("second"))

	_, cause := g.IsShutdown()
	assert.Equal(t, first, cause)
}
