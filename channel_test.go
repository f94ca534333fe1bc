package urp

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	mu        sync.Mutex
	delivered []*packet
	aborted   error
}

func (f *fakeEntry) deliver(pkt *packet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, pkt)
}

func (f *fakeEntry) abort(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = err
}

func TestChannelTableOpenAllocatesMonotonicIDs(t *testing.T) {
	tbl := NewChannelTable()

	id1, ok := tbl.Open(&fakeEntry{})
	require.True(t, ok)
	id2, ok := tbl.Open(&fakeEntry{})
	require.True(t, ok)

	assert.Less(t, id1, id2)
}

func TestChannelTableIDsNotRecycledAfterRemove(t *testing.T) {
	tbl := NewChannelTable()

	id1, ok := tbl.Open(&fakeEntry{})
	require.True(t, ok)
	tbl.Remove(id1)

	id2, ok := tbl.Open(&fakeEntry{})
	require.True(t, ok)

	assert.NotEqual(t, id1, id2)
	assert.Less(t, id1, id2)
}

func TestChannelTableDeliverRoutesToRegisteredEntry(t *testing.T) {
	tbl := NewChannelTable()
	e := &fakeEntry{}
	id, ok := tbl.Open(e)
	require.True(t, ok)

	pkt := &packet{channelID: id, msgType: Return, payload: []any{1}}
	assert.True(t, tbl.Deliver(pkt))
	assert.Equal(t, []*packet{pkt}, e.delivered)
}

func TestChannelTableDeliverUnknownIDReportsFalse(t *testing.T) {
	tbl := NewChannelTable()
	assert.False(t, tbl.Deliver(&packet{channelID: 999}))
}

func TestChannelTableRegisterRejectsDuplicateID(t *testing.T) {
	tbl := NewChannelTable()
	require.True(t, tbl.Register(5, &fakeEntry{}))
	assert.False(t, tbl.Register(5, &fakeEntry{}))
}

func TestChannelTableCloseAllAbortsEveryEntry(t *testing.T) {
	tbl := NewChannelTable()
	e1 := &fakeEntry{}
	e2 := &fakeEntry{}
	id1, _ := tbl.Open(e1)
	id2, _ := tbl.Open(e2)

	cause := assert.AnError
	tbl.CloseAll(cause)

	assert.Equal(t, cause, e1.aborted)
	assert.Equal(t, cause, e2.aborted)
	assert.False(t, tbl.Deliver(&packet{channelID: id1}))
	assert.False(t, tbl.Deliver(&packet{channelID: id2}))
}

func TestChannelTableClosedRejectsFurtherOpenAndRegister(t *testing.T) {
	tbl := NewChannelTable()
	tbl.CloseAll(nil)

	_, ok := tbl.Open(&fakeEntry{})
	assert.False(t, ok)
	assert.False(t, tbl.Register(1, &fakeEntry{}))
}

func TestChannelTableCloseAllIdempotent(t *testing.T) {
	tbl := NewChannelTable()
	e := &fakeEntry{}
	tbl.Register(1, e)

	first := assert.AnError
	tbl.CloseAll(first)
	tbl.CloseAll(errors.New("second"))

	assert.Equal(t, first, e.aborted)
}
