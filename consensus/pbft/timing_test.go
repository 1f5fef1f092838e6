package pbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahwlsqja/pbft-engine/types"
)

func TestTickerFiresOncePerCall(t *testing.T) {
	clock := newManualClock()
	ticker := NewTicker(100*time.Millisecond, clock.Now)

	fired := 0
	inc := func() { fired++ }

	assert.False(t, ticker.Tick(inc))
	clock.Advance(99 * time.Millisecond)
	assert.False(t, ticker.Tick(inc))

	clock.Advance(time.Millisecond)
	assert.True(t, ticker.Tick(inc))
	assert.Equal(t, 1, fired)

	// several periods elapsed: still a single firing, no catch-up burst
	clock.Advance(time.Second)
	assert.True(t, ticker.Tick(inc))
	assert.False(t, ticker.Tick(inc))
	assert.Equal(t, 2, fired)
}

func TestTimeout(t *testing.T) {
	clock := newManualClock()
	timeout := NewTimeout(time.Second, clock.Now)

	assert.False(t, timeout.CheckExpired(), "inactive timeout never expires")
	clock.Advance(2 * time.Second)
	assert.False(t, timeout.CheckExpired())

	timeout.Start()
	assert.True(t, timeout.IsActive())
	clock.Advance(999 * time.Millisecond)
	assert.False(t, timeout.CheckExpired())
	clock.Advance(time.Millisecond)
	assert.True(t, timeout.CheckExpired())
	assert.True(t, timeout.CheckExpired(), "stays expired")

	timeout.Start()
	assert.False(t, timeout.CheckExpired())

	timeout.Stop()
	clock.Advance(time.Hour)
	assert.False(t, timeout.CheckExpired())
	assert.Equal(t, time.Second, timeout.Duration())
}

func TestBacklogFIFOAndBound(t *testing.T) {
	b := NewBacklog(2)
	m1 := NewPbftMessage(Prepare, 0, 1, "a", block1)
	m2 := NewPbftMessage(Prepare, 0, 1, "b", block1)
	m3 := NewPbftMessage(Prepare, 0, 1, "c", block1)

	assert.Nil(t, b.Push(m1, "a"))
	assert.Nil(t, b.Push(m2, "b"))
	evicted := b.Push(m3, "c")
	assert.Equal(t, Message(m1), evicted)
	assert.Equal(t, 2, b.Len())

	entries := b.drain()
	assert.Equal(t, 0, b.Len())
	if assert.Len(t, entries, 2) {
		assert.Equal(t, Message(m2), entries[0].msg)
		assert.Equal(t, Message(m3), entries[1].msg)
	}
}

func TestBacklogBoundOnNode(t *testing.T) {
	svc := newFakeService()
	cfg := testConfig()
	cfg.MaxLogSize = 2
	n, err := NewNode(cfg, startupFor("b"), svc)
	if !assert.NoError(t, err) {
		return
	}

	for _, p := range []types.PeerID{"a", "c", "d"} {
		_ = deliver(n, phaseMsg(Prepare, 0, 2, p, block2))
	}
	assert.Equal(t, 2, n.BacklogLen())
}
