package multicast

import (
	"testing"
	"time"

	"github.com/quietmesh/node/internal/core/identity"
	"github.com/quietmesh/node/internal/core/tuning"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndSendWithinLimit(t *testing.T) {
	mc := New(nil)
	g := Group{NWID: 1, MAC: 0xffffffffffff, ADI: 0}
	now := time.Unix(1700000000, 0)

	var addrs []identity.Address
	for i := 0; i < 5; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		addrs = append(addrs, id.Address())
		mc.Subscribe(now, g, id.Address())
	}

	res := mc.Send(g, 32, now)
	require.True(t, res.Gathered) // 5 known subscribers is fewer than the 32 limit
	require.ElementsMatch(t, addrs, res.Recipients)
}

func TestSendBelowLimitTriggersGather(t *testing.T) {
	var gathered []Group
	mc := New(func(now time.Time, g Group) { gathered = append(gathered, g) })
	g := Group{NWID: 1, MAC: 0xffffffffffff, ADI: 0}
	now := time.Unix(1700000000, 0)

	for i := 0; i < 50; i++ {
		id, err := identity.Generate()
		require.NoError(t, err)
		mc.Subscribe(now, g, id.Address())
	}

	res := mc.Send(g, 32, now)
	require.Len(t, res.Recipients, 32)
	require.False(t, res.Gathered) // 50 known subscribers already exceeds the 32 limit
	require.Empty(t, gathered)

	short := Group{NWID: 1, MAC: 0x0102030405, ADI: 0}
	id, err := identity.Generate()
	require.NoError(t, err)
	mc.Subscribe(now, short, id.Address())

	res = mc.Send(short, 32, now)
	require.True(t, res.Gathered)
	require.Len(t, gathered, 1)
}

func TestDeferredFrameQueueBounded(t *testing.T) {
	mc := New(nil)
	g := Group{NWID: 1, MAC: 1, ADI: 0}
	for i := 0; i < 20; i++ {
		mc.QueueDeferredFrame(g, []byte{byte(i)})
	}
	frames := mc.DrainDeferredFrames(g)
	require.Len(t, frames, 8)
	require.Equal(t, byte(19), frames[len(frames)-1][0])
}

func TestUnsubscribeRemoves(t *testing.T) {
	mc := New(nil)
	g := Group{NWID: 1, MAC: 1, ADI: 0}
	now := time.Unix(1700000000, 0)
	id, err := identity.Generate()
	require.NoError(t, err)
	mc.Subscribe(now, g, id.Address())
	require.Len(t, mc.Subscribers(now, g), 1)
	mc.Unsubscribe(g, id.Address())
	require.Empty(t, mc.Subscribers(now, g))
}

// TestSubscribersExpireAfterTTL checks that a subscriber not refreshed
// within tuning.MulticastLikeExpire silently drops out of the group
// rather than lingering forever.
func TestSubscribersExpireAfterTTL(t *testing.T) {
	mc := New(nil)
	g := Group{NWID: 1, MAC: 1, ADI: 0}
	start := time.Unix(1700000000, 0)

	id, err := identity.Generate()
	require.NoError(t, err)
	mc.Subscribe(start, g, id.Address())
	require.Len(t, mc.Subscribers(start, g), 1)

	later := start.Add(tuning.MulticastLikeExpire + time.Second)
	require.Empty(t, mc.Subscribers(later, g))
}
