package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/protocol"
)

func TestOutboundQueueBoundsAndOrder(t *testing.T) {
	q := newOutboundQueue(2, time.Minute)
	now := time.Unix(100, 0)

	first := protocol.MustPacket(protocol.TypePing, nil)
	second := protocol.MustPacket(protocol.TypeBattery, nil)
	require.True(t, q.push(first, now))
	require.True(t, q.push(second, now))
	assert.False(t, q.push(protocol.MustPacket(protocol.TypePing, nil), now))

	fresh, expired := q.drain(now.Add(time.Second))
	assert.Empty(t, expired)
	require.Len(t, fresh, 2)
	assert.Equal(t, first.ID, fresh[0].ID)
	assert.Equal(t, second.ID, fresh[1].ID)
	assert.Zero(t, q.len())
}

func TestOutboundQueueExpiresOldPackets(t *testing.T) {
	q := newOutboundQueue(4, time.Second)
	start := time.Unix(100, 0)

	old := protocol.MustPacket(protocol.TypePing, nil)
	young := protocol.MustPacket(protocol.TypeBattery, nil)
	q.push(old, start)
	q.push(young, start.Add(2*time.Second))

	expired := q.expire(start.Add(2500 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, 1, q.len())

	fresh, stale := q.drain(start.Add(10 * time.Second))
	assert.Empty(t, fresh)
	require.Len(t, stale, 1)
	assert.Equal(t, young.ID, stale[0].ID)
}
