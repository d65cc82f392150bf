package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/logger"
	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
)

func receive(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return models.Event{}
	}
}

func assertNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event %s", event.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerFansOutToEverySubscriber(t *testing.T) {
	b := NewBroker(logger.NewTestLogger())
	defer b.Close()

	first := b.Subscribe(Filter{})
	second := b.Subscribe(Filter{})

	b.Publish(models.Event{Kind: models.EventDeviceAdded, DeviceID: "phone"})

	assert.Equal(t, models.EventDeviceAdded, receive(t, first).Kind)
	assert.Equal(t, models.EventDeviceAdded, receive(t, second).Kind)
}

func TestBrokerAppliesFilters(t *testing.T) {
	b := NewBroker(logger.NewTestLogger())
	defer b.Close()

	batteryOnly := b.Subscribe(Filter{Kinds: []models.EventKind{models.EventCapability}, PacketTypes: []string{protocol.TypeBattery}})
	tabletOnly := b.Subscribe(Filter{DeviceID: "tablet"})

	b.Publish(models.Event{Kind: models.EventCapability, DeviceID: "phone", PacketType: protocol.TypePing})
	b.Publish(models.Event{Kind: models.EventCapability, DeviceID: "phone", PacketType: protocol.TypeBattery})
	b.Publish(models.Event{Kind: models.EventDeviceUpdated, DeviceID: "tablet"})

	got := receive(t, batteryOnly)
	assert.Equal(t, protocol.TypeBattery, got.PacketType)
	assertNoEvent(t, batteryOnly)

	assert.Equal(t, "tablet", receive(t, tabletOnly).DeviceID)
	assertNoEvent(t, tabletOnly)

	tabletOnly.SetFilter(Filter{})
	b.Publish(models.Event{Kind: models.EventDeviceUpdated, DeviceID: "phone"})
	assert.Equal(t, "phone", receive(t, tabletOnly).DeviceID)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(logger.NewTestLogger())
	defer b.Close()

	slow := b.Subscribe(Filter{})
	fast := b.Subscribe(Filter{})

	total := defaultSubscriberQueue + 20
	received := make(chan int, 1)
	go func() {
		n := 0
		for range fast.C {
			n++
			if n == total {
				received <- n
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		b.Publish(models.Event{Kind: models.EventDeviceUpdated, DeviceID: "phone"})
	}

	select {
	case n := <-received:
		assert.Equal(t, total, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber was stalled by the slow one")
	}
	require.Eventually(t, func() bool { return slow.Dropped() == 20 }, time.Second, 10*time.Millisecond)
}

func TestSubscriptionCloseAndBrokerClose(t *testing.T) {
	b := NewBroker(logger.NewTestLogger())

	sub := b.Subscribe(Filter{})
	sub.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	other := b.Subscribe(Filter{})
	b.Close()
	_, ok = <-other.C
	assert.False(t, ok)

	late := b.Subscribe(Filter{})
	_, ok = <-late.C
	assert.False(t, ok)
	b.Publish(models.Event{Kind: models.EventError})
}
