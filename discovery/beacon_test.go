package discovery

import (
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"kdeconnect-service/logger"
	"kdeconnect-service/protocol"
)

func testIdentity(deviceID string, tcpPort int) protocol.IdentityBody {
	return protocol.IdentityBody{
		DeviceID:        deviceID,
		DeviceName:      "Device " + deviceID,
		DeviceType:      "desktop",
		ProtocolVersion: protocol.ProtocolVersion,
		TCPPort:         tcpPort,
	}
}

func startTestBeacon(t *testing.T, cfg BeaconConfig) *Beacon {
	t.Helper()
	cfg.DisableBroadcast = true
	cfg.Logger = logger.NewTestLogger()
	beacon, err := NewBeacon(cfg)
	if err != nil {
		t.Fatalf("NewBeacon failed: %v", err)
	}
	if err := beacon.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(beacon.Stop)
	return beacon
}

func loopbackSeed(b *Beacon) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(b.LocalAddr().Port))
}

func sendDatagram(t *testing.T, target *Beacon, payload []byte) {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: target.LocalAddr().Port})
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func identityDatagram(t *testing.T, body protocol.IdentityBody) []byte {
	t.Helper()
	line, err := protocol.NewCodec().Encode(protocol.MustPacket(protocol.TypeIdentity, body))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return line
}

func nextEvent(t *testing.T, events <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("no discovery event within %s", timeout)
	}
	return Event{}
}

func TestBeaconDiscoversSeedPeer(t *testing.T) {
	listener := startTestBeacon(t, BeaconConfig{Identity: testIdentity("device-a", 1716)})
	startTestBeacon(t, BeaconConfig{
		Identity:      testIdentity("device-b", 1739),
		SeedAddresses: []string{loopbackSeed(listener)},
	})

	event := nextEvent(t, listener.Events(), 3*time.Second)
	if event.Type != EventDeviceSeen {
		t.Fatalf("unexpected event type: %s", event.Type)
	}
	ann := event.Announcement
	if ann.DeviceID != "device-b" || ann.TCPPort != 1739 || ann.Address != "127.0.0.1" || ann.Source != SourceUDP {
		t.Fatalf("unexpected announcement: %+v", ann)
	}
	if len(listener.Known()) != 1 {
		t.Fatalf("expected one known device, got %d", len(listener.Known()))
	}
}

func TestBeaconDropsMalformedAndSelfDatagrams(t *testing.T) {
	beacon := startTestBeacon(t, BeaconConfig{Identity: testIdentity("device-a", 1716)})

	sendDatagram(t, beacon, []byte("definitely not json"))
	sendDatagram(t, beacon, identityDatagram(t, testIdentity("device-a", 1716)))
	sendDatagram(t, beacon, identityDatagram(t, protocol.IdentityBody{DeviceID: "no-port"}))
	ping, _ := protocol.NewCodec().Encode(protocol.MustPacket(protocol.TypePing, nil))
	sendDatagram(t, beacon, ping)
	sendDatagram(t, beacon, identityDatagram(t, testIdentity("device-c", 1740)))

	event := nextEvent(t, beacon.Events(), 3*time.Second)
	if event.Announcement.DeviceID != "device-c" {
		t.Fatalf("expected only device-c to be reported, got %+v", event.Announcement)
	}
	select {
	case extra := <-beacon.Events():
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBeaconReportsStaleDevices(t *testing.T) {
	beacon := startTestBeacon(t, BeaconConfig{
		Identity:   testIdentity("device-a", 1716),
		StaleAfter: 150 * time.Millisecond,
	})

	sendDatagram(t, beacon, identityDatagram(t, testIdentity("device-c", 1740)))

	if seen := nextEvent(t, beacon.Events(), 3*time.Second); seen.Type != EventDeviceSeen {
		t.Fatalf("expected seen event first, got %s", seen.Type)
	}
	lost := nextEvent(t, beacon.Events(), 3*time.Second)
	if lost.Type != EventDeviceLost || lost.Announcement.DeviceID != "device-c" {
		t.Fatalf("expected device-c lost, got %+v", lost)
	}
	if len(beacon.Known()) != 0 {
		t.Fatalf("stale device still known")
	}
}

func TestBeaconAnnouncesOnInterfaceChange(t *testing.T) {
	listener := startTestBeacon(t, BeaconConfig{Identity: testIdentity("device-a", 1716)})

	var changed atomic.Bool
	startTestBeacon(t, BeaconConfig{
		Identity:              testIdentity("device-b", 1739),
		SeedAddresses:         []string{loopbackSeed(listener)},
		Interval:              time.Hour,
		InterfacePollInterval: 20 * time.Millisecond,
		interfaceAddrs: func() ([]net.Addr, error) {
			addrs := []net.Addr{&net.IPNet{IP: net.IPv4(192, 168, 1, 10), Mask: net.CIDRMask(24, 32)}}
			if changed.Load() {
				addrs = append(addrs, &net.IPNet{IP: net.IPv4(10, 0, 0, 7), Mask: net.CIDRMask(8, 32)})
			}
			return addrs, nil
		},
	})

	nextEvent(t, listener.Events(), 3*time.Second)
	changed.Store(true)

	event := nextEvent(t, listener.Events(), 3*time.Second)
	if event.Announcement.DeviceID != "device-b" {
		t.Fatalf("unexpected announcement after interface change: %+v", event.Announcement)
	}
}

func TestBeaconSetCapabilitiesUpdatesIdentity(t *testing.T) {
	listener := startTestBeacon(t, BeaconConfig{Identity: testIdentity("device-a", 1716)})
	sender := startTestBeacon(t, BeaconConfig{
		Identity:      testIdentity("device-b", 1739),
		SeedAddresses: []string{loopbackSeed(listener)},
		Interval:      time.Hour,
	})
	nextEvent(t, listener.Events(), 3*time.Second)

	sender.SetCapabilities([]string{protocol.TypePing}, []string{protocol.TypeBattery})

	event := nextEvent(t, listener.Events(), 3*time.Second)
	if len(event.Announcement.IncomingCapabilities) != 1 || event.Announcement.IncomingCapabilities[0] != protocol.TypePing {
		t.Fatalf("capabilities not carried by beacon: %+v", event.Announcement)
	}
}

func TestBeaconStartFailsWhenPortIsTaken(t *testing.T) {
	// Without SO_REUSEADDR on the holder the port is exclusive.
	holder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer holder.Close()

	beacon, err := NewBeacon(BeaconConfig{
		Port:     holder.LocalAddr().(*net.UDPAddr).Port,
		Identity: testIdentity("device-a", 1716),
		Logger:   logger.NewTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewBeacon failed: %v", err)
	}
	if err := beacon.Start(); err == nil {
		beacon.Stop()
		t.Fatalf("expected bind failure")
	}
}

func TestNewBeaconValidatesConfig(t *testing.T) {
	if _, err := NewBeacon(BeaconConfig{Identity: testIdentity("", 1716)}); err == nil {
		t.Fatalf("expected error for missing device id")
	}
	if _, err := NewBeacon(BeaconConfig{Identity: testIdentity("device-a", 0)}); err == nil {
		t.Fatalf("expected error for missing tcp port")
	}
	if _, err := NewBeacon(BeaconConfig{Identity: testIdentity("device-a", 1716), SeedAddresses: []string{"127.0.0.1:notaport"}}); err == nil {
		t.Fatalf("expected error for invalid seed")
	}
}

func TestDirectedBroadcast(t *testing.T) {
	got := directedBroadcast(&net.IPNet{IP: net.IPv4(192, 168, 1, 10), Mask: net.CIDRMask(24, 32)})
	if got.String() != "192.168.1.255" {
		t.Fatalf("unexpected broadcast: %s", got)
	}
	if directedBroadcast(&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)}) != nil {
		t.Fatalf("loopback must not produce a broadcast address")
	}
	if directedBroadcast(&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}) != nil {
		t.Fatalf("IPv6 must not produce a broadcast address")
	}
}
