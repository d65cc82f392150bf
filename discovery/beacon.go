package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/protocol"
)

const (
	// DefaultBeaconPort is the well-known UDP discovery port.
	DefaultBeaconPort = 1716
	// DefaultBeaconInterval is the periodic announce interval.
	DefaultBeaconInterval = 5 * time.Second
	// DefaultInterfacePollInterval is how often local addresses are compared.
	DefaultInterfacePollInterval = 3 * time.Second
	// DefaultStaleAfter is how long a silent device stays known.
	DefaultStaleAfter = 30 * time.Second

	maxDatagramSize = 64 * 1024
	readDeadline    = time.Second
)

// BeaconConfig controls the UDP identity beacon.
type BeaconConfig struct {
	// Port is both the bind port and the destination port for broadcasts.
	// Zero binds an ephemeral port.
	Port                  int
	Identity              protocol.IdentityBody
	Interval              time.Duration
	InterfacePollInterval time.Duration
	StaleAfter            time.Duration
	SeedAddresses         []string
	// DisableBroadcast limits announcements to seed addresses.
	DisableBroadcast bool
	Logger           zerolog.Logger

	interfaceAddrs func() ([]net.Addr, error)
	now            func() time.Time
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultBeaconInterval
	}
	if out.InterfacePollInterval <= 0 {
		out.InterfacePollInterval = DefaultInterfacePollInterval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.interfaceAddrs == nil {
		out.interfaceAddrs = net.InterfaceAddrs
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c BeaconConfig) validate() error {
	if strings.TrimSpace(c.Identity.DeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if c.Identity.TCPPort <= 0 || c.Identity.TCPPort > 65535 {
		return errors.New("identity tcp port must be within 1..65535")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid beacon port %d", c.Port)
	}
	return nil
}

// Beacon broadcasts this device's identity packet and listens for others.
type Beacon struct {
	cfg   BeaconConfig
	log   zerolog.Logger
	codec *protocol.Codec

	conn  *net.UDPConn
	seeds []*net.UDPAddr

	mu       sync.Mutex
	lastSeen map[string]Announcement
	ifaceSig string

	events   chan Event
	announce chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBeacon validates config and resolves seed addresses. It does not bind.
func NewBeacon(config BeaconConfig) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	seeds := make([]*net.UDPAddr, 0, len(cfg.SeedAddresses))
	for _, raw := range cfg.SeedAddresses {
		addr, err := resolveSeed(raw, cfg.Port)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, addr)
	}

	return &Beacon{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "beacon").Logger(),
		codec:    protocol.NewCodec(),
		seeds:    seeds,
		lastSeen: make(map[string]Announcement),
		events:   make(chan Event, 128),
		announce: make(chan struct{}, 1),
	}, nil
}

func resolveSeed(raw string, defaultPort int) (*net.UDPAddr, error) {
	raw = strings.TrimSpace(raw)
	if _, _, err := net.SplitHostPort(raw); err != nil {
		if defaultPort == 0 {
			defaultPort = DefaultBeaconPort
		}
		raw = net.JoinHostPort(raw, strconv.Itoa(defaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", raw)
	if err != nil {
		return nil, fmt.Errorf("invalid seed address %s: %w", raw, err)
	}
	return addr, nil
}

// Start binds the UDP socket and starts the listen, announce, interface
// watch, and stale cleanup loops. A bind failure is returned unchanged so
// the caller can treat it as fatal.
func (b *Beacon) Start() error {
	lc := net.ListenConfig{Control: controlBeaconSocket}
	packetConn, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.Port)))
	if err != nil {
		return fmt.Errorf("bind UDP discovery port %d: %w", b.cfg.Port, err)
	}
	b.conn = packetConn.(*net.UDPConn)
	if err := b.conn.SetReadBuffer(maxDatagramSize * 4); err != nil {
		b.log.Warn().Err(err).Msg("failed to set read buffer")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.ifaceSig = b.interfaceSignature()

	b.wg.Add(4)
	go b.listenLoop()
	go b.announceLoop()
	go b.interfaceLoop()
	go b.cleanupLoop()

	b.log.Info().Str("addr", b.conn.LocalAddr().String()).Msg("discovery beacon started")
	return nil
}

// Stop closes the socket, waits for the loops, and closes Events.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.wg.Wait()
		close(b.events)
	})
}

// Events provides asynchronous discovery updates.
func (b *Beacon) Events() <-chan Event {
	return b.events
}

// LocalAddr returns the bound address, or nil before Start.
func (b *Beacon) LocalAddr() *net.UDPAddr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr().(*net.UDPAddr)
}

// AnnounceNow schedules an immediate broadcast.
func (b *Beacon) AnnounceNow() {
	select {
	case b.announce <- struct{}{}:
	default:
	}
}

// SetCapabilities updates the capability lists carried by future beacons.
func (b *Beacon) SetCapabilities(incoming, outgoing []string) {
	b.mu.Lock()
	b.cfg.Identity.IncomingCapabilities = append([]string(nil), incoming...)
	b.cfg.Identity.OutgoingCapabilities = append([]string(nil), outgoing...)
	b.mu.Unlock()
	b.AnnounceNow()
}

// Known returns the devices seen within the stale window.
func (b *Beacon) Known() []Announcement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Announcement, 0, len(b.lastSeen))
	for _, ann := range b.lastSeen {
		out = append(out, ann)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (b *Beacon) listenLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		if b.ctx.Err() != nil {
			return
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Msg("discovery read error")
			continue
		}

		ann, err := b.parseBeacon(buf[:n], addr)
		if err != nil {
			b.log.Debug().Err(err).Str("from", addr.String()).Msg("dropping discovery datagram")
			continue
		}
		if ann.DeviceID == b.cfg.Identity.DeviceID {
			continue
		}
		b.observe(ann)
	}
}

func (b *Beacon) parseBeacon(datagram []byte, from *net.UDPAddr) (Announcement, error) {
	packet, err := b.codec.Decode(datagram)
	if err != nil {
		return Announcement{}, err
	}
	if packet.Type != protocol.TypeIdentity {
		return Announcement{}, fmt.Errorf("unexpected packet type %q", packet.Type)
	}
	var body protocol.IdentityBody
	if err := packet.DecodeBody(&body); err != nil {
		return Announcement{}, err
	}
	body.DeviceID = strings.TrimSpace(body.DeviceID)
	if body.DeviceID == "" {
		return Announcement{}, errors.New("identity without device id")
	}
	if body.TCPPort <= 0 || body.TCPPort > 65535 {
		return Announcement{}, fmt.Errorf("identity with invalid tcp port %d", body.TCPPort)
	}
	if strings.TrimSpace(body.DeviceName) == "" {
		body.DeviceName = body.DeviceID
	}
	return announcementFromIdentity(body, from.IP.String(), SourceUDP, b.cfg.now()), nil
}

func (b *Beacon) observe(ann Announcement) {
	b.mu.Lock()
	_, known := b.lastSeen[ann.DeviceID]
	b.lastSeen[ann.DeviceID] = ann
	b.mu.Unlock()

	if !known {
		b.log.Info().
			Str("device_id", ann.DeviceID).
			Str("device_name", ann.DeviceName).
			Str("addr", ann.Address).
			Int("tcp_port", ann.TCPPort).
			Msg("found new device")
	}
	b.emitEvent(Event{Type: EventDeviceSeen, Announcement: ann})
}

func (b *Beacon) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
		b.log.Warn().Str("device_id", event.Announcement.DeviceID).Msg("discovery event dropped: consumer is behind")
	}
}

func (b *Beacon) announceLoop() {
	defer b.wg.Done()

	b.broadcast()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.broadcast()
		case <-b.announce:
			b.broadcast()
		}
	}
}

func (b *Beacon) identityDatagram() ([]byte, error) {
	b.mu.Lock()
	identity := b.cfg.Identity
	b.mu.Unlock()

	packet, err := protocol.NewPacket(protocol.TypeIdentity, identity)
	if err != nil {
		return nil, err
	}
	return b.codec.Encode(packet)
}

func (b *Beacon) broadcast() {
	data, err := b.identityDatagram()
	if err != nil {
		b.log.Error().Err(err).Msg("failed to encode identity beacon")
		return
	}

	for _, target := range b.targets() {
		if _, err := b.conn.WriteToUDP(data, target); err != nil && b.ctx.Err() == nil {
			// Broadcast failures are common on restricted networks.
			b.log.Debug().Err(err).Str("target", target.String()).Msg("beacon send failed")
		}
	}
}

func (b *Beacon) targets() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(b.seeds)+4)
	if !b.cfg.DisableBroadcast && b.cfg.Port > 0 {
		seen := map[string]struct{}{}
		add := func(ip net.IP) {
			key := ip.String()
			if _, ok := seen[key]; ok {
				return
			}
			seen[key] = struct{}{}
			out = append(out, &net.UDPAddr{IP: ip, Port: b.cfg.Port})
		}
		add(net.IPv4bcast)
		for _, ip := range b.directedBroadcasts() {
			add(ip)
		}
	}
	return append(out, b.seeds...)
}

func (b *Beacon) directedBroadcasts() []net.IP {
	addrs, err := b.cfg.interfaceAddrs()
	if err != nil {
		return nil
	}
	var out []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if bcast := directedBroadcast(ipNet); bcast != nil {
			out = append(out, bcast)
		}
	}
	return out
}

// directedBroadcast returns the subnet broadcast address for non-loopback
// IPv4 networks, or nil.
func directedBroadcast(ipNet *net.IPNet) net.IP {
	ip4 := ipNet.IP.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return nil
	}
	mask := ipNet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}

func (b *Beacon) interfaceLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.InterfacePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			sig := b.interfaceSignature()
			b.mu.Lock()
			changed := sig != b.ifaceSig
			b.ifaceSig = sig
			b.mu.Unlock()
			if changed {
				b.log.Info().Msg("local interface addresses changed, announcing")
				b.AnnounceNow()
			}
		}
	}
}

func (b *Beacon) interfaceSignature() string {
	addrs, err := b.cfg.interfaceAddrs()
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (b *Beacon) cleanupLoop() {
	defer b.wg.Done()

	interval := b.cfg.StaleAfter / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.purgeStale()
		}
	}
}

func (b *Beacon) purgeStale() {
	threshold := b.cfg.now().Add(-b.cfg.StaleAfter)

	var lost []Announcement
	b.mu.Lock()
	for id, ann := range b.lastSeen {
		if ann.LastSeen.Before(threshold) {
			delete(b.lastSeen, id)
			lost = append(lost, ann)
		}
	}
	b.mu.Unlock()

	for _, ann := range lost {
		b.log.Info().
			Str("device_id", ann.DeviceID).
			Dur("stale_after", b.cfg.StaleAfter).
			Msg("device marked stale")
		b.emitEvent(Event{Type: EventDeviceLost, Announcement: ann})
	}
}
