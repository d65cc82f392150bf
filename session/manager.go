// Package session owns the per-device connection state machine: it dials
// discovered devices, attaches authenticated links, runs pairing and
// capability exchange, and carries outbound packets for plugins.
package session

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/crypto"
	"kdeconnect-service/discovery"
	"kdeconnect-service/models"
	"kdeconnect-service/network"
	"kdeconnect-service/protocol"
	"kdeconnect-service/trust"
)

const (
	// DefaultPairingTimeout is how long a pairing request waits for a decision.
	DefaultPairingTimeout = 30 * time.Second
	// DefaultOutboundQueueSize bounds packets held for a device that is not Active.
	DefaultOutboundQueueSize = 64
	// DefaultOutboundQueueTTL drops queued packets older than this.
	DefaultOutboundQueueTTL = 5 * time.Minute
)

// ErrPacketExpired is reported for queued packets that outlived the queue TTL.
var ErrPacketExpired = errors.New("queued packet expired")

// Dispatcher consumes packets from Active sessions and supplies the
// capability lists this device advertises.
type Dispatcher interface {
	Capabilities() (incoming, outgoing []string)
	Dispatch(ctx context.Context, deviceID string, p protocol.Packet)
	PacketDropped(deviceID string, p protocol.Packet, err error)
}

// Options configures the Manager.
type Options struct {
	Identity   network.LocalIdentity
	Trust      *trust.Store
	Dispatcher Dispatcher
	Events     models.EventSink

	ListenAddress string
	Codec         *protocol.Codec

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	PairingTimeout    time.Duration
	Reconnect         ReconnectPolicy

	// AutoConnectUnpaired dials every discovered device, not only paired ones.
	AutoConnectUnpaired bool

	OutboundQueueSize int
	OutboundQueueTTL  time.Duration

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = network.DefaultHandshakeTimeout
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = DefaultPairingTimeout
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if o.OutboundQueueTTL <= 0 {
		o.OutboundQueueTTL = DefaultOutboundQueueTTL
	}
	o.Reconnect = o.Reconnect.withDefaults()
	if o.Dispatcher == nil {
		o.Dispatcher = noopDispatcher{}
	}
	if o.Events == nil {
		o.Events = models.EventSinkFunc(func(models.Event) {})
	}
	if o.Codec == nil {
		o.Codec = protocol.NewCodec()
	}
	return o
}

type deviceEntry struct {
	device models.Device

	link     *network.Link
	wake     chan struct{}
	dialing  bool
	capsSent bool
	peerCaps *protocol.CapabilitiesBody

	pairing   *models.PairingRequest
	pairTimer *time.Timer

	gate  *reconnectGate
	queue *outboundQueue
}

// Manager is the sole owner of device session state.
type Manager struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	server *network.Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	devices map[string]*deviceEntry
}

// New validates options and builds a stopped manager.
func New(options Options) (*Manager, error) {
	if options.Trust == nil {
		return nil, errors.New("trust store is required")
	}
	if options.Identity.DeviceID == "" {
		return nil, errors.New("identity.device_id is required")
	}
	opts := options.withDefaults()
	return &Manager{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "session").Logger(),
		now:     time.Now,
		devices: make(map[string]*deviceEntry),
	}, nil
}

// Start loads trusted devices and begins accepting inbound sessions.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.mu.Lock()
	for _, trusted := range m.opts.Trust.List() {
		entry := m.entryLocked(trusted.DeviceID)
		entry.device.Name = trusted.DeviceName
		entry.device.Type = trusted.DeviceType
		entry.device.PairState = models.PairStatePaired
		entry.device.SessionState = models.SessionDisconnected
		entry.device.PublicKey = crypto.EncodePublicKey(trusted.PublicKey)
		entry.device.KeyFingerprint = trusted.Fingerprint
		entry.device.Address = trusted.LastAddress
		entry.device.TCPPort = trusted.LastPort
		entry.device.LastSeen = trusted.LastSeen
	}
	m.mu.Unlock()

	server, err := network.Listen(m.opts.ListenAddress, m.handshakeOptions())
	if err != nil {
		m.cancel()
		return err
	}
	m.server = server
	if m.opts.Identity.TCPPort == 0 {
		m.opts.Identity.TCPPort = server.Port()
	}

	m.wg.Add(2)
	go m.serverLoop()
	go m.sweepLoop()

	m.log.Info().Str("listen_addr", server.Addr().String()).Msg("session manager started")
	return nil
}

// Stop closes every session and the listener. Queued packets are reported
// as cancelled.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		var (
			links   []*network.Link
			dropped = make(map[string][]protocol.Packet)
		)
		m.mu.Lock()
		for id, entry := range m.devices {
			if entry.pairTimer != nil {
				entry.pairTimer.Stop()
			}
			if entry.link != nil {
				links = append(links, entry.link)
			}
			fresh, expired := entry.queue.drain(m.now())
			if all := append(fresh, expired...); len(all) > 0 {
				dropped[id] = all
			}
		}
		m.mu.Unlock()

		for _, link := range links {
			_ = link.Close()
		}
		for id, packets := range dropped {
			m.reportDropped(id, packets, models.ErrSessionCancelled)
		}
		m.wg.Wait()
	})
}

// Addr returns the TCP listening address.
func (m *Manager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Devices returns a snapshot of every known device sorted by name.
func (m *Manager) Devices() []models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Device, 0, len(m.devices))
	for _, entry := range m.devices {
		out = append(out, entry.device.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Device returns one device snapshot.
func (m *Manager) Device(deviceID string) (models.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return entry.device.Clone(), true
}

// PendingPairings returns unresolved pairing requests.
func (m *Manager) PendingPairings() []models.PairingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PairingRequest
	for _, entry := range m.devices {
		if entry.pairing != nil {
			out = append(out, *entry.pairing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Watch consumes discovery events until the channel closes or the manager stops.
func (m *Manager) Watch(events <-chan discovery.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				m.HandleDiscovery(event)
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// HandleDiscovery applies one discovery event. Beacons are the only thing
// that starts a reconnect.
func (m *Manager) HandleDiscovery(event discovery.Event) {
	ann := event.Announcement
	if ann.DeviceID == "" || ann.DeviceID == m.opts.Identity.DeviceID {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case discovery.EventDeviceLost:
		entry, ok := m.devices[ann.DeviceID]
		if !ok {
			return
		}
		entry.device.Reachable = false
		if entry.link == nil && !entry.dialing && !entry.device.Paired() && entry.pairing == nil {
			delete(m.devices, ann.DeviceID)
			m.publishLocked(models.Event{Kind: models.EventDeviceRemoved, DeviceID: ann.DeviceID})
			return
		}
		m.publishDeviceLocked(entry, models.EventDeviceUpdated)
	case discovery.EventDeviceSeen:
		entry := m.entryLocked(ann.DeviceID)
		if ann.DeviceName != "" {
			entry.device.Name = ann.DeviceName
		}
		entry.device.Type = models.ParseDeviceType(ann.DeviceType)
		entry.device.ProtocolVersion = ann.ProtocolVersion
		entry.device.Address = ann.Address
		entry.device.TCPPort = ann.TCPPort
		entry.device.Reachable = true
		entry.device.LastSeen = ann.LastSeen
		if entry.link == nil && !entry.dialing {
			entry.device.SessionState = models.SessionDiscovered
		}
		m.publishDeviceLocked(entry, models.EventDeviceUpdated)
		m.maybeDialLocked(entry, false)
	}
}

// Connect dials address directly and returns the id of the device that
// answered once the handshake completes.
func (m *Manager) Connect(ctx context.Context, address string) (string, error) {
	if m.ctx == nil {
		return "", errors.New("session manager is not started")
	}
	link, err := network.Dial(ctx, address, m.handshakeOptions())
	if err != nil {
		m.reportHandshakeFailure(err)
		return "", err
	}
	m.attach(link)
	return link.Peer().DeviceID, nil
}

// Send carries p to deviceID. Packets for an Active session are written in
// order by the session's writer; packets for a session in progress or a
// paired device that is offline wait in a bounded queue.
func (m *Manager) Send(deviceID string, p protocol.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[deviceID]
	if !ok {
		return models.NewError(models.KindTransport, "send packet", deviceID, models.ErrDeviceOffline)
	}
	if entry.link == nil && !entry.dialing && !entry.device.Paired() {
		return models.NewError(models.KindTransport, "send packet", deviceID, models.ErrDeviceOffline)
	}
	if !entry.queue.push(p, m.now()) {
		return models.NewError(models.KindTransport, "send packet", deviceID, models.ErrQueueFull)
	}
	if entry.device.SessionState == models.SessionActive {
		signal(entry.wake)
	}
	return nil
}

func (m *Manager) handshakeOptions() network.HandshakeOptions {
	return network.HandshakeOptions{
		Identity:          m.opts.Identity,
		Verifier:          m.opts.Trust,
		HandshakeTimeout:  m.opts.HandshakeTimeout,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		KeepAliveTimeout:  m.opts.KeepAliveTimeout,
		WriteTimeout:      m.opts.WriteTimeout,
		Codec:             m.opts.Codec,
		Logger:            m.opts.Logger,
	}
}

func (m *Manager) entryLocked(deviceID string) *deviceEntry {
	if entry, ok := m.devices[deviceID]; ok {
		return entry
	}
	entry := &deviceEntry{
		device: models.Device{
			ID:           deviceID,
			Name:         deviceID,
			Type:         models.DeviceTypeDesktop,
			PairState:    models.PairStateUnpaired,
			SessionState: models.SessionDiscovered,
		},
		gate:  newReconnectGate(m.opts.Reconnect),
		queue: newOutboundQueue(m.opts.OutboundQueueSize, m.opts.OutboundQueueTTL),
	}
	m.devices[deviceID] = entry
	m.publishDeviceLocked(entry, models.EventDeviceAdded)
	return entry
}

func (m *Manager) dialEligibleLocked(entry *deviceEntry) bool {
	if entry.device.Paired() || entry.device.PairState == models.PairStateRequestedOutgoing {
		return true
	}
	return m.opts.AutoConnectUnpaired
}

// maybeDialLocked starts a dial when the device has no session, is eligible,
// and its backoff allows it. force skips eligibility and backoff.
func (m *Manager) maybeDialLocked(entry *deviceEntry, force bool) bool {
	if entry.link != nil || entry.dialing || m.ctx == nil || m.ctx.Err() != nil {
		return false
	}
	if entry.device.Address == "" || entry.device.TCPPort <= 0 {
		return false
	}
	if !force && (!m.dialEligibleLocked(entry) || !entry.gate.allow(m.now())) {
		return false
	}

	entry.dialing = true
	entry.device.SessionState = models.SessionConnecting
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)

	address := net.JoinHostPort(entry.device.Address, strconv.Itoa(entry.device.TCPPort))
	m.wg.Add(1)
	go m.dial(entry.device.ID, address)
	return true
}

func (m *Manager) dial(deviceID, address string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, 2*m.opts.HandshakeTimeout)
	defer cancel()

	opts := m.handshakeOptions()
	opts.OnConnected = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if entry, ok := m.devices[deviceID]; ok && entry.dialing && entry.link == nil {
			entry.device.SessionState = models.SessionHandshaking
			m.publishDeviceLocked(entry, models.EventDeviceUpdated)
		}
	}

	link, err := network.Dial(ctx, address, opts)

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if ok {
		entry.dialing = false
	}
	if err != nil {
		if ok && entry.link == nil {
			entry.device.SessionState = models.SessionDisconnected
			wait := entry.gate.failed(m.now())
			m.publishDeviceLocked(entry, models.EventDeviceUpdated)
			m.log.Debug().Err(err).Str("device_id", deviceID).Dur("retry_after", wait).Msg("dial failed")
		}
		m.mu.Unlock()
		if m.ctx.Err() == nil {
			m.reportHandshakeFailure(withDevice(err, deviceID))
		}
		return
	}
	m.mu.Unlock()

	if link.Peer().DeviceID != deviceID {
		m.log.Warn().
			Str("expected_device_id", deviceID).
			Str("peer_device_id", link.Peer().DeviceID).
			Msg("dialed address answered with a different device")
	}
	m.attach(link)
}

// attach installs an authenticated link as the device's session, enforcing
// at most one session per id.
func (m *Manager) attach(link *network.Link) {
	peer := link.Peer()

	m.mu.Lock()
	entry := m.entryLocked(peer.DeviceID)

	if entry.link != nil {
		if entry.device.SessionState == models.SessionActive || !m.prefer(link, entry.link) {
			m.mu.Unlock()
			m.log.Info().
				Str("device_id", peer.DeviceID).
				Str("direction", string(link.Direction())).
				Msg("rejecting duplicate session")
			_ = link.Close()
			return
		}
		old := entry.link
		entry.link = nil
		_ = old.Close()
	}

	entry.link = link
	entry.wake = make(chan struct{}, 1)
	entry.capsSent = false
	entry.peerCaps = nil
	if peer.DeviceName != "" {
		entry.device.Name = peer.DeviceName
	}
	entry.device.Type = peer.DeviceType
	entry.device.ProtocolVersion = peer.ProtocolVersion
	if host, _, err := net.SplitHostPort(peer.RemoteAddr); err == nil {
		entry.device.Address = host
	}
	if peer.TCPPort > 0 {
		entry.device.TCPPort = peer.TCPPort
	}
	entry.device.KeyFingerprint = crypto.KeyFingerprint(peer.PublicKey)
	entry.device.Reachable = true
	entry.device.LastSeen = m.now()
	entry.device.SessionState = models.SessionHandshaking
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)

	m.wg.Add(2)
	go m.sessionLoop(link)
	go m.pumpLoop(peer.DeviceID, link, entry.wake)

	if !peer.Unverified() {
		if entry.pairing != nil {
			m.clearPairingLocked(entry)
		}
		entry.device.PairState = models.PairStatePaired
		entry.device.PublicKey = crypto.EncodePublicKey(peer.PublicKey)
		m.startCapabilityExchangeLocked(entry)
		m.mu.Unlock()
		return
	}

	if entry.device.Paired() {
		entry.device.PairState = models.PairStateUnpaired
		entry.device.PublicKey = ""
	}
	entry.device.SessionState = models.SessionPairingPending
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)
	if entry.device.PairState == models.PairStateRequestedOutgoing {
		m.sendLocked(entry, protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: true}))
	}
	m.mu.Unlock()
}

// prefer reports whether candidate should replace current when neither is
// Active: the link dialed by the lexicographically smaller device id wins.
func (m *Manager) prefer(candidate, current *network.Link) bool {
	dialer := func(l *network.Link) string {
		if l.Direction() == network.Outbound {
			return m.opts.Identity.DeviceID
		}
		return l.Peer().DeviceID
	}
	winner := m.opts.Identity.DeviceID
	if peerID := candidate.Peer().DeviceID; peerID < winner {
		winner = peerID
	}
	return dialer(candidate) == winner && dialer(current) != winner
}

func (m *Manager) startCapabilityExchangeLocked(entry *deviceEntry) {
	entry.device.SessionState = models.SessionCapabilityExchange
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)

	incoming, outgoing := m.opts.Dispatcher.Capabilities()
	caps := protocol.MustPacket(protocol.TypeCapabilities, protocol.CapabilitiesBody{
		IncomingCapabilities: nonNil(incoming),
		OutgoingCapabilities: nonNil(outgoing),
	})
	if err := m.sendLocked(entry, caps); err != nil {
		return
	}
	entry.capsSent = true
	m.maybeActivateLocked(entry)
}

func (m *Manager) maybeActivateLocked(entry *deviceEntry) {
	if entry.device.SessionState != models.SessionCapabilityExchange || !entry.capsSent || entry.peerCaps == nil {
		return
	}
	entry.device.SessionState = models.SessionActive
	entry.device.IncomingCapabilities = append([]string(nil), entry.peerCaps.IncomingCapabilities...)
	entry.device.OutgoingCapabilities = append([]string(nil), entry.peerCaps.OutgoingCapabilities...)
	entry.gate.succeeded()

	id := entry.device.ID
	if err := m.opts.Trust.UpdateInfo(id, entry.device.Name, entry.device.Type); err != nil {
		m.log.Warn().Err(err).Str("device_id", id).Msg("failed to refresh trusted device info")
	}
	if entry.device.Address != "" && entry.device.TCPPort > 0 {
		if err := m.opts.Trust.UpdateEndpoint(id, entry.device.Address, entry.device.TCPPort); err != nil {
			m.log.Warn().Err(err).Str("device_id", id).Msg("failed to record device endpoint")
		}
	}

	m.log.Info().Str("device_id", id).Str("device_name", entry.device.Name).Msg("session active")
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)
	signal(entry.wake)
}

// sendLocked hands a control packet to the link's writer. It never waits on
// the peer, so holding m.mu here is safe.
func (m *Manager) sendLocked(entry *deviceEntry, p protocol.Packet) error {
	if entry.link == nil {
		return models.NewError(models.KindTransport, "send packet", entry.device.ID, models.ErrDeviceOffline)
	}
	if err := entry.link.Post(p); err != nil {
		m.log.Debug().Err(err).Str("device_id", entry.device.ID).Str("packet_type", p.Type).Msg("control packet send failed")
		return err
	}
	return nil
}

func (m *Manager) sessionLoop(link *network.Link) {
	defer m.wg.Done()
	for {
		select {
		case p := <-link.Inbound():
			m.handlePacket(link, p)
		case <-link.Done():
			// A peer often closes right after its last packet (pair:false).
			m.drainInbound(link)
			m.linkClosed(link)
			return
		case <-m.ctx.Done():
			_ = link.Close()
			return
		}
	}
}

func (m *Manager) drainInbound(link *network.Link) {
	for {
		select {
		case p := <-link.Inbound():
			m.handlePacket(link, p)
		default:
			return
		}
	}
}

func (m *Manager) handlePacket(link *network.Link, p protocol.Packet) {
	deviceID := link.Peer().DeviceID

	switch p.Type {
	case protocol.TypePair:
		m.handlePair(link, p)
		return
	case protocol.TypeCapabilities:
		var body protocol.CapabilitiesBody
		if err := p.DecodeBody(&body); err != nil {
			m.log.Warn().Err(err).Str("device_id", deviceID).Msg("ignoring malformed capabilities packet")
			return
		}
		m.mu.Lock()
		if entry, ok := m.devices[deviceID]; ok && entry.link == link {
			entry.peerCaps = &body
			m.maybeActivateLocked(entry)
		}
		m.mu.Unlock()
		return
	case protocol.TypeIdentity:
		return
	}

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	active := ok && entry.link == link && entry.device.SessionState == models.SessionActive
	m.mu.Unlock()
	if !active {
		m.log.Debug().Str("device_id", deviceID).Str("packet_type", p.Type).Msg("dropping packet outside active session")
		return
	}
	m.opts.Dispatcher.Dispatch(m.ctx, deviceID, p)
}

// linkClosed moves the device to Disconnected when its current link ends.
func (m *Manager) linkClosed(link *network.Link) {
	deviceID := link.Peer().DeviceID

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok || entry.link != link {
		m.mu.Unlock()
		return
	}

	wasActive := entry.device.SessionState == models.SessionActive
	entry.link = nil
	entry.wake = nil
	entry.capsSent = false
	entry.peerCaps = nil
	entry.device.SessionState = models.SessionDisconnected
	if !wasActive {
		entry.gate.failed(m.now())
	}

	if entry.pairing != nil && entry.pairing.Direction == models.PairingIncoming {
		m.clearPairingLocked(entry)
		entry.device.PairState = models.PairStateUnpaired
		m.publishLocked(models.Event{Kind: models.EventPairingExpired, DeviceID: deviceID})
	}

	var dropped []protocol.Packet
	if !entry.device.Paired() {
		fresh, expired := entry.queue.drain(m.now())
		dropped = append(fresh, expired...)
	}
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)
	m.mu.Unlock()

	m.log.Info().Str("device_id", deviceID).Bool("was_active", wasActive).Msg("session disconnected")
	if err := link.Err(); err != nil {
		m.opts.Events.Publish(models.ErrorEvent(deviceID, err))
	}
	m.reportDropped(deviceID, dropped, models.ErrSessionCancelled)
}

// pumpLoop writes queued packets in order while the session is Active.
func (m *Manager) pumpLoop(deviceID string, link *network.Link, wake <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-wake:
		case <-link.Done():
			return
		case <-m.ctx.Done():
			return
		}

		m.mu.Lock()
		entry, ok := m.devices[deviceID]
		if !ok || entry.link != link || entry.device.SessionState != models.SessionActive {
			m.mu.Unlock()
			continue
		}
		fresh, expired := entry.queue.drain(m.now())
		m.mu.Unlock()

		m.reportDropped(deviceID, expired, ErrPacketExpired)
		for i, p := range fresh {
			if err := link.Send(p); err != nil {
				m.reportDropped(deviceID, fresh[i:], err)
				break
			}
		}
	}
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	incoming := m.server.Incoming()
	errs := m.server.Errors()
	for incoming != nil || errs != nil {
		select {
		case link, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			m.attach(link)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.reportHandshakeFailure(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := m.opts.OutboundQueueTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			expired := make(map[string][]protocol.Packet)
			m.mu.Lock()
			for id, entry := range m.devices {
				if packets := entry.queue.expire(m.now()); len(packets) > 0 {
					expired[id] = packets
				}
			}
			m.mu.Unlock()
			for id, packets := range expired {
				m.reportDropped(id, packets, ErrPacketExpired)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reportHandshakeFailure(err error) {
	var classified *models.Error
	deviceID := ""
	if errors.As(err, &classified) {
		deviceID = classified.DeviceID
	}

	switch models.KindOf(err) {
	case models.KindTrustViolation:
		m.log.Error().Err(err).Str("device_id", deviceID).Msg("refused session: trust violation")
	case models.KindProtocol:
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("handshake rejected")
		if deviceID != "" {
			m.opts.Trust.RecordHandshakeRejected(deviceID, err.Error())
		}
	default:
		m.log.Debug().Err(err).Str("device_id", deviceID).Msg("handshake failed")
	}
	m.opts.Events.Publish(models.ErrorEvent(deviceID, err))
}

func (m *Manager) reportDropped(deviceID string, packets []protocol.Packet, cause error) {
	for _, p := range packets {
		m.opts.Dispatcher.PacketDropped(deviceID, p, cause)
		event := models.ErrorEvent(deviceID, models.NewError(models.KindTransport, "send packet", deviceID, cause))
		event.Kind = models.EventSendFailed
		event.PacketType = p.Type
		m.opts.Events.Publish(event)
	}
}

func (m *Manager) publishDeviceLocked(entry *deviceEntry, kind models.EventKind) {
	device := entry.device.Clone()
	m.publishLocked(models.Event{Kind: kind, DeviceID: device.ID, Device: &device})
}

func (m *Manager) publishLocked(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	m.opts.Events.Publish(event)
}

func withDevice(err error, deviceID string) error {
	var classified *models.Error
	if errors.As(err, &classified) && classified.DeviceID == "" {
		copied := *classified
		copied.DeviceID = deviceID
		return &copied
	}
	return err
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

type noopDispatcher struct{}

func (noopDispatcher) Capabilities() ([]string, []string) { return nil, nil }

func (noopDispatcher) Dispatch(context.Context, string, protocol.Packet) {}

func (noopDispatcher) PacketDropped(string, protocol.Packet, error) {}
