package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"kdeconnect-service/protocol"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Browser discovers devices with periodic and manual mDNS browse windows.
// A device missing from a completed window is reported lost.
type Browser struct {
	cfg    MDNSConfig
	log    zerolog.Logger
	browse browseFunc

	mu      sync.RWMutex
	devices map[string]Announcement

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config MDNSConfig) (*Browser, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Identity.DeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{
		cfg:             cfg,
		log:             cfg.Logger.With().Str("component", "mdns").Logger(),
		browse:          browse,
		devices:         make(map[string]Announcement),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (b *Browser) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
}

// Stop stops browsing and closes Events.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		close(b.events)
	})
}

// Events provides asynchronous discovery updates.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// Refresh runs a browse window immediately.
func (b *Browser) Refresh(ctx context.Context) error {
	if b.ctx == nil {
		return errors.New("mdns browser is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns browser is stopped")
	}
}

// Known returns the devices found by the last browse window.
func (b *Browser) Known() []Announcement {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Announcement, 0, len(b.devices))
	for _, ann := range b.devices {
		out = append(out, ann)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (b *Browser) loop() {
	defer b.wg.Done()

	if err := b.runScan(context.Background()); err != nil {
		b.log.Warn().Err(err).Msg("mdns browse failed")
	}

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.runScan(context.Background()); err != nil {
				b.log.Warn().Err(err).Msg("mdns browse failed")
			}
		case req := <-b.refreshRequests:
			req.done <- b.runScan(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Announcement)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				ann, ok := parseEntry(entry, b.cfg.Identity.DeviceID)
				if !ok {
					continue
				}
				ann.LastSeen = time.Now()
				collectedMu.Lock()
				collected[ann.DeviceID] = ann
				collectedMu.Unlock()
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// An aborted window says nothing about which devices left.
	if b.ctx.Err() != nil || requestCtx.Err() != nil {
		return nil
	}

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()
	b.applySnapshot(next)
	return nil
}

func (b *Browser) applySnapshot(next map[string]Announcement) {
	b.mu.Lock()
	previous := b.devices
	b.devices = next
	b.mu.Unlock()

	for _, ann := range next {
		b.emitEvent(Event{Type: EventDeviceSeen, Announcement: ann})
	}
	for id, ann := range previous {
		if _, exists := next[id]; !exists {
			b.emitEvent(Event{Type: EventDeviceLost, Announcement: ann})
		}
	}
}

func (b *Browser) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Announcement, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt["id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return Announcement{}, false
	}
	tcpPort, err := strconv.Atoi(txt["tcp_port"])
	if err != nil || tcpPort <= 0 || tcpPort > 65535 {
		return Announcement{}, false
	}
	version, _ := strconv.Atoi(txt["protocol"])

	address := ""
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			address = ip.String()
			break
		}
	}
	if address == "" {
		for _, ip := range entry.AddrIPv6 {
			if ip != nil {
				address = ip.String()
				break
			}
		}
	}
	if address == "" {
		return Announcement{}, false
	}

	name := txt["name"]
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return announcementFromIdentity(protocol.IdentityBody{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      txt["type"],
		ProtocolVersion: version,
		TCPPort:         tcpPort,
	}, address, SourceMDNS, time.Time{}), true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
