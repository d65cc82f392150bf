package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"kdeconnect-service/protocol"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_kdeconnect._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls mDNS advertisement and browsing.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// Port is the advertised UDP discovery port.
	Port     int
	Identity protocol.IdentityBody
	Logger   zerolog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Port <= 0 {
		out.Port = DefaultBeaconPort
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.Identity.DeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.Identity.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.Identity.TCPPort <= 0 {
		return errors.New("tcp port must be > 0")
	}
	return nil
}

func identityTXT(identity protocol.IdentityBody) []string {
	return []string{
		"id=" + identity.DeviceID,
		"name=" + identity.DeviceName,
		"type=" + identity.DeviceType,
		"protocol=" + strconv.Itoa(identity.ProtocolVersion),
		"tcp_port=" + strconv.Itoa(identity.TCPPort),
	}
}

// Advertiser publishes this device via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the service record.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.Identity.DeviceID, cfg.Service, cfg.Domain, cfg.Port, identityTXT(cfg.Identity), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the service record.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// MDNS couples the advertiser with a browser sharing one config.
type MDNS struct {
	Advertiser *Advertiser
	Browser    *Browser
}

// StartMDNS starts advertisement and browsing. Callers treat a failure as
// a warning; UDP beacons remain the primary mechanism.
func StartMDNS(config MDNSConfig) (*MDNS, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	browser, err := NewBrowser(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	browser.Start()

	return &MDNS{Advertiser: advertiser, Browser: browser}, nil
}

// Stop stops browsing and advertisement.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	if m.Browser != nil {
		m.Browser.Stop()
	}
	if m.Advertiser != nil {
		m.Advertiser.Stop()
	}
}
