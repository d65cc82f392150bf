package cli

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"kdeconnect-service/config"
	"kdeconnect-service/discovery"
	"kdeconnect-service/ipc"
	"kdeconnect-service/logger"
	"kdeconnect-service/network"
	"kdeconnect-service/plugins"
	"kdeconnect-service/protocol"
	"kdeconnect-service/router"
	"kdeconnect-service/session"
	"kdeconnect-service/storage"
	"kdeconnect-service/trust"
)

// Exit codes returned by the service binary.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitIdentity = 2
	ExitBind     = 3
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitErr(code int, format string, err error) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, err)}
}

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return ExitFailure
}

// ServiceOptions configures one service instance.
type ServiceOptions struct {
	Config  *config.DeviceConfig
	DataDir string
	Logger  zerolog.Logger

	// DisableBroadcast limits beacons to the configured seed addresses.
	DisableBroadcast bool
}

// Service owns every running component of the background service.
type Service struct {
	Identity *trust.Identity
	Manager  *session.Manager
	Router   *router.Router
	Plugins  *plugins.Set
	Broker   *ipc.Broker
	IPC      *ipc.Server

	log    zerolog.Logger
	db     *storage.Store
	beacon *discovery.Beacon
	mdns   *discovery.MDNS
	dbus   *ipc.DBusService

	closers []func()
}

// StartService opens storage and identity, binds the session listener,
// discovery beacon and IPC socket, then starts the optional mDNS and D-Bus
// surfaces. Failures are returned as *ExitError.
func StartService(opts ServiceOptions) (*Service, error) {
	cfg := opts.Config
	s := &Service{log: opts.Logger}

	db, _, err := storage.Open(opts.DataDir)
	if err != nil {
		return nil, exitErr(ExitIdentity, "open database: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, func() {
		if err := db.Close(); err != nil {
			s.log.Warn().Err(err).Msg("database close failed")
		}
	})

	identity, err := trust.LoadOrCreateIdentity(cfg)
	if err != nil {
		s.Close()
		return nil, exitErr(ExitIdentity, "load identity: %w", err)
	}
	s.Identity = identity

	trustStore, err := trust.NewStore(db, logger.WithComponent(s.log, "trust"))
	if err != nil {
		s.Close()
		return nil, exitErr(ExitIdentity, "load trusted devices: %w", err)
	}

	s.Broker = ipc.NewBroker(s.log)
	s.closers = append(s.closers, s.Broker.Close)

	s.Plugins = plugins.NewSet(plugins.Options{
		Disabled:           cfg.Plugins.Disabled,
		ClipboardAutoShare: cfg.Plugins.ClipboardAutoShare,
	})
	s.Router, err = router.New(router.Options{Events: s.Broker, Logger: s.log}, s.Plugins.Enabled()...)
	if err != nil {
		s.Close()
		return nil, exitErr(ExitFailure, "register plugins: %w", err)
	}
	incoming, outgoing := s.Router.Capabilities()

	s.Manager, err = session.New(session.Options{
		Identity: network.LocalIdentity{
			DeviceID:   identity.DeviceID,
			DeviceName: identity.DeviceName,
			DeviceType: string(identity.DeviceType),
			TCPPort:    cfg.TCPPort,
			PrivateKey: identity.PrivateKey,
		},
		Trust:             trustStore,
		Dispatcher:        s.Router,
		Events:            s.Broker,
		ListenAddress:     fmt.Sprintf(":%d", cfg.TCPPort),
		Codec:             protocol.NewCodec(incoming...),
		HandshakeTimeout:  cfg.HandshakeTimeout.Std(),
		KeepAliveInterval: cfg.KeepAliveInterval.Std(),
		KeepAliveTimeout:  cfg.KeepAliveTimeout.Std(),
		PairingTimeout:    cfg.PairingTimeout.Std(),
		Reconnect: session.ReconnectPolicy{
			InitialInterval: cfg.Reconnect.InitialInterval.Std(),
			MaxInterval:     cfg.Reconnect.MaxInterval.Std(),
			Multiplier:      cfg.Reconnect.Multiplier,
		},
		AutoConnectUnpaired: cfg.AutoConnectUnpaired,
		OutboundQueueSize:   cfg.OutboundQueueSize,
		OutboundQueueTTL:    cfg.OutboundQueueTTL.Std(),
		Logger:              s.log,
	})
	if err != nil {
		s.Close()
		return nil, exitErr(ExitFailure, "create session manager: %w", err)
	}
	s.Router.Attach(s.Manager)
	if err := s.Manager.Start(); err != nil {
		s.Close()
		return nil, exitErr(ExitBind, "listen for sessions: %w", err)
	}
	s.closers = append(s.closers, s.Manager.Stop)

	tcpPort := cfg.TCPPort
	if tcpPort == 0 {
		tcpPort = s.TCPPort()
	}
	announced := protocol.IdentityBody{
		DeviceID:             identity.DeviceID,
		DeviceName:           identity.DeviceName,
		DeviceType:           string(identity.DeviceType),
		ProtocolVersion:      protocol.ProtocolVersion,
		TCPPort:              tcpPort,
		IncomingCapabilities: incoming,
		OutgoingCapabilities: outgoing,
	}

	s.beacon, err = discovery.NewBeacon(discovery.BeaconConfig{
		Port:                  cfg.DiscoveryPort,
		Identity:              announced,
		Interval:              cfg.BeaconInterval.Std(),
		InterfacePollInterval: cfg.InterfacePollInterval.Std(),
		StaleAfter:            cfg.StaleAfter.Std(),
		SeedAddresses:         cfg.SeedAddresses,
		DisableBroadcast:      opts.DisableBroadcast,
		Logger:                logger.WithComponent(s.log, "discovery"),
	})
	if err != nil {
		s.Close()
		return nil, exitErr(ExitFailure, "configure discovery: %w", err)
	}
	if err := s.beacon.Start(); err != nil {
		s.Close()
		return nil, exitErr(ExitBind, "bind discovery port: %w", err)
	}
	s.closers = append(s.closers, s.beacon.Stop)
	s.Manager.Watch(s.beacon.Events())

	if cfg.MDNSEnabled {
		s.mdns, err = discovery.StartMDNS(discovery.MDNSConfig{
			Port:     s.beacon.LocalAddr().Port,
			Identity: announced,
			Logger:   logger.WithComponent(s.log, "mdns"),
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("mdns discovery unavailable")
		} else {
			s.closers = append(s.closers, s.mdns.Stop)
			s.Manager.Watch(s.mdns.Browser.Events())
		}
	}

	s.IPC, err = ipc.Listen(ipc.ServerOptions{
		SocketPath: cfg.IPCSocketPath,
		Commands:   ipc.NewCommands(s.Manager, s.Router),
		Broker:     s.Broker,
		Logger:     s.log,
	})
	if err != nil {
		s.Close()
		return nil, exitErr(ExitBind, "listen on ipc socket: %w", err)
	}
	s.closers = append(s.closers, func() {
		if err := s.IPC.Close(); err != nil {
			s.log.Warn().Err(err).Msg("ipc server close failed")
		}
	})

	if cfg.DBusEnabled {
		s.dbus, err = ipc.StartDBus(ipc.DBusOptions{
			Sessions: s.Manager,
			Plugins:  s.Plugins,
			Broker:   s.Broker,
			Logger:   s.log,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("dbus interface unavailable")
		} else {
			s.closers = append(s.closers, func() { _ = s.dbus.Close() })
		}
	}

	s.log.Info().
		Str("device_id", identity.DeviceID).
		Str("fingerprint", identity.Fingerprint).
		Int("tcp_port", s.TCPPort()).
		Int("discovery_port", s.beacon.LocalAddr().Port).
		Str("socket", s.IPC.Addr()).
		Msg("service running")
	return s, nil
}

// TCPPort returns the bound session port.
func (s *Service) TCPPort() int {
	if s.Manager == nil {
		return 0
	}
	addr, ok := s.Manager.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

// Close stops components in reverse start order.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
