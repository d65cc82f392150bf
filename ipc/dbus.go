package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"

	"kdeconnect-service/models"
	"kdeconnect-service/plugins"
	"kdeconnect-service/protocol"
)

// D-Bus names of the service.
const (
	DBusServiceName    = "org.cosmic.KdeConnect"
	DBusDaemonPath     = dbus.ObjectPath("/org/cosmic/KdeConnect/Daemon")
	DBusDaemonIface    = "org.cosmic.KdeConnect.Daemon"
	DBusSMSPath        = dbus.ObjectPath("/org/cosmic/KdeConnect/Sms")
	DBusSMSIface       = "org.cosmic.KdeConnect.Sms"
	dbusDeviceSig      = "(sssbb)"
	dbusDeviceArgsName = "device"
)

// ErrNameTaken indicates another process owns the D-Bus service name.
var ErrNameTaken = errors.New("dbus name already owned")

// DBusDevice is the device struct exchanged over D-Bus.
type DBusDevice struct {
	ID          string
	Name        string
	DeviceType  string
	IsPaired    bool
	IsReachable bool
}

func toDBusDevice(device models.Device) DBusDevice {
	return DBusDevice{
		ID:          device.ID,
		Name:        device.Name,
		DeviceType:  string(device.Type),
		IsPaired:    device.Paired(),
		IsReachable: device.Reachable,
	}
}

type daemonObject struct {
	sessions Sessions
	plugins  *plugins.Set
}

func failed(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.MakeFailedError(err)
}

func (d *daemonObject) ListDevices() ([]DBusDevice, *dbus.Error) {
	devices := d.sessions.Devices()
	out := make([]DBusDevice, 0, len(devices))
	for _, device := range devices {
		out = append(out, toDBusDevice(device))
	}
	return out, nil
}

func (d *daemonObject) PairDevice(deviceID string) *dbus.Error {
	return failed(d.sessions.RequestPair(deviceID))
}

func (d *daemonObject) AcceptPairing(deviceID string) *dbus.Error {
	return failed(d.sessions.ResolvePair(deviceID, true))
}

func (d *daemonObject) RejectPairing(deviceID string) *dbus.Error {
	return failed(d.sessions.ResolvePair(deviceID, false))
}

func (d *daemonObject) UnpairDevice(deviceID string) *dbus.Error {
	return failed(d.sessions.Unpair(deviceID))
}

func (d *daemonObject) SendPing(deviceID, message string) *dbus.Error {
	return failed(d.plugins.Ping.Send(deviceID, message))
}

func (d *daemonObject) SendClipboard(deviceID, content string) *dbus.Error {
	return failed(d.plugins.Clipboard.Send(deviceID, content))
}

func (d *daemonObject) RingDevice(deviceID string) *dbus.Error {
	return failed(d.plugins.FindMyPhone.Ring(deviceID))
}

func (d *daemonObject) ShareText(deviceID, text string) *dbus.Error {
	return failed(d.plugins.Share.SendText(deviceID, text))
}

func (d *daemonObject) ShareUrl(deviceID, link string) *dbus.Error {
	return failed(d.plugins.Share.SendURL(deviceID, link))
}

// SendFiles is exported for clients that expect it; payload transfers are
// not carried by this service.
func (d *daemonObject) SendFiles(deviceID string, paths []string) *dbus.Error {
	return failed(models.NewError(models.KindCapability, "send files", deviceID, plugins.ErrFileShareUnsupported))
}

func (d *daemonObject) MprisControl(deviceID, player, action string) *dbus.Error {
	return failed(d.plugins.MPRIS.Control(deviceID, player, action))
}

func (d *daemonObject) RequestMprisPlayers(deviceID string) *dbus.Error {
	return failed(d.plugins.MPRIS.RequestPlayers(deviceID))
}

func (d *daemonObject) RequestNowPlaying(deviceID, player string) *dbus.Error {
	return failed(d.plugins.MPRIS.RequestNowPlaying(deviceID, player))
}

// DBusNotification is one live remote notification as exchanged over D-Bus.
type DBusNotification struct {
	ID      string
	AppName string
	Title   string
	Text    string
	ReplyID string
}

func (d *daemonObject) ActiveNotifications(deviceID string) ([]DBusNotification, *dbus.Error) {
	active := d.plugins.Notification.Active(deviceID)
	out := make([]DBusNotification, 0, len(active))
	for _, n := range active {
		out = append(out, DBusNotification{ID: n.ID, AppName: n.AppName, Title: n.Title, Text: n.Text, ReplyID: n.RequestReply})
	}
	return out, nil
}

func (d *daemonObject) RequestNotifications(deviceID string) *dbus.Error {
	return failed(d.plugins.Notification.RequestAll(deviceID))
}

func (d *daemonObject) DismissNotification(deviceID, notificationID string) *dbus.Error {
	return failed(d.plugins.Notification.Dismiss(deviceID, notificationID))
}

func (d *daemonObject) ReplyNotification(deviceID, replyID, message string) *dbus.Error {
	return failed(d.plugins.Notification.Reply(deviceID, replyID, message))
}

func (d *daemonObject) RunCommand(deviceID, key string) *dbus.Error {
	return failed(d.plugins.RunCommand.Execute(deviceID, key))
}

func (d *daemonObject) RequestCommands(deviceID string) *dbus.Error {
	return failed(d.plugins.RunCommand.RequestList(deviceID))
}

func (d *daemonObject) BrowseFiles(deviceID string) *dbus.Error {
	return failed(d.plugins.SFTP.StartBrowsing(deviceID))
}

// BatteryStatus returns the last reported charge; known is false until the
// device has sent one.
func (d *daemonObject) BatteryStatus(deviceID string) (charge int32, charging bool, known bool, dbusErr *dbus.Error) {
	status, ok := d.plugins.Battery.Status(deviceID)
	if !ok {
		return 0, false, false, nil
	}
	return int32(status.CurrentCharge), status.IsCharging, true, nil
}

func (d *daemonObject) RequestBattery(deviceID string) *dbus.Error {
	return failed(d.plugins.Battery.Request(deviceID))
}

func (d *daemonObject) RequestConnectivity(deviceID string) *dbus.Error {
	return failed(d.plugins.ConnectivityReport.Request(deviceID))
}

type smsObject struct {
	plugins *plugins.Set
}

func (s *smsObject) RequestConversations(deviceID string) *dbus.Error {
	return failed(s.plugins.SMS.RequestConversations(deviceID))
}

func (s *smsObject) RequestConversation(deviceID string, threadID int64) *dbus.Error {
	return failed(s.plugins.SMS.RequestConversation(deviceID, threadID))
}

func (s *smsObject) SendSms(deviceID, phoneNumber, message string) *dbus.Error {
	return failed(s.plugins.SMS.SendText(deviceID, phoneNumber, message))
}

// DBusOptions configures the D-Bus bridge.
type DBusOptions struct {
	Sessions Sessions
	Plugins  *plugins.Set
	Broker   *Broker
	Logger   zerolog.Logger
}

// DBusService exports the daemon and SMS objects on the session bus and
// turns broker events into signals.
type DBusService struct {
	conn    *dbus.Conn
	log     zerolog.Logger
	sub     *Subscription
	tracker *signalTracker
	wg      sync.WaitGroup
}

// StartDBus connects to the session bus, claims the service name, and starts
// emitting signals.
func StartDBus(opts DBusOptions) (*DBusService, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	reply, err := conn.RequestName(DBusServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("request dbus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, DBusServiceName)
	}

	daemon := &daemonObject{sessions: opts.Sessions, plugins: opts.Plugins}
	sms := &smsObject{plugins: opts.Plugins}
	exports := []struct {
		object  any
		path    dbus.ObjectPath
		iface   string
		signals []introspect.Signal
	}{
		{daemon, DBusDaemonPath, DBusDaemonIface, daemonSignals()},
		{sms, DBusSMSPath, DBusSMSIface, smsSignals()},
	}
	for _, export := range exports {
		if err := conn.Export(export.object, export.path, export.iface); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("export %s: %w", export.path, err)
		}
		node := &introspect.Node{
			Name: string(export.path),
			Interfaces: []introspect.Interface{
				introspect.IntrospectData,
				{Name: export.iface, Methods: introspect.Methods(export.object), Signals: export.signals},
			},
		}
		if err := conn.Export(introspect.NewIntrospectable(node), export.path, "org.freedesktop.DBus.Introspectable"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("export introspection for %s: %w", export.path, err)
		}
	}

	s := &DBusService{
		conn:    conn,
		log:     opts.Logger.With().Str("component", "dbus").Logger(),
		sub:     opts.Broker.Subscribe(Filter{}),
		tracker: newSignalTracker(opts.Sessions),
	}
	s.wg.Add(1)
	go s.emitLoop()
	s.log.Info().Str("name", DBusServiceName).Msg("dbus service exported")
	return s, nil
}

// Close stops emitting signals and releases the bus connection.
func (s *DBusService) Close() error {
	s.sub.Close()
	s.wg.Wait()
	_, _ = s.conn.ReleaseName(DBusServiceName)
	return s.conn.Close()
}

func (s *DBusService) emitLoop() {
	defer s.wg.Done()
	for event := range s.sub.C {
		for _, sig := range s.tracker.signalsFor(event) {
			if err := s.conn.Emit(sig.path, sig.name, sig.args...); err != nil {
				s.log.Warn().Err(err).Str("signal", sig.name).Msg("failed to emit dbus signal")
			}
		}
	}
}

type dbusSignal struct {
	path dbus.ObjectPath
	name string
	args []any
}

// signalTracker remembers which devices are connected so state updates turn
// into edge-triggered connect and disconnect signals.
type signalTracker struct {
	sessions  Sessions
	connected map[string]bool
}

func newSignalTracker(sessions Sessions) *signalTracker {
	return &signalTracker{sessions: sessions, connected: make(map[string]bool)}
}

func (t *signalTracker) signalsFor(event models.Event) []dbusSignal {
	daemon := func(member string, args ...any) dbusSignal {
		return dbusSignal{path: DBusDaemonPath, name: DBusDaemonIface + "." + member, args: args}
	}

	switch event.Kind {
	case models.EventDeviceUpdated, models.EventDeviceAdded:
		if event.Device == nil {
			return nil
		}
		active := event.Device.SessionState == models.SessionActive
		was := t.connected[event.DeviceID]
		t.connected[event.DeviceID] = active
		switch {
		case active && !was:
			return []dbusSignal{daemon("DeviceConnected", event.DeviceID, toDBusDevice(*event.Device))}
		case !active && was:
			return []dbusSignal{daemon("DeviceDisconnected", event.DeviceID)}
		}
	case models.EventDeviceRemoved:
		if t.connected[event.DeviceID] {
			delete(t.connected, event.DeviceID)
			return []dbusSignal{daemon("DeviceDisconnected", event.DeviceID)}
		}
		delete(t.connected, event.DeviceID)
	case models.EventPairingResolved:
		var outcome struct {
			Accepted bool `json:"accepted"`
		}
		if json.Unmarshal(event.Payload, &outcome) != nil || !outcome.Accepted {
			return nil
		}
		device, ok := t.sessions.Device(event.DeviceID)
		if !ok {
			return nil
		}
		dev := toDBusDevice(device)
		dev.IsPaired = true
		return []dbusSignal{daemon("DevicePaired", event.DeviceID, dev)}
	case models.EventPairingRequested:
		if event.Pairing == nil || event.Pairing.Direction != models.PairingIncoming {
			return nil
		}
		return []dbusSignal{daemon("PairingRequested", event.DeviceID, event.Pairing.DeviceName)}
	case models.EventCapability:
		if event.PacketType != protocol.TypeSMSMessages {
			return nil
		}
		return []dbusSignal{{path: DBusSMSPath, name: DBusSMSIface + ".SmsMessagesReceived", args: []any{string(event.Payload)}}}
	}
	return nil
}

func daemonSignals() []introspect.Signal {
	device := introspect.Arg{Name: dbusDeviceArgsName, Type: dbusDeviceSig}
	id := introspect.Arg{Name: "device_id", Type: "s"}
	return []introspect.Signal{
		{Name: "DeviceConnected", Args: []introspect.Arg{id, device}},
		{Name: "DevicePaired", Args: []introspect.Arg{id, device}},
		{Name: "DeviceDisconnected", Args: []introspect.Arg{id}},
		{Name: "PairingRequested", Args: []introspect.Arg{id, {Name: "device_name", Type: "s"}}},
	}
}

func smsSignals() []introspect.Signal {
	return []introspect.Signal{
		{Name: "SmsMessagesReceived", Args: []introspect.Arg{{Name: "messages_json", Type: "s"}}},
	}
}
