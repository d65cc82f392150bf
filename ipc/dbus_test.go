package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/logger"
	"kdeconnect-service/models"
	"kdeconnect-service/plugins"
	"kdeconnect-service/protocol"
	"kdeconnect-service/router"
)

func deviceEvent(state models.SessionState) models.Event {
	device := phone()
	device.SessionState = state
	return models.Event{Kind: models.EventDeviceUpdated, DeviceID: device.ID, Device: &device}
}

func TestSignalTrackerEmitsConnectEdges(t *testing.T) {
	tracker := newSignalTracker(newFakeSessions(phone()))

	assert.Empty(t, tracker.signalsFor(deviceEvent(models.SessionHandshaking)))

	signals := tracker.signalsFor(deviceEvent(models.SessionActive))
	require.Len(t, signals, 1)
	assert.Equal(t, DBusDaemonIface+".DeviceConnected", signals[0].name)
	assert.Equal(t, DBusDaemonPath, signals[0].path)
	require.Len(t, signals[0].args, 2)
	assert.Equal(t, DBusDevice{ID: "phone", Name: "Pixel", DeviceType: "phone", IsPaired: true}, signals[0].args[1])

	assert.Empty(t, tracker.signalsFor(deviceEvent(models.SessionActive)))

	signals = tracker.signalsFor(deviceEvent(models.SessionDisconnected))
	require.Len(t, signals, 1)
	assert.Equal(t, DBusDaemonIface+".DeviceDisconnected", signals[0].name)
}

func TestSignalTrackerPairingAndSMS(t *testing.T) {
	tracker := newSignalTracker(newFakeSessions(phone()))

	accepted, _ := json.Marshal(map[string]bool{"accepted": true})
	rejected, _ := json.Marshal(map[string]bool{"accepted": false})

	signals := tracker.signalsFor(models.Event{Kind: models.EventPairingResolved, DeviceID: "phone", Payload: accepted})
	require.Len(t, signals, 1)
	assert.Equal(t, DBusDaemonIface+".DevicePaired", signals[0].name)
	assert.Empty(t, tracker.signalsFor(models.Event{Kind: models.EventPairingResolved, DeviceID: "phone", Payload: rejected}))

	outgoing := &models.PairingRequest{DeviceID: "phone", Direction: models.PairingOutgoing}
	assert.Empty(t, tracker.signalsFor(models.Event{Kind: models.EventPairingRequested, DeviceID: "phone", Pairing: outgoing}))
	incoming := &models.PairingRequest{DeviceID: "phone", DeviceName: "Pixel", Direction: models.PairingIncoming}
	signals = tracker.signalsFor(models.Event{Kind: models.EventPairingRequested, DeviceID: "phone", Pairing: incoming})
	require.Len(t, signals, 1)
	assert.Equal(t, []any{"phone", "Pixel"}, signals[0].args)

	payload := json.RawMessage(`{"messages":[]}`)
	signals = tracker.signalsFor(models.Event{Kind: models.EventCapability, DeviceID: "phone", PacketType: protocol.TypeSMSMessages, Payload: payload})
	require.Len(t, signals, 1)
	assert.Equal(t, DBusSMSPath, signals[0].path)
	assert.Equal(t, []any{`{"messages":[]}`}, signals[0].args)

	assert.Empty(t, tracker.signalsFor(models.Event{Kind: models.EventCapability, PacketType: protocol.TypeBattery}))
}

func TestDaemonObjectDelegates(t *testing.T) {
	sessions := newFakeSessions(phone())
	daemon := &daemonObject{sessions: sessions, plugins: plugins.NewSet(plugins.Options{})}

	devices, dbusErr := daemon.ListDevices()
	require.Nil(t, dbusErr)
	require.Len(t, devices, 1)
	assert.Equal(t, "Pixel", devices[0].Name)

	assert.Nil(t, daemon.PairDevice("phone"))
	assert.Nil(t, daemon.AcceptPairing("phone"))
	assert.Nil(t, daemon.RejectPairing("phone"))
	assert.Nil(t, daemon.UnpairDevice("phone"))
	assert.Equal(t, []string{"pair phone", "accept phone", "reject phone", "unpair phone"}, sessions.recorded())

	// Plugins not registered with a router cannot send.
	assert.NotNil(t, daemon.SendPing("phone", "hi"))
}

func TestDaemonObjectReachesPluginSenders(t *testing.T) {
	set := plugins.NewSet(plugins.Options{})
	r, err := router.New(router.Options{Logger: logger.NewTestLogger()}, set.Enabled()...)
	require.NoError(t, err)
	var (
		mu   sync.Mutex
		sent []protocol.Packet
	)
	r.Attach(senderFunc(func(_ string, p protocol.Packet) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, p)
		return nil
	}))
	daemon := &daemonObject{sessions: newFakeSessions(phone()), plugins: set}

	for name, call := range map[string]func() *dbus.Error{
		"ShareText":            func() *dbus.Error { return daemon.ShareText("phone", "hello") },
		"ShareUrl":             func() *dbus.Error { return daemon.ShareUrl("phone", "https://kde.org") },
		"MprisControl":         func() *dbus.Error { return daemon.MprisControl("phone", "Spotify", plugins.MediaPlayPause) },
		"RequestMprisPlayers":  func() *dbus.Error { return daemon.RequestMprisPlayers("phone") },
		"RequestNowPlaying":    func() *dbus.Error { return daemon.RequestNowPlaying("phone", "Spotify") },
		"RequestNotifications": func() *dbus.Error { return daemon.RequestNotifications("phone") },
		"DismissNotification":  func() *dbus.Error { return daemon.DismissNotification("phone", "n1") },
		"ReplyNotification":    func() *dbus.Error { return daemon.ReplyNotification("phone", "r1", "on my way") },
		"RunCommand":           func() *dbus.Error { return daemon.RunCommand("phone", "lock") },
		"RequestCommands":      func() *dbus.Error { return daemon.RequestCommands("phone") },
		"BrowseFiles":          func() *dbus.Error { return daemon.BrowseFiles("phone") },
		"RequestBattery":       func() *dbus.Error { return daemon.RequestBattery("phone") },
		"RequestConnectivity":  func() *dbus.Error { return daemon.RequestConnectivity("phone") },
	} {
		assert.Nil(t, call(), name)
	}

	types := make(map[string]int)
	for _, p := range sent {
		types[p.Type]++
	}
	assert.Equal(t, map[string]int{
		protocol.TypeShareRequest:              2,
		protocol.TypeMPRISRequest:              3,
		protocol.TypeNotificationRequest:       2,
		protocol.TypeNotificationReply:         1,
		protocol.TypeRunCommandRequest:         2,
		protocol.TypeSFTPRequest:               1,
		protocol.TypeBatteryRequest:            1,
		protocol.TypeConnectivityReportRequest: 1,
	}, types)

	assert.NotNil(t, daemon.MprisControl("phone", "Spotify", "rewind"))
	assert.NotNil(t, daemon.ShareUrl("phone", "not a url"))

	dbusErr := daemon.SendFiles("phone", []string{"/tmp/photo.jpg"})
	require.NotNil(t, dbusErr)
	assert.Contains(t, dbusErr.Error(), plugins.ErrFileShareUnsupported.Error())
	assert.Len(t, sent, 13, "rejected calls send nothing")
}

func TestDaemonObjectReportsPluginState(t *testing.T) {
	set := plugins.NewSet(plugins.Options{})
	r, err := router.New(router.Options{Logger: logger.NewTestLogger()}, set.Enabled()...)
	require.NoError(t, err)
	daemon := &daemonObject{sessions: newFakeSessions(phone()), plugins: set}

	_, _, known, dbusErr := daemon.BatteryStatus("phone")
	require.Nil(t, dbusErr)
	assert.False(t, known)

	ctx := context.Background()
	r.Dispatch(ctx, "phone", protocol.MustPacket(protocol.TypeBattery, map[string]any{"currentCharge": 64, "isCharging": true}))
	r.Dispatch(ctx, "phone", protocol.MustPacket(protocol.TypeNotification, map[string]any{"id": "n1", "appName": "Signal", "title": "Ana", "requestReplyId": "r1"}))

	charge, charging, known, dbusErr := daemon.BatteryStatus("phone")
	require.Nil(t, dbusErr)
	assert.True(t, known)
	assert.EqualValues(t, 64, charge)
	assert.True(t, charging)

	notifications, dbusErr := daemon.ActiveNotifications("phone")
	require.Nil(t, dbusErr)
	assert.Equal(t, []DBusNotification{{ID: "n1", AppName: "Signal", Title: "Ana", ReplyID: "r1"}}, notifications)
}
