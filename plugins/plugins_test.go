package plugins

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdeconnect-service/logger"
	"kdeconnect-service/protocol"
	"kdeconnect-service/router"
)

type emitted struct {
	deviceID   string
	packetType string
	payload    json.RawMessage
}

type sent struct {
	deviceID   string
	packetType string
	body       json.RawMessage
}

type fakeHost struct {
	mu      sync.Mutex
	emitted []emitted
	sent    []sent
}

func (h *fakeHost) Send(deviceID, packetType string, body any) error {
	p, err := protocol.NewPacket(packetType, body)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{deviceID: deviceID, packetType: packetType, body: p.Body})
	return nil
}

func (h *fakeHost) Emit(deviceID, packetType string, payload any) {
	raw, _ := json.Marshal(payload)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitted = append(h.emitted, emitted{deviceID: deviceID, packetType: packetType, payload: raw})
}

func (h *fakeHost) Logger() zerolog.Logger { return logger.NewTestLogger() }

func initPlugin(p router.Plugin) *fakeHost {
	host := &fakeHost{}
	p.(router.Initializer).Init(host)
	return host
}

func packet(t *testing.T, packetType, body string) protocol.Packet {
	t.Helper()
	return protocol.Packet{ID: 1, Type: packetType, Body: json.RawMessage(body)}
}

func TestEnabledSkipsDisabledPlugins(t *testing.T) {
	set := NewSet(Options{Disabled: []string{NameSFTP, NameRunCommand}})
	names := make([]string, 0)
	for _, p := range set.Enabled() {
		names = append(names, p.Name())
	}
	assert.NotContains(t, names, NameSFTP)
	assert.NotContains(t, names, NameRunCommand)
	assert.Contains(t, names, NameBattery)
	assert.Len(t, names, 9)
}

func TestEnabledPluginsRegisterWithoutConflicts(t *testing.T) {
	set := NewSet(Options{})
	r, err := router.New(router.Options{Logger: logger.NewTestLogger()}, set.Enabled()...)
	require.NoError(t, err)

	incoming, outgoing := r.Capabilities()
	assert.Contains(t, incoming, protocol.TypeBattery)
	assert.Contains(t, incoming, protocol.TypeSMSMessages)
	assert.Contains(t, outgoing, protocol.TypeFindMyPhoneRequest)
	assert.Contains(t, outgoing, protocol.TypeSMSRequest)
	assert.NotContains(t, incoming, protocol.TypePair)
}

func TestSendersFailBeforeRegistration(t *testing.T) {
	require.ErrorIs(t, NewPing().Send("phone", "hi"), ErrNotInitialized)
}

func TestBatteryTracksStatus(t *testing.T) {
	battery := NewBattery()
	host := initPlugin(battery)

	err := battery.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeBattery, `{"currentCharge":15,"isCharging":false,"thresholdEvent":1}`))
	require.NoError(t, err)

	status, ok := battery.Status("phone")
	require.True(t, ok)
	assert.Equal(t, 15, status.CurrentCharge)
	assert.True(t, status.LowBattery())
	require.Len(t, host.emitted, 1)
	assert.Equal(t, protocol.TypeBattery, host.emitted[0].packetType)

	require.NoError(t, battery.Request("phone"))
	require.Len(t, host.sent, 1)
	assert.Equal(t, protocol.TypeBatteryRequest, host.sent[0].packetType)
	assert.JSONEq(t, `{"request":true}`, string(host.sent[0].body))
}

func TestBatteryRejectsMalformedBody(t *testing.T) {
	battery := NewBattery()
	initPlugin(battery)
	err := battery.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeBattery, `{"currentCharge":"full"}`))
	require.Error(t, err)
	_, ok := battery.Status("phone")
	assert.False(t, ok)
}

func TestNotificationTracksActiveSet(t *testing.T) {
	n := NewNotification()
	host := initPlugin(n)
	ctx := context.Background()

	require.NoError(t, n.HandlePacket(ctx, "phone", packet(t, protocol.TypeNotification, `{"id":"b","appName":"Signal","title":"Ana"}`)))
	require.NoError(t, n.HandlePacket(ctx, "phone", packet(t, protocol.TypeNotification, `{"id":"a","appName":"Mail"}`)))
	require.NoError(t, n.HandlePacket(ctx, "phone", packet(t, protocol.TypeNotification, `{"id":"b","isCancel":true}`)))
	require.Error(t, n.HandlePacket(ctx, "phone", packet(t, protocol.TypeNotification, `{"title":"no id"}`)))

	active := n.Active("phone")
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)
	assert.Len(t, host.emitted, 3)

	require.NoError(t, n.Dismiss("phone", "a"))
	require.NoError(t, n.Reply("phone", "r-1", "on my way"))
	assert.JSONEq(t, `{"cancel":"a"}`, string(host.sent[0].body))
	assert.Equal(t, protocol.TypeNotificationReply, host.sent[1].packetType)
	assert.JSONEq(t, `{"requestReplyId":"r-1","message":"on my way"}`, string(host.sent[1].body))
}

func TestSMSSendersBuildRequests(t *testing.T) {
	sms := NewSMS()
	host := initPlugin(sms)

	require.NoError(t, sms.SendText("phone", "+1 (555) 123-4567", "hello"))
	require.NoError(t, sms.RequestConversations("phone"))
	require.NoError(t, sms.RequestConversation("phone", 42))
	require.Error(t, sms.SendText("phone", "n/a", "hello"))
	require.Error(t, sms.SendText("phone", "5551234567", "  "))

	require.Len(t, host.sent, 3)
	assert.JSONEq(t, `{"sendSms":true,"phoneNumber":"+1 (555) 123-4567","messageBody":"hello"}`, string(host.sent[0].body))
	assert.Equal(t, protocol.TypeSMSRequestConversations, host.sent[1].packetType)
	assert.JSONEq(t, `{"threadID":42}`, string(host.sent[2].body))
}

func TestSMSMessagesAreEmitted(t *testing.T) {
	sms := NewSMS()
	host := initPlugin(sms)

	body := `{"messages":[{"_id":7,"thread_id":3,"body":"hi","addresses":[{"address":"5551234567"}],"date":1700000000000,"type":2,"read":1}]}`
	require.NoError(t, sms.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeSMSMessages, body)))

	require.Len(t, host.emitted, 1)
	var got SMSMessagesBody
	require.NoError(t, json.Unmarshal(host.emitted[0].payload, &got))
	require.Len(t, got.Messages, 1)
	assert.True(t, got.Messages[0].Sent())
	assert.Equal(t, int64(3), got.Messages[0].ThreadID)
}

func TestClipboardConnectIgnoresStaleContent(t *testing.T) {
	clip := NewClipboard(true)
	host := initPlugin(clip)
	ctx := context.Background()

	require.NoError(t, clip.HandlePacket(ctx, "phone", packet(t, protocol.TypeClipboardConnect, `{"content":"new","timestamp":200}`)))
	require.NoError(t, clip.HandlePacket(ctx, "phone", packet(t, protocol.TypeClipboardConnect, `{"content":"old","timestamp":100}`)))
	require.NoError(t, clip.HandlePacket(ctx, "phone", packet(t, protocol.TypeClipboardConnect, `{"content":"none"}`)))
	require.NoError(t, clip.HandlePacket(ctx, "phone", packet(t, protocol.TypeClipboard, `{"content":"typed"}`)))

	require.Len(t, host.emitted, 2)
	assert.JSONEq(t, `{"content":"new","apply":true}`, string(host.emitted[0].payload))
	assert.JSONEq(t, `{"content":"typed","apply":true}`, string(host.emitted[1].payload))
}

func TestMPRISControlValidatesAction(t *testing.T) {
	m := NewMPRIS()
	host := initPlugin(m)

	require.NoError(t, m.Control("phone", "Spotify", MediaNext))
	require.Error(t, m.Control("phone", "Spotify", "Rewind"))
	require.NoError(t, m.RequestPlayers("phone"))

	require.Len(t, host.sent, 2)
	assert.JSONEq(t, `{"player":"Spotify","action":"Next"}`, string(host.sent[0].body))
	assert.JSONEq(t, `{"requestPlayerList":true}`, string(host.sent[1].body))
}

func TestRunCommandParsesCommandList(t *testing.T) {
	rc := NewRunCommand()
	host := initPlugin(rc)

	list := `{"commandList":"{\"k2\":{\"name\":\"Lock\",\"command\":\"loginctl lock-session\"},\"k1\":{\"name\":\"Backup\",\"command\":\"restic backup\"}}"}`
	require.NoError(t, rc.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeRunCommand, list)))

	require.Len(t, host.emitted, 1)
	var got CommandListEvent
	require.NoError(t, json.Unmarshal(host.emitted[0].payload, &got))
	require.Len(t, got.Commands, 2)
	assert.Equal(t, "Backup", got.Commands[0].Name)
	assert.Equal(t, "k2", got.Commands[1].Key)

	require.Error(t, rc.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeRunCommand, `{"commandList":"not json"}`)))
}

func TestShareRejectsFiles(t *testing.T) {
	share := NewShare()
	host := initPlugin(share)
	ctx := context.Background()

	require.ErrorIs(t, share.HandlePacket(ctx, "phone", packet(t, protocol.TypeShareRequest, `{"filename":"photo.jpg"}`)), ErrFileShareUnsupported)
	require.NoError(t, share.HandlePacket(ctx, "phone", packet(t, protocol.TypeShareRequest, `{"url":"https://kde.org"}`)))
	assert.Len(t, host.emitted, 1)

	require.Error(t, share.SendURL("phone", "not a url"))
	require.NoError(t, share.SendText("phone", "hello"))
}

func TestSFTPErrorBecomesFailure(t *testing.T) {
	s := NewSFTP()
	host := initPlugin(s)

	require.Error(t, s.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeSFTP, `{"errorMessage":"permission denied"}`)))
	require.NoError(t, s.HandlePacket(context.Background(), "phone", packet(t, protocol.TypeSFTP, `{"ip":"192.168.1.5","port":1739,"user":"kdeconnect","path":"/storage"}`)))
	assert.Len(t, host.emitted, 1)
}
