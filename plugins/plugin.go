// Package plugins implements the capability plugins of the service. Each
// plugin turns inbound packets into capability events for IPC subscribers
// and exposes typed senders for the packets it emits.
package plugins

import (
	"errors"
	"slices"

	"github.com/rs/zerolog"

	"kdeconnect-service/protocol"
	"kdeconnect-service/router"
)

// ErrNotInitialized is returned by senders of a plugin no router has registered.
var ErrNotInitialized = errors.New("plugin is not registered with a router")

// Plugin names as used in the plugins.disabled config list.
const (
	NamePing               = "ping"
	NameBattery            = "battery"
	NameNotification       = "notification"
	NameSMS                = "sms"
	NameClipboard          = "clipboard"
	NameFindMyPhone        = "findmyphone"
	NameMPRIS              = "mpris"
	NameRunCommand         = "runcommand"
	NameSFTP               = "sftp"
	NameShare              = "share"
	NameConnectivityReport = "connectivity_report"
)

// base carries the host every plugin talks back through.
type base struct {
	host router.Host
	log  zerolog.Logger
}

func (b *base) Init(host router.Host) {
	b.host = host
	b.log = host.Logger()
}

func (b *base) send(deviceID, packetType string, body any) error {
	if b.host == nil {
		return ErrNotInitialized
	}
	return b.host.Send(deviceID, packetType, body)
}

func (b *base) emit(deviceID, packetType string, payload any) {
	if b.host == nil {
		return
	}
	b.host.Emit(deviceID, packetType, payload)
}

func decode[T any](p protocol.Packet) (T, error) {
	var body T
	err := p.DecodeBody(&body)
	return body, err
}

// Options tunes plugin behaviour from configuration.
type Options struct {
	Disabled           []string
	ClipboardAutoShare bool
}

// Set holds one instance of every plugin so other components can reach the
// typed senders.
type Set struct {
	Ping               *Ping
	Battery            *Battery
	Notification       *Notification
	SMS                *SMS
	Clipboard          *Clipboard
	FindMyPhone        *FindMyPhone
	MPRIS              *MPRIS
	RunCommand         *RunCommand
	SFTP               *SFTP
	Share              *Share
	ConnectivityReport *ConnectivityReport

	disabled []string
}

// NewSet builds every plugin.
func NewSet(opts Options) *Set {
	return &Set{
		Ping:               NewPing(),
		Battery:            NewBattery(),
		Notification:       NewNotification(),
		SMS:                NewSMS(),
		Clipboard:          NewClipboard(opts.ClipboardAutoShare),
		FindMyPhone:        NewFindMyPhone(),
		MPRIS:              NewMPRIS(),
		RunCommand:         NewRunCommand(),
		SFTP:               NewSFTP(),
		Share:              NewShare(),
		ConnectivityReport: NewConnectivityReport(),
		disabled:           opts.Disabled,
	}
}

// Enabled returns the plugins to register, skipping disabled names.
func (s *Set) Enabled() []router.Plugin {
	all := []router.Plugin{
		s.Ping,
		s.Battery,
		s.Notification,
		s.SMS,
		s.Clipboard,
		s.FindMyPhone,
		s.MPRIS,
		s.RunCommand,
		s.SFTP,
		s.Share,
		s.ConnectivityReport,
	}
	out := make([]router.Plugin, 0, len(all))
	for _, plugin := range all {
		if slices.Contains(s.disabled, plugin.Name()) {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
