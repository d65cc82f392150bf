package protocol

// Core packet types handled by the service itself rather than plugins.
const (
	TypeIdentity     = "kdeconnect.identity"
	TypePair         = "kdeconnect.pair"
	TypeCapabilities = "kdeconnect.capabilities"
	TypeKeepAlive    = "kdeconnect.keepalive"
)

// Plugin packet types.
const (
	TypePing                      = "kdeconnect.ping"
	TypeBattery                   = "kdeconnect.battery"
	TypeBatteryRequest            = "kdeconnect.battery.request"
	TypeNotification              = "kdeconnect.notification"
	TypeNotificationRequest       = "kdeconnect.notification.request"
	TypeNotificationReply         = "kdeconnect.notification.reply"
	TypeSMSMessages               = "kdeconnect.sms.messages"
	TypeSMSRequest                = "kdeconnect.sms.request"
	TypeSMSRequestConversations   = "kdeconnect.sms.request_conversations"
	TypeSMSRequestConversation    = "kdeconnect.sms.request_conversation"
	TypeClipboard                 = "kdeconnect.clipboard"
	TypeClipboardConnect          = "kdeconnect.clipboard.connect"
	TypeFindMyPhoneRequest        = "kdeconnect.findmyphone.request"
	TypeMPRIS                     = "kdeconnect.mpris"
	TypeMPRISRequest              = "kdeconnect.mpris.request"
	TypeRunCommand                = "kdeconnect.runcommand"
	TypeRunCommandRequest         = "kdeconnect.runcommand.request"
	TypeSFTP                      = "kdeconnect.sftp"
	TypeSFTPRequest               = "kdeconnect.sftp.request"
	TypeShareRequest              = "kdeconnect.share.request"
	TypeConnectivityReport        = "kdeconnect.connectivity_report"
	TypeConnectivityReportRequest = "kdeconnect.connectivity_report.request"
)

// CoreTypes are always known to every codec.
var CoreTypes = []string{
	TypeIdentity,
	TypePair,
	TypeCapabilities,
	TypeKeepAlive,
}

// IdentityBody is the body of identity packets sent in discovery beacons.
type IdentityBody struct {
	DeviceID             string   `json:"deviceId"`
	DeviceName           string   `json:"deviceName"`
	DeviceType           string   `json:"deviceType"`
	ProtocolVersion      int      `json:"protocolVersion"`
	TCPPort              int      `json:"tcpPort"`
	IncomingCapabilities []string `json:"incomingCapabilities,omitempty"`
	OutgoingCapabilities []string `json:"outgoingCapabilities,omitempty"`
}

// PairBody requests (true) or refuses/cancels (false) pairing.
type PairBody struct {
	Pair bool `json:"pair"`
}

// CapabilitiesBody lists the packet types a device consumes and produces.
type CapabilitiesBody struct {
	IncomingCapabilities []string `json:"incomingCapabilities"`
	OutgoingCapabilities []string `json:"outgoingCapabilities"`
}

// KeepAliveBody is a liveness check on a link; Ack marks the reply.
type KeepAliveBody struct {
	Ack bool `json:"ack"`
}
