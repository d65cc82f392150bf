package plugins

import (
	"context"
	"errors"
	"sort"
	"sync"

	"kdeconnect-service/protocol"
)

// NotificationBody mirrors a notification posted on the remote device.
type NotificationBody struct {
	ID           string `json:"id"`
	AppName      string `json:"appName,omitempty"`
	Title        string `json:"title,omitempty"`
	Text         string `json:"text,omitempty"`
	Ticker       string `json:"ticker,omitempty"`
	IsClearable  bool   `json:"isClearable,omitempty"`
	IsCancel     bool   `json:"isCancel,omitempty"`
	Silent       bool   `json:"silent,omitempty"`
	Time         string `json:"time,omitempty"`
	RequestReply string `json:"requestReplyId,omitempty"`
}

type notificationRequestBody struct {
	Request bool   `json:"request,omitempty"`
	Cancel  string `json:"cancel,omitempty"`
}

type notificationReplyBody struct {
	RequestReplyID string `json:"requestReplyId"`
	Message        string `json:"message"`
}

// Notification keeps the set of live notifications per device.
type Notification struct {
	base

	mu     sync.Mutex
	active map[string]map[string]NotificationBody
}

func NewNotification() *Notification {
	return &Notification{active: make(map[string]map[string]NotificationBody)}
}

func (n *Notification) Name() string            { return NameNotification }
func (n *Notification) IncomingTypes() []string { return []string{protocol.TypeNotification} }
func (n *Notification) OutgoingTypes() []string {
	return []string{protocol.TypeNotificationRequest, protocol.TypeNotificationReply}
}

func (n *Notification) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[NotificationBody](packet)
	if err != nil {
		return err
	}
	if body.ID == "" {
		return errors.New("notification without id")
	}

	n.mu.Lock()
	device := n.active[deviceID]
	if device == nil {
		device = make(map[string]NotificationBody)
		n.active[deviceID] = device
	}
	if body.IsCancel {
		delete(device, body.ID)
	} else {
		device[body.ID] = body
	}
	n.mu.Unlock()

	n.emit(deviceID, protocol.TypeNotification, body)
	return nil
}

// Active lists live notifications for deviceID ordered by id.
func (n *Notification) Active(deviceID string) []NotificationBody {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotificationBody, 0, len(n.active[deviceID]))
	for _, body := range n.active[deviceID] {
		out = append(out, body)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestAll asks deviceID to resend every live notification.
func (n *Notification) RequestAll(deviceID string) error {
	return n.send(deviceID, protocol.TypeNotificationRequest, notificationRequestBody{Request: true})
}

// Dismiss asks deviceID to clear one notification.
func (n *Notification) Dismiss(deviceID, notificationID string) error {
	return n.send(deviceID, protocol.TypeNotificationRequest, notificationRequestBody{Cancel: notificationID})
}

// Reply answers a notification that offered a reply action.
func (n *Notification) Reply(deviceID, replyID, message string) error {
	return n.send(deviceID, protocol.TypeNotificationReply, notificationReplyBody{RequestReplyID: replyID, Message: message})
}
