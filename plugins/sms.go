package plugins

import (
	"context"
	"errors"
	"strings"

	"kdeconnect-service/protocol"
)

// SMS message kinds as reported by Android.
const (
	SMSReceived = 1
	SMSSent     = 2
)

// SMSAddress is one participant of a message.
type SMSAddress struct {
	Address string `json:"address"`
}

// SMSMessage is one message inside a kdeconnect.sms.messages packet.
type SMSMessage struct {
	ID        int64        `json:"_id"`
	ThreadID  int64        `json:"thread_id"`
	Body      string       `json:"body"`
	Addresses []SMSAddress `json:"addresses"`
	Date      int64        `json:"date"`
	Type      int          `json:"type"`
	Read      int          `json:"read"`
}

// Sent reports whether the local user sent the message.
func (m SMSMessage) Sent() bool {
	return m.Type == SMSSent
}

// SMSMessagesBody carries a batch of messages, either a conversation list
// (latest message per thread) or one thread's history.
type SMSMessagesBody struct {
	Messages []SMSMessage `json:"messages"`
}

type smsSendBody struct {
	SendSMS     bool   `json:"sendSms"`
	PhoneNumber string `json:"phoneNumber"`
	MessageBody string `json:"messageBody"`
}

type smsConversationBody struct {
	ThreadID int64 `json:"threadID"`
}

// SMS relays messages from a phone and sends texts through it.
type SMS struct {
	base
}

func NewSMS() *SMS { return &SMS{} }

func (s *SMS) Name() string            { return NameSMS }
func (s *SMS) IncomingTypes() []string { return []string{protocol.TypeSMSMessages} }
func (s *SMS) OutgoingTypes() []string {
	return []string{protocol.TypeSMSRequest, protocol.TypeSMSRequestConversations, protocol.TypeSMSRequestConversation}
}

func (s *SMS) HandlePacket(_ context.Context, deviceID string, packet protocol.Packet) error {
	body, err := decode[SMSMessagesBody](packet)
	if err != nil {
		return err
	}
	s.log.Debug().Str("device_id", deviceID).Int("messages", len(body.Messages)).Msg("sms messages received")
	s.emit(deviceID, protocol.TypeSMSMessages, body)
	return nil
}

// SendText asks the phone to send message to phoneNumber.
func (s *SMS) SendText(deviceID, phoneNumber, message string) error {
	if NormalizePhoneNumber(phoneNumber) == "" {
		return errors.New("phone number has no digits")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("message is empty")
	}
	return s.send(deviceID, protocol.TypeSMSRequest, smsSendBody{
		SendSMS:     true,
		PhoneNumber: phoneNumber,
		MessageBody: message,
	})
}

// RequestConversations asks for the latest message of every thread.
func (s *SMS) RequestConversations(deviceID string) error {
	return s.send(deviceID, protocol.TypeSMSRequestConversations, nil)
}

// RequestConversation asks for the messages of one thread.
func (s *SMS) RequestConversation(deviceID string, threadID int64) error {
	return s.send(deviceID, protocol.TypeSMSRequestConversation, smsConversationBody{ThreadID: threadID})
}
