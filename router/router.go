// Package router maps packet types to capability plugins and carries
// plugin-originated packets to the session manager.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kdeconnect-service/models"
	"kdeconnect-service/protocol"
)

var (
	// ErrDuplicateHandler indicates two plugins claim the same incoming type.
	ErrDuplicateHandler = errors.New("packet type already has a handler")
	// ErrNotOutgoing indicates no plugin declares the packet type as outgoing.
	ErrNotOutgoing = errors.New("packet type is not an outgoing capability")
	// ErrNoSender indicates the router was used before a sender was attached.
	ErrNoSender = errors.New("router has no sender attached")
)

// Plugin handles one or more incoming packet types and declares the types it emits.
type Plugin interface {
	Name() string
	IncomingTypes() []string
	OutgoingTypes() []string
	HandlePacket(ctx context.Context, deviceID string, p protocol.Packet) error
}

// Initializer is implemented by plugins that send packets or publish events.
type Initializer interface {
	Init(host Host)
}

// DropHandler is implemented by plugins that want to know when one of their
// packets could not be delivered.
type DropHandler interface {
	PacketDropped(deviceID string, p protocol.Packet, err error)
}

// Host is the surface a plugin uses to talk back to the service.
type Host interface {
	// Send delivers a packet of an outgoing type to deviceID.
	Send(deviceID, packetType string, body any) error
	// Emit publishes a capability event for IPC subscribers.
	Emit(deviceID, packetType string, payload any)
	Logger() zerolog.Logger
}

// Sender carries a packet to a device session.
type Sender interface {
	Send(deviceID string, p protocol.Packet) error
}

// Options configures a Router.
type Options struct {
	Events models.EventSink
	Logger zerolog.Logger
}

// Router dispatches inbound packets and validates outbound ones. The handler
// maps are fixed by New and only read afterwards.
type Router struct {
	log      zerolog.Logger
	events   models.EventSink
	plugins  []Plugin
	incoming map[string]Plugin
	outgoing map[string]Plugin

	senderMu sync.RWMutex
	sender   Sender

	unhandled atomic.Int64
	failures  atomic.Int64
}

// New registers plugins. A packet type may have only one incoming handler.
func New(opts Options, plugins ...Plugin) (*Router, error) {
	r := &Router{
		log:      opts.Logger.With().Str("component", "router").Logger(),
		events:   opts.Events,
		incoming: make(map[string]Plugin),
		outgoing: make(map[string]Plugin),
	}
	if r.events == nil {
		r.events = models.EventSinkFunc(func(models.Event) {})
	}

	for _, plugin := range plugins {
		for _, packetType := range plugin.IncomingTypes() {
			if existing, ok := r.incoming[packetType]; ok {
				return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicateHandler, packetType, existing.Name(), plugin.Name())
			}
			r.incoming[packetType] = plugin
		}
		for _, packetType := range plugin.OutgoingTypes() {
			if _, ok := r.outgoing[packetType]; !ok {
				r.outgoing[packetType] = plugin
			}
		}
		r.plugins = append(r.plugins, plugin)
	}

	for _, plugin := range r.plugins {
		if init, ok := plugin.(Initializer); ok {
			init.Init(&pluginHost{router: r, plugin: plugin})
		}
	}
	return r, nil
}

// Attach sets the sender used for outbound packets.
func (r *Router) Attach(sender Sender) {
	r.senderMu.Lock()
	defer r.senderMu.Unlock()
	r.sender = sender
}

// Plugins returns the registered plugins in registration order.
func (r *Router) Plugins() []Plugin {
	return append([]Plugin(nil), r.plugins...)
}

// Capabilities derives the advertised capability lists from the registered plugins.
func (r *Router) Capabilities() (incoming, outgoing []string) {
	incoming = make([]string, 0, len(r.incoming))
	for packetType := range r.incoming {
		incoming = append(incoming, packetType)
	}
	outgoing = make([]string, 0, len(r.outgoing))
	for packetType := range r.outgoing {
		outgoing = append(outgoing, packetType)
	}
	sort.Strings(incoming)
	sort.Strings(outgoing)
	return incoming, outgoing
}

// CanSend reports whether some plugin declares packetType as outgoing.
func (r *Router) CanSend(packetType string) bool {
	_, ok := r.outgoing[packetType]
	return ok
}

// Dispatch hands p to the plugin registered for its type. Packets without a
// handler are counted; plugin failures and panics become capability errors.
func (r *Router) Dispatch(ctx context.Context, deviceID string, p protocol.Packet) {
	plugin, ok := r.incoming[p.Type]
	if !ok {
		r.unhandled.Add(1)
		r.log.Debug().
			Str("device_id", deviceID).
			Str("packet_type", p.Type).
			Bool("unknown_type", p.Unknown).
			Msg("no handler for packet")
		return
	}

	if err := r.invoke(ctx, plugin, deviceID, p); err != nil {
		r.failures.Add(1)
		classified := models.NewError(models.KindCapability, "handle "+p.Type, deviceID, err)
		r.log.Warn().Err(err).Str("device_id", deviceID).Str("plugin", plugin.Name()).Str("packet_type", p.Type).Msg("plugin failed")
		event := models.ErrorEvent(deviceID, classified)
		event.PacketType = p.Type
		r.events.Publish(event)
	}
}

func (r *Router) invoke(ctx context.Context, plugin Plugin, deviceID string, p protocol.Packet) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error().Str("plugin", plugin.Name()).Interface("panic", recovered).Msg("recovered from plugin panic")
			err = fmt.Errorf("plugin %s panicked: %v", plugin.Name(), recovered)
		}
	}()
	return plugin.HandlePacket(ctx, deviceID, p)
}

// Send builds a packet of an outgoing type and hands it to the sender.
func (r *Router) Send(deviceID, packetType string, body any) error {
	p, err := protocol.NewPacket(packetType, body)
	if err != nil {
		return models.NewError(models.KindCapability, "send "+packetType, deviceID, err)
	}
	return r.SendPacket(deviceID, p)
}

// SendPacket hands a prepared packet to the sender after checking its type.
// Accepted packets are published as packet_sent events.
func (r *Router) SendPacket(deviceID string, p protocol.Packet) error {
	if !r.CanSend(p.Type) {
		return models.NewError(models.KindCapability, "send "+p.Type, deviceID, ErrNotOutgoing)
	}
	r.senderMu.RLock()
	sender := r.sender
	r.senderMu.RUnlock()
	if sender == nil {
		return models.NewError(models.KindCapability, "send "+p.Type, deviceID, ErrNoSender)
	}
	if err := sender.Send(deviceID, p); err != nil {
		return err
	}
	r.events.Publish(models.Event{
		Kind:       models.EventPacketSent,
		DeviceID:   deviceID,
		PacketType: p.Type,
		Payload:    p.Body,
		Timestamp:  time.Now(),
	})
	return nil
}

// PacketDropped forwards an undeliverable packet to the plugin that emits its type.
func (r *Router) PacketDropped(deviceID string, p protocol.Packet, err error) {
	r.log.Debug().Err(err).Str("device_id", deviceID).Str("packet_type", p.Type).Msg("outbound packet dropped")
	plugin, ok := r.outgoing[p.Type]
	if !ok {
		return
	}
	if handler, ok := plugin.(DropHandler); ok {
		handler.PacketDropped(deviceID, p, err)
	}
}

// Emit publishes a capability event carrying payload.
func (r *Router) Emit(deviceID, packetType string, payload any) {
	event := models.Event{
		Kind:       models.EventCapability,
		DeviceID:   deviceID,
		PacketType: packetType,
		Timestamp:  time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			r.log.Warn().Err(err).Str("packet_type", packetType).Msg("dropping capability event with unencodable payload")
			return
		}
		event.Payload = raw
	}
	r.events.Publish(event)
}

// Stats reports packets without a handler and plugin failures.
func (r *Router) Stats() (unhandled, failures int64) {
	return r.unhandled.Load(), r.failures.Load()
}

type pluginHost struct {
	router *Router
	plugin Plugin
}

func (h *pluginHost) Send(deviceID, packetType string, body any) error {
	return h.router.Send(deviceID, packetType, body)
}

func (h *pluginHost) Emit(deviceID, packetType string, payload any) {
	h.router.Emit(deviceID, packetType, payload)
}

func (h *pluginHost) Logger() zerolog.Logger {
	return h.router.log.With().Str("plugin", h.plugin.Name()).Logger()
}
