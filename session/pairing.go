package session

import (
	"encoding/json"
	"errors"
	"time"

	"kdeconnect-service/crypto"
	"kdeconnect-service/models"
	"kdeconnect-service/network"
	"kdeconnect-service/protocol"
)

type pairingOutcome struct {
	Accepted bool `json:"accepted"`
}

// RequestPair asks deviceID to pair. The device is dialed if it has no
// session; the request expires after the pairing timeout.
func (m *Manager) RequestPair(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[deviceID]
	if !ok {
		return models.NewError(models.KindProtocol, "request pair", deviceID, models.ErrUnknownDevice)
	}
	if entry.device.Paired() {
		return nil
	}
	if entry.pairing != nil {
		if entry.pairing.Direction == models.PairingIncoming {
			return m.acceptLocked(entry)
		}
		return nil
	}

	m.beginPairingLocked(entry, models.PairingOutgoing)
	entry.device.PairState = models.PairStateRequestedOutgoing
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)

	switch {
	case entry.link != nil && entry.device.SessionState == models.SessionPairingPending:
		if err := m.sendLocked(entry, protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: true})); err != nil {
			return err
		}
	case entry.link == nil:
		m.maybeDialLocked(entry, true)
	}
	return nil
}

// ResolvePair accepts or rejects a pending incoming request. Rejecting an
// outgoing request cancels it.
func (m *Manager) ResolvePair(deviceID string, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[deviceID]
	if !ok {
		return models.NewError(models.KindProtocol, "resolve pair", deviceID, models.ErrUnknownDevice)
	}
	if entry.pairing == nil {
		return models.NewError(models.KindProtocol, "resolve pair", deviceID, models.ErrNoPairingRequest)
	}
	if accept {
		if entry.pairing.Direction != models.PairingIncoming {
			return models.NewError(models.KindProtocol, "resolve pair", deviceID, models.ErrNoPairingRequest)
		}
		return m.acceptLocked(entry)
	}
	m.rejectLocked(entry, models.EventPairingResolved)
	return nil
}

// Unpair revokes trust for deviceID, tells the peer, and ends its session
// once the notice is written. Queued packets for the device are reported as
// cancelled.
func (m *Manager) Unpair(deviceID string) error {
	m.mu.Lock()

	entry, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return models.NewError(models.KindProtocol, "unpair", deviceID, models.ErrUnknownDevice)
	}
	if !entry.device.Paired() && entry.pairing == nil {
		m.mu.Unlock()
		return models.NewError(models.KindProtocol, "unpair", deviceID, models.ErrNotPaired)
	}

	if entry.pairing != nil {
		m.clearPairingLocked(entry)
	}
	if entry.device.Paired() {
		if err := m.opts.Trust.Revoke(deviceID); err != nil && !errors.Is(err, models.ErrNotPaired) {
			m.mu.Unlock()
			return err
		}
	}
	if entry.link != nil {
		m.detachLocked(entry).CloseAfter(protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: false}))
	}
	entry.device.PairState = models.PairStateUnpaired
	entry.device.PublicKey = ""
	fresh, expired := entry.queue.drain(m.now())
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)
	m.mu.Unlock()

	m.log.Info().Str("device_id", deviceID).Msg("device unpaired")
	m.reportDropped(deviceID, append(fresh, expired...), models.ErrSessionCancelled)
	return nil
}

func (m *Manager) handlePair(link *network.Link, p protocol.Packet) {
	var body protocol.PairBody
	if err := p.DecodeBody(&body); err != nil {
		m.log.Warn().Err(err).Str("device_id", link.Peer().DeviceID).Msg("ignoring malformed pair packet")
		return
	}

	m.mu.Lock()
	entry, ok := m.devices[link.Peer().DeviceID]
	if !ok || entry.link != link {
		m.mu.Unlock()
		return
	}

	if body.Pair {
		switch entry.device.PairState {
		case models.PairStateRequestedOutgoing:
			if err := m.completePairingLocked(entry); err != nil {
				m.mu.Unlock()
				m.opts.Events.Publish(models.ErrorEvent(entry.device.ID, err))
				_ = link.Close()
				return
			}
		case models.PairStatePaired:
			_ = m.sendLocked(entry, protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: true}))
		case models.PairStateRequestedIncoming:
		default:
			m.beginPairingLocked(entry, models.PairingIncoming)
			entry.device.PairState = models.PairStateRequestedIncoming
			entry.device.SessionState = models.SessionPairingPending
			m.publishDeviceLocked(entry, models.EventDeviceUpdated)
		}
		m.mu.Unlock()
		return
	}

	switch {
	case entry.pairing != nil:
		m.clearPairingLocked(entry)
		entry.device.PairState = models.PairStateRejected
		m.detachLocked(entry)
		m.opts.Trust.RecordPairingOutcome(entry.device.ID, false)
		m.publishLocked(models.Event{
			Kind:     models.EventPairingResolved,
			DeviceID: entry.device.ID,
			Payload:  mustJSON(pairingOutcome{Accepted: false}),
		})
		m.publishDeviceLocked(entry, models.EventDeviceUpdated)
		m.mu.Unlock()
		m.log.Info().Str("device_id", link.Peer().DeviceID).Msg("peer rejected pairing")
		_ = link.Close()
	case entry.device.Paired():
		if err := m.opts.Trust.Revoke(entry.device.ID); err != nil && !errors.Is(err, models.ErrNotPaired) {
			m.log.Warn().Err(err).Str("device_id", entry.device.ID).Msg("failed to revoke trust")
		}
		entry.device.PairState = models.PairStateUnpaired
		entry.device.PublicKey = ""
		fresh, expired := entry.queue.drain(m.now())
		m.detachLocked(entry)
		m.publishDeviceLocked(entry, models.EventDeviceUpdated)
		m.mu.Unlock()
		m.log.Info().Str("device_id", link.Peer().DeviceID).Msg("peer unpaired")
		_ = link.Close()
		m.reportDropped(link.Peer().DeviceID, append(fresh, expired...), models.ErrSessionCancelled)
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) beginPairingLocked(entry *deviceEntry, direction models.PairingDirection) {
	now := m.now()
	request := &models.PairingRequest{
		DeviceID:    entry.device.ID,
		DeviceName:  entry.device.Name,
		Direction:   direction,
		Fingerprint: entry.device.KeyFingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.opts.PairingTimeout),
	}
	if entry.link != nil {
		request.Fingerprint = crypto.FormatFingerprint(crypto.KeyFingerprint(entry.link.Peer().PublicKey))
	}
	entry.pairing = request
	entry.pairTimer = time.AfterFunc(m.opts.PairingTimeout, func() {
		m.expirePairing(entry.device.ID, request)
	})

	snapshot := *request
	device := entry.device.Clone()
	m.publishLocked(models.Event{
		Kind:     models.EventPairingRequested,
		DeviceID: entry.device.ID,
		Device:   &device,
		Pairing:  &snapshot,
	})
}

func (m *Manager) clearPairingLocked(entry *deviceEntry) {
	if entry.pairTimer != nil {
		entry.pairTimer.Stop()
		entry.pairTimer = nil
	}
	entry.pairing = nil
}

// acceptLocked trusts the peer's key, answers with pair:true, and moves to
// capability exchange.
func (m *Manager) acceptLocked(entry *deviceEntry) error {
	if entry.link == nil {
		return models.NewError(models.KindTransport, "accept pair", entry.device.ID, models.ErrDeviceOffline)
	}
	if err := m.sendLocked(entry, protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: true})); err != nil {
		return err
	}
	return m.completePairingLocked(entry)
}

func (m *Manager) completePairingLocked(entry *deviceEntry) error {
	peer := entry.link.Peer()
	if err := m.opts.Trust.Trust(peer.DeviceID, entry.device.Name, entry.device.Type, peer.PublicKey); err != nil {
		return err
	}
	m.clearPairingLocked(entry)
	entry.device.PairState = models.PairStatePaired
	entry.device.PublicKey = crypto.EncodePublicKey(peer.PublicKey)
	entry.device.KeyFingerprint = crypto.KeyFingerprint(peer.PublicKey)
	m.publishLocked(models.Event{
		Kind:     models.EventPairingResolved,
		DeviceID: entry.device.ID,
		Payload:  mustJSON(pairingOutcome{Accepted: true}),
	})
	m.startCapabilityExchangeLocked(entry)
	return nil
}

// rejectLocked answers with pair:false, records Rejected, and ends the
// session. kind is pairing_resolved for a user decision and pairing_expired
// for a timeout.
func (m *Manager) rejectLocked(entry *deviceEntry, kind models.EventKind) {
	m.clearPairingLocked(entry)
	entry.device.PairState = models.PairStateRejected

	if entry.link != nil {
		m.detachLocked(entry).CloseAfter(protocol.MustPacket(protocol.TypePair, protocol.PairBody{Pair: false}))
		entry.gate.failed(m.now())
	}
	entry.device.SessionState = models.SessionDisconnected
	m.opts.Trust.RecordPairingOutcome(entry.device.ID, kind == models.EventPairingExpired)

	event := models.Event{Kind: kind, DeviceID: entry.device.ID}
	if kind == models.EventPairingResolved {
		event.Payload = mustJSON(pairingOutcome{Accepted: false})
	}
	m.publishLocked(event)
	m.publishDeviceLocked(entry, models.EventDeviceUpdated)
}

func (m *Manager) expirePairing(deviceID string, request *models.PairingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[deviceID]
	if !ok || entry.pairing != request {
		return
	}
	m.log.Info().Str("device_id", deviceID).Str("direction", string(request.Direction)).Msg("pairing request expired")
	m.rejectLocked(entry, models.EventPairingExpired)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// detachLocked drops the entry's current link so its loops no longer affect
// device state, and marks the device Disconnected. The caller closes the link.
func (m *Manager) detachLocked(entry *deviceEntry) *network.Link {
	link := entry.link
	entry.link = nil
	entry.wake = nil
	entry.capsSent = false
	entry.peerCaps = nil
	entry.device.SessionState = models.SessionDisconnected
	return link
}
