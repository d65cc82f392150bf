package session

import (
	"time"

	"kdeconnect-service/protocol"
)

type queuedPacket struct {
	packet   protocol.Packet
	queuedAt time.Time
}

// outboundQueue is a bounded FIFO of packets waiting for an Active session.
// The manager's mutex guards it.
type outboundQueue struct {
	items    []queuedPacket
	capacity int
	ttl      time.Duration
}

func newOutboundQueue(capacity int, ttl time.Duration) *outboundQueue {
	return &outboundQueue{capacity: capacity, ttl: ttl}
}

// push appends p, reporting false when the queue is full.
func (q *outboundQueue) push(p protocol.Packet, now time.Time) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, queuedPacket{packet: p, queuedAt: now})
	return true
}

// drain removes every packet, split into those still fresh and those past ttl.
func (q *outboundQueue) drain(now time.Time) (fresh, expired []protocol.Packet) {
	for _, item := range q.items {
		if q.ttl > 0 && now.Sub(item.queuedAt) > q.ttl {
			expired = append(expired, item.packet)
			continue
		}
		fresh = append(fresh, item.packet)
	}
	q.items = nil
	return fresh, expired
}

// expire removes packets older than ttl.
func (q *outboundQueue) expire(now time.Time) []protocol.Packet {
	if q.ttl <= 0 || len(q.items) == 0 {
		return nil
	}
	var expired []protocol.Packet
	kept := q.items[:0]
	for _, item := range q.items {
		if now.Sub(item.queuedAt) > q.ttl {
			expired = append(expired, item.packet)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return expired
}

func (q *outboundQueue) len() int {
	return len(q.items)
}
