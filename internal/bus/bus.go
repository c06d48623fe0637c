// Package bus provides the coordinator's read-only fan-out mechanism: an
// event stream that the presenter and the audit subsystem each tap
// independently. It is the same non-blocking publish/subscribe idiom the
// teacher used for its eight-role message bus, narrowed here to a few
// publishers (chiefly the Coordinator Loop; the auditor publishes its
// reports and the CLI's sandbox hook its security events) and any number
// of passive observers.
package bus

import (
	"log"
	"sync"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindStatusSnapshot Kind = "status-snapshot"
	KindAuditEvent     Kind = "audit-event"
	KindAuditReport    Kind = "audit-report"
	KindSecurityEvent  Kind = "security-event"
)

// Event is the envelope published onto the bus. Payload is the concrete
// status/audit value; consumers type-assert based on Kind.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus is the observable event bus. The Coordinator Loop is its main
// publisher; the presenter and audit subsystem register their own tap
// channel via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	taps        []chan Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]chan Event)}
}

// Publish fans out evt to all subscribers of evt.Kind and to every tap
// channel. Non-blocking: a full subscriber or tap channel drops the message
// with a warning rather than stalling the coordinator's single writer.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s — event dropped", evt.Kind)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- evt:
		default:
			log.Printf("[BUS] WARNING: tap channel full — event dropped kind=%s", evt.Kind)
		}
	}
}

// Subscribe returns a receive-only channel delivering events of kind k.
func (b *Bus) Subscribe(k Kind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event, regardless of kind.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}
