// Package bus is the typed pub/sub fabric between the consensus core and
// its consumers. Delivery is fire-and-forget and best-effort: publishing
// never blocks, subscriber queues are bounded, and a slow subscriber
// loses the newest events rather than stalling a tick.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/stagemesh/crowdmix/pkg/engine"
)

// Kind enumerates the bus event kinds.
type Kind int

const (
	ConsensusUpdate Kind = iota
	ConsensusSnapshot
	ParticipantJoin
	ParticipantLeave
	OverrideSet
	OverrideCleared
	InputAccepted
	InputRejected
)

func (k Kind) String() string {
	switch k {
	case ConsensusUpdate:
		return "CONSENSUS_UPDATE"
	case ConsensusSnapshot:
		return "CONSENSUS_SNAPSHOT"
	case ParticipantJoin:
		return "PARTICIPANT_JOIN"
	case ParticipantLeave:
		return "PARTICIPANT_LEAVE"
	case OverrideSet:
		return "OVERRIDE_SET"
	case OverrideCleared:
		return "OVERRIDE_CLEARED"
	case InputAccepted:
		return "INPUT_ACCEPTED"
	case InputRejected:
		return "INPUT_REJECTED"
	default:
		return "UNKNOWN"
	}
}

// RejectReason tags an InputRejected event.
type RejectReason string

const (
	RejectValidation RejectReason = "validation"
	RejectQuota      RejectReason = "quota"
	RejectUnknown    RejectReason = "unknown_parameter"
)

// Event is one bus message. Which payload fields are set depends on the
// Kind, as annotated on each field.
type Event struct {
	Kind      Kind
	Parameter string

	Result   *engine.ConsensusResult // ConsensusUpdate
	Snapshot *engine.Snapshot        // ConsensusSnapshot
	Override *engine.Override        // OverrideSet (OverrideCleared carries only Parameter)

	SessionID string       // participant and input events
	Reason    RejectReason // InputRejected
}

// Subscription is an opaque subscriber handle. Events arrive on C in
// publish order per kind; the channel is closed on Unsubscribe or bus
// Close.
type Subscription struct {
	C <-chan Event

	id    int
	kinds map[Kind]bool
	ch    chan Event
}

// Wants reports whether the subscription covers a kind. An empty kind
// set means all kinds.
func (s *Subscription) Wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus owns the subscriber lists and the last published snapshot. The
// single publish mutex is what guarantees per-kind ordering to every
// subscriber.
type Bus struct {
	queueSize int
	log       *zap.SugaredLogger

	mu      sync.Mutex
	nextID  int
	subs    map[int]*Subscription
	last    *engine.Snapshot
	dropped uint64
	closed  bool

	// OnDrop is invoked whenever a subscriber queue overflows. Optional
	// metric hook.
	OnDrop func()
}

func New(queueSize int, log *zap.SugaredLogger) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		queueSize: queueSize,
		log:       log,
		subs:      make(map[int]*Subscription),
	}
}

// Subscribe registers for the given kinds (none = all). If a snapshot
// has already been published, a late subscriber interested in snapshots
// immediately receives the retained one (property P8).
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	ks := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		ks[k] = true
	}
	ch := make(chan Event, b.queueSize)
	sub := &Subscription{C: ch, kinds: ks, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub

	if b.last != nil && sub.Wants(ConsensusSnapshot) {
		ch <- Event{Kind: ConsensusSnapshot, Snapshot: b.last}
	}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish fans an event out to every interested subscriber without
// blocking. A full queue drops the event for that subscriber and counts
// it; the publisher is never penalized for a slow consumer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if ev.Kind == ConsensusSnapshot && ev.Snapshot != nil {
		b.last = ev.Snapshot
	}
	for _, sub := range b.subs {
		if !sub.Wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			if b.OnDrop != nil {
				b.OnDrop()
			}
			if b.log != nil {
				b.log.Debugw("bus_drop", "kind", ev.Kind.String(), "subscriber", sub.id)
			}
		}
	}
}

// LastSnapshot returns the retained snapshot, if any.
func (b *Bus) LastSnapshot() *engine.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Dropped returns the subscriber-overflow counter.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// PublishUpdate implements engine.Publisher.
func (b *Bus) PublishUpdate(res engine.ConsensusResult) {
	b.Publish(Event{Kind: ConsensusUpdate, Parameter: res.Parameter, Result: &res})
}

// PublishSnapshot implements engine.Publisher.
func (b *Bus) PublishSnapshot(snap *engine.Snapshot) {
	b.Publish(Event{Kind: ConsensusSnapshot, Snapshot: snap})
}

// SubscribeFunc drains a subscription on its own goroutine, isolating
// handler failures from publishers: a panicking handler is recovered,
// logged, counted, and the loop keeps going. Returns a cancel func.
func (b *Bus) SubscribeFunc(handler func(Event), kinds ...Kind) func() {
	sub := b.Subscribe(kinds...)
	var panics uint64
	go func() {
		for ev := range sub.C {
			func() {
				defer func() {
					if r := recover(); r != nil {
						panics++
						if b.log != nil {
							b.log.Errorw("subscriber_panic", "kind", ev.Kind.String(), "panic", r, "count", panics)
						}
					}
				}()
				handler(ev)
			}()
		}
	}()
	return func() { b.Unsubscribe(sub) }
}
