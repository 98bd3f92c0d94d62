// Package eventlog implements the per-room, sequence-numbered event log:
// a bounded ring buffer for backlog replay plus live fan-out to any number
// of subscribers.
package eventlog

import (
	"encoding/json"
	"sync"
)

// MinCapacity is the enforced floor on the ring buffer size.
const MinCapacity = 100

const subscriberBuffer = 100

// Record event types.
const (
	TypePairCreated   = "pair-created"
	TypeEpochBegin    = "epoch-begin"
	TypeMessage       = "message"
	TypeState         = "state"
	TypeBackchannel   = "backchannel"
	TypeResetComplete = "reset-complete"
)

// Record is one event log entry. Seq is monotonic per room, assigned at
// append, and never reused, including across restarts and resets.
type Record struct {
	Seq     int64           `json:"seq"`
	PairID  string          `json:"pairId"`
	Epoch   int             `json:"epoch,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription is one live tail of a room's log.
type Subscription struct {
	id int
	ch chan Record
}

// Ch returns the channel records are delivered on. It is closed by
// Unsubscribe.
func (s *Subscription) Ch() <-chan Record { return s.ch }

// Log is a bounded, seq-ordered ring buffer with live fan-out. Appends are
// serialized by the owning room; the log's own lock only protects the ring
// and subscriber set so reads never block writers for long.
type Log struct {
	mu      sync.RWMutex
	ring    []Record
	cap     int
	nextSeq int64
	closed  bool

	subs   map[int]*Subscription
	nextID int
}

// New creates a log with the given capacity, clamped to MinCapacity.
func New(capacity int) *Log {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &Log{
		ring:    make([]Record, 0, capacity),
		cap:     capacity,
		nextSeq: 1,
		subs:    make(map[int]*Subscription),
	}
}

// Seed reloads the ring from recovered records and restores the seq
// counter. Used once at rehydration, before any subscriber exists.
func (l *Log) Seed(records []Record, nextSeq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(records) > l.cap {
		records = records[len(records)-l.cap:]
	}
	l.ring = append(l.ring[:0], records...)
	if nextSeq > l.nextSeq {
		l.nextSeq = nextSeq
	}
}

// Reserve claims n consecutive seq values and returns the first. Reserved
// seqs are burned even if the caller's persist fails; they are never
// reassigned.
func (l *Log) Reserve(n int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	first := l.nextSeq
	l.nextSeq += int64(n)
	return first
}

// Publish stores an already-sequenced record (evicting the oldest on
// overflow) and fans it out to live subscribers. Slow subscribers miss
// records rather than block the writer.
func (l *Log) Publish(rec Record) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.ring) == l.cap {
		copy(l.ring, l.ring[1:])
		l.ring[len(l.ring)-1] = rec
	} else {
		l.ring = append(l.ring, rec)
	}
	subs := make([]*Subscription, 0, len(l.subs))
	for _, sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- rec:
		default:
		}
	}
}

// Since returns a copy of buffered records with seq > since, in order.
func (l *Log) Since(since int64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.ring))
	for _, rec := range l.ring {
		if rec.Seq > since {
			out = append(out, rec)
		}
	}
	return out
}

// NextSeq returns the seq the next append will receive.
func (l *Log) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

// Len returns the number of buffered records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ring)
}

// Clear drops all buffered records. The seq counter is preserved: seq
// values are never reused, reset or not.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = l.ring[:0]
}

// Subscribe registers a live tail. The returned subscription must be
// released with Unsubscribe. Subscribing to a closed log yields an
// already-closed channel, so tails end instead of stalling forever.
func (l *Log) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	sub := &Subscription{id: l.nextID, ch: make(chan Record, subscriberBuffer)}
	if l.closed {
		close(sub.ch)
		return sub
	}
	l.subs[sub.id] = sub
	return sub
}

// Close marks the log dead and closes every live subscription channel.
// Called when the owning room is evicted; further Publish calls are
// dropped and further Subscribe calls get a closed channel.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, sub := range l.subs {
		delete(l.subs, id)
		close(sub.ch)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (l *Log) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub.id]; ok {
		delete(l.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (l *Log) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}
