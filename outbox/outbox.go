// Package outbox implements the ordered store of unacknowledged outbound
// packets that the session worker drains on every tick.
//
// It generalizes the teacher's InFight map (golang-io/mqtt's infight.go),
// which held only a packet-id-keyed map of in-flight PUBLISH packets, into
// the fuller QUEUED/TRANSMITTED/ACKNOWLEDGED/EXPIRED lifecycle that esp-mqtt's
// lib/mqtt_outbox.h tracks: every packet type that needs an ack (not just
// PUBLISH) gets a slot, entries carry their own wire-format buffer, and
// state transitions preserve FIFO order within each state so retransmit and
// expiry scans always pick the oldest candidate first.
package outbox

import (
	"container/list"
	"sync"
)

// State is the lifecycle stage of an outbox entry.
type State int

const (
	// QUEUED entries are waiting for their first write attempt.
	QUEUED State = iota
	// TRANSMITTED entries have been written at least once and are
	// waiting for an acknowledgement.
	TRANSMITTED
	// ACKNOWLEDGED entries have been acked and are pending removal.
	ACKNOWLEDGED
	// EXPIRED entries have outlived their retransmit timeout.
	EXPIRED
)

func (s State) String() string {
	switch s {
	case QUEUED:
		return "QUEUED"
	case TRANSMITTED:
		return "TRANSMITTED"
	case ACKNOWLEDGED:
		return "ACKNOWLEDGED"
	case EXPIRED:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one outbox record: a packed wire-format buffer plus the
// bookkeeping the session worker needs to retransmit, ack, or expire it.
type Entry struct {
	Data  []byte
	ID    uint16
	Type  byte
	QoS   byte
	Tick  int64
	State State

	// Remaining is the caller-owned tail of a fragmented PUBLISH payload.
	// It is a borrow, not a copy: valid only until the enqueuing call
	// returns, per the fragmented-publish contract the worker must honor
	// by transmitting Remaining on the same call chain that enqueued it.
	Remaining []byte

	elem *list.Element
}

// key pairs a packet id with its packet type. Two different packet types
// may reuse the same 16-bit id concurrently (e.g. a PUBLISH and a SUBSCRIBE
// both awaiting ack), so the id alone is not a unique outbox key.
type key struct {
	id   uint16
	kind byte
}

// Outbox is the ordered, per-state store of outbound packets awaiting
// transmission or acknowledgement. All methods are safe for concurrent use.
type Outbox struct {
	mu       sync.Mutex
	entries  map[key]*Entry
	order    map[State]*list.List // FIFO order of entries within each state
	sizeCap  int                  // 0 means unbounded
	size     int                  // sum of len(Data) across all live entries
}

// New builds an empty outbox. sizeCap, if non-zero, bounds the total bytes
// held across all entries; Enqueue fails once the cap would be exceeded.
func New(sizeCap int) *Outbox {
	ob := &Outbox{
		entries: make(map[key]*Entry),
		order:   make(map[State]*list.List),
		sizeCap: sizeCap,
	}
	for _, s := range []State{QUEUED, TRANSMITTED, ACKNOWLEDGED, EXPIRED} {
		ob.order[s] = list.New()
	}
	return ob
}

// Enqueue appends a new entry in state QUEUED. It returns false if a size
// cap is configured and admitting data would exceed it; the cap is enforced
// against new enqueues only, never against entries already held (see
// DeleteExpired for why expiry is always evaluated ahead of admission).
func (ob *Outbox) Enqueue(data []byte, id uint16, kind byte, qos byte, tick int64) bool {
	return ob.enqueue(data, id, kind, qos, tick, nil)
}

// EnqueueOversized is like Enqueue but additionally records remaining, the
// caller-owned tail of a fragmented PUBLISH payload that could not fit in
// the outbound buffer alongside the header.
func (ob *Outbox) EnqueueOversized(data []byte, id uint16, kind byte, qos byte, remaining []byte, tick int64) bool {
	return ob.enqueue(data, id, kind, qos, tick, remaining)
}

func (ob *Outbox) enqueue(data []byte, id uint16, kind byte, qos byte, tick int64, remaining []byte) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	k := key{id: id, kind: kind}
	if _, exists := ob.entries[k]; exists {
		return false
	}
	if ob.sizeCap > 0 && ob.size+len(data) > ob.sizeCap {
		return false
	}

	e := &Entry{
		Data:      data,
		ID:        id,
		Type:      kind,
		QoS:       qos,
		Tick:      tick,
		State:     QUEUED,
		Remaining: remaining,
	}
	e.elem = ob.order[QUEUED].PushBack(e)
	ob.entries[k] = e
	ob.size += len(data)
	return true
}

// Dequeue returns the oldest entry in the given state without removing it.
func (ob *Outbox) Dequeue(state State) (*Entry, int64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	front := ob.order[state].Front()
	if front == nil {
		return nil, 0, false
	}
	e := front.Value.(*Entry)
	return e, e.Tick, true
}

// Get looks up an entry directly by id and type.
func (ob *Outbox) Get(id uint16, kind byte) (*Entry, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	e, ok := ob.entries[key{id: id, kind: kind}]
	return e, ok
}

// SetPending transitions an entry to newState, moving it to the back of
// that state's FIFO order. Only QUEUED->TRANSMITTED and
// TRANSMITTED->ACKNOWLEDGED are meaningful transitions; callers that need
// ACKNOWLEDGED entries gone should follow up with Delete.
func (ob *Outbox) SetPending(id uint16, kind byte, newState State) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	e, ok := ob.entries[key{id: id, kind: kind}]
	if !ok {
		return false
	}
	ob.order[e.State].Remove(e.elem)
	e.State = newState
	e.elem = ob.order[newState].PushBack(e)
	return true
}

// SetTick updates an entry's timestamp, called after a successful write so
// the retransmit scan does not immediately re-pick a just-sent entry.
func (ob *Outbox) SetTick(id uint16, kind byte, tick int64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	e, ok := ob.entries[key{id: id, kind: kind}]
	if !ok {
		return false
	}
	e.Tick = tick
	return true
}

// Delete removes the entry whose id and type both match. Pairing id with
// type guards against a stray ack for a reused id removing the wrong entry.
func (ob *Outbox) Delete(id uint16, kind byte) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.delete(key{id: id, kind: kind})
}

func (ob *Outbox) delete(k key) bool {
	e, ok := ob.entries[k]
	if !ok {
		return false
	}
	ob.order[e.State].Remove(e.elem)
	delete(ob.entries, k)
	ob.size -= len(e.Data)
	return true
}

// DeleteByType removes every entry of the given packet type, regardless of
// state, returning the count removed. Used on disconnect to drop, say, all
// pending SUBSCRIBE acks.
func (ob *Outbox) DeleteByType(kind byte) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	n := 0
	for k := range ob.entries {
		if k.kind == kind {
			ob.delete(k)
			n++
		}
	}
	return n
}

// DeleteAll removes every entry, regardless of state, returning the count
// removed.
func (ob *Outbox) DeleteAll() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	n := len(ob.entries)
	for k := range ob.entries {
		ob.delete(k)
	}
	return n
}

// DeleteExpired removes every TRANSMITTED or QUEUED entry whose tick is
// older than now-timeout, returning the count removed. Mirrors esp-mqtt's
// main loop, which calls outbox_delete_expired ahead of any admission or
// size check on every tick — expiry always wins the race against a size
// cap, never the reverse.
func (ob *Outbox) DeleteExpired(now int64, timeout int64) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	n := 0
	cutoff := now - timeout
	for _, s := range []State{QUEUED, TRANSMITTED} {
		var next *list.Element
		for el := ob.order[s].Front(); el != nil; el = next {
			next = el.Next()
			e := el.Value.(*Entry)
			if e.Tick < cutoff {
				ob.delete(key{id: e.ID, kind: e.Type})
				e.State = EXPIRED
				n++
			}
		}
	}
	return n
}

// DeleteSingleExpired removes and returns the id of at most one expired
// entry, letting the caller emit one DELETED event per call rather than a
// batch, matching the REPORT_DELETED_MESSAGES build-time behavior.
func (ob *Outbox) DeleteSingleExpired(now int64, timeout int64) (uint16, byte, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	cutoff := now - timeout
	for _, s := range []State{QUEUED, TRANSMITTED} {
		if el := ob.order[s].Front(); el != nil {
			e := el.Value.(*Entry)
			if e.Tick < cutoff {
				id, kind := e.ID, e.Type
				ob.delete(key{id: id, kind: kind})
				return id, kind, true
			}
		}
	}
	return 0, 0, false
}

// Size returns the sum of buffer sizes across all live entries.
func (ob *Outbox) Size() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.size
}
