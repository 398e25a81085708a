package session

import (
	"sort"
	"time"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/rpc"
)

// queueEntry is one outbound frame. Entries that expect a server response
// move into the awaiting set when transmitted and only leave it on a matched
// response or after exhausting their resend budget.
type queueEntry struct {
	seq      uint64
	env      rpc.Envelope
	stateID  string // coalescing key, empty for non-state frames
	valueID  string
	needsAck bool
	attempts uint32
	deadline time.Time
}

// sendQueue keeps outbound frames in FIFO order with at most one pending
// update per state. Transmission respects the bulk size and the in-flight
// window; the queue never drops an unacknowledged frame on disconnect.
type sendQueue struct {
	cfg      config.SessionConfig
	nextSeq  uint64
	pending  []*queueEntry
	awaiting map[string]*queueEntry
}

func newSendQueue(cfg config.SessionConfig) *sendQueue {
	return &sendQueue{
		cfg:      cfg,
		awaiting: make(map[string]*queueEntry),
	}
}

// Enqueue appends a frame. A newer update for a state that already has a
// pending (not yet transmitted) entry replaces that entry in place, keeping
// its queue position.
func (q *sendQueue) Enqueue(env rpc.Envelope, stateID, valueID string, needsAck bool) {
	if stateID != "" {
		for _, e := range q.pending {
			if e.stateID == stateID {
				e.env = env
				e.valueID = valueID
				return
			}
		}
	}
	q.nextSeq++
	q.pending = append(q.pending, &queueEntry{
		seq:      q.nextSeq,
		env:      env,
		stateID:  stateID,
		valueID:  valueID,
		needsAck: needsAck,
	})
}

// NextBatch takes up to BulkSize entries off the queue, bounded by the free
// in-flight window, and arms their ack deadlines.
func (q *sendQueue) NextBatch(now time.Time) []*queueEntry {
	window := int(q.cfg.MaxInFlight) - len(q.awaiting)
	if window <= 0 {
		return nil
	}
	n := min(len(q.pending), min(window, int(q.cfg.BulkSize)))
	if n == 0 {
		return nil
	}
	batch := q.pending[:n]
	q.pending = q.pending[n:]
	for _, e := range batch {
		if e.needsAck {
			e.attempts++
			e.deadline = now.Add(q.cfg.AckTimeout())
			q.awaiting[e.env.ID] = e
		}
	}
	return batch
}

// Ack resolves an awaiting entry by correlation id, or nil for an unknown id.
func (q *sendQueue) Ack(id string) *queueEntry {
	e, ok := q.awaiting[id]
	if !ok {
		return nil
	}
	delete(q.awaiting, id)
	return e
}

// Sweep moves timed-out awaiting entries back to the head of the queue for
// resend and returns the ones that exhausted their budget.
func (q *sendQueue) Sweep(now time.Time) (failed []*queueEntry) {
	var resend []*queueEntry
	for id, e := range q.awaiting {
		if now.Before(e.deadline) {
			continue
		}
		delete(q.awaiting, id)
		if e.attempts > q.cfg.MaxSendRetries {
			failed = append(failed, e)
			continue
		}
		resend = append(resend, e)
	}
	q.requeueFront(resend)
	return failed
}

// RequeueAwaiting puts every unacknowledged entry back at the head of the
// queue, oldest first, for replay after a reconnect. Attempt counters start
// over in the new session epoch.
func (q *sendQueue) RequeueAwaiting() {
	entries := make([]*queueEntry, 0, len(q.awaiting))
	for id, e := range q.awaiting {
		delete(q.awaiting, id)
		e.attempts = 0
		entries = append(entries, e)
	}
	q.requeueFront(entries)
}

func (q *sendQueue) requeueFront(entries []*queueEntry) {
	if len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	q.pending = append(entries, q.pending...)
}

func (q *sendQueue) Len() int {
	return len(q.pending)
}

func (q *sendQueue) InFlight() int {
	return len(q.awaiting)
}

func (q *sendQueue) Idle() bool {
	return len(q.pending) == 0 && len(q.awaiting) == 0
}
