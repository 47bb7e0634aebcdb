// ABOUTME: Event record and emitter: per-run ordered append-only stream with live fan-out.
// ABOUTME: Persist-then-publish: the durable log is written first; subscriber delivery is best-effort drop-oldest.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventAction identifies the kind of occurrence an event records.
type EventAction string

const (
	ActionRunStarted        EventAction = "run_started"
	ActionStageStart        EventAction = "stage_start"
	ActionStageEnd          EventAction = "stage_end"
	ActionRetry             EventAction = "retry"
	ActionInputRequired     EventAction = "input_required"
	ActionInputReceived     EventAction = "input_received"
	ActionApprovalRequested EventAction = "approval_requested"
	ActionApprovalDecided   EventAction = "approval_decided"
	ActionGuardrailRejected EventAction = "guardrail_rejected"
	ActionRunCompleted      EventAction = "run_completed"
	ActionRunFailed         EventAction = "run_failed"
	ActionRunCancelled      EventAction = "run_cancelled"
)

// Event is one immutable record of a significant occurrence within a run.
// Seq is a per-run monotonic sequence number; timestamps alone cannot order
// events because same-millisecond ties are common.
type Event struct {
	Seq       uint64      `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Stage     StageID     `json:"stage,omitempty"`
	Action    EventAction `json:"action"`
	Outcome   string      `json:"outcome,omitempty"`
	// PatchHash is the sha256 of the registered change set, set on stage_end
	// events of stages that landed one.
	PatchHash string `json:"patch_hash,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. When a subscriber
// falls behind, the oldest buffered event is dropped; correctness recovery is
// via a state snapshot from the run store, not the live stream.
const subscriberBuffer = 256

// Subscription is a live event feed for one run.
type Subscription struct {
	ID string
	C  <-chan Event

	runID string
	ch    chan Event
}

// Emitter appends events to the durable per-run log and fans them out to
// live subscribers in append order. Delivery is at-most-once per connection.
type Emitter struct {
	store RunStore

	mu   sync.Mutex
	seqs map[string]uint64
	subs map[string][]*Subscription
}

// NewEmitter creates an emitter backed by the given run store.
func NewEmitter(store RunStore) *Emitter {
	return &Emitter{
		store: store,
		seqs:  make(map[string]uint64),
		subs:  make(map[string][]*Subscription),
	}
}

// Emit stamps the event with the next per-run sequence number and timestamp,
// persists it, then fans out to subscribers. The store write happening first
// keeps the log the authoritative record; a failed append is returned to the
// caller and nothing is published.
func (e *Emitter) Emit(runID string, ev Event) error {
	e.mu.Lock()

	seq, ok := e.seqs[runID]
	if !ok {
		// First emit for this run in this process: continue from the durable log.
		existing, err := e.store.ReadEvents(runID)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		seq = uint64(len(existing))
	}
	seq++
	e.seqs[runID] = seq

	ev.Seq = seq
	ev.RunID = runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := e.store.AppendEvent(runID, ev); err != nil {
		// Roll the counter back so the sequence stays gapless.
		e.seqs[runID] = seq - 1
		e.mu.Unlock()
		return err
	}

	subs := make([]*Subscription, len(e.subs[runID]))
	copy(subs, e.subs[runID])
	e.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber is full: drop the oldest buffered event, then retry.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribe attaches a live subscriber to a run's event stream. The
// subscriber sees only events emitted after this call.
func (e *Emitter) Subscribe(runID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		ID:    uuid.NewString(),
		C:     ch,
		runID: runID,
		ch:    ch,
	}

	e.mu.Lock()
	e.subs[runID] = append(e.subs[runID], sub)
	e.mu.Unlock()
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	e.mu.Lock()
	subs := e.subs[sub.runID]
	for i, s := range subs {
		if s.ID == sub.ID {
			e.subs[sub.runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	close(sub.ch)
}
