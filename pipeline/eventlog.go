// ABOUTME: Query API for the durable per-run event log: filtering, tailing, replay-from-offset, summaries.
// ABOUTME: Reads the persisted JSONL log, so results are reconstructible with no hidden in-memory state.
package pipeline

import (
	"time"
)

// EventFilter specifies criteria for filtering a run's events.
type EventFilter struct {
	Actions []EventAction // empty means all actions
	Stage   StageID       // empty means all stages
	Since   *time.Time    // nil means no lower bound
	FromSeq uint64        // events with Seq > FromSeq; 0 means from the start
	Limit   int           // 0 means unlimited
}

// EventSummary holds aggregate statistics about a run's events.
type EventSummary struct {
	TotalEvents int
	ByAction    map[EventAction]int
	ByStage     map[StageID]int
	FirstEvent  *time.Time
	LastEvent   *time.Time
}

// EventLog provides query access to a run's persisted events.
type EventLog struct {
	store RunStore
}

// NewEventLog creates an event log query API over the given store.
func NewEventLog(store RunStore) *EventLog {
	return &EventLog{store: store}
}

// Query returns the run's events matching the filter, in append order.
func (l *EventLog) Query(runID string, filter EventFilter) ([]Event, error) {
	all, err := l.store.ReadEvents(runID)
	if err != nil {
		return nil, err
	}

	result := make([]Event, 0, len(all))
	for _, ev := range all {
		if !matchesEventFilter(ev, filter) {
			continue
		}
		result = append(result, ev)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// Tail returns the last n events of a run.
func (l *EventLog) Tail(runID string, n int) ([]Event, error) {
	all, err := l.store.ReadEvents(runID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Event{}, nil
	}
	if n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// Summarize produces aggregate statistics about a run's event log.
func (l *EventLog) Summarize(runID string) (*EventSummary, error) {
	all, err := l.store.ReadEvents(runID)
	if err != nil {
		return nil, err
	}

	summary := &EventSummary{
		TotalEvents: len(all),
		ByAction:    make(map[EventAction]int),
		ByStage:     make(map[StageID]int),
	}
	for i, ev := range all {
		summary.ByAction[ev.Action]++
		if ev.Stage != "" {
			summary.ByStage[ev.Stage]++
		}
		ts := ev.Timestamp
		if i == 0 {
			t := ts
			summary.FirstEvent = &t
		}
		t := ts
		summary.LastEvent = &t
	}
	return summary, nil
}

func matchesEventFilter(ev Event, filter EventFilter) bool {
	if filter.FromSeq > 0 && ev.Seq <= filter.FromSeq {
		return false
	}
	if len(filter.Actions) > 0 {
		found := false
		for _, a := range filter.Actions {
			if ev.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Stage != "" && ev.Stage != filter.Stage {
		return false
	}
	if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}
