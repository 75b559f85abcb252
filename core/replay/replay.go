package replay

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/davidahmann/agentlab/core/artifact"
	labErrors "github.com/davidahmann/agentlab/core/errors"
	"github.com/davidahmann/agentlab/core/eventlog"
	schemaevents "github.com/davidahmann/agentlab/core/schema/v1/events"
)

var ErrEventNotFound = errors.New("event not found")

// Replayer serves random access over a recorded trial event log.
type Replayer struct {
	store *artifact.Store
	bySeq map[int64]schemaevents.Event
	order []int64
}

// Open indexes the log at eventsPath by seq. Payloads resolve through store.
func Open(eventsPath string, store *artifact.Store) (*Replayer, error) {
	recorded, err := eventlog.ReadLog(eventsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, labErrors.Wrap(fmt.Errorf("event log %s: %w", eventsPath, err), labErrors.CategoryNotFound, "eventlog_not_found", "", false)
		}
		return nil, err
	}
	replayer := &Replayer{store: store, bySeq: make(map[int64]schemaevents.Event, len(recorded))}
	for _, event := range recorded {
		if _, exists := replayer.bySeq[event.Seq]; exists {
			return nil, labErrors.Wrap(fmt.Errorf("duplicate seq %d in %s", event.Seq, eventsPath), labErrors.CategoryIntegrity, "eventlog_duplicate_seq", "", false)
		}
		replayer.bySeq[event.Seq] = event
		replayer.order = append(replayer.order, event.Seq)
	}
	sort.Slice(replayer.order, func(i, j int) bool { return replayer.order[i] < replayer.order[j] })
	return replayer, nil
}

func (r *Replayer) Event(seq int64) (schemaevents.Event, error) {
	event, ok := r.bySeq[seq]
	if !ok {
		return schemaevents.Event{}, labErrors.Wrap(fmt.Errorf("%w: seq %d", ErrEventNotFound, seq), labErrors.CategoryNotFound, "event_not_found", "", false)
	}
	return event, nil
}

// Payload returns the event's payload bytes. ok is false when the event
// carries no payload_ref.
func (r *Replayer) Payload(event schemaevents.Event) ([]byte, bool, error) {
	if event.PayloadRef == "" {
		return nil, false, nil
	}
	if r.store == nil {
		return nil, false, fmt.Errorf("replayer has no artifact store")
	}
	data, err := r.store.Get(event.PayloadRef)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Events returns every event in seq order.
func (r *Replayer) Events() []schemaevents.Event {
	out := make([]schemaevents.Event, 0, len(r.order))
	for _, seq := range r.order {
		out = append(out, r.bySeq[seq])
	}
	return out
}

func (r *Replayer) Len() int {
	return len(r.order)
}
