package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// CollectionTrace is the canonical record of what a coordinator decided while
// collecting one job: which workers it dispatched, which results it merged
// and which it dropped.
//
// It holds logical decisions only. No timestamps, no error strings, nothing
// that depends on arrival order once canonicalized: two collections that
// made the same decisions produce the same bytes.
type CollectionTrace struct {
	Job    string
	Events []Event
}

// EventKind is the stable discriminator for Event. The string values are part
// of the canonical bytes; do not rename.
type EventKind string

const (
	EventDispatched EventKind = "Dispatched"
	EventIdealSet   EventKind = "IdealSet"
	EventMerged     EventKind = "Merged"
	EventDuplicate  EventKind = "Duplicate"
	EventUnexpected EventKind = "Unexpected"
	EventRejected   EventKind = "Rejected"
	EventFailed     EventKind = "Failed"
	EventMissing    EventKind = "Missing"
)

// Event is one decision about one worker.
type Event struct {
	Kind     EventKind
	WorkerID int

	// Reason is a stable reason code such as "StaleDescriptor" or "Timeout".
	Reason string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *CollectionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Job == "" {
		return errors.New("job is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.WorkerID < 0 {
			return fmt.Errorf("events[%d].workerId must be >= 0", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (workerId, kindOrder, reason). The order is
// independent of the order in which results arrived.
func (t *CollectionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]
		if a.WorkerID != b.WorkerID {
			return a.WorkerID < b.WorkerID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventDispatched:
		return 10
	case EventIdealSet:
		return 20
	case EventMerged:
		return 30
	case EventDuplicate:
		return 40
	case EventUnexpected:
		return 50
	case EventRejected:
		return 60
	case EventFailed:
		return 70
	case EventMissing:
		return 80
	default:
		return 1000
	}
}

// Count returns how many events of kind the trace holds.
func (t CollectionTrace) Count(kind EventKind) int {
	n := 0
	for _, e := range t.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating the caller's slice.
func (t CollectionTrace) CanonicalJSON() ([]byte, error) {
	c := CollectionTrace{Job: t.Job}
	c.Events = make([]Event, len(t.Events))
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t CollectionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order.
func (t CollectionTrace) MarshalJSON() ([]byte, error) {
	if t.Job == "" {
		return nil, errors.New("job is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"job":`)
	jb, _ := json.Marshal(t.Job)
	buf.Write(jb)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits an empty reason.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	buf.WriteString(`,"workerId":`)
	buf.WriteString(strconv.Itoa(e.WorkerID))

	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type eventJSON struct {
	Kind     EventKind `json:"kind"`
	WorkerID int       `json:"workerId"`
	Reason   string    `json:"reason,omitempty"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Event(raw)
	return nil
}

type traceJSON struct {
	Job    string  `json:"job"`
	Events []Event `json:"events"`
}

func (t *CollectionTrace) UnmarshalJSON(b []byte) error {
	var raw traceJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = CollectionTrace(raw)
	return nil
}
