package trace

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := CollectionTrace{
		Job: "pd",
		Events: []Event{
			{Kind: EventMerged, WorkerID: 2},
			{Kind: EventIdealSet, WorkerID: 0},
			{Kind: EventDuplicate, WorkerID: 2, Reason: "AlreadyReceived"},
			{Kind: EventMerged, WorkerID: 1},
		},
	}
	trace2 := CollectionTrace{
		Job: "pd",
		Events: []Event{
			{Kind: EventMerged, WorkerID: 1},
			{Kind: EventDuplicate, WorkerID: 2, Reason: "AlreadyReceived"},
			{Kind: EventMerged, WorkerID: 2},
			{Kind: EventIdealSet, WorkerID: 0},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_WorkerThenKind(t *testing.T) {
	tr := CollectionTrace{
		Job: "pd",
		Events: []Event{
			{Kind: EventMissing, WorkerID: 1, Reason: "Timeout"},
			{Kind: EventDispatched, WorkerID: 1},
			{Kind: EventDispatched, WorkerID: 0},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"job":"pd","events":[{"kind":"Dispatched","workerId":0},{"kind":"Dispatched","workerId":1},{"kind":"Missing","workerId":1,"reason":"Timeout"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
	if tr.Events[0].Kind != EventMissing {
		t.Fatalf("CanonicalJSON mutated the caller's events")
	}
}

func TestHash_IgnoresArrivalOrder(t *testing.T) {
	tr1 := CollectionTrace{Job: "g", Events: []Event{{Kind: EventMerged, WorkerID: 3}, {Kind: EventMerged, WorkerID: 1}}}
	tr2 := CollectionTrace{Job: "g", Events: []Event{{Kind: EventMerged, WorkerID: 1}, {Kind: EventMerged, WorkerID: 3}}}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash, got %q != %q", h1, h2)
	}
}

func TestValidate_RejectsMissingJobAndNegativeWorker(t *testing.T) {
	if _, err := (CollectionTrace{}).CanonicalJSON(); err == nil {
		t.Fatalf("expected error for empty job")
	}
	tr := CollectionTrace{Job: "g", Events: []Event{{Kind: EventMerged, WorkerID: -1}}}
	if _, err := tr.CanonicalJSON(); err == nil {
		t.Fatalf("expected error for negative worker id")
	}
}

func TestUnmarshal_ReadsCanonicalBytes(t *testing.T) {
	in := CollectionTrace{Job: "g", Events: []Event{{Kind: EventRejected, WorkerID: 4, Reason: "StaleDescriptor"}}}
	b, err := in.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	var out CollectionTrace
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Job != "g" || len(out.Events) != 1 || out.Events[0] != in.Events[0] {
		t.Fatalf("unexpected trace %+v", out)
	}
}

func TestRecorder_ConcurrentRecordAndCount(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.Record(Event{Kind: EventMerged, WorkerID: id})
		}(i)
	}
	wg.Wait()
	SafeRecord(r, Event{Kind: EventIdealSet, WorkerID: 0})
	SafeRecord(nil, Event{Kind: EventIdealSet, WorkerID: 0})

	tr := r.Trace("pd")
	if got := tr.Count(EventMerged); got != 20 {
		t.Fatalf("expected 20 merged events, got %d", got)
	}
	if tr.Events[0].Kind != EventIdealSet {
		t.Fatalf("expected ideal first after canonicalization, got %+v", tr.Events[0])
	}
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventMerged, WorkerID: 1})
}
