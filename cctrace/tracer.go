package cctrace

import (
	"bytes"

	"github.com/francoispqt/gojay"
)

// A MemoryTracer keeps all recorded events in memory
type MemoryTracer struct {
	events []Event
}

var _ Tracer = &MemoryTracer{}

// NewTracer returns a Tracer that keeps events in memory
func NewTracer() *MemoryTracer {
	return &MemoryTracer{}
}

// Trace implements Tracer
func (t *MemoryTracer) Trace(ev Event) {
	t.events = append(t.events, ev)
}

// Events returns all recorded events in trace order
func (t *MemoryTracer) Events() []Event {
	return t.events
}

type eventList []Event

var _ gojay.MarshalerJSONArray = eventList{}

func (l eventList) MarshalJSONArray(enc *gojay.Encoder) {
	for _, ev := range l {
		enc.Object(ev)
	}
}

func (l eventList) IsNil() bool { return l == nil }

// Export encodes all recorded events as a JSON array
func (t *MemoryTracer) Export() ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := gojay.NewEncoder(buf)
	if err := enc.EncodeArray(eventList(t.events)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
