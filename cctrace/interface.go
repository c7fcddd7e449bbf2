package cctrace

import (
	"time"

	"github.com/francoispqt/gojay"

	"github.com/lucas-clemente/quic-cc/protocol"
)

// A Tracer records congestion control events for a path
type Tracer interface {
	Trace(Event)
}

// EventType is the type of an event
type EventType uint8

const (
	// PhaseTransition means that the careful resume overlay changed phase
	PhaseTransition EventType = 1 + iota
	// RecoveryEntry means that the underlying controller entered recovery
	RecoveryEntry
)

func (t EventType) String() string {
	switch t {
	case PhaseTransition:
		return "phase_transition"
	case RecoveryEntry:
		return "recovery_entry"
	default:
		return "unknown"
	}
}

// Event is a traceable congestion control event
type Event struct {
	Time      time.Time
	EventType EventType

	Algorithm          string
	Phase              string
	CongestionWindow   protocol.ByteCount
	SlowStartThreshold protocol.ByteCount
	Pipesize           protocol.ByteCount
}

var _ gojay.MarshalerJSONObject = Event{}

// MarshalJSONObject implements gojay.MarshalerJSONObject
func (e Event) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Int64Key("time", e.Time.UnixNano()/1e3)
	enc.StringKey("event_type", e.EventType.String())
	enc.StringKey("algorithm", e.Algorithm)
	enc.StringKey("phase", e.Phase)
	enc.Uint64Key("congestion_window", uint64(e.CongestionWindow))
	if e.SlowStartThreshold != protocol.MaxByteCount {
		enc.Uint64Key("ssthresh", uint64(e.SlowStartThreshold))
	}
	enc.Uint64Key("pipesize", uint64(e.Pipesize))
}

// IsNil implements gojay.MarshalerJSONObject
func (e Event) IsNil() bool { return false }
