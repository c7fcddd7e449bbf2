package congestion

import (
	"time"

	"github.com/lucas-clemente/quic-cc/cctrace"
	"github.com/lucas-clemente/quic-cc/protocol"
)

// A Notification is a congestion signal delivered to a controller.
type Notification uint8

const (
	// NotificationAcknowledgement means that an ack was processed
	NotificationAcknowledgement Notification = iota
	// NotificationRepeat means that a loss was detected via retransmission
	NotificationRepeat
	// NotificationEcnCe means that an ECN-CE mark was received
	NotificationEcnCe
	// NotificationTimeout means that a PTO or RTO fired
	NotificationTimeout
	// NotificationSpuriousRepeat means that a retransmission was unnecessary
	NotificationSpuriousRepeat
	// NotificationRTTMeasurement carries a new RTT sample
	NotificationRTTMeasurement
	// NotificationCwinBlocked means that the flight size reached the congestion window
	NotificationCwinBlocked
	// NotificationReset resets the controller state
	NotificationReset
	// NotificationSeedCwin installs a saved congestion window for the path
	NotificationSeedCwin
)

// AckState carries the payload of a notification. Kinds without a payload
// ignore it. For NotificationSeedCwin, BytesAcknowledged holds the saved
// congestion window and RTTMeasurement the saved minimum RTT.
type AckState struct {
	BytesAcknowledged protocol.ByteCount
	LostPacketNumber  protocol.PacketNumber
	RTTMeasurement    time.Duration
	OneWayDelay       time.Duration
}

// A Path is the per-path view shared between the sender and its congestion
// controller. The controller owns CongestionWindow, IsSSThreshInitialized
// and the pacing outputs; everything else is maintained by the sender.
type Path struct {
	// CongestionWindow is the current congestion window in bytes.
	CongestionWindow protocol.ByteCount

	// BytesInTransit is the current flight size.
	BytesInTransit protocol.ByteCount

	// Delivered counts all bytes delivered on the path, cumulatively.
	Delivered protocol.ByteCount

	RTTMin      time.Duration
	SmoothedRTT time.Duration

	SendMTU protocol.ByteCount

	// PacketNumber is the sequence number of the next packet to be sent.
	PacketNumber protocol.PacketNumber
	// PacketAckedNumber is the largest acknowledged packet number.
	PacketAckedNumber protocol.PacketNumber
	// PacketAckedTimeSent is the send time of the largest acknowledged packet.
	PacketAckedTimeSent time.Time

	LastTimeAckedDataFrameSent time.Time
	LastSenderLimitedTime      time.Time

	IsSSThreshInitialized bool

	// Pacing outputs, recomputed on every notification.
	PacingRate       Bandwidth
	PacingPacketTime time.Duration

	// Tracer, if set, receives congestion control events.
	Tracer cctrace.Tracer

	congestionState interface{}
}

// An Algorithm is a congestion control algorithm driving a path.
//
// Controllers keep their state in the path's congestion state slot; a
// notification delivered after Delete is inert.
type Algorithm interface {
	// ID returns the registered name of the algorithm.
	ID() string
	// Number returns the numeric algorithm identifier.
	Number() uint64
	// Init attaches the algorithm to a path.
	Init(path *Path, now time.Time)
	// Notify delivers a congestion signal.
	Notify(path *Path, notification Notification, state AckState, now time.Time)
	// Delete releases the per-path state.
	Delete(path *Path)
	// Observe reports the controller phase and a per-algorithm parameter:
	// ssthresh for NewReno, W_max for cubic and dcubic.
	Observe(path *Path) (state uint64, param uint64)
}

var algorithms = make(map[string]Algorithm)

// Register makes an algorithm available for lookup by ID.
func Register(a Algorithm) {
	algorithms[a.ID()] = a
}

// AlgorithmByID returns the registered algorithm with the given ID, or nil.
func AlgorithmByID(id string) Algorithm {
	return algorithms[id]
}

func init() {
	Register(&newRenoAlgorithm{})
	Register(&cubicAlgorithm{})
	Register(&dcubicAlgorithm{})
}
