package congestion

import (
	"time"

	"github.com/lucas-clemente/quic-cc/cctrace"
	"github.com/lucas-clemente/quic-cc/protocol"
	"github.com/lucas-clemente/quic-cc/utils"
)

type newRenoPhase uint8

const (
	newRenoSlowStart newRenoPhase = iota
	newRenoCongestionAvoidance
	newRenoRecovery
)

// newRenoSim is a self-contained New Reno controller, wrapped by the
// stand-alone newreno algorithm; the cubic controllers keep their own Reno
// shadow window instead. It never touches the path's window directly and
// keeps its entire state in memory.
type newRenoSim struct {
	phase    newRenoPhase
	cwin     protocol.ByteCount
	ssthresh protocol.ByteCount

	recoveryStart    time.Time
	recoverySequence protocol.PacketNumber
	residualAck      protocol.ByteCount

	cr crState
}

func (s *newRenoSim) reset(path *Path, now time.Time) {
	s.phase = newRenoSlowStart
	s.ssthresh = protocol.MaxByteCount
	s.cwin = protocol.InitialCongestionWindow
	s.recoveryStart = time.Time{}
	s.recoverySequence = 0
	s.residualAck = 0
	s.cr.reset(path, now)
}

// The recovery state lasts 1 RTT, during which parameters are frozen.
func (s *newRenoSim) enterRecovery(path *Path, notification Notification, now time.Time) {
	s.ssthresh = utils.MaxByteCount(s.cwin/2, protocol.MinimumCongestionWindow)

	if notification == NotificationTimeout {
		s.cwin = protocol.MinimumCongestionWindow
		s.phase = newRenoSlowStart
	} else {
		s.cwin = s.ssthresh
		s.phase = newRenoCongestionAvoidance
	}

	s.recoveryStart = now
	s.recoverySequence = sequenceNumber(path)
	s.residualAck = 0
	s.cr.ssthresh = s.ssthresh
	s.cr.cwin = s.cwin

	if path.Tracer != nil {
		path.Tracer.Trace(cctrace.Event{
			Time:               now,
			EventType:          cctrace.RecoveryEntry,
			Algorithm:          "newreno",
			CongestionWindow:   s.cwin,
			SlowStartThreshold: s.ssthresh,
		})
	}
}

func (s *newRenoSim) notify(path *Path, notification Notification, state AckState, now time.Time) {
	switch notification {
	case NotificationAcknowledgement:
		switch s.phase {
		case newRenoSlowStart:
			// While a jump is in flight the overlay owns the window and slow
			// start must not grow it.
			if s.cr.allowsSlowStart() {
				s.cwin += state.BytesAcknowledged
				s.cr.cwin = s.cwin
				if s.cwin >= s.ssthresh {
					s.phase = newRenoCongestionAvoidance
				}
			}
			s.cr.notify(path, notification, state, now)
			s.ssthresh = s.cr.ssthresh
			s.cwin = s.cr.cwin
		default:
			completeDelta := state.BytesAcknowledged*sendMTU(path) + s.residualAck
			s.residualAck = completeDelta % s.cwin
			s.cwin += completeDelta / s.cwin
			s.cr.cwin = s.cwin

			s.cr.notify(path, notification, state, now)
			s.ssthresh = s.cr.ssthresh
			s.cwin = s.cr.cwin
		}
	case NotificationEcnCe, NotificationRepeat, NotificationTimeout:
		if s.cr.allowsCongestionResponse() {
			// Only count a loss that happened after the last recovery period.
			if s.recoverySequence <= state.LostPacketNumber {
				s.enterRecovery(path, notification, now)
			}
		}
		s.cr.cwin = s.cwin
		s.cr.notify(path, notification, state, now)
		s.ssthresh = s.cr.ssthresh
		s.cwin = s.cr.cwin
	case NotificationSpuriousRepeat:
		if s.cr.allowsCongestionResponse() {
			if now.Sub(s.recoveryStart) < path.SmoothedRTT &&
				s.recoverySequence > ackNumber(path) {
				// Spurious repeat of the loss that started recovery: exit
				// recovery and restore the pre-entry window.
				if s.ssthresh != protocol.MaxByteCount && s.cwin < 2*s.ssthresh {
					s.cwin = 2 * s.ssthresh
					s.cr.cwin = s.cwin
					s.phase = newRenoCongestionAvoidance
				}
			}
		}
	case NotificationReset:
		s.reset(path, now)
	case NotificationSeedCwin:
		s.cr.notify(path, notification, state, now)
	case NotificationCwinBlocked:
		s.cr.cwin = s.cwin
		s.cr.notify(path, notification, state, now)
		s.cwin = s.cr.cwin
	}
}

// Stand-alone New Reno algorithm.

type newRenoState struct {
	nrss      newRenoSim
	rttFilter minMaxRTT
}

type newRenoAlgorithm struct{}

var _ Algorithm = &newRenoAlgorithm{}

func (a *newRenoAlgorithm) ID() string     { return "newreno" }
func (a *newRenoAlgorithm) Number() uint64 { return 1 }

func (a *newRenoAlgorithm) Init(path *Path, now time.Time) {
	nr := &newRenoState{}
	nr.nrss.reset(path, now)
	path.CongestionWindow = nr.nrss.cwin
	path.congestionState = nr
}

func (a *newRenoAlgorithm) Notify(path *Path, notification Notification, state AckState, now time.Time) {
	nr, ok := path.congestionState.(*newRenoState)
	if !ok {
		return
	}

	switch notification {
	case NotificationAcknowledgement:
		if path.LastTimeAckedDataFrameSent.After(path.LastSenderLimitedTime) {
			nr.nrss.notify(path, notification, state, now)
			path.CongestionWindow = nr.nrss.cwin
		}
	case NotificationSeedCwin, NotificationCwinBlocked,
		NotificationEcnCe, NotificationRepeat, NotificationTimeout:
		nr.nrss.notify(path, notification, state, now)
		path.CongestionWindow = nr.nrss.cwin
	case NotificationSpuriousRepeat:
		nr.nrss.notify(path, notification, state, now)
		path.CongestionWindow = nr.nrss.cwin
		path.IsSSThreshInitialized = true
	case NotificationRTTMeasurement:
		// Use RTT increases as the signal to get out of initial slow start.
		if nr.nrss.phase == newRenoSlowStart && nr.nrss.ssthresh == protocol.MaxByteCount {
			if nr.nrss.cr.allowsCongestionResponse() {
				rtt := state.RTTMeasurement
				if state.OneWayDelay > 0 {
					rtt = state.OneWayDelay
				}
				if nr.rttFilter.hystartTest(rtt, now) {
					// RTT increased too much, get out of slow start
					nr.nrss.ssthresh = nr.nrss.cwin
					nr.nrss.cr.ssthresh = nr.nrss.ssthresh
					nr.nrss.phase = newRenoCongestionAvoidance
					path.CongestionWindow = nr.nrss.cwin
					path.IsSSThreshInitialized = true
				}
			}
		}
	case NotificationReset:
		nr.nrss.reset(path, now)
		path.CongestionWindow = nr.nrss.cwin
	}

	updatePacing(path, nr.nrss.phase == newRenoSlowStart && nr.nrss.ssthresh == protocol.MaxByteCount)
}

func (a *newRenoAlgorithm) Delete(path *Path) {
	path.congestionState = nil
}

func (a *newRenoAlgorithm) Observe(path *Path) (uint64, uint64) {
	nr, ok := path.congestionState.(*newRenoState)
	if !ok {
		return 0, 0
	}
	if nr.nrss.ssthresh == protocol.MaxByteCount {
		return uint64(nr.nrss.phase), 0
	}
	return uint64(nr.nrss.phase), uint64(nr.nrss.ssthresh)
}
