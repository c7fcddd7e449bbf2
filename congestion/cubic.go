package congestion

import (
	"math"
	"time"

	"github.com/lucas-clemente/quic-cc/cctrace"
	"github.com/lucas-clemente/quic-cc/protocol"
)

type cubicPhase uint8

const (
	cubicSlowStart cubicPhase = iota
	cubicRecovery
	cubicCongestionAvoidance
)

// cubicState implements the CUBIC window growth together with a Reno shadow
// window, and hosts the careful resume overlay. Window coefficients are kept
// in packets, as the CUBIC paper writes them; W_reno is kept in bytes.
type cubicState struct {
	phase cubicPhase

	k        float64
	wMax     float64
	wLastMax float64
	c        float64
	beta     float64
	wReno    float64

	ssthresh protocol.ByteCount

	startOfEpoch         time.Time
	previousStartOfEpoch time.Time

	recoverySequence protocol.PacketNumber

	rttFilter minMaxRTT
	cr        crState
}

func (s *cubicState) reset(path *Path, now time.Time) {
	mtu := sendMTU(path)
	*s = cubicState{
		phase:        cubicSlowStart,
		ssthresh:     protocol.MaxByteCount,
		c:            0.4,
		beta:         7.0 / 8.0,
		wReno:        float64(protocol.InitialCongestionWindow),
		startOfEpoch: now,
	}
	s.wLastMax = float64(protocol.MaxByteCount) / float64(mtu)
	s.wMax = s.wLastMax
	s.cr.reset(path, now)
	path.CongestionWindow = protocol.InitialCongestionWindow
}

// wCubic computes W_cubic(t) = C*(t-K)^3 + W_max, in packets.
func (s *cubicState) wCubic(now time.Time) float64 {
	deltaT := now.Sub(s.startOfEpoch).Seconds() - s.k
	return s.c*(deltaT*deltaT*deltaT) + s.wMax
}

// On entering congestion avoidance the coefficients of the cubic curve are
// recomputed from the current W_max.
func (s *cubicState) enterAvoidance(now time.Time) {
	s.k = math.Cbrt(s.wMax * (1.0 - s.beta) / s.c)
	s.phase = cubicCongestionAvoidance
	s.startOfEpoch = now
	s.previousStartOfEpoch = s.startOfEpoch
}

// The recovery state lasts 1 RTT, during which parameters are frozen.
func (s *cubicState) enterRecovery(path *Path, notification Notification, now time.Time) {
	mtu := float64(sendMTU(path))
	s.recoverySequence = sequenceNumber(path)
	// Update similar to New Reno, but with a different beta.
	s.wMax = float64(path.CongestionWindow) / mtu
	// Apply fast convergence.
	if s.wMax < s.wLastMax {
		s.wLastMax = s.wMax
		s.wMax = s.wMax * s.beta
	} else {
		s.wLastMax = s.wMax
	}
	s.ssthresh = protocol.ByteCount(s.wMax * s.beta * mtu)
	if s.ssthresh < protocol.MinimumCongestionWindow {
		// If things are that bad, fall back to slow start.
		s.phase = cubicSlowStart
		s.ssthresh = protocol.MaxByteCount
		path.IsSSThreshInitialized = false
		s.previousStartOfEpoch = s.startOfEpoch
		s.startOfEpoch = now
		s.wReno = float64(protocol.MinimumCongestionWindow)
		path.CongestionWindow = protocol.MinimumCongestionWindow
	} else if notification == NotificationTimeout {
		path.CongestionWindow = protocol.MinimumCongestionWindow
		s.previousStartOfEpoch = s.startOfEpoch
		s.startOfEpoch = now
		s.phase = cubicSlowStart
	} else {
		// Enter congestion avoidance immediately.
		s.enterAvoidance(now)
		winCubic := protocol.ByteCount(s.wCubic(now) * mtu)
		s.wReno = float64(path.CongestionWindow) / 2.0

		// Pick the largest of the two windows.
		if winCubic > protocol.ByteCount(s.wReno) {
			path.CongestionWindow = winCubic
		} else {
			path.CongestionWindow = protocol.ByteCount(s.wReno)
		}
	}

	s.cr.ssthresh = s.ssthresh
	s.cr.cwin = path.CongestionWindow

	if path.Tracer != nil {
		path.Tracer.Trace(cctrace.Event{
			Time:               now,
			EventType:          cctrace.RecoveryEntry,
			Algorithm:          "cubic",
			CongestionWindow:   path.CongestionWindow,
			SlowStartThreshold: s.ssthresh,
		})
	}
}

// On a spurious repeat, restore the congestion state from before the
// recovery event: W_max back to W_last_max, and the epoch back to where it
// was, then recompute the window from the cubic formula.
func (s *cubicState) correctSpurious(path *Path, now time.Time) {
	if s.ssthresh == protocol.MaxByteCount {
		return
	}
	mtu := float64(sendMTU(path))
	s.wMax = s.wLastMax
	s.enterAvoidance(s.previousStartOfEpoch)
	s.wReno = s.wCubic(now) * mtu
	s.ssthresh = protocol.ByteCount(s.wMax * s.beta * mtu)
	path.CongestionWindow = protocol.ByteCount(s.wReno)
}

func (s *cubicState) exitSlowStartOnWindow(path *Path) {
	mtu := float64(sendMTU(path))
	s.wMax = float64(path.CongestionWindow) / mtu
	s.wLastMax = s.wMax
	s.wReno = float64(path.CongestionWindow) / 2.0
	path.IsSSThreshInitialized = true
}

func (s *cubicState) notify(path *Path, notification Notification, state AckState, now time.Time) {
	switch s.phase {
	case cubicSlowStart:
		switch notification {
		case NotificationAcknowledgement:
			if path.LastTimeAckedDataFrameSent.After(path.LastSenderLimitedTime) {
				if s.cr.allowsSlowStart() {
					hystartIncrease(path, state.BytesAcknowledged)
					s.cr.cwin = path.CongestionWindow
				}
				if path.CongestionWindow >= s.ssthresh {
					s.exitSlowStartOnWindow(path)
					s.enterAvoidance(now)
				}
			}
			s.cr.notify(path, notification, state, now)
			s.ssthresh = s.cr.ssthresh
			path.CongestionWindow = s.cr.cwin
		case NotificationRepeat, NotificationEcnCe, NotificationTimeout:
			// A filter keeps CUBIC from backing off on a single loss, for
			// compatibility with Linux TCP deployments; ECN-CE reacts at once.
			if (notification == NotificationEcnCe ||
				s.rttFilter.lossTest(notification, state.LostPacketNumber, protocol.SmoothedLossThreshold)) &&
				(now.Sub(s.startOfEpoch) > path.SmoothedRTT || s.recoverySequence <= ackNumber(path)) {
				if s.cr.allowsCongestionResponse() {
					s.ssthresh = path.CongestionWindow
					s.cr.ssthresh = s.ssthresh
					mtu := float64(sendMTU(path))
					s.wMax = float64(path.CongestionWindow) / mtu
					s.wLastMax = s.wMax
					s.wReno = float64(path.CongestionWindow)
					path.IsSSThreshInitialized = true
					s.enterRecovery(path, notification, now)
					s.cr.cwin = path.CongestionWindow
				}
				s.cr.notify(path, notification, state, now)
				path.CongestionWindow = s.cr.cwin
			}
		case NotificationSpuriousRepeat:
			if s.cr.allowsCongestionResponse() {
				s.correctSpurious(path, now)
				s.cr.ssthresh = s.ssthresh
				s.cr.cwin = path.CongestionWindow
			}
		case NotificationRTTMeasurement:
			// Use RTT increases as the signal to get out of initial slow start.
			if s.cr.allowsCongestionResponse() && s.ssthresh == protocol.MaxByteCount {
				rtt := state.RTTMeasurement
				if state.OneWayDelay > 0 {
					rtt = state.OneWayDelay
				}
				if s.rttFilter.hystartTest(rtt, now) {
					s.ssthresh = path.CongestionWindow
					s.cr.ssthresh = s.ssthresh
					s.exitSlowStartOnWindow(path)
					s.wReno = float64(path.CongestionWindow)
					s.enterAvoidance(now)
					// Shift the epoch so the window starts at the origin point.
					s.startOfEpoch = now.Add(-time.Duration(s.k * float64(time.Second)))
				}
			}
		case NotificationCwinBlocked:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationReset:
			s.reset(path, now)
		case NotificationSeedCwin:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		}
	case cubicRecovery:
		switch notification {
		case NotificationAcknowledgement:
			// Exit recovery, move to avoidance or slow start depending on the window.
			s.phase = cubicSlowStart
			path.CongestionWindow += state.BytesAcknowledged
			s.cr.cwin = path.CongestionWindow
			if path.CongestionWindow >= s.ssthresh {
				s.phase = cubicCongestionAvoidance
			}
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationSpuriousRepeat:
			if s.cr.allowsCongestionResponse() {
				s.correctSpurious(path, now)
				s.cr.ssthresh = s.ssthresh
				s.cr.cwin = path.CongestionWindow
			}
		case NotificationRepeat, NotificationEcnCe, NotificationTimeout:
			if state.LostPacketNumber >= s.recoverySequence &&
				(notification == NotificationEcnCe ||
					s.rttFilter.lossTest(notification, state.LostPacketNumber, protocol.SmoothedLossThreshold)) {
				// Re-enter recovery.
				s.enterRecovery(path, notification, now)
			}
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationCwinBlocked:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationReset:
			s.reset(path, now)
		case NotificationSeedCwin:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		}
	case cubicCongestionAvoidance:
		switch notification {
		case NotificationAcknowledgement:
			if path.LastTimeAckedDataFrameSent.After(path.LastSenderLimitedTime) {
				// Protection against limited senders: mask idle intervals.
				if s.startOfEpoch.Before(path.LastSenderLimitedTime) {
					s.startOfEpoch = path.LastSenderLimitedTime
				}
				mtu := float64(sendMTU(path))
				winCubic := protocol.ByteCount(s.wCubic(now) * mtu)
				s.wReno += float64(state.BytesAcknowledged) * mtu / s.wReno

				// Pick the largest of the two windows.
				if winCubic > protocol.ByteCount(s.wReno) {
					path.CongestionWindow = winCubic
				} else {
					path.CongestionWindow = protocol.ByteCount(s.wReno)
				}
				s.cr.cwin = path.CongestionWindow
			}
			s.cr.notify(path, notification, state, now)
			s.ssthresh = s.cr.ssthresh
			path.CongestionWindow = s.cr.cwin
		case NotificationRepeat, NotificationEcnCe, NotificationTimeout:
			if state.LostPacketNumber >= s.recoverySequence &&
				(notification == NotificationEcnCe ||
					s.rttFilter.lossTest(notification, state.LostPacketNumber, protocol.SmoothedLossThreshold)) {
				s.enterRecovery(path, notification, now)
			}
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationSpuriousRepeat:
			if s.cr.allowsCongestionResponse() {
				s.correctSpurious(path, now)
				s.cr.ssthresh = s.ssthresh
				s.cr.cwin = path.CongestionWindow
			}
		case NotificationCwinBlocked:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		case NotificationReset:
			s.reset(path, now)
		case NotificationSeedCwin:
			s.cr.notify(path, notification, state, now)
			path.CongestionWindow = s.cr.cwin
		}
	}

	updatePacing(path, s.phase == cubicSlowStart && s.ssthresh == protocol.MaxByteCount)
}

// dcubic uses only delay and high-loss signals: single losses and ECN marks
// are ignored, RTT increases end slow start and congestion avoidance cycles.
func (s *cubicState) dcubicExitSlowStart(path *Path, notification Notification, now time.Time) {
	if s.ssthresh == protocol.MaxByteCount {
		path.IsSSThreshInitialized = true
		s.ssthresh = path.CongestionWindow
		mtu := float64(sendMTU(path))
		s.wMax = float64(path.CongestionWindow) / mtu
		s.wLastMax = s.wMax
		s.wReno = float64(path.CongestionWindow)
		s.enterAvoidance(now)
		// Shift the epoch so the window starts at the origin point.
		s.startOfEpoch = now.Add(-time.Duration(s.k * float64(time.Second)))
	} else if now.Sub(s.startOfEpoch) > path.SmoothedRTT || s.recoverySequence <= ackNumber(path) {
		// Re-enter recovery if this is a new event.
		s.enterRecovery(path, notification, now)
	}
}

func (s *cubicState) dcubicLongDelayWindow(path *Path) {
	if path.RTTMin > protocol.TargetRenoRTT && s.ssthresh == protocol.MaxByteCount {
		minCwnd := increasedWindow(path, protocol.InitialCongestionWindow)
		if minCwnd > path.CongestionWindow {
			path.CongestionWindow = minCwnd
		}
	}
}

func (s *cubicState) dcubicNotify(path *Path, notification Notification, state AckState, now time.Time) {
	switch s.phase {
	case cubicSlowStart:
		switch notification {
		case NotificationAcknowledgement:
			if path.LastTimeAckedDataFrameSent.After(path.LastSenderLimitedTime) {
				hystartIncrease(path, state.BytesAcknowledged)
				if path.CongestionWindow >= s.ssthresh {
					s.wReno = float64(path.CongestionWindow) / 2.0
					s.enterAvoidance(now)
				}
			}
		case NotificationRepeat, NotificationTimeout:
			// Only exit on high losses.
			if s.rttFilter.lossTest(notification, state.LostPacketNumber, protocol.SmoothedLossThreshold) {
				s.dcubicExitSlowStart(path, notification, now)
			}
		case NotificationRTTMeasurement:
			s.dcubicLongDelayWindow(path)
			rtt := state.RTTMeasurement
			if state.OneWayDelay > 0 {
				rtt = state.OneWayDelay
			}
			if s.rttFilter.hystartTest(rtt, now) {
				s.dcubicExitSlowStart(path, notification, now)
			}
		case NotificationReset:
			s.reset(path, now)
		case NotificationSeedCwin:
			if s.ssthresh == protocol.MaxByteCount {
				if path.CongestionWindow < state.BytesAcknowledged {
					path.CongestionWindow = state.BytesAcknowledged
				}
			}
		}
	case cubicRecovery:
		switch notification {
		case NotificationAcknowledgement:
			s.phase = cubicSlowStart
			path.CongestionWindow += state.BytesAcknowledged
			if path.CongestionWindow >= s.ssthresh {
				s.phase = cubicCongestionAvoidance
			}
		case NotificationRTTMeasurement:
			s.dcubicLongDelayWindow(path)
			rtt := state.RTTMeasurement
			if state.OneWayDelay > 0 {
				rtt = state.OneWayDelay
			}
			if s.rttFilter.hystartTest(rtt, now) {
				if now.Sub(s.startOfEpoch) > path.SmoothedRTT || s.recoverySequence <= ackNumber(path) {
					s.enterRecovery(path, notification, now)
				}
			}
		case NotificationReset:
			s.reset(path, now)
		}
	case cubicCongestionAvoidance:
		switch notification {
		case NotificationAcknowledgement:
			if path.LastTimeAckedDataFrameSent.After(path.LastSenderLimitedTime) {
				if s.startOfEpoch.Before(path.LastSenderLimitedTime) {
					s.startOfEpoch = path.LastSenderLimitedTime
				}
				mtu := float64(sendMTU(path))
				winCubic := protocol.ByteCount(s.wCubic(now) * mtu)
				s.wReno += float64(state.BytesAcknowledged) * mtu / s.wReno

				if winCubic > protocol.ByteCount(s.wReno) {
					path.CongestionWindow = winCubic
				} else {
					path.CongestionWindow = protocol.ByteCount(s.wReno)
				}
			}
		case NotificationRepeat, NotificationTimeout:
			if s.rttFilter.lossTest(notification, state.LostPacketNumber, protocol.SmoothedLossThreshold) &&
				state.LostPacketNumber > s.recoverySequence {
				s.enterRecovery(path, notification, now)
			}
		case NotificationRTTMeasurement:
			rtt := state.RTTMeasurement
			if state.OneWayDelay > 0 {
				rtt = state.OneWayDelay
			}
			if s.rttFilter.hystartTest(rtt, now) {
				if now.Sub(s.startOfEpoch) > path.SmoothedRTT || s.recoverySequence <= ackNumber(path) {
					s.enterRecovery(path, notification, now)
				}
			}
		case NotificationReset:
			s.reset(path, now)
		}
	}

	updatePacing(path, s.phase == cubicSlowStart && s.ssthresh == protocol.MaxByteCount)
}

type cubicAlgorithm struct{}

var _ Algorithm = &cubicAlgorithm{}

func (a *cubicAlgorithm) ID() string     { return "cubic" }
func (a *cubicAlgorithm) Number() uint64 { return 2 }

func (a *cubicAlgorithm) Init(path *Path, now time.Time) {
	s := &cubicState{}
	s.reset(path, now)
	path.congestionState = s
}

func (a *cubicAlgorithm) Notify(path *Path, notification Notification, state AckState, now time.Time) {
	s, ok := path.congestionState.(*cubicState)
	if !ok {
		return
	}
	s.notify(path, notification, state, now)
}

func (a *cubicAlgorithm) Delete(path *Path) {
	path.congestionState = nil
}

func (a *cubicAlgorithm) Observe(path *Path) (uint64, uint64) {
	s, ok := path.congestionState.(*cubicState)
	if !ok {
		return 0, 0
	}
	return uint64(s.phase), uint64(s.wMax)
}

type dcubicAlgorithm struct{}

var _ Algorithm = &dcubicAlgorithm{}

func (a *dcubicAlgorithm) ID() string     { return "dcubic" }
func (a *dcubicAlgorithm) Number() uint64 { return 3 }

func (a *dcubicAlgorithm) Init(path *Path, now time.Time) {
	s := &cubicState{}
	s.reset(path, now)
	path.congestionState = s
}

func (a *dcubicAlgorithm) Notify(path *Path, notification Notification, state AckState, now time.Time) {
	s, ok := path.congestionState.(*cubicState)
	if !ok {
		return
	}
	s.dcubicNotify(path, notification, state, now)
}

func (a *dcubicAlgorithm) Delete(path *Path) {
	path.congestionState = nil
}

func (a *dcubicAlgorithm) Observe(path *Path) (uint64, uint64) {
	s, ok := path.congestionState.(*cubicState)
	if !ok {
		return 0, 0
	}
	return uint64(s.phase), uint64(s.wMax)
}
