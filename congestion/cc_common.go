package congestion

import (
	"time"

	"github.com/lucas-clemente/quic-cc/protocol"
)

func sequenceNumber(path *Path) protocol.PacketNumber {
	return path.PacketNumber
}

func ackNumber(path *Path) protocol.PacketNumber {
	return path.PacketAckedNumber
}

// minMaxRTT tracks the last MinMaxRTTScope RTT samples together with the
// smoothed loss filters shared by the loss-based controllers.
type minMaxRTT struct {
	samples       [protocol.MinMaxRTTScope]time.Duration
	sampleCurrent int
	isInit        bool

	sampleMin time.Duration
	sampleMax time.Duration

	rttFilteredMin    time.Duration
	nbRTTExcess       int
	lastRTTSampleTime time.Time

	lastLostPacketNumber protocol.PacketNumber
	smoothedDropRate     float64
	smoothedBytesLost16  protocol.ByteCount
	smoothedBytesSent16  protocol.ByteCount
}

func (f *minMaxRTT) filterRTTMinMax(rtt time.Duration) {
	x := f.sampleCurrent

	f.samples[x] = rtt

	f.sampleCurrent = x + 1
	if f.sampleCurrent >= protocol.MinMaxRTTScope {
		f.isInit = true
		f.sampleCurrent = 0
	}

	xMax := x + 1
	if f.isInit {
		xMax = protocol.MinMaxRTTScope
	}

	f.sampleMin = f.samples[0]
	f.sampleMax = f.samples[0]

	for i := 1; i < xMax; i++ {
		if f.samples[i] < f.sampleMin {
			f.sampleMin = f.samples[i]
		} else if f.samples[i] > f.sampleMax {
			f.sampleMax = f.samples[i]
		}
	}
}

// hystartTest feeds an RTT sample and reports whether the RTT increased
// enough, for long enough, to leave slow start. Samples closer than 1ms to
// the previous one are not admitted.
func (f *minMaxRTT) hystartTest(rtt time.Duration, now time.Time) bool {
	if now.Before(f.lastRTTSampleTime.Add(time.Millisecond)) {
		return false
	}
	f.filterRTTMinMax(rtt)
	f.lastRTTSampleTime = now

	if !f.isInit {
		return false
	}

	if f.rttFilteredMin == 0 || f.rttFilteredMin > f.sampleMax {
		f.rttFilteredMin = f.sampleMax
	}
	deltaMax := f.rttFilteredMin / 4

	if f.sampleMin > f.rttFilteredMin {
		if f.sampleMin > f.rttFilteredMin+deltaMax {
			f.nbRTTExcess++
			if f.nbRTTExcess >= protocol.MinMaxRTTScope {
				// RTT increased too much, get out of slow start
				return true
			}
		}
	} else {
		f.nbRTTExcess = 0
	}
	return false
}

// lossTest updates the smoothed per-packet drop rate for a newly reported
// loss. It reports true for a repeat once the rate exceeds errorRateMax, and
// always for a timeout.
func (f *minMaxRTT) lossTest(notification Notification, lostPacketNumber protocol.PacketNumber, errorRateMax float64) bool {
	nextNumber := f.lastLostPacketNumber

	if lostPacketNumber <= nextNumber {
		// The rate is not updated, but a timeout is still reported.
		return notification == NotificationTimeout
	}
	if nextNumber+protocol.SmoothedLossScope < lostPacketNumber {
		nextNumber = lostPacketNumber - protocol.SmoothedLossScope
	}

	for nextNumber < lostPacketNumber {
		f.smoothedDropRate *= 1.0 - protocol.SmoothedLossFactor
		nextNumber++
	}

	f.smoothedDropRate += (1.0 - f.smoothedDropRate) * protocol.SmoothedLossFactor
	f.lastLostPacketNumber = lostPacketNumber

	switch notification {
	case NotificationRepeat:
		return f.smoothedDropRate > errorRateMax
	case NotificationTimeout:
		return true
	}
	return false
}

// lossVolumeTest updates the 16-tap decaying byte counters. For an
// acknowledgement it reports whether the per-byte drop rate exceeds the
// smoothed loss threshold; it always reports a timeout, and never any other
// notification.
func (f *minMaxRTT) lossVolumeTest(notification Notification, bytesNewlyAcked, bytesNewlyLost protocol.ByteCount) bool {
	f.smoothedBytesLost16 -= f.smoothedBytesLost16 / 16
	f.smoothedBytesLost16 += bytesNewlyLost
	f.smoothedBytesSent16 -= f.smoothedBytesSent16 / 16
	f.smoothedBytesSent16 += bytesNewlyAcked + bytesNewlyLost

	if f.smoothedBytesSent16 > 0 {
		f.smoothedDropRate = float64(f.smoothedBytesLost16) / float64(f.smoothedBytesSent16)
	} else {
		f.smoothedDropRate = 0
	}

	switch notification {
	case NotificationAcknowledgement:
		return f.smoothedDropRate > protocol.SmoothedLossThreshold
	case NotificationTimeout:
		return true
	}
	return false
}

func hystartIncrease(path *Path, nbDelivered protocol.ByteCount) {
	path.CongestionWindow += nbDelivered
}

// increasedWindow scales a window for long-delay links, bounded by the
// satellite RTT target.
func increasedWindow(path *Path, previousWindow protocol.ByteCount) protocol.ByteCount {
	if path.RTTMin <= protocol.TargetRenoRTT {
		return previousWindow * 2
	}
	w := float64(previousWindow)
	w /= float64(protocol.TargetRenoRTT)
	if path.RTTMin > protocol.TargetSatelliteRTT {
		w *= float64(protocol.TargetSatelliteRTT)
	} else {
		w *= float64(path.RTTMin)
	}
	return protocol.ByteCount(w)
}

func sendMTU(path *Path) protocol.ByteCount {
	if path.SendMTU == 0 {
		return protocol.DefaultSendMTU
	}
	return path.SendMTU
}

// updatePacing recomputes the pacing rate and per-packet spacing from the
// congestion window and the smoothed RTT. The rate is doubled while the
// sender is still in initial slow start.
func updatePacing(path *Path, inInitialSlowStart bool) {
	srtt := path.SmoothedRTT
	if srtt < time.Millisecond {
		srtt = protocol.TargetRenoRTT
	}
	rate := BandwidthFromDelta(path.CongestionWindow, srtt)
	if inInitialSlowStart {
		rate *= 2
	}
	if rate == 0 {
		rate = BytesPerSecond
	}
	path.PacingRate = rate
	path.PacingPacketTime = time.Duration(uint64(sendMTU(path)) * 8 * uint64(time.Second) / uint64(rate))
}
