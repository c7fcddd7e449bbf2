package protocol

import "time"

// A PacketNumber in QUIC
type PacketNumber uint64

// A ByteCount in QUIC
type ByteCount uint64

// MaxByteCount is the maximum value of a ByteCount. It doubles as the
// "not initialized" sentinel for the slow start threshold.
const MaxByteCount = ByteCount(1<<64 - 1)

// DefaultSendMTU is the maximum packet size used for congestion window
// arithmetic when the path has not reported one.
const DefaultSendMTU ByteCount = 1440

// InitialCongestionWindow is the congestion window on a fresh path.
const InitialCongestionWindow = 10 * DefaultSendMTU

// MinimumCongestionWindow is the floor enforced after timeouts and cutbacks.
const MinimumCongestionWindow = 2 * DefaultSendMTU

// MinMaxRTTScope is the depth of the RTT min/max tracking window.
const MinMaxRTTScope = 4

// SmoothedLossThreshold is the smoothed drop rate above which loss-filtered
// controllers react to repeats.
const SmoothedLossThreshold = 0.10

// SmoothedLossFactor is the EWMA coefficient of the per-packet drop filter.
const SmoothedLossFactor = 1.0 / 16.0

// SmoothedLossScope caps the packet number gap fed into the drop filter.
const SmoothedLossScope PacketNumber = 256

// TargetRenoRTT is the reference RTT for long-delay window scaling.
const TargetRenoRTT = 100 * time.Millisecond

// TargetSatelliteRTT bounds the long-delay window scaling.
const TargetSatelliteRTT = 600 * time.Millisecond
