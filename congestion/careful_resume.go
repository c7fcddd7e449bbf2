package congestion

import (
	"time"

	"github.com/lucas-clemente/quic-cc/cctrace"
	"github.com/lucas-clemente/quic-cc/protocol"
	"github.com/lucas-clemente/quic-cc/utils"
)

// crPhase is the phase of the careful resume overlay.
type crPhase uint8

const (
	// crPhaseObserve is reserved for delay-based variants. Decisions treat
	// it like Recon or Normal; nothing transitions into it.
	crPhaseObserve crPhase = iota
	// crPhaseRecon observes early traffic while the underlying controller
	// runs its normal slow start.
	crPhaseRecon
	// crPhaseUnval means the jump has been applied but none of the packets
	// sent at the higher rate are acknowledged yet.
	crPhaseUnval
	// crPhaseValidate means the first post-jump ack arrived; the window is
	// set to the flight size on entry, and the underlying controller's slow
	// start may grow it until the last unvalidated packet is acked.
	crPhaseValidate
	// crPhaseRetreat means congestion was detected while the jump was in
	// flight; the window is pulled back to half the validated pipe.
	crPhaseRetreat
	// crPhaseNormal means careful resume is dormant and the underlying
	// controller has exclusive control.
	crPhaseNormal
)

func (p crPhase) String() string {
	switch p {
	case crPhaseObserve:
		return "observe"
	case crPhaseRecon:
		return "recon"
	case crPhaseUnval:
		return "unval"
	case crPhaseValidate:
		return "validate"
	case crPhaseRetreat:
		return "retreat"
	case crPhaseNormal:
		return "normal"
	default:
		return "invalid"
	}
}

// crSeed is the congestion window and minimum RTT observed on a previous
// connection to the same destination.
type crSeed struct {
	cwnd   protocol.ByteCount
	rttMin time.Duration
}

// crState is the careful resume overlay for one path. It keeps its own
// shadow of the congestion window and slow start threshold; the hosting
// controller mirrors its window in before dispatching a notification and
// copies both values back afterwards.
type crState struct {
	phase crPhase

	// seed is nil until a SeedCwin notification installs both saved values.
	// It is erased on entry to Retreat.
	seed *crSeed

	// crMark is the bytes-delivered watermark at entry to Unval.
	crMark protocol.ByteCount
	// jumpCwnd is the upper watermark: delivered plus half the saved window.
	jumpCwnd protocol.ByteCount
	// pipesize accumulates acknowledged bytes while in Unval, Validate or
	// Retreat.
	pipesize protocol.ByteCount

	cwin     protocol.ByteCount
	ssthresh protocol.ByteCount

	startOfEpoch         time.Time
	previousStartOfEpoch time.Time
}

func (c *crState) reset(path *Path, now time.Time) {
	*c = crState{
		phase:        crPhaseRecon,
		ssthresh:     protocol.MaxByteCount,
		cwin:         protocol.InitialCongestionWindow,
		startOfEpoch: now,
	}
	c.enterRecon(path, now)
}

// allowsSlowStart reports whether the underlying controller may grow the
// window with slow start arithmetic in the current phase.
func (c *crState) allowsSlowStart() bool {
	switch c.phase {
	case crPhaseObserve, crPhaseRecon, crPhaseValidate, crPhaseNormal:
		return true
	default:
		return false
	}
}

// allowsCongestionResponse reports whether the underlying controller may
// run its own loss response in the current phase. While a jump is in flight
// the overlay handles congestion itself, by retreating.
func (c *crState) allowsCongestionResponse() bool {
	switch c.phase {
	case crPhaseObserve, crPhaseRecon, crPhaseNormal:
		return true
	default:
		return false
	}
}

func (c *crState) notify(path *Path, notification Notification, state AckState, now time.Time) {
	switch notification {
	case NotificationAcknowledgement:
		switch c.phase {
		case crPhaseUnval:
			c.pipesize += state.BytesAcknowledged
			// The first ack of the jump is expected after about one RTT. A
			// delayed ack delays the transition accordingly.
			if now.Sub(c.startOfEpoch) > path.RTTMin || path.Delivered > c.crMark {
				c.enterValidate(path, now)
			}
		case crPhaseValidate:
			c.pipesize += state.BytesAcknowledged
			if path.Delivered >= c.jumpCwnd {
				c.enterNormal(path, now)
			}
		case crPhaseRetreat:
			c.pipesize += state.BytesAcknowledged
			if path.Delivered >= c.jumpCwnd {
				c.ssthresh = c.pipesize
				c.enterNormal(path, now)
			}
		}
	case NotificationRepeat, NotificationEcnCe, NotificationTimeout:
		switch c.phase {
		case crPhaseRecon:
			// Congestion before the jump: the resume method is not used.
			c.enterNormal(path, now)
		case crPhaseUnval, crPhaseValidate:
			c.enterRetreat(path, now)
		}
	case NotificationCwinBlocked:
		switch c.phase {
		case crPhaseRecon:
			switch {
			case c.seed == nil:
				c.enterNormal(path, now)
			case c.cwin >= c.seed.cwnd/2:
				// Slow start already reached the jump window.
				c.enterNormal(path, now)
			case path.RTTMin < c.seed.rttMin/2 || path.RTTMin >= 10*c.seed.rttMin:
				// The path is not confirmed: the current RTT is too far from
				// the RTT the seed was observed with.
				c.enterNormal(path, now)
			default:
				c.enterUnval(path, now)
			}
		case crPhaseUnval:
			c.enterValidate(path, now)
		}
	case NotificationSeedCwin:
		if state.BytesAcknowledged > 0 && state.RTTMeasurement > 0 {
			c.seed = &crSeed{
				cwnd:   state.BytesAcknowledged,
				rttMin: state.RTTMeasurement,
			}
			utils.Debugf("careful resume: seed installed, cwnd %d, rtt_min %s", c.seed.cwnd, c.seed.rttMin)
		}
	case NotificationSpuriousRepeat, NotificationRTTMeasurement, NotificationReset:
		// Spurious repeats do not revive an abandoned jump; resets travel
		// through the hosting controller.
	}
}

func (c *crState) startEpoch(now time.Time) {
	c.previousStartOfEpoch = c.startOfEpoch
	c.startOfEpoch = now
}

func (c *crState) trace(path *Path, now time.Time) {
	utils.Debugf("careful resume: %s, cwin %d, pipesize %d", c.phase, c.cwin, c.pipesize)
	if path.Tracer == nil {
		return
	}
	path.Tracer.Trace(cctrace.Event{
		Time:               now,
		EventType:          cctrace.PhaseTransition,
		Algorithm:          "careful_resume",
		Phase:              c.phase.String(),
		CongestionWindow:   c.cwin,
		SlowStartThreshold: c.ssthresh,
		Pipesize:           c.pipesize,
	})
}

func (c *crState) enterRecon(path *Path, now time.Time) {
	c.phase = crPhaseRecon
	c.startEpoch(now)
	c.cwin = protocol.InitialCongestionWindow
	c.trace(path, now)
}

func (c *crState) enterUnval(path *Path, now time.Time) {
	c.phase = crPhaseUnval
	c.startEpoch(now)

	// Lower and upper bound of the unvalidated packets, in delivered bytes.
	c.crMark = path.Delivered + path.BytesInTransit
	c.jumpCwnd = path.Delivered + c.seed.cwnd/2

	// The pipe size records the window before the jump is applied.
	c.pipesize = path.BytesInTransit

	// The jump must leave room for flows that started after the seed was
	// observed, so it is capped at half of the saved window.
	c.cwin = c.seed.cwnd / 2
	c.trace(path, now)
}

func (c *crState) enterValidate(path *Path, now time.Time) {
	c.phase = crPhaseValidate
	c.startEpoch(now)

	// The window is limited to the flight size on entry. If nothing beyond
	// the validated pipe is in flight there is nothing left to validate.
	if path.BytesInTransit > c.pipesize {
		c.cwin = path.BytesInTransit
		c.trace(path, now)
	} else {
		c.cwin = c.pipesize
		c.trace(path, now)
		c.enterNormal(path, now)
	}
}

func (c *crState) enterRetreat(path *Path, now time.Time) {
	c.phase = crPhaseRetreat
	c.startEpoch(now)

	// Unacknowledged packets from the unvalidated phase may be lost; loss
	// recovery starts from half the validated pipe.
	c.cwin = utils.MaxByteCount(c.pipesize/2, protocol.InitialCongestionWindow)

	// A seed that led to congestion must not be reused.
	c.seed = nil
	c.trace(path, now)
}

func (c *crState) enterNormal(path *Path, now time.Time) {
	c.phase = crPhaseNormal
	c.startEpoch(now)
	c.trace(path, now)
}
