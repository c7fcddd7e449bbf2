package congestion

import (
	"time"

	"github.com/lucas-clemente/quic-cc/protocol"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Congestion control helpers", func() {
	var start time.Time

	BeforeEach(func() {
		start = time.Date(2023, 6, 5, 10, 0, 0, 0, time.UTC)
	})

	Context("RTT min/max filter", func() {
		It("tracks the window minimum and maximum", func() {
			f := &minMaxRTT{}
			f.filterRTTMinMax(100 * time.Millisecond)
			f.filterRTTMinMax(80 * time.Millisecond)
			f.filterRTTMinMax(120 * time.Millisecond)
			Expect(f.isInit).To(BeFalse())
			Expect(f.sampleMin).To(Equal(80 * time.Millisecond))
			Expect(f.sampleMax).To(Equal(120 * time.Millisecond))

			f.filterRTTMinMax(90 * time.Millisecond)
			Expect(f.isInit).To(BeTrue())

			// the oldest sample falls out of the window
			f.filterRTTMinMax(100 * time.Millisecond)
			Expect(f.sampleMin).To(Equal(80 * time.Millisecond))
			f.filterRTTMinMax(100 * time.Millisecond)
			Expect(f.sampleMin).To(Equal(90 * time.Millisecond))
			Expect(f.sampleMax).To(Equal(120 * time.Millisecond))
		})

		It("admits samples no closer than 1ms apart", func() {
			f := &minMaxRTT{}
			Expect(f.hystartTest(100*time.Millisecond, start)).To(BeFalse())
			Expect(f.sampleCurrent).To(Equal(1))
			f.hystartTest(100*time.Millisecond, start.Add(500*time.Microsecond))
			Expect(f.sampleCurrent).To(Equal(1))
			f.hystartTest(100*time.Millisecond, start.Add(2*time.Millisecond))
			Expect(f.sampleCurrent).To(Equal(2))
		})

		It("signals after a full window of excessive RTTs", func() {
			f := &minMaxRTT{}
			now := start
			for i := 0; i < protocol.MinMaxRTTScope; i++ {
				Expect(f.hystartTest(100*time.Millisecond, now)).To(BeFalse())
				now = now.Add(2 * time.Millisecond)
			}
			signalled := false
			for i := 0; i < 2*protocol.MinMaxRTTScope; i++ {
				if f.hystartTest(150*time.Millisecond, now) {
					signalled = true
					break
				}
				now = now.Add(2 * time.Millisecond)
			}
			Expect(signalled).To(BeTrue())
		})

		It("does not signal on a stable RTT", func() {
			f := &minMaxRTT{}
			now := start
			for i := 0; i < 4*protocol.MinMaxRTTScope; i++ {
				Expect(f.hystartTest(100*time.Millisecond, now)).To(BeFalse())
				now = now.Add(2 * time.Millisecond)
			}
			Expect(f.nbRTTExcess).To(BeZero())
		})
	})

	Context("loss count filter", func() {
		It("stays below the threshold for a single loss", func() {
			f := &minMaxRTT{}
			Expect(f.lossTest(NotificationRepeat, 5, protocol.SmoothedLossThreshold)).To(BeFalse())
			Expect(f.smoothedDropRate).To(BeNumerically("~", protocol.SmoothedLossFactor, 1e-9))
		})

		It("crosses the threshold on consecutive losses", func() {
			f := &minMaxRTT{}
			Expect(f.lossTest(NotificationRepeat, 5, protocol.SmoothedLossThreshold)).To(BeFalse())
			Expect(f.lossTest(NotificationRepeat, 6, protocol.SmoothedLossThreshold)).To(BeTrue())
		})

		It("ignores losses reported out of order", func() {
			f := &minMaxRTT{}
			f.lossTest(NotificationRepeat, 10, protocol.SmoothedLossThreshold)
			rate := f.smoothedDropRate
			Expect(f.lossTest(NotificationRepeat, 7, protocol.SmoothedLossThreshold)).To(BeFalse())
			Expect(f.smoothedDropRate).To(Equal(rate))
		})

		It("always reports a timeout", func() {
			f := &minMaxRTT{}
			Expect(f.lossTest(NotificationTimeout, 3, protocol.SmoothedLossThreshold)).To(BeTrue())
		})

		It("decays over large packet number gaps", func() {
			f := &minMaxRTT{}
			f.lossTest(NotificationRepeat, 5, protocol.SmoothedLossThreshold)
			f.lossTest(NotificationRepeat, 5+2*protocol.SmoothedLossScope, protocol.SmoothedLossThreshold)
			Expect(f.smoothedDropRate).To(BeNumerically("<", 2*protocol.SmoothedLossFactor))
		})
	})

	Context("loss volume filter", func() {
		It("reports a high per-byte drop rate", func() {
			f := &minMaxRTT{}
			Expect(f.lossVolumeTest(NotificationAcknowledgement, 9000, 1000)).To(BeFalse())
			Expect(f.lossVolumeTest(NotificationAcknowledgement, 5000, 5000)).To(BeTrue())
		})

		It("always reports a timeout", func() {
			f := &minMaxRTT{}
			Expect(f.lossVolumeTest(NotificationTimeout, 1000, 0)).To(BeTrue())
		})

		It("recovers as losses age out", func() {
			f := &minMaxRTT{}
			f.lossVolumeTest(NotificationAcknowledgement, 5000, 5000)
			for i := 0; i < 64; i++ {
				f.lossVolumeTest(NotificationAcknowledgement, 5000, 0)
			}
			Expect(f.smoothedDropRate).To(BeNumerically("<", protocol.SmoothedLossThreshold))
		})
	})

	Context("long-delay windows", func() {
		It("doubles below the Reno target", func() {
			path := &Path{RTTMin: 50 * time.Millisecond}
			Expect(increasedWindow(path, 10000)).To(Equal(protocol.ByteCount(20000)))
		})

		It("scales with the RTT above the target", func() {
			path := &Path{RTTMin: 300 * time.Millisecond}
			Expect(increasedWindow(path, 10000)).To(BeNumerically("~", 30000, 1))
		})

		It("is capped at the satellite target", func() {
			path := &Path{RTTMin: 2 * time.Second}
			Expect(increasedWindow(path, 10000)).To(BeNumerically("~", 60000, 1))
		})
	})

	Context("pacing", func() {
		It("derives the rate from the window and the smoothed RTT", func() {
			path := &Path{
				SendMTU:          protocol.DefaultSendMTU,
				CongestionWindow: 125000,
				SmoothedRTT:      100 * time.Millisecond,
			}
			updatePacing(path, false)
			Expect(path.PacingRate).To(Equal(Bandwidth(10_000_000)))
			Expect(path.PacingPacketTime).To(Equal(1152 * time.Microsecond))
		})

		It("doubles the rate in initial slow start", func() {
			path := &Path{
				SendMTU:          protocol.DefaultSendMTU,
				CongestionWindow: 125000,
				SmoothedRTT:      100 * time.Millisecond,
			}
			updatePacing(path, true)
			Expect(path.PacingRate).To(Equal(Bandwidth(20_000_000)))
		})
	})
})
