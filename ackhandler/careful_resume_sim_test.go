package ackhandler

import (
	"time"

	"github.com/lucas-clemente/quic-cc/cctrace"
	"github.com/lucas-clemente/quic-cc/congestion"
	"github.com/lucas-clemente/quic-cc/protocol"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// A latency-dominated path model: every packet sent is delivered one RTT
// later, in order, with no loss. The sender keeps the flight filled up to
// the congestion window, so the transfer time is governed entirely by how
// fast the controller opens the window.
type transferResult struct {
	duration    time.Duration
	finalCwnd   protocol.ByteCount
	traceEvents []cctrace.Event
}

func runTransfer(algorithm string, total protocol.ByteCount, rtt time.Duration, seedCwnd protocol.ByteCount, seedRTT time.Duration) transferResult {
	start := time.Date(2023, 6, 5, 10, 0, 0, 0, time.UTC)
	tracer := cctrace.NewTracer()
	path := &congestion.Path{
		SendMTU: protocol.DefaultSendMTU,
		RTTMin:  rtt, // measured during the handshake
		Tracer:  tracer,
	}
	handler := NewSentPacketHandler(path, congestion.AlgorithmByID(algorithm), start)
	if seedCwnd > 0 {
		handler.SeedWindow(seedCwnd, seedRTT, start)
	}

	type ackEvent struct {
		pn protocol.PacketNumber
		at time.Time
	}

	var (
		pending   []ackEvent
		sentBytes protocol.ByteCount
		nextPN    = protocol.PacketNumber(1)
		now       = start
	)

	sendWindow := func() {
		for sentBytes < total && path.BytesInTransit < path.CongestionWindow {
			length := protocol.DefaultSendMTU
			if total-sentBytes < length {
				length = total - sentBytes
			}
			ExpectWithOffset(1, handler.SentPacket(&Packet{
				PacketNumber: nextPN,
				Length:       length,
				SendTime:     now,
			})).To(Succeed())
			pending = append(pending, ackEvent{pn: nextPN, at: now.Add(rtt)})
			sentBytes += length
			nextPN++
		}
	}

	sendWindow()
	for path.Delivered < total {
		ExpectWithOffset(1, pending).ToNot(BeEmpty())
		ev := pending[0]
		pending = pending[1:]
		now = ev.at
		handler.ReceivedAck(ev.pn, rtt, now)
		sendWindow()
	}

	return transferResult{
		duration:    now.Sub(start),
		finalCwnd:   path.CongestionWindow,
		traceEvents: tracer.Events(),
	}
}

func phasesOf(events []cctrace.Event) []string {
	var phases []string
	for _, ev := range events {
		if ev.EventType == cctrace.PhaseTransition {
			phases = append(phases, ev.Phase)
		}
	}
	return phases
}

var _ = Describe("Careful resume transfers", func() {
	// 25 MB over a 300ms one-way path; the second connection reuses the
	// first one's congestion window as its seed.
	const total protocol.ByteCount = 25 * 1000 * 1000
	const rtt = 600 * time.Millisecond

	It("completes two successive connections, the second one seeded", func() {
		first := runTransfer("newreno", total, rtt, 0, 0)
		Expect(first.duration).To(BeNumerically("<=", 30*time.Second))
		// without a seed there is nothing to jump to
		Expect(phasesOf(first.traceEvents)).To(Equal([]string{"recon", "normal"}))

		second := runTransfer("newreno", total, rtt, first.finalCwnd, rtt)
		Expect(second.duration).To(BeNumerically("<", 3*time.Second))
		Expect(second.duration).To(BeNumerically("<", first.duration/3))

		phases := phasesOf(second.traceEvents)
		Expect(phases[0]).To(Equal("recon"))
		Expect(phases[1]).To(Equal("unval"))
		Expect(phases).To(ContainElement("normal"))
		Expect(phases).ToNot(ContainElement("retreat"))
	})

	It("jumps with the cubic controller as well", func() {
		first := runTransfer("cubic", total, rtt, 0, 0)
		Expect(first.duration).To(BeNumerically("<=", 30*time.Second))

		second := runTransfer("cubic", total, rtt, first.finalCwnd, rtt)
		Expect(second.duration).To(BeNumerically("<", 3*time.Second))
		phases := phasesOf(second.traceEvents)
		Expect(phases[0]).To(Equal("recon"))
		Expect(phases[1]).To(Equal("unval"))
	})
})
