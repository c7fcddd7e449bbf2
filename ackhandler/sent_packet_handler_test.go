package ackhandler

import (
	"time"

	"github.com/lucas-clemente/quic-cc/congestion"
	"github.com/lucas-clemente/quic-cc/protocol"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("SentPacketHandler", func() {
	var (
		start   time.Time
		path    *congestion.Path
		handler *SentPacketHandler
	)

	BeforeEach(func() {
		start = time.Date(2023, 6, 5, 10, 0, 0, 0, time.UTC)
		path = &congestion.Path{SendMTU: protocol.DefaultSendMTU}
		handler = NewSentPacketHandler(path, congestion.AlgorithmByID("newreno"), start)
	})

	It("initializes the congestion controller on the path", func() {
		Expect(path.CongestionWindow).To(Equal(protocol.InitialCongestionWindow))
	})

	It("rejects duplicate packet numbers", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		err := handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})
		Expect(err).To(MatchError("Packet number already exists in Packet History"))
	})

	It("rejects packet number gaps", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		err := handler.SentPacket(&Packet{PacketNumber: 3, Length: 1440, SendTime: start})
		Expect(err).To(MatchError("Packet number must be increased by exactly 1"))
	})

	It("accounts for sent and acknowledged bytes", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		Expect(handler.SentPacket(&Packet{PacketNumber: 2, Length: 1440, SendTime: start})).To(Succeed())
		Expect(path.BytesInTransit).To(Equal(protocol.ByteCount(2880)))
		Expect(path.PacketNumber).To(Equal(protocol.PacketNumber(3)))

		handler.ReceivedAck(2, 100*time.Millisecond, start.Add(100*time.Millisecond))
		Expect(path.BytesInTransit).To(BeZero())
		Expect(path.Delivered).To(Equal(protocol.ByteCount(2880)))
		Expect(path.PacketAckedNumber).To(Equal(protocol.PacketNumber(2)))
		Expect(path.PacketAckedTimeSent).To(Equal(start))
		Expect(path.RTTMin).To(Equal(100 * time.Millisecond))
		Expect(path.SmoothedRTT).To(Equal(100 * time.Millisecond))
	})

	It("smoothes subsequent RTT samples", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		handler.ReceivedAck(1, 100*time.Millisecond, start.Add(100*time.Millisecond))
		Expect(handler.SentPacket(&Packet{PacketNumber: 2, Length: 1440, SendTime: start.Add(100 * time.Millisecond)})).To(Succeed())
		handler.ReceivedAck(2, 180*time.Millisecond, start.Add(280*time.Millisecond))
		Expect(path.RTTMin).To(Equal(100 * time.Millisecond))
		Expect(path.SmoothedRTT).To(Equal(110 * time.Millisecond))
	})

	It("grows the window through the congestion controller", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		handler.ReceivedAck(1, 100*time.Millisecond, start.Add(100*time.Millisecond))
		Expect(path.CongestionWindow).To(Equal(protocol.InitialCongestionWindow + 1440))
	})

	It("ignores an ack that covers nothing", func() {
		handler.ReceivedAck(7, 100*time.Millisecond, start)
		Expect(path.Delivered).To(BeZero())
		Expect(path.RTTMin).To(BeZero())
	})

	It("removes lost packets from the flight", func() {
		Expect(handler.SentPacket(&Packet{PacketNumber: 1, Length: 1440, SendTime: start})).To(Succeed())
		Expect(handler.SentPacket(&Packet{PacketNumber: 2, Length: 1440, SendTime: start})).To(Succeed())
		handler.LostPacket(1, start.Add(50*time.Millisecond))
		Expect(path.BytesInTransit).To(Equal(protocol.ByteCount(1440)))
		handler.LostPacket(1, start.Add(51*time.Millisecond))
		Expect(path.BytesInTransit).To(Equal(protocol.ByteCount(1440)))
	})

	It("never decreases the delivered counter", func() {
		delivered := path.Delivered
		for pn := protocol.PacketNumber(1); pn <= 20; pn++ {
			Expect(handler.SentPacket(&Packet{PacketNumber: pn, Length: 1440, SendTime: start})).To(Succeed())
		}
		for pn := protocol.PacketNumber(1); pn <= 20; pn++ {
			handler.ReceivedAck(pn, 100*time.Millisecond, start.Add(time.Duration(pn)*10*time.Millisecond))
			Expect(path.Delivered).To(BeNumerically(">=", delivered))
			delivered = path.Delivered
		}
	})
})
