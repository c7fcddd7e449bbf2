package ackhandler

import (
	"errors"
	"sync"
	"time"

	"github.com/lucas-clemente/quic-cc/congestion"
	"github.com/lucas-clemente/quic-cc/protocol"
)

// A Packet is a packet handed to the SentPacketHandler when it is sent.
type Packet struct {
	PacketNumber protocol.PacketNumber
	Length       protocol.ByteCount
	SendTime     time.Time
}

// SentPacketHandler keeps the history of sent packets for one path and
// translates send, ack and loss events into the congestion notifications of
// the attached algorithm. It is the only writer of the path's accounting:
// bytes in transit, delivered bytes, packet numbers and the RTT estimators.
type SentPacketHandler struct {
	path      *congestion.Path
	algorithm congestion.Algorithm

	lastSentPacketNumber protocol.PacketNumber
	largestAcked         protocol.PacketNumber
	lowestUnacked        protocol.PacketNumber
	packetHistory        map[protocol.PacketNumber]*Packet
	packetHistoryMutex   sync.Mutex
}

// NewSentPacketHandler creates a handler for a path and initializes the
// congestion control algorithm on it.
func NewSentPacketHandler(path *congestion.Path, algorithm congestion.Algorithm, now time.Time) *SentPacketHandler {
	algorithm.Init(path, now)
	return &SentPacketHandler{
		path:          path,
		algorithm:     algorithm,
		lowestUnacked: 1,
		packetHistory: make(map[protocol.PacketNumber]*Packet),
	}
}

// SeedWindow installs the congestion window and minimum RTT observed on a
// previous connection to the same destination. It must be called before the
// first packet is sent.
func (h *SentPacketHandler) SeedWindow(cwnd protocol.ByteCount, rttMin time.Duration, now time.Time) {
	h.algorithm.Notify(h.path, congestion.NotificationSeedCwin, congestion.AckState{
		BytesAcknowledged: cwnd,
		RTTMeasurement:    rttMin,
	}, now)
}

// SentPacket registers a sent packet. Packet numbers must increase by
// exactly 1. When the flight size reaches the congestion window, the
// controller is notified that the path is window-blocked.
func (h *SentPacketHandler) SentPacket(packet *Packet) error {
	h.packetHistoryMutex.Lock()
	defer h.packetHistoryMutex.Unlock()
	if _, ok := h.packetHistory[packet.PacketNumber]; ok {
		return errors.New("Packet number already exists in Packet History")
	}
	if h.lastSentPacketNumber+1 != packet.PacketNumber {
		return errors.New("Packet number must be increased by exactly 1")
	}

	h.lastSentPacketNumber = packet.PacketNumber
	h.packetHistory[packet.PacketNumber] = packet

	h.path.PacketNumber = packet.PacketNumber + 1
	h.path.BytesInTransit += packet.Length

	if h.path.BytesInTransit >= h.path.CongestionWindow {
		h.algorithm.Notify(h.path, congestion.NotificationCwinBlocked, congestion.AckState{}, packet.SendTime)
	}
	return nil
}

// ReceivedAck processes a cumulative acknowledgement of all packets up to
// and including largestAcked. The RTT measurement is delivered before the
// acknowledgement itself.
func (h *SentPacketHandler) ReceivedAck(largestAcked protocol.PacketNumber, rtt time.Duration, now time.Time) {
	h.packetHistoryMutex.Lock()
	defer h.packetHistoryMutex.Unlock()

	// Packet numbers increase by exactly 1, so everything below largestAcked
	// sits in the contiguous range starting at the lowest unacked number.
	var ackedBytes protocol.ByteCount
	var ackedSendTime time.Time
	for pn := h.lowestUnacked; pn <= largestAcked && pn <= h.lastSentPacketNumber; pn++ {
		packet, ok := h.packetHistory[pn]
		if !ok { // already lost or acknowledged
			continue
		}
		ackedBytes += packet.Length
		if pn == largestAcked {
			ackedSendTime = packet.SendTime
		}
		delete(h.packetHistory, pn)
	}
	if largestAcked >= h.lowestUnacked && largestAcked <= h.lastSentPacketNumber {
		h.lowestUnacked = largestAcked + 1
	}
	if ackedBytes == 0 {
		return
	}

	h.path.Delivered += ackedBytes
	h.path.BytesInTransit -= ackedBytes
	if largestAcked > h.largestAcked {
		h.largestAcked = largestAcked
		h.path.PacketAckedNumber = largestAcked
		h.path.PacketAckedTimeSent = ackedSendTime
	}
	if !ackedSendTime.IsZero() {
		h.path.LastTimeAckedDataFrameSent = ackedSendTime
	}

	if rtt > 0 {
		if h.path.RTTMin == 0 || rtt < h.path.RTTMin {
			h.path.RTTMin = rtt
		}
		if h.path.SmoothedRTT == 0 {
			h.path.SmoothedRTT = rtt
		} else {
			h.path.SmoothedRTT = (7*h.path.SmoothedRTT + rtt) / 8
		}
		h.algorithm.Notify(h.path, congestion.NotificationRTTMeasurement, congestion.AckState{
			RTTMeasurement: rtt,
		}, now)
	}

	h.algorithm.Notify(h.path, congestion.NotificationAcknowledgement, congestion.AckState{
		BytesAcknowledged: ackedBytes,
		RTTMeasurement:    rtt,
	}, now)
}

// LostPacket removes a packet from the history and reports the loss.
func (h *SentPacketHandler) LostPacket(pn protocol.PacketNumber, now time.Time) {
	h.packetHistoryMutex.Lock()
	defer h.packetHistoryMutex.Unlock()

	packet, ok := h.packetHistory[pn]
	if !ok {
		return
	}
	delete(h.packetHistory, pn)
	h.path.BytesInTransit -= packet.Length

	h.algorithm.Notify(h.path, congestion.NotificationRepeat, congestion.AckState{
		LostPacketNumber: pn,
	}, now)
}

// Timeout reports a fired PTO.
func (h *SentPacketHandler) Timeout(now time.Time) {
	h.algorithm.Notify(h.path, congestion.NotificationTimeout, congestion.AckState{}, now)
}

// EcnCe reports an ECN congestion-experienced mark.
func (h *SentPacketHandler) EcnCe(now time.Time) {
	h.algorithm.Notify(h.path, congestion.NotificationEcnCe, congestion.AckState{}, now)
}

// SpuriousRepeat reports that an earlier loss report was unnecessary.
func (h *SentPacketHandler) SpuriousRepeat(pn protocol.PacketNumber, now time.Time) {
	h.algorithm.Notify(h.path, congestion.NotificationSpuriousRepeat, congestion.AckState{
		LostPacketNumber: pn,
	}, now)
}

// Reset resets the congestion controller.
func (h *SentPacketHandler) Reset(now time.Time) {
	h.algorithm.Notify(h.path, congestion.NotificationReset, congestion.AckState{}, now)
}

// BytesInTransit returns the current flight size of the path.
func (h *SentPacketHandler) BytesInTransit() protocol.ByteCount {
	return h.path.BytesInTransit
}
