package transport

import (
	"time"
)

// Loss detection and congestion control constants, draft-22's recovery and
// congestion-control appendices.
//
// Grounded on aioquic quic/recovery.py's module-level K_* constants.
const (
	kPacketThreshold  = 3
	kTimeThresholdNum = 9
	kTimeThresholdDen = 8
	kGranularity      = time.Millisecond
	kInitialRTT       = 500 * time.Millisecond
	kMicroSecond      = time.Microsecond

	kInitialWindow     = 10 * 1200 // bytes
	kMinimumWindow     = 2 * 1200
	kLossReductionNum  = 1
	kLossReductionDen  = 2
	kPersistentCongestionThreshold = 3
)

// rttMonitor implements HyStart-style slow-start exit: it watches for a
// sustained upward trend in smoothed RTT samples across a small sliding
// window, signalling that the bottleneck link is saturating.
//
// Grounded on aioquic quic/recovery.py's QuicRttMonitor.
type rttMonitor struct {
	active     bool
	changed    bool
	minimum    time.Duration
	maximum    time.Duration
	total      time.Duration
	count      int
}

func (m *rttMonitor) addRTT(rtt time.Duration) {
	if m.minimum == 0 || rtt < m.minimum {
		m.minimum = rtt
	}
	if rtt > m.maximum {
		m.maximum = rtt
	}
	m.total += rtt
	m.count++
	if m.count >= 5 {
		avg := m.total / time.Duration(m.count)
		m.total, m.count = 0, 0
		var increase bool
		if m.minimum != 0 {
			increase = avg > m.minimum+m.minimum/8
		}
		if m.maximum > m.minimum*2 {
			m.minimum, m.maximum = 0, 0
			m.changed = false
		} else if increase {
			m.changed = true
		} else if m.changed {
			m.active = true
		}
	}
}

// rttEstimator tracks smoothed RTT and RTT variance per RFC 6298-style
// exponential filtering, draft-22 §A.3.
//
// Grounded on aioquic quic/recovery.py's QuicPacketRecovery RTT fields.
type rttEstimator struct {
	latest    time.Duration
	minimum   time.Duration
	smoothed  time.Duration
	variance  time.Duration
	hasSample bool
}

func (e *rttEstimator) update(rttSample, ackDelay time.Duration, maxAckDelay time.Duration) {
	e.latest = rttSample
	if e.minimum == 0 || rttSample < e.minimum {
		e.minimum = rttSample
	}
	adjusted := rttSample
	if adjusted-e.minimum >= ackDelay {
		adjusted -= ackDelay
	}
	if !e.hasSample {
		e.smoothed = adjusted
		e.variance = adjusted / 2
		e.hasSample = true
		return
	}
	e.variance = e.variance*3/4 + absDuration(e.smoothed-adjusted)/4
	e.smoothed = e.smoothed*7/8 + adjusted/8
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (e *rttEstimator) pto() time.Duration {
	smoothed := e.smoothed
	if !e.hasSample {
		smoothed = kInitialRTT
	}
	return smoothed + 4*e.variance + kGranularity
}

// packetSpace tracks sent-but-unacknowledged packets, the ack range set to
// build outgoing ACK frames, and loss-detection timers for one packet
// number space (spec.md §5).
//
// Grounded on aioquic quic/recovery.py's QuicPacketSpace.
type packetSpace struct {
	kind packetSpaceKind

	nextSendPacketNumber uint64
	largestReceivedPacketNumber uint64
	hasLargestReceived   bool
	largestAckedPacket   uint64
	hasLargestAcked      bool

	ackQueue          rangeSet
	ackedPacketNumber rangeSet // fully acked history, to dedupe
	ackAt             time.Time
	ackAtSet          bool

	sentPackets map[uint64]*sentPacket

	lossTime     time.Time
	lossTimeSet  bool
}

func newPacketSpace(kind packetSpaceKind) *packetSpace {
	return &packetSpace{kind: kind, sentPackets: make(map[uint64]*sentPacket)}
}

// onPacketSent records a freshly transmitted packet.
func (sp *packetSpace) onPacketSent(p *sentPacket) {
	sp.sentPackets[p.packetNumber] = p
}

// lossRecovery coordinates the three packet-number spaces, RTT estimation,
// PTO scheduling, and NewReno congestion control for one connection.
//
// Grounded on aioquic quic/recovery.py's QuicPacketRecovery, adapted from
// Python's single-space abstraction (aioquic keeps one recovery-wide
// largest_acked etc.) to Go structs per space, since spec.md §5 requires
// per-space loss detection while congestion control stays connection-wide.
type lossRecovery struct {
	spaces [spaceCount]*packetSpace
	rtt    rttEstimator
	rttMon rttMonitor

	maxAckDelay time.Duration

	congestionWindow  uint64
	bytesInFlight     uint64
	ssthresh          uint64 // 0 means unlimited (pure slow start)
	inSlowStart       bool
	congestionRecoveryStartTime time.Time
	congestionRecoveryStartTimeSet bool

	ptoCount int
	probePending [spaceCount]bool

	onPacketLost func(space packetSpaceKind, p *sentPacket)
	onPacketAcked func(space packetSpaceKind, p *sentPacket)
}

func newLossRecovery(maxAckDelay time.Duration) *lossRecovery {
	lr := &lossRecovery{
		maxAckDelay:      maxAckDelay,
		congestionWindow: kInitialWindow,
		inSlowStart:      true,
	}
	for i := range lr.spaces {
		lr.spaces[i] = newPacketSpace(packetSpaceKind(i))
	}
	return lr
}

func (lr *lossRecovery) space(kind packetSpaceKind) *packetSpace { return lr.spaces[kind] }

// discardSpace drops all recovery state for a packet space, called when
// Initial or Handshake keys are discarded (spec.md §4.9).
func (lr *lossRecovery) discardSpace(kind packetSpaceKind) {
	sp := lr.spaces[kind]
	for _, p := range sp.sentPackets {
		if p.inFlight {
			lr.bytesInFlight -= uint64(p.sentBytes)
		}
	}
	lr.spaces[kind] = newPacketSpace(kind)
}

// onPacketSentForSend updates congestion accounting when the sender hands a
// packet to the network.
func (lr *lossRecovery) onPacketSentForSend(space packetSpaceKind, p *sentPacket, now time.Time) {
	p.sentTime = now
	lr.spaces[space].onPacketSent(p)
	if p.inFlight {
		lr.bytesInFlight += uint64(p.sentBytes)
	}
}

// onAckReceived processes an ACK frame: marks packets acked, updates RTT
// from the largest newly-acked packet, runs loss detection, and updates
// congestion control.
//
// Grounded on aioquic quic/recovery.py's on_ack_received.
func (lr *lossRecovery) onAckReceived(space packetSpaceKind, ack *ackFrame, now time.Time, isHandshakeConfirmed bool) error {
	sp := lr.spaces[space]
	acked := ack.toRangeSet()
	if acked.empty() {
		return nil
	}
	bounds := acked.bounds()
	largest := bounds.stop - 1

	var largestNewlyAcked *sentPacket
	var largestNewlyAckedTime time.Time

	for pn := range sp.sentPackets {
		if !acked.contains(pn) {
			continue
		}
		p := sp.sentPackets[pn]
		delete(sp.sentPackets, pn)
		if largestNewlyAcked == nil || pn > largestNewlyAcked.packetNumber {
			largestNewlyAcked = p
			largestNewlyAckedTime = p.sentTime
		}
		if p.inFlight {
			lr.onPacketAckedCongestion(p, now)
		}
		if lr.onPacketAcked != nil {
			lr.onPacketAcked(space, p)
		}
	}

	if largestNewlyAcked != nil && largestNewlyAcked.packetNumber == largest {
		ackDelay := time.Duration(ack.ackDelay) * kMicroSecond
		if ackDelay > lr.maxAckDelay {
			ackDelay = lr.maxAckDelay
		}
		sample := now.Sub(largestNewlyAckedTime)
		if sample > 0 {
			lr.rtt.update(sample, ackDelay, lr.maxAckDelay)
			lr.rttMon.addRTT(lr.rtt.smoothed)
		}
	}

	if !sp.hasLargestAcked || largest > sp.largestAckedPacket {
		sp.largestAckedPacket = largest
		sp.hasLargestAcked = true
	}

	lr.detectLoss(space, now)
	lr.ptoCount = 0
	return nil
}

// onPacketAckedCongestion applies NewReno's additive-increase /
// slow-start response to a newly-acknowledged in-flight packet.
//
// Grounded on aioquic quic/recovery.py's _on_packet_acked_congestion /
// NewReno logic embedded in on_ack_received.
func (lr *lossRecovery) onPacketAckedCongestion(p *sentPacket, now time.Time) {
	lr.bytesInFlight -= uint64(p.sentBytes)

	inRecovery := lr.congestionRecoveryStartTimeSet && !p.sentTime.After(lr.congestionRecoveryStartTime)
	if inRecovery {
		return
	}
	if lr.inSlowStart {
		lr.congestionWindow += uint64(p.sentBytes)
		if lr.rttMon.active {
			lr.inSlowStart = false
		}
	} else {
		lr.congestionWindow += uint64(float64(1200) * float64(p.sentBytes) / float64(lr.congestionWindow))
	}
}

// onPacketsLostCongestion reduces cwnd and enters recovery for the most
// recently sent of a batch of newly-detected losses.
func (lr *lossRecovery) onPacketsLostCongestion(lost []*sentPacket, now time.Time) {
	if len(lost) == 0 {
		return
	}
	var mostRecent time.Time
	for _, p := range lost {
		if p.sentTime.After(mostRecent) {
			mostRecent = p.sentTime
		}
	}
	if lr.congestionRecoveryStartTimeSet && !mostRecent.After(lr.congestionRecoveryStartTime) {
		return
	}
	lr.congestionRecoveryStartTime = now
	lr.congestionRecoveryStartTimeSet = true
	lr.congestionWindow = lr.congestionWindow * kLossReductionNum / kLossReductionDen
	if lr.congestionWindow < kMinimumWindow {
		lr.congestionWindow = kMinimumWindow
	}
	lr.ssthresh = lr.congestionWindow
	lr.inSlowStart = false
}

// detectLoss applies packet- and time-threshold loss detection to one
// packet space (spec.md §5, draft-22 recovery appendix §B).
//
// Grounded on aioquic quic/recovery.py's detect_loss.
func (lr *lossRecovery) detectLoss(space packetSpaceKind, now time.Time) {
	sp := lr.spaces[space]
	if !sp.hasLargestAcked {
		return
	}
	lossDelay := time.Duration(float64(maxDuration(lr.rtt.latest, lr.rtt.smoothed)) * kTimeThresholdNum / kTimeThresholdDen)
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	lostSendTime := now.Add(-lossDelay)

	var lost []*sentPacket
	sp.lossTimeSet = false
	for pn, p := range sp.sentPackets {
		if pn > sp.largestAckedPacket {
			continue
		}
		var declare bool
		if sp.largestAckedPacket-pn >= kPacketThreshold {
			declare = true
		} else if !p.sentTime.After(lostSendTime) {
			declare = true
		}
		if declare {
			lost = append(lost, p)
			delete(sp.sentPackets, pn)
		} else {
			pit := p.sentTime.Add(lossDelay)
			if !sp.lossTimeSet || pit.Before(sp.lossTime) {
				sp.lossTime = pit
				sp.lossTimeSet = true
			}
		}
	}
	for _, p := range lost {
		if p.inFlight {
			lr.bytesInFlight -= uint64(p.sentBytes)
		}
		if lr.onPacketLost != nil {
			lr.onPacketLost(space, p)
		}
	}
	lr.onPacketsLostCongestion(lost, now)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// getLossDetectionTimeout computes the absolute time at which the caller
// must invoke onLossDetectionTimeout: either the earliest per-space loss
// time, or a PTO deadline from the earliest space with in-flight packets.
//
// Grounded on aioquic quic/recovery.py's get_loss_detection_time.
func (lr *lossRecovery) getLossDetectionTimeout(isHandshakeConfirmed bool) (time.Time, bool) {
	var earliestLoss time.Time
	var haveLoss bool
	for _, sp := range lr.spaces {
		if sp.lossTimeSet && (!haveLoss || sp.lossTime.Before(earliestLoss)) {
			earliestLoss = sp.lossTime
			haveLoss = true
		}
	}
	if haveLoss {
		return earliestLoss, true
	}

	if lr.bytesInFlight == 0 {
		return time.Time{}, false
	}

	earliestSent, _, haveSent := lr.earliestInFlightAckEliciting(isHandshakeConfirmed)
	if !haveSent {
		return time.Time{}, false
	}
	timeout := lr.rtt.pto() * time.Duration(1<<uint(lr.ptoCount))
	return earliestSent.Add(timeout), true
}

// earliestInFlightAckEliciting finds the oldest in-flight ack-eliciting sent
// packet across every space the PTO may consider, and which space it is in,
// for both the loss-detection deadline and probe-packet scheduling.
//
// Grounded on aioquic quic/recovery.py's get_loss_detection_time /
// _get_loss_space, which scan the same set for both purposes.
func (lr *lossRecovery) earliestInFlightAckEliciting(isHandshakeConfirmed bool) (time.Time, packetSpaceKind, bool) {
	var earliestSent time.Time
	var haveSent bool
	var ptoSpace packetSpaceKind
	for kind, sp := range lr.spaces {
		if kind == int(spaceApplication) && !isHandshakeConfirmed {
			continue
		}
		for _, p := range sp.sentPackets {
			if !p.ackEliciting {
				continue
			}
			if !haveSent || p.sentTime.Before(earliestSent) {
				earliestSent = p.sentTime
				haveSent = true
				ptoSpace = packetSpaceKind(kind)
			}
		}
	}
	return earliestSent, ptoSpace, haveSent
}

// takeProbePending reports and clears whether a PTO has armed a probe packet
// for space, for the send path to emit a PING that is not contingent on
// other data being ready to send (spec.md §5).
func (lr *lossRecovery) takeProbePending(space packetSpaceKind) bool {
	if lr.probePending[space] {
		lr.probePending[space] = false
		return true
	}
	return false
}

// onLossDetectionTimeout fires when getLossDetectionTimeout's deadline
// elapses: it either declares losses (if a loss timer fired) or counts a
// probe timeout and tells the caller which space(s) need a probe packet.
//
// Grounded on aioquic quic/recovery.py's on_loss_detection_timeout /
// reschedule_data.
func (lr *lossRecovery) onLossDetectionTimeout(now time.Time, isHandshakeConfirmed bool) {
	for kind, sp := range lr.spaces {
		if sp.lossTimeSet {
			lr.detectLoss(packetSpaceKind(kind), now)
			return
		}
	}
	lr.ptoCount++
	if _, space, haveSent := lr.earliestInFlightAckEliciting(isHandshakeConfirmed); haveSent {
		lr.probePending[space] = true
	}
}
