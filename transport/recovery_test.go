package transport

import (
	"testing"
	"time"
)

func ackForRange(start, stop uint64) *ackFrame {
	var rs rangeSet
	rs.add(start, stop)
	return newAckFrame(0, &rs)
}

// TestOnAckReceivedTrimsSentPacketsAndUpdatesRTT checks that acking a packet
// removes it from the space's outstanding set and feeds the RTT estimator
// from the round-trip time of the largest newly-acked packet.
func TestOnAckReceivedTrimsSentPacketsAndUpdatesRTT(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	base := time.Now()
	p := &sentPacket{packetNumber: 0, ackEliciting: true, inFlight: true, sentBytes: 100}
	lr.onPacketSentForSend(spaceApplication, p, base)
	if lr.bytesInFlight != 100 {
		t.Fatalf("expected 100 bytes in flight, got %d", lr.bytesInFlight)
	}

	ackTime := base.Add(50 * time.Millisecond)
	if err := lr.onAckReceived(spaceApplication, ackForRange(0, 1), ackTime, true); err != nil {
		t.Fatal(err)
	}
	if lr.bytesInFlight != 0 {
		t.Fatalf("expected bytesInFlight to drop to 0, got %d", lr.bytesInFlight)
	}
	if _, ok := lr.spaces[spaceApplication].sentPackets[0]; ok {
		t.Fatal("acked packet should be removed from sentPackets")
	}
	if !lr.rtt.hasSample {
		t.Fatal("expected an RTT sample to be recorded")
	}
	if lr.rtt.latest < 40*time.Millisecond || lr.rtt.latest > 60*time.Millisecond {
		t.Fatalf("rtt sample out of expected range: %v", lr.rtt.latest)
	}
}

// TestOnAckReceivedInvokesOnPacketAckedCallback checks the callback wiring
// a Conn relies on to trim stream send buffers on ACK.
func TestOnAckReceivedInvokesOnPacketAckedCallback(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	var gotSpace packetSpaceKind
	var gotPN uint64
	called := false
	lr.onPacketAcked = func(space packetSpaceKind, p *sentPacket) {
		called = true
		gotSpace = space
		gotPN = p.packetNumber
	}
	p := &sentPacket{packetNumber: 7, ackEliciting: true, inFlight: true, sentBytes: 50}
	lr.onPacketSentForSend(spaceHandshake, p, time.Now())
	if err := lr.onAckReceived(spaceHandshake, ackForRange(7, 8), time.Now().Add(time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected onPacketAcked callback to fire")
	}
	if gotSpace != spaceHandshake || gotPN != 7 {
		t.Fatalf("callback got space=%v pn=%d", gotSpace, gotPN)
	}
}

// TestDetectLossPacketThreshold checks a packet falls behind by
// kPacketThreshold packet numbers is declared lost even before the time
// threshold would fire.
func TestDetectLossPacketThreshold(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	now := time.Now()
	var lost []uint64
	lr.onPacketLost = func(space packetSpaceKind, p *sentPacket) {
		lost = append(lost, p.packetNumber)
	}

	for pn := uint64(0); pn <= 3; pn++ {
		p := &sentPacket{packetNumber: pn, ackEliciting: true, inFlight: true, sentBytes: 100}
		lr.onPacketSentForSend(spaceApplication, p, now)
	}
	// Ack only packet 3; only packet 0 is kPacketThreshold (3) behind it,
	// and packets 1..2 were sent too recently for the time threshold.
	if err := lr.onAckReceived(spaceApplication, ackForRange(3, 4), now.Add(time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if len(lost) != 1 || lost[0] != 0 {
		t.Fatalf("expected only packet 0 declared lost by packet threshold, got %d (%v)", len(lost), lost)
	}
}

// TestDetectLossTimeThreshold checks a packet sent long enough ago relative
// to the RTT-derived loss delay is declared lost by the time threshold, even
// when it's within kPacketThreshold of the largest acked packet number.
func TestDetectLossTimeThreshold(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	now := time.Now()
	lr.rtt.smoothed = 10 * time.Millisecond
	lr.rtt.latest = 10 * time.Millisecond
	lr.rtt.hasSample = true

	var lost []uint64
	lr.onPacketLost = func(space packetSpaceKind, p *sentPacket) {
		lost = append(lost, p.packetNumber)
	}

	old := &sentPacket{packetNumber: 0, ackEliciting: true, inFlight: true, sentBytes: 100}
	lr.onPacketSentForSend(spaceApplication, old, now.Add(-100*time.Millisecond))
	recent := &sentPacket{packetNumber: 1, ackEliciting: true, inFlight: true, sentBytes: 100}
	lr.onPacketSentForSend(spaceApplication, recent, now)

	if err := lr.onAckReceived(spaceApplication, ackForRange(1, 2), now.Add(time.Millisecond), true); err != nil {
		t.Fatal(err)
	}
	if len(lost) != 1 || lost[0] != 0 {
		t.Fatalf("expected packet 0 declared lost by time threshold, got %v", lost)
	}
}

// TestOnPacketsLostCongestionReducesWindow checks NewReno's multiplicative
// decrease and recovery-period entry on loss.
func TestOnPacketsLostCongestionReducesWindow(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	before := lr.congestionWindow
	now := time.Now()
	lost := []*sentPacket{{packetNumber: 0, sentBytes: 100, sentTime: now}}
	lr.onPacketsLostCongestion(lost, now)
	if lr.congestionWindow >= before {
		t.Fatalf("expected congestion window to shrink, before=%d after=%d", before, lr.congestionWindow)
	}
	if lr.congestionWindow < kMinimumWindow {
		t.Fatalf("congestion window must not drop below minimum, got %d", lr.congestionWindow)
	}
	if lr.inSlowStart {
		t.Fatal("expected slow start to end on loss")
	}
	if !lr.congestionRecoveryStartTimeSet {
		t.Fatal("expected recovery period to be marked active")
	}
}

// TestOnPacketAckedCongestionGrowsWindowInSlowStart checks cwnd grows by the
// full acked size during slow start.
func TestOnPacketAckedCongestionGrowsWindowInSlowStart(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	before := lr.congestionWindow
	p := &sentPacket{sentBytes: 500, inFlight: true, sentTime: time.Now()}
	lr.bytesInFlight = 500
	lr.onPacketAckedCongestion(p, time.Now())
	if lr.congestionWindow != before+500 {
		t.Fatalf("expected slow-start window growth of exactly the acked bytes, got %d want %d", lr.congestionWindow, before+500)
	}
}

// TestGetLossDetectionTimeoutPrefersLossTime checks that a pending loss
// timer takes priority over a PTO deadline.
func TestGetLossDetectionTimeoutPrefersLossTime(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	now := time.Now()
	lr.spaces[spaceApplication].lossTime = now.Add(10 * time.Millisecond)
	lr.spaces[spaceApplication].lossTimeSet = true
	lr.bytesInFlight = 100 // would otherwise also produce a PTO deadline

	deadline, ok := lr.getLossDetectionTimeout(true)
	if !ok {
		t.Fatal("expected a deadline")
	}
	if !deadline.Equal(lr.spaces[spaceApplication].lossTime) {
		t.Fatalf("expected loss time to take priority, got %v", deadline)
	}
}

// TestGetLossDetectionTimeoutNoneWhenIdle checks that with nothing in flight
// and no pending loss timer, there is no deadline to wait for.
func TestGetLossDetectionTimeoutNoneWhenIdle(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	if _, ok := lr.getLossDetectionTimeout(true); ok {
		t.Fatal("expected no deadline when idle")
	}
}

// TestOnLossDetectionTimeoutIncrementsPTOWhenNoLossTimer checks a PTO fire
// with no pending loss timer bumps the probe count instead of declaring loss.
func TestOnLossDetectionTimeoutIncrementsPTOWhenNoLossTimer(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	lr.onLossDetectionTimeout(time.Now(), true)
	if lr.ptoCount != 1 {
		t.Fatalf("expected ptoCount to increment to 1, got %d", lr.ptoCount)
	}
}

// TestDiscardSpaceClearsInFlightAccounting checks discarding a space (e.g.
// Initial keys dropped after the handshake advances) frees its in-flight
// bytes and resets its sent-packet bookkeeping.
func TestDiscardSpaceClearsInFlightAccounting(t *testing.T) {
	lr := newLossRecovery(25 * time.Millisecond)
	p := &sentPacket{packetNumber: 0, inFlight: true, sentBytes: 200}
	lr.onPacketSentForSend(spaceInitial, p, time.Now())
	if lr.bytesInFlight != 200 {
		t.Fatalf("expected 200 bytes in flight, got %d", lr.bytesInFlight)
	}
	lr.discardSpace(spaceInitial)
	if lr.bytesInFlight != 0 {
		t.Fatalf("expected bytesInFlight cleared after discarding space, got %d", lr.bytesInFlight)
	}
	if len(lr.spaces[spaceInitial].sentPackets) != 0 {
		t.Fatal("expected sent packets cleared for discarded space")
	}
}
