package transport

import "time"

// DatagramsToSend assembles every datagram the connection currently has
// reason to send: ACKs, retransmitted/new CRYPTO data, stream data subject
// to flow control, and control frames, coalescing Initial/Handshake/1-RTT
// packets into as few UDP datagrams as fit under the anti-amplification
// and congestion-window budgets (spec.md §4.8/§5).
//
// Grounded on aioquic QuicConnection._write_*handshake/_write_application
// methods driving a shared QuicPacketBuilder; translated into one pass per
// packet space using our packetBuilder type.
func (c *Conn) DatagramsToSend(now time.Time) ([][]byte, error) {
	host := c.scid
	peer := c.dcid
	pb := newPacketBuilder(host, peer, c.version, c.retryToken, c.spinBit)
	if c.localPath != nil && !c.localPath.validated {
		if limit := c.localPath.amplificationLimit(); limit >= 0 {
			pb.maxFlightBytes = int(limit)
		}
	}
	if avail := c.congestionAvailable(); avail >= 0 {
		if pb.maxFlightBytes < 0 || avail < pb.maxFlightBytes {
			pb.maxFlightBytes = avail
		}
	}

	for _, space := range []packetSpaceKind{spaceInitial, spaceHandshake, spaceApplication} {
		if err := c.fillSpace(pb, space, now); err != nil {
			return nil, err
		}
	}

	datagrams, sent := pb.flush()
	for _, p := range sent {
		c.recovery.onPacketSentForSend(p.space, p, now)
		if p.ackEliciting {
			c.idleResetOnSend(now)
		}
	}
	if c.localPath != nil {
		total := 0
		for _, d := range datagrams {
			total += len(d)
		}
		c.localPath.onBytesSent(total)
	}
	return datagrams, nil
}

func (c *Conn) idleResetOnSend(now time.Time) {
	if c.idleTimeout > 0 {
		c.idleDeadline = now.Add(c.idleTimeout)
	}
}

// congestionAvailable returns the remaining congestion-window budget, or -1
// if congestion control should not constrain this send (e.g. before any
// RTT sample, aioquic still applies cwnd so we always constrain once
// recovery is initialized).
func (c *Conn) congestionAvailable() int {
	if c.recovery.bytesInFlight >= c.recovery.congestionWindow {
		return 0
	}
	avail := c.recovery.congestionWindow - c.recovery.bytesInFlight
	if avail > 1<<30 {
		return -1
	}
	return int(avail)
}

var packetTypeForSpace = map[packetSpaceKind]packetType{
	spaceInitial:     packetTypeInitial,
	spaceHandshake:   packetTypeHandshake,
	spaceApplication: packetTypeOneRTT,
}

func (c *Conn) fillSpace(pb *packetBuilder, space packetSpaceKind, now time.Time) error {
	epoch := epochForSpace(space)
	pair := c.hs.pairs[epoch]
	if pair == nil || pair.send == nil {
		return nil
	}
	typ := packetTypeForSpace[space]
	sp := c.recovery.space(space)

	if c.keyUpdateRequested && space == spaceApplication {
		if err := c.rotateOneRTTKeys(); err != nil {
			return err
		}
		pair = c.hs.pairs[epoch]
	}

	pn := nextPacketNumber(sp)
	if err := pb.startPacket(typ, pair.send, pn, space); err != nil {
		if err == errPacketBuilderStop {
			return nil
		}
		return err
	}
	wrote := false

	if !sp.ackQueue.empty() {
		ack := newAckFrame(0, &sp.ackQueue)
		if pb.appendFrame(frameTypeAck, ack) {
			wrote = true
		}
	}

	// A probe packet keeps the PTO timer progressing even when nothing else
	// is ready to send (spec.md §5); it applies to every space, not just
	// Application, since a PTO can fire during the handshake too.
	if c.recovery.takeProbePending(space) {
		if pb.appendFrame(frameTypePing, &pingFrame{}) {
			wrote = true
		}
	}

	if space == spaceApplication && !c.isClient && c.state == stateConnected && !c.handshakeDoneSent {
		if pb.appendFrame(frameTypeHanshakeDone, &handshakeDoneFrame{}) {
			wrote = true
			c.handshakeDoneSent = true
		}
	}

	if data := c.hs.pendingCryptoData(epoch); len(data) > 0 {
		cf := newCryptoFrame(data, 0)
		if pb.appendFrame(frameTypeCrypto, cf) {
			wrote = true
		}
	}

	if space == spaceApplication {
		if c.fillUserPing(pb, pn) {
			wrote = true
		}
		if c.fillPathFrames(pb, now) {
			wrote = true
		}
		if c.fillCIDFrames(pb) {
			wrote = true
		}
		if c.fillConnFlowControlFrames(pb) {
			wrote = true
		}
		if c.fillStreamFrames(pb) {
			wrote = true
		}
	}

	// A client pads every datagram carrying a non-empty Initial packet to
	// the full datagram size.
	pb.padFirst = c.isClient && space == spaceInitial && wrote

	ok, err := pb.endPacket()
	if err != nil {
		return err
	}
	if ok {
		_ = wrote
	}
	return nil
}

// fillUserPing places one queued user-requested PING frame (spec.md §4.6),
// recording which packet number carried it so onPacketAcked can resolve it
// to a PingAcknowledged event.
func (c *Conn) fillUserPing(pb *packetBuilder, pn uint64) bool {
	if len(c.pendingPingUIDs) == 0 {
		return false
	}
	if !pb.appendFrame(frameTypePing, &pingFrame{}) {
		return false
	}
	uid := c.pendingPingUIDs[0]
	c.pendingPingUIDs = c.pendingPingUIDs[1:]
	c.inFlightPings[pn] = uid
	return true
}

// fillPathFrames places an outstanding PATH_RESPONSE echo and, if a
// migration is in progress, the PATH_CHALLENGE that validates the new path
// (spec.md §4.7).
func (c *Conn) fillPathFrames(pb *packetBuilder, now time.Time) bool {
	if c.localPath == nil {
		return false
	}
	wrote := false
	if len(c.pendingPathResponses) > 0 {
		data := c.pendingPathResponses[0]
		if pb.appendFrame(frameTypePathResponse, &pathResponseFrame{data: data}) {
			c.pendingPathResponses = c.pendingPathResponses[1:]
			wrote = true
		}
	}
	if c.pendingPathChallenge {
		f := &pathChallengeFrame{data: c.pendingPathChallengeData}
		if pb.appendFrame(frameTypePathChallenge, f) {
			c.localPath.startValidation(c.pendingPathChallengeData, now)
			c.pendingPathChallenge = false
			wrote = true
		}
	}
	return wrote
}

// fillCIDFrames announces locally-issued CIDs not yet sent and retires
// peer-issued CIDs no longer in use (spec.md §4.7).
func (c *Conn) fillCIDFrames(pb *packetBuilder) bool {
	wrote := false
	if c.cidSource != nil {
		// retire_prior_to is the sequence number of the lowest locally-issued
		// CID that has not been retired.
		retirePriorTo := c.cidSource.retirePriorTo
		for _, e := range c.cidSource.entries {
			if !e.retired {
				if e.sequenceNumber > retirePriorTo {
					retirePriorTo = e.sequenceNumber
				}
				break
			}
		}
		for _, e := range c.cidSource.entries {
			if e.wasSent || e.retired {
				continue
			}
			f := &newConnectionIDFrame{
				sequenceNumber:      e.sequenceNumber,
				retirePriorTo:       retirePriorTo,
				connectionID:        e.cid,
				statelessResetToken: e.statelessResetToken,
			}
			if !pb.appendFrame(frameTypeNewConnectionID, f) {
				break
			}
			e.wasSent = true
			wrote = true
		}
	}
	for len(c.pendingRetireCIDs) > 0 {
		seq := c.pendingRetireCIDs[0]
		if !pb.appendFrame(frameTypeRetireConnectionID, &retireConnectionIDFrame{sequenceNumber: seq}) {
			break
		}
		c.pendingRetireCIDs = c.pendingRetireCIDs[1:]
		wrote = true
	}
	return wrote
}

// fillConnFlowControlFrames places a connection-level MAX_DATA increase (or
// DATA_BLOCKED/STREAMS_BLOCKED latches set by earlier send attempts), spec.md
// §4.5.
func (c *Conn) fillConnFlowControlFrames(pb *packetBuilder) bool {
	wrote := false
	if limit, ok := c.maybeMaxData(c.localParams.InitialMaxData); ok {
		if pb.appendFrame(frameTypeMaxData, newMaxDataFrame(limit)) {
			c.commitMaxData(limit)
			wrote = true
		}
	}
	if c.connDataBlocked && !c.connDataBlockedSent {
		if pb.appendFrame(frameTypeDataBlocked, newDataBlockedFrame(c.peerMaxData)) {
			c.connDataBlockedSent = true
			wrote = true
		}
	}
	if c.streamsBlockedPendingBidi {
		f := newStreamsBlockedFrame(c.streams.peerMaxStreamsBidi, true)
		if pb.appendFrame(frameTypeStreamsBlockedBidi, f) {
			c.streamsBlockedPendingBidi = false
			wrote = true
		}
	}
	if c.streamsBlockedPendingUni {
		f := newStreamsBlockedFrame(c.streams.peerMaxStreamsUni, false)
		if pb.appendFrame(frameTypeStreamsBlockedUni, f) {
			c.streamsBlockedPendingUni = false
			wrote = true
		}
	}
	return wrote
}

func nextPacketNumber(sp *packetSpace) uint64 {
	pn := sp.nextSendPacketNumber
	sp.nextSendPacketNumber++
	return pn
}

// fillStreamFrames visits streams in streamMap.each order, which is Go map
// iteration order and unspecified, giving each stream with pending send
// data whatever packet space and connection budget remain. Streams are not
// ordered by ID and no round-robin cursor is kept, so a stream visited
// early can use up the packet before later streams get a turn. It also raises
// MAX_STREAM_DATA as each stream's receive window closes, and reports
// STREAM_DATA_BLOCKED/DATA_BLOCKED when the peer's or our own flow-control
// limits stall a stream that still has data to send (spec.md §4.5/§4.6).
func (c *Conn) fillStreamFrames(pb *packetBuilder) bool {
	wrote := false
	connBudget := c.connSendAvailable()
	connBlocked := false
	c.streams.each(func(st *stream) {
		if limit, ok := st.maybeMaxStreamData(c.streams.localRecvWindow(st.id)); ok {
			if pb.appendFrame(frameTypeMaxStreamData, newMaxStreamDataFrame(st.id, limit)) {
				st.commitMaxStreamData(limit)
				wrote = true
			}
		}

		if !st.hasDataToSend() {
			return
		}
		avail := pb.remainingSpace() - maxStreamFrameOverhead
		if avail <= 0 {
			return
		}
		if connBudget == 0 {
			connBlocked = true
			return
		}
		if uint64(avail) > connBudget {
			avail = int(connBudget)
		}

		f := st.getFrame(avail)
		if f == nil {
			return
		}
		if pb.appendFrame(f.frameType(), f) {
			st.onDataSent(len(f.data), f.fin)
			connBudget -= uint64(len(f.data))
			wrote = true
		}

		if st.sendWindow() == 0 && st.hasDataToSend() {
			st.sendDataBlocked = true
			if !st.sendDataBlockedSent {
				blocked := newStreamDataBlockedFrame(st.id, st.sendMaxData)
				if pb.appendFrame(frameTypeStreamDataBlocked, blocked) {
					st.sendDataBlockedSent = true
					wrote = true
				}
			}
		}
	})
	if connBlocked {
		c.connDataBlocked = true
	}
	return wrote
}
