package transport

import (
	"crypto/rand"
	"io"
	"net"
	"time"
)

type connectionState uint8

const (
	stateFirstFlight connectionState = iota
	stateHandshaking
	stateConnected
	stateClosing
	stateDraining
	stateTerminated
)

// Conn is a single QUIC connection's sans-I/O state machine: every
// operation spec.md §4.8 names is a method here, and nothing in this file
// touches a socket. The owning package (the ambient "quic" I/O adapter)
// feeds it datagrams and timer fires, and drains outgoing datagrams and
// events.
//
// Grounded on the teacher's transport.Conn (goburrow/quic), restructured
// around explicit epochs and dynamically-discarded packet spaces, full CID
// tables (cidSourceTable/cidDestTable) in place of the teacher's single
// implicit remote CID, and a path type to support migration.
type Conn struct {
	isClient bool
	version  ProtocolVersion
	config   *Config

	scid  []byte
	dcid  []byte // current destination CID in use
	odcid []byte // original destination CID: server echoes it in transport params; client sets it on Retry
	rscid []byte // retry source CID, set after a Retry round-trip

	cidSource *cidSourceTable
	cidDest   *cidDestTable

	pendingRetireCIDs    []uint64 // sequence numbers awaiting a RETIRE_CONNECTION_ID
	pendingPathResponses [][8]byte // PATH_CHALLENGE payloads awaiting a PATH_RESPONSE echo

	localParams   Parameters
	peerParams    Parameters
	peerParamsSet bool

	hs       *handshake
	recovery *lossRecovery
	streams  *streamMap

	localPath *path
	pendingPathChallenge     bool
	pendingPathChallengeData [8]byte

	// connection-level flow control, spec.md §4.5: peerMaxData/connSent mirror
	// a stream's sendMaxData/sendOffset+sendSent; connRecvConsumed/
	// connRecvMaxDataSent mirror recvStart/recvMaxDataSent.
	peerMaxData         uint64
	connSent            uint64
	connDataBlocked     bool
	connDataBlockedSent bool
	connRecvConsumed    uint64
	connRecvMaxDataSent uint64

	streamsBlockedPendingBidi bool
	streamsBlockedPendingUni  bool

	state              connectionState
	handshakeConfirmed bool

	retryToken []byte // client: token from Retry; server: token to validate on next Initial

	closeFrame   *connectionCloseFrame
	closeSent    bool
	peerClosed   bool
	handshakeDoneSent bool

	idleTimeout      time.Duration
	idleDeadline     time.Time
	drainingDeadline time.Time

	events eventQueue

	spinBit        bool
	spinBitEnabled bool

	pingUIDs        map[uint64]bool
	nextPingUID     uint64
	pendingPingUIDs []uint64          // queued PING frames not yet placed in a packet
	inFlightPings   map[uint64]uint64 // packet number -> ping uid, resolved to PingAcknowledged on ack

	keyUpdateRequested bool

	onLogEvent func(LogEvent)
}

// Dial creates a client connection that will address remote with a fresh
// random Destination CID, as spec.md §4.4's connection establishment
// requires.
func Dial(scid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, nil, true)
}

// Accept creates a server connection for a ClientHello already validated
// (optionally via stateless retry) by the caller. odcid is the Destination
// CID of the very first Initial packet received for this connection,
// echoed back to the client in transport parameters for anti-spoofing
// (spec.md §4.4).
func Accept(scid, odcid []byte, config *Config) (*Conn, error) {
	return newConn(config, scid, odcid, false)
}

func newConn(config *Config, scid, odcid []byte, isClient bool) (*Conn, error) {
	if config == nil {
		return nil, newError(InternalError, "config required")
	}
	if len(scid) > maxCIDLength || len(odcid) > maxCIDLength {
		return nil, newError(ProtocolViolation, "connection id too long")
	}
	c := &Conn{
		version:     Version1,
		isClient:    isClient,
		config:      config,
		localParams: config.Params,
		state:       stateFirstFlight,
		recovery:    newLossRecovery(config.Params.MaxAckDelay),
		streams:     newStreamMap(isClient),
		pingUIDs:    make(map[uint64]bool),
		inFlightPings: make(map[uint64]uint64),
	}
	c.streams.applyLocalParameters(&c.localParams)
	c.connRecvMaxDataSent = c.localParams.InitialMaxData

	c.scid = append([]byte(nil), scid...)
	c.localParams.InitialSourceCID = c.scid
	c.cidSource = newCIDSourceTable(2)

	if len(odcid) > 0 {
		c.odcid = append([]byte(nil), odcid...)
		c.localParams.OriginalDestinationCID = c.odcid
		c.localParams.RetrySourceCID = nil
	}

	tlsCfg := &tlsQUICConfig{base: config.TLSConfig}
	localParamBytes, err := encodedLocalParams(&c.localParams)
	if err != nil {
		return nil, err
	}
	if isClient {
		c.dcid = make([]byte, maxCIDLength)
		if err := c.randomBytes(c.dcid); err != nil {
			return nil, err
		}
		c.cidDest = newCIDDestTable(c.dcid)
		c.hs = newClientHandshake(tlsCfg.clientConfig(), localParamBytes)
	} else {
		c.hs = newServerHandshake(tlsCfg.serverConfig(), localParamBytes)
	}

	// Initial secrets are derived from the Destination CID of the client's
	// very first Initial packet (draft-22 §5.2): for the client that's the
	// random CID it just picked (c.dcid); for the server it's odcid, the
	// same value the caller observed on that first datagram before any Conn
	// existed to receive it.
	initialCID := c.dcid
	if !isClient {
		initialCID = c.odcid
	}
	initialPair, err := deriveInitialSecretsForCID(initialCID, isClient)
	if err != nil {
		return nil, err
	}
	c.hs.pairs[EpochInitial] = initialPair

	c.idleTimeout = config.Params.MaxIdleTimeout
	c.state = stateHandshaking
	c.recovery.onPacketAcked = c.onPacketAcked
	c.recovery.onPacketLost = c.onPacketLost
	if err := c.hs.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// onPacketAcked lets loss recovery confirm delivery of each frame a newly
// acknowledged packet carried, draining retransmission buffers.
func (c *Conn) onPacketAcked(space packetSpaceKind, p *sentPacket) {
	for _, fr := range p.frames {
		if sf, ok := fr.(*streamFrame); ok {
			if st, ok := c.streams.get(sf.streamID); ok {
				st.onDataAcked(sf.offset, len(sf.data))
			}
		}
	}
	if uid, ok := c.inFlightPings[p.packetNumber]; ok {
		delete(c.inFlightPings, p.packetNumber)
		c.events.push(PingAcknowledged{UID: uid})
	}
}

// onPacketLost re-arms the frames a declared-lost packet carried so the
// send path reconsiders them, spec.md §5's retransmission-on-loss
// requirement (aioquic's recovery module only detects loss; callers
// decide what to do about it).
func (c *Conn) onPacketLost(space packetSpaceKind, p *sentPacket) {
	for _, fr := range p.frames {
		switch f := fr.(type) {
		case *streamFrame:
			if st, ok := c.streams.get(f.streamID); ok {
				st.onDataLost(f.offset, len(f.data), f.fin)
			}
		case *cryptoFrame:
			epoch := epochForSpace(space)
			c.hs.pendingCrypto[epoch] = append(append([]byte(nil), f.data...), c.hs.pendingCrypto[epoch]...)
		case *handshakeDoneFrame:
			c.handshakeDoneSent = false
		}
	}
	if uid, ok := c.inFlightPings[p.packetNumber]; ok {
		delete(c.inFlightPings, p.packetNumber)
		c.pendingPingUIDs = append(c.pendingPingUIDs, uid)
	}
}

func deriveInitialSecretsForCID(dcid []byte, isClient bool) (*cryptoPair, error) {
	return deriveInitialSecrets(dcid, isClient)
}

func encodedLocalParams(p *Parameters) ([]byte, error) {
	b := newBuffer(make([]byte, 4096))
	if err := encodeParameters(b, p); err != nil {
		return nil, err
	}
	return b.bytes(), nil
}

func (c *Conn) randomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// IsEstablished reports whether the handshake has completed (spec.md §4.8:
// Connected state reached), regardless of whether it has been confirmed.
func (c *Conn) IsEstablished() bool { return c.state >= stateConnected }

// IsClosed reports whether the connection has reached its terminal state
// and can be garbage collected by the caller.
func (c *Conn) IsClosed() bool { return c.state == stateTerminated }

// SourceCID returns the connection ID this endpoint is currently known by,
// which the owning I/O adapter uses as the demultiplexing key for inbound
// datagrams (spec.md §4.7).
func (c *Conn) SourceCID() []byte { return c.scid }

// ActiveDestCID returns the connection ID currently placed on outgoing
// packets, for adapters that log or key outbound state by it.
func (c *Conn) ActiveDestCID() []byte { return c.dcid }

// ReceiveDatagram processes one UDP datagram (which may contain multiple
// coalesced QUIC packets) received from addr.
func (c *Conn) ReceiveDatagram(data []byte, addr net.Addr, now time.Time) error {
	if c.localPath == nil {
		c.localPath = newPath(addr)
	}
	c.localPath.onBytesReceived(len(data))
	c.resetIdleTimer(now)

	remaining := data
	sawValidPacket := false
	for len(remaining) > 0 {
		n, err := c.receivePacket(remaining, now)
		if err != nil {
			if n <= 0 {
				return nil // unparseable trailing garbage/padding: stop, not fatal
			}
		} else {
			sawValidPacket = true
		}
		if n <= 0 {
			break
		}
		remaining = remaining[n:]
	}
	if sawValidPacket {
		c.scheduleAcksAndReplies(now)
	}
	return nil
}

func (c *Conn) receivePacket(b []byte, now time.Time) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !isLongHeaderByte(b[0]) {
		return c.receiveShortHeaderPacket(b, now)
	}
	h, hdrLen, err := parseLongHeader(b)
	if err != nil {
		return len(b), err
	}
	if h.version == VersionNegotiation {
		return c.receiveVersionNegotiation(b, h)
	}
	switch h.typ {
	case packetTypeInitial:
		return c.receiveLongHeaderPacket(b, h, hdrLen, spaceInitial, now)
	case packetTypeHandshake:
		return c.receiveLongHeaderPacket(b, h, hdrLen, spaceHandshake, now)
	case packetTypeRetry:
		return c.receiveRetry(b, h)
	case packetTypeZeroRTT:
		// 0-RTT data send is a Non-goal; acknowledge the datagram's bytes
		// for anti-amplification purposes and drop the packet.
		return len(b), nil
	default:
		return len(b), newError(ProtocolViolation, "unknown long header type")
	}
}

func (c *Conn) receiveVersionNegotiation(b []byte, h *packetHeader) (int, error) {
	if !c.isClient || c.state != stateHandshaking {
		return len(b), nil
	}
	// A Version Negotiation packet is dropped: no other version is tried,
	// the offered versions are not inspected, and the connection is not
	// closed.
	return len(b), nil
}

func (c *Conn) receiveRetry(b []byte, h *packetHeader) (int, error) {
	if !c.isClient || c.state != stateHandshaking || len(c.rscid) > 0 {
		return len(b), nil // Retry only valid once, before any other packet, client-side
	}
	tokenEnd := len(b) - retryIntegrityTagLength
	if tokenEnd < 0 {
		return len(b), newError(ProtocolViolation, "retry too short")
	}
	token := append([]byte(nil), b[hLenForRetry(h):tokenEnd]...)
	c.retryToken = token
	c.odcid = append([]byte(nil), c.dcid...)
	c.rscid = append([]byte(nil), h.scid...)
	c.dcid = append([]byte(nil), h.scid...)
	c.cidDest = newCIDDestTable(c.dcid)
	pair, err := deriveInitialSecretsForCID(c.dcid, c.isClient)
	if err != nil {
		return len(b), err
	}
	c.hs.pairs[EpochInitial] = pair
	c.recovery.discardSpace(spaceInitial)
	return len(b), nil
}

func hLenForRetry(h *packetHeader) int {
	return 7 + len(h.dcid) + len(h.scid)
}

// receiveLongHeaderPacket removes header protection, decrypts, and
// dispatches the frames of one Initial or Handshake packet.
func (c *Conn) receiveLongHeaderPacket(b []byte, h *packetHeader, hdrLen int, space packetSpaceKind, now time.Time) (int, error) {
	pair := c.hs.pairs[epochForSpace(space)]
	if pair == nil || pair.recv == nil {
		return len(b), nil // keys not yet available: drop, try again if it arrives after
	}
	total := hdrLen + int(h.length)
	if total > len(b) {
		total = len(b)
	}
	packet := b[:total]
	n, err := c.unprotectAndOpenInSpace(packet, hdrLen, pair.recv, space)
	if err != nil {
		return total, err
	}
	pn := n.packetNumber
	if err := c.recvFrames(n.payload, space, now); err != nil {
		return total, err
	}
	c.recovery.space(space).ackQueue.addOne(pn)
	if space == spaceInitial && !c.isClient {
		c.odcid = append([]byte(nil), h.dcid...)
		c.localParams.OriginalDestinationCID = c.odcid
	}
	if len(h.scid) > 0 && c.cidDest == nil {
		c.cidDest = newCIDDestTable(h.scid)
	}
	return total, nil
}

func (c *Conn) receiveShortHeaderPacket(b []byte, now time.Time) (int, error) {
	pair := c.hs.pairs[EpochOneRTT]
	if pair == nil || pair.recv == nil {
		return len(b), nil
	}
	h, _, err := parseShortHeader(b, len(c.scid))
	if err != nil {
		return len(b), err
	}
	n, err := c.unprotectAndOpenInSpace(b, h.payloadOffset, pair.recv, spaceApplication)
	if err != nil {
		return len(b), err
	}
	if err := c.recvFrames(n.payload, spaceApplication, now); err != nil {
		return len(b), err
	}
	c.recovery.space(spaceApplication).ackQueue.addOne(n.packetNumber)
	return len(b), nil
}

type openedPacket struct {
	packetNumber uint64
	payload      []byte
}

// unprotectAndOpen removes header protection then AEAD-decrypts the
// packet, expanding the truncated packet number against the space's
// largest seen so far (draft-22 §5.4/§5.5).
func (c *Conn) unprotectAndOpenInSpace(packet []byte, pnOffset int, keys *packetProtectionKeys, space packetSpaceKind) (*openedPacket, error) {
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(packet) {
		return nil, newError(ProtocolViolation, "packet too short for header protection sample")
	}
	mask, err := keys.headerProtectionMask(packet[sampleOffset : sampleOffset+16])
	if err != nil {
		return nil, err
	}
	first := packet[0]
	if isLongHeaderByte(first) {
		packet[0] ^= mask[0] & 0x0f
	} else {
		packet[0] ^= mask[0] & 0x1f
	}
	pnLen := int(packet[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}
	truncated := readPacketNumber(packet[pnOffset:pnOffset+pnLen], pnLen)

	header := packet[:pnOffset+pnLen]
	ciphertext := packet[pnOffset+pnLen:]
	sp := c.recovery.space(space)
	var expected uint64
	if sp.hasLargestReceived {
		expected = sp.largestReceivedPacketNumber + 1
	}
	pn := decodePacketNumber(truncated, pnLen, expected)
	plain, err := keys.open(pn, header, ciphertext)
	if err != nil {
		return nil, err
	}
	if !sp.hasLargestReceived || pn > sp.largestReceivedPacketNumber {
		sp.largestReceivedPacketNumber = pn
		sp.hasLargestReceived = true
	}
	return &openedPacket{packetNumber: pn, payload: plain}, nil
}

func epochForSpace(space packetSpaceKind) Epoch {
	switch space {
	case spaceInitial:
		return EpochInitial
	case spaceHandshake:
		return EpochHandshake
	default:
		return EpochOneRTT
	}
}

// recvFrames dispatches every frame in a decrypted packet payload,
// enforcing the epoch permission table (spec.md §4.3).
func (c *Conn) recvFrames(b []byte, space packetSpaceKind, now time.Time) error {
	for len(b) > 0 {
		buf := newBuffer(b)
		typ, err := buf.readVarint()
		if err != nil {
			return err
		}
		if !epochFramePermitted(space, typ) {
			return newError(ProtocolViolation, "frame not permitted in this epoch")
		}
		body := b[buf.tell():]
		n, err := c.recvFrame(typ, body, space, now)
		if err != nil {
			return err
		}
		b = body[n:]
	}
	return nil
}

func (c *Conn) recvFrame(typ uint64, b []byte, space packetSpaceKind, now time.Time) (int, error) {
	switch {
	case typ == frameTypePadding:
		f := &paddingFrame{}
		return f.decode(b)
	case typ == frameTypePing:
		return 0, nil
	case typ == frameTypeAck || typ == frameTypeAckECN:
		f := &ackFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if err := c.recovery.onAckReceived(space, f, now, c.handshakeConfirmed); err != nil {
			return 0, err
		}
		return n, nil
	case typ == frameTypeResetStream:
		f := &resetStreamFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		st, err := c.streams.getOrCreatePeer(f.streamID)
		if err != nil {
			return 0, err
		}
		st.onReset(f.finalSize)
		c.events.push(StreamReset{StreamID: f.streamID, ErrorCode: f.errorCode})
		return n, nil
	case typ == frameTypeStopSending:
		f := &stopSendingFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.events.push(StopSendingReceived{StreamID: f.streamID, ErrorCode: f.errorCode})
		return n, nil
	case typ == frameTypeCrypto:
		f := &cryptoFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if err := c.hs.handleCryptoData(epochForSpace(space), f.data); err != nil {
			return 0, err
		}
		c.afterHandshakeEvent(now)
		return n, nil
	case typ == frameTypeNewToken:
		f := &newTokenFrame{}
		return f.decode(b)
	case typ == frameTypeStream || (typ >= frameTypeStream && typ <= frameTypeStreamEnd):
		f, n, err := decodeStreamFrame(typ, b)
		if err != nil {
			return 0, err
		}
		st, err := c.streams.getOrCreatePeer(f.streamID)
		if err != nil {
			return 0, err
		}
		if err := st.addFrame(f); err != nil {
			return 0, err
		}
		before := st.recvStart
		for st.hasDataToRead() {
			data := st.pullData()
			c.events.push(StreamDataReceived{StreamID: f.streamID, Data: data, Fin: st.recvState == recvStateDataRecvd})
		}
		c.connRecvConsumed += st.recvStart - before
		return n, nil
	case typ == frameTypeMaxData:
		f := &maxDataFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if f.maximumData > c.peerMaxData {
			c.peerMaxData = f.maximumData
			c.connDataBlocked = false
			c.connDataBlockedSent = false
		}
		return n, nil
	case typ == frameTypeMaxStreamData:
		f := &maxStreamDataFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if st, ok := c.streams.get(f.streamID); ok {
			if f.maximumData > st.sendMaxData {
				st.sendMaxData = f.maximumData
				st.sendDataBlocked = false
				st.sendDataBlockedSent = false
			}
		}
		return n, nil
	case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
		f := &maxStreamsFrame{bidi: typ == frameTypeMaxStreamsBidi}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if f.bidi {
			if f.maximumStreams > c.streams.peerMaxStreamsBidi {
				c.streams.peerMaxStreamsBidi = f.maximumStreams
				c.streamsBlockedPendingBidi = false
			}
		} else {
			if f.maximumStreams > c.streams.peerMaxStreamsUni {
				c.streams.peerMaxStreamsUni = f.maximumStreams
				c.streamsBlockedPendingUni = false
			}
		}
		return n, nil
	case typ == frameTypeDataBlocked:
		f := &dataBlockedFrame{}
		return f.decode(b)
	case typ == frameTypeStreamDataBlocked:
		f := &streamDataBlockedFrame{}
		return f.decode(b)
	case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
		f := &streamsBlockedFrame{}
		return f.decode(b)
	case typ == frameTypeNewConnectionID:
		f := &newConnectionIDFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if c.cidDest == nil {
			c.cidDest = newCIDDestTable(f.connectionID)
		} else {
			retired, err := c.cidDest.add(f.sequenceNumber, f.retirePriorTo, f.connectionID, f.statelessResetToken)
			if err != nil {
				return 0, err
			}
			c.pendingRetireCIDs = append(c.pendingRetireCIDs, retired...)
		}
		return n, nil
	case typ == frameTypeRetireConnectionID:
		f := &retireConnectionIDFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if c.cidSource != nil {
			if cid := c.cidSource.retire(f.sequenceNumber); cid != nil {
				c.events.push(ConnectionIDRetired{ConnectionID: cid})
			}
			c.issueCIDIfNeeded()
		}
		return n, nil
	case typ == frameTypePathChallenge:
		f := &pathChallengeFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		c.pendingPathResponses = append(c.pendingPathResponses, f.data)
		return n, nil
	case typ == frameTypePathResponse:
		f := &pathResponseFrame{}
		n, err := f.decode(b)
		if err != nil {
			return 0, err
		}
		if c.localPath != nil {
			c.localPath.onPathResponse(f.data)
		}
		return n, nil
	case typ == frameTypeConnectionClose || typ == frameTypeApplicationClose:
		f := &connectionCloseFrame{}
		n, err := f.decode(typ == frameTypeApplicationClose, b)
		if err != nil {
			return 0, err
		}
		c.peerClosed = true
		c.enterDraining(now)
		c.events.push(ConnectionTerminated{
			ErrorCode: f.errorCode, FrameType: f.frameType,
			ReasonPhrase: string(f.reasonPhrase), PeerInitiated: true,
			IsApplicationError: f.application,
		})
		return n, nil
	case typ == frameTypeHanshakeDone:
		if c.isClient {
			c.handshakeConfirmed = true
			c.recovery.discardSpace(spaceHandshake)
		}
		return 0, nil
	default:
		return 0, newError(FrameEncodingError, "unknown frame type")
	}
}

func (c *Conn) afterHandshakeEvent(now time.Time) {
	if c.hs.peerParams != nil && !c.peerParamsSet {
		buf := newBuffer(c.hs.peerParams)
		p, err := decodeParameters(buf)
		if err == nil {
			c.peerParams = *p
			c.peerParamsSet = true
			c.streams.applyPeerParameters(p)
			c.peerMaxData = p.InitialMaxData
			if p.ActiveConnectionIDLimit > 0 {
				c.cidSource.limit = p.ActiveConnectionIDLimit
			}
			c.issueCIDIfNeeded()
		}
	}
	if c.hs.isComplete() && c.state == stateHandshaking {
		c.state = stateConnected
		if !c.isClient {
			c.handshakeConfirmed = true
		}
		c.events.push(HandshakeCompleted{ALPNProtocol: c.hs.negotiatedALPN()})
	}
}

func (c *Conn) enterDraining(now time.Time) {
	if c.state == stateDraining || c.state == stateTerminated {
		return
	}
	c.state = stateDraining
	pto := c.recovery.rtt.pto()
	c.drainingDeadline = now.Add(3 * pto)
}

func (c *Conn) scheduleAcksAndReplies(now time.Time) {
	// Placeholder hook: the send path (DatagramsToSend) pulls directly from
	// recovery.space(*).ackQueue, so nothing needs to be scheduled eagerly
	// here beyond the idle timer reset already applied in ReceiveDatagram.
}

func (c *Conn) resetIdleTimer(now time.Time) {
	if c.idleTimeout > 0 {
		c.idleDeadline = now.Add(c.idleTimeout)
	}
}

// SendStreamData queues data (optionally with FIN) for transmission on
// stream id, opening it locally if necessary.
func (c *Conn) SendStreamData(id uint64, data []byte, fin bool) error {
	st, ok := c.streams.get(id)
	if !ok {
		uni := streamIsUnidirectional(id)
		next := c.streams.nextBidi
		if uni {
			next = c.streams.nextUni
		}
		if streamIsClientInitiated(id) != c.isClient || streamNumber(id) < next {
			return newError(StreamStateError, "unknown stream")
		}
		for !ok {
			if _, err := c.OpenStream(uni); err != nil {
				return err
			}
			st, ok = c.streams.get(id)
		}
	}
	st.write(data, fin)
	return nil
}

// OpenStream allocates a new locally-initiated stream and returns its ID. If
// the peer's MAX_STREAMS limit has no room left, it arms a STREAMS_BLOCKED
// frame for the send path and returns StreamLimitError (spec.md §4.5).
func (c *Conn) OpenStream(unidirectional bool) (uint64, error) {
	st, err := c.streams.openLocal(unidirectional)
	if err != nil {
		if unidirectional {
			c.streamsBlockedPendingUni = true
		} else {
			c.streamsBlockedPendingBidi = true
		}
		return 0, err
	}
	return st.id, nil
}

// SendPing queues a PING frame and returns a UID the caller can correlate
// against the PingAcknowledged event once it is acked (spec.md §4.6). The
// frame itself is written by the send path the next time it assembles an
// Application-space packet.
func (c *Conn) SendPing() uint64 {
	uid := c.nextPingUID
	c.nextPingUID++
	c.pingUIDs[uid] = true
	c.pendingPingUIDs = append(c.pendingPingUIDs, uid)
	return uid
}

// RequestKeyUpdate arms a 1-RTT key update to be performed on the next
// packet sent, per draft-22 §6.
func (c *Conn) RequestKeyUpdate() error {
	if !c.handshakeConfirmed {
		return newError(ProtocolViolation, "key update before handshake confirmed")
	}
	c.keyUpdateRequested = true
	return nil
}

// rotateOneRTTKeys performs the key update armed by RequestKeyUpdate: both
// the send and receive 1-RTT keys are replaced with the next generation
// derived from their retained traffic secrets, and the key-phase bit that
// startPacket/endPacket reads is flipped together with them.
//
// Grounded on the Open Question decision recorded in DESIGN.md: this
// rotates both directions locally in one step rather than deferring the
// receive side until the peer's key-phase bit is observed on an incoming
// packet (aioquic's CryptoContext.update_key() does the same simplification).
func (c *Conn) rotateOneRTTKeys() error {
	pair := c.hs.pairs[EpochOneRTT]
	if pair == nil || pair.send == nil || pair.recv == nil {
		return newError(ProtocolViolation, "key update before 1-RTT keys established")
	}
	nextSend, err := rotatePacketProtectionKeys(pair.send)
	if err != nil {
		return err
	}
	nextRecv, err := rotatePacketProtectionKeys(pair.recv)
	if err != nil {
		return err
	}
	pair.send = nextSend
	pair.recv = nextRecv
	c.keyUpdateRequested = false
	return nil
}

// ChangeConnectionID switches the active destination CID to another one
// the peer has already issued, initiating path validation of the current
// path's reachability under the new CID (spec.md §4.7/§4.8), and schedules
// RETIRE_CONNECTION_ID for the CID being abandoned. It returns
// InvalidMigration if the peer has not supplied a spare one.
func (c *Conn) ChangeConnectionID() error {
	if c.cidDest == nil {
		return newError(InternalError, "no destination cid table")
	}
	next := c.cidDest.pickForMigration(c.dcid)
	if next == nil {
		return newError(InvalidMigration, "no spare connection id available")
	}
	prev := c.cidDest.active
	c.dcid = next.cid
	c.cidDest.active = next
	if prev != nil {
		prev.retired = true
		c.pendingRetireCIDs = append(c.pendingRetireCIDs, prev.sequenceNumber)
	}
	if c.localPath != nil {
		var data [8]byte
		if err := c.randomBytes(data[:]); err != nil {
			return err
		}
		c.pendingPathChallengeData = data
		c.pendingPathChallenge = true
	}
	return nil
}

// issueCIDIfNeeded mints fresh local CIDs until the peer's
// active_connection_id_limit is satisfied, for the send path to announce
// via NEW_CONNECTION_ID (spec.md §4.7).
func (c *Conn) issueCIDIfNeeded() {
	for c.cidSource.needsMore() {
		cid := make([]byte, maxCIDLength)
		if err := c.randomBytes(cid); err != nil {
			return
		}
		var token [16]byte
		if err := c.randomBytes(token[:]); err != nil {
			return
		}
		e := c.cidSource.issue(cid, token)
		c.events.push(ConnectionIDIssued{ConnectionID: e.cid})
	}
}

// connSendAvailable returns how many more bytes may be sent across all
// streams before exceeding the peer's MAX_DATA, mirroring a stream's
// sendWindow at connection scope (spec.md §4.5).
func (c *Conn) connSendAvailable() uint64 {
	if c.connSent >= c.peerMaxData {
		return 0
	}
	return c.peerMaxData - c.connSent
}

// maybeMaxData returns a MAX_DATA increment on the same 75%-consumed,
// double-the-window schedule as a stream's maybeMaxStreamData, or false if
// none is warranted. windowSize is the local connection-level receive
// window (localParams.InitialMaxData).
func (c *Conn) maybeMaxData(windowSize uint64) (uint64, bool) {
	threshold := c.connRecvMaxDataSent - windowSize/4
	if c.connRecvConsumed < threshold {
		return 0, false
	}
	newLimit := c.connRecvConsumed + windowSize*2
	if newLimit <= c.connRecvMaxDataSent {
		return 0, false
	}
	return newLimit, true
}

// commitMaxData records that a MAX_DATA(limit) frame has been sent.
func (c *Conn) commitMaxData(limit uint64) {
	c.connRecvMaxDataSent = limit
}

// Close begins closing the connection, queueing a CONNECTION_CLOSE frame
// with the given error. app selects APPLICATION_CLOSE framing.
func (c *Conn) Close(app bool, errorCode uint64, reason string) {
	if c.closeFrame != nil {
		return
	}
	c.closeFrame = newConnectionCloseFrame(errorCode, 0, []byte(reason), app)
	c.state = stateClosing
}

// GetTimer returns the next absolute time HandleTimer must be called, and
// whether any timer is currently armed.
func (c *Conn) GetTimer() (time.Time, bool) {
	var best time.Time
	var have bool
	if !c.idleDeadline.IsZero() {
		best, have = c.idleDeadline, true
	}
	if !c.drainingDeadline.IsZero() && (!have || c.drainingDeadline.Before(best)) {
		best, have = c.drainingDeadline, true
	}
	if pto, ok := c.recovery.getLossDetectionTimeout(c.handshakeConfirmed); ok && (!have || pto.Before(best)) {
		best, have = pto, true
	}
	return best, have
}

// HandleTimer must be invoked once the deadline from GetTimer has passed.
func (c *Conn) HandleTimer(now time.Time) {
	if !c.idleDeadline.IsZero() && !now.Before(c.idleDeadline) {
		c.state = stateTerminated
		c.events.push(ConnectionTerminated{ErrorCode: uint64(NoError), ReasonPhrase: "idle timeout"})
		return
	}
	if !c.drainingDeadline.IsZero() && !now.Before(c.drainingDeadline) {
		c.state = stateTerminated
		return
	}
	if pto, ok := c.recovery.getLossDetectionTimeout(c.handshakeConfirmed); ok && !now.Before(pto) {
		c.recovery.onLossDetectionTimeout(now, c.handshakeConfirmed)
	}
}

// NextEvent pops the next pending Event, or nil if none are queued.
func (c *Conn) NextEvent() Event {
	return c.events.pop()
}

// OnLogEvent registers a callback invoked for every structured log event
// the connection produces (spec.md §6/qlog).
func (c *Conn) OnLogEvent(fn func(LogEvent)) {
	c.onLogEvent = fn
}

func (c *Conn) logEvent(e LogEvent) {
	if c.onLogEvent != nil {
		c.onLogEvent(e)
	}
}
