package transport

import "time"

const (
	maxDatagramSize       = 1280
	packetNumberSendSize  = 2 // fixed 2-byte encoding, matching aioquic's simplification
	packetNumberMaxSize   = 4
)

// sentPacket records everything the loss-recovery layer needs once a
// packet has been handed to the network: whether it counts against
// congestion control, whether it obliges the peer to ACK, and the frames
// it carried so lost ones can be resent (spec.md §5).
//
// Grounded on aioquic packet_builder.py's QuicSentPacket.
type sentPacket struct {
	space         packetSpaceKind
	packetNumber  uint64
	packetType    packetType
	inFlight      bool
	ackEliciting  bool
	isCryptoPacket bool
	sentTime      time.Time
	sentBytes     int
	frames        []frame // retained for retransmission on loss
}

// packetBuilder assembles one or more coalesced packets into a single UDP
// datagram, matching aioquic's QuicPacketBuilder: start_packet/start_frame/
// end_packet/flush, with the two-pass header write (reserve space, append
// frames, then patch in the real length once the payload size is known).
type packetBuilder struct {
	hostCID  []byte
	peerCID  []byte
	version  ProtocolVersion
	token    []byte
	spinBit  bool

	maxFlightBytes int // -1 means unlimited
	maxTotalBytes  int

	buf            *buffer
	bufCapacity    int
	datagrams      [][]byte
	packets        []*sentPacket
	flightBytes    int
	totalBytes     int
	datagramInit   bool

	// current packet state
	packet       *sentPacket
	keys         *packetProtectionKeys
	longHeader   bool
	headerSize   int
	packetStart  int
	packetType   packetType
	ackEliciting bool
	padFirst     bool
}

func newPacketBuilder(hostCID, peerCID []byte, version ProtocolVersion, token []byte, spinBit bool) *packetBuilder {
	return &packetBuilder{
		hostCID:     hostCID,
		peerCID:     peerCID,
		version:     version,
		token:       token,
		spinBit:     spinBit,
		maxFlightBytes: -1,
		maxTotalBytes:  -1,
		buf:          newBuffer(make([]byte, maxDatagramSize)),
		bufCapacity:  maxDatagramSize,
		datagramInit: true,
	}
}

// errPacketBuilderStop signals the caller to stop adding packets: either the
// congestion/anti-amplification budget or the datagram size is exhausted.
var errPacketBuilderStop = newError(InternalError, "packet builder: no space remaining")

// remainingSpace returns how many plaintext bytes may still be written to
// the current packet before the AEAD tag would overflow the datagram.
func (pb *packetBuilder) remainingSpace() int {
	return pb.bufCapacity - pb.buf.tell() - pb.keys.suite.tagSize()
}

func (s cipherSuite) tagSize() int { return 16 } // all three suites here use a 16-byte AEAD tag

// startPacket begins a new packet of typ, protected with keys. It may flush
// a previously accumulated datagram first if there is too little room left.
func (pb *packetBuilder) startPacket(typ packetType, keys *packetProtectionKeys, pn uint64, space packetSpaceKind) error {
	pb.ackEliciting = false
	packetStart := pb.buf.tell()
	if pb.bufCapacity-packetStart < 128 {
		pb.flushDatagram()
		packetStart = 0
	}
	if pb.datagramInit {
		if pb.maxFlightBytes >= 0 {
			remaining := pb.maxFlightBytes - pb.flightBytes
			if remaining < pb.bufCapacity {
				pb.bufCapacity = remaining
			}
		}
		if pb.maxTotalBytes >= 0 {
			remaining := pb.maxTotalBytes - pb.totalBytes
			if remaining < pb.bufCapacity {
				pb.bufCapacity = remaining
			}
		}
		pb.datagramInit = false
	}

	long := typ != packetTypeOneRTT
	var headerSize int
	if long {
		headerSize = 1 + 4 + 1 + len(pb.peerCID) + 1 + len(pb.hostCID) + 2 + packetNumberSendSize
		if typ == packetTypeInitial {
			headerSize += sizeVarint(uint64(len(pb.token))) + len(pb.token)
		}
	} else {
		headerSize = 1 + len(pb.peerCID) + packetNumberSendSize
	}
	if packetStart+headerSize >= pb.bufCapacity {
		return errPacketBuilderStop
	}

	pb.packet = &sentPacket{space: space, packetNumber: pn, packetType: typ}
	pb.keys = keys
	pb.longHeader = long
	pb.headerSize = headerSize
	pb.packetStart = packetStart
	pb.packetType = typ
	pb.buf.seek(packetStart + headerSize)
	return nil
}

// startFrame writes a frame type and records ack-eliciting/crypto
// obligations before the caller appends the frame body.
func (pb *packetBuilder) startFrame(frameType uint64) error {
	if err := pb.buf.writeVarint(frameType); err != nil {
		return err
	}
	if isFrameAckEliciting(frameType) {
		pb.packet.inFlight = true
		pb.packet.ackEliciting = true
		pb.ackEliciting = true
	}
	if frameType == frameTypeCrypto {
		pb.packet.isCryptoPacket = true
	}
	return nil
}

// appendFrame writes a complete frame (type + body) if there is room,
// returning false without mutating the buffer if there is not.
func (pb *packetBuilder) appendFrame(frameType uint64, f frame) bool {
	need := sizeVarint(frameType) + f.encodedLen()
	if pb.remainingSpace() < need {
		return false
	}
	start := pb.buf.tell()
	if err := pb.startFrame(frameType); err != nil {
		pb.buf.seek(start)
		return false
	}
	if err := f.encode(pb.buf); err != nil {
		pb.buf.seek(start)
		return false
	}
	pb.packet.frames = append(pb.packet.frames, f)
	return true
}

// endPacket finalizes the current packet: applies header protection and
// AEAD, and appends it to the pending datagram. Returns false if the packet
// carried no frames (and was therefore discarded).
func (pb *packetBuilder) endPacket() (bool, error) {
	buf := pb.buf
	packetSize := buf.tell() - pb.packetStart
	if packetSize <= pb.headerSize {
		buf.seek(pb.packetStart)
		pb.packet = nil
		return false, nil
	}

	if pb.padFirst {
		pad := pb.remainingSpace()
		for i := 0; i < pad; i++ {
			buf.writeUint8(0)
		}
		packetSize = buf.tell() - pb.packetStart
		pb.padFirst = false
	}

	padding := packetNumberMaxSize - packetNumberSendSize + pb.headerSize - packetSize
	if padding > 0 {
		buf.seek(pb.packetStart + packetSize)
		for i := 0; i < padding; i++ {
			buf.writeUint8(0)
		}
		packetSize += padding
	}

	var headerBuf buffer
	headerBuf.data = make([]byte, pb.headerSize)
	hb := &headerBuf
	tagSize := pb.keys.suite.tagSize()

	if pb.longHeader {
		length := packetSize - pb.headerSize + packetNumberSendSize + tagSize
		hb.writeUint8(uint8(pb.packetType)<<4 | headerFormLong | fixedBit | uint8(packetNumberSendSize-1))
		hb.writeUint32(uint32(pb.version))
		hb.writeUint8(uint8(len(pb.peerCID)))
		hb.writeBytes(pb.peerCID)
		hb.writeUint8(uint8(len(pb.hostCID)))
		hb.writeBytes(pb.hostCID)
		if pb.packetType == packetTypeInitial {
			hb.writeVarint(uint64(len(pb.token)))
			hb.writeBytes(pb.token)
		}
		hb.writeUint16(uint16(length) | 0x4000)
		hb.writeUint16(uint16(pb.packet.packetNumber & 0xffff))
	} else {
		first := headerFormShort | fixedBit | uint8(packetNumberSendSize-1)
		if pb.spinBit {
			first |= 0x20
		}
		if pb.keys.keyPhase() {
			first |= 0x04
		}
		hb.writeUint8(first)
		hb.writeBytes(pb.peerCID)
		hb.writeUint16(uint16(pb.packet.packetNumber & 0xffff))
	}

	plainHeader := hb.bytes()
	payload := append([]byte(nil), buf.slice(pb.packetStart+pb.headerSize, pb.packetStart+packetSize)...)
	sealed := pb.keys.seal(pb.packet.packetNumber, plainHeader, payload)

	out := make([]byte, 0, len(plainHeader)+len(sealed))
	out = append(out, plainHeader...)
	out = append(out, sealed...)
	if err := applyHeaderProtection(pb.keys, out, len(plainHeader)-packetNumberSendSize, packetNumberSendSize); err != nil {
		return false, err
	}

	buf.seek(pb.packetStart)
	if err := buf.writeBytes(out); err != nil {
		return false, err
	}
	pb.packet.sentBytes = buf.tell() - pb.packetStart
	pb.packets = append(pb.packets, pb.packet)

	if !pb.longHeader {
		pb.flushDatagram()
	}
	pb.packet = nil
	return true, nil
}

// keyPhase reports the current 1-RTT key phase bit to set on short headers.
func (k *packetProtectionKeys) keyPhase() bool { return k.phase }

// applyHeaderProtection XORs the header-protection mask into the first
// byte's low bits and the packet number field, sampling the ciphertext
// starting 4 bytes after the packet number (draft-22 §5.4.1).
func applyHeaderProtection(keys *packetProtectionKeys, packet []byte, pnOffset, pnLength int) error {
	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(packet) {
		return newError(InternalError, "packet too short to sample for header protection")
	}
	mask, err := keys.headerProtectionMask(packet[sampleOffset : sampleOffset+16])
	if err != nil {
		return err
	}
	if packet[0]&headerFormLong != 0 {
		packet[0] ^= mask[0] & 0x0f
	} else {
		packet[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLength; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

func (pb *packetBuilder) flushDatagram() {
	n := pb.buf.tell()
	if n == 0 {
		return
	}
	datagram := append([]byte(nil), pb.buf.slice(0, n)...)
	pb.datagrams = append(pb.datagrams, datagram)
	pb.datagramInit = true
	if pb.ackEliciting {
		pb.flightBytes += n
	}
	pb.totalBytes += n
	pb.buf.seek(0)
}

// flush finalizes any pending datagram and returns everything assembled
// since the builder was created or last flushed.
func (pb *packetBuilder) flush() ([][]byte, []*sentPacket) {
	pb.flushDatagram()
	datagrams := pb.datagrams
	packets := pb.packets
	pb.datagrams = nil
	pb.packets = nil
	return datagrams, packets
}
