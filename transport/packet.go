package transport

import (
	"encoding/binary"
)

// ProtocolVersion identifies a QUIC wire version.
type ProtocolVersion uint32

const (
	VersionNegotiation ProtocolVersion = 0x00000000
	Version1           ProtocolVersion = 0xff00001d // draft-22
)

// packetType identifies the long-header packet types, draft-22 §17.2.
type packetType uint8

const (
	packetTypeInitial   packetType = 0
	packetTypeZeroRTT   packetType = 1
	packetTypeHandshake packetType = 2
	packetTypeRetry     packetType = 3
	packetTypeOneRTT    packetType = 0xff // pseudo value: short header
	packetTypeVersionNegotiation packetType = 0xfe
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0RTT"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeOneRTT:
		return "1RTT"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	default:
		return "unknown"
	}
}

func (t packetType) space() packetSpaceKind {
	switch t {
	case packetTypeInitial:
		return spaceInitial
	case packetTypeHandshake:
		return spaceHandshake
	default:
		return spaceApplication
	}
}

const (
	headerFormLong  = 0x80
	headerFormShort = 0x00
	fixedBit        = 0x40

	maxCIDLength = 20
)

// packetHeader is the parsed, not-yet-decrypted form of a packet's header,
// covering both long and short forms (spec.md §4.3).
//
// Grounded on aioquic quic/packet.py's pull_quic_header / QuicHeader,
// flattened into a single mutable struct rather than a frozen dataclass
// since the core reuses header buffers across sends.
type packetHeader struct {
	form               uint8 // headerFormLong or headerFormShort
	fixedBit           bool
	typ                packetType
	version            ProtocolVersion
	dcid               []byte
	scid               []byte
	tokenLength        uint64
	token               []byte
	length             uint64 // long header only: length of packet number + payload
	packetNumberLength int    // 1..4, valid only after unprotecting
	packetNumber       uint64
	keyPhase            bool

	// raw offsets into the original datagram, used for header-protection
	// sampling and AEAD associated data.
	headerOffset   int // start of this header within the datagram
	payloadOffset  int // start of packet-number field
}

// parseLongHeader parses the unprotected portion of a long header packet up
// to (but not including) the packet number, which remains protected until
// header protection is removed. b is the datagram from this packet's start.
func parseLongHeader(b []byte) (*packetHeader, int, error) {
	buf := newBuffer(b)
	first, err := buf.readUint8()
	if err != nil {
		return nil, 0, err
	}
	if first&headerFormLong == 0 {
		return nil, 0, newError(ProtocolViolation, "not a long header")
	}
	h := &packetHeader{form: headerFormLong, fixedBit: first&fixedBit != 0}
	ver, err := buf.readUint32()
	if err != nil {
		return nil, 0, err
	}
	h.version = ProtocolVersion(ver)
	if h.version == VersionNegotiation {
		h.typ = packetTypeVersionNegotiation
	} else {
		h.typ = packetType((first >> 4) & 0x03)
	}
	dcidLen, err := buf.readUint8()
	if err != nil {
		return nil, 0, err
	}
	if h.dcid, err = buf.readBytes(int(dcidLen)); err != nil {
		return nil, 0, err
	}
	scidLen, err := buf.readUint8()
	if err != nil {
		return nil, 0, err
	}
	if h.scid, err = buf.readBytes(int(scidLen)); err != nil {
		return nil, 0, err
	}
	if h.version == VersionNegotiation {
		return h, buf.tell(), nil
	}
	switch h.typ {
	case packetTypeInitial:
		tokLen, err := buf.readVarint()
		if err != nil {
			return nil, 0, err
		}
		h.tokenLength = tokLen
		if h.token, err = buf.readBytes(int(tokLen)); err != nil {
			return nil, 0, err
		}
	case packetTypeRetry:
		// Retry carries an opaque token to the end minus the 16-byte
		// integrity tag; caller slices it directly from the datagram.
		return h, buf.tell(), nil
	}
	length, err := buf.readVarint()
	if err != nil {
		return nil, 0, err
	}
	h.length = length
	h.payloadOffset = buf.tell()
	return h, buf.tell(), nil
}

// parseShortHeader parses a 1-RTT short header. dcidLength is supplied by the
// caller because the short header does not encode a CID length.
func parseShortHeader(b []byte, dcidLength int) (*packetHeader, int, error) {
	buf := newBuffer(b)
	first, err := buf.readUint8()
	if err != nil {
		return nil, 0, err
	}
	if first&headerFormLong != 0 {
		return nil, 0, newError(ProtocolViolation, "not a short header")
	}
	h := &packetHeader{
		form:     headerFormShort,
		fixedBit: first&fixedBit != 0,
		typ:      packetTypeOneRTT,
		keyPhase: first&0x04 != 0,
	}
	if h.dcid, err = buf.readBytes(dcidLength); err != nil {
		return nil, 0, err
	}
	h.payloadOffset = buf.tell()
	return h, buf.tell(), nil
}

// isLongHeaderByte reports whether the first byte of a datagram begins a long
// header packet.
func isLongHeaderByte(b byte) bool {
	return b&headerFormLong != 0
}

// PeekDestinationCID extracts a datagram's Destination CID without
// unprotecting or validating anything else, so an I/O adapter sitting in
// front of many Conns can demultiplex a received datagram before handing
// it to the right one. shortHeaderCIDLength is the fixed CID length the
// adapter uses for its own locally-issued CIDs, since a short header
// packet does not encode its DCID's length.
func PeekDestinationCID(b []byte, shortHeaderCIDLength int) ([]byte, error) {
	if len(b) == 0 {
		return nil, newError(ProtocolViolation, "empty datagram")
	}
	if isLongHeaderByte(b[0]) {
		h, _, err := parseLongHeader(b)
		if err != nil {
			return nil, err
		}
		return h.dcid, nil
	}
	h, _, err := parseShortHeader(b, shortHeaderCIDLength)
	if err != nil {
		return nil, err
	}
	return h.dcid, nil
}

// decodePacketNumber expands a truncated packet number against the largest
// packet number seen so far (spec.md §4.2), per draft-22 appendix A.
func decodePacketNumber(truncated uint64, length int, expectedNext uint64) uint64 {
	pnWin := uint64(1) << uint(8*length)
	pnHWin := pnWin / 2
	pnMask := pnWin - 1
	candidate := (expectedNext &^ pnMask) | truncated
	if candidate+pnHWin <= expectedNext {
		candidate += pnWin
	} else if candidate > expectedNext+pnHWin && candidate >= pnWin {
		candidate -= pnWin
	}
	return candidate
}

// encodePacketNumberLength picks the smallest encoding (1..4 bytes) that
// unambiguously identifies packetNumber given the largest acknowledged
// packet number, per draft-22 §17.1.
func encodePacketNumberLength(packetNumber, largestAcked uint64) int {
	var numUnacked uint64
	if largestAcked == ^uint64(0) {
		numUnacked = packetNumber + 1
	} else {
		numUnacked = packetNumber - largestAcked
	}
	bits := 0
	for v := numUnacked * 2; v > 0; v >>= 8 {
		bits++
	}
	if bits < 1 {
		bits = 1
	}
	if bits > 4 {
		bits = 4
	}
	return bits
}

func writePacketNumber(b *buffer, pn uint64, length int) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(pn))
	return b.writeBytes(tmp[4-length:])
}

func readPacketNumber(b []byte, length int) uint64 {
	var tmp [4]byte
	copy(tmp[4-length:], b)
	return uint64(binary.BigEndian.Uint32(tmp[:]))
}

// buildLongHeader serializes the unprotected portion of a long header, with
// pnLength encoded in the first byte's low bits, up to and including the
// token (for Initial). The length field and packet number are not written;
// the caller appends them once the payload size is known.
func buildLongHeader(b *buffer, h *packetHeader, pnLength int) error {
	first := headerFormLong | fixedBit | (uint8(h.typ) << 4) | uint8(pnLength-1)
	if err := b.writeUint8(first); err != nil {
		return err
	}
	if err := b.writeUint32(uint32(h.version)); err != nil {
		return err
	}
	if err := b.writeUint8(uint8(len(h.dcid))); err != nil {
		return err
	}
	if err := b.writeBytes(h.dcid); err != nil {
		return err
	}
	if err := b.writeUint8(uint8(len(h.scid))); err != nil {
		return err
	}
	if err := b.writeBytes(h.scid); err != nil {
		return err
	}
	if h.typ == packetTypeInitial {
		if err := b.writeVarint(uint64(len(h.token))); err != nil {
			return err
		}
		if err := b.writeBytes(h.token); err != nil {
			return err
		}
	}
	return nil
}

func buildShortHeader(b *buffer, dcid []byte, pnLength int, keyPhase bool, spinBit bool) error {
	first := headerFormShort | fixedBit | uint8(pnLength-1)
	if keyPhase {
		first |= 0x04
	}
	if spinBit {
		first |= 0x20
	}
	if err := b.writeUint8(first); err != nil {
		return err
	}
	return b.writeBytes(dcid)
}

// encodeVersionNegotiation builds a Version Negotiation datagram offering
// supportedVersions in response to a packet addressed to dcid/scid.
//
// Grounded on aioquic's encode_quic_version_negotiation.
func encodeVersionNegotiation(dcid, scid []byte, supportedVersions []ProtocolVersion) []byte {
	b := newBuffer(make([]byte, 7+len(dcid)+len(scid)+4*len(supportedVersions)))
	// The first byte's low 7 bits are unused/random for version negotiation;
	// the high bit marks it long-form.
	b.writeUint8(headerFormLong | fixedBit)
	b.writeUint32(uint32(VersionNegotiation))
	b.writeUint8(uint8(len(dcid)))
	b.writeBytes(dcid)
	b.writeUint8(uint8(len(scid)))
	b.writeBytes(scid)
	for _, v := range supportedVersions {
		b.writeUint32(uint32(v))
	}
	return b.bytes()
}

// parseVersionNegotiation extracts the offered versions from a Version
// Negotiation datagram's body, following the DCID/SCID pair already parsed
// by parseLongHeader.
func parseVersionNegotiation(b []byte) []ProtocolVersion {
	var versions []ProtocolVersion
	buf := newBuffer(b)
	for buf.remaining() >= 4 {
		v, err := buf.readUint32()
		if err != nil {
			break
		}
		versions = append(versions, ProtocolVersion(v))
	}
	return versions
}

// packet is a lightweight logging view over a header plus the bookkeeping
// log.go wants to report (qlog packet_received/packet_sent/packet_dropped
// events): it is never the wire representation, only what newLogEventPacket
// reads.
type packet struct {
	typ               packetType
	header            packetHeader
	packetNumber      uint64
	payloadLen        int
	supportedVersions []uint32
	token             []byte
}

// PeekInitial extracts an Initial packet's Destination CID, Source CID, and
// token without unprotecting anything else, so an I/O adapter enforcing
// stateless address validation (spec.md §6's --stateless-retry) can inspect
// an unvalidated client's first flight before any Conn exists for it.
// ok is false if b is not a long-header Initial packet.
func PeekInitial(b []byte) (dcid, scid, token []byte, ok bool, err error) {
	if len(b) == 0 || !isLongHeaderByte(b[0]) {
		return nil, nil, nil, false, nil
	}
	h, _, err := parseLongHeader(b)
	if err != nil {
		return nil, nil, nil, false, err
	}
	if h.typ != packetTypeInitial {
		return nil, nil, nil, false, nil
	}
	return h.dcid, h.scid, h.token, true, nil
}

// BuildRetry constructs a complete, wire-ready stateless Retry packet
// (header, token, and integrity tag) for odcid, the Destination CID of the
// Initial packet being retried.
func BuildRetry(dcid, scid, odcid, token []byte) ([]byte, error) {
	body := encodeRetryBody(dcid, scid, odcid, token)
	tag, err := computeRetryIntegrityTag(odcid, body)
	if err != nil {
		return nil, err
	}
	return append(body, tag...), nil
}

func packetForLog(h *packetHeader, pn uint64, payloadLen int) *packet {
	return &packet{typ: h.typ, header: *h, packetNumber: pn, payloadLen: payloadLen}
}

const retryIntegrityTagLength = 16

// encodeRetryBody builds a Retry packet's header plus token; the integrity
// tag is appended separately by BuildRetry, which computes it with
// crypto.go's computeRetryIntegrityTag since it depends on the original
// DCID via AEAD, not on the CID tables.
//
// Grounded on aioquic's encode_quic_retry.
func encodeRetryBody(dcid, scid, origDCID, token []byte) []byte {
	h := &packetHeader{typ: packetTypeRetry, version: Version1, dcid: dcid, scid: scid, token: token}
	b := newBuffer(make([]byte, 7+len(dcid)+len(scid)+len(token)))
	b.writeUint8(headerFormLong | fixedBit | (uint8(packetTypeRetry) << 4))
	b.writeUint32(uint32(h.version))
	b.writeUint8(uint8(len(dcid)))
	b.writeBytes(dcid)
	b.writeUint8(uint8(len(scid)))
	b.writeBytes(scid)
	b.writeBytes(token)
	return b.bytes()
}
