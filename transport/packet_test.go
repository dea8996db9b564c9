package transport

import (
	"encoding/binary"
	"testing"
)

// TestLongHeaderRoundTrip builds an Initial packet's header fields with
// buildLongHeader and confirms parseLongHeader recovers them, matching the
// two halves of spec.md §4.3's wire format.
func TestLongHeaderRoundTrip(t *testing.T) {
	h := &packetHeader{
		typ:     packetTypeInitial,
		version: Version1,
		dcid:    []byte{1, 2, 3, 4},
		scid:    []byte{5, 6, 7, 8, 9},
		token:   []byte("retrytoken"),
	}
	buf := newBuffer(make([]byte, 64))
	if err := buildLongHeader(buf, h, 2); err != nil {
		t.Fatalf("build: %v", err)
	}
	// buildLongHeader leaves length unwritten; append a placeholder varint and
	// a 2-byte packet number as a real builder would before parsing back.
	if err := buf.writeVarint(20); err != nil {
		t.Fatal(err)
	}
	if err := buf.writeUint16(0x0001); err != nil {
		t.Fatal(err)
	}

	got, n, err := parseLongHeader(buf.bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.typ != h.typ {
		t.Fatalf("type: got %v want %v", got.typ, h.typ)
	}
	if got.version != h.version {
		t.Fatalf("version: got %x want %x", got.version, h.version)
	}
	if string(got.dcid) != string(h.dcid) || string(got.scid) != string(h.scid) {
		t.Fatalf("cids: got dcid=%x scid=%x", got.dcid, got.scid)
	}
	if string(got.token) != string(h.token) {
		t.Fatalf("token: got %q want %q", got.token, h.token)
	}
	if got.length != 20 {
		t.Fatalf("length: got %d want 20", got.length)
	}
	if n != buf.tell()-2 {
		// n stops right after the length varint, before the packet number.
		t.Fatalf("parsed length %d, expected %d", n, buf.tell()-2)
	}
}

// TestShortHeaderRoundTrip confirms parseShortHeader recovers the DCID and
// key-phase bit written by buildShortHeader.
func TestShortHeaderRoundTrip(t *testing.T) {
	dcid := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	buf := newBuffer(make([]byte, 32))
	if err := buildShortHeader(buf, dcid, 2, true, false); err != nil {
		t.Fatal(err)
	}
	if err := buf.writeUint16(0x0042); err != nil {
		t.Fatal(err)
	}

	h, _, err := parseShortHeader(buf.bytes(), len(dcid))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(h.dcid) != string(dcid) {
		t.Fatalf("dcid: got %x want %x", h.dcid, dcid)
	}
	if !h.keyPhase {
		t.Fatal("expected key phase bit set")
	}
	if h.typ != packetTypeOneRTT {
		t.Fatalf("type: got %v", h.typ)
	}
}

// TestIsLongHeaderByte exercises the one-bit classification every datagram
// demultiplexing decision in conn.go depends on.
func TestIsLongHeaderByte(t *testing.T) {
	if !isLongHeaderByte(headerFormLong | fixedBit) {
		t.Fatal("expected long header byte to be recognized")
	}
	if isLongHeaderByte(headerFormShort | fixedBit) {
		t.Fatal("expected short header byte not to be recognized as long")
	}
}

// TestDecodePacketNumberExpansion covers draft-22 appendix A's examples: a
// truncated packet number must expand to the candidate nearest the expected
// next packet number.
func TestDecodePacketNumberExpansion(t *testing.T) {
	cases := []struct {
		truncated    uint64
		length       int
		expectedNext uint64
		want         uint64
	}{
		{0xa82f30ea, 4, 0xa82f30ea, 0xa82f30ea},
		{0x9b32, 2, 0xa82f30ea, 0xa82f9b32},
		{0x01, 1, 0, 1},
		{0x00, 1, 0xff, 0x100},
	}
	for _, c := range cases {
		got := decodePacketNumber(c.truncated, c.length, c.expectedNext)
		if got != c.want {
			t.Fatalf("decodePacketNumber(%#x, %d, %#x) = %#x, want %#x",
				c.truncated, c.length, c.expectedNext, got, c.want)
		}
	}
}

// TestEncodePacketNumberLength checks the minimal encoding width picked for a
// handful of packetNumber/largestAcked gaps, draft-22 §17.1.
func TestEncodePacketNumberLength(t *testing.T) {
	cases := []struct {
		pn, largestAcked uint64
		want             int
	}{
		{0, ^uint64(0), 1},
		{100, 98, 1},
		{40000, 0, 3},
		{1 << 24, 0, 4},
	}
	for _, c := range cases {
		got := encodePacketNumberLength(c.pn, c.largestAcked)
		if got != c.want {
			t.Fatalf("encodePacketNumberLength(%d, %d) = %d, want %d", c.pn, c.largestAcked, got, c.want)
		}
	}
}

// TestVersionNegotiationRoundTrip exercises the VN encode/parse pair used
// when a server rejects an unsupported version.
func TestVersionNegotiationRoundTrip(t *testing.T) {
	dcid := []byte{1, 2, 3}
	scid := []byte{4, 5, 6, 7}
	versions := []ProtocolVersion{Version1, 0x0a0a0a0a}

	datagram := encodeVersionNegotiation(dcid, scid, versions)
	h, hdrLen, err := parseLongHeader(datagram)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.version != VersionNegotiation {
		t.Fatalf("expected version negotiation marker, got %x", h.version)
	}
	if string(h.dcid) != string(dcid) || string(h.scid) != string(scid) {
		t.Fatalf("cids: got dcid=%x scid=%x", h.dcid, h.scid)
	}
	got := parseVersionNegotiation(datagram[hdrLen:])
	if len(got) != len(versions) {
		t.Fatalf("got %d versions, want %d", len(got), len(versions))
	}
	for i, v := range versions {
		if got[i] != v {
			t.Fatalf("version %d: got %x want %x", i, got[i], v)
		}
	}
}

// TestBuildRetryRoundTrip checks a built Retry packet's token and CIDs parse
// back out correctly, and that its integrity tag verifies against the odcid
// it was built for (spec.md §4.4's stateless retry).
func TestBuildRetryRoundTrip(t *testing.T) {
	clientSCID := []byte{1, 2, 3, 4}
	serverSCID := []byte{5, 6, 7, 8}
	odcid := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	token := []byte("opaque-token")

	pkt, err := BuildRetry(clientSCID, serverSCID, odcid, token)
	if err != nil {
		t.Fatalf("BuildRetry: %v", err)
	}

	h, hdrLen, err := parseLongHeader(pkt)
	if err != nil {
		t.Fatalf("parseLongHeader: %v", err)
	}
	if h.typ != packetTypeRetry {
		t.Fatalf("got type %v, want retry", h.typ)
	}
	if string(h.dcid) != string(clientSCID) || string(h.scid) != string(serverSCID) {
		t.Fatalf("cids: got dcid=%x scid=%x", h.dcid, h.scid)
	}

	tokenEnd := len(pkt) - retryIntegrityTagLength
	gotToken := pkt[hdrLen:tokenEnd]
	if string(gotToken) != string(token) {
		t.Fatalf("token: got %q want %q", gotToken, token)
	}

	wantTag, err := computeRetryIntegrityTag(odcid, pkt[:tokenEnd])
	if err != nil {
		t.Fatalf("computeRetryIntegrityTag: %v", err)
	}
	if string(pkt[tokenEnd:]) != string(wantTag) {
		t.Fatalf("integrity tag mismatch")
	}
}

// buildLongHeaderDatagram assembles a minimal long-header packet (header
// plus a zero-length payload, no protection) for peek-helper tests that
// never call into AEAD/header-protection code.
func buildLongHeaderDatagram(typ packetType, dcid, scid, token []byte) []byte {
	b := []byte{headerFormLong | fixedBit | (uint8(typ) << 4)}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], uint32(Version1))
	b = append(b, ver[:]...)
	b = append(b, uint8(len(dcid)))
	b = append(b, dcid...)
	b = append(b, uint8(len(scid)))
	b = append(b, scid...)
	if typ == packetTypeInitial {
		b = append(b, uint8(len(token))) // token fits in a 1-byte varint in these tests
		b = append(b, token...)
	}
	b = append(b, 0) // length varint(0)
	return b
}

// TestPeekInitialExtractsCIDsAndToken checks the Initial-only peek helper
// acceptDatagram uses to decide whether a client needs a Retry.
func TestPeekInitialExtractsCIDsAndToken(t *testing.T) {
	dcid := []byte{1, 2}
	scid := []byte{3, 4, 5}
	datagram := buildLongHeaderDatagram(packetTypeInitial, dcid, scid, []byte("tok"))

	gotDCID, gotSCID, token, ok, err := PeekInitial(datagram)
	if err != nil {
		t.Fatalf("PeekInitial: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for an Initial packet")
	}
	if string(gotDCID) != string(dcid) || string(gotSCID) != string(scid) || string(token) != "tok" {
		t.Fatalf("got dcid=%x scid=%x token=%q", gotDCID, gotSCID, token)
	}
}

// TestPeekInitialRejectsNonInitial checks a Handshake-typed long header is
// reported as not-an-Initial rather than misparsed.
func TestPeekInitialRejectsNonInitial(t *testing.T) {
	datagram := buildLongHeaderDatagram(packetTypeHandshake, []byte{1, 2}, []byte{3, 4}, nil)

	_, _, _, ok, err := PeekInitial(datagram)
	if err != nil {
		t.Fatalf("PeekInitial: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a non-Initial long header")
	}
}

// TestPacketForLog checks the logging-view constructor carries through the
// fields log.go's qlog rendering reads.
func TestPacketForLog(t *testing.T) {
	h := &packetHeader{typ: packetTypeHandshake, version: Version1, dcid: []byte{9, 9}, scid: []byte{1}}
	p := packetForLog(h, 42, 128)
	if p.typ != packetTypeHandshake || p.packetNumber != 42 || p.payloadLen != 128 {
		t.Fatalf("got %+v", p)
	}
	if string(p.header.dcid) != string(h.dcid) {
		t.Fatalf("header not copied: got %x want %x", p.header.dcid, h.dcid)
	}
}
