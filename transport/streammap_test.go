package transport

import "testing"

func newTestStreamMap(isClient bool) *streamMap {
	m := newStreamMap(isClient)
	m.applyLocalParameters(&Parameters{
		InitialMaxStreamsBidi:         4,
		InitialMaxStreamsUni:          4,
		InitialMaxStreamDataBidiLocal: 1000,
		InitialMaxStreamDataBidiRemote: 1000,
		InitialMaxStreamDataUni:        1000,
	})
	m.applyPeerParameters(&Parameters{
		InitialMaxStreamsBidi:         4,
		InitialMaxStreamsUni:          4,
		InitialMaxStreamDataBidiLocal: 2000,
		InitialMaxStreamDataBidiRemote: 2000,
		InitialMaxStreamDataUni:        2000,
	})
	return m
}

// TestOpenLocalEnforcesPeerLimit checks MAX_STREAMS admission control on the
// locally-initiated side (spec.md §4.5).
func TestOpenLocalEnforcesPeerLimit(t *testing.T) {
	m := newTestStreamMap(true)
	m.peerMaxStreamsBidi = 2
	for i := 0; i < 2; i++ {
		if _, err := m.openLocal(false); err != nil {
			t.Fatalf("stream %d: unexpected error: %v", i, err)
		}
	}
	if _, err := m.openLocal(false); err == nil {
		t.Fatal("expected stream limit error on third bidi stream")
	}
}

// TestOpenLocalAssignsClientBits checks allocated IDs carry the correct
// initiator/directionality bits for both roles.
func TestOpenLocalAssignsClientBits(t *testing.T) {
	client := newTestStreamMap(true)
	s, err := client.openLocal(false)
	if err != nil {
		t.Fatal(err)
	}
	if !streamIsClientInitiated(s.id) || streamIsUnidirectional(s.id) {
		t.Fatalf("expected client bidi id, got %d", s.id)
	}

	server := newTestStreamMap(false)
	s2, err := server.openLocal(true)
	if err != nil {
		t.Fatal(err)
	}
	if streamIsClientInitiated(s2.id) || !streamIsUnidirectional(s2.id) {
		t.Fatalf("expected server uni id, got %d", s2.id)
	}
}

// TestGetOrCreatePeerImplicitlyOpensLowerStreams verifies draft-22 §2.1's
// rule that receiving frames for stream N implicitly opens every
// lower-numbered stream of the same class.
func TestGetOrCreatePeerImplicitlyOpensLowerStreams(t *testing.T) {
	m := newTestStreamMap(false) // server: peer is the client
	clientStream3 := streamID(3, true, false)
	if _, err := m.getOrCreatePeer(clientStream3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for n := uint64(0); n <= 3; n++ {
		id := streamID(n, true, false)
		if _, ok := m.get(id); !ok {
			t.Fatalf("expected stream number %d to be implicitly created", n)
		}
	}
	// A different class (uni) must not have been touched.
	if _, ok := m.get(streamID(0, true, true)); ok {
		t.Fatal("implicit creation must not cross stream classes")
	}
}

// TestGetOrCreatePeerRejectsLocalID checks a peer cannot claim a stream ID
// that belongs to this endpoint's own initiator bit.
func TestGetOrCreatePeerRejectsLocalID(t *testing.T) {
	m := newTestStreamMap(true) // client
	serverOwned := streamID(0, true, false) // client-initiated, i.e. ours
	if _, err := m.getOrCreatePeer(serverOwned); err == nil {
		t.Fatal("expected error when peer claims our own stream id")
	}
}

// TestGetOrCreatePeerEnforcesLocalLimit checks MAX_STREAMS enforcement on
// the peer-initiated side.
func TestGetOrCreatePeerEnforcesLocalLimit(t *testing.T) {
	m := newTestStreamMap(false)
	m.localMaxStreamsBidi = 2
	if _, err := m.getOrCreatePeer(streamID(1, true, false)); err != nil {
		t.Fatalf("stream number 1 should be within limit: %v", err)
	}
	if _, err := m.getOrCreatePeer(streamID(2, true, false)); err == nil {
		t.Fatal("expected stream limit error for stream number 2")
	}
}
