package transport

import (
	"bytes"
	"testing"
)

func TestStreamIDHelpers(t *testing.T) {
	cases := []struct {
		id              uint64
		clientInitiated bool
		uni             bool
	}{
		{0, true, false},
		{1, false, false},
		{2, true, true},
		{3, false, true},
	}
	for _, c := range cases {
		if streamIsClientInitiated(c.id) != c.clientInitiated {
			t.Fatalf("id %d: client-initiated mismatch", c.id)
		}
		if streamIsUnidirectional(c.id) != c.uni {
			t.Fatalf("id %d: unidirectional mismatch", c.id)
		}
		if streamIsBidirectional(c.id) == c.uni {
			t.Fatalf("id %d: bidirectional should be the negation of unidirectional", c.id)
		}
	}

	for number := uint64(0); number < 5; number++ {
		for _, client := range []bool{true, false} {
			for _, uni := range []bool{true, false} {
				id := streamID(number, client, uni)
				if streamNumber(id) != number {
					t.Fatalf("streamID/streamNumber roundtrip: got %d want %d", streamNumber(id), number)
				}
				if streamIsClientInitiated(id) != client {
					t.Fatalf("client bit mismatch for id %d", id)
				}
				if streamIsUnidirectional(id) != uni {
					t.Fatalf("uni bit mismatch for id %d", id)
				}
			}
		}
	}
}

// TestStreamSendWindowRespected checks getFrame never returns more bytes
// than the peer's MAX_STREAM_DATA allows (spec.md §4.6).
func TestStreamSendWindowRespected(t *testing.T) {
	s := newStream(streamID(0, true, false), 5, 1<<20)
	s.write([]byte("0123456789"), false)

	f := s.getFrame(1000)
	if f == nil {
		t.Fatal("expected a frame")
	}
	if len(f.data) != 5 {
		t.Fatalf("expected frame capped at flow-control window of 5, got %d", len(f.data))
	}
	if f.offset != 0 {
		t.Fatalf("expected offset 0, got %d", f.offset)
	}
	s.onDataSent(len(f.data), false)

	if got := s.getFrame(1000); got != nil {
		t.Fatalf("expected no further frame until window grows, got %+v", got)
	}
}

// TestStreamGetFrameRespectsMaxSize checks the packet-budget cap is also
// honored independent of flow control.
func TestStreamGetFrameRespectsMaxSize(t *testing.T) {
	s := newStream(streamID(0, true, false), 1<<20, 1<<20)
	s.write([]byte("hello world"), false)
	f := s.getFrame(4)
	if f == nil || len(f.data) != 4 {
		t.Fatalf("expected 4-byte frame, got %+v", f)
	}
}

// TestStreamFinDeliveredOnceBufferDrains checks a FIN is only signalled once
// the send buffer has actually emptied, not merely requested via write.
func TestStreamFinDeliveredOnceBufferDrains(t *testing.T) {
	s := newStream(streamID(0, true, false), 1<<20, 1<<20)
	s.write([]byte("abc"), true)

	f := s.getFrame(2)
	if f == nil || f.fin {
		t.Fatalf("first frame should not carry fin yet (only 2 of 3 bytes fit): %+v", f)
	}
	s.onDataSent(len(f.data), f.fin)

	f2 := s.getFrame(100)
	if f2 == nil || !f2.fin {
		t.Fatalf("second frame should carry fin once the whole unacked buffer fits: %+v", f2)
	}
}

// TestStreamAddFrameOutOfOrder verifies reassembly tolerates frames arriving
// out of offset order, draft-22's "streams are an ordered byte stream but
// frames need not arrive in order" guarantee.
func TestStreamAddFrameOutOfOrder(t *testing.T) {
	s := newStream(streamID(1, false, false), 1<<20, 1<<20)

	if err := s.addFrame(newStreamFrame(s.id, []byte("world"), 5, true)); err != nil {
		t.Fatalf("addFrame (second half): %v", err)
	}
	if s.hasDataToRead() {
		t.Fatal("should have no readable data until the gap at offset 0 fills")
	}

	if err := s.addFrame(newStreamFrame(s.id, []byte("hello"), 0, false)); err != nil {
		t.Fatalf("addFrame (first half): %v", err)
	}
	if !s.hasDataToRead() {
		t.Fatal("expected contiguous data now available")
	}
	data := s.pullData()
	if !bytes.Equal(data, []byte("helloworld")) {
		t.Fatalf("got %q", data)
	}
	if s.recvState != recvStateDataRecvd {
		t.Fatalf("expected DataRecvd once final size reached, got %v", s.recvState)
	}
}

// TestStreamAddFrameOverlap checks that a retransmitted, overlapping frame
// does not corrupt already-buffered bytes.
func TestStreamAddFrameOverlap(t *testing.T) {
	s := newStream(streamID(2, true, false), 1<<20, 1<<20)
	if err := s.addFrame(newStreamFrame(s.id, []byte("abcdef"), 0, false)); err != nil {
		t.Fatal(err)
	}
	// Retransmission overlapping all six buffered bytes plus two new ones.
	if err := s.addFrame(newStreamFrame(s.id, []byte("abcdefgh"), 0, false)); err != nil {
		t.Fatal(err)
	}
	data := s.pullData()
	if string(data) != "abcdefgh" {
		t.Fatalf("got %q", data)
	}
}

// TestStreamAddFrameBeyondFinalSizeRejected enforces the FINAL_SIZE_ERROR
// invariant: once a FIN has fixed the stream's size, no later frame may
// claim bytes beyond it.
func TestStreamAddFrameBeyondFinalSizeRejected(t *testing.T) {
	s := newStream(streamID(3, false, true), 1<<20, 1<<20)
	if err := s.addFrame(newStreamFrame(s.id, []byte("abc"), 0, true)); err != nil {
		t.Fatal(err)
	}
	if err := s.addFrame(newStreamFrame(s.id, []byte("x"), 10, false)); err == nil {
		t.Fatal("expected final-size violation error")
	}
}

// TestStreamOnDataAckedTrimsBuffer checks acked bytes are dropped from the
// retransmission buffer once confirmed delivered.
func TestStreamOnDataAckedTrimsBuffer(t *testing.T) {
	s := newStream(streamID(0, true, false), 1<<20, 1<<20)
	s.write([]byte("abcdefghij"), true)
	f := s.getFrame(1000)
	s.onDataSent(len(f.data), f.fin)
	s.onDataAcked(0, 5)
	if len(s.sendBuf) != 5 {
		t.Fatalf("expected 5 bytes remaining, got %d", len(s.sendBuf))
	}
	if s.sendOffset != 5 {
		t.Fatalf("expected sendOffset 5, got %d", s.sendOffset)
	}
	s.onDataAcked(5, 5)
	if s.sendState != sendStateDataRecvd {
		t.Fatalf("expected DataRecvd once all bytes acked, got %v", s.sendState)
	}
}

// TestStreamResetSendCapturesFinalSize checks RESET_STREAM reports the
// correct final size and clears the retransmission buffer.
func TestStreamResetSendCapturesFinalSize(t *testing.T) {
	s := newStream(streamID(0, true, false), 1<<20, 1<<20)
	s.write([]byte("abcdefg"), false)
	f := s.resetSend(42)
	if f.finalSize != 7 {
		t.Fatalf("finalSize = %d, want 7", f.finalSize)
	}
	if f.errorCode != 42 {
		t.Fatalf("errorCode = %d, want 42", f.errorCode)
	}
	if len(s.sendBuf) != 0 {
		t.Fatal("expected send buffer cleared on reset")
	}
	if s.sendState != sendStateResetSent {
		t.Fatalf("expected ResetSent, got %v", s.sendState)
	}
}

// TestStreamMaybeMaxStreamData checks the auto-tuning threshold: an update
// is only offered once the window has closed past 75% of its size, and
// doubles the window when it fires.
func TestStreamMaybeMaxStreamData(t *testing.T) {
	s := newStream(streamID(0, true, false), 0, 100)
	s.recvStart = 70 // consumed less than 75% of a 100-byte window
	if _, ok := s.maybeMaxStreamData(100); ok {
		t.Fatal("should not offer an update below the 75%-consumed threshold")
	}
	s.recvStart = 80
	limit, ok := s.maybeMaxStreamData(100)
	if !ok {
		t.Fatal("expected an update past the 75%-consumed threshold")
	}
	if limit != 280 {
		t.Fatalf("limit = %d, want 280", limit)
	}
	if s.recvMaxDataSent != 100 {
		t.Fatal("maybeMaxStreamData must not mutate state before the caller commits")
	}
	s.commitMaxStreamData(limit)
	if s.recvMaxDataSent != 280 || s.recvMaxData != 280 {
		t.Fatal("commitMaxStreamData should record the new limit")
	}
}
