package transport

// Stream ID low two bits per draft-22 §2.1: bit 0 selects initiator
// (0=client, 1=server), bit 1 selects directionality (0=bidi, 1=uni).
const (
	streamIDClientBidi = 0x00
	streamIDServerBidi = 0x01
	streamIDClientUni  = 0x02
	streamIDServerUni  = 0x03
)

func streamIsClientInitiated(id uint64) bool { return id&0x01 == 0 }
func streamIsUnidirectional(id uint64) bool   { return id&0x02 != 0 }
func streamIsBidirectional(id uint64) bool    { return !streamIsUnidirectional(id) }

// streamNumber returns the zero-based ordinal of id within its
// (initiator, directionality) class, used for MAX_STREAMS accounting.
func streamNumber(id uint64) uint64 { return id >> 2 }

func streamID(number uint64, clientInitiated, unidirectional bool) uint64 {
	id := number << 2
	if !clientInitiated {
		id |= 0x01
	}
	if unidirectional {
		id |= 0x02
	}
	return id
}

// sendStreamState is the send half of a stream's state machine, spec.md
// §4.5: Ready -> Send -> DataSent -> DataRecvd, or -> ResetSent -> ResetRecvd.
type sendStreamState int

const (
	sendStateReady sendStreamState = iota
	sendStateSend
	sendStateDataSent
	sendStateDataRecvd
	sendStateResetSent
	sendStateResetRecvd
)

// recvStreamState is the receive half: Recv -> SizeKnown -> DataRecvd ->
// DataRead, or -> ResetRecvd -> ResetRead.
type recvStreamState int

const (
	recvStateRecv recvStreamState = iota
	recvStateSizeKnown
	recvStateDataRecvd
	recvStateDataRead
	recvStateResetRecvd
	recvStateResetRead
)

// stream holds both halves of one QUIC stream's state: a reassembly buffer
// on the receive side (keyed by a rangeSet of bytes seen so far, to tolerate
// out-of-order STREAM frames) and a simple send queue on the transmit side.
//
// Grounded on aioquic stream.py's QuicStream, split into explicit send/recv
// state machines per spec.md §4.5 rather than a single asyncio-flavored
// class, and with flow-control accounting added (aioquic enforces flow
// control in the connection, not the stream).
type stream struct {
	id uint64

	sendState      sendStreamState
	sendBuf        []byte
	sendOffset     uint64 // offset of sendBuf[0] in the stream (first unacked byte)
	sendSent       int    // bytes at the front of sendBuf already queued in a STREAM frame
	sendFin        bool
	sendFinSet     bool
	sendFinQueued  bool // a FIN-bearing STREAM frame has been queued at least once
	sendMaxData    uint64 // peer-advertised limit (MAX_STREAM_DATA)
	sendDataBlocked bool
	sendDataBlockedSent bool // a STREAM_DATA_BLOCKED for the current limit has gone out

	recvState      recvStreamState
	recvBuf        []byte
	recvStart      uint64 // offset corresponding to recvBuf[0]
	recvRanges     rangeSet
	recvFinalSize  uint64
	recvFinalSizeSet bool
	recvMaxData    uint64 // limit we advertise to the peer
	recvMaxDataSent uint64
	recvHighWatermark uint64 // highest byte offset seen, for flow-control violation checks
}

func newStream(id uint64, sendMax, recvMax uint64) *stream {
	return &stream{
		id:          id,
		sendMaxData: sendMax,
		recvMaxData: recvMax,
		recvMaxDataSent: recvMax,
	}
}

// write appends application data to the send buffer. fin marks that no more
// data will follow; it is sticky once set.
func (s *stream) write(data []byte, fin bool) {
	if s.sendState == sendStateReady {
		s.sendState = sendStateSend
	}
	s.sendBuf = append(s.sendBuf, data...)
	if fin {
		s.sendFin = true
		s.sendFinSet = true
	}
}

// hasDataToSend reports whether there are unsent bytes or a pending FIN not
// yet queued in an outgoing STREAM frame.
func (s *stream) hasDataToSend() bool {
	return s.sendSent < len(s.sendBuf) || (s.sendFin && !s.sendFinQueued)
}

// sendWindow returns how many bytes beyond what is already queued may
// currently be sent without exceeding the peer's MAX_STREAM_DATA.
func (s *stream) sendWindow() uint64 {
	sentOffset := s.sendOffset + uint64(s.sendSent)
	limit := s.sendMaxData
	if sentOffset >= limit {
		return 0
	}
	return limit - sentOffset
}

// getFrame pulls up to maxSize bytes of not-yet-queued send data as a
// streamFrame, respecting the peer's flow-control window. Returns nil if
// there is nothing eligible to send. Already-queued-but-unacked bytes are
// not resent here; loss recovery re-arms them explicitly on detected loss.
func (s *stream) getFrame(maxSize int) *streamFrame {
	window := s.sendWindow()
	unsent := len(s.sendBuf) - s.sendSent
	size := unsent
	if uint64(size) > window {
		size = int(window)
	}
	if size > maxSize {
		size = maxSize
	}
	fin := s.sendFin && s.sendSent+size == len(s.sendBuf)
	if size == 0 && !fin {
		return nil
	}
	data := s.sendBuf[s.sendSent : s.sendSent+size]
	offset := s.sendOffset + uint64(s.sendSent)
	return newStreamFrame(s.id, data, offset, fin)
}

// onDataSent advances the not-yet-queued cursor once a STREAM frame of n
// bytes has been placed in an outgoing packet. The bytes stay in sendBuf
// (for retransmission) until onDataAcked confirms delivery.
func (s *stream) onDataSent(n int, fin bool) {
	s.sendSent += n
	if fin {
		s.sendState = sendStateDataSent
		s.sendFinQueued = true
	} else if s.sendState == sendStateReady {
		s.sendState = sendStateSend
	}
}

// onDataAcked drops acknowledged bytes from the front of the send buffer.
func (s *stream) onDataAcked(offset uint64, n int) {
	end := offset + uint64(n)
	if end <= s.sendOffset {
		return
	}
	trim := end - s.sendOffset
	if trim > uint64(len(s.sendBuf)) {
		trim = uint64(len(s.sendBuf))
	}
	s.sendBuf = s.sendBuf[trim:]
	s.sendOffset += trim
	s.sendSent -= int(trim)
	if s.sendSent < 0 {
		s.sendSent = 0
	}
	if len(s.sendBuf) == 0 && s.sendFin && s.sendState == sendStateDataSent {
		s.sendState = sendStateDataRecvd
	}
}

// addFrame ingests a received STREAM frame, merging its bytes into the
// reassembly buffer regardless of arrival order.
//
// Grounded on aioquic stream.py's add_frame, translated to a
// byte-slice-backed buffer with an explicit gap fill instead of Python's
// bytearray slice assignment.
func (s *stream) addFrame(f *streamFrame) error {
	end := f.offset + uint64(len(f.data))
	if end > s.recvMaxData {
		return newError(FlowControlError, "stream data beyond advertised MAX_STREAM_DATA")
	}
	if s.recvFinalSizeSet && end > s.recvFinalSize {
		return newError(FinalSizeError, "stream data beyond final size")
	}
	if f.fin {
		if s.recvFinalSizeSet && s.recvFinalSize != end {
			return newError(FinalSizeError, "final size mismatch")
		}
		s.recvFinalSize = end
		s.recvFinalSizeSet = true
		if s.recvState == recvStateRecv {
			s.recvState = recvStateSizeKnown
		}
	}
	if end > s.recvWindowConsumed() {
		s.recvHighWatermark = end
	}

	pos := int64(f.offset) - int64(s.recvStart)
	data := f.data
	if pos < 0 {
		if int64(len(data))+pos <= 0 {
			return nil // entirely already consumed
		}
		data = data[-pos:]
		pos = 0
	}
	if len(data) > 0 {
		s.recvRanges.add(uint64(pos)+s.recvStart, uint64(pos)+s.recvStart+uint64(len(data)))
		gap := int(pos) - len(s.recvBuf)
		if gap > 0 {
			s.recvBuf = append(s.recvBuf, make([]byte, gap)...)
		}
		end := int(pos) + len(data)
		if end > len(s.recvBuf) {
			s.recvBuf = append(s.recvBuf, make([]byte, end-len(s.recvBuf))...)
		}
		copy(s.recvBuf[pos:end], data)
	}
	return nil
}

// hasDataToRead reports whether a contiguous prefix starting at recvStart is
// available for the application to consume.
func (s *stream) hasDataToRead() bool {
	return !s.recvRanges.empty() && s.recvRanges.first().start == s.recvStart
}

// pullData returns the next contiguous chunk of received data, advancing
// recvStart past it.
func (s *stream) pullData() []byte {
	if !s.hasDataToRead() {
		return nil
	}
	r := s.recvRanges.first()
	n := int(r.stop - r.start)
	data := make([]byte, n)
	copy(data, s.recvBuf[:n])
	s.recvBuf = s.recvBuf[n:]
	s.recvRanges.removeUntil(r.stop - 1)
	s.recvStart = r.stop
	if s.recvFinalSizeSet && s.recvStart == s.recvFinalSize {
		s.recvState = recvStateDataRecvd
	}
	return data
}

// recvWindowConsumed reports the highest byte offset the peer has sent,
// for MAX_DATA/MAX_STREAM_DATA accounting at the connection level.
func (s *stream) recvWindowConsumed() uint64 { return s.recvHighWatermark }

// maybeMaxStreamData returns a MAX_STREAM_DATA increment to send once the
// receive window has closed past 75% of its size since the last update,
// doubling the window, or false if no update is warranted (spec.md §4.5
// auto-tuning flow control). It does not mutate stream state: the caller
// commits the new limit via commitMaxStreamData only once the frame has
// actually been placed in an outgoing packet.
func (s *stream) maybeMaxStreamData(windowSize uint64) (uint64, bool) {
	threshold := s.recvMaxDataSent - windowSize/4
	if s.recvStart < threshold {
		return 0, false
	}
	newLimit := s.recvStart + windowSize*2
	if newLimit <= s.recvMaxDataSent {
		return 0, false
	}
	return newLimit, true
}

// commitMaxStreamData records that a MAX_STREAM_DATA(limit) frame has been
// sent, so future maybeMaxStreamData calls measure from the new limit.
func (s *stream) commitMaxStreamData(limit uint64) {
	s.recvMaxDataSent = limit
	s.recvMaxData = limit
}

// onDataLost rewinds the not-yet-queued cursor so a lost STREAM frame's
// bytes are reconsidered by getFrame, unless they have already been
// superseded by a later acked/sent range.
func (s *stream) onDataLost(offset uint64, n int, fin bool) {
	if offset < s.sendOffset {
		return // already trimmed past this point by an ack
	}
	pos := int(offset - s.sendOffset)
	if pos < s.sendSent {
		s.sendSent = pos
	}
	if fin && s.sendFinQueued {
		s.sendFinQueued = false
		if s.sendState == sendStateDataSent {
			s.sendState = sendStateSend
		}
	}
}

func (s *stream) resetSend(errorCode uint64) *resetStreamFrame {
	finalSize := s.sendOffset + uint64(len(s.sendBuf))
	s.sendBuf = nil
	s.sendState = sendStateResetSent
	return newResetStreamFrame(s.id, errorCode, finalSize)
}

func (s *stream) onReset(finalSize uint64) {
	s.recvFinalSize = finalSize
	s.recvFinalSizeSet = true
	s.recvState = recvStateResetRecvd
}
