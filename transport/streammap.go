package transport

// streamMap owns every stream a connection knows about, plus the
// accounting needed to allocate local stream IDs and enforce MAX_STREAMS
// limits in both directions (spec.md §4.5).
//
// Grounded on aioquic's QuicConnection._streams dict plus its
// _get_or_create_stream/_create_stream helpers, split out into its own
// type since the spec gives stream admission its own invariants
// (spec.md §7: stream IDs are never reused, limits are monotonic).
type streamMap struct {
	isClient bool
	streams  map[uint64]*stream

	nextBidi uint64 // next local bidi stream number to allocate
	nextUni  uint64 // next local uni stream number to allocate

	localMaxStreamsBidi  uint64 // limit on peer-initiated bidi streams we allow
	localMaxStreamsUni   uint64
	peerMaxStreamsBidi   uint64 // limit on locally-initiated bidi streams the peer allows
	peerMaxStreamsUni    uint64

	peerMaxStreamDataBidiLocal  uint64 // initial window for locally-created bidi streams
	peerMaxStreamDataBidiRemote uint64 // initial window for peer-created bidi streams
	peerMaxStreamDataUni        uint64 // initial window for peer-created uni streams
	localMaxStreamDataBidiLocal  uint64
	localMaxStreamDataBidiRemote uint64
	localMaxStreamDataUni        uint64
}

func newStreamMap(isClient bool) *streamMap {
	return &streamMap{
		isClient: isClient,
		streams:  make(map[uint64]*stream),
	}
}

// applyLocalParameters records the limits this endpoint advertises to the
// peer (its own initial_max_stream_data_* / initial_max_streams_*).
func (m *streamMap) applyLocalParameters(p *Parameters) {
	m.localMaxStreamsBidi = p.InitialMaxStreamsBidi
	m.localMaxStreamsUni = p.InitialMaxStreamsUni
	m.localMaxStreamDataBidiLocal = p.InitialMaxStreamDataBidiLocal
	m.localMaxStreamDataBidiRemote = p.InitialMaxStreamDataBidiRemote
	m.localMaxStreamDataUni = p.InitialMaxStreamDataUni
}

// applyPeerParameters records the limits the peer advertised to us.
func (m *streamMap) applyPeerParameters(p *Parameters) {
	m.peerMaxStreamsBidi = p.InitialMaxStreamsBidi
	m.peerMaxStreamsUni = p.InitialMaxStreamsUni
	m.peerMaxStreamDataBidiLocal = p.InitialMaxStreamDataBidiRemote
	m.peerMaxStreamDataBidiRemote = p.InitialMaxStreamDataBidiLocal
	m.peerMaxStreamDataUni = p.InitialMaxStreamDataUni
}

// openLocal allocates a new locally-initiated stream, enforcing
// peerMaxStreams*. Returns StreamLimitError if the peer's MAX_STREAMS has
// not granted room for it.
func (m *streamMap) openLocal(unidirectional bool) (*stream, error) {
	var number, limit uint64
	if unidirectional {
		number, limit = m.nextUni, m.peerMaxStreamsUni
	} else {
		number, limit = m.nextBidi, m.peerMaxStreamsBidi
	}
	if number >= limit {
		return nil, newError(StreamLimitError, "local stream limit reached")
	}
	id := streamID(number, m.isClient, unidirectional)
	var sendMax, recvMax uint64
	if unidirectional {
		sendMax = m.peerMaxStreamDataUni
		recvMax = 0
	} else {
		sendMax = m.peerMaxStreamDataBidiLocal
		recvMax = m.localMaxStreamDataBidiLocal
	}
	s := newStream(id, sendMax, recvMax)
	m.streams[id] = s
	if unidirectional {
		m.nextUni++
	} else {
		m.nextBidi++
	}
	return s, nil
}

// getOrCreatePeer looks up (or lazily admits) a stream initiated by the
// peer, implicitly creating every lower-numbered stream of the same class
// per draft-22 §2.1, and enforces localMaxStreams*.
func (m *streamMap) getOrCreatePeer(id uint64) (*stream, error) {
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	clientInitiated := streamIsClientInitiated(id)
	if clientInitiated == m.isClient {
		return nil, newError(StreamStateError, "stream id belongs to local endpoint")
	}
	uni := streamIsUnidirectional(id)
	number := streamNumber(id)
	var limit uint64
	if uni {
		limit = m.localMaxStreamsUni
	} else {
		limit = m.localMaxStreamsBidi
	}
	if number >= limit {
		return nil, newError(StreamLimitError, "peer exceeded stream limit")
	}
	// Implicitly create lower-numbered streams of the same class.
	for n := uint64(0); n <= number; n++ {
		sid := streamID(n, clientInitiated, uni)
		if _, ok := m.streams[sid]; ok {
			continue
		}
		var sendMax, recvMax uint64
		if uni {
			recvMax = m.localMaxStreamDataUni
		} else {
			sendMax = m.peerMaxStreamDataBidiRemote
			recvMax = m.localMaxStreamDataBidiRemote
		}
		m.streams[sid] = newStream(sid, sendMax, recvMax)
	}
	return m.streams[id], nil
}

// localRecvWindow returns the local receive-window size configured for a
// stream's class (bidi-local, bidi-remote, or uni), used to pace
// MAX_STREAM_DATA increases (spec.md §4.5).
func (m *streamMap) localRecvWindow(id uint64) uint64 {
	if streamIsUnidirectional(id) {
		return m.localMaxStreamDataUni
	}
	if streamIsClientInitiated(id) == m.isClient {
		return m.localMaxStreamDataBidiLocal
	}
	return m.localMaxStreamDataBidiRemote
}

func (m *streamMap) get(id uint64) (*stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// remove drops a stream once both halves have reached a terminal state and
// its data has been fully delivered/acknowledged (spec.md §4.5: streams are
// garbage-collected, never reused).
func (m *streamMap) remove(id uint64) {
	delete(m.streams, id)
}

// each calls fn for every live stream. Iteration order is unspecified,
// matching Go's map iteration; callers that need fairness across streams
// rely on every stream getting a turn across repeated calls rather than a
// fixed schedule.
func (m *streamMap) each(fn func(*stream)) {
	for _, s := range m.streams {
		fn(s)
	}
}
