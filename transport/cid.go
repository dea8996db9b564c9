package transport

// Connection ID tables and stateless-reset tokens, spec.md §4.7.
//
// Grounded on the teacher's transport/conn.go CID bookkeeping (it tracks a
// single active remote CID; this generalizes to the full sequence-numbered
// tables draft-22 §5.1.1/§5.1.2 require for migration and retirement).

const maxActiveConnectionIDLimit = 8

// connectionID is a sequence-numbered CID plus, for CIDs we issue, the
// stateless-reset token a peer can use to recognize our crash.
type connectionID struct {
	sequenceNumber uint64
	cid            []byte
	statelessResetToken [16]byte
	retired        bool
	wasSent        bool // true once a NEW_CONNECTION_ID announcing this entry has been sent
}

// cidSourceTable manages the CIDs this endpoint has issued to the peer
// (i.e. the ones the peer places in the packets it sends to us).
type cidSourceTable struct {
	entries      []*connectionID
	nextSeq      uint64
	retirePriorTo uint64
	limit        uint64 // peer's active_connection_id_limit
}

func newCIDSourceTable(limit uint64) *cidSourceTable {
	if limit == 0 {
		limit = 2
	}
	return &cidSourceTable{limit: limit}
}

// issue mints a new local CID/token pair, to be announced via
// NEW_CONNECTION_ID once the table has room under the peer's limit.
func (t *cidSourceTable) issue(cid []byte, token [16]byte) *connectionID {
	e := &connectionID{sequenceNumber: t.nextSeq, cid: cid, statelessResetToken: token}
	t.entries = append(t.entries, e)
	t.nextSeq++
	return e
}

// needsMore reports whether fewer active (non-retired) CIDs are issued than
// the peer's active_connection_id_limit allows.
func (t *cidSourceTable) needsMore() bool {
	active := uint64(0)
	for _, e := range t.entries {
		if !e.retired {
			active++
		}
	}
	return active < t.limit
}

// retire marks sequenceNumber retired after processing a RETIRE_CONNECTION_ID
// the peer cannot send for our-issued CIDs; this is invoked locally when we
// decide to retire one of our own (e.g. after NEW_CONNECTION_ID's
// retire_prior_to moves forward -- which in fact targets the peer's CIDs; see
// cidDestTable.retirePriorTo below). Kept here for symmetry/testability.
func (t *cidSourceTable) retire(sequenceNumber uint64) []byte {
	for _, e := range t.entries {
		if e.sequenceNumber == sequenceNumber {
			e.retired = true
			return e.cid
		}
	}
	return nil
}

// cidDestTable manages the CIDs the peer has issued to us (i.e. the ones we
// place in the packets we send to the peer), received via NEW_CONNECTION_ID.
type cidDestTable struct {
	entries       []*connectionID
	active        *connectionID
	retirePriorTo uint64
}

func newCIDDestTable(initial []byte) *cidDestTable {
	t := &cidDestTable{}
	e := &connectionID{cid: initial}
	t.entries = append(t.entries, e)
	t.active = e
	return t
}

// add ingests a NEW_CONNECTION_ID frame. It returns the sequence numbers
// that must now be retired (because retirePriorTo advanced) so the caller
// can emit RETIRE_CONNECTION_ID frames for them.
//
// Grounded on the Open Question decision recorded in DESIGN.md: a CID is
// eligible for retirement once its sequence number is below the highest
// retire_prior_to announced by the peer so far.
func (t *cidDestTable) add(seq, retirePriorTo uint64, cid []byte, token [16]byte) ([]uint64, error) {
	for _, e := range t.entries {
		if e.sequenceNumber == seq {
			return nil, nil // duplicate announcement
		}
	}
	if retirePriorTo > t.retirePriorTo {
		t.retirePriorTo = retirePriorTo
	}
	e := &connectionID{sequenceNumber: seq, cid: cid, statelessResetToken: token}
	t.entries = append(t.entries, e)

	var toRetire []uint64
	var kept []*connectionID
	for _, e := range t.entries {
		if e.sequenceNumber < t.retirePriorTo && !e.retired {
			e.retired = true
			toRetire = append(toRetire, e.sequenceNumber)
			if t.active == e {
				t.active = nil
			}
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept

	if t.active == nil {
		for _, e := range t.entries {
			if !e.retired {
				t.active = e
				break
			}
		}
	}
	if len(t.entries) > maxActiveConnectionIDLimit {
		return nil, newError(ProtocolViolation, "too many connection ids")
	}
	return toRetire, nil
}

// pickForMigration returns an unused peer-issued CID to switch to, or nil
// if none is available (spec.md §4.7: migration may stall until the peer
// supplies another NEW_CONNECTION_ID).
func (t *cidDestTable) pickForMigration(exclude []byte) *connectionID {
	for _, e := range t.entries {
		if e.retired || e == t.active {
			continue
		}
		if string(e.cid) == string(exclude) {
			continue
		}
		return e
	}
	return nil
}

func (t *cidDestTable) activeCID() []byte {
	if t.active == nil {
		return nil
	}
	return t.active.cid
}
