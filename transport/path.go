package transport

import (
	"net"
	"time"
)

// path models one network 4-tuple a connection has observed, tracking
// validation state and anti-amplification accounting, spec.md §4.7/§4.8.
//
// Grounded on the teacher's transport/conn.go remote-address bookkeeping,
// generalized from a single implicit path to an explicit, validatable one
// since migration requires tracking a non-primary path concurrently with
// the primary.
type path struct {
	addr net.Addr

	validated   bool
	challenge   [8]byte
	challengeSent bool
	challengeSentAt time.Time

	// Anti-amplification limiter: until validated, bytes sent on this path
	// must not exceed three times the bytes received on it (spec.md §4.7,
	// carried through from the QUIC draft-22 anti-amplification rule).
	bytesReceived uint64
	bytesSent     uint64
}

func newPath(addr net.Addr) *path {
	return &path{addr: addr}
}

const antiAmplificationFactor = 3

// amplificationLimit returns how many more bytes may be sent on this path
// before hitting the anti-amplification cap, or -1 if the path is already
// validated and thus unlimited.
func (p *path) amplificationLimit() int64 {
	if p.validated {
		return -1
	}
	allowed := int64(antiAmplificationFactor*p.bytesReceived) - int64(p.bytesSent)
	if allowed < 0 {
		return 0
	}
	return allowed
}

func (p *path) onBytesReceived(n int) {
	p.bytesReceived += uint64(n)
}

func (p *path) onBytesSent(n int) {
	p.bytesSent += uint64(n)
}

// startValidation arms a PATH_CHALLENGE to be sent with the given random
// payload, recording when it was issued for PTO-style timeout accounting.
func (p *path) startValidation(data [8]byte, now time.Time) {
	p.challenge = data
	p.challengeSent = true
	p.challengeSentAt = now
}

// onPathResponse marks the path validated if the echoed data matches the
// outstanding challenge.
func (p *path) onPathResponse(data [8]byte) bool {
	if !p.challengeSent || data != p.challenge {
		return false
	}
	p.validated = true
	p.challengeSent = false
	return true
}
