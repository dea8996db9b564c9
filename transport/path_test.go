package transport

import (
	"net"
	"testing"
	"time"
)

func testAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 4433}
}

// TestPathAmplificationLimitUnvalidated checks the 3x anti-amplification
// cap applies until the path is validated.
func TestPathAmplificationLimitUnvalidated(t *testing.T) {
	p := newPath(testAddr())
	p.onBytesReceived(100)
	if got := p.amplificationLimit(); got != 300 {
		t.Fatalf("expected limit 300, got %d", got)
	}
	p.onBytesSent(250)
	if got := p.amplificationLimit(); got != 50 {
		t.Fatalf("expected limit 50 after sending 250, got %d", got)
	}
}

// TestPathAmplificationLimitFloorsAtZero checks the limit never goes
// negative once bytesSent exceeds the 3x allowance.
func TestPathAmplificationLimitFloorsAtZero(t *testing.T) {
	p := newPath(testAddr())
	p.onBytesReceived(10)
	p.onBytesSent(1000)
	if got := p.amplificationLimit(); got != 0 {
		t.Fatalf("expected floor of 0, got %d", got)
	}
}

// TestPathAmplificationLimitUnlimitedOnceValidated checks a validated path
// reports no cap regardless of byte counters.
func TestPathAmplificationLimitUnlimitedOnceValidated(t *testing.T) {
	p := newPath(testAddr())
	p.validated = true
	p.onBytesSent(1 << 20)
	if got := p.amplificationLimit(); got != -1 {
		t.Fatalf("expected -1 (unlimited) once validated, got %d", got)
	}
}

// TestPathValidationRoundTrip checks a correctly echoed PATH_CHALLENGE
// payload validates the path, and a mismatched one does not.
func TestPathValidationRoundTrip(t *testing.T) {
	p := newPath(testAddr())
	challenge := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	p.startValidation(challenge, time.Now())
	if p.validated {
		t.Fatal("path should not be validated before a response arrives")
	}

	wrong := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	if p.onPathResponse(wrong) {
		t.Fatal("expected mismatched PATH_RESPONSE to be rejected")
	}
	if p.validated {
		t.Fatal("path must not validate on a mismatched response")
	}

	if !p.onPathResponse(challenge) {
		t.Fatal("expected matching PATH_RESPONSE to validate the path")
	}
	if !p.validated {
		t.Fatal("expected path.validated to be set")
	}
	if p.challengeSent {
		t.Fatal("expected challengeSent cleared once validated")
	}
}

// TestPathOnPathResponseWithoutChallengeIgnored checks an unsolicited
// PATH_RESPONSE (no challenge outstanding) never validates the path.
func TestPathOnPathResponseWithoutChallengeIgnored(t *testing.T) {
	p := newPath(testAddr())
	if p.onPathResponse([8]byte{1}) {
		t.Fatal("expected no outstanding challenge to reject the response")
	}
}
