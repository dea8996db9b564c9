package quic

import (
	"net"
	"testing"
)

func TestRetryTokenRoundTrip(t *testing.T) {
	secret := newRetrySecret()
	odcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

	token := newRetryToken(secret, odcid, addr)
	got, ok := verifyRetryToken(secret, token, addr)
	if !ok {
		t.Fatal("expected token to verify")
	}
	if string(got) != string(odcid) {
		t.Fatalf("got odcid %x, want %x", got, odcid)
	}
}

func TestRetryTokenRejectsWrongAddress(t *testing.T) {
	secret := newRetrySecret()
	odcid := []byte{1, 2, 3, 4}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	other := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

	token := newRetryToken(secret, odcid, addr)
	if _, ok := verifyRetryToken(secret, token, other); ok {
		t.Fatal("expected token to be rejected for a different source address")
	}
}

func TestRetryTokenRejectsWrongSecret(t *testing.T) {
	odcid := []byte{1, 2, 3, 4}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

	token := newRetryToken(newRetrySecret(), odcid, addr)
	if _, ok := verifyRetryToken(newRetrySecret(), token, addr); ok {
		t.Fatal("expected token to be rejected under a different secret")
	}
}

func TestVerifyRetryTokenRejectsTruncated(t *testing.T) {
	secret := newRetrySecret()
	if _, ok := verifyRetryToken(secret, []byte{0}, &net.UDPAddr{}); ok {
		t.Fatal("expected truncated token to be rejected")
	}
}
