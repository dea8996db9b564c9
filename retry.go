package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net"
)

// retryTokenMACLength is the size of the HMAC suffix a retry token carries,
// long enough to make forging one infeasible without the endpoint's secret.
const retryTokenMACLength = 32

// newRetryToken builds a self-verifying stateless-retry token binding odcid
// (the Destination CID of the client's first Initial) to its source
// address, so a later Initial carrying this token can be validated without
// the server having kept any per-client state in between (spec.md §6's
// --stateless-retry, RFC 9001 §8.1.2's stateless design).
//
// Grounded on aioquic's QuicConnection.retry, which HMACs the same fields;
// adapted here into a standalone helper since this module's server loop
// keeps no Conn for an unvalidated client to hang state off of.
func newRetryToken(secret, odcid []byte, addr net.Addr) []byte {
	token := make([]byte, 0, 1+len(odcid)+retryTokenMACLength)
	token = append(token, byte(len(odcid)))
	token = append(token, odcid...)
	mac := hmac.New(sha256.New, secret)
	mac.Write(token)
	mac.Write([]byte(addr.String()))
	token = mac.Sum(token)
	return token
}

// verifyRetryToken checks a token received on a post-Retry Initial against
// secret and addr, returning the original Destination CID it attested to.
func verifyRetryToken(secret, token []byte, addr net.Addr) (odcid []byte, ok bool) {
	if len(token) < 1 {
		return nil, false
	}
	n := int(token[0])
	if len(token) != 1+n+retryTokenMACLength {
		return nil, false
	}
	odcid = token[1 : 1+n]
	want := newRetryToken(secret, odcid, addr)
	if !hmac.Equal(want, token) {
		return nil, false
	}
	return odcid, true
}

func newRetrySecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("quic: failed to seed retry secret: " + err.Error())
	}
	return b
}
