package transport

import (
	"crypto/tls"
	"time"
)

// Config carries everything a Conn needs to run the state machine that
// does not change per-connection-instance: the TLS configuration, local
// transport parameters, and tunable limits (spec.md §3).
//
// Grounded on the teacher's transport.Config (goburrow/quic), extended with
// the draft-22 parameter set and the stateless-retry/version-negotiation
// knobs SPEC_FULL.md §C adds.
type Config struct {
	TLSConfig *tls.Config

	Params Parameters

	// MaxIdlePackets is set by NewConfig but is not read by Conn or by
	// loss recovery; it has no effect on reordering tolerance or loss
	// detection.
	MaxIdlePackets int

	// RequireAddressValidation makes a server always send a Retry before
	// creating connection state (stateless retry, spec.md §4.4).
	RequireAddressValidation bool

	// MaxConcurrentOneRTTPackets is set by NewConfig but is not read by
	// Conn, so it bounds nothing.
	MaxConcurrentOneRTTPackets int
}

// NewConfig returns a Config pre-populated with spec.md's default
// transport parameters and the given TLS configuration, used as is: its
// ALPN protocol list is whatever the caller supplied.
func NewConfig(tlsConfig *tls.Config) *Config {
	return &Config{
		TLSConfig:                  tlsConfig,
		Params:                     DefaultParameters(),
		MaxIdlePackets:             1000,
		MaxConcurrentOneRTTPackets: 100,
	}
}

// idleTimeout resolves the effective idle timeout as the smaller of the
// local and peer-advertised max_idle_timeout, per draft-22 §10.1 (zero on
// either side means "no timeout from that side").
func idleTimeout(local, peer time.Duration) time.Duration {
	switch {
	case local == 0:
		return peer
	case peer == 0:
		return local
	case local < peer:
		return local
	default:
		return peer
	}
}
