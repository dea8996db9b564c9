package transport

import "crypto/tls"

// tlsQUICConfig adapts the caller-supplied *tls.Config into the
// *tls.QUICConfig wrapper the stdlib QUIC transport API requires,
// keeping the rest of the package from importing crypto/tls directly
// except through handshake.go.
type tlsQUICConfig struct {
	base *tls.Config
}

func (c *tlsQUICConfig) clientConfig() *tls.QUICConfig {
	return &tls.QUICConfig{TLSConfig: c.base}
}

func (c *tlsQUICConfig) serverConfig() *tls.QUICConfig {
	return &tls.QUICConfig{TLSConfig: c.base}
}
