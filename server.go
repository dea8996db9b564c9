package quic

import "io"

// Server accepts inbound QUIC connections on a UDP socket and drives them
// until closed.
//
// Grounded on the teacher's quic.Server, inferred from the same
// cmd/quince call pattern quic.Client follows (the teacher's
// `cmd/quince/client.go` is the only caller retrieved in the pack; Server
// mirrors its Client counterpart, which aioquic's asyncio/server.py also
// does: QuicServerProtocol and the client connector share a protocol base).
type Server struct {
	ep *endpoint
}

// NewServer creates a Server that will use config for every connection it
// accepts.
func NewServer(config *Config) *Server {
	return &Server{ep: newEndpoint(config, false)}
}

// SetHandler installs the Handler invoked as each accepted connection
// produces events.
func (s *Server) SetHandler(h Handler) { s.ep.setHandler(h) }

// SetLogger configures human-readable transaction logging.
func (s *Server) SetLogger(level int, w io.Writer) { s.ep.setLogger(level, w) }

// ListenAndServe binds addr and begins accepting connections.
func (s *Server) ListenAndServe(addr string) error { return s.ep.listen(addr) }

// Close tears down every accepted connection and releases the socket.
func (s *Server) Close() error { return s.ep.close() }
