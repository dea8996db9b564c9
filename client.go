package quic

import "io"

// Client dials outbound QUIC connections and drives them until closed.
//
// Grounded on the teacher's quic.Client (referenced from
// cmd/quince/client.go: `quic.NewClient(config)`, `client.SetHandler`,
// `client.SetLogger`, `client.ListenAndServe`, `client.Connect`,
// `client.Close`), reconstructed here since the teacher's own
// implementation of it was not part of the retrieved pack; the event-loop
// shape underneath is shared with Server via endpoint.go.
type Client struct {
	ep *endpoint
}

// NewClient creates a Client that will use config for every connection it
// dials.
func NewClient(config *Config) *Client {
	return &Client{ep: newEndpoint(config, true)}
}

// SetHandler installs the Handler invoked as each dialed connection
// produces events.
func (c *Client) SetHandler(h Handler) { c.ep.setHandler(h) }

// SetLogger configures human-readable transaction logging, matching the
// teacher's verbosity levels (0=off 1=error 2=info 3=debug 4=trace).
func (c *Client) SetLogger(level int, w io.Writer) { c.ep.setLogger(level, w) }

// ListenAndServe binds the local UDP socket new connections will be dialed
// from. addr may be "0.0.0.0:0" to pick an ephemeral port.
func (c *Client) ListenAndServe(addr string) error { return c.ep.listen(addr) }

// Connect dials a new connection to addr, returning once the connection
// has been registered (not once the handshake completes — watch for a
// transport.HandshakeCompleted event via the Handler for that).
func (c *Client) Connect(addr string) error {
	_, err := c.ep.dial(addr)
	return err
}

// Close tears down every connection the client dialed and releases the
// socket.
func (c *Client) Close() error { return c.ep.close() }
