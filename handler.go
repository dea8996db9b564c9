package quic

import "github.com/lucidvantage/quic/transport"

// Handler reacts to the events a connection produced since the last time
// it was drained. Serve is called from the connection's own goroutine
// (endpoint.go's driveConn runs all I/O for a given Conn on one
// goroutine), so a Handler never needs its own locking for one Conn.
//
// Grounded on the teacher's Handler interface (referenced from
// cmd/quince/client.go's `client.SetHandler(&handler)` /
// `func (s *clientHandler) Serve(c quic.Conn, events []transport.Event)`),
// generalized from the teacher's string-typed Event to spec.md's typed
// Event interface.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// HandlerFunc adapts a plain function to the Handler interface, matching
// the http.HandlerFunc idiom for callers that don't need any state.
type HandlerFunc func(c Conn, events []transport.Event)

func (f HandlerFunc) Serve(c Conn, events []transport.Event) { f(c, events) }
