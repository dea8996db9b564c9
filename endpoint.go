package quic

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lucidvantage/quic/transport"
)

// localCIDLength is the fixed length this package uses for every CID it
// mints, so inbound short-header packets (which don't self-describe their
// DCID length) can still be demultiplexed via transport.PeekDestinationCID.
const localCIDLength = 8

// endpoint is the shared UDP socket loop behind both Client and Server:
// one goroutine reads datagrams and demultiplexes them by destination CID,
// and one goroutine per connection drives that connection's sans-I/O state
// machine and flushes its outgoing datagrams.
//
// Grounded on the teacher's quic.Client/quic.Server pairing one logger and
// one handler over many connections (cmd/quince/client.go:
// `client.SetHandler`, `client.SetLogger`, `client.ListenAndServe`), and on
// aioquic's asyncio/server.py QuicServerProtocol for the
// receive-datagram/demux/dispatch shape, translated from asyncio's
// single-threaded event loop to one goroutine per connection.
type endpoint struct {
	socket *net.UDPConn
	config *Config
	logger logger

	isClient bool

	mu    sync.Mutex
	conns map[string]*managedConn
	wg    sync.WaitGroup

	handler Handler

	retrySecret []byte // server only: HMAC key for stateless retry tokens
}

// managedConn pairs a remoteConn with the goroutine-local channels that
// feed it datagrams and drive its timer, and the qlog sink attached to it.
type managedConn struct {
	*remoteConn
	inbound chan []byte
	closeCh chan struct{}
	qlog    *qlogWriter
}

func newEndpoint(config *Config, isClient bool) *endpoint {
	if config == nil {
		config = &Config{}
	}
	e := &endpoint{
		config:   config,
		isClient: isClient,
		conns:    make(map[string]*managedConn),
	}
	if !isClient && config.RequireAddressValidation {
		e.retrySecret = newRetrySecret()
	}
	return e
}

func (e *endpoint) listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("quic: resolve listen address: %w", err)
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("quic: listen: %w", err)
	}
	e.socket = socket
	e.wg.Add(1)
	go e.readLoop()
	return nil
}

func (e *endpoint) setHandler(h Handler) { e.handler = h }

func (e *endpoint) setLogger(level int, w io.Writer) {
	e.logger.level = logLevel(level)
	e.logger.setWriter(w)
}

// readLoop pulls datagrams off the socket and routes them to the owning
// connection's inbound channel, dropping anything it cannot demultiplex to
// an existing connection (servers create one on unmatched Initial packets
// via acceptDatagram, called from here too).
func (e *endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := e.socket.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		data := append([]byte(nil), buf[:n]...)
		e.handleDatagram(data, addr)
	}
}

func (e *endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	dcid, err := transport.PeekDestinationCID(data, localCIDLength)
	if err != nil {
		e.logger.log(levelDebug, "dropped unparseable datagram from %s: %v", addr, err)
		return
	}
	key := hex.EncodeToString(dcid)

	e.mu.Lock()
	mc, ok := e.conns[key]
	e.mu.Unlock()

	if ok {
		select {
		case mc.inbound <- data:
		case <-mc.closeCh:
		}
		return
	}

	if e.isClient {
		e.logger.log(levelDebug, "dropped datagram for unknown connection %s", key)
		return
	}
	e.acceptDatagram(data, dcid, addr)
}

// acceptDatagram admits a new server-side connection for a datagram that
// matched no existing CID, treating its DCID as the original DCID
// (spec.md §4.4). When the endpoint requires address validation, the first
// Initial from a given client is answered with a stateless Retry instead,
// and a Conn is only created once that client returns with a valid token.
func (e *endpoint) acceptDatagram(data []byte, dcid []byte, addr *net.UDPAddr) {
	odcid := dcid
	if e.retrySecret != nil {
		cdcid, cscid, token, isInitial, err := transport.PeekInitial(data)
		if err != nil || !isInitial {
			e.logger.log(levelDebug, "dropped non-initial datagram from %s for unknown connection", addr)
			return
		}
		if len(token) == 0 {
			e.sendRetry(cdcid, cscid, addr)
			return
		}
		origDCID, ok := verifyRetryToken(e.retrySecret, token, addr)
		if !ok {
			e.logger.log(levelDebug, "dropped initial with invalid retry token from %s", addr)
			return
		}
		odcid = origDCID
	}

	scid := make([]byte, localCIDLength)
	if _, err := rand.Read(scid); err != nil {
		e.logger.log(levelError, "failed to mint connection id: %v", err)
		return
	}
	tc, err := transport.Accept(scid, odcid, e.config.transportConfig())
	if err != nil {
		e.logger.log(levelError, "failed to accept connection from %s: %v", addr, err)
		return
	}
	mc := e.register(tc, addr, scid, odcid)
	e.logger.log(levelInfo, "accepted connection from %s scid=%x", addr, scid)
	select {
	case mc.inbound <- data:
	case <-mc.closeCh:
	}
}

// sendRetry writes a stateless Retry packet directly to the socket, without
// creating any per-connection state, in response to an unvalidated
// client's first Initial (clientDCID/clientSCID as carried on that Initial).
func (e *endpoint) sendRetry(clientDCID, clientSCID []byte, addr *net.UDPAddr) {
	retryCID := make([]byte, localCIDLength)
	if _, err := rand.Read(retryCID); err != nil {
		e.logger.log(levelError, "failed to mint retry connection id: %v", err)
		return
	}
	token := newRetryToken(e.retrySecret, clientDCID, addr)
	pkt, err := transport.BuildRetry(clientSCID, retryCID, clientDCID, token)
	if err != nil {
		e.logger.log(levelError, "failed to build retry packet: %v", err)
		return
	}
	if _, err := e.socket.WriteToUDP(pkt, addr); err != nil {
		e.logger.log(levelError, "failed to send retry to %s: %v", addr, err)
		return
	}
	e.logger.log(levelInfo, "sent retry to %s", addr)
}

// dial starts a new client connection toward addr.
func (e *endpoint) dial(addr string) (*remoteConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quic: resolve remote address: %w", err)
	}
	scid := make([]byte, localCIDLength)
	if _, err := rand.Read(scid); err != nil {
		return nil, err
	}
	tc, err := transport.Dial(scid, e.config.transportConfig())
	if err != nil {
		return nil, err
	}
	mc := e.register(tc, udpAddr, scid, scid)
	return mc.remoteConn, nil
}

func (e *endpoint) register(tc *transport.Conn, addr *net.UDPAddr, scid, qlogID []byte) *managedConn {
	rc := newRemoteConn(tc, addr, scid)
	mc := &managedConn{
		remoteConn: rc,
		inbound:    make(chan []byte, 32),
		closeCh:    make(chan struct{}),
	}
	if e.config.QLogPath != "" {
		mc.qlog = newQLogWriter(e.config.QLogPath, qlogID)
	}
	txLog := e.logger.eventLogger(rc)
	if mc.qlog != nil || txLog != nil {
		tc.OnLogEvent(func(ev transport.LogEvent) {
			if mc.qlog != nil {
				mc.qlog.write(ev)
			}
			if txLog != nil {
				txLog(ev)
			}
		})
	}

	key := hex.EncodeToString(scid)
	e.mu.Lock()
	e.conns[key] = mc
	e.mu.Unlock()

	e.wg.Add(1)
	go e.driveConn(mc)
	return mc
}

// driveConn owns one connection's sans-I/O loop: feed inbound datagrams
// and timer fires in, drain events and outbound datagrams out, until the
// connection reaches its terminal state.
func (e *endpoint) driveConn(mc *managedConn) {
	defer e.wg.Done()
	defer e.unregister(mc)
	defer func() {
		if mc.qlog != nil {
			mc.qlog.close()
		}
	}()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	e.pump(mc, timer)
	for {
		select {
		case data := <-mc.inbound:
			if err := mc.conn.ReceiveDatagram(data, mc.addr, time.Now()); err != nil {
				e.logger.log(levelDebug, "receive error from %s: %v", mc.addr, err)
			}
		case <-timer.C:
			mc.conn.HandleTimer(time.Now())
		case <-mc.closeCh:
			return
		}
		e.pump(mc, timer)
		if mc.conn.IsClosed() {
			return
		}
	}
}

// pump drains events to the handler, flushes outgoing datagrams to the
// socket, and rearms the loss-detection/idle timer.
func (e *endpoint) pump(mc *managedConn, timer *time.Timer) {
	var events []transport.Event
	for {
		ev := mc.conn.NextEvent()
		if ev == nil {
			break
		}
		e.applyEvent(mc, ev)
		events = append(events, ev)
	}
	if e.handler != nil && len(events) > 0 {
		e.handler.Serve(mc.remoteConn, events)
	}

	now := time.Now()
	datagrams, err := mc.conn.DatagramsToSend(now)
	if err != nil {
		e.logger.log(levelDebug, "send error to %s: %v", mc.addr, err)
	}
	for _, d := range datagrams {
		if _, err := e.socket.WriteToUDP(d, mc.addr.(*net.UDPAddr)); err != nil {
			e.logger.log(levelError, "write error to %s: %v", mc.addr, err)
			break
		}
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if deadline, ok := mc.conn.GetTimer(); ok {
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}
}

// applyEvent feeds stream-shaped events into the Stream read buffers the
// application-facing Conn exposes, independent of whatever the Handler
// chooses to do with the same events.
func (e *endpoint) applyEvent(mc *managedConn, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.StreamDataReceived:
		mc.deliver(ev.StreamID, ev.Data, ev.Fin)
	case transport.StreamReset:
		mc.resetStream(ev.StreamID, ev.ErrorCode)
	}
}

func (e *endpoint) unregister(mc *managedConn) {
	e.mu.Lock()
	delete(e.conns, hex.EncodeToString(mc.scid))
	e.mu.Unlock()
}

func (e *endpoint) close() error {
	e.mu.Lock()
	for _, mc := range e.conns {
		close(mc.closeCh)
	}
	e.mu.Unlock()
	var err error
	if e.socket != nil {
		err = e.socket.Close()
	}
	e.wg.Wait()
	return err
}
