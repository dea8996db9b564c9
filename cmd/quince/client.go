package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lucidvantage/quic"
	"github.com/lucidvantage/quic/transport"
)

func clientCommand(args []string) error {
	cmd := flag.NewFlagSet("client", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate")
	data := cmd.String("data", "ping", "data to send on stream 0, with FIN")
	var common commonFlags
	common.register(cmd)
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince client [options] <address>")
		cmd.PrintDefaults()
		return nil
	}

	config := &quic.Config{
		TLS: &tls.Config{
			MinVersion:         tls.VersionTLS13,
			NextProtos:         alpnList(common.alpn),
			ServerName:         serverName(addr),
			InsecureSkipVerify: *insecure,
		},
	}
	common.apply(config)

	handler := &clientHandler{data: *data}
	client := quic.NewClient(config)
	client.SetHandler(handler)
	client.SetLogger(common.logLevel, os.Stdout)
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	handler.wg.Add(1)
	if err := client.Connect(addr); err != nil {
		return err
	}
	handler.wg.Wait()
	return client.Close()
}

// clientHandler drives a single request/response exchange on stream 0 and
// signals wg once the connection has closed, so clientCommand can block
// until the interop exchange (or failure) has run its course.
type clientHandler struct {
	wg   sync.WaitGroup
	data string
	once sync.Once
}

func (h *clientHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch ev := e.(type) {
		case transport.HandshakeCompleted:
			log.Printf("%s handshake completed, alpn=%q", c.RemoteAddr(), ev.ALPNProtocol)
			h.once.Do(func() {
				st := c.Stream(0)
				_, _ = st.Write([]byte(h.data))
				_ = st.Close()
			})
		case transport.StreamDataReceived:
			st := c.Stream(ev.StreamID)
			buf := make([]byte, len(ev.Data))
			n, _ := st.Read(buf)
			log.Printf("stream %d received %d bytes: %q", ev.StreamID, n, buf[:n])
		case transport.ConnectionTerminated:
			log.Printf("%s connection closed: code=%d reason=%q", c.RemoteAddr(), ev.ErrorCode, ev.ReasonPhrase)
			h.wg.Done()
		}
	}
}

func serverName(s string) string {
	colon := strings.LastIndex(s, ":")
	if colon > 0 {
		bracket := strings.LastIndex(s, "]")
		if colon > bracket {
			return s[:colon]
		}
	}
	return s
}
