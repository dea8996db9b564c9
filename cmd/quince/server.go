package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lucidvantage/quic"
	"github.com/lucidvantage/quic/transport"
)

func serverCommand(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	certFile := cmd.String("certificate", "", "PATH to a PEM certificate chain (required)")
	keyFile := cmd.String("private-key", "", "PATH to the PEM private key matching -certificate (required)")
	statelessRetry := cmd.Bool("stateless-retry", false, "require a Retry round-trip before admitting a new connection")
	echo := cmd.Bool("echo", true, "echo each stream's data back reversed, then FIN")
	var common commonFlags
	common.register(cmd)
	cmd.Parse(args)

	addr := cmd.Arg(0)
	if addr == "" {
		fmt.Fprintln(cmd.Output(), "Usage: quince server [options] <address>")
		cmd.PrintDefaults()
		return nil
	}
	if *certFile == "" || *keyFile == "" {
		return fmt.Errorf("-certificate and -private-key are required")
	}

	cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	config := &quic.Config{
		TLS: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			NextProtos:   alpnList(common.alpn),
			Certificates: []tls.Certificate{cert},
		},
		RequireAddressValidation: *statelessRetry,
	}
	common.apply(config)

	handler := &serverHandler{echo: *echo}
	server := quic.NewServer(config)
	server.SetHandler(handler)
	server.SetLogger(common.logLevel, os.Stdout)
	if err := server.ListenAndServe(addr); err != nil {
		return err
	}
	log.Printf("quince server listening on %s", addr)
	select {} // run until killed
}

// serverHandler answers every stream with its bytes reversed, matching
// spec.md §8's test-vector 1 interop behavior.
type serverHandler struct {
	echo bool
}

func (h *serverHandler) Serve(c quic.Conn, events []transport.Event) {
	for _, e := range events {
		switch ev := e.(type) {
		case transport.HandshakeCompleted:
			log.Printf("%s handshake completed, alpn=%q", c.RemoteAddr(), ev.ALPNProtocol)
		case transport.StreamDataReceived:
			if !ev.Fin || !h.echo {
				continue
			}
			st := c.Stream(ev.StreamID)
			var data []byte
			chunk := make([]byte, 4096)
			for {
				n, err := st.Read(chunk)
				data = append(data, chunk[:n]...)
				if err != nil || n == 0 {
					break
				}
			}
			reversed := reverseBytes(data)
			_, _ = st.Write(reversed)
			_ = st.Close()
		case transport.ConnectionTerminated:
			log.Printf("%s connection closed: code=%d reason=%q", c.RemoteAddr(), ev.ErrorCode, ev.ReasonPhrase)
		}
	}
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
