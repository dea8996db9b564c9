package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// testCertificate builds a throwaway self-signed ECDSA certificate so the
// handshake tests never touch the filesystem.
func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// driveHandshake pumps datagrams between a client and server Conn until
// both report HandshakeCompleted or the round budget is exhausted, mimicking
// the send/receive loop an I/O adapter would run (spec.md §4.8).
func driveHandshake(t *testing.T, client, server *Conn, newServer func(dcid []byte) *Conn) (*Conn, bool, bool) {
	t.Helper()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	now := time.Now()
	clientDone, serverDone := false, false

	for round := 0; round < 50 && (!clientDone || !serverDone); round++ {
		cout, err := client.DatagramsToSend(now)
		if err != nil {
			t.Fatalf("client DatagramsToSend: %v", err)
		}
		for _, d := range cout {
			if server == nil {
				dcid, err := PeekDestinationCID(d, 8)
				if err != nil {
					t.Fatalf("peek dcid: %v", err)
				}
				server = newServer(dcid)
			}
			if err := server.ReceiveDatagram(d, addr, now); err != nil {
				t.Fatalf("server ReceiveDatagram: %v", err)
			}
		}

		var sout [][]byte
		if server != nil {
			sout, err = server.DatagramsToSend(now)
			if err != nil {
				t.Fatalf("server DatagramsToSend: %v", err)
			}
		}
		for _, d := range sout {
			if err := client.ReceiveDatagram(d, addr, now); err != nil {
				t.Fatalf("client ReceiveDatagram: %v", err)
			}
		}

		for {
			ev := client.NextEvent()
			if ev == nil {
				break
			}
			if _, ok := ev.(HandshakeCompleted); ok {
				clientDone = true
			}
		}
		if server != nil {
			for {
				ev := server.NextEvent()
				if ev == nil {
					break
				}
				if _, ok := ev.(HandshakeCompleted); ok {
					serverDone = true
				}
			}
		}
	}
	return server, clientDone, serverDone
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	cert := testCertificate(t)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"test"}, MinVersion: tls.VersionTLS13}
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"test"}, MinVersion: tls.VersionTLS13}

	clientCfg := NewConfig(clientTLS)
	serverCfg := NewConfig(serverTLS)

	client, err := Dial([]byte{1, 2, 3, 4, 5, 6, 7, 8}, clientCfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_, clientDone, serverDone := driveHandshake(t, client, nil, func(dcid []byte) *Conn {
		s, err := Accept([]byte{8, 7, 6, 5, 4, 3, 2, 1}, dcid, serverCfg)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		return s
	})

	if !clientDone {
		t.Error("client never observed HandshakeCompleted")
	}
	if !serverDone {
		t.Error("server never observed HandshakeCompleted")
	}
}

func TestStreamDataRoundTripsAfterHandshake(t *testing.T) {
	cert := testCertificate(t)
	serverTLS := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"test"}, MinVersion: tls.VersionTLS13}
	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"test"}, MinVersion: tls.VersionTLS13}

	client, err := Dial([]byte{1, 2, 3, 4, 5, 6, 7, 8}, NewConfig(clientTLS))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverCfg := NewConfig(serverTLS)

	server, clientDone, serverDone := driveHandshake(t, client, nil, func(dcid []byte) *Conn {
		s, err := Accept([]byte{8, 7, 6, 5, 4, 3, 2, 1}, dcid, serverCfg)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		return s
	})
	if !clientDone || !serverDone {
		t.Fatal("handshake did not complete")
	}

	streamID, err := client.OpenStream(false)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := client.SendStreamData(streamID, []byte("ping"), true); err != nil {
		t.Fatalf("SendStreamData: %v", err)
	}

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
	now := time.Now()
	var received []byte
	var fin bool
	for round := 0; round < 10; round++ {
		cout, err := client.DatagramsToSend(now)
		if err != nil {
			t.Fatalf("client DatagramsToSend: %v", err)
		}
		for _, d := range cout {
			if err := server.ReceiveDatagram(d, addr, now); err != nil {
				t.Fatalf("server ReceiveDatagram: %v", err)
			}
		}
		for {
			ev := server.NextEvent()
			if ev == nil {
				break
			}
			if sd, ok := ev.(StreamDataReceived); ok && sd.StreamID == streamID {
				received = append(received, sd.Data...)
				fin = sd.Fin
			}
		}
		if fin {
			break
		}
	}

	if string(received) != "ping" || !fin {
		t.Fatalf("server received %q fin=%v, want %q fin=true", received, fin, "ping")
	}
}
