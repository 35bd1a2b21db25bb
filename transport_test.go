// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bus

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSignedTLS builds a throwaway server certificate for 127.0.0.1.
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func testTransportRoundTrip(t *testing.T, scheme string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peer := newTestDelegate()
	sd := &testServerDelegate{peer: peer, socks: make(chan *Socket, 1)}
	srv := NewServer(sd)
	srv.SetTLS(selfSignedTLS(t))
	if err := srv.Listen(scheme + "://127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	sock := NewSocket(newTestDelegate())
	if err := sock.Connect(ctx, srv.Endpoints()[0]); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sock.Disconnect()

	msg := NewMessage(TypePost, 6, ObjectMain, 100)
	msg.SetPayload([]byte(scheme))
	if err := sock.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-peer.msgs:
		if string(got.Payload()) != scheme {
			t.Errorf("payload = %q", got.Payload())
		}
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestTLSTransport(t *testing.T) {
	testTransportRoundTrip(t, "tcps")
}

func TestQUICTransport(t *testing.T) {
	testTransportRoundTrip(t, "quic")
}

func TestParseURLDefaults(t *testing.T) {
	u, err := ParseURL("tcp://directory.local")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Host != "directory.local:"+DefaultDirectoryPort {
		t.Errorf("host = %q", u.Host)
	}

	u, err = ParseURL("unix:///tmp/bus.sock")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if u.Scheme != "unix" || u.Host != "/tmp/bus.sock" {
		t.Errorf("parsed %+v", u)
	}

	if _, err := ParseURL("127.0.0.1:9559"); err == nil {
		t.Error("schemeless URL accepted")
	}
}

func TestUnknownTransportScheme(t *testing.T) {
	sock := NewSocket(newTestDelegate())
	err := sock.Connect(context.Background(), "carrierpigeon://nowhere:1")
	if err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}
