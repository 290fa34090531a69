package tds

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ha1tch/tdswire/pkg/tlsutil"
)

// serverEnvelopeConn mimics the server side of the encapsulated handshake:
// TLS records arrive and leave inside PRELOGIN envelopes until the
// handshake finishes, raw afterwards.
type serverEnvelopeConn struct {
	net.Conn
	buf         []byte
	passthrough bool
}

func (c *serverEnvelopeConn) Read(b []byte) (int, error) {
	if c.passthrough {
		return c.Conn.Read(b)
	}
	if len(c.buf) == 0 {
		hdr, err := ReadHeader(c.Conn)
		if err != nil {
			return 0, err
		}
		payload := make([]byte, hdr.PayloadLength())
		if _, err := io.ReadFull(c.Conn, payload); err != nil {
			return 0, err
		}
		c.buf = payload
	}
	n := copy(b, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *serverEnvelopeConn) Write(b []byte) (int, error) {
	if c.passthrough {
		return c.Conn.Write(b)
	}
	if _, err := c.Conn.Write(Wrap(b, PacketPrelogin)); err != nil {
		return 0, err
	}
	return len(b), nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
	}
}

func TestPerformHandshake(t *testing.T) {
	serverCfg, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generating server cert: %v", err)
	}

	clientEnd, serverEnd := net.Pipe()

	serverErr := make(chan error, 1)
	go func() {
		env := &serverEnvelopeConn{Conn: serverEnd}
		srv := tls.Server(env, serverCfg)
		if err := srv.Handshake(); err != nil {
			serverErr <- err
			return
		}
		env.passthrough = true

		// Echo one application-data message back.
		buf := make([]byte, 64)
		n, err := srv.Read(buf)
		if err != nil {
			serverErr <- err
			return
		}
		if _, err := srv.Write(buf[:n]); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	s := NewShim(WrapConn(clientEnd),
		WithTLSConfig(clientTLSConfig()),
		WithHandshakeTimeout(5*time.Second),
	)
	defer s.Close()

	tlsConn, err := s.PerformHandshake()
	if err != nil {
		t.Fatalf("PerformHandshake failed: %v", err)
	}
	if got := tlsConn.ConnectionState().Version; got != tls.VersionTLS12 {
		t.Errorf("negotiated version = 0x%04X, want TLS 1.2", got)
	}

	want := []byte("select 1")
	if _, err := tlsConn.Write(want); err != nil {
		t.Fatalf("post-handshake write failed: %v", err)
	}
	got := make([]byte, len(want))
	tlsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(tlsConn, got); err != nil {
		t.Fatalf("post-handshake read failed: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("echo = %q, want %q", got, want)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server side failed: %v", err)
	}
}

func TestPerformHandshakeEnvelopesOnWire(t *testing.T) {
	// The first bytes on the wire must be a PRELOGIN envelope, not a bare
	// TLS ClientHello.
	serverCfg, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generating server cert: %v", err)
	}

	clientEnd, serverEnd := net.Pipe()

	headerCh := make(chan Header, 1)
	go func() {
		hdr, err := ReadHeader(serverEnd)
		if err != nil {
			return
		}
		headerCh <- hdr

		// Drain the first record, then run the rest of the handshake so
		// the client side is not left hanging.
		payload := make([]byte, hdr.PayloadLength())
		if _, err := io.ReadFull(serverEnd, payload); err != nil {
			return
		}
		env := &serverEnvelopeConn{Conn: serverEnd, buf: payload}
		srv := tls.Server(env, serverCfg)
		srv.Handshake()
	}()

	s := NewShim(WrapConn(clientEnd),
		WithTLSConfig(clientTLSConfig()),
		WithHandshakeTimeout(5*time.Second),
	)
	defer s.Close()

	if _, err := s.PerformHandshake(); err != nil {
		t.Fatalf("PerformHandshake failed: %v", err)
	}

	select {
	case hdr := <-headerCh:
		if hdr.Type != PacketPrelogin {
			t.Errorf("first packet type = %v, want PRELOGIN", hdr.Type)
		}
		if hdr.Status != StatusEOM {
			t.Errorf("first packet status = %v, want EOM", hdr.Status)
		}
		if hdr.SPID != 0 || hdr.PacketID != 0 || hdr.Window != 0 {
			t.Errorf("reserved fields not zero: %+v", hdr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope header observed")
	}
}

func TestPerformHandshakeTimeout(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	// Server reads the ClientHello and then goes silent.
	go func() {
		buf := make([]byte, 4096)
		serverEnd.Read(buf)
	}()

	s := NewShim(WrapConn(clientEnd),
		WithTLSConfig(clientTLSConfig()),
		WithHandshakeTimeout(200*time.Millisecond),
	)

	if _, err := s.PerformHandshake(); err == nil {
		t.Fatal("handshake against silent server succeeded, want timeout error")
	}

	// The failed handshake tears the shim down.
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shim not terminated after failed handshake")
	}
}

func TestPerformHandshakeRequiresConfig(t *testing.T) {
	raw := newFakeRaw()
	s := NewShim(raw)
	defer s.Close()

	if _, err := s.PerformHandshake(); err == nil {
		t.Fatal("handshake without TLS config succeeded, want error")
	}
}

func TestHandshakeConnReadDeadline(t *testing.T) {
	raw := newFakeRaw()
	s := NewShim(raw)
	defer s.Close()

	hc, err := NewHandshakeConn(s)
	if err != nil {
		t.Fatalf("NewHandshakeConn failed: %v", err)
	}

	hc.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, 16)
	if _, err := hc.Read(buf); err == nil {
		t.Fatal("read with expired deadline succeeded, want error")
	}
}
