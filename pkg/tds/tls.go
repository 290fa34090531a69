package tds

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"
)

// HandshakeConn adapts a Shim to net.Conn so a TLS endpoint can run over
// it. Writes go through the shim's send path (enveloped while the
// handshake is active); reads are satisfied by owner-forwarded messages,
// obtained by granting the shim one active-read credit at a time. The
// conn registers itself as the shim's owner and keeps working after the
// handshake, when the shim has dropped to passthrough.
type HandshakeConn struct {
	shim  *Shim
	inbox chan Message

	buf []byte
	pos int

	err error // sticky terminal error from a Closed/Error message

	readDeadline time.Time
}

// NewHandshakeConn wraps shim as a net.Conn and registers it as the
// shim's owner.
func NewHandshakeConn(shim *Shim) (*HandshakeConn, error) {
	c := &HandshakeConn{
		shim:  shim,
		inbox: make(chan Message, 64),
	}
	if err := shim.TakeOwnership(c.inbox); err != nil {
		return nil, err
	}
	return c, nil
}

// Read returns buffered payload bytes, draining already-forwarded
// messages before asking the shim for another inbound delivery.
func (c *HandshakeConn) Read(b []byte) (int, error) {
	for {
		if c.pos < len(c.buf) {
			n := copy(b, c.buf[c.pos:])
			c.pos += n
			return n, nil
		}
		if c.err != nil {
			return 0, c.err
		}

		// Drain anything already forwarded before granting more credit,
		// so credit is only requested when delivery has actually dried up.
		select {
		case msg := <-c.inbox:
			c.consume(msg)
			continue
		default:
		}

		if err := c.shim.SetOptions(Options{ActiveReads: 1}); err != nil {
			c.err = err
			return 0, err
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if !c.readDeadline.IsZero() {
			remain := time.Until(c.readDeadline)
			if remain <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(remain)
			timeout = timer.C
		}

		select {
		case msg := <-c.inbox:
			if timer != nil {
				timer.Stop()
			}
			c.consume(msg)
		case <-timeout:
			return 0, os.ErrDeadlineExceeded
		case <-c.shim.Done():
			if timer != nil {
				timer.Stop()
			}
			c.err = ErrClosed
			return 0, c.err
		}
	}
}

func (c *HandshakeConn) consume(msg Message) {
	switch msg.Kind {
	case MessageData:
		c.buf = msg.Data
		c.pos = 0
	case MessageClosed:
		c.err = ErrClosed
	case MessageError:
		c.err = msg.Err
	}
}

func (c *HandshakeConn) Write(b []byte) (int, error) {
	if err := c.shim.Send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *HandshakeConn) Close() error {
	return c.shim.Close()
}

func (c *HandshakeConn) LocalAddr() net.Addr {
	return nil
}

func (c *HandshakeConn) RemoteAddr() net.Addr {
	addr, _ := c.shim.PeerAddr()
	return addr
}

func (c *HandshakeConn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *HandshakeConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *HandshakeConn) SetWriteDeadline(t time.Time) error {
	// Sends complete inside the shim call; no separate write deadline.
	return nil
}

// PerformHandshake runs the TLS client handshake through the shim. The
// handshake records travel inside PRELOGIN envelopes both ways; on success
// the shim flips to passthrough and the returned tls.Conn carries all
// further traffic, framed only by TLS itself.
func (s *Shim) PerformHandshake() (*tls.Conn, error) {
	if s.tlsConfig == nil {
		return nil, fmt.Errorf("tds: handshake: no TLS configuration")
	}

	hc, err := NewHandshakeConn(s)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(hc, s.tlsConfig)

	hc.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.Close()
		return nil, fmt.Errorf("tds: TLS handshake failed: %w", err)
	}
	hc.SetDeadline(time.Time{})

	if err := s.HandshakeComplete(); err != nil {
		return nil, err
	}

	s.logger.Info("TLS channel established",
		"version", tlsConn.ConnectionState().Version,
		"cipher", tlsConn.ConnectionState().CipherSuite,
	)
	return tlsConn, nil
}
