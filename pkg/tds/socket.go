package tds

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// readChunkSize bounds a single length-zero Recv. Matches the largest TDS
// packet the negotiated packet size can reach.
const readChunkSize = 32767

// Options holds the socket options the shim understands.
type Options struct {
	// ActiveReads is the number of inbound reads the socket owner wants
	// delivered asynchronously before delivery pauses again. Zero leaves
	// the socket passive.
	ActiveReads int
}

// RawConn is the narrow contract the shim requires from the underlying
// stream socket. It deliberately covers only the operations this core
// uses instead of delegating the whole net.Conn surface.
type RawConn interface {
	// Send writes p to the socket.
	Send(p []byte) error

	// Recv reads from the socket. A length of zero returns whatever bytes
	// are available from a single read; a positive length blocks until
	// exactly that many bytes have arrived. A timeout <= 0 means wait
	// indefinitely. Errors are drawn from the package taxonomy: ErrClosed
	// on EOF or disconnect, ErrTimeout on deadline expiry, a wrapped
	// transport error otherwise.
	Recv(length int, timeout time.Duration) ([]byte, error)

	// SetOptions applies socket options.
	SetOptions(opts Options) error

	// Options returns the options currently applied.
	Options() Options

	// PeerAddr returns the remote address.
	PeerAddr() net.Addr

	// Close closes the socket. Safe to call more than once.
	Close() error
}

// Connect dials a TCP stream to addr and returns it as a RawConn.
func Connect(addr string, timeout time.Duration) (RawConn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, transportErr("connect "+addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return WrapConn(conn), nil
}

// WrapConn adapts an established net.Conn (a test pipe, a proxied stream)
// to the RawConn contract.
func WrapConn(conn net.Conn) RawConn {
	return &netRaw{conn: conn}
}

type netRaw struct {
	conn net.Conn
	opts Options
}

func (r *netRaw) Send(p []byte) error {
	if _, err := r.conn.Write(p); err != nil {
		return mapIOError("write", err)
	}
	return nil
}

func (r *netRaw) Recv(length int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(timeout))
		defer r.conn.SetReadDeadline(time.Time{})
	}

	if length <= 0 {
		buf := make([]byte, readChunkSize)
		n, err := r.conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		return nil, mapIOError("read", err)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r.conn, buf); err != nil {
		return nil, mapIOError("read", err)
	}
	return buf, nil
}

func (r *netRaw) SetOptions(opts Options) error {
	r.opts = opts
	return nil
}

func (r *netRaw) Options() Options {
	return r.opts
}

func (r *netRaw) PeerAddr() net.Addr {
	return r.conn.RemoteAddr()
}

func (r *netRaw) Close() error {
	return r.conn.Close()
}

// mapIOError translates platform I/O failures into the package taxonomy.
// Closure conditions collapse into ErrClosed regardless of which OS-level
// reason produced them; deadline expiry becomes ErrTimeout; anything else
// is wrapped and passed through.
func mapIOError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return transportErr(op, err)
}
