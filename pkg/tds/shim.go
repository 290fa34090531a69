package tds

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/tdswire/pkg/log"
)

// MessageKind classifies a message forwarded to the shim's owner.
type MessageKind int

const (
	// MessageData carries inbound payload bytes, already unwrapped while
	// the handshake is in progress, raw afterwards.
	MessageData MessageKind = iota

	// MessageClosed reports that the socket reached EOF or was closed.
	MessageClosed

	// MessageError reports a transport failure on the socket.
	MessageError
)

// Message is an inbound notification forwarded to the registered owner.
type Message struct {
	Kind MessageKind
	Data []byte
	Err  error
}

// activeReadOffset is added to a requested active-read count while the
// handshake is in progress, compensating for the envelope header bytes the
// requester does not know exist.
const activeReadOffset = HeaderSize

// defaultHandshakeTimeout bounds the TLS handshake, matching the deadline
// SQL Server clients apply during pre-login.
const defaultHandshakeTimeout = 30 * time.Second

// Shim interposes between a raw stream socket and the TLS layer.
//
// While the TDS handshake is active, outbound sends are wrapped in PRELOGIN
// packet envelopes and inbound traffic is reassembled and unwrapped before
// being forwarded to the registered owner. After HandshakeComplete the shim
// becomes a transparent relay; the transition is one-way.
//
// All state lives in a single actor goroutine fed by a request channel, so
// the shim needs no locking and its state mutations cannot reorder. The
// shim is the sole reader of its socket: inbound reads happen either inside
// a Recv call or on the token-gated pump, never concurrently by callers.
type Shim struct {
	raw RawConn
	id  string

	tlsConfig        *tls.Config
	handshakeTimeout time.Duration

	reqs   chan *shimReq
	pumpCh chan pumpEvent
	tokens chan struct{}
	done   chan struct{}

	logger *log.FieldLogger
}

// ShimOption configures a Shim.
type ShimOption func(*Shim)

// WithTLSConfig sets the TLS configuration used by PerformHandshake.
func WithTLSConfig(cfg *tls.Config) ShimOption {
	return func(s *Shim) {
		s.tlsConfig = cfg
	}
}

// WithHandshakeTimeout bounds the TLS handshake.
func WithHandshakeTimeout(d time.Duration) ShimOption {
	return func(s *Shim) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithLogger sets the logger the shim reports through.
func WithLogger(l *log.Logger) ShimOption {
	return func(s *Shim) {
		s.logger = l.Transport().WithFields("conn_id", s.id)
	}
}

// NewShim takes ownership of raw and starts the shim actor. The socket
// starts passive: nothing is read from it until a Recv call, an
// active-read option, or PerformHandshake asks for bytes.
func NewShim(raw RawConn, opts ...ShimOption) *Shim {
	s := &Shim{
		raw:              raw,
		id:               uuid.NewString(),
		handshakeTimeout: defaultHandshakeTimeout,
		reqs:             make(chan *shimReq),
		pumpCh:           make(chan pumpEvent),
		tokens:           make(chan struct{}, 4096),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Default().Transport().WithFields("conn_id", s.id)
	}

	go s.run()
	go s.pump()

	s.logger.Debug("transport shim created", "peer", raw.PeerAddr())
	return s
}

// ID returns the shim's connection id, used for log correlation.
func (s *Shim) ID() string {
	return s.id
}

// request plumbing

type shimOp int

const (
	opSend shimOp = iota
	opRecv
	opSetOptions
	opGetOptions
	opTakeOwner
	opPeerAddr
	opHandshakeDone
	opClose
)

type shimReq struct {
	op      shimOp
	data    []byte
	length  int
	timeout time.Duration
	opts    Options
	owner   chan<- Message
	reply   chan shimResult
}

type shimResult struct {
	data []byte
	opts Options
	addr net.Addr
	err  error
}

type pumpEvent struct {
	data []byte
	err  error
}

// call performs a synchronous round trip to the actor. Once the actor has
// terminated every call uniformly fails with ErrClosed, even if the caller
// raced the termination.
func (s *Shim) call(req *shimReq) shimResult {
	req.reply = make(chan shimResult, 1)
	select {
	case s.reqs <- req:
		return <-req.reply
	case <-s.done:
		return shimResult{err: ErrClosed}
	}
}

// Send writes p to the socket, wrapped in a PRELOGIN envelope while the
// handshake is active, raw afterwards.
func (s *Shim) Send(p []byte) error {
	return s.call(&shimReq{op: opSend, data: p}).err
}

// Recv performs a raw timed read on the socket, bypassing the framing
// logic. A length of zero returns whatever a single read delivers; a
// timeout <= 0 waits indefinitely. Recv is for passthrough-mode use after
// ownership is settled; while the pump is actively delivering, callers
// must not also Recv.
func (s *Shim) Recv(length int, timeout time.Duration) ([]byte, error) {
	res := s.call(&shimReq{op: opRecv, length: length, timeout: timeout})
	return res.data, res.err
}

// TakeOwnership registers owner as the receiver of forwarded inbound
// messages. It may be called again to transfer ownership. The channel
// should be buffered; data forwarding blocks the shim until the owner
// accepts it.
func (s *Shim) TakeOwnership(owner chan<- Message) error {
	return s.call(&shimReq{op: opTakeOwner, owner: owner}).err
}

// SetOptions applies socket options. While the handshake is active a
// positive active-read count is translated upward by activeReadOffset
// before reaching the raw socket.
func (s *Shim) SetOptions(opts Options) error {
	return s.call(&shimReq{op: opSetOptions, opts: opts}).err
}

// GetOptions returns the options applied to the raw socket.
func (s *Shim) GetOptions() (Options, error) {
	res := s.call(&shimReq{op: opGetOptions})
	return res.opts, res.err
}

// PeerAddr returns the remote address of the raw socket.
func (s *Shim) PeerAddr() (net.Addr, error) {
	res := s.call(&shimReq{op: opPeerAddr})
	return res.addr, res.err
}

// HandshakeComplete flips the shim into passthrough mode. The transition
// is one-way; subsequent inbound traffic is forwarded unmodified no matter
// what it looks like.
func (s *Shim) HandshakeComplete() error {
	return s.call(&shimReq{op: opHandshakeDone}).err
}

// Close closes the socket and terminates the shim. Subsequent calls
// return ErrClosed.
func (s *Shim) Close() error {
	return s.call(&shimReq{op: opClose}).err
}

// Done is closed when the shim has terminated.
func (s *Shim) Done() <-chan struct{} {
	return s.done
}

// actor

type shimState struct {
	owner     chan<- Message
	handshake bool

	// Reassembly buffer: unconsumed inbound bytes of a packet spanning
	// multiple reads, plus how many more bytes the declared length still
	// requires. pending is nil when no reassembly is in progress.
	pending   []byte
	expecting int
}

func (s *Shim) run() {
	defer close(s.done)

	st := &shimState{handshake: true}
	for {
		select {
		case req := <-s.reqs:
			if s.handleRequest(req, st) {
				return
			}
		case ev := <-s.pumpCh:
			if s.handleInbound(ev, st) {
				return
			}
		}
	}
}

// handleRequest serves one synchronous call. It returns true when the
// actor should terminate.
func (s *Shim) handleRequest(req *shimReq, st *shimState) (exit bool) {
	switch req.op {
	case opSend:
		req.reply <- shimResult{err: s.doSend(req.data, st)}

	case opRecv:
		data, err := s.raw.Recv(req.length, req.timeout)
		req.reply <- shimResult{data: data, err: err}

	case opSetOptions:
		opts := req.opts
		if st.handshake && opts.ActiveReads > 0 {
			opts.ActiveReads += activeReadOffset
		}
		err := s.raw.SetOptions(opts)
		if err == nil {
			s.grantTokens(opts.ActiveReads)
		}
		req.reply <- shimResult{err: err}

	case opGetOptions:
		req.reply <- shimResult{opts: s.raw.Options()}

	case opTakeOwner:
		st.owner = req.owner
		s.logger.Debug("ownership transferred")
		req.reply <- shimResult{}

	case opPeerAddr:
		req.reply <- shimResult{addr: s.raw.PeerAddr()}

	case opHandshakeDone:
		if st.handshake {
			st.handshake = false
			s.logger.Debug("handshake complete, switching to passthrough")
		}
		req.reply <- shimResult{}

	case opClose:
		err := s.raw.Close()
		s.logger.Debug("transport shim closed")
		req.reply <- shimResult{err: err}
		return true
	}
	return false
}

func (s *Shim) doSend(p []byte, st *shimState) error {
	if !st.handshake {
		return s.raw.Send(p)
	}
	if len(p) > MaxEnvelopePayload {
		return fmt.Errorf("tds: send: payload of %d bytes exceeds envelope capacity %d", len(p), MaxEnvelopePayload)
	}
	return s.raw.Send(Wrap(p, PacketPrelogin))
}

// handleInbound routes one pump delivery through the framing state
// machine. It returns true when the actor should terminate.
func (s *Shim) handleInbound(ev pumpEvent, st *shimState) (exit bool) {
	if ev.err != nil {
		msg := Message{Kind: MessageClosed, Err: ev.err}
		if ev.err != ErrClosed {
			msg.Kind = MessageError
			s.logger.Error("socket error, terminating shim", ev.err)
		} else {
			s.logger.Debug("socket closed, terminating shim")
		}
		s.notifyOwner(st, msg)
		s.raw.Close()
		return true
	}

	if !st.handshake && st.pending == nil {
		// Post-handshake the shim is a transparent relay.
		s.forward(st, ev.data)
		return false
	}

	buf := ev.data
	if st.pending != nil {
		buf = append(st.pending, ev.data...)
		st.pending = nil
		st.expecting = 0
	}

	for len(buf) > 0 {
		res := TryUnwrap(buf)
		switch {
		case res.Framed && res.NeedMore > 0:
			st.pending = buf
			st.expecting = res.NeedMore
			return false
		case res.Framed:
			s.forward(st, res.Payload)
			buf = res.Rest
		default:
			// Not a recognized handshake envelope; pass through verbatim.
			s.forward(st, buf)
			return false
		}
	}
	return false
}

// forward delivers a data payload to the owner. Delivery blocks until the
// owner accepts; a slow owner therefore delays the shim, which is fine
// because only the owning connection talks to a given shim.
func (s *Shim) forward(st *shimState, data []byte) {
	if st.owner == nil {
		s.logger.Warn("inbound data with no registered owner, dropping", "bytes", len(data))
		return
	}
	st.owner <- Message{Kind: MessageData, Data: data}
}

// notifyOwner delivers a terminal notification best-effort: an owner that
// has gone away is a delivery failure, not a shim fault, and must not keep
// the shim from terminating.
func (s *Shim) notifyOwner(st *shimState, msg Message) {
	if st.owner == nil {
		return
	}
	select {
	case st.owner <- msg:
	default:
	}
}

// grantTokens releases up to n pump reads.
func (s *Shim) grantTokens(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// pump is the shim's only asynchronous reader. Each token permits one raw
// read; each read becomes one inbound routing event. The pump exits when
// the socket fails or the actor terminates.
func (s *Shim) pump() {
	for {
		select {
		case <-s.tokens:
		case <-s.done:
			return
		}

		data, err := s.raw.Recv(0, 0)
		ev := pumpEvent{data: data, err: err}
		select {
		case s.pumpCh <- ev:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}
