// Package tds implements the wire-level transport and data-encoding core of
// a client driver for the TDS (Tabular Data Stream) protocol used by SQL
// Server compatible databases.
//
// The package covers the two hard parts of the wire layer: the transport
// shim that tunnels the TLS handshake inside TDS PRELOGIN packet envelopes
// during pre-login and drops to raw passthrough once the secure channel is
// up, and the DECIMALN/NUMERICN codec for fixed-precision decimal values.
// Connection establishment, login and query execution live above this
// package and consume the shim exactly as they would a plain socket.
//
// The implementation is based on observing go-mssqldb and SQL Server
// behaviour and the MS-TDS protocol specification.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	// PacketSQLBatch carries ad-hoc SQL queries.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries stored procedure calls.
	PacketRPCRequest PacketType = 3

	// PacketReply is sent by the server in response to client requests.
	PacketReply PacketType = 4

	// PacketAttention cancels a running query.
	PacketAttention PacketType = 6

	// PacketLogin7 carries the TDS 7.x login record.
	PacketLogin7 PacketType = 16

	// PacketPrelogin negotiates connection parameters, and carries the
	// TLS handshake records while encryption is being established.
	PacketPrelogin PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketLogin7:
		return "LOGIN7"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus indicates the status of a TDS packet.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow.
	StatusNormal PacketStatus = 0x00

	// StatusEOM indicates end of message (last packet).
	StatusEOM PacketStatus = 0x01

	// StatusIgnore indicates the packet should be ignored (used during TLS).
	StatusIgnore PacketStatus = 0x02
)

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// MaxEnvelopePayload is the largest payload a single envelope can carry,
// bounded by the 16-bit length field which includes the header.
const MaxEnvelopePayload = 0xFFFF - HeaderSize

// Header represents a TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // Total packet length including header
	SPID     uint16 // Server Process ID; reserved (zero) during pre-login
	PacketID uint8  // Packet sequence number; reserved during pre-login
	Window   uint8  // Currently unused, always 0
}

// ReadHeader reads a TDS packet header from the given reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return parseHeader(buf[:]), nil
}

func parseHeader(buf []byte) Header {
	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
}

// Write writes the header to the given writer.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	h.put(buf[:])
	_, err := w.Write(buf[:])
	return err
}

func (h Header) put(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
}

// PayloadLength returns the length of the packet payload (excluding header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket returns true if this is the last packet in the message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// Wrap prepends a TDS packet envelope to payload. The reserved header
// fields are zero; the packet is marked end-of-message. The payload must
// fit a single envelope (see MaxEnvelopePayload).
func Wrap(payload []byte, pktType PacketType) []byte {
	hdr := Header{
		Type:   pktType,
		Status: StatusEOM,
		Length: uint16(HeaderSize + len(payload)),
	}
	out := make([]byte, HeaderSize+len(payload))
	hdr.put(out[:HeaderSize])
	copy(out[HeaderSize:], payload)
	return out
}

// UnwrapResult is the outcome of TryUnwrap on a byte buffer.
//
// Exactly one of three shapes comes back:
//   - Framed with a complete Payload (Rest holds any trailing bytes, which
//     may begin another envelope),
//   - Framed with NeedMore > 0: a recognized envelope header whose payload
//     has not fully arrived yet,
//   - not Framed: the buffer does not start with a recognized handshake
//     envelope and must be passed through verbatim.
type UnwrapResult struct {
	Framed   bool
	Payload  []byte
	Rest     []byte
	NeedMore int
}

// handshakePacket reports whether buf plausibly begins a handshake-phase
// envelope. Only PRELOGIN packets with a Normal or EOM status byte are
// recognized; anything else is ordinary traffic.
func handshakePacket(buf []byte) bool {
	if len(buf) == 0 || PacketType(buf[0]) != PacketPrelogin {
		return false
	}
	if len(buf) >= 2 {
		s := PacketStatus(buf[1])
		return s == StatusNormal || s == StatusEOM
	}
	return true
}

// TryUnwrap inspects buf for a handshake packet envelope. If a complete
// envelope is present the payload is sliced out along with any trailing
// bytes; if the header is recognized but bytes are missing, NeedMore
// reports how many. Buffers that do not start with a recognized header
// are reported as unframed so the caller can forward them unmodified.
func TryUnwrap(buf []byte) UnwrapResult {
	if !handshakePacket(buf) {
		return UnwrapResult{}
	}
	if len(buf) < HeaderSize {
		return UnwrapResult{Framed: true, NeedMore: HeaderSize - len(buf)}
	}
	hdr := parseHeader(buf)
	if hdr.Length < HeaderSize {
		// Nonsense declared length; not an envelope after all.
		return UnwrapResult{}
	}
	expecting := hdr.PayloadLength()
	avail := len(buf) - HeaderSize
	if avail < expecting {
		return UnwrapResult{Framed: true, NeedMore: expecting - avail}
	}
	return UnwrapResult{
		Framed:  true,
		Payload: buf[HeaderSize : HeaderSize+expecting],
		Rest:    buf[HeaderSize+expecting:],
	}
}
