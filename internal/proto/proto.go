// Package proto is the gossip wire protocol: message types, their canonical
// encoding and a streaming frame decoder.
//
// A frame is a 2-byte type tag, a 4-byte payload length and the payload,
// all big-endian.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gitmesh/internal/crypto"
)

const ProtocolVersion uint32 = 1

const (
	HeaderSize     = 6
	MaxPayloadSize = 1 << 20

	MaxEntries        = 256
	MaxRefNameLen     = 255
	MaxSubscribeRepos = 1024
	MaxCapabilities   = 32
	MaxCapabilityLen  = 32
	MaxAddrLen        = 255
	MaxReasonLen      = 255

	helloMaxSize = 4 + 32 + 2 + MaxCapabilities*(2+MaxCapabilityLen) + 2*(2+MaxAddrLen) + 8 + NonceSize
)

var (
	// ErrNeedMore means the buffer holds a partial frame. It is not a failure.
	ErrNeedMore = errors.New("need more bytes")
	// ErrPayloadTooLarge is fatal to the session that sent it.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnknownType frames are consumed whole, so the stream stays in sync.
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed payload")
)

type Type uint16

const (
	TypeHandshake Type = iota + 1
	TypeHandshakeAck
	TypePing
	TypePong
	TypeInventoryAnnounce
	TypeSubscribe
	TypeFetchRequest
	TypeFetchComplete
	TypeDisconnect
	TypeHandshakeFinish
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeAck:
		return "handshake_ack"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeInventoryAnnounce:
		return "inventory_announce"
	case TypeSubscribe:
		return "subscribe"
	case TypeFetchRequest:
		return "fetch_request"
	case TypeFetchComplete:
		return "fetch_complete"
	case TypeDisconnect:
		return "disconnect"
	case TypeHandshakeFinish:
		return "handshake_finish"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// MaxSizeForType caps each payload at the largest valid encoding of its type.
// Unknown types get the global cap.
func MaxSizeForType(t Type) int {
	switch t {
	case TypeHandshake:
		return helloMaxSize
	case TypeHandshakeAck:
		return helloMaxSize + crypto.SignatureSize
	case TypeHandshakeFinish:
		return crypto.SignatureSize
	case TypePing, TypePong:
		return 8
	case TypeInventoryAnnounce:
		return 2 + MaxEntries*entryMaxSize
	case TypeSubscribe:
		return 1 + 2 + MaxSubscribeRepos*32 + 16
	case TypeFetchRequest:
		return 32
	case TypeFetchComplete:
		return 33
	case TypeDisconnect:
		return 2 + MaxReasonLen
	default:
		return MaxPayloadSize
	}
}

// Message is the closed set of wire messages. Only this package can add
// variants.
type Message interface {
	Type() Type
	encode(w *writer)
}

// Encode returns the full frame for m.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(nil, m)
}

// AppendFrame appends the frame for m to dst.
func AppendFrame(dst []byte, m Message) ([]byte, error) {
	if m == nil {
		return dst, errors.New("nil message")
	}
	start := len(dst)
	w := writer{buf: append(dst, make([]byte, HeaderSize)...)}
	m.encode(&w)
	if w.err != nil {
		return dst, fmt.Errorf("encode %s: %w", m.Type(), w.err)
	}
	n := len(w.buf) - start - HeaderSize
	if n > MaxSizeForType(m.Type()) || n > MaxPayloadSize {
		return dst, fmt.Errorf("encode %s: %w", m.Type(), ErrPayloadTooLarge)
	}
	binary.BigEndian.PutUint16(w.buf[start:], uint16(m.Type()))
	binary.BigEndian.PutUint32(w.buf[start+2:], uint32(n))
	return w.buf, nil
}

// Decode parses the first frame in b. It returns the number of bytes the
// frame occupied, which is also what must be discarded for ErrUnknownType.
// It never reads beyond HeaderSize plus the declared length.
func Decode(b []byte) (Message, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, ErrNeedMore
	}
	t := Type(binary.BigEndian.Uint16(b[0:2]))
	n := binary.BigEndian.Uint32(b[2:6])
	if n > MaxPayloadSize || int(n) > MaxSizeForType(t) {
		return nil, 0, fmt.Errorf("%w: %s declares %d bytes", ErrPayloadTooLarge, t, n)
	}
	total := HeaderSize + int(n)
	if len(b) < total {
		return nil, 0, ErrNeedMore
	}
	payload := b[HeaderSize:total]
	m, err := decodePayload(t, payload)
	if err != nil {
		return nil, total, err
	}
	return m, total, nil
}

func decodePayload(t Type, payload []byte) (Message, error) {
	r := reader{buf: payload}
	var m Message
	switch t {
	case TypeHandshake:
		m = Handshake{Hello: decodeHello(&r)}
	case TypeHandshakeAck:
		a := HandshakeAck{Hello: decodeHello(&r)}
		r.fixed(a.Signature[:])
		m = a
	case TypeHandshakeFinish:
		var f HandshakeFinish
		r.fixed(f.Signature[:])
		m = f
	case TypePing:
		m = Ping{Nonce: r.u64()}
	case TypePong:
		m = Pong{Nonce: r.u64()}
	case TypeInventoryAnnounce:
		m = decodeAnnounce(&r)
	case TypeSubscribe:
		m = decodeSubscribe(&r)
	case TypeFetchRequest:
		var fr FetchRequest
		r.fixed(fr.Repo[:])
		m = fr
	case TypeFetchComplete:
		var fc FetchComplete
		r.fixed(fc.Repo[:])
		fc.Status = FetchStatus(r.u8())
		if r.err == nil && !fc.Status.valid() {
			r.fail("bad fetch status %d", fc.Status)
		}
		m = fc
	case TypeDisconnect:
		m = Disconnect{Reason: r.str(MaxReasonLen, "reason")}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
	}
	if err := r.done(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return m, nil
}

// Decoder splits a byte stream into messages. Frames may arrive split or
// coalesced in any way.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports bytes received but not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message. ErrNeedMore means wait for more
// input. After ErrUnknownType the offending frame has been dropped and Next
// may be called again; any other error leaves the stream unusable.
func (d *Decoder) Next() (Message, error) {
	m, n, err := Decode(d.buf)
	if n > 0 {
		d.consume(n)
	}
	return m, err
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
