// Package wire implements the form-net relay binary wire protocol: frame
// headers, the eight message bodies, and their length-prefixed,
// little-endian encoding over UDP.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Magic identifies a form-net relay datagram.
const Magic uint16 = 0x464e // "FN"

// ProtocolVersion is the version this build emits. MinSupportedVersion is
// the oldest version this build still accepts from a peer.
const (
	ProtocolVersion     uint16 = 1
	MinSupportedVersion uint16 = 1
)

// DefaultMTU is the maximum payload size (bytes) a single datagram may carry,
//
const DefaultMTU = 1280

// ClockSkewMax is the default maximum allowed drift between a message
// timestamp and local time before it is rejected.
const ClockSkewMax = 5 * time.Minute

// FrameHeaderLen is the size in bytes of the common frame header:
// magic(2) + version(2) + tag(1) + flags(1) + timestamp(8).
const FrameHeaderLen = 2 + 2 + 1 + 1 + 8

// Flag bits for the frame header's flags byte.
const (
	FlagAuthenticated byte = 1 << 0
)

// Tag identifies a message type on the wire.
type Tag byte

const (
	TagConnectionRequest  Tag = 1
	TagConnectionResponse Tag = 2
	TagRelayPacket        Tag = 3
	TagHeartbeat          Tag = 4
	TagDiscoveryQuery     Tag = 5
	TagDiscoveryResponse  Tag = 6
	TagRelayAnnouncement  Tag = 7
	TagExtendSession      Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagConnectionRequest:
		return "ConnectionRequest"
	case TagConnectionResponse:
		return "ConnectionResponse"
	case TagRelayPacket:
		return "RelayPacket"
	case TagHeartbeat:
		return "Heartbeat"
	case TagDiscoveryQuery:
		return "DiscoveryQuery"
	case TagDiscoveryResponse:
		return "DiscoveryResponse"
	case TagRelayAnnouncement:
		return "RelayAnnouncement"
	case TagExtendSession:
		return "ExtendSession"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Status codes carried by ConnectionResponse.
type Status byte

const (
	StatusSuccess        Status = 0
	StatusNoCapacity     Status = 1
	StatusUnauthorized   Status = 2
	StatusUnknownTarget  Status = 3
	StatusRateLimited    Status = 4
	StatusProtocolError  Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoCapacity:
		return "no-capacity"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusUnknownTarget:
		return "unknown-target"
	case StatusRateLimited:
		return "rate-limited"
	case StatusProtocolError:
		return "protocol-error"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// ErrProtocol classifies any codec-level failure. These never surface to
// peers except as a ConnectionResponse{status=protocol-error}.
var ErrProtocol = errors.New("wire: protocol error")

func protoErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// ErrFrameTooLarge is returned by Encode when the resulting datagram would
// exceed the configured MTU.
var ErrFrameTooLarge = errors.New("wire: frame exceeds MTU")

// Message is the common interface implemented by every message body.
type Message interface {
	Tag() Tag
	// marshalBody appends the type-specific body encoding to dst.
	marshalBody(dst []byte) []byte
	// unmarshalBody parses the type-specific body from b.
	unmarshalBody(b []byte) error
}

// Header is the common frame header, parsed independently of the body.
type Header struct {
	Version   uint16
	Tag       Tag
	Flags     byte
	Timestamp time.Time
}

func (h Header) Authenticated() bool { return h.Flags&FlagAuthenticated != 0 }

// Frame bundles a parsed header with its typed message body.
type Frame struct {
	Header  Header
	Message Message
}

// Codec encodes and decodes frames against a configured MTU and clock-skew
// tolerance. It holds no mutable state and is safe for concurrent use.
type Codec struct {
	MTU          int
	ClockSkewMax time.Duration
	Now          func() time.Time
}

// NewCodec returns a Codec with spec-default MTU and clock skew tolerance.
func NewCodec() *Codec {
	return &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: time.Now}
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) mtu() int {
	if c.MTU > 0 {
		return c.MTU
	}
	return DefaultMTU
}

// Encode serializes msg into a complete datagram, including the common
// frame header. authenticated sets the authenticated flag bit.
func (c *Codec) Encode(msg Message, authenticated bool, ts time.Time) ([]byte, error) {
	var flags byte
	if authenticated {
		flags |= FlagAuthenticated
	}

	body := msg.marshalBody(nil)
	total := FrameHeaderLen + len(body)
	if total > c.mtu()+FrameHeaderLen {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, FrameHeaderLen, total)
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	binary.LittleEndian.PutUint16(buf[2:4], ProtocolVersion)
	buf[4] = byte(msg.Tag())
	buf[5] = flags
	binary.LittleEndian.PutUint64(buf[6:14], uint64(ts.UnixMilli()))
	buf = append(buf, body...)
	return buf, nil
}

// Decode parses a datagram into a Frame, validating magic, version, body
// length, embedded UTF-8 strings, and clock skew
func (c *Codec) Decode(b []byte) (*Frame, error) {
	if len(b) < FrameHeaderLen {
		return nil, protoErrf("datagram shorter than frame header (%d bytes)", len(b))
	}
	if len(b) > c.mtu()+FrameHeaderLen {
		return nil, ErrFrameTooLarge
	}

	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != Magic {
		return nil, protoErrf("magic mismatch: got 0x%04x", magic)
	}
	version := binary.LittleEndian.Uint16(b[2:4])
	if version < MinSupportedVersion {
		return nil, protoErrf("unsupported protocol version %d", version)
	}
	tag := Tag(b[4])
	flags := b[5]
	tsMillis := binary.LittleEndian.Uint64(b[6:14])
	ts := time.UnixMilli(int64(tsMillis))

	if skew := c.now().Sub(ts); skew > c.ClockSkewMax || skew < -c.ClockSkewMax {
		return nil, protoErrf("timestamp %s outside clock skew tolerance", ts)
	}

	msg, err := newMessage(tag)
	if err != nil {
		return nil, err
	}
	if err := msg.unmarshalBody(b[FrameHeaderLen:]); err != nil {
		return nil, err
	}

	return &Frame{
		Header: Header{
			Version:   version,
			Tag:       tag,
			Flags:     flags,
			Timestamp: ts,
		},
		Message: msg,
	}, nil
}

func newMessage(tag Tag) (Message, error) {
	switch tag {
	case TagConnectionRequest:
		return &ConnectionRequest{}, nil
	case TagConnectionResponse:
		return &ConnectionResponse{}, nil
	case TagRelayPacket:
		return &RelayPacket{}, nil
	case TagHeartbeat:
		return &Heartbeat{}, nil
	case TagDiscoveryQuery:
		return &DiscoveryQuery{}, nil
	case TagDiscoveryResponse:
		return &DiscoveryResponse{}, nil
	case TagRelayAnnouncement:
		return &RelayAnnouncement{}, nil
	case TagExtendSession:
		return &ExtendSession{}, nil
	default:
		return nil, protoErrf("unknown message tag %d", byte(tag))
	}
}

func putU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func putU16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func needBytes(b []byte, n int) error {
	if len(b) < n {
		return protoErrf("body too short: need %d bytes, have %d", n, len(b))
	}
	return nil
}
