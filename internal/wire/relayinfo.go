package wire

import (
	"encoding/binary"
	"unicode/utf8"
)

// RelayNodeInfo advertises one relay. Load, Reliability and PacketLoss are
// percentages (0-100); no code clamps them, and the wire codec only
// (de)serializes whatever values it is given.
type RelayNodeInfo struct {
	PubKey           PubKey
	Endpoints        []string // ordered; preference order
	Region           string   // empty means "not set"
	HasRegion        bool
	Capabilities     uint32
	Load             uint8 // 0-100
	HasLatency       bool
	LatencyMs        uint32
	MaxSessions      uint32
	ProtocolVersion  uint16
	Reliability      uint8 // 0-100
	HasLastResultTime bool
	LastResultTimeMs uint64
	HasPacketLoss    bool
	PacketLoss       uint8 // 0-100
}

// Marshal returns the canonical length-prefixed encoding of r, the same
// bytes used on the wire. Callers outside this package use it as the
// signing input for RelayAnnouncement.Signature.
func (r RelayNodeInfo) Marshal() []byte {
	return r.marshal(nil)
}

// marshal appends a length-prefixed, self-describing encoding of the entry
// to dst and returns the result.
func (r RelayNodeInfo) marshal(dst []byte) []byte {
	body := make([]byte, 0, 96)
	body = append(body, r.PubKey[:]...)

	body = putU16(body, uint16(len(r.Endpoints)))
	for _, ep := range r.Endpoints {
		body = putU16(body, uint16(len(ep)))
		body = append(body, ep...)
	}

	body = append(body, boolByte(r.HasRegion))
	body = putU16(body, uint16(len(r.Region)))
	body = append(body, r.Region...)

	body = putU32(body, r.Capabilities)
	body = append(body, r.Load)

	body = append(body, boolByte(r.HasLatency))
	body = putU32(body, r.LatencyMs)

	body = putU32(body, r.MaxSessions)
	body = putU16(body, r.ProtocolVersion)
	body = append(body, r.Reliability)

	body = append(body, boolByte(r.HasLastResultTime))
	body = putU64(body, r.LastResultTimeMs)

	body = append(body, boolByte(r.HasPacketLoss))
	body = append(body, r.PacketLoss)

	dst = putU32(dst, uint32(len(body)))
	dst = append(dst, body...)
	return dst
}

// unmarshal parses one length-prefixed RelayNodeInfo from b and returns the
// number of bytes consumed.
func (r *RelayNodeInfo) unmarshal(b []byte) (int, error) {
	if err := needBytes(b, 4); err != nil {
		return 0, err
	}
	length := int(binary.LittleEndian.Uint32(b[0:4]))
	total := 4 + length
	if err := needBytes(b, total); err != nil {
		return 0, err
	}
	body := b[4:total]
	off := 0

	if err := needBytes(body, 32); err != nil {
		return 0, err
	}
	copy(r.PubKey[:], body[0:32])
	off = 32

	if err := needBytes(body[off:], 2); err != nil {
		return 0, err
	}
	nEndpoints := int(binary.LittleEndian.Uint16(body[off : off+2]))
	off += 2
	endpoints := make([]string, 0, nEndpoints)
	for i := 0; i < nEndpoints; i++ {
		if err := needBytes(body[off:], 2); err != nil {
			return 0, err
		}
		n := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if err := needBytes(body[off:], n); err != nil {
			return 0, err
		}
		s := body[off : off+n]
		if !utf8.Valid(s) {
			return 0, protoErrf("endpoint is not valid UTF-8")
		}
		endpoints = append(endpoints, string(s))
		off += n
	}
	r.Endpoints = endpoints

	if err := needBytes(body[off:], 1+2); err != nil {
		return 0, err
	}
	r.HasRegion = body[off] == 1
	off++
	n := int(binary.LittleEndian.Uint16(body[off : off+2]))
	off += 2
	if err := needBytes(body[off:], n); err != nil {
		return 0, err
	}
	regionBytes := body[off : off+n]
	if !utf8.Valid(regionBytes) {
		return 0, protoErrf("region is not valid UTF-8")
	}
	r.Region = string(regionBytes)
	off += n

	if err := needBytes(body[off:], 4+1); err != nil {
		return 0, err
	}
	r.Capabilities = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	r.Load = body[off]
	off++

	if err := needBytes(body[off:], 1+4); err != nil {
		return 0, err
	}
	r.HasLatency = body[off] == 1
	off++
	r.LatencyMs = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4

	if err := needBytes(body[off:], 4+2+1); err != nil {
		return 0, err
	}
	r.MaxSessions = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	r.ProtocolVersion = binary.LittleEndian.Uint16(body[off : off+2])
	off += 2
	r.Reliability = body[off]
	off++

	if err := needBytes(body[off:], 1+8); err != nil {
		return 0, err
	}
	r.HasLastResultTime = body[off] == 1
	off++
	r.LastResultTimeMs = binary.LittleEndian.Uint64(body[off : off+8])
	off += 8

	if err := needBytes(body[off:], 1+1); err != nil {
		return 0, err
	}
	r.HasPacketLoss = body[off] == 1
	off++
	r.PacketLoss = body[off]
	off++

	return total, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
