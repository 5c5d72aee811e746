package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRoundTripConnectionRequest(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	c := &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: fixedClock(now)}

	req := &ConnectionRequest{
		InitiatorPubKey:       PubKey{1, 2, 3},
		TargetPubKey:          PubKey{4, 5, 6},
		RequestedCapabilities: CapIPv4 | CapLowLatency,
		Nonce:                 0xdeadbeefcafef00d,
	}

	buf, err := c.Encode(req, false, now)
	require.NoError(t, err)

	frame, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, TagConnectionRequest, frame.Header.Tag)
	got := frame.Message.(*ConnectionRequest)
	require.Equal(t, req, got)
}

func TestRoundTripRelayPacket(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	c := &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: fixedClock(now)}

	pkt := &RelayPacket{
		DestPubKey: PubKey{9, 9, 9},
		SessionID:  42,
		Flags:      0,
		Ts:         uint64(now.UnixMilli()),
		Payload:    []byte{0x01, 0x02, 0x03},
	}

	buf, err := c.Encode(pkt, true, now)
	require.NoError(t, err)
	frame, err := c.Decode(buf)
	require.NoError(t, err)
	got := frame.Message.(*RelayPacket)
	require.Equal(t, pkt.Payload, got.Payload)
	require.Equal(t, pkt.SessionID, got.SessionID)
	require.True(t, frame.Header.Authenticated())
}

func TestRoundTripDiscoveryResponse(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	c := &Codec{MTU: DefaultMTU * 4, ClockSkewMax: ClockSkewMax, Now: fixedClock(now)}

	resp := &DiscoveryResponse{
		Entries: []RelayNodeInfo{
			{
				PubKey:      PubKey{1},
				Endpoints:   []string{"1.2.3.4:51999", "[::1]:51999"},
				HasRegion:   true,
				Region:      "us-east",
				Capabilities: CapIPv4 | CapIPv6,
				Load:        10,
				HasLatency:  true,
				LatencyMs:   42,
				MaxSessions: 1000,
				ProtocolVersion: ProtocolVersion,
				Reliability: 90,
				HasLastResultTime: true,
				LastResultTimeMs: uint64(now.UnixMilli()),
			},
			{
				PubKey:    PubKey{2},
				Endpoints: nil,
			},
		},
	}

	buf, err := c.Encode(resp, false, now)
	require.NoError(t, err)
	frame, err := c.Decode(buf)
	require.NoError(t, err)
	got := frame.Message.(*DiscoveryResponse)
	require.Len(t, got.Entries, 2)
	require.Equal(t, resp.Entries[0].Region, got.Entries[0].Region)
	require.Equal(t, resp.Entries[0].Endpoints, got.Entries[0].Endpoints)
	require.Empty(t, got.Entries[1].Endpoints)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	c := NewCodec()
	buf := make([]byte, FrameHeaderLen)
	_, err := c.Decode(buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsOldVersion(t *testing.T) {
	now := time.Now()
	c := &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: fixedClock(now)}
	req := &ConnectionRequest{}
	buf, err := c.Encode(req, false, now)
	require.NoError(t, err)
	buf[2] = 0
	buf[3] = 0
	_, err = c.Decode(buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsSkewedTimestamp(t *testing.T) {
	encodeTime := time.Now().Add(-1 * time.Hour)
	c := &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: fixedClock(time.Now())}
	req := &ConnectionRequest{}
	buf, err := c.Encode(req, false, encodeTime)
	require.NoError(t, err)
	_, err = c.Decode(buf)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	c := &Codec{MTU: 16, Now: time.Now}
	pkt := &RelayPacket{Payload: make([]byte, 64)}
	_, err := c.Encode(pkt, false, time.Now())
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	now := time.Now()
	c := &Codec{MTU: DefaultMTU, ClockSkewMax: ClockSkewMax, Now: fixedClock(now)}
	req := &ConnectionRequest{}
	buf, err := c.Encode(req, false, now)
	require.NoError(t, err)
	buf[4] = 0xFF
	_, err = c.Decode(buf)
	require.ErrorIs(t, err, ErrProtocol)
}
