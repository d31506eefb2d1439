package bacnet

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFrame struct {
	addr Address
	data []byte
}

// fakeTransport is an in-memory Transport: sends are recorded, receives are
// fed through a channel.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []fakeFrame
	in     chan fakeFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan fakeFrame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, to Address, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fakeFrame{addr: to, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, Address, error) {
	select {
	case <-ctx.Done():
		return nil, Address{}, ctx.Err()
	case <-f.closed:
		return nil, Address{}, ErrConnectionClosed
	case frame := <-f.in:
		return frame.data, frame.addr, nil
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sentFrames() []fakeFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeFrame(nil), f.sent...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStack(t *testing.T, options ...Option) (*Stack, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	base := []Option{WithLogger(discardLogger()), WithTransport(ft)}
	return NewStack(append(base, options...)...), ft
}

func npduFrame(t *testing.T, apdu APDU) []byte {
	t.Helper()
	encoded, err := EncodeAPDU(apdu)
	require.NoError(t, err)
	frame, err := EncodeNPDU(&NPDU{Payload: encoded})
	require.NoError(t, err)
	return frame
}

func TestStackDecodeIncoming(t *testing.T) {
	s, _ := testStack(t)
	peer := testPeer()

	prim, err := s.DecodeIncoming(npduFrame(t, &UnconfirmedRequest{Service: ServiceWhoIs}), peer)
	require.NoError(t, err)
	require.NotNil(t, prim)
	assert.Equal(t, peer, prim.Peer)
	request := prim.APDU.(*UnconfirmedRequest)
	assert.Equal(t, ServiceWhoIs, request.Service)

	_, err = s.DecodeIncoming([]byte{2, 0}, peer)
	assert.ErrorIs(t, err, ErrInvalidNPDU)

	_, err = s.DecodeIncoming([]byte{1, 0, 0x80}, peer)
	assert.ErrorIs(t, err, ErrUnknownPDUType)

	assert.Equal(t, int64(2), s.Metrics().DecodeErrors.Value())
}

func TestStackDecodeIncomingNetworkMessage(t *testing.T) {
	var gotFrom Address
	var gotMsg *NetworkMessage
	s, _ := testStack(t, WithNetworkMessageHandler(func(from Address, msg *NetworkMessage) {
		gotFrom = from
		gotMsg = msg
	}))
	peer := testPeer()

	// Who-Is-Router-To-Network for network 0x126.
	prim, err := s.DecodeIncoming([]byte{1, 0x80, 0x00, 0x01, 0x26}, peer)
	require.NoError(t, err)
	assert.Nil(t, prim)
	require.NotNil(t, gotMsg)
	assert.Equal(t, peer, gotFrom)
	assert.Equal(t, NetworkMessageWhoIsRouterToNetwork, gotMsg.Type)
	assert.Equal(t, int64(1), s.Metrics().NetworkMessages.Value())
}

func TestStackDecodeIncomingSourceOverridesLinkAddress(t *testing.T) {
	s, _ := testStack(t)

	encoded, err := EncodeAPDU(&UnconfirmedRequest{Service: ServiceWhoIs})
	require.NoError(t, err)
	frame, err := EncodeNPDU(&NPDU{
		Source:  &NetworkAddress{Net: 0x126, Addr: []byte{0x42}},
		Payload: encoded,
	})
	require.NoError(t, err)

	prim, err := s.DecodeIncoming(frame, testPeer())
	require.NoError(t, err)
	require.NotNil(t, prim)
	// The frame came through a router; the primitive names the device
	// behind it, not the router's link address.
	assert.Equal(t, uint16(0x126), prim.Peer.Net)
	assert.Equal(t, []byte{0x42}, prim.Peer.Addr)
}

func TestStackConfiguredDecodeLimits(t *testing.T) {
	peer := testPeer()

	// Error PDU whose first value declares 100 content octets.
	oversized := append([]byte{1, 0, 0x50, 0x01, 0x0C, 0x65, 100}, make([]byte, 100)...)

	s, _ := testStack(t, WithMaxValueLength(8))
	_, err := s.DecodeIncoming(oversized, peer)
	assert.ErrorIs(t, err, ErrUnsupportedLength)

	// The same frame stays under the default cap.
	s, _ = testStack(t)
	_, err = s.DecodeIncoming(oversized, peer)
	assert.NotErrorIs(t, err, ErrUnsupportedLength)

	// Error PDU with three levels of constructed nesting.
	nested := []byte{1, 0, 0x50, 0x01, 0x0C, 0x0E, 0x0E, 0x0E, 0x21, 0x01, 0x0F, 0x0F, 0x0F}

	s, _ = testStack(t, WithMaxNestingDepth(2))
	_, err = s.DecodeIncoming(nested, peer)
	assert.ErrorIs(t, err, ErrUnbalancedConstructed)

	s, _ = testStack(t, WithMaxNestingDepth(3))
	_, err = s.DecodeIncoming(nested, peer)
	assert.NotErrorIs(t, err, ErrUnbalancedConstructed)
}

func TestStackEncodeOutgoingSplitsOversizedPayload(t *testing.T) {
	s, _ := testStack(t, WithMaxAPDULength(16), WithWindowSize(4))

	payload := make([]byte, 25)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames, err := s.EncodeOutgoing(&ServicePrimitive{
		Peer: testPeer(),
		APDU: &ConfirmedRequest{
			SegmentedResponseAccepted: true,
			MaxAPDU:                   MaxAPDU50,
			InvokeID:                  3,
			Service:                   ServiceReadProperty,
			Payload:                   payload,
		},
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var reassembled []byte
	for i, frame := range frames {
		npdu, err := DecodeNPDU(frame)
		require.NoError(t, err)
		assert.True(t, npdu.ExpectingReply)

		apdu, err := DecodeAPDU(npdu.Payload)
		require.NoError(t, err)
		segment := apdu.(*ConfirmedRequest)
		assert.True(t, segment.Segmented)
		assert.Equal(t, uint8(i), segment.SequenceNumber)
		assert.Equal(t, i < 2, segment.MoreFollows)
		reassembled = append(reassembled, segment.Payload...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestStackEncodeOutgoingSmallPayloadSingleFrame(t *testing.T) {
	s, _ := testStack(t)

	frames, err := s.EncodeOutgoing(&ServicePrimitive{
		Peer: LocalBroadcast(),
		APDU: &UnconfirmedRequest{Service: ServiceWhoIs},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 0, 0x10, 0x08}, frames[0])
}

func TestStackEncodeOutgoingRemoteNetworkAddsDestination(t *testing.T) {
	s, _ := testStack(t)

	frames, err := s.EncodeOutgoing(&ServicePrimitive{
		Peer: Address{Net: 0x126, Addr: []byte{0x42}},
		APDU: &UnconfirmedRequest{Service: ServiceWhoIs},
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	npdu, err := DecodeNPDU(frames[0])
	require.NoError(t, err)
	require.NotNil(t, npdu.Destination)
	assert.Equal(t, uint16(0x126), npdu.Destination.Net)
	assert.Equal(t, uint8(255), npdu.HopCount)
}

func TestStackEncodeOutgoingTooLarge(t *testing.T) {
	s, _ := testStack(t, WithMaxAPDULength(16))

	_, err := s.EncodeOutgoing(&ServicePrimitive{
		Peer: testPeer(),
		APDU: &ConfirmedRequest{Service: ServiceReadProperty, Payload: make([]byte, 10*256)},
	})
	assert.ErrorIs(t, err, ErrAPDUTooLarge)
}

func TestStackLifecycle(t *testing.T) {
	s, _ := testStack(t)

	err := s.Send(context.Background(), &ServicePrimitive{
		Peer: LocalBroadcast(),
		APDU: &UnconfirmedRequest{Service: ServiceWhoIs},
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, s.Close(), ErrNotConnected)

	require.NoError(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrNotConnected)
}

func TestStackWhoIsBroadcast(t *testing.T) {
	s, ft := testStack(t)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	require.NoError(t, s.WhoIs(context.Background(), WhoIsRequest{}))

	sent := ft.sentFrames()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].addr.Broadcast)
	assert.Equal(t, []byte{1, 0, 0x10, 0x08}, sent[0].data)
}

func TestStackReassemblesSegmentedResponse(t *testing.T) {
	s, ft := testStack(t, WithWindowSize(2))
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	peer := testPeer()
	segments := []*ComplexACK{
		{Segmented: true, MoreFollows: true, InvokeID: 1, SequenceNumber: 0, ProposedWindowSize: 2, Service: ServiceReadProperty, Payload: []byte{1, 2}},
		{Segmented: true, MoreFollows: true, InvokeID: 1, SequenceNumber: 1, ProposedWindowSize: 2, Service: ServiceReadProperty, Payload: []byte{3, 4}},
		{Segmented: true, MoreFollows: false, InvokeID: 1, SequenceNumber: 2, ProposedWindowSize: 2, Service: ServiceReadProperty, Payload: []byte{5}},
	}
	for _, segment := range segments {
		ft.in <- fakeFrame{addr: peer, data: npduFrame(t, segment)}
	}

	var prim *ServicePrimitive
	select {
	case prim = <-s.Primitives():
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled primitive never arrived")
	}

	ack := prim.APDU.(*ComplexACK)
	assert.False(t, ack.Segmented)
	assert.Equal(t, uint8(1), ack.InvokeID)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, ack.Payload)

	select {
	case event := <-s.Events():
		assert.Equal(t, SegmentEventCompleted, event.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("completion event never arrived")
	}

	// Every segment ack went back as an encoded SegmentACK frame.
	sent := ft.sentFrames()
	require.NotEmpty(t, sent)
	for _, frame := range sent {
		npdu, err := DecodeNPDU(frame.data)
		require.NoError(t, err)
		apdu, err := DecodeAPDU(npdu.Payload)
		require.NoError(t, err)
		assert.IsType(t, &SegmentACK{}, apdu)
	}
	assert.Equal(t, int64(3), s.Metrics().SegmentsReceived.Value())
	assert.Equal(t, int64(1), s.Metrics().TransfersCompleted.Value())
}

func TestStackMalformedFramesAreCountedNotFatal(t *testing.T) {
	s, ft := testStack(t)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	peer := testPeer()
	ft.in <- fakeFrame{addr: peer, data: []byte{0xDE, 0xAD}}
	ft.in <- fakeFrame{addr: peer, data: npduFrame(t, &UnconfirmedRequest{Service: ServiceWhoIs})}

	// The good frame behind the bad one still comes through.
	select {
	case prim := <-s.Primitives():
		assert.IsType(t, &UnconfirmedRequest{}, prim.APDU)
	case <-time.After(2 * time.Second):
		t.Fatal("frame after malformed one never arrived")
	}
	assert.Equal(t, int64(1), s.Metrics().MalformedDropped.Value())
}
