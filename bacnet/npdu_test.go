package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPDUGoldenVectors(t *testing.T) {
	sixteenZeros := make([]byte, 16)

	tests := []struct {
		name string
		npdu *NPDU
		want []byte
	}{
		{
			"plain",
			&NPDU{},
			[]byte{1, 0},
		},
		{
			"with destination",
			&NPDU{
				Destination: &NetworkAddress{Net: 0x126, Addr: sixteenZeros},
				HopCount:    255,
			},
			[]byte{1, 32, 1, 38, 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 255},
		},
		{
			"with source",
			&NPDU{
				Source: &NetworkAddress{Net: 0x126, Addr: sixteenZeros},
			},
			[]byte{1, 8, 1, 38, 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			"with destination and source",
			&NPDU{
				Destination: &NetworkAddress{Net: 0x126, Addr: sixteenZeros},
				Source:      &NetworkAddress{Net: 0x126, Addr: sixteenZeros},
				HopCount:    255,
			},
			[]byte{
				1, 40, 1, 38, 16, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 38, 16, 0, 0,
				0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 255,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeNPDU(tt.npdu)
			require.NoError(t, err)
			assert.Equal(t, tt.want, encoded)

			decoded, err := DecodeNPDU(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.npdu.Destination, decoded.Destination)
			assert.Equal(t, tt.npdu.Source, decoded.Source)
			assert.Equal(t, tt.npdu.HopCount, decoded.HopCount)
		})
	}
}

func TestNPDUControlBits(t *testing.T) {
	npdu := &NPDU{
		Priority:       PriorityLifeSafety,
		ExpectingReply: true,
		Payload:        []byte{0x10, 0x08},
	}
	encoded, err := EncodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), encoded[1])

	decoded, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, PriorityLifeSafety, decoded.Priority)
	assert.True(t, decoded.ExpectingReply)
	assert.Equal(t, []byte{0x10, 0x08}, decoded.Payload)
}

func TestNPDUBroadcastDestination(t *testing.T) {
	// DLEN 0 means broadcast on the destination network.
	npdu := &NPDU{
		Destination: &NetworkAddress{Net: 0xFFFF},
		HopCount:    255,
	}
	encoded, err := EncodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 32, 0xFF, 0xFF, 0, 255}, encoded)

	decoded, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Destination)
	assert.Empty(t, decoded.Destination.Addr)
}

func TestNPDUNetworkMessage(t *testing.T) {
	npdu := &NPDU{
		Message: &NetworkMessage{
			Type: NetworkMessageWhoIsRouterToNetwork,
			Data: []byte{0x01, 0x26},
		},
	}
	encoded, err := EncodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0x80, 0x00, 0x01, 0x26}, encoded)

	decoded, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, NetworkMessageWhoIsRouterToNetwork, decoded.Message.Type)
	assert.Equal(t, []byte{0x01, 0x26}, decoded.Message.Data)
	assert.Nil(t, decoded.Payload)
}

func TestNPDUProprietaryNetworkMessage(t *testing.T) {
	npdu := &NPDU{
		Message: &NetworkMessage{
			Type:     NetworkMessageType(0x90),
			VendorID: 0x0105,
			Data:     []byte{0xAB},
		},
	}
	encoded, err := EncodeNPDU(npdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0x80, 0x90, 0x01, 0x05, 0xAB}, encoded)

	decoded, err := DecodeNPDU(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Message)
	assert.True(t, decoded.Message.Type.Proprietary())
	assert.Equal(t, uint16(0x0105), decoded.Message.VendorID)
	assert.Equal(t, []byte{0xAB}, decoded.Message.Data)
}

func TestNPDUHopCountSemantics(t *testing.T) {
	npdu := &NPDU{
		Destination: &NetworkAddress{Net: 5},
		HopCount:    1,
	}
	assert.True(t, npdu.ShouldRelay())

	npdu.DecrementHopCount()
	assert.Equal(t, uint8(0), npdu.HopCount)
	assert.False(t, npdu.ShouldRelay())

	// Exhausted hop counts stay at zero.
	npdu.DecrementHopCount()
	assert.Equal(t, uint8(0), npdu.HopCount)

	// No routing information, nothing to relay.
	assert.False(t, (&NPDU{}).ShouldRelay())
}

func TestNPDUDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncatedInput},
		{"wrong version", []byte{2, 0}, ErrInvalidNPDU},
		{"destination cut short", []byte{1, 32, 0x01}, ErrTruncatedInput},
		{"destination address cut short", []byte{1, 32, 0x01, 0x26, 6, 0, 0}, ErrTruncatedInput},
		{"missing hop count", []byte{1, 32, 0x01, 0x26, 0}, ErrTruncatedInput},
		{"source without mac", []byte{1, 8, 0x01, 0x26, 0}, ErrInvalidNPDU},
		{"missing message type", []byte{1, 0x80}, ErrTruncatedInput},
		{"missing vendor id", []byte{1, 0x80, 0x90, 0x01}, ErrTruncatedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeNPDU(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
