package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBVLCEncodeOriginalUnicast(t *testing.T) {
	// Who-Is inside a plain NPDU.
	npdu := []byte{0x01, 0x00, 0x10, 0x08}
	frame := EncodeBVLC(BVLCOriginalUnicast, npdu)
	assert.Equal(t, []byte{0x81, 0x0A, 0x00, 0x08, 0x01, 0x00, 0x10, 0x08}, frame)

	decoded, err := DecodeBVLC(frame)
	require.NoError(t, err)
	assert.Equal(t, BVLCOriginalUnicast, decoded.Function)
	assert.Equal(t, npdu, decoded.Data)
	assert.Nil(t, decoded.Source)
}

func TestBVLCEncodeEmptyPayload(t *testing.T) {
	frame := EncodeBVLC(BVLCOriginalBroadcast, nil)
	assert.Equal(t, []byte{0x81, 0x0B, 0x00, 0x04}, frame)

	decoded, err := DecodeBVLC(frame)
	require.NoError(t, err)
	assert.Equal(t, BVLCOriginalBroadcast, decoded.Function)
	assert.Empty(t, decoded.Data)
}

func TestBVLCForwardedNPDU(t *testing.T) {
	source := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 47808}
	npdu := []byte{0x01, 0x00, 0x10, 0x08}
	frame := EncodeForwardedNPDU(source, npdu)
	assert.Equal(t, []byte{
		0x81, 0x04, 0x00, 0x0E,
		192, 168, 1, 20, 0xBA, 0xC0,
		0x01, 0x00, 0x10, 0x08,
	}, frame)

	decoded, err := DecodeBVLC(frame)
	require.NoError(t, err)
	assert.Equal(t, BVLCForwardedNPDU, decoded.Function)
	require.NotNil(t, decoded.Source)
	assert.True(t, decoded.Source.IP.Equal(source.IP))
	assert.Equal(t, source.Port, decoded.Source.Port)
	assert.Equal(t, npdu, decoded.Data)
}

func TestBVLCRegisterForeignDevice(t *testing.T) {
	frame := EncodeRegisterForeignDevice(300 * time.Second)
	assert.Equal(t, []byte{0x81, 0x05, 0x00, 0x06, 0x01, 0x2C}, frame)
}

func TestBVLCResult(t *testing.T) {
	// Result code 0x0030: register-foreign-device NAK.
	decoded, err := DecodeBVLC([]byte{0x81, 0x00, 0x00, 0x06, 0x00, 0x30})
	require.NoError(t, err)
	assert.Equal(t, BVLCResult, decoded.Function)
	assert.Equal(t, uint16(0x0030), decoded.ResultCode)
}

func TestBVLCDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte{0x81, 0x0A, 0x00}},
		{"wrong type octet", []byte{0x82, 0x0A, 0x00, 0x04}},
		{"declared length mismatch", []byte{0x81, 0x0A, 0x00, 0x09, 0x01, 0x00}},
		{"result wrong size", []byte{0x81, 0x00, 0x00, 0x05, 0x00}},
		{"forwarded npdu missing source", []byte{0x81, 0x04, 0x00, 0x08, 192, 168, 1, 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBVLC(tt.data)
			assert.ErrorIs(t, err, ErrInvalidBVLC)
		})
	}
}

func TestBVLCFunctionNames(t *testing.T) {
	assert.Equal(t, "original-unicast-npdu", BVLCOriginalUnicast.String())
	assert.Equal(t, "forwarded-npdu", BVLCForwardedNPDU.String())
	assert.Equal(t, "bvlc-function(7f)", BVLCFunction(0x7F).String())
}
