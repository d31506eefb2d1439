package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPDUKnownEncodings(t *testing.T) {
	tests := []struct {
		name string
		apdu APDU
		want []byte
	}{
		{
			"confirmed read property",
			&ConfirmedRequest{
				SegmentedResponseAccepted: true,
				MaxAPDU:                   MaxAPDU1476,
				InvokeID:                  1,
				Service:                   ServiceReadProperty,
				Payload:                   []byte{0x0C, 0x02, 0x00, 0x04, 0xD2, 0x19, 0x4C},
			},
			[]byte{0x02, 0x05, 0x01, 0x0C, 0x0C, 0x02, 0x00, 0x04, 0xD2, 0x19, 0x4C},
		},
		{
			"unconfirmed who-is",
			&UnconfirmedRequest{Service: ServiceWhoIs},
			[]byte{0x10, 0x08},
		},
		{
			"simple ack",
			&SimpleACK{InvokeID: 7, Service: ServiceWriteProperty},
			[]byte{0x20, 0x07, 0x0F},
		},
		{
			"segment ack negative server",
			&SegmentACK{NegativeACK: true, Server: true, InvokeID: 3, SequenceNumber: 4, ActualWindowSize: 8},
			[]byte{0x43, 0x03, 0x04, 0x08},
		},
		{
			"reject",
			&Reject{InvokeID: 9, Reason: RejectReasonUnrecognizedService},
			[]byte{0x60, 0x09, 0x09},
		},
		{
			"abort from server",
			&Abort{InvokeID: 5, Server: true, Reason: AbortReasonSegmentationNotSupported},
			[]byte{0x71, 0x05, 0x04},
		},
		{
			"error pdu",
			&ErrorPDU{InvokeID: 2, Service: ServiceReadProperty, Class: ErrorClassObject, Code: ErrorCodeUnknownObject},
			[]byte{0x50, 0x02, 0x0C, 0x91, 0x01, 0x91, 0x1F},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeAPDU(tt.apdu)
			require.NoError(t, err)
			assert.Equal(t, tt.want, encoded)

			decoded, err := DecodeAPDU(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.apdu, decoded)
		})
	}
}

func TestAPDUSegmentedRoundTrip(t *testing.T) {
	request := &ConfirmedRequest{
		Segmented:                 true,
		MoreFollows:               true,
		SegmentedResponseAccepted: true,
		MaxSegments:               MaxSegments16,
		MaxAPDU:                   MaxAPDU480,
		InvokeID:                  42,
		SequenceNumber:            3,
		ProposedWindowSize:        8,
		Service:                   ServiceAtomicReadFile,
		Payload:                   []byte{0xAA, 0xBB},
	}
	encoded, err := EncodeAPDU(request)
	require.NoError(t, err)
	// Segmentation control bits plus the max-segments/max-APDU nibbles.
	assert.Equal(t, byte(0x0E), encoded[0])
	assert.Equal(t, byte(0x43), encoded[1])

	decoded, err := DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, request, decoded)

	ack := &ComplexACK{
		Segmented:          true,
		MoreFollows:        false,
		InvokeID:           42,
		SequenceNumber:     5,
		ProposedWindowSize: 8,
		Service:            ServiceReadProperty,
		Payload:            []byte{0x01},
	}
	encoded, err = EncodeAPDU(ack)
	require.NoError(t, err)
	assert.Equal(t, byte(0x38), encoded[0])

	decoded, err = DecodeAPDU(encoded)
	require.NoError(t, err)
	assert.Equal(t, ack, decoded)
}

func TestAPDUUnsegmentedOmitsSequenceFields(t *testing.T) {
	encoded, err := EncodeAPDU(&ComplexACK{
		InvokeID: 1,
		Service:  ServiceReadProperty,
		Payload:  []byte{0xFF},
	})
	require.NoError(t, err)
	// invoke ID, service choice, payload: no sequence or window octets.
	assert.Equal(t, []byte{0x30, 0x01, 0x0C, 0xFF}, encoded)
}

func TestAPDUDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncatedInput},
		{"reserved type nibble", []byte{0x80, 0x00}, ErrUnknownPDUType},
		{"another reserved nibble", []byte{0xF0}, ErrUnknownPDUType},
		{"confirmed too short", []byte{0x00, 0x05, 0x01}, ErrTruncatedInput},
		{"segmented confirmed too short", []byte{0x08, 0x05, 0x01, 0x00}, ErrTruncatedInput},
		{"unknown confirmed service", []byte{0x00, 0x05, 0x01, 0xE0}, ErrUnknownServiceChoice},
		{"unknown unconfirmed service", []byte{0x10, 0x63}, ErrUnknownServiceChoice},
		{"unknown simple ack service", []byte{0x20, 0x01, 0xE0}, ErrUnknownServiceChoice},
		{"unknown complex ack service", []byte{0x30, 0x01, 0xE0}, ErrUnknownServiceChoice},
		{"unknown error pdu service", []byte{0x50, 0x01, 0xE0, 0x91, 0x01, 0x91, 0x1F}, ErrUnknownServiceChoice},
		{"segment ack too short", []byte{0x40, 0x01, 0x02}, ErrTruncatedInput},
		{"abort too short", []byte{0x70, 0x01}, ErrTruncatedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAPDU(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAPDUDecodeLimitBoundsErrorValues(t *testing.T) {
	// Error PDU whose first value declares 100 content octets.
	data := append([]byte{0x50, 0x01, 0x0C, 0x65, 100}, make([]byte, 100)...)

	_, err := DecodeAPDULimit(data, 8, DefaultMaxNestingDepth)
	assert.ErrorIs(t, err, ErrUnsupportedLength)

	// Under the default cap the length itself is acceptable.
	_, err = DecodeAPDU(data)
	assert.NotErrorIs(t, err, ErrUnsupportedLength)
}

func TestMaxSegmentsNibble(t *testing.T) {
	assert.Equal(t, 0, MaxSegmentsUnspecified.Count())
	assert.Equal(t, 16, MaxSegments16.Count())
	assert.Equal(t, MaxSegments4, MaxSegmentsForCount(3))
	assert.Equal(t, MaxSegments64, MaxSegmentsForCount(64))
	assert.Equal(t, MaxSegmentsMoreThan64, MaxSegmentsForCount(65))
}

func TestMaxAPDUNibble(t *testing.T) {
	assert.Equal(t, 1476, MaxAPDU1476.Length())
	assert.Equal(t, MaxAPDU1476, MaxAPDUForLength(1476))
	assert.Equal(t, MaxAPDU1024, MaxAPDUForLength(1400))
	assert.Equal(t, MaxAPDU50, MaxAPDUForLength(50))
}
