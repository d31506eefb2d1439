package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint32Ptr(v uint32) *uint32 { return &v }
func uint8Ptr(v uint8) *uint8    { return &v }

func TestReadPropertyRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  ReadPropertyRequest
	}{
		{
			"present value",
			ReadPropertyRequest{
				Object:   NewObjectIdentifier(ObjectTypeAnalogInput, 7),
				Property: PropertyPresentValue,
			},
		},
		{
			"array element",
			ReadPropertyRequest{
				Object:     NewObjectIdentifier(ObjectTypeDevice, 1234),
				Property:   PropertyObjectList,
				ArrayIndex: uint32Ptr(3),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.req.Encode()
			require.NoError(t, err)

			decoded, err := DecodeReadPropertyRequest(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.req, decoded)
		})
	}
}

func TestReadPropertyRequestKnownEncoding(t *testing.T) {
	req := ReadPropertyRequest{
		Object:   NewObjectIdentifier(ObjectTypeDevice, 1234),
		Property: PropertyObjectName,
	}
	encoded, err := req.Encode()
	require.NoError(t, err)
	// Context 0 object ID, context 1 property enum.
	assert.Equal(t, []byte{0x0C, 0x02, 0x00, 0x04, 0xD2, 0x19, 0x4D}, encoded)
}

func TestReadPropertyRequestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"object only", []byte{0x0C, 0x02, 0x00, 0x04, 0xD2}},
		{"property only", []byte{0x19, 0x4D}},
		{"application value", []byte{0x21, 0x01}},
		{"unknown context tag", []byte{0x0C, 0x02, 0x00, 0x04, 0xD2, 0x19, 0x4D, 0x59, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReadPropertyRequest(tt.data)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestReadPropertyACKRoundTrip(t *testing.T) {
	ack := ReadPropertyACK{
		Object:   NewObjectIdentifier(ObjectTypeAnalogInput, 7),
		Property: PropertyPresentValue,
		Values:   []Value{RealValue(75.5)},
	}
	encoded, err := ack.Encode()
	require.NoError(t, err)

	decoded, err := DecodeReadPropertyACK(encoded)
	require.NoError(t, err)
	assert.Equal(t, ack, decoded)
}

func TestReadPropertyACKRequiresValueList(t *testing.T) {
	// An ack that stops after object and property is incomplete.
	_, err := DecodeReadPropertyACK([]byte{0x0C, 0x00, 0x00, 0x00, 0x07, 0x19, 0x55})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestWritePropertyRequestRoundTrip(t *testing.T) {
	req := WritePropertyRequest{
		Object:   NewObjectIdentifier(ObjectTypeAnalogValue, 12),
		Property: PropertyPresentValue,
		Values:   []Value{RealValue(21.5)},
		Priority: uint8Ptr(8),
	}
	encoded, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeWritePropertyRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestWritePropertyRequestRelinquish(t *testing.T) {
	// Writing Null releases a commanded value at the given priority.
	req := WritePropertyRequest{
		Object:   NewObjectIdentifier(ObjectTypeBinaryOutput, 3),
		Property: PropertyPresentValue,
		Values:   []Value{NullValue()},
		Priority: uint8Ptr(16),
	}
	encoded, err := req.Encode()
	require.NoError(t, err)

	decoded, err := DecodeWritePropertyRequest(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Values, 1)
	assert.Equal(t, TagNull, decoded.Values[0].Kind)
}

func TestWritePropertyPriorityValidation(t *testing.T) {
	req := WritePropertyRequest{
		Object:   NewObjectIdentifier(ObjectTypeAnalogValue, 1),
		Property: PropertyPresentValue,
		Values:   []Value{RealValue(1)},
		Priority: uint8Ptr(0),
	}
	_, err := req.Encode()
	assert.ErrorIs(t, err, ErrInvalidValue)

	req.Priority = uint8Ptr(17)
	_, err = req.Encode()
	assert.ErrorIs(t, err, ErrInvalidValue)

	req.Priority = uint8Ptr(1)
	_, err = req.Encode()
	assert.NoError(t, err)
}

func TestWhoIsRequestRoundTrip(t *testing.T) {
	// Unbounded Who-Is has an empty payload.
	open := WhoIsRequest{}
	encoded, err := open.Encode()
	require.NoError(t, err)
	assert.Empty(t, encoded)

	decoded, err := DecodeWhoIsRequest(encoded)
	require.NoError(t, err)
	assert.Nil(t, decoded.LowLimit)
	assert.Nil(t, decoded.HighLimit)

	ranged := WhoIsRequest{LowLimit: uint32Ptr(100), HighLimit: uint32Ptr(200)}
	encoded, err = ranged.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x64, 0x19, 0xC8}, encoded)

	decoded, err = DecodeWhoIsRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, ranged, decoded)
}

func TestWhoIsRequestLimitsMustPair(t *testing.T) {
	_, err := WhoIsRequest{LowLimit: uint32Ptr(1)}.Encode()
	assert.ErrorIs(t, err, ErrInvalidValue)

	// Low limit alone on the wire.
	_, err = DecodeWhoIsRequest([]byte{0x09, 0x64})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestIAmRequestKnownEncoding(t *testing.T) {
	iam := IAmRequest{
		Device:        NewObjectIdentifier(ObjectTypeDevice, 1234),
		MaxAPDULength: 1024,
		Segmentation:  SegmentationBoth,
		VendorID:      15,
	}
	encoded, err := iam.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0xC4, 0x02, 0x00, 0x04, 0xD2, // device:1234
		0x22, 0x04, 0x00, // max APDU 1024
		0x91, 0x00, // segmented-both
		0x21, 0x0F, // vendor 15
	}, encoded)

	decoded, err := DecodeIAmRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, iam, decoded)
}

func TestIAmRequestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too few values", []byte{0xC4, 0x02, 0x00, 0x04, 0xD2}},
		{"wrong kinds", []byte{0x21, 0x01, 0x21, 0x02, 0x21, 0x03, 0x21, 0x04}},
		// analog-input:5 where the device object belongs
		{"not a device object", []byte{0xC4, 0x00, 0x00, 0x00, 0x05, 0x22, 0x04, 0x00, 0x91, 0x00, 0x21, 0x0F}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeIAmRequest(tt.data)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}
