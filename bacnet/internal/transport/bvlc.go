package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// BVLCType is the fixed first octet of every BACnet/IP datagram.
const BVLCType = 0x81

// BVLCFunction selects the BACnet Virtual Link Layer operation.
type BVLCFunction uint8

const (
	BVLCResult                BVLCFunction = 0x00
	BVLCWriteBDT              BVLCFunction = 0x01
	BVLCReadBDT               BVLCFunction = 0x02
	BVLCForwardedNPDU         BVLCFunction = 0x04
	BVLCRegisterForeignDevice BVLCFunction = 0x05
	BVLCReadFDT               BVLCFunction = 0x06
	BVLCDistributeBroadcast   BVLCFunction = 0x09
	BVLCOriginalUnicast       BVLCFunction = 0x0A
	BVLCOriginalBroadcast     BVLCFunction = 0x0B
)

func (f BVLCFunction) String() string {
	names := map[BVLCFunction]string{
		BVLCResult:                "result",
		BVLCWriteBDT:              "write-bdt",
		BVLCReadBDT:               "read-bdt",
		BVLCForwardedNPDU:         "forwarded-npdu",
		BVLCRegisterForeignDevice: "register-foreign-device",
		BVLCReadFDT:               "read-fdt",
		BVLCDistributeBroadcast:   "distribute-broadcast-to-network",
		BVLCOriginalUnicast:       "original-unicast-npdu",
		BVLCOriginalBroadcast:     "original-broadcast-npdu",
	}
	if name, ok := names[f]; ok {
		return name
	}
	return fmt.Sprintf("bvlc-function(%02x)", uint8(f))
}

// ErrInvalidBVLC is returned for datagrams that are not valid BVLL frames.
var ErrInvalidBVLC = errors.New("transport: invalid BVLC frame")

// BVLC is one decoded BVLL frame. Source is set only for Forwarded-NPDU;
// ResultCode only for Result.
type BVLC struct {
	Function   BVLCFunction
	Data       []byte
	Source     *net.UDPAddr
	ResultCode uint16
}

// EncodeBVLC wraps payload in a BVLL header.
func EncodeBVLC(function BVLCFunction, payload []byte) []byte {
	frame := make([]byte, 4, 4+len(payload))
	frame[0] = BVLCType
	frame[1] = byte(function)
	binary.BigEndian.PutUint16(frame[2:4], uint16(4+len(payload)))
	return append(frame, payload...)
}

// EncodeForwardedNPDU wraps an NPDU with the originating device's address,
// the form a BBMD uses when it relays a broadcast.
func EncodeForwardedNPDU(source *net.UDPAddr, npdu []byte) []byte {
	payload := make([]byte, 6, 6+len(npdu))
	copy(payload[0:4], source.IP.To4())
	binary.BigEndian.PutUint16(payload[4:6], uint16(source.Port))
	return EncodeBVLC(BVLCForwardedNPDU, append(payload, npdu...))
}

// EncodeRegisterForeignDevice builds the registration frame a device sends
// to a BBMD to receive forwarded broadcasts for ttl.
func EncodeRegisterForeignDevice(ttl time.Duration) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(ttl/time.Second))
	return EncodeBVLC(BVLCRegisterForeignDevice, payload)
}

// DecodeBVLC decodes one BVLL frame.
func DecodeBVLC(data []byte) (*BVLC, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d octets", ErrInvalidBVLC, len(data))
	}
	if data[0] != BVLCType {
		return nil, fmt.Errorf("%w: type octet %02x", ErrInvalidBVLC, data[0])
	}
	declared := int(binary.BigEndian.Uint16(data[2:4]))
	if declared != len(data) {
		return nil, fmt.Errorf("%w: declared length %d, got %d", ErrInvalidBVLC, declared, len(data))
	}

	frame := &BVLC{Function: BVLCFunction(data[1])}
	body := data[4:]

	switch frame.Function {
	case BVLCResult:
		if len(body) != 2 {
			return nil, fmt.Errorf("%w: result of %d octets", ErrInvalidBVLC, len(body))
		}
		frame.ResultCode = binary.BigEndian.Uint16(body)

	case BVLCForwardedNPDU:
		if len(body) < 6 {
			return nil, fmt.Errorf("%w: forwarded NPDU of %d octets", ErrInvalidBVLC, len(body))
		}
		frame.Source = &net.UDPAddr{
			IP:   net.IPv4(body[0], body[1], body[2], body[3]),
			Port: int(binary.BigEndian.Uint16(body[4:6])),
		}
		frame.Data = body[6:]

	default:
		frame.Data = body
	}
	return frame, nil
}
