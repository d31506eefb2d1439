// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bacnet

import "fmt"

// APDU is the closed set of application-layer PDU variants. Exactly the
// eight ASHRAE-135 PDU types implement it.
type APDU interface {
	pduType() PDUType
}

// ConfirmedRequest is the Confirmed-Request PDU. SequenceNumber and
// ProposedWindowSize are on the wire only when Segmented is set.
type ConfirmedRequest struct {
	Segmented                 bool
	MoreFollows               bool
	SegmentedResponseAccepted bool
	MaxSegments               MaxSegments
	MaxAPDU                   MaxAPDU
	InvokeID                  uint8
	SequenceNumber            uint8
	ProposedWindowSize        uint8
	Service                   ConfirmedServiceChoice
	Payload                   []byte
}

func (*ConfirmedRequest) pduType() PDUType { return PDUTypeConfirmedRequest }

// UnconfirmedRequest is the Unconfirmed-Request PDU.
type UnconfirmedRequest struct {
	Service UnconfirmedServiceChoice
	Payload []byte
}

func (*UnconfirmedRequest) pduType() PDUType { return PDUTypeUnconfirmedRequest }

// SimpleACK acknowledges a confirmed service that returns no data.
type SimpleACK struct {
	InvokeID uint8
	Service  ConfirmedServiceChoice
}

func (*SimpleACK) pduType() PDUType { return PDUTypeSimpleACK }

// ComplexACK carries a confirmed service result. SequenceNumber and
// ProposedWindowSize are on the wire only when Segmented is set.
type ComplexACK struct {
	Segmented          bool
	MoreFollows        bool
	InvokeID           uint8
	SequenceNumber     uint8
	ProposedWindowSize uint8
	Service            ConfirmedServiceChoice
	Payload            []byte
}

func (*ComplexACK) pduType() PDUType { return PDUTypeComplexACK }

// SegmentACK acknowledges received segments and grants the next window.
// Server is set when the acknowledging side is the responding device.
type SegmentACK struct {
	NegativeACK      bool
	Server           bool
	InvokeID         uint8
	SequenceNumber   uint8
	ActualWindowSize uint8
}

func (*SegmentACK) pduType() PDUType { return PDUTypeSegmentACK }

// ErrorPDU reports a service failure as an error class and code pair.
type ErrorPDU struct {
	InvokeID uint8
	Service  ConfirmedServiceChoice
	Class    ErrorClass
	Code     ErrorCode
}

func (*ErrorPDU) pduType() PDUType { return PDUTypeError }

// Reject refuses a confirmed request before its service is executed.
type Reject struct {
	InvokeID uint8
	Reason   RejectReason
}

func (*Reject) pduType() PDUType { return PDUTypeReject }

// Abort terminates a transaction in progress from either side.
type Abort struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (*Abort) pduType() PDUType { return PDUTypeAbort }

const (
	apduSegmentedBit         = 0x08
	apduMoreFollowsBit       = 0x04
	apduSegmentedResponseBit = 0x02
	apduNegativeACKBit       = 0x02
	apduServerBit            = 0x01
)

// EncodeAPDU encodes any of the eight PDU variants.
func EncodeAPDU(apdu APDU) ([]byte, error) {
	switch pdu := apdu.(type) {
	case *ConfirmedRequest:
		return encodeConfirmedRequest(pdu)

	case *UnconfirmedRequest:
		buf := make([]byte, 0, 2+len(pdu.Payload))
		buf = append(buf, byte(PDUTypeUnconfirmedRequest), byte(pdu.Service))
		return append(buf, pdu.Payload...), nil

	case *SimpleACK:
		return []byte{byte(PDUTypeSimpleACK), pdu.InvokeID, byte(pdu.Service)}, nil

	case *ComplexACK:
		return encodeComplexACK(pdu)

	case *SegmentACK:
		first := byte(PDUTypeSegmentACK)
		if pdu.NegativeACK {
			first |= apduNegativeACKBit
		}
		if pdu.Server {
			first |= apduServerBit
		}
		return []byte{first, pdu.InvokeID, pdu.SequenceNumber, pdu.ActualWindowSize}, nil

	case *ErrorPDU:
		buf := []byte{byte(PDUTypeError), pdu.InvokeID, byte(pdu.Service)}
		payload, err := EncodeValues([]Value{
			EnumValue(uint32(pdu.Class)),
			EnumValue(uint32(pdu.Code)),
		})
		if err != nil {
			return nil, err
		}
		return append(buf, payload...), nil

	case *Reject:
		return []byte{byte(PDUTypeReject), pdu.InvokeID, byte(pdu.Reason)}, nil

	case *Abort:
		first := byte(PDUTypeAbort)
		if pdu.Server {
			first |= apduServerBit
		}
		return []byte{first, pdu.InvokeID, byte(pdu.Reason)}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownPDUType, apdu)
}

func encodeConfirmedRequest(pdu *ConfirmedRequest) ([]byte, error) {
	if !pdu.Service.Known() {
		return nil, fmt.Errorf("%w: confirmed service %d", ErrUnknownServiceChoice, uint8(pdu.Service))
	}
	first := byte(PDUTypeConfirmedRequest)
	if pdu.Segmented {
		first |= apduSegmentedBit
	}
	if pdu.MoreFollows {
		first |= apduMoreFollowsBit
	}
	if pdu.SegmentedResponseAccepted {
		first |= apduSegmentedResponseBit
	}
	buf := make([]byte, 0, 6+len(pdu.Payload))
	buf = append(buf, first, byte(pdu.MaxSegments)<<4|byte(pdu.MaxAPDU), pdu.InvokeID)
	if pdu.Segmented {
		buf = append(buf, pdu.SequenceNumber, pdu.ProposedWindowSize)
	}
	buf = append(buf, byte(pdu.Service))
	return append(buf, pdu.Payload...), nil
}

func encodeComplexACK(pdu *ComplexACK) ([]byte, error) {
	first := byte(PDUTypeComplexACK)
	if pdu.Segmented {
		first |= apduSegmentedBit
	}
	if pdu.MoreFollows {
		first |= apduMoreFollowsBit
	}
	buf := make([]byte, 0, 5+len(pdu.Payload))
	buf = append(buf, first, pdu.InvokeID)
	if pdu.Segmented {
		buf = append(buf, pdu.SequenceNumber, pdu.ProposedWindowSize)
	}
	buf = append(buf, byte(pdu.Service))
	return append(buf, pdu.Payload...), nil
}

// DecodeAPDU decodes one APDU, dispatching on the type nibble of the first
// octet. Reserved type nibbles yield ErrUnknownPDUType; short frames yield
// ErrTruncatedInput.
func DecodeAPDU(data []byte) (APDU, error) {
	return DecodeAPDULimit(data, DefaultMaxValueLength, DefaultMaxNestingDepth)
}

// DecodeAPDULimit is DecodeAPDU with explicit bounds on the values embedded
// in the PDU, for callers with configured limits.
func DecodeAPDULimit(data []byte, maxValueLength, maxNestingDepth int) (APDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty APDU", ErrTruncatedInput)
	}

	switch PDUType(data[0] & 0xF0) {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)

	case PDUTypeUnconfirmedRequest:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: unconfirmed request of %d octets", ErrTruncatedInput, len(data))
		}
		service := UnconfirmedServiceChoice(data[1])
		if !service.Known() {
			return nil, fmt.Errorf("%w: unconfirmed service %d", ErrUnknownServiceChoice, data[1])
		}
		return &UnconfirmedRequest{Service: service, Payload: copyPayload(data[2:])}, nil

	case PDUTypeSimpleACK:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: simple ack of %d octets", ErrTruncatedInput, len(data))
		}
		service := ConfirmedServiceChoice(data[2])
		if !service.Known() {
			return nil, fmt.Errorf("%w: confirmed service %d", ErrUnknownServiceChoice, data[2])
		}
		return &SimpleACK{InvokeID: data[1], Service: service}, nil

	case PDUTypeComplexACK:
		return decodeComplexACK(data)

	case PDUTypeSegmentACK:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: segment ack of %d octets", ErrTruncatedInput, len(data))
		}
		return &SegmentACK{
			NegativeACK:      data[0]&apduNegativeACKBit != 0,
			Server:           data[0]&apduServerBit != 0,
			InvokeID:         data[1],
			SequenceNumber:   data[2],
			ActualWindowSize: data[3],
		}, nil

	case PDUTypeError:
		return decodeErrorPDU(data, maxValueLength, maxNestingDepth)

	case PDUTypeReject:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: reject of %d octets", ErrTruncatedInput, len(data))
		}
		return &Reject{InvokeID: data[1], Reason: RejectReason(data[2])}, nil

	case PDUTypeAbort:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: abort of %d octets", ErrTruncatedInput, len(data))
		}
		return &Abort{
			InvokeID: data[1],
			Server:   data[0]&apduServerBit != 0,
			Reason:   AbortReason(data[2]),
		}, nil
	}
	return nil, fmt.Errorf("%w: type nibble %02x", ErrUnknownPDUType, data[0]&0xF0)
}

func decodeConfirmedRequest(data []byte) (*ConfirmedRequest, error) {
	pdu := &ConfirmedRequest{
		Segmented:                 data[0]&apduSegmentedBit != 0,
		MoreFollows:               data[0]&apduMoreFollowsBit != 0,
		SegmentedResponseAccepted: data[0]&apduSegmentedResponseBit != 0,
	}
	header := 4
	if pdu.Segmented {
		header = 6
	}
	if len(data) < header {
		return nil, fmt.Errorf("%w: confirmed request of %d octets", ErrTruncatedInput, len(data))
	}
	pdu.MaxSegments = MaxSegments(data[1] >> 4)
	pdu.MaxAPDU = MaxAPDU(data[1] & 0x0F)
	pdu.InvokeID = data[2]
	off := 3
	if pdu.Segmented {
		pdu.SequenceNumber = data[3]
		pdu.ProposedWindowSize = data[4]
		off = 5
	}
	pdu.Service = ConfirmedServiceChoice(data[off])
	if !pdu.Service.Known() {
		return nil, fmt.Errorf("%w: confirmed service %d", ErrUnknownServiceChoice, data[off])
	}
	pdu.Payload = copyPayload(data[off+1:])
	return pdu, nil
}

func decodeComplexACK(data []byte) (*ComplexACK, error) {
	pdu := &ComplexACK{
		Segmented:   data[0]&apduSegmentedBit != 0,
		MoreFollows: data[0]&apduMoreFollowsBit != 0,
	}
	header := 3
	if pdu.Segmented {
		header = 5
	}
	if len(data) < header {
		return nil, fmt.Errorf("%w: complex ack of %d octets", ErrTruncatedInput, len(data))
	}
	pdu.InvokeID = data[1]
	off := 2
	if pdu.Segmented {
		pdu.SequenceNumber = data[2]
		pdu.ProposedWindowSize = data[3]
		off = 4
	}
	pdu.Service = ConfirmedServiceChoice(data[off])
	if !pdu.Service.Known() {
		return nil, fmt.Errorf("%w: confirmed service %d", ErrUnknownServiceChoice, data[off])
	}
	pdu.Payload = copyPayload(data[off+1:])
	return pdu, nil
}

func decodeErrorPDU(data []byte, maxValueLength, maxNestingDepth int) (*ErrorPDU, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("%w: error PDU of %d octets", ErrTruncatedInput, len(data))
	}
	pdu := &ErrorPDU{InvokeID: data[1], Service: ConfirmedServiceChoice(data[2])}
	if !pdu.Service.Known() {
		return nil, fmt.Errorf("%w: confirmed service %d", ErrUnknownServiceChoice, data[2])
	}
	values, err := DecodeValuesLimit(data[3:], maxValueLength, maxNestingDepth)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 || values[0].Kind != TagEnumerated || values[1].Kind != TagEnumerated {
		return nil, fmt.Errorf("%w: error PDU without class/code pair", ErrInvalidValue)
	}
	pdu.Class = ErrorClass(values[0].Enum)
	pdu.Code = ErrorCode(values[1].Enum)
	return pdu, nil
}

func copyPayload(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	return payload
}
