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

import (
	"encoding/binary"
	"fmt"
)

// NetworkAddress is a DNET/DADR or SNET/SADR pair. A nil or empty Addr in a
// destination means broadcast on that network.
type NetworkAddress struct {
	Net  uint16
	Addr []byte
}

func (a NetworkAddress) String() string {
	if len(a.Addr) == 0 {
		return fmt.Sprintf("%d:*", a.Net)
	}
	return fmt.Sprintf("%d:%x", a.Net, a.Addr)
}

// NetworkMessage is a network-layer message riding in an NPDU instead of an
// APDU. VendorID is on the wire only for proprietary message types.
type NetworkMessage struct {
	Type     NetworkMessageType
	VendorID uint16
	Data     []byte
}

// NPDU is the network-layer header plus its payload. Exactly one of Message
// and Payload is meaningful: Message when the network-layer-message control
// bit was set, Payload (the raw APDU) otherwise.
type NPDU struct {
	Priority       NPDUPriority
	ExpectingReply bool
	Destination    *NetworkAddress
	Source         *NetworkAddress
	HopCount       uint8

	Message *NetworkMessage
	Payload []byte
}

// ShouldRelay reports whether a router may forward this NPDU: it carries
// routing information and its hop count has not been exhausted.
func (n *NPDU) ShouldRelay() bool {
	return n.Destination != nil && n.HopCount > 0
}

// DecrementHopCount is the router-side step before re-emitting the NPDU.
// At zero the NPDU must be dropped, never wrapped around.
func (n *NPDU) DecrementHopCount() {
	if n.HopCount > 0 {
		n.HopCount--
	}
}

// EncodeNPDU encodes the NPDU header followed by its payload.
func EncodeNPDU(n *NPDU) ([]byte, error) {
	if n.Priority > PriorityLifeSafety {
		return nil, fmt.Errorf("%w: priority %d", ErrInvalidNPDU, n.Priority)
	}

	control := byte(n.Priority)
	if n.Message != nil {
		control |= byte(NPDUControlNetworkLayerMessage)
	}
	if n.Destination != nil {
		control |= byte(NPDUControlDestSpecifier)
	}
	if n.Source != nil {
		control |= byte(NPDUControlSourceSpecifier)
	}
	if n.ExpectingReply {
		control |= byte(NPDUControlExpectingReply)
	}

	buf := make([]byte, 0, 2+npduAddressingLength(n)+len(n.Payload))
	buf = append(buf, ProtocolVersion, control)

	if n.Destination != nil {
		buf = binary.BigEndian.AppendUint16(buf, n.Destination.Net)
		buf = append(buf, byte(len(n.Destination.Addr)))
		buf = append(buf, n.Destination.Addr...)
	}
	if n.Source != nil {
		if len(n.Source.Addr) == 0 {
			return nil, fmt.Errorf("%w: source address without MAC octets", ErrInvalidNPDU)
		}
		buf = binary.BigEndian.AppendUint16(buf, n.Source.Net)
		buf = append(buf, byte(len(n.Source.Addr)))
		buf = append(buf, n.Source.Addr...)
	}
	if n.Destination != nil {
		buf = append(buf, n.HopCount)
	}

	if n.Message != nil {
		buf = append(buf, byte(n.Message.Type))
		if n.Message.Type.Proprietary() {
			buf = binary.BigEndian.AppendUint16(buf, n.Message.VendorID)
		}
		return append(buf, n.Message.Data...), nil
	}
	return append(buf, n.Payload...), nil
}

func npduAddressingLength(n *NPDU) int {
	length := 0
	if n.Destination != nil {
		length += 3 + len(n.Destination.Addr) + 1
	}
	if n.Source != nil {
		length += 3 + len(n.Source.Addr)
	}
	return length
}

// DecodeNPDU decodes the network header and hands back the payload intact.
// Network-layer messages land in Message and are never APDU-decoded.
func DecodeNPDU(data []byte) (*NPDU, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: NPDU of %d octets", ErrTruncatedInput, len(data))
	}
	if data[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidNPDU, data[0])
	}

	control := data[1]
	n := &NPDU{
		Priority:       NPDUPriority(control & 0x03),
		ExpectingReply: control&byte(NPDUControlExpectingReply) != 0,
	}
	off := 2

	if control&byte(NPDUControlDestSpecifier) != 0 {
		addr, consumed, err := decodeNetworkAddress(data[off:], "destination")
		if err != nil {
			return nil, err
		}
		n.Destination = addr
		off += consumed
	}
	if control&byte(NPDUControlSourceSpecifier) != 0 {
		addr, consumed, err := decodeNetworkAddress(data[off:], "source")
		if err != nil {
			return nil, err
		}
		if len(addr.Addr) == 0 {
			return nil, fmt.Errorf("%w: source address without MAC octets", ErrInvalidNPDU)
		}
		n.Source = addr
		off += consumed
	}
	if n.Destination != nil {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: missing hop count", ErrTruncatedInput)
		}
		n.HopCount = data[off]
		off++
	}

	if control&byte(NPDUControlNetworkLayerMessage) != 0 {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: missing network message type", ErrTruncatedInput)
		}
		msg := &NetworkMessage{Type: NetworkMessageType(data[off])}
		off++
		if msg.Type.Proprietary() {
			if off+2 > len(data) {
				return nil, fmt.Errorf("%w: missing vendor ID", ErrTruncatedInput)
			}
			msg.VendorID = binary.BigEndian.Uint16(data[off : off+2])
			off += 2
		}
		msg.Data = copyPayload(data[off:])
		n.Message = msg
		return n, nil
	}

	n.Payload = copyPayload(data[off:])
	return n, nil
}

func decodeNetworkAddress(data []byte, which string) (*NetworkAddress, int, error) {
	if len(data) < 3 {
		return nil, 0, fmt.Errorf("%w: %s specifier of %d octets", ErrTruncatedInput, which, len(data))
	}
	addrLen := int(data[2])
	if len(data) < 3+addrLen {
		return nil, 0, fmt.Errorf("%w: %s address declares %d octets, %d remain",
			ErrTruncatedInput, which, addrLen, len(data)-3)
	}
	addr := &NetworkAddress{Net: binary.BigEndian.Uint16(data[0:2])}
	if addrLen > 0 {
		addr.Addr = make([]byte, addrLen)
		copy(addr.Addr, data[3:3+addrLen])
	}
	return addr, 3 + addrLen, nil
}
