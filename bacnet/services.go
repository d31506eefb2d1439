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

// ReadPropertyRequest is the ReadProperty service request payload.
type ReadPropertyRequest struct {
	Object     ObjectIdentifier
	Property   PropertyIdentifier
	ArrayIndex *uint32
}

// Encode encodes the request payload.
func (r ReadPropertyRequest) Encode() ([]byte, error) {
	values := []Value{
		ContextObjectID(0, r.Object),
		ContextEnum(1, uint32(r.Property)),
	}
	if r.ArrayIndex != nil {
		values = append(values, ContextUnsigned(2, uint64(*r.ArrayIndex)))
	}
	return EncodeValues(values)
}

// DecodeReadPropertyRequest decodes a ReadProperty request payload.
func DecodeReadPropertyRequest(data []byte) (ReadPropertyRequest, error) {
	var req ReadPropertyRequest
	values, err := DecodeValues(data)
	if err != nil {
		return req, err
	}
	seen := uint8(0)
	for _, v := range values {
		if !v.Context || v.Constructed {
			return req, fmt.Errorf("%w: unexpected value in ReadProperty request", ErrInvalidValue)
		}
		switch v.ContextTag {
		case 0:
			oid, err := DecodeContextValue(v, TagObjectID)
			if err != nil {
				return req, err
			}
			req.Object = oid.OID
			seen |= 1
		case 1:
			prop, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return req, err
			}
			req.Property = PropertyIdentifier(prop.Uint)
			seen |= 2
		case 2:
			index, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return req, err
			}
			idx := uint32(index.Uint)
			req.ArrayIndex = &idx
		default:
			return req, fmt.Errorf("%w: context tag %d in ReadProperty request", ErrInvalidValue, v.ContextTag)
		}
	}
	if seen != 3 {
		return req, fmt.Errorf("%w: ReadProperty request missing object or property", ErrInvalidValue)
	}
	return req, nil
}

// ReadPropertyACK is the ReadProperty result payload carried in a
// ComplexACK.
type ReadPropertyACK struct {
	Object     ObjectIdentifier
	Property   PropertyIdentifier
	ArrayIndex *uint32
	Values     []Value
}

// Encode encodes the result payload.
func (r ReadPropertyACK) Encode() ([]byte, error) {
	values := []Value{
		ContextObjectID(0, r.Object),
		ContextEnum(1, uint32(r.Property)),
	}
	if r.ArrayIndex != nil {
		values = append(values, ContextUnsigned(2, uint64(*r.ArrayIndex)))
	}
	values = append(values, ConstructedValue(3, r.Values...))
	return EncodeValues(values)
}

// DecodeReadPropertyACK decodes a ReadProperty result payload.
func DecodeReadPropertyACK(data []byte) (ReadPropertyACK, error) {
	var ack ReadPropertyACK
	values, err := DecodeValues(data)
	if err != nil {
		return ack, err
	}
	seen := uint8(0)
	for _, v := range values {
		if !v.Context {
			return ack, fmt.Errorf("%w: unexpected value in ReadProperty ack", ErrInvalidValue)
		}
		switch v.ContextTag {
		case 0:
			oid, err := DecodeContextValue(v, TagObjectID)
			if err != nil {
				return ack, err
			}
			ack.Object = oid.OID
			seen |= 1
		case 1:
			prop, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return ack, err
			}
			ack.Property = PropertyIdentifier(prop.Uint)
			seen |= 2
		case 2:
			index, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return ack, err
			}
			idx := uint32(index.Uint)
			ack.ArrayIndex = &idx
		case 3:
			if !v.Constructed {
				return ack, fmt.Errorf("%w: ReadProperty ack value list is not constructed", ErrInvalidValue)
			}
			ack.Values = v.Items
			seen |= 4
		default:
			return ack, fmt.Errorf("%w: context tag %d in ReadProperty ack", ErrInvalidValue, v.ContextTag)
		}
	}
	if seen != 7 {
		return ack, fmt.Errorf("%w: incomplete ReadProperty ack", ErrInvalidValue)
	}
	return ack, nil
}

// WritePropertyRequest is the WriteProperty service request payload.
// Priority, when set, must be 1 through 16.
type WritePropertyRequest struct {
	Object     ObjectIdentifier
	Property   PropertyIdentifier
	ArrayIndex *uint32
	Values     []Value
	Priority   *uint8
}

// Encode encodes the request payload.
func (w WritePropertyRequest) Encode() ([]byte, error) {
	if w.Priority != nil && (*w.Priority < 1 || *w.Priority > 16) {
		return nil, fmt.Errorf("%w: write priority %d", ErrInvalidValue, *w.Priority)
	}
	values := []Value{
		ContextObjectID(0, w.Object),
		ContextEnum(1, uint32(w.Property)),
	}
	if w.ArrayIndex != nil {
		values = append(values, ContextUnsigned(2, uint64(*w.ArrayIndex)))
	}
	values = append(values, ConstructedValue(3, w.Values...))
	if w.Priority != nil {
		values = append(values, ContextUnsigned(4, uint64(*w.Priority)))
	}
	return EncodeValues(values)
}

// DecodeWritePropertyRequest decodes a WriteProperty request payload.
func DecodeWritePropertyRequest(data []byte) (WritePropertyRequest, error) {
	var req WritePropertyRequest
	values, err := DecodeValues(data)
	if err != nil {
		return req, err
	}
	seen := uint8(0)
	for _, v := range values {
		if !v.Context {
			return req, fmt.Errorf("%w: unexpected value in WriteProperty request", ErrInvalidValue)
		}
		switch v.ContextTag {
		case 0:
			oid, err := DecodeContextValue(v, TagObjectID)
			if err != nil {
				return req, err
			}
			req.Object = oid.OID
			seen |= 1
		case 1:
			prop, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return req, err
			}
			req.Property = PropertyIdentifier(prop.Uint)
			seen |= 2
		case 2:
			index, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return req, err
			}
			idx := uint32(index.Uint)
			req.ArrayIndex = &idx
		case 3:
			if !v.Constructed {
				return req, fmt.Errorf("%w: WriteProperty value list is not constructed", ErrInvalidValue)
			}
			req.Values = v.Items
			seen |= 4
		case 4:
			prio, err := DecodeContextValue(v, TagUnsignedInt)
			if err != nil {
				return req, err
			}
			if prio.Uint < 1 || prio.Uint > 16 {
				return req, fmt.Errorf("%w: write priority %d", ErrInvalidValue, prio.Uint)
			}
			p := uint8(prio.Uint)
			req.Priority = &p
		default:
			return req, fmt.Errorf("%w: context tag %d in WriteProperty request", ErrInvalidValue, v.ContextTag)
		}
	}
	if seen != 7 {
		return req, fmt.Errorf("%w: incomplete WriteProperty request", ErrInvalidValue)
	}
	return req, nil
}

// WhoIsRequest is the Who-Is payload. Nil limits ask every device to
// respond; both limits must be set together.
type WhoIsRequest struct {
	LowLimit  *uint32
	HighLimit *uint32
}

// Encode encodes the Who-Is payload.
func (w WhoIsRequest) Encode() ([]byte, error) {
	if (w.LowLimit == nil) != (w.HighLimit == nil) {
		return nil, fmt.Errorf("%w: Who-Is limits must be paired", ErrInvalidValue)
	}
	if w.LowLimit == nil {
		return nil, nil
	}
	return EncodeValues([]Value{
		ContextUnsigned(0, uint64(*w.LowLimit)),
		ContextUnsigned(1, uint64(*w.HighLimit)),
	})
}

// DecodeWhoIsRequest decodes a Who-Is payload.
func DecodeWhoIsRequest(data []byte) (WhoIsRequest, error) {
	var req WhoIsRequest
	if len(data) == 0 {
		return req, nil
	}
	values, err := DecodeValues(data)
	if err != nil {
		return req, err
	}
	for _, v := range values {
		if !v.Context || v.Constructed || v.ContextTag > 1 {
			return req, fmt.Errorf("%w: unexpected value in Who-Is", ErrInvalidValue)
		}
		limit, err := DecodeContextValue(v, TagUnsignedInt)
		if err != nil {
			return req, err
		}
		value := uint32(limit.Uint)
		if v.ContextTag == 0 {
			req.LowLimit = &value
		} else {
			req.HighLimit = &value
		}
	}
	if (req.LowLimit == nil) != (req.HighLimit == nil) {
		return req, fmt.Errorf("%w: Who-Is limits must be paired", ErrInvalidValue)
	}
	return req, nil
}

// IAmRequest is the I-Am payload announcing a device.
type IAmRequest struct {
	Device        ObjectIdentifier
	MaxAPDULength uint32
	Segmentation  Segmentation
	VendorID      uint16
}

// Encode encodes the I-Am payload as its four application-tagged values.
func (i IAmRequest) Encode() ([]byte, error) {
	return EncodeValues([]Value{
		ObjectIDValue(i.Device),
		UnsignedValue(uint64(i.MaxAPDULength)),
		EnumValue(uint32(i.Segmentation)),
		UnsignedValue(uint64(i.VendorID)),
	})
}

// DecodeIAmRequest decodes an I-Am payload.
func DecodeIAmRequest(data []byte) (IAmRequest, error) {
	var iam IAmRequest
	values, err := DecodeValues(data)
	if err != nil {
		return iam, err
	}
	if len(values) < 4 ||
		values[0].Kind != TagObjectID ||
		values[1].Kind != TagUnsignedInt ||
		values[2].Kind != TagEnumerated ||
		values[3].Kind != TagUnsignedInt {
		return iam, fmt.Errorf("%w: malformed I-Am payload", ErrInvalidValue)
	}
	if values[0].OID.Type != ObjectTypeDevice {
		return iam, fmt.Errorf("%w: I-Am object is %s", ErrInvalidValue, values[0].OID.Type)
	}
	iam.Device = values[0].OID
	iam.MaxAPDULength = uint32(values[1].Uint)
	iam.Segmentation = Segmentation(values[2].Enum)
	iam.VendorID = uint16(values[3].Uint)
	return iam, nil
}
