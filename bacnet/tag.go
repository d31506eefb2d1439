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

// DefaultMaxValueLength bounds the content length a decoded tag may declare.
// Extended length encoding allows 32-bit lengths; accepting them verbatim
// would let a short malformed frame demand a multi-gigabyte allocation.
const DefaultMaxValueLength = 1 << 20

// Tag is one decoded tag-length-value header. Length is the content length
// in octets; for an application-class Boolean the L/V/T field holds the
// value itself and Length reports it unchanged. Opening and Closing mark the
// constructed-data brackets, which carry no length.
type Tag struct {
	Number  uint8
	Class   TagClass
	Length  int
	Opening bool
	Closing bool
}

// ContextTag returns a context-class tag header.
func ContextTag(number uint8, length int) Tag {
	return Tag{Number: number, Class: TagClassContext, Length: length}
}

// ApplicationTagHeader returns an application-class tag header.
func ApplicationTagHeader(t ApplicationTag, length int) Tag {
	return Tag{Number: uint8(t), Class: TagClassApplication, Length: length}
}

// OpeningTag returns the opening bracket for constructed data under the
// given context tag number.
func OpeningTag(number uint8) Tag {
	return Tag{Number: number, Class: TagClassContext, Opening: true}
}

// ClosingTag returns the matching closing bracket.
func ClosingTag(number uint8) Tag {
	return Tag{Number: number, Class: TagClassContext, Closing: true}
}

const (
	lvtExtendedLength = 5
	lvtOpening        = 6
	lvtClosing        = 7

	extendedTagNumber = 0x0F
	length16Sentinel  = 254
	length32Sentinel  = 255
)

// EncodeTag encodes a tag header. The caller appends the content octets.
func EncodeTag(t Tag) []byte {
	buf := make([]byte, 0, 7)
	return AppendTag(buf, t)
}

// AppendTag appends the encoded tag header to buf.
func AppendTag(buf []byte, t Tag) []byte {
	initial := byte(t.Class) << 3
	if t.Number >= extendedTagNumber {
		initial |= extendedTagNumber << 4
	} else {
		initial |= t.Number << 4
	}

	switch {
	case t.Opening:
		initial |= lvtOpening
	case t.Closing:
		initial |= lvtClosing
	case t.Length <= 4:
		initial |= byte(t.Length)
	default:
		initial |= lvtExtendedLength
	}

	buf = append(buf, initial)
	if t.Number >= extendedTagNumber {
		buf = append(buf, t.Number)
	}
	if !t.Opening && !t.Closing && t.Length >= lvtExtendedLength {
		buf = appendExtendedLength(buf, t.Length)
	}
	return buf
}

// appendExtendedLength encodes lengths of 5 octets and above: one octet up
// to 253, the 254 sentinel plus two octets up to 65535, and the 255 sentinel
// plus four octets beyond that.
func appendExtendedLength(buf []byte, length int) []byte {
	switch {
	case length < int(length16Sentinel):
		return append(buf, byte(length))
	case length <= 0xFFFF:
		buf = append(buf, length16Sentinel)
		return binary.BigEndian.AppendUint16(buf, uint16(length))
	default:
		buf = append(buf, length32Sentinel)
		return binary.BigEndian.AppendUint32(buf, uint32(length))
	}
}

// DecodeTag decodes one tag header from the start of data and returns it
// with the number of octets consumed. Content octets are not consumed. The
// declared length is checked against DefaultMaxValueLength; use
// DecodeTagLimit to supply a different bound.
func DecodeTag(data []byte) (Tag, int, error) {
	return DecodeTagLimit(data, DefaultMaxValueLength)
}

// DecodeTagLimit decodes one tag header, rejecting declared content lengths
// above maxLength with ErrUnsupportedLength.
func DecodeTagLimit(data []byte, maxLength int) (Tag, int, error) {
	if len(data) < 1 {
		return Tag{}, 0, fmt.Errorf("%w: empty tag", ErrTruncatedInput)
	}

	initial := data[0]
	tag := Tag{
		Number: initial >> 4,
		Class:  TagClass((initial >> 3) & 0x01),
	}
	lvt := initial & 0x07
	consumed := 1

	if tag.Number == extendedTagNumber {
		if len(data) < 2 {
			return Tag{}, 0, fmt.Errorf("%w: extended tag number", ErrTruncatedInput)
		}
		tag.Number = data[1]
		if tag.Number == 0xFF {
			return Tag{}, 0, fmt.Errorf("%w: reserved tag number 255", ErrMalformedTag)
		}
		consumed = 2
	}

	switch lvt {
	case lvtOpening, lvtClosing:
		// Opening/closing brackets exist only for context-class tags.
		if tag.Class != TagClassContext {
			return Tag{}, 0, fmt.Errorf("%w: application tag with constructed L/V/T", ErrMalformedTag)
		}
		tag.Opening = lvt == lvtOpening
		tag.Closing = lvt == lvtClosing
		return tag, consumed, nil

	case lvtExtendedLength:
		length, n, err := decodeExtendedLength(data[consumed:])
		if err != nil {
			return Tag{}, 0, err
		}
		tag.Length = length
		consumed += n

	default:
		tag.Length = int(lvt)
	}

	if tag.Length > maxLength {
		return Tag{}, 0, fmt.Errorf("%w: declared %d, limit %d", ErrUnsupportedLength, tag.Length, maxLength)
	}
	// Application Booleans hold the value in the L/V/T field itself; no
	// content octets follow.
	content := tag.Length
	if tag.Class == TagClassApplication && ApplicationTag(tag.Number) == TagBoolean {
		content = 0
	}
	if len(data) < consumed+content {
		return Tag{}, 0, fmt.Errorf("%w: tag declares %d content octets, %d remain",
			ErrTruncatedInput, content, len(data)-consumed)
	}
	return tag, consumed, nil
}

func decodeExtendedLength(data []byte) (int, int, error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("%w: extended length", ErrTruncatedInput)
	}
	switch data[0] {
	case length16Sentinel:
		if len(data) < 3 {
			return 0, 0, fmt.Errorf("%w: 16-bit extended length", ErrTruncatedInput)
		}
		return int(binary.BigEndian.Uint16(data[1:3])), 3, nil
	case length32Sentinel:
		if len(data) < 5 {
			return 0, 0, fmt.Errorf("%w: 32-bit extended length", ErrTruncatedInput)
		}
		return int(binary.BigEndian.Uint32(data[1:5])), 5, nil
	default:
		return int(data[0]), 1, nil
	}
}

// EncodedLength returns the octet count EncodeTag would produce for t,
// excluding content.
func (t Tag) EncodedLength() int {
	n := 1
	if t.Number >= extendedTagNumber {
		n++
	}
	if t.Opening || t.Closing || t.Length <= 4 {
		return n
	}
	switch {
	case t.Length < int(length16Sentinel):
		return n + 1
	case t.Length <= 0xFFFF:
		return n + 3
	default:
		return n + 5
	}
}
