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
	"math"
	"strings"
	"unicode/utf8"
)

// DefaultMaxNestingDepth bounds constructed-value nesting during decode.
const DefaultMaxNestingDepth = 16

// Unspecified is the wildcard octet in Date and Time fields.
const Unspecified = 0xFF

// BitString is a bit sequence with a trailing count of unused bits in the
// last data octet.
type BitString struct {
	UnusedBits uint8
	Data       []byte
}

// Bit returns bit i, counting from the most significant bit of the first
// octet, which is how ASHRAE-135 numbers status flags.
func (b BitString) Bit(i int) bool {
	if i < 0 || i >= b.Len() {
		return false
	}
	return b.Data[i/8]&(0x80>>(i%8)) != 0
}

// Len returns the number of meaningful bits.
func (b BitString) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data)*8 - int(b.UnusedBits)
}

func (b BitString) String() string {
	var sb strings.Builder
	for i := 0; i < b.Len(); i++ {
		if b.Bit(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// Date is the four-octet BACnet date. Year counts from 1900 and every field
// may hold the Unspecified wildcard.
type Date struct {
	Year      uint8
	Month     uint8
	Day       uint8
	DayOfWeek uint8
}

func (d Date) String() string {
	if d.Year == Unspecified || d.Month == Unspecified || d.Day == Unspecified {
		return "date(unspecified)"
	}
	return fmt.Sprintf("%04d-%02d-%02d", 1900+int(d.Year), d.Month, d.Day)
}

// Time is the four-octet BACnet time. Every field may hold the Unspecified
// wildcard.
type Time struct {
	Hour       uint8
	Minute     uint8
	Second     uint8
	Hundredths uint8
}

func (t Time) String() string {
	if t.Hour == Unspecified {
		return "time(unspecified)"
	}
	return fmt.Sprintf("%02d:%02d:%02d.%02d", t.Hour, t.Minute, t.Second, t.Hundredths)
}

// Value is the decoded form of one application-tagged datum, one
// context-tagged datum, or one constructed group. Kind selects which field
// carries the payload. Context-tagged primitives surface as raw octets in
// Octets with Context set, because their datatype is known only to the
// service schema; DecodeContextValue reinterprets them once the schema is
// known.
type Value struct {
	Kind        ApplicationTag
	Context     bool
	ContextTag  uint8
	Constructed bool

	Bool    bool
	Uint    uint64
	Int     int32
	Real    float32
	Double  float64
	Octets  []byte
	Str     string
	Charset CharacterSet
	Bits    BitString
	Enum    uint32
	Date    Date
	Time    Time
	OID     ObjectIdentifier
	Items   []Value
}

// Typed constructors keep call sites readable.

func NullValue() Value                    { return Value{Kind: TagNull} }
func BoolValue(b bool) Value              { return Value{Kind: TagBoolean, Bool: b} }
func UnsignedValue(u uint64) Value        { return Value{Kind: TagUnsignedInt, Uint: u} }
func SignedValue(i int32) Value           { return Value{Kind: TagSignedInt, Int: i} }
func RealValue(r float32) Value           { return Value{Kind: TagReal, Real: r} }
func DoubleValue(d float64) Value         { return Value{Kind: TagDouble, Double: d} }
func OctetsValue(o []byte) Value          { return Value{Kind: TagOctetString, Octets: o} }
func StringValue(s string) Value          { return Value{Kind: TagCharacterString, Str: s, Charset: CharacterSetUTF8} }
func BitStringValue(b BitString) Value    { return Value{Kind: TagBitString, Bits: b} }
func EnumValue(e uint32) Value            { return Value{Kind: TagEnumerated, Enum: e} }
func DateValue(d Date) Value              { return Value{Kind: TagDate, Date: d} }
func TimeValue(t Time) Value              { return Value{Kind: TagTime, Time: t} }
func ObjectIDValue(o ObjectIdentifier) Value {
	return Value{Kind: TagObjectID, OID: o}
}

// ContextValue wraps already-encoded content octets under a context tag.
func ContextValue(tag uint8, octets []byte) Value {
	return Value{Context: true, ContextTag: tag, Octets: octets}
}

// ContextUnsigned encodes u as minimal octets under a context tag.
func ContextUnsigned(tag uint8, u uint64) Value {
	return ContextValue(tag, appendUnsignedContent(nil, u))
}

// ContextEnum encodes e as minimal octets under a context tag.
func ContextEnum(tag uint8, e uint32) Value {
	return ContextValue(tag, appendUnsignedContent(nil, uint64(e)))
}

// ContextObjectID encodes o as four octets under a context tag.
func ContextObjectID(tag uint8, o ObjectIdentifier) Value {
	return ContextValue(tag, binary.BigEndian.AppendUint32(nil, o.Pack()))
}

// ConstructedValue groups items between opening and closing brackets under
// the given context tag number.
func ConstructedValue(tag uint8, items ...Value) Value {
	return Value{Context: true, ContextTag: tag, Constructed: true, Items: items}
}

func (v Value) String() string {
	if v.Constructed {
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = item.String()
		}
		return fmt.Sprintf("[%d]{%s}", v.ContextTag, strings.Join(parts, ", "))
	}
	if v.Context {
		return fmt.Sprintf("[%d]%x", v.ContextTag, v.Octets)
	}
	switch v.Kind {
	case TagNull:
		return "null"
	case TagBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case TagUnsignedInt:
		return fmt.Sprintf("%d", v.Uint)
	case TagSignedInt:
		return fmt.Sprintf("%d", v.Int)
	case TagReal:
		return fmt.Sprintf("%g", v.Real)
	case TagDouble:
		return fmt.Sprintf("%g", v.Double)
	case TagOctetString:
		return fmt.Sprintf("%x", v.Octets)
	case TagCharacterString:
		return fmt.Sprintf("%q", v.Str)
	case TagBitString:
		return v.Bits.String()
	case TagEnumerated:
		return fmt.Sprintf("enum(%d)", v.Enum)
	case TagDate:
		return v.Date.String()
	case TagTime:
		return v.Time.String()
	case TagObjectID:
		return v.OID.String()
	}
	return fmt.Sprintf("value(kind=%d)", v.Kind)
}

// EncodeValue encodes one value in canonical form: minimal content octets
// for the integral kinds, so that decode-encode reproduces a canonical frame
// byte for byte.
func EncodeValue(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}

// AppendValue appends the canonical encoding of v to buf.
func AppendValue(buf []byte, v Value) ([]byte, error) {
	if v.Constructed {
		buf = AppendTag(buf, OpeningTag(v.ContextTag))
		var err error
		for _, item := range v.Items {
			if buf, err = AppendValue(buf, item); err != nil {
				return nil, err
			}
		}
		return AppendTag(buf, ClosingTag(v.ContextTag)), nil
	}
	if v.Context {
		buf = AppendTag(buf, ContextTag(v.ContextTag, len(v.Octets)))
		return append(buf, v.Octets...), nil
	}

	content, err := encodeContent(v)
	if err != nil {
		return nil, err
	}
	if v.Kind == TagBoolean {
		// Boolean carries its value in the L/V/T field, no content octets.
		length := 0
		if v.Bool {
			length = 1
		}
		return AppendTag(buf, ApplicationTagHeader(TagBoolean, length)), nil
	}
	buf = AppendTag(buf, ApplicationTagHeader(v.Kind, len(content)))
	return append(buf, content...), nil
}

// EncodeValues encodes a sequence of values back to back.
func EncodeValues(values []Value) ([]byte, error) {
	var buf []byte
	var err error
	for _, v := range values {
		if buf, err = AppendValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeContent(v Value) ([]byte, error) {
	switch v.Kind {
	case TagNull, TagBoolean:
		return nil, nil
	case TagUnsignedInt:
		return appendUnsignedContent(nil, v.Uint), nil
	case TagSignedInt:
		return appendSignedContent(nil, v.Int), nil
	case TagReal:
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(v.Real)), nil
	case TagDouble:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v.Double)), nil
	case TagOctetString:
		return v.Octets, nil
	case TagCharacterString:
		return encodeCharacterString(v.Str, v.Charset)
	case TagBitString:
		if v.Bits.UnusedBits > 7 || (len(v.Bits.Data) == 0 && v.Bits.UnusedBits != 0) {
			return nil, fmt.Errorf("%w: bit string with %d unused bits", ErrInvalidValue, v.Bits.UnusedBits)
		}
		content := make([]byte, 0, 1+len(v.Bits.Data))
		content = append(content, v.Bits.UnusedBits)
		return append(content, v.Bits.Data...), nil
	case TagEnumerated:
		return appendUnsignedContent(nil, uint64(v.Enum)), nil
	case TagDate:
		return []byte{v.Date.Year, v.Date.Month, v.Date.Day, v.Date.DayOfWeek}, nil
	case TagTime:
		return []byte{v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Hundredths}, nil
	case TagObjectID:
		return binary.BigEndian.AppendUint32(nil, v.OID.Pack()), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrInvalidValue, v.Kind)
}

// appendUnsignedContent encodes u big-endian with no leading zero octets.
// Zero still takes one octet.
func appendUnsignedContent(buf []byte, u uint64) []byte {
	n := 1
	for tmp := u; tmp > 0xFF; tmp >>= 8 {
		n++
	}
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, byte(u>>(8*i)))
	}
	return buf
}

// appendSignedContent encodes i as minimal two's complement octets.
func appendSignedContent(buf []byte, i int32) []byte {
	n := 4
	for n > 1 {
		top := byte(i >> (8 * (n - 1)))
		next := byte(i >> (8 * (n - 2)))
		// Drop a leading octet only while the sign bit survives.
		if (top == 0x00 && next&0x80 == 0) || (top == 0xFF && next&0x80 != 0) {
			n--
			continue
		}
		break
	}
	for j := n - 1; j >= 0; j-- {
		buf = append(buf, byte(i>>(8*j)))
	}
	return buf
}

func encodeCharacterString(s string, cs CharacterSet) ([]byte, error) {
	switch cs {
	case CharacterSetUTF8:
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: invalid UTF-8 in character string", ErrInvalidValue)
		}
		content := make([]byte, 0, 1+len(s))
		content = append(content, byte(cs))
		return append(content, s...), nil
	case CharacterSetISO8859_1:
		content := make([]byte, 0, 1+len(s))
		content = append(content, byte(cs))
		for _, r := range s {
			if r > 0xFF {
				return nil, fmt.Errorf("%w: rune %q outside ISO 8859-1", ErrInvalidValue, r)
			}
			content = append(content, byte(r))
		}
		return content, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCharacterSet, cs)
	}
}

// DecodeValue decodes one value, which may be a whole constructed group,
// and returns the octets consumed.
func DecodeValue(data []byte) (Value, int, error) {
	values, n, err := decodeSequence(data, DefaultMaxValueLength, DefaultMaxNestingDepth, true)
	if err != nil {
		return Value{}, 0, err
	}
	if len(values) == 0 {
		return Value{}, 0, fmt.Errorf("%w: no value", ErrTruncatedInput)
	}
	return values[0], n, nil
}

// DecodeValues decodes values until data is exhausted.
func DecodeValues(data []byte) ([]Value, error) {
	values, _, err := decodeSequence(data, DefaultMaxValueLength, DefaultMaxNestingDepth, false)
	return values, err
}

// DecodeValuesLimit is DecodeValues with explicit content-length and
// nesting-depth bounds.
func DecodeValuesLimit(data []byte, maxLength, maxDepth int) ([]Value, error) {
	values, _, err := decodeSequence(data, maxLength, maxDepth, false)
	return values, err
}

// decodeSequence walks tags with an explicit bracket stack, so adversarial
// nesting depth cannot exhaust the goroutine stack.
func decodeSequence(data []byte, maxLength, maxDepth int, single bool) ([]Value, int, error) {
	type frame struct {
		tag   uint8
		items []Value
	}

	var stack []frame
	var top []Value
	off := 0

	for off < len(data) {
		tag, n, err := DecodeTagLimit(data[off:], maxLength)
		if err != nil {
			return nil, 0, err
		}

		switch {
		case tag.Opening:
			if len(stack) >= maxDepth {
				return nil, 0, fmt.Errorf("%w: nesting deeper than %d", ErrUnbalancedConstructed, maxDepth)
			}
			stack = append(stack, frame{tag: tag.Number})
			off += n

		case tag.Closing:
			if len(stack) == 0 {
				return nil, 0, fmt.Errorf("%w: closing tag %d with no opening", ErrUnbalancedConstructed, tag.Number)
			}
			inner := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if inner.tag != tag.Number {
				return nil, 0, fmt.Errorf("%w: opening tag %d closed by %d",
					ErrUnbalancedConstructed, inner.tag, tag.Number)
			}
			group := ConstructedValue(inner.tag, inner.items...)
			if len(stack) > 0 {
				stack[len(stack)-1].items = append(stack[len(stack)-1].items, group)
			} else {
				top = append(top, group)
			}
			off += n

		default:
			v, err := decodePrimitive(tag, data[off+n:off+n+contentLength(tag)])
			if err != nil {
				return nil, 0, err
			}
			if len(stack) > 0 {
				stack[len(stack)-1].items = append(stack[len(stack)-1].items, v)
			} else {
				top = append(top, v)
			}
			off += n + contentLength(tag)
		}

		if single && len(stack) == 0 && len(top) == 1 {
			return top, off, nil
		}
	}

	if len(stack) > 0 {
		return nil, 0, fmt.Errorf("%w: %d unclosed opening tags", ErrUnbalancedConstructed, len(stack))
	}
	return top, off, nil
}

// contentLength is the content octet count that follows the tag header on
// the wire. Application Booleans carry the value in the header itself.
func contentLength(tag Tag) int {
	if tag.Class == TagClassApplication && ApplicationTag(tag.Number) == TagBoolean {
		return 0
	}
	return tag.Length
}

func decodePrimitive(tag Tag, content []byte) (Value, error) {
	if tag.Class == TagClassContext {
		octets := make([]byte, len(content))
		copy(octets, content)
		return ContextValue(tag.Number, octets), nil
	}
	return decodeApplicationContent(ApplicationTag(tag.Number), tag.Length, content)
}

func decodeApplicationContent(kind ApplicationTag, length int, content []byte) (Value, error) {
	switch kind {
	case TagNull:
		if length != 0 {
			return Value{}, fmt.Errorf("%w: null with length %d", ErrInvalidValue, length)
		}
		return NullValue(), nil

	case TagBoolean:
		if length > 1 {
			return Value{}, fmt.Errorf("%w: boolean L/V/T %d", ErrInvalidValue, length)
		}
		return BoolValue(length == 1), nil

	case TagUnsignedInt:
		u, err := decodeUnsignedContent(content, 8)
		if err != nil {
			return Value{}, err
		}
		return UnsignedValue(u), nil

	case TagSignedInt:
		if len(content) == 0 || len(content) > 4 {
			return Value{}, fmt.Errorf("%w: signed integer of %d octets", ErrInvalidValue, len(content))
		}
		i := int32(int8(content[0]))
		for _, b := range content[1:] {
			i = i<<8 | int32(b)
		}
		return SignedValue(i), nil

	case TagReal:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("%w: real of %d octets", ErrInvalidValue, len(content))
		}
		return RealValue(math.Float32frombits(binary.BigEndian.Uint32(content))), nil

	case TagDouble:
		if len(content) != 8 {
			return Value{}, fmt.Errorf("%w: double of %d octets", ErrInvalidValue, len(content))
		}
		return DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(content))), nil

	case TagOctetString:
		octets := make([]byte, len(content))
		copy(octets, content)
		return OctetsValue(octets), nil

	case TagCharacterString:
		return decodeCharacterString(content)

	case TagBitString:
		if len(content) == 0 {
			return Value{}, fmt.Errorf("%w: empty bit string content", ErrInvalidValue)
		}
		unused := content[0]
		if unused > 7 || (len(content) == 1 && unused != 0) {
			return Value{}, fmt.Errorf("%w: bit string with %d unused bits", ErrInvalidValue, unused)
		}
		bits := make([]byte, len(content)-1)
		copy(bits, content[1:])
		return BitStringValue(BitString{UnusedBits: unused, Data: bits}), nil

	case TagEnumerated:
		u, err := decodeUnsignedContent(content, 4)
		if err != nil {
			return Value{}, err
		}
		return EnumValue(uint32(u)), nil

	case TagDate:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("%w: date of %d octets", ErrInvalidValue, len(content))
		}
		return DateValue(Date{Year: content[0], Month: content[1], Day: content[2], DayOfWeek: content[3]}), nil

	case TagTime:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("%w: time of %d octets", ErrInvalidValue, len(content))
		}
		return TimeValue(Time{Hour: content[0], Minute: content[1], Second: content[2], Hundredths: content[3]}), nil

	case TagObjectID:
		if len(content) != 4 {
			return Value{}, fmt.Errorf("%w: object identifier of %d octets", ErrInvalidValue, len(content))
		}
		return ObjectIDValue(UnpackObjectIdentifier(binary.BigEndian.Uint32(content))), nil
	}
	return Value{}, fmt.Errorf("%w: application tag %d", ErrInvalidValue, kind)
}

func decodeUnsignedContent(content []byte, maxOctets int) (uint64, error) {
	if len(content) == 0 || len(content) > maxOctets {
		return 0, fmt.Errorf("%w: unsigned of %d octets", ErrInvalidValue, len(content))
	}
	var u uint64
	for _, b := range content {
		u = u<<8 | uint64(b)
	}
	return u, nil
}

func decodeCharacterString(content []byte) (Value, error) {
	if len(content) == 0 {
		return Value{}, fmt.Errorf("%w: character string without charset octet", ErrInvalidValue)
	}
	cs := CharacterSet(content[0])
	body := content[1:]
	switch cs {
	case CharacterSetUTF8:
		if !utf8.Valid(body) {
			return Value{}, fmt.Errorf("%w: invalid UTF-8 in character string", ErrInvalidValue)
		}
		return Value{Kind: TagCharacterString, Str: string(body), Charset: cs}, nil
	case CharacterSetISO8859_1:
		var sb strings.Builder
		sb.Grow(len(body))
		for _, b := range body {
			sb.WriteRune(rune(b))
		}
		return Value{Kind: TagCharacterString, Str: sb.String(), Charset: cs}, nil
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedCharacterSet, cs)
	}
}

// DecodeContextValue reinterprets a context-tagged primitive once the
// service schema has told us its datatype.
func DecodeContextValue(v Value, kind ApplicationTag) (Value, error) {
	if !v.Context || v.Constructed {
		return Value{}, fmt.Errorf("%w: not a context-tagged primitive", ErrInvalidValue)
	}
	if kind == TagBoolean {
		if len(v.Octets) != 1 || v.Octets[0] > 1 {
			return Value{}, fmt.Errorf("%w: context boolean of %d octets", ErrInvalidValue, len(v.Octets))
		}
		return BoolValue(v.Octets[0] == 1), nil
	}
	// Context-tagged Booleans are the only shape difference; everything else
	// shares the application content encoding.
	return decodeApplicationContent(kind, len(v.Octets), v.Octets)
}
