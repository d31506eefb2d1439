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

// Package bacnet implements the ASHRAE-135 application-layer protocol core:
// the tag/value codec, the APDU and NPDU codecs, and the segmentation engine
// driving multi-segment confirmed transfers. The package is transport
// agnostic; frames enter and leave through the Transport interface.
package bacnet

import "fmt"

// ProtocolVersion is the only NPDU version defined by ASHRAE-135.
const ProtocolVersion = 0x01

// DefaultPort is the standard BACnet/IP UDP port.
const DefaultPort = 47808

// DefaultMaxAPDULength is the maximum APDU length for BACnet/IP links.
const DefaultMaxAPDULength = 1476

// PDU Types (high nibble of the first APDU octet)
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleACK          PDUType = 0x20
	PDUTypeComplexACK         PDUType = 0x30
	PDUTypeSegmentACK         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

func (t PDUType) String() string {
	names := map[PDUType]string{
		PDUTypeConfirmedRequest:   "confirmed-request",
		PDUTypeUnconfirmedRequest: "unconfirmed-request",
		PDUTypeSimpleACK:          "simple-ack",
		PDUTypeComplexACK:         "complex-ack",
		PDUTypeSegmentACK:         "segment-ack",
		PDUTypeError:              "error",
		PDUTypeReject:             "reject",
		PDUTypeAbort:              "abort",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("pdu-type(%02x)", uint8(t))
}

// Confirmed Service Choices
type ConfirmedServiceChoice uint8

const (
	ServiceAcknowledgeAlarm           ConfirmedServiceChoice = 0
	ServiceConfirmedCOVNotification   ConfirmedServiceChoice = 1
	ServiceConfirmedEventNotification ConfirmedServiceChoice = 2
	ServiceGetAlarmSummary            ConfirmedServiceChoice = 3
	ServiceGetEnrollmentSummary       ConfirmedServiceChoice = 4
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceAtomicReadFile             ConfirmedServiceChoice = 6
	ServiceAtomicWriteFile            ConfirmedServiceChoice = 7
	ServiceAddListElement             ConfirmedServiceChoice = 8
	ServiceRemoveListElement          ConfirmedServiceChoice = 9
	ServiceCreateObject               ConfirmedServiceChoice = 10
	ServiceDeleteObject               ConfirmedServiceChoice = 11
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyConditional    ConfirmedServiceChoice = 13
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple      ConfirmedServiceChoice = 16
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceConfirmedPrivateTransfer   ConfirmedServiceChoice = 18
	ServiceConfirmedTextMessage       ConfirmedServiceChoice = 19
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
	ServiceVTOpen                     ConfirmedServiceChoice = 21
	ServiceVTClose                    ConfirmedServiceChoice = 22
	ServiceVTData                     ConfirmedServiceChoice = 23
	ServiceReadRange                  ConfirmedServiceChoice = 26
	ServiceLifeSafetyOperation        ConfirmedServiceChoice = 27
	ServiceSubscribeCOVProperty       ConfirmedServiceChoice = 28
	ServiceGetEventInformation        ConfirmedServiceChoice = 29
)

var confirmedServiceNames = map[ConfirmedServiceChoice]string{
	ServiceAcknowledgeAlarm:           "AcknowledgeAlarm",
	ServiceConfirmedCOVNotification:   "ConfirmedCOVNotification",
	ServiceConfirmedEventNotification: "ConfirmedEventNotification",
	ServiceGetAlarmSummary:            "GetAlarmSummary",
	ServiceGetEnrollmentSummary:       "GetEnrollmentSummary",
	ServiceSubscribeCOV:               "SubscribeCOV",
	ServiceAtomicReadFile:             "AtomicReadFile",
	ServiceAtomicWriteFile:            "AtomicWriteFile",
	ServiceAddListElement:             "AddListElement",
	ServiceRemoveListElement:          "RemoveListElement",
	ServiceCreateObject:               "CreateObject",
	ServiceDeleteObject:               "DeleteObject",
	ServiceReadProperty:               "ReadProperty",
	ServiceReadPropertyConditional:    "ReadPropertyConditional",
	ServiceReadPropertyMultiple:       "ReadPropertyMultiple",
	ServiceWriteProperty:              "WriteProperty",
	ServiceWritePropertyMultiple:      "WritePropertyMultiple",
	ServiceDeviceCommunicationControl: "DeviceCommunicationControl",
	ServiceConfirmedPrivateTransfer:   "ConfirmedPrivateTransfer",
	ServiceConfirmedTextMessage:       "ConfirmedTextMessage",
	ServiceReinitializeDevice:         "ReinitializeDevice",
	ServiceVTOpen:                     "VTOpen",
	ServiceVTClose:                    "VTClose",
	ServiceVTData:                     "VTData",
	ServiceReadRange:                  "ReadRange",
	ServiceLifeSafetyOperation:        "LifeSafetyOperation",
	ServiceSubscribeCOVProperty:       "SubscribeCOVProperty",
	ServiceGetEventInformation:        "GetEventInformation",
}

func (s ConfirmedServiceChoice) String() string {
	if name, ok := confirmedServiceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// Known reports whether the service choice is one this stack recognizes.
func (s ConfirmedServiceChoice) Known() bool {
	_, ok := confirmedServiceNames[s]
	return ok
}

// Unconfirmed Service Choices
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                          UnconfirmedServiceChoice = 0
	ServiceIHave                        UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification   UnconfirmedServiceChoice = 2
	ServiceUnconfirmedEventNotification UnconfirmedServiceChoice = 3
	ServiceUnconfirmedPrivateTransfer   UnconfirmedServiceChoice = 4
	ServiceUnconfirmedTextMessage       UnconfirmedServiceChoice = 5
	ServiceTimeSynchronization          UnconfirmedServiceChoice = 6
	ServiceWhoHas                       UnconfirmedServiceChoice = 7
	ServiceWhoIs                        UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization       UnconfirmedServiceChoice = 9
	ServiceWriteGroup                   UnconfirmedServiceChoice = 10
)

var unconfirmedServiceNames = map[UnconfirmedServiceChoice]string{
	ServiceIAm:                          "I-Am",
	ServiceIHave:                        "I-Have",
	ServiceUnconfirmedCOVNotification:   "UnconfirmedCOVNotification",
	ServiceUnconfirmedEventNotification: "UnconfirmedEventNotification",
	ServiceUnconfirmedPrivateTransfer:   "UnconfirmedPrivateTransfer",
	ServiceUnconfirmedTextMessage:       "UnconfirmedTextMessage",
	ServiceTimeSynchronization:          "TimeSynchronization",
	ServiceWhoHas:                       "Who-Has",
	ServiceWhoIs:                        "Who-Is",
	ServiceUTCTimeSynchronization:       "UTCTimeSynchronization",
	ServiceWriteGroup:                   "WriteGroup",
}

func (s UnconfirmedServiceChoice) String() string {
	if name, ok := unconfirmedServiceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// Known reports whether the service choice is one this stack recognizes.
func (s UnconfirmedServiceChoice) Known() bool {
	_, ok := unconfirmedServiceNames[s]
	return ok
}

// MaxSegments is the max-segments-accepted nibble on a Confirmed-Request
// (high half of octet 1). The wire values are an exponential scale, not a
// count.
type MaxSegments uint8

const (
	MaxSegmentsUnspecified MaxSegments = 0
	MaxSegments2           MaxSegments = 1
	MaxSegments4           MaxSegments = 2
	MaxSegments8           MaxSegments = 3
	MaxSegments16          MaxSegments = 4
	MaxSegments32          MaxSegments = 5
	MaxSegments64          MaxSegments = 6
	MaxSegmentsMoreThan64  MaxSegments = 7
)

// Count returns the segment count the nibble advertises, or 0 when
// unspecified/unbounded.
func (m MaxSegments) Count() int {
	if m == MaxSegmentsUnspecified || m == MaxSegmentsMoreThan64 {
		return 0
	}
	return 1 << m
}

// MaxSegmentsForCount returns the smallest nibble that covers n segments.
func MaxSegmentsForCount(n int) MaxSegments {
	for m := MaxSegments2; m <= MaxSegments64; m++ {
		if m.Count() >= n {
			return m
		}
	}
	return MaxSegmentsMoreThan64
}

// MaxAPDU is the max-APDU-length-accepted nibble on a Confirmed-Request
// (low half of octet 1).
type MaxAPDU uint8

const (
	MaxAPDU50   MaxAPDU = 0
	MaxAPDU128  MaxAPDU = 1
	MaxAPDU206  MaxAPDU = 2
	MaxAPDU480  MaxAPDU = 3
	MaxAPDU1024 MaxAPDU = 4
	MaxAPDU1476 MaxAPDU = 5
)

// Length returns the octet count the nibble encodes.
func (m MaxAPDU) Length() int {
	lengths := map[MaxAPDU]int{
		MaxAPDU50:   50,
		MaxAPDU128:  128,
		MaxAPDU206:  206,
		MaxAPDU480:  480,
		MaxAPDU1024: 1024,
		MaxAPDU1476: 1476,
	}
	if l, ok := lengths[m]; ok {
		return l
	}
	return 0
}

// MaxAPDUForLength returns the largest nibble whose length fits within n.
func MaxAPDUForLength(n int) MaxAPDU {
	best := MaxAPDU50
	for m := MaxAPDU50; m <= MaxAPDU1476; m++ {
		if m.Length() <= n {
			best = m
		}
	}
	return best
}

// Tag classes (bit 3 of the initial tag octet)
type TagClass uint8

const (
	TagClassApplication TagClass = 0
	TagClassContext     TagClass = 1
)

func (c TagClass) String() string {
	if c == TagClassContext {
		return "context"
	}
	return "application"
}

// Application tag numbers double as the primitive datatype discriminator.
type ApplicationTag uint8

const (
	TagNull            ApplicationTag = 0
	TagBoolean         ApplicationTag = 1
	TagUnsignedInt     ApplicationTag = 2
	TagSignedInt       ApplicationTag = 3
	TagReal            ApplicationTag = 4
	TagDouble          ApplicationTag = 5
	TagOctetString     ApplicationTag = 6
	TagCharacterString ApplicationTag = 7
	TagBitString       ApplicationTag = 8
	TagEnumerated      ApplicationTag = 9
	TagDate            ApplicationTag = 10
	TagTime            ApplicationTag = 11
	TagObjectID        ApplicationTag = 12
)

func (t ApplicationTag) String() string {
	names := map[ApplicationTag]string{
		TagNull:            "null",
		TagBoolean:         "boolean",
		TagUnsignedInt:     "unsigned",
		TagSignedInt:       "signed",
		TagReal:            "real",
		TagDouble:          "double",
		TagOctetString:     "octet-string",
		TagCharacterString: "character-string",
		TagBitString:       "bit-string",
		TagEnumerated:      "enumerated",
		TagDate:            "date",
		TagTime:            "time",
		TagObjectID:        "object-identifier",
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("application-tag(%d)", t)
}

// CharacterSet is the first octet of an encoded CharacterString.
type CharacterSet uint8

const (
	CharacterSetUTF8      CharacterSet = 0 // ANSI X3.4 / UTF-8
	CharacterSetDBCS      CharacterSet = 1
	CharacterSetJISC      CharacterSet = 2
	CharacterSetUCS4      CharacterSet = 3
	CharacterSetUCS2      CharacterSet = 4
	CharacterSetISO8859_1 CharacterSet = 5
)

func (c CharacterSet) String() string {
	names := map[CharacterSet]string{
		CharacterSetUTF8:      "utf-8",
		CharacterSetDBCS:      "dbcs",
		CharacterSetJISC:      "jis-c-6226",
		CharacterSetUCS4:      "ucs-4",
		CharacterSetUCS2:      "ucs-2",
		CharacterSetISO8859_1: "iso-8859-1",
	}
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("character-set(%d)", c)
}

// NPDU Network Layer Protocol Control Information bits
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
)

// NPDUPriority occupies the low two control bits.
type NPDUPriority uint8

const (
	PriorityNormal            NPDUPriority = 0
	PriorityUrgent            NPDUPriority = 1
	PriorityCriticalEquipment NPDUPriority = 2
	PriorityLifeSafety        NPDUPriority = 3
)

func (p NPDUPriority) String() string {
	names := map[NPDUPriority]string{
		PriorityNormal:            "normal",
		PriorityUrgent:            "urgent",
		PriorityCriticalEquipment: "critical-equipment",
		PriorityLifeSafety:        "life-safety",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", p)
}

// Network Layer Message Types
type NetworkMessageType uint8

const (
	NetworkMessageWhoIsRouterToNetwork          NetworkMessageType = 0x00
	NetworkMessageIAmRouterToNetwork            NetworkMessageType = 0x01
	NetworkMessageICouldBeRouterToNetwork       NetworkMessageType = 0x02
	NetworkMessageRejectMessageToNetwork        NetworkMessageType = 0x03
	NetworkMessageRouterBusyToNetwork           NetworkMessageType = 0x04
	NetworkMessageRouterAvailableToNetwork      NetworkMessageType = 0x05
	NetworkMessageInitializeRoutingTable        NetworkMessageType = 0x06
	NetworkMessageInitializeRoutingTableAck     NetworkMessageType = 0x07
	NetworkMessageEstablishConnectionToNetwork  NetworkMessageType = 0x08
	NetworkMessageDisconnectConnectionToNetwork NetworkMessageType = 0x09
	NetworkMessageWhatIsNetworkNumber           NetworkMessageType = 0x12
	NetworkMessageNetworkNumberIs               NetworkMessageType = 0x13
)

// Proprietary reports whether the message type is in the vendor range, in
// which case a 2-octet vendor ID follows the type on the wire.
func (t NetworkMessageType) Proprietary() bool {
	return t >= 0x80
}

// Segmentation represents the segmentation-supported capability advertised
// in I-Am.
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", s)
}

// ObjectType represents BACnet object types. Only the types this stack's
// service codecs name are listed; anything else round-trips as its raw value.
type ObjectType uint16

const (
	ObjectTypeAnalogInput      ObjectType = 0
	ObjectTypeAnalogOutput     ObjectType = 1
	ObjectTypeAnalogValue      ObjectType = 2
	ObjectTypeBinaryInput      ObjectType = 3
	ObjectTypeBinaryOutput     ObjectType = 4
	ObjectTypeBinaryValue      ObjectType = 5
	ObjectTypeDevice           ObjectType = 8
	ObjectTypeFile             ObjectType = 10
	ObjectTypeMultiStateInput  ObjectType = 13
	ObjectTypeMultiStateOutput ObjectType = 14
	ObjectTypeMultiStateValue  ObjectType = 19
	ObjectTypeTrendLog         ObjectType = 20
)

func (o ObjectType) String() string {
	names := map[ObjectType]string{
		ObjectTypeAnalogInput:      "analog-input",
		ObjectTypeAnalogOutput:     "analog-output",
		ObjectTypeAnalogValue:      "analog-value",
		ObjectTypeBinaryInput:      "binary-input",
		ObjectTypeBinaryOutput:     "binary-output",
		ObjectTypeBinaryValue:      "binary-value",
		ObjectTypeDevice:           "device",
		ObjectTypeFile:             "file",
		ObjectTypeMultiStateInput:  "multi-state-input",
		ObjectTypeMultiStateOutput: "multi-state-output",
		ObjectTypeMultiStateValue:  "multi-state-value",
		ObjectTypeTrendLog:         "trend-log",
	}
	if name, ok := names[o]; ok {
		return name
	}
	return fmt.Sprintf("object-type(%d)", o)
}

// PropertyIdentifier represents BACnet property identifiers.
type PropertyIdentifier uint32

const (
	PropertyObjectIdentifier      PropertyIdentifier = 75
	PropertyObjectList            PropertyIdentifier = 76
	PropertyObjectName            PropertyIdentifier = 77
	PropertyObjectType            PropertyIdentifier = 79
	PropertyPresentValue          PropertyIdentifier = 85
	PropertyPriorityArray         PropertyIdentifier = 87
	PropertyStatusFlags           PropertyIdentifier = 111
	PropertyUnits                 PropertyIdentifier = 117
	PropertyVendorIdentifier      PropertyIdentifier = 120
	PropertyVendorName            PropertyIdentifier = 121
	PropertyDescription           PropertyIdentifier = 28
	PropertyMaxAPDULengthAccepted PropertyIdentifier = 62
	PropertySegmentationSupported PropertyIdentifier = 107
	PropertyAPDUSegmentTimeout    PropertyIdentifier = 10
	PropertyAPDUTimeout           PropertyIdentifier = 11
	PropertyMaxSegmentsAccepted   PropertyIdentifier = 167
)

func (p PropertyIdentifier) String() string {
	names := map[PropertyIdentifier]string{
		PropertyObjectIdentifier:      "object-identifier",
		PropertyObjectList:            "object-list",
		PropertyObjectName:            "object-name",
		PropertyObjectType:            "object-type",
		PropertyPresentValue:          "present-value",
		PropertyPriorityArray:         "priority-array",
		PropertyStatusFlags:           "status-flags",
		PropertyUnits:                 "units",
		PropertyVendorIdentifier:      "vendor-identifier",
		PropertyVendorName:            "vendor-name",
		PropertyDescription:           "description",
		PropertyMaxAPDULengthAccepted: "max-apdu-length-accepted",
		PropertySegmentationSupported: "segmentation-supported",
		PropertyAPDUSegmentTimeout:    "apdu-segment-timeout",
		PropertyAPDUTimeout:           "apdu-timeout",
		PropertyMaxSegmentsAccepted:   "max-segments-accepted",
	}
	if name, ok := names[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

// ObjectIdentifier packs a 10-bit object type and a 22-bit instance number
// into four octets.
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier.
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{Type: objectType, Instance: instance & 0x3FFFFF}
}

// Pack encodes the object identifier into its 32-bit wire form.
func (o ObjectIdentifier) Pack() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & 0x3FFFFF)
}

// UnpackObjectIdentifier decodes the 32-bit wire form.
func UnpackObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & 0x3FFFFF,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type, o.Instance)
}
