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
	"errors"
	"fmt"
)

// Sentinel errors. Decode failures are local and recoverable: a malformed
// frame yields one of these to the caller and never affects other transfers.
var (
	ErrMalformedTag            = errors.New("bacnet: malformed tag")
	ErrTruncatedInput          = errors.New("bacnet: truncated input")
	ErrUnsupportedLength       = errors.New("bacnet: declared length exceeds limit")
	ErrUnbalancedConstructed   = errors.New("bacnet: unbalanced constructed tag")
	ErrUnsupportedCharacterSet = errors.New("bacnet: unsupported character set")
	ErrUnknownPDUType          = errors.New("bacnet: unknown PDU type")
	ErrUnknownServiceChoice    = errors.New("bacnet: unknown service choice")
	ErrDuplicateInvokeID       = errors.New("bacnet: duplicate invoke ID")
	ErrSegmentTimeout          = errors.New("bacnet: segment timeout")
	ErrSegmentSequence         = errors.New("bacnet: segment sequence error")
	ErrProtocolAbort           = errors.New("bacnet: transfer aborted by peer")
	ErrAPDUTooLarge            = errors.New("bacnet: APDU exceeds segmentation capacity")
	ErrInvalidNPDU             = errors.New("bacnet: invalid NPDU")
	ErrInvalidValue            = errors.New("bacnet: invalid value")
	ErrNotConnected            = errors.New("bacnet: not connected")
	ErrAlreadyConnected        = errors.New("bacnet: already connected")
	ErrConnectionClosed        = errors.New("bacnet: connection closed")
)

// ErrorClass represents BACnet error classes carried in Error PDUs.
type ErrorClass uint8

const (
	ErrorClassDevice        ErrorClass = 0
	ErrorClassObject        ErrorClass = 1
	ErrorClassProperty      ErrorClass = 2
	ErrorClassResources     ErrorClass = 3
	ErrorClassSecurity      ErrorClass = 4
	ErrorClassServices      ErrorClass = 5
	ErrorClassVT            ErrorClass = 6
	ErrorClassCommunication ErrorClass = 7
)

func (e ErrorClass) String() string {
	names := map[ErrorClass]string{
		ErrorClassDevice:        "device",
		ErrorClassObject:        "object",
		ErrorClassProperty:      "property",
		ErrorClassResources:     "resources",
		ErrorClassSecurity:      "security",
		ErrorClassServices:      "services",
		ErrorClassVT:            "vt",
		ErrorClassCommunication: "communication",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-class(%d)", e)
}

// ErrorCode represents BACnet error codes carried in Error PDUs.
type ErrorCode uint16

const (
	ErrorCodeOther                    ErrorCode = 0
	ErrorCodeDeviceBusy               ErrorCode = 3
	ErrorCodeInconsistentParameters   ErrorCode = 7
	ErrorCodeInvalidDataType          ErrorCode = 9
	ErrorCodeReadAccessDenied         ErrorCode = 27
	ErrorCodeServiceRequestDenied     ErrorCode = 29
	ErrorCodeUnknownObject            ErrorCode = 31
	ErrorCodeUnknownProperty          ErrorCode = 32
	ErrorCodeValueOutOfRange          ErrorCode = 37
	ErrorCodeWriteAccessDenied        ErrorCode = 40
	ErrorCodeCharacterSetNotSupported ErrorCode = 41
	ErrorCodeInvalidArrayIndex        ErrorCode = 42
	ErrorCodeAbortBufferOverflow      ErrorCode = 51
	ErrorCodeInvalidTag               ErrorCode = 57
	ErrorCodeUnknownDevice            ErrorCode = 70
)

func (e ErrorCode) String() string {
	names := map[ErrorCode]string{
		ErrorCodeOther:                    "other",
		ErrorCodeDeviceBusy:               "device-busy",
		ErrorCodeInconsistentParameters:   "inconsistent-parameters",
		ErrorCodeInvalidDataType:          "invalid-data-type",
		ErrorCodeReadAccessDenied:         "read-access-denied",
		ErrorCodeServiceRequestDenied:     "service-request-denied",
		ErrorCodeUnknownObject:            "unknown-object",
		ErrorCodeUnknownProperty:          "unknown-property",
		ErrorCodeValueOutOfRange:          "value-out-of-range",
		ErrorCodeWriteAccessDenied:        "write-access-denied",
		ErrorCodeCharacterSetNotSupported: "character-set-not-supported",
		ErrorCodeInvalidArrayIndex:        "invalid-array-index",
		ErrorCodeAbortBufferOverflow:      "abort-buffer-overflow",
		ErrorCodeInvalidTag:               "invalid-tag",
		ErrorCodeUnknownDevice:            "unknown-device",
	}
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error-code(%d)", e)
}

// BACnetError represents an Error PDU received from a peer.
type BACnetError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *BACnetError) Error() string {
	return fmt.Sprintf("bacnet error: class=%s, code=%s", e.Class, e.Code)
}

func (e *BACnetError) Is(target error) bool {
	t, ok := target.(*BACnetError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// RejectReason represents BACnet reject reasons.
type RejectReason uint8

const (
	RejectReasonOther                    RejectReason = 0
	RejectReasonBufferOverflow           RejectReason = 1
	RejectReasonInconsistentParameters   RejectReason = 2
	RejectReasonInvalidParameterDataType RejectReason = 3
	RejectReasonInvalidTag               RejectReason = 4
	RejectReasonMissingRequiredParameter RejectReason = 5
	RejectReasonParameterOutOfRange      RejectReason = 6
	RejectReasonTooManyArguments         RejectReason = 7
	RejectReasonUndefinedEnumeration     RejectReason = 8
	RejectReasonUnrecognizedService      RejectReason = 9
)

func (r RejectReason) String() string {
	names := map[RejectReason]string{
		RejectReasonOther:                    "other",
		RejectReasonBufferOverflow:           "buffer-overflow",
		RejectReasonInconsistentParameters:   "inconsistent-parameters",
		RejectReasonInvalidParameterDataType: "invalid-parameter-data-type",
		RejectReasonInvalidTag:               "invalid-tag",
		RejectReasonMissingRequiredParameter: "missing-required-parameter",
		RejectReasonParameterOutOfRange:      "parameter-out-of-range",
		RejectReasonTooManyArguments:         "too-many-arguments",
		RejectReasonUndefinedEnumeration:     "undefined-enumeration",
		RejectReasonUnrecognizedService:      "unrecognized-service",
	}
	if name, ok := names[r]; ok {
		return name
	}
	return fmt.Sprintf("reject-reason(%d)", r)
}

// RejectError represents a Reject PDU received from a peer.
type RejectError struct {
	InvokeID uint8
	Reason   RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("bacnet reject: invoke-id=%d, reason=%s", e.InvokeID, e.Reason)
}

// AbortReason represents BACnet abort reasons.
type AbortReason uint8

const (
	AbortReasonOther                         AbortReason = 0
	AbortReasonBufferOverflow                AbortReason = 1
	AbortReasonInvalidAPDUInThisState        AbortReason = 2
	AbortReasonPreemptedByHigherPriorityTask AbortReason = 3
	AbortReasonSegmentationNotSupported      AbortReason = 4
	AbortReasonSecurityError                 AbortReason = 5
	AbortReasonInsufficientSecurity          AbortReason = 6
	AbortReasonWindowSizeOutOfRange          AbortReason = 7
	AbortReasonApplicationExceededReplyTime  AbortReason = 8
	AbortReasonOutOfResources                AbortReason = 9
	AbortReasonTSMTimeout                    AbortReason = 10
	AbortReasonAPDUTooLong                   AbortReason = 11
)

func (a AbortReason) String() string {
	names := map[AbortReason]string{
		AbortReasonOther:                         "other",
		AbortReasonBufferOverflow:                "buffer-overflow",
		AbortReasonInvalidAPDUInThisState:        "invalid-apdu-in-this-state",
		AbortReasonPreemptedByHigherPriorityTask: "preempted-by-higher-priority-task",
		AbortReasonSegmentationNotSupported:      "segmentation-not-supported",
		AbortReasonSecurityError:                 "security-error",
		AbortReasonInsufficientSecurity:          "insufficient-security",
		AbortReasonWindowSizeOutOfRange:          "window-size-out-of-range",
		AbortReasonApplicationExceededReplyTime:  "application-exceeded-reply-time",
		AbortReasonOutOfResources:                "out-of-resources",
		AbortReasonTSMTimeout:                    "tsm-timeout",
		AbortReasonAPDUTooLong:                   "apdu-too-long",
	}
	if name, ok := names[a]; ok {
		return name
	}
	return fmt.Sprintf("abort-reason(%d)", a)
}

// AbortError represents an Abort PDU received from a peer.
type AbortError struct {
	InvokeID uint8
	Server   bool
	Reason   AbortReason
}

func (e *AbortError) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("bacnet abort: invoke-id=%d, origin=%s, reason=%s", e.InvokeID, origin, e.Reason)
}

func (e *AbortError) Unwrap() error {
	return ErrProtocolAbort
}

// SegmentationError is a terminal segmentation failure for one transfer,
// tagged with the peer and invoke ID it belongs to.
type SegmentationError struct {
	Peer     Address
	InvokeID uint8
	Err      error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("bacnet segmentation: peer=%s, invoke-id=%d: %v", e.Peer, e.InvokeID, e.Err)
}

func (e *SegmentationError) Unwrap() error {
	return e.Err
}

// IsSegmentTimeout returns true if the error is a segment timeout.
func IsSegmentTimeout(err error) bool {
	return errors.Is(err, ErrSegmentTimeout)
}

// IsProtocolAbort returns true if the error was a peer-initiated abort.
func IsProtocolAbort(err error) bool {
	return errors.Is(err, ErrProtocolAbort)
}

// IsDecodeError returns true for any of the codec-level failures, which are
// always recoverable by dropping the offending frame.
func IsDecodeError(err error) bool {
	for _, sentinel := range []error{
		ErrMalformedTag, ErrTruncatedInput, ErrUnsupportedLength,
		ErrUnbalancedConstructed, ErrUnsupportedCharacterSet,
		ErrUnknownPDUType, ErrUnknownServiceChoice, ErrInvalidNPDU,
		ErrInvalidValue,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
