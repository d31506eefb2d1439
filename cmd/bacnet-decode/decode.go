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

package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo/protocols/bacnet/bacnet"
)

var decodeAPDUOnly bool

var decodeCmd = &cobra.Command{
	Use:   "decode <hex-frame>",
	Short: "Decode a raw BACnet frame",
	Long: `Decode parses a hex-encoded NPDU frame and prints its network and
application layers.

With --apdu the input is treated as a bare APDU, skipping the network
header.

Examples:
  # Decode a full NPDU frame
  bacnet-decode decode 0104000a010c0c002dc6db19554c

  # Decode a bare APDU
  bacnet-decode decode --apdu 000200050c0c002dc6db1955`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeAPDUOnly, "apdu", false, "Treat input as a bare APDU without an NPDU header")
}

// FrameDump is the structured decode output.
type FrameDump struct {
	Network     *NetworkDump     `json:"network,omitempty"`
	Application *ApplicationDump `json:"application,omitempty"`
}

type NetworkDump struct {
	Priority       string `json:"priority"`
	ExpectingReply bool   `json:"expecting_reply"`
	Destination    string `json:"destination,omitempty"`
	Source         string `json:"source,omitempty"`
	HopCount       uint8  `json:"hop_count,omitempty"`
	Message        string `json:"network_message,omitempty"`
}

type ApplicationDump struct {
	PDUType    string   `json:"pdu_type"`
	Service    string   `json:"service,omitempty"`
	InvokeID   *uint8   `json:"invoke_id,omitempty"`
	Segmented  bool     `json:"segmented,omitempty"`
	Sequence   *uint8   `json:"sequence,omitempty"`
	Window     *uint8   `json:"window,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Values     []string `json:"values,omitempty"`
	PayloadHex string   `json:"payload_hex,omitempty"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
	if err != nil {
		return fmt.Errorf("parse hex input: %w", err)
	}

	dump := FrameDump{}
	apduBytes := raw

	if !decodeAPDUOnly {
		npdu, err := bacnet.DecodeNPDU(raw)
		if err != nil {
			return fmt.Errorf("decode NPDU: %w", err)
		}
		dump.Network = dumpNetwork(npdu)
		if npdu.Message != nil {
			return output(dump)
		}
		apduBytes = npdu.Payload
	}

	apdu, err := bacnet.DecodeAPDU(apduBytes)
	if err != nil {
		return fmt.Errorf("decode APDU: %w", err)
	}
	dump.Application = dumpApplication(apdu)
	return output(dump)
}

func dumpNetwork(npdu *bacnet.NPDU) *NetworkDump {
	dump := &NetworkDump{
		Priority:       npdu.Priority.String(),
		ExpectingReply: npdu.ExpectingReply,
		HopCount:       npdu.HopCount,
	}
	if npdu.Destination != nil {
		dump.Destination = npdu.Destination.String()
	}
	if npdu.Source != nil {
		dump.Source = npdu.Source.String()
	}
	if npdu.Message != nil {
		dump.Message = fmt.Sprintf("type=%02x data=%x", uint8(npdu.Message.Type), npdu.Message.Data)
	}
	return dump
}

func dumpApplication(apdu bacnet.APDU) *ApplicationDump {
	dump := &ApplicationDump{}

	switch pdu := apdu.(type) {
	case *bacnet.ConfirmedRequest:
		dump.PDUType = bacnet.PDUTypeConfirmedRequest.String()
		dump.Service = pdu.Service.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Segmented = pdu.Segmented
		if pdu.Segmented {
			dump.Sequence = &pdu.SequenceNumber
			dump.Window = &pdu.ProposedWindowSize
		}
		dump.Detail = describeConfirmedPayload(pdu)
		dump.Values = payloadValues(pdu.Payload)
		dump.PayloadHex = hex.EncodeToString(pdu.Payload)

	case *bacnet.UnconfirmedRequest:
		dump.PDUType = bacnet.PDUTypeUnconfirmedRequest.String()
		dump.Service = pdu.Service.String()
		dump.Detail = describeUnconfirmedPayload(pdu)
		dump.Values = payloadValues(pdu.Payload)
		dump.PayloadHex = hex.EncodeToString(pdu.Payload)

	case *bacnet.SimpleACK:
		dump.PDUType = bacnet.PDUTypeSimpleACK.String()
		dump.Service = pdu.Service.String()
		dump.InvokeID = &pdu.InvokeID

	case *bacnet.ComplexACK:
		dump.PDUType = bacnet.PDUTypeComplexACK.String()
		dump.Service = pdu.Service.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Segmented = pdu.Segmented
		if pdu.Segmented {
			dump.Sequence = &pdu.SequenceNumber
			dump.Window = &pdu.ProposedWindowSize
		}
		if pdu.Service == bacnet.ServiceReadProperty && !pdu.Segmented {
			if ack, err := bacnet.DecodeReadPropertyACK(pdu.Payload); err == nil {
				dump.Detail = fmt.Sprintf("%s %s", ack.Object, ack.Property)
			}
		}
		dump.Values = payloadValues(pdu.Payload)
		dump.PayloadHex = hex.EncodeToString(pdu.Payload)

	case *bacnet.SegmentACK:
		dump.PDUType = bacnet.PDUTypeSegmentACK.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Sequence = &pdu.SequenceNumber
		dump.Window = &pdu.ActualWindowSize
		dump.Detail = fmt.Sprintf("negative=%t server=%t", pdu.NegativeACK, pdu.Server)

	case *bacnet.ErrorPDU:
		dump.PDUType = bacnet.PDUTypeError.String()
		dump.Service = pdu.Service.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Detail = fmt.Sprintf("class=%s code=%s", pdu.Class, pdu.Code)

	case *bacnet.Reject:
		dump.PDUType = bacnet.PDUTypeReject.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Detail = fmt.Sprintf("reason=%s", pdu.Reason)

	case *bacnet.Abort:
		dump.PDUType = bacnet.PDUTypeAbort.String()
		dump.InvokeID = &pdu.InvokeID
		dump.Detail = fmt.Sprintf("server=%t reason=%s", pdu.Server, pdu.Reason)
	}
	return dump
}

func describeConfirmedPayload(pdu *bacnet.ConfirmedRequest) string {
	if pdu.Segmented {
		return ""
	}
	switch pdu.Service {
	case bacnet.ServiceReadProperty:
		if req, err := bacnet.DecodeReadPropertyRequest(pdu.Payload); err == nil {
			return fmt.Sprintf("%s %s", req.Object, req.Property)
		}
	case bacnet.ServiceWriteProperty:
		if req, err := bacnet.DecodeWritePropertyRequest(pdu.Payload); err == nil {
			return fmt.Sprintf("%s %s", req.Object, req.Property)
		}
	}
	return ""
}

func describeUnconfirmedPayload(pdu *bacnet.UnconfirmedRequest) string {
	switch pdu.Service {
	case bacnet.ServiceWhoIs:
		if req, err := bacnet.DecodeWhoIsRequest(pdu.Payload); err == nil && req.LowLimit != nil {
			return fmt.Sprintf("range %d..%d", *req.LowLimit, *req.HighLimit)
		}
	case bacnet.ServiceIAm:
		if iam, err := bacnet.DecodeIAmRequest(pdu.Payload); err == nil {
			return fmt.Sprintf("%s vendor=%d max-apdu=%d %s",
				iam.Device, iam.VendorID, iam.MaxAPDULength, iam.Segmentation)
		}
	}
	return ""
}

func payloadValues(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	values, err := bacnet.DecodeValues(payload)
	if err != nil {
		return nil
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = v.String()
	}
	return strs
}

func output(dump FrameDump) error {
	if outputFmt == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(dump)
	}

	if dump.Network != nil {
		fmt.Println("=== Network layer ===")
		fmt.Printf("  %-16s: %s\n", "priority", dump.Network.Priority)
		fmt.Printf("  %-16s: %t\n", "expecting-reply", dump.Network.ExpectingReply)
		if dump.Network.Destination != "" {
			fmt.Printf("  %-16s: %s\n", "destination", dump.Network.Destination)
			fmt.Printf("  %-16s: %d\n", "hop-count", dump.Network.HopCount)
		}
		if dump.Network.Source != "" {
			fmt.Printf("  %-16s: %s\n", "source", dump.Network.Source)
		}
		if dump.Network.Message != "" {
			fmt.Printf("  %-16s: %s\n", "network-message", dump.Network.Message)
		}
	}
	if dump.Application != nil {
		app := dump.Application
		fmt.Println("=== Application layer ===")
		fmt.Printf("  %-16s: %s\n", "pdu-type", app.PDUType)
		if app.Service != "" {
			fmt.Printf("  %-16s: %s\n", "service", app.Service)
		}
		if app.InvokeID != nil {
			fmt.Printf("  %-16s: %d\n", "invoke-id", *app.InvokeID)
		}
		if app.Segmented {
			fmt.Printf("  %-16s: seq=%d window=%d\n", "segment", *app.Sequence, *app.Window)
		}
		if app.Detail != "" {
			fmt.Printf("  %-16s: %s\n", "detail", app.Detail)
		}
		for _, v := range app.Values {
			fmt.Printf("  %-16s: %s\n", "value", v)
		}
		if app.PayloadHex != "" {
			fmt.Printf("  %-16s: %s\n", "payload", app.PayloadHex)
		}
	}
	return nil
}
