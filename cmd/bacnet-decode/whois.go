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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/protocols/bacnet/bacnet"
)

var (
	whoisLow  uint32
	whoisHigh uint32
	whoisWait time.Duration
)

var whoisCmd = &cobra.Command{
	Use:   "whois",
	Short: "Discover devices with a Who-Is broadcast",
	Long: `Whois broadcasts a Who-Is request and prints every I-Am response
received within the wait window.

Examples:
  # Discover everything on the local network
  bacnet-decode whois

  # Limit to a device instance range
  bacnet-decode whois --low 1000 --high 1999 --wait 10s`,
	RunE: runWhoIs,
}

func init() {
	whoisCmd.Flags().Uint32Var(&whoisLow, "low", 0, "Low device instance limit")
	whoisCmd.Flags().Uint32Var(&whoisHigh, "high", 0, "High device instance limit")
	whoisCmd.Flags().DurationVar(&whoisWait, "wait", 5*time.Second, "How long to collect responses")
}

// DiscoveredDevice is one I-Am response.
type DiscoveredDevice struct {
	Device        string `json:"device"`
	Address       string `json:"address"`
	VendorID      uint16 `json:"vendor_id"`
	MaxAPDULength uint32 `json:"max_apdu_length"`
	Segmentation  string `json:"segmentation"`
}

func runWhoIs(cmd *cobra.Command, args []string) error {
	stack := bacnet.NewStack(
		bacnet.WithLogger(logger),
		bacnet.WithLocalAddress(localAddress),
	)

	ctx, cancel := context.WithTimeout(context.Background(), whoisWait+timeout)
	defer cancel()

	if err := stack.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer stack.Close()

	req := bacnet.WhoIsRequest{}
	if whoisHigh > 0 {
		req.LowLimit = &whoisLow
		req.HighLimit = &whoisHigh
	}
	if err := stack.WhoIs(ctx, req); err != nil {
		return fmt.Errorf("send Who-Is: %w", err)
	}

	devices := make([]DiscoveredDevice, 0)
	deadline := time.After(whoisWait)

	for {
		select {
		case <-deadline:
			return outputDevices(devices)
		case <-ctx.Done():
			return outputDevices(devices)
		case prim := <-stack.Primitives():
			req, ok := prim.APDU.(*bacnet.UnconfirmedRequest)
			if !ok || req.Service != bacnet.ServiceIAm {
				continue
			}
			iam, err := bacnet.DecodeIAmRequest(req.Payload)
			if err != nil {
				logger.Debug("skipping malformed I-Am", "error", err)
				continue
			}
			devices = append(devices, DiscoveredDevice{
				Device:        iam.Device.String(),
				Address:       prim.Peer.String(),
				VendorID:      iam.VendorID,
				MaxAPDULength: iam.MaxAPDULength,
				Segmentation:  iam.Segmentation.String(),
			})
			fmt.Fprintf(os.Stderr, "\rFound %d devices", len(devices))
		}
	}
}

func outputDevices(devices []DiscoveredDevice) error {
	fmt.Fprintln(os.Stderr)

	if outputFmt == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}

	fmt.Printf("%-20s %-24s %-8s %-10s %s\n", "DEVICE", "ADDRESS", "VENDOR", "MAX-APDU", "SEGMENTATION")
	for _, d := range devices {
		fmt.Printf("%-20s %-24s %-8d %-10d %s\n",
			d.Device, d.Address, d.VendorID, d.MaxAPDULength, d.Segmentation)
	}
	fmt.Printf("\n%d devices found\n", len(devices))
	return nil
}
