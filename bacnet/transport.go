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
	"context"
	"fmt"
)

// Address identifies a peer device. Net 0 is the local network; Addr is the
// link-layer MAC, which for BACnet/IP is the 4-octet IP address followed by
// the 2-octet UDP port.
type Address struct {
	Net       uint16
	Addr      []byte
	Broadcast bool
}

// LocalBroadcast addresses every device on the local network.
func LocalBroadcast() Address {
	return Address{Broadcast: true}
}

// GlobalBroadcast addresses every device on every network.
func GlobalBroadcast() Address {
	return Address{Net: 0xFFFF, Broadcast: true}
}

func (a Address) String() string {
	if a.Broadcast {
		if a.Net == 0xFFFF {
			return "broadcast(global)"
		}
		return fmt.Sprintf("broadcast(%d)", a.Net)
	}
	return fmt.Sprintf("%d:%x", a.Net, a.Addr)
}

// Key returns a map-key form of the address.
func (a Address) Key() string {
	return a.String()
}

// Equal reports whether two addresses name the same peer.
func (a Address) Equal(b Address) bool {
	if a.Net != b.Net || a.Broadcast != b.Broadcast || len(a.Addr) != len(b.Addr) {
		return false
	}
	for i := range a.Addr {
		if a.Addr[i] != b.Addr[i] {
			return false
		}
	}
	return true
}

// Transport moves raw NPDU frames between this stack and the network. The
// default implementation speaks BACnet/IP; anything satisfying this
// interface (MS/TP bridges, test fakes) plugs in via WithTransport.
//
// Receive blocks until a frame arrives, the context is cancelled, or the
// transport is closed. After Close, Receive returns ErrConnectionClosed.
type Transport interface {
	Send(ctx context.Context, to Address, frame []byte) error
	Receive(ctx context.Context) (frame []byte, from Address, err error)
	Close() error
}
