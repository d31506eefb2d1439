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
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgeo/protocols/bacnet/bacnet/internal/transport"
)

// IPTransport is the default Transport: BACnet/IP over UDP with BVLL
// framing. Address MACs are the 4-octet IP followed by the 2-octet port.
type IPTransport struct {
	udp    *transport.UDPTransport
	logger *slog.Logger

	mu   sync.RWMutex
	bbmd *net.UDPAddr
	port int
}

// NewIPTransport creates a BACnet/IP transport bound to localAddr
// (":47808" by default) once opened.
func NewIPTransport(localAddr string, logger *slog.Logger) *IPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPTransport{
		udp:    transport.NewUDPTransport(localAddr),
		logger: logger,
		port:   DefaultPort,
	}
}

// Open binds the socket.
func (t *IPTransport) Open(ctx context.Context) error {
	return t.udp.Open(ctx)
}

// Close shuts the transport down; a blocked Receive returns
// ErrConnectionClosed.
func (t *IPTransport) Close() error {
	return t.udp.Close()
}

// RegisterForeignDevice registers with a BBMD so its network forwards
// broadcasts here. Subsequent broadcasts go to the BBMD as
// Distribute-Broadcast-To-Network instead of the local subnet.
func (t *IPTransport) RegisterForeignDevice(ctx context.Context, bbmd *net.UDPAddr, ttl time.Duration) error {
	if err := t.udp.Send(ctx, bbmd, transport.EncodeRegisterForeignDevice(ttl)); err != nil {
		return err
	}
	t.mu.Lock()
	t.bbmd = bbmd
	t.mu.Unlock()
	t.logger.Info("registered as foreign device",
		slog.String("bbmd", bbmd.String()),
		slog.Duration("ttl", ttl))
	return nil
}

// Send emits one NPDU frame toward to, wrapped as an original unicast or
// broadcast BVLL frame.
func (t *IPTransport) Send(ctx context.Context, to Address, frame []byte) error {
	if to.Broadcast {
		t.mu.RLock()
		bbmd := t.bbmd
		port := t.port
		t.mu.RUnlock()
		if bbmd != nil {
			return t.udp.Send(ctx, bbmd, transport.EncodeBVLC(transport.BVLCDistributeBroadcast, frame))
		}
		return t.udp.Broadcast(ctx, port, transport.EncodeBVLC(transport.BVLCOriginalBroadcast, frame))
	}

	addr, err := addressToUDP(to)
	if err != nil {
		return err
	}
	return t.udp.Send(ctx, addr, transport.EncodeBVLC(transport.BVLCOriginalUnicast, frame))
}

// Receive blocks for the next NPDU frame. BVLL housekeeping frames
// (results, table reads) are consumed here and never surface.
func (t *IPTransport) Receive(ctx context.Context) ([]byte, Address, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, Address{}, err
		}
		raw, addr, err := t.udp.Receive(ctx)
		if err != nil {
			if t.udp.IsClosed() {
				return nil, Address{}, ErrConnectionClosed
			}
			if transport.IsTimeout(err) {
				continue
			}
			return nil, Address{}, err
		}

		frame, err := transport.DecodeBVLC(raw)
		if err != nil {
			t.logger.Debug("dropping invalid BVLL frame",
				slog.String("from", addr.String()),
				slog.String("error", err.Error()))
			continue
		}

		switch frame.Function {
		case transport.BVLCOriginalUnicast, transport.BVLCOriginalBroadcast:
			return frame.Data, udpToAddress(addr), nil
		case transport.BVLCForwardedNPDU:
			return frame.Data, udpToAddress(frame.Source), nil
		case transport.BVLCResult:
			if frame.ResultCode != 0 {
				t.logger.Warn("BVLL negative result",
					slog.String("from", addr.String()),
					slog.Int("code", int(frame.ResultCode)))
			}
		default:
			t.logger.Debug("ignoring BVLL frame",
				slog.String("function", frame.Function.String()),
				slog.String("from", addr.String()))
		}
	}
}

func udpToAddress(addr *net.UDPAddr) Address {
	mac := make([]byte, 6)
	copy(mac[0:4], addr.IP.To4())
	binary.BigEndian.PutUint16(mac[4:6], uint16(addr.Port))
	return Address{Addr: mac}
}

func addressToUDP(a Address) (*net.UDPAddr, error) {
	if len(a.Addr) != 6 {
		return nil, fmt.Errorf("%w: BACnet/IP MAC of %d octets", ErrInvalidValue, len(a.Addr))
	}
	return &net.UDPAddr{
		IP:   net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]),
		Port: int(binary.BigEndian.Uint16(a.Addr[4:6])),
	}, nil
}
