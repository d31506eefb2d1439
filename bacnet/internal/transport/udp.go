// Package transport provides the BACnet/IP link layer: UDP datagram
// exchange plus the BVLL framing that wraps every NPDU on the wire.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxDatagramSize is the receive buffer size, one Ethernet MTU.
const MaxDatagramSize = 1500

// ErrNotOpen is returned when sending or receiving before Open.
var ErrNotOpen = errors.New("transport: not open")

// UDPTransport moves raw BACnet/IP datagrams. Framing and addressing
// semantics live above it; this type only owns the socket.
type UDPTransport struct {
	localAddr    string
	mu           sync.RWMutex
	conn         *net.UDPConn
	readTimeout  time.Duration
	writeTimeout time.Duration
	closed       bool
}

// NewUDPTransport creates a transport bound to localAddr once opened.
func NewUDPTransport(localAddr string) *UDPTransport {
	return &UDPTransport{
		localAddr:    localAddr,
		readTimeout:  3 * time.Second,
		writeTimeout: 3 * time.Second,
	}
}

// SetReadTimeout sets the default receive deadline used when the context
// carries none. Receivers loop on timeout errors; see IsTimeout.
func (t *UDPTransport) SetReadTimeout(d time.Duration) {
	t.mu.Lock()
	t.readTimeout = d
	t.mu.Unlock()
}

// SetWriteTimeout sets the default send deadline used when the context
// carries none.
func (t *UDPTransport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	t.writeTimeout = d
	t.mu.Unlock()
}

// Open binds the UDP socket. Opening an already-open transport is a no-op.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && !t.closed {
		return nil
	}

	var addr *net.UDPAddr
	var err error
	if t.localAddr != "" {
		addr, err = net.ResolveUDPAddr("udp4", t.localAddr)
		if err != nil {
			return fmt.Errorf("resolve local address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}

	t.conn = conn
	t.closed = false
	return nil
}

// Close shuts the socket down. Blocked receives return immediately.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// IsClosed reports whether Close has been called.
func (t *UDPTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// LocalAddr returns the bound address, nil before Open.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr *net.UDPAddr, data []byte) error {
	t.mu.RLock()
	conn := t.conn
	writeTimeout := t.writeTimeout
	t.mu.RUnlock()

	if conn == nil {
		return ErrNotOpen
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Broadcast writes one datagram to the limited broadcast address.
func (t *UDPTransport) Broadcast(ctx context.Context, port int, data []byte) error {
	return t.Send(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: port}, data)
}

// Receive reads one datagram. The deadline comes from the context when set,
// otherwise from the read timeout; callers are expected to loop on timeout
// errors, which IsTimeout identifies.
func (t *UDPTransport) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mu.RLock()
	conn := t.conn
	readTimeout := t.readTimeout
	t.mu.RUnlock()

	if conn == nil {
		return nil, nil, ErrNotOpen
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(readTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, MaxDatagramSize)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// IsTimeout reports whether err is a read/write deadline expiry, the
// signal to retry a Receive loop iteration.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
