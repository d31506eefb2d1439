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
	"log/slog"
	"time"
)

// Defaults for the tunables. Every one of them is negotiable on the wire or
// overridable through an Option; these are only the starting points.
const (
	DefaultSegmentTimeout = 2 * time.Second
	DefaultMaxRetries     = 3
	DefaultWindowSize     = 16
	DefaultMaxSegments    = 64
)

type stackOptions struct {
	logger          *slog.Logger
	transport       Transport
	localAddress    string
	maxAPDULength   int
	segmentTimeout  time.Duration
	maxRetries      int
	windowSize      uint8
	maxSegments     int
	maxValueLength  int
	maxNestingDepth int
	clock           func() time.Time
	networkHandler  func(Address, *NetworkMessage)
	metrics         *Metrics
}

func defaultOptions() stackOptions {
	return stackOptions{
		logger:          slog.Default(),
		localAddress:    ":47808",
		maxAPDULength:   DefaultMaxAPDULength,
		segmentTimeout:  DefaultSegmentTimeout,
		maxRetries:      DefaultMaxRetries,
		windowSize:      DefaultWindowSize,
		maxSegments:     DefaultMaxSegments,
		maxValueLength:  DefaultMaxValueLength,
		maxNestingDepth: DefaultMaxNestingDepth,
		clock:           time.Now,
	}
}

// Option configures a Stack or a SegmentationEngine.
type Option func(*stackOptions)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *stackOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport injects a transport. When unset, Connect builds the
// BACnet/IP UDP transport on the local address.
func WithTransport(t Transport) Option {
	return func(o *stackOptions) {
		o.transport = t
	}
}

// WithLocalAddress sets the bind address for the default BACnet/IP
// transport. Defaults to ":47808".
func WithLocalAddress(addr string) Option {
	return func(o *stackOptions) {
		if addr != "" {
			o.localAddress = addr
		}
	}
}

// WithMaxAPDULength sets the largest APDU sent unsegmented. Defaults to
// 1476, the BACnet/IP limit.
func WithMaxAPDULength(n int) Option {
	return func(o *stackOptions) {
		if n > 0 {
			o.maxAPDULength = n
		}
	}
}

// WithSegmentTimeout sets how long a transfer waits for the next segment or
// SegmentACK before retrying.
func WithSegmentTimeout(d time.Duration) Option {
	return func(o *stackOptions) {
		if d > 0 {
			o.segmentTimeout = d
		}
	}
}

// WithMaxRetries sets how many times a timed-out window is retransmitted
// before the transfer aborts.
func WithMaxRetries(n int) Option {
	return func(o *stackOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithWindowSize sets the proposed segment window.
func WithWindowSize(n uint8) Option {
	return func(o *stackOptions) {
		if n > 0 {
			o.windowSize = n
		}
	}
}

// WithMaxSegments caps how many segments an inbound transfer may occupy.
func WithMaxSegments(n int) Option {
	return func(o *stackOptions) {
		if n > 0 {
			o.maxSegments = n
		}
	}
}

// WithMaxValueLength caps the content length a decoded tag may declare.
func WithMaxValueLength(n int) Option {
	return func(o *stackOptions) {
		if n > 0 {
			o.maxValueLength = n
		}
	}
}

// WithMaxNestingDepth caps constructed-value nesting during decode.
func WithMaxNestingDepth(n int) Option {
	return func(o *stackOptions) {
		if n > 0 {
			o.maxNestingDepth = n
		}
	}
}

// WithClock replaces the time source. Tests use this to drive timeouts
// deterministically.
func WithClock(clock func() time.Time) Option {
	return func(o *stackOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics shares a Metrics instance instead of allocating a fresh one.
// The Stack uses this to give its engine the same counters it reports.
func WithMetrics(m *Metrics) Option {
	return func(o *stackOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithNetworkMessageHandler registers a callback for network-layer
// messages, which the stack surfaces but never APDU-decodes.
func WithNetworkMessageHandler(fn func(Address, *NetworkMessage)) Option {
	return func(o *stackOptions) {
		o.networkHandler = fn
	}
}
