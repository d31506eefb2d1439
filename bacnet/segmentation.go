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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SegmentEventKind discriminates terminal transfer outcomes.
type SegmentEventKind uint8

const (
	SegmentEventCompleted SegmentEventKind = iota
	SegmentEventAborted
)

func (k SegmentEventKind) String() string {
	if k == SegmentEventCompleted {
		return "completed"
	}
	return "aborted"
}

// SegmentEvent is a terminal transfer notification. For a completed inbound
// transfer, APDU holds the reassembled unsegmented PDU. For an aborted
// transfer, Err holds a SegmentationError.
type SegmentEvent struct {
	Kind     SegmentEventKind
	Peer     Address
	InvokeID uint8
	Outbound bool
	APDU     APDU
	Err      error
}

// SendFunc emits one APDU toward a peer. The engine never touches the
// transport directly.
type SendFunc func(Address, APDU) error

// EventFunc receives terminal transfer events.
type EventFunc func(SegmentEvent)

type transferDirection uint8

const (
	directionOutbound transferDirection = iota
	directionInbound
)

type transferKey struct {
	peer      string
	invokeID  uint8
	direction transferDirection
}

type transferState uint8

const (
	stateSending transferState = iota
	stateReceiving
	stateComplete
	stateAborted
)

func (s transferState) String() string {
	names := map[transferState]string{
		stateSending:   "sending",
		stateReceiving: "receiving",
		stateComplete:  "complete",
		stateAborted:   "aborted",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", s)
}

// segmentedTransfer is one in-flight windowed transfer. Sequence numbers are
// kept as plain indexes; the engine caps transfers at 255 segments, so they
// never wrap on the wire.
type segmentedTransfer struct {
	key    transferKey
	peer   Address
	state  transferState
	server bool

	// outbound
	template APDU
	segments [][]byte
	nextSeq  int
	acked    int
	window   int

	// inbound
	received  [][]byte
	pending   map[int][]byte
	expected  int
	finalSeq  int
	first     APDU
	lastAcked int

	retries  int
	deadline time.Time
	started  time.Time
}

// SegmentationEngine drives windowed segment transfers for both directions.
// It is a pure state machine: frames leave through the send callback,
// outcomes arrive through the event callback, and time enters only through
// OnTimerTick. The owner decides threading; every entry point is safe for
// concurrent use.
type SegmentationEngine struct {
	mu        sync.Mutex
	transfers map[transferKey]*segmentedTransfer

	send    SendFunc
	emit    EventFunc
	logger  *slog.Logger
	metrics *Metrics
	opts    stackOptions
}

// NewSegmentationEngine creates an engine emitting frames through send and
// terminal events through emit.
func NewSegmentationEngine(send SendFunc, emit EventFunc, options ...Option) *SegmentationEngine {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	metrics := opts.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &SegmentationEngine{
		transfers: make(map[transferKey]*segmentedTransfer),
		send:      send,
		emit:      emit,
		logger:    opts.logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Metrics exposes the engine's counters.
func (e *SegmentationEngine) Metrics() *Metrics {
	return e.metrics
}

// ActiveTransfers returns the number of in-flight transfers.
func (e *SegmentationEngine) ActiveTransfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}

// segmentOverhead is the fixed header size of a segmented PDU, which the
// payload split must leave room for.
func segmentOverhead(apdu APDU) (int, error) {
	switch apdu.(type) {
	case *ConfirmedRequest:
		return 6, nil
	case *ComplexACK:
		return 5, nil
	}
	return 0, fmt.Errorf("%w: %T cannot be segmented", ErrUnknownPDUType, apdu)
}

// SendSegmented transmits apdu toward peer, splitting the payload when it
// exceeds the configured APDU length. Only ConfirmedRequest and ComplexACK
// may be segmented. A transfer already open for (peer, invoke ID) yields
// ErrDuplicateInvokeID.
func (e *SegmentationEngine) SendSegmented(peer Address, apdu APDU) error {
	overhead, err := segmentOverhead(apdu)
	if err != nil {
		return err
	}
	invokeID, payload, server := outboundParts(apdu)

	if overhead+len(payload) <= e.opts.maxAPDULength {
		return e.send(peer, apdu)
	}

	maxSegment := e.opts.maxAPDULength - overhead
	count := (len(payload) + maxSegment - 1) / maxSegment
	if count > 255 {
		return fmt.Errorf("%w: %d octets need %d segments", ErrAPDUTooLarge, len(payload), count)
	}

	segments := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += maxSegment {
		end := off + maxSegment
		if end > len(payload) {
			end = len(payload)
		}
		segments = append(segments, payload[off:end])
	}

	key := transferKey{peer: peer.Key(), invokeID: invokeID, direction: directionOutbound}

	e.mu.Lock()
	if _, exists := e.transfers[key]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: invoke ID %d already in flight to %s", ErrDuplicateInvokeID, invokeID, peer)
	}
	now := e.opts.clock()
	t := &segmentedTransfer{
		key:      key,
		peer:     peer,
		state:    stateSending,
		server:   server,
		template: apdu,
		segments: segments,
		acked:    -1,
		window:   int(e.opts.windowSize),
		deadline: now.Add(e.opts.segmentTimeout),
		started:  now,
	}
	e.transfers[key] = t
	e.metrics.TransfersStarted.Inc()
	e.metrics.ActiveTransfers.Inc()

	// Segment 0 goes out alone; the rest of the first window waits for the
	// receiver's SegmentACK carrying the actual window size.
	err = e.sendSegmentLocked(t, 0)
	t.nextSeq = 1
	e.mu.Unlock()

	e.logger.Debug("segmented transfer started",
		slog.String("peer", peer.String()),
		slog.Int("invoke_id", int(invokeID)),
		slog.Int("segments", count))
	return err
}

func outboundParts(apdu APDU) (invokeID uint8, payload []byte, server bool) {
	switch pdu := apdu.(type) {
	case *ConfirmedRequest:
		return pdu.InvokeID, pdu.Payload, false
	case *ComplexACK:
		return pdu.InvokeID, pdu.Payload, true
	}
	return 0, nil, false
}

// sendSegmentLocked builds and emits segment seq from the transfer template.
func (e *SegmentationEngine) sendSegmentLocked(t *segmentedTransfer, seq int) error {
	more := seq < len(t.segments)-1
	var segment APDU
	switch template := t.template.(type) {
	case *ConfirmedRequest:
		pdu := *template
		pdu.Segmented = true
		pdu.MoreFollows = more
		pdu.SequenceNumber = uint8(seq)
		pdu.ProposedWindowSize = e.opts.windowSize
		pdu.Payload = t.segments[seq]
		segment = &pdu
	case *ComplexACK:
		pdu := *template
		pdu.Segmented = true
		pdu.MoreFollows = more
		pdu.SequenceNumber = uint8(seq)
		pdu.ProposedWindowSize = e.opts.windowSize
		pdu.Payload = t.segments[seq]
		segment = &pdu
	}
	e.metrics.SegmentsSent.Inc()
	return e.send(t.peer, segment)
}

// HandleSegmentACK advances an outbound transfer. Unknown (peer, invoke ID)
// pairs are logged and dropped, which also swallows stale acks arriving
// after completion.
func (e *SegmentationEngine) HandleSegmentACK(peer Address, ack *SegmentACK) {
	e.metrics.SegmentACKsReceived.Inc()
	key := transferKey{peer: peer.Key(), invokeID: ack.InvokeID, direction: directionOutbound}

	e.mu.Lock()
	t, ok := e.transfers[key]
	if !ok || t.state != stateSending {
		e.mu.Unlock()
		e.logger.Debug("segment ack without transfer",
			slog.String("peer", peer.String()),
			slog.Int("invoke_id", int(ack.InvokeID)))
		return
	}

	if ack.ActualWindowSize > 0 {
		t.window = int(ack.ActualWindowSize)
	}

	if ack.NegativeACK {
		// Resend from the segment after the receiver's resend point.
		t.nextSeq = int(ack.SequenceNumber) + 1
		t.acked = int(ack.SequenceNumber)
		e.metrics.SegmentRetransmits.Inc()
	} else {
		if int(ack.SequenceNumber) > t.acked {
			t.acked = int(ack.SequenceNumber)
		}
		// A mid-window ack must not rewind past segments already on the
		// wire; only a negative ack requests a resend.
		if t.nextSeq < t.acked+1 {
			t.nextSeq = t.acked + 1
		}
	}

	if t.acked >= len(t.segments)-1 {
		e.completeLocked(t, nil)
		e.mu.Unlock()
		return
	}

	t.retries = 0
	t.deadline = e.opts.clock().Add(e.opts.segmentTimeout)
	err := e.sendWindowLocked(t)
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("segment window send failed",
			slog.String("peer", peer.String()),
			slog.Int("invoke_id", int(ack.InvokeID)),
			slog.String("error", err.Error()))
	}
}

// sendWindowLocked emits segments from nextSeq to the end of the current
// window.
func (e *SegmentationEngine) sendWindowLocked(t *segmentedTransfer) error {
	end := t.acked + 1 + t.window
	if end > len(t.segments) {
		end = len(t.segments)
	}
	for ; t.nextSeq < end; t.nextSeq++ {
		if err := e.sendSegmentLocked(t, t.nextSeq); err != nil {
			return err
		}
	}
	return nil
}

// HandleSegment accepts one inbound segment, a ConfirmedRequest or
// ComplexACK with the segmented bit set. The first segment of a new
// transfer opens it; a non-zero first sequence yields ErrSegmentSequence.
func (e *SegmentationEngine) HandleSegment(peer Address, apdu APDU) error {
	e.metrics.SegmentsReceived.Inc()

	seq, more, window, invokeID, server, payload, err := inboundParts(apdu)
	if err != nil {
		return err
	}
	key := transferKey{peer: peer.Key(), invokeID: invokeID, direction: directionInbound}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[key]
	if !ok {
		if seq != 0 {
			return fmt.Errorf("%w: transfer opened with sequence %d", ErrSegmentSequence, seq)
		}
		now := e.opts.clock()
		t = &segmentedTransfer{
			key:       key,
			peer:      peer,
			state:     stateReceiving,
			server:    !server,
			first:     apdu,
			pending:   make(map[int][]byte),
			window:    e.negotiateWindow(window),
			finalSeq:  -1,
			lastAcked: -1,
			deadline:  now.Add(e.opts.segmentTimeout),
			started:   now,
		}
		e.transfers[key] = t
		e.metrics.TransfersStarted.Inc()
		e.metrics.ActiveTransfers.Inc()
	}
	if t.state != stateReceiving {
		return fmt.Errorf("%w: segment for %s transfer", ErrSegmentSequence, t.state)
	}
	// Remember where the transfer ends even if the last segment is buffered
	// out of order.
	if !more {
		t.finalSeq = seq
	}

	switch {
	case seq < t.expected:
		// Retransmission of something we already have.
		e.metrics.DuplicateSegments.Inc()
		return nil

	case seq > t.expected:
		e.metrics.OutOfOrderSegments.Inc()
		if seq < t.expected+t.window {
			t.pending[seq] = payload
		}
		// Tell the sender where to resume.
		e.sendAckLocked(t, true)
		return nil
	}

	t.received = append(t.received, payload)
	t.expected++
	for {
		buffered, ok := t.pending[t.expected]
		if !ok {
			break
		}
		delete(t.pending, t.expected)
		t.received = append(t.received, buffered)
		t.expected++
	}

	if t.expected > e.opts.maxSegments {
		e.abortLocked(t, AbortReasonBufferOverflow, true,
			fmt.Errorf("%w: transfer exceeds %d segments", ErrAPDUTooLarge, e.opts.maxSegments))
		return nil
	}

	t.deadline = e.opts.clock().Add(e.opts.segmentTimeout)

	if t.finalSeq >= 0 && t.expected > t.finalSeq {
		e.sendAckLocked(t, false)
		e.completeLocked(t, e.reassembleLocked(t))
		return nil
	}
	if seq == 0 || t.expected%t.window == 0 {
		e.sendAckLocked(t, false)
	}
	return nil
}

func inboundParts(apdu APDU) (seq int, more bool, window uint8, invokeID uint8, server bool, payload []byte, err error) {
	switch pdu := apdu.(type) {
	case *ConfirmedRequest:
		if !pdu.Segmented {
			err = fmt.Errorf("%w: unsegmented PDU", ErrSegmentSequence)
			return
		}
		return int(pdu.SequenceNumber), pdu.MoreFollows, pdu.ProposedWindowSize, pdu.InvokeID, false, pdu.Payload, nil
	case *ComplexACK:
		if !pdu.Segmented {
			err = fmt.Errorf("%w: unsegmented PDU", ErrSegmentSequence)
			return
		}
		return int(pdu.SequenceNumber), pdu.MoreFollows, pdu.ProposedWindowSize, pdu.InvokeID, true, pdu.Payload, nil
	}
	err = fmt.Errorf("%w: %T cannot carry segments", ErrUnknownPDUType, apdu)
	return
}

func (e *SegmentationEngine) negotiateWindow(proposed uint8) int {
	window := int(e.opts.windowSize)
	if proposed > 0 && int(proposed) < window {
		window = int(proposed)
	}
	return window
}

// sendAckLocked emits a SegmentACK for the last in-order segment. A
// negative ack names the resend point instead.
func (e *SegmentationEngine) sendAckLocked(t *segmentedTransfer, negative bool) {
	last := t.expected - 1
	if last < 0 {
		last = 0
	}
	if !negative {
		t.lastAcked = last
	}
	ack := &SegmentACK{
		NegativeACK:      negative,
		Server:           t.server,
		InvokeID:         t.key.invokeID,
		SequenceNumber:   uint8(last),
		ActualWindowSize: uint8(t.window),
	}
	e.metrics.SegmentACKsSent.Inc()
	if err := e.send(t.peer, ack); err != nil {
		e.logger.Warn("segment ack send failed",
			slog.String("peer", t.peer.String()),
			slog.String("error", err.Error()))
	}
}

// reassembleLocked rebuilds the full unsegmented APDU from the received
// segments, preserving the metadata of the first one.
func (e *SegmentationEngine) reassembleLocked(t *segmentedTransfer) APDU {
	size := 0
	for _, segment := range t.received {
		size += len(segment)
	}
	payload := make([]byte, 0, size)
	for _, segment := range t.received {
		payload = append(payload, segment...)
	}

	switch first := t.first.(type) {
	case *ConfirmedRequest:
		pdu := *first
		pdu.Segmented = false
		pdu.MoreFollows = false
		pdu.SequenceNumber = 0
		pdu.ProposedWindowSize = 0
		pdu.Payload = payload
		return &pdu
	case *ComplexACK:
		pdu := *first
		pdu.Segmented = false
		pdu.MoreFollows = false
		pdu.SequenceNumber = 0
		pdu.ProposedWindowSize = 0
		pdu.Payload = payload
		return &pdu
	}
	return nil
}

// HandleAbort terminates transfers named by a peer's Abort PDU. Both
// directions are checked; an abort for an unknown invoke ID is a no-op.
func (e *SegmentationEngine) HandleAbort(peer Address, abort *Abort) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, direction := range []transferDirection{directionOutbound, directionInbound} {
		key := transferKey{peer: peer.Key(), invokeID: abort.InvokeID, direction: direction}
		if t, ok := e.transfers[key]; ok {
			e.terminateLocked(t, &AbortError{
				InvokeID: abort.InvokeID,
				Server:   abort.Server,
				Reason:   abort.Reason,
			})
		}
	}
}

// Abort terminates a local transfer and notifies the peer. Idempotent: an
// unknown or already-terminated transfer is a no-op.
func (e *SegmentationEngine) Abort(peer Address, invokeID uint8, reason AbortReason) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, direction := range []transferDirection{directionOutbound, directionInbound} {
		key := transferKey{peer: peer.Key(), invokeID: invokeID, direction: direction}
		if t, ok := e.transfers[key]; ok {
			e.abortLocked(t, reason, true, &AbortError{InvokeID: invokeID, Server: t.server, Reason: reason})
		}
	}
}

// OnTimerTick advances transfer deadlines. The owner calls it periodically;
// tests call it directly with a synthetic clock.
func (e *SegmentationEngine) OnTimerTick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.transfers {
		if !now.After(t.deadline) {
			continue
		}
		e.metrics.SegmentTimeouts.Inc()

		if t.state == stateSending && t.retries < e.opts.maxRetries {
			t.retries++
			t.nextSeq = t.acked + 1
			t.deadline = now.Add(e.opts.segmentTimeout)
			e.metrics.SegmentRetransmits.Inc()
			e.logger.Debug("segment window retransmit",
				slog.String("peer", t.peer.String()),
				slog.Int("invoke_id", int(t.key.invokeID)),
				slog.Int("retry", t.retries))
			if err := e.sendWindowLocked(t); err != nil {
				e.logger.Warn("segment retransmit failed",
					slog.String("peer", t.peer.String()),
					slog.String("error", err.Error()))
			}
			continue
		}

		e.abortLocked(t, AbortReasonTSMTimeout, true,
			fmt.Errorf("%w: no progress after %d retries", ErrSegmentTimeout, t.retries))
	}
}

// abortLocked sends an Abort PDU to the peer and terminates the transfer.
func (e *SegmentationEngine) abortLocked(t *segmentedTransfer, reason AbortReason, notifyPeer bool, cause error) {
	if t.state == stateComplete || t.state == stateAborted {
		return
	}
	if notifyPeer {
		abort := &Abort{InvokeID: t.key.invokeID, Server: t.server, Reason: reason}
		if err := e.send(t.peer, abort); err != nil {
			e.logger.Warn("abort send failed",
				slog.String("peer", t.peer.String()),
				slog.String("error", err.Error()))
		}
	}
	e.terminateLocked(t, cause)
}

// terminateLocked removes the transfer and emits the aborted event.
func (e *SegmentationEngine) terminateLocked(t *segmentedTransfer, cause error) {
	if t.state == stateComplete || t.state == stateAborted {
		return
	}
	t.state = stateAborted
	delete(e.transfers, t.key)
	e.metrics.TransfersAborted.Inc()
	e.metrics.ActiveTransfers.Dec()

	e.logger.Info("segmented transfer aborted",
		slog.String("peer", t.peer.String()),
		slog.Int("invoke_id", int(t.key.invokeID)),
		slog.String("error", cause.Error()))

	if e.emit != nil {
		e.emit(SegmentEvent{
			Kind:     SegmentEventAborted,
			Peer:     t.peer,
			InvokeID: t.key.invokeID,
			Outbound: t.key.direction == directionOutbound,
			Err:      &SegmentationError{Peer: t.peer, InvokeID: t.key.invokeID, Err: cause},
		})
	}
}

// completeLocked removes the transfer and emits the completed event.
func (e *SegmentationEngine) completeLocked(t *segmentedTransfer, reassembled APDU) {
	if t.state == stateComplete || t.state == stateAborted {
		return
	}
	t.state = stateComplete
	delete(e.transfers, t.key)
	e.metrics.TransfersCompleted.Inc()
	e.metrics.ActiveTransfers.Dec()
	e.metrics.TransferLatency.Record(e.opts.clock().Sub(t.started))

	e.logger.Debug("segmented transfer completed",
		slog.String("peer", t.peer.String()),
		slog.Int("invoke_id", int(t.key.invokeID)),
		slog.Bool("outbound", t.key.direction == directionOutbound))

	if e.emit != nil {
		e.emit(SegmentEvent{
			Kind:     SegmentEventCompleted,
			Peer:     t.peer,
			InvokeID: t.key.invokeID,
			Outbound: t.key.direction == directionOutbound,
			APDU:     reassembled,
		})
	}
}
