package bacnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServicePrimitive is one application-visible protocol event: an APDU
// arriving from or headed to a peer, with its network-layer delivery hints.
type ServicePrimitive struct {
	Peer           Address
	APDU           APDU
	Priority       NPDUPriority
	ExpectingReply bool
}

// Stack ties the codecs, the segmentation engine and a transport together.
// Incoming frames surface on Primitives(); terminal transfer outcomes on
// Events(). All exported methods are safe for concurrent use.
type Stack struct {
	opts    stackOptions
	logger  *slog.Logger
	metrics *Metrics
	engine  *SegmentationEngine

	mu        sync.Mutex
	transport Transport
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup

	connected  atomic.Bool
	invokeID   atomic.Uint32
	primitives chan *ServicePrimitive
	events     chan SegmentEvent
}

// NewStack builds a stack from options. Connect must be called before any
// traffic flows.
func NewStack(options ...Option) *Stack {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	metrics := opts.metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Stack{
		opts:       opts,
		logger:     opts.logger,
		metrics:    metrics,
		transport:  opts.transport,
		primitives: make(chan *ServicePrimitive, 64),
		events:     make(chan SegmentEvent, 64),
	}
	s.engine = NewSegmentationEngine(s.sendAPDU, s.onSegmentEvent,
		append(options, WithMetrics(metrics))...)
	return s
}

// Metrics exposes the stack's counters.
func (s *Stack) Metrics() *Metrics { return s.metrics }

// Primitives delivers decoded inbound APDUs, including reassembled
// segmented ones.
func (s *Stack) Primitives() <-chan *ServicePrimitive { return s.primitives }

// Events delivers terminal segmented-transfer outcomes.
func (s *Stack) Events() <-chan SegmentEvent { return s.events }

// NextInvokeID allocates the next invoke ID.
func (s *Stack) NextInvokeID() uint8 {
	return uint8(s.invokeID.Add(1))
}

// Connect opens the transport and starts the receive and timer loops.
func (s *Stack) Connect(ctx context.Context) error {
	if !s.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil {
		s.transport = NewIPTransport(s.opts.localAddress, s.logger)
	}
	if ip, ok := s.transport.(*IPTransport); ok {
		if err := ip.Open(ctx); err != nil {
			s.connected.Store(false)
			return err
		}
	}

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.receiveLoop()
	go s.timerLoop()

	s.logger.Info("bacnet stack connected",
		slog.String("local", s.opts.localAddress))
	return nil
}

// Close stops the loops and closes the transport. Closing a stack that was
// never connected returns ErrNotConnected.
func (s *Stack) Close() error {
	if !s.connected.CompareAndSwap(true, false) {
		return ErrNotConnected
	}

	s.mu.Lock()
	cancel := s.cancel
	transport := s.transport
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.wg.Wait()
	s.logger.Info("bacnet stack closed")
	return err
}

// Send encodes and transmits a primitive, segmenting the APDU when it
// exceeds the configured APDU length.
func (s *Stack) Send(ctx context.Context, prim *ServicePrimitive) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	switch prim.APDU.(type) {
	case *ConfirmedRequest, *ComplexACK:
		return s.engine.SendSegmented(prim.Peer, prim.APDU)
	}
	return s.sendAPDU(prim.Peer, prim.APDU)
}

// WhoIs broadcasts a Who-Is, optionally bounded to a device instance range.
func (s *Stack) WhoIs(ctx context.Context, req WhoIsRequest) error {
	payload, err := req.Encode()
	if err != nil {
		return err
	}
	return s.Send(ctx, &ServicePrimitive{
		Peer: LocalBroadcast(),
		APDU: &UnconfirmedRequest{Service: ServiceWhoIs, Payload: payload},
	})
}

// DecodeIncoming decodes one raw NPDU frame from a peer. Segment-bearing
// and segment-control PDUs are fed to the engine and yield a nil primitive;
// the reassembled APDU surfaces later through Primitives and Events.
// Network-layer messages go to the registered handler and also yield nil.
func (s *Stack) DecodeIncoming(frame []byte, from Address) (*ServicePrimitive, error) {
	npdu, err := DecodeNPDU(frame)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		return nil, err
	}

	if npdu.Message != nil {
		s.metrics.NetworkMessages.Inc()
		if s.opts.networkHandler != nil {
			s.opts.networkHandler(from, npdu.Message)
		}
		return nil, nil
	}

	apdu, err := DecodeAPDULimit(npdu.Payload, s.opts.maxValueLength, s.opts.maxNestingDepth)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		return nil, err
	}
	s.metrics.APDUsDecoded.Inc()

	// The NPDU source specifier overrides the link address when a router
	// relayed the frame for a remote device.
	if npdu.Source != nil {
		from = Address{Net: npdu.Source.Net, Addr: npdu.Source.Addr}
	}

	switch pdu := apdu.(type) {
	case *ConfirmedRequest:
		if pdu.Segmented {
			return nil, s.engine.HandleSegment(from, pdu)
		}
	case *ComplexACK:
		if pdu.Segmented {
			return nil, s.engine.HandleSegment(from, pdu)
		}
	case *SegmentACK:
		s.engine.HandleSegmentACK(from, pdu)
		return nil, nil
	case *Abort:
		s.engine.HandleAbort(from, pdu)
	}

	return &ServicePrimitive{
		Peer:           from,
		APDU:           apdu,
		Priority:       npdu.Priority,
		ExpectingReply: npdu.ExpectingReply,
	}, nil
}

// EncodeOutgoing encodes a primitive into ready-to-send NPDU frames,
// splitting oversized ConfirmedRequest and ComplexACK payloads into
// segments. This is the pure codec path; Send drives the same split
// through the engine's window pacing instead.
func (s *Stack) EncodeOutgoing(prim *ServicePrimitive) ([][]byte, error) {
	apdus, err := s.splitOutgoing(prim.APDU)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(apdus))
	for _, apdu := range apdus {
		frame, err := s.encodeNPDUFrame(prim, apdu)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (s *Stack) splitOutgoing(apdu APDU) ([]APDU, error) {
	overhead, err := segmentOverhead(apdu)
	if err != nil {
		// Only ConfirmedRequest and ComplexACK segment; everything else
		// goes out as-is.
		return []APDU{apdu}, nil
	}
	_, payload, _ := outboundParts(apdu)
	if overhead+len(payload) <= s.opts.maxAPDULength {
		return []APDU{apdu}, nil
	}

	maxSegment := s.opts.maxAPDULength - overhead
	count := (len(payload) + maxSegment - 1) / maxSegment
	if count > 255 {
		return nil, fmt.Errorf("%w: %d octets need %d segments", ErrAPDUTooLarge, len(payload), count)
	}

	apdus := make([]APDU, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxSegment
		end := start + maxSegment
		if end > len(payload) {
			end = len(payload)
		}
		apdus = append(apdus, segmentPDU(apdu, i, count, s.opts.windowSize, payload[start:end]))
	}
	return apdus, nil
}

func segmentPDU(template APDU, seq, count int, window uint8, payload []byte) APDU {
	switch pdu := template.(type) {
	case *ConfirmedRequest:
		segment := *pdu
		segment.Segmented = true
		segment.MoreFollows = seq < count-1
		segment.SequenceNumber = uint8(seq)
		segment.ProposedWindowSize = window
		segment.Payload = payload
		return &segment
	case *ComplexACK:
		segment := *pdu
		segment.Segmented = true
		segment.MoreFollows = seq < count-1
		segment.SequenceNumber = uint8(seq)
		segment.ProposedWindowSize = window
		segment.Payload = payload
		return &segment
	}
	return template
}

func (s *Stack) encodeNPDUFrame(prim *ServicePrimitive, apdu APDU) ([]byte, error) {
	encoded, err := EncodeAPDU(apdu)
	if err != nil {
		return nil, err
	}
	npdu := &NPDU{
		Priority:       prim.Priority,
		ExpectingReply: expectsReply(apdu),
		Payload:        encoded,
	}
	if prim.Peer.Net != 0 && !prim.Peer.Broadcast {
		npdu.Destination = &NetworkAddress{Net: prim.Peer.Net, Addr: prim.Peer.Addr}
		npdu.HopCount = 255
	}
	if prim.Peer.Broadcast && prim.Peer.Net == 0xFFFF {
		npdu.Destination = &NetworkAddress{Net: 0xFFFF}
		npdu.HopCount = 255
	}
	return EncodeNPDU(npdu)
}

func expectsReply(apdu APDU) bool {
	switch pdu := apdu.(type) {
	case *ConfirmedRequest:
		return true
	case *SegmentACK:
		return !pdu.NegativeACK
	}
	return false
}

// sendAPDU is the engine's frame sink: one APDU, NPDU-wrapped and pushed
// to the transport.
func (s *Stack) sendAPDU(peer Address, apdu APDU) error {
	s.mu.Lock()
	transport := s.transport
	ctx := s.runCtx
	s.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}

	frame, err := s.encodeNPDUFrame(&ServicePrimitive{Peer: peer}, apdu)
	if err != nil {
		return err
	}
	if err := transport.Send(ctx, peer, frame); err != nil {
		return err
	}
	s.metrics.FramesSent.Inc()
	s.metrics.BytesSent.Add(int64(len(frame)))
	s.metrics.RecordActivity()
	return nil
}

// onSegmentEvent forwards engine outcomes; a completed inbound transfer
// also surfaces its reassembled APDU as a primitive.
func (s *Stack) onSegmentEvent(event SegmentEvent) {
	if event.Kind == SegmentEventCompleted && event.APDU != nil {
		s.deliver(&ServicePrimitive{Peer: event.Peer, APDU: event.APDU})
	}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("segment event dropped, consumer too slow",
			slog.String("peer", event.Peer.String()),
			slog.String("kind", event.Kind.String()))
	}
}

func (s *Stack) deliver(prim *ServicePrimitive) {
	select {
	case s.primitives <- prim:
	default:
		s.metrics.MalformedDropped.Inc()
		s.logger.Warn("primitive dropped, consumer too slow",
			slog.String("peer", prim.Peer.String()))
	}
}

// receiveLoop pulls frames from the transport until Close. Malformed
// frames are counted and logged, never fatal.
func (s *Stack) receiveLoop() {
	defer s.wg.Done()

	for {
		frame, from, err := s.transport.Receive(s.runCtx)
		if err != nil {
			if s.runCtx.Err() != nil || !s.connected.Load() {
				return
			}
			s.logger.Debug("receive error",
				slog.String("error", err.Error()))
			continue
		}
		s.metrics.FramesReceived.Inc()
		s.metrics.BytesReceived.Add(int64(len(frame)))
		s.metrics.RecordActivity()

		prim, err := s.DecodeIncoming(frame, from)
		if err != nil {
			s.metrics.MalformedDropped.Inc()
			s.logger.Warn("dropping malformed frame",
				slog.String("from", from.String()),
				slog.Int("bytes", len(frame)),
				slog.String("error", err.Error()))
			continue
		}
		if prim != nil {
			s.deliver(prim)
		}
	}
}

// timerLoop drives the engine's deadlines at a quarter of the segment
// timeout.
func (s *Stack) timerLoop() {
	defer s.wg.Done()

	interval := s.opts.segmentTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.engine.OnTimerTick(s.opts.clock())
		}
	}
}
