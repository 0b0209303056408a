// Package ingest admits frames from the transport into the engine:
// auth, per-account rate limiting, then per-kind SPSC queues. The
// transport thread is the single producer, the engine thread the
// single consumer.
package ingest

import (
	"sync/atomic"

	"tradecore/internal/codec"
	"tradecore/internal/common"
	"tradecore/internal/ring"
)

// Frame is a decoded transport datagram as handed to the pipeline.
// Payload may alias the transport buffer; Submit copies it.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// FrameHeader carries the ingress-relevant header fields.
type FrameHeader struct {
	Account        common.AccountID
	Nonce          uint64
	ReceivedTimeNs common.TimestampNs
	Priority       uint8
	Kind           codec.MessageKind
	Flags          uint16
}

// OwnedFrame is a frame whose payload the pipeline owns.
type OwnedFrame struct {
	Header  FrameHeader
	Payload []byte
}

// AuthVerifier validates a frame before admission. Returning false
// drops the frame. When a verifier is configured, payloads carry a
// detached Ed25519 signature as their first signatureSize bytes.
type AuthVerifier func(header FrameHeader, payload []byte) bool

// signatureSize matches auth.SignatureSize; verified payloads are
// forwarded without the signature prefix.
const signatureSize = 64

// Config sizes the queues and caps per-account message rates.
type Config struct {
	NewOrderQueueDepth int
	CancelQueueDepth   int
	ReplaceQueueDepth  int

	MaxNewOrdersPerSecond uint32
	MaxCancelsPerSecond   uint32
	MaxReplacesPerSecond  uint32
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		NewOrderQueueDepth:    1 << 12,
		CancelQueueDepth:      1 << 12,
		ReplaceQueueDepth:     1 << 12,
		MaxNewOrdersPerSecond: 10_000,
		MaxCancelsPerSecond:   20_000,
		MaxReplacesPerSecond:  10_000,
	}
}

// Stats counts admission outcomes. Counters are monotonic until Reset.
type Stats struct {
	Accepted          uint64
	DroppedHeartbeats uint64
	RejectedAuth      uint64
	RejectedRateLimit uint64
	RejectedQueueFull uint64
}

type statCounters struct {
	accepted          atomic.Uint64
	droppedHeartbeats atomic.Uint64
	rejectedAuth      atomic.Uint64
	rejectedRateLimit atomic.Uint64
	rejectedQueueFull atomic.Uint64
}

// accountWindow is the rolling one-second rate window. It rolls from
// received_time_ns, not wall clock, so replay sees identical decisions.
type accountWindow struct {
	windowStart common.TimestampNs
	newOrders   uint32
	cancels     uint32
	replaces    uint32
}

// Pipeline fans authenticated, rate-limited frames into per-kind
// queues. Submit runs on the transport thread; the Next* methods run
// on the engine thread.
type Pipeline struct {
	config   Config
	verifier AuthVerifier

	newOrders *ring.Ring[OwnedFrame]
	cancels   *ring.Ring[OwnedFrame]
	replaces  *ring.Ring[OwnedFrame]

	windows map[common.AccountID]*accountWindow
	stats   statCounters
}

// NewPipeline builds a pipeline with config; verifier may be nil to
// skip authentication.
func NewPipeline(config Config, verifier AuthVerifier) *Pipeline {
	return &Pipeline{
		config:    config,
		verifier:  verifier,
		newOrders: ring.New[OwnedFrame](config.NewOrderQueueDepth),
		cancels:   ring.New[OwnedFrame](config.CancelQueueDepth),
		replaces:  ring.New[OwnedFrame](config.ReplaceQueueDepth),
		windows:   make(map[common.AccountID]*accountWindow),
	}
}

// Submit admits one frame. Returns true when the frame was accepted
// onto a queue (heartbeats count as success but are not forwarded).
func (p *Pipeline) Submit(frame Frame) bool {
	if frame.Header.Kind == codec.KindHeartbeat {
		p.stats.droppedHeartbeats.Add(1)
		return true
	}

	payload := frame.Payload
	if p.verifier != nil {
		if !p.verifier(frame.Header, payload) {
			p.stats.rejectedAuth.Add(1)
			return false
		}
		// Signed transport: the first 64 payload bytes are the
		// detached signature; downstream sees only the message.
		payload = payload[signatureSize:]
	}

	if p.rateLimited(frame.Header) {
		p.stats.rejectedRateLimit.Add(1)
		return false
	}

	owned := OwnedFrame{
		Header:  frame.Header,
		Payload: append([]byte(nil), payload...),
	}

	var pushed bool
	switch frame.Header.Kind {
	case codec.KindNewOrder:
		pushed = p.newOrders.Push(owned)
	case codec.KindCancel:
		pushed = p.cancels.Push(owned)
	case codec.KindReplace:
		pushed = p.replaces.Push(owned)
	}

	if !pushed {
		p.stats.rejectedQueueFull.Add(1)
		return false
	}

	p.stats.accepted.Add(1)
	return true
}

func (p *Pipeline) rateLimited(header FrameHeader) bool {
	window, ok := p.windows[header.Account]
	if !ok {
		window = &accountWindow{}
		p.windows[header.Account] = window
	}

	if header.ReceivedTimeNs-window.windowStart >= common.OneSecondNs {
		window.windowStart = header.ReceivedTimeNs
		window.newOrders = 0
		window.cancels = 0
		window.replaces = 0
	}

	switch header.Kind {
	case codec.KindNewOrder:
		if window.newOrders >= p.config.MaxNewOrdersPerSecond {
			return true
		}
		window.newOrders++
	case codec.KindCancel:
		if window.cancels >= p.config.MaxCancelsPerSecond {
			return true
		}
		window.cancels++
	case codec.KindReplace:
		if window.replaces >= p.config.MaxReplacesPerSecond {
			return true
		}
		window.replaces++
	}
	return false
}

// NextNewOrder pops the next queued new-order frame, non-blocking.
func (p *Pipeline) NextNewOrder() (OwnedFrame, bool) {
	return p.newOrders.Pop()
}

// NextCancel pops the next queued cancel frame, non-blocking.
func (p *Pipeline) NextCancel() (OwnedFrame, bool) {
	return p.cancels.Pop()
}

// NextReplace pops the next queued replace frame, non-blocking.
func (p *Pipeline) NextReplace() (OwnedFrame, bool) {
	return p.replaces.Pop()
}

// QueueDepths returns the current occupancy of the three queues.
func (p *Pipeline) QueueDepths() (newOrders, cancels, replaces int) {
	return p.newOrders.Len(), p.cancels.Len(), p.replaces.Len()
}

// Stats returns the current counter values.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:          p.stats.accepted.Load(),
		DroppedHeartbeats: p.stats.droppedHeartbeats.Load(),
		RejectedAuth:      p.stats.rejectedAuth.Load(),
		RejectedRateLimit: p.stats.rejectedRateLimit.Load(),
		RejectedQueueFull: p.stats.rejectedQueueFull.Load(),
	}
}

// ResetStats zeroes all counters.
func (p *Pipeline) ResetStats() {
	p.stats.accepted.Store(0)
	p.stats.droppedHeartbeats.Store(0)
	p.stats.rejectedAuth.Store(0)
	p.stats.rejectedRateLimit.Store(0)
	p.stats.rejectedQueueFull.Store(0)
}
