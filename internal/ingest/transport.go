package ingest

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/codec"
	"tradecore/internal/common"
)

// TransportStats counts datagram activity.
type TransportStats struct {
	FramesReceived    uint64
	DecodeErrors      uint64
	ConnectionsActive uint64
}

// FrameHandler receives each decoded datagram on the transport
// goroutine.
type FrameHandler func(frame Frame)

// UDPTransport is the datagram listener feeding the ingress pipeline.
// The endpoint accepts quic:// and udp:// schemes; both bind a UDP
// socket (the QUIC session layer terminates upstream of this
// process).
type UDPTransport struct {
	log zerolog.Logger

	conn    *net.UDPConn
	handler FrameHandler
	done    chan struct{}
	running atomic.Bool

	framesReceived atomic.Uint64
	decodeErrors   atomic.Uint64

	mu    sync.Mutex
	peers map[string]struct{}
}

func NewUDPTransport(log zerolog.Logger) *UDPTransport {
	return &UDPTransport{
		log:   log,
		peers: make(map[string]struct{}),
	}
}

// Start binds the endpoint and begins the receive loop.
func (t *UDPTransport) Start(endpoint string, handler FrameHandler) error {
	hostPort := endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		hostPort = endpoint[i+3:]
	}

	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		return fmt.Errorf("transport: resolve %s: %w", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", endpoint, err)
	}

	t.conn = conn
	t.handler = handler
	t.done = make(chan struct{})
	t.running.Store(true)

	go t.receiveLoop()
	t.log.Info().Str("endpoint", endpoint).Msg("transport listening")
	return nil
}

func (t *UDPTransport) receiveLoop() {
	defer close(t.done)
	buf := make([]byte, 64*1024)

	for t.running.Load() {
		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.running.Load() {
				t.log.Warn().Err(err).Msg("transport read failed")
			}
			return
		}

		t.mu.Lock()
		t.peers[remote.String()] = struct{}{}
		t.mu.Unlock()

		wire, err := codec.DecodeFrame(buf[:n])
		if err != nil {
			t.decodeErrors.Add(1)
			continue
		}
		t.framesReceived.Add(1)

		// The wire timestamp doubles as received_time_ns: the rate
		// window and WAL ordering key off it, and signatures cover the
		// header bytes, so it must never be rewritten or backdated.
		receivedNs := common.TimestampNs(wire.TimestampNs)
		if receivedNs == 0 {
			receivedNs = common.TimestampNs(time.Now().UnixNano())
		}

		t.handler(Frame{
			Header: FrameHeader{
				Account:        wire.Account,
				Nonce:          wire.Nonce,
				ReceivedTimeNs: receivedNs,
				Priority:       wire.Priority,
				Kind:           wire.Kind,
				Flags:          wire.Flags,
			},
			Payload: wire.Payload,
		})
	}
}

// Stop closes the socket and waits for the receive loop to exit.
func (t *UDPTransport) Stop() {
	if !t.running.Swap(false) {
		return
	}
	t.conn.Close()
	<-t.done
}

// IsRunning reports whether the receive loop is active.
func (t *UDPTransport) IsRunning() bool {
	return t.running.Load()
}

// Stats returns cumulative transport counters.
func (t *UDPTransport) Stats() TransportStats {
	t.mu.Lock()
	peers := len(t.peers)
	t.mu.Unlock()
	return TransportStats{
		FramesReceived:    t.framesReceived.Load(),
		DecodeErrors:      t.decodeErrors.Load(),
		ConnectionsActive: uint64(peers),
	}
}
