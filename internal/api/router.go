// Package api exposes the engine's outbound surfaces: the endpoint
// registry, the RPC methods, and the express-feed and trade-metadata
// buffers read by API threads. The engine thread is the only writer;
// readers take the shared lock.
package api

import (
	"fmt"
	"sync"

	"tradecore/internal/common"
)

// ExpressFeedFrame is one ordered outbound frame keyed by its WAL
// offset.
type ExpressFeedFrame struct {
	WALOffset uint64 `json:"wal_offset"`
	Payload   []byte `json:"payload"`
}

// TradeMetadata describes one fill for downstream consumers.
type TradeMetadata struct {
	WALOffset   uint64           `json:"wal_offset"`
	OrderID     uint64           `json:"order_id"`
	Account     common.AccountID `json:"account"`
	Market      common.MarketID  `json:"market"`
	Price       int64            `json:"price"`
	Quantity    int64            `json:"quantity"`
	TimestampNs int64            `json:"timestamp_ns"`
}

// NodeStatus is the health view served by monmouth_nodeStatus.
type NodeStatus struct {
	Healthy         bool
	ChainID         uint64
	BlockNumber     uint64
	PeerConnections uint64
}

// NodeStateProvider supplies live node state; nil callbacks read as
// zero values.
type NodeStateProvider struct {
	ChainID         func() uint64
	BlockNumber     func() uint64
	PeerConnections func() uint64
	Healthy         func() bool
}

// Router holds the endpoint registry and the bounded outbound
// buffers.
type Router struct {
	mu sync.RWMutex

	endpoints map[string]struct{}
	provider  NodeStateProvider

	expressFeedCapacity   int
	tradeMetadataCapacity int
	expressFeed           []ExpressFeedFrame
	tradeMetadata         []TradeMetadata
}

// NewRouter creates a router with buffer capacities (minimum 1 each).
func NewRouter(expressFeedCapacity, tradeMetadataCapacity int) *Router {
	if expressFeedCapacity < 1 {
		expressFeedCapacity = 1
	}
	if tradeMetadataCapacity < 1 {
		tradeMetadataCapacity = 1
	}
	return &Router{
		endpoints:             make(map[string]struct{}),
		expressFeedCapacity:   expressFeedCapacity,
		tradeMetadataCapacity: tradeMetadataCapacity,
	}
}

// RegisterEndpoint adds a named endpoint; empty names are ignored.
func (r *Router) RegisterEndpoint(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.endpoints[name] = struct{}{}
	r.mu.Unlock()
}

// HasEndpoint reports whether name is registered.
func (r *Router) HasEndpoint(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[name]
	return ok
}

// EndpointCount returns the number of registered endpoints.
func (r *Router) EndpointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// SetNodeStateProvider installs the live state callbacks.
func (r *Router) SetNodeStateProvider(provider NodeStateProvider) {
	r.mu.Lock()
	r.provider = provider
	r.mu.Unlock()
}

// Status snapshots the node state through the provider.
func (r *Router) Status() NodeStatus {
	r.mu.RLock()
	provider := r.provider
	r.mu.RUnlock()

	var status NodeStatus
	if provider.ChainID != nil {
		status.ChainID = provider.ChainID()
	}
	if provider.BlockNumber != nil {
		status.BlockNumber = provider.BlockNumber()
	}
	if provider.PeerConnections != nil {
		status.PeerConnections = provider.PeerConnections()
	}
	if provider.Healthy != nil {
		status.Healthy = provider.Healthy()
	}
	return status
}

// EthChainID returns the chain id as a hex string.
func (r *Router) EthChainID() string {
	return toHex(r.Status().ChainID)
}

// EthBlockNumber returns the block number as a hex string.
func (r *Router) EthBlockNumber() string {
	return toHex(r.Status().BlockNumber)
}

// MonmouthNodeStatus returns the node status JSON document.
func (r *Router) MonmouthNodeStatus() string {
	status := r.Status()
	healthy := "false"
	if status.Healthy {
		healthy = "true"
	}
	return fmt.Sprintf(`{"healthy":%s,"chainId":"%s","blockNumber":"%s","peerConnections":%d}`,
		healthy, toHex(status.ChainID), toHex(status.BlockNumber), status.PeerConnections)
}

// RPCResult dispatches a method name to its result string.
func (r *Router) RPCResult(method string) string {
	switch method {
	case "eth_chainId":
		return r.EthChainID()
	case "eth_blockNumber":
		return r.EthBlockNumber()
	case "monmouth_nodeStatus":
		return r.MonmouthNodeStatus()
	default:
		return `{"error":"method not found"}`
	}
}

// PushExpressFeedFrame appends a frame, evicting the oldest past
// capacity.
func (r *Router) PushExpressFeedFrame(frame ExpressFeedFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.expressFeed) >= r.expressFeedCapacity {
		drop := len(r.expressFeed) - r.expressFeedCapacity + 1
		r.expressFeed = append(r.expressFeed[:0], r.expressFeed[drop:]...)
	}
	r.expressFeed = append(r.expressFeed, frame)
}

// ExpressFeedFrames returns buffered frames with wal_offset at or
// past minWALOffset.
func (r *Router) ExpressFeedFrames(minWALOffset uint64) []ExpressFeedFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExpressFeedFrame, 0, len(r.expressFeed))
	for _, frame := range r.expressFeed {
		if frame.WALOffset >= minWALOffset {
			out = append(out, frame)
		}
	}
	return out
}

// ExpressFeedCount returns the buffered frame count.
func (r *Router) ExpressFeedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.expressFeed)
}

// PushTradeMetadata appends fill metadata, evicting the oldest past
// capacity.
func (r *Router) PushTradeMetadata(metadata TradeMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tradeMetadata) >= r.tradeMetadataCapacity {
		drop := len(r.tradeMetadata) - r.tradeMetadataCapacity + 1
		r.tradeMetadata = append(r.tradeMetadata[:0], r.tradeMetadata[drop:]...)
	}
	r.tradeMetadata = append(r.tradeMetadata, metadata)
}

// TradeMetadataSince returns buffered fills with wal_offset at or
// past minWALOffset.
func (r *Router) TradeMetadataSince(minWALOffset uint64) []TradeMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TradeMetadata, 0, len(r.tradeMetadata))
	for _, metadata := range r.tradeMetadata {
		if metadata.WALOffset >= minWALOffset {
			out = append(out, metadata)
		}
	}
	return out
}

// TradeMetadataCount returns the buffered fill count.
func (r *Router) TradeMetadataCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tradeMetadata)
}

func toHex(value uint64) string {
	return fmt.Sprintf("0x%x", value)
}
