// Package codec implements the fixed-layout little-endian encodings
// for order messages and the datagram frame header. Layouts are part
// of the wire contract and never change shape within a version.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tradecore/internal/common"
)

var ErrOutOfBounds = errors.New("codec: decode out of bounds")

// NewOrder is the payload of a MessageKind NewOrder frame.
type NewOrder struct {
	Side     common.Side
	Quantity int64
	Price    int64
	Flags    uint16
}

// Cancel is the payload of a MessageKind Cancel frame.
type Cancel struct {
	OrderID uint64
}

// Replace is the payload of a MessageKind Replace frame.
type Replace struct {
	OrderID     uint64
	NewQuantity int64
	NewPrice    int64
	NewFlags    uint16
}

const (
	NewOrderSize = 1 + 8 + 8 + 2
	CancelSize   = 8
	ReplaceSize  = 8 + 8 + 8 + 2
)

// EncodeNewOrder appends the encoded message to dst and returns it.
func EncodeNewOrder(dst []byte, msg NewOrder) []byte {
	var buf [NewOrderSize]byte
	buf[0] = byte(msg.Side)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(msg.Quantity))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(msg.Price))
	binary.LittleEndian.PutUint16(buf[17:19], msg.Flags)
	return append(dst, buf[:]...)
}

// DecodeNewOrder decodes a NewOrder payload.
func DecodeNewOrder(data []byte) (NewOrder, error) {
	if len(data) < NewOrderSize {
		return NewOrder{}, fmt.Errorf("%w: new order needs %d bytes, have %d", ErrOutOfBounds, NewOrderSize, len(data))
	}
	return NewOrder{
		Side:     common.Side(data[0]),
		Quantity: int64(binary.LittleEndian.Uint64(data[1:9])),
		Price:    int64(binary.LittleEndian.Uint64(data[9:17])),
		Flags:    binary.LittleEndian.Uint16(data[17:19]),
	}, nil
}

// EncodeCancel appends the encoded message to dst and returns it.
func EncodeCancel(dst []byte, msg Cancel) []byte {
	var buf [CancelSize]byte
	binary.LittleEndian.PutUint64(buf[:], msg.OrderID)
	return append(dst, buf[:]...)
}

// DecodeCancel decodes a Cancel payload.
func DecodeCancel(data []byte) (Cancel, error) {
	if len(data) < CancelSize {
		return Cancel{}, fmt.Errorf("%w: cancel needs %d bytes, have %d", ErrOutOfBounds, CancelSize, len(data))
	}
	return Cancel{OrderID: binary.LittleEndian.Uint64(data[:8])}, nil
}

// EncodeReplace appends the encoded message to dst and returns it.
func EncodeReplace(dst []byte, msg Replace) []byte {
	var buf [ReplaceSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], msg.OrderID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(msg.NewQuantity))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(msg.NewPrice))
	binary.LittleEndian.PutUint16(buf[24:26], msg.NewFlags)
	return append(dst, buf[:]...)
}

// DecodeReplace decodes a Replace payload.
func DecodeReplace(data []byte) (Replace, error) {
	if len(data) < ReplaceSize {
		return Replace{}, fmt.Errorf("%w: replace needs %d bytes, have %d", ErrOutOfBounds, ReplaceSize, len(data))
	}
	return Replace{
		OrderID:     binary.LittleEndian.Uint64(data[0:8]),
		NewQuantity: int64(binary.LittleEndian.Uint64(data[8:16])),
		NewPrice:    int64(binary.LittleEndian.Uint64(data[16:24])),
		NewFlags:    binary.LittleEndian.Uint16(data[24:26]),
	}, nil
}
