package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tradecore/internal/common"
)

const (
	// FrameMagic is 'TRDC' little-endian.
	FrameMagic uint32 = 0x54524443

	// FrameVersion of the datagram header.
	FrameVersion uint16 = 1

	// FrameHeaderSize is the packed wire header length.
	FrameHeaderSize = 36
)

var (
	ErrFrameMagic   = errors.New("codec: invalid frame magic")
	ErrFrameVersion = errors.New("codec: unsupported frame version")
	ErrFrameLength  = errors.New("codec: frame payload length mismatch")
)

// MessageKind discriminates frame payloads.
type MessageKind uint8

const (
	KindNewOrder MessageKind = iota
	KindCancel
	KindReplace
	KindHeartbeat
)

func (k MessageKind) String() string {
	switch k {
	case KindNewOrder:
		return "new_order"
	case KindCancel:
		return "cancel"
	case KindReplace:
		return "replace"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// WireFrame is a decoded datagram: header fields plus payload bytes.
type WireFrame struct {
	Flags       uint16
	Account     common.AccountID
	Nonce       uint64
	TimestampNs common.TimestampNs
	Priority    uint8
	Kind        MessageKind
	Payload     []byte
}

// EncodeFrame serializes the wire header followed by the payload.
func EncodeFrame(frame WireFrame) []byte {
	buf := make([]byte, FrameHeaderSize+len(frame.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], FrameMagic)
	binary.LittleEndian.PutUint16(buf[4:6], FrameVersion)
	binary.LittleEndian.PutUint16(buf[6:8], frame.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(frame.Account))
	binary.LittleEndian.PutUint64(buf[16:24], frame.Nonce)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(frame.TimestampNs))
	buf[32] = frame.Priority
	buf[33] = byte(frame.Kind)
	binary.LittleEndian.PutUint16(buf[34:36], uint16(len(frame.Payload)))
	copy(buf[FrameHeaderSize:], frame.Payload)
	return buf
}

// DecodeFrame parses a datagram into a WireFrame. The payload slice
// aliases data.
func DecodeFrame(data []byte) (WireFrame, error) {
	if len(data) < FrameHeaderSize {
		return WireFrame{}, fmt.Errorf("%w: frame header needs %d bytes, have %d", ErrOutOfBounds, FrameHeaderSize, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != FrameMagic {
		return WireFrame{}, ErrFrameMagic
	}
	if version := binary.LittleEndian.Uint16(data[4:6]); version != FrameVersion {
		return WireFrame{}, fmt.Errorf("%w: %d", ErrFrameVersion, version)
	}

	payloadLen := int(binary.LittleEndian.Uint16(data[34:36]))
	if len(data) < FrameHeaderSize+payloadLen {
		return WireFrame{}, fmt.Errorf("%w: declared %d, have %d", ErrFrameLength, payloadLen, len(data)-FrameHeaderSize)
	}

	return WireFrame{
		Flags:       binary.LittleEndian.Uint16(data[6:8]),
		Account:     common.AccountID(binary.LittleEndian.Uint64(data[8:16])),
		Nonce:       binary.LittleEndian.Uint64(data[16:24]),
		TimestampNs: common.TimestampNs(binary.LittleEndian.Uint64(data[24:32])),
		Priority:    data[32],
		Kind:        MessageKind(data[33]),
		Payload:     data[FrameHeaderSize : FrameHeaderSize+payloadLen],
	}, nil
}

// HeaderBytes returns the encoded 36-byte header for a frame. Frame
// signatures cover these bytes followed by the payload after the
// signature.
func HeaderBytes(frame WireFrame) []byte {
	return EncodeFrame(frame)[:FrameHeaderSize]
}
