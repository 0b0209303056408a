package engine

import (
	"encoding/binary"
	"fmt"

	"tradecore/internal/codec"
	"tradecore/internal/common"
	"tradecore/internal/ingest"
)

// envelopeHeaderSize is the fixed prefix of a WAL envelope payload:
// kind u8, account u64, nonce u64, received_time_ns i64.
const envelopeHeaderSize = 1 + 8 + 8 + 8

// buildEnvelope serializes a frame into the WAL payload format.
func buildEnvelope(frame ingest.OwnedFrame) []byte {
	buf := make([]byte, 0, envelopeHeaderSize+len(frame.Payload))
	buf = append(buf, byte(frame.Header.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(frame.Header.Account))
	buf = binary.LittleEndian.AppendUint64(buf, frame.Header.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(frame.Header.ReceivedTimeNs))
	buf = append(buf, frame.Payload...)
	return buf
}

// parseEnvelope reconstructs the frame from a WAL payload.
func parseEnvelope(payload []byte) (ingest.OwnedFrame, error) {
	if len(payload) < envelopeHeaderSize {
		return ingest.OwnedFrame{}, fmt.Errorf("engine: envelope needs %d bytes, have %d", envelopeHeaderSize, len(payload))
	}
	return ingest.OwnedFrame{
		Header: ingest.FrameHeader{
			Kind:           codec.MessageKind(payload[0]),
			Account:        common.AccountID(binary.LittleEndian.Uint64(payload[1:9])),
			Nonce:          binary.LittleEndian.Uint64(payload[9:17]),
			ReceivedTimeNs: common.TimestampNs(binary.LittleEndian.Uint64(payload[17:25])),
		},
		Payload: payload[envelopeHeaderSize:],
	}, nil
}
