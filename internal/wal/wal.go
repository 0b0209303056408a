// Package wal implements the write-ahead log: framed records with a
// fixed little-endian header and an FNV-1a payload checksum. The
// sequence assigned on append is the canonical total order of all
// state-changing events in the engine.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
)

const (
	// Magic is 'TCWL' little-endian.
	Magic uint32 = 0x5443574C

	// Version of the on-disk record format.
	Version uint16 = 1

	// HeaderSize is the fixed encoded header length in bytes.
	HeaderSize = 24
)

var (
	ErrBadMagic     = errors.New("wal: invalid record magic")
	ErrBadVersion   = errors.New("wal: unsupported record version")
	ErrChecksum     = errors.New("wal: payload checksum mismatch")
	ErrTruncated    = errors.New("wal: truncated record")
	ErrWriterClosed = errors.New("wal: writer closed")
)

// RecordHeader is the fixed per-record framing.
type RecordHeader struct {
	Magic       uint32
	Version     uint16
	Reserved    uint16
	Sequence    uint64
	PayloadSize uint32
	Checksum    uint32
}

// Record is a decoded WAL entry.
type Record struct {
	Header  RecordHeader
	Payload []byte
}

// Checksum32 is FNV-1a 32-bit over the payload bytes.
func Checksum32(payload []byte) uint32 {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}

func encodeHeader(buf []byte, h RecordHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.Checksum)
}

func decodeHeader(buf []byte) RecordHeader {
	return RecordHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     binary.LittleEndian.Uint16(buf[4:6]),
		Reserved:    binary.LittleEndian.Uint16(buf[6:8]),
		Sequence:    binary.LittleEndian.Uint64(buf[8:16]),
		PayloadSize: binary.LittleEndian.Uint32(buf[16:20]),
		Checksum:    binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// Writer appends framed records to a single log file. Appends are
// buffered and flushed once the buffer reaches the flush threshold;
// Sync flushes and forces the data to stable storage.
type Writer struct {
	file           *os.File
	buffer         []byte
	flushThreshold int
	nextSequence   uint64
}

// NewWriter opens (or creates) the log at path. An existing log is
// scanned to its end so the next append continues the sequence.
func NewWriter(path string, flushThresholdBytes int) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	w := &Writer{
		file:           file,
		buffer:         make([]byte, 0, flushThresholdBytes+HeaderSize),
		flushThreshold: flushThresholdBytes,
		nextSequence:   1,
	}

	if err := w.recover(path); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: seek end: %w", err)
	}
	return w, nil
}

func (w *Writer) recover(path string) error {
	r, err := NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var rec Record
	for {
		ok, err := r.Next(&rec)
		if err != nil {
			return fmt.Errorf("wal: recover %s: %w", path, err)
		}
		if !ok {
			return nil
		}
		w.nextSequence = rec.Header.Sequence + 1
	}
}

// NextSequence returns the sequence the next Append will be assigned.
func (w *Writer) NextSequence() uint64 {
	return w.nextSequence
}

// Append frames payload with the next sequence and buffers it.
// Returns the assigned sequence.
func (w *Writer) Append(payload []byte) (uint64, error) {
	if w.file == nil {
		return 0, ErrWriterClosed
	}

	header := RecordHeader{
		Magic:       Magic,
		Version:     Version,
		Sequence:    w.nextSequence,
		PayloadSize: uint32(len(payload)),
		Checksum:    Checksum32(payload),
	}
	w.nextSequence++

	var hdr [HeaderSize]byte
	encodeHeader(hdr[:], header)
	w.buffer = append(w.buffer, hdr[:]...)
	w.buffer = append(w.buffer, payload...)

	if len(w.buffer) >= w.flushThreshold {
		if err := w.Flush(); err != nil {
			return 0, err
		}
	}
	return header.Sequence, nil
}

// Flush writes any buffered records to the file.
func (w *Writer) Flush() error {
	if w.file == nil || len(w.buffer) == 0 {
		return nil
	}
	if _, err := w.file.Write(w.buffer); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	w.buffer = w.buffer[:0]
	return nil
}

// Sync flushes the buffer and forces the file to stable storage.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// Reader streams records from a log file in write order.
type Reader struct {
	file *os.File
}

// NewReader opens the log at path for sequential reads. A missing
// file behaves as an empty log.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reader{}, nil
		}
		return nil, fmt.Errorf("wal: open %s for read: %w", path, err)
	}
	return &Reader{file: file}, nil
}

// Next reads the next record into out. Returns false at a clean end
// of log. A partially written record, bad magic, or checksum mismatch
// is an error: the operator must intervene, records are never skipped.
func (r *Reader) Next(out *Record) (bool, error) {
	if r.file == nil {
		return false, nil
	}

	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r.file, hdr[:])
	if err == io.EOF {
		return false, nil
	}
	if err == io.ErrUnexpectedEOF {
		return false, fmt.Errorf("%w: %d header bytes", ErrTruncated, n)
	}
	if err != nil {
		return false, fmt.Errorf("wal: read header: %w", err)
	}

	header := decodeHeader(hdr[:])
	if header.Magic != Magic {
		return false, ErrBadMagic
	}
	if header.Version != Version {
		return false, fmt.Errorf("%w: %d", ErrBadVersion, header.Version)
	}

	payload := make([]byte, header.PayloadSize)
	if header.PayloadSize > 0 {
		if _, err := io.ReadFull(r.file, payload); err != nil {
			return false, fmt.Errorf("%w: payload at sequence %d", ErrTruncated, header.Sequence)
		}
		if Checksum32(payload) != header.Checksum {
			return false, fmt.Errorf("%w: sequence %d", ErrChecksum, header.Sequence)
		}
	}

	out.Header = header
	out.Payload = payload
	return true, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
