package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tradecore/internal/snapshot"
)

func newStore(t *testing.T, limits snapshot.Limits) (*snapshot.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := snapshot.NewStore(dir, limits)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, dir
}

func TestLatestOnEmptyStore(t *testing.T) {
	store, _ := newStore(t, snapshot.DefaultLimits)

	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec != nil {
		t.Errorf("empty store: got record at sequence %d, want none", rec.Sequence)
	}
}

func TestPersistAndLatest(t *testing.T) {
	store, _ := newStore(t, snapshot.DefaultLimits)

	if err := store.Persist(7, []byte("checkpoint payload")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", rec.Sequence)
	}
	if !bytes.Equal(rec.Payload, []byte("checkpoint payload")) {
		t.Errorf("payload: got %q", rec.Payload)
	}
}

func TestLatestReturnsLastInFileOrder(t *testing.T) {
	store, _ := newStore(t, snapshot.DefaultLimits)

	for seq := uint64(1); seq <= 5; seq++ {
		if err := store.Persist(seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("persist %d: %v", seq, err)
		}
	}

	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Sequence != 5 {
		t.Errorf("sequence: got %d, want 5", rec.Sequence)
	}
}

func TestCompactionByRecordCount(t *testing.T) {
	store, dir := newStore(t, snapshot.Limits{MaxRecords: 3, MaxFileBytes: 1 << 20})

	for seq := uint64(1); seq <= 10; seq++ {
		if err := store.Persist(seq, []byte("payload")); err != nil {
			t.Fatalf("persist %d: %v", seq, err)
		}
	}

	// The retained suffix must end with the newest record.
	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest after compaction: %v", err)
	}
	if rec.Sequence != 10 {
		t.Errorf("latest after compaction: got %d, want 10", rec.Sequence)
	}

	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(dir, "snapshot.tc.tmp")); !os.IsNotExist(err) {
		t.Error("compaction temp file was not cleaned up")
	}
}

func TestCompactionByFileSize(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, 1024)
	store, dir := newStore(t, snapshot.Limits{MaxRecords: 1000, MaxFileBytes: 4096})

	for seq := uint64(1); seq <= 12; seq++ {
		if err := store.Persist(seq, payload); err != nil {
			t.Fatalf("persist %d: %v", seq, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, "snapshot.tc"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 4096 {
		t.Errorf("file size after compaction: got %d, want <= 4096", info.Size())
	}

	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Sequence != 12 {
		t.Errorf("latest after compaction: got %d, want 12", rec.Sequence)
	}
}

// Version 1 records carry no trailing checksum and must still read.
func TestVersionOneRecordAccepted(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("legacy state")

	buf := make([]byte, 20+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], snapshot.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], 1)
	binary.LittleEndian.PutUint64(buf[8:16], 42)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:], payload)
	if err := os.WriteFile(filepath.Join(dir, "snapshot.tc"), buf, 0o644); err != nil {
		t.Fatalf("write v1 file: %v", err)
	}

	store, err := snapshot.NewStore(dir, snapshot.DefaultLimits)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	rec, err := store.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", rec.Sequence)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("payload: got %q, want %q", rec.Payload, payload)
	}
}

func TestChecksumMismatchIsFatal(t *testing.T) {
	store, dir := newStore(t, snapshot.DefaultLimits)
	if err := store.Persist(1, []byte("intact payload")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	path := filepath.Join(dir, "snapshot.tc")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	data[20+3] ^= 0xff // flip a payload byte
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err = store.Latest()
	if !errors.Is(err, snapshot.ErrChecksum) {
		t.Errorf("corrupted payload: got %v, want ErrChecksum", err)
	}
}

func TestBadMagicIsFatal(t *testing.T) {
	store, dir := newStore(t, snapshot.DefaultLimits)
	if err := store.Persist(1, []byte("payload")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	path := filepath.Join(dir, "snapshot.tc")
	data, _ := os.ReadFile(path)
	data[0] ^= 0xff
	os.WriteFile(path, data, 0o644)

	_, err := store.Latest()
	if !errors.Is(err, snapshot.ErrBadMagic) {
		t.Errorf("bad magic: got %v, want ErrBadMagic", err)
	}
}
