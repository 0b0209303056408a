// Package replay rebuilds engine state after a restart: load the
// latest snapshot, then apply every WAL record past the snapshot
// sequence in write order. Two executions against the same files
// produce identical handler call sequences.
package replay

import (
	"errors"
	"fmt"

	"tradecore/internal/snapshot"
	"tradecore/internal/wal"
)

// SnapshotHandler receives the latest snapshot before any events.
type SnapshotHandler func(sequence uint64, payload []byte) error

// EventHandler receives each WAL record at or past the resume point.
type EventHandler func(record wal.Record) error

var ErrNoEventHandler = errors.New("replay: event handler not set")

// Driver wires a snapshot store and a WAL path to replay handlers.
type Driver struct {
	store           *snapshot.Store
	walPath         string
	snapshotHandler SnapshotHandler
	eventHandler    EventHandler
}

func NewDriver() *Driver {
	return &Driver{}
}

// Configure binds the snapshot directory and WAL path.
func (d *Driver) Configure(snapshotDir, walPath string) error {
	store, err := snapshot.NewStore(snapshotDir, snapshot.DefaultLimits)
	if err != nil {
		return err
	}
	d.store = store
	d.walPath = walPath
	return nil
}

// SetSnapshotHandler installs the optional snapshot callback.
func (d *Driver) SetSnapshotHandler(handler SnapshotHandler) {
	d.snapshotHandler = handler
}

// SetEventHandler installs the required per-record callback.
func (d *Driver) SetEventHandler(handler EventHandler) {
	d.eventHandler = handler
}

// Execute replays: snapshot first (resume point = snapshot sequence
// + 1), then WAL records with sequence at or past the resume point.
// Corrupt records abort the replay; they are never skipped.
func (d *Driver) Execute() error {
	if d.eventHandler == nil {
		return ErrNoEventHandler
	}

	resumeFrom := uint64(1)

	if d.store != nil {
		snap, err := d.store.Latest()
		if err != nil {
			return fmt.Errorf("replay: load snapshot: %w", err)
		}
		if snap != nil {
			resumeFrom = snap.Sequence + 1
			if d.snapshotHandler != nil {
				if err := d.snapshotHandler(snap.Sequence, snap.Payload); err != nil {
					return fmt.Errorf("replay: snapshot handler: %w", err)
				}
			}
		}
	}

	reader, err := wal.NewReader(d.walPath)
	if err != nil {
		return fmt.Errorf("replay: open wal: %w", err)
	}
	defer reader.Close()

	var record wal.Record
	for {
		ok, err := reader.Next(&record)
		if err != nil {
			return fmt.Errorf("replay: read wal: %w", err)
		}
		if !ok {
			return nil
		}
		if record.Header.Sequence < resumeFrom {
			continue
		}
		if err := d.eventHandler(record); err != nil {
			return fmt.Errorf("replay: event handler at sequence %d: %w", record.Header.Sequence, err)
		}
	}
}
