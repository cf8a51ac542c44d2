package meta

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/klauspost/compress/s2"
)

// PayloadLog stores dead-letter payload bodies outside SQLite. Payloads
// are s2-compressed; keys are the refs recorded on the dead-letter rows.
type PayloadLog struct {
	db *pebble.DB
}

// OpenPayloadLog opens the log under dir. An empty dir uses an in-memory
// filesystem, for tests.
func OpenPayloadLog(dir string) (*PayloadLog, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "payloads"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("opening payload log: %w", err)
	}
	return &PayloadLog{db: db}, nil
}

// Put stores (or replaces) a payload under ref.
func (pl *PayloadLog) Put(ref string, payload []byte) error {
	compressed := s2.Encode(nil, payload)
	if err := pl.db.Set([]byte(ref), compressed, pebble.Sync); err != nil {
		return fmt.Errorf("storing payload %s: %w", ref, err)
	}
	return nil
}

// Get returns the payload under ref, or nil when absent.
func (pl *PayloadLog) Get(ref string) ([]byte, error) {
	val, closer, err := pl.db.Get([]byte(ref))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", ref, err)
	}
	defer closer.Close()

	payload, err := s2.Decode(nil, val)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload %s: %w", ref, err)
	}
	return payload, nil
}

// Delete removes the payload under ref. Deleting an absent ref is a no-op.
func (pl *PayloadLog) Delete(ref string) error {
	if err := pl.db.Delete([]byte(ref), pebble.Sync); err != nil {
		return fmt.Errorf("deleting payload %s: %w", ref, err)
	}
	return nil
}

// Close flushes and closes the underlying store.
func (pl *PayloadLog) Close() error {
	return pl.db.Close()
}
