// Package journal keeps a write-ahead record of individual mount
// operations in a badger store. Every mount point is journaled before the
// syscall and marked applied after it, so a crash in between still leaves
// enough of a trail for the next start to find and clear the mount, even
// when the cycle never got as far as writing its state snapshot.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kellerow/modmount/pkg/modmount/logging"
)

// keyPrefix namespaces journal records within the store.
var keyPrefix = []byte("mnt/")

// Entry is one journaled mount operation.
type Entry struct {
	// CycleID ties the record to the cycle that created it.
	CycleID string `json:"cycle_id"`

	// Module is the module the mount belongs to.
	Module string `json:"module"`

	// Target is the mount point.
	Target string `json:"target"`

	// Applied is true once the mount syscall succeeded.
	Applied bool `json:"applied"`

	// Time is when the record was last written.
	Time time.Time `json:"time"`
}

// Journal is a badger-backed mount log.
type Journal struct {
	db  *badger.DB
	log *logging.Logger
}

// Open opens (or creates) the journal at dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening journal at %s: %w", dir, err)
	}
	return &Journal{db: db, log: logging.Get("journal")}, nil
}

// Close flushes and closes the store.
func (j *Journal) Close() error {
	return j.db.Close()
}

func key(target string) []byte {
	return append(append([]byte{}, keyPrefix...), target...)
}

func (j *Journal) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(e.Target), data)
	})
}

// Intent records that a mount is about to be attempted.
func (j *Journal) Intent(cycleID, module, target string) error {
	return j.put(Entry{
		CycleID: cycleID,
		Module:  module,
		Target:  target,
		Time:    time.Now().UTC(),
	})
}

// Applied marks a previously journaled mount as live.
func (j *Journal) Applied(cycleID, module, target string) error {
	return j.put(Entry{
		CycleID: cycleID,
		Module:  module,
		Target:  target,
		Applied: true,
		Time:    time.Now().UTC(),
	})
}

// Remove drops the record for a target after its unmount.
func (j *Journal) Remove(target string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(target))
	})
}

// Entries returns every journaled record, sorted by target (badger
// iterates keys in order).
func (j *Journal) Entries() ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decoding journal entry: %w", err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Pending returns records whose mount was attempted but never confirmed.
// These are the targets a crashed cycle may have left mounted.
func (j *Journal) Pending() ([]Entry, error) {
	all, err := j.Entries()
	if err != nil {
		return nil, err
	}
	var pending []Entry
	for _, e := range all {
		if !e.Applied {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Reset clears the journal at the start of a fresh cycle.
func (j *Journal) Reset() error {
	if err := j.db.DropPrefix(keyPrefix); err != nil {
		return fmt.Errorf("resetting journal: %w", err)
	}
	return nil
}
