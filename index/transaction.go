package index

import (
	"fmt"
)

// Structs

// Transaction collects appends against an index without
// touching the record array until a UID range has been
// assigned at commit time. Placeholder records carry a
// sequence number immediately, their UID only later.
type Transaction struct {
	idx     *Index
	pending []pendingAppend
}

type pendingAppend struct {
	seq   uint32
	flags uint32
}

// Functions

// NewTransaction opens a fresh append transaction
// against this index.
func (idx *Index) NewTransaction() *Transaction {

	return &Transaction{
		idx:     idx,
		pending: make([]pendingAppend, 0, 4),
	}
}

// Append records a placeholder for one new message and
// returns its assigned in-memory sequence number.
func (t *Transaction) Append(flags uint32) uint32 {

	seq := t.idx.hdr.MessagesCount + uint32(len(t.pending)) + 1

	t.pending = append(t.pending, pendingAppend{
		seq:   seq,
		flags: flags,
	})

	return seq
}

// UpdateFlags replaces the flags of a placeholder
// previously created by Append.
func (t *Transaction) UpdateFlags(seq uint32, flags uint32) error {

	for i := range t.pending {

		if t.pending[i].seq == seq {
			t.pending[i].flags = flags
			return nil
		}
	}

	return fmt.Errorf("no pending append with sequence number %d in transaction", seq)
}

// Drop removes a placeholder again, undoing the append
// of a message that failed to save. Messages are written
// one at a time, so only the most recently appended
// placeholder can be dropped.
func (t *Transaction) Drop(seq uint32) bool {

	n := len(t.pending)
	if n == 0 || t.pending[n-1].seq != seq {
		return false
	}

	t.pending = t.pending[:(n - 1)]

	return true
}

// Count returns the number of placeholders
// recorded so far.
func (t *Transaction) Count() int {
	return len(t.pending)
}

// AssignUIDs materializes all placeholders as real records
// carrying the contiguous UID range starting at firstUID,
// in append order, and returns the last assigned UID. The
// caller is expected to persist the index afterwards.
func (t *Transaction) AssignUIDs(firstUID uint32) uint32 {

	for i, p := range t.pending {

		t.idx.recs = append(t.idx.recs, Record{
			UID:   firstUID + uint32(i),
			Flags: p.flags,
		})

		t.idx.hdr.MessagesCount++
		t.idx.hdr.UsedFileSize += RecordSize
	}

	lastUID := firstUID + uint32(len(t.pending)) - 1
	t.pending = t.pending[:0]

	return lastUID
}
