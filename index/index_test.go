package index

import (
	"testing"

	"path/filepath"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

func openTestIndex(t *testing.T) *Index {

	idx, err := Open(filepath.Join(t.TempDir(), "plume-index"))
	require.Nil(t, err, "expected opening a fresh index to succeed")

	return idx
}

// appendUIDs materializes one record per supplied flag
// value, with UIDs starting at firstUID.
func appendUIDs(t *testing.T, idx *Index, firstUID uint32, flags ...uint32) {

	trans := idx.NewTransaction()

	for _, f := range flags {
		trans.Append(f)
	}

	lastUID := trans.AssignUIDs(firstUID)
	require.Equal(t, (firstUID + uint32(len(flags)) - 1), lastUID, "expected last UID to cover all appended records")

	require.Nil(t, idx.Write(), "expected persisting the index to succeed")
}

// TestTransactionSequenceNumbers checks that placeholders
// capture the correct in-memory sequence numbers before
// any UID has been assigned.
func TestTransactionSequenceNumbers(t *testing.T) {

	idx := openTestIndex(t)
	defer idx.Close()

	trans := idx.NewTransaction()

	assert.Equal(t, uint32(1), trans.Append(0), "expected first placeholder to be sequence 1")
	assert.Equal(t, uint32(2), trans.Append(0), "expected second placeholder to be sequence 2")
	assert.Equal(t, uint32(0), idx.MessagesCount(), "expected placeholders to not be real records yet")

	lastUID := trans.AssignUIDs(7)

	assert.Equal(t, uint32(8), lastUID, "expected UID range [7, 8]")
	assert.Equal(t, uint32(2), idx.MessagesCount(), "expected two records after assignment")
	assert.Equal(t, uint32(7), idx.Lookup(1).UID, "expected sequence 1 to carry first UID")
	assert.Equal(t, uint32(8), idx.Lookup(2).UID, "expected sequence 2 to carry last UID")
}

// TestLookupOrdering checks the sequence = position + 1
// mapping and strict UID ordering across the array.
func TestLookupOrdering(t *testing.T) {

	idx := openTestIndex(t)
	defer idx.Close()

	appendUIDs(t, idx, 1, 0, 0, 0, 0, 0)

	assert.Nil(t, idx.Lookup(0), "expected sequence 0 to be invalid")
	assert.Nil(t, idx.Lookup(6), "expected sequence beyond count to be invalid")

	for seq := uint32(1); seq < idx.MessagesCount(); seq++ {

		rec := idx.Lookup(seq)
		next := idx.Next(seq)

		require.NotNil(t, rec)
		require.NotNil(t, next)
		assert.True(t, rec.UID < next.UID, "expected UIDs to be strictly increasing")
	}

	assert.Nil(t, idx.Next(idx.MessagesCount()), "expected no record past the last sequence")
}

// TestLookupUIDRange checks the binary search over sparse
// UID ranges, including the next-record correction when
// the midpoint undershoots.
func TestLookupUIDRange(t *testing.T) {

	idx := openTestIndex(t)
	defer idx.Close()

	// Craft records with UID gaps: 2, 4, 6, 8, 10.
	trans := idx.NewTransaction()
	for i := 0; i < 5; i++ {
		trans.Append(0)
	}
	trans.AssignUIDs(1)
	for i := range idx.recs {
		idx.recs[i].UID = uint32((i + 1) * 2)
	}

	tests := []struct {
		firstUID uint32
		lastUID  uint32
		wantUID  uint32
		wantSeq  uint32
	}{
		{1, 2, 2, 1},
		{2, 2, 2, 1},
		{3, 5, 4, 2},
		{5, 5, 0, 0},
		{7, 20, 8, 4},
		{9, 9, 0, 0},
		{10, 200, 10, 5},
		{11, 200, 0, 0},
		{1, 200, 2, 1},
	}

	for _, tt := range tests {

		rec, seq := idx.LookupUIDRange(tt.firstUID, tt.lastUID)

		assert.Equal(t, tt.wantSeq, seq, "range [%d, %d]: unexpected sequence", tt.firstUID, tt.lastUID)

		if tt.wantSeq == 0 {
			assert.Nil(t, rec, "range [%d, %d]: expected no record", tt.firstUID, tt.lastUID)
		} else {
			require.NotNil(t, rec, "range [%d, %d]: expected a record", tt.firstUID, tt.lastUID)
			assert.Equal(t, tt.wantUID, rec.UID, "range [%d, %d]: unexpected UID", tt.firstUID, tt.lastUID)
		}
	}
}

// TestExpungeRange checks record removal: count and size
// bookkeeping, flag change notifications, and the
// sequence shift of surviving records.
func TestExpungeRange(t *testing.T) {

	idx := openTestIndex(t)
	defer idx.Close()

	appendUIDs(t, idx, 1, 0, 4, 8, 0, 0)

	type change struct {
		uid      uint32
		oldFlags uint32
		newFlags uint32
	}

	changes := make([]change, 0, 2)
	idx.OnFlagChange = func(uid uint32, oldFlags uint32, newFlags uint32) {
		changes = append(changes, change{uid, oldFlags, newFlags})
	}

	// Expunge sequences 2 and 3 (UIDs 2 and 3).
	require.Nil(t, idx.ExpungeRange(2, 3), "expected expunge of a valid range to succeed")

	assert.Equal(t, uint32(3), idx.MessagesCount(), "expected two records to be gone")
	assert.Equal(t, []change{{2, 4, 0}, {3, 8, 0}}, changes, "expected one oldFlags -> 0 notification per expunged record")

	// The record previously at sequence 4 now lives at
	// sequence 2.
	assert.Equal(t, uint32(4), idx.Lookup(2).UID, "expected tail records to shift down")
	assert.Equal(t, uint32(5), idx.Lookup(3).UID, "expected tail records to shift down")

	// UIDs stay strictly increasing.
	for seq := uint32(1); seq < idx.MessagesCount(); seq++ {
		assert.True(t, idx.Lookup(seq).UID < idx.Lookup(seq+1).UID, "expected UIDs to remain strictly increasing")
	}

	assert.Error(t, idx.ExpungeRange(0, 1), "expected sequence 0 to be rejected")
	assert.Error(t, idx.ExpungeRange(3, 4), "expected out-of-bounds range to be rejected")
	assert.Error(t, idx.ExpungeRange(3, 2), "expected inverted range to be rejected")
}

// TestPersistenceRoundtrip checks that records and header
// survive Write, Refresh, and a fresh Open, and that the
// backing file is truncated on expunge.
func TestPersistenceRoundtrip(t *testing.T) {

	path := filepath.Join(t.TempDir(), "plume-index")

	idx, err := Open(path)
	require.Nil(t, err)

	appendUIDs(t, idx, 3, 1, 2, 3, 4)

	require.Nil(t, idx.ExpungeRange(2, 2), "expected expunge to succeed")

	require.Nil(t, idx.Refresh(), "expected refresh from own state to succeed")
	assert.Equal(t, uint32(3), idx.MessagesCount())

	require.Nil(t, idx.Close())

	reopened, err := Open(path)
	require.Nil(t, err, "expected reopening the index to succeed")
	defer reopened.Close()

	assert.Equal(t, uint32(3), reopened.MessagesCount(), "expected record count to survive reopen")
	assert.Equal(t, uint32(3), reopened.Lookup(1).UID)
	assert.Equal(t, uint32(5), reopened.Lookup(2).UID)
	assert.Equal(t, uint32(6), reopened.Lookup(3).UID)
	assert.Equal(t, uint32(3), reopened.Lookup(2).Flags, "expected flags to survive reopen")
}
