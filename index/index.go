package index

import (
	"fmt"
	"io"
	"os"

	"encoding/binary"

	"github.com/pkg/errors"
)

// Constants

// HeaderSize is the number of bytes the on-disk
// index header occupies in front of the records.
const HeaderSize = 8

// RecordSize is the fixed number of bytes one
// index record occupies on disk.
const RecordSize = 8

// Structs

// Record is one fixed-size entry of the index: the
// mailbox-scoped UID of a message and its flag bitmask.
// Records are kept in strictly increasing UID order and
// the sequence number of a record is its one-based
// position in the array.
type Record struct {
	UID   uint32
	Flags uint32
}

// Header mirrors the on-disk index header. UsedFileSize
// always equals HeaderSize plus MessagesCount times
// RecordSize.
type Header struct {
	MessagesCount uint32
	UsedFileSize  uint32
}

// Index is the dense, sequence-ordered record array of
// one mailbox, backed by a fixed-layout file. All methods
// expect the caller to serialize access.
type Index struct {
	path string
	file *os.File
	hdr  Header
	recs []Record

	// OnFlagChange, when non-nil, is invoked once per record
	// whose flags transition, e.g. during an expunge where
	// each removed record reports oldFlags -> 0.
	OnFlagChange func(uid uint32, oldFlags uint32, newFlags uint32)
}

// Functions

// Open reads an existing index file into memory or
// creates an empty one if none is present yet.
func Open(path string) (*Index, error) {

	file, err := os.OpenFile(path, (os.O_CREATE | os.O_RDWR), 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index file '%s'", path)
	}

	idx := &Index{
		path: path,
		file: file,
	}

	err = idx.load()
	if err != nil {
		file.Close()
		return nil, err
	}

	return idx, nil
}

// load parses header and records from the backing file.
// A zero-length file is a valid empty index.
func (idx *Index) load() error {

	info, err := idx.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat index file '%s'", idx.path)
	}

	if info.Size() == 0 {

		idx.hdr = Header{
			MessagesCount: 0,
			UsedFileSize:  HeaderSize,
		}
		idx.recs = make([]Record, 0, 16)

		return idx.Write()
	}

	_, err = idx.file.Seek(0, io.SeekStart)
	if err != nil {
		return errors.Wrapf(err, "failed to seek in index file '%s'", idx.path)
	}

	err = binary.Read(idx.file, binary.LittleEndian, &idx.hdr)
	if err != nil {
		return errors.Wrapf(err, "failed to read header of index file '%s'", idx.path)
	}

	// Guard against a truncated or corrupted file: the
	// header has to be consistent with the actual size.
	expected := int64(HeaderSize + (uint64(idx.hdr.MessagesCount) * RecordSize))
	if int64(idx.hdr.UsedFileSize) != expected || info.Size() < expected {
		return fmt.Errorf("index file '%s' is corrupted: header claims %d messages in %d bytes but file holds %d bytes", idx.path, idx.hdr.MessagesCount, idx.hdr.UsedFileSize, info.Size())
	}

	idx.recs = make([]Record, idx.hdr.MessagesCount)
	err = binary.Read(idx.file, binary.LittleEndian, idx.recs)
	if err != nil {
		return errors.Wrapf(err, "failed to read records of index file '%s'", idx.path)
	}

	return nil
}

// Refresh discards the in-memory state and re-reads the
// backing file, pulling in concurrent external changes.
func (idx *Index) Refresh() error {
	return idx.load()
}

// Write persists header and records back to the backing
// file and truncates it to the used size.
func (idx *Index) Write() error {

	_, err := idx.file.Seek(0, io.SeekStart)
	if err != nil {
		return errors.Wrapf(err, "failed to seek in index file '%s'", idx.path)
	}

	err = binary.Write(idx.file, binary.LittleEndian, &idx.hdr)
	if err != nil {
		return errors.Wrapf(err, "failed to write header of index file '%s'", idx.path)
	}

	err = binary.Write(idx.file, binary.LittleEndian, idx.recs)
	if err != nil {
		return errors.Wrapf(err, "failed to write records of index file '%s'", idx.path)
	}

	err = idx.file.Truncate(int64(idx.hdr.UsedFileSize))
	if err != nil {
		return errors.Wrapf(err, "failed to truncate index file '%s'", idx.path)
	}

	return idx.file.Sync()
}

// Close releases the backing file descriptor.
func (idx *Index) Close() error {
	return idx.file.Close()
}

// MessagesCount returns the number of records
// currently held by the index.
func (idx *Index) MessagesCount() uint32 {
	return idx.hdr.MessagesCount
}

// Lookup returns the record at the supplied one-based
// sequence number or nil if it is out of range.
func (idx *Index) Lookup(seq uint32) *Record {

	if seq == 0 || seq > idx.hdr.MessagesCount {
		return nil
	}

	return &idx.recs[seq-1]
}

// Next returns the record following the one at the
// supplied sequence number or nil at the end.
func (idx *Index) Next(seq uint32) *Record {
	return idx.Lookup(seq + 1)
}

// LookupUIDRange binary-searches for the smallest-sequence
// record whose UID falls into [firstUID, lastUID]. It
// returns that record and its sequence number, or
// (nil, 0) if no record's UID is inside the range.
func (idx *Index) LookupUIDRange(firstUID uint32, lastUID uint32) (*Record, uint32) {

	if firstUID == 0 || firstUID > lastUID {
		return nil, 0
	}

	limit := uint32(len(idx.recs))
	if limit == 0 {
		return nil, 0
	}

	var i uint32
	left := uint32(0)
	right := limit

	for left < right {

		i = (left + right) / 2

		if idx.recs[i].UID < firstUID {
			left = i + 1
		} else if idx.recs[i].UID > firstUID {
			right = i
		} else {
			break
		}
	}

	if idx.recs[i].UID < firstUID || idx.recs[i].UID > lastUID {

		// The midpoint undershot or overshot the range,
		// but the immediately following record could
		// still fall inside of it.
		i++
		if i == limit || idx.recs[i].UID < firstUID || idx.recs[i].UID > lastUID {
			return nil, 0
		}
	}

	return &idx.recs[i], (i + 1)
}

// ExpungeRange removes the records between the supplied
// one-based sequence numbers (inclusive), emits one flag
// change notification of oldFlags -> 0 per removed record,
// compacts the array in place, and truncates the backing
// file. Sequence numbers of surviving records to the right
// of the removed range shift down by the removed count.
func (idx *Index) ExpungeRange(firstSeq uint32, lastSeq uint32) error {

	if firstSeq == 0 || firstSeq > lastSeq || lastSeq > idx.hdr.MessagesCount {
		return fmt.Errorf("expunge range [%d, %d] out of bounds for %d messages", firstSeq, lastSeq, idx.hdr.MessagesCount)
	}

	count := (lastSeq - firstSeq) + 1

	idx.hdr.MessagesCount -= count

	for seq := firstSeq; seq <= lastSeq; seq++ {

		rec := idx.recs[seq-1]

		if idx.OnFlagChange != nil {
			idx.OnFlagChange(rec.UID, rec.Flags, 0)
		}
	}

	// Shift the tail down over the removed range.
	copy(idx.recs[firstSeq-1:], idx.recs[lastSeq:])
	idx.recs = idx.recs[:idx.hdr.MessagesCount]

	idx.hdr.UsedFileSize -= (count * RecordSize)

	return idx.Write()
}
