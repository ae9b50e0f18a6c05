package uidlist

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"path/filepath"

	"github.com/pkg/errors"
)

// Constants

// Version is the format version written into the
// header line of the UID list file.
const Version = 1

// RecFlag qualifies one UID list record.
type RecFlag uint8

const (
	// RecNewDir marks a record whose file currently
	// lives in the new/ directory.
	RecNewDir RecFlag = 1 << iota

	// RecRecent marks a record that arrived since the
	// last session and has not been seen by any client.
	RecRecent

	// RecMoved marks a record whose file has been moved
	// between directories since the list was read.
	RecMoved
)

// Variables

// ErrLockTimeout is returned when the UID list lock could
// not be acquired within the configured timeout. The whole
// enclosing save transaction has to be aborted in that case.
var ErrLockTimeout = errors.New("timeout while waiting for UID list lock")

// Structs

// Rec is one entry of the UID list: the immutable UID of
// a message and the maildir filename it was published as.
type Rec struct {
	UID      uint32
	Filename string
	Flags    RecFlag
}

// List is the per-mailbox UID allocation ledger. It hands
// out monotonically increasing UIDs and remembers which
// filename each UID was assigned to. All mutation happens
// under the list's dotlock.
type List struct {
	path        string
	lockPath    string
	locked      bool
	uidValidity uint32
	nextUID     uint32
	recs        []Rec
}

// Functions

// Open reads the UID list at the supplied path into
// memory. A missing file yields a fresh list with a new
// UID validity value and next UID 1.
func Open(path string) (*List, error) {

	list := &List{
		path:     path,
		lockPath: (path + ".lock"),
		nextUID:  1,
		recs:     make([]Rec, 0, 16),
	}

	file, err := os.Open(path)
	if err != nil {

		if os.IsNotExist(err) {
			list.uidValidity = uint32(time.Now().Unix())
			return list, nil
		}

		return nil, errors.Wrapf(err, "failed to open UID list file '%s'", path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	// First line is the header carrying version,
	// UID validity, and next UID to assign.
	if scanner.Scan() {

		var version uint32

		_, err = fmt.Sscanf(scanner.Text(), "%d %d %d", &version, &list.uidValidity, &list.nextUID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse header of UID list file '%s'", path)
		}

		if version != Version {
			return nil, fmt.Errorf("unsupported UID list version %d in file '%s'", version, path)
		}
	}

	// Each remaining line maps one UID to a filename.
	for scanner.Scan() {

		line := scanner.Text()

		sep := strings.IndexByte(line, ' ')
		if sep < 1 {
			return nil, fmt.Errorf("malformed record line '%s' in UID list file '%s'", line, path)
		}

		var uid uint32
		_, err = fmt.Sscanf(line[:sep], "%d", &uid)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse UID in record line '%s' of UID list file '%s'", line, path)
		}

		list.recs = append(list.recs, Rec{
			UID:      uid,
			Filename: line[(sep + 1):],
		})
	}

	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan UID list file '%s'", path)
	}

	return list, nil
}

// Lock acquires the list's dotlock, polling until the
// supplied timeout has elapsed. Commits across processes
// are serialized through this lock.
func (list *List) Lock(timeout time.Duration) error {

	deadline := time.Now().Add(timeout)

	for {

		file, err := os.OpenFile(list.lockPath, (os.O_CREATE | os.O_EXCL | os.O_WRONLY), 0600)
		if err == nil {
			file.Close()
			list.locked = true
			return nil
		}

		if !os.IsExist(err) {
			return errors.Wrapf(err, "failed to create UID list lock file '%s'", list.lockPath)
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// Unlock releases the dotlock. Releasing an
// unheld lock is a no-op.
func (list *List) Unlock() {

	if !list.locked {
		return
	}

	list.locked = false
	os.Remove(list.lockPath)
}

// UIDValidity returns the list's UID validity value.
func (list *List) UIDValidity() uint32 {
	return list.uidValidity
}

// NextUID returns the UID the next appended
// message will be assigned.
func (list *List) NextUID() uint32 {
	return list.nextUID
}

// Lookup returns the filename recorded for the supplied
// UID, or the empty string if the UID is unknown.
func (list *List) Lookup(uid uint32) string {

	for i := range list.recs {

		if list.recs[i].UID == uid {
			return list.recs[i].Filename
		}
	}

	return ""
}

// write rewrites the backing file atomically by staging
// the new contents next to it and renaming into place.
func (list *List) write() error {

	tmpPath := filepath.Join(filepath.Dir(list.path), (filepath.Base(list.path) + ".tmp"))

	file, err := os.OpenFile(tmpPath, (os.O_CREATE | os.O_TRUNC | os.O_WRONLY), 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create staging file for UID list '%s'", list.path)
	}

	writer := bufio.NewWriter(file)

	_, err = fmt.Fprintf(writer, "%d %d %d\n", Version, list.uidValidity, list.nextUID)
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write header of UID list '%s'", list.path)
	}

	for i := range list.recs {

		_, err = fmt.Fprintf(writer, "%d %s\n", list.recs[i].UID, list.recs[i].Filename)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return errors.Wrapf(err, "failed to write record of UID list '%s'", list.path)
		}
	}

	err = writer.Flush()
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to flush UID list '%s'", list.path)
	}

	err = file.Sync()
	if err != nil {
		file.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to sync UID list '%s'", list.path)
	}

	err = file.Close()
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close UID list staging file '%s'", tmpPath)
	}

	err = os.Rename(tmpPath, list.path)
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to publish UID list '%s'", list.path)
	}

	return nil
}
