package maildir

import (
	"os"
	"syscall"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	mdir "github.com/numbleroot/maildir"
	"github.com/pkg/errors"

	"github.com/numbleroot/plume/index"
	"github.com/numbleroot/plume/uidlist"
)

// Variables

// ErrNoSpace is the user-visible error for any append
// that failed because the disk filled up.
var ErrNoSpace = errors.New("Not enough disk space")

// ErrLockTimeout is returned by Commit when the UID list
// lock could not be acquired in time. The transaction has
// been rolled back when this error is seen.
var ErrLockTimeout = uidlist.ErrLockTimeout

// Structs

// Maildir is the handle of one on-disk maildir folder:
// the three sibling directories tmp/, new/, and cur/, the
// UID allocation ledger, and the message index. Save
// transactions are opened through NewTransaction.
type Maildir struct {
	logger log.Logger

	path   string
	tmpdir string
	newdir string
	curdir string

	createMode  os.FileMode
	lockTimeout time.Duration

	uidlist *uidlist.List
	index   *index.Index
}

// Functions

// Open makes the maildir at the supplied path ready for
// appends: the directory structure is created if missing
// and UID list and index are read into memory.
func Open(logger log.Logger, path string, uidlistFileName string, createMode os.FileMode, lockTimeout time.Duration) (*Maildir, error) {

	// Create tmp/, new/, and cur/ on stable storage. An
	// already existing structure is being reopened.
	err := mdir.Dir(path).Create()
	if err != nil && !os.IsExist(err) {
		return nil, errors.Wrapf(err, "failed to create maildir structure at '%s'", path)
	}

	list, err := uidlist.Open(filepath.Join(path, uidlistFileName))
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(path, "plume-index"))
	if err != nil {
		return nil, err
	}

	return &Maildir{
		logger:      logger,
		path:        path,
		tmpdir:      filepath.Join(path, "tmp"),
		newdir:      filepath.Join(path, "new"),
		curdir:      filepath.Join(path, "cur"),
		createMode:  createMode,
		lockTimeout: lockTimeout,
		uidlist:     list,
		index:       idx,
	}, nil
}

// Path returns the root path of this maildir.
func (box *Maildir) Path() string {
	return box.path
}

// UIDList exposes the UID allocation ledger of
// this maildir.
func (box *Maildir) UIDList() *uidlist.List {
	return box.uidlist
}

// Index exposes the message index of this maildir.
func (box *Maildir) Index() *index.Index {
	return box.index
}

// Close releases the index file descriptor.
func (box *Maildir) Close() error {
	return box.index.Close()
}

// Remove deletes the whole maildir from stable storage.
func (box *Maildir) Remove() error {
	box.index.Close()
	return mdir.Dir(box.path).Remove()
}

// critical logs a failed storage operation at error level
// and returns the wrapped error. The user only ever sees
// an opaque internal error for these.
func (box *Maildir) critical(err error, format string, args ...interface{}) error {

	wrapped := errors.Wrapf(err, format, args...)

	level.Error(box.logger).Log(
		"msg", "storage critical",
		"err", wrapped,
	)

	return wrapped
}

// isNoSpace reports whether the supplied error means the
// file system ran out of space or quota.
func isNoSpace(err error) bool {

	cause := errors.Cause(err)

	if pathErr, ok := cause.(*os.PathError); ok {
		cause = pathErr.Err
	}
	if linkErr, ok := cause.(*os.LinkError); ok {
		cause = linkErr.Err
	}
	if syscallErr, ok := cause.(*os.SyscallError); ok {
		cause = syscallErr.Err
	}

	return cause == syscall.ENOSPC || cause == syscall.EDQUOT
}
