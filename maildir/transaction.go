package maildir

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/numbleroot/plume/index"
	"github.com/numbleroot/plume/uidlist"
)

// Structs

// Transaction is one append transaction against a
// maildir: any number of messages saved through one
// shared save context, published atomically by Commit
// or undone completely by Rollback.
type Transaction struct {
	box    *Maildir
	itrans *index.Transaction
	save   *SaveContext
	done   bool
}

// Functions

// NewTransaction opens a fresh append transaction.
func (box *Maildir) NewTransaction() *Transaction {

	return &Transaction{
		box:    box,
		itrans: box.index.NewTransaction(),
	}
}

// SaveInit starts saving one message: it allocates the
// save context on first use, opens a fresh temp file,
// stages the filename record with its destination derived
// from the flags, and appends a placeholder to the index
// transaction. CRLF conversion is decided once, when the
// context is constructed, from the MAIL_SAVE_CRLF
// environment variable. When creating the temp file fails,
// the context is returned together with the error and its
// failed state makes Continue and Finish report the error
// back; the other errors come with a nil context.
func (t *Transaction) SaveInit(flags Flag, receivedDate time.Time, input io.Reader) (*SaveContext, error) {

	if t.done {
		return nil, errors.New("transaction has already ended")
	}

	if t.save == nil {

		t.save = &SaveContext{
			box:      t.box,
			itrans:   t.itrans,
			files:    make([]stagedFile, 0, 4),
			saveCRLF: os.Getenv("MAIL_SAVE_CRLF") != "",
		}
	}

	ctx := t.save

	if ctx.output != nil {
		return nil, errors.New("previous message has not been finished")
	}

	// Create a new file in the tmp/ directory.
	file, basename, err := CreateTmp(t.box.tmpdir, t.box.createMode)
	if err != nil {

		ctx.failed = true
		if isNoSpace(err) {
			ctx.saveErr = ErrNoSpace
		} else {
			ctx.saveErr = t.box.critical(err, "failed to create temp file under '%s'", t.box.tmpdir)
		}

		return ctx, ctx.saveErr
	}

	ctx.input = input
	ctx.file = file
	ctx.receivedDate = receivedDate

	ctx.bufw = bufio.NewWriter(file)
	if ctx.saveCRLF {
		ctx.output = newCRLFWriter(ctx.bufw)
	} else {
		ctx.output = ctx.bufw
	}

	// A message carrying any flag beyond recent has to be
	// published into cur/ with the flag-encoded name, or
	// external mail readers would see stale flags. The
	// bare recent message goes to new/ under its basename.
	destname := ""
	if (flags &^ FlagRecent) != 0 {
		destname = SetFlags(basename, (flags &^ FlagRecent))
	}

	ctx.files = append(ctx.files, stagedFile{
		basename: basename,
		destname: destname,
	})

	// Insert the placeholder into the index transaction
	// and capture the in-memory sequence number.
	ctx.seq = t.itrans.Append(uint32(flags | FlagRecent))

	ctx.failed = false
	ctx.saveErr = nil

	return ctx, nil
}

// Commit atomically publishes every staged message of
// this transaction: it locks the UID list, pulls in
// concurrent index changes, assigns the contiguous UID
// range, hard-links each staged file to its destination
// in insertion order, and records the new filenames in
// the UID list. Any failure along the way rolls the whole
// transaction back, unlinking already-published files.
func (t *Transaction) Commit() error {

	if t.done {
		return errors.New("transaction has already ended")
	}
	t.done = true

	ctx := t.save
	if ctx == nil {
		// Nothing was staged, nothing to publish.
		return nil
	}

	if ctx.output != nil {
		ctx.commitAbort(0)
		t.save = nil
		return errors.New("commit with a message still being written")
	}

	box := t.box

	// Step 1: serialize against other appenders. A timeout
	// or error here aborts the whole transaction.
	err := box.uidlist.Lock(box.lockTimeout)
	if err != nil {

		ctx.commitAbort(0)
		t.save = nil

		if errors.Cause(err) == uidlist.ErrLockTimeout {
			return ErrLockTimeout
		}

		return err
	}
	defer box.uidlist.Unlock()

	// Step 2: pull in index changes a concurrent external
	// writer may have made before we held the lock.
	err = box.index.Refresh()
	if err != nil {
		ctx.commitAbort(0)
		t.save = nil
		return err
	}

	// Step 3: the next free UID under the lock is exactly
	// the first UID of this transaction.
	firstUID := box.uidlist.NextUID()
	lastUID := t.itrans.AssignUIDs(firstUID)

	// Step 4: publish the staged files in insertion order.
	sync, err := box.uidlist.SyncInit()
	if err != nil {
		ctx.commitAbort(0)
		t.save = nil
		return err
	}

	for i, mf := range ctx.files {

		err = box.linkToDest(mf)
		if err != nil {
			sync.Abort()
			ctx.commitAbort(i)
			box.index.Refresh()
			t.save = nil
			return err
		}

		destFname := mf.basename
		if mf.destname != "" {
			destFname = mf.destname
		}

		err = sync.Next(destFname, (uidlist.RecNewDir | uidlist.RecRecent))
		if err != nil {
			sync.Abort()
			ctx.commitAbort(i + 1)
			box.index.Refresh()
			t.save = nil
			return err
		}
	}

	// Step 5: persist the UID list. Failing here unlinks
	// everything that was just published.
	err = sync.Deinit()
	if err != nil {
		ctx.commitAbort(len(ctx.files))
		box.index.Refresh()
		t.save = nil
		return err
	}

	// Step 6: a concurrent appender that slipped past the
	// lock would have advanced the next UID further.
	if box.uidlist.NextUID() != (lastUID + 1) {
		return box.critical(
			errors.Errorf("UID list advanced to %d, expected %d", box.uidlist.NextUID(), (lastUID+1)),
			"UID assignment raced with a concurrent appender on '%s'", box.path,
		)
	}

	err = box.index.Write()
	if err != nil {
		return err
	}

	// Step 7: release the mail view and the context.
	ctx.mail = nil
	t.save = nil

	return nil
}

// Rollback unlinks every staged temp file of this
// transaction and releases the save context. Nothing of
// the transaction remains on disk afterwards.
func (t *Transaction) Rollback() {

	t.done = true

	if t.save == nil {
		return
	}

	t.save.commitAbort(0)
	t.save = nil
}
