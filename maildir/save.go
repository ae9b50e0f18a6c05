package maildir

import (
	"bufio"
	"io"
	"os"
	"time"

	"path/filepath"

	"github.com/pkg/errors"

	"github.com/numbleroot/plume/index"
)

// Structs

// stagedFile records one message staged under tmp/ for
// the duration of its transaction. It is immutable after
// creation. An empty destname means the message carries
// no flags beyond recent and will be published to new/,
// otherwise destname is the flag-encoded name under cur/.
type stagedFile struct {
	basename string
	destname string
}

// Mail is the view onto one saved message, valid from a
// successful Finish until the transaction ends.
type Mail struct {
	Seq uint32
	box *Maildir
}

// SaveContext owns everything belonging to the save part
// of one append transaction: the staged files in insertion
// order, the currently open temp file, and the sticky
// failure state of the message being written. The current
// message is always the last element of files.
type SaveContext struct {
	box    *Maildir
	itrans *index.Transaction

	files []stagedFile

	input  io.Reader
	file   *os.File
	bufw   *bufio.Writer
	output io.Writer

	seq          uint32
	receivedDate time.Time
	mail         *Mail

	saveCRLF bool
	failed   bool
	saveErr  error
}

// Functions

// UID returns the UID the mail was assigned. It is zero
// until the enclosing transaction has committed.
func (m *Mail) UID() uint32 {

	rec := m.box.index.Lookup(m.Seq)
	if rec == nil {
		return 0
	}

	return rec.UID
}

// current returns the staged record of the message
// currently being written.
func (ctx *SaveContext) current() *stagedFile {
	return &ctx.files[len(ctx.files)-1]
}

// stickyErr returns the recorded failure of the current
// message, falling back to a generic save error.
func (ctx *SaveContext) stickyErr() error {

	if ctx.saveErr != nil {
		return ctx.saveErr
	}

	return errors.New("message save failed")
}

// fail records the first error of the current message,
// classifying it as either the user-visible out-of-space
// condition or a critical storage error.
func (ctx *SaveContext) fail(err error, format string, args ...interface{}) {

	ctx.failed = true

	if ctx.saveErr != nil {
		return
	}

	if isNoSpace(err) {
		ctx.saveErr = ErrNoSpace
	} else {
		ctx.saveErr = ctx.box.critical(err, format, args...)
	}
}

// Continue streams bytes from the input supplied at
// SaveInit into the staged temp file until the input is
// exhausted or a write error occurs. Once a message has
// failed, further calls are no-ops returning the error.
func (ctx *SaveContext) Continue() error {

	if ctx.failed {
		return ctx.stickyErr()
	}

	_, err := io.Copy(ctx.output, ctx.input)
	if err != nil {
		ctx.fail(err, "write(%s) failed", ctx.box.path)
		return ctx.stickyErr()
	}

	return nil
}

// Finish closes the current message: it flushes the temp
// file, applies the received date, syncs the file, and
// leaves the message durable under tmp/ but not yet
// visible in new/ or cur/. On failure the temp file is
// unlinked and the staged record dropped. If wantMail is
// set, a mail view for the captured sequence is returned.
// After Finish the context is ready for another SaveInit
// within the same transaction.
func (ctx *SaveContext) Finish(wantMail bool) (*Mail, error) {

	if ctx.file == nil {

		// Either temp file creation failed and nothing was
		// staged, or the message has already been finished.
		if ctx.failed {
			return nil, ctx.stickyErr()
		}

		return ctx.mail, nil
	}

	path := filepath.Join(ctx.box.tmpdir, ctx.current().basename)

	err := ctx.bufw.Flush()
	if err != nil {
		ctx.fail(err, "write(%s) failed", path)
	}
	ctx.output = nil
	ctx.bufw = nil

	if !ctx.receivedDate.IsZero() {

		// The received date travels in the file's mtime,
		// the atime records when we saw the message. This
		// happens after the last write, which would bump
		// the mtime again.
		err := os.Chtimes(path, time.Now(), ctx.receivedDate)
		if err != nil {
			ctx.failed = true
			if ctx.saveErr == nil {
				ctx.saveErr = ctx.box.critical(err, "utime(%s) failed", path)
			}
		}
	}

	err = ctx.file.Sync()
	if err != nil {
		ctx.fail(err, "fsync(%s) failed", path)
	}

	err = ctx.file.Close()
	if err != nil {
		ctx.fail(err, "close(%s) failed", path)
	}
	ctx.file = nil

	if ctx.failed {

		// Delete the temp file and retire the staged record
		// of the current message, which is the tail.
		err = os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			ctx.box.critical(err, "unlink(%s) failed", path)
		}

		ctx.files = ctx.files[:len(ctx.files)-1]
		ctx.itrans.Drop(ctx.seq)

		return nil, ctx.stickyErr()
	}

	if wantMail {

		ctx.mail = &Mail{
			Seq: ctx.seq,
			box: ctx.box,
		}

		return ctx.mail, nil
	}

	return nil, nil
}

// Cancel drops the current message: the staged temp file
// is unlinked and its record removed from the context.
func (ctx *SaveContext) Cancel() {

	ctx.failed = true
	if ctx.saveErr == nil {
		ctx.saveErr = errors.New("message save canceled")
	}

	ctx.Finish(false)
}

// commitAbort undoes a commit that failed after the first
// `published` staged files had already been linked to
// their destinations: those are unlinked again, and the
// temp entries of everything not yet published are
// removed. Afterwards the context holds no staged files.
func (ctx *SaveContext) commitAbort(published int) {

	box := ctx.box

	for i := 0; i < published; i++ {

		mf := ctx.files[i]

		destPath := filepath.Join(box.newdir, mf.basename)
		if mf.destname != "" {
			destPath = filepath.Join(box.curdir, mf.destname)
		}

		os.Remove(destPath)
	}

	for i := published; i < len(ctx.files); i++ {
		os.Remove(filepath.Join(box.tmpdir, ctx.files[i].basename))
	}

	ctx.files = nil
	ctx.mail = nil
}

// linkToDest publishes one staged file by hard-linking it
// out of tmp/ into new/ or cur/. The link gives atomic
// publication even when the destination directory is
// shared with external delivery agents; the tmp/ entry is
// a second name for the same inode and is removed
// afterwards regardless of the link outcome.
func (box *Maildir) linkToDest(mf stagedFile) error {

	tmpPath := filepath.Join(box.tmpdir, mf.basename)

	destPath := filepath.Join(box.newdir, mf.basename)
	if mf.destname != "" {
		destPath = filepath.Join(box.curdir, mf.destname)
	}

	var err error

	linkErr := os.Link(tmpPath, destPath)
	if linkErr != nil {

		if isNoSpace(linkErr) {
			err = ErrNoSpace
		} else {
			err = box.critical(linkErr, "link(%s, %s) failed", tmpPath, destPath)
		}
	}

	rmErr := os.Remove(tmpPath)
	if rmErr != nil && !os.IsNotExist(rmErr) {
		box.critical(rmErr, "unlink(%s) failed", tmpPath)
	}

	return err
}
