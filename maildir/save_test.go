package maildir

import (
	"os"
	"strings"
	"testing"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Structs

// brokenReader fails after handing out its prefix,
// standing in for an input stream that dies mid-body.
type brokenReader struct {
	prefix []byte
	served bool
}

// Functions

func (r *brokenReader) Read(p []byte) (int, error) {

	if !r.served {
		r.served = true
		return copy(p, r.prefix), nil
	}

	return 0, errors.New("input stream died")
}

func openTestMaildir(t *testing.T) *Maildir {

	box, err := Open(log.NewNopLogger(), filepath.Join(t.TempDir(), "inbox"), "plume-uidlist", 0600, time.Second)
	require.Nil(t, err, "expected opening a fresh maildir to succeed")

	return box
}

// listDir returns the filenames below one of the
// maildir's directories.
func listDir(t *testing.T, dir string) []string {

	entries, err := os.ReadDir(dir)
	require.Nil(t, err, "expected listing '%s' to succeed", dir)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

// saveOne pushes one complete message through the save
// context of the supplied transaction.
func saveOne(t *testing.T, trans *Transaction, flags Flag, received time.Time, body string) *Mail {

	ctx, err := trans.SaveInit(flags, received, strings.NewReader(body))
	require.Nil(t, err, "expected save init to succeed")

	require.Nil(t, ctx.Continue(), "expected streaming the body to succeed")

	mail, err := ctx.Finish(true)
	require.Nil(t, err, "expected finishing the message to succeed")

	return mail
}

// TestSingleSave covers the plain append: one unflagged
// message committed into new/ with the received date in
// its mtime and UID 1.
func TestSingleSave(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	received := time.Unix(466560000, 0)

	trans := box.NewTransaction()
	mail := saveOne(t, trans, 0, received, "Hello\n")

	// Until commit, the message is durable in tmp/ only.
	assert.Len(t, listDir(t, box.tmpdir), 1, "expected the staged file to sit in tmp/")
	assert.Empty(t, listDir(t, box.newdir), "expected new/ to be empty before commit")

	require.Nil(t, trans.Commit(), "expected commit to succeed")

	newNames := listDir(t, box.newdir)
	require.Len(t, newNames, 1, "expected exactly one file in new/")
	assert.Empty(t, listDir(t, box.tmpdir), "expected tmp/ to be empty after commit")
	assert.Empty(t, listDir(t, box.curdir), "expected cur/ to stay empty for an unflagged message")

	info, err := os.Stat(filepath.Join(box.newdir, newNames[0]))
	require.Nil(t, err)
	assert.Equal(t, received.Unix(), info.ModTime().Unix(), "expected the received date in the file's mtime")

	assert.Equal(t, uint32(1), mail.UID(), "expected the first message to get UID 1")
	assert.Equal(t, uint32(2), box.uidlist.NextUID(), "expected the next UID to advance past the range")
	assert.Equal(t, newNames[0], box.uidlist.Lookup(1), "expected the UID list to record the published filename")
}

// TestSaveCRLF covers the MAIL_SAVE_CRLF environment
// switch: bare LF bodies are normalized on disk.
func TestSaveCRLF(t *testing.T) {

	t.Setenv("MAIL_SAVE_CRLF", "1")

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()
	saveOne(t, trans, 0, time.Time{}, "A\nB\n")
	require.Nil(t, trans.Commit(), "expected commit to succeed")

	newNames := listDir(t, box.newdir)
	require.Len(t, newNames, 1)

	content, err := os.ReadFile(filepath.Join(box.newdir, newNames[0]))
	require.Nil(t, err)

	assert.Equal(t, "A\r\nB\r\n", string(content), "expected bare LF to be converted to CRLF")
}

// TestFlaggedSave covers destination selection: a flagged
// message has to land in cur/ under its flag-encoded name
// so external mail readers see correct flags.
func TestFlaggedSave(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()
	mail := saveOne(t, trans, FlagSeen, time.Time{}, "Hello\n")
	require.Nil(t, trans.Commit(), "expected commit to succeed")

	assert.Empty(t, listDir(t, box.newdir), "expected new/ to stay empty for a flagged message")

	curNames := listDir(t, box.curdir)
	require.Len(t, curNames, 1, "expected exactly one file in cur/")
	assert.True(t, strings.HasSuffix(curNames[0], ":2,S"), "expected the seen flag in the filename, got '%s'", curNames[0])

	assert.Equal(t, uint32(1), mail.UID(), "expected UID 1")
}

// TestMultiSaveContiguousUIDs covers atomic publication
// of several messages in one transaction and UID
// monotonicity across transactions.
func TestMultiSaveContiguousUIDs(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()
	first := saveOne(t, trans, 0, time.Time{}, "one\n")
	second := saveOne(t, trans, FlagSeen, time.Time{}, "two\n")
	third := saveOne(t, trans, 0, time.Time{}, "three\n")
	require.Nil(t, trans.Commit(), "expected commit of three messages to succeed")

	assert.Len(t, listDir(t, box.newdir), 2, "expected the unflagged messages in new/")
	assert.Len(t, listDir(t, box.curdir), 1, "expected the flagged message in cur/")
	assert.Empty(t, listDir(t, box.tmpdir), "expected tmp/ to be empty after commit")

	assert.Equal(t, uint32(1), first.UID())
	assert.Equal(t, uint32(2), second.UID())
	assert.Equal(t, uint32(3), third.UID())

	// A later transaction continues strictly above.
	later := box.NewTransaction()
	fourth := saveOne(t, later, 0, time.Time{}, "four\n")
	require.Nil(t, later.Commit(), "expected the second commit to succeed")

	assert.Equal(t, uint32(4), fourth.UID(), "expected UIDs of a later commit to be strictly larger")
	assert.Equal(t, uint32(4), box.index.MessagesCount(), "expected four records in the index")
}

// TestRollback covers rollback completeness: nothing of
// the transaction survives on disk.
func TestRollback(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()
	saveOne(t, trans, 0, time.Time{}, "one\n")
	saveOne(t, trans, FlagSeen, time.Time{}, "two\n")

	require.Len(t, listDir(t, box.tmpdir), 2, "expected both messages staged in tmp/")

	trans.Rollback()

	assert.Empty(t, listDir(t, box.tmpdir), "expected tmp/ to be empty after rollback")
	assert.Empty(t, listDir(t, box.newdir), "expected new/ to be empty after rollback")
	assert.Empty(t, listDir(t, box.curdir), "expected cur/ to be empty after rollback")
	assert.Equal(t, uint32(1), box.uidlist.NextUID(), "expected no UID to have been consumed")
}

// TestCommitRollbackOnLinkCollision covers the
// mid-commit failure path: a destination collision on the
// second of three messages unpublishes the first one
// again and leaves the mailbox in its prior state.
func TestCommitRollbackOnLinkCollision(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()
	saveOne(t, trans, FlagSeen, time.Time{}, "one\n")
	saveOne(t, trans, FlagSeen, time.Time{}, "two\n")
	saveOne(t, trans, FlagSeen, time.Time{}, "three\n")

	// Occupy the destination of message two, as a
	// concurrent delivery would.
	collision := trans.save.files[1].destname
	require.Nil(t, os.WriteFile(filepath.Join(box.curdir, collision), []byte("squatter"), 0600))

	err := trans.Commit()
	require.NotNil(t, err, "expected commit to fail on the link collision")

	curNames := listDir(t, box.curdir)
	assert.Equal(t, []string{collision}, curNames, "expected only the squatter to remain in cur/")
	assert.Empty(t, listDir(t, box.newdir), "expected nothing in new/")
	assert.Empty(t, listDir(t, box.tmpdir), "expected tmp/ to be cleaned up")
	assert.Equal(t, uint32(1), box.uidlist.NextUID(), "expected the next UID to be unchanged")
}

// TestSaveFailureIsSticky covers the failure semantics of
// a dying input stream: the error is sticky, the temp
// file is unlinked, and the rest of the transaction is
// unaffected.
func TestSaveFailureIsSticky(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()

	good := saveOne(t, trans, 0, time.Time{}, "good\n")

	ctx, err := trans.SaveInit(0, time.Time{}, &brokenReader{prefix: []byte("bad")})
	require.Nil(t, err)

	err = ctx.Continue()
	require.NotNil(t, err, "expected streaming from a dying input to fail")
	assert.Equal(t, err, ctx.Continue(), "expected further continues to report the same error")

	_, err = ctx.Finish(false)
	require.NotNil(t, err, "expected finish of the failed message to report the error")

	require.Len(t, listDir(t, box.tmpdir), 1, "expected only the good message to stay staged")

	require.Nil(t, trans.Commit(), "expected commit of the surviving message to succeed")

	assert.Len(t, listDir(t, box.newdir), 1, "expected one published message")
	assert.Equal(t, uint32(1), good.UID(), "expected the surviving message to hold UID 1")
	assert.Equal(t, uint32(2), box.uidlist.NextUID())
}

// TestSaveCancel covers Cancel: the staged file vanishes
// and a subsequent commit publishes nothing for it.
func TestSaveCancel(t *testing.T) {

	box := openTestMaildir(t)
	defer box.Close()

	trans := box.NewTransaction()

	ctx, err := trans.SaveInit(0, time.Time{}, strings.NewReader("doomed\n"))
	require.Nil(t, err)
	require.Nil(t, ctx.Continue())

	ctx.Cancel()

	assert.Empty(t, listDir(t, box.tmpdir), "expected the canceled message to be unlinked")

	require.Nil(t, trans.Commit(), "expected committing an emptied transaction to succeed")

	assert.Empty(t, listDir(t, box.newdir))
	assert.Equal(t, uint32(1), box.uidlist.NextUID(), "expected no UID to have been consumed")
	assert.Equal(t, uint32(0), box.index.MessagesCount(), "expected no record in the index")
}

// TestCommitLockTimeout covers the abort on a contended
// UID list: the transaction rolls back completely.
func TestCommitLockTimeout(t *testing.T) {

	box, err := Open(log.NewNopLogger(), filepath.Join(t.TempDir(), "inbox"), "plume-uidlist", 0600, 150*time.Millisecond)
	require.Nil(t, err)
	defer box.Close()

	trans := box.NewTransaction()
	saveOne(t, trans, 0, time.Time{}, "blocked\n")

	// Another process holds the UID list lock.
	require.Nil(t, box.uidlist.Lock(time.Second))

	// Commit has to give up; the lock release below frees
	// the dotlock the committer could not get.
	err = trans.Commit()
	box.uidlist.Unlock()

	assert.Equal(t, ErrLockTimeout, err, "expected commit to abort with the lock timeout")
	assert.Empty(t, listDir(t, box.tmpdir), "expected tmp/ to be cleaned up")
	assert.Empty(t, listDir(t, box.newdir), "expected nothing to have been published")
}
