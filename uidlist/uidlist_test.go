package uidlist

import (
	"os"
	"testing"
	"time"

	"path/filepath"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Functions

// TestOpenFresh checks that a missing file yields an
// empty list starting at UID 1.
func TestOpenFresh(t *testing.T) {

	list, err := Open(filepath.Join(t.TempDir(), "plume-uidlist"))
	require.Nil(t, err, "expected opening a missing UID list to succeed")

	assert.Equal(t, uint32(1), list.NextUID(), "expected fresh list to start at UID 1")
	assert.NotZero(t, list.UIDValidity(), "expected fresh list to pick a UID validity")
}

// TestSyncAssignsInInsertionOrder checks that a sync
// session hands out the contiguous UID range in exactly
// the order filenames were recorded.
func TestSyncAssignsInInsertionOrder(t *testing.T) {

	path := filepath.Join(t.TempDir(), "plume-uidlist")

	list, err := Open(path)
	require.Nil(t, err)

	require.Nil(t, list.Lock(time.Second), "expected uncontended lock to be acquired")
	defer list.Unlock()

	sync, err := list.SyncInit()
	require.Nil(t, err, "expected sync init under lock to succeed")

	require.Nil(t, sync.Next("msg-one", (RecNewDir|RecRecent)))
	require.Nil(t, sync.Next("msg-two:2,S", (RecNewDir|RecRecent)))
	require.Nil(t, sync.Next("msg-three", (RecNewDir|RecRecent)))

	require.Nil(t, sync.Deinit(), "expected sync deinit to persist the list")

	assert.Equal(t, uint32(4), list.NextUID(), "expected next UID to advance past the assigned range")
	assert.Equal(t, "msg-one", list.Lookup(1))
	assert.Equal(t, "msg-two:2,S", list.Lookup(2))
	assert.Equal(t, "msg-three", list.Lookup(3))
	assert.Equal(t, "", list.Lookup(4), "expected unknown UID to yield no filename")

	// A second process reading the file sees the same state.
	reread, err := Open(path)
	require.Nil(t, err, "expected reopening the UID list to succeed")

	assert.Equal(t, uint32(4), reread.NextUID(), "expected next UID to survive reopen")
	assert.Equal(t, list.UIDValidity(), reread.UIDValidity(), "expected UID validity to survive reopen")
	assert.Equal(t, "msg-two:2,S", reread.Lookup(2), "expected records to survive reopen")
}

// TestSyncRequiresLock checks that sync sessions cannot
// be opened without holding the dotlock.
func TestSyncRequiresLock(t *testing.T) {

	list, err := Open(filepath.Join(t.TempDir(), "plume-uidlist"))
	require.Nil(t, err)

	_, err = list.SyncInit()
	assert.Error(t, err, "expected sync init without the lock to be rejected")
}

// TestLockTimeout checks that a held dotlock makes a
// second acquisition attempt fail with ErrLockTimeout.
func TestLockTimeout(t *testing.T) {

	path := filepath.Join(t.TempDir(), "plume-uidlist")

	holder, err := Open(path)
	require.Nil(t, err)

	require.Nil(t, holder.Lock(time.Second), "expected first lock to be acquired")

	contender, err := Open(path)
	require.Nil(t, err)

	err = contender.Lock(150 * time.Millisecond)
	assert.Equal(t, ErrLockTimeout, err, "expected second lock attempt to time out")

	// Releasing the lock lets the contender through.
	holder.Unlock()
	assert.Nil(t, contender.Lock(time.Second), "expected lock to be free after unlock")
	contender.Unlock()
}

// TestSyncAbort checks that an aborted session assigns
// nothing and leaves no file behind.
func TestSyncAbort(t *testing.T) {

	path := filepath.Join(t.TempDir(), "plume-uidlist")

	list, err := Open(path)
	require.Nil(t, err)

	require.Nil(t, list.Lock(time.Second))
	defer list.Unlock()

	sync, err := list.SyncInit()
	require.Nil(t, err)

	require.Nil(t, sync.Next("doomed", RecNewDir))
	sync.Abort()

	assert.Error(t, sync.Deinit(), "expected deinit after abort to be rejected")
	assert.Equal(t, uint32(1), list.NextUID(), "expected no UID to have been assigned")

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "expected no UID list file to have been written")
}
