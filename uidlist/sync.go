package uidlist

import (
	"fmt"
)

// Structs

// SyncSession collects the filenames of one append
// transaction in insertion order. Closing the session
// assigns each of them the next free UID and rewrites
// the list file in one atomic step.
type SyncSession struct {
	list    *List
	pending []Rec
	failed  bool
}

// Functions

// SyncInit opens a sync session. The caller has to hold
// the list's lock for the whole lifetime of the session.
func (list *List) SyncInit() (*SyncSession, error) {

	if !list.locked {
		return nil, fmt.Errorf("UID list sync requires the list lock to be held")
	}

	return &SyncSession{
		list:    list,
		pending: make([]Rec, 0, 4),
	}, nil
}

// Next appends one published filename to the session.
// UIDs are assigned later in exactly this order.
func (s *SyncSession) Next(filename string, flags RecFlag) error {

	if s.failed {
		return fmt.Errorf("UID list sync session has already failed")
	}

	if filename == "" {
		s.failed = true
		return fmt.Errorf("refusing to record empty filename in UID list")
	}

	s.pending = append(s.pending, Rec{
		Filename: filename,
		Flags:    flags,
	})

	return nil
}

// Deinit closes the session: it assigns the contiguous
// UID range to the collected filenames, advances the next
// UID past the range, and persists the new list. On error
// the in-memory list is rolled back to its prior state.
func (s *SyncSession) Deinit() error {

	if s.failed {
		return fmt.Errorf("UID list sync session has already failed")
	}

	list := s.list

	prevNextUID := list.nextUID
	prevCount := len(list.recs)

	for i := range s.pending {
		s.pending[i].UID = list.nextUID
		list.recs = append(list.recs, s.pending[i])
		list.nextUID++
	}

	err := list.write()
	if err != nil {

		// Writing failed, none of the assignments took effect.
		list.recs = list.recs[:prevCount]
		list.nextUID = prevNextUID

		return err
	}

	s.pending = nil

	return nil
}

// Abort discards the session without assigning
// any UIDs or touching the backing file.
func (s *SyncSession) Abort() {
	s.failed = true
	s.pending = nil
}
