package maildir

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/satori/go.uuid"
)

// Constants

// infoSeparator splits the unique basename from the
// flag-encoding info section of a cur/ filename.
const infoSeparator = ":"

// Flag is the bitset of standard maildir message flags.
type Flag uint8

const (
	// FlagRecent means the message arrived since the last
	// session. It has no filename letter: recent messages
	// live in new/ and lose the flag on their way to cur/.
	FlagRecent Flag = 1 << iota

	// FlagSeen is encoded as 'S'.
	FlagSeen

	// FlagAnswered is encoded as 'R'.
	FlagAnswered

	// FlagFlagged is encoded as 'F'.
	FlagFlagged

	// FlagDeleted is encoded as 'T'.
	FlagDeleted

	// FlagDraft is encoded as 'D'.
	FlagDraft
)

// Variables

var flagLetters = map[Flag]rune{
	FlagSeen:     'S',
	FlagAnswered: 'R',
	FlagFlagged:  'F',
	FlagDeleted:  'T',
	FlagDraft:    'D',
}

// Functions

// UniqueBasename produces a new basename for a message
// file that is unique across deliveries and hosts, in the
// classic maildir shape of time, process, and entropy
// parts joined by dots.
func UniqueBasename() string {

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	// Colons and slashes never appear in a UUID or a
	// sanitized hostname, keeping the basename safe for
	// the flag-suffix encoding below.
	host = strings.Map(func(r rune) rune {
		if r == '/' || r == ':' {
			return '_'
		}
		return r
	}, host)

	return fmt.Sprintf("%d.P%d_%s.%s", time.Now().Unix(), os.Getpid(), uuid.NewV4().String(), host)
}

// SetFlags encodes the supplied flags into the info
// section of the returned filename. An existing info
// section on the basename is replaced. FlagRecent has
// no letter and never appears in the encoding.
func SetFlags(basename string, flags Flag) string {

	if sep := strings.Index(basename, infoSeparator); sep != -1 {
		basename = basename[:sep]
	}

	letters := make([]rune, 0, len(flagLetters))
	for flag, letter := range flagLetters {

		if (flags & flag) != 0 {
			letters = append(letters, letter)
		}
	}

	// Maildir mandates ASCII order for the flag letters.
	sort.Slice(letters, func(i, j int) bool {
		return letters[i] < letters[j]
	})

	return fmt.Sprintf("%s%s2,%s", basename, infoSeparator, string(letters))
}

// ParseFlags decodes the info section of a filename back
// into a flag bitset. A filename without an info section
// carries no flags.
func ParseFlags(filename string) Flag {

	sep := strings.Index(filename, (infoSeparator + "2,"))
	if sep == -1 {
		return 0
	}

	var flags Flag
	for _, letter := range filename[(sep + 3):] {

		for flag, flagLetter := range flagLetters {

			if letter == flagLetter {
				flags |= flag
			}
		}
	}

	return flags
}

// Basename strips a possible info section off the
// supplied filename.
func Basename(filename string) string {

	if sep := strings.Index(filename, infoSeparator); sep != -1 {
		return filename[:sep]
	}

	return filename
}
