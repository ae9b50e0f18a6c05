package maildir

import (
	"io"
	"os"

	"path/filepath"

	"github.com/pkg/errors"
)

// Functions

// CreateTmp creates a uniquely-named file under the
// supplied directory, opened for writing and owned by
// the caller. The basename is returned alongside so the
// caller can later link the file to its destination.
func CreateTmp(dir string, mode os.FileMode) (*os.File, string, error) {

	// A colliding basename means another delivery won the
	// same second on this host. Retry with fresh entropy,
	// give up after a handful of attempts.
	for attempt := 0; attempt < 10; attempt++ {

		basename := UniqueBasename()

		file, err := os.OpenFile(filepath.Join(dir, basename), (os.O_CREATE | os.O_EXCL | os.O_WRONLY), mode)
		if err != nil {

			if os.IsExist(err) {
				continue
			}

			return nil, "", errors.Wrapf(err, "failed to create temp file in '%s'", dir)
		}

		return file, basename, nil
	}

	return nil, "", errors.Errorf("failed to find a unique temp file name in '%s'", dir)
}

// Structs

// crlfWriter normalizes bare LF line endings to CRLF on
// their way to the wrapped writer. CRLF sequences already
// present in the input pass through unchanged.
type crlfWriter struct {
	w      io.Writer
	lastCR bool
}

// Functions

// newCRLFWriter wraps the supplied writer with
// LF to CRLF conversion.
func newCRLFWriter(w io.Writer) io.Writer {
	return &crlfWriter{w: w}
}

// Write implements io.Writer. The returned count refers
// to the consumed input bytes, not the expanded output.
func (cw *crlfWriter) Write(p []byte) (int, error) {

	written := 0
	start := 0

	for i := 0; i < len(p); i++ {

		if p[i] != '\n' || cw.lastCR {
			cw.lastCR = (p[i] == '\r')
			continue
		}

		// Flush everything up to the bare LF, then emit
		// the missing CR before it.
		if i > start {

			n, err := cw.w.Write(p[start:i])
			written += n
			if err != nil {
				return written, err
			}
		}

		_, err := cw.w.Write([]byte{'\r'})
		if err != nil {
			return written, err
		}

		start = i
		cw.lastCR = false
	}

	if start < len(p) {

		n, err := cw.w.Write(p[start:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return len(p), nil
}
