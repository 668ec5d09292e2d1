//go:build windows

package session

import (
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Windows terminal sessions need ConPTY plumbing that is not implemented
// yet; offers are refused cleanly instead.
func serveTerminal(sess *Session, rwc io.ReadWriteCloser, log zerolog.Logger) error {
	rwc.Close()
	return errors.New("terminal sessions are not supported on windows")
}
