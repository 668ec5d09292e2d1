//go:build !windows

package session

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
)

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// serveTerminal bridges a shell on a pty with the session data channel.
// Data frames carry keystrokes and output; resize frames adjust the pty
// window. Returns when either side closes.
func serveTerminal(sess *Session, rwc io.ReadWriteCloser, log zerolog.Logger) error {
	defer rwc.Close()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	}()

	log.Info().Str("sessionId", sess.ID).Str("shell", shell).Msg("terminal started")

	// Shell output → operator.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				sess.bytesOut.Add(uint64(n))
				if werr := writeFrame(rwc, frameData, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				rwc.Close()
				return
			}
		}
	}()

	// Operator input → shell.
	for {
		typ, payload, err := readFrame(rwc)
		if err != nil {
			ptmx.Close()
			break
		}
		switch typ {
		case frameData:
			sess.bytesIn.Add(uint64(len(payload)))
			if _, err := ptmx.Write(payload); err != nil {
				rwc.Close()
			}
		case frameResize:
			var rz resizeRequest
			if err := json.Unmarshal(payload, &rz); err != nil {
				log.Warn().Err(err).Str("sessionId", sess.ID).Msg("malformed resize frame")
				continue
			}
			pty.Setsize(ptmx, &pty.Winsize{Rows: rz.Rows, Cols: rz.Cols})
		default:
			log.Warn().Uint8("frameType", typ).Str("sessionId", sess.ID).Msg("unexpected terminal frame")
		}
	}

	wg.Wait()
	return nil
}
