package session

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetguard/agent/internal/audit"
	"fleetguard/network"
)

const (
	transferChunkSize = 64 * 1024

	// transferWindow is the number of unacknowledged chunks the sender
	// keeps in flight before pausing.
	transferWindow = 32
)

// Transfer control actions, carried as JSON in control frames. Chunk data
// rides data frames prefixed with an 8-byte sequence number.
const (
	actionDownload = "download"
	actionUpload   = "upload"
	actionAck      = "ack"
	actionPause    = "pause"
	actionResume   = "resume"
	actionDone     = "done"
	actionError    = "error"
)

type transferControl struct {
	Action  string `json:"action"`
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Message string `json:"message,omitempty"`
}

func sendControl(w io.Writer, msg transferControl) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, frameControl, raw)
}

// serveTransfer handles one file-transfer session. The operator opens
// with a download or upload control message; everything after follows
// that direction.
func serveTransfer(sess *Session, rwc io.ReadWriteCloser, rec *audit.Recorder, log zerolog.Logger) error {
	defer rwc.Close()

	typ, payload, err := readFrame(rwc)
	if err != nil {
		return err
	}
	if typ != frameControl {
		return errors.New("transfer must open with a control frame")
	}
	var req transferControl
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("malformed transfer request: %w", err)
	}
	if !filepath.IsAbs(req.Path) {
		sendControl(rwc, transferControl{Action: actionError, Message: "path must be absolute"})
		return fmt.Errorf("relative transfer path %q", req.Path)
	}

	switch req.Action {
	case actionDownload:
		return sendFile(sess, rwc, req.Path, rec, log)
	case actionUpload:
		return receiveFile(sess, rwc, req, rec, log)
	default:
		sendControl(rwc, transferControl{Action: actionError, Message: "unknown action " + req.Action})
		return fmt.Errorf("unknown transfer action %q", req.Action)
	}
}

// sendWindow tracks the sliding window shared between the chunk writer
// and the ack reader.
type sendWindow struct {
	mu     sync.Mutex
	cond   *sync.Cond
	acked  uint64
	paused bool
	err    error
}

func newSendWindow() *sendWindow {
	w := &sendWindow{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *sendWindow) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

// waitForSlot blocks until seq may be sent: fewer than transferWindow
// chunks unacknowledged and not paused.
func (w *sendWindow) waitForSlot(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.err == nil && (w.paused || seq-w.acked > transferWindow) {
		w.cond.Wait()
	}
	return w.err
}

// waitDrained blocks until every chunk up to last is acknowledged.
func (w *sendWindow) waitDrained(last uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.err == nil && w.acked < last {
		w.cond.Wait()
	}
	return w.err
}

// sendFile streams path to the operator with a sliding window: at most
// transferWindow chunks in flight, resumed by cumulative acks.
func sendFile(sess *Session, rwc io.ReadWriteCloser, path string, rec *audit.Recorder, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		sendControl(rwc, transferControl{Action: actionError, Message: err.Error()})
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		sendControl(rwc, transferControl{Action: actionError, Message: err.Error()})
		return err
	}
	if err := sendControl(rwc, transferControl{Action: actionDownload, Path: path, Size: stat.Size()}); err != nil {
		return err
	}

	win := newSendWindow()
	go func() {
		for {
			typ, payload, err := readFrame(rwc)
			if err != nil {
				win.fail(err)
				return
			}
			if typ != frameControl {
				continue
			}
			var msg transferControl
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Action {
			case actionAck:
				win.mu.Lock()
				if msg.Seq > win.acked {
					win.acked = msg.Seq
				}
				win.mu.Unlock()
				win.cond.Broadcast()
			case actionPause:
				win.mu.Lock()
				win.paused = true
				win.mu.Unlock()
			case actionResume:
				win.mu.Lock()
				win.paused = false
				win.mu.Unlock()
				win.cond.Broadcast()
			case actionError:
				win.fail(errors.New("peer aborted: " + msg.Message))
				return
			}
		}
	}()

	var sent uint64
	buf := make([]byte, transferChunkSize+8)
	var seq uint64
	for {
		n, readErr := io.ReadFull(f, buf[8:])
		if n > 0 {
			seq++
			if err := win.waitForSlot(seq); err != nil {
				return err
			}
			binary.BigEndian.PutUint64(buf[:8], seq)
			if err := writeFrame(rwc, frameData, buf[:8+n]); err != nil {
				return err
			}
			sent += uint64(n)
			sess.bytesOut.Add(uint64(n))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			sendControl(rwc, transferControl{Action: actionError, Message: readErr.Error()})
			return readErr
		}
	}

	if err := win.waitDrained(seq); err != nil {
		return err
	}
	if err := sendControl(rwc, transferControl{Action: actionDone, Seq: seq}); err != nil {
		return err
	}

	rec.Record(network.AuditRecord{
		SessionID: sess.ID,
		Kind:      audit.KindFileTransfer,
		Operator:  sess.Operator,
		StartedAt: sess.startedAt,
		EndedAt:   time.Now().UTC(),
		BytesOut:  sent,
		Detail:    "download " + path,
	})
	log.Info().Str("sessionId", sess.ID).Str("path", path).Uint64("bytes", sent).Msg("download complete")
	return nil
}

// receiveFile writes operator-sent chunks to a staging file and renames
// it into place once the done marker arrives, so partial uploads never
// shadow the target path.
func receiveFile(sess *Session, rwc io.ReadWriteCloser, req transferControl, rec *audit.Recorder, log zerolog.Logger) error {
	staging := req.Path + ".part"
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		sendControl(rwc, transferControl{Action: actionError, Message: err.Error()})
		return err
	}
	cleanup := func() {
		f.Close()
		os.Remove(staging)
	}

	if err := sendControl(rwc, transferControl{Action: actionUpload, Path: req.Path}); err != nil {
		cleanup()
		return err
	}

	var received uint64
	expected := uint64(1)
	for {
		typ, payload, err := readFrame(rwc)
		if err != nil {
			cleanup()
			return err
		}

		switch typ {
		case frameData:
			if len(payload) < 8 {
				cleanup()
				return errors.New("short chunk frame")
			}
			seq := binary.BigEndian.Uint64(payload[:8])
			if seq != expected {
				sendControl(rwc, transferControl{Action: actionError, Message: fmt.Sprintf("chunk %d out of order, expected %d", seq, expected)})
				cleanup()
				return fmt.Errorf("chunk %d out of order", seq)
			}
			if _, err := f.Write(payload[8:]); err != nil {
				sendControl(rwc, transferControl{Action: actionError, Message: err.Error()})
				cleanup()
				return err
			}
			received += uint64(len(payload) - 8)
			sess.bytesIn.Add(uint64(len(payload) - 8))
			expected++
			if err := sendControl(rwc, transferControl{Action: actionAck, Seq: seq}); err != nil {
				cleanup()
				return err
			}

		case frameControl:
			var msg transferControl
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Action {
			case actionDone:
				if err := f.Close(); err != nil {
					os.Remove(staging)
					return err
				}
				if err := os.Rename(staging, req.Path); err != nil {
					os.Remove(staging)
					sendControl(rwc, transferControl{Action: actionError, Message: err.Error()})
					return err
				}
				sendControl(rwc, transferControl{Action: actionDone, Seq: expected - 1})
				rec.Record(network.AuditRecord{
					SessionID: sess.ID,
					Kind:      audit.KindFileTransfer,
					Operator:  sess.Operator,
					StartedAt: sess.startedAt,
					EndedAt:   time.Now().UTC(),
					BytesIn:   received,
					Detail:    "upload " + req.Path,
				})
				log.Info().Str("sessionId", sess.ID).Str("path", req.Path).Uint64("bytes", received).Msg("upload complete")
				return nil
			case actionError:
				cleanup()
				return errors.New("peer aborted: " + msg.Message)
			}
		}
	}
}
