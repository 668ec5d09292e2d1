package session

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame types on session data channels. The detached channel is a byte
// stream, so every message carries a one-byte type and a length prefix.
const (
	frameData    byte = 0x00
	frameResize  byte = 0x01
	frameControl byte = 0x02
)

// maxFramePayload rejects corrupt length prefixes before allocating.
const maxFramePayload = 1 << 20

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	var header [5]byte
	header[0] = typ
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}
