package executor

import "bytes"

// truncationMarker is appended when captured output hits the configured
// cap, so truncation is visible rather than silent.
const truncationMarker = "\n[output truncated]"

// cappedBuffer captures process output up to a byte limit. Writes past the
// limit are counted but discarded; the marker is appended exactly once.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}

	remaining := b.limit - b.buf.Len()
	if len(p) <= remaining {
		b.buf.Write(p)
		return len(p), nil
	}

	b.buf.Write(p[:remaining])
	b.buf.WriteString(truncationMarker)
	b.truncated = true
	// Report full length so the child never sees a short write.
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func (b *cappedBuffer) Truncated() bool { return b.truncated }
