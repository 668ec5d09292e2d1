// Package buffer implements the bounded durable FIFO for telemetry and
// events generated while disconnected. Events carry monotonic sequence
// numbers for server-side de-duplication; rows are persisted to sqlite so
// the buffer survives restarts.
package buffer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleetguard/agent/internal/db"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// maxEvictionNotes caps how many eviction diagnostics may sit in the
// buffer at once, so sustained overflow cannot flood it with records
// about its own evictions.
const maxEvictionNotes = 16

// EventKindEviction marks the diagnostic event recorded when overflow
// forces an eviction.
const EventKindEviction = "buffer_eviction"

// Buffer is the offline event buffer. All operations are safe for
// concurrent use; enqueue and drain follow a single-writer-at-a-time
// discipline under one mutex.
type Buffer struct {
	mu       sync.Mutex
	log      zerolog.Logger
	adb      *gorm.DB // nil disables persistence
	events   []network.BufferedEvent
	capacity int
	nextSeq  uint64
	evicted  uint64
}

// New creates a buffer with the given capacity, reloading any events
// persisted by a previous run in sequence order.
func New(adb *gorm.DB, capacity int) (*Buffer, error) {
	b := &Buffer{
		log:      logger.C("buffer"),
		adb:      adb,
		capacity: capacity,
		nextSeq:  1,
	}

	if adb != nil {
		var rows []db.BufferedEvent
		if err := adb.Order("seq asc").Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			b.events = append(b.events, network.BufferedEvent{
				Seq:        row.Seq,
				Kind:       row.Kind,
				Payload:    row.Payload,
				EnqueuedAt: row.EnqueuedAt,
			})
			if row.Seq >= b.nextSeq {
				b.nextSeq = row.Seq + 1
			}
		}
		if len(b.events) > 0 {
			b.log.Info().Int("events", len(b.events)).Msg("reloaded buffered events")
		}
	}

	return b, nil
}

// Enqueue appends an event. If the buffer is full the oldest event is
// evicted first, and the eviction itself is recorded as a capped
// diagnostic event.
func (b *Buffer) Enqueue(kind string, payload json.RawMessage) network.BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueLocked(kind, payload)
}

func (b *Buffer) enqueueLocked(kind string, payload json.RawMessage) network.BufferedEvent {
	// Make room for the incoming event, oldest first.
	var firstEvicted *network.BufferedEvent
	for len(b.events) > b.capacity-1 {
		ev := b.evictOldestLocked()
		if firstEvicted == nil {
			firstEvicted = &ev
		}
	}

	// Record the eviction as a diagnostic event of its own, capped so
	// sustained overflow cannot fill the buffer with eviction notes.
	if firstEvicted != nil && firstEvicted.Kind != EventKindEviction &&
		b.capacity >= 2 && b.evictionNotesLocked() < maxEvictionNotes {
		for len(b.events) > b.capacity-2 {
			b.evictOldestLocked()
		}
		notePayload, _ := json.Marshal(map[string]any{
			"evictedSeq":  firstEvicted.Seq,
			"evictedKind": firstEvicted.Kind,
		})
		b.appendLocked(EventKindEviction, notePayload)
	}

	return b.appendLocked(kind, payload)
}

func (b *Buffer) appendLocked(kind string, payload json.RawMessage) network.BufferedEvent {
	ev := network.BufferedEvent{
		Seq:        b.nextSeq,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	b.nextSeq++
	b.events = append(b.events, ev)
	b.persist(ev)
	return ev
}

// evictOldestLocked drops the oldest event exactly once.
func (b *Buffer) evictOldestLocked() network.BufferedEvent {
	oldest := b.events[0]
	b.events = b.events[1:]
	b.evicted++
	b.unpersist(oldest.Seq)
	b.log.Warn().Uint64("seq", oldest.Seq).Str("kind", oldest.Kind).Msg("offline buffer full, evicted oldest event")
	return oldest
}

func (b *Buffer) evictionNotesLocked() int {
	n := 0
	for _, ev := range b.events {
		if ev.Kind == EventKindEviction {
			n++
		}
	}
	return n
}

// Pending returns up to limit events, oldest first. Events remain buffered
// until acknowledged; a crash between send and Ack causes a re-send the
// server de-duplicates by sequence number.
func (b *Buffer) Pending(limit int) []network.BufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.events)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]network.BufferedEvent, n)
	copy(out, b.events[:n])
	return out
}

// Ack removes delivered events by sequence number.
func (b *Buffer) Ack(seqs []uint64) {
	if len(seqs) == 0 {
		return
	}
	acked := make(map[uint64]bool, len(seqs))
	for _, seq := range seqs {
		acked[seq] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.events[:0]
	for _, ev := range b.events {
		if acked[ev.Seq] {
			b.unpersist(ev.Seq)
			continue
		}
		kept = append(kept, ev)
	}
	b.events = kept
}

// SetCapacity applies a new capacity from a config delta, evicting oldest
// entries if the buffer has shrunk.
func (b *Buffer) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	for len(b.events) > b.capacity {
		b.evictOldestLocked()
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Evicted returns the total number of events dropped to overflow.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

func (b *Buffer) persist(ev network.BufferedEvent) {
	if b.adb == nil {
		return
	}
	row := db.BufferedEvent{
		Seq:        ev.Seq,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		EnqueuedAt: ev.EnqueuedAt,
	}
	if err := b.adb.Create(&row).Error; err != nil {
		b.log.Error().Err(err).Uint64("seq", ev.Seq).Msg("failed to persist buffered event")
	}
}

func (b *Buffer) unpersist(seq uint64) {
	if b.adb == nil {
		return
	}
	if err := b.adb.Delete(&db.BufferedEvent{}, "seq = ?", seq).Error; err != nil {
		b.log.Error().Err(err).Uint64("seq", seq).Msg("failed to delete buffered event")
	}
}
