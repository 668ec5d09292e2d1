// Package audit records remote-access activity (session open/close, file
// transfers, command execution). Records are retained locally until the
// server acknowledges them through the heartbeat cycle.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fleetguard/agent/internal/db"
	"fleetguard/agent/internal/logger"
	"fleetguard/network"
)

// Record kinds.
const (
	KindSessionOpen     = "session_open"
	KindSessionClose    = "session_close"
	KindFileTransfer    = "file_transfer"
	KindCommandExecuted = "command_executed"
	KindEnrollment      = "enrollment"
	KindConfigChange    = "config_change"
)

// Recorder persists audit records. A nil Recorder or nil database handle
// degrades to a no-op so callers never guard audit sites.
type Recorder struct {
	log zerolog.Logger
	adb *gorm.DB
}

func NewRecorder(adb *gorm.DB) *Recorder {
	return &Recorder{log: logger.C("audit"), adb: adb}
}

// Record stores one audit record and returns its id.
func (r *Recorder) Record(rec network.AuditRecord) string {
	if r == nil {
		return ""
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if r.adb == nil {
		return rec.ID
	}

	row := db.AuditRecord{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Kind:      rec.Kind,
		Operator:  rec.Operator,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
		BytesIn:   rec.BytesIn,
		BytesOut:  rec.BytesOut,
		Detail:    rec.Detail,
	}
	if err := r.adb.Create(&row).Error; err != nil {
		r.log.Error().Err(err).Str("kind", rec.Kind).Msg("failed to persist audit record")
		return rec.ID
	}

	r.log.Info().
		Str("kind", rec.Kind).
		Str("session", rec.SessionID).
		Str("operator", rec.Operator).
		Msg("audit record")
	return rec.ID
}

// Pending returns up to limit unacknowledged records, oldest first, for
// inclusion in the next heartbeat envelope.
func (r *Recorder) Pending(limit int) []network.AuditRecord {
	if r == nil || r.adb == nil {
		return nil
	}
	var rows []db.AuditRecord
	q := r.adb.Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		r.log.Error().Err(err).Msg("failed to load audit records")
		return nil
	}

	out := make([]network.AuditRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, network.AuditRecord{
			ID:        row.ID,
			SessionID: row.SessionID,
			Kind:      row.Kind,
			Operator:  row.Operator,
			StartedAt: row.StartedAt,
			EndedAt:   row.EndedAt,
			BytesIn:   row.BytesIn,
			BytesOut:  row.BytesOut,
			Detail:    row.Detail,
		})
	}
	return out
}

// Ack deletes records the server has confirmed receiving.
func (r *Recorder) Ack(ids []string) {
	if r == nil || r.adb == nil || len(ids) == 0 {
		return
	}
	if err := r.adb.Delete(&db.AuditRecord{}, "id IN ?", ids).Error; err != nil {
		r.log.Error().Err(err).Msg("failed to delete acked audit records")
	}
}

// PendingCount reports how many records await acknowledgement.
func (r *Recorder) PendingCount() int64 {
	if r == nil || r.adb == nil {
		return 0
	}
	var n int64
	r.adb.Model(&db.AuditRecord{}).Count(&n)
	return n
}
