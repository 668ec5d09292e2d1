package db

import "time"

// Credential is the sealed long-lived credential issued at enrollment.
// Sealed is the chacha20poly1305 ciphertext; only one row exists.
type Credential struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"size:64"`
	Sealed    []byte
	CreatedAt time.Time
}

// BufferedEvent is a telemetry event persisted while disconnected. Seq is
// the de-duplication sequence carried on the wire.
type BufferedEvent struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Kind       string `gorm:"size:64"`
	Payload    []byte
	EnqueuedAt time.Time
}

// AuditRecord is a remote-access audit entry retained until the server
// acknowledges it.
type AuditRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:36;index"`
	Kind      string `gorm:"size:64"`
	Operator  string `gorm:"size:128"`
	StartedAt time.Time
	EndedAt   time.Time
	BytesIn   uint64
	BytesOut  uint64
	Detail    string
	CreatedAt time.Time
}
