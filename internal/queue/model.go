package queue

import "time"

// Status is the lifecycle state of a queued Envelope.
type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// Envelope is a single unit of store-and-forward data: a result, a log line,
// or a metrics snapshot waiting to be delivered to the server. TaskID is
// opaque to the queue — it is never parsed, only indexed and returned.
type Envelope struct {
	ID          uint      `gorm:"primaryKey"`
	TaskID      string    `gorm:"column:task_id;not null;index:idx_queue_task_id"`
	MessageType string    `gorm:"column:message_type;not null"`
	Payload     string    `gorm:"column:data;not null"`
	Status      Status    `gorm:"column:status;not null;default:pending;index:idx_queue_status"`
	Attempts    int       `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int       `gorm:"column:max_attempts;default:10"`
	LastError   string    `gorm:"column:last_error"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_queue_created"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
	ExpiresAt   *time.Time `gorm:"column:expires_at"`
}

// TableName pins the GORM table name so it matches the embedded migrations.
func (Envelope) TableName() string { return "queue" }

// Stats summarizes queue occupancy by status, used for diagnostics.
type Stats struct {
	Pending       int64
	Sending       int64
	Sent          int64
	Failed        int64
	Expired       int64
	Total         int64
	OldestPending *time.Time
}
