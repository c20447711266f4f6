package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a queued turn processed by the worker.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1"`
	SessionID string `gorm:"size:26;index;not null"`

	Prompt      string `gorm:"type:text;not null"`
	VoiceOutput bool   `gorm:"not null;default:false"`
	Voice       string `gorm:"type:varchar(32)"`
	Language    string `gorm:"type:varchar(32)"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultTurnID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "turn_jobs" }

// Request converts the queued job back into a pipeline request.
func (j *Job) Request() TurnRequest {
	return TurnRequest{
		SessionID:   j.SessionID,
		UserID:      j.UserID,
		Text:        j.Prompt,
		VoiceOutput: j.VoiceOutput,
		Voice:       j.Voice,
		Language:    j.Language,
	}
}
