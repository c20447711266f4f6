package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// TurnStore is the durable turn log. It trusts the caller's session id;
// ownership is checked above it.
type TurnStore interface {
	AppendTurn(ctx context.Context, t *Turn) error
	ListTurns(ctx context.Context, sessionID string, order Order, offset, limit int) ([]Turn, int64, error)
	GetTurn(ctx context.Context, id uint64) (*Turn, error)
	DeleteTurn(ctx context.Context, id uint64) (bool, error)
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AppendTurn assigns the id (and created_at when unset) and bumps the session's
// last_message_at in the same transaction. Unknown sessions fail with a
// StoreError wrapping ErrSessionNotFound.
func (r *Repo) AppendTurn(ctx context.Context, t *Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.Kind == "" {
		t.Kind = KindText
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Session{}).Where("session_id = ?", t.SessionID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrSessionNotFound
		}
		if err := tx.Create(t).Error; err != nil {
			return err
		}
		// last write wins; concurrent turns on one session may leave an older value
		return tx.Model(&Session{}).
			Where("session_id = ?", t.SessionID).
			Update("last_message_at", t.CreatedAt).Error
	})
	return storeErr("append turn", err)
}

// ListTurns returns a page of a session's turns ordered by (created_at, id)
// plus the session's total turn count. limit <= 0 means no limit.
func (r *Repo) ListTurns(ctx context.Context, sessionID string, order Order, offset, limit int) ([]Turn, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&Turn{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return nil, 0, storeErr("count turns", err)
	}

	dir := "DESC"
	if order == OrderAsc {
		dir = "ASC"
	}

	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at " + dir).
		Order("id " + dir)
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var turns []Turn
	if err := q.Find(&turns).Error; err != nil {
		return nil, 0, storeErr("list turns", err)
	}
	return turns, total, nil
}

func (r *Repo) GetTurn(ctx context.Context, id uint64) (*Turn, error) {
	var t Turn
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTurnNotFound
		}
		return nil, storeErr("get turn", err)
	}
	return &t, nil
}

func (r *Repo) DeleteTurn(ctx context.Context, id uint64) (bool, error) {
	res := r.db.WithContext(ctx).Delete(&Turn{}, "id = ?", id)
	if res.Error != nil {
		return false, storeErr("delete turn", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListUserExchanges returns up to limit (query, answer) pairs from all of the
// user's sessions, oldest first. A user turn pairs with the next turn of its
// session when that turn is an assistant turn; unanswered user turns are skipped.
func (r *Repo) ListUserExchanges(ctx context.Context, userID uint64, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 100
	}

	var queries []Turn
	if err := r.userTurns(ctx, userID).
		Where("chat_turns.speaker = ?", SpeakerUser).
		Order("chat_turns.created_at DESC").
		Order("chat_turns.id DESC").
		Limit(limit).
		Find(&queries).Error; err != nil {
		return nil, storeErr("list exchanges", err)
	}
	if len(queries) == 0 {
		return nil, nil
	}

	// everything from the oldest selected query onwards, so answers can be matched
	oldest := queries[len(queries)-1]
	var asc []Turn
	if err := r.userTurns(ctx, userID).
		Where("(chat_turns.created_at > ? OR (chat_turns.created_at = ? AND chat_turns.id >= ?))",
			oldest.CreatedAt, oldest.CreatedAt, oldest.ID).
		Order("chat_turns.created_at ASC").
		Order("chat_turns.id ASC").
		Find(&asc).Error; err != nil {
		return nil, storeErr("list exchanges", err)
	}

	pending := make(map[string]*Turn)
	out := make([]Exchange, 0, len(queries))
	for i := range asc {
		t := &asc[i]
		switch t.Speaker {
		case SpeakerUser:
			pending[t.SessionID] = t
		case SpeakerAssistant:
			q, ok := pending[t.SessionID]
			if !ok {
				continue
			}
			delete(pending, t.SessionID)
			out = append(out, Exchange{
				SessionID: t.SessionID,
				QueryID:   q.ID,
				Query:     q.Text,
				Answer:    t.Text,
			})
		}
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *Repo) userTurns(ctx context.Context, userID uint64) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&Turn{}).
		Select("chat_turns.*").
		Joins("JOIN chat_sessions ON chat_sessions.session_id = chat_turns.session_id").
		Where("chat_sessions.user_id = ?", userID)
}

// Sessions

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, storeErr("get session", err)
	}
	return &s, nil
}

func (r *Repo) FindSession(ctx context.Context, userID, personaID uint64) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND persona_id = ?", userID, personaID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, storeErr("find session", err)
	}
	return &s, nil
}

// ListSessionsByUser returns the user's sessions, most recently active first.
func (r *Repo) ListSessionsByUser(ctx context.Context, userID uint64, offset, limit int) ([]Session, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_message_at DESC").
		Order("id DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Session
	if err := q.Find(&out).Error; err != nil {
		return nil, storeErr("list sessions", err)
	}
	return out, nil
}

// Personas

func (r *Repo) CreatePersona(ctx context.Context, p *Persona) error {
	return storeErr("create persona", r.db.WithContext(ctx).Create(p).Error)
}

func (r *Repo) GetPersona(ctx context.Context, id uint64) (*Persona, error) {
	var p Persona
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPersonaNotFound
		}
		return nil, storeErr("get persona", err)
	}
	return &p, nil
}

// Job CRUD
func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a queued job to running. It reports false when the job was
// not queued, which is how a redelivery of a job some worker already started
// shows up.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, storeErr("claim job", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequeueJob hands a running job back to the queue before a retry.
func (r *Repo) RequeueJob(ctx context.Context, id string) error {
	return storeErr("requeue job", r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("status", JobQueued).Error)
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantTurnID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobSucceeded,
			"result_turn_id": assistantTurnID,
			"error":          nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         JobFailed,
			"error":          errMsg,
			"result_turn_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
