package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/common"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service is the ownership-checked access layer over the Repo. Every method
// takes the calling user's id.
type Service struct {
	repo *Repo
	log  *zap.Logger
}

func NewService(repo *Repo, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log}
}

// GetOrCreateSession returns the user's session with the persona, creating it
// on first use. created reports whether this call inserted it.
func (s *Service) GetOrCreateSession(ctx context.Context, userID, personaID uint64) (sess *Session, created bool, err error) {
	persona, err := s.repo.GetPersona(ctx, personaID)
	if err != nil {
		return nil, false, err
	}
	if !persona.UsableBy(userID) {
		return nil, false, ErrForbidden
	}

	existing, err := s.repo.FindSession(ctx, userID, personaID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	sess = &Session{
		SessionID: sid,
		UserID:    userID,
		PersonaID: personaID,
		CreatedAt: time.Now().UTC(),
	}
	insertErr := s.repo.CreateSession(ctx, sess)
	if insertErr == nil {
		s.log.Info("session created",
			zap.String("session_id", sid),
			zap.Uint64("user_id", userID),
			zap.Uint64("persona_id", personaID),
		)
		return sess, true, nil
	}

	// a concurrent caller may have won the unique (user, persona) index
	existing, getErr := s.repo.FindSession(ctx, userID, personaID)
	if getErr == nil {
		return existing, false, nil
	}
	return nil, false, storeErr("create session", insertErr)
}

// CreateSession is GetOrCreateSession; uniqueness per (user, persona) holds on
// every creation path.
func (s *Service) CreateSession(ctx context.Context, userID, personaID uint64) (*Session, error) {
	sess, _, err := s.GetOrCreateSession(ctx, userID, personaID)
	return sess, err
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, page, pageSize int) ([]Session, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.repo.ListSessionsByUser(ctx, userID, (page-1)*pageSize, pageSize)
}

// GetSession returns ErrSessionNotFound or ErrForbidden when userID may not read it.
func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

type TurnPage struct {
	Turns    []Turn `json:"turns"`
	Total    int64  `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	HasMore  bool   `json:"has_more"`
}

// ListTurns pages through a session newest first.
func (s *Service) ListTurns(ctx context.Context, userID uint64, sessionID string, page, pageSize int) (*TurnPage, error) {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	turns, total, err := s.repo.ListTurns(ctx, sessionID, OrderDesc, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &TurnPage{
		Turns:    turns,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  int64(page*pageSize) < total,
	}, nil
}

func (s *Service) GetTurn(ctx context.Context, userID, turnID uint64) (*Turn, error) {
	t, err := s.repo.GetTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, userID, t.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTurnNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *Service) DeleteTurn(ctx context.Context, userID, turnID uint64) error {
	if _, err := s.GetTurn(ctx, userID, turnID); err != nil {
		return err
	}
	ok, err := s.repo.DeleteTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTurnNotFound
	}
	return nil
}

// Jobs

// CreateJobOrGetExisting checks session ownership, then enqueues-or-dedupes
// on (user, idempotency key).
func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if _, err := s.GetSession(ctx, job.UserID, job.SessionID); err != nil {
		return nil, false, err
	}
	if job.ID == "" {
		id, err := common.NewULID()
		if err != nil {
			return nil, false, err
		}
		job.ID = id
	}
	if job.Status == "" {
		job.Status = JobQueued
	}
	j, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, storeErr("create job", err)
	}
	return j, created, nil
}

func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *Service) MarkJobFailed(ctx context.Context, jobID, msg string) error {
	return s.repo.MarkJobFailed(ctx, jobID, msg)
}

func normalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
