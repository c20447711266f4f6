package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/observability"
)

type disposition int

const (
	ack disposition = iota
	// nack without requeue; the broker dead-letters the message
	reject
	// ack after a copy was parked on the retry queue
	retried
)

var errInterrupted = errors.New("job interrupted while running")

type retrier interface {
	PublishRetry(ctx context.Context, jobID string, attempt int, delay time.Duration) error
}

type jobRunner struct {
	repo        *chat.Repo
	pipeline    *chat.Pipeline
	retry       retrier
	metrics     *observability.Metrics
	log         *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// handle runs one queued turn. Redeliveries of finished jobs are acked
// without running again, and redeliveries of jobs left running are failed.
// A failure is retried only while the user turn has not been written yet, so
// a retry never duplicates the utterance.
func (w *jobRunner) handle(ctx context.Context, jobID string, attempt int) disposition {
	jobStart := time.Now()
	log := w.log.With(zap.String("job_id", jobID), zap.Int("attempt", attempt))

	j, err := w.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, chat.ErrJobNotFound) {
			log.Warn("job not found, dropping")
			return ack
		}
		log.Error("load job failed", zap.Error(err))
		return w.retryOrReject(ctx, log, jobID, attempt, err)
	}
	if j.Status == chat.JobSucceeded || j.Status == chat.JobFailed {
		log.Info("job already finished, skipping", zap.String("status", string(j.Status)))
		return ack
	}
	claimed, err := w.repo.ClaimJob(ctx, jobID)
	if err != nil {
		log.Error("claim job failed", zap.Error(err))
		return w.retryOrReject(ctx, log, jobID, attempt, err)
	}
	if !claimed {
		// a worker stopped mid-turn; the user turn may already be written
		w.fail(ctx, log, jobID, errInterrupted)
		return reject
	}

	res, err := w.pipeline.ProcessTurn(ctx, j.Request())
	if err != nil {
		var te *chat.TurnError
		if errors.As(err, &te) && !te.UserTurnSaved && te.Code == chat.CodeStore {
			return w.retryOrReject(ctx, log, jobID, attempt, err)
		}
		w.fail(ctx, log, jobID, err)
		return reject
	}

	if err := w.repo.MarkJobSucceeded(ctx, jobID, res.AssistantTurn.ID); err != nil {
		log.Error("mark job succeeded failed", zap.Error(err))
		return reject
	}
	w.metrics.JobDone(string(chat.JobSucceeded))

	total := time.Since(jobStart)
	if total > 2*time.Second {
		log.Info("job_timing", zap.Duration("total", total), zap.Bool("audio", res.AudioURL != ""))
	}
	return ack
}

func (w *jobRunner) retryOrReject(ctx context.Context, log *zap.Logger, jobID string, attempt int, cause error) disposition {
	if w.retry == nil || attempt+1 >= w.maxAttempts {
		w.fail(ctx, log, jobID, cause)
		return reject
	}
	if err := w.repo.RequeueJob(ctx, jobID); err != nil {
		log.Error("requeue job failed", zap.Error(err))
		w.fail(ctx, log, jobID, cause)
		return reject
	}
	delay := w.baseDelay << attempt
	if err := w.retry.PublishRetry(ctx, jobID, attempt+1, delay); err != nil {
		log.Error("publish retry failed", zap.Error(err))
		w.fail(ctx, log, jobID, cause)
		return reject
	}
	log.Warn("job retry scheduled", zap.Duration("delay", delay), zap.Error(cause))
	w.metrics.JobDone("retried")
	return retried
}

func (w *jobRunner) fail(ctx context.Context, log *zap.Logger, jobID string, cause error) {
	if err := w.repo.MarkJobFailed(ctx, jobID, cause.Error()); err != nil {
		log.Error("mark job failed failed", zap.Error(err))
	}
	w.metrics.JobDone(string(chat.JobFailed))
	log.Error("job failed", zap.Error(cause))
}
