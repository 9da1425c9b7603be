package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fedcoord/coordinator"
	"github.com/absmach/fedcoord/pkg/fl"
)

var _ coordinator.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    coordinator.Service
}

func Logging(logger *slog.Logger, svc coordinator.Service) coordinator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) Register(ctx context.Context, clientID, address string) (adm coordinator.Admission, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("client",
				slog.String("id", clientID),
				slog.String("address", address),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Register client failed", args...)

			return
		}
		lm.logger.Info("Register client completed successfully", args...)
	}(time.Now())

	return lm.svc.Register(ctx, clientID, address)
}

func (lm *loggingMiddleware) Heartbeat(ctx context.Context, clientID, token string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("client_id", clientID),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Heartbeat failed", args...)

			return
		}
		lm.logger.Debug("Heartbeat completed successfully", args...)
	}(time.Now())

	return lm.svc.Heartbeat(ctx, clientID, token)
}

func (lm *loggingMiddleware) FetchTask(ctx context.Context, clientID, token string) (task fl.Task, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("client_id", clientID),
		}
		switch {
		case errors.Is(err, fl.ErrWait):
			lm.logger.Debug("Fetch task deferred", args...)
		case err != nil:
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Fetch task failed", args...)
		default:
			args = append(args, slog.Uint64("round", task.Round))
			lm.logger.Info("Fetch task completed successfully", args...)
		}
	}(time.Now())

	return lm.svc.FetchTask(ctx, clientID, token)
}

func (lm *loggingMiddleware) Submit(ctx context.Context, clientID, token string, sub fl.Submission) (status fl.SubmitStatus, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("submission",
				slog.String("client_id", clientID),
				slog.Uint64("round", sub.Round),
				slog.Int("tensors", sub.Weights.Len()),
			),
			slog.String("status", string(status)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit weights failed", args...)

			return
		}
		lm.logger.Info("Submit weights completed successfully", args...)
	}(time.Now())

	return lm.svc.Submit(ctx, clientID, token, sub)
}

func (lm *loggingMiddleware) Close(ctx context.Context, clientID, token string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("client_id", clientID),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Close session failed", args...)

			return
		}
		lm.logger.Info("Close session completed successfully", args...)
	}(time.Now())

	return lm.svc.Close(ctx, clientID, token)
}

func (lm *loggingMiddleware) Status(ctx context.Context) (st coordinator.Status, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get status failed", args...)

			return
		}
		lm.logger.Debug("Get status completed successfully", args...)
	}(time.Now())

	return lm.svc.Status(ctx)
}

func (lm *loggingMiddleware) Start(ctx context.Context) error {
	return lm.svc.Start(ctx)
}

func (lm *loggingMiddleware) Wait(ctx context.Context) error {
	return lm.svc.Wait(ctx)
}

func (lm *loggingMiddleware) Shutdown(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Shutdown failed", args...)

			return
		}
		lm.logger.Info("Shutdown completed successfully", args...)
	}(time.Now())

	return lm.svc.Shutdown(ctx)
}
