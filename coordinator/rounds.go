package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

// openRoundLocked starts round idx for every live session.
func (c *coordinator) openRoundLocked(idx uint64) Event {
	now := time.Now()
	c.phase = RoundActive
	c.round = idx
	c.roundStart = now
	c.deadline = now.Add(c.cfg.RoundTimeout)

	var clients []string
	for _, s := range c.sessionList() {
		s.mu.Lock()
		if s.state != Dead {
			s.state = Training
			s.round = idx
			s.submission = fl.WeightSet{}
			s.metrics = nil
			clients = append(clients, s.id)
		}
		s.mu.Unlock()
	}

	if c.roundTimer != nil {
		c.roundTimer.Stop()
	}
	c.roundTimer = time.AfterFunc(c.cfg.RoundTimeout, func() {
		c.logger.Warn("round deadline elapsed", slog.Uint64("round", idx))
		c.closeRound(context.Background(), idx)
	})

	c.logger.Info("round started",
		slog.Uint64("round", idx),
		slog.Int("clients", len(clients)),
		slog.Time("deadline", c.deadline),
	)

	return RoundStarted{Round: idx, Deadline: c.deadline, Clients: clients}
}

// quorumReadyLocked reports whether no live session of the active round is
// still training.
func (c *coordinator) quorumReadyLocked() bool {
	if c.phase != RoundActive {
		return false
	}
	for _, s := range c.sessionList() {
		s.mu.Lock()
		training := s.state == Training && s.round == c.round
		s.mu.Unlock()
		if training {
			return false
		}
	}

	return true
}

func (c *coordinator) FetchTask(_ context.Context, clientID, token string) (fl.Task, error) {
	s, err := c.session(clientID, token)
	if err != nil {
		return fl.Task{}, err
	}

	c.mu.Lock()
	phase, round, checkpoint := c.phase, c.round, c.checkpoint
	c.mu.Unlock()

	if phase.Terminal() {
		return fl.Task{}, fl.ErrExperimentComplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Dead {
		return fl.Task{}, fl.ErrClientDead
	}
	if phase != RoundActive || s.state != Training || s.round != round {
		return fl.Task{}, fl.ErrWait
	}

	return fl.Task{
		Round:      round,
		Checkpoint: checkpoint,
		Config:     c.cfg.TaskConfig,
	}, nil
}

func (c *coordinator) Submit(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error) {
	s, err := c.session(clientID, token)
	if err != nil {
		return fl.SubmitRejected, err
	}

	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()

		return fl.SubmitRejected, fl.ErrExperimentComplete
	}

	s.mu.Lock()
	switch {
	case s.state == Dead:
		s.mu.Unlock()
		c.mu.Unlock()

		return fl.SubmitRejected, fl.ErrClientDead
	case c.phase != RoundActive || sub.Round != c.round || s.state != Training || s.round != c.round:
		state := s.state
		s.mu.Unlock()
		round := c.round
		c.mu.Unlock()

		c.logger.Debug("stale submission dropped",
			slog.String("client_id", clientID),
			slog.Uint64("submitted_round", sub.Round),
			slog.Uint64("current_round", round),
			slog.String("state", state.String()),
		)

		return fl.SubmitStaleRound, nil
	case !c.checkpoint.IsEmpty() && !c.checkpoint.SameLayout(sub.Weights):
		s.mu.Unlock()
		c.mu.Unlock()

		return fl.SubmitRejected, fmt.Errorf("%w: submission of %q does not match the checkpoint", fl.ErrShapeMismatch, clientID)
	}

	s.submission = sub.Weights.Clone()
	s.metrics = sub.Metrics
	s.state = Submitted
	s.mu.Unlock()

	round, ready := c.round, c.quorumReadyLocked()
	c.mu.Unlock()

	c.logger.Info("submission accepted", slog.String("client_id", clientID), slog.Uint64("round", round))

	if ready {
		// The final submitter aggregates; a dropped request must not cancel it.
		c.closeRound(context.WithoutCancel(ctx), round)
	}

	return fl.SubmitAccepted, nil
}

// closeRound aggregates round idx and opens the next round or completes the
// experiment. Calls for a round that is no longer active are no-ops.
func (c *coordinator) closeRound(ctx context.Context, idx uint64) {
	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()

	c.mu.Lock()
	if c.phase != RoundActive || c.round != idx {
		c.mu.Unlock()

		return
	}
	c.phase = Aggregating
	if c.roundTimer != nil {
		c.roundTimer.Stop()
		c.roundTimer = nil
	}
	started := c.roundStart

	submissions := make(map[string]fl.WeightSet)
	var metrics []fl.Metrics
	for _, s := range c.sessionList() {
		s.mu.Lock()
		if s.state == Submitted && s.round == idx {
			submissions[s.id] = s.submission.Clone()
			metrics = append(metrics, s.metrics)
		}
		s.mu.Unlock()
	}
	c.mu.Unlock()

	submitters := make([]string, 0, len(submissions))
	for id := range submissions {
		submitters = append(submitters, id)
	}
	slices.Sort(submitters)
	c.logger.Info("aggregating round", slog.Uint64("round", idx), slog.Any("submitters", submitters))

	ckpt, err := c.aggregate(ctx, idx, submissions, metrics)
	if err != nil {
		c.abort(ctx, idx, err)

		return
	}

	name := fl.RoundCheckpointName(idx)
	closed := RoundClosed{Round: idx, Submitters: submitters, Checkpoint: name, Duration: time.Since(started)}

	if idx >= c.cfg.RoundsCount {
		if err := c.persistor.Save(ctx, ckpt, fl.FinalCheckpointName); err != nil {
			c.abort(ctx, idx, fmt.Errorf("failed to persist final checkpoint: %w", err))

			return
		}

		c.mu.Lock()
		if c.phase != Aggregating {
			c.mu.Unlock()

			return
		}
		c.checkpoint = ckpt.Weights
		c.finishLocked(Complete, nil)
		c.mu.Unlock()

		c.logger.Info("experiment complete", slog.Uint64("rounds", idx))
		c.notify(ctx, closed, ExperimentFinished{Rounds: idx})

		return
	}

	c.mu.Lock()
	if c.phase != Aggregating {
		// Shut down while aggregating.
		c.mu.Unlock()

		return
	}
	c.checkpoint = ckpt.Weights
	next := c.openRoundLocked(idx + 1)
	c.mu.Unlock()

	c.notify(ctx, closed, next)
}

func (c *coordinator) aggregate(ctx context.Context, idx uint64, submissions map[string]fl.WeightSet, metrics []fl.Metrics) (fl.Checkpoint, error) {
	weights, err := c.aggregator.Aggregate(ctx, submissions)
	if err != nil {
		return fl.Checkpoint{}, fmt.Errorf("round %d: %w", idx, err)
	}

	ckpt := fl.Checkpoint{
		Round:     idx,
		Weights:   weights,
		Metrics:   meanMetrics(metrics),
		CreatedAt: time.Now().UTC(),
	}
	if err := c.persistor.Save(ctx, ckpt, fl.RoundCheckpointName(idx)); err != nil {
		return fl.Checkpoint{}, fmt.Errorf("failed to persist round %d checkpoint: %w", idx, err)
	}

	return ckpt, nil
}

func (c *coordinator) abort(ctx context.Context, idx uint64, err error) {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()

		return
	}
	c.finishLocked(Aborted, err)
	c.mu.Unlock()

	c.logger.Error("experiment aborted", slog.Uint64("round", idx), slog.Any("error", err))
	c.notify(ctx, ExperimentFinished{Rounds: idx, Err: err})
}

// meanMetrics averages each metric over the submitters that reported it.
func meanMetrics(all []fl.Metrics) fl.Metrics {
	sums := fl.Metrics{}
	counts := map[string]int{}
	for _, m := range all {
		for k, v := range m {
			sums[k] += v
			counts[k]++
		}
	}
	if len(sums) == 0 {
		return nil
	}
	for k := range sums {
		sums[k] /= float64(counts[k])
	}

	return sums
}
