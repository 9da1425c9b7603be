package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

// Heartbeat takes only the session lock so it never waits on aggregation.
func (c *coordinator) Heartbeat(_ context.Context, clientID, token string) error {
	s, err := c.session(clientID, token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Dead {
		return fl.ErrClientDead
	}
	s.lastHeartbeat = time.Now()

	return nil
}

// checkHeartbeats marks silent sessions dead and closes the round when only
// dead or submitted sessions remain in its quorum.
func (c *coordinator) checkHeartbeats(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var events []Event
	for _, s := range c.sessionList() {
		s.mu.Lock()
		if s.state != Dead && now.Sub(s.lastHeartbeat) > c.cfg.HeartbeatTimeout {
			s.state = Dead
			s.submission = fl.WeightSet{}
			events = append(events, ClientDead{ClientID: s.id, Round: s.round})
			c.logger.Warn("client heartbeat timed out",
				slog.String("client_id", s.id),
				slog.Time("last_heartbeat", s.lastHeartbeat),
				slog.Uint64("round", s.round),
			)
		}
		s.mu.Unlock()
	}
	round, ready := c.round, len(events) > 0 && c.quorumReadyLocked()
	c.mu.Unlock()

	c.notify(ctx, events...)
	if ready {
		c.closeRound(ctx, round)
	}
}
