package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	pkgerrors "github.com/absmach/fedcoord/pkg/errors"
	"github.com/absmach/fedcoord/pkg/fl"
	"github.com/google/uuid"
)

func (c *coordinator) Register(ctx context.Context, clientID, address string) (Admission, error) {
	if clientID == "" {
		return Admission{}, pkgerrors.ErrMalformedEntity
	}

	c.mu.Lock()
	adm, events, err := c.registerLocked(clientID, address)
	c.mu.Unlock()

	c.notify(ctx, events...)
	if err != nil {
		c.logger.Warn("client rejected",
			slog.String("client_id", clientID),
			slog.String("address", address),
			slog.Any("error", err),
		)

		return Admission{}, err
	}

	return adm, nil
}

func (c *coordinator) registerLocked(clientID, address string) (Admission, []Event, error) {
	reject := func(reason string) (Admission, []Event, error) {
		ev := ClientRejected{ClientID: clientID, Address: address, Reason: reason}

		return Admission{}, []Event{ev}, &fl.AdmissionError{ClientID: clientID, Reason: reason}
	}

	if c.phase.Terminal() {
		return Admission{}, nil, fl.ErrExperimentComplete
	}
	if slices.Contains(c.cfg.Blacklist, clientID) || (address != "" && slices.Contains(c.cfg.Blacklist, address)) {
		return reject(fl.ReasonBlacklisted)
	}
	if c.cfg.UseWhitelist && !slices.Contains(c.cfg.Whitelist, address) {
		return reject(fl.ReasonNotWhitelisted)
	}

	now := time.Now()

	c.sessionsMu.RLock()
	existing, ok := c.sessions[clientID]
	c.sessionsMu.RUnlock()
	if ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.state == Dead {
			return reject(fl.ReasonDead)
		}
		existing.address = address
		existing.lastHeartbeat = now

		return Admission{ClientID: clientID, Token: existing.token}, nil, nil
	}

	admissionOpen := c.phase == WaitingForClients
	if !admissionOpen {
		return reject(fl.ReasonLateJoin)
	}
	live := c.liveCountLocked()
	if live >= c.cfg.MaximumClients {
		return reject(fl.ReasonCapacity)
	}

	s := &session{
		id:            clientID,
		address:       address,
		token:         uuid.NewString(),
		admittedAt:    now,
		lastHeartbeat: now,
		state:         Admitted,
	}
	c.sessionsMu.Lock()
	c.sessions[clientID] = s
	c.sessionsMu.Unlock()
	live++

	c.logger.Info("client admitted",
		slog.String("client_id", clientID),
		slog.String("address", address),
		slog.Int("admitted", live),
	)
	events := []Event{ClientAdmitted{ClientID: clientID, Address: address}}

	switch {
	case live >= c.cfg.MaximumClients:
		events = append(events, c.closeAdmissionLocked()...)
	case live >= c.cfg.MinimumClients && c.windowTimer == nil:
		c.logger.Info("admission window opened", slog.Duration("client_wait_time", c.cfg.ClientWaitTime))
		c.windowTimer = time.AfterFunc(c.cfg.ClientWaitTime, c.windowElapsed)
	}

	return Admission{ClientID: clientID, Token: s.token}, events, nil
}

func (c *coordinator) liveCountLocked() int {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	n := 0
	for _, s := range c.sessions {
		s.mu.Lock()
		if s.state != Dead {
			n++
		}
		s.mu.Unlock()
	}

	return n
}

func (c *coordinator) windowElapsed() {
	c.mu.Lock()
	if c.phase != WaitingForClients {
		c.mu.Unlock()

		return
	}
	c.windowTimer = nil

	var events []Event
	if live := c.liveCountLocked(); live < c.cfg.MinimumClients {
		c.logger.Warn("admission window elapsed below minimum clients",
			slog.Int("admitted", live),
			slog.Int("minimum_clients", c.cfg.MinimumClients),
		)
	} else {
		events = c.closeAdmissionLocked()
	}
	c.mu.Unlock()

	c.notify(context.Background(), events...)
}

// closeAdmissionLocked ends the admission window and opens round 1.
func (c *coordinator) closeAdmissionLocked() []Event {
	if c.windowTimer != nil {
		c.windowTimer.Stop()
		c.windowTimer = nil
	}

	if wa, ok := c.aggregator.(*fl.WeightedAggregator); ok {
		var ids []string
		for _, s := range c.sessionList() {
			ids = append(ids, s.id)
		}
		if unknown := wa.Unknown(ids); len(unknown) > 0 {
			c.logger.Warn("aggregation weights reference unknown clients", slog.Any("client_ids", unknown))
		}
	}

	return []Event{c.openRoundLocked(1)}
}
