package coordinator

import (
	"context"
	"time"
)

// Event is one of the coordinator lifecycle notifications below.
type Event interface {
	Kind() string
	event()
}

type ClientAdmitted struct {
	ClientID string
	Address  string
}

type ClientRejected struct {
	ClientID string
	Address  string
	Reason   string
}

type ClientDead struct {
	ClientID string
	Round    uint64
}

// ClientLeft reports a voluntary departure of a live client.
type ClientLeft struct {
	ClientID string
	Round    uint64
}

type RoundStarted struct {
	Round    uint64
	Deadline time.Time
	Clients  []string
}

type RoundClosed struct {
	Round      uint64
	Submitters []string
	Checkpoint string
	Duration   time.Duration
}

type ExperimentFinished struct {
	Rounds uint64
	Err    error
}

func (ClientAdmitted) Kind() string     { return "client_admitted" }
func (ClientRejected) Kind() string     { return "client_rejected" }
func (ClientDead) Kind() string         { return "client_dead" }
func (ClientLeft) Kind() string         { return "client_left" }
func (RoundStarted) Kind() string       { return "round_started" }
func (RoundClosed) Kind() string        { return "round_closed" }
func (ExperimentFinished) Kind() string { return "experiment_finished" }

func (ClientAdmitted) event()     {}
func (ClientRejected) event()     {}
func (ClientDead) event()         {}
func (ClientLeft) event()         {}
func (RoundStarted) event()       {}
func (RoundClosed) event()        {}
func (ExperimentFinished) event() {}

// Observer receives events after the coordinator has released its locks.
type Observer interface {
	Notify(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Notify(ctx context.Context, ev Event) {
	f(ctx, ev)
}
