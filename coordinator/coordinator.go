package coordinator

import (
	"context"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

// Service is the round coordinator: admission control, the round state
// machine and the heartbeat monitor.
type Service interface {
	// Register admits clientID connecting from address, or rejects it with an
	// *fl.AdmissionError. Re-registering a live session returns its token.
	Register(ctx context.Context, clientID, address string) (Admission, error)
	Heartbeat(ctx context.Context, clientID, token string) error
	// FetchTask returns the current round's task, or fl.ErrWait.
	FetchTask(ctx context.Context, clientID, token string) (fl.Task, error)
	Submit(ctx context.Context, clientID, token string, sub fl.Submission) (fl.SubmitStatus, error)
	// Close removes a live session on the client's request.
	Close(ctx context.Context, clientID, token string) error
	Status(ctx context.Context) (Status, error)

	// Start runs the heartbeat monitor until ctx ends or the experiment
	// finishes.
	Start(ctx context.Context) error
	// Wait blocks until the experiment completes or aborts.
	Wait(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type Admission struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

type SessionInfo struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	State         string    `json:"state"`
	Round         uint64    `json:"round"`
	AdmittedAt    time.Time `json:"admitted_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Status struct {
	Phase       string        `json:"phase"`
	Round       uint64        `json:"round"`
	RoundsCount uint64        `json:"rounds_count"`
	Deadline    *time.Time    `json:"deadline,omitempty"`
	Sessions    []SessionInfo `json:"sessions"`
}
