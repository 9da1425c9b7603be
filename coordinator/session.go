package coordinator

import (
	"sync"
	"time"

	"github.com/absmach/fedcoord/pkg/fl"
)

type Phase uint8

const (
	WaitingForClients Phase = iota
	RoundActive
	Aggregating
	Complete
	Aborted
)

func (p Phase) String() string {
	switch p {
	case WaitingForClients:
		return "waiting_for_clients"
	case RoundActive:
		return "round_active"
	case Aggregating:
		return "aggregating"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool {
	return p == Complete || p == Aborted
}

type SessionState uint8

const (
	Pending SessionState = iota
	Admitted
	Training
	Submitted
	Dead
	// Rejected is reported in events only; rejected clients never get a session.
	Rejected
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Admitted:
		return "admitted"
	case Training:
		return "training"
	case Submitted:
		return "submitted"
	case Dead:
		return "dead"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// session is guarded by mu. The coordinator never holds two session locks
// at once.
type session struct {
	mu sync.Mutex

	id            string
	address       string
	token         string
	admittedAt    time.Time
	lastHeartbeat time.Time
	state         SessionState
	round         uint64
	submission    fl.WeightSet
	metrics       fl.Metrics
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		ID:            s.id,
		Address:       s.address,
		State:         s.state.String(),
		Round:         s.round,
		AdmittedAt:    s.admittedAt,
		LastHeartbeat: s.lastHeartbeat,
	}
}
