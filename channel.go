package securecore

import (
	"sync"
	"time"

	"github.com/ecliptix-labs/securecore/protocol"
)

// Phase is a Channel's position in its lifecycle:
// Initiated → Established → {Healthy ↔ Recovering ↔ Outage} → Disposed.
type Phase uint8

const (
	PhaseInitiated Phase = iota
	PhaseEstablished
	PhaseHealthy
	PhaseRecovering
	PhaseOutage
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitiated:
		return "initiated"
	case PhaseEstablished:
		return "established"
	case PhaseHealthy:
		return "healthy"
	case PhaseRecovering:
		return "recovering"
	case PhaseOutage:
		return "outage"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// HealthStatus mirrors the external Connection Health Observer's status
// enum (§3 ConnectionHealth).
type HealthStatus uint8

const (
	HealthHealthy HealthStatus = iota
	HealthUnhealthy
	HealthFailed
	HealthRecovering
)

// Channel owns one ProtocolSystem instance and has exactly one owner, the
// Session Manager (I1). It is never copied; callers interact with it
// through *Channel.
type Channel struct {
	mu sync.RWMutex

	id     ConnectId
	app    AppInstanceId
	system protocol.System

	phase      Phase
	health     HealthStatus
	lastCheck  time.Time
	disposedAt time.Time
}

// NewChannel constructs a Channel in PhaseInitiated with health Healthy,
// the state manager.Manager.Initiate registers it under.
func NewChannel(id ConnectId, app AppInstanceId, system protocol.System) *Channel {
	return &Channel{
		id:        id,
		app:       app,
		system:    system,
		phase:     PhaseInitiated,
		health:    HealthHealthy,
		lastCheck: time.Now(),
	}
}

func (c *Channel) ID() ConnectId {
	return c.id
}

func (c *Channel) AppInstance() AppInstanceId {
	return c.app
}

func (c *Channel) System() protocol.System {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

func (c *Channel) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// SetPhase transitions the channel to p, for the session manager to call as
// a channel progresses Initiated -> Established -> Healthy/Recovering/Outage.
func (c *Channel) SetPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}

func (c *Channel) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// SetHealth records a new observed health status, updating last-check time.
func (c *Channel) SetHealth(status HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = status
	c.lastCheck = time.Now()
}

// IsHealthy reports whether the channel is present in a healthy state, the
// condition manager.Manager.IsHealthy checks per §4.1.
func (c *Channel) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase != PhaseDisposed && c.health == HealthHealthy
}

// Dispose wipes the channel's cryptographic material and marks it disposed.
// It is idempotent; disposing an already-disposed channel is a no-op.
//
// Grounded on the teacher's plain-byte-slice key fields (which the teacher
// never wipes): the spec's "guaranteed wipe" invariant (§3) is an
// enrichment over the teacher's behavior, recorded in DESIGN.md.
func (c *Channel) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseDisposed {
		return
	}
	c.system.Wipe()
	c.phase = PhaseDisposed
	c.disposedAt = time.Now()
}
