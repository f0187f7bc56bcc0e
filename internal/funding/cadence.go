package funding

import (
	"time"

	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/ggonzalez94/agent-funding/internal/poller"
)

// Cadence picks the healthy refresh interval for funding requirements from the
// latest backend flags. The window-state floor is applied by the poller.
type Cadence struct {
	Stale   time.Duration
	Idle    time.Duration
	Backoff poller.Backoff
}

func DefaultCadence() Cadence {
	return Cadence{Stale: 30 * time.Second, Idle: time.Hour, Backoff: poller.DefaultBackoff()}
}

// Base returns the interval before the next requirements read. waiting counts
// consecutive reads in which a running agent still needed a refill.
func (c Cadence) Base(status *model.AgentFundingStatus, agentRunning bool, waiting int) time.Duration {
	switch {
	case status == nil:
		return c.Stale
	case status.AgentFundingInProgress || status.AgentFundingRequestsCooldown:
		return c.Stale
	case agentRunning && status.IsRefillRequired:
		return c.Backoff.Interval(waiting)
	default:
		return c.Idle
	}
}
