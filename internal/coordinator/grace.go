package coordinator

import (
	"context"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/session"
)

// Run applies offer round expirations until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-c.Ledger.Expirations():
			c.expire(ctx, e)
		}
	}
}

func (c *Coordinator) assign(driverID, rideID string) {
	c.mu.Lock()
	c.drivers[driverID] = rideID
	c.mu.Unlock()
	if c.Sessions != nil {
		if _, err := c.Sessions.Lookup(driverID); err != nil {
			c.armGrace(driverID, rideID)
		}
	}
}

func (c *Coordinator) unassign(driverID, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drivers[driverID] != rideID {
		return
	}
	delete(c.drivers, driverID)
	if t, ok := c.grace[driverID]; ok {
		t.Stop()
		delete(c.grace, driverID)
	}
}

// onSessionChange runs on the registry's goroutine and only arms or stops
// timers.
func (c *Coordinator) onSessionChange(ch session.Change) {
	if ch.Kind != models.KindDriver {
		return
	}
	c.mu.Lock()
	rideID, ok := c.drivers[ch.ParticipantID]
	if ok && ch.Connected {
		if t, armed := c.grace[ch.ParticipantID]; armed {
			t.Stop()
			delete(c.grace, ch.ParticipantID)
			c.Logger.Info("driver reconnected", "driver_id", ch.ParticipantID, "ride_id", rideID)
		}
	}
	c.mu.Unlock()
	if ok && !ch.Connected {
		c.armGrace(ch.ParticipantID, rideID)
	}
}

func (c *Coordinator) armGrace(driverID, rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, armed := c.grace[driverID]; armed {
		return
	}
	c.Logger.Info("driver disconnected, grace period started", "driver_id", driverID, "ride_id", rideID, "grace", c.cfg.DriverGracePeriod)
	c.grace[driverID] = c.Clock.AfterFunc(c.cfg.DriverGracePeriod, func() { c.driverLost(driverID, rideID) })
}

func (c *Coordinator) driverLost(driverID, rideID string) {
	c.mu.Lock()
	delete(c.grace, driverID)
	current := c.drivers[driverID]
	c.mu.Unlock()
	if current != rideID {
		return
	}
	if _, err := c.Sessions.Lookup(driverID); err == nil {
		return
	}
	if _, err := c.Cancel(context.Background(), rideID, models.SystemActor, models.ReasonDriverLost); err != nil {
		c.Logger.Info("driver lost cancel skipped", "ride_id", rideID, "driver_id", driverID, "error", err)
		return
	}
	c.Logger.Warn("ride cancelled, driver lost", "ride_id", rideID, "driver_id", driverID)
}
