package server

import (
	"context"
	"time"
)

// RunHealthWatchdog wakes every health timeout interval and fails apps
// whose agents have gone quiet: connected records with no health report
// (or registration) newer than the timeout are marked fail and the node
// gets a health_miss:timeout event.
func (s *Server) RunHealthWatchdog(ctx context.Context) {
	interval := time.Duration(s.cfg.Control.HealthTimeoutSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepHealth(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) sweepHealth(timeout time.Duration) {
	now := time.Now()
	allowed := 0
	for _, rec := range s.registry.List() {
		if s.registry.StatusPayloadFor(rec).Allowed {
			allowed++
		}
		if !rec.WSConnected || rec.HealthStatus == "fail" {
			continue
		}
		lastSeen := rec.RegisteredAt
		if rec.LastHealthAt != nil {
			lastSeen = *rec.LastHealthAt
		}
		if now.Sub(lastSeen) <= timeout {
			continue
		}
		s.registry.MarkHealth(rec.AppName, "fail")
		s.ledger.MarkHealth(rec.AgentID, "fail")
		s.ledger.RecordNodeEvent(rec.AgentID, "health_miss", "timeout")
		if s.metrics != nil {
			s.metrics.HealthMisses.Inc()
		}
		s.log.Warn("health watchdog failed app", "app", rec.AppName, "agent_id", rec.AgentID)
	}
	if s.metrics != nil {
		s.metrics.AppsAllowed.Set(float64(allowed))
	}
}
