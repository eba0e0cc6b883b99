package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after a missed interval
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) runHeartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now, cfg)
		}
	}
}

// checkConnections evicts connections silent for longer than Interval +
// Timeout and pings the rest. Browsers answer pings automatically, and any
// frame refreshes LastSeen.
func (s *Server) checkConnections(now time.Time, cfg HeartbeatConfig) {
	limit := cfg.Interval + cfg.Timeout
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > limit {
			s.logger.Info("heartbeat timeout", "session", c.ID, "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", "session", c.ID, "error", err)
			s.RemoveConnection(c)
		}
	}
}
