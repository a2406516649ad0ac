// scheduler.go — Adaptive polling cadence for the pull transport.
// Command polling runs fast while traffic flows and backs off linearly once
// the link goes idle; health and heartbeat cadences are fixed.
package scheduler

import (
	"sync"
	"time"
)

// Config carries the cadence tunables.
type Config struct {
	// CommandInterval is the poll cadence while active.
	CommandInterval time.Duration
	// MaxCommandInterval caps the idle backoff.
	MaxCommandInterval time.Duration
	// IdleThreshold is how long without activity before backoff begins.
	IdleThreshold time.Duration
	// HealthInterval is the fixed health-check cadence.
	HealthInterval time.Duration
	// HeartbeatInterval is the fixed keep-alive cadence.
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.CommandInterval <= 0 {
		c.CommandInterval = 500 * time.Millisecond
	}
	if c.MaxCommandInterval < c.CommandInterval {
		c.MaxCommandInterval = 4 * c.CommandInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

// Scheduler computes poll intervals from recent activity.
type Scheduler struct {
	mu           sync.Mutex
	cfg          Config
	lastActivity time.Time
	now          func() time.Time // swappable for tests
}

// New creates a scheduler that starts in the active cadence.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	s := &Scheduler{cfg: cfg, now: time.Now}
	s.lastActivity = s.now()
	return s
}

// MarkActivity resets the idle clock. Called whenever a poll returns
// commands or a frame is submitted.
func (s *Scheduler) MarkActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// CommandInterval returns the current poll cadence. Past the idle threshold
// the interval grows linearly with idle time, reaching the maximum after a
// second threshold's worth of idleness.
func (s *Scheduler) CommandInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	idle := s.now().Sub(s.lastActivity)
	if idle <= s.cfg.IdleThreshold {
		return s.cfg.CommandInterval
	}
	over := idle - s.cfg.IdleThreshold
	span := s.cfg.MaxCommandInterval - s.cfg.CommandInterval
	grown := s.cfg.CommandInterval + time.Duration(float64(span)*float64(over)/float64(s.cfg.IdleThreshold))
	if grown > s.cfg.MaxCommandInterval {
		return s.cfg.MaxCommandInterval
	}
	return grown
}

// HealthInterval returns the fixed health-check cadence.
func (s *Scheduler) HealthInterval() time.Duration { return s.cfg.HealthInterval }

// HeartbeatInterval returns the fixed keep-alive cadence.
func (s *Scheduler) HeartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }

// Idle reports how long the link has been without activity.
func (s *Scheduler) Idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}
