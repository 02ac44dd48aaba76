package service

import (
	"time"
)

// StatusConfig describes the running process.
type StatusConfig struct {
	Mode      string
	Policy    string
	Schedule  map[time.Weekday]string
	Location  *time.Location
	StartedAt time.Time
}

// Status is the snapshot served at /api/status.
type Status struct {
	Mode             string    `json:"mode"`
	Policy           string    `json:"policy"`
	ActiveUnderlying string    `json:"active_underlying"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
}

// StatusService reports process mode and today's scheduled underlying.
type StatusService struct {
	cfg StatusConfig
	now func() time.Time
}

func NewStatusService(cfg StatusConfig) *StatusService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &StatusService{cfg: cfg, now: time.Now}
}

func (s *StatusService) Status() Status {
	now := s.now()
	uptime := int64(now.Sub(s.cfg.StartedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	return Status{
		Mode:             s.cfg.Mode,
		Policy:           s.cfg.Policy,
		ActiveUnderlying: s.cfg.Schedule[now.In(s.cfg.Location).Weekday()],
		StartedAt:        s.cfg.StartedAt,
		UptimeSeconds:    uptime,
	}
}
