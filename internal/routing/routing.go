// Package routing maps subtitle requests to queue lanes.
package routing

import (
	"strings"

	"github.com/albatrossmedia/ISN-MVP/internal/config"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
)

// Policy holds lane thresholds in seconds of media. Boundary values resolve to
// the shorter lane.
type Policy struct {
	RealtimeMaxSeconds float64
	StandardMaxSeconds float64
	DefaultLane        job.Lane
}

// DefaultPolicy returns the stock thresholds: 120s realtime, 900s standard.
func DefaultPolicy() Policy {
	return Policy{RealtimeMaxSeconds: 120, StandardMaxSeconds: 900, DefaultLane: job.LaneStandard}
}

// PolicyFromConfig builds a Policy from the [routing] section.
func PolicyFromConfig(cfg config.Routing) Policy {
	policy := DefaultPolicy()
	if cfg.RealtimeMaxSeconds > 0 {
		policy.RealtimeMaxSeconds = cfg.RealtimeMaxSeconds
	}
	if cfg.StandardMaxSeconds > 0 {
		policy.StandardMaxSeconds = cfg.StandardMaxSeconds
	}
	if lane, ok := job.ParseLane(cfg.DefaultLane); ok {
		policy.DefaultLane = lane
	}
	return policy
}

// Route picks the lane for a request. An explicit latency class pins the lane;
// otherwise the declared duration decides. A missing or zero duration without
// a latency class lands on the policy default lane.
func (p Policy) Route(req job.Request) job.Lane {
	if lane, ok := job.ParseLane(strings.TrimSpace(req.LatencyClass)); ok {
		return lane
	}
	duration := req.Duration()
	switch {
	case duration <= 0:
		return p.fallback()
	case duration <= p.RealtimeMaxSeconds:
		return job.LaneRealtime
	case duration <= p.StandardMaxSeconds:
		return job.LaneStandard
	default:
		return job.LaneBulk
	}
}

func (p Policy) fallback() job.Lane {
	if p.DefaultLane == "" {
		return job.LaneStandard
	}
	return p.DefaultLane
}

// Route applies the default policy.
func Route(req job.Request) job.Lane {
	return DefaultPolicy().Route(req)
}
