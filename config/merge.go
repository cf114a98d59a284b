package config

import (
	"time"

	"github.com/reqshield/reqshield/guard"
	"github.com/reqshield/reqshield/ratelimit"
	"github.com/reqshield/reqshield/throttle"
)

// RouteOverride is a partial guard.RouteConfig: nil fields mean "inherit
// from the next config to the left" per §6's merge order.
type RouteOverride struct {
	Bypass     *bool
	RateLimit  *RateLimitOverride
	Throttle   *ThrottleOverride
	BreakerKey *string
}

// RateLimitOverride carries only the rate-limit fields a class- or
// method-level override is allowed to change.
type RateLimitOverride struct {
	Points      *int
	DurationSec *int
}

// ThrottleOverride carries only the throttle fields a class- or
// method-level override is allowed to change.
type ThrottleOverride struct {
	Limit  *int
	TTLSec *int
}

// MergeRoute resolves the effective guard.RouteConfig for one endpoint by
// merging global defaults, then a class-level override, then a
// method-level override, left to right, per §6: "global defaults ←
// class-level override ← method-level override."
func MergeRoute(global guard.RouteConfig, classOverride, methodOverride *RouteOverride) guard.RouteConfig {
	result := global
	for _, o := range []*RouteOverride{classOverride, methodOverride} {
		if o == nil {
			continue
		}
		applyOverride(&result, o)
	}
	return result
}

func applyOverride(result *guard.RouteConfig, o *RouteOverride) {
	if o.Bypass != nil {
		result.Bypass = *o.Bypass
	}
	if o.BreakerKey != nil {
		result.BreakerKey = *o.BreakerKey
	}
	if o.RateLimit != nil {
		var merged ratelimit.Config
		if result.RateLimit != nil {
			merged = *result.RateLimit
		}
		if o.RateLimit.Points != nil {
			merged.Points = *o.RateLimit.Points
		}
		if o.RateLimit.DurationSec != nil {
			merged.Duration = time.Duration(*o.RateLimit.DurationSec) * time.Second
		}
		result.RateLimit = &merged
	}
	if o.Throttle != nil {
		var merged throttle.Config
		if result.Throttle != nil {
			merged = *result.Throttle
		}
		if o.Throttle.Limit != nil {
			merged.Limit = *o.Throttle.Limit
		}
		if o.Throttle.TTLSec != nil {
			merged.TTL = time.Duration(*o.Throttle.TTLSec) * time.Second
		}
		result.Throttle = &merged
	}
}
