package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reqshield/reqshield/config"
	"github.com/reqshield/reqshield/guard"
	"github.com/reqshield/reqshield/ratelimit"
)

func TestLoad_UsesDefaultsWhenUnset(t *testing.T) {
	cfg := config.Load()
	assert.Equal(t, 100, cfg.RateLimit.Points)
	assert.True(t, cfg.Overload.Enabled)
	assert.Equal(t, "development", cfg.Env)
}

func TestLoad_ReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("SHIELD_RATE_LIMIT_POINTS", "7")
	t.Setenv("SHIELD_SHUTDOWN_MODE", "true")

	cfg := config.Load()
	assert.Equal(t, 7, cfg.RateLimit.Points)
	assert.True(t, cfg.ShutdownMode)
}

func TestMergeRoute_ClassOverrideAppliesOverGlobal(t *testing.T) {
	global := guard.RouteConfig{RateLimit: &ratelimit.Config{Points: 100}}
	points := 50
	classOverride := &config.RouteOverride{RateLimit: &config.RateLimitOverride{Points: &points}}

	result := config.MergeRoute(global, classOverride, nil)
	assert.Equal(t, 50, result.RateLimit.Points)
}

func TestMergeRoute_MethodOverrideWinsOverClassOverride(t *testing.T) {
	global := guard.RouteConfig{RateLimit: &ratelimit.Config{Points: 100}}
	classPoints, methodPoints := 50, 5
	classOverride := &config.RouteOverride{RateLimit: &config.RateLimitOverride{Points: &classPoints}}
	methodOverride := &config.RouteOverride{RateLimit: &config.RateLimitOverride{Points: &methodPoints}}

	result := config.MergeRoute(global, classOverride, methodOverride)
	assert.Equal(t, 5, result.RateLimit.Points)
}

func TestMergeRoute_NoOverridesReturnsGlobalUnchanged(t *testing.T) {
	global := guard.RouteConfig{BreakerKey: "widgets"}
	result := config.MergeRoute(global, nil, nil)
	assert.Equal(t, "widgets", result.BreakerKey)
	assert.Nil(t, result.RateLimit)
}
