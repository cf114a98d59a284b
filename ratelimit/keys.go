package ratelimit

import (
	"fmt"

	"github.com/reqshield/reqshield/core"
)

// KeyExtractor derives the caller identity a rate limit is keyed on.
type KeyExtractor func(ctx *core.ProtectionContext) string

// DefaultKey prefers an authenticated user, then session, then raw IP.
func DefaultKey(ctx *core.ProtectionContext) string {
	if ctx.UserID != "" {
		return "user:" + ctx.UserID
	}
	if ctx.SessionID != "" {
		return "session:" + ctx.SessionID
	}
	return "ip:" + ctx.IP
}

// PerRoute composes the caller key with method and path, per §4.3's
// (ip, path, method) cache key shape, for endpoints that need independent
// limits per route rather than one limit shared across a caller's entire
// traffic.
func PerRoute(ctx *core.ProtectionContext) string {
	return fmt.Sprintf("%s:%s:%s", DefaultKey(ctx), ctx.Method, ctx.Path)
}
