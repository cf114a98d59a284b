package core

// Decision is the uniform {allowed, reason, retry-after, header-hints}
// tuple every component returns to the Guard, per §2's control-flow
// description.
type Decision struct {
	Allowed    bool
	Err        error // nil when Allowed; a *shielderrors.ProtectionError otherwise
	RetryAfter int   // seconds; 0 when not applicable
	Headers    map[string]string
}

// Allow builds an allowed Decision, optionally carrying header hints.
func Allow(headers map[string]string) Decision {
	return Decision{Allowed: true, Headers: headers}
}

// Reject builds a rejected Decision wrapping err.
func Reject(err error, retryAfter int) Decision {
	return Decision{Allowed: false, Err: err, RetryAfter: retryAfter}
}

// StageMetadata is the small, closed union of per-stage diagnostic data
// the Guard accumulates while walking the pipeline. It replaces the
// source's dynamic any-typed metadata (Design Notes) with one struct per
// stage, all pre-declared.
type StageMetadata struct {
	RateLimit *RateLimitMeta
	Throttle  *ThrottleMeta
	Breaker   *BreakerMeta
	Overload  *OverloadMeta
}

// RateLimitMeta carries the values behind the X-RateLimit-* headers.
type RateLimitMeta struct {
	Limit     int
	Remaining int
	ResetUnix int64
}

// ThrottleMeta carries the values behind the X-Throttle-* headers.
type ThrottleMeta struct {
	Limit     int
	TTLSec    int
	Remaining int
	ResetUnix int64
}

// BreakerMeta carries the circuit breaker's externally visible snapshot.
type BreakerMeta struct {
	State             string
	NextAttemptUnix   int64
	HasNextAttempt    bool
}

// OverloadMeta carries overload-controller diagnostics for logging.
type OverloadMeta struct {
	CurrentRequests int
	QueueLength     int
	HealthScore     float64
	Queued          bool
	WaitedMs        int64
}
