package priority

import (
	"time"

	"github.com/reqshield/reqshield/core"
)

// ShedStrategy selects what happens when a class's queue is already full
// and a new request arrives, per §4.5.
type ShedStrategy string

const (
	ShedFIFO     ShedStrategy = "fifo"
	ShedLIFO     ShedStrategy = "lifo"
	ShedPriority ShedStrategy = "priority"
	ShedRandom   ShedStrategy = "random"
	ShedCustom   ShedStrategy = "custom"
)

// Level configures one priority class.
type Level struct {
	Name          string
	Priority      int // higher admits first; used for extraction coercion
	MaxConcurrent int
	MaxQueueSize  int
	Timeout       time.Duration
}

// CustomShedFn picks which queued waiter (by index into the snapshot) to
// evict to make room for an incoming request, or returns -1 to reject the
// incoming request instead. incoming is the request's class with Priority
// set to the request's own numeric priority, the same value QueueSnapshot
// carries for queued waiters. Must be side-effect free, per §4.5.
type CustomShedFn func(snapshot []QueueSnapshot, incoming Level) int

// QueueSnapshot is a read-only view of one queued waiter, passed to a
// CustomShedFn.
type QueueSnapshot struct {
	Priority   int
	EnqueuedAt time.Time
}

// PriorityExtractor resolves an explicit numeric priority from a request,
// ahead of the header/metadata/default fallback chain.
type PriorityExtractor func(*core.ProtectionContext) (int, bool)

// Config configures a Manager.
type Config struct {
	Levels                     []Level
	Extractor                  PriorityExtractor
	ShedStrategy               ShedStrategy
	CustomShed                 CustomShedFn
	FairnessThreshold          float64 // e.g. 2.0 per §4.5
	AdaptiveAdjustmentInterval time.Duration
	AdaptiveEnabled            bool
	PriorityHeader             string // e.g. "X-Request-Priority"
	DefaultPriority            int
	MinConcurrentBound         int
	MaxConcurrentBound         int
}

// DefaultLevels returns the five built-in classes from §4.5:
// critical=10, high=8, normal=5, low=3, background=1.
func DefaultLevels() []Level {
	return []Level{
		{Name: "critical", Priority: 10, MaxConcurrent: 50, MaxQueueSize: 200, Timeout: 10 * time.Second},
		{Name: "high", Priority: 8, MaxConcurrent: 30, MaxQueueSize: 150, Timeout: 7 * time.Second},
		{Name: "normal", Priority: 5, MaxConcurrent: 20, MaxQueueSize: 100, Timeout: 5 * time.Second},
		{Name: "low", Priority: 3, MaxConcurrent: 10, MaxQueueSize: 50, Timeout: 3 * time.Second},
		{Name: "background", Priority: 1, MaxConcurrent: 5, MaxQueueSize: 25, Timeout: time.Second},
	}
}
