package metrics

// Fanout broadcasts every observation to a list of sinks, letting the
// bespoke Registry and the real Prometheus client run side by side without
// callers knowing the difference.
type Fanout []Sink

func (f Fanout) Increment(name string, by int64, labels Labels) {
	for _, s := range f {
		s.Increment(name, by, labels)
	}
}

func (f Fanout) Decrement(name string, by int64, labels Labels) {
	for _, s := range f {
		s.Decrement(name, by, labels)
	}
}

func (f Fanout) Gauge(name string, value float64, labels Labels) {
	for _, s := range f {
		s.Gauge(name, value, labels)
	}
}

func (f Fanout) Histogram(name string, value float64, labels Labels) {
	for _, s := range f {
		s.Histogram(name, value, labels)
	}
}

func (f Fanout) Summary(name string, value float64, labels Labels) {
	for _, s := range f {
		s.Summary(name, value, labels)
	}
}

func (f Fanout) StartTimer(name string, labels Labels) func() {
	return startTimerFor(func(ms float64) { f.Histogram(name, ms, labels) })
}
