package observability

import "time"

// Recorder receives every measurement the permission engine reports.
// Metrics and OTelMetrics both implement it.
type Recorder interface {
	RecordCacheLookup(tier string, hit bool)
	RecordCacheError(tier, op string)
	RecordBuild(duration time.Duration, err error)
	RecordDecision(effect, reason string, duration time.Duration)
	RecordInvalidation(direction string, err error)
	RecordEviction(reason string, evicted, remaining int)
}

// Recorders fans each measurement out to every element. The zero value
// records nothing.
type Recorders []Recorder

func (rs Recorders) RecordCacheLookup(tier string, hit bool) {
	for _, r := range rs {
		r.RecordCacheLookup(tier, hit)
	}
}

func (rs Recorders) RecordCacheError(tier, op string) {
	for _, r := range rs {
		r.RecordCacheError(tier, op)
	}
}

func (rs Recorders) RecordBuild(duration time.Duration, err error) {
	for _, r := range rs {
		r.RecordBuild(duration, err)
	}
}

func (rs Recorders) RecordDecision(effect, reason string, duration time.Duration) {
	for _, r := range rs {
		r.RecordDecision(effect, reason, duration)
	}
}

func (rs Recorders) RecordInvalidation(direction string, err error) {
	for _, r := range rs {
		r.RecordInvalidation(direction, err)
	}
}

func (rs Recorders) RecordEviction(reason string, evicted, remaining int) {
	for _, r := range rs {
		r.RecordEviction(reason, evicted, remaining)
	}
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = (*OTelMetrics)(nil)
	_ Recorder = Recorders(nil)
)
