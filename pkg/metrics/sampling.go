package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

// SamplingObserver thins out high-rate events (per-chunk audio events) and
// passes every other event through untouched.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	names       map[string]struct{}
	counters    sync.Map
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, names: set}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, sampled := s.names[ev.Name]; !sampled {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	v, _ := s.counters.LoadOrStore(ev.Name, new(uint64))
	n := atomic.AddUint64(v.(*uint64), 1)
	if n%s.sampleEvery == 0 {
		ev.Value *= float64(s.sampleEvery)
		s.inner.RecordEvent(ev)
	}
}
