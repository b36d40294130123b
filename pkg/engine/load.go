package engine

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const loadLogPrefix = "engine:load"

// LoadSnapshot is one sample of process load.
type LoadSnapshot struct {
	HeapBytes  uint64        `json:"heapBytes"`
	Goroutines int           `json:"goroutines"`
	Lag        time.Duration `json:"lag"`
	SampledAt  time.Time     `json:"sampledAt"`
}

// loadSampler measures heap, goroutines and scheduling lag, the delay
// between when a tick was due and when it ran.
type loadSampler struct {
	interval   time.Duration
	heap       atomic.Uint64
	goroutines atomic.Int64
	lag        atomic.Duration
	sampledAt  atomic.Time

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

func newLoadSampler(interval time.Duration) *loadSampler {
	return &loadSampler{
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *loadSampler) start() {
	s.sample(0)
	if s.interval <= 0 {
		return
	}
	s.started.Store(true)
	go s.run()
}

func (s *loadSampler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	expected := time.Now().Add(s.interval)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			lag := time.Since(expected)
			if lag < 0 {
				lag = 0
			}
			s.sample(lag)
			expected = time.Now().Add(s.interval)
		}
	}
}

func (s *loadSampler) sample(lag time.Duration) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.heap.Store(ms.HeapAlloc)
	s.goroutines.Store(int64(runtime.NumGoroutine()))
	s.lag.Store(lag)
	s.sampledAt.Store(time.Now())
}

func (s *loadSampler) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.done
		}
		slog.Debug(fmt.Sprintf("%s - Load sampler stopped", loadLogPrefix))
	})
}

func (s *loadSampler) snapshot() LoadSnapshot {
	return LoadSnapshot{
		HeapBytes:  s.heap.Load(),
		Goroutines: int(s.goroutines.Load()),
		Lag:        s.lag.Load(),
		SampledAt:  s.sampledAt.Load(),
	}
}

// overloaded reports whether the latest sample exceeds the limits of cfg.
func (s *loadSampler) overloaded(cfg LoadConfig) (LoadSnapshot, bool) {
	snap := s.snapshot()
	if cfg.MaxHeapBytes > 0 && snap.HeapBytes > cfg.MaxHeapBytes {
		return snap, true
	}
	if cfg.MaxLag > 0 && snap.Lag > cfg.MaxLag {
		return snap, true
	}
	return snap, false
}
