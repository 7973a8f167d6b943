package workqueue

import "sync"

// ConcurrencyStrategy decides whether a task of a lane may start now.
type ConcurrencyStrategy interface {
	CanStart(lane Lane) bool
	OnStart(lane Lane)
	OnComplete(lane Lane)
}

// LaneLimitStrategy allows up to a fixed number of running tasks per lane.
// Lanes without an explicit limit run one task at a time.
type LaneLimitStrategy struct {
	mu      sync.Mutex
	limits  map[Lane]int
	running map[Lane]int
}

// NewLaneLimitStrategy creates a strategy with the given per-lane limits.
// Limits below 1 are raised to 1.
func NewLaneLimitStrategy(limits map[Lane]int) *LaneLimitStrategy {
	s := &LaneLimitStrategy{
		limits:  make(map[Lane]int, len(limits)),
		running: make(map[Lane]int),
	}
	for lane, n := range limits {
		if n < 1 {
			n = 1
		}
		s.limits[lane] = n
	}
	return s
}

// NewSerializedStrategy runs one task at a time in every lane; tasks from
// different lanes still run in parallel.
func NewSerializedStrategy() *LaneLimitStrategy {
	return NewLaneLimitStrategy(nil)
}

func (s *LaneLimitStrategy) limit(lane Lane) int {
	if n, ok := s.limits[lane]; ok {
		return n
	}
	return 1
}

func (s *LaneLimitStrategy) CanStart(lane Lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[lane] < s.limit(lane)
}

func (s *LaneLimitStrategy) OnStart(lane Lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[lane]++
}

func (s *LaneLimitStrategy) OnComplete(lane Lane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[lane] > 0 {
		s.running[lane]--
	}
}

// Running returns the number of running tasks in lane.
func (s *LaneLimitStrategy) Running(lane Lane) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[lane]
}

var _ ConcurrencyStrategy = (*LaneLimitStrategy)(nil)
