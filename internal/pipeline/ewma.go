package pipeline

import "sync"

// EWMA is a thread-safe exponentially weighted moving average, used for
// the latency figures in status snapshots and the HUD overlay.
type EWMA struct {
	mu    sync.Mutex
	alpha float64
	value float64
	seen  bool
}

// NewEWMA creates an average with the given smoothing factor in (0, 1];
// higher alpha weighs recent samples more.
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Update folds one sample in.
func (e *EWMA) Update(sample float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seen {
		e.value = sample
		e.seen = true
		return
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
}

// Value returns the current average, zero before the first sample.
func (e *EWMA) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
