package crf

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Progress is the per-iteration training report.
type Progress struct {
	Iteration      int
	Loss           float64 // objective value, including the penalty
	Improvement    float64 // relative objective change; NaN on the first iteration
	FeatureNorm    float64 // L2 norm of the weights
	LearningRate   float64 // SGD only
	Updates        int     // feature updates performed so far
	ActiveFeatures int     // non-zero weights
	Elapsed        time.Duration
	Holdout        *Evaluation // set when a holdout group is configured
}

// String renders the report as a plain-text message.
func (p Progress) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "***** Iteration #%d *****\n", p.Iteration)
	fmt.Fprintf(&b, "Loss: %f\n", p.Loss)
	if !math.IsNaN(p.Improvement) {
		fmt.Fprintf(&b, "Improvement ratio: %f\n", p.Improvement)
	}
	fmt.Fprintf(&b, "Feature L2-norm: %f\n", p.FeatureNorm)
	if p.LearningRate > 0 {
		fmt.Fprintf(&b, "Learning rate (eta): %f\n", p.LearningRate)
	}
	fmt.Fprintf(&b, "Active features: %d\n", p.ActiveFeatures)
	fmt.Fprintf(&b, "Total number of feature updates: %d\n", p.Updates)
	fmt.Fprintf(&b, "Seconds required for this iteration: %.3f\n", p.Elapsed.Seconds())
	if p.Holdout != nil {
		b.WriteString(p.Holdout.String())
	}
	return b.String()
}

// ProgressFunc receives one report per completed iteration.
type ProgressFunc func(Progress)

// MessageSink adapts a plain-text callback to a ProgressFunc.
func MessageSink(fn func(message string)) ProgressFunc {
	return func(p Progress) { fn(p.String()) }
}

// progressPump delivers reports in order on its own goroutine. The queue is
// unbounded, so a slow sink never stalls the trainer and never loses a report.
type progressPump struct {
	fn     ProgressFunc
	mu     sync.Mutex
	queue  []Progress
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func startProgress(fn ProgressFunc) *progressPump {
	if fn == nil {
		return nil
	}
	p := &progressPump{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *progressPump) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		batch, closed := p.queue, p.closed
		p.queue = nil
		p.mu.Unlock()

		for _, ev := range batch {
			p.fn(ev)
		}
		if len(batch) == 0 {
			if closed {
				return
			}
			<-p.wake
		}
	}
}

func (p *progressPump) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *progressPump) send(ev Progress) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, ev)
	p.mu.Unlock()
	p.signal()
}

// close waits until every queued report has been delivered.
func (p *progressPump) close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.done
}
