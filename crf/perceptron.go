package crf

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// perceptron trains the averaged structured perceptron. Each instance is
// decoded under the current weights; on any mismatch the gold path's
// features are promoted and the predicted path's demoted. The returned
// weights are the average over all updates, kept in closed form as
// w - ws/c where ws accumulates each update scaled by its instance counter.
//
// Regularization does not apply. Training stops when the mean per-item
// error rate of an epoch drops below Epsilon.
func (st *trainState) perceptron(ctx context.Context) ([]float64, error) {
	K := st.fs.Len()
	w := make([]float64, K)
	ws := make([]float64, K)
	avg := make([]float64, K)
	var path []int

	order := make([]int, len(st.data))
	for i := range order {
		order[i] = i
	}
	n := float64(len(st.data))
	c := 1.0
	updates := 0

	for epoch := 1; epoch <= st.config.MaxIterations; epoch++ {
		if err := ctx.Err(); err != nil {
			return avg, err
		}
		if st.config.Shuffle {
			st.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		begin := time.Now()

		loss := 0.0
		for _, idx := range order {
			inst := st.data[idx]
			T := len(inst.items)
			if T > 0 {
				st.lat.setPotentials(st.fs, w, 1, inst.items)
				if cap(path) < T {
					path = make([]int, T)
				}
				path = path[:T]
				st.lat.viterbi(path)

				d := 0
				for t, y := range path {
					if y != inst.labels[t] {
						d++
					}
				}
				if d > 0 {
					st.pathFeatures(inst.items, inst.labels, func(fid int, v float64) {
						w[fid] += v
						ws[fid] += c * v
						updates++
					})
					st.pathFeatures(inst.items, path, func(fid int, v float64) {
						w[fid] -= v
						ws[fid] -= c * v
						updates++
					})
					loss += float64(d) / float64(T)
				}
			}
			c++
		}

		for i := range K {
			avg[i] = w[i] - ws[i]/c
		}
		st.report(Progress{
			Iteration:   epoch,
			Loss:        loss,
			Improvement: math.NaN(),
			Updates:     updates,
			Elapsed:     time.Since(begin),
		}, avg)
		if loss/n < st.config.Epsilon {
			slog.Debug("CRF perceptron converged", "iteration", epoch, "loss", loss)
			break
		}
	}
	return avg, nil
}

// pathFeatures reports every registered feature fired by a label path with
// its value: the attribute value for state features, 1 for transitions.
func (st *trainState) pathFeatures(items [][]attrValue, labels []int, fn func(fid int, v float64)) {
	for t, item := range items {
		y := labels[t]
		for _, av := range item {
			if fid, ok := st.fs.Lookup(StateFeature, av.id, y); ok {
				fn(fid, av.value)
			}
		}
		if t > 0 {
			if fid, ok := st.fs.Lookup(TransitionFeature, labels[t-1], y); ok {
				fn(fid, 1)
			}
		}
	}
}
