package crf

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// lbfgs trains with batch OWL-QN. With L2 regularization the pseudo-gradient
// is the plain gradient and the method reduces to L-BFGS.
func (st *trainState) lbfgs(ctx context.Context) ([]float64, error) {
	K := st.fs.Len()
	c1 := 0.0
	if st.config.Regularization == L1 {
		c1 = st.config.Coefficient
	}

	w := make([]float64, K)
	grad := make([]float64, K)
	pg := make([]float64, K)
	newGrad := make([]float64, K)
	newPG := make([]float64, K)
	prevW := make([]float64, K)
	s := make([]float64, K)
	y := make([]float64, K)

	hist := newHistory(K, st.config.Memory)
	conv := convergence{epsilon: st.config.Epsilon, period: st.config.Period}
	evals := 0

	obj := st.batchObjective(w, grad)
	evals++
	pseudoGradient(pg, w, grad, c1)

	for iter := 1; iter <= st.config.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return w, err
		}
		begin := time.Now()

		dir := hist.direction(pg)
		// Constrain direction to same orthant as pseudo-gradient
		for i := range K {
			if dir[i]*pg[i] > 0 {
				dir[i] = 0
			}
		}

		step, n := st.lineSearch(w, dir, obj, pg, c1)
		evals += n
		if step == 0 {
			slog.Warn("CRF line search failed, stopping", "iteration", iter)
			break
		}

		copy(prevW, w)
		for i := range K {
			w[i] += step * dir[i]
		}
		if c1 > 0 {
			for i := range K {
				if w[i]*prevW[i] < 0 {
					w[i] = 0
				}
			}
		}

		newObj := st.batchObjective(w, newGrad)
		evals++
		if !isFinite(newObj) {
			copy(w, prevW)
			return w, fmt.Errorf("crf: loss is not finite at iteration %d", iter)
		}
		pseudoGradient(newPG, w, newGrad, c1)

		for i := range K {
			s[i] = w[i] - prevW[i]
			y[i] = newPG[i] - pg[i]
		}
		hist.update(s, y)

		obj = newObj
		copy(grad, newGrad)
		copy(pg, newPG)

		improvement, converged := conv.observe(obj)
		st.report(Progress{
			Iteration:   iter,
			Loss:        obj,
			Improvement: improvement,
			Updates:     evals,
			Elapsed:     time.Since(begin),
		}, w)
		if converged {
			slog.Debug("CRF converged", "iteration", iter, "improvement", improvement)
			break
		}
	}
	return w, nil
}

// batchObjective returns the regularized negative log-likelihood of the
// training data at w. When grad is non-nil it receives the gradient of the
// smooth part (L2 included, L1 excluded).
func (st *trainState) batchObjective(w, grad []float64) float64 {
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}
	nll := 0.0
	for _, inst := range st.data {
		nll += st.instanceLoss(inst, w, 1)
		if grad != nil {
			st.lat.gradient(st.fs, inst.items, inst.labels, func(fid int, g float64) {
				grad[fid] -= g
			})
		}
	}
	c := st.config.Coefficient
	if grad != nil && st.config.Regularization == L2 && c > 0 {
		for i := range grad {
			grad[i] += c * w[i]
		}
	}
	return nll + st.penalty(w)
}

// pseudoGradient writes the OWL-QN pseudo-gradient of f + c1*|w| into pg.
func pseudoGradient(pg, w, grad []float64, c1 float64) {
	for i := range w {
		switch {
		case w[i] > 0:
			pg[i] = grad[i] + c1
		case w[i] < 0:
			pg[i] = grad[i] - c1
		default:
			switch {
			case grad[i]+c1 < 0:
				pg[i] = grad[i] + c1
			case grad[i]-c1 > 0:
				pg[i] = grad[i] - c1
			default:
				pg[i] = 0
			}
		}
	}
}

// lineSearch performs a backtracking Armijo line search with orthant
// projection. It returns the accepted step (0 on failure) and the number of
// objective evaluations.
func (st *trainState) lineSearch(w, dir []float64, fVal float64, pg []float64, c1 float64) (float64, int) {
	dirDeriv := dot(dir, pg)
	if dirDeriv >= 0 {
		return 0, 0
	}

	const armijo = 1e-4
	step := 1.0
	wNew := make([]float64, len(w))
	for trial := range 20 {
		for i := range w {
			wNew[i] = w[i] + step*dir[i]
		}
		if c1 > 0 {
			for i := range w {
				if wNew[i]*w[i] < 0 {
					wNew[i] = 0
				}
			}
		}
		fNew := st.batchObjective(wNew, nil)
		if isFinite(fNew) && fNew <= fVal+armijo*step*dirDeriv {
			return step, trial + 1
		}
		step *= 0.5
	}
	return 0, 20
}

// history implements the L-BFGS two-loop recursion over the last m updates.
type history struct {
	n    int // number of variables
	m    int // memory size
	s    [][]float64
	y    [][]float64
	rho  []float64
	k    int
	size int
}

func newHistory(n, m int) *history {
	return &history{
		n:   n,
		m:   m,
		s:   make([][]float64, m),
		y:   make([][]float64, m),
		rho: make([]float64, m),
	}
}

func (h *history) update(s, y []float64) {
	sy := dot(s, y)
	if sy <= 0 {
		return
	}
	idx := h.k % h.m
	if h.s[idx] == nil {
		h.s[idx] = make([]float64, h.n)
		h.y[idx] = make([]float64, h.n)
	}
	copy(h.s[idx], s)
	copy(h.y[idx], y)
	h.rho[idx] = 1.0 / sy
	h.k++
	if h.size < h.m {
		h.size++
	}
}

// direction returns the quasi-Newton descent direction for gradient g.
func (h *history) direction(g []float64) []float64 {
	q := make([]float64, h.n)
	copy(q, g)

	if h.size == 0 {
		for i := range q {
			q[i] = -q[i]
		}
		return q
	}

	alpha := make([]float64, h.size)
	for i := h.size - 1; i >= 0; i-- {
		idx := h.slot(i)
		alpha[i] = h.rho[idx] * dot(h.s[idx], q)
		for j := range h.n {
			q[j] -= alpha[i] * h.y[idx][j]
		}
	}

	// Scale by H_0 = (s_k^T y_k) / (y_k^T y_k)
	latest := h.slot(h.size - 1)
	if yy := dot(h.y[latest], h.y[latest]); yy > 0 {
		gamma := dot(h.s[latest], h.y[latest]) / yy
		for i := range q {
			q[i] *= gamma
		}
	}

	for i := range h.size {
		idx := h.slot(i)
		beta := h.rho[idx] * dot(h.y[idx], q)
		for j := range h.n {
			q[j] += (alpha[i] - beta) * h.s[idx][j]
		}
	}

	for i := range q {
		q[i] = -q[i]
	}
	return q
}

// slot maps the i-th oldest stored pair to its ring-buffer index.
func (h *history) slot(i int) int {
	idx := (h.k - h.size + i) % h.m
	if idx < 0 {
		idx += h.m
	}
	return idx
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
