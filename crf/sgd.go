package crf

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// sgdRun describes one pass of sgdEpochs.
type sgdRun struct {
	data        []encodedInstance
	epochs      int
	schedule    func(t int) float64
	calibrating bool // no progress, shuffling, convergence test or best-weight tracking
}

// sgd trains with per-instance updates.
//
// L2: w is kept as scale*v so the per-instance shrink (1 - eta*C/N) costs
// O(1); the scale is folded into the weights at the end of each epoch.
// L1: cumulative-penalty clipping. Each weight is pulled toward zero by the
// penalty accumulated since it was last visited and never crosses zero.
func (st *trainState) sgd(ctx context.Context) ([]float64, error) {
	schedule := st.config.LearningRate
	if schedule == nil {
		eta := st.calibrate()
		schedule = st.defaultSchedule(eta)
		slog.Debug("CRF learning rate calibrated", "eta", eta)
	}
	w := make([]float64, st.fs.Len())
	_, err := st.sgdEpochs(ctx, w, sgdRun{
		data:     st.data,
		epochs:   st.config.MaxIterations,
		schedule: schedule,
	})
	return w, err
}

// defaultSchedule returns the step-size schedule derived from the calibrated eta.
func (st *trainState) defaultSchedule(eta float64) func(t int) float64 {
	n := float64(len(st.data))
	if st.config.Regularization == L2 && st.config.Coefficient > 0 {
		lambda := st.config.Coefficient / n
		t0 := 1 / (lambda * eta)
		return func(t int) float64 { return 1 / (lambda * (t0 + float64(t))) }
	}
	return func(t int) float64 { return eta / (1 + float64(t)/n) }
}

// sgdEpochs runs SGD on w in place and returns the objective of the last
// epoch. Outside calibration, w holds the best-objective weights on normal
// return and the last completed epoch's weights on cancellation.
func (st *trainState) sgdEpochs(ctx context.Context, w []float64, run sgdRun) (float64, error) {
	K := len(w)
	n := float64(len(st.data))
	c := st.config.Coefficient
	l1 := st.config.Regularization == L1 && c > 0
	l2 := st.config.Regularization == L2 && c > 0
	lambda := c / n

	var (
		decay   = 1.0
		pen     l1Penalty
		touched []int
		best    []float64
		bestObj = math.Inf(1)
		conv    = convergence{epsilon: st.config.Epsilon, period: st.config.Period}
		updates int
		eta     float64
		obj     float64
	)
	if l1 {
		pen.q = make([]float64, K)
	}
	if !run.calibrating {
		best = make([]float64, K)
	}

	order := make([]int, len(run.data))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= run.epochs; epoch++ {
		if !run.calibrating {
			if err := ctx.Err(); err != nil {
				return obj, err
			}
			if st.config.Shuffle {
				st.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			}
		}
		begin := time.Now()

		sumLoss := 0.0
		for _, idx := range order {
			inst := run.data[idx]
			eta = run.schedule(updates)
			if l2 {
				// The shrink factor must stay positive.
				if eta*lambda >= 1 {
					eta = 0.5 / lambda
				}
				decay *= 1 - eta*lambda
			}
			scale := decay

			sumLoss += st.instanceLoss(inst, w, scale)
			gain := eta / scale
			if l1 {
				pen.u += eta * c / n
				touched = touched[:0]
			}
			st.lat.gradient(st.fs, inst.items, inst.labels, func(fid int, g float64) {
				w[fid] += gain * g
				if l1 {
					touched = append(touched, fid)
				}
			})
			if l1 {
				for _, fid := range touched {
					pen.clip(w, fid)
				}
			}
			updates++

			if l2 && decay < 1e-100 {
				scaleVec(w, decay)
				decay = 1
			}
		}

		if !isFinite(sumLoss) {
			if run.calibrating {
				return math.Inf(1), nil
			}
			return obj, fmt.Errorf("crf: loss is not finite at iteration %d", epoch)
		}

		if l2 {
			scaleVec(w, decay)
			decay = 1
		}
		if l1 {
			for i := range K {
				pen.clip(w, i)
			}
		}
		obj = sumLoss + st.penalty(w)
		if run.calibrating {
			continue
		}

		if obj < bestObj {
			bestObj = obj
			copy(best, w)
		}
		improvement, converged := conv.observe(obj)
		st.report(Progress{
			Iteration:    epoch,
			Loss:         obj,
			Improvement:  improvement,
			LearningRate: eta,
			Updates:      updates,
			Elapsed:      time.Since(begin),
		}, w)
		if converged {
			slog.Debug("CRF converged", "iteration", epoch, "improvement", improvement)
			break
		}
	}

	if !run.calibrating {
		copy(w, best)
		obj = bestObj
	}
	return obj, nil
}

// calibrate searches for the initial learning rate on a sample of the
// training data: candidates grow by Rate while they keep lowering the
// loss, then shrink from Eta/Rate. The candidate with the lowest loss wins.
func (st *trainState) calibrate() float64 {
	cal := st.config.Calibration
	sample := make([]encodedInstance, len(st.data))
	copy(sample, st.data)
	st.rng.Shuffle(len(sample), func(i, j int) { sample[i], sample[j] = sample[j], sample[i] })
	if len(sample) > cal.Samples {
		sample = sample[:cal.Samples]
	}

	w := make([]float64, st.fs.Len())
	initLoss := 0.0
	for _, inst := range sample {
		initLoss += st.instanceLoss(inst, w, 1)
	}

	var (
		best     = cal.Eta
		bestLoss = math.Inf(1)
		eta      = cal.Eta
		num      = cal.Candidates
		dec      = false
	)
	for trial := 0; (num > 0 || !dec) && trial < 3*cal.Candidates; trial++ {
		for i := range w {
			w[i] = 0
		}
		loss, _ := st.sgdEpochs(context.Background(), w, sgdRun{
			data:        sample,
			epochs:      1,
			schedule:    st.defaultSchedule(eta),
			calibrating: true,
		})
		ok := isFinite(loss) && loss < initLoss
		slog.Debug("CRF calibration trial", "eta", eta, "loss", loss, "ok", ok)
		if ok {
			num--
			if loss < bestLoss {
				bestLoss = loss
				best = eta
			}
		}
		if !dec {
			if ok && num > 0 {
				eta *= cal.Rate
			} else {
				dec = true
				num = cal.Candidates
				eta = cal.Eta / cal.Rate
			}
		} else {
			eta /= cal.Rate
		}
	}
	return best
}

// l1Penalty is the cumulative L1 penalty of Tsuruoka et al. (2009).
type l1Penalty struct {
	u float64   // total penalty per weight so far
	q []float64 // penalty actually applied per weight
}

// clip pulls w[i] toward zero by its pending penalty without crossing zero.
func (p *l1Penalty) clip(w []float64, i int) {
	z := w[i]
	if z > 0 {
		w[i] = math.Max(0, z-(p.u+p.q[i]))
	} else if z < 0 {
		w[i] = math.Min(0, z+(p.u-p.q[i]))
	}
	p.q[i] += w[i] - z
}

func scaleVec(w []float64, s float64) {
	for i := range w {
		w[i] *= s
	}
}
