package crf

import "math"

// ForwardBackwardResult holds the results of the forward-backward algorithm.
// All tables are in the log domain except Marginals.
type ForwardBackwardResult struct {
	LogZ      float64     // log partition function
	Marginals [][]float64 // [T][L] marginal probabilities P(y_t=j|x)
	Alpha     [][]float64 // [T][L] log forward values
	Beta      [][]float64 // [T][L] log backward values
}

// ForwardBackward runs the log-domain forward-backward algorithm.
// stateScores: [T][L] state feature scores
// transScores: [L][L] transition feature scores
func ForwardBackward(stateScores, transScores [][]float64) ForwardBackwardResult {
	T := len(stateScores)
	if T == 0 {
		return ForwardBackwardResult{}
	}
	L := len(stateScores[0])
	buf := make([]float64, L)

	alpha := newMatrix(T, L)
	beta := newMatrix(T, L)
	logZ := forward(stateScores, transScores, alpha, buf)
	backward(stateScores, transScores, beta, buf)

	marginals := newMatrix(T, L)
	for t := range T {
		for y := range L {
			marginals[t][y] = math.Exp(alpha[t][y] + beta[t][y] - logZ)
		}
	}

	return ForwardBackwardResult{
		LogZ:      logZ,
		Marginals: marginals,
		Alpha:     alpha,
		Beta:      beta,
	}
}

// TransitionMarginals computes P(y_{t-1}=i, y_t=j | x) for all t, i, j.
// Returns [T-1][L][L] tensor.
func TransitionMarginals(fb ForwardBackwardResult, stateScores, transScores [][]float64) [][][]float64 {
	T := len(stateScores)
	if T <= 1 {
		return nil
	}
	L := len(stateScores[0])

	result := make([][][]float64, T-1)
	for t := range T - 1 {
		result[t] = newMatrix(L, L)
		for i := range L {
			for j := range L {
				result[t][i][j] = math.Exp(fb.Alpha[t][i] + transScores[i][j] +
					stateScores[t+1][j] + fb.Beta[t+1][j] - fb.LogZ)
			}
		}
	}
	return result
}

// forward fills alpha and returns log Z. buf must have length L.
func forward(state, trans, alpha [][]float64, buf []float64) float64 {
	T := len(state)
	if T == 0 {
		return 0
	}
	L := len(state[0])
	copy(alpha[0], state[0])
	for t := 1; t < T; t++ {
		for y := range L {
			for yp := range L {
				buf[yp] = alpha[t-1][yp] + trans[yp][y]
			}
			alpha[t][y] = logSumExp(buf[:L]) + state[t][y]
		}
	}
	return logSumExp(alpha[T-1])
}

// backward fills beta. buf must have length L.
func backward(state, trans, beta [][]float64, buf []float64) {
	T := len(state)
	if T == 0 {
		return
	}
	L := len(state[0])
	for y := range L {
		beta[T-1][y] = 0
	}
	for t := T - 2; t >= 0; t-- {
		for y := range L {
			for yn := range L {
				buf[yn] = trans[y][yn] + state[t+1][yn] + beta[t+1][yn]
			}
			beta[t][y] = logSumExp(buf[:L])
		}
	}
}

// logSumExp returns log(sum(exp(xs))), factoring out the maximum first.
func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, 0) {
		return m
	}
	s := 0.0
	for _, x := range xs {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}
