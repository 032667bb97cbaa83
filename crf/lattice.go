package crf

import "math"

// attrValue is an attribute resolved against the model dictionary.
type attrValue struct {
	id    int
	value float64
}

// encodeSequence resolves attribute names to ids. Unknown attributes are dropped.
func encodeSequence(attrs *Alphabet, seq Sequence) [][]attrValue {
	items := make([][]attrValue, seq.Len())
	for t := range seq.Len() {
		for _, a := range seq.Item(t) {
			if id := attrs.Get(a.Name); id >= 0 {
				items[t] = append(items[t], attrValue{id, a.Value})
			}
		}
	}
	return items
}

// newMatrix allocates a [rows][cols] matrix over one backing array.
func newMatrix(rows, cols int) [][]float64 {
	return reshape(make([]float64, rows*cols), rows, cols)
}

func reshape(back []float64, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range rows {
		m[i] = back[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}

// stateScores fills dst[t][y] with the weighted sum of state features that
// fire at position t for label y. Weights are multiplied by scale.
func stateScores(fs *FeatureSpace, w []float64, scale float64, items [][]attrValue, dst [][]float64) {
	for t, item := range items {
		row := dst[t]
		for y := range row {
			row[y] = 0
		}
		for _, av := range item {
			for _, fid := range fs.AttributeRefs(av.id) {
				row[fs.features[fid].Dst] += w[fid] * av.value
			}
		}
		if scale != 1 {
			for y := range row {
				row[y] *= scale
			}
		}
	}
}

// transScores fills dst[i][j] with the scaled weight of transition i->j,
// or zero when no such feature exists.
func transScores(fs *FeatureSpace, w []float64, scale float64, dst [][]float64) {
	for i, row := range dst {
		for j := range row {
			row[j] = 0
		}
		for _, fid := range fs.TransitionRefs(i) {
			row[fs.features[fid].Dst] = w[fid] * scale
		}
	}
}

// lattice holds the per-sequence dynamic-programming tables. Buffers are
// reused across sequences and only grow.
type lattice struct {
	L, T  int
	state [][]float64 // [T][L] log state potentials
	trans [][]float64 // [L][L] log transition potentials
	alpha [][]float64 // [T][L] log forward values
	beta  [][]float64 // [T][L] log backward values
	back  [][]int     // [T][L] Viterbi back-pointers
	score [][]float64 // [T][L] Viterbi scores
	logZ  float64
	buf   []float64 // log-sum-exp scratch, len L

	stateBack, alphaBack, betaBack, scoreBack []float64
	backBack                                  []int
}

func newLattice(L int) *lattice {
	return &lattice{
		L:     L,
		trans: newMatrix(L, L),
		buf:   make([]float64, L),
	}
}

// reset sizes the position tables for a sequence of length T.
func (lt *lattice) reset(T int) {
	lt.T = T
	lt.logZ = 0
	n := T * lt.L
	if cap(lt.stateBack) < n {
		lt.stateBack = make([]float64, n)
		lt.alphaBack = make([]float64, n)
		lt.betaBack = make([]float64, n)
		lt.scoreBack = make([]float64, n)
		lt.backBack = make([]int, n)
	}
	lt.state = reshape(lt.stateBack[:n], T, lt.L)
	lt.alpha = reshape(lt.alphaBack[:n], T, lt.L)
	lt.beta = reshape(lt.betaBack[:n], T, lt.L)
	lt.score = reshape(lt.scoreBack[:n], T, lt.L)
	lt.back = make([][]int, T)
	for t := range T {
		lt.back[t] = lt.backBack[t*lt.L : (t+1)*lt.L]
	}
}

// setPotentials computes state and transition scores for items under w·scale.
func (lt *lattice) setPotentials(fs *FeatureSpace, w []float64, scale float64, items [][]attrValue) {
	lt.reset(len(items))
	stateScores(fs, w, scale, items, lt.state)
	transScores(fs, w, scale, lt.trans)
}

func (lt *lattice) forwardBackward() {
	lt.logZ = forward(lt.state, lt.trans, lt.alpha, lt.buf)
	backward(lt.state, lt.trans, lt.beta, lt.buf)
}

func (lt *lattice) viterbi(path []int) float64 {
	return viterbi(lt.state, lt.trans, lt.score, lt.back, path)
}

// marginal returns P(y_t = y | x). forwardBackward must have run.
func (lt *lattice) marginal(t, y int) float64 {
	return math.Exp(lt.alpha[t][y] + lt.beta[t][y] - lt.logZ)
}

// pathScore returns the unnormalized log score of a label path.
func (lt *lattice) pathScore(labels []int) float64 {
	s := 0.0
	for t, y := range labels {
		s += lt.state[t][y]
		if t > 0 {
			s += lt.trans[labels[t-1]][y]
		}
	}
	return s
}

// gradient reports, for each feature touching the sequence, the difference
// between its observed and expected count. forwardBackward must have run.
func (lt *lattice) gradient(fs *FeatureSpace, items [][]attrValue, labels []int, update func(fid int, g float64)) {
	for t, item := range items {
		gold := labels[t]
		for _, av := range item {
			for _, fid := range fs.AttributeRefs(av.id) {
				y := fs.features[fid].Dst
				g := -lt.marginal(t, y)
				if y == gold {
					g += 1
				}
				update(fid, g*av.value)
			}
		}
	}
	for t := 1; t < lt.T; t++ {
		yp, y := labels[t-1], labels[t]
		for i := range lt.L {
			a := lt.alpha[t-1][i] - lt.logZ
			for _, fid := range fs.TransitionRefs(i) {
				j := fs.features[fid].Dst
				g := -math.Exp(a + lt.trans[i][j] + lt.state[t][j] + lt.beta[t][j])
				if i == yp && j == y {
					g += 1
				}
				update(fid, g)
			}
		}
	}
}
