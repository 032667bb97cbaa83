package crf

import (
	"errors"
	"fmt"
	"math"
)

var errNoLabels = errors.New("crf: model has no labels")

// Tagger runs inference for one sequence at a time against a shared Model.
// A Tagger is not safe for concurrent use; create one per goroutine.
type Tagger struct {
	model    *Model
	lat      *lattice
	items    [][]attrValue
	path     []int
	set      bool
	computed bool
}

// NewTagger returns a tagger bound to m.
func (m *Model) NewTagger() *Tagger {
	return &Tagger{
		model: m,
		lat:   newLattice(m.NumLabels()),
	}
}

// Labels returns the model's labels in id order.
func (tg *Tagger) Labels() []string {
	return tg.model.Labels.Strings()
}

// Set computes the potentials of seq and discards results of the previous sequence.
func (tg *Tagger) Set(seq Sequence) {
	tg.items = encodeSequence(tg.model.Attributes, seq)
	tg.lat.setPotentials(tg.model.Features, tg.model.Weights, 1, tg.items)
	tg.set = true
	tg.computed = false
}

// Len returns the length of the current sequence.
func (tg *Tagger) Len() int {
	return tg.lat.T
}

func (tg *Tagger) ensureForwardBackward() error {
	if !tg.set {
		return fmt.Errorf("%w: no sequence set", ErrNotComputed)
	}
	if tg.lat.T > 0 && tg.lat.L == 0 {
		return errNoLabels
	}
	if !tg.computed {
		tg.lat.forwardBackward()
		tg.computed = true
	}
	return nil
}

// Viterbi returns the best label path of the current sequence and its
// probability exp(score - logZ). It also runs forward-backward, enabling
// Marginal and Probability queries.
func (tg *Tagger) Viterbi() ([]string, float64, error) {
	if err := tg.ensureForwardBackward(); err != nil {
		return nil, 0, err
	}
	T := tg.lat.T
	if cap(tg.path) < T {
		tg.path = make([]int, T)
	}
	path := tg.path[:T]
	score := tg.lat.viterbi(path)

	labels := make([]string, T)
	for t, y := range path {
		labels[t] = tg.model.Labels.String(y)
	}
	return labels, clampProb(math.Exp(score - tg.lat.logZ)), nil
}

// Tag sets seq and returns its best label path and path probability.
func (tg *Tagger) Tag(seq Sequence) ([]string, float64, error) {
	tg.Set(seq)
	return tg.Viterbi()
}

// Marginal returns the probability that label occupies position t.
// Labels unknown to the model have probability 0.
func (tg *Tagger) Marginal(label string, t int) (float64, error) {
	if !tg.computed {
		return 0, ErrNotComputed
	}
	if t < 0 || t >= tg.lat.T {
		return 0, fmt.Errorf("%w: position %d, length %d", ErrOutOfRange, t, tg.lat.T)
	}
	y := tg.model.Labels.Get(label)
	if y < 0 {
		return 0, nil
	}
	return clampProb(tg.lat.marginal(t, y)), nil
}

// Marginals returns the [T][L] marginal probability table of the current sequence.
func (tg *Tagger) Marginals() ([][]float64, error) {
	if !tg.computed {
		return nil, ErrNotComputed
	}
	out := newMatrix(tg.lat.T, tg.lat.L)
	for t := range tg.lat.T {
		for y := range tg.lat.L {
			out[t][y] = clampProb(tg.lat.marginal(t, y))
		}
	}
	return out, nil
}

// Probability returns the conditional probability of an arbitrary label
// path for the current sequence. A path containing an unknown label has
// probability 0.
func (tg *Tagger) Probability(labels []string) (float64, error) {
	if !tg.computed {
		return 0, ErrNotComputed
	}
	if len(labels) != tg.lat.T {
		return 0, fmt.Errorf("%w: %d labels for length %d", ErrOutOfRange, len(labels), tg.lat.T)
	}
	ids := make([]int, len(labels))
	for t, l := range labels {
		if ids[t] = tg.model.Labels.Get(l); ids[t] < 0 {
			return 0, nil
		}
	}
	return clampProb(math.Exp(tg.lat.pathScore(ids) - tg.lat.logZ)), nil
}

// Result is the outcome of tagging one sequence.
type Result struct {
	Labels      []string
	Probability float64
	Marginals   [][]float64 // [T][L], L in model label order
}

// Tag labels seq with a fresh tagger. Safe for concurrent use.
func (m *Model) Tag(seq Sequence) (Result, error) {
	tg := m.NewTagger()
	labels, p, err := tg.Tag(seq)
	if err != nil {
		return Result{}, err
	}
	marginals, err := tg.Marginals()
	if err != nil {
		return Result{}, err
	}
	return Result{Labels: labels, Probability: p, Marginals: marginals}, nil
}

// Predict returns the best label sequence as strings.
func (m *Model) Predict(seq Sequence) []string {
	labels, _, err := m.NewTagger().Tag(seq)
	if err != nil {
		return nil
	}
	return labels
}

// clampProb absorbs rounding that pushes exp() slightly outside [0, 1].
func clampProb(p float64) float64 {
	if p > 1 {
		return 1
	}
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return p
}
