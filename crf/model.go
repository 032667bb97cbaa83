// Package crf implements a linear-chain Conditional Random Field.
package crf

import "fmt"

// Alphabet maps between string labels/attributes and integer IDs.
// IDs are assigned in insertion order.
type Alphabet struct {
	toID   map[string]int
	toStr  []string
	frozen bool
}

// NewAlphabet creates an empty alphabet.
func NewAlphabet() *Alphabet {
	return &Alphabet{
		toID: make(map[string]int),
	}
}

// Add adds a string to the alphabet if not already present, returns its ID.
// A frozen alphabet returns -1 for strings it does not already hold.
func (a *Alphabet) Add(s string) int {
	if id, ok := a.toID[s]; ok {
		return id
	}
	if a.frozen {
		return -1
	}
	id := len(a.toStr)
	a.toID[s] = id
	a.toStr = append(a.toStr, s)
	return id
}

// Get returns the ID for a string, or -1 if not found.
func (a *Alphabet) Get(s string) int {
	if id, ok := a.toID[s]; ok {
		return id
	}
	return -1
}

// String returns the string for id, or "" if id is out of range.
func (a *Alphabet) String(id int) string {
	if id < 0 || id >= len(a.toStr) {
		return ""
	}
	return a.toStr[id]
}

// Strings returns a copy of all entries in ID order.
func (a *Alphabet) Strings() []string {
	out := make([]string, len(a.toStr))
	copy(out, a.toStr)
	return out
}

// Size returns the number of entries.
func (a *Alphabet) Size() int {
	return len(a.toStr)
}

// Freeze stops the alphabet from growing.
func (a *Alphabet) Freeze() { a.frozen = true }

// Frozen reports whether Freeze has been called.
func (a *Alphabet) Frozen() bool { return a.frozen }

// Model holds the CRF parameters: the label and attribute dictionaries,
// the feature space and one weight per feature id.
//
// A Model is never mutated after construction and may be shared by any
// number of concurrent taggers.
type Model struct {
	Labels     *Alphabet
	Attributes *Alphabet
	Features   *FeatureSpace
	Weights    []float64
}

// NewModel assembles a model and freezes its dictionaries and feature space.
func NewModel(labels, attributes *Alphabet, features *FeatureSpace, weights []float64) (*Model, error) {
	if len(weights) != features.Len() {
		return nil, fmt.Errorf("crf: %d weights for %d features", len(weights), features.Len())
	}
	labels.Freeze()
	attributes.Freeze()
	features.Freeze()
	return &Model{
		Labels:     labels,
		Attributes: attributes,
		Features:   features,
		Weights:    weights,
	}, nil
}

// NumLabels returns the number of distinct labels.
func (m *Model) NumLabels() int {
	return m.Labels.Size()
}

// ComputeStateScores computes state feature scores for each position and label.
// Returns [T][L] matrix where T is sequence length and L is number of labels.
// Attributes unseen at training time contribute nothing.
func (m *Model) ComputeStateScores(seq Sequence) [][]float64 {
	items := encodeSequence(m.Attributes, seq)
	scores := newMatrix(len(items), m.NumLabels())
	stateScores(m.Features, m.Weights, 1, items, scores)
	return scores
}

// ComputeTransScores returns the [L][L] transition score matrix.
func (m *Model) ComputeTransScores() [][]float64 {
	L := m.NumLabels()
	trans := newMatrix(L, L)
	transScores(m.Features, m.Weights, 1, trans)
	return trans
}
