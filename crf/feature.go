package crf

import (
	"fmt"
	"sort"
)

// FeatureKind distinguishes state features from transition features.
type FeatureKind uint8

const (
	// StateFeature pairs an attribute (Src) with a label (Dst).
	StateFeature FeatureKind = iota
	// TransitionFeature pairs a previous label (Src) with a label (Dst).
	TransitionFeature
)

func (k FeatureKind) String() string {
	switch k {
	case StateFeature:
		return "state"
	case TransitionFeature:
		return "transition"
	}
	return fmt.Sprintf("FeatureKind(%d)", uint8(k))
}

// Feature identifies one entry of the weight vector.
type Feature struct {
	Kind FeatureKind
	Src  int
	Dst  int
}

// FeatureSpace maps (attribute, label) and (label, label) pairs to dense
// feature ids. Ids are assigned in first-registration order and never
// reused or removed.
type FeatureSpace struct {
	features  []Feature
	index     map[Feature]int
	attrRefs  [][]int // attribute id -> state feature ids
	transRefs [][]int // previous label id -> transition feature ids
	frozen    bool
}

// NewFeatureSpace creates an empty feature space.
func NewFeatureSpace() *FeatureSpace {
	return &FeatureSpace{index: make(map[Feature]int)}
}

// Register returns the id of the (kind, src, dst) feature, assigning the
// next id on first sight. A frozen space returns -1 for unseen pairs.
func (fs *FeatureSpace) Register(kind FeatureKind, src, dst int) int {
	f := Feature{Kind: kind, Src: src, Dst: dst}
	if id, ok := fs.index[f]; ok {
		return id
	}
	if fs.frozen {
		return -1
	}
	id := len(fs.features)
	fs.features = append(fs.features, f)
	fs.index[f] = id
	switch kind {
	case StateFeature:
		fs.attrRefs = appendRef(fs.attrRefs, src, id)
	case TransitionFeature:
		fs.transRefs = appendRef(fs.transRefs, src, id)
	}
	return id
}

func appendRef(refs [][]int, at, id int) [][]int {
	for len(refs) <= at {
		refs = append(refs, nil)
	}
	refs[at] = append(refs[at], id)
	return refs
}

// Lookup returns the id of a registered feature.
func (fs *FeatureSpace) Lookup(kind FeatureKind, src, dst int) (int, bool) {
	id, ok := fs.index[Feature{Kind: kind, Src: src, Dst: dst}]
	return id, ok
}

// Feature returns the feature registered under id.
func (fs *FeatureSpace) Feature(id int) Feature {
	return fs.features[id]
}

// Len returns the number of registered features.
func (fs *FeatureSpace) Len() int {
	return len(fs.features)
}

// AttributeRefs returns the state feature ids of attribute attrID.
func (fs *FeatureSpace) AttributeRefs(attrID int) []int {
	if attrID < 0 || attrID >= len(fs.attrRefs) {
		return nil
	}
	return fs.attrRefs[attrID]
}

// TransitionRefs returns the transition feature ids leaving label from.
func (fs *FeatureSpace) TransitionRefs(from int) []int {
	if from < 0 || from >= len(fs.transRefs) {
		return nil
	}
	return fs.transRefs[from]
}

// Freeze stops the feature space from growing.
func (fs *FeatureSpace) Freeze() { fs.frozen = true }

// FeatureOptions controls feature generation from a training corpus.
type FeatureOptions struct {
	// MinFreq drops observed features whose frequency is below the threshold.
	MinFreq float64
	// PossibleStates registers every (attribute, label) pair, observed or not.
	PossibleStates bool
	// PossibleTransitions registers every (label, label) pair.
	PossibleTransitions bool
}

// BuildFeatureSpace builds the label and attribute dictionaries and the
// feature space from a training corpus, in corpus order. All three are
// frozen on return.
func BuildFeatureSpace(instances []Instance, opts FeatureOptions) (labels, attributes *Alphabet, fs *FeatureSpace) {
	labels = NewAlphabet()
	attributes = NewAlphabet()
	for _, inst := range instances {
		for t := range inst.Items.Len() {
			labels.Add(inst.Labels[t])
			for _, a := range inst.Items.Item(t) {
				attributes.Add(a.Name)
			}
		}
	}

	var order []Feature
	freq := make(map[Feature]float64)
	observe := func(f Feature, v float64) {
		if _, ok := freq[f]; !ok {
			order = append(order, f)
		}
		freq[f] += v
	}
	for _, inst := range instances {
		prev := -1
		for t := range inst.Items.Len() {
			y := labels.Get(inst.Labels[t])
			for _, a := range inst.Items.Item(t) {
				observe(Feature{StateFeature, attributes.Get(a.Name), y}, a.Value)
			}
			if prev >= 0 {
				observe(Feature{TransitionFeature, prev, y}, 1)
			}
			prev = y
		}
	}

	fs = NewFeatureSpace()
	for _, f := range order {
		if freq[f] >= opts.MinFreq {
			fs.Register(f.Kind, f.Src, f.Dst)
		}
	}
	if opts.PossibleStates {
		for a := range attributes.Size() {
			for y := range labels.Size() {
				fs.Register(StateFeature, a, y)
			}
		}
	}
	if opts.PossibleTransitions {
		for i := range labels.Size() {
			for j := range labels.Size() {
				fs.Register(TransitionFeature, i, j)
			}
		}
	}

	labels.Freeze()
	attributes.Freeze()
	fs.Freeze()
	return labels, attributes, fs
}

// FeaturesToAttributes converts a feature dict (with mixed value types)
// to an Item. Attributes are sorted by name so the result is deterministic.
//
// Conversion rules:
//   - string value: "key=value" → 1.0
//   - []string value: "key:item" → 1.0 for each item
//   - bool value: "key" → 1.0 if true
//   - int/float value: "key" → float64(value)
func FeaturesToAttributes(features map[string]any) Item {
	var item Item
	for key, val := range features {
		switch v := val.(type) {
		case string:
			item = append(item, Attr(fmt.Sprintf("%s=%s", key, v)))
		case []string:
			for _, s := range v {
				item = append(item, Attr(fmt.Sprintf("%s:%s", key, s)))
			}
		case bool:
			if v {
				item = append(item, Attr(key))
			}
		case int:
			item = append(item, WeightedAttr(key, float64(v)))
		case float64:
			item = append(item, WeightedAttr(key, v))
		default:
			item = append(item, Attr(key))
		}
	}
	sort.Slice(item, func(i, j int) bool { return item[i].Name < item[j].Name })
	return item
}
