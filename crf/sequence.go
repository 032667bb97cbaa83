package crf

// Attribute is a named observation with a real-valued weight.
type Attribute struct {
	Name  string
	Value float64
}

// Attr returns an attribute with the default weight 1.0.
func Attr(name string) Attribute {
	return Attribute{Name: name, Value: 1.0}
}

// WeightedAttr returns an attribute with an explicit weight.
func WeightedAttr(name string, value float64) Attribute {
	return Attribute{Name: name, Value: value}
}

// Item is the ordered set of attributes observed at one position.
type Item []Attribute

// Sequence is an ordered list of items. Items are copied on the way in, so
// a Sequence never aliases caller-owned slices.
type Sequence struct {
	items []Item
}

// BuildSequence creates a sequence from the given items.
func BuildSequence(items ...Item) Sequence {
	var s Sequence
	for _, it := range items {
		s.AddItem(it...)
	}
	return s
}

// AddItem appends one position described by attrs.
func (s *Sequence) AddItem(attrs ...Attribute) {
	item := make(Item, len(attrs))
	copy(item, attrs)
	s.items = append(s.items, item)
}

// Len returns the number of positions.
func (s Sequence) Len() int {
	return len(s.items)
}

// Item returns the attributes at position t. The returned slice must not be modified.
func (s Sequence) Item(t int) Item {
	return s.items[t]
}

// Instance is a labeled sequence used for training and evaluation.
type Instance struct {
	Items  Sequence
	Labels []string
	Group  int // holdout / cross-validation group
}

// NewInstance pairs items with their gold labels.
func NewInstance(items Sequence, labels []string) Instance {
	l := make([]string, len(labels))
	copy(l, labels)
	return Instance{Items: items, Labels: l}
}
