package crf

import (
	"bufio"
	"fmt"
	"io"
)

// DumpModel writes a readable listing of the model: dictionaries, then
// transition and state features with non-zero weight, in feature-id order.
//
//	T <from> <to> <weight>
//	F <attribute> <label> <weight>
func DumpModel(w io.Writer, m *Model) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# labels: %d\n", m.Labels.Size())
	for id, l := range m.Labels.Strings() {
		fmt.Fprintf(bw, "L %d %s\n", id, l)
	}
	fmt.Fprintf(bw, "# attributes: %d\n", m.Attributes.Size())
	fmt.Fprintf(bw, "# features: %d\n", m.Features.Len())

	for id := range m.Features.Len() {
		f := m.Features.Feature(id)
		if f.Kind != TransitionFeature || m.Weights[id] == 0 {
			continue
		}
		fmt.Fprintf(bw, "T %s %s %f\n", m.Labels.String(f.Src), m.Labels.String(f.Dst), m.Weights[id])
	}
	for id := range m.Features.Len() {
		f := m.Features.Feature(id)
		if f.Kind != StateFeature || m.Weights[id] == 0 {
			continue
		}
		fmt.Fprintf(bw, "F %s %s %f\n", m.Attributes.String(f.Src), m.Labels.String(f.Dst), m.Weights[id])
	}
	return bw.Flush()
}
