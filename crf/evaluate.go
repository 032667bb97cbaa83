package crf

import (
	"fmt"
	"strings"
)

// LabelStats holds per-label tagging counts and scores.
type LabelStats struct {
	Label     string
	TP        int // predicted and gold
	FP        int // predicted, not gold
	FN        int // gold, not predicted
	Precision float64
	Recall    float64
	F1        float64
}

// Evaluation summarizes tagging accuracy over a set of labeled sequences.
type Evaluation struct {
	Labels []LabelStats

	MacroPrecision float64
	MacroRecall    float64
	MacroF1        float64

	ItemCorrect  int
	ItemTotal    int
	ItemAccuracy float64

	InstanceCorrect  int
	InstanceTotal    int
	InstanceAccuracy float64
}

// Evaluator accumulates gold/predicted label pairs.
type Evaluator struct {
	index map[string]int
	stats []LabelStats

	itemCorrect, itemTotal         int
	instanceCorrect, instanceTotal int
}

// NewEvaluator creates an evaluator whose report lists labels in the given
// order first; labels seen later are appended.
func NewEvaluator(labels []string) *Evaluator {
	e := &Evaluator{index: make(map[string]int)}
	for _, l := range labels {
		e.label(l)
	}
	return e
}

func (e *Evaluator) label(l string) *LabelStats {
	i, ok := e.index[l]
	if !ok {
		i = len(e.stats)
		e.index[l] = i
		e.stats = append(e.stats, LabelStats{Label: l})
	}
	return &e.stats[i]
}

// Add records one sequence. gold and pred must have the same length.
func (e *Evaluator) Add(gold, pred []string) {
	allCorrect := true
	for t := range gold {
		p := ""
		if t < len(pred) {
			p = pred[t]
		}
		if p == gold[t] {
			e.label(p).TP++
			e.itemCorrect++
		} else {
			allCorrect = false
			e.label(gold[t]).FN++
			if p != "" {
				e.label(p).FP++
			}
		}
		e.itemTotal++
	}
	if allCorrect {
		e.instanceCorrect++
	}
	e.instanceTotal++
}

// Evaluation computes the scores of everything added so far.
func (e *Evaluator) Evaluation() Evaluation {
	ev := Evaluation{
		Labels:          make([]LabelStats, len(e.stats)),
		ItemCorrect:     e.itemCorrect,
		ItemTotal:       e.itemTotal,
		InstanceCorrect: e.instanceCorrect,
		InstanceTotal:   e.instanceTotal,
	}
	for i, s := range e.stats {
		s.Precision = ratio(s.TP, s.TP+s.FP)
		s.Recall = ratio(s.TP, s.TP+s.FN)
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		ev.Labels[i] = s
		ev.MacroPrecision += s.Precision
		ev.MacroRecall += s.Recall
		ev.MacroF1 += s.F1
	}
	if n := float64(len(e.stats)); n > 0 {
		ev.MacroPrecision /= n
		ev.MacroRecall /= n
		ev.MacroF1 /= n
	}
	ev.ItemAccuracy = ratio(e.itemCorrect, e.itemTotal)
	ev.InstanceAccuracy = ratio(e.instanceCorrect, e.instanceTotal)
	return ev
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Evaluate tags every instance with m and compares against the gold labels.
func Evaluate(m *Model, instances []Instance) Evaluation {
	e := NewEvaluator(m.Labels.Strings())
	tg := m.NewTagger()
	for _, inst := range instances {
		pred, _, err := tg.Tag(inst.Items)
		if err != nil {
			pred = nil
		}
		e.Add(inst.Labels, pred)
	}
	return e.Evaluation()
}

// String renders a per-label report followed by the averages.
func (ev Evaluation) String() string {
	var b strings.Builder
	b.WriteString("Performance by label (#match, #model, #ref) (precision, recall, F1):\n")
	for _, s := range ev.Labels {
		fmt.Fprintf(&b, "    %s: (%d, %d, %d) (%.4f, %.4f, %.4f)\n",
			s.Label, s.TP, s.TP+s.FP, s.TP+s.FN, s.Precision, s.Recall, s.F1)
	}
	fmt.Fprintf(&b, "Macro-average precision, recall, F1: (%f, %f, %f)\n",
		ev.MacroPrecision, ev.MacroRecall, ev.MacroF1)
	fmt.Fprintf(&b, "Item accuracy: %d / %d (%.4f)\n", ev.ItemCorrect, ev.ItemTotal, ev.ItemAccuracy)
	fmt.Fprintf(&b, "Instance accuracy: %d / %d (%.4f)\n", ev.InstanceCorrect, ev.InstanceTotal, ev.InstanceAccuracy)
	return b.String()
}
