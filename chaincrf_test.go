package chaincrf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/happyhackingspace/chaincrf/crf"
)

// chunkData is a tiny noun-phrase chunking corpus: determiners and
// adjectives open or continue a phrase, verbs sit outside it.
const chunkData = `B	w=the	pos=DT
I	w=cat	pos=NN
O	w=sat	pos=VBD

B	w=a	pos=DT
I	w=dog	pos=NN
O	w=ran	pos=VBD

B	w=the	pos=DT
I	w=big	pos=JJ
I	w=dog	pos=NN
O	w=barked	pos=VBD

B	w=a	pos=DT
I	w=cat	pos=NN
O	w=slept	pos=VBD
`

func writeData(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func seq(words ...string) crf.Sequence {
	pos := map[string]string{"the": "DT", "a": "DT", "cat": "NN", "dog": "NN", "big": "JJ", "sat": "VBD", "ran": "VBD"}
	var s crf.Sequence
	for _, w := range words {
		s.AddItem(crf.Attr("w="+w), crf.Attr("pos="+pos[w]))
	}
	return s
}

func smallConfig() *crf.TrainerConfig {
	c := crf.DefaultTrainerConfig()
	c.Coefficient = 0.01
	c.MaxIterations = 50
	return &c
}

func TestLearnTagSaveLoad(t *testing.T) {
	path := writeData(t, "train.txt", chunkData)
	l, err := Learn(context.Background(), []string{path}, &LearnConfig{Trainer: smallConfig()})
	if err != nil {
		t.Fatal(err)
	}

	s := seq("the", "dog", "sat")
	res, err := l.Tag(s)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Labels, []string{"B", "I", "O"}) {
		t.Errorf("labels = %v, want [B I O]", res.Labels)
	}
	if res.Probability <= 0 || res.Probability > 1 {
		t.Errorf("probability = %f", res.Probability)
	}

	for _, name := range []string{"model.crf", "model.crf.xz"} {
		out := filepath.Join(t.TempDir(), name)
		if err := l.Save(out); err != nil {
			t.Fatal(err)
		}
		loaded, err := Load(out)
		if err != nil {
			t.Fatal(err)
		}
		got, err := loaded.Tag(s)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, res) {
			t.Errorf("%s: reloaded result = %+v, want %+v", name, got, res)
		}
	}
}

func TestLearnWithTestFile(t *testing.T) {
	train := writeData(t, "train.txt", chunkData)
	test := writeData(t, "test.txt", "B\tw=a\tpos=DT\nI\tw=dog\tpos=NN\n")

	var (
		mu      sync.Mutex
		holdout int
	)
	cfg := smallConfig()
	cfg.MaxIterations = 3
	cfg.Progress = func(p crf.Progress) {
		if p.Holdout != nil {
			mu.Lock()
			holdout++
			mu.Unlock()
		}
	}
	if _, err := Learn(context.Background(), []string{train}, &LearnConfig{Trainer: cfg, Test: []string{test}}); err != nil {
		t.Fatal(err)
	}
	if holdout == 0 {
		t.Error("no iteration reported a holdout evaluation")
	}
}

func TestLearnCancelled(t *testing.T) {
	path := writeData(t, "train.txt", chunkData)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, err := Learn(ctx, []string{path}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if l == nil || l.Model() == nil {
		t.Fatal("cancelled training should return a checkpoint")
	}
	if err := l.Save(filepath.Join(t.TempDir(), "checkpoint.crf")); err != nil {
		t.Errorf("checkpoint cannot be saved: %v", err)
	}
}

func TestLearnErrors(t *testing.T) {
	empty := writeData(t, "empty.txt", "\n\n")
	if _, err := Learn(context.Background(), []string{empty}, nil); err == nil {
		t.Error("expected error for empty data")
	}

	if _, err := Learn(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeData(t, "train.txt", chunkData)
	bad := crf.DefaultTrainerConfig()
	bad.Coefficient = -1
	_, err := Learn(context.Background(), []string{path}, &LearnConfig{Trainer: &bad})
	if !errors.Is(err, crf.ErrConfig) {
		t.Errorf("err = %v, want crf.ErrConfig", err)
	}
}

func TestEvaluate(t *testing.T) {
	path := writeData(t, "train.txt", chunkData)
	res, err := Evaluate(context.Background(), []string{path}, &EvalConfig{Folds: 2, Trainer: smallConfig()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Folds != 2 {
		t.Errorf("folds = %d, want 2", res.Folds)
	}
	if res.ItemTotal != 13 || res.InstanceTotal != 4 {
		t.Errorf("evaluated %d items in %d instances, want 13 in 4", res.ItemTotal, res.InstanceTotal)
	}
	if res.ItemAccuracy < 0 || res.ItemAccuracy > 1 {
		t.Errorf("item accuracy = %f", res.ItemAccuracy)
	}
	var labels []string
	for _, s := range res.Labels {
		labels = append(labels, s.Label)
	}
	if !reflect.DeepEqual(labels, []string{"B", "I", "O"}) {
		t.Errorf("report labels = %v", labels)
	}
}

func TestEvaluateFileGroups(t *testing.T) {
	blocks := strings.Split(chunkData, "\n\n")
	a := writeData(t, "a.txt", blocks[0]+"\n\n"+blocks[1]+"\n")
	b := writeData(t, "b.txt", blocks[2]+"\n\n"+blocks[3])

	res, err := Evaluate(context.Background(), []string{a, b}, &EvalConfig{Folds: 5, Trainer: smallConfig()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Folds != 2 {
		t.Errorf("folds = %d, want one per file", res.Folds)
	}
}

func TestEvaluateTooFewSequences(t *testing.T) {
	path := writeData(t, "one.txt", "B\tw=a\n")
	if _, err := Evaluate(context.Background(), []string{path}, nil); err == nil {
		t.Error("expected error for a single sequence")
	}
}

func TestTagAll(t *testing.T) {
	path := writeData(t, "train.txt", chunkData)
	l, err := Learn(context.Background(), []string{path}, &LearnConfig{Trainer: smallConfig()})
	if err != nil {
		t.Fatal(err)
	}

	var seqs []crf.Sequence
	for i := range 40 {
		switch i % 3 {
		case 0:
			seqs = append(seqs, seq("the", "cat", "sat"))
		case 1:
			seqs = append(seqs, seq("a", "big", "dog", "ran"))
		default:
			seqs = append(seqs, crf.Sequence{})
		}
	}
	got, err := l.TagAll(context.Background(), seqs, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(seqs) {
		t.Fatalf("got %d results, want %d", len(got), len(seqs))
	}
	for i, s := range seqs {
		want, err := l.Tag(s)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got[i], want) {
			t.Errorf("result %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestLabelerNotInitialized(t *testing.T) {
	l := &Labeler{}
	if _, err := l.Tag(seq("the")); err == nil {
		t.Error("expected error for uninitialized labeler")
	}
	if err := l.Save(filepath.Join(t.TempDir(), "x.crf")); err == nil {
		t.Error("expected error saving uninitialized labeler")
	}
	if _, err := l.TagAll(context.Background(), nil, 1); err == nil {
		t.Error("expected error for uninitialized labeler")
	}
}

func TestLoadNonExistent(t *testing.T) {
	if _, err := Load("nonexistent.crf"); err == nil {
		t.Error("expected error for nonexistent model")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := writeData(t, "bad.crf", "CRFM garbage")
	_, err := Load(path)
	if !errors.Is(err, crf.ErrModelFormat) {
		t.Errorf("err = %v, want crf.ErrModelFormat", err)
	}
}

func TestGroupKFold(t *testing.T) {
	groups := []int{3, 1, 3, 2, 1, 2}
	folds := groupKFold(groups, 2)
	if len(folds) != 2 {
		t.Fatalf("got %d folds", len(folds))
	}
	// Sorted groups 1, 2, 3 map to folds 0, 1, 0.
	want := [][]int{{0, 1, 2, 4}, {3, 5}}
	if !reflect.DeepEqual(folds, want) {
		t.Errorf("folds = %v, want %v", folds, want)
	}

	if got := groupKFold([]int{0, 0, 0}, 4); len(got) != 1 {
		t.Errorf("one group gave %d folds, want 1", len(got))
	}
}
