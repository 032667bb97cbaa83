package crf

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func helloCorpus() []Instance {
	return []Instance{
		NewInstance(seqOf([]string{"word=hello"}, []string{"word=world"}), []string{"A", "B"}),
		NewInstance(seqOf([]string{"word=world"}, []string{"word=hello"}), []string{"B", "A"}),
	}
}

func constantRate(eta float64) func(int) float64 {
	return func(int) float64 { return eta }
}

func TestTrainSimple(t *testing.T) {
	for _, algo := range []Algorithm{SGD, LBFGS, AveragedPerceptron} {
		t.Run(algo.String(), func(t *testing.T) {
			config := DefaultTrainerConfig()
			config.Algorithm = algo
			config.Coefficient = 0.01
			config.MaxIterations = 50

			model, err := Train(helloCorpus(), config)
			if err != nil {
				t.Fatal(err)
			}
			if model.NumLabels() != 2 {
				t.Errorf("NumLabels = %d, want 2", model.NumLabels())
			}
			pred := model.Predict(seqOf([]string{"word=hello"}, []string{"word=world"}))
			if !reflect.DeepEqual(pred, []string{"A", "B"}) {
				t.Errorf("predicted %v, want [A B]", pred)
			}
		})
	}
}

func TestTrainAmbiguousCorpus(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Coefficient = 0.1
	config.MaxIterations = 50

	model, err := Train(toyCorpus(), config)
	if err != nil {
		t.Fatal(err)
	}
	res, err := model.Tag(seqOf([]string{"f1"}, []string{"f2"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Labels) != 2 {
		t.Fatalf("labels = %v, want 2 entries", res.Labels)
	}
	if res.Probability <= 0 || res.Probability > 1 {
		t.Errorf("probability = %f, want in (0, 1]", res.Probability)
	}
	for i, row := range res.Marginals {
		sum := 0.0
		for _, p := range row {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("marginals at %d sum to %f", i, sum)
		}
	}
}

func TestTrainSingleLabel(t *testing.T) {
	corpus := []Instance{
		NewInstance(seqOf([]string{"a"}, []string{"b"}), []string{"X", "X"}),
		NewInstance(seqOf([]string{"a"}), []string{"X"}),
	}
	model, err := Train(corpus, DefaultTrainerConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err := model.Tag(seqOf([]string{"b"}, []string{"unseen"}, []string{"a"}))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Labels, []string{"X", "X", "X"}) {
		t.Errorf("labels = %v", res.Labels)
	}
	if math.Abs(res.Probability-1) > 1e-12 {
		t.Errorf("probability = %f, want 1", res.Probability)
	}
	for i, row := range res.Marginals {
		if math.Abs(row[0]-1) > 1e-12 {
			t.Errorf("marginal at %d = %f, want 1", i, row[0])
		}
	}
}

func TestTrainerConfigValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(c *TrainerConfig)
	}{
		{"Algorithm", func(c *TrainerConfig) { c.Algorithm = 7 }},
		{"Regularization", func(c *TrainerConfig) { c.Regularization = 9 }},
		{"Coefficient", func(c *TrainerConfig) { c.Coefficient = -1 }},
		{"Coefficient", func(c *TrainerConfig) { c.Coefficient = math.NaN() }},
		{"MaxIterations", func(c *TrainerConfig) { c.MaxIterations = 0 }},
		{"Epsilon", func(c *TrainerConfig) { c.Epsilon = -0.1 }},
		{"Period", func(c *TrainerConfig) { c.Period = -1 }},
		{"Memory", func(c *TrainerConfig) { c.Memory = -3 }},
		{"Features.MinFreq", func(c *TrainerConfig) { c.Features.MinFreq = -1 }},
		{"Calibration", func(c *TrainerConfig) { c.Calibration.Rate = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			config := DefaultTrainerConfig()
			tt.mutate(&config)

			_, err := Train(helloCorpus(), config)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("err = %#v, want ConfigError for %s", err, tt.field)
			}
		})
	}

	if err := DefaultTrainerConfig().Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestTrainBadInput(t *testing.T) {
	if _, err := Train(nil, DefaultTrainerConfig()); !errors.Is(err, ErrConfig) {
		t.Errorf("no instances: err = %v, want ErrConfig", err)
	}

	empty := []Instance{NewInstance(Sequence{}, nil)}
	if _, err := Train(empty, DefaultTrainerConfig()); !errors.Is(err, ErrConfig) {
		t.Errorf("only empty sequences: err = %v, want ErrConfig", err)
	}

	tr, err := NewTrainer(DefaultTrainerConfig())
	if err != nil {
		t.Fatal(err)
	}
	bad := NewInstance(seqOf([]string{"a"}), []string{"A", "B"})
	if err := tr.Append(bad); !errors.Is(err, ErrConfig) {
		t.Errorf("label count mismatch: err = %v, want ErrConfig", err)
	}
	if tr.Len() != 0 {
		t.Errorf("rejected instance was appended")
	}

	config := DefaultTrainerConfig()
	config.UseHoldout = true
	config.Holdout = 0
	if _, err := Train(helloCorpus(), config); !errors.Is(err, ErrConfig) {
		t.Errorf("everything held out: err = %v, want ErrConfig", err)
	}
}

func TestTrainProgress(t *testing.T) {
	for _, algo := range []Algorithm{SGD, LBFGS} {
		t.Run(algo.String(), func(t *testing.T) {
			var (
				mu      sync.Mutex
				reports []Progress
			)
			config := DefaultTrainerConfig()
			config.Algorithm = algo
			config.MaxIterations = 5
			config.Epsilon = 0
			config.LearningRate = constantRate(0.05)
			config.Progress = func(p Progress) {
				mu.Lock()
				reports = append(reports, p)
				mu.Unlock()
			}

			if _, err := Train(helloCorpus(), config); err != nil {
				t.Fatal(err)
			}
			if len(reports) == 0 {
				t.Fatal("no progress reports")
			}
			if algo == SGD && len(reports) != 5 {
				t.Errorf("got %d reports, want 5", len(reports))
			}
			for i, p := range reports {
				if p.Iteration != i+1 {
					t.Errorf("report %d has iteration %d", i, p.Iteration)
				}
				if math.IsNaN(p.Loss) || p.Loss < 0 {
					t.Errorf("report %d loss = %f", i, p.Loss)
				}
			}
			if !math.IsNaN(reports[0].Improvement) {
				t.Errorf("first improvement = %f, want NaN", reports[0].Improvement)
			}
		})
	}
}

func TestTrainMessageSink(t *testing.T) {
	var messages []string
	config := DefaultTrainerConfig()
	config.MaxIterations = 3
	config.Epsilon = 0
	config.Progress = MessageSink(func(msg string) { messages = append(messages, msg) })

	if _, err := Train(helloCorpus(), config); err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if !strings.Contains(messages[0], "Iteration #1") || !strings.Contains(messages[2], "Iteration #3") {
		t.Errorf("unexpected messages: %q", messages)
	}
}

func TestTrainHoldout(t *testing.T) {
	corpus := helloCorpus()
	held := NewInstanceGroup(seqOf([]string{"word=hello"}), []string{"A"}, 1)
	corpus = append(corpus, held)

	var last Progress
	config := DefaultTrainerConfig()
	config.MaxIterations = 3
	config.UseHoldout = true
	config.Holdout = 1
	config.Progress = func(p Progress) { last = p }

	if _, err := Train(corpus, config); err != nil {
		t.Fatal(err)
	}
	if last.Holdout == nil {
		t.Fatal("progress has no holdout evaluation")
	}
	if last.Holdout.ItemTotal != 1 || last.Holdout.InstanceTotal != 1 {
		t.Errorf("holdout evaluation = %+v", *last.Holdout)
	}
}

func TestTrainDeterministic(t *testing.T) {
	config := DefaultTrainerConfig()
	config.MaxIterations = 10
	config.Seed = 42

	var (
		wg     sync.WaitGroup
		models [2]*Model
		errs   [2]error
	)
	for i := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			models[i], errs[i] = Train(helloCorpus(), config)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if !reflect.DeepEqual(models[0].Weights, models[1].Weights) {
		t.Errorf("same seed gave different weights:\n%v\n%v", models[0].Weights, models[1].Weights)
	}
}

func TestTrainL1Sparsity(t *testing.T) {
	for _, algo := range []Algorithm{SGD, LBFGS} {
		t.Run(algo.String(), func(t *testing.T) {
			config := DefaultTrainerConfig()
			config.Algorithm = algo
			config.Regularization = L1
			config.Coefficient = 1000
			config.MaxIterations = 10
			config.LearningRate = constantRate(0.1)

			model, err := Train(helloCorpus(), config)
			if err != nil {
				t.Fatal(err)
			}
			for id, w := range model.Weights {
				if w != 0 {
					t.Errorf("weight %d = %g, want exactly 0", id, w)
				}
			}
		})
	}
}

func TestTrainL1KeepsSomeWeights(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Regularization = L1
	config.Coefficient = 0.01
	config.MaxIterations = 30

	model, err := Train(helloCorpus(), config)
	if err != nil {
		t.Fatal(err)
	}
	pred := model.Predict(seqOf([]string{"word=hello"}, []string{"word=world"}))
	if !reflect.DeepEqual(pred, []string{"A", "B"}) {
		t.Errorf("predicted %v, want [A B]", pred)
	}
}

func TestTrainCancelled(t *testing.T) {
	for _, algo := range []Algorithm{SGD, LBFGS, AveragedPerceptron} {
		t.Run(algo.String(), func(t *testing.T) {
			config := DefaultTrainerConfig()
			config.Algorithm = algo
			tr, err := NewTrainer(config)
			if err != nil {
				t.Fatal(err)
			}
			for _, inst := range helloCorpus() {
				if err := tr.Append(inst); err != nil {
					t.Fatal(err)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			model, err := tr.Train(ctx)
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err = %v, want context.Canceled", err)
			}
			if model == nil {
				t.Fatal("cancelled training should still return a model")
			}
			for id, w := range model.Weights {
				if w != 0 {
					t.Errorf("weight %d = %g before any iteration completed", id, w)
				}
			}
			if _, err := model.Tag(seqOf([]string{"word=hello"})); err != nil {
				t.Errorf("partial model cannot tag: %v", err)
			}
		})
	}
}

func TestTrainNonFiniteLoss(t *testing.T) {
	config := DefaultTrainerConfig()
	config.Coefficient = 0
	config.Shuffle = false
	config.LearningRate = func(int) float64 { return math.Inf(1) }

	model, err := Train(helloCorpus(), config)
	if err == nil || !strings.Contains(err.Error(), "not finite") {
		t.Fatalf("err = %v, want a non-finite loss error", err)
	}
	if model != nil {
		t.Errorf("failed training returned a model with weights %v", model.Weights)
	}
}

func TestTrainEarlyStop(t *testing.T) {
	var (
		mu    sync.Mutex
		iters []int
	)
	config := DefaultTrainerConfig()
	config.MaxIterations = 50
	config.Epsilon = 10
	config.Period = 2
	config.Progress = func(p Progress) {
		mu.Lock()
		iters = append(iters, p.Iteration)
		mu.Unlock()
	}

	if _, err := Train(helloCorpus(), config); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(iters, []int{1, 2, 3}) {
		t.Errorf("iterations = %v, want [1 2 3]", iters)
	}
}

func TestTrainSlowProgressSink(t *testing.T) {
	const iterations = 80
	config := DefaultTrainerConfig()
	config.MaxIterations = iterations
	config.Epsilon = 0

	quiet, err := Train(helloCorpus(), config)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seen []int
	)
	config.Progress = func(p Progress) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, p.Iteration)
		mu.Unlock()
	}
	slow, err := Train(helloCorpus(), config)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(quiet.Weights, slow.Weights) {
		t.Errorf("weights depend on the progress sink:\n%v\n%v", quiet.Weights, slow.Weights)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != iterations {
		t.Fatalf("sink saw %d reports, want %d", len(seen), iterations)
	}
	for i, it := range seen {
		if it != i+1 {
			t.Fatalf("report %d is iteration %d", i, it)
		}
	}
}

func TestAveragedPerceptron(t *testing.T) {
	var reports []Progress
	config := DefaultTrainerConfig()
	config.Algorithm = AveragedPerceptron
	config.Shuffle = false
	config.MaxIterations = 20
	config.Progress = func(p Progress) { reports = append(reports, p) }

	model, err := Train(helloCorpus(), config)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d epochs, want 2", len(reports))
	}
	if reports[0].Loss != 0.5 || reports[1].Loss != 0 {
		t.Errorf("epoch losses = %v, %v, want 0.5, 0", reports[0].Loss, reports[1].Loss)
	}
	if !math.IsNaN(reports[0].Improvement) {
		t.Errorf("improvement = %v, want NaN", reports[0].Improvement)
	}
	for _, seq := range []struct {
		items Sequence
		want  []string
	}{
		{seqOf([]string{"word=hello"}, []string{"word=world"}), []string{"A", "B"}},
		{seqOf([]string{"word=world"}, []string{"word=hello"}), []string{"B", "A"}},
	} {
		if got := model.Predict(seq.items); !reflect.DeepEqual(got, seq.want) {
			t.Errorf("predicted %v, want %v", got, seq.want)
		}
	}
}

func TestEvaluator(t *testing.T) {
	e := NewEvaluator([]string{"A", "B"})
	e.Add([]string{"A", "B", "A"}, []string{"A", "A", "A"})
	e.Add([]string{"B"}, []string{"B"})
	ev := e.Evaluation()

	a, b := ev.Labels[0], ev.Labels[1]
	if a.TP != 2 || a.FP != 1 || a.FN != 0 {
		t.Errorf("A counts = %+v", a)
	}
	if b.TP != 1 || b.FP != 0 || b.FN != 1 {
		t.Errorf("B counts = %+v", b)
	}
	if math.Abs(a.Precision-2.0/3) > 1e-12 || a.Recall != 1 {
		t.Errorf("A precision/recall = %f/%f", a.Precision, a.Recall)
	}
	if b.Precision != 1 || b.Recall != 0.5 {
		t.Errorf("B precision/recall = %f/%f", b.Precision, b.Recall)
	}
	if ev.ItemCorrect != 3 || ev.ItemTotal != 4 {
		t.Errorf("items = %d/%d, want 3/4", ev.ItemCorrect, ev.ItemTotal)
	}
	if ev.InstanceCorrect != 1 || ev.InstanceTotal != 2 {
		t.Errorf("instances = %d/%d, want 1/2", ev.InstanceCorrect, ev.InstanceTotal)
	}
	if !strings.Contains(ev.String(), "Item accuracy: 3 / 4") {
		t.Errorf("report:\n%s", ev.String())
	}
}

func TestEvaluate(t *testing.T) {
	model := handModel(t)
	inst := NewInstance(seqOf([]string{"f1"}, []string{"f2"}), []string{"A", "B"})
	pred := model.Predict(inst.Items)

	ev := Evaluate(model, []Instance{inst})
	correct := 0
	for i := range pred {
		if pred[i] == inst.Labels[i] {
			correct++
		}
	}
	if ev.ItemTotal != 2 || ev.ItemCorrect != correct {
		t.Errorf("Evaluate items = %d/%d, want %d/2", ev.ItemCorrect, ev.ItemTotal, correct)
	}
}

func TestL1PenaltyClip(t *testing.T) {
	w := []float64{0.5, -0.5, 0.05}
	pen := l1Penalty{u: 0.1, q: make([]float64, len(w))}
	for i := range w {
		pen.clip(w, i)
	}
	want := []float64{0.4, -0.4, 0}
	for i := range w {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("after first clip w[%d] = %f, want %f", i, w[i], want[i])
		}
	}

	// A gradient step pushes w[2] negative; the pending penalty stops it at zero.
	w[2] = -0.02
	pen.u = 0.2
	for i := range w {
		pen.clip(w, i)
	}
	want = []float64{0.3, -0.3, 0}
	for i := range w {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("after second clip w[%d] = %f, want %f", i, w[i], want[i])
		}
	}
}
