package crf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// Algorithm selects the optimizer.
type Algorithm int

const (
	// SGD is stochastic gradient descent with per-instance updates.
	SGD Algorithm = iota
	// LBFGS is batch L-BFGS (OWL-QN when L1 regularization is used).
	LBFGS
	// AveragedPerceptron is the structured perceptron with averaged
	// weights. It ignores Regularization and Coefficient.
	AveragedPerceptron
)

func (a Algorithm) String() string {
	switch a {
	case SGD:
		return "sgd"
	case LBFGS:
		return "lbfgs"
	case AveragedPerceptron:
		return "ap"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// Regularization selects the weight penalty.
type Regularization int

const (
	// L2 penalizes C/2 * ||w||^2.
	L2 Regularization = iota
	// L1 penalizes C * ||w||_1.
	L1
)

func (r Regularization) String() string {
	switch r {
	case L2:
		return "l2"
	case L1:
		return "l1"
	}
	return fmt.Sprintf("Regularization(%d)", int(r))
}

// Calibration controls the SGD learning-rate search used when no
// LearningRate schedule is given.
type Calibration struct {
	Eta        float64 // initial candidate
	Rate       float64 // multiplicative step between candidates, > 1
	Samples    int     // instances used per trial
	Candidates int     // accepted candidates per search direction
}

// DefaultCalibration returns the calibration settings used by DefaultTrainerConfig.
func DefaultCalibration() Calibration {
	return Calibration{Eta: 0.1, Rate: 2, Samples: 1000, Candidates: 10}
}

// TrainerConfig holds CRF training hyperparameters.
type TrainerConfig struct {
	Algorithm      Algorithm
	Regularization Regularization
	Coefficient    float64 // regularization strength, >= 0

	// LearningRate maps the number of feature updates done so far to the
	// SGD step size. Nil selects a calibrated default schedule.
	LearningRate func(t int) float64

	MaxIterations int
	// Epsilon is the relative objective change regarded as converged. For
	// AveragedPerceptron it bounds the mean per-item error rate of an epoch.
	Epsilon float64
	// Period is the number of consecutive converged iterations required to stop.
	Period int

	Shuffle bool   // SGD: shuffle instances every iteration
	Seed    uint64 // shuffling seed

	Calibration Calibration
	Features    FeatureOptions
	Memory      int // L-BFGS history size
	// UseHoldout excludes instances of group Holdout from training and
	// evaluates them after every iteration.
	UseHoldout bool
	Holdout    int

	Progress ProgressFunc
}

// DefaultTrainerConfig returns the default training configuration.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Algorithm:      SGD,
		Regularization: L2,
		Coefficient:    1.0,
		MaxIterations:  100,
		Epsilon:        1e-5,
		Period:         3,
		Shuffle:        true,
		Seed:           1,
		Calibration:    DefaultCalibration(),
		Memory:         10,
	}
}

// Validate reports the first invalid option as a *ConfigError.
func (c TrainerConfig) Validate() error {
	switch c.Algorithm {
	case SGD, LBFGS, AveragedPerceptron:
	default:
		return configErrorf("Algorithm", "unknown algorithm %d", int(c.Algorithm))
	}
	switch c.Regularization {
	case L1, L2:
	default:
		return configErrorf("Regularization", "unknown regularization %d", int(c.Regularization))
	}
	if c.Coefficient < 0 || math.IsNaN(c.Coefficient) || math.IsInf(c.Coefficient, 0) {
		return configErrorf("Coefficient", "must be a finite value >= 0, got %v", c.Coefficient)
	}
	if c.MaxIterations <= 0 {
		return configErrorf("MaxIterations", "must be > 0, got %d", c.MaxIterations)
	}
	if c.Epsilon < 0 || math.IsNaN(c.Epsilon) {
		return configErrorf("Epsilon", "must be >= 0, got %v", c.Epsilon)
	}
	if c.Period < 0 {
		return configErrorf("Period", "must be >= 0, got %d", c.Period)
	}
	if c.Memory < 0 {
		return configErrorf("Memory", "must be >= 0, got %d", c.Memory)
	}
	if c.Features.MinFreq < 0 {
		return configErrorf("Features.MinFreq", "must be >= 0, got %v", c.Features.MinFreq)
	}
	if c.Algorithm == SGD && c.LearningRate == nil && c.Calibration != (Calibration{}) {
		cal := c.Calibration
		if cal.Eta <= 0 || cal.Rate <= 1 || cal.Samples <= 0 || cal.Candidates <= 0 {
			return configErrorf("Calibration", "need Eta > 0, Rate > 1, Samples > 0, Candidates > 0, got %+v", cal)
		}
	}
	return nil
}

// withDefaults fills zero-valued optional settings.
func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.Period == 0 {
		c.Period = 1
	}
	if c.Memory == 0 {
		c.Memory = 10
	}
	if c.Calibration == (Calibration{}) {
		c.Calibration = DefaultCalibration()
	}
	return c
}

// Trainer fits a model to labeled sequences. Each Trainer owns its data and
// weight vector; independent trainers may run concurrently.
type Trainer struct {
	config    TrainerConfig
	instances []Instance
}

// NewTrainer validates config and returns an empty trainer.
func NewTrainer(config TrainerConfig) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{config: config.withDefaults()}, nil
}

// Append adds a labeled sequence to the training data.
func (tr *Trainer) Append(inst Instance) error {
	if len(inst.Labels) != inst.Items.Len() {
		return configErrorf("Instance", "%d labels for %d items", len(inst.Labels), inst.Items.Len())
	}
	tr.instances = append(tr.instances, NewInstanceGroup(inst.Items, inst.Labels, inst.Group))
	return nil
}

// NewInstanceGroup is NewInstance with an explicit group.
func NewInstanceGroup(items Sequence, labels []string, group int) Instance {
	inst := NewInstance(items, labels)
	inst.Group = group
	return inst
}

// Len returns the number of appended instances.
func (tr *Trainer) Len() int {
	return len(tr.instances)
}

// Train is shorthand for NewTrainer, Append and Trainer.Train without cancellation.
func Train(instances []Instance, config TrainerConfig) (*Model, error) {
	tr, err := NewTrainer(config)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if err := tr.Append(inst); err != nil {
			return nil, err
		}
	}
	return tr.Train(context.Background())
}

type encodedInstance struct {
	items  [][]attrValue
	labels []int
}

// trainState is the working state of one Train call.
type trainState struct {
	config   TrainerConfig
	labels   *Alphabet
	attrs    *Alphabet
	fs       *FeatureSpace
	data     []encodedInstance
	test     []Instance
	lat      *lattice
	rng      *rand.Rand
	progress *progressPump
}

// Train builds the feature space and optimizes the weights. ctx is only
// consulted between iterations; when it is cancelled Train returns the model
// as of the last completed iteration together with ctx.Err(). Any other
// failure, such as a non-finite loss, returns a nil model.
func (tr *Trainer) Train(ctx context.Context) (*Model, error) {
	if err := tr.config.Validate(); err != nil {
		return nil, err
	}
	var trainSet, testSet []Instance
	for _, inst := range tr.instances {
		if tr.config.UseHoldout && inst.Group == tr.config.Holdout {
			testSet = append(testSet, inst)
		} else {
			trainSet = append(trainSet, inst)
		}
	}
	if len(trainSet) == 0 {
		return nil, configErrorf("Instances", "no training instances")
	}

	labels, attrs, fs := BuildFeatureSpace(trainSet, tr.config.Features)
	if labels.Size() == 0 {
		return nil, configErrorf("Instances", "training data has no labeled items")
	}
	slog.Debug("CRF feature space built",
		"labels", labels.Size(), "attributes", attrs.Size(), "features", fs.Len(),
		"instances", len(trainSet), "holdout", len(testSet))

	st := &trainState{
		config: tr.config,
		labels: labels,
		attrs:  attrs,
		fs:     fs,
		test:   testSet,
		lat:    newLattice(labels.Size()),
		rng:    rand.New(rand.NewPCG(tr.config.Seed, 0x9e3779b97f4a7c15)),
	}
	st.data = make([]encodedInstance, len(trainSet))
	for i, inst := range trainSet {
		enc := encodedInstance{
			items:  encodeSequence(attrs, inst.Items),
			labels: make([]int, len(inst.Labels)),
		}
		for t, l := range inst.Labels {
			enc.labels[t] = labels.Get(l)
		}
		st.data[i] = enc
	}

	st.progress = startProgress(tr.config.Progress)
	var w []float64
	var err error
	switch tr.config.Algorithm {
	case LBFGS:
		w, err = st.lbfgs(ctx)
	case AveragedPerceptron:
		w, err = st.perceptron(ctx)
	default:
		w, err = st.sgd(ctx)
	}
	st.progress.close()
	if w == nil || (err != nil && !errors.Is(err, ctx.Err())) {
		return nil, err
	}

	model, mErr := NewModel(labels, attrs, fs, w)
	if mErr != nil {
		return nil, mErr
	}
	return model, err
}

// report builds and emits the progress record of one iteration.
func (st *trainState) report(p Progress, w []float64) {
	norm2 := 0.0
	active := 0
	for _, v := range w {
		norm2 += v * v
		if v != 0 {
			active++
		}
	}
	p.FeatureNorm = math.Sqrt(norm2)
	p.ActiveFeatures = active
	if len(st.test) > 0 && st.config.Progress != nil {
		ev := st.evaluate(w)
		p.Holdout = &ev
	}
	slog.Debug("CRF training iteration", "iteration", p.Iteration, "loss", p.Loss,
		"improvement", p.Improvement, "active_features", active)
	st.progress.send(p)
}

// evaluate scores the holdout set under a snapshot of w.
func (st *trainState) evaluate(w []float64) Evaluation {
	snap := make([]float64, len(w))
	copy(snap, w)
	m := &Model{Labels: st.labels, Attributes: st.attrs, Features: st.fs, Weights: snap}
	return Evaluate(m, st.test)
}

// penalty returns the regularization term of the objective.
func (st *trainState) penalty(w []float64) float64 {
	c := st.config.Coefficient
	if c == 0 {
		return 0
	}
	s := 0.0
	switch st.config.Regularization {
	case L1:
		for _, v := range w {
			s += math.Abs(v)
		}
		return c * s
	default:
		for _, v := range w {
			s += v * v
		}
		return 0.5 * c * s
	}
}

// instanceLoss computes potentials and forward-backward for inst under w·scale
// and returns its negative log-likelihood.
func (st *trainState) instanceLoss(inst encodedInstance, w []float64, scale float64) float64 {
	st.lat.setPotentials(st.fs, w, scale, inst.items)
	st.lat.forwardBackward()
	return st.lat.logZ - st.lat.pathScore(inst.labels)
}

// convergence tracks the relative objective change across iterations.
type convergence struct {
	epsilon float64
	period  int
	prev    float64
	streak  int
	started bool
}

// observe records loss and returns the improvement ratio and whether training has converged.
func (c *convergence) observe(loss float64) (float64, bool) {
	if !c.started {
		c.started = true
		c.prev = loss
		return math.NaN(), false
	}
	improvement := (c.prev - loss) / math.Max(math.Abs(loss), math.SmallestNonzeroFloat64)
	c.prev = loss
	if math.Abs(improvement) < c.epsilon {
		c.streak++
	} else {
		c.streak = 0
	}
	return improvement, c.streak >= c.period
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
