package chaincrf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/happyhackingspace/chaincrf/crf"
	"github.com/happyhackingspace/chaincrf/internal/corpus"
)

// LearnConfig holds configuration for training.
type LearnConfig struct {
	// Trainer holds the CRF hyperparameters; nil selects crf.DefaultTrainerConfig.
	Trainer *crf.TrainerConfig
	// Test lists data files evaluated after every iteration. Their results
	// are reported through Trainer.Progress.
	Test []string
	// DropDuplicates skips repeated training sequences.
	DropDuplicates bool
}

// EvalConfig holds configuration for evaluation.
type EvalConfig struct {
	Folds   int // default 10
	Trainer *crf.TrainerConfig
	// Groups splits the data round-robin into this many groups. By default
	// each input file is a group; a single file is split into Folds groups.
	Groups         int
	DropDuplicates bool
}

// EvalResult holds cross-validation evaluation results.
type EvalResult struct {
	Folds int
	crf.Evaluation
}

func trainerConfig(c *crf.TrainerConfig) crf.TrainerConfig {
	if c == nil {
		return crf.DefaultTrainerConfig()
	}
	return *c
}

// Learn trains a labeler on the given CRFsuite-format files. When ctx is
// cancelled mid-training, Learn returns the labeler as of the last completed
// iteration together with the context error.
func Learn(ctx context.Context, paths []string, config *LearnConfig) (*Labeler, error) {
	if config == nil {
		config = &LearnConfig{}
	}
	tc := trainerConfig(config.Trainer)

	instances, err := corpus.Load(paths, corpus.Options{DropDuplicates: config.DropDuplicates})
	if err != nil {
		return nil, fmt.Errorf("chaincrf: %w", err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("chaincrf: no sequences found in %v", paths)
	}

	if len(config.Test) > 0 {
		test, err := corpus.Load(config.Test, corpus.Options{})
		if err != nil {
			return nil, fmt.Errorf("chaincrf: %w", err)
		}
		holdout := len(paths)
		for _, inst := range test {
			inst.Group = holdout
			instances = append(instances, inst)
		}
		tc.UseHoldout = true
		tc.Holdout = holdout
	}

	m, err := train(ctx, instances, tc)
	if m == nil {
		return nil, fmt.Errorf("chaincrf: %w", err)
	}
	if err != nil {
		return &Labeler{model: m}, fmt.Errorf("chaincrf: %w", err)
	}
	return &Labeler{model: m}, nil
}

func train(ctx context.Context, instances []crf.Instance, config crf.TrainerConfig) (*crf.Model, error) {
	tr, err := crf.NewTrainer(config)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if err := tr.Append(inst); err != nil {
			return nil, err
		}
	}
	slog.Debug("Training CRF", "algorithm", config.Algorithm, "regularization", config.Regularization,
		"c", config.Coefficient, "instances", tr.Len())
	return tr.Train(ctx)
}

// Evaluate runs grouped k-fold cross-validation on the given files: every
// fold trains on the other groups and tags its own.
func Evaluate(ctx context.Context, paths []string, config *EvalConfig) (*EvalResult, error) {
	nFolds := 10
	var cfg EvalConfig
	if config != nil {
		cfg = *config
		if cfg.Folds > 0 {
			nFolds = cfg.Folds
		}
	}
	if nFolds < 2 {
		return nil, fmt.Errorf("chaincrf: need at least 2 folds, got %d", nFolds)
	}
	tc := trainerConfig(cfg.Trainer)
	tc.UseHoldout = false

	instances, err := corpus.Load(paths, corpus.Options{
		DropDuplicates: cfg.DropDuplicates,
		Groups:         cfg.Groups,
	})
	if err != nil {
		return nil, fmt.Errorf("chaincrf: %w", err)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("chaincrf: no sequences found in %v", paths)
	}

	groups := make([]int, len(instances))
	for i, inst := range instances {
		groups[i] = inst.Group
	}
	if countDistinct(groups) < 2 {
		for i := range groups {
			groups[i] = i % nFolds
		}
	}
	folds := groupKFold(groups, nFolds)
	if len(folds) < 2 {
		return nil, fmt.Errorf("chaincrf: %d sequences cannot be split into folds", len(instances))
	}

	ev := crf.NewEvaluator(labelOrder(instances))
	for k, testIdx := range folds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		testSet := makeTestSet(len(instances), testIdx)
		var trainSet []crf.Instance
		for i, inst := range instances {
			if !testSet[i] {
				trainSet = append(trainSet, inst)
			}
		}

		m, err := train(ctx, trainSet, tc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("chaincrf: fold %d: %w", k, err)
		}
		tg := m.NewTagger()
		for _, idx := range testIdx {
			inst := instances[idx]
			pred, _, err := tg.Tag(inst.Items)
			if err != nil {
				return nil, fmt.Errorf("chaincrf: fold %d: %w", k, err)
			}
			ev.Add(inst.Labels, pred)
		}
		slog.Debug("Fold evaluated", "fold", k, "train", len(trainSet), "test", len(testIdx))
	}

	return &EvalResult{Folds: len(folds), Evaluation: ev.Evaluation()}, nil
}

// labelOrder lists labels in first-seen corpus order.
func labelOrder(instances []crf.Instance) []string {
	var out []string
	seen := make(map[string]bool)
	for _, inst := range instances {
		for _, l := range inst.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

func countDistinct(xs []int) int {
	seen := make(map[int]bool)
	for _, x := range xs {
		seen[x] = true
	}
	return len(seen)
}

// groupKFold assigns whole groups to folds so that no group is split
// between training and test data.
func groupKFold(groups []int, nFolds int) [][]int {
	uniqueGroups := make(map[int]bool)
	for _, g := range groups {
		uniqueGroups[g] = true
	}
	sortedGroups := make([]int, 0, len(uniqueGroups))
	for g := range uniqueGroups {
		sortedGroups = append(sortedGroups, g)
	}
	slices.Sort(sortedGroups)

	if nFolds > len(sortedGroups) {
		nFolds = len(sortedGroups)
	}

	groupToFold := make(map[int]int)
	for i, g := range sortedGroups {
		groupToFold[g] = i % nFolds
	}

	folds := make([][]int, nFolds)
	for i, g := range groups {
		fold := groupToFold[g]
		folds[fold] = append(folds[fold], i)
	}
	return folds
}

func makeTestSet(n int, testIdx []int) []bool {
	set := make([]bool, n)
	for _, i := range testIdx {
		set[i] = true
	}
	return set
}
