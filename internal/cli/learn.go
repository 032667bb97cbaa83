package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/happyhackingspace/chaincrf"
	"github.com/happyhackingspace/chaincrf/crf"
	"github.com/spf13/cobra"
)

// trainerFlags are the hyperparameter flags shared by learn and evaluate.
type trainerFlags struct {
	algorithm      string
	regularization string
	coefficient    float64
	maxIterations  int
	epsilon        float64
	period         int
	noShuffle      bool
	seed           uint64
	eta            float64
	memory         int
	minFreq        float64
	possibleStates bool
	possibleTrans  bool
	dropDuplicates bool
}

func (f *trainerFlags) register(cmd *cobra.Command) {
	d := crf.DefaultTrainerConfig()
	fs := cmd.Flags()
	fs.StringVarP(&f.algorithm, "algorithm", "a", d.Algorithm.String(), "Training algorithm: sgd, lbfgs or ap (averaged perceptron)")
	fs.StringVarP(&f.regularization, "regularization", "r", d.Regularization.String(), "Weight penalty: l1 or l2")
	fs.Float64VarP(&f.coefficient, "coefficient", "c", d.Coefficient, "Regularization coefficient")
	fs.IntVar(&f.maxIterations, "max-iterations", d.MaxIterations, "Maximum number of iterations")
	fs.Float64Var(&f.epsilon, "epsilon", d.Epsilon, "Relative objective change regarded as converged")
	fs.IntVar(&f.period, "period", d.Period, "Consecutive converged iterations required to stop")
	fs.BoolVar(&f.noShuffle, "no-shuffle", false, "Keep instance order in every SGD epoch")
	fs.Uint64Var(&f.seed, "seed", d.Seed, "Shuffling seed")
	fs.Float64Var(&f.eta, "eta", d.Calibration.Eta, "Initial learning rate candidate for SGD calibration")
	fs.IntVar(&f.memory, "memory", d.Memory, "L-BFGS history size")
	fs.Float64Var(&f.minFreq, "min-freq", 0, "Drop features observed fewer times than this")
	fs.BoolVar(&f.possibleStates, "possible-states", false, "Generate state features for unseen attribute-label pairs")
	fs.BoolVar(&f.possibleTrans, "possible-transitions", false, "Generate transition features for unseen label pairs")
	fs.BoolVar(&f.dropDuplicates, "drop-duplicates", false, "Skip repeated sequences in the training data")
}

func (f *trainerFlags) config() (*crf.TrainerConfig, error) {
	c := crf.DefaultTrainerConfig()
	alg, err := parseAlgorithm(f.algorithm)
	if err != nil {
		return nil, err
	}
	reg, err := parseRegularization(f.regularization)
	if err != nil {
		return nil, err
	}
	c.Algorithm = alg
	c.Regularization = reg
	c.Coefficient = f.coefficient
	c.MaxIterations = f.maxIterations
	c.Epsilon = f.epsilon
	c.Period = f.period
	c.Shuffle = !f.noShuffle
	c.Seed = f.seed
	c.Calibration.Eta = f.eta
	c.Memory = f.memory
	c.Features = crf.FeatureOptions{
		MinFreq:             f.minFreq,
		PossibleStates:      f.possibleStates,
		PossibleTransitions: f.possibleTrans,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseAlgorithm(s string) (crf.Algorithm, error) {
	switch strings.ToLower(s) {
	case "sgd", "l2sgd":
		return crf.SGD, nil
	case "lbfgs":
		return crf.LBFGS, nil
	case "ap", "averaged-perceptron":
		return crf.AveragedPerceptron, nil
	}
	return 0, fmt.Errorf("unknown algorithm %q (want sgd, lbfgs or ap)", s)
}

func parseRegularization(s string) (crf.Regularization, error) {
	switch strings.ToLower(s) {
	case "l2":
		return crf.L2, nil
	case "l1":
		return crf.L1, nil
	}
	return 0, fmt.Errorf("unknown regularization %q (want l1 or l2)", s)
}

// progressSink writes training reports to w unless the CLI is silent.
func (c *CLI) progressSink(w io.Writer) crf.ProgressFunc {
	if c.silent {
		return nil
	}
	return crf.MessageSink(func(msg string) {
		fmt.Fprint(w, msg)
	})
}

func (c *CLI) newLearnCommand() *cobra.Command {
	var (
		tf        trainerFlags
		modelPath string
		testFiles []string
	)

	cmd := &cobra.Command{
		Use:   "learn [flags] <data>...",
		Short: "Train a model on labeled sequences in CRFsuite format",
		Args:  cobra.MinimumNArgs(1),
		Example: `  chaincrf learn -m model.crf train.txt
  chaincrf learn -a lbfgs -r l1 -c 0.5 -m model.crf.xz train.txt
  chaincrf learn -t dev.txt --max-iterations 50 train.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := tf.config()
			if err != nil {
				return err
			}
			config.Progress = c.progressSink(cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			slog.Info("Training model", "algorithm", config.Algorithm, "regularization", config.Regularization,
				"c", config.Coefficient, "data", args, "output", modelPath)
			start := time.Now()
			l, err := chaincrf.Learn(ctx, args, &chaincrf.LearnConfig{
				Trainer:        config,
				Test:           testFiles,
				DropDuplicates: tf.dropDuplicates,
			})
			if errors.Is(err, context.Canceled) && l != nil {
				if saveErr := l.Save(modelPath); saveErr != nil {
					return saveErr
				}
				slog.Warn("Training interrupted, checkpoint saved", "path", modelPath)
				return err
			}
			if err != nil {
				return err
			}
			slog.Debug("Training completed", "duration", time.Since(start))
			if err := l.Save(modelPath); err != nil {
				return err
			}
			slog.Info("Model saved", "path", modelPath, "labels", len(l.Labels()),
				"features", l.Model().Features.Len())
			return nil
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVarP(&modelPath, "model", "m", chaincrf.DefaultModelName, "Output model file (compressed if it ends in .xz)")
	cmd.Flags().StringSliceVarP(&testFiles, "test", "t", nil, "Held-out data evaluated after every iteration")
	return cmd
}
