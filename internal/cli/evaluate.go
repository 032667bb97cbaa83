package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/happyhackingspace/chaincrf"
	"github.com/spf13/cobra"
)

func (c *CLI) newEvaluateCommand() *cobra.Command {
	var (
		tf      trainerFlags
		cvFolds int
		groups  int
	)

	cmd := &cobra.Command{
		Use:   "evaluate [flags] <data>...",
		Short: "Evaluate training settings via grouped cross-validation",
		Args:  cobra.MinimumNArgs(1),
		Example: `  # Every file is a group
  chaincrf evaluate --cv 3 part1.txt part2.txt part3.txt

  # Split a single file round-robin into 5 groups
  chaincrf evaluate --cv 5 --groups 5 train.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := tf.config()
			if err != nil {
				return err
			}
			slog.Info("Evaluating", "folds", cvFolds, "groups", groups, "data", args)
			start := time.Now()
			result, err := chaincrf.Evaluate(cmd.Context(), args, &chaincrf.EvalConfig{
				Folds:          cvFolds,
				Trainer:        config,
				Groups:         groups,
				DropDuplicates: tf.dropDuplicates,
			})
			if err != nil {
				return err
			}
			slog.Debug("Evaluation completed", "duration", time.Since(start))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cross-validation over %d folds\n", result.Folds)
			fmt.Fprint(out, result.Evaluation.String())
			return nil
		},
	}

	tf.register(cmd)
	cmd.Flags().IntVar(&cvFolds, "cv", 10, "Number of cross-validation folds")
	cmd.Flags().IntVarP(&groups, "groups", "g", 0, "Split the data round-robin into this many groups (default: one group per file)")
	return cmd
}
