package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/happyhackingspace/chaincrf"
	"github.com/happyhackingspace/chaincrf/crf"
	"github.com/happyhackingspace/chaincrf/internal/corpus"
	"github.com/spf13/cobra"
)

type tagOptions struct {
	modelPath   string
	evaluate    bool
	quiet       bool
	probability bool
	marginal    bool
	reference   bool
	unlabeled   bool
	workers     int
}

func (c *CLI) newTagCommand() *cobra.Command {
	var opts tagOptions

	cmd := &cobra.Command{
		Use:   "tag [flags] [data]...",
		Short: "Label sequences read from files or stdin",
		Example: `  # Tag a file; the first field of every line is the reference label
  chaincrf tag -m model.crf test.txt

  # Report accuracy only
  chaincrf tag -m model.crf -qe test.txt

  # Tag attribute-only input from stdin with probabilities
  cat items.txt | chaincrf tag -m model.crf --unlabeled -p -i`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if isStdinTerminal() {
					return cmd.Help()
				}
				args = []string{"-"}
			}
			if opts.evaluate && opts.unlabeled {
				return fmt.Errorf("--evaluate needs reference labels; drop --unlabeled")
			}

			start := time.Now()
			l, err := loadModel(opts.modelPath)
			if err != nil {
				return err
			}
			slog.Debug("Model loaded", "labels", len(l.Labels()), "duration", time.Since(start))

			instances, err := corpus.Load(args, corpus.Options{Unlabeled: opts.unlabeled})
			if err != nil {
				return err
			}
			seqs := make([]crf.Sequence, len(instances))
			for i, inst := range instances {
				seqs[i] = inst.Items
			}

			start = time.Now()
			results, err := l.TagAll(cmd.Context(), seqs, opts.workers)
			if err != nil {
				return err
			}
			slog.Debug("Tagging completed", "sequences", len(seqs), "duration", time.Since(start))

			w := bufio.NewWriter(cmd.OutOrStdout())
			if !opts.quiet {
				writeResults(w, l.Labels(), instances, results, opts)
			}
			if opts.evaluate {
				ev := crf.NewEvaluator(l.Labels())
				for i, inst := range instances {
					ev.Add(inst.Labels, results[i].Labels)
				}
				fmt.Fprint(w, ev.Evaluation().String())
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&opts.modelPath, "model", "m", "", "Path to model file (default: search for "+chaincrf.DefaultModelName+")")
	cmd.Flags().BoolVarP(&opts.evaluate, "evaluate", "e", false, "Report performance against the reference labels")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print tagging results")
	cmd.Flags().BoolVarP(&opts.probability, "probability", "p", false, "Print the probability of each label sequence")
	cmd.Flags().BoolVarP(&opts.marginal, "marginal", "i", false, "Print the marginal probability of each predicted label")
	cmd.Flags().BoolVarP(&opts.reference, "reference", "r", false, "Print the reference label next to the prediction")
	cmd.Flags().BoolVar(&opts.unlabeled, "unlabeled", false, "Input lines carry attributes only, without a leading label")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Number of tagging goroutines (default: GOMAXPROCS)")
	return cmd
}

// writeResults prints one line per item and a blank line after every sequence.
func writeResults(w io.Writer, labels []string, instances []crf.Instance, results []crf.Result, opts tagOptions) {
	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	for i, res := range results {
		if opts.probability {
			fmt.Fprintf(w, "@probability\t%f\n", res.Probability)
		}
		for t, pred := range res.Labels {
			if opts.reference && instances[i].Labels != nil {
				fmt.Fprintf(w, "%s\t", instances[i].Labels[t])
			}
			fmt.Fprint(w, pred)
			if opts.marginal {
				fmt.Fprintf(w, ":%f", res.Marginals[t][index[pred]])
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}
}

func isStdinTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func loadModel(modelPath string) (*chaincrf.Labeler, error) {
	if modelPath != "" {
		slog.Debug("Loading model", "path", modelPath)
		return chaincrf.Load(modelPath)
	}
	return chaincrf.New()
}
