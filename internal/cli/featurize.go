package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/happyhackingspace/chaincrf/internal/extract"
	"github.com/spf13/cobra"
)

func (c *CLI) newFeaturizeCommand() *cobra.Command {
	var (
		fields    string
		separator string
		label     string
		templates []string
		noBOSEOS  bool
		word      string
		affixes   int
	)

	cmd := &cobra.Command{
		Use:   "featurize [flags] [columns]...",
		Short: "Convert column-formatted tokens into CRFsuite attributes",
		Example: `  # CoNLL-2000 chunking data with the CRF++ chunking templates
  chaincrf featurize train.conll > train.txt

  # Custom columns and templates
  chaincrf featurize -f "w y" -T "w[0]" -T "w[-1]|w[0]" --word w --affixes 3 < ner.tsv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := extract.DefaultConfig()
			cfg.Fields = strings.Fields(fields)
			cfg.Separator = separator
			cfg.Label = label
			cfg.BOSEOS = !noBOSEOS
			cfg.Word = word
			cfg.Affixes = affixes
			if len(templates) > 0 {
				cfg.Templates = nil
				for _, s := range templates {
					t, err := extract.ParseTemplate(s)
					if err != nil {
						return err
					}
					cfg.Templates = append(cfg.Templates, t)
				}
			}
			e, err := extract.New(cfg)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if isStdinTerminal() {
					return cmd.Help()
				}
				args = []string{"-"}
			}
			out := cmd.OutOrStdout()
			for _, path := range args {
				n, err := convertPath(e, path, out)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				slog.Debug("Featurized", "path", path, "sentences", n)
			}
			return nil
		},
	}

	d := extract.DefaultConfig()
	cmd.Flags().StringVarP(&fields, "fields", "f", strings.Join(d.Fields, " "), "Space-separated column names")
	cmd.Flags().StringVar(&separator, "separator", d.Separator, "Column separator (empty: any whitespace)")
	cmd.Flags().StringVarP(&label, "label", "l", d.Label, "Column holding the label (empty: unlabeled output)")
	cmd.Flags().StringArrayVarP(&templates, "template", "T", nil, `Feature template such as "w[-1]|w[0]" (default: chunking templates)`)
	cmd.Flags().BoolVar(&noBOSEOS, "no-bos-eos", false, "Do not mark the first and last token")
	cmd.Flags().StringVar(&word, "word", "", "Column used for shape, number-pattern and affix attributes")
	cmd.Flags().IntVar(&affixes, "affixes", 0, "Longest prefix and suffix attribute, in runes")
	return cmd
}

func convertPath(e *extract.Extractor, path string, w io.Writer) (int, error) {
	if path == "-" {
		return e.Convert(os.Stdin, w)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return e.Convert(f, w)
}
