package cli

import (
	"github.com/happyhackingspace/chaincrf/crf"
	"github.com/spf13/cobra"
)

func (c *CLI) newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "dump <modelfile>",
		Short:   "Print the labels and non-zero weights of a model",
		Args:    cobra.ExactArgs(1),
		Example: `  chaincrf dump model.crf | grep '^T '`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := crf.LoadModel(args[0])
			if err != nil {
				return err
			}
			return crf.DumpModel(cmd.OutOrStdout(), m)
		},
	}
}
