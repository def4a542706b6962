package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cigate/internal/trigger"
	"cigate/internal/ui"
)

func matchCmd(g *globals) *cobra.Command {
	var (
		ef           eventFlags
		pipelinePath string
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Report whether an event would start a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := ef.event(os.Getenv)
			if err != nil {
				return err
			}
			p, err := loadPipeline(g.cfg, pipelinePath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if trigger.Match(p.Rules(), ev) {
				fmt.Fprintln(out, ui.SuccessMsg("%s triggers %s", ev.String(), p.Name))
			} else {
				fmt.Fprintln(out, ui.WarnMsg("%s does not trigger %s", ev.String(), p.Name))
			}
			return nil
		},
	}

	ef.bind(cmd)
	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "Pipeline definition")
	return cmd
}
