package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cigate/internal/core"
	"cigate/internal/ui"
)

func validateCmd(g *globals) *cobra.Command {
	var showSource bool

	cmd := &cobra.Command{
		Use:   "validate [pipeline]",
		Short: "Check a pipeline definition and list its steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if showSource {
				_, err := out.Write(core.DefaultPipelineSource())
				return err
			}

			path := g.cfg.Pipeline
			if len(args) == 1 {
				path = args[0]
			}
			p := core.DefaultPipeline()
			if path != "" {
				var err error
				if p, err = core.LoadPipeline(path); err != nil {
					return err
				}
			}

			if issues := core.Validate(p); len(issues) > 0 {
				for _, issue := range issues {
					fmt.Fprintln(out, ui.ErrorMsg("%s", issue))
				}
				return fmt.Errorf("pipeline %q has %d issue(s)", p.Name, len(issues))
			}

			triggers := make([]string, 0, 2)
			for _, rule := range p.Rules() {
				branches := "*"
				if len(rule.Branches) > 0 {
					branches = strings.Join(rule.Branches, ", ")
				}
				triggers = append(triggers, fmt.Sprintf("%s [%s]", rule.Kind, branches))
			}
			fmt.Fprintln(out, ui.SuccessMsg("pipeline %s is valid", p.Name))
			fmt.Fprint(out, ui.KeyValues("  ",
				ui.KV("on", strings.Join(triggers, "; ")),
				ui.KV("steps", strconv.Itoa(len(p.Steps))),
			))

			rows := make([][]string, len(p.Steps))
			for i, step := range p.Steps {
				action := step.Uses
				if action == "" {
					action, _, _ = strings.Cut(step.Run, "\n")
				}
				rows[i] = []string{strconv.Itoa(i + 1), step.DisplayName(), action}
			}
			fmt.Fprintln(out, ui.Table([]string{"#", "STEP", "ACTION"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showSource, "print-default", false, "Print the built-in pipeline definition and exit")
	return cmd
}
