package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cigate/internal/core"
	"cigate/internal/telemetry"
	"cigate/internal/ui"
)

func runCmd(g *globals) *cobra.Command {
	var (
		ef           eventFlags
		pipelinePath string
		trace        bool
		quiet        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for an event",
		Long: `Run evaluates the pipeline's trigger rules against the event and, on a
match, executes every step in order in a fresh workspace. The command
exits non-zero only when the run failed; an event that triggers no run
is not an error.`,
		Example: `  cigate run --event push --branch main
  cigate run --event pull_request --base main --head feature/x --commit 3f2a9c1
  cigate run --from-env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ev, err := ef.event(os.Getenv)
			if err != nil {
				return err
			}
			p, err := loadPipeline(g.cfg, pipelinePath)
			if err != nil {
				return err
			}

			provisioner, release, err := newProvisioner(g.cfg, p)
			if err != nil {
				return err
			}
			defer release()

			st, err := openState(g.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			runner := newRunner(g.cfg, provisioner, st)
			runner.Observer = &ui.Progress{Out: out}
			if !quiet {
				runner.Output = out
			}
			if trace {
				tp := telemetry.NewLogProvider(slog.Default())
				defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()
				runner.Tracer = tp.Tracer("cigate")
			}

			report, triggered, err := runner.Dispatch(ctx, p, ev)
			if !triggered {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, ui.WarnMsg("%s matches no trigger rule of %s; no run created", ev.String(), p.Name))
				return nil
			}

			fmt.Fprintln(out)
			fmt.Fprint(out, ui.RenderReport(report))

			var stepErr *core.StepError
			if errors.As(err, &stepErr) {
				return fmt.Errorf("run %s failed: %w", report.RunID, stepErr)
			}
			return err
		},
	}

	ef.bind(cmd)
	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "Pipeline definition (YAML, JSONC or workflow); default is the configured or built-in pipeline")
	cmd.Flags().BoolVar(&trace, "trace", false, "Log a span for the run and each step")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream step output")
	return cmd
}
