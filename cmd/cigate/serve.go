package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cigate/internal/server"
)

func serveCmd(g *globals) *cobra.Command {
	var (
		listen       string
		pipelinePath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept webhook events and execute runs one at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if listen == "" {
				listen = g.cfg.Server.Listen
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

			secret := g.cfg.WebhookSecret(os.Getenv)
			if len(secret) == 0 {
				slog.Warn("webhook secret is not set, signatures will not be verified", "env", g.cfg.Server.WebhookSecretEnv)
			}

			srv := server.New(server.Options{
				Pipeline:      p,
				Runner:        newRunner(g.cfg, provisioner, st),
				History:       st.history,
				Ledger:        st.ledger,
				LedgerKey:     st.pub,
				WebhookSecret: secret,
				QueueSize:     g.cfg.Server.QueueSize,
				Logger:        slog.Default().With("component", "server"),
			})
			slog.Info("serving pipeline", "pipeline", p.Name, "steps", len(p.Steps), "driver", g.cfg.DriverFor(p.Image))
			if err := srv.ListenAndServe(ctx, listen); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from config, :8080)")
	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "Pipeline definition")
	return cmd
}
