package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cigate/internal/ledger"
	"cigate/internal/security"
	"cigate/internal/ui"
)

func ledgerCmd(g *globals) *cobra.Command {
	var path, keyPath string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the signed step ledger",
	}
	cmd.PersistentFlags().StringVar(&path, "file", "", "Ledger file (default from state dir)")

	open := func() (*ledger.Ledger, error) {
		if path == "" {
			path = g.cfg.LedgerPath()
		}
		return ledger.Open(path)
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check hashes, links and signatures of every block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyPath == "" {
				keyPath = g.cfg.PublicKeyPath()
			}
			trusted, err := security.LoadPublicKey(keyPath)
			if err != nil {
				return fmt.Errorf("load trusted public key: %w", err)
			}
			l, err := open()
			if err != nil {
				return err
			}
			if err := l.VerifyChain(trusted); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("ledger OK (%d blocks)", l.NextIndex()))
			return nil
		},
	}
	verify.Flags().StringVar(&keyPath, "public-key", "", "Trusted public key file (default from state dir)")
	cmd.AddCommand(verify)

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "List ledger blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			blocks := l.Blocks()
			out := cmd.OutOrStdout()
			if len(blocks) == 0 {
				fmt.Fprintln(out, ui.Muted("ledger is empty"))
				return nil
			}
			rows := make([][]string, len(blocks))
			for i, b := range blocks {
				rows[i] = []string{
					strconv.Itoa(b.Index),
					b.RunID,
					fmt.Sprintf("%d %s", b.StepIndex, b.Step),
					b.Status,
					shortHash(b.LogHash),
					shortHash(b.Hash),
				}
			}
			fmt.Fprintln(out, ui.Table([]string{"#", "RUN", "STEP", "STATUS", "LOG", "HASH"}, rows))
			return nil
		},
	})
	return cmd
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	if h == "" {
		return "-"
	}
	return h
}
