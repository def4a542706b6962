package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cigate/internal/security"
	"cigate/internal/ui"
)

func keysCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ledger signing key",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new ed25519 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pubPath, privPath := g.cfg.PublicKeyPath(), g.cfg.PrivateKeyPath()
			if !force {
				if _, err := os.Stat(privPath); err == nil {
					return fmt.Errorf("%s already exists (use --force to replace it)", privPath)
				}
			}
			pub, priv, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("wrote %s", privPath))
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("  ",
				ui.KV("public key", pubPath),
				ui.KV("fingerprint", hex.EncodeToString(pub)[:16]),
			))
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "Replace an existing key pair")
	cmd.AddCommand(generate)
	return cmd
}
