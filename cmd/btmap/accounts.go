package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/config"
)

func newAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the configured message accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			registry := accounts.NewRegistry(cfg.AccountsFile, newLogger(cfg))
			if _, err := registry.Reload(cmd.Context()); err != nil {
				return fmt.Errorf("load %s: %w", cfg.AccountsFile, err)
			}
			all := registry.All()

			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}
			if len(all) == 0 {
				fmt.Fprintf(out, "No accounts in %s\n", cfg.AccountsFile)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tUCI\tENABLED")
			for _, a := range all {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", a.ID, a.Name, a.Type, a.UCI, a.Enabled)
			}
			return w.Flush()
		},
	}
}
